package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/plantworks/waterhub/internal/engine"
	"github.com/plantworks/waterhub/internal/hub"
	"github.com/plantworks/waterhub/internal/router"
	"github.com/plantworks/waterhub/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, details ...string) {
	body := map[string]any{"error": msg}
	if len(details) > 0 {
		body["details"] = details[0]
	}
	writeJSON(w, status, body)
}

// handleBanner serves the service banner.
func (s *Server) handleBanner(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "waterhub",
		"version": Version,
		"status":  "running",
	})
}

// handleHealth reports database reachability, hub counters and device
// counts. A store failure yields 500.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	total, online, err := s.store.DeviceCounts(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("health check: store unreachable")
		writeError(w, http.StatusInternalServerError, "database unavailable", err.Error())
		return
	}

	stats := s.hub.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"database": "connected",
		"websocket": map[string]any{
			"totalConnections":     stats.TotalConnections,
			"activeConnections":    stats.Active,
			"deviceConnections":    stats.Devices,
			"dashboardConnections": stats.Dashboards,
		},
		"devices": map[string]int{"total": total, "online": online},
		"uptime":  int64(time.Since(stats.StartedAt).Seconds()),
	})
}

// handleRegisterDevice creates or touches a device row over REST. Devices
// call this before opening the WebSocket; the response tells them where to
// connect.
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID  string `json:"deviceId"`
		IP        string `json:"ip"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "deviceId is required")
		return
	}

	addr := req.IP
	if addr == "" {
		addr = r.RemoteAddr
	}

	device, err := s.store.RegisterDevice(r.Context(), req.DeviceID, addr)
	if err != nil {
		s.log.Error().Err(err).Str("device", req.DeviceID).Msg("registration failed")
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"device":  device,
		"serverInfo": map[string]any{
			"wsUrl":   "ws://" + r.Host + "/ws",
			"version": Version,
		},
	})
}

// handleListDevices returns all known devices with their live-session flag.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}

	type entry struct {
		*store.Device
		Connected bool `json:"connected"`
	}
	out := make([]entry, 0, len(devices))
	for _, d := range devices {
		out = append(out, entry{Device: d, Connected: s.hub.LookupDevice(d.DeviceID) != nil})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "devices": out})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	deviceID := hub.CanonicalID(chi.URLParam(r, "deviceID"))
	schedules, err := s.store.ListDeviceSchedules(r.Context(), deviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}
	if schedules == nil {
		schedules = []*store.Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"schedules": schedules,
		"deviceId":  deviceID,
	})
}

func (s *Server) handleListAlarms(w http.ResponseWriter, r *http.Request) {
	deviceID := hub.CanonicalID(chi.URLParam(r, "deviceID"))
	alarms, err := s.store.ListAlarms(r.Context(), deviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list alarms")
		return
	}
	if alarms == nil {
		alarms = []*store.Alarm{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "alarms": alarms})
}

// handleCreateSchedule creates a one-shot schedule. The fire time must be
// RFC 3339 and in the future; the target device must exist.
func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string `json:"deviceId"`
		Time     string `json:"time"`
		Duration int64  `json:"duration"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.DeviceID == "" || req.Time == "" {
		writeError(w, http.StatusBadRequest, "deviceId and time are required")
		return
	}

	fireAt, err := time.Parse(time.RFC3339, req.Time)
	if err != nil {
		writeError(w, http.StatusBadRequest, "time must be RFC 3339", err.Error())
		return
	}
	if !fireAt.After(time.Now()) {
		writeError(w, http.StatusBadRequest, "time must be in the future")
		return
	}
	if req.Duration < router.MinDuration || req.Duration > router.MaxDuration {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("duration must be between %d and %d ms", router.MinDuration, router.MaxDuration))
		return
	}

	if _, err := s.store.FindDevice(r.Context(), req.DeviceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "device not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "device lookup failed")
		return
	}

	schedule, err := s.store.CreateSchedule(r.Context(), &store.Schedule{
		DeviceID: req.DeviceID,
		FireAt:   fireAt,
		Duration: req.Duration,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create schedule")
		writeError(w, http.StatusInternalServerError, "failed to create schedule")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "schedule": schedule})
}

// handleCreateAlarm creates a recurring alarm and computes its first
// execution.
func (s *Server) handleCreateAlarm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string   `json:"deviceId"`
		Name     string   `json:"name"`
		Time     string   `json:"time"`
		Days     []string `json:"days"`
		Duration int64    `json:"duration"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.DeviceID == "" || req.Name == "" || req.Time == "" {
		writeError(w, http.StatusBadRequest, "deviceId, name and time are required")
		return
	}
	if _, _, err := engine.ParseTimeOfDay(req.Time); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := engine.ParseDays(req.Days); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Duration < router.MinDuration || req.Duration > router.MaxDuration {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("duration must be between %d and %d ms", router.MinDuration, router.MaxDuration))
		return
	}

	if _, err := s.store.FindDevice(r.Context(), req.DeviceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "device not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "device lookup failed")
		return
	}

	next, err := engine.NextRun(req.Time, req.Days, time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	alarm, err := s.store.CreateAlarm(r.Context(), &store.Alarm{
		DeviceID:      req.DeviceID,
		Name:          req.Name,
		Time:          req.Time,
		Days:          normalizeDays(req.Days),
		Duration:      req.Duration,
		IsActive:      true,
		NextExecution: next,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create alarm")
		writeError(w, http.StatusInternalServerError, "failed to create alarm")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "alarm": alarm})
}

// handleToggleAlarm flips is_active. Re-activating recomputes the next
// execution so it is never in the past.
func (s *Server) handleToggleAlarm(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "alarmID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid alarm id")
		return
	}

	alarm, err := s.store.FindAlarm(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "alarm not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "alarm lookup failed")
		return
	}

	active := !alarm.IsActive
	next := alarm.NextExecution
	if active {
		next, err = engine.NextRun(alarm.Time, alarm.Days, time.Now())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to compute next execution")
			return
		}
	}

	if err := s.store.SetAlarmActive(r.Context(), id, active, next); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to toggle alarm")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"alarm": map[string]any{
			"id":            id,
			"isActive":      active,
			"nextExecution": next.Format(time.RFC3339),
		},
	})
}

func (s *Server) handleDeleteAlarm(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "alarmID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid alarm id")
		return
	}

	if err := s.store.DeleteAlarm(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "alarm not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete alarm")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleWaterCommand issues a manual water/stop command to a device.
func (s *Server) handleWaterCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var req struct {
		Action   string `json:"action"`
		Duration int64  `json:"duration"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	cmd, err := s.router.IssueWaterCommand(r.Context(), deviceID, req.Action, req.Duration)
	if err != nil {
		switch {
		case errors.Is(err, router.ErrInvalidAction), errors.Is(err, router.ErrInvalidDuration):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, router.ErrDeviceNotFound):
			writeError(w, http.StatusNotFound, "device not found")
		case errors.Is(err, router.ErrDeviceOffline):
			writeError(w, http.StatusConflict, "device offline")
		case errors.Is(err, router.ErrNotConnected):
			writeError(w, http.StatusConflict, "not connected")
		default:
			s.log.Error().Err(err).Str("device", deviceID).Msg("water command failed")
			writeError(w, http.StatusInternalServerError, "command failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "command": cmd})
}

// handleDebugConnections exposes a snapshot of the hub for debugging.
func (s *Server) handleDebugConnections(w http.ResponseWriter, r *http.Request) {
	stats := s.hub.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":            stats,
		"connectedDevices": s.hub.ConnectedDeviceIDs(),
		"startedAt":        stats.StartedAt.Format(time.RFC3339),
	})
}

func normalizeDays(days []string) []string {
	out := make([]string, 0, len(days))
	for _, d := range days {
		set, err := engine.ParseDays([]string{d})
		if err != nil {
			continue
		}
		for wd := range set {
			out = append(out, shortDay(wd))
		}
	}
	return out
}

func shortDay(wd time.Weekday) string {
	switch wd {
	case time.Sunday:
		return "sun"
	case time.Monday:
		return "mon"
	case time.Tuesday:
		return "tue"
	case time.Wednesday:
		return "wed"
	case time.Thursday:
		return "thu"
	case time.Friday:
		return "fri"
	case time.Saturday:
		return "sat"
	}
	return ""
}
