// Package hub implements the in-memory registry of live peer sessions.
// It is the authoritative view of which devices and dashboards are
// connected; durable device rows in the store mirror hub transitions and
// may lag briefly.
package hub

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/plantworks/waterhub/internal/metrics"
	"github.com/plantworks/waterhub/internal/protocol"
	"github.com/plantworks/waterhub/internal/store"
)

// Sweeper defaults: sessions idle longer than StaleThreshold are evicted
// every SweepInterval.
const (
	StaleThreshold = 10 * time.Minute
	SweepInterval  = 2 * time.Minute
)

// StatusStore is the slice of the store the hub mirrors state into.
// Store calls are made after the hub's critical section is released.
type StatusStore interface {
	SetDeviceStatus(ctx context.Context, deviceID string, online bool, pump string, at time.Time) error
	IncrementConnections(ctx context.Context, deviceID string) (int64, error)
}

// AdmitResult describes the outcome of a device join.
type AdmitResult struct {
	DeviceID       string
	ReconnectCount int
	Superseded     bool
	Connections    int64
}

// Stats is a point-in-time snapshot of the hub counters.
type Stats struct {
	TotalConnections int64     `json:"totalConnections"`
	Active           int       `json:"activeConnections"`
	Devices          int       `json:"deviceConnections"`
	Dashboards       int       `json:"dashboardConnections"`
	StartedAt        time.Time `json:"startedAt"`
}

// Hub maintains the device and dashboard session tables. All map mutations
// are serialized through a single mutex; store writes and broadcasts happen
// outside the critical section.
type Hub struct {
	log   zerolog.Logger
	store StatusStore
	clock clockwork.Clock

	staleAfter time.Duration
	sweepEvery time.Duration

	mu         sync.RWMutex
	devices    map[string]*Session
	dashboards map[*Session]bool
	totalEver  int64
	active     int
	startedAt  time.Time
}

// New creates a hub with the default sweeper tuning.
func New(log zerolog.Logger, st StatusStore, clock clockwork.Clock) *Hub {
	return &Hub{
		log:        log.With().Str("component", "hub").Logger(),
		store:      st,
		clock:      clock,
		staleAfter: StaleThreshold,
		sweepEvery: SweepInterval,
		devices:    make(map[string]*Session),
		dashboards: make(map[*Session]bool),
		startedAt:  clock.Now(),
	}
}

// SetSweepTuning overrides the staleness threshold and sweep cadence.
func (h *Hub) SetSweepTuning(staleAfter, sweepEvery time.Duration) {
	h.staleAfter = staleAfter
	h.sweepEvery = sweepEvery
}

// CanonicalID normalizes a device id: trimmed, upper-case.
func CanonicalID(deviceID string) string {
	return strings.ToUpper(strings.TrimSpace(deviceID))
}

// Register tracks a freshly opened, still unbound session.
func (h *Hub) Register(sess *Session) {
	h.mu.Lock()
	h.totalEver++
	h.active++
	h.mu.Unlock()

	metrics.ConnectionsTotal.Inc()
	metrics.ActiveSessions.WithLabelValues(string(RoleUnbound)).Inc()
	h.log.Debug().Str("addr", sess.RemoteAddr()).Msg("session opened")
}

// AdmitDevice binds a session to a device id. An existing session for the
// same id is evicted with a superseded close; the newcomer inherits its
// reconnect count plus one. The device row is marked online and a
// device_connected broadcast is fanned out to dashboards.
func (h *Hub) AdmitDevice(ctx context.Context, sess *Session, deviceID string) (AdmitResult, error) {
	id := CanonicalID(deviceID)
	now := h.clock.Now()

	h.mu.Lock()
	old := h.devices[id]
	if old == sess {
		// Rejoin under the same id on the same transport is a touch.
		h.mu.Unlock()
		sess.touch(now)
		return AdmitResult{DeviceID: id, ReconnectCount: sess.ReconnectCount()}, nil
	}
	// A bound session joining under a different id abandons its old binding.
	prevRole := sess.Role()
	prevID := sess.DeviceID()
	rebound := prevRole == RoleDevice && prevID != id && h.devices[prevID] == sess
	if rebound {
		delete(h.devices, prevID)
	}
	reconnects := 0
	if old != nil {
		reconnects = old.ReconnectCount() + 1
	}
	sess.bindDevice(id, reconnects, now)
	h.devices[id] = sess
	h.mu.Unlock()

	if prevRole == RoleUnbound {
		metrics.ActiveSessions.WithLabelValues(string(RoleUnbound)).Dec()
		metrics.ActiveSessions.WithLabelValues(string(RoleDevice)).Inc()
	}

	if rebound {
		if err := h.store.SetDeviceStatus(ctx, prevID, false, store.PumpIdle, now); err != nil {
			h.log.Error().Err(err).Str("device", prevID).Msg("failed to mark device offline")
		}
		h.Broadcast(protocol.TypeDeviceDisconnected, protocol.DeviceDisconnectedData{
			DeviceID: prevID,
			Status:   store.DeviceOffline,
			Reason:   "rebound",
		})
		h.log.Info().Str("device", prevID).Str("new_device", id).Msg("session rebound to new id")
	}

	if old != nil {
		// The displaced session's reader will exit and call Drop, which
		// sees it is no longer the bound session and skips the offline
		// transition.
		old.Close(CloseSuperseded, "superseded")
		h.log.Info().Str("device", id).Msg("superseded previous session")
	}

	conns, err := h.store.IncrementConnections(ctx, id)
	if err != nil {
		h.log.Error().Err(err).Str("device", id).Msg("failed to bump connection counter")
	}
	if err := h.store.SetDeviceStatus(ctx, id, true, store.PumpIdle, now); err != nil {
		h.log.Error().Err(err).Str("device", id).Msg("failed to mark device online")
	}

	h.Broadcast(protocol.TypeDeviceConnected, protocol.DeviceConnectedData{
		DeviceID:       id,
		Status:         store.DeviceOnline,
		ReconnectCount: reconnects,
	})

	h.log.Info().
		Str("device", id).
		Str("addr", sess.RemoteAddr()).
		Int("reconnects", reconnects).
		Msg("device joined")

	return AdmitResult{
		DeviceID:       id,
		ReconnectCount: reconnects,
		Superseded:     old != nil,
		Connections:    conns,
	}, err
}

// AdmitDashboard adds a session to the dashboard set. A second join from
// an already admitted dashboard is ignored.
func (h *Hub) AdmitDashboard(sess *Session) bool {
	now := h.clock.Now()

	h.mu.Lock()
	if h.dashboards[sess] {
		h.mu.Unlock()
		return false
	}
	sess.bindDashboard(now)
	h.dashboards[sess] = true
	h.mu.Unlock()

	metrics.ActiveSessions.WithLabelValues(string(RoleUnbound)).Dec()
	metrics.ActiveSessions.WithLabelValues(string(RoleDashboard)).Inc()
	h.log.Info().Str("handle", sess.Handle()).Msg("dashboard joined")
	return true
}

// Drop removes a session from the hub. For a currently bound device
// session this marks the device offline with an idle pump and fans out a
// device_disconnected broadcast. Dropping a session that never completed a
// join only adjusts counters. A session is dropped at most once; the sweeper
// and the connection's read loop may both call this for the same session.
func (h *Hub) Drop(ctx context.Context, sess *Session, reason string) {
	now := h.clock.Now()

	h.mu.Lock()
	if !sess.markDropped() {
		h.mu.Unlock()
		return
	}
	role := sess.Role()
	deviceID := sess.DeviceID()
	wasBound := false
	switch role {
	case RoleDevice:
		if h.devices[deviceID] == sess {
			delete(h.devices, deviceID)
			wasBound = true
		}
	case RoleDashboard:
		delete(h.dashboards, sess)
	}
	h.active--
	h.mu.Unlock()

	metrics.ActiveSessions.WithLabelValues(string(role)).Dec()

	if !wasBound {
		if role == RoleDashboard {
			h.log.Info().Str("handle", sess.Handle()).Str("reason", reason).Msg("dashboard left")
		}
		return
	}

	if err := h.store.SetDeviceStatus(ctx, deviceID, false, store.PumpIdle, now); err != nil {
		h.log.Error().Err(err).Str("device", deviceID).Msg("failed to mark device offline")
	}

	h.Broadcast(protocol.TypeDeviceDisconnected, protocol.DeviceDisconnectedData{
		DeviceID: deviceID,
		Status:   store.DeviceOffline,
		Reason:   reason,
	})

	h.log.Info().Str("device", deviceID).Str("reason", reason).Msg("device disconnected")
}

// Touch updates a session's last-seen time. Called on every inbound frame
// and on pong.
func (h *Hub) Touch(sess *Session, at time.Time) {
	sess.touch(at)
}

// LookupDevice returns the live session bound to a device id, or nil. The
// returned session may be dropped concurrently; a subsequent send failing
// is the expected not-connected outcome.
func (h *Hub) LookupDevice(deviceID string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.devices[CanonicalID(deviceID)]
}

// Dashboards returns a consistent copy of the dashboard set.
func (h *Hub) Dashboards() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.dashboards))
	for s := range h.dashboards {
		out = append(out, s)
	}
	return out
}

// ConnectedDeviceIDs returns the ids of currently bound device sessions.
func (h *Hub) ConnectedDeviceIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.devices))
	for id := range h.devices {
		out = append(out, id)
	}
	return out
}

// Broadcast fans a message out to every dashboard, best effort. Per-session
// failures are counted but do not abort the fan-out. Returns the number of
// dashboards the frame was queued for.
func (h *Hub) Broadcast(msgType string, payload any) int {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		h.log.Error().Err(err).Str("type", msgType).Msg("failed to encode broadcast")
		return 0
	}

	sent := 0
	for _, sess := range h.Dashboards() {
		if sess.Send(data) {
			sent++
		} else {
			h.log.Debug().Str("handle", sess.Handle()).Str("type", msgType).
				Msg("dashboard send dropped")
		}
	}
	metrics.BroadcastsTotal.Add(float64(sent))
	return sent
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		TotalConnections: h.totalEver,
		Active:           h.active,
		Devices:          len(h.devices),
		Dashboards:       len(h.dashboards),
		StartedAt:        h.startedAt,
	}
}

// Sweep drops and closes every device session whose last-seen is older than
// the staleness threshold. Returns the number of evicted sessions.
func (h *Hub) Sweep(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-h.staleAfter)

	h.mu.RLock()
	var stale []*Session
	for _, sess := range h.devices {
		if sess.LastSeen().Before(cutoff) {
			stale = append(stale, sess)
		}
	}
	h.mu.RUnlock()

	for _, sess := range stale {
		h.log.Warn().
			Str("device", sess.DeviceID()).
			Time("last_seen", sess.LastSeen()).
			Msg("evicting stale session")
		h.Drop(ctx, sess, "timeout")
		sess.Close(CloseStale, "stale")
		metrics.SweepEvictions.Inc()
	}
	return len(stale)
}

// RunSweeper runs Sweep on the configured cadence until the context is
// cancelled.
func (h *Hub) RunSweeper(ctx context.Context) {
	ticker := h.clock.NewTicker(h.sweepEvery)
	defer ticker.Stop()

	h.log.Debug().Dur("every", h.sweepEvery).Dur("threshold", h.staleAfter).Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			h.Sweep(ctx, h.clock.Now())
		}
	}
}
