// Package router translates REST calls and dashboard messages into
// commands addressed to exactly one connected device, and fans device
// telemetry out to all dashboards. It holds no state of its own.
package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/plantworks/waterhub/internal/hub"
	"github.com/plantworks/waterhub/internal/metrics"
	"github.com/plantworks/waterhub/internal/protocol"
	"github.com/plantworks/waterhub/internal/store"
)

// Watering command actions.
const (
	ActionWater = "water"
	ActionStop  = "stop"
)

// Duration bounds for watering commands, milliseconds.
const (
	MinDuration     = 1000
	MaxDuration     = 300000
	DefaultDuration = 5000
)

// Precondition failures from IssueWaterCommand. The HTTP layer maps these
// to 404, 409 and 409; anything else is internal.
var (
	ErrDeviceNotFound  = errors.New("device not found")
	ErrDeviceOffline   = errors.New("device offline")
	ErrNotConnected    = errors.New("not connected")
	ErrInvalidAction   = errors.New("invalid action")
	ErrInvalidDuration = errors.New("invalid duration")
)

// commandSeq seeds command ids from the process start time so ids stay
// unique across the life of the process.
var commandSeq atomic.Int64

func init() {
	commandSeq.Store(time.Now().UnixNano())
}

// NextCommandID returns a process-unique command id.
func NextCommandID() string {
	return "cmd_" + strconv.FormatInt(commandSeq.Add(1), 10)
}

// DeviceFinder is the slice of the store the router needs.
type DeviceFinder interface {
	FindDevice(ctx context.Context, deviceID string) (*store.Device, error)
}

// Router addresses commands to device sessions via the hub.
type Router struct {
	log   zerolog.Logger
	hub   *hub.Hub
	store DeviceFinder
}

// New creates a router.
func New(log zerolog.Logger, h *hub.Hub, st DeviceFinder) *Router {
	return &Router{
		log:   log.With().Str("component", "router").Logger(),
		hub:   h,
		store: st,
	}
}

// SendToDevice delivers one frame to the named device's live session.
// Returns true only when a session exists and the frame was queued; there
// is no retry or queueing on a miss.
func (r *Router) SendToDevice(deviceID, msgType string, payload any) bool {
	sess := r.hub.LookupDevice(deviceID)
	if sess == nil {
		return false
	}
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		r.log.Error().Err(err).Str("type", msgType).Msg("failed to encode device frame")
		return false
	}
	if !sess.Send(data) {
		r.log.Warn().Str("device", deviceID).Str("type", msgType).Msg("device send failed")
		return false
	}
	return true
}

// BroadcastToDashboards fans a message out to every dashboard session,
// best effort, and returns the delivered count.
func (r *Router) BroadcastToDashboards(msgType string, payload any) int {
	return r.hub.Broadcast(msgType, payload)
}

// Command is the dispatched command envelope returned to API callers.
type Command struct {
	CommandID string `json:"commandId"`
	Action    string `json:"action"`
	Duration  int64  `json:"duration"`
	DeviceID  string `json:"deviceId"`
	Timestamp string `json:"timestamp"`
}

// IssueWaterCommand validates the request against the store, builds a
// water_command envelope and sends it to the device's live session.
//
// Preconditions: the device row exists and reads online. A row that reads
// online without a live hub session yields ErrNotConnected; that is a
// legitimate transient while the store catches up with the hub.
func (r *Router) IssueWaterCommand(ctx context.Context, deviceID, action string, duration int64) (*Command, error) {
	if action != ActionWater && action != ActionStop {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	if duration == 0 && action == ActionWater {
		duration = DefaultDuration
	}
	if action == ActionWater && (duration < MinDuration || duration > MaxDuration) {
		return nil, fmt.Errorf("%w: %d ms", ErrInvalidDuration, duration)
	}

	device, err := r.store.FindDevice(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		metrics.CommandsTotal.WithLabelValues("device_not_found").Inc()
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		metrics.CommandsTotal.WithLabelValues("internal").Inc()
		return nil, err
	}
	if !device.Online() {
		metrics.CommandsTotal.WithLabelValues("device_offline").Inc()
		return nil, ErrDeviceOffline
	}

	cmd := &Command{
		CommandID: NextCommandID(),
		Action:    action,
		Duration:  duration,
		DeviceID:  device.DeviceID,
		Timestamp: time.Now().Format(time.RFC3339),
	}

	if !r.SendToDevice(device.DeviceID, protocol.TypeWaterCommand, protocol.WaterCommandData{
		Action:    cmd.Action,
		Duration:  cmd.Duration,
		CommandID: cmd.CommandID,
	}) {
		metrics.CommandsTotal.WithLabelValues("not_connected").Inc()
		return nil, ErrNotConnected
	}

	metrics.CommandsTotal.WithLabelValues("sent").Inc()
	r.log.Info().
		Str("device", device.DeviceID).
		Str("command", cmd.CommandID).
		Str("action", action).
		Int64("duration", duration).
		Msg("water command dispatched")
	return cmd, nil
}
