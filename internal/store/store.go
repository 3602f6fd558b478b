// Package store defines the persistence abstraction for waterhub.
// The default implementation is SQLite; device ids are normalized to
// upper-case at this boundary so lookups are case-insensitive.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a device, alarm or schedule does not exist.
var ErrNotFound = errors.New("not found")

// ---- device state ----

const (
	DeviceOnline  = "online"
	DeviceOffline = "offline"

	PumpIdle    = "idle"
	PumpRunning = "running"
)

// Device is the persisted record of a pump controller. The online/pump
// fields mirror the session hub's in-memory view and are updated on state
// transitions; they may lag the hub briefly.
type Device struct {
	ID            int64      `json:"id"`
	DeviceID      string     `json:"deviceId"`
	Status        string     `json:"status"`
	PumpStatus    string     `json:"pumpStatus"`
	LastIP        string     `json:"lastIP,omitempty"`
	WSConnections int64      `json:"wsConnections"`
	LastSeen      *time.Time `json:"lastSeen,omitempty"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// Online reports whether the persisted status is online.
func (d *Device) Online() bool { return d.Status == DeviceOnline }

// ---- recurring alarms ----

// Alarm is a recurring (time-of-day, weekday set) watering rule.
// Time is HH:MM in server-local time; Days is a non-empty subset of
// {mon,tue,wed,thu,fri,sat,sun}; Duration is milliseconds in [1000, 300000].
type Alarm struct {
	ID             int64      `json:"id"`
	DeviceID       string     `json:"deviceId"`
	Name           string     `json:"name"`
	Time           string     `json:"time"`
	Days           []string   `json:"days"`
	Duration       int64      `json:"duration"`
	IsActive       bool       `json:"isActive"`
	LastExecuted   *time.Time `json:"lastExecuted,omitempty"`
	NextExecution  time.Time  `json:"nextExecution"`
	ExecutionCount int64      `json:"executionCount"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// ---- one-shot schedules ----

// Schedule lifecycle states. Terminal states are never resurrected.
const (
	SchedulePending  = "pending"
	ScheduleExecuted = "executed"
	ScheduleFailed   = "failed"
	ScheduleExpired  = "expired"
)

// Schedule is a single future firing of a watering command.
type Schedule struct {
	ID         int64      `json:"id"`
	DeviceID   string     `json:"deviceId"`
	FireAt     time.Time  `json:"time"`
	Duration   int64      `json:"duration"`
	Status     string     `json:"status"`
	RetryCount int        `json:"retryCount"`
	LastError  string     `json:"lastError,omitempty"`
	ExecutedAt *time.Time `json:"executedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// ---- store interface ----

// Store is the persistence contract. All methods are context-aware and
// synchronous; transient failures propagate to the caller without retry.
type Store interface {
	// ---- devices ----

	// RegisterDevice creates the device row on first contact or touches
	// last_seen and last_ip on subsequent registrations.
	RegisterDevice(ctx context.Context, deviceID, addr string) (*Device, error)

	// SetDeviceStatus mirrors a hub state transition into the device row.
	SetDeviceStatus(ctx context.Context, deviceID string, online bool, pump string, at time.Time) error

	// IncrementConnections atomically bumps the connection counter on a
	// successful device join and returns the new value.
	IncrementConnections(ctx context.Context, deviceID string) (int64, error)

	// RecordHeartbeat updates last_heartbeat and last_seen.
	RecordHeartbeat(ctx context.Context, deviceID string, at time.Time) error

	// SetDeviceError records the last connection error string.
	SetDeviceError(ctx context.Context, deviceID, errMsg string) error

	// FindDevice returns ErrNotFound when the device does not exist.
	FindDevice(ctx context.Context, deviceID string) (*Device, error)

	// ListDevices returns all devices ordered by device id.
	ListDevices(ctx context.Context) ([]*Device, error)

	// DeviceCounts returns the total and online device counts.
	DeviceCounts(ctx context.Context) (total, online int, err error)

	// ResetOnlineDevices marks every online device offline. Run at startup
	// so rows from a previous process do not read online before the device
	// reconnects.
	ResetOnlineDevices(ctx context.Context) (int64, error)

	// ---- recurring alarms ----

	// CreateAlarm persists a new alarm and returns it with its id assigned.
	CreateAlarm(ctx context.Context, a *Alarm) (*Alarm, error)

	// ListAlarms returns a device's alarms ordered by time of day.
	ListAlarms(ctx context.Context, deviceID string) ([]*Alarm, error)

	// FindAlarm returns ErrNotFound when the alarm does not exist.
	FindAlarm(ctx context.Context, id int64) (*Alarm, error)

	// SetAlarmActive flips is_active; next is the recomputed next execution,
	// meaningful when activating.
	SetAlarmActive(ctx context.Context, id int64, active bool, next time.Time) error

	// DeleteAlarm returns ErrNotFound when no row was deleted.
	DeleteAlarm(ctx context.Context, id int64) error

	// FindDueAlarms returns every active alarm with next_execution <= now,
	// ordered by next_execution ascending then id ascending. This is the
	// only ordering the engine relies on.
	FindDueAlarms(ctx context.Context, now time.Time) ([]*Alarm, error)

	// UpdateAlarmAfterFire records a successful dispatch: last_executed,
	// atomically incremented execution_count, and the new next_execution.
	UpdateAlarmAfterFire(ctx context.Context, id int64, firedAt, next time.Time) error

	// AdvanceAlarm moves next_execution forward without recording an
	// execution. Used when the device was offline or dispatch failed, so a
	// backlog does not build while a device is down.
	AdvanceAlarm(ctx context.Context, id int64, next time.Time) error

	// ---- one-shot schedules ----

	// CreateSchedule persists a new pending schedule.
	CreateSchedule(ctx context.Context, s *Schedule) (*Schedule, error)

	// FindSchedule returns ErrNotFound when the schedule does not exist.
	FindSchedule(ctx context.Context, id int64) (*Schedule, error)

	// ListDeviceSchedules returns a device's schedules, newest first.
	ListDeviceSchedules(ctx context.Context, deviceID string) ([]*Schedule, error)

	// ListPendingSchedules returns all pending schedules across devices,
	// ordered by fire time ascending.
	ListPendingSchedules(ctx context.Context) ([]*Schedule, error)

	// MarkSchedule transitions a schedule to a terminal status. executedAt
	// is non-nil only for the executed status; errMsg is recorded for
	// failed and expired.
	MarkSchedule(ctx context.Context, id int64, status, errMsg string, executedAt *time.Time) error

	// ---- lifecycle ----

	Close() error
}
