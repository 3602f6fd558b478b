// Package engine runs the periodic tick that fires due recurring alarms
// and one-shot schedules. A single process-wide tick reads due work from
// the store, dispatches through the router, and advances each alarm's next
// firing regardless of dispatch outcome so no backlog builds while a
// device is down.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/plantworks/waterhub/internal/metrics"
	"github.com/plantworks/waterhub/internal/protocol"
	"github.com/plantworks/waterhub/internal/router"
	"github.com/plantworks/waterhub/internal/store"
)

// TickInterval is the engine cadence. One-shot schedules whose fire time
// is more than one interval in the past are considered missed and expire.
const TickInterval = time.Minute

// Store is the slice of the persistence layer the engine reads and writes.
type Store interface {
	FindDevice(ctx context.Context, deviceID string) (*store.Device, error)
	FindDueAlarms(ctx context.Context, now time.Time) ([]*store.Alarm, error)
	UpdateAlarmAfterFire(ctx context.Context, id int64, firedAt, next time.Time) error
	AdvanceAlarm(ctx context.Context, id int64, next time.Time) error
	ListPendingSchedules(ctx context.Context) ([]*store.Schedule, error)
	MarkSchedule(ctx context.Context, id int64, status, errMsg string, executedAt *time.Time) error
}

// Dispatcher sends addressed commands and dashboard broadcasts. The
// command router satisfies it.
type Dispatcher interface {
	SendToDevice(deviceID, msgType string, payload any) bool
	BroadcastToDashboards(msgType string, payload any) int
}

// Engine is the periodic alarm worker. At most one tick runs at a time.
type Engine struct {
	log      zerolog.Logger
	store    Store
	dispatch Dispatcher
	clock    clockwork.Clock
	tick     time.Duration
}

// New creates an engine with the default tick interval.
func New(log zerolog.Logger, st Store, d Dispatcher, clock clockwork.Clock) *Engine {
	return &Engine{
		log:      log.With().Str("component", "engine").Logger(),
		store:    st,
		dispatch: d,
		clock:    clock,
		tick:     TickInterval,
	}
}

// SetTickInterval overrides the tick cadence.
func (e *Engine) SetTickInterval(d time.Duration) { e.tick = d }

// Run ticks until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := e.clock.NewTicker(e.tick)
	defer ticker.Stop()

	e.log.Debug().Dur("tick", e.tick).Msg("engine started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			e.Tick(ctx, e.clock.Now())
		}
	}
}

// Tick fires all due alarms in store order, then processes one-shot
// schedules. Failures are isolated per row; one bad alarm does not abort
// the tick.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	due, err := e.store.FindDueAlarms(ctx, now)
	if err != nil {
		e.log.Error().Err(err).Msg("failed to read due alarms")
	} else {
		for _, alarm := range due {
			e.fire(ctx, alarm, now)
		}
	}

	e.processSchedules(ctx, now)
}

// fire dispatches one due alarm. The next execution is advanced in every
// outcome; last_executed and execution_count move only on successful
// dispatch.
func (e *Engine) fire(ctx context.Context, alarm *store.Alarm, now time.Time) {
	next, err := NextRun(alarm.Time, alarm.Days, now)
	if err != nil {
		e.log.Error().Err(err).Int64("alarm", alarm.ID).Msg("unschedulable alarm")
		return
	}

	device, err := e.store.FindDevice(ctx, alarm.DeviceID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		// Transient store failure: leave the alarm due and retry next tick.
		e.log.Error().Err(err).Int64("alarm", alarm.ID).Msg("device lookup failed")
		return
	}

	if device == nil || !device.Online() {
		if err := e.store.AdvanceAlarm(ctx, alarm.ID, next); err != nil {
			e.log.Error().Err(err).Int64("alarm", alarm.ID).Msg("failed to advance alarm")
			return
		}
		metrics.AlarmFirings.WithLabelValues("missed").Inc()
		e.dispatch.BroadcastToDashboards(protocol.TypeAlarmMissed, protocol.AlarmEventData{
			AlarmID:       alarm.ID,
			AlarmName:     alarm.Name,
			DeviceID:      alarm.DeviceID,
			Reason:        "Device offline",
			NextExecution: next.Format(time.RFC3339),
		})
		e.log.Warn().Int64("alarm", alarm.ID).Str("device", alarm.DeviceID).
			Time("next", next).Msg("alarm missed, device offline")
		return
	}

	sent := e.dispatch.SendToDevice(alarm.DeviceID, protocol.TypeWaterCommand, protocol.WaterCommandData{
		Action:    router.ActionWater,
		Duration:  alarm.Duration,
		CommandID: router.NextCommandID(),
		AlarmID:   alarm.ID,
		AlarmName: alarm.Name,
	})

	if !sent {
		if err := e.store.AdvanceAlarm(ctx, alarm.ID, next); err != nil {
			e.log.Error().Err(err).Int64("alarm", alarm.ID).Msg("failed to advance alarm")
			return
		}
		metrics.AlarmFirings.WithLabelValues("failed").Inc()
		e.dispatch.BroadcastToDashboards(protocol.TypeAlarmFailed, protocol.AlarmEventData{
			AlarmID:       alarm.ID,
			AlarmName:     alarm.Name,
			DeviceID:      alarm.DeviceID,
			Reason:        "dispatch failed",
			NextExecution: next.Format(time.RFC3339),
		})
		e.log.Warn().Int64("alarm", alarm.ID).Str("device", alarm.DeviceID).
			Msg("alarm dispatch failed")
		return
	}

	if err := e.store.UpdateAlarmAfterFire(ctx, alarm.ID, now, next); err != nil {
		e.log.Error().Err(err).Int64("alarm", alarm.ID).Msg("failed to record alarm firing")
	}
	metrics.AlarmFirings.WithLabelValues("executed").Inc()
	e.dispatch.BroadcastToDashboards(protocol.TypeAlarmExecuted, protocol.AlarmEventData{
		AlarmID:       alarm.ID,
		AlarmName:     alarm.Name,
		DeviceID:      alarm.DeviceID,
		NextExecution: next.Format(time.RFC3339),
	})
	e.log.Info().Int64("alarm", alarm.ID).Str("device", alarm.DeviceID).
		Time("next", next).Msg("alarm executed")
}

// processSchedules fires due one-shot schedules. A pending schedule whose
// fire time is more than one tick in the past was missed (server down or
// engine stalled) and expires instead of firing late. Terminal states are
// final.
func (e *Engine) processSchedules(ctx context.Context, now time.Time) {
	pending, err := e.store.ListPendingSchedules(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("failed to read pending schedules")
		return
	}

	for _, sc := range pending {
		if sc.FireAt.After(now) {
			continue
		}
		if now.Sub(sc.FireAt) > e.tick {
			e.expireSchedule(ctx, sc)
			continue
		}
		e.fireSchedule(ctx, sc, now)
	}
}

func (e *Engine) expireSchedule(ctx context.Context, sc *store.Schedule) {
	if err := e.store.MarkSchedule(ctx, sc.ID, store.ScheduleExpired, "fire time passed without dispatch", nil); err != nil {
		e.log.Error().Err(err).Int64("schedule", sc.ID).Msg("failed to expire schedule")
		return
	}
	metrics.ScheduleFirings.WithLabelValues("expired").Inc()
	e.dispatch.BroadcastToDashboards(protocol.TypeScheduleConfirmed, protocol.ScheduleEventData{
		ScheduleID: sc.ID,
		DeviceID:   sc.DeviceID,
		Status:     store.ScheduleExpired,
		Reason:     "fire time passed without dispatch",
	})
	e.log.Warn().Int64("schedule", sc.ID).Time("fire_at", sc.FireAt).Msg("schedule expired")
}

func (e *Engine) fireSchedule(ctx context.Context, sc *store.Schedule, now time.Time) {
	device, err := e.store.FindDevice(ctx, sc.DeviceID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		e.log.Error().Err(err).Int64("schedule", sc.ID).Msg("device lookup failed")
		return
	}

	fail := func(reason string) {
		if err := e.store.MarkSchedule(ctx, sc.ID, store.ScheduleFailed, reason, nil); err != nil {
			e.log.Error().Err(err).Int64("schedule", sc.ID).Msg("failed to mark schedule failed")
			return
		}
		metrics.ScheduleFirings.WithLabelValues("failed").Inc()
		e.dispatch.BroadcastToDashboards(protocol.TypeScheduleConfirmed, protocol.ScheduleEventData{
			ScheduleID: sc.ID,
			DeviceID:   sc.DeviceID,
			Status:     store.ScheduleFailed,
			Reason:     reason,
		})
		e.log.Warn().Int64("schedule", sc.ID).Str("reason", reason).Msg("schedule failed")
	}

	if device == nil || !device.Online() {
		fail("device offline")
		return
	}

	sent := e.dispatch.SendToDevice(sc.DeviceID, protocol.TypeWaterCommand, protocol.WaterCommandData{
		Action:     router.ActionWater,
		Duration:   sc.Duration,
		CommandID:  router.NextCommandID(),
		ScheduleID: sc.ID,
	})
	if !sent {
		fail("dispatch failed")
		return
	}

	executedAt := now
	if err := e.store.MarkSchedule(ctx, sc.ID, store.ScheduleExecuted, "", &executedAt); err != nil {
		e.log.Error().Err(err).Int64("schedule", sc.ID).Msg("failed to mark schedule executed")
	}
	metrics.ScheduleFirings.WithLabelValues("executed").Inc()
	e.dispatch.BroadcastToDashboards(protocol.TypeScheduleConfirmed, protocol.ScheduleEventData{
		ScheduleID: sc.ID,
		DeviceID:   sc.DeviceID,
		Status:     store.ScheduleExecuted,
	})
	e.log.Info().Int64("schedule", sc.ID).Str("device", sc.DeviceID).Msg("schedule executed")
}
