package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/plantworks/waterhub/internal/protocol"
	"github.com/plantworks/waterhub/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	devices  map[string]*store.Device
	due      []*store.Alarm
	pending  []*store.Schedule
	advanced map[int64]time.Time
	fired    map[int64]time.Time
	marked   map[int64]string
	findErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		devices:  make(map[string]*store.Device),
		advanced: make(map[int64]time.Time),
		fired:    make(map[int64]time.Time),
		marked:   make(map[int64]string),
	}
}

func (f *fakeStore) FindDevice(_ context.Context, deviceID string) (*store.Device, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	d, ok := f.devices[deviceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return d, nil
}

func (f *fakeStore) FindDueAlarms(_ context.Context, _ time.Time) ([]*store.Alarm, error) {
	return f.due, nil
}

func (f *fakeStore) UpdateAlarmAfterFire(_ context.Context, id int64, firedAt, next time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired[id] = firedAt
	f.advanced[id] = next
	return nil
}

func (f *fakeStore) AdvanceAlarm(_ context.Context, id int64, next time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advanced[id] = next
	return nil
}

func (f *fakeStore) ListPendingSchedules(_ context.Context) ([]*store.Schedule, error) {
	return f.pending, nil
}

func (f *fakeStore) MarkSchedule(_ context.Context, id int64, status, _ string, _ *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.marked[id]; ok && existing != store.SchedulePending {
		return store.ErrNotFound // terminal states are final
	}
	f.marked[id] = status
	return nil
}

type fakeDispatcher struct {
	mu         sync.Mutex
	sendOK     bool
	sent       []protocol.WaterCommandData
	broadcasts []string
}

func (f *fakeDispatcher) SendToDevice(_, _ string, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cmd, ok := payload.(protocol.WaterCommandData); ok {
		f.sent = append(f.sent, cmd)
	}
	return f.sendOK
}

func (f *fakeDispatcher) BroadcastToDashboards(msgType string, _ any) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, msgType)
	return 1
}

func onlineDevice(id string) *store.Device {
	return &store.Device{DeviceID: id, Status: store.DeviceOnline, PumpStatus: store.PumpIdle}
}

func dueAlarm(id int64, deviceID string) *store.Alarm {
	return &store.Alarm{
		ID:       id,
		DeviceID: deviceID,
		Name:     "morning",
		Time:     "07:00",
		Days:     []string{"mon", "thu"},
		Duration: 5000,
		IsActive: true,
	}
}

func newTestEngine(st Store, d Dispatcher) *Engine {
	return New(zerolog.Nop(), st, d, clockwork.NewFakeClock())
}

func TestTick_FiresDueAlarm(t *testing.T) {
	st := newFakeStore()
	st.devices["STRWSMK1"] = onlineDevice("STRWSMK1")
	st.due = []*store.Alarm{dueAlarm(1, "STRWSMK1")}
	d := &fakeDispatcher{sendOK: true}

	now := time.Date(2026, time.August, 24, 7, 0, 30, 0, time.UTC) // Monday
	newTestEngine(st, d).Tick(context.Background(), now)

	require.Len(t, d.sent, 1)
	require.Equal(t, "water", d.sent[0].Action)
	require.Equal(t, int64(5000), d.sent[0].Duration)
	require.Equal(t, int64(1), d.sent[0].AlarmID)
	require.Equal(t, "morning", d.sent[0].AlarmName)
	require.NotEmpty(t, d.sent[0].CommandID)

	require.Equal(t, now, st.fired[1])
	require.Contains(t, d.broadcasts, protocol.TypeAlarmExecuted)

	next := st.advanced[1]
	require.True(t, next.After(now))
	require.Less(t, next.Sub(now), 8*24*time.Hour)
}

func TestTick_DeviceOfflineAdvancesWithoutExecuting(t *testing.T) {
	st := newFakeStore()
	st.devices["STRWSMK1"] = &store.Device{DeviceID: "STRWSMK1", Status: store.DeviceOffline}
	st.due = []*store.Alarm{dueAlarm(1, "STRWSMK1")}
	d := &fakeDispatcher{sendOK: true}

	now := time.Date(2026, time.August, 24, 7, 0, 30, 0, time.UTC)
	newTestEngine(st, d).Tick(context.Background(), now)

	require.Empty(t, d.sent, "no command may be dispatched to an offline device")
	require.Empty(t, st.fired, "last_executed must not move")
	require.True(t, st.advanced[1].After(now), "next execution must still advance")
	require.Contains(t, d.broadcasts, protocol.TypeAlarmMissed)
}

func TestTick_UnknownDeviceCountsAsMissed(t *testing.T) {
	st := newFakeStore()
	st.due = []*store.Alarm{dueAlarm(1, "GHOST")}
	d := &fakeDispatcher{sendOK: true}

	newTestEngine(st, d).Tick(context.Background(), time.Date(2026, time.August, 24, 7, 0, 0, 0, time.UTC))

	require.Empty(t, d.sent)
	require.Contains(t, d.broadcasts, protocol.TypeAlarmMissed)
	require.NotEmpty(t, st.advanced)
}

func TestTick_DispatchFailureAdvances(t *testing.T) {
	st := newFakeStore()
	st.devices["STRWSMK1"] = onlineDevice("STRWSMK1")
	st.due = []*store.Alarm{dueAlarm(1, "STRWSMK1")}
	d := &fakeDispatcher{sendOK: false}

	now := time.Date(2026, time.August, 24, 7, 0, 30, 0, time.UTC)
	newTestEngine(st, d).Tick(context.Background(), now)

	require.Empty(t, st.fired)
	require.True(t, st.advanced[1].After(now))
	require.Contains(t, d.broadcasts, protocol.TypeAlarmFailed)
}

func TestTick_StoreErrorLeavesAlarmDue(t *testing.T) {
	st := newFakeStore()
	st.findErr = errors.New("connection reset")
	st.due = []*store.Alarm{dueAlarm(1, "STRWSMK1")}
	d := &fakeDispatcher{sendOK: true}

	newTestEngine(st, d).Tick(context.Background(), time.Now())

	require.Empty(t, d.sent)
	require.Empty(t, st.advanced, "transient store failure must not advance the alarm")
}

func TestTick_OneBadAlarmDoesNotAbortTheRest(t *testing.T) {
	st := newFakeStore()
	st.devices["STRWSMK1"] = onlineDevice("STRWSMK1")
	bad := dueAlarm(1, "STRWSMK1")
	bad.Time = "nonsense"
	st.due = []*store.Alarm{bad, dueAlarm(2, "STRWSMK1")}
	d := &fakeDispatcher{sendOK: true}

	newTestEngine(st, d).Tick(context.Background(), time.Date(2026, time.August, 24, 7, 0, 0, 0, time.UTC))

	require.Len(t, d.sent, 1)
	require.Equal(t, int64(2), d.sent[0].AlarmID)
}

func TestTick_FiresInStoreOrder(t *testing.T) {
	st := newFakeStore()
	st.devices["STRWSMK1"] = onlineDevice("STRWSMK1")
	st.due = []*store.Alarm{dueAlarm(3, "STRWSMK1"), dueAlarm(1, "STRWSMK1"), dueAlarm(2, "STRWSMK1")}
	d := &fakeDispatcher{sendOK: true}

	newTestEngine(st, d).Tick(context.Background(), time.Date(2026, time.August, 24, 7, 0, 0, 0, time.UTC))

	require.Len(t, d.sent, 3)
	require.Equal(t, int64(3), d.sent[0].AlarmID)
	require.Equal(t, int64(1), d.sent[1].AlarmID)
	require.Equal(t, int64(2), d.sent[2].AlarmID)
}

func TestSchedules_DueScheduleExecutes(t *testing.T) {
	st := newFakeStore()
	st.devices["STRWSMK1"] = onlineDevice("STRWSMK1")
	now := time.Now()
	st.pending = []*store.Schedule{{
		ID: 10, DeviceID: "STRWSMK1", FireAt: now.Add(-10 * time.Second),
		Duration: 5000, Status: store.SchedulePending,
	}}
	d := &fakeDispatcher{sendOK: true}

	newTestEngine(st, d).Tick(context.Background(), now)

	require.Equal(t, store.ScheduleExecuted, st.marked[10])
	require.Len(t, d.sent, 1)
	require.Equal(t, int64(10), d.sent[0].ScheduleID)
	require.Zero(t, d.sent[0].AlarmID)
}

func TestSchedules_LongPastScheduleExpiresWithoutDispatch(t *testing.T) {
	st := newFakeStore()
	st.devices["STRWSMK1"] = onlineDevice("STRWSMK1")
	now := time.Now()
	st.pending = []*store.Schedule{{
		ID: 10, DeviceID: "STRWSMK1", FireAt: now.Add(-10 * time.Minute),
		Duration: 5000, Status: store.SchedulePending,
	}}
	d := &fakeDispatcher{sendOK: true}

	newTestEngine(st, d).Tick(context.Background(), now)

	require.Equal(t, store.ScheduleExpired, st.marked[10])
	require.Empty(t, d.sent)
}

func TestSchedules_OfflineDeviceFails(t *testing.T) {
	st := newFakeStore()
	now := time.Now()
	st.pending = []*store.Schedule{{
		ID: 10, DeviceID: "GHOST", FireAt: now.Add(-time.Second),
		Duration: 5000, Status: store.SchedulePending,
	}}
	d := &fakeDispatcher{sendOK: true}

	newTestEngine(st, d).Tick(context.Background(), now)

	require.Equal(t, store.ScheduleFailed, st.marked[10])
	require.Empty(t, d.sent)
}

func TestSchedules_FutureScheduleUntouched(t *testing.T) {
	st := newFakeStore()
	now := time.Now()
	st.pending = []*store.Schedule{{
		ID: 10, DeviceID: "STRWSMK1", FireAt: now.Add(time.Hour),
		Duration: 5000, Status: store.SchedulePending,
	}}
	d := &fakeDispatcher{sendOK: true}

	newTestEngine(st, d).Tick(context.Background(), now)

	require.Empty(t, st.marked)
	require.Empty(t, d.sent)
}

func TestRun_TicksOnFakeClock(t *testing.T) {
	st := newFakeStore()
	st.devices["STRWSMK1"] = onlineDevice("STRWSMK1")
	st.due = []*store.Alarm{dueAlarm(1, "STRWSMK1")}
	d := &fakeDispatcher{sendOK: true}

	clock := clockwork.NewFakeClock()
	e := New(zerolog.Nop(), st, d, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(TickInterval)

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.sent) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
