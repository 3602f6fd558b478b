package hub

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/plantworks/waterhub/internal/protocol"
)

type fakeConn struct {
	mu        sync.Mutex
	closed    bool
	closeCode int
	closeText string
}

func (f *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		f.closeCode = int(binary.BigEndian.Uint16(data[:2]))
		f.closeText = string(data[2:])
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) closedWith() (bool, int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode, f.closeText
}

type fakeStatusStore struct {
	mu       sync.Mutex
	statuses []string // "<id>:online" / "<id>:offline"
	counters map[string]int64
}

func newFakeStatusStore() *fakeStatusStore {
	return &fakeStatusStore{counters: make(map[string]int64)}
}

func (f *fakeStatusStore) SetDeviceStatus(_ context.Context, deviceID string, online bool, _ string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := "offline"
	if online {
		state = "online"
	}
	f.statuses = append(f.statuses, deviceID+":"+state)
	return nil
}

func (f *fakeStatusStore) IncrementConnections(_ context.Context, deviceID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[deviceID]++
	return f.counters[deviceID], nil
}

func (f *fakeStatusStore) countStatus(entry string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.statuses {
		if s == entry {
			n++
		}
	}
	return n
}

func (f *fakeStatusStore) lastStatus() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return ""
	}
	return f.statuses[len(f.statuses)-1]
}

func newTestHub(t *testing.T) (*Hub, *fakeStatusStore, clockwork.Clock) {
	t.Helper()
	st := newFakeStatusStore()
	clock := clockwork.NewFakeClock()
	return New(zerolog.Nop(), st, clock), st, clock
}

func newTestSession(clock clockwork.Clock) (*Session, *fakeConn) {
	conn := &fakeConn{}
	return NewSession(conn, "192.0.2.1:1234", clock.Now()), conn
}

// drainFrames decodes everything queued on a session's outbound channel.
func drainFrames(sess *Session) []protocol.Message {
	var out []protocol.Message
	for {
		select {
		case data := <-sess.Outbound():
			var msg protocol.Message
			if json.Unmarshal(data, &msg) == nil {
				out = append(out, msg)
			}
		default:
			return out
		}
	}
}

func frameTypes(msgs []protocol.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Type)
	}
	return out
}

func TestAdmitDevice_FirstJoin(t *testing.T) {
	h, st, clock := newTestHub(t)
	sess, _ := newTestSession(clock)
	h.Register(sess)

	res, err := h.AdmitDevice(context.Background(), sess, "strwsmk1")
	require.NoError(t, err)
	require.Equal(t, "STRWSMK1", res.DeviceID, "device ids are canonicalized upper-case")
	require.Equal(t, 0, res.ReconnectCount)
	require.False(t, res.Superseded)
	require.Equal(t, int64(1), res.Connections)

	require.Same(t, sess, h.LookupDevice("STRWSMK1"))
	require.Same(t, sess, h.LookupDevice("strwsmk1"))
	require.Equal(t, "STRWSMK1:online", st.lastStatus())
	require.Equal(t, RoleDevice, sess.Role())
}

func TestAdmitDevice_SupersedesPreviousSession(t *testing.T) {
	h, st, clock := newTestHub(t)
	first, firstConn := newTestSession(clock)
	second, _ := newTestSession(clock)
	h.Register(first)
	h.Register(second)

	_, err := h.AdmitDevice(context.Background(), first, "STRWSMK1")
	require.NoError(t, err)

	res, err := h.AdmitDevice(context.Background(), second, "STRWSMK1")
	require.NoError(t, err)
	require.True(t, res.Superseded)
	require.Equal(t, 1, res.ReconnectCount)
	require.Equal(t, int64(2), res.Connections, "connection counter is strictly increasing")

	closed, code, text := firstConn.closedWith()
	require.True(t, closed)
	require.Equal(t, CloseSuperseded, code)
	require.Equal(t, "superseded", text)

	// At most one session is ever bound to a device id.
	require.Same(t, second, h.LookupDevice("STRWSMK1"))

	// Dropping the displaced session must not mark the device offline.
	h.Drop(context.Background(), first, "connection closed")
	require.Equal(t, "STRWSMK1:online", st.lastStatus())
	require.Same(t, second, h.LookupDevice("STRWSMK1"))
}

func TestAdmitDevice_RejoinOnSameSessionIsTouch(t *testing.T) {
	h, _, clock := newTestHub(t)
	sess, _ := newTestSession(clock)
	h.Register(sess)

	res1, err := h.AdmitDevice(context.Background(), sess, "STRWSMK1")
	require.NoError(t, err)
	res2, err := h.AdmitDevice(context.Background(), sess, "STRWSMK1")
	require.NoError(t, err)
	require.Equal(t, res1.ReconnectCount, res2.ReconnectCount)
	require.Equal(t, 1, h.Stats().Devices)
}

func TestAdmitDevice_BroadcastsToDashboards(t *testing.T) {
	h, _, clock := newTestHub(t)
	dash, _ := newTestSession(clock)
	h.Register(dash)
	require.True(t, h.AdmitDashboard(dash))

	dev, _ := newTestSession(clock)
	h.Register(dev)
	_, err := h.AdmitDevice(context.Background(), dev, "STRWSMK1")
	require.NoError(t, err)

	frames := drainFrames(dash)
	require.Contains(t, frameTypes(frames), protocol.TypeDeviceConnected)

	for _, f := range frames {
		if f.Type != protocol.TypeDeviceConnected {
			continue
		}
		var data protocol.DeviceConnectedData
		require.NoError(t, f.ParseData(&data))
		require.Equal(t, "STRWSMK1", data.DeviceID)
		require.Equal(t, "online", data.Status)
	}
}

func TestAdmitDashboard_DuplicateIgnored(t *testing.T) {
	h, _, clock := newTestHub(t)
	dash, _ := newTestSession(clock)
	h.Register(dash)

	require.True(t, h.AdmitDashboard(dash))
	require.False(t, h.AdmitDashboard(dash))
	require.Equal(t, 1, h.Stats().Dashboards)
}

func TestDrop_BoundDeviceGoesOffline(t *testing.T) {
	h, st, clock := newTestHub(t)
	dash, _ := newTestSession(clock)
	h.Register(dash)
	h.AdmitDashboard(dash)

	dev, _ := newTestSession(clock)
	h.Register(dev)
	_, err := h.AdmitDevice(context.Background(), dev, "STRWSMK1")
	require.NoError(t, err)
	drainFrames(dash)

	h.Drop(context.Background(), dev, "connection closed")

	require.Nil(t, h.LookupDevice("STRWSMK1"))
	require.Equal(t, "STRWSMK1:offline", st.lastStatus())

	frames := drainFrames(dash)
	require.Contains(t, frameTypes(frames), protocol.TypeDeviceDisconnected)
	for _, f := range frames {
		if f.Type != protocol.TypeDeviceDisconnected {
			continue
		}
		var data protocol.DeviceDisconnectedData
		require.NoError(t, f.ParseData(&data))
		require.Equal(t, "connection closed", data.Reason)
		require.Equal(t, "offline", data.Status)
	}
}

func TestDrop_UnboundSessionIsCounterOnly(t *testing.T) {
	h, st, clock := newTestHub(t)
	sess, _ := newTestSession(clock)
	h.Register(sess)
	require.Equal(t, 1, h.Stats().Active)

	h.Drop(context.Background(), sess, "connection closed")
	require.Equal(t, 0, h.Stats().Active)
	require.Empty(t, st.statuses)
}

func TestSweep_EvictsStaleDeviceSessions(t *testing.T) {
	h, st, clock := newTestHub(t)
	dash, _ := newTestSession(clock)
	h.Register(dash)
	h.AdmitDashboard(dash)

	stale, staleConn := newTestSession(clock)
	fresh, freshConn := newTestSession(clock)
	h.Register(stale)
	h.Register(fresh)
	_, err := h.AdmitDevice(context.Background(), stale, "OLD1")
	require.NoError(t, err)
	_, err = h.AdmitDevice(context.Background(), fresh, "NEW1")
	require.NoError(t, err)
	drainFrames(dash)

	now := clock.Now()
	h.Touch(stale, now.Add(-11*time.Minute))
	h.Touch(fresh, now.Add(-time.Minute))

	evicted := h.Sweep(context.Background(), now)
	require.Equal(t, 1, evicted)

	closed, code, _ := staleConn.closedWith()
	require.True(t, closed)
	require.Equal(t, CloseStale, code)

	closedFresh, _, _ := freshConn.closedWith()
	require.False(t, closedFresh)
	require.Same(t, fresh, h.LookupDevice("NEW1"))
	require.Nil(t, h.LookupDevice("OLD1"))

	require.Contains(t, st.statuses, "OLD1:offline")

	frames := drainFrames(dash)
	found := false
	for _, f := range frames {
		if f.Type != protocol.TypeDeviceDisconnected {
			continue
		}
		var data protocol.DeviceDisconnectedData
		require.NoError(t, f.ParseData(&data))
		require.Equal(t, "OLD1", data.DeviceID)
		require.Equal(t, "timeout", data.Reason)
		found = true
	}
	require.True(t, found, "dashboards must hear about the eviction")
}

func TestDrop_AtMostOncePerSession(t *testing.T) {
	h, st, clock := newTestHub(t)
	sess, _ := newTestSession(clock)
	h.Register(sess)
	_, err := h.AdmitDevice(context.Background(), sess, "STRWSMK1")
	require.NoError(t, err)

	h.Drop(context.Background(), sess, "connection closed")
	h.Drop(context.Background(), sess, "connection closed")

	require.Equal(t, 0, h.Stats().Active, "second drop must not decrement again")
	require.Equal(t, 1, st.countStatus("STRWSMK1:offline"))
}

func TestSweep_ThenReadLoopDropCountsOnce(t *testing.T) {
	h, st, clock := newTestHub(t)
	sess, _ := newTestSession(clock)
	h.Register(sess)
	_, err := h.AdmitDevice(context.Background(), sess, "STRWSMK1")
	require.NoError(t, err)

	now := clock.Now()
	h.Touch(sess, now.Add(-11*time.Minute))
	require.Equal(t, 1, h.Sweep(context.Background(), now))

	// The closed transport makes the connection's read loop drop the same
	// session again.
	h.Drop(context.Background(), sess, "connection closed")

	require.Equal(t, 0, h.Stats().Active)
	require.Equal(t, 1, st.countStatus("STRWSMK1:offline"))
}

func TestAdmitDevice_RebindToNewIDReleasesOld(t *testing.T) {
	h, st, clock := newTestHub(t)
	dash, _ := newTestSession(clock)
	h.Register(dash)
	h.AdmitDashboard(dash)

	sess, _ := newTestSession(clock)
	h.Register(sess)
	_, err := h.AdmitDevice(context.Background(), sess, "OLDID")
	require.NoError(t, err)
	drainFrames(dash)

	res, err := h.AdmitDevice(context.Background(), sess, "NEWID")
	require.NoError(t, err)
	require.Equal(t, "NEWID", res.DeviceID)

	require.Nil(t, h.LookupDevice("OLDID"), "old binding must be released")
	require.Same(t, sess, h.LookupDevice("NEWID"))
	require.Equal(t, []string{"NEWID"}, h.ConnectedDeviceIDs())
	require.Equal(t, 1, h.Stats().Devices)
	require.Contains(t, st.statuses, "OLDID:offline")

	frames := drainFrames(dash)
	types := frameTypes(frames)
	require.Contains(t, types, protocol.TypeDeviceDisconnected)
	require.Contains(t, types, protocol.TypeDeviceConnected)
	for _, f := range frames {
		if f.Type != protocol.TypeDeviceDisconnected {
			continue
		}
		var data protocol.DeviceDisconnectedData
		require.NoError(t, f.ParseData(&data))
		require.Equal(t, "OLDID", data.DeviceID)
	}

	h.Drop(context.Background(), sess, "connection closed")
	require.Contains(t, st.statuses, "NEWID:offline")
}

func TestBroadcast_CountsDeliveries(t *testing.T) {
	h, _, clock := newTestHub(t)
	for i := 0; i < 3; i++ {
		dash, _ := newTestSession(clock)
		h.Register(dash)
		h.AdmitDashboard(dash)
	}

	n := h.Broadcast(protocol.TypePumpStatusUpdate, protocol.PumpStatusUpdateData{
		DeviceID: "STRWSMK1", Status: "running",
	})
	require.Equal(t, 3, n)
}

func TestBroadcast_SkipsClosedSessions(t *testing.T) {
	h, _, clock := newTestHub(t)
	open, _ := newTestSession(clock)
	closed, _ := newTestSession(clock)
	h.Register(open)
	h.Register(closed)
	h.AdmitDashboard(open)
	h.AdmitDashboard(closed)

	closed.Close(websocket.CloseNormalClosure, "")

	n := h.Broadcast(protocol.TypePumpStatusUpdate, protocol.PumpStatusUpdateData{
		DeviceID: "STRWSMK1", Status: "idle",
	})
	require.Equal(t, 1, n)
}

func TestSession_SendAfterCloseIsFalse(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sess, _ := newTestSession(clock)
	require.True(t, sess.Send([]byte(`{}`)))

	sess.Close(CloseStale, "stale")
	require.False(t, sess.Send([]byte(`{}`)))

	// Idempotent.
	sess.Close(CloseStale, "stale")
}

func TestStats_TracksCounters(t *testing.T) {
	h, _, clock := newTestHub(t)

	dev, _ := newTestSession(clock)
	dash, _ := newTestSession(clock)
	h.Register(dev)
	h.Register(dash)
	_, err := h.AdmitDevice(context.Background(), dev, "STRWSMK1")
	require.NoError(t, err)
	h.AdmitDashboard(dash)

	stats := h.Stats()
	require.Equal(t, int64(2), stats.TotalConnections)
	require.Equal(t, 2, stats.Active)
	require.Equal(t, 1, stats.Devices)
	require.Equal(t, 1, stats.Dashboards)

	h.Drop(context.Background(), dev, "bye")
	stats = h.Stats()
	require.Equal(t, int64(2), stats.TotalConnections)
	require.Equal(t, 1, stats.Active)
	require.Equal(t, 0, stats.Devices)
}
