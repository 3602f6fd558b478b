package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Session roles. A session is unbound until its first join message.
type Role string

const (
	RoleUnbound   Role = "unbound"
	RoleDevice    Role = "device"
	RoleDashboard Role = "dashboard"
)

// Application close codes sent when the server terminates a session.
const (
	CloseSuperseded = 4001 // replaced by a newer session for the same device
	CloseStale      = 4002 // evicted by the sweeper
)

const closeWriteWait = 5 * time.Second

// Conn is the transport surface a session needs. *websocket.Conn satisfies it.
type Conn interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Session is the in-memory record of one live transport binding. Sessions
// are owned exclusively by the Hub; other components address devices by id
// and dashboards by set iteration.
type Session struct {
	conn   Conn
	handle string

	mu         sync.Mutex
	closed     bool
	dropped    bool
	role       Role
	deviceID   string
	remoteAddr string
	joinedAt   time.Time
	lastSeen   time.Time
	reconnects int

	// Outbound frames; drained by the connection's write pump.
	send chan []byte
}

// NewSession wraps a freshly opened transport.
func NewSession(conn Conn, remoteAddr string, now time.Time) *Session {
	return &Session{
		conn:       conn,
		handle:     uuid.NewString(),
		role:       RoleUnbound,
		remoteAddr: remoteAddr,
		joinedAt:   now,
		lastSeen:   now,
		send:       make(chan []byte, 64),
	}
}

// Handle returns the session's opaque identifier (used for dashboards,
// which have no device id).
func (s *Session) Handle() string { return s.handle }

// Role returns the session's current role.
func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// DeviceID returns the bound device id, empty for non-device sessions.
func (s *Session) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// RemoteAddr returns the peer's observed address.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// ReconnectCount returns how many prior sessions this one has superseded.
func (s *Session) ReconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}

// LastSeen returns the time of the last inbound frame or pong.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Outbound returns the channel the write pump drains. It is closed when the
// session is terminated.
func (s *Session) Outbound() <-chan []byte { return s.send }

// Send queues a frame for delivery. It reports false when the session is
// closed or its buffer is full; the frame is dropped in both cases.
func (s *Session) Send(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// Close terminates the session: a close control frame is written with the
// given code, the outbound channel is closed, and the transport is closed.
// Safe to call more than once.
func (s *Session) Close(code int, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.send)
	s.mu.Unlock()

	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(closeWriteWait))
	_ = s.conn.Close()
}

// markDropped reports whether this is the first drop of the session. The
// sweeper and the connection's read loop both drop; only one may win.
func (s *Session) markDropped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped {
		return false
	}
	s.dropped = true
	return true
}

func (s *Session) touch(at time.Time) {
	s.mu.Lock()
	s.lastSeen = at
	s.mu.Unlock()
}

func (s *Session) bindDevice(deviceID string, reconnects int, at time.Time) {
	s.mu.Lock()
	s.role = RoleDevice
	s.deviceID = deviceID
	s.reconnects = reconnects
	s.joinedAt = at
	s.lastSeen = at
	s.mu.Unlock()
}

func (s *Session) bindDashboard(at time.Time) {
	s.mu.Lock()
	s.role = RoleDashboard
	s.joinedAt = at
	s.lastSeen = at
	s.mu.Unlock()
}
