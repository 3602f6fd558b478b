package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/plantworks/waterhub/internal/hub"
	"github.com/plantworks/waterhub/internal/protocol"
	"github.com/plantworks/waterhub/internal/store"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next frame or pong from the peer.
	pongWait = 60 * time.Second

	// Maximum inbound frame size.
	maxFrameSize = 16 * 1024
)

// wsConn couples one live transport with its hub session. A reader
// goroutine processes inbound frames in arrival order; a writer goroutine
// drains the session's outbound channel and owns the keep-alive ping.
type wsConn struct {
	srv  *Server
	sess *hub.Session
	conn *websocket.Conn
	log  zerolog.Logger
}

// wsHandler processes one inbound frame. Returning an error produces an
// error frame back to the peer; the session stays open. The table entries
// are method expressions, so the receiver is the first argument.
type wsHandler func(c *wsConn, ctx context.Context, msg *protocol.Message) error

// wsHandlers is the dispatch table for inbound message types.
var wsHandlers = map[string]wsHandler{
	protocol.TypeDeviceJoin:       (*wsConn).handleDeviceJoin,
	protocol.TypeFrontendJoin:     (*wsConn).handleFrontendJoin,
	protocol.TypeHeartbeat:        (*wsConn).handleHeartbeat,
	protocol.TypePumpStatus:       (*wsConn).handlePumpStatus,
	protocol.TypeCommandAck:       (*wsConn).handleCommandAck,
	protocol.TypeScheduleExecuted: (*wsConn).handleScheduleExecuted,
	protocol.TypeManualCommand:    (*wsConn).handleManualCommand,
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		EnableCompression: false,
		CheckOrigin: func(r *http.Request) bool {
			if len(s.cfg.AllowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range s.cfg.AllowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}
}

// handleWebSocket upgrades the connection, registers an unbound session
// with the hub and runs the read/write pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	sess := hub.NewSession(conn, r.RemoteAddr, time.Now())
	s.hub.Register(sess)

	c := &wsConn{
		srv:  s,
		sess: sess,
		conn: conn,
		log:  s.log.With().Str("session", sess.Handle()).Logger(),
	}

	c.send(protocol.TypeConnected, protocol.ConnectedData{
		Message:    "connected to waterhub",
		Version:    Version,
		ClientAddr: r.RemoteAddr,
	})

	go c.writePump()
	go c.readPump()
}

// readPump reads frames from the peer in arrival order. On exit the
// session is dropped from the hub and the transport closed.
func (c *wsConn) readPump() {
	defer func() {
		c.srv.hub.Drop(context.Background(), c.sess, "connection closed")
		c.sess.Close(websocket.CloseNormalClosure, "")
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.srv.hub.Touch(c.sess, time.Now())
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Error().Err(err).Msg("read error")
			}
			return
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.srv.hub.Touch(c.sess, time.Now())
		c.dispatch(data)
	}
}

// writePump drains the session's outbound channel and sends keep-alive
// pings. It exits when the hub closes the channel or a write fails.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.srv.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.sess.Outbound():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch decodes one inbound frame and routes it through the handler
// table. Parse failures and handler errors produce an error frame, never
// a close.
func (c *wsConn) dispatch(data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Error().Interface("panic", rec).Msg("handler panic")
			c.sendError(fmt.Sprintf("internal error: %v", rec), nil)
		}
	}()

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		c.sendError("invalid message: expected a JSON object", nil)
		return
	}

	var msg protocol.Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		c.sendError("invalid message: "+err.Error(), nil)
		return
	}

	handler, ok := wsHandlers[msg.Type]
	if !ok {
		c.sendError("unknown message type: "+msg.Type, protocol.SupportedInbound)
		return
	}

	if err := handler(c, context.Background(), &msg); err != nil {
		c.log.Warn().Err(err).Str("type", msg.Type).Msg("message rejected")
		c.sendError(err.Error(), nil)
	}
}

// send queues an outbound frame on this session.
func (c *wsConn) send(msgType string, payload any) bool {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		c.log.Error().Err(err).Str("type", msgType).Msg("failed to encode frame")
		return false
	}
	return c.sess.Send(data)
}

func (c *wsConn) sendError(msg string, supported []string) {
	c.send(protocol.TypeError, protocol.ErrorData{Error: msg, Supported: supported})
}

// ---- message handlers ----

func (c *wsConn) handleDeviceJoin(ctx context.Context, msg *protocol.Message) error {
	var data protocol.DeviceJoinData
	if err := msg.ParseData(&data); err != nil {
		return fmt.Errorf("invalid device_join payload: %w", err)
	}
	if data.DeviceID == "" {
		return fmt.Errorf("deviceId is required")
	}
	if c.sess.Role() == hub.RoleDashboard {
		return fmt.Errorf("device_join is not valid on a dashboard session")
	}

	// First contact over the socket also creates the device row.
	if _, err := c.srv.store.RegisterDevice(ctx, data.DeviceID, c.sess.RemoteAddr()); err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	// The admit broadcast goes out before the join confirmation so
	// dashboards see device_connected first.
	res, err := c.srv.hub.AdmitDevice(ctx, c.sess, data.DeviceID)
	if err != nil {
		c.log.Warn().Err(err).Str("device", res.DeviceID).Msg("admit completed with store error")
	}

	c.send(protocol.TypeDeviceJoined, protocol.DeviceJoinedData{
		DeviceID:       res.DeviceID,
		Status:         "success",
		ReconnectCount: res.ReconnectCount,
	})
	return nil
}

func (c *wsConn) handleFrontendJoin(ctx context.Context, msg *protocol.Message) error {
	if c.sess.Role() == hub.RoleDevice {
		return fmt.Errorf("frontend_join is not valid on a device session")
	}
	if !c.srv.hub.AdmitDashboard(c.sess) {
		// Duplicate frontend_join on the same session is ignored.
		return nil
	}

	devices, err := c.srv.store.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to load device list: %w", err)
	}

	snapshot := make([]protocol.DeviceSummary, 0, len(devices))
	for _, d := range devices {
		entry := protocol.DeviceSummary{
			DeviceID:   d.DeviceID,
			Status:     d.Status,
			PumpStatus: d.PumpStatus,
			Connected:  c.srv.hub.LookupDevice(d.DeviceID) != nil,
		}
		if d.LastSeen != nil {
			entry.LastSeen = d.LastSeen.Format(time.RFC3339)
		}
		snapshot = append(snapshot, entry)
	}

	c.send(protocol.TypeDeviceList, protocol.DeviceListData{Devices: snapshot})
	return nil
}

func (c *wsConn) handleHeartbeat(ctx context.Context, msg *protocol.Message) error {
	if c.sess.Role() != hub.RoleDevice {
		return fmt.Errorf("heartbeat requires a device session")
	}

	var data protocol.HeartbeatData
	if err := msg.ParseData(&data); err != nil {
		return fmt.Errorf("invalid heartbeat payload: %w", err)
	}
	if data.DeviceID == "" {
		return fmt.Errorf("deviceId is required")
	}

	now := time.Now()
	if err := c.srv.store.RecordHeartbeat(ctx, data.DeviceID, now); err != nil {
		c.log.Error().Err(err).Str("device", data.DeviceID).Msg("failed to record heartbeat")
	}

	c.send(protocol.TypeHeartbeatAck, protocol.HeartbeatAckData{
		DeviceID:   hub.CanonicalID(data.DeviceID),
		ServerTime: now.Format(time.RFC3339),
		Uptime:     data.Uptime,
		FreeHeap:   data.FreeHeap,
		RSSI:       data.RSSI,
	})
	return nil
}

func (c *wsConn) handlePumpStatus(ctx context.Context, msg *protocol.Message) error {
	var data protocol.PumpStatusData
	if err := msg.ParseData(&data); err != nil {
		return fmt.Errorf("invalid pump_status payload: %w", err)
	}
	if data.DeviceID == "" {
		return fmt.Errorf("deviceId is required")
	}

	var pump string
	switch data.Status {
	case store.PumpRunning:
		pump = store.PumpRunning
	case store.PumpIdle, "stopped":
		pump = store.PumpIdle
	default:
		return fmt.Errorf("invalid pump status %q", data.Status)
	}

	deviceID := hub.CanonicalID(data.DeviceID)
	if err := c.srv.store.SetDeviceStatus(ctx, deviceID, true, pump, time.Now()); err != nil {
		c.log.Error().Err(err).Str("device", deviceID).Msg("failed to persist pump status")
	}

	c.srv.hub.Broadcast(protocol.TypePumpStatusUpdate, protocol.PumpStatusUpdateData{
		DeviceID: deviceID,
		Status:   pump,
	})

	c.send(protocol.TypeStatusReceived, protocol.PumpStatusData{
		DeviceID: deviceID,
		Status:   pump,
	})
	return nil
}

func (c *wsConn) handleCommandAck(ctx context.Context, msg *protocol.Message) error {
	var data protocol.CommandAckData
	if err := msg.ParseData(&data); err != nil {
		return fmt.Errorf("invalid command_ack payload: %w", err)
	}
	if data.DeviceID == "" || data.CommandID == "" {
		return fmt.Errorf("deviceId and commandId are required")
	}

	c.srv.hub.Broadcast(protocol.TypeCommandAcked, protocol.CommandAckData{
		DeviceID:  hub.CanonicalID(data.DeviceID),
		CommandID: data.CommandID,
		Status:    data.Status,
	})
	return nil
}

// handleScheduleExecuted confirms device-side execution of a one-shot
// schedule or a recurring alarm. The row is looked up but not mutated;
// lifecycle transitions belong to the engine.
func (c *wsConn) handleScheduleExecuted(ctx context.Context, msg *protocol.Message) error {
	var data protocol.ScheduleExecutedData
	if err := msg.ParseData(&data); err != nil {
		return fmt.Errorf("invalid schedule_executed payload: %w", err)
	}
	if data.DeviceID == "" {
		return fmt.Errorf("deviceId is required")
	}

	switch {
	case data.ScheduleID != 0:
		sc, err := c.srv.store.FindSchedule(ctx, data.ScheduleID)
		if err != nil {
			return fmt.Errorf("schedule %d not found", data.ScheduleID)
		}
		c.srv.hub.Broadcast(protocol.TypeScheduleConfirmed, protocol.ScheduleEventData{
			ScheduleID: sc.ID,
			DeviceID:   sc.DeviceID,
			Status:     sc.Status,
		})
	case data.AlarmID != 0:
		alarm, err := c.srv.store.FindAlarm(ctx, data.AlarmID)
		if err != nil {
			return fmt.Errorf("alarm %d not found", data.AlarmID)
		}
		c.srv.hub.Broadcast(protocol.TypeAlarmConfirmed, protocol.AlarmEventData{
			AlarmID:   alarm.ID,
			AlarmName: alarm.Name,
			DeviceID:  alarm.DeviceID,
		})
	default:
		return fmt.Errorf("scheduleId or alarmId is required")
	}
	return nil
}

func (c *wsConn) handleManualCommand(ctx context.Context, msg *protocol.Message) error {
	if c.sess.Role() != hub.RoleDashboard {
		return fmt.Errorf("manual_command requires a dashboard session")
	}

	var data protocol.ManualCommandData
	if err := msg.ParseData(&data); err != nil {
		return fmt.Errorf("invalid manual_command payload: %w", err)
	}
	if data.DeviceID == "" {
		return fmt.Errorf("deviceId is required")
	}

	cmd, err := c.srv.router.IssueWaterCommand(ctx, data.DeviceID, data.Action, data.Duration)
	if err != nil {
		return err
	}

	c.send(protocol.TypeCommandSent, cmd)
	return nil
}
