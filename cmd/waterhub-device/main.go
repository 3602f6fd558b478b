// waterhub-device is a pump device simulator for local development. It
// joins the hub as a device, heartbeats, and acts on water commands the
// way firmware would: ack, report the pump running, then report idle when
// the duration elapses.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/plantworks/waterhub/internal/protocol"
)

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

type simulator struct {
	log       zerolog.Logger
	serverURL string
	deviceID  string
	heartbeat time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	started time.Time
	pumpOff *time.Timer
}

func main() {
	serverURL := flag.String("server", "ws://localhost:3000/ws", "waterhub WebSocket URL")
	deviceID := flag.String("device", "STRWSMK1", "device id to join as")
	heartbeat := flag.Duration("heartbeat", 30*time.Second, "heartbeat interval")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Str("device", *deviceID).Logger()

	sim := &simulator{
		log:       log,
		serverURL: *serverURL,
		deviceID:  *deviceID,
		heartbeat: *heartbeat,
		started:   time.Now(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim.run(ctx)
}

// run keeps a connection alive, reconnecting with exponential backoff.
func (s *simulator) run(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0 // retry forever

	for {
		if ctx.Err() != nil {
			return
		}

		err := backoff.Retry(func() error {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return s.connect(ctx)
		}, backoff.WithContext(policy, ctx))
		if err != nil {
			return
		}

		// Connected: session runs until the read loop returns.
		s.readLoop(ctx)
		policy.Reset()
	}
}

func (s *simulator) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.serverURL, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("connect failed, retrying")
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if err := s.send(protocol.TypeDeviceJoin, protocol.DeviceJoinData{DeviceID: s.deviceID}); err != nil {
		conn.Close()
		return err
	}

	s.log.Info().Str("server", s.serverURL).Msg("joined")
	go s.heartbeatLoop(ctx)
	return nil
}

func (s *simulator) readLoop(ctx context.Context) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()
		s.log.Info().Msg("disconnected")
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn().Err(err).Msg("malformed frame")
			continue
		}
		s.handle(&msg)
	}
}

func (s *simulator) handle(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeConnected, protocol.TypeDeviceJoined, protocol.TypeHeartbeatAck,
		protocol.TypeStatusReceived:
		s.log.Debug().Str("type", msg.Type).Msg("server message")

	case protocol.TypeWaterCommand:
		var cmd protocol.WaterCommandData
		if err := msg.ParseData(&cmd); err != nil {
			s.log.Warn().Err(err).Msg("bad water command")
			return
		}
		s.execute(cmd)

	case protocol.TypeError:
		var e protocol.ErrorData
		_ = msg.ParseData(&e)
		s.log.Warn().Str("error", e.Error).Msg("server rejected a message")

	default:
		s.log.Debug().Str("type", msg.Type).Msg("ignored")
	}
}

// execute simulates the pump: ack, run for the commanded duration, idle.
func (s *simulator) execute(cmd protocol.WaterCommandData) {
	s.log.Info().Str("command", cmd.CommandID).Str("action", cmd.Action).
		Int64("duration", cmd.Duration).Msg("command received")

	_ = s.send(protocol.TypeCommandAck, protocol.CommandAckData{
		DeviceID:  s.deviceID,
		CommandID: cmd.CommandID,
		Status:    "accepted",
	})

	switch cmd.Action {
	case "water":
		_ = s.send(protocol.TypePumpStatus, protocol.PumpStatusData{
			DeviceID: s.deviceID,
			Status:   "running",
		})
		s.schedulePumpOff(time.Duration(cmd.Duration) * time.Millisecond)
		if cmd.AlarmID != 0 {
			_ = s.send(protocol.TypeScheduleExecuted, protocol.ScheduleExecutedData{
				DeviceID: s.deviceID,
				AlarmID:  cmd.AlarmID,
			})
		}
		if cmd.ScheduleID != 0 {
			_ = s.send(protocol.TypeScheduleExecuted, protocol.ScheduleExecutedData{
				DeviceID:   s.deviceID,
				ScheduleID: cmd.ScheduleID,
			})
		}
	case "stop":
		s.cancelPumpOff()
		_ = s.send(protocol.TypePumpStatus, protocol.PumpStatusData{
			DeviceID: s.deviceID,
			Status:   "idle",
		})
	}
}

func (s *simulator) schedulePumpOff(after time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pumpOff != nil {
		s.pumpOff.Stop()
	}
	s.pumpOff = time.AfterFunc(after, func() {
		_ = s.send(protocol.TypePumpStatus, protocol.PumpStatusData{
			DeviceID: s.deviceID,
			Status:   "idle",
		})
	})
}

func (s *simulator) cancelPumpOff() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pumpOff != nil {
		s.pumpOff.Stop()
		s.pumpOff = nil
	}
}

func (s *simulator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			uptime := int64(time.Since(s.started).Seconds())
			freeHeap := int64(48 * 1024)
			rssi := -61
			err := s.send(protocol.TypeHeartbeat, protocol.HeartbeatData{
				DeviceID: s.deviceID,
				Uptime:   &uptime,
				FreeHeap: &freeHeap,
				RSSI:     &rssi,
			})
			if err != nil {
				return
			}
		}
	}
}

func (s *simulator) send(msgType string, payload any) error {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return websocket.ErrCloseSent
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
