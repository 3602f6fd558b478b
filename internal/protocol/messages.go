// Package protocol defines the WebSocket frame envelope and payload types
// shared between devices, dashboards and the server.
package protocol

import (
	"encoding/json"
	"time"
)

// ServerTag identifies the server in outbound frames.
const ServerTag = "waterhub"

// Message is the envelope for all WebSocket frames. Inbound frames carry
// Type and Data; outbound frames additionally carry Timestamp and Server.
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Server    string          `json:"server,omitempty"`
}

// NewMessage creates an outbound message with the given type and payload,
// stamped with the server wall clock.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().Format(time.RFC3339),
		Server:    ServerTag,
	}, nil
}

// Encode builds an outbound message and marshals the full envelope.
func Encode(msgType string, payload any) ([]byte, error) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// ParseData unmarshals the frame payload into the given target.
func (m *Message) ParseData(target any) error {
	if len(m.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Data, target)
}

// Message types (peer → server)
const (
	TypeDeviceJoin       = "device_join"
	TypeFrontendJoin     = "frontend_join"
	TypeHeartbeat        = "heartbeat"
	TypePumpStatus       = "pump_status"
	TypeCommandAck       = "command_ack"
	TypeScheduleExecuted = "schedule_executed"
	TypeManualCommand    = "manual_command"
)

// Message types (server → peer)
const (
	TypeConnected          = "connected"
	TypeDeviceJoined       = "device_joined"
	TypeDeviceList         = "device_list"
	TypeHeartbeatAck       = "heartbeat_ack"
	TypeStatusReceived     = "status_received"
	TypeCommandSent        = "command_sent"
	TypeWaterCommand       = "water_command"
	TypeError              = "error"
	TypeDeviceConnected    = "device_connected"
	TypeDeviceDisconnected = "device_disconnected"
	TypePumpStatusUpdate   = "pump_status_update"
	TypeCommandAcked       = "command_acknowledged"
	TypeAlarmExecuted      = "alarm_executed"
	TypeAlarmMissed        = "alarm_missed"
	TypeAlarmFailed        = "alarm_failed"
	TypeAlarmConfirmed     = "alarm_execution_confirmed"
	TypeScheduleConfirmed  = "schedule_execution_confirmed"
)

// SupportedInbound lists every message type the server accepts, echoed back
// to peers that send an unknown type.
var SupportedInbound = []string{
	TypeDeviceJoin,
	TypeFrontendJoin,
	TypeHeartbeat,
	TypePumpStatus,
	TypeCommandAck,
	TypeScheduleExecuted,
	TypeManualCommand,
}

// ConnectedData is the hello sent immediately after the upgrade.
type ConnectedData struct {
	Message    string `json:"message"`
	Version    string `json:"version"`
	ClientAddr string `json:"clientAddr"`
}

// DeviceJoinData binds a transport session to a device id.
type DeviceJoinData struct {
	DeviceID string `json:"deviceId"`
}

// DeviceJoinedData confirms a successful device join.
type DeviceJoinedData struct {
	DeviceID       string `json:"deviceId"`
	Status         string `json:"status"`
	ReconnectCount int    `json:"reconnectCount"`
}

// HeartbeatData is the periodic liveness report from a device. The metric
// fields are optional and echoed back in the ack.
type HeartbeatData struct {
	DeviceID string `json:"deviceId"`
	Uptime   *int64 `json:"uptime,omitempty"`
	FreeHeap *int64 `json:"freeHeap,omitempty"`
	RSSI     *int   `json:"rssi,omitempty"`
}

// HeartbeatAckData acknowledges a heartbeat with the server time and echoes
// of the reported metrics.
type HeartbeatAckData struct {
	DeviceID   string `json:"deviceId"`
	ServerTime string `json:"serverTime"`
	Uptime     *int64 `json:"uptime,omitempty"`
	FreeHeap   *int64 `json:"freeHeap,omitempty"`
	RSSI       *int   `json:"rssi,omitempty"`
}

// PumpStatusData reports the pump state from a device.
// "stopped" is normalized to "idle" before persisting or broadcasting.
type PumpStatusData struct {
	DeviceID string `json:"deviceId"`
	Status   string `json:"status"`
}

// PumpStatusUpdateData is the dashboard fan-out of a pump state change.
type PumpStatusUpdateData struct {
	DeviceID string `json:"deviceId"`
	Status   string `json:"status"`
}

// CommandAckData is a device's acknowledgement of a received command.
type CommandAckData struct {
	DeviceID  string `json:"deviceId"`
	CommandID string `json:"commandId"`
	Status    string `json:"status"`
}

// ScheduleExecutedData confirms execution of a one-shot schedule or a
// recurring alarm. Devices may report either id; exactly one is expected.
type ScheduleExecutedData struct {
	DeviceID   string `json:"deviceId"`
	ScheduleID int64  `json:"scheduleId,omitempty"`
	AlarmID    int64  `json:"alarmId,omitempty"`
}

// ManualCommandData is a dashboard-originated watering command.
type ManualCommandData struct {
	DeviceID string `json:"deviceId"`
	Action   string `json:"action"`
	Duration int64  `json:"duration,omitempty"`
}

// WaterCommandData is the command envelope dispatched to a device. AlarmID,
// AlarmName and ScheduleID are set only for engine-originated commands.
type WaterCommandData struct {
	Action     string `json:"action"`
	Duration   int64  `json:"duration"`
	CommandID  string `json:"commandId"`
	AlarmID    int64  `json:"alarmId,omitempty"`
	AlarmName  string `json:"alarmName,omitempty"`
	ScheduleID int64  `json:"scheduleId,omitempty"`
}

// ErrorData is sent back to a peer on validation or protocol failures.
// The session stays open.
type ErrorData struct {
	Error     string   `json:"error"`
	Supported []string `json:"supported,omitempty"`
}

// DeviceConnectedData announces a device join to all dashboards.
type DeviceConnectedData struct {
	DeviceID       string `json:"deviceId"`
	Status         string `json:"status"`
	ReconnectCount int    `json:"reconnectCount"`
}

// DeviceDisconnectedData announces a device drop to all dashboards.
type DeviceDisconnectedData struct {
	DeviceID string `json:"deviceId"`
	Status   string `json:"status"`
	Reason   string `json:"reason"`
}

// DeviceSummary is one entry of the device table snapshot sent to a joining
// dashboard.
type DeviceSummary struct {
	DeviceID   string `json:"deviceId"`
	Status     string `json:"status"`
	PumpStatus string `json:"pumpStatus"`
	LastSeen   string `json:"lastSeen,omitempty"`
	Connected  bool   `json:"connected"`
}

// DeviceListData is the one-shot snapshot sent to a joining dashboard.
type DeviceListData struct {
	Devices []DeviceSummary `json:"devices"`
}

// AlarmEventData is the dashboard fan-out for alarm engine outcomes
// (executed, missed, failed) and device-side execution confirmations.
type AlarmEventData struct {
	AlarmID       int64  `json:"alarmId"`
	AlarmName     string `json:"alarmName,omitempty"`
	DeviceID      string `json:"deviceId"`
	Reason        string `json:"reason,omitempty"`
	NextExecution string `json:"nextExecution,omitempty"`
}

// ScheduleEventData is the dashboard fan-out for one-shot schedule outcomes.
type ScheduleEventData struct {
	ScheduleID int64  `json:"scheduleId"`
	DeviceID   string `json:"deviceId"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}
