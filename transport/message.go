// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package transport implements the framed bidirectional protocol spoken
// between the controller and remote device agents: a JSON message envelope
// carried over one websocket connection per device.
package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/constellation/structs"
)

// MessageType discriminates the protocol frames.
type MessageType string

const (
	MsgRegister      MessageType = "REGISTER"
	MsgRegisterAck   MessageType = "REGISTER_ACK"
	MsgRegisterNack  MessageType = "REGISTER_NACK"
	MsgDeviceInfo    MessageType = "DEVICE_INFO"
	MsgTaskDispatch  MessageType = "TASK_DISPATCH"
	MsgTaskResult    MessageType = "TASK_RESULT"
	MsgTaskCancel    MessageType = "TASK_CANCEL"
	MsgHeartbeatPing MessageType = "HEARTBEAT_PING"
	MsgHeartbeatPong MessageType = "HEARTBEAT_PONG"
	MsgError         MessageType = "ERROR"
	MsgClose         MessageType = "CLOSE"
)

var knownTypes = map[MessageType]struct{}{
	MsgRegister: {}, MsgRegisterAck: {}, MsgRegisterNack: {},
	MsgDeviceInfo: {}, MsgTaskDispatch: {}, MsgTaskResult: {},
	MsgTaskCancel: {}, MsgHeartbeatPing: {}, MsgHeartbeatPong: {},
	MsgError: {}, MsgClose: {},
}

// ClientType identifies what kind of peer is registering.
type ClientType string

const (
	ClientTypeDevice        ClientType = "DEVICE"
	ClientTypeConstellation ClientType = "CONSTELLATION"
)

// Message is the self delimited JSON envelope every frame uses. MessageID
// is monotonically non-decreasing per sender session; replies echo the
// originating MessageID in CorrelationID.
type Message struct {
	Type          MessageType     `json:"type"`
	ClientID      string          `json:"client_id"`
	TargetID      string          `json:"target_id,omitempty"`
	MessageID     uint64          `json:"message_id"`
	CorrelationID uint64          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the envelope's required fields.
func (m *Message) Validate() error {
	if _, ok := knownTypes[m.Type]; !ok {
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if m.ClientID == "" {
		return fmt.Errorf("message %d missing client_id", m.MessageID)
	}
	return nil
}

// RegisterRequest is the REGISTER payload opening the handshake.
type RegisterRequest struct {
	ClientID   string              `json:"client_id"`
	ClientType ClientType          `json:"client_type"`
	Platform   string              `json:"platform,omitempty"`
	SystemInfo *structs.SystemInfo `json:"system_info,omitempty"`
}

// RegisterResponse is the REGISTER_ACK / REGISTER_NACK payload. SystemInfo
// optionally carries the agent's telemetry so the controller can merge it
// before the first DEVICE_INFO frame.
type RegisterResponse struct {
	ResponseID string              `json:"response_id,omitempty"`
	Status     string              `json:"status"`
	Reason     string              `json:"reason,omitempty"`
	SessionID  string              `json:"session_id,omitempty"`
	SystemInfo *structs.SystemInfo `json:"system_info,omitempty"`
}

const (
	RegisterStatusOK    = "OK"
	RegisterStatusError = "ERROR"
)

// TaskDispatch is the TASK_DISPATCH payload.
type TaskDispatch struct {
	TaskID               string          `json:"task_id"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	Timeout              time.Duration   `json:"timeout,omitempty"`
	RequiredCapabilities []string        `json:"required_capabilities,omitempty"`
}

// TaskResult is the TASK_RESULT payload; Status is one of the terminal
// task statuses.
type TaskResult struct {
	TaskID string             `json:"task_id"`
	Status structs.TaskStatus `json:"status"`
	Result json.RawMessage    `json:"result,omitempty"`
	Error  *structs.TaskError `json:"error,omitempty"`
}

// TaskCancel is the TASK_CANCEL payload.
type TaskCancel struct {
	TaskID string `json:"task_id"`
}

// Heartbeat is the HEARTBEAT_PING / HEARTBEAT_PONG payload. A pong echoes
// the ping's nonce.
type Heartbeat struct {
	Nonce uint64 `json:"nonce"`
}

// ErrorPayload is the ERROR payload for protocol level failures.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ClosePayload is the CLOSE payload.
type ClosePayload struct {
	Reason string `json:"reason,omitempty"`
}

// DecodePayload unmarshals a message payload into the given shape.
func DecodePayload(m *Message, out any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %d (%s) has no payload", m.MessageID, m.Type)
	}
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("decoding %s payload: %w", m.Type, err)
	}
	return nil
}
