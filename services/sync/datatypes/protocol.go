// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies a websocket frame.
type MessageType string

const (
	MessageTypeAuth          MessageType = "auth"
	MessageTypeAuthResponse  MessageType = "auth_response"
	MessageTypeSubscribe     MessageType = "subscribe"
	MessageTypeUnsubscribe   MessageType = "unsubscribe"
	MessageTypeContextChange MessageType = "context_change"
	MessageTypeAck           MessageType = "ack"
	MessageTypePing          MessageType = "ping"
	MessageTypePong          MessageType = "pong"
	MessageTypeError         MessageType = "error"
)

// Error codes carried in ErrorPayload.Code.
const (
	ErrCodeAuthRequired    = "auth_required"
	ErrCodeAuthFailed      = "auth_failed"
	ErrCodeParseError      = "parse_error"
	ErrCodeUnsupportedType = "unsupported_type"
)

// Message is the frame envelope exchanged over a client connection. The
// payload shape is determined by Type.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage wraps a payload struct into a frame envelope.
func NewMessage(t MessageType, payload any) (Message, error) {
	if payload == nil {
		return Message{Type: t}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Message{Type: t, Payload: raw}, nil
}

// DecodePayload unmarshals the frame payload into dst.
func (m Message) DecodePayload(dst any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// AuthPayload is the first frame a client must send after connecting.
type AuthPayload struct {
	Token      string            `json:"token" validate:"required"`
	ProjectID  string            `json:"project_id" validate:"required"`
	ClientInfo map[string]string `json:"client_info,omitempty"`
}

// AuthResponse acknowledges (or rejects) a handshake.
type AuthResponse struct {
	Success  bool   `json:"success"`
	ClientID string `json:"client_id,omitempty"`
	Message  string `json:"message,omitempty"`
}

// SubscribePayload carries the filter set for subscribe and unsubscribe
// frames.
type SubscribePayload struct {
	Filters SyncFilters `json:"filters"`
}

// AckPayload acknowledges receipt of a ChangeFrame, releasing the entry
// from the client's durable queue.
type AckPayload struct {
	MessageID string `json:"message_id" validate:"required"`
}

// PingPayload and PongPayload carry health-check timestamps. Both
// directions use the same shape.
type PingPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// PongPayload mirrors PingPayload.
type PongPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload is sent to the offending client on a protocol violation.
// The connection stays open unless the transport itself fails.
type ErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ChangeFrame delivers one ContextChange to a subscribed client. MessageID
// is what the client echoes back in an Ack.
type ChangeFrame struct {
	MessageID string        `json:"message_id"`
	Change    ContextChange `json:"change"`
	Timestamp time.Time     `json:"timestamp"`
}
