// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package connection

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianSync/services/sync/datatypes"
)

// ErrRateLimited is returned when a change frame exceeds the connection's
// outbound rate limit. The change stays on the durable queue for the
// retry sweep.
var ErrRateLimited = errors.New("connection: outbound rate limit exceeded")

// wsConn is the slice of *websocket.Conn the connection needs. Tests
// substitute a fake.
type wsConn interface {
	WriteJSON(v any) error
	Close() error
}

// ClientConnection is one registered websocket client.
//
// # Thread Safety
//
// Safe for concurrent use. Writes to the underlying socket are serialized
// through the connection's mutex, since gorilla/websocket allows only one
// concurrent writer.
type ClientConnection struct {
	ID          string
	ProjectID   string
	ClientInfo  map[string]string
	ConnectedAt time.Time

	mu         sync.Mutex
	conn       wsConn
	filters    datatypes.SyncFilters
	subscribed bool
	limiter    *rate.Limiter
}

func newClientConnection(conn wsConn, auth datatypes.AuthPayload, limit rate.Limit, burst int) *ClientConnection {
	var limiter *rate.Limiter
	if limit > 0 {
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(limit, burst)
	}
	return &ClientConnection{
		ID:          uuid.New().String(),
		ProjectID:   auth.ProjectID,
		ClientInfo:  auth.ClientInfo,
		ConnectedAt: time.Now().UTC(),
		conn:        conn,
		limiter:     limiter,
	}
}

// subscribe replaces the connection's active filter set.
func (c *ClientConnection) subscribe(filters datatypes.SyncFilters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = filters
	c.subscribed = true
}

// unsubscribe clears the filter set; the connection stays open but
// receives no further changes.
func (c *ClientConnection) unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = datatypes.SyncFilters{}
	c.subscribed = false
}

// matches reports whether a change should be delivered to this
// connection.
func (c *ClientConnection) matches(change datatypes.ContextChange) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed && c.filters.Matches(change)
}

// sendChange frames and writes one change under the given delivery id,
// subject to the outbound rate limit. The id is the durable queue
// entry's MessageID, so the Ack the client echoes back releases the
// entry.
func (c *ClientConnection) sendChange(change datatypes.ContextChange, messageID string) error {
	if c.limiter != nil && !c.limiter.Allow() {
		return ErrRateLimited
	}

	frame := datatypes.ChangeFrame{
		MessageID: messageID,
		Change:    change,
		Timestamp: time.Now().UTC(),
	}
	msg, err := datatypes.NewMessage(datatypes.MessageTypeContextChange, frame)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

// sendMessage writes a control frame. Control frames bypass the rate
// limit so health checks and error reporting keep working under load.
func (c *ClientConnection) sendMessage(t datatypes.MessageType, payload any) error {
	msg, err := datatypes.NewMessage(t, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

// close closes the underlying socket.
func (c *ClientConnection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.Close()
}
