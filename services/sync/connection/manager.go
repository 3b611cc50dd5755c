// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package connection manages websocket clients for the sync service.
//
// # Description
//
// The Manager upgrades HTTP requests to websocket connections, performs
// the Auth handshake, routes subsequent frames (subscribe, unsubscribe,
// ack, ping, pong), and fans broadcast changes out to matching live
// connections with durable-queue fallback. A health monitor pings every
// connection on a fixed interval and evicts clients after three missed
// cycles.
//
// # Thread Safety
//
// Manager is safe for concurrent use.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianSync/services/sync/broadcast"
	"github.com/AleutianAI/AleutianSync/services/sync/datatypes"
	"github.com/AleutianAI/AleutianSync/services/sync/telemetry"
)

// Health states reported by SyncStatus.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// Config tunes the connection manager.
type Config struct {
	// HealthCheckInterval is how often every connection is pinged.
	HealthCheckInterval time.Duration

	// MaxMissedPings is the consecutive-miss count that evicts a
	// connection.
	MaxMissedPings int

	// MaxRetries is the durable-queue retry ceiling.
	MaxRetries int

	// DegradedQueueThreshold is the aggregate pending-queue size above
	// which a project's status degrades.
	DegradedQueueThreshold int

	// SendRateLimit caps outbound change frames per connection, in
	// frames per second. Zero disables limiting.
	SendRateLimit rate.Limit

	// SendBurst is the rate limiter burst size.
	SendBurst int

	// AuthToken, when set, must match the token in the Auth frame. When
	// empty any non-empty token is accepted.
	AuthToken string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HealthCheckInterval:    30 * time.Second,
		MaxMissedPings:         3,
		MaxRetries:             broadcast.DefaultMaxRetries,
		DegradedQueueThreshold: 100,
		SendRateLimit:          100,
		SendBurst:              200,
	}
}

// healthRecord tracks ping/pong observations for one connection.
type healthRecord struct {
	lastPing    time.Time
	lastPong    time.Time
	missedPings int
}

// SyncStatus is the coarse health signal for a project.
type SyncStatus struct {
	Status           string     `json:"status"`
	ConnectedClients int        `json:"connected_clients"`
	PendingChanges   int        `json:"pending_changes"`
	LastSync         *time.Time `json:"last_sync,omitempty"`
}

// Manager owns the live connections, their health records, and their
// durable delivery queues.
type Manager struct {
	mu       sync.RWMutex
	conns    map[string]*ClientConnection
	health   map[string]*healthRecord
	lastSync map[string]time.Time

	queues   *broadcast.QueueSet
	cfg      Config
	validate *validator.Validate
	metrics  *telemetry.Metrics
	log      *slog.Logger
}

// NewManager creates a connection manager. metrics may be nil.
func NewManager(cfg Config, metrics *telemetry.Metrics, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxMissedPings <= 0 {
		cfg.MaxMissedPings = 3
	}
	return &Manager{
		conns:    make(map[string]*ClientConnection),
		health:   make(map[string]*healthRecord),
		lastSync: make(map[string]time.Time),
		queues:   broadcast.NewQueueSet(cfg.MaxRetries),
		cfg:      cfg,
		validate: validator.New(),
		metrics:  metrics,
		log:      log,
	}
}

// Handler returns the gin handler that upgrades requests to websocket
// connections and serves them until disconnect.
func (m *Manager) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			m.log.Error("websocket upgrade failed", "error", err)
			return
		}
		defer ws.Close()

		m.serve(c.Request.Context(), ws)
	}
}

// serve runs the handshake and frame loop for one socket.
func (m *Manager) serve(ctx context.Context, ws *websocket.Conn) {
	cc, ok := m.handshake(ws)
	if !ok {
		return
	}
	defer m.remove(cc.ID)

	m.log.Info("client connected",
		"client_id", cc.ID, "project_id", cc.ProjectID)

	for {
		var msg datatypes.Message
		if err := ws.ReadJSON(&msg); err != nil {
			// A frame that fails to decode is a protocol error, not a
			// transport failure: ReadJSON has consumed the message, so
			// answer with an error frame and keep serving.
			if isDecodeError(err) {
				m.sendParseError(cc, err)
				continue
			}
			m.log.Info("client disconnected", "client_id", cc.ID, "error", err.Error())
			return
		}
		m.routeFrame(ctx, cc, msg)
	}
}

// isDecodeError reports whether a ReadJSON failure came from decoding
// the message body rather than from the transport. Transport failures
// surface as websocket close or net errors, never as json errors.
func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// handshake requires the first frame to be Auth with a valid payload.
// Any other frame type is rejected with an error frame and the socket is
// closed.
func (m *Manager) handshake(ws *websocket.Conn) (*ClientConnection, bool) {
	var msg datatypes.Message
	if err := ws.ReadJSON(&msg); err != nil {
		return nil, false
	}

	if msg.Type != datatypes.MessageTypeAuth {
		m.writeError(ws, datatypes.ErrCodeAuthRequired,
			"first frame must be auth")
		return nil, false
	}

	var auth datatypes.AuthPayload
	if err := msg.DecodePayload(&auth); err != nil {
		m.writeError(ws, datatypes.ErrCodeParseError, err.Error())
		return nil, false
	}
	if err := m.validate.Struct(auth); err != nil {
		m.writeError(ws, datatypes.ErrCodeAuthFailed, err.Error())
		return nil, false
	}
	if m.cfg.AuthToken != "" && auth.Token != m.cfg.AuthToken {
		m.writeError(ws, datatypes.ErrCodeAuthFailed, "invalid token")
		return nil, false
	}

	cc := m.register(ws, auth)

	resp, _ := datatypes.NewMessage(datatypes.MessageTypeAuthResponse,
		datatypes.AuthResponse{Success: true, ClientID: cc.ID})
	if err := ws.WriteJSON(resp); err != nil {
		m.remove(cc.ID)
		return nil, false
	}
	return cc, true
}

// register adds a connection plus its health record and delivery queue.
func (m *Manager) register(conn wsConn, auth datatypes.AuthPayload) *ClientConnection {
	cc := newClientConnection(conn, auth, m.cfg.SendRateLimit, m.cfg.SendBurst)

	m.mu.Lock()
	m.conns[cc.ID] = cc
	m.health[cc.ID] = &healthRecord{lastPong: time.Now().UTC()}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ConnectionsActive.Add(context.Background(), 1)
	}
	return cc
}

// remove deletes a connection, its health record, and its queue.
func (m *Manager) remove(clientID string) {
	m.mu.Lock()
	cc, ok := m.conns[clientID]
	if ok {
		delete(m.conns, clientID)
		delete(m.health, clientID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	m.queues.Remove(clientID)
	cc.close()
	if m.metrics != nil {
		m.metrics.ConnectionsActive.Add(context.Background(), -1)
	}
}

// routeFrame dispatches one authenticated client frame.
func (m *Manager) routeFrame(ctx context.Context, cc *ClientConnection, msg datatypes.Message) {
	if m.metrics != nil {
		m.metrics.FramesReceived.Add(ctx, 1,
			metric.WithAttributes(attribute.String("frame_type", string(msg.Type))))
	}

	switch msg.Type {
	case datatypes.MessageTypeSubscribe:
		var p datatypes.SubscribePayload
		if err := msg.DecodePayload(&p); err != nil {
			m.sendParseError(cc, err)
			return
		}
		cc.subscribe(p.Filters)
		m.log.Debug("client subscribed",
			"client_id", cc.ID, "filters_empty", p.Filters.IsEmpty())

	case datatypes.MessageTypeUnsubscribe:
		cc.unsubscribe()
		m.log.Debug("client unsubscribed", "client_id", cc.ID)

	case datatypes.MessageTypeAck:
		var p datatypes.AckPayload
		if err := msg.DecodePayload(&p); err != nil {
			m.sendParseError(cc, err)
			return
		}
		if m.queues.Ack(cc.ID, p.MessageID) {
			if m.metrics != nil {
				m.metrics.QueueDepth.Add(ctx, -1)
			}
		}

	case datatypes.MessageTypePing:
		m.stampPong(cc.ID)
		_ = cc.sendMessage(datatypes.MessageTypePong,
			datatypes.PongPayload{Timestamp: time.Now().UTC()})

	case datatypes.MessageTypePong:
		m.stampPong(cc.ID)

	default:
		_ = cc.sendMessage(datatypes.MessageTypeError, datatypes.ErrorPayload{
			Code:    datatypes.ErrCodeUnsupportedType,
			Message: "unsupported frame type: " + string(msg.Type),
		})
	}
}

// BroadcastChange fans a change out to every matching live connection.
// Every matched delivery is backed by a durable queue entry framed under
// the entry's MessageID; the entry leaves the queue on the client's Ack,
// a successful resend, or the retry ceiling.
func (m *Manager) BroadcastChange(ctx context.Context, change datatypes.ContextChange) {
	m.mu.RLock()
	conns := make([]*ClientConnection, 0, len(m.conns))
	for _, cc := range m.conns {
		conns = append(conns, cc)
	}
	m.mu.RUnlock()

	delivered := 0
	queued := 0
	for _, cc := range conns {
		if !cc.matches(change) {
			continue
		}
		// Enqueue before sending so the frame's id matches the entry the
		// Ack must release. A write success alone is not client receipt.
		msgID := m.queues.Enqueue(cc.ID, change)
		if m.metrics != nil {
			m.metrics.QueueDepth.Add(ctx, 1)
		}
		if err := cc.sendChange(change, msgID); err != nil {
			queued++
			continue
		}
		delivered++
	}

	if delivered > 0 {
		m.mu.Lock()
		m.lastSync[change.ProjectID] = time.Now().UTC()
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.ClientsNotified.Add(ctx, int64(delivered))
		}
	}
	m.log.Debug("change fanned out",
		"change_id", change.ChangeID,
		"delivered", delivered,
		"queued", queued,
	)
}

// RunRetrySweep redelivers queued changes to their connections.
func (m *Manager) RunRetrySweep(ctx context.Context) broadcast.SweepResult {
	result := m.queues.Sweep(func(clientID string, qc datatypes.QueuedChange) error {
		m.mu.RLock()
		cc, ok := m.conns[clientID]
		m.mu.RUnlock()
		if !ok {
			return ErrRateLimited // no live connection; keep retrying until dropped
		}
		return cc.sendChange(qc.Change, qc.MessageID)
	})

	if m.metrics != nil {
		if result.Retried > 0 {
			m.metrics.DeliveriesRetried.Add(ctx, int64(result.Retried))
		}
		if result.Dropped > 0 {
			m.metrics.DeliveriesFailed.Add(ctx, int64(result.Dropped))
		}
		if n := result.Delivered + result.Dropped; n > 0 {
			m.metrics.QueueDepth.Add(ctx, -int64(n))
		}
	}
	return result
}

// RunHealthCheck performs one monitor cycle: connections whose last ping
// went unanswered accumulate a miss, connections at the miss ceiling are
// evicted, and everyone else is pinged.
func (m *Manager) RunHealthCheck(ctx context.Context) []string {
	now := time.Now().UTC()

	m.mu.Lock()
	var toEvict []string
	var toPing []*ClientConnection
	for id, h := range m.health {
		if !h.lastPing.IsZero() && h.lastPong.Before(h.lastPing) {
			h.missedPings++
		} else {
			h.missedPings = 0
		}
		if h.missedPings >= m.cfg.MaxMissedPings {
			toEvict = append(toEvict, id)
			continue
		}
		h.lastPing = now
		toPing = append(toPing, m.conns[id])
	}
	m.mu.Unlock()

	for _, id := range toEvict {
		m.log.Warn("evicting unresponsive client", "client_id", id)
		m.remove(id)
		if m.metrics != nil {
			m.metrics.ConnectionsEvicted.Add(ctx, 1)
		}
	}
	for _, cc := range toPing {
		_ = cc.sendMessage(datatypes.MessageTypePing,
			datatypes.PingPayload{Timestamp: now})
	}
	return toEvict
}

// stampPong records a health response from a client.
func (m *Manager) stampPong(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.health[clientID]; ok {
		h.lastPong = time.Now().UTC()
	}
}

// SyncStatus derives the coarse health signal for a project: no clients
// is unhealthy, a deep pending backlog is degraded, anything else is
// healthy.
func (m *Manager) SyncStatus(projectID string) SyncStatus {
	// Queue depths are read outside the manager lock; the retry sweep
	// takes the queue lock first and then the manager lock.
	m.mu.RLock()
	var clientIDs []string
	for _, cc := range m.conns {
		if cc.ProjectID == projectID {
			clientIDs = append(clientIDs, cc.ID)
		}
	}
	var lastSync *time.Time
	if ts, ok := m.lastSync[projectID]; ok {
		t := ts
		lastSync = &t
	}
	m.mu.RUnlock()

	clients := len(clientIDs)
	pending := 0
	for _, id := range clientIDs {
		pending += m.queues.Pending(id)
	}

	status := StatusHealthy
	switch {
	case clients == 0:
		status = StatusUnhealthy
	case pending > m.cfg.DegradedQueueThreshold:
		status = StatusDegraded
	}

	return SyncStatus{
		Status:           status,
		ConnectedClients: clients,
		PendingChanges:   pending,
		LastSync:         lastSync,
	}
}

// ConnectedClients returns the number of live connections across all
// projects.
func (m *Manager) ConnectedClients() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// PendingTotal returns the aggregate durable-queue depth.
func (m *Manager) PendingTotal() int {
	return m.queues.PendingTotal()
}

// writeError sends an error frame on a raw socket during handshake.
func (m *Manager) writeError(ws *websocket.Conn, code, message string) {
	msg, err := datatypes.NewMessage(datatypes.MessageTypeError,
		datatypes.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	if err := ws.WriteJSON(msg); err != nil {
		m.log.Warn("failed to write error frame", "error", err)
	}
}

// sendParseError reports a malformed payload without closing the
// connection.
func (m *Manager) sendParseError(cc *ClientConnection, cause error) {
	_ = cc.sendMessage(datatypes.MessageTypeError, datatypes.ErrorPayload{
		Code:    datatypes.ErrCodeParseError,
		Message: cause.Error(),
	})
}
