package connection

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSync/services/sync/datatypes"
)

// fakeConn captures frames written to it and can be made to fail.
type fakeConn struct {
	mu         sync.Mutex
	frames     []datatypes.Message
	failWrites bool
	closed     bool
}

func (f *fakeConn) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("write failed")
	}
	if msg, ok := v.(datatypes.Message); ok {
		f.frames = append(f.frames, msg)
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) setFailWrites(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites = fail
}

func (f *fakeConn) framesByType(t datatypes.MessageType) []datatypes.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []datatypes.Message
	for _, msg := range f.frames {
		if msg.Type == t {
			out = append(out, msg)
		}
	}
	return out
}

func testManager() *Manager {
	cfg := DefaultConfig()
	cfg.SendRateLimit = 0 // unit tests exercise the limiter separately
	return NewManager(cfg, nil, nil)
}

func registerClient(m *Manager, projectID string) (*ClientConnection, *fakeConn) {
	conn := &fakeConn{}
	cc := m.register(conn, datatypes.AuthPayload{Token: "t", ProjectID: projectID})
	return cc, conn
}

func ruleChange(projectID string) datatypes.ContextChange {
	return datatypes.ContextChange{
		ChangeID:   "ch-1",
		ChangeType: datatypes.ChangeTypeUpdate,
		EntityType: "business_rule",
		EntityID:   "rule-1",
		ProjectID:  projectID,
		Metadata:   datatypes.ChangeMetadata{ClientID: "writer", Version: 1},
	}
}

func TestBroadcastChange_DeliversToMatchingOnly(t *testing.T) {
	m := testManager()
	ctx := context.Background()

	ccP1, connP1 := registerClient(m, "P1")
	ccP2, connP2 := registerClient(m, "P2")
	ccP1.subscribe(datatypes.SyncFilters{ProjectIDs: []string{"P1"}})
	ccP2.subscribe(datatypes.SyncFilters{ProjectIDs: []string{"P2"}})

	m.BroadcastChange(ctx, ruleChange("P1"))

	require.Len(t, connP1.framesByType(datatypes.MessageTypeContextChange), 1)
	assert.Empty(t, connP2.framesByType(datatypes.MessageTypeContextChange))
}

func TestBroadcastChange_UnsubscribedReceivesNothing(t *testing.T) {
	m := testManager()
	ctx := context.Background()

	cc, conn := registerClient(m, "P1")
	cc.subscribe(datatypes.SyncFilters{})
	cc.unsubscribe()

	m.BroadcastChange(ctx, ruleChange("P1"))
	assert.Empty(t, conn.framesByType(datatypes.MessageTypeContextChange))
}

func TestBroadcastChange_SendFailureQueues(t *testing.T) {
	m := testManager()
	ctx := context.Background()

	cc, conn := registerClient(m, "P1")
	cc.subscribe(datatypes.SyncFilters{})
	conn.setFailWrites(true)

	m.BroadcastChange(ctx, ruleChange("P1"))
	require.Equal(t, 1, m.PendingTotal())

	// Once the socket recovers, the sweep delivers the queued change.
	conn.setFailWrites(false)
	result := m.RunRetrySweep(ctx)
	assert.Equal(t, 1, result.Delivered)
	assert.Zero(t, m.PendingTotal())
	assert.Len(t, conn.framesByType(datatypes.MessageTypeContextChange), 1)
}

func TestRouteFrame_AckRemovesQueuedEntry(t *testing.T) {
	m := testManager()
	ctx := context.Background()

	cc, _ := registerClient(m, "P1")
	id := m.queues.Enqueue(cc.ID, ruleChange("P1"))

	msg, err := datatypes.NewMessage(datatypes.MessageTypeAck,
		datatypes.AckPayload{MessageID: id})
	require.NoError(t, err)
	m.routeFrame(ctx, cc, msg)

	assert.Zero(t, m.PendingTotal())
}

func TestRouteFrame_PingAnswersWithPong(t *testing.T) {
	m := testManager()
	cc, conn := registerClient(m, "P1")

	msg, err := datatypes.NewMessage(datatypes.MessageTypePing, datatypes.PingPayload{})
	require.NoError(t, err)
	m.routeFrame(context.Background(), cc, msg)

	assert.Len(t, conn.framesByType(datatypes.MessageTypePong), 1)
}

func TestRouteFrame_MalformedPayloadKeepsConnection(t *testing.T) {
	m := testManager()
	cc, conn := registerClient(m, "P1")

	m.routeFrame(context.Background(), cc, datatypes.Message{
		Type:    datatypes.MessageTypeSubscribe,
		Payload: []byte(`{"filters": "not-an-object"`),
	})

	assert.Len(t, conn.framesByType(datatypes.MessageTypeError), 1)
	assert.Equal(t, 1, m.ConnectedClients())
}

func TestRouteFrame_UnsupportedType(t *testing.T) {
	m := testManager()
	cc, conn := registerClient(m, "P1")

	m.routeFrame(context.Background(), cc, datatypes.Message{Type: "telemetry"})

	errs := conn.framesByType(datatypes.MessageTypeError)
	require.Len(t, errs, 1)
	var p datatypes.ErrorPayload
	require.NoError(t, errs[0].DecodePayload(&p))
	assert.Equal(t, datatypes.ErrCodeUnsupportedType, p.Code)
}

// A connection that never answers pings is evicted after three missed
// cycles.
func TestRunHealthCheck_EvictsAfterThreeMisses(t *testing.T) {
	m := testManager()
	ctx := context.Background()

	cc, conn := registerClient(m, "P1")

	// Cycle 1 sends the first ping; cycles 2-4 record the misses.
	for i := 0; i < 3; i++ {
		evicted := m.RunHealthCheck(ctx)
		assert.Empty(t, evicted, "cycle %d should not evict", i+1)
		assert.Equal(t, 1, m.ConnectedClients())
	}

	evicted := m.RunHealthCheck(ctx)
	require.Len(t, evicted, 1)
	assert.Equal(t, cc.ID, evicted[0])
	assert.Zero(t, m.ConnectedClients())
	assert.True(t, conn.closed)
	assert.Zero(t, m.PendingTotal(), "queue removed with the connection")
}

func TestRunHealthCheck_ResponsiveClientSurvives(t *testing.T) {
	m := testManager()
	ctx := context.Background()

	cc, conn := registerClient(m, "P1")

	for i := 0; i < 6; i++ {
		m.RunHealthCheck(ctx)
		m.stampPong(cc.ID)
	}

	assert.Equal(t, 1, m.ConnectedClients())
	assert.NotEmpty(t, conn.framesByType(datatypes.MessageTypePing))
}

func TestSyncStatus_Thresholds(t *testing.T) {
	m := testManager()

	status := m.SyncStatus("P1")
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Zero(t, status.ConnectedClients)

	cc, _ := registerClient(m, "P1")
	status = m.SyncStatus("P1")
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, 1, status.ConnectedClients)

	for i := 0; i <= m.cfg.DegradedQueueThreshold; i++ {
		m.queues.Enqueue(cc.ID, ruleChange("P1"))
	}
	status = m.SyncStatus("P1")
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, m.cfg.DegradedQueueThreshold+1, status.PendingChanges)
}

func TestSendChange_RateLimited(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendRateLimit = 1
	cfg.SendBurst = 1
	m := NewManager(cfg, nil, nil)

	cc, _ := registerClient(m, "P1")
	cc.subscribe(datatypes.SyncFilters{})

	err := cc.sendChange(ruleChange("P1"), "m-1")
	require.NoError(t, err)
	err = cc.sendChange(ruleChange("P1"), "m-2")
	assert.ErrorIs(t, err, ErrRateLimited)
}

// The delivered frame carries the durable entry's id, so acknowledging
// exactly what was received releases the entry.
func TestBroadcastChange_AckedDeliveryClearsQueue(t *testing.T) {
	m := testManager()
	ctx := context.Background()

	cc, conn := registerClient(m, "P1")
	cc.subscribe(datatypes.SyncFilters{})

	m.BroadcastChange(ctx, ruleChange("P1"))
	require.Equal(t, 1, m.PendingTotal(), "delivery stays queued until acked")

	frames := conn.framesByType(datatypes.MessageTypeContextChange)
	require.Len(t, frames, 1)
	var frame datatypes.ChangeFrame
	require.NoError(t, frames[0].DecodePayload(&frame))

	ack, err := datatypes.NewMessage(datatypes.MessageTypeAck,
		datatypes.AckPayload{MessageID: frame.MessageID})
	require.NoError(t, err)
	m.routeFrame(ctx, cc, ack)

	assert.Zero(t, m.PendingTotal())
}

func TestRunRetrySweep_RedeliversUnderQueuedID(t *testing.T) {
	m := testManager()
	ctx := context.Background()

	cc, conn := registerClient(m, "P1")
	id := m.queues.Enqueue(cc.ID, ruleChange("P1"))

	result := m.RunRetrySweep(ctx)
	require.Equal(t, 1, result.Delivered)

	frames := conn.framesByType(datatypes.MessageTypeContextChange)
	require.Len(t, frames, 1)
	var frame datatypes.ChangeFrame
	require.NoError(t, frames[0].DecodePayload(&frame))
	assert.Equal(t, id, frame.MessageID)
}
