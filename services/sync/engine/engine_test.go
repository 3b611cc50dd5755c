package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSync/services/sync/conflict"
	"github.com/AleutianAI/AleutianSync/services/sync/config"
	"github.com/AleutianAI/AleutianSync/services/sync/connection"
	"github.com/AleutianAI/AleutianSync/services/sync/datatypes"
)

func testOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o := New(config.DefaultConfig().Sync, nil, nil)
	t.Cleanup(o.Stop)
	return o
}

func recvChange(t *testing.T, ch <-chan datatypes.ContextChange) datatypes.ContextChange {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
		return datatypes.ContextChange{}
	}
}

// A subscriber filtered to P1 business rules receives exactly the
// matching change and nothing for other projects.
func TestOrchestrator_SubscribeFiltersEndToEnd(t *testing.T) {
	o := testOrchestrator(t)
	ctx := context.Background()

	stream, err := o.Subscribe(ctx, "client-a", datatypes.SyncFilters{
		ProjectIDs:  []string{"P1"},
		EntityTypes: []string{"business_rule"},
	})
	require.NoError(t, err)

	// Non-matching project.
	o.NotifyEntityUpdated(ctx, "business_rule", "rule-9", "P2",
		map[string]any{"name": "a"}, map[string]any{"name": "b"},
		"writer", "user-1", "")

	// Matching change.
	o.NotifyEntityUpdated(ctx, "business_rule", "rule-1", "P1",
		map[string]any{"name": "a"}, map[string]any{"name": "b"},
		"writer", "user-1", "")

	got := recvChange(t, stream)
	assert.Equal(t, "rule-1", got.EntityID)
	assert.Equal(t, "P1", got.ProjectID)
	assert.Equal(t, int64(1), got.Metadata.Version)
	assert.Equal(t, datatypes.Delta{"name": "b"}, got.Delta)

	select {
	case c := <-stream:
		t.Fatalf("received non-matching change %s", c.ChangeID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOrchestrator_NotifyBoundaryShapes(t *testing.T) {
	o := testOrchestrator(t)
	ctx := context.Background()

	stream, err := o.Subscribe(ctx, "client-a", datatypes.SyncFilters{})
	require.NoError(t, err)

	o.NotifyEntityCreated(ctx, "task", "t1", "P1",
		map[string]any{"title": "new"}, "writer", "user-1", "planning")
	created := recvChange(t, stream)
	assert.Equal(t, datatypes.ChangeTypeCreate, created.ChangeType)
	assert.Equal(t, "planning", created.FeatureArea)
	assert.Nil(t, created.Delta)

	o.NotifyEntityDeleted(ctx, "task", "t1", "P1",
		map[string]any{"title": "new"}, "writer", "user-1", "")
	deleted := recvChange(t, stream)
	assert.Equal(t, datatypes.ChangeTypeDelete, deleted.ChangeType)

	o.NotifyBulkOperation(ctx, "task", "P1",
		[]map[string]any{{"id": 1}, {"id": 2}}, "writer", "user-1", "")
	bulk := recvChange(t, stream)
	assert.Equal(t, datatypes.ChangeTypeBulk, bulk.ChangeType)
}

// The conflict seam uses the broadcaster's history as the version
// source.
func TestOrchestrator_HandleConflict(t *testing.T) {
	o := testOrchestrator(t)
	ctx := context.Background()

	// Advance rule-1 to version 2 through the normal path.
	o.NotifyEntityUpdated(ctx, "business_rule", "rule-1", "P1",
		map[string]any{"v": 1}, map[string]any{"v": 2}, "writer", "", "")
	o.NotifyEntityUpdated(ctx, "business_rule", "rule-1", "P1",
		map[string]any{"v": 2}, map[string]any{"v": 3}, "writer", "", "")

	stale := datatypes.ContextChange{
		ChangeID:   "stale-1",
		ChangeType: datatypes.ChangeTypeUpdate,
		EntityType: "business_rule",
		EntityID:   "rule-1",
		ProjectID:  "P1",
		Metadata:   datatypes.ChangeMetadata{ClientID: "late-writer", Version: 1},
	}
	info := o.HandleConflict(ctx, stale, nil)
	require.NotNil(t, info)
	assert.Equal(t, conflict.VersionConflict, info.Type)

	rec, err := o.Conflicts().Recommend(info.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, conflict.LastWriterWins, rec)
}

// An abandoned consumer must not pin the relay goroutine or its
// broadcaster slot: cancelling the context closes the stream and frees
// the client id for resubscription.
func TestOrchestrator_SubscribeCancelFreesSlot(t *testing.T) {
	o := testOrchestrator(t)
	ctx, cancel := context.WithCancel(context.Background())

	stream, err := o.Subscribe(ctx, "client-a", datatypes.SyncFilters{})
	require.NoError(t, err)

	o.NotifyEntityCreated(context.Background(), "task", "t1", "P1",
		map[string]any{"title": "x"}, "writer", "", "")
	recvChange(t, stream)

	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-stream:
			// Drains anything buffered before the cancellation landed.
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond, "stream closes after cancel")

	require.Eventually(t, func() bool {
		_, err := o.Subscribe(context.Background(), "client-a", datatypes.SyncFilters{})
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "slot frees for resubscription")
}

func TestOrchestrator_SyncStatusProxy(t *testing.T) {
	o := testOrchestrator(t)

	status := o.SyncStatus("P1")
	assert.Equal(t, connection.StatusUnhealthy, status.Status)
}

func TestOrchestrator_StartStop(t *testing.T) {
	o := New(config.DefaultConfig().Sync, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))
	require.Error(t, o.Start(ctx), "double start must fail")
	o.Stop()
}

func TestOrchestrator_StatsSnapshot(t *testing.T) {
	o := testOrchestrator(t)
	ctx := context.Background()

	o.NotifyEntityCreated(ctx, "task", "t1", "P1",
		map[string]any{"title": "x"}, "writer", "", "")

	stats := o.Stats()
	assert.Equal(t, 1, stats.Broadcast.TrackedEntities)
	assert.Zero(t, stats.ConnectedClients)
}
