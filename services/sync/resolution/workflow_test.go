package resolution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSync/services/sync/conflict"
	"github.com/AleutianAI/AleutianSync/services/sync/datatypes"
)

type fixedVersions int64

func (v fixedVersions) CurrentVersion(string) int64 { return int64(v) }

// newWorkflowWithConflict returns a workflow over a real engine holding
// one active version conflict.
func newWorkflowWithConflict(t *testing.T) (*Workflow, *conflict.Engine, *conflict.Info) {
	t.Helper()
	engine := conflict.NewEngine(fixedVersions(2), nil)

	now := time.Now().UTC()
	stale := datatypes.ContextChange{
		ChangeID:   "c-a",
		ChangeType: datatypes.ChangeTypeUpdate,
		EntityType: "business_rule",
		EntityID:   "rule-1",
		ProjectID:  "P1",
		FullEntity: map[string]any{"name": "rule A", "priority": 1},
		Metadata:   datatypes.ChangeMetadata{ClientID: "client-a", Timestamp: now, Version: 1},
	}
	concurrent := datatypes.ContextChange{
		ChangeID:   "c-b",
		ChangeType: datatypes.ChangeTypeUpdate,
		EntityType: "business_rule",
		EntityID:   "rule-1",
		ProjectID:  "P1",
		FullEntity: map[string]any{"name": "rule B", "priority": 5},
		Metadata:   datatypes.ChangeMetadata{ClientID: "client-b", Timestamp: now.Add(time.Second), Version: 1},
	}

	info := engine.Detect(context.Background(), stale, []datatypes.ContextChange{concurrent})
	require.NotNil(t, info)

	return NewWorkflow(engine, nil, nil), engine, info
}

func TestWorkflow_FullManualWalk(t *testing.T) {
	w, engine, info := newWorkflowWithConflict(t)
	ctx := context.Background()

	s, err := w.StartSession(ctx, info.ConflictID, "user-7", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StepConflictPresentation, s.Step)
	require.Len(t, s.Components, 1)
	assert.Equal(t, "conflict_summary", s.Components[0].Type)

	s, err = w.UpdateUIState(ctx, s.SessionID, StepStrategySelection, nil, conflict.ManualResolution)
	require.NoError(t, err)
	assert.False(t, s.HasBlockingErrors())
	require.Len(t, s.Components, 1)
	assert.Equal(t, "strategy_selector", s.Components[0].Type)

	resolved := map[string]any{"name": "rule B", "priority": 1}
	s, err = w.UpdateUIState(ctx, s.SessionID, StepManualResolution,
		map[string]any{"resolved_entity": resolved}, "")
	require.NoError(t, err)
	assert.False(t, s.HasBlockingErrors())

	s, err = w.UpdateUIState(ctx, s.SessionID, StepPreviewConfirmation, nil, "")
	require.NoError(t, err)
	assert.Equal(t, resolved, s.PreviewEntity)
	require.Len(t, s.Components, 1)
	assert.Equal(t, "preview_panel", s.Components[0].Type)

	req, err := w.CompleteResolution(ctx, s.SessionID, "combined both edits")
	require.NoError(t, err)
	assert.Equal(t, conflict.ManualResolution, req.ResolutionStrategy)
	assert.Equal(t, "user-7", req.ResolvedBy)
	assert.Equal(t, resolved, req.ResolvedEntity)

	final, err := w.Get(s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StepComplete, final.Step)

	// The engine recorded the request verbatim.
	resolvedInfo, err := engine.Get(info.ConflictID)
	require.NoError(t, err)
	require.True(t, resolvedInfo.Resolved())
	assert.Equal(t, req.ResolvedEntity, resolvedInfo.ResolutionResult.Manual.ResolvedEntity)
}

func TestWorkflow_FieldSelectionsAssemblePreview(t *testing.T) {
	w, _, info := newWorkflowWithConflict(t)
	ctx := context.Background()

	s, err := w.StartSession(ctx, info.ConflictID, "user-7", time.Minute)
	require.NoError(t, err)

	_, err = w.UpdateUIState(ctx, s.SessionID, StepStrategySelection, nil, conflict.ManualResolution)
	require.NoError(t, err)
	_, err = w.UpdateUIState(ctx, s.SessionID, StepManualResolution,
		map[string]any{"field_name": "rule B", "field_priority": 5}, "")
	require.NoError(t, err)

	s, err = w.UpdateUIState(ctx, s.SessionID, StepPreviewConfirmation, nil, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "rule B", "priority": 5}, s.PreviewEntity)
}

func TestWorkflow_CompletionGatedOnErrors(t *testing.T) {
	w, _, info := newWorkflowWithConflict(t)
	ctx := context.Background()

	s, err := w.StartSession(ctx, info.ConflictID, "user-7", time.Minute)
	require.NoError(t, err)

	// Entering strategy selection without picking a strategy leaves an
	// Error-severity finding.
	s, err = w.UpdateUIState(ctx, s.SessionID, StepStrategySelection, nil, "")
	require.NoError(t, err)
	require.True(t, s.HasBlockingErrors())

	_, err = w.CompleteResolution(ctx, s.SessionID, "")
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestWorkflow_ManualStepRequiresInput(t *testing.T) {
	w, _, info := newWorkflowWithConflict(t)
	ctx := context.Background()

	s, err := w.StartSession(ctx, info.ConflictID, "user-7", time.Minute)
	require.NoError(t, err)

	_, err = w.UpdateUIState(ctx, s.SessionID, StepStrategySelection, nil, conflict.ManualResolution)
	require.NoError(t, err)

	s, err = w.UpdateUIState(ctx, s.SessionID, StepManualResolution, nil, "")
	require.NoError(t, err)
	require.True(t, s.HasBlockingErrors())
	assert.Equal(t, "resolved_entity", s.Validation[0].Field)
}

func TestWorkflow_InvalidTransitionRejected(t *testing.T) {
	w, _, info := newWorkflowWithConflict(t)
	ctx := context.Background()

	s, err := w.StartSession(ctx, info.ConflictID, "user-7", time.Minute)
	require.NoError(t, err)

	_, err = w.UpdateUIState(ctx, s.SessionID, StepPreviewConfirmation, nil, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Manual step is only reachable under the manual strategy.
	_, err = w.UpdateUIState(ctx, s.SessionID, StepStrategySelection, nil, conflict.LastWriterWins)
	require.NoError(t, err)
	_, err = w.UpdateUIState(ctx, s.SessionID, StepManualResolution, nil, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestWorkflow_CancelIsIdempotent(t *testing.T) {
	w, _, info := newWorkflowWithConflict(t)
	ctx := context.Background()

	s, err := w.StartSession(ctx, info.ConflictID, "user-7", time.Minute)
	require.NoError(t, err)

	cancelled, err := w.CancelResolution(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StepCancelled, cancelled.Step)

	again, err := w.CancelResolution(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StepCancelled, again.Step)

	_, err = w.UpdateUIState(ctx, s.SessionID, StepStrategySelection, nil, "")
	assert.ErrorIs(t, err, ErrSessionTerminal)
}

func TestWorkflow_ExpirySweepRemovesTimedOut(t *testing.T) {
	w, _, info := newWorkflowWithConflict(t)
	ctx := context.Background()

	s, err := w.StartSession(ctx, info.ConflictID, "user-7", 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, w.RunExpirySweep(ctx))

	_, err = w.Get(s.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestWorkflow_LWWPreviewUsesNewestContributor(t *testing.T) {
	w, _, info := newWorkflowWithConflict(t)
	ctx := context.Background()

	s, err := w.StartSession(ctx, info.ConflictID, "user-7", time.Minute)
	require.NoError(t, err)

	_, err = w.UpdateUIState(ctx, s.SessionID, StepStrategySelection, nil, conflict.LastWriterWins)
	require.NoError(t, err)

	s, err = w.UpdateUIState(ctx, s.SessionID, StepPreviewConfirmation, nil, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "rule B", "priority": 5}, s.PreviewEntity)

	props := s.Components[0].Props
	assert.Equal(t, []string{"c-a"}, props["discarded_changes"])
}

func TestSweeper_StartStop(t *testing.T) {
	w, _, _ := newWorkflowWithConflict(t)
	sw := NewSweeper(w, 10*time.Millisecond)

	require.NoError(t, sw.Start(context.Background()))
	require.Error(t, sw.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)
	sw.Stop()
	sw.Stop()
}
