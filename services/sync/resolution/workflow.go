// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resolution walks a human through manual conflict resolution.
//
// # Description
//
// A Workflow owns a store of bounded sessions, each a small state machine
// over the steps defined in session.go. Every transition goes through
// UpdateUIState, which merges user selections, validates the resulting
// state, and regenerates the UI component list for the new step. Sessions
// expire on a timeout and are removed by a periodic sweep.
//
// # Thread Safety
//
// Workflow is safe for concurrent use. Sessions returned by its methods
// are copies; mutating them does not affect workflow state.
package resolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianSync/services/sync/conflict"
	"github.com/AleutianAI/AleutianSync/services/sync/telemetry"
)

// DefaultSessionTimeout bounds how long an untouched session survives.
const DefaultSessionTimeout = 5 * time.Minute

var (
	// ErrSessionNotFound is returned for unknown or expired session ids.
	ErrSessionNotFound = errors.New("resolution: session not found")

	// ErrSessionTerminal is returned when a transition is attempted on a
	// completed or cancelled session.
	ErrSessionTerminal = errors.New("resolution: session already terminal")

	// ErrInvalidTransition is returned for step changes the state machine
	// does not allow.
	ErrInvalidTransition = errors.New("resolution: invalid step transition")

	// ErrValidationFailed is returned by CompleteResolution while the
	// session carries Error-severity findings.
	ErrValidationFailed = errors.New("resolution: validation errors outstanding")
)

// ConflictService is the slice of the conflict engine the workflow needs.
type ConflictService interface {
	Get(conflictID string) (*conflict.Info, error)
	Recommend(conflictID string) (conflict.Strategy, error)
	Resolve(ctx context.Context, conflictID string, strategy conflict.Strategy, manual *conflict.ManualResolutionRequest, resolvedBy string) (*conflict.Info, error)
}

// Workflow is the session store and state machine driver.
type Workflow struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	conflicts ConflictService
	metrics   *telemetry.Metrics
	log       *slog.Logger
}

// NewWorkflow creates a workflow over the given conflict service.
// metrics may be nil.
func NewWorkflow(conflicts ConflictService, metrics *telemetry.Metrics, log *slog.Logger) *Workflow {
	if log == nil {
		log = slog.Default()
	}
	return &Workflow{
		sessions:  make(map[string]*Session),
		conflicts: conflicts,
		metrics:   metrics,
		log:       log,
	}
}

// StartSession opens a resolution session for an active conflict. A
// non-positive timeout uses DefaultSessionTimeout.
func (w *Workflow) StartSession(ctx context.Context, conflictID, userID string, timeout time.Duration) (*Session, error) {
	info, err := w.conflicts.Get(conflictID)
	if err != nil {
		return nil, err
	}
	if info.Resolved() {
		return nil, fmt.Errorf("conflict %s is already resolved", conflictID)
	}
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}

	now := time.Now().UTC()
	s := &Session{
		SessionID:  uuid.New().String(),
		ConflictID: conflictID,
		UserID:     userID,
		Step:       StepConflictPresentation,
		Selections: make(map[string]any),
		CreatedAt:  now,
		UpdatedAt:  now,
		TimeoutAt:  now.Add(timeout),
	}
	s.Validation = w.validate(s, info)
	s.Components = w.buildComponents(s, info)
	s.Progress = w.progressFor(s)

	w.mu.Lock()
	w.sessions[s.SessionID] = s
	w.mu.Unlock()

	if w.metrics != nil {
		w.metrics.SessionsActive.Add(ctx, 1)
	}
	w.log.Info("resolution session started",
		"session_id", s.SessionID,
		"conflict_id", conflictID,
		"user_id", userID,
		"timeout_at", s.TimeoutAt,
	)
	return s.clone(), nil
}

// UpdateUIState drives one transition of the session machine.
//
// # Description
//
// Merges the user's selections into session state, records the requested
// strategy when present, and moves the session to the requested step if
// the transition is legal. The resulting state is validated, progress and
// the time-remaining hint are recomputed, and the component list for the
// new step is regenerated. Reaching PreviewConfirmation computes and
// stores the preview entity.
//
// # Outputs
//
//   - *Session: a copy of the updated session, including any validation
//     findings. Validation findings alone are not an error.
//   - error: non-nil for unknown sessions, terminal sessions, or illegal
//     transitions.
func (w *Workflow) UpdateUIState(ctx context.Context, sessionID string, step Step, selections map[string]any, strategy conflict.Strategy) (*Session, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, ok := w.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if s.Step.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionTerminal, sessionID, s.Step)
	}

	if strategy != "" {
		if !strategy.Valid() {
			return nil, fmt.Errorf("resolution: unknown strategy %q", strategy)
		}
		s.SelectedStrategy = strategy
	}
	if !allowedTransition(s.Step, step, s.SelectedStrategy) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Step, step)
	}

	for k, v := range selections {
		s.Selections[k] = v
	}
	s.Step = step
	s.UpdatedAt = time.Now().UTC()

	info, err := w.conflicts.Get(s.ConflictID)
	if err != nil {
		return nil, err
	}

	if step == StepPreviewConfirmation {
		preview, previewErr := w.computePreview(s, info)
		if previewErr != nil {
			s.PreviewEntity = nil
			s.Validation = append(w.validate(s, info), ValidationError{
				Field:    "preview_entity",
				Message:  previewErr.Error(),
				Severity: SeverityError,
			})
		} else {
			s.PreviewEntity = preview
			s.Validation = w.validate(s, info)
		}
	} else {
		s.Validation = w.validate(s, info)
	}
	s.Components = w.buildComponents(s, info)
	s.Progress = w.progressFor(s)

	w.log.Debug("resolution session updated",
		"session_id", sessionID,
		"step", string(step),
		"strategy", string(s.SelectedStrategy),
		"validation_findings", len(s.Validation),
	)
	return s.clone(), nil
}

// CompleteResolution finalizes a session.
//
// # Description
//
// Fails while the session carries Error-severity validation findings.
// Otherwise builds the ManualResolutionRequest, hands it to the conflict
// service under the session's selected strategy, and marks the session
// Complete.
func (w *Workflow) CompleteResolution(ctx context.Context, sessionID, notes string) (*conflict.ManualResolutionRequest, error) {
	w.mu.Lock()
	s, ok := w.sessions[sessionID]
	if !ok {
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if s.Step.Terminal() {
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionTerminal, sessionID, s.Step)
	}
	if s.HasBlockingErrors() {
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %d finding(s)", ErrValidationFailed, len(s.Validation))
	}
	if s.SelectedStrategy == "" {
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: no strategy selected", ErrValidationFailed)
	}

	req := &conflict.ManualResolutionRequest{
		ConflictID:         s.ConflictID,
		ResolutionStrategy: s.SelectedStrategy,
		ResolvedEntity:     s.PreviewEntity,
		ResolutionNotes:    notes,
		ResolvedBy:         s.UserID,
	}
	strategy := s.SelectedStrategy
	userID := s.UserID
	conflictID := s.ConflictID
	w.mu.Unlock()

	var manual *conflict.ManualResolutionRequest
	if strategy == conflict.ManualResolution {
		manual = req
	}
	if _, err := w.conflicts.Resolve(ctx, conflictID, strategy, manual, userID); err != nil {
		return nil, err
	}

	w.mu.Lock()
	s.Step = StepComplete
	s.UpdatedAt = time.Now().UTC()
	s.Progress = w.progressFor(s)
	w.mu.Unlock()

	if w.metrics != nil {
		w.metrics.SessionsActive.Add(ctx, -1)
	}
	w.log.Info("resolution session completed",
		"session_id", sessionID,
		"conflict_id", conflictID,
		"strategy", string(strategy),
		"resolved_by", userID,
	)
	return req, nil
}

// CancelResolution marks a session Cancelled. Idempotent: cancelling an
// already-cancelled session returns it unchanged, and unknown sessions
// return ErrSessionNotFound.
func (w *Workflow) CancelResolution(ctx context.Context, sessionID string) (*Session, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, ok := w.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if s.Step == StepCancelled {
		return s.clone(), nil
	}
	if s.Step == StepComplete {
		return nil, fmt.Errorf("%w: %s is complete", ErrSessionTerminal, sessionID)
	}

	s.Step = StepCancelled
	s.UpdatedAt = time.Now().UTC()
	s.Progress = w.progressFor(s)

	if w.metrics != nil {
		w.metrics.SessionsActive.Add(ctx, -1)
	}
	w.log.Info("resolution session cancelled", "session_id", sessionID)
	return s.clone(), nil
}

// Get returns a copy of a session.
func (w *Workflow) Get(sessionID string) (*Session, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	s, ok := w.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s.clone(), nil
}

// ActiveSessions returns copies of all non-terminal sessions.
func (w *Workflow) ActiveSessions() []*Session {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var out []*Session
	for _, s := range w.sessions {
		if !s.Step.Terminal() {
			out = append(out, s.clone())
		}
	}
	return out
}

// RunExpirySweep removes sessions whose timeout has passed and returns
// the number removed. Terminal sessions are also dropped; they are kept
// only until the next sweep so clients can observe the final state.
func (w *Workflow) RunExpirySweep(ctx context.Context) int {
	now := time.Now().UTC()

	w.mu.Lock()
	var expired, cleaned int
	for id, s := range w.sessions {
		switch {
		case s.Step.Terminal():
			delete(w.sessions, id)
			cleaned++
		case now.After(s.TimeoutAt):
			delete(w.sessions, id)
			expired++
		}
	}
	w.mu.Unlock()

	if expired > 0 {
		if w.metrics != nil {
			w.metrics.SessionsExpired.Add(ctx, int64(expired))
			w.metrics.SessionsActive.Add(ctx, -int64(expired))
		}
		w.log.Info("expired resolution sessions removed",
			"expired", expired, "terminal_cleaned", cleaned)
	}
	return expired
}

// =============================================================================
// Validation, preview, and component generation
// =============================================================================

// validate checks the session's state against its current step.
func (w *Workflow) validate(s *Session, info *conflict.Info) []ValidationError {
	var findings []ValidationError

	switch s.Step {
	case StepStrategySelection:
		if s.SelectedStrategy == "" {
			findings = append(findings, ValidationError{
				Field:    "selected_strategy",
				Message:  "a resolution strategy must be selected",
				Severity: SeverityError,
			})
		}
	case StepManualResolution:
		if !hasManualInput(s.Selections) {
			findings = append(findings, ValidationError{
				Field:    "resolved_entity",
				Message:  "provide a resolved entity or at least one field_* selection",
				Severity: SeverityError,
			})
		}
	case StepPreviewConfirmation:
		if s.SelectedStrategy == "" {
			findings = append(findings, ValidationError{
				Field:    "selected_strategy",
				Message:  "cannot preview without a strategy",
				Severity: SeverityError,
			})
		}
		if s.SelectedStrategy == conflict.AutoMerge && len(info.Contributors()) > conflict.AutoMergeMaxContributors {
			findings = append(findings, ValidationError{
				Field:    "selected_strategy",
				Message:  "auto merge is not applicable to this conflict",
				Severity: SeverityError,
			})
		}
	}

	if s.SelectedStrategy != "" && info != nil {
		if rec := conflict.Recommend(info.Type, len(info.Contributors())); rec != s.SelectedStrategy {
			findings = append(findings, ValidationError{
				Field:    "selected_strategy",
				Message:  fmt.Sprintf("recommended strategy for this conflict is %s", rec),
				Severity: SeverityInfo,
			})
		}
	}
	return findings
}

// computePreview builds the entity the resolution would produce.
func (w *Workflow) computePreview(s *Session, info *conflict.Info) (map[string]any, error) {
	switch s.SelectedStrategy {
	case conflict.LastWriterWins:
		newest := newestContributor(info)
		if newest == nil {
			return nil, fmt.Errorf("conflict %s has no contributing changes", info.ConflictID)
		}
		return newest.Change.FullEntity, nil
	case conflict.AutoMerge:
		result, err := conflict.PreviewMerge(info)
		if err != nil {
			return nil, err
		}
		return result.MergedEntity, nil
	case conflict.Reject:
		// Rejecting keeps the pre-conflict state; there is nothing new to
		// preview.
		return nil, nil
	case conflict.ManualResolution:
		if entity, ok := s.Selections["resolved_entity"].(map[string]any); ok {
			return entity, nil
		}
		assembled := assembleFieldSelections(s.Selections)
		if len(assembled) == 0 {
			return nil, errors.New("no resolved entity or field selections provided")
		}
		return assembled, nil
	case "":
		return nil, errors.New("no strategy selected")
	default:
		return nil, fmt.Errorf("unknown strategy %q", s.SelectedStrategy)
	}
}

// buildComponents regenerates the UI component list for the session's
// current step.
func (w *Workflow) buildComponents(s *Session, info *conflict.Info) []Component {
	switch s.Step {
	case StepConflictPresentation:
		return []Component{{
			ID:    "conflict_summary",
			Type:  "conflict_summary",
			Label: "Conflict details",
			Props: map[string]any{
				"conflict_id":   info.ConflictID,
				"conflict_type": string(info.Type),
				"entity":        info.EntityKey(),
				"contributors":  info.Contributors(),
				"detected_at":   info.DetectedAt,
			},
		}}
	case StepStrategySelection:
		return []Component{{
			ID:    "strategy_selector",
			Type:  "strategy_selector",
			Label: "Choose a resolution strategy",
			Props: map[string]any{
				"options":     rankedStrategies(info),
				"recommended": string(conflict.Recommend(info.Type, len(info.Contributors()))),
			},
		}}
	case StepManualResolution:
		return []Component{
			{
				ID:    "entity_editor",
				Type:  "entity_editor",
				Label: "Edit the resolved entity",
				Props: map[string]any{"fields": contributorFields(info)},
			},
			{
				ID:    "field_merger",
				Type:  "field_merger",
				Label: "Pick a value per contested field",
				Props: map[string]any{"fields": contributorFields(info)},
			},
		}
	case StepPreviewConfirmation:
		return []Component{{
			ID:    "preview_panel",
			Type:  "preview_panel",
			Label: "Review the resolution",
			Props: map[string]any{
				"preview_entity":    s.PreviewEntity,
				"discarded_changes": discardedChangeIDs(s, info),
			},
		}}
	default:
		return nil
	}
}

// progressFor recomputes the session's progress counters and the
// time-remaining hint. For automatic strategies the manual step does not
// count toward the total.
func (w *Workflow) progressFor(s *Session) Progress {
	total := len(stepOrder)
	manualSkipped := s.SelectedStrategy != "" && s.SelectedStrategy != conflict.ManualResolution
	if manualSkipped {
		total--
	}

	idx := stepIndex(s.Step)
	completed := 0
	remaining := 0
	if idx >= 0 {
		completed = idx
		if manualSkipped && idx > stepIndex(StepManualResolution) {
			completed--
		}
		for _, step := range stepOrder[idx:] {
			if manualSkipped && step == StepManualResolution {
				continue
			}
			remaining += stepEstimates[step]
		}
	}
	if s.Step.Terminal() {
		remaining = 0
		if s.Step == StepComplete {
			completed = total
		}
	}

	return Progress{
		CurrentStep:               s.Step,
		StepsCompleted:            completed,
		StepsTotal:                total,
		EstimatedSecondsRemaining: remaining,
	}
}

// hasManualInput reports whether the selections contain a full resolved
// entity or at least one field_* keyed choice.
func hasManualInput(selections map[string]any) bool {
	if _, ok := selections["resolved_entity"]; ok {
		return true
	}
	for k := range selections {
		if strings.HasPrefix(k, "field_") {
			return true
		}
	}
	return false
}

// assembleFieldSelections builds an entity from field_* keyed selections.
func assembleFieldSelections(selections map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range selections {
		if field, ok := strings.CutPrefix(k, "field_"); ok && field != "" {
			out[field] = v
		}
	}
	return out
}

// newestContributor returns the contributing change with the greatest
// metadata timestamp.
func newestContributor(info *conflict.Info) *conflict.ConflictingChange {
	if len(info.Changes) == 0 {
		return nil
	}
	newest := &info.Changes[0]
	for i := range info.Changes[1:] {
		cc := &info.Changes[i+1]
		if cc.Change.Metadata.Timestamp.After(newest.Change.Metadata.Timestamp) {
			newest = cc
		}
	}
	return newest
}

// rankedStrategies lists all strategies with the recommended one first.
func rankedStrategies(info *conflict.Info) []string {
	recommended := conflict.Recommend(info.Type, len(info.Contributors()))
	out := []string{string(recommended)}
	for _, s := range []conflict.Strategy{
		conflict.LastWriterWins,
		conflict.AutoMerge,
		conflict.Reject,
		conflict.ManualResolution,
	} {
		if s != recommended {
			out = append(out, string(s))
		}
	}
	return out
}

// contributorFields maps each field seen in any contributor snapshot to
// the per-client values, so the field merger can show every option.
func contributorFields(info *conflict.Info) map[string]map[string]any {
	fields := make(map[string]map[string]any)
	for _, cc := range info.Changes {
		client := cc.Change.Metadata.ClientID
		for field, value := range cc.Change.FullEntity {
			if fields[field] == nil {
				fields[field] = make(map[string]any)
			}
			fields[field][client] = value
		}
	}
	return fields
}

// discardedChangeIDs lists the change ids the current strategy would
// discard.
func discardedChangeIDs(s *Session, info *conflict.Info) []string {
	var out []string
	switch s.SelectedStrategy {
	case conflict.LastWriterWins:
		newest := newestContributor(info)
		for _, cc := range info.Changes {
			if newest == nil || cc.ChangeID != newest.ChangeID {
				out = append(out, cc.ChangeID)
			}
		}
	case conflict.Reject:
		for _, cc := range info.Changes {
			out = append(out, cc.ChangeID)
		}
	}
	sort.Strings(out)
	return out
}
