// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resolution

import (
	"time"

	"github.com/AleutianAI/AleutianSync/services/sync/conflict"
)

// Step names a state in the resolution session machine.
//
// The walk is ConflictPresentation → StrategySelection →
// [ManualResolution] → PreviewConfirmation → Complete, with Cancelled
// reachable from any non-terminal step. ManualResolution is entered only
// when the selected strategy requires human field work.
type Step string

const (
	StepConflictPresentation Step = "conflict_presentation"
	StepStrategySelection    Step = "strategy_selection"
	StepManualResolution     Step = "manual_resolution"
	StepPreviewConfirmation  Step = "preview_confirmation"
	StepComplete             Step = "complete"
	StepCancelled            Step = "cancelled"
)

// Terminal reports whether the step ends the session.
func (s Step) Terminal() bool {
	return s == StepComplete || s == StepCancelled
}

// Severity grades a validation finding. Only Error-severity findings
// block completion.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// ValidationError is one finding against the session's current state.
type ValidationError struct {
	Field    string   `json:"field"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Component is one UI element the client should render for the current
// step.
type Component struct {
	ID    string         `json:"id"`
	Type  string         `json:"type"`
	Label string         `json:"label,omitempty"`
	Props map[string]any `json:"props,omitempty"`
}

// Progress summarizes how far along the session is.
type Progress struct {
	CurrentStep    Step `json:"current_step"`
	StepsCompleted int  `json:"steps_completed"`
	StepsTotal     int  `json:"steps_total"`

	// EstimatedSecondsRemaining is a coarse per-step hint, not a
	// measurement.
	EstimatedSecondsRemaining int `json:"estimated_seconds_remaining"`
}

// Session is the mutable state of one manual resolution walk. All
// mutation goes through the Workflow's transition methods.
type Session struct {
	SessionID  string `json:"session_id"`
	ConflictID string `json:"conflict_id"`
	UserID     string `json:"user_id"`

	Step             Step              `json:"step"`
	SelectedStrategy conflict.Strategy `json:"selected_strategy,omitempty"`
	Selections       map[string]any    `json:"selections,omitempty"`

	Validation    []ValidationError `json:"validation,omitempty"`
	Components    []Component       `json:"components,omitempty"`
	PreviewEntity map[string]any    `json:"preview_entity,omitempty"`
	Progress      Progress          `json:"progress"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	TimeoutAt time.Time `json:"timeout_at"`
}

// HasBlockingErrors reports whether any current validation finding is
// Error severity.
func (s *Session) HasBlockingErrors() bool {
	for _, v := range s.Validation {
		if v.Severity == SeverityError {
			return true
		}
	}
	return false
}

// clone returns a deep-enough copy for handing to callers outside the
// workflow's lock.
func (s *Session) clone() *Session {
	out := *s
	out.Selections = make(map[string]any, len(s.Selections))
	for k, v := range s.Selections {
		out.Selections[k] = v
	}
	out.Validation = append([]ValidationError(nil), s.Validation...)
	out.Components = append([]Component(nil), s.Components...)
	if s.PreviewEntity != nil {
		out.PreviewEntity = make(map[string]any, len(s.PreviewEntity))
		for k, v := range s.PreviewEntity {
			out.PreviewEntity[k] = v
		}
	}
	return &out
}

// stepOrder is the canonical walk used for progress accounting. The
// manual step is skipped for automatic strategies.
var stepOrder = []Step{
	StepConflictPresentation,
	StepStrategySelection,
	StepManualResolution,
	StepPreviewConfirmation,
	StepComplete,
}

// stepEstimates are the coarse per-step time hints, in seconds.
var stepEstimates = map[Step]int{
	StepConflictPresentation: 90,
	StepStrategySelection:    60,
	StepManualResolution:     180,
	StepPreviewConfirmation:  30,
}

// stepIndex returns the position of a step in the canonical walk, or -1
// for terminal steps outside it.
func stepIndex(step Step) int {
	for i, s := range stepOrder {
		if s == step {
			return i
		}
	}
	return -1
}

// allowedTransition reports whether a session may move from one step to
// another. Staying on the current step (refining selections) is always
// allowed; Cancelled is handled separately by CancelResolution.
func allowedTransition(from, to Step, strategy conflict.Strategy) bool {
	if from.Terminal() {
		return false
	}
	if from == to {
		return true
	}
	switch from {
	case StepConflictPresentation:
		return to == StepStrategySelection
	case StepStrategySelection:
		if to == StepManualResolution {
			return strategy == conflict.ManualResolution
		}
		return to == StepPreviewConfirmation
	case StepManualResolution:
		return to == StepPreviewConfirmation
	case StepPreviewConfirmation:
		return to == StepComplete
	}
	return false
}
