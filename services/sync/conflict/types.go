// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conflict

import (
	"time"

	"github.com/AleutianAI/AleutianSync/services/sync/datatypes"
)

// ConflictType classifies a detected conflict.
type ConflictType string

const (
	// VersionConflict: the incoming change's version is not strictly
	// greater than the entity's stored version.
	VersionConflict ConflictType = "version_conflict"

	// ContentConflict: concurrent changes to the same entity without a
	// version mismatch.
	ContentConflict ConflictType = "content_conflict"

	// SemanticConflict: changes whose incompatibility cannot be decided
	// by field comparison alone. Always routes to manual resolution.
	SemanticConflict ConflictType = "semantic_conflict"

	// DependencyConflict: changes that break relationships between
	// entities. Always routes to manual resolution.
	DependencyConflict ConflictType = "dependency_conflict"
)

// Strategy names a conflict resolution policy. The set is closed: every
// dispatch over strategies is an exhaustive switch, and unknown values are
// an error, never a silent fallback.
type Strategy string

const (
	LastWriterWins   Strategy = "last_writer_wins"
	AutoMerge        Strategy = "auto_merge"
	Reject           Strategy = "reject"
	ManualResolution Strategy = "manual_resolution"
)

// Valid reports whether s is one of the recognized strategies.
func (s Strategy) Valid() bool {
	switch s {
	case LastWriterWins, AutoMerge, Reject, ManualResolution:
		return true
	}
	return false
}

// MergeAlgorithmSimpleFieldMerge is the only merge algorithm AutoMerge
// currently implements: a field-level overlay across contributor
// snapshots, newest writer last.
const MergeAlgorithmSimpleFieldMerge = "simple_field_merge"

// ConflictingChange is one contributor to a conflict.
type ConflictingChange struct {
	ChangeID    string                  `json:"change_id"`
	Change      datatypes.ContextChange `json:"change"`
	BaseVersion int64                   `json:"base_version"`
	ClientInfo  string                  `json:"client_info,omitempty"`
}

// ManualResolutionRequest is the outcome of a manual resolution session,
// recorded verbatim as the conflict's resolution result.
type ManualResolutionRequest struct {
	ConflictID         string         `json:"conflict_id"`
	ResolutionStrategy Strategy       `json:"resolution_strategy"`
	ResolvedEntity     map[string]any `json:"resolved_entity,omitempty"`
	ResolutionNotes    string         `json:"resolution_notes,omitempty"`
	ResolvedBy         string         `json:"resolved_by"`
}

// ResolutionResult records what a strategy decided.
type ResolutionResult struct {
	Strategy           Strategy                 `json:"strategy"`
	SelectedChangeID   string                   `json:"selected_change_id,omitempty"`
	DiscardedChangeIDs []string                 `json:"discarded_change_ids,omitempty"`
	MergedEntity       map[string]any           `json:"merged_entity,omitempty"`
	MergeAlgorithm     string                   `json:"merge_algorithm,omitempty"`
	ConfidenceScore    float64                  `json:"confidence_score,omitempty"`
	Manual             *ManualResolutionRequest `json:"manual,omitempty"`
}

// Info is the tracked record of one detected conflict. It lives in the
// engine's active set until resolved, then moves to the resolved set;
// it is never silently dropped.
type Info struct {
	ConflictID string              `json:"conflict_id"`
	EntityType string              `json:"entity_type"`
	EntityID   string              `json:"entity_id"`
	ProjectID  string              `json:"project_id"`
	Changes    []ConflictingChange `json:"conflicting_changes"`
	Type       ConflictType        `json:"conflict_type"`
	DetectedAt time.Time           `json:"detected_at"`

	ResolutionStrategy Strategy          `json:"resolution_strategy,omitempty"`
	ResolvedAt         *time.Time        `json:"resolved_at,omitempty"`
	ResolvedBy         string            `json:"resolved_by,omitempty"`
	ResolutionResult   *ResolutionResult `json:"resolution_result,omitempty"`
}

// clone returns an independent copy that is safe to read outside the
// engine's lock while Resolve mutates the tracked record.
func (i *Info) clone() *Info {
	dup := *i
	dup.Changes = append([]ConflictingChange(nil), i.Changes...)
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		dup.ResolvedAt = &t
	}
	if i.ResolutionResult != nil {
		r := *i.ResolutionResult
		dup.ResolutionResult = &r
	}
	return &dup
}

// EntityKey returns the composite history key for the conflicted entity.
func (i *Info) EntityKey() string {
	return i.EntityType + ":" + i.EntityID
}

// Resolved reports whether the conflict carries a resolution.
func (i *Info) Resolved() bool {
	return i.ResolvedAt != nil
}

// Contributors returns the distinct client ids among the conflicting
// changes.
func (i *Info) Contributors() []string {
	seen := make(map[string]bool, len(i.Changes))
	var out []string
	for _, cc := range i.Changes {
		id := cc.Change.Metadata.ClientID
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Recommend returns the suggested strategy for a conflict: version
// conflicts favor the newest writer, small content conflicts can merge,
// and everything else goes to a human.
func Recommend(conflictType ConflictType, contributorCount int) Strategy {
	switch conflictType {
	case VersionConflict:
		return LastWriterWins
	case ContentConflict:
		if contributorCount <= 2 {
			return AutoMerge
		}
		return ManualResolution
	case SemanticConflict, DependencyConflict:
		return ManualResolution
	default:
		return ManualResolution
	}
}
