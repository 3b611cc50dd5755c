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
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrStrategyNotApplicable is returned when a strategy cannot legally
	// resolve the given conflict (e.g. AutoMerge on a version conflict or
	// with more than two contributors).
	ErrStrategyNotApplicable = errors.New("conflict: strategy not applicable")

	// ErrManualRequestRequired is returned when ManualResolution is
	// applied without a ManualResolutionRequest.
	ErrManualRequestRequired = errors.New("conflict: manual resolution requires a request")
)

// AutoMergeMaxContributors bounds how many distinct writers AutoMerge
// will reconcile. Beyond this the merge is no longer "simple" and routes
// to manual resolution.
const AutoMergeMaxContributors = 2

// applyStrategy dispatches resolution over the closed strategy set. The
// switch is exhaustive: adding a Strategy constant without a case here is
// caught by the unknown-strategy error in tests.
func applyStrategy(strategy Strategy, info *Info, manual *ManualResolutionRequest) (*ResolutionResult, error) {
	switch strategy {
	case LastWriterWins:
		return resolveLastWriterWins(info)
	case AutoMerge:
		return resolveAutoMerge(info)
	case Reject:
		return resolveReject(info)
	case ManualResolution:
		return resolveManual(info, manual)
	default:
		return nil, fmt.Errorf("conflict: unknown strategy %q", strategy)
	}
}

// resolveLastWriterWins selects the contributor with the greatest
// metadata timestamp; all other changes are discarded.
func resolveLastWriterWins(info *Info) (*ResolutionResult, error) {
	if len(info.Changes) == 0 {
		return nil, fmt.Errorf("conflict %s has no contributing changes", info.ConflictID)
	}

	winner := info.Changes[0]
	for _, cc := range info.Changes[1:] {
		if cc.Change.Metadata.Timestamp.After(winner.Change.Metadata.Timestamp) {
			winner = cc
		}
	}

	result := &ResolutionResult{
		Strategy:         LastWriterWins,
		SelectedChangeID: winner.ChangeID,
		MergedEntity:     winner.Change.FullEntity,
	}
	for _, cc := range info.Changes {
		if cc.ChangeID != winner.ChangeID {
			result.DiscardedChangeIDs = append(result.DiscardedChangeIDs, cc.ChangeID)
		}
	}
	return result, nil
}

// resolveAutoMerge overlays contributor snapshots field by field, oldest
// writer first, so the newest writer wins each contested field. Legal only
// for content conflicts with at most AutoMergeMaxContributors writers that
// all carry full-entity snapshots.
func resolveAutoMerge(info *Info) (*ResolutionResult, error) {
	if info.Type != ContentConflict {
		return nil, fmt.Errorf("%w: auto merge requires a content conflict, got %s",
			ErrStrategyNotApplicable, info.Type)
	}
	if n := len(info.Contributors()); n > AutoMergeMaxContributors {
		return nil, fmt.Errorf("%w: auto merge supports at most %d contributors, got %d",
			ErrStrategyNotApplicable, AutoMergeMaxContributors, n)
	}
	for _, cc := range info.Changes {
		if cc.Change.FullEntity == nil {
			return nil, fmt.Errorf("%w: change %s has no full entity snapshot",
				ErrStrategyNotApplicable, cc.ChangeID)
		}
	}

	ordered := make([]ConflictingChange, len(info.Changes))
	copy(ordered, info.Changes)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Change.Metadata.Timestamp.Before(ordered[j].Change.Metadata.Timestamp)
	})

	merged := make(map[string]any)
	contested := 0
	total := 0
	for _, cc := range ordered {
		for field, value := range cc.Change.FullEntity {
			if prev, ok := merged[field]; ok {
				total++
				if fmt.Sprintf("%v", prev) != fmt.Sprintf("%v", value) {
					contested++
				}
			} else {
				total++
			}
			merged[field] = value
		}
	}

	return &ResolutionResult{
		Strategy:        AutoMerge,
		MergedEntity:    merged,
		MergeAlgorithm:  MergeAlgorithmSimpleFieldMerge,
		ConfidenceScore: mergeConfidence(contested, total),
	}, nil
}

// mergeConfidence maps the share of contested fields to a score in (0,1].
// A fully clean merge scores 1.0; each contested field reduces confidence
// proportionally, floored so the score stays positive.
func mergeConfidence(contested, total int) float64 {
	if total == 0 {
		return 1.0
	}
	score := 1.0 - float64(contested)/float64(total)
	if score < 0.1 {
		score = 0.1
	}
	return score
}

// PreviewMerge computes the AutoMerge outcome without resolving the
// conflict. The resolution workflow uses it to populate preview panels.
func PreviewMerge(info *Info) (*ResolutionResult, error) {
	return resolveAutoMerge(info)
}

// resolveReject discards every contributing change, leaving the
// pre-conflict entity state untouched.
func resolveReject(info *Info) (*ResolutionResult, error) {
	result := &ResolutionResult{Strategy: Reject}
	for _, cc := range info.Changes {
		result.DiscardedChangeIDs = append(result.DiscardedChangeIDs, cc.ChangeID)
	}
	return result, nil
}

// resolveManual records the workflow's request verbatim.
func resolveManual(info *Info, manual *ManualResolutionRequest) (*ResolutionResult, error) {
	if manual == nil {
		return nil, ErrManualRequestRequired
	}
	if manual.ConflictID != "" && manual.ConflictID != info.ConflictID {
		return nil, fmt.Errorf("conflict: request targets %s, resolving %s",
			manual.ConflictID, info.ConflictID)
	}
	return &ResolutionResult{
		Strategy:     ManualResolution,
		MergedEntity: manual.ResolvedEntity,
		Manual:       manual,
	}, nil
}
