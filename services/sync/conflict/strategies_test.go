package conflict

import (
	"errors"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianSync/services/sync/datatypes"
)

func contentConflict(changes ...ConflictingChange) *Info {
	return &Info{
		ConflictID: "cf-1",
		EntityType: "business_rule",
		EntityID:   "rule-1",
		ProjectID:  "P1",
		Type:       ContentConflict,
		Changes:    changes,
	}
}

func contributor(clientID string, ts time.Time, entity map[string]any) ConflictingChange {
	return ConflictingChange{
		ChangeID: "c-" + clientID,
		Change: datatypes.ContextChange{
			ChangeID:   "c-" + clientID,
			FullEntity: entity,
			Metadata:   datatypes.ChangeMetadata{ClientID: clientID, Timestamp: ts},
		},
	}
}

func TestLastWriterWins_NewestTimestampWins(t *testing.T) {
	now := time.Now()
	info := contentConflict(
		contributor("a", now, map[string]any{"name": "old"}),
		contributor("b", now.Add(time.Minute), map[string]any{"name": "new"}),
	)

	result, err := applyStrategy(LastWriterWins, info, nil)
	if err != nil {
		t.Fatalf("applyStrategy() error = %v", err)
	}
	if result.SelectedChangeID != "c-b" {
		t.Fatalf("SelectedChangeID = %s, want c-b", result.SelectedChangeID)
	}
	if len(result.DiscardedChangeIDs) != 1 || result.DiscardedChangeIDs[0] != "c-a" {
		t.Fatalf("DiscardedChangeIDs = %v, want [c-a]", result.DiscardedChangeIDs)
	}
	if result.MergedEntity["name"] != "new" {
		t.Fatalf("MergedEntity = %v, want newest snapshot", result.MergedEntity)
	}
}

func TestAutoMerge_NotApplicable(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name string
		info *Info
	}{
		{
			name: "version conflict",
			info: &Info{
				Type: VersionConflict,
				Changes: []ConflictingChange{
					contributor("a", now, map[string]any{"x": 1}),
				},
			},
		},
		{
			name: "too many contributors",
			info: contentConflict(
				contributor("a", now, map[string]any{"x": 1}),
				contributor("b", now, map[string]any{"y": 2}),
				contributor("c", now, map[string]any{"z": 3}),
			),
		},
		{
			name: "missing snapshot",
			info: contentConflict(
				contributor("a", now, map[string]any{"x": 1}),
				contributor("b", now, nil),
			),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := applyStrategy(AutoMerge, tt.info, nil)
			if !errors.Is(err, ErrStrategyNotApplicable) {
				t.Fatalf("error = %v, want ErrStrategyNotApplicable", err)
			}
		})
	}
}

func TestReject_DiscardsEverything(t *testing.T) {
	now := time.Now()
	info := contentConflict(
		contributor("a", now, nil),
		contributor("b", now, nil),
	)

	result, err := applyStrategy(Reject, info, nil)
	if err != nil {
		t.Fatalf("applyStrategy() error = %v", err)
	}
	if len(result.DiscardedChangeIDs) != 2 {
		t.Fatalf("DiscardedChangeIDs = %v, want both changes", result.DiscardedChangeIDs)
	}
	if result.MergedEntity != nil {
		t.Fatal("Reject must not produce a merged entity")
	}
}

func TestManual_RequiresRequest(t *testing.T) {
	info := contentConflict(contributor("a", time.Now(), nil))

	if _, err := applyStrategy(ManualResolution, info, nil); !errors.Is(err, ErrManualRequestRequired) {
		t.Fatalf("error = %v, want ErrManualRequestRequired", err)
	}

	mismatched := &ManualResolutionRequest{ConflictID: "other", ResolvedBy: "u"}
	if _, err := applyStrategy(ManualResolution, info, mismatched); err == nil {
		t.Fatal("mismatched conflict id must be rejected")
	}
}

func TestApplyStrategy_UnknownStrategy(t *testing.T) {
	info := contentConflict(contributor("a", time.Now(), nil))
	if _, err := applyStrategy(Strategy("coin_flip"), info, nil); err == nil {
		t.Fatal("unknown strategy must error")
	}
}

func TestRecommend(t *testing.T) {
	tests := []struct {
		conflictType ConflictType
		contributors int
		want         Strategy
	}{
		{VersionConflict, 2, LastWriterWins},
		{ContentConflict, 2, AutoMerge},
		{ContentConflict, 3, ManualResolution},
		{SemanticConflict, 1, ManualResolution},
		{DependencyConflict, 2, ManualResolution},
	}
	for _, tt := range tests {
		if got := Recommend(tt.conflictType, tt.contributors); got != tt.want {
			t.Errorf("Recommend(%s, %d) = %s, want %s",
				tt.conflictType, tt.contributors, got, tt.want)
		}
	}
}

func TestMergeConfidence_StaysPositive(t *testing.T) {
	if got := mergeConfidence(0, 0); got != 1.0 {
		t.Fatalf("mergeConfidence(0,0) = %v, want 1.0", got)
	}
	if got := mergeConfidence(10, 10); got <= 0 {
		t.Fatalf("mergeConfidence(10,10) = %v, want > 0", got)
	}
}
