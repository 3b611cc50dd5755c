package broadcast

import (
	"testing"
	"time"

	"github.com/AleutianAI/AleutianSync/services/sync/datatypes"
)

func historyChange(entityType, entityID string, version int64) datatypes.ContextChange {
	return datatypes.ContextChange{
		ChangeID:   "c-" + entityType + "-" + entityID,
		ChangeType: datatypes.ChangeTypeUpdate,
		EntityType: entityType,
		EntityID:   entityID,
		ProjectID:  "p1",
		Metadata:   datatypes.ChangeMetadata{ClientID: "client-1", Version: version},
	}
}

func TestHistory_VersionAdvancesSequentially(t *testing.T) {
	h := NewHistory(10)

	for want := int64(1); want <= 5; want++ {
		c := historyChange("task", "7", 0)
		got := h.NextVersion(c)
		if got != want {
			t.Fatalf("NextVersion() = %d, want %d", got, want)
		}
		h.Append(c.WithVersion(got))
	}

	if v := h.CurrentVersion("task:7"); v != 5 {
		t.Fatalf("CurrentVersion() = %d, want 5", v)
	}
}

func TestHistory_TrimsToMaxVersions(t *testing.T) {
	h := NewHistory(10)

	for i := int64(1); i <= 15; i++ {
		h.Append(historyChange("task", "7", i))
	}

	entries := h.Entries("task:7")
	if len(entries) != 10 {
		t.Fatalf("len(Entries()) = %d, want 10", len(entries))
	}
	if entries[0].Version != 6 || entries[9].Version != 15 {
		t.Fatalf("retained versions %d..%d, want 6..15",
			entries[0].Version, entries[9].Version)
	}
}

// The version scan matches on raw id suffix, so versions recorded for an
// entity whose id ends with another entity's id leak across. This pins the
// current behavior; see the TODO on NextVersion.
func TestHistory_SuffixScanCrossesEntityIDs(t *testing.T) {
	h := NewHistory(10)
	h.Append(historyChange("task", "21", 4))

	got := h.NextVersion(historyChange("rule", "1", 0))
	if got != 5 {
		t.Fatalf("NextVersion() = %d, want 5 (suffix match on id %q)", got, "1")
	}
}

func TestHistory_SharedIDAcrossEntityTypes(t *testing.T) {
	h := NewHistory(10)
	h.Append(historyChange("task", "9", 3))

	// A different entity type with the same id continues the sequence.
	if got := h.NextVersion(historyChange("rule", "9", 0)); got != 4 {
		t.Fatalf("NextVersion() = %d, want 4", got)
	}
}

func TestHistory_PruneDropsStaleEntities(t *testing.T) {
	h := NewHistory(10)
	h.Append(historyChange("task", "1", 1))
	h.Append(historyChange("task", "2", 1))

	h.mu.Lock()
	h.entities["task:1"].lastUpdated = time.Now().UTC().Add(-25 * time.Hour)
	h.mu.Unlock()

	if pruned := h.Prune(24 * time.Hour); pruned != 1 {
		t.Fatalf("Prune() = %d, want 1", pruned)
	}
	if h.Entries("task:1") != nil {
		t.Fatal("pruned entity still has entries")
	}
	if len(h.Entries("task:2")) != 1 {
		t.Fatal("active entity was pruned")
	}
}
