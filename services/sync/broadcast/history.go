// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package broadcast

import (
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianSync/services/sync/datatypes"
)

// DefaultMaxVersions is the number of history entries retained per entity.
const DefaultMaxVersions = 10

// entityHistory is the append-only change log for one entity key.
type entityHistory struct {
	entries     []datatypes.VersionedChange
	lastUpdated time.Time
}

// History tracks recent versioned changes per entity.
//
// # Description
//
// History exists to assign monotonic versions to changes and to retain a
// short window of recent mutations for delta and conflict inspection. It
// is keyed by the composite "entity_type:entity_id" string and trimmed to
// the configured number of most recent versions per entity.
//
// # Thread Safety
//
// History is safe for concurrent use. NextVersion and Append are separate
// operations: two racing updates to the same entity can both observe the
// same maximum before either appends, recording duplicate versions.
type History struct {
	mu          sync.RWMutex
	entities    map[string]*entityHistory
	maxVersions int
}

// NewHistory creates an empty history retaining maxVersions entries per
// entity. Non-positive maxVersions falls back to DefaultMaxVersions.
func NewHistory(maxVersions int) *History {
	if maxVersions <= 0 {
		maxVersions = DefaultMaxVersions
	}
	return &History{
		entities:    make(map[string]*entityHistory),
		maxVersions: maxVersions,
	}
}

// NextVersion returns the version the given change should carry: one more
// than the highest version observed for the entity across all history
// entries whose key ends with the entity id.
//
// TODO: match on the full "type:id" key; the raw suffix scan lets an
// entity with id "1" pick up versions recorded for id "21".
func (h *History) NextVersion(change datatypes.ContextChange) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var maxVersion int64
	for key, eh := range h.entities {
		if !strings.HasSuffix(key, change.EntityID) {
			continue
		}
		for _, vc := range eh.entries {
			if vc.Version > maxVersion {
				maxVersion = vc.Version
			}
		}
	}
	return maxVersion + 1
}

// Append records a change that already carries its assigned version,
// trimming the entity's log to the configured retention.
func (h *History) Append(change datatypes.ContextChange) {
	now := time.Now().UTC()

	h.mu.Lock()
	defer h.mu.Unlock()

	key := change.EntityKey()
	eh, ok := h.entities[key]
	if !ok {
		eh = &entityHistory{}
		h.entities[key] = eh
	}
	eh.entries = append(eh.entries, datatypes.VersionedChange{
		Version:   change.Metadata.Version,
		Change:    change,
		Timestamp: now,
	})
	if len(eh.entries) > h.maxVersions {
		eh.entries = eh.entries[len(eh.entries)-h.maxVersions:]
	}
	eh.lastUpdated = now
}

// Entries returns a copy of the recorded log for an entity key.
func (h *History) Entries(entityKey string) []datatypes.VersionedChange {
	h.mu.RLock()
	defer h.mu.RUnlock()

	eh, ok := h.entities[entityKey]
	if !ok {
		return nil
	}
	out := make([]datatypes.VersionedChange, len(eh.entries))
	copy(out, eh.entries)
	return out
}

// CurrentVersion returns the highest version recorded for an entity key,
// or zero when the entity has no history.
func (h *History) CurrentVersion(entityKey string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	eh, ok := h.entities[entityKey]
	if !ok {
		return 0
	}
	var maxVersion int64
	for _, vc := range eh.entries {
		if vc.Version > maxVersion {
			maxVersion = vc.Version
		}
	}
	return maxVersion
}

// Prune drops entities whose last update is older than maxAge and returns
// the number of entities removed.
func (h *History) Prune(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)

	h.mu.Lock()
	defer h.mu.Unlock()

	pruned := 0
	for key, eh := range h.entities {
		if eh.lastUpdated.Before(cutoff) {
			delete(h.entities, key)
			pruned++
		}
	}
	return pruned
}

// Len returns the number of tracked entities.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entities)
}
