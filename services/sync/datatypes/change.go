// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the shared data model for the sync service.
//
// This file contains the change model: the ContextChange record that every
// mutation of a tracked entity produces, and the internal ChangeEvent that
// the CRUD layer hands to the sync engine. For subscription filters see
// filters.go, for field-level diffs see delta.go, and for the websocket
// wire protocol see protocol.go.
package datatypes

import (
	"time"

	"github.com/google/uuid"
)

// ChangeType categorizes what kind of mutation a change represents.
type ChangeType string

const (
	ChangeTypeCreate ChangeType = "create"
	ChangeTypeUpdate ChangeType = "update"
	ChangeTypeDelete ChangeType = "delete"
	ChangeTypeBulk   ChangeType = "bulk"
)

// validChangeTypes is the set of allowed change types.
var validChangeTypes = map[ChangeType]bool{
	ChangeTypeCreate: true,
	ChangeTypeUpdate: true,
	ChangeTypeDelete: true,
	ChangeTypeBulk:   true,
}

// Valid reports whether the change type is one of the recognized values.
func (t ChangeType) Valid() bool {
	return validChangeTypes[t]
}

// ChangeMetadata carries provenance for a ContextChange.
//
// Version is assigned by the broadcaster when the change is recorded in the
// entity's history; it is zero on an incoming ChangeEvent and strictly
// positive on any broadcast ContextChange.
type ChangeMetadata struct {
	UserID             string    `json:"user_id,omitempty"`
	ClientID           string    `json:"client_id"`
	Timestamp          time.Time `json:"timestamp"`
	Version            int64     `json:"version"`
	ConflictResolution string    `json:"conflict_resolution,omitempty"`
}

// ContextChange is an immutable record of one mutation to a tracked entity.
//
// # Description
//
// ContextChange is the unit of synchronization: the broadcaster fans it out
// to subscribers, the connection manager frames it for websocket clients,
// and the conflict engine compares concurrent instances targeting the same
// entity. Once constructed a ContextChange is never mutated; components
// that need a variant (e.g. a merged entity) build a new one.
//
// # Fields
//
//   - Delta: present only for updates; field-level diff of the mutation.
//   - FullEntity: optional snapshot of the entity after the mutation.
//     Required for conflict resolution strategies that merge entities.
type ContextChange struct {
	ChangeID    string         `json:"change_id"`
	ChangeType  ChangeType     `json:"change_type"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	ProjectID   string         `json:"project_id"`
	FeatureArea string         `json:"feature_area,omitempty"`
	Delta       Delta          `json:"delta,omitempty"`
	FullEntity  map[string]any `json:"full_entity,omitempty"`
	Metadata    ChangeMetadata `json:"metadata"`
}

// EntityKey returns the composite history key for the changed entity.
func (c ContextChange) EntityKey() string {
	return c.EntityType + ":" + c.EntityID
}

// ChangeEvent is the internal mutation notification handed to the sync
// engine by the CRUD layer. It carries the raw before/after payloads so the
// broadcaster can compute deltas and the conflict engine can compare
// snapshots; the broadcaster translates it into a ContextChange.
type ChangeEvent struct {
	ChangeType  ChangeType
	EntityType  string
	EntityID    string
	ProjectID   string
	FeatureArea string

	// Before is the entity snapshot prior to the mutation (updates and
	// deletes). After is the snapshot following it (creates and updates).
	Before map[string]any
	After  map[string]any

	// Entities holds the affected payloads for bulk operations.
	Entities []map[string]any

	ClientID string
	UserID   string
}

// NewContextChange builds the immutable change record for an event.
//
// The version is left at zero; the broadcaster assigns it when the change
// is appended to the entity's history. For updates the delta is computed
// from the event's before/after payloads.
func NewContextChange(ev ChangeEvent) ContextChange {
	c := ContextChange{
		ChangeID:    uuid.New().String(),
		ChangeType:  ev.ChangeType,
		EntityType:  ev.EntityType,
		EntityID:    ev.EntityID,
		ProjectID:   ev.ProjectID,
		FeatureArea: ev.FeatureArea,
		FullEntity:  ev.After,
		Metadata: ChangeMetadata{
			UserID:    ev.UserID,
			ClientID:  ev.ClientID,
			Timestamp: time.Now().UTC(),
		},
	}
	if ev.ChangeType == ChangeTypeUpdate {
		c.Delta = ComputeDelta(ev.Before, ev.After)
	}
	return c
}

// WithVersion returns a copy of the change carrying the assigned version.
// The receiver is not mutated.
func (c ContextChange) WithVersion(version int64) ContextChange {
	c.Metadata.Version = version
	return c
}
