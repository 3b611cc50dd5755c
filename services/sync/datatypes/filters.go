// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// SyncFilters is a subscription predicate over ContextChanges.
//
// # Description
//
// Each field is an optional allow-list. A nil list is a wildcard: it places
// no constraint on the corresponding change field. A change matches the
// filter iff every non-nil list contains the change's value for that field.
// The zero value therefore matches every change.
//
// Note the nil/empty distinction: an explicitly empty (non-nil) list is a
// present allow-list that contains nothing, so it matches no change. JSON
// round-trips preserve this because empty lists are omitted on encode.
type SyncFilters struct {
	ProjectIDs   []string     `json:"project_ids,omitempty"`
	EntityTypes  []string     `json:"entity_types,omitempty"`
	FeatureAreas []string     `json:"feature_areas,omitempty"`
	ChangeTypes  []ChangeType `json:"change_types,omitempty"`
}

// Matches reports whether the change passes every present allow-list.
func (f SyncFilters) Matches(c ContextChange) bool {
	if f.ProjectIDs != nil && !containsString(f.ProjectIDs, c.ProjectID) {
		return false
	}
	if f.EntityTypes != nil && !containsString(f.EntityTypes, c.EntityType) {
		return false
	}
	if f.FeatureAreas != nil && !containsString(f.FeatureAreas, c.FeatureArea) {
		return false
	}
	if f.ChangeTypes != nil && !containsChangeType(f.ChangeTypes, c.ChangeType) {
		return false
	}
	return true
}

// IsEmpty reports whether the filter has no constraints at all.
func (f SyncFilters) IsEmpty() bool {
	return f.ProjectIDs == nil && f.EntityTypes == nil &&
		f.FeatureAreas == nil && f.ChangeTypes == nil
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsChangeType(list []ChangeType, v ChangeType) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
