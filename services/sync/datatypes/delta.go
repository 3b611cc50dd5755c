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

import (
	"reflect"
	"strings"
)

// removedPrefix marks a key that was present before the update and absent
// after it. The marker keys are part of the wire format consumed by
// existing clients, so the flat-map shape is deliberate.
const removedPrefix = "removed_"

// Delta is a field-level description of what changed between two entity
// snapshots. Changed or added keys map to their new value; a key removed by
// the update appears as "removed_<key>" -> true. An update where before and
// after are identical produces an empty delta.
type Delta map[string]any

// ComputeDelta diffs two entity snapshots.
//
// Keys present in after with a value different from before (or absent from
// before) are recorded with the after value. Keys present only in before
// are recorded as removed_<key>. Values are compared with deep equality
// because entity payloads are decoded JSON (maps, slices, scalars).
func ComputeDelta(before, after map[string]any) Delta {
	d := Delta{}
	for key, afterVal := range after {
		beforeVal, ok := before[key]
		if !ok || !reflect.DeepEqual(beforeVal, afterVal) {
			d[key] = afterVal
		}
	}
	for key := range before {
		if _, ok := after[key]; !ok {
			d[removedPrefix+key] = true
		}
	}
	return d
}

// IsEmpty reports whether the delta records no changes.
func (d Delta) IsEmpty() bool {
	return len(d) == 0
}

// ChangedFields returns the names of changed or added fields, excluding
// removal markers. Order is unspecified.
func (d Delta) ChangedFields() []string {
	fields := make([]string, 0, len(d))
	for key := range d {
		if !strings.HasPrefix(key, removedPrefix) {
			fields = append(fields, key)
		}
	}
	return fields
}

// RemovedFields returns the names of fields deleted by the update.
func (d Delta) RemovedFields() []string {
	var fields []string
	for key := range d {
		if strings.HasPrefix(key, removedPrefix) {
			fields = append(fields, strings.TrimPrefix(key, removedPrefix))
		}
	}
	return fields
}
