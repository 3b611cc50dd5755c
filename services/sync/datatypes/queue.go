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

import "time"

// VersionedChange is one entry in an entity's change history.
type VersionedChange struct {
	Version   int64         `json:"version"`
	Change    ContextChange `json:"change"`
	Timestamp time.Time     `json:"timestamp"`
}

// QueuedChange is a change awaiting redelivery to a specific client.
// MessageID is what the client acknowledges; RetryCount is advanced by
// the retry sweep until the drop ceiling is reached.
type QueuedChange struct {
	MessageID  string        `json:"message_id"`
	Change     ContextChange `json:"change"`
	QueuedAt   time.Time     `json:"queued_at"`
	RetryCount int           `json:"retry_count"`
}
