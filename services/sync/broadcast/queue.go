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
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianSync/services/sync/datatypes"
)

// DefaultMaxRetries is the redelivery ceiling before a queued change is
// dropped and counted as a failed delivery.
const DefaultMaxRetries = 5

// SendFunc attempts one delivery of a queued change to a client. A nil
// error removes the entry from the queue.
type SendFunc func(clientID string, qc datatypes.QueuedChange) error

// SweepResult summarizes one retry pass over the durable queues.
type SweepResult struct {
	Delivered int
	Retried   int
	Dropped   int
}

// QueueSet holds the durable per-client delivery queues.
//
// # Thread Safety
//
// QueueSet is safe for concurrent use. Sweep holds the lock for the whole
// pass, so SendFunc implementations must not call back into the set.
type QueueSet struct {
	mu         sync.Mutex
	queues     map[string][]datatypes.QueuedChange
	maxRetries int
}

// NewQueueSet creates an empty queue set with the given retry ceiling.
// Non-positive maxRetries falls back to DefaultMaxRetries.
func NewQueueSet(maxRetries int) *QueueSet {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &QueueSet{
		queues:     make(map[string][]datatypes.QueuedChange),
		maxRetries: maxRetries,
	}
}

// Enqueue appends a change to a client's queue and returns the message id
// the client must acknowledge.
func (q *QueueSet) Enqueue(clientID string, change datatypes.ContextChange) string {
	qc := datatypes.QueuedChange{
		MessageID: uuid.New().String(),
		Change:    change,
		QueuedAt:  time.Now().UTC(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[clientID] = append(q.queues[clientID], qc)
	return qc.MessageID
}

// Ack removes the entry with the given message id from a client's queue.
// It reports whether an entry was removed.
func (q *QueueSet) Ack(clientID, messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue, ok := q.queues[clientID]
	if !ok {
		return false
	}
	for i, qc := range queue {
		if qc.MessageID == messageID {
			q.queues[clientID] = append(queue[:i:i], queue[i+1:]...)
			if len(q.queues[clientID]) == 0 {
				delete(q.queues, clientID)
			}
			return true
		}
	}
	return false
}

// Remove drops a client's entire queue, returning the number of entries
// discarded. Used when a client is evicted or unsubscribes.
func (q *QueueSet) Remove(clientID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.queues[clientID])
	delete(q.queues, clientID)
	return n
}

// Pending returns the queue depth for one client.
func (q *QueueSet) Pending(clientID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[clientID])
}

// PendingTotal returns the aggregate depth across all queues.
func (q *QueueSet) PendingTotal() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := 0
	for _, queue := range q.queues {
		total += len(queue)
	}
	return total
}

// Sweep attempts redelivery of every queued entry. Successful sends are
// removed; failed sends increment the entry's retry count, and entries
// past the ceiling are dropped.
func (q *QueueSet) Sweep(send SendFunc) SweepResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	var result SweepResult
	for clientID, queue := range q.queues {
		remaining := queue[:0]
		for _, qc := range queue {
			if err := send(clientID, qc); err == nil {
				result.Delivered++
				continue
			}
			qc.RetryCount++
			result.Retried++
			if qc.RetryCount > q.maxRetries {
				result.Dropped++
				continue
			}
			remaining = append(remaining, qc)
		}
		if len(remaining) == 0 {
			delete(q.queues, clientID)
		} else {
			q.queues[clientID] = remaining
		}
	}
	return result
}
