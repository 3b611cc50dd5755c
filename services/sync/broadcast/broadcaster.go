// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package broadcast distributes context changes to in-process subscribers.
//
// # Description
//
// The Broadcaster is the write-side fan-out point of the sync service. It
// assigns each change a monotonic per-entity version from the change
// history, fires the change into a shared distribution channel, and falls
// back to durable per-client queues when delivery cannot be completed
// immediately. A background scheduler retries queued entries and prunes
// stale history.
//
// # Thread Safety
//
// All exported types are safe for concurrent use.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianSync/services/sync/datatypes"
	"github.com/AleutianAI/AleutianSync/services/sync/telemetry"
)

// Default channel capacities. The distribution channel absorbs write
// bursts; subscriber channels are smaller since a slow subscriber falls
// back to its durable queue.
const (
	DefaultChannelBuffer    = 256
	DefaultSubscriberBuffer = 64
)

var (
	// ErrNoSubscriber is returned by a retry send when the target client
	// has no live subscription. The entry stays queued until the client
	// returns or the retry ceiling drops it.
	ErrNoSubscriber = errors.New("broadcast: no live subscriber")

	// ErrChannelFull is returned when a subscriber's channel cannot accept
	// the change without blocking.
	ErrChannelFull = errors.New("broadcast: subscriber channel full")

	// ErrAlreadySubscribed is returned by Subscribe for a client id that
	// already holds a live subscription.
	ErrAlreadySubscribed = errors.New("broadcast: client already subscribed")
)

// Config sizes the broadcaster's internal structures.
type Config struct {
	MaxVersionsPerEntity int
	MaxRetries           int
	ChannelBuffer        int
	SubscriberBuffer     int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxVersionsPerEntity: DefaultMaxVersions,
		MaxRetries:           DefaultMaxRetries,
		ChannelBuffer:        DefaultChannelBuffer,
		SubscriberBuffer:     DefaultSubscriberBuffer,
	}
}

// subscriber is one registered change consumer.
type subscriber struct {
	clientID string
	filters  datatypes.SyncFilters
	ch       chan datatypes.ContextChange
}

// Stats is a point-in-time snapshot of broadcaster state.
type Stats struct {
	Subscribers     int `json:"subscribers"`
	TrackedEntities int `json:"tracked_entities"`
	PendingChanges  int `json:"pending_changes"`
}

// Broadcaster owns subscriptions, per-entity change history, and durable
// per-client delivery queues.
//
// # Limitations
//
//   - Version assignment is not atomic: racing updates to the same entity
//     can record duplicate versions (see History.NextVersion).
//   - Delivery into the distribution channel is fire-and-forget; a change
//     counts as notified once the channel accepts it.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[string]*subscriber
	history *History
	queues  *QueueSet
	dist    chan datatypes.ContextChange

	cfg     Config
	metrics *telemetry.Metrics
	log     *slog.Logger

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Broadcaster and starts its dispatch goroutine. metrics may
// be nil when telemetry is disabled. Call Close to stop dispatching.
func New(cfg Config, metrics *telemetry.Metrics, log *slog.Logger) *Broadcaster {
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = DefaultChannelBuffer
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if log == nil {
		log = slog.Default()
	}

	b := &Broadcaster{
		subs:    make(map[string]*subscriber),
		history: NewHistory(cfg.MaxVersionsPerEntity),
		queues:  NewQueueSet(cfg.MaxRetries),
		dist:    make(chan datatypes.ContextChange, cfg.ChannelBuffer),
		cfg:     cfg,
		metrics: metrics,
		log:     log,
		done:    make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe registers a client for changes matching the given filters and
// returns the channel its changes arrive on. The channel is closed on
// Unsubscribe.
func (b *Broadcaster) Subscribe(clientID string, filters datatypes.SyncFilters) (<-chan datatypes.ContextChange, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[clientID]; ok {
		return nil, ErrAlreadySubscribed
	}
	sub := &subscriber{
		clientID: clientID,
		filters:  filters,
		ch:       make(chan datatypes.ContextChange, b.cfg.SubscriberBuffer),
	}
	b.subs[clientID] = sub
	b.log.Debug("client subscribed", "client_id", clientID)
	return sub.ch, nil
}

// Unsubscribe removes a client's subscription and discards its durable
// queue. Unknown client ids are a no-op.
func (b *Broadcaster) Unsubscribe(clientID string) {
	b.mu.Lock()
	sub, ok := b.subs[clientID]
	if ok {
		delete(b.subs, clientID)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	close(sub.ch)
	dropped := b.queues.Remove(clientID)
	b.log.Debug("client unsubscribed", "client_id", clientID, "queued_dropped", dropped)
}

// BroadcastChange versions, records, and distributes a change event.
//
// # Description
//
// The event is translated into an immutable ContextChange (computing the
// field delta for updates), assigned the next version for its entity, and
// appended to history. Delivery is best effort: the change is fired into
// the distribution channel, and if the channel is full it is enqueued to
// every matched client's durable queue instead. The operation never fails
// the caller; the finished ContextChange is returned for inspection.
func (b *Broadcaster) BroadcastChange(ctx context.Context, ev datatypes.ChangeEvent) datatypes.ContextChange {
	change := datatypes.NewContextChange(ev)
	change = change.WithVersion(b.history.NextVersion(change))
	b.history.Append(change)

	matched := b.matchedClients(change)

	if b.metrics != nil {
		b.metrics.ChangesBroadcast.Add(ctx, 1)
		if change.ChangeType == datatypes.ChangeTypeUpdate {
			b.metrics.DeltasComputed.Add(ctx, 1)
		}
	}

	select {
	case b.dist <- change:
		// Fire into the channel: counted as notified once accepted,
		// whether or not a receiver reads it.
		if b.metrics != nil {
			b.metrics.ClientsNotified.Add(ctx, int64(len(matched)))
		}
	default:
		for _, clientID := range matched {
			b.queues.Enqueue(clientID, change)
			if b.metrics != nil {
				b.metrics.QueueDepth.Add(ctx, 1)
			}
		}
		b.log.Warn("distribution channel full, change queued",
			"change_id", change.ChangeID,
			"entity", change.EntityKey(),
			"queued_clients", len(matched),
		)
	}

	b.log.Debug("change broadcast",
		"change_id", change.ChangeID,
		"change_type", string(change.ChangeType),
		"entity", change.EntityKey(),
		"version", change.Metadata.Version,
		"matched_clients", len(matched),
	)
	return change
}

// Ack removes an entry from a client's durable queue.
func (b *Broadcaster) Ack(clientID, messageID string) bool {
	return b.queues.Ack(clientID, messageID)
}

// CurrentVersion returns the highest recorded version for an entity key.
func (b *Broadcaster) CurrentVersion(entityKey string) int64 {
	return b.history.CurrentVersion(entityKey)
}

// RecentChanges returns the retained history for an entity key, newest
// last.
func (b *Broadcaster) RecentChanges(entityKey string) []datatypes.VersionedChange {
	return b.history.Entries(entityKey)
}

// PendingTotal returns the aggregate durable-queue depth.
func (b *Broadcaster) PendingTotal() int {
	return b.queues.PendingTotal()
}

// PendingFor returns the durable-queue depth for one client.
func (b *Broadcaster) PendingFor(clientID string) int {
	return b.queues.Pending(clientID)
}

// Stats returns a snapshot of broadcaster state.
func (b *Broadcaster) Stats() Stats {
	b.mu.RLock()
	subscribers := len(b.subs)
	b.mu.RUnlock()

	return Stats{
		Subscribers:     subscribers,
		TrackedEntities: b.history.Len(),
		PendingChanges:  b.queues.PendingTotal(),
	}
}

// RunRetrySweep performs one redelivery pass over the durable queues.
func (b *Broadcaster) RunRetrySweep(ctx context.Context) SweepResult {
	result := b.queues.Sweep(b.retrySend)

	if b.metrics != nil {
		if result.Retried > 0 {
			b.metrics.DeliveriesRetried.Add(ctx, int64(result.Retried))
		}
		if result.Dropped > 0 {
			b.metrics.DeliveriesFailed.Add(ctx, int64(result.Dropped))
		}
		if result.Delivered > 0 {
			b.metrics.ClientsNotified.Add(ctx, int64(result.Delivered))
		}
		if n := result.Delivered + result.Dropped; n > 0 {
			b.metrics.QueueDepth.Add(ctx, -int64(n))
		}
	}
	if result.Delivered+result.Retried+result.Dropped > 0 {
		b.log.Info("retry sweep complete",
			"delivered", result.Delivered,
			"retried", result.Retried,
			"dropped", result.Dropped,
		)
	}
	return result
}

// RunHistoryPrune drops entities untouched for longer than maxAge and
// returns the number pruned.
func (b *Broadcaster) RunHistoryPrune(ctx context.Context, maxAge time.Duration) int {
	pruned := b.history.Prune(maxAge)
	if pruned > 0 {
		if b.metrics != nil {
			b.metrics.HistoryPruned.Add(ctx, int64(pruned))
		}
		b.log.Info("change history pruned",
			"entities_pruned", pruned,
			"entities_tracked", b.history.Len(),
		)
	}
	return pruned
}

// Close stops the dispatch goroutine. Queued and in-flight changes are
// not drained.
func (b *Broadcaster) Close() {
	b.stopOnce.Do(func() { close(b.done) })
}

// matchedClients returns the ids of subscribers whose filters match.
func (b *Broadcaster) matchedClients(change datatypes.ContextChange) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []string
	for id, sub := range b.subs {
		if sub.filters.Matches(change) {
			matched = append(matched, id)
		}
	}
	return matched
}

// retrySend attempts one queued delivery to a client's live channel.
func (b *Broadcaster) retrySend(clientID string, qc datatypes.QueuedChange) error {
	// The lock is held across the send so Unsubscribe cannot close the
	// channel mid-delivery.
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub, ok := b.subs[clientID]
	if !ok {
		return ErrNoSubscriber
	}
	select {
	case sub.ch <- qc.Change:
		return nil
	default:
		return ErrChannelFull
	}
}

// dispatch drains the distribution channel, fanning each change out to
// matching subscriber channels. A subscriber that cannot accept without
// blocking gets the change on its durable queue instead.
func (b *Broadcaster) dispatch() {
	for {
		select {
		case <-b.done:
			return
		case change := <-b.dist:
			b.mu.RLock()
			for _, sub := range b.subs {
				if !sub.filters.Matches(change) {
					continue
				}
				select {
				case sub.ch <- change:
				default:
					b.queues.Enqueue(sub.clientID, change)
					if b.metrics != nil {
						b.metrics.QueueDepth.Add(context.Background(), 1)
					}
				}
			}
			b.mu.RUnlock()
		}
	}
}
