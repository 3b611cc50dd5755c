// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine is the composition root of the sync service.
//
// # Description
//
// The Orchestrator wires the broadcaster, connection manager, conflict
// engine, and resolution workflow together, and exposes the operations
// the rest of the system drives the subsystem through: subscribe,
// broadcast, conflict handling, status, and the notify_entity_* boundary
// used by the CRUD layer.
//
// # Thread Safety
//
// Orchestrator is safe for concurrent use.
package engine

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianSync/services/sync/broadcast"
	"github.com/AleutianAI/AleutianSync/services/sync/conflict"
	"github.com/AleutianAI/AleutianSync/services/sync/config"
	"github.com/AleutianAI/AleutianSync/services/sync/connection"
	"github.com/AleutianAI/AleutianSync/services/sync/datatypes"
	"github.com/AleutianAI/AleutianSync/services/sync/resolution"
	"github.com/AleutianAI/AleutianSync/services/sync/telemetry"
)

// Orchestrator composes the sync subsystem.
type Orchestrator struct {
	broadcaster *broadcast.Broadcaster
	connections *connection.Manager
	conflicts   *conflict.Engine
	workflow    *resolution.Workflow

	scheduler *broadcast.Scheduler
	monitor   *connection.Monitor
	sweeper   *resolution.Sweeper

	log *slog.Logger
}

// Option configures the orchestrator.
type Option func(*options)

type options struct {
	archiver   conflict.Archiver
	classifier conflict.Classifier
}

// WithArchiver persists resolved conflicts to the given sink.
func WithArchiver(a conflict.Archiver) Option {
	return func(o *options) { o.archiver = a }
}

// WithClassifier refines conflict classification with the given
// classifier.
func WithClassifier(c conflict.Classifier) Option {
	return func(o *options) { o.classifier = c }
}

// New builds the subsystem from configuration. metrics may be nil.
func New(cfg config.SyncConfig, metrics *telemetry.Metrics, log *slog.Logger, opts ...Option) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	broadcaster := broadcast.New(broadcast.Config{
		MaxVersionsPerEntity: cfg.MaxVersionsPerEntity,
		MaxRetries:           cfg.MaxRetries,
	}, metrics, log)

	connections := connection.NewManager(connection.Config{
		HealthCheckInterval:    cfg.HealthCheckInterval,
		MaxMissedPings:         cfg.MaxMissedPings,
		MaxRetries:             cfg.MaxRetries,
		DegradedQueueThreshold: cfg.DegradedQueueThreshold,
		SendRateLimit:          rate.Limit(cfg.SendRateLimit),
		SendBurst:              int(cfg.SendRateLimit) * 2,
	}, metrics, log)

	var conflictOpts []conflict.Option
	if metrics != nil {
		conflictOpts = append(conflictOpts, conflict.WithMetrics(metrics))
	}
	if o.archiver != nil {
		conflictOpts = append(conflictOpts, conflict.WithArchiver(o.archiver))
	}
	if o.classifier != nil {
		conflictOpts = append(conflictOpts, conflict.WithClassifier(o.classifier))
	}
	conflicts := conflict.NewEngine(broadcaster, log, conflictOpts...)

	workflow := resolution.NewWorkflow(conflicts, metrics, log)

	return &Orchestrator{
		broadcaster: broadcaster,
		connections: connections,
		conflicts:   conflicts,
		workflow:    workflow,
		scheduler: broadcast.NewScheduler(broadcaster, broadcast.SchedulerConfig{
			RetryInterval: cfg.RetryInterval,
			PruneInterval: cfg.HistoryPruneInterval,
			HistoryMaxAge: cfg.HistoryMaxAge,
		}),
		monitor: connection.NewMonitor(connections, cfg.HealthCheckInterval, cfg.RetryInterval),
		sweeper: resolution.NewSweeper(workflow, cfg.SessionSweepInterval),
		log:     log,
	}
}

// Start launches the background jobs: queue retries, history pruning,
// health checks, and session expiry.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.scheduler.Start(ctx); err != nil {
		return err
	}
	if err := o.monitor.Start(ctx); err != nil {
		o.scheduler.Stop()
		return err
	}
	if err := o.sweeper.Start(ctx); err != nil {
		o.scheduler.Stop()
		o.monitor.Stop()
		return err
	}
	o.log.Info("sync engine started")
	return nil
}

// Stop halts the background jobs and the broadcaster's dispatch loop.
func (o *Orchestrator) Stop() {
	o.sweeper.Stop()
	o.monitor.Stop()
	o.scheduler.Stop()
	o.broadcaster.Close()
	o.log.Info("sync engine stopped")
}

// Subscribe registers an in-process consumer and returns its change
// stream. The stream re-checks the filters on receive, so it never
// yields a non-matching change even if subscription state is observed
// late. Cancelling ctx drops the subscription and closes the stream, so
// an abandoned consumer never pins the relay or its broadcaster slot.
func (o *Orchestrator) Subscribe(ctx context.Context, clientID string, filters datatypes.SyncFilters) (<-chan datatypes.ContextChange, error) {
	src, err := o.broadcaster.Subscribe(clientID, filters)
	if err != nil {
		return nil, err
	}

	out := make(chan datatypes.ContextChange, cap(src))
	go func() {
		defer close(out)
		for {
			select {
			case change, ok := <-src:
				if !ok {
					return
				}
				if !filters.Matches(change) {
					continue
				}
				select {
				case out <- change:
				case <-ctx.Done():
					o.broadcaster.Unsubscribe(clientID)
					return
				}
			case <-ctx.Done():
				o.broadcaster.Unsubscribe(clientID)
				return
			}
		}
	}()
	return out, nil
}

// Unsubscribe removes an in-process consumer.
func (o *Orchestrator) Unsubscribe(clientID string) {
	o.broadcaster.Unsubscribe(clientID)
}

// BroadcastChange fans a change event out through both the broadcaster
// and the connection manager. It never fails the caller.
func (o *Orchestrator) BroadcastChange(ctx context.Context, ev datatypes.ChangeEvent) datatypes.ContextChange {
	change := o.broadcaster.BroadcastChange(ctx, ev)
	o.connections.BroadcastChange(ctx, change)
	return change
}

// HandleConflict is the integration seam to the conflict engine: it
// examines an incoming change against its concurrent peers and tracks
// any detected conflict. Returns nil when the change is clean.
func (o *Orchestrator) HandleConflict(ctx context.Context, incoming datatypes.ContextChange, concurrent []datatypes.ContextChange) *conflict.Info {
	return o.conflicts.Detect(ctx, incoming, concurrent)
}

// SyncStatus proxies the project health signal from the connection
// manager.
func (o *Orchestrator) SyncStatus(projectID string) connection.SyncStatus {
	return o.connections.SyncStatus(projectID)
}

// =============================================================================
// Programmatic boundary for the CRUD layer
// =============================================================================

// NotifyEntityCreated broadcasts a creation. Delivery failures are
// absorbed; the call never fails the write path.
func (o *Orchestrator) NotifyEntityCreated(ctx context.Context, entityType, entityID, projectID string, entity map[string]any, clientID, userID, featureArea string) {
	o.BroadcastChange(ctx, datatypes.ChangeEvent{
		ChangeType:  datatypes.ChangeTypeCreate,
		EntityType:  entityType,
		EntityID:    entityID,
		ProjectID:   projectID,
		FeatureArea: featureArea,
		After:       entity,
		ClientID:    clientID,
		UserID:      userID,
	})
}

// NotifyEntityUpdated broadcasts an update, carrying both snapshots so
// the delta and any conflict comparison can be computed.
func (o *Orchestrator) NotifyEntityUpdated(ctx context.Context, entityType, entityID, projectID string, before, after map[string]any, clientID, userID, featureArea string) {
	o.BroadcastChange(ctx, datatypes.ChangeEvent{
		ChangeType:  datatypes.ChangeTypeUpdate,
		EntityType:  entityType,
		EntityID:    entityID,
		ProjectID:   projectID,
		FeatureArea: featureArea,
		Before:      before,
		After:       after,
		ClientID:    clientID,
		UserID:      userID,
	})
}

// NotifyEntityDeleted broadcasts a deletion.
func (o *Orchestrator) NotifyEntityDeleted(ctx context.Context, entityType, entityID, projectID string, before map[string]any, clientID, userID, featureArea string) {
	o.BroadcastChange(ctx, datatypes.ChangeEvent{
		ChangeType:  datatypes.ChangeTypeDelete,
		EntityType:  entityType,
		EntityID:    entityID,
		ProjectID:   projectID,
		FeatureArea: featureArea,
		Before:      before,
		ClientID:    clientID,
		UserID:      userID,
	})
}

// NotifyBulkOperation broadcasts a bulk mutation across entities of one
// type.
func (o *Orchestrator) NotifyBulkOperation(ctx context.Context, entityType, projectID string, entities []map[string]any, clientID, userID, featureArea string) {
	o.BroadcastChange(ctx, datatypes.ChangeEvent{
		ChangeType:  datatypes.ChangeTypeBulk,
		EntityType:  entityType,
		ProjectID:   projectID,
		FeatureArea: featureArea,
		Entities:    entities,
		ClientID:    clientID,
		UserID:      userID,
	})
}

// =============================================================================
// Component accessors for the HTTP layer
// =============================================================================

// Connections returns the connection manager (websocket handler, status).
func (o *Orchestrator) Connections() *connection.Manager { return o.connections }

// Conflicts returns the conflict engine.
func (o *Orchestrator) Conflicts() *conflict.Engine { return o.conflicts }

// Workflow returns the resolution workflow.
func (o *Orchestrator) Workflow() *resolution.Workflow { return o.workflow }

// Broadcaster returns the change broadcaster.
func (o *Orchestrator) Broadcaster() *broadcast.Broadcaster { return o.broadcaster }

// Stats aggregates a point-in-time snapshot for diagnostics.
type Stats struct {
	Broadcast        broadcast.Stats `json:"broadcast"`
	ConnectedClients int             `json:"connected_clients"`
	PendingFrames    int             `json:"pending_frames"`
	ActiveConflicts  int             `json:"active_conflicts"`
	ActiveSessions   int             `json:"active_sessions"`
	CollectedAt      time.Time       `json:"collected_at"`
}

// Stats returns a snapshot across all components.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Broadcast:        o.broadcaster.Stats(),
		ConnectedClients: o.connections.ConnectedClients(),
		PendingFrames:    o.connections.PendingTotal(),
		ActiveConflicts:  len(o.conflicts.ActiveConflicts("")),
		ActiveSessions:   len(o.workflow.ActiveSessions()),
		CollectedAt:      time.Now().UTC(),
	}
}
