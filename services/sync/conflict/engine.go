// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conflict detects and resolves concurrent-change conflicts.
//
// # Description
//
// The Engine compares an incoming change against the entity's stored
// version and any concurrent changes to the same entity, classifies the
// result (version, content, semantic, or dependency conflict), and tracks
// it in an active set until a resolution strategy is applied. Strategies
// form a closed set dispatched exhaustively; see strategies.go.
//
// # Thread Safety
//
// Engine is safe for concurrent use.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianSync/services/sync/datatypes"
	"github.com/AleutianAI/AleutianSync/services/sync/telemetry"
)

// ErrConflictNotFound is returned for unknown conflict ids.
var ErrConflictNotFound = errors.New("conflict: not found")

// VersionSource reports the highest version recorded for an entity key.
// The broadcaster's change history satisfies this.
type VersionSource interface {
	CurrentVersion(entityKey string) int64
}

// Archiver persists resolved conflicts. Optional; a nil archiver keeps
// resolutions in memory only.
type Archiver interface {
	Archive(ctx context.Context, info *Info) error
}

// Classifier refines a conflict's classification, typically promoting a
// content conflict to semantic or dependency. Optional.
type Classifier interface {
	Classify(ctx context.Context, info *Info) (ConflictType, error)
}

// Engine tracks active and resolved conflicts.
type Engine struct {
	mu       sync.RWMutex
	active   map[string]*Info
	resolved map[string]*Info

	versions   VersionSource
	archiver   Archiver
	classifier Classifier
	metrics    *telemetry.Metrics
	log        *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithArchiver persists resolved conflicts to the given sink.
func WithArchiver(a Archiver) Option {
	return func(e *Engine) { e.archiver = a }
}

// WithClassifier consults the given classifier during detection.
func WithClassifier(c Classifier) Option {
	return func(e *Engine) { e.classifier = c }
}

// WithMetrics records detection and resolution counters.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an engine backed by the given version source.
func NewEngine(versions VersionSource, log *slog.Logger, opts ...Option) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		active:   make(map[string]*Info),
		resolved: make(map[string]*Info),
		versions: versions,
		log:      log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Detect examines an incoming change against the entity's stored version
// and the set of concurrent changes to the same entity.
//
// # Description
//
// A stale incoming version (not strictly greater than the stored version)
// raises a version conflict; concurrent changes without a version mismatch
// raise a content conflict. When a classifier is configured it may promote
// the classification to semantic or dependency. Returns nil when no
// conflict exists.
//
// # Outputs
//
//   - *Info: the tracked conflict, already added to the active set, or
//     nil when the change is clean.
func (e *Engine) Detect(ctx context.Context, incoming datatypes.ContextChange, concurrent []datatypes.ContextChange) *Info {
	stored := e.versions.CurrentVersion(incoming.EntityKey())

	var conflictType ConflictType
	switch {
	case incoming.Metadata.Version != 0 && incoming.Metadata.Version <= stored:
		conflictType = VersionConflict
	case len(concurrent) > 0:
		conflictType = ContentConflict
	default:
		return nil
	}

	info := &Info{
		ConflictID: uuid.New().String(),
		EntityType: incoming.EntityType,
		EntityID:   incoming.EntityID,
		ProjectID:  incoming.ProjectID,
		Type:       conflictType,
		DetectedAt: time.Now().UTC(),
	}
	info.Changes = append(info.Changes, ConflictingChange{
		ChangeID:    incoming.ChangeID,
		Change:      incoming,
		BaseVersion: incoming.Metadata.Version,
		ClientInfo:  incoming.Metadata.ClientID,
	})
	for _, c := range concurrent {
		info.Changes = append(info.Changes, ConflictingChange{
			ChangeID:    c.ChangeID,
			Change:      c,
			BaseVersion: c.Metadata.Version,
			ClientInfo:  c.Metadata.ClientID,
		})
	}

	if e.classifier != nil {
		refined, err := e.classifier.Classify(ctx, info)
		if err != nil {
			e.log.Warn("conflict classification failed, keeping heuristic type",
				"conflict_id", info.ConflictID, "error", err)
		} else if refined != "" {
			info.Type = refined
		}
	}

	e.mu.Lock()
	e.active[info.ConflictID] = info
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.ConflictsDetected.Add(ctx, 1,
			metric.WithAttributes(attribute.String("conflict_type", string(info.Type))))
	}
	e.log.Info("conflict detected",
		"conflict_id", info.ConflictID,
		"conflict_type", string(info.Type),
		"entity", info.EntityKey(),
		"contributors", len(info.Contributors()),
		"stored_version", stored,
		"incoming_version", incoming.Metadata.Version,
	)
	return info.clone()
}

// Resolve applies a strategy to an active conflict, stamps the resolution
// fields, and moves it to the resolved set. For ManualResolution the
// request is recorded verbatim.
func (e *Engine) Resolve(ctx context.Context, conflictID string, strategy Strategy, manual *ManualResolutionRequest, resolvedBy string) (*Info, error) {
	start := time.Now()

	// The strategy runs on a snapshot so its reads never race a
	// concurrent Resolve's writes to the live record.
	e.mu.RLock()
	live, ok := e.active[conflictID]
	var snapshot *Info
	if ok {
		snapshot = live.clone()
	}
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}

	result, err := applyStrategy(strategy, snapshot, manual)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	e.mu.Lock()
	info, ok := e.active[conflictID]
	if !ok {
		// A concurrent Resolve won the race and already moved it.
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}
	info.ResolutionStrategy = strategy
	info.ResolvedAt = &now
	info.ResolvedBy = resolvedBy
	info.ResolutionResult = result
	delete(e.active, conflictID)
	e.resolved[conflictID] = info
	resolved := info.clone()
	e.mu.Unlock()

	if e.archiver != nil {
		if err := e.archiver.Archive(ctx, resolved); err != nil {
			e.log.Warn("conflict archive failed",
				"conflict_id", conflictID, "error", err)
		}
	}

	if e.metrics != nil {
		attrs := metric.WithAttributes(attribute.String("strategy", string(strategy)))
		e.metrics.ConflictsResolved.Add(ctx, 1, attrs)
		e.metrics.ResolutionDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
	e.log.Info("conflict resolved",
		"conflict_id", conflictID,
		"strategy", string(strategy),
		"resolved_by", resolvedBy,
	)
	return resolved, nil
}

// Recommend returns the suggested strategy for an active conflict.
func (e *Engine) Recommend(conflictID string) (Strategy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	info, ok := e.active[conflictID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}
	return Recommend(info.Type, len(info.Contributors())), nil
}

// Get returns a snapshot of a conflict by id from either the active or
// resolved set. The copy is independent of the tracked record, so
// callers can read it without holding the engine's lock.
func (e *Engine) Get(conflictID string) (*Info, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if info, ok := e.active[conflictID]; ok {
		return info.clone(), nil
	}
	if info, ok := e.resolved[conflictID]; ok {
		return info.clone(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
}

// ActiveConflicts returns snapshots of the unresolved conflicts for a
// project. An empty projectID returns all.
func (e *Engine) ActiveConflicts(projectID string) []*Info {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return filterByProject(e.active, projectID)
}

// ResolvedConflicts returns snapshots of the resolved conflicts for a
// project. An empty projectID returns all.
func (e *Engine) ResolvedConflicts(projectID string) []*Info {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return filterByProject(e.resolved, projectID)
}

func filterByProject(set map[string]*Info, projectID string) []*Info {
	var out []*Info
	for _, info := range set {
		if projectID == "" || info.ProjectID == projectID {
			out = append(out, info.clone())
		}
	}
	return out
}
