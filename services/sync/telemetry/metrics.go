// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics contains the pre-defined instruments for the sync service.
//
// All instruments use the "sync_" prefix for consistent naming. Components
// record against these rather than creating their own: the broadcaster
// counts fan-out outcomes, the connection manager tracks live connections
// and queue depth, and the conflict engine counts detections/resolutions.
//
// Thread Safety: safe for concurrent use after creation.
type Metrics struct {
	// --- Broadcast Metrics ---

	// ChangesBroadcast counts changes accepted for broadcast by change type.
	ChangesBroadcast metric.Int64Counter

	// ClientsNotified counts per-client delivery attempts that succeeded.
	ClientsNotified metric.Int64Counter

	// DeltasComputed counts field-level deltas computed for updates.
	DeltasComputed metric.Int64Counter

	// DeliveriesFailed counts messages dropped after exhausting retries.
	DeliveriesFailed metric.Int64Counter

	// DeliveriesRetried counts queue retry attempts.
	DeliveriesRetried metric.Int64Counter

	// HistoryPruned counts change-history entries removed by the prune job.
	HistoryPruned metric.Int64Counter

	// --- Connection Metrics ---

	// ConnectionsActive tracks currently registered client connections.
	ConnectionsActive metric.Int64UpDownCounter

	// ConnectionsEvicted counts connections removed by health monitoring.
	ConnectionsEvicted metric.Int64Counter

	// QueueDepth tracks entries currently pending in durable client queues.
	QueueDepth metric.Int64UpDownCounter

	// FramesReceived counts inbound frames by message type.
	FramesReceived metric.Int64Counter

	// --- Conflict Metrics ---

	// ConflictsDetected counts detected conflicts by conflict type.
	ConflictsDetected metric.Int64Counter

	// ConflictsResolved counts resolved conflicts by strategy.
	ConflictsResolved metric.Int64Counter

	// ResolutionDuration records conflict resolution duration in seconds.
	ResolutionDuration metric.Float64Histogram

	// --- Session Metrics ---

	// SessionsActive tracks live resolution workflow sessions.
	SessionsActive metric.Int64UpDownCounter

	// SessionsExpired counts sessions removed by the expiry sweep.
	SessionsExpired metric.Int64Counter
}

// NewMetrics registers all sync instruments with the provided meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ChangesBroadcast, err = meter.Int64Counter(
		"sync_changes_broadcast_total",
		metric.WithDescription("Total changes accepted for broadcast"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sync_changes_broadcast_total: %w", err)
	}

	m.ClientsNotified, err = meter.Int64Counter(
		"sync_clients_notified_total",
		metric.WithDescription("Total successful per-client deliveries"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sync_clients_notified_total: %w", err)
	}

	m.DeltasComputed, err = meter.Int64Counter(
		"sync_deltas_computed_total",
		metric.WithDescription("Total field-level deltas computed"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sync_deltas_computed_total: %w", err)
	}

	m.DeliveriesFailed, err = meter.Int64Counter(
		"sync_deliveries_failed_total",
		metric.WithDescription("Total messages dropped after exhausting retries"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sync_deliveries_failed_total: %w", err)
	}

	m.DeliveriesRetried, err = meter.Int64Counter(
		"sync_deliveries_retried_total",
		metric.WithDescription("Total queue retry attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sync_deliveries_retried_total: %w", err)
	}

	m.HistoryPruned, err = meter.Int64Counter(
		"sync_history_pruned_total",
		metric.WithDescription("Total change-history entries pruned"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sync_history_pruned_total: %w", err)
	}

	m.ConnectionsActive, err = meter.Int64UpDownCounter(
		"sync_connections_active",
		metric.WithDescription("Currently registered client connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sync_connections_active: %w", err)
	}

	m.ConnectionsEvicted, err = meter.Int64Counter(
		"sync_connections_evicted_total",
		metric.WithDescription("Connections evicted by health monitoring"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sync_connections_evicted_total: %w", err)
	}

	m.QueueDepth, err = meter.Int64UpDownCounter(
		"sync_queue_depth",
		metric.WithDescription("Entries pending in durable client queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sync_queue_depth: %w", err)
	}

	m.FramesReceived, err = meter.Int64Counter(
		"sync_frames_received_total",
		metric.WithDescription("Inbound websocket frames by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sync_frames_received_total: %w", err)
	}

	m.ConflictsDetected, err = meter.Int64Counter(
		"sync_conflicts_detected_total",
		metric.WithDescription("Detected conflicts by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sync_conflicts_detected_total: %w", err)
	}

	m.ConflictsResolved, err = meter.Int64Counter(
		"sync_conflicts_resolved_total",
		metric.WithDescription("Resolved conflicts by strategy"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sync_conflicts_resolved_total: %w", err)
	}

	m.ResolutionDuration, err = meter.Float64Histogram(
		"sync_resolution_duration_seconds",
		metric.WithDescription("Conflict resolution duration"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sync_resolution_duration_seconds: %w", err)
	}

	m.SessionsActive, err = meter.Int64UpDownCounter(
		"sync_sessions_active",
		metric.WithDescription("Live resolution workflow sessions"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sync_sessions_active: %w", err)
	}

	m.SessionsExpired, err = meter.Int64Counter(
		"sync_sessions_expired_total",
		metric.WithDescription("Sessions removed by the expiry sweep"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sync_sessions_expired_total: %w", err)
	}

	return m, nil
}
