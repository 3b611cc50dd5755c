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
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Background Scheduler
// =============================================================================

// SchedulerConfig holds the intervals for the broadcaster's background
// jobs.
//
// # Fields
//
//   - RetryInterval: how often queued deliveries are retried. Default: 5s.
//   - PruneInterval: how often stale history is pruned. Default: 60s.
//   - HistoryMaxAge: inactivity threshold for pruning. Default: 24h.
type SchedulerConfig struct {
	RetryInterval time.Duration
	PruneInterval time.Duration
	HistoryMaxAge time.Duration
}

// DefaultSchedulerConfig returns the production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		RetryInterval: 5 * time.Second,
		PruneInterval: 60 * time.Second,
		HistoryMaxAge: 24 * time.Hour,
	}
}

// Scheduler runs the broadcaster's retry sweep and history prune on fixed
// intervals using the ticker + done channel pattern.
//
// # Thread Safety
//
// All public methods are thread-safe.
type Scheduler struct {
	broadcaster *Broadcaster
	config      SchedulerConfig
	done        chan struct{}
	mu          sync.Mutex
	running     bool
}

// NewScheduler creates a scheduler for the given broadcaster. Zero
// intervals fall back to the defaults.
func NewScheduler(b *Broadcaster, config SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config.RetryInterval <= 0 {
		config.RetryInterval = defaults.RetryInterval
	}
	if config.PruneInterval <= 0 {
		config.PruneInterval = defaults.PruneInterval
	}
	if config.HistoryMaxAge <= 0 {
		config.HistoryMaxAge = defaults.HistoryMaxAge
	}
	return &Scheduler{
		broadcaster: b,
		config:      config,
		done:        make(chan struct{}),
	}
}

// Start begins the background jobs. Returns an error if the scheduler is
// already running. The scheduler stops when Stop is called or the context
// is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	slog.Info("broadcast scheduler starting",
		"retry_interval", s.config.RetryInterval.String(),
		"prune_interval", s.config.PruneInterval.String(),
		"history_max_age", s.config.HistoryMaxAge.String(),
	)

	go s.runLoop(ctx)
	return nil
}

// Stop signals the scheduler to stop. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	slog.Info("broadcast scheduler stopping")
	close(s.done)
	s.running = false
}

func (s *Scheduler) runLoop(ctx context.Context) {
	retryTicker := time.NewTicker(s.config.RetryInterval)
	defer retryTicker.Stop()
	pruneTicker := time.NewTicker(s.config.PruneInterval)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("broadcast scheduler context cancelled")
			s.Stop()
			return
		case <-s.done:
			return
		case <-retryTicker.C:
			s.broadcaster.RunRetrySweep(ctx)
		case <-pruneTicker.C:
			s.broadcaster.RunHistoryPrune(ctx, s.config.HistoryMaxAge)
		}
	}
}
