// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resolution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval is how often expired sessions are removed.
const DefaultSweepInterval = 60 * time.Second

// Sweeper periodically removes expired sessions using the ticker + done
// channel pattern.
type Sweeper struct {
	workflow *Workflow
	interval time.Duration
	done     chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewSweeper creates a sweeper. A non-positive interval uses
// DefaultSweepInterval.
func NewSweeper(workflow *Workflow, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		workflow: workflow,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins the sweep loop. Returns an error if already running.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	slog.Info("session expiry sweeper starting", "interval", s.interval.String())
	go s.runLoop(ctx)
	return nil
}

// Stop signals the sweeper to stop. Safe to call multiple times.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	slog.Info("session expiry sweeper stopping")
	close(s.done)
	s.running = false
}

func (s *Sweeper) runLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.workflow.RunExpirySweep(ctx)
		}
	}
}
