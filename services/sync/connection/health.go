// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Monitor runs the manager's health check and retry sweep on fixed
// intervals using the ticker + done channel pattern.
type Monitor struct {
	manager       *Manager
	interval      time.Duration
	retryInterval time.Duration
	done          chan struct{}
	mu            sync.Mutex
	running       bool
}

// NewMonitor creates a monitor. Non-positive intervals fall back to the
// manager config's health interval and a 5s retry interval.
func NewMonitor(manager *Manager, interval, retryInterval time.Duration) *Monitor {
	if interval <= 0 {
		interval = manager.cfg.HealthCheckInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
	}
	if retryInterval <= 0 {
		retryInterval = 5 * time.Second
	}
	return &Monitor{
		manager:       manager,
		interval:      interval,
		retryInterval: retryInterval,
		done:          make(chan struct{}),
	}
}

// Start begins monitoring. Returns an error if already running.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("monitor is already running")
	}
	m.running = true
	m.done = make(chan struct{})
	m.mu.Unlock()

	slog.Info("connection health monitor starting",
		"health_interval", m.interval.String(),
		"retry_interval", m.retryInterval.String(),
	)
	go m.runLoop(ctx)
	return nil
}

// Stop signals the monitor to stop. Safe to call multiple times.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	slog.Info("connection health monitor stopping")
	close(m.done)
	m.running = false
}

func (m *Monitor) runLoop(ctx context.Context) {
	healthTicker := time.NewTicker(m.interval)
	defer healthTicker.Stop()
	retryTicker := time.NewTicker(m.retryInterval)
	defer retryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Stop()
			return
		case <-m.done:
			return
		case <-healthTicker.C:
			m.manager.RunHealthCheck(ctx)
		case <-retryTicker.C:
			m.manager.RunRetrySweep(ctx)
		}
	}
}
