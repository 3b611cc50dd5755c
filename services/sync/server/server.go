// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the sync orchestrator over HTTP and websocket.
//
// It owns the gin router, the API and metrics listeners, and the graceful
// shutdown sequence. The orchestrator itself is constructed by the caller
// and passed in; the server only wires it to the network.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianSync/services/sync/config"
	"github.com/AleutianAI/AleutianSync/services/sync/engine"
	"github.com/AleutianAI/AleutianSync/services/sync/telemetry"
)

const shutdownGrace = 10 * time.Second

// Server hosts the sync API and the Prometheus metrics endpoint.
//
// # Description
//
// Server binds two listeners: the API listener (websocket handshake, sync
// status, conflict and resolution routes) and a separate metrics listener
// so scrapes never compete with client traffic. Run blocks until the
// context is cancelled or a listener fails.
//
// # Thread Safety
//
// Run must be called at most once. Router may be called concurrently with
// a running server for read-only inspection in tests.
type Server struct {
	cfg    config.ServerConfig
	orch   *engine.Orchestrator
	router *gin.Engine
	log    *slog.Logger
}

// New builds a Server around an already-constructed orchestrator.
func New(cfg config.ServerConfig, orch *engine.Orchestrator, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("aleutian-sync"))

	SetupRoutes(router, NewHandlers(orch, log))

	return &Server{cfg: cfg, orch: orch, router: router, log: log}
}

// Router returns the configured gin engine for integration tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts the API and metrics listeners and blocks until ctx is
// cancelled or either listener fails. On cancellation both listeners get
// a bounded grace period to drain in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	api := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	if h := telemetry.MetricsHandler(); h != nil {
		metricsMux.Handle("/metrics", h)
	}
	metrics := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("sync API listening", "addr", api.Addr)
		if err := api.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.log.Info("metrics listening", "addr", metrics.Addr)
		if err := metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.log.Info("shutting down sync server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		if err := api.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("api shutdown error", "error", err)
		}
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("metrics shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}
