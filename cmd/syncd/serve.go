// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianSync/pkg/logging"
	"github.com/AleutianAI/AleutianSync/services/sync/config"
	"github.com/AleutianAI/AleutianSync/services/sync/conflict"
	"github.com/AleutianAI/AleutianSync/services/sync/engine"
	"github.com/AleutianAI/AleutianSync/services/sync/server"
	badgerstore "github.com/AleutianAI/AleutianSync/services/sync/storage/badger"
	"github.com/AleutianAI/AleutianSync/services/sync/telemetry"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "syncd",
		Short: "Aleutian realtime sync daemon",
		Long: `syncd hosts the realtime change synchronization service:
websocket fan-out of entity changes, durable retry queues for offline
clients, conflict detection, and the guided resolution workflow.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the sync API and metrics servers",
		RunE:  runServe,
	}
)

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config file (optional)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		LogDir:  cfg.LogDir,
		Service: "syncd",
	})
	defer logger.Close()
	log := logger.Logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			log.Warn("telemetry shutdown error", "error", err)
		}
	}()

	metrics, err := telemetry.NewMetrics(otel.Meter("aleutian-sync"))
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	opts, cleanup, err := engineOptions(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	orch := engine.New(cfg.Sync, metrics, log, opts...)
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start sync engine: %w", err)
	}
	defer orch.Stop()

	// Hot reload is intentionally conservative: most fields require a
	// restart, so a change is surfaced rather than silently half-applied.
	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, func(next config.Config) {
				log.Warn("config file changed on disk; restart syncd to apply",
					"path", configPath)
			})
			if err != nil && ctx.Err() == nil {
				log.Warn("config watch disabled", "error", err)
			}
		}()
	}

	log.Info("starting syncd",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"metrics_port", cfg.Server.MetricsPort,
		"archive", cfg.Archive.Enabled,
		"classifier", cfg.Classifier.Enabled,
	)

	return server.New(cfg.Server, orch, log).Run(ctx)
}

// engineOptions assembles the optional conflict archive and classifier.
// The returned cleanup closes the archive store; it is safe to call even
// when no archive is configured.
func engineOptions(cfg config.Config, log *slog.Logger) ([]engine.Option, func(), error) {
	var opts []engine.Option
	cleanup := func() {}

	if cfg.Archive.Enabled {
		store, err := badgerstore.Open(badgerstore.DefaultConfig(cfg.Archive.Path))
		if err != nil {
			return nil, cleanup, fmt.Errorf("open conflict archive: %w", err)
		}
		cleanup = func() {
			if err := store.Close(); err != nil {
				log.Warn("archive close error", "error", err)
			}
		}
		opts = append(opts, engine.WithArchiver(store))
		log.Info("conflict archive enabled", "path", cfg.Archive.Path)
	}

	if cfg.Classifier.Enabled {
		classifier, err := conflict.NewLLMClassifier(cfg.Classifier.Model, cfg.Classifier.BaseURL)
		if err != nil {
			log.Warn("LLM classifier unavailable, using heuristics", "error", err)
			opts = append(opts, engine.WithClassifier(conflict.HeuristicClassifier{}))
		} else {
			log.Info("LLM classifier enabled", "model", cfg.Classifier.Model)
			opts = append(opts, engine.WithClassifier(classifier))
		}
	}

	return opts, cleanup, nil
}
