// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command syncd runs the Aleutian sync daemon.
//
// The daemon hosts the realtime change synchronization service: websocket
// fan-out of entity changes, durable retry queues for offline clients,
// conflict detection, and the guided resolution workflow.
//
// # Usage
//
//	# Run with built-in defaults
//	go run ./cmd/syncd serve
//
//	# Run against a config file
//	go run ./cmd/syncd serve --config sync.yaml
//
// # Environment Variables
//
//   - ALEUTIAN_SYNC_HOST: bind address (default: 0.0.0.0)
//   - ALEUTIAN_SYNC_PORT: API port (default: 12300)
//   - ALEUTIAN_SYNC_METRICS_PORT: Prometheus port (default: 9464)
//   - ALEUTIAN_SYNC_LOG_LEVEL: debug, info, warn, error (default: info)
//   - ALEUTIAN_SYNC_ARCHIVE_PATH: enables the badger conflict archive
//   - OPENAI_API_KEY: enables the LLM conflict classifier when the
//     classifier is switched on in config
//
// # Example requests
//
//	# Health check
//	curl http://localhost:12300/healthz
//
//	# Per-project sync status
//	curl http://localhost:12300/v1/sync/status/P1
//
//	# Active conflicts
//	curl http://localhost:12300/v1/conflicts?project_id=P1 | jq
package main

import (
	"log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
