// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command syncctl is the operator console for the Aleutian sync daemon.
//
// # Usage
//
//	# Per-project sync health
//	syncctl status P1
//
//	# Active conflicts
//	syncctl conflicts list --project P1
//
//	# Live conflict monitor
//	syncctl conflicts watch --project P1
//
//	# Guided conflict resolution (interactive)
//	syncctl resolve <conflict-id>
//
// The server address defaults to http://localhost:12300 and can be set
// with --server or SYNCCTL_SERVER.
package main

import (
	"log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
