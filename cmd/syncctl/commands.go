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
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianSync/pkg/ux"
	"github.com/AleutianAI/AleutianSync/services/sync/client"
	"github.com/AleutianAI/AleutianSync/services/sync/conflict"
)

var (
	serverURL   string
	plainOutput bool
	projectID   string

	rootCmd = &cobra.Command{
		Use:   "syncctl",
		Short: "Operator console for the Aleutian sync daemon",
		Long: `syncctl inspects and operates a running syncd instance:
per-project sync health, conflict listings, a live conflict monitor,
and a guided interactive conflict resolution walk.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if plainOutput {
				ux.SetPlainMode(true)
			}
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status [project]",
		Short: "Show sync health for a project",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}

	conflictsCmd = &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect detected conflicts",
	}

	conflictsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List active conflicts",
		RunE:  runConflictsList,
	}

	conflictsShowCmd = &cobra.Command{
		Use:   "show [conflict-id]",
		Short: "Show one conflict in detail",
		Args:  cobra.ExactArgs(1),
		RunE:  runConflictsShow,
	}

	conflictsWatchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Live monitor of active conflicts",
		RunE:  runConflictsWatch,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServerURL(), "syncd base URL")
	rootCmd.PersistentFlags().BoolVar(&plainOutput, "plain", false, "Disable styled output")

	conflictsListCmd.Flags().StringVar(&projectID, "project", "", "Filter by project id")
	conflictsWatchCmd.Flags().StringVar(&projectID, "project", "", "Filter by project id")

	conflictsCmd.AddCommand(conflictsListCmd, conflictsShowCmd, conflictsWatchCmd)
	rootCmd.AddCommand(statusCmd, conflictsCmd, resolveCmd)
}

func defaultServerURL() string {
	if v := os.Getenv("SYNCCTL_SERVER"); v != "" {
		return v
	}
	return "http://localhost:12300"
}

func apiClient() *client.Client {
	return client.New(serverURL)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, err := apiClient().Status(ctx, args[0])
	if err != nil {
		return err
	}

	ux.Title("Sync status: " + args[0])
	ux.KeyValue("health", ux.HealthBadge(status.Status))
	ux.KeyValue("clients", fmt.Sprintf("%d", status.ConnectedClients))
	ux.KeyValue("pending", fmt.Sprintf("%d", status.PendingChanges))
	if status.LastSync != nil {
		ux.KeyValue("last sync", status.LastSync.Local().Format(time.RFC3339))
	} else {
		ux.KeyValue("last sync", "never")
	}
	return nil
}

func runConflictsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	infos, err := apiClient().Conflicts(ctx, projectID)
	if err != nil {
		return err
	}

	if len(infos) == 0 {
		ux.Success("no active conflicts")
		return nil
	}

	ux.Title(fmt.Sprintf("Active conflicts (%d)", len(infos)))
	for _, info := range infos {
		ux.Info(fmt.Sprintf("%s  %s  %s  %d writer(s)",
			info.ConflictID, info.Type, info.EntityKey(), len(info.Changes)))
	}
	return nil
}

func runConflictsShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := apiClient()
	info, err := c.Conflict(ctx, args[0])
	if err != nil {
		return err
	}

	printConflict(info)

	if !info.Resolved() {
		if strategy, err := c.Recommend(ctx, info.ConflictID); err == nil {
			ux.KeyValue("recommended", string(strategy))
		}
	}
	return nil
}

func printConflict(info *conflict.Info) {
	ux.Title("Conflict " + info.ConflictID)
	ux.KeyValue("type", string(info.Type))
	ux.KeyValue("entity", info.EntityKey())
	ux.KeyValue("project", info.ProjectID)
	ux.KeyValue("detected", info.DetectedAt.Local().Format(time.RFC3339))

	for _, ch := range info.Changes {
		ux.Muted(fmt.Sprintf("  writer %s (%s) at %s, base version %d",
			ch.Change.Metadata.UserID,
			ch.Change.Metadata.ClientID,
			ch.Change.Metadata.Timestamp.Local().Format(time.RFC3339),
			ch.BaseVersion))
	}

	if info.Resolved() {
		ux.KeyValue("resolved by", info.ResolvedBy)
		ux.KeyValue("strategy", string(info.ResolutionStrategy))
	}
}
