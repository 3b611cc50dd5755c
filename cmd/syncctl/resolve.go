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
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianSync/pkg/ux"
	"github.com/AleutianAI/AleutianSync/services/sync/client"
	"github.com/AleutianAI/AleutianSync/services/sync/conflict"
	"github.com/AleutianAI/AleutianSync/services/sync/resolution"
)

var (
	resolveUser string

	resolveCmd = &cobra.Command{
		Use:   "resolve [conflict-id]",
		Short: "Walk a conflict through the guided resolution workflow",
		Args:  cobra.ExactArgs(1),
		RunE:  runResolve,
	}
)

func init() {
	resolveCmd.Flags().StringVar(&resolveUser, "user", os.Getenv("USER"), "User recorded as the resolver")
}

func runResolve(cmd *cobra.Command, args []string) error {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return fmt.Errorf("resolve is interactive and requires a terminal; use 'syncctl conflicts show' and the HTTP API for scripting")
	}
	if resolveUser == "" {
		resolveUser = "operator"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	c := apiClient()
	info, err := c.Conflict(ctx, args[0])
	if err != nil {
		return err
	}
	if info.Resolved() {
		return fmt.Errorf("conflict %s is already resolved by %s", info.ConflictID, info.ResolvedBy)
	}

	printConflict(info)

	session, err := c.StartSession(ctx, info.ConflictID, resolveUser)
	if err != nil {
		return err
	}

	strategy, err := pickStrategy(ctx, c, info)
	if err != nil {
		return cancelOn(ctx, c, session.SessionID, err)
	}

	session, err = c.UpdateSession(ctx, session.SessionID, resolution.StepStrategySelection, nil, strategy)
	if err != nil {
		return cancelOn(ctx, c, session.SessionID, err)
	}

	if strategy == conflict.ManualResolution {
		selections, err := pickFieldValues(info)
		if err != nil {
			return cancelOn(ctx, c, session.SessionID, err)
		}
		session, err = c.UpdateSession(ctx, session.SessionID, resolution.StepManualResolution, selections, strategy)
		if err != nil {
			return cancelOn(ctx, c, session.SessionID, err)
		}
	}

	session, err = c.UpdateSession(ctx, session.SessionID, resolution.StepPreviewConfirmation, nil, strategy)
	if err != nil {
		return cancelOn(ctx, c, session.SessionID, err)
	}

	showPreview(session)

	var confirmed bool
	confirm := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title("Apply this resolution?").
			Affirmative("Apply").
			Negative("Cancel").
			Value(&confirmed),
	))
	if err := confirm.Run(); err != nil || !confirmed {
		if _, cancelErr := c.CancelSession(ctx, session.SessionID); cancelErr != nil {
			ux.Warning("cancel failed: " + cancelErr.Error())
		}
		ux.Muted("resolution cancelled")
		return nil
	}

	var notes string
	noteForm := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Resolution notes (optional)").
			Value(&notes),
	))
	if err := noteForm.Run(); err != nil {
		notes = ""
	}

	result, err := c.CompleteSession(ctx, session.SessionID, notes)
	if err != nil {
		return cancelOn(ctx, c, session.SessionID, err)
	}

	ux.Success(fmt.Sprintf("conflict %s resolved with %s", result.ConflictID, result.ResolutionStrategy))
	return nil
}

// pickStrategy asks the operator for a strategy, defaulting to the
// server's recommendation.
func pickStrategy(ctx context.Context, c *client.Client, info *conflict.Info) (conflict.Strategy, error) {
	recommended, err := c.Recommend(ctx, info.ConflictID)
	if err != nil {
		recommended = ""
	}

	all := []conflict.Strategy{
		conflict.LastWriterWins,
		conflict.AutoMerge,
		conflict.Reject,
		conflict.ManualResolution,
	}

	options := make([]huh.Option[string], 0, len(all))
	for _, s := range all {
		options = append(options, huh.NewOption(ux.StrategyLabel(string(s), s == recommended), string(s)))
	}

	selected := string(recommended)
	if selected == "" {
		selected = string(conflict.LastWriterWins)
	}

	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Resolution strategy").
			Options(options...).
			Value(&selected),
	))
	if err := form.Run(); err != nil {
		return "", err
	}
	return conflict.Strategy(selected), nil
}

// pickFieldValues walks the contested fields and asks which writer's
// value to keep, producing workflow selections keyed "field_<name>".
func pickFieldValues(info *conflict.Info) (map[string]any, error) {
	fields := contestedFields(info)
	if len(fields) == 0 {
		return nil, fmt.Errorf("no contested fields; manual resolution has nothing to pick")
	}

	selections := make(map[string]any, len(fields))
	for _, field := range fields {
		type choice struct {
			label string
			value any
		}
		var choices []choice
		for _, ch := range info.Changes {
			if v, ok := ch.Change.FullEntity[field]; ok {
				choices = append(choices, choice{
					label: fmt.Sprintf("%v (from %s)", v, ch.Change.Metadata.UserID),
					value: v,
				})
			}
		}

		options := make([]huh.Option[int], 0, len(choices))
		for i, ch := range choices {
			options = append(options, huh.NewOption(ch.label, i))
		}

		var picked int
		form := huh.NewForm(huh.NewGroup(
			huh.NewSelect[int]().
				Title("Value for " + field).
				Options(options...).
				Value(&picked),
		))
		if err := form.Run(); err != nil {
			return nil, err
		}
		selections["field_"+field] = choices[picked].value
	}
	return selections, nil
}

// contestedFields returns the fields whose values differ across writers,
// sorted for a stable prompt order.
func contestedFields(info *conflict.Info) []string {
	seen := map[string]any{}
	contested := map[string]bool{}
	for _, ch := range info.Changes {
		for field, v := range ch.Change.FullEntity {
			if prev, ok := seen[field]; ok {
				if fmt.Sprintf("%v", prev) != fmt.Sprintf("%v", v) {
					contested[field] = true
				}
			} else {
				seen[field] = v
			}
		}
	}

	fields := make([]string, 0, len(contested))
	for field := range contested {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

func showPreview(session *resolution.Session) {
	if session.PreviewEntity == nil {
		ux.Box("Preview", "entity will be rejected; no writer is applied")
		return
	}
	pretty, err := json.MarshalIndent(session.PreviewEntity, "", "  ")
	if err != nil {
		pretty = []byte(fmt.Sprintf("%v", session.PreviewEntity))
	}
	ux.Box("Preview", string(pretty))

	for _, finding := range session.Validation {
		ux.Info(fmt.Sprintf("%s %s: %s", ux.SeverityBadge(string(finding.Severity)), finding.Field, finding.Message))
	}
}

func cancelOn(ctx context.Context, c *client.Client, sessionID string, err error) error {
	if _, cancelErr := c.CancelSession(ctx, sessionID); cancelErr != nil {
		ux.Warning("session cancel failed: " + cancelErr.Error())
	}
	return err
}
