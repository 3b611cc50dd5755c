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
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianSync/pkg/ux"
	"github.com/AleutianAI/AleutianSync/services/sync/client"
	"github.com/AleutianAI/AleutianSync/services/sync/conflict"
)

const watchPollInterval = 2 * time.Second

type conflictsFetchedMsg struct {
	infos []*conflict.Info
	err   error
}

type watchTickMsg struct{}

// watchModel is the bubbletea model behind "conflicts watch": a polling
// view of active conflicts with single-key quit.
type watchModel struct {
	client    *client.Client
	projectID string

	infos     []*conflict.Info
	fetchErr  error
	fetchedAt time.Time
}

func runConflictsWatch(cmd *cobra.Command, args []string) error {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return fmt.Errorf("watch requires a terminal; use 'syncctl conflicts list' for scripting")
	}

	m := watchModel{client: apiClient(), projectID: projectID}
	p := tea.NewProgram(m, tea.WithOutput(os.Stderr))
	_, err := p.Run()
	return err
}

func (m watchModel) fetch() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	infos, err := m.client.Conflicts(ctx, m.projectID)
	return conflictsFetchedMsg{infos: infos, err: err}
}

func (m watchModel) Init() tea.Cmd {
	return m.fetch
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case conflictsFetchedMsg:
		m.infos = msg.infos
		m.fetchErr = msg.err
		m.fetchedAt = time.Now()
		return m, tea.Tick(watchPollInterval, func(time.Time) tea.Msg {
			return watchTickMsg{}
		})

	case watchTickMsg:
		return m, m.fetch
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder

	scope := "all projects"
	if m.projectID != "" {
		scope = "project " + m.projectID
	}
	b.WriteString(ux.Styles.Title.Render("Conflict monitor — "+scope) + "\n")

	switch {
	case m.fetchErr != nil:
		b.WriteString(ux.Styles.Error.Render("fetch failed: "+m.fetchErr.Error()) + "\n")
	case len(m.infos) == 0:
		b.WriteString(ux.Styles.Success.Render("no active conflicts") + "\n")
	default:
		for _, info := range m.infos {
			b.WriteString(fmt.Sprintf("%s  %s  %s  %d writer(s)\n",
				ux.Styles.Highlight.Render(info.ConflictID),
				info.Type,
				info.EntityKey(),
				len(info.Changes)))
		}
	}

	if !m.fetchedAt.IsZero() {
		b.WriteString(ux.Styles.Muted.Render("updated "+m.fetchedAt.Format("15:04:05")) + "\n")
	}
	b.WriteString(ux.Styles.Muted.Render("q to quit") + "\n")
	return b.String()
}
