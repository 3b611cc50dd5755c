// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the sync operator console.
//
// Styled output is automatically downgraded to plain, line-oriented text
// when stdout is not a terminal, so syncctl stays scriptable.
package ux

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // Bright teal - highlights, healthy
	ColorTealPrimary = lipgloss.Color("#20B9B4") // Primary teal - main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // Deep teal - borders, accents
	ColorSlate       = lipgloss.Color("#2C4A54") // Slate - muted text, borders

	ColorSuccess = lipgloss.Color("#2CD7C7") // Bright teal for success
	ColorWarning = lipgloss.Color("#F4D03F") // Gold/amber for warnings, degraded
	ColorError   = lipgloss.Color("#E74C3C") // Red for errors, unhealthy
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	Box     lipgloss.Style
	WarnBox lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	WarnBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
}

// plainMode is 0 (auto), 1 (forced plain), or 2 (forced styled).
var plainMode atomic.Int32

// SetPlainMode forces plain or styled output regardless of terminal
// detection. Used by the --plain flag and by tests.
func SetPlainMode(plain bool) {
	if plain {
		plainMode.Store(1)
	} else {
		plainMode.Store(2)
	}
}

// Plain reports whether output should skip ANSI styling.
func Plain() bool {
	switch plainMode.Load() {
	case 1:
		return true
	case 2:
		return false
	}
	return !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// Title prints a styled section title.
func Title(text string) {
	if Plain() {
		fmt.Println(text)
		return
	}
	fmt.Println(Styles.Title.Render(text))
}

// Success prints a success message with a checkmark.
func Success(text string) {
	if Plain() {
		fmt.Printf("OK: %s\n", text)
		return
	}
	fmt.Printf("%s %s\n", Styles.Success.Render("✓"), Styles.Success.Render(text))
}

// Warning prints a warning message.
func Warning(text string) {
	if Plain() {
		fmt.Fprintf(os.Stderr, "WARN: %s\n", text)
		return
	}
	fmt.Printf("%s %s\n", Styles.Warning.Render("⚠"), Styles.Warning.Render(text))
}

// Error prints an error message.
func Error(text string) {
	if Plain() {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", text)
		return
	}
	fmt.Printf("%s %s\n", Styles.Error.Render("✗"), Styles.Error.Render(text))
}

// Info prints an informational message.
func Info(text string) {
	if Plain() {
		fmt.Println(text)
		return
	}
	fmt.Printf("%s %s\n", Styles.Muted.Render("│"), text)
}

// Muted prints secondary text.
func Muted(text string) {
	if Plain() {
		fmt.Println(text)
		return
	}
	fmt.Println(Styles.Muted.Render(text))
}

// KeyValue prints an aligned "key: value" line.
func KeyValue(key, value string) {
	if Plain() {
		fmt.Printf("%s=%s\n", key, value)
		return
	}
	fmt.Printf("  %s %s\n", Styles.Muted.Render(fmt.Sprintf("%-14s", key+":")), value)
}

// Box prints content in a rounded box with a title.
func Box(title, content string) {
	if Plain() {
		fmt.Printf("%s:\n%s\n", title, content)
		return
	}
	fmt.Println(Styles.Box.Width(64).Render(Styles.Title.Render(title) + "\n" + content))
}

// HealthBadge renders a sync health classification with its semantic color.
func HealthBadge(status string) string {
	if Plain() {
		return status
	}
	switch status {
	case "healthy":
		return Styles.Success.Render("● " + status)
	case "degraded":
		return Styles.Warning.Render("● " + status)
	case "unhealthy":
		return Styles.Error.Render("● " + status)
	}
	return Styles.Muted.Render("● " + status)
}

// SeverityBadge renders a validation severity marker.
func SeverityBadge(severity string) string {
	if Plain() {
		return strings.ToUpper(severity)
	}
	switch severity {
	case "error":
		return Styles.Error.Render("✗ " + severity)
	case "warning":
		return Styles.Warning.Render("⚠ " + severity)
	}
	return Styles.Muted.Render("○ " + severity)
}

// StrategyLabel renders a resolution strategy, marking the recommended one.
func StrategyLabel(strategy string, recommended bool) string {
	if !recommended {
		return strategy
	}
	if Plain() {
		return strategy + " (recommended)"
	}
	return strategy + " " + Styles.Highlight.Render("(recommended)")
}
