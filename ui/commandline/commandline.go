// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for the command line: tables of settings and results,
// and a progress bar for a fixed number of steps.
//
// Parsing of context hyperparameters from flags is done with GoMLX's ui/commandline package.
package commandline

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	headerStyle       = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// newTable returns a table with rounded borders, right-aligned names (first column) and the given
// headers. Empty headers are omitted.
func newTable(headers ...string) *lgtable.Table {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	var nonEmpty []string
	for _, header := range headers {
		if header != "" {
			nonEmpty = append(nonEmpty, header)
		}
	}
	if len(nonEmpty) > 0 {
		table.Headers(nonEmpty...)
	}
	return table
}

// SprintTable pretty-prints rows of (name, value) pairs in a table with the given title.
func SprintTable(title string, rows [][2]string) string {
	table := newTable(title, "")
	for _, row := range rows {
		table.Row(row[0], row[1])
	}
	return table.String()
}

// Row is a convenience to build the rows of SprintTable, formatting the value with fmt.Sprintf.
func Row(name, format string, args ...any) [2]string {
	return [2]string{name, fmt.Sprintf(format, args...)}
}
