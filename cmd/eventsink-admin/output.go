// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	emptyStyle  = lipgloss.NewStyle().Faint(true)
)

const emptyMembers = "(none)"

func memberList(members []string) string {
	if len(members) == 0 {
		return emptyMembers
	}
	return strings.Join(members, ",")
}

// formatRetention prints whole days as "Nd".
func formatRetention(retention time.Duration) string {
	const day = 24 * time.Hour
	if retention%day == 0 {
		return fmt.Sprintf("%dd", retention/day)
	}
	return retention.String()
}

// writeTable pads columns to their widest cell. Styled output bolds
// the header and dims empty member lists; plain output is the same
// table without escape sequences so it stays greppable.
func writeTable(w io.Writer, styled bool, header []string, rows [][]string) error {
	widths := make([]int, len(header))
	for i, cell := range header {
		widths[i] = lipgloss.Width(cell)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	render := func(cells []string, style func(int, string) string) string {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			padded := cell
			if i < len(cells)-1 {
				padded += strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
			}
			parts[i] = style(i, padded)
		}
		return strings.Join(parts, "  ")
	}

	plain := func(_ int, cell string) string { return cell }
	headerCell, rowCell := plain, plain
	if styled {
		headerCell = func(_ int, cell string) string { return headerStyle.Render(cell) }
		rowCell = func(_ int, cell string) string {
			if strings.TrimSpace(cell) == emptyMembers {
				return emptyStyle.Render(cell)
			}
			return cell
		}
	}

	if _, err := fmt.Fprintln(w, render(header, headerCell)); err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := fmt.Fprintln(w, render(row, rowCell)); err != nil {
			return err
		}
	}
	return nil
}
