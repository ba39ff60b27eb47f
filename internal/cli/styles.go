// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// styles.go - Shared styling for kbchat commands.
//
// Colors are disabled for non-TTY output and when NO_COLOR is set.
// FORCE_COLOR overrides detection.

package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

func init() {
	lipgloss.SetColorProfile(GetColorProfile())
}

// =============================================================================
// SHARED STYLES
// =============================================================================

var (
	// TitleStyle is used for command titles and the chat banner.
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")) // Cyan

	// LabelStyle is used for field labels in key/value listings.
	LabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(18)

	ValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	SuccessStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	WarningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	// DimStyle is used for placeholders, hints and secondary details.
	DimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242"))

	SeparatorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	// UserStyle and AssistantStyle label message authors.
	UserStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("75")).
			Bold(true)

	AssistantStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("82")).
			Bold(true)
)

// =============================================================================
// HELPERS
// =============================================================================

// Paint renders s with style only when colors are enabled, so piped output
// never carries escape sequences or padding.
func Paint(style lipgloss.Style, s string) string {
	if !ColorsEnabled() {
		return s
	}
	return style.Render(s)
}

// RenderSeparator renders a horizontal rule. Default width is 60.
func RenderSeparator(width ...int) string {
	w := 60
	if len(width) > 0 && width[0] > 0 {
		w = width[0]
	}
	return Paint(SeparatorStyle, strings.Repeat("─", w))
}

// RenderLabel renders "label value" with the label padded to a column.
func RenderLabel(label, value string) string {
	if !ColorsEnabled() {
		return padRight(label, 18) + value
	}
	return LabelStyle.Render(label) + ValueStyle.Render(value)
}

// RenderStatus renders a one-word status with an appropriate color.
func RenderStatus(status string) string {
	switch strings.ToLower(status) {
	case "ok", "done", "on", "yes":
		return Paint(SuccessStyle, status)
	case "error", "failed", "off":
		return Paint(ErrorStyle, status)
	case "pending", "streaming", "stale":
		return Paint(WarningStyle, status)
	default:
		return Paint(DimStyle, status)
	}
}

// RoleLabel renders a message author label.
func RoleLabel(name string, assistant bool) string {
	if assistant {
		return Paint(AssistantStyle, name)
	}
	return Paint(UserStyle, name)
}
