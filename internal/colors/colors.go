// Package colors provides the terminal styling used by comfyenv
// command output.
//
// Styles degrade to plain text automatically when stdout is not a
// terminal or NO_COLOR is set; lipgloss handles the detection.
package colors

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	styleAdd     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleUpdate  = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	styleRemove  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	stylePending = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleDim     = lipgloss.NewStyle().Faint(true)
	styleBold    = lipgloss.NewStyle().Bold(true)
	styleErr     = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	styleOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	styleHash    = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
)

func Added(text string) string       { return styleAdd.Render(text) }
func Updated(text string) string     { return styleUpdate.Render(text) }
func Removed(text string) string     { return styleRemove.Render(text) }
func Pending(text string) string     { return stylePending.Render(text) }
func Dim(text string) string         { return styleDim.Render(text) }
func Bold(text string) string        { return styleBold.Render(text) }
func Hash(text string) string        { return styleHash.Render(text) }
func ErrorText(text string) string   { return styleErr.Render(text) }
func SuccessText(text string) string { return styleOK.Render(text) }

// OpLine formats one plan operation for listing: a colored one-letter
// marker followed by the description.
func OpLine(kind, description string) string {
	switch kind {
	case "node-add", "model-download", "workflow-import":
		return fmt.Sprintf("  %s  %s", Added("+"), description)
	case "node-update":
		return fmt.Sprintf("  %s  %s", Updated("~"), description)
	case "node-remove":
		return fmt.Sprintf("  %s  %s", Removed("-"), description)
	default:
		return fmt.Sprintf("     %s", description)
	}
}

// StatusMark formats an apply result status.
func StatusMark(status string) string {
	switch status {
	case "success":
		return SuccessText("ok")
	case "failed":
		return ErrorText("failed")
	case "skipped":
		return Dim("skipped")
	default:
		return status
	}
}
