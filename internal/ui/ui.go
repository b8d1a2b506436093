// Package ui renders mixctl's terminal output: a small color palette and
// table helper, ported from getployz-ployz's cmd/ployz/ui/ui.go and
// re-themed around connection states instead of mesh-phase colors.
package ui

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"mixvpn"
)

// ErrCancelled is returned by Confirm when the user declines.
var ErrCancelled = errors.New("cancelled")

var (
	purple = lipgloss.Color("99")
	green  = lipgloss.Color("76")
	red    = lipgloss.Color("204")
	yellow = lipgloss.Color("214")
	dim    = lipgloss.Color("243")
	faint  = lipgloss.Color("238")
)

var (
	AccentStyle  = lipgloss.NewStyle().Foreground(purple)
	SuccessStyle = lipgloss.NewStyle().Foreground(green)
	ErrorStyle   = lipgloss.NewStyle().Foreground(red)
	WarnStyle    = lipgloss.NewStyle().Foreground(yellow)
	MutedStyle   = lipgloss.NewStyle().Foreground(dim)
	LabelStyle   = lipgloss.NewStyle().Foreground(dim)
	BoldStyle    = lipgloss.NewStyle().Bold(true)
)

func Accent(s string) string { return AccentStyle.Render(s) }
func Bold(s string) string   { return BoldStyle.Render(s) }
func Muted(s string) string  { return MutedStyle.Render(s) }

func SuccessMsg(format string, a ...any) string {
	return SuccessStyle.Render("✓") + " " + fmt.Sprintf(format, a...)
}

func ErrorMsg(format string, a ...any) string {
	return ErrorStyle.Render("✗") + " " + fmt.Sprintf(format, a...)
}

func InfoMsg(format string, a ...any) string {
	return AccentStyle.Render("●") + " " + fmt.Sprintf(format, a...)
}

// StateStyle returns the style used to render an engine state's kind:
// green once Connected, yellow while in flight, red once Failed, dim
// otherwise.
func StateStyle(kind mixvpn.EngineStateKind) lipgloss.Style {
	switch kind {
	case mixvpn.StateConnected:
		return SuccessStyle
	case mixvpn.StateFailed:
		return ErrorStyle
	case mixvpn.StateDialing, mixvpn.StateBridging, mixvpn.StateVerifying, mixvpn.StateDisconnecting:
		return WarnStyle
	default:
		return MutedStyle
	}
}

// State renders an engine state's Kind with its status color.
func State(kind mixvpn.EngineStateKind) string {
	return StateStyle(kind).Render(kind.String())
}

// Pair is a key/value row for KeyValues.
type Pair struct {
	Key   string
	Value string
}

// KV constructs a Pair.
func KV(key, value string) Pair { return Pair{Key: key, Value: value} }

// KeyValues renders aligned "key:  value" lines.
func KeyValues(indent string, pairs ...Pair) string {
	maxLen := 0
	for _, p := range pairs {
		if len(p.Key) > maxLen {
			maxLen = len(p.Key)
		}
	}

	var sb strings.Builder
	for _, p := range pairs {
		label := fmt.Sprintf("%-*s", maxLen+1, p.Key+":")
		sb.WriteString(indent + LabelStyle.Render(label) + " " + p.Value + "\n")
	}
	return sb.String()
}

// Confirm asks a yes/no question on r/w, defaulting to no on a bare Enter.
// mixctl's prompts are too rare to justify a bubbletea dependency for an
// interactive widget; a plain line-read matches the confirm prompts ployz
// itself falls back to when run without a TTY.
func Confirm(w io.Writer, r io.Reader, question string) (bool, error) {
	fmt.Fprintf(w, "%s [y/N]: ", question)

	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("read confirmation: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// Table renders a styled table with rounded borders.
func Table(headers []string, rows [][]string) string {
	headerStyle := lipgloss.NewStyle().Foreground(purple).Bold(true).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	oddStyle := cellStyle.Foreground(dim)
	evenStyle := cellStyle

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(faint)).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row%2 == 0:
				return evenStyle
			default:
				return oddStyle
			}
		}).
		Headers(headers...).
		Rows(rows...)

	return t.String()
}
