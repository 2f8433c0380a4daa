// Package display provides terminal formatting for mosaic output.
package display

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	// Styles
	Muted    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
	Dim      = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ca3af"))
	Bold     = lipgloss.NewStyle().Bold(true)
	Success  = lipgloss.NewStyle().Foreground(lipgloss.Color("#16a34a"))
	ErrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#dc2626"))

	GoodStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#16a34a"))
	OkStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#d97706"))
	BadStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#dc2626"))
)

// QualityLabel renders a 0-100 quality score colored by band.
func QualityLabel(score float64) string {
	label := fmt.Sprintf("%.1f", score)
	switch {
	case score >= 90:
		return GoodStyle.Render(label)
	case score >= 60:
		return OkStyle.Render(label)
	default:
		return BadStyle.Render(label)
	}
}

// Confidence renders a 0-1 confidence as a percentage.
func Confidence(c float64) string {
	label := fmt.Sprintf("%.0f%%", c*100)
	if c >= 0.9 {
		return GoodStyle.Render(label)
	}
	if c >= 0.7 {
		return OkStyle.Render(label)
	}
	return Muted.Render(label)
}

// SeverityLabel renders a parse warning severity.
func SeverityLabel(severity string) string {
	label := fmt.Sprintf("%-7s", strings.ToUpper(severity))
	switch severity {
	case "error":
		return ErrStyle.Render(label)
	case "warning":
		return OkStyle.Render(label)
	default:
		return Muted.Render(label)
	}
}

// TimeAgo formats an ISO date string as a relative time.
func TimeAgo(isoDate string) string {
	if isoDate == "" {
		return ""
	}

	var t time.Time
	var err error
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z", "2006-01-02 15:04:05", time.RFC3339Nano} {
		t, err = time.Parse(layout, isoDate)
		if err == nil {
			break
		}
	}
	if err != nil {
		return isoDate[:min(10, len(isoDate))]
	}

	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return t.Format("Jan 2")
	}
}

// Truncate shortens a string to maxLen, adding ellipsis if needed.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// SuccessMsg prints a green checkmark + message.
func SuccessMsg(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(Success.Render("✓") + " " + msg)
}

// ErrorMsg prints a red cross + message.
func ErrorMsg(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(ErrStyle.Render("✗") + " " + msg)
}
