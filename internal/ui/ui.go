// Package ui renders CLI output for queue and sync commands.
package ui

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/fieldnote/fieldnote/internal/record"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
)

// colorEnabled reports whether styled output should be used: stdout must be
// a terminal that supports at least basic color.
func colorEnabled() bool {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return false
	}
	return termenv.EnvColorProfile() != termenv.Ascii
}

// render applies a style only when color output is enabled.
func render(style lipgloss.Style, s string) string {
	if !colorEnabled() {
		return s
	}
	return style.Render(s)
}

// Title formats a section heading.
func Title(s string) string { return render(titleStyle, s) }

// Success formats a positive outcome.
func Success(s string) string { return render(okStyle, s) }

// Warn formats a degraded outcome.
func Warn(s string) string { return render(warnStyle, s) }

// Error formats a failure.
func Error(s string) string { return render(errStyle, s) }

// Muted formats secondary detail.
func Muted(s string) string { return render(mutedStyle, s) }

// QueueTable renders queued records for `fn queue list`.
func QueueTable(recs []*record.Record) string {
	if len(recs) == 0 {
		return Muted("Queue is empty.") + "\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", Title(fmt.Sprintf("%d pending capture(s)", len(recs))))

	for _, rec := range recs {
		age := time.Since(rec.CreatedAt).Round(time.Second)
		status := render(pendingStyle, "pending")
		if rec.Fields == nil {
			status = Error("corrupted")
		} else if rec.RetryCount > 0 {
			status = Warn(fmt.Sprintf("retrying (%d)", rec.RetryCount))
		}
		fmt.Fprintf(&b, "  %s  %-6s  %-14s  queued %s ago\n",
			Muted(shortID(rec.ID)), rec.Kind, status, age)
	}

	return b.String()
}

// RecordDetail renders one record for `fn queue show`.
func RecordDetail(rec *record.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", Title("Capture"), rec.ID)
	fmt.Fprintf(&b, "  kind:        %s\n", rec.Kind)
	fmt.Fprintf(&b, "  endpoint:    %s\n", rec.Endpoint)
	fmt.Fprintf(&b, "  queued:      %s\n", rec.CreatedAt.Local().Format(time.RFC1123))
	fmt.Fprintf(&b, "  retries:     %d\n", rec.RetryCount)
	if rec.LastAttemptAt != nil {
		fmt.Fprintf(&b, "  last try:    %s\n", rec.LastAttemptAt.Local().Format(time.RFC1123))
	}
	if rec.Fields == nil {
		fmt.Fprintf(&b, "  fields:      %s\n", Error("unreadable (corrupted)"))
		return b.String()
	}
	for _, f := range rec.Fields {
		if f.Attachment != nil {
			fmt.Fprintf(&b, "  field %-10s %s (%s, %d bytes)\n",
				f.Name+":", f.Attachment.Filename, f.Attachment.MediaType, len(f.Attachment.Data))
			continue
		}
		fmt.Fprintf(&b, "  field %-10s %s\n", f.Name+":", truncate(f.Value, 60))
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
