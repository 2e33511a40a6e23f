// Package output provides styled terminal output helpers (success, error,
// warning, sync summaries) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/marcus/rowsync/internal/models"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	stageStyles  = map[models.Stage]lipgloss.Style{
		models.StageCommitted: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		models.StageFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		models.StageCancelled: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	}
	activeStageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))
)

// Success prints a success message
func Success(format string, args ...interface{}) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...interface{}) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...interface{}) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...interface{}) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// JSON outputs data as JSON
func JSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Error codes for structured JSON output
const (
	ErrCodeInvalidInput   = "invalid_input"
	ErrCodeSchemaMismatch = "schema_mismatch"
	ErrCodePartialSync    = "partial_sync"
	ErrCodeLocked         = "locked"
	ErrCodeUnreachable    = "unreachable"
	ErrCodeSyncFailed     = "sync_failed"
)

// JSONErrorWithDetails outputs an error as JSON with additional context
func JSONErrorWithDetails(code, message string, details map[string]interface{}) {
	errObj := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	if len(details) > 0 {
		errObj["details"] = details
	}
	data, _ := json.MarshalIndent(map[string]interface{}{"error": errObj}, "", "  ")
	fmt.Println(string(data))
}

// FormatStage formats a session stage with color
func FormatStage(s models.Stage) string {
	style, ok := stageStyles[s]
	if !ok {
		style = activeStageStyle
	}
	return style.Render(fmt.Sprintf("[%s]", s))
}

// FormatStats formats apply stats as "3 applied, 1 skipped, 0 conflicts".
func FormatStats(s models.ApplyStats) string {
	return fmt.Sprintf("%s applied, %s skipped, %s",
		humanize.Comma(int64(s.Applied)),
		humanize.Comma(int64(s.Skipped)),
		plural(s.Conflicts, "conflict"))
}

// FormatResult formats the outcome of one session.
func FormatResult(r *models.SyncResult) string {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render(r.ScopeName))
	sb.WriteString(" ")
	sb.WriteString(FormatStage(r.Stage))
	sb.WriteString(subtleStyle.Render(fmt.Sprintf("  %s  %s", ShortID(r.SessionID), FormatDuration(r.Duration))))
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("  up:   %s sent, remote %s\n", plural(r.Uploaded, "row"), FormatStats(r.RemoteApplied)))
	sb.WriteString(fmt.Sprintf("  down: %s received, local %s\n", plural(r.Downloaded, "row"), FormatStats(r.LocalApplied)))

	if tables := tableLines(r); len(tables) > 0 {
		sb.WriteString(strings.Join(IndentLines(tables, 4), "\n"))
		sb.WriteString("\n")
	}
	return sb.String()
}

// tableLines lists per-table counts of both sides, sorted by table name.
func tableLines(r *models.SyncResult) []string {
	names := make(map[string]bool)
	for name := range r.RemoteApplied.Tables {
		names[name] = true
	}
	for name := range r.LocalApplied.Tables {
		names[name] = true
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	lines := make([]string, 0, len(sorted))
	for _, name := range sorted {
		var up, down models.TableStats
		if ts := r.RemoteApplied.Tables[name]; ts != nil {
			up = *ts
		}
		if ts := r.LocalApplied.Tables[name]; ts != nil {
			down = *ts
		}
		line := fmt.Sprintf("%s: %d up, %d down", name, up.Applied, down.Applied)
		if c := up.Conflicts + down.Conflicts; c > 0 {
			line += " " + warningStyle.Render(plural(c, "conflict"))
		}
		lines = append(lines, line)
	}
	return lines
}

// FormatScope formats a scope's bookkeeping for the status command.
func FormatScope(s *models.ScopeInfo) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(s.Name))
	sb.WriteString(subtleStyle.Render("  " + ShortID(s.ID)))
	sb.WriteString("\n")
	last := "never"
	if s.LastSync != nil {
		last = FormatTimeAgo(*s.LastSync) + " (" + FormatDuration(s.LastSyncDuration) + ")"
	}
	sb.WriteString(fmt.Sprintf("  last sync:  %s\n", last))
	sb.WriteString(fmt.Sprintf("  watermarks: local %s, remote %s\n",
		humanize.Comma(s.LastSyncTimestamp), humanize.Comma(s.LastRemoteTimestamp)))
	sb.WriteString(fmt.Sprintf("  schema:     %s\n", ShortID(s.SchemaHash)))
	return sb.String()
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	if time.Since(t) < time.Minute {
		return "just now"
	}
	if time.Since(t) > 7*24*time.Hour {
		return t.Format("2006-01-02")
	}
	return humanize.Time(t)
}

// FormatDuration rounds d for display: milliseconds below a second,
// otherwise tenths of a second.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}

// ShortID shortens a UUID or hash to 8 characters or returns it as-is if shorter
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return humanize.Comma(int64(n)) + " " + noun + "s"
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nSCHEMA DIFF:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}

// IndentLines indents each line by the specified number of spaces
func IndentLines(lines []string, spaces int) []string {
	indent := strings.Repeat(" ", spaces)
	result := make([]string, len(lines))
	for i, line := range lines {
		result[i] = indent + line
	}
	return result
}

// BulletList formats items as a bulleted list with optional indentation
func BulletList(items []string, indent int) []string {
	prefix := strings.Repeat(" ", indent)
	result := make([]string, len(items))
	for i, item := range items {
		result[i] = prefix + "- " + item
	}
	return result
}
