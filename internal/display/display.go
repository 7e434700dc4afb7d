// Package display renders the orchestrator's terminal output: a boxed
// run banner, per-task status lines, passthrough of worker process
// output with a distinct gutter, and a categorized end-of-run summary.
package display

import (
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

// Display handles all CLI output with visual hierarchy.
type Display struct {
	theme     *Theme
	termWidth int
	noColor   bool
}

// New creates a Display with color auto-detected.
func New() *Display {
	return NewWithOptions(false)
}

// NewWithOptions creates a Display with explicit --no-color handling.
func NewWithOptions(noColor bool) *Display {
	d := &Display{
		termWidth: getTerminalWidth(),
		noColor:   noColor,
	}
	if noColor {
		d.theme = NoColorTheme()
	} else {
		d.theme = DefaultTheme()
	}
	return d
}

func getTerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width < 40 {
		return 80
	}
	if width > 120 {
		return 120
	}
	return width
}

// Banner prints a boxed message, used for the run-start header.
func (d *Display) Banner(title string, lines ...string) {
	if len(lines) == 0 {
		return
	}
	width := d.termWidth - 2
	titleLen := len(title) + 4
	remainingWidth := width - titleLen
	if remainingWidth < 0 {
		remainingWidth = 0
	}

	topLine := BoxTopLeft + BoxHorizontal + " " + title + " " + strings.Repeat(BoxHorizontal, remainingWidth) + BoxTopRight
	fmt.Println(d.theme.Border(topLine))

	for _, line := range lines {
		paddedLine := d.padRight(line, width-2)
		fmt.Println(d.theme.Border(BoxVertical) + " " + d.theme.Text(paddedLine) + " " + d.theme.Border(BoxVertical))
	}

	bottomLine := BoxBottomLeft + strings.Repeat(BoxHorizontal, width) + BoxBottomRight
	fmt.Println(d.theme.Border(bottomLine))
}

// Status prints a single-line status message, timestamped.
func (d *Display) Status(symbol, message string) {
	timestamp := time.Now().Format("[15:04:05]")
	fmt.Printf("%s %s %s\n", d.theme.Border(timestamp), symbol, d.theme.Text(message))
}

// Success prints a success message with a green checkmark.
func (d *Display) Success(message string) {
	d.Status(d.theme.Success(SymbolSuccess), message)
}

// Error prints an error message with a red X.
func (d *Display) Error(message string) {
	d.Status(d.theme.Error(SymbolError), message)
}

// Warning prints a warning message with a yellow triangle.
func (d *Display) Warning(message string) {
	d.Status(d.theme.Warning(SymbolWarning), message)
}

// Info prints a labeled informational message.
func (d *Display) Info(label, message string) {
	d.Status(d.theme.Info(label+":"), message)
}

// TaskStarted prints a task's transition to in_progress.
func (d *Display) TaskStarted(taskID, description string) {
	d.Status(d.theme.Info(SymbolRunning), fmt.Sprintf("%s %s", taskID, description))
}

// TaskCompleted prints a task's successful completion with duration.
func (d *Display) TaskCompleted(taskID string, dur time.Duration) {
	d.Status(d.theme.Success(SymbolSuccess), fmt.Sprintf("%s completed (%s)", taskID, dur.Round(time.Second)))
}

// TaskFailed prints a task's failure with its error message.
func (d *Display) TaskFailed(taskID, errMsg string) {
	d.Status(d.theme.Error(SymbolError), fmt.Sprintf("%s failed: %s", taskID, errMsg))
}

// TaskSkipped prints a task's skip with its reason.
func (d *Display) TaskSkipped(taskID, reason string) {
	d.Status(d.theme.Dim(SymbolSkipped), fmt.Sprintf("%s skipped: %s", taskID, reason))
}

// wrapText wraps text to maxWidth, returning at most 5 lines.
func (d *Display) wrapText(text string, maxWidth int) []string {
	if maxWidth <= 0 {
		maxWidth = 80
	}
	text = strings.TrimSpace(text)
	if len(text) <= maxWidth {
		return []string{text}
	}

	var lines []string
	words := strings.Fields(text)
	var currentLine strings.Builder
	for _, word := range words {
		if currentLine.Len()+len(word)+1 > maxWidth {
			if currentLine.Len() > 0 {
				lines = append(lines, currentLine.String())
				currentLine.Reset()
			}
		}
		if currentLine.Len() > 0 {
			currentLine.WriteString(" ")
		}
		currentLine.WriteString(word)
	}
	if currentLine.Len() > 0 {
		lines = append(lines, currentLine.String())
	}

	if len(lines) > 5 {
		lines = lines[:5]
		if len(lines[4]) > maxWidth-3 {
			lines[4] = lines[4][:maxWidth-3]
		}
		lines[4] = lines[4] + "..."
	}
	return lines
}

// WorkerOutput prints one line of a worker process's stdout with a
// distinct gutter, separate from orchestrator-level status lines.
func (d *Display) WorkerOutput(taskID, text string) {
	timestamp := time.Now().Format("[15:04:05]")
	lines := d.wrapText(text, d.termWidth-20)
	for i, line := range lines {
		if i == 0 {
			fmt.Printf("  %s %s %s\n", d.theme.WorkerTimestamp(timestamp), d.theme.WorkerTool("["+taskID+"]"), d.theme.WorkerText(line))
		} else {
			fmt.Printf("  %s%s\n", strings.Repeat(" ", 20), d.theme.WorkerText(line))
		}
	}
}

// SectionBreak prints a horizontal separator between batches.
func (d *Display) SectionBreak() {
	fmt.Println(d.theme.Separator(strings.Repeat(SectionBreak, d.termWidth)))
}

// BatchHeader prints a batch banner with progress counts.
func (d *Display) BatchHeader(iteration int, planID string, completed, total int) {
	d.SectionBreak()
	fmt.Printf("Iteration %d: %s (%d/%d tasks done)\n", iteration, d.theme.Info(planID), completed, total)
	d.SectionBreak()
}

// RunSummary is the categorized end-of-run report.
type RunSummary struct {
	Completed   int
	Failed      int
	Skipped     int
	Pending     int
	Duration    time.Duration
	FirstErrors map[string]string // task id -> last_error; printed in no particular order
}

// Summary prints the categorized end-of-run report: counts per category
// plus the first error text for each failed task, so the operator doesn't
// need to open status.json to see what went wrong.
func (d *Display) Summary(planID string, rs RunSummary) {
	fmt.Println()
	if rs.Failed == 0 && rs.Pending == 0 {
		fmt.Printf("%s %s complete: %d tasks (%s)\n", d.theme.Success(SymbolSuccess), planID, rs.Completed, rs.Duration.Round(time.Second))
		return
	}

	fmt.Printf("%s %s finished with issues (%s)\n", d.theme.Warning(SymbolWarning), planID, rs.Duration.Round(time.Second))
	fmt.Printf("   completed: %d, failed: %d, skipped: %d, pending: %d\n", rs.Completed, rs.Failed, rs.Skipped, rs.Pending)

	if len(rs.FirstErrors) > 0 {
		fmt.Println("   errors:")
		for taskID, errMsg := range rs.FirstErrors {
			fmt.Printf("     %s %s: %s\n", d.theme.Error(SymbolError), taskID, errMsg)
		}
	}
}

// MaxIterations prints the max-iterations-reached message.
func (d *Display) MaxIterations(max int) {
	fmt.Printf("\nReached max iterations (%d). Resume with --plan to continue.\n", max)
}

// Theme returns the current theme for external use.
func (d *Display) Theme() *Theme {
	return d.theme
}

func (d *Display) padRight(s string, width int) string {
	if width < 0 {
		width = 0
	}
	if len(s) >= width {
		if width == 0 {
			return ""
		}
		return s[:width]
	}
	return s + strings.Repeat(" ", width-len(s))
}

// Truncate truncates text to max length with an ellipsis.
func Truncate(s string, max int) string {
	s = CleanText(s)
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// CleanText removes newlines and collapses runs of spaces.
func CleanText(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	for strings.Contains(s, "  ") {
		s = strings.ReplaceAll(s, "  ", " ")
	}
	return strings.TrimSpace(s)
}
