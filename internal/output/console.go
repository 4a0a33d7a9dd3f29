// Package output renders run progress and results: a console view, a JSON
// result document, a Parquet file of raw outcomes and a Prometheus
// endpoint.
package output

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/wesleyorama2/vuload/internal/engine"
	"github.com/wesleyorama2/vuload/internal/metrics"
	"github.com/wesleyorama2/vuload/internal/sampler"
	"github.com/wesleyorama2/vuload/internal/scheduler"
)

// Cursor control
const (
	cursorUp  = "\033[%dA"
	clearLine = "\033[2K"
)

// Box drawing characters
const (
	boxHorizontal  = "━"
	boxVertical    = "│"
	boxTopLeft     = "┌"
	boxTopRight    = "┐"
	boxBottomLeft  = "└"
	boxBottomRight = "┘"

	progressFilled = "█"
	progressEmpty  = "░"
)

// LiveStats contains real-time statistics for display.
type LiveStats struct {
	Progress  float64
	Elapsed   time.Duration
	Remaining time.Duration

	ActiveVUs int
	TargetVUs int

	RPS           float64
	TotalRequests int64
	Errors        int64
	ErrorRate     float64
	Dropped       int64

	LatencyP95 time.Duration
	LatencyP99 time.Duration

	Phase        string
	CurrentStage int // 1-indexed
	TotalStages  int
}

// ConsoleConfig contains configuration for Console.
type ConsoleConfig struct {
	Writer   io.Writer
	Quiet    bool
	NoColor  bool
	ForceTTY bool
}

// Console manages console output during and after a run.
type Console struct {
	writer  io.Writer
	isTTY   bool
	quiet   bool
	noColor bool
	colors  *ColorScheme

	mu          sync.Mutex
	linesOutput int
}

// NewConsole creates a console writer. Live redraws are used only on a
// terminal; otherwise progress is printed one line per update.
func NewConsole(cfg ConsoleConfig) *Console {
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}

	isTTY := cfg.ForceTTY || isTerminal(cfg.Writer)
	noColor := cfg.NoColor || !isTTY || !supportsColors()
	colors := DefaultColorScheme()
	if noColor {
		colors = NoColorScheme()
	}

	return &Console{
		writer:  cfg.Writer,
		isTTY:   isTTY,
		quiet:   cfg.Quiet,
		noColor: noColor,
		colors:  colors,
	}
}

// IsTTY returns whether the output is a terminal.
func (c *Console) IsTTY() bool {
	return c.isTTY
}

// PrintHeader prints the run name, target and ramp profile.
func (c *Console) PrintHeader(name, target string, stages []scheduler.Stage, mode scheduler.RampMode) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	line := strings.Repeat(boxHorizontal, 56)
	c.writeln(c.colors.Border.Sprint(line))
	c.writeln(c.colors.Title.Sprintf("%s - Running", name))
	c.writeln(c.colors.Border.Sprint(line))
	c.writeln(fmt.Sprintf("Target:   %s", c.colors.Value.Sprint(target)))
	c.writeln(fmt.Sprintf("Profile:  %s, %d stages, %s, max %d VUs",
		mode, len(stages), formatDuration(scheduler.TotalDuration(stages)), scheduler.MaxTarget(stages)))
	for i, s := range stages {
		label := s.Name
		if label == "" {
			label = fmt.Sprintf("stage %d", i+1)
		}
		c.writeln(c.colors.Dim.Sprintf("  %-12s %8s -> %d VUs", label, formatDuration(s.Duration), s.Target))
	}
	c.writeln("")
}

// Update redraws the live display in place on a terminal, or prints a
// single status line otherwise.
func (c *Console) Update(stats *LiveStats) {
	if c.quiet || stats == nil {
		return
	}
	if !c.isTTY {
		c.printLine(stats)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.clearLive()
	lines := c.renderLiveStats(stats)
	c.linesOutput = len(lines)
	for _, line := range lines {
		c.writeln(line)
	}
}

// printLine prints a non-interactive status update, used when output is
// piped to a file or CI log.
func (c *Console) printLine(stats *LiveStats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeln(fmt.Sprintf("[%s] %s | VUs: %d/%d | Reqs: %d | RPS: %.1f | Errors: %d (%.1f%%) | P95: %s",
		formatDuration(stats.Elapsed),
		stats.Phase,
		stats.ActiveVUs,
		stats.TargetVUs,
		stats.TotalRequests,
		stats.RPS,
		stats.Errors,
		stats.ErrorRate*100,
		formatDurationShort(stats.LatencyP95)))
}

// clearLive erases the previous live display. Caller holds mu.
func (c *Console) clearLive() {
	if c.linesOutput == 0 {
		return
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	for i := 0; i < c.linesOutput; i++ {
		c.write(clearLine + "\n")
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	c.linesOutput = 0
}

// renderLiveStats renders the live statistics display.
func (c *Console) renderLiveStats(stats *LiveStats) []string {
	var lines []string

	bar := renderProgressBar(stats.Progress, 40)
	lines = append(lines, fmt.Sprintf("Progress: %s %s | %s",
		c.colors.Pass.Sprint(bar),
		c.colors.Title.Sprintf("%.0f%%", stats.Progress*100),
		c.colors.Dim.Sprintf("%s / %s", formatDuration(stats.Elapsed), formatDuration(stats.Elapsed+stats.Remaining))))

	phase := stats.Phase
	if stats.TotalStages > 0 {
		phase = fmt.Sprintf("%s (%d/%d)", stats.Phase, stats.CurrentStage, stats.TotalStages)
	}
	lines = append(lines, fmt.Sprintf("Stage:    %s", c.colors.Phase.Sprint(phase)))
	lines = append(lines, "")

	boxWidth := 55
	lines = append(lines, c.colors.Dim.Sprint(boxTopLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxTopRight))

	lines = append(lines, c.formatBoxRow(
		fmt.Sprintf("VUs:     %s / %d", c.colors.Value.Sprint(stats.ActiveVUs), stats.TargetVUs),
		fmt.Sprintf("Requests:    %s", c.colors.Value.Sprint(formatNumber(stats.TotalRequests))),
		boxWidth))

	errColor := c.colors.rateColor(stats.ErrorRate)
	lines = append(lines, c.formatBoxRow(
		fmt.Sprintf("RPS:     %s", c.colors.Pass.Sprintf("%.1f", stats.RPS)),
		fmt.Sprintf("Errors:      %s (%s)", errColor.Sprint(stats.Errors), errColor.Sprintf("%.1f%%", stats.ErrorRate*100)),
		boxWidth))

	lines = append(lines, c.formatBoxRow(
		fmt.Sprintf("P95:     %s", c.colors.Latency.Sprint(formatDurationShort(stats.LatencyP95))),
		fmt.Sprintf("P99:         %s", c.colors.Latency.Sprint(formatDurationShort(stats.LatencyP99))),
		boxWidth))

	if stats.Dropped > 0 {
		lines = append(lines, c.formatBoxRow(
			fmt.Sprintf("Dropped: %s", c.colors.Warn.Sprint(formatNumber(stats.Dropped))),
			"",
			boxWidth))
	}

	lines = append(lines, c.colors.Dim.Sprint(boxBottomLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxBottomRight))
	return lines
}

// formatBoxRow formats a row inside the stats box with two columns.
func (c *Console) formatBoxRow(left, right string, boxWidth int) string {
	colWidth := (boxWidth - 4) / 2

	leftPadding := max(colWidth-visibleLen(left), 0)
	rightPadding := max(colWidth-visibleLen(right), 0)

	border := c.colors.Dim.Sprint(boxVertical)
	return fmt.Sprintf("%s %s%s%s %s%s %s",
		border, left, strings.Repeat(" ", leftPadding),
		border, right, strings.Repeat(" ", rightPadding),
		border)
}

// PrintSummary prints the final result.
func (c *Console) PrintSummary(result *engine.Result) {
	if result == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.quiet {
		if result.Passed() {
			c.writeln(c.colors.Pass.Sprint("PASSED"))
		} else {
			c.writeln(c.colors.Fail.Sprint("FAILED"))
		}
		return
	}

	if c.isTTY {
		c.clearLive()
	}

	line := strings.Repeat(boxHorizontal, 56)
	status := c.colors.Pass.Sprint("Passed ✓")
	switch {
	case result.AbortedBy != nil:
		status = c.colors.Fail.Sprint("Aborted by threshold ✗")
	case !result.Passed():
		status = c.colors.Fail.Sprint("Failed ✗")
	case result.Aborted:
		status = c.colors.Warn.Sprint("Aborted")
	}

	c.writeln("")
	c.writeln(c.colors.Border.Sprint(line))
	c.writeln(fmt.Sprintf("%s - %s", c.colors.Title.Sprint(result.Name), status))
	c.writeln(c.colors.Border.Sprint(line))
	c.writeln("")

	c.writeln(fmt.Sprintf("Run ID:        %s", result.ID))
	c.writeln(fmt.Sprintf("Duration:      %s", c.colors.Value.Sprint(formatDuration(result.Duration))))
	c.writeln(fmt.Sprintf("State:         %s", c.colors.Phase.Sprint(result.State)))
	if result.Reason != "" {
		c.writeln(fmt.Sprintf("Reason:        %s", result.Reason))
	}
	if result.ForceCancelled > 0 {
		c.writeln(fmt.Sprintf("Force-stopped: %s", c.colors.Warn.Sprintf("%d VUs", result.ForceCancelled)))
	}

	if m := result.Metrics; m != nil {
		c.writeln(fmt.Sprintf("Requests:      %s (%.1f/s)", c.colors.Value.Sprint(formatNumber(m.Requests)), m.RPS))
		successRate := 1.0 - m.ErrorRate
		c.writeln(fmt.Sprintf("Success Rate:  %s", c.colors.rateColor(m.ErrorRate).Sprintf("%.1f%%", successRate*100)))
		if m.Dropped > 0 {
			c.writeln(fmt.Sprintf("Dropped:       %s", c.colors.Warn.Sprint(formatNumber(m.Dropped))))
		}
		if total := m.ChecksPassed + m.ChecksFailed; total > 0 {
			c.writeln(fmt.Sprintf("Checks:        %d/%d (%.1f%%)", m.ChecksPassed, total, m.ChecksRate()*100))
		}
		c.writeln("")

		c.writeln(c.colors.Label.Sprint("Latency Distribution:"))
		c.writeln(fmt.Sprintf("  Min:       %s", formatDurationShort(m.Latency.Min)))
		c.writeln(fmt.Sprintf("  Avg:       %s", formatDurationShort(m.Latency.Mean)))
		c.writeln(fmt.Sprintf("  P50:       %s", formatDurationShort(m.Latency.P50)))
		c.writeln(fmt.Sprintf("  P90:       %s", formatDurationShort(m.Latency.P90)))
		c.writeln(fmt.Sprintf("  P95:       %s", formatDurationShort(m.Latency.P95)))
		c.writeln(fmt.Sprintf("  P99:       %s", formatDurationShort(m.Latency.P99)))
		c.writeln(fmt.Sprintf("  Max:       %s", formatDurationShort(m.Latency.Max)))
		c.writeln("")

		if len(m.Failures) > 0 {
			c.writeln(c.colors.Label.Sprint("Failures:"))
			kinds := make([]sampler.FailureKind, 0, len(m.Failures))
			for k := range m.Failures {
				kinds = append(kinds, k)
			}
			slices.Sort(kinds)
			for _, k := range kinds {
				c.writeln(fmt.Sprintf("  %-20s %d", k, m.Failures[k]))
			}
			c.writeln("")
		}
	}

	if len(result.Verdict.Results) > 0 {
		c.writeln(c.colors.Label.Sprint("Thresholds:"))
		for _, r := range result.Verdict.Results {
			icon := SuccessIcon(c.noColor)
			switch {
			case !r.Passed && !r.Threshold.Required:
				icon = WarningIcon(c.noColor)
			case !r.Passed:
				icon = ErrorIcon(c.noColor)
			}
			c.writeln(fmt.Sprintf("  %s %s (actual: %s)", icon, r.Threshold.String(), r.Threshold.FormatValue(r.Actual)))
		}
		c.writeln("")
	}
}

// write writes to the output without a newline.
func (c *Console) write(s string) {
	fmt.Fprint(c.writer, s)
}

// writeln writes to the output with a newline.
func (c *Console) writeln(s string) {
	fmt.Fprintln(c.writer, s)
}

// StatsFromSnapshot builds the live display for a snapshot taken at elapsed
// into a run with the given stages.
func StatsFromSnapshot(snap *metrics.Snapshot, stages []scheduler.Stage, mode scheduler.RampMode) *LiveStats {
	total := scheduler.TotalDuration(stages)
	if snap == nil {
		return &LiveStats{Phase: scheduler.StateIdle.String(), TotalStages: len(stages)}
	}

	elapsed := snap.Elapsed
	progress := snap.Progress
	if progress <= 0 {
		progress = 1.0
		if total > 0 && elapsed < total {
			progress = float64(elapsed) / float64(total)
		}
	}
	remaining := max(total-elapsed, 0)

	idx, _, _ := scheduler.StageAt(stages, elapsed)

	return &LiveStats{
		Progress:      progress,
		Elapsed:       elapsed,
		Remaining:     remaining,
		ActiveVUs:     snap.ActiveVUs,
		TargetVUs:     scheduler.DesiredAt(stages, mode, elapsed),
		RPS:           snap.RPS,
		TotalRequests: snap.Requests,
		Errors:        snap.Failed,
		ErrorRate:     snap.ErrorRate,
		Dropped:       snap.Dropped,
		LatencyP95:    snap.Latency.P95,
		LatencyP99:    snap.Latency.P99,
		Phase:         snap.Phase,
		CurrentStage:  idx + 1,
		TotalStages:   len(stages),
	}
}

// renderProgressBar renders a progress bar.
func renderProgressBar(progress float64, width int) string {
	progress = min(max(progress, 0), 1)
	filled := int(progress * float64(width))
	return "[" + strings.Repeat(progressFilled, filled) + strings.Repeat(progressEmpty, width-filled) + "]"
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
}

// formatDurationShort formats a latency.
func formatDurationShort(d time.Duration) string {
	if d < time.Microsecond {
		return "0ms"
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}

// formatNumber formats a number with thousands separators.
func formatNumber(n int64) string {
	str := fmt.Sprintf("%d", n)
	if n < 0 || len(str) <= 3 {
		return str
	}

	var result strings.Builder
	offset := len(str) % 3
	if offset > 0 {
		result.WriteString(str[:offset])
	}
	for i := offset; i < len(str); i += 3 {
		if result.Len() > 0 {
			result.WriteString(",")
		}
		result.WriteString(str[i : i+3])
	}
	return result.String()
}

// visibleLen is the printed width of s, ignoring ANSI escape codes.
func visibleLen(s string) int {
	n := 0
	inEscape := false
	for _, r := range s {
		if r == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				inEscape = false
			}
			continue
		}
		n++
	}
	return n
}
