package progress

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
)

// Display prints a single status line while a pass runs and a summary
// block when it is stopped.
type Display struct {
	tracker  *Tracker
	interval time.Duration
	out      io.Writer
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewDisplay creates a new progress display
func NewDisplay(tracker *Tracker, interval time.Duration, out io.Writer) *Display {
	if out == nil {
		out = os.Stdout
	}
	return &Display{
		tracker:  tracker,
		interval: interval,
		out:      out,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the progress display
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop stops the progress display and prints the summary.
func (d *Display) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *Display) displayLoop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fmt.Fprintf(d.out, "\r%s", StatusLine(d.tracker.GetStatus(), d.tracker.GetProgressPercent()))
		case <-d.stopCh:
			fmt.Fprint(d.out, "\r")
			WriteSummary(d.out, d.tracker.GetStatus())
			return
		}
	}
}

// StatusLine renders the one-line view of a running pass.
func StatusLine(status Status, percent float64) string {
	current := "idle"
	if status.CurrentTarget != "" {
		current = status.CurrentTarget
		if status.CurrentChunk != "" {
			current += " " + status.CurrentChunk
		}
	}
	return fmt.Sprintf("%s targets %d/%d (%.0f%%) | chunks %d ok, %d failed | %s",
		generateProgressBar(percent, 20),
		status.TargetsProcessed, status.TargetsTotal, percent,
		status.ChunksExported, status.ChunksFailed,
		current)
}

// WriteSummary writes the end-of-pass report.
func WriteSummary(w io.Writer, status Status) {
	elapsed := status.LastUpdateTime.Sub(status.StartTime)

	lines := []string{
		"",
		"Backup pass finished",
		strings.Repeat("=", 50),
		fmt.Sprintf("Targets:  %d processed (%s)", status.TargetsProcessed, formatStatuses(status.TargetStatuses)),
		fmt.Sprintf("Chunks:   %d exported, %d failed, %d planned", status.ChunksExported, status.ChunksFailed, status.ChunksPlanned),
		fmt.Sprintf("Media:    %d scanned, %d linked, %s saved", status.MediaScanned, status.MediaLinked, FormatBytes(status.BytesSaved)),
	}
	if status.MirrorUploaded > 0 || status.MirrorFailed > 0 {
		lines = append(lines, fmt.Sprintf("Mirror:   %d uploaded (%s), %d failed",
			status.MirrorUploaded, FormatBytes(status.MirrorBytes), status.MirrorFailed))
	}
	lines = append(lines,
		fmt.Sprintf("Exporter: %s", FormatDuration(status.ExportTime)),
		fmt.Sprintf("Elapsed:  %s", FormatDuration(elapsed)),
		"",
	)

	fmt.Fprintln(w, strings.Join(lines, "\n"))
}

func formatStatuses(statuses map[string]int64) string {
	if len(statuses) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(statuses))
	for k := range statuses {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, statuses[k]))
	}
	return strings.Join(parts, ", ")
}

// generateProgressBar generates a visual progress bar
func generateProgressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", width-filled) + "]"
}

// IsTerminalSupported checks if stdout is a terminal that can redraw the
// status line.
func IsTerminalSupported() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fileInfo.Mode()&os.ModeCharDevice != 0
}
