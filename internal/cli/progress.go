// Package cli renders stackctl output: the wait progress bar and report
// tables.
package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/socialsense/stack/internal/probe"
)

// Color codes for terminal output
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
)

// ProgressBar tracks how many dependencies have settled while stackctl
// waits. It is safe to feed from several probe goroutines.
type ProgressBar struct {
	mu        sync.Mutex
	total     int
	width     int
	prefix    string
	writer    io.Writer
	colorize  bool
	startTime time.Time
	now       func() time.Time

	settled map[string]probe.Status
	retries map[string]int
}

// NewProgressBar creates a bar over total dependencies.
func NewProgressBar(total int, prefix string) *ProgressBar {
	return &ProgressBar{
		total:     total,
		width:     30,
		prefix:    prefix,
		writer:    os.Stdout,
		colorize:  isTerminal(os.Stdout),
		startTime: time.Now(),
		now:       time.Now,
		settled:   map[string]probe.Status{},
		retries:   map[string]int{},
	}
}

// SetWriter sets the output writer. Color follows the writer.
func (pb *ProgressBar) SetWriter(w io.Writer) *ProgressBar {
	pb.writer = w
	pb.colorize = false
	if f, ok := w.(*os.File); ok {
		pb.colorize = isTerminal(f)
	}
	return pb
}

// SetWidth sets the width of the bar in cells.
func (pb *ProgressBar) SetWidth(width int) *ProgressBar {
	pb.width = width
	return pb
}

// Observe records an intermediate result. Its signature matches
// probe.Options.Observer.
func (pb *ProgressBar) Observe(res probe.Result) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	switch res.Status {
	case probe.StatusReady, probe.StatusFailed, probe.StatusSkipped:
		pb.settled[res.Service] = res.Status
	case probe.StatusRetry:
		pb.retries[res.Service] = res.Attempts
	}
	pb.render(res)
}

// Done returns the number of settled dependencies.
func (pb *ProgressBar) Done() int {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return len(pb.settled)
}

// Finish ends the bar line.
func (pb *ProgressBar) Finish() {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	fmt.Fprintln(pb.writer)
}

func (pb *ProgressBar) render(last probe.Result) {
	done := len(pb.settled)
	percent := 1.0
	if pb.total > 0 {
		percent = float64(done) / float64(pb.total)
	}
	if percent > 1 {
		percent = 1
	}
	filled := int(float64(pb.width) * percent)
	bar := strings.Repeat("#", filled) + strings.Repeat("-", pb.width-filled)

	if pb.colorize {
		switch {
		case percent < 0.5:
			bar = ColorYellow + bar + ColorReset
		case percent < 1.0:
			bar = ColorCyan + bar + ColorReset
		default:
			bar = ColorGreen + bar + ColorReset
		}
	}

	line := fmt.Sprintf("\r%s [%s] %d/%d | %s %s", pb.prefix, bar, done, pb.total, last.Service, last.Status)
	if last.Status == probe.StatusRetry {
		line += fmt.Sprintf(" (attempt %d)", last.Attempts)
	}
	line += " | " + formatDuration(pb.now().Sub(pb.startTime))
	fmt.Fprint(pb.writer, line)
}

// PrintReport writes one row per dependency followed by the overall status.
func PrintReport(w io.Writer, report probe.Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tROLE\tSTATUS\tATTEMPTS\tLATENCY\tERROR")
	results := append([]probe.Result(nil), report.Results...)
	sort.Slice(results, func(i, j int) bool { return results[i].Service < results[j].Service })
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%dms\t%s\n",
			r.Service, r.Role, r.Status, r.Attempts, r.LatencyMS, r.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\nstatus: %s (%s)\n", report.Status, report.Status.Description())
	return err
}

// Colorize wraps text in color when w is a terminal.
func Colorize(w io.Writer, text, color string) string {
	if f, ok := w.(*os.File); ok && isTerminal(f) {
		return color + text + ColorReset
	}
	return text
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "< 1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
