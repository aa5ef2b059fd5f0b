package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/drgo/dataget"
)

var outcomeColors = map[dataget.OutcomeKind]*color.Color{
	dataget.OutcomeCompleted: color.New(color.FgGreen),
	dataget.OutcomeResumed:   color.New(color.FgCyan),
	dataget.OutcomeSkipped:   color.New(color.FgYellow),
	dataget.OutcomeFailed:    color.New(color.FgRed).Add(color.Bold),
}

// printSummary writes one line per job followed by the batch totals.
func printSummary(w io.Writer, report *dataget.Report) {
	for _, o := range report.Outcomes {
		label := outcomeColors[o.Kind].Sprintf("%-9s", o.Kind)
		target := o.Path
		if target == "" {
			target = o.Job.URL
		}
		switch o.Kind {
		case dataget.OutcomeFailed:
			fmt.Fprintf(w, "%s %s: %v\n", label, target, o.Err)
		default:
			fmt.Fprintf(w, "%s %s (%s)\n", label, target, formatBytes(o.Size))
		}
	}

	counts := report.Counts()
	bold := color.New(color.Bold)
	fmt.Fprintln(w, "----------------------------------------------------")
	fmt.Fprintf(w, "%s %d completed, %d resumed, %d skipped, %d failed; %s written\n",
		bold.Sprint("Total:"),
		counts[dataget.OutcomeCompleted], counts[dataget.OutcomeResumed],
		counts[dataget.OutcomeSkipped], counts[dataget.OutcomeFailed],
		formatBytes(report.BytesTransferred()))
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
