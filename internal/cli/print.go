package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/loadgrid/loadgrid/internal/metrics"
)

// printSummary renders the end-of-run summary to stdout. Colors are
// only used on a real terminal.
func printSummary(w io.Writer, s *metrics.Summary) {
	if f, ok := w.(*os.File); ok {
		if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
			color.NoColor = true
		}
	}

	header := color.New(color.Bold, color.FgCyan)
	good := color.New(color.FgGreen)
	bad := color.New(color.FgRed)
	dim := color.New(color.Faint)

	fmt.Fprintln(w)
	header.Fprintf(w, "=== %s ===\n", s.TestName)
	dim.Fprintf(w, "%s -> %s (%.1fs)\n\n",
		s.StartTime.Format("15:04:05"),
		s.EndTime.Format("15:04:05"),
		s.EndTime.Sub(s.StartTime).Seconds())

	fmt.Fprintf(w, "  requests      %d\n", s.TotalRequests)
	if s.FailCount == 0 {
		good.Fprintf(w, "  success       %d (%.1f%%)\n", s.SuccessCount, s.SuccessRate)
	} else {
		fmt.Fprintf(w, "  success       %d (%.1f%%)\n", s.SuccessCount, s.SuccessRate)
		bad.Fprintf(w, "  failed        %d\n", s.FailCount)
	}
	fmt.Fprintf(w, "  rps           %.1f\n", s.RPS)
	fmt.Fprintf(w, "  bytes         %d (%.1f/s)\n", s.TotalBytes, s.BytesPerSecond)
	fmt.Fprintf(w, "  response time min=%.0fms avg=%.0fms max=%.0fms\n",
		s.MinResponseTime, s.AvgResponseTime, s.MaxResponseTime)

	if len(s.Percentiles) > 0 {
		keys := make([]string, 0, len(s.Percentiles))
		for k := range s.Percentiles {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%.0fms", k, s.Percentiles[k]))
		}
		fmt.Fprintf(w, "  percentiles   %s\n", strings.Join(parts, " "))
	}

	if len(s.Steps) > 0 {
		fmt.Fprintln(w)
		header.Fprintln(w, "  steps")
		keys := make([]string, 0, len(s.Steps))
		for k := range s.Steps {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			st := s.Steps[k]
			line := fmt.Sprintf("    %-40s %6d req  avg=%.0fms p95=%.0fms", k, st.Count, st.Avg, st.P95)
			if st.Fail > 0 {
				bad.Fprintf(w, "%s  %d failed\n", line, st.Fail)
			} else {
				fmt.Fprintln(w, line)
			}
		}
	}

	if len(s.Errors) > 0 {
		fmt.Fprintln(w)
		bad.Fprintln(w, "  errors")
		for _, e := range s.Errors {
			fmt.Fprintf(w, "    %dx %s/%s: %s\n", e.Count, e.Scenario, e.Action, e.Message)
		}
	}

	if s.ResultsDropped {
		fmt.Fprintln(w)
		dim.Fprintln(w, "  note: detail log truncated, counters remain exact")
	}
	fmt.Fprintln(w)
}
