package session

import (
	"fmt"
	"sort"
	"time"

	"github.com/randomizedcoder/runctl/internal/metrics"
)

const summaryRule = "═══════════════════════════════════════════════════════════════════"

// printExitSummary prints a summary of the session.
func (s *Session) printExitSummary() {
	summary := s.collector.GenerateSummary()
	w := s.out

	fmt.Fprintln(w)
	fmt.Fprintln(w, summaryRule)
	fmt.Fprintln(w, "                        runctl Exit Summary")
	fmt.Fprintln(w, summaryRule)
	fmt.Fprintf(w, "Session:                %s\n", s.rc.ID())
	fmt.Fprintf(w, "Device:                 %s\n", s.device.ID())
	fmt.Fprintf(w, "Run Duration:           %s\n", formatDuration(summary.Duration))
	fmt.Fprintf(w, "Final State:            %s\n", summary.FinalState)
	fmt.Fprintf(w, "Restarts:               %d\n", summary.Restarts)
	code := s.ExitCode()
	fmt.Fprintf(w, "Exit Code:              %d %s\n", code, metrics.ExitCodeLabel(code))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Workers:")
	for _, info := range s.rc.Workers() {
		essential := ""
		if info.Essential {
			essential = "essential"
		}
		fmt.Fprintf(w, "  %-20s %-10s %-10s", info.Name, info.State, essential)
		if info.LastError != "" {
			fmt.Fprintf(w, " %s: %s", info.ErrorKind, info.LastError)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w)

	if len(summary.ExitCodes) > 0 {
		fmt.Fprintln(w, "Exit Codes:")
		for _, c := range sortedKeys(summary.ExitCodes) {
			fmt.Fprintf(w, "  %3d %-16s %d\n", c, metrics.ExitCodeLabel(c), summary.ExitCodes[c])
		}
		fmt.Fprintln(w)
	}

	if summary.UptimeP50 > 0 || summary.UptimeP95 > 0 {
		fmt.Fprintln(w, "Uptime Distribution:")
		fmt.Fprintf(w, "  P50 (median):         %s\n", formatDuration(summary.UptimeP50))
		fmt.Fprintf(w, "  P95:                  %s\n", formatDuration(summary.UptimeP95))
		fmt.Fprintf(w, "  P99:                  %s\n", formatDuration(summary.UptimeP99))
		fmt.Fprintln(w)
	}

	if summary.ShellQueries > 0 {
		fmt.Fprintln(w, "Device Shell:")
		fmt.Fprintf(w, "  Queries:              %d (%d errors)\n", summary.ShellQueries, summary.ShellErrors)
		fmt.Fprintf(w, "  P50 / P95 / P99:      %s / %s / %s\n",
			summary.ShellP50.Round(time.Microsecond),
			summary.ShellP95.Round(time.Microsecond),
			summary.ShellP99.Round(time.Microsecond))
		fmt.Fprintln(w)
	}

	if summary.PeakSSHMasters > 0 {
		fmt.Fprintln(w, "SSH Pool:")
		fmt.Fprintf(w, "  Peak Control Masters: %d\n", summary.PeakSSHMasters)
		for _, reason := range sortedKeys(summary.SSHDestroyed) {
			fmt.Fprintf(w, "  Destroyed (%s): %d\n", reason, summary.SSHDestroyed[reason])
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Output Lines:           %d (%d kept out of the log)\n", s.output.TotalLines(), s.output.Suppressed())
	if rate := s.outputRate.Stats(); rate.Total > 0 {
		fmt.Fprintf(w, "Output Bytes:           %d (%.1f B/s average)\n", rate.Total, rate.Overall)
	}
	if errs := s.output.CountErrors(); len(errs) > 0 {
		for _, p := range sortedKeys(errs) {
			fmt.Fprintf(w, "  %-20s %d\n", p, errs[p])
		}
	}

	if s.cfg.MetricsAddr != "" {
		fmt.Fprintf(w, "Metrics endpoint was: http://%s/metrics\n", s.cfg.MetricsAddr)
	}
	fmt.Fprintln(w, summaryRule)
}

func sortedKeys[K int | string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	sec := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, sec)
}
