package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/runctl/internal/logging"
	"github.com/randomizedcoder/runctl/internal/runcontrol"
)

// =============================================================================
// Main View Rendering
// =============================================================================

// renderSummaryView renders the main dashboard.
func (m Model) renderSummaryView() string {
	sections := []string{m.renderHeader()}

	if m.snap == nil {
		sections = append(sections, boxStyle.Width(m.width-2).Render(mutedStyle.Render("Waiting for session...")))
	} else {
		sections = append(sections,
			m.renderSession(),
			m.renderWorkers(),
			m.renderOutput(m.snap.Output, "Recent Output"),
		)
	}

	sections = append(sections, m.renderFooter())
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderDetailedView fills the screen with output.
func (m Model) renderDetailedView() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.renderOutput(m.snap.Output, "Output"),
		m.renderFooter(),
	)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	running, total := m.WorkerCounts()
	device := "-"
	if m.snap != nil {
		device = m.snap.Device
	}
	header := fmt.Sprintf(
		" runctl │ %s │ %s │ Workers: %d/%d │ Elapsed: %s ",
		RenderControlState(m.State()),
		device,
		running,
		total,
		formatDuration(m.Elapsed()),
	)
	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Session Panel
// =============================================================================

func (m Model) renderSession() string {
	s := m.snap
	running, total := m.WorkerCounts()

	rows := []string{
		RenderKeyValue("Session", s.ID),
		RenderKeyValue("Command", truncate(s.Command, m.width-26)),
		RenderKeyValue("Run Mode", s.RunMode),
		RenderKeyValue("Restarts", fmt.Sprintf("%d", s.Restarts)),
		lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render("Failed Workers:"),
			GetErrorCountStyle(m.FailedWorkers()).Render(fmt.Sprintf("%d", m.FailedWorkers())),
		),
	}
	if total > 0 {
		barWidth := m.width - 30
		if barWidth < 20 {
			barWidth = 20
		}
		rows = append(rows, RenderProgressBar(float64(running)/float64(total), barWidth))
	}
	if len(s.OutputRates) > 0 {
		rows = append(rows, RenderKeyValue("Output Rate", formatRates(s.OutputRates)))
	}
	if s.SSHMasters > 0 {
		rows = append(rows, RenderKeyValueWide("SSH Control Masters", fmt.Sprintf("%d", s.SSHMasters)))
	}
	if s.ShellP50 > 0 {
		rows = append(rows, RenderKeyValueWide("Shell Latency P50/P95",
			formatMs(s.ShellP50)+" / "+formatMs(s.ShellP95)))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Session")}, rows...)...,
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Worker Table
// =============================================================================

func (m Model) renderWorkers() string {
	header := tableHeaderStyle.Render(fmt.Sprintf("%-16s %-10s %-9s %-20s %s", "Worker", "State", "Essential", "After", "Error"))
	rows := []string{sectionHeaderStyle.Render("Workers"), header}

	for i, w := range m.snap.Workers {
		rows = append(rows, m.renderWorkerRow(i, w))
	}

	content := lipgloss.JoinVertical(lipgloss.Left, rows...)
	return boxStyle.Width(m.width - 2).Render(content)
}

func (m Model) renderWorkerRow(i int, w runcontrol.WorkerInfo) string {
	rowStyle := tableRowEvenStyle
	if i%2 == 1 {
		rowStyle = tableRowOddStyle
	}

	essential := ""
	if w.Essential {
		essential = "yes"
	}
	after := strings.Join(w.StartAfter, ",")
	errText := ""
	if w.LastError != "" {
		errText = w.ErrorKind.String() + ": " + w.LastError
	}
	errWidth := m.width - 64
	if errWidth < 10 {
		errWidth = 10
	}

	return lipgloss.JoinHorizontal(lipgloss.Left,
		rowStyle.Render(fmt.Sprintf("%-16s ", truncate(w.Name, 16))),
		WorkerStateStyle(w).Render(fmt.Sprintf("%-10s ", StateLabel(w.State.String()))),
		rowStyle.Render(fmt.Sprintf("%-9s %-20s ", essential, truncate(after, 20))),
		statusError.Render(truncate(errText, errWidth)),
	)
}

// =============================================================================
// Output Tail
// =============================================================================

func (m Model) renderOutput(lines []logging.Line, title string) string {
	rows := []string{sectionHeaderStyle.Render(title)}
	if len(lines) == 0 {
		rows = append(rows, dimStyle.Render("(no output yet)"))
	}

	textWidth := m.width - 24
	if textWidth < 20 {
		textWidth = 20
	}
	for _, l := range lines {
		prefix := unitStyle.Render(fmt.Sprintf("%s %-10s ", l.Time.Format("15:04:05"), truncate(l.Worker, 10)))
		rows = append(rows, prefix+OutputStyle(l.Format).Render(truncate(l.Text, textWidth)))
	}

	if m.snap != nil && m.snap.Suppressed > 0 {
		rows = append(rows, valueWarnStyle.Render(fmt.Sprintf("%s lines kept out of the log", formatNumber(m.snap.Suppressed))))
	}
	if m.snap != nil {
		rows = append(rows, mutedStyle.Render(fmt.Sprintf("%s lines total", formatNumber(m.snap.TotalLines))))
	}

	content := lipgloss.JoinVertical(lipgloss.Left, rows...)
	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	view := "d: output"
	if m.detailedView {
		view = "d: summary"
	}
	parts := []string{"q: quit", view, "r: refresh"}
	if m.metricsAddr != "" {
		parts = append(parts, "metrics: http://"+m.metricsAddr+"/metrics")
	}
	parts = append(parts, "updated "+m.lastUpdate.Format("15:04:05"))
	return footerStyle.Render(strings.Join(parts, " │ "))
}
