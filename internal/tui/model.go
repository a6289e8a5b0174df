package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/runctl/internal/runcontrol"
	"github.com/randomizedcoder/runctl/internal/session"
)

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// SnapshotMsg carries an updated session view.
type SnapshotMsg struct {
	Snapshot session.Snapshot
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Model
// =============================================================================

// defaultOutputLines is how many output lines the summary view shows.
const defaultOutputLines = 8

// Model represents the TUI state.
type Model struct {
	// Configuration
	metricsAddr string
	outputLines int

	// Current state
	snap         *session.Snapshot
	startTime    time.Time
	lastUpdate   time.Time
	detailedView bool

	// Display options
	width  int
	height int

	source SnapshotSource

	quitting bool
}

// SnapshotSource provides the session view. *session.Session implements it.
type SnapshotSource interface {
	Snapshot(lines int) session.Snapshot
}

// Config holds TUI configuration.
type Config struct {
	MetricsAddr string
	// OutputLines is the size of the output tail in the summary view.
	OutputLines int
	Source      SnapshotSource
}

// New creates a new TUI model.
func New(cfg Config) Model {
	if cfg.OutputLines <= 0 {
		cfg.OutputLines = defaultOutputLines
	}
	return Model{
		metricsAddr: cfg.MetricsAddr,
		outputLines: cfg.OutputLines,
		source:      cfg.Source,
		startTime:   time.Now(),
		lastUpdate:  time.Now(),
		width:       80,
		height:      24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "d":
			m.detailedView = !m.detailedView
			m.refresh()
			return m, nil
		case "r":
			m.refresh()
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		m.refresh()
		return m, tickCmd()

	case SnapshotMsg:
		snap := msg.Snapshot
		m.snap = &snap
		m.lastUpdate = time.Now()
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// refresh pulls a snapshot sized for the current view.
func (m *Model) refresh() {
	if m.source == nil {
		return
	}
	snap := m.source.Snapshot(m.tailSize())
	m.snap = &snap
	m.lastUpdate = time.Now()
}

// tailSize is how many output lines the current view can show.
func (m Model) tailSize() int {
	if !m.detailedView {
		return m.outputLines
	}
	// header, footer and panel borders
	if n := m.height - 8; n > m.outputLines {
		return n
	}
	return m.outputLines
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.detailedView && m.snap != nil {
		return m.renderDetailedView()
	}
	return m.renderSummaryView()
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after 500ms.
func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the session run time, or the dashboard's own age before
// the first snapshot.
func (m Model) Elapsed() time.Duration {
	if m.snap != nil && m.snap.Elapsed > 0 {
		return m.snap.Elapsed
	}
	return time.Since(m.startTime)
}

// State returns the run control state.
func (m Model) State() runcontrol.State {
	if m.snap == nil {
		return runcontrol.StateInitialized
	}
	return m.snap.State
}

// WorkerCounts returns how many workers are running and how many exist.
func (m Model) WorkerCounts() (running, total int) {
	if m.snap == nil {
		return 0, 0
	}
	for _, w := range m.snap.Workers {
		if w.State == runcontrol.WorkerRunning {
			running++
		}
	}
	return running, len(m.snap.Workers)
}

// FailedWorkers returns how many workers finished with an error.
func (m Model) FailedWorkers() int {
	if m.snap == nil {
		return 0
	}
	n := 0
	for _, w := range m.snap.Workers {
		if w.LastError != "" {
			n++
		}
	}
	return n
}

// =============================================================================
// Helpers for external use
// =============================================================================

// SendSnapshot pushes a session view to the TUI.
func SendSnapshot(p *tea.Program, snap session.Snapshot) {
	if p != nil {
		p.Send(SnapshotMsg{Snapshot: snap})
	}
}

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}

// =============================================================================
// Formatting Helpers (used by view.go)
// =============================================================================

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// formatNumber formats a number with K/M suffixes.
func formatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// formatBytes formats a byte rate with B/KB/MB units.
func formatBytes(n float64) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1f MB", n/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1f KB", n/1_000)
	default:
		return fmt.Sprintf("%.0f B", n)
	}
}

// formatRates joins per-window byte rates, shortest window first.
func formatRates(rates []float64) string {
	parts := make([]string, len(rates))
	for i, r := range rates {
		parts[i] = formatBytes(r) + "/s"
	}
	return strings.Join(parts, " · ")
}

// formatMs formats a duration as milliseconds.
func formatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}

// truncate shortens s to width runes with an ellipsis.
func truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	if width == 1 {
		return "…"
	}
	return string(r[:width-1]) + "…"
}
