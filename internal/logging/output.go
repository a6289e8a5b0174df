package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/randomizedcoder/runctl/internal/runcontrol"
)

const (
	// MaxLineLength is the maximum length of a single output line before truncation.
	MaxLineLength = 4096

	// DefaultBufferedLines is the ring size when none is configured.
	DefaultBufferedLines = 200

	// DefaultLinesPerSecond bounds how many output lines reach the log.
	DefaultLinesPerSecond = 50
)

// Line is one line of session output.
type Line struct {
	Time   time.Time
	Worker string
	Format runcontrol.MessageFormat
	Text   string
}

// OutputConfig configures an OutputHandler.
type OutputConfig struct {
	Logger         *slog.Logger
	Verbose        bool
	BufferedLines  int
	LinesPerSecond int
}

type streamKey struct {
	worker string
	format runcontrol.MessageFormat
}

// OutputHandler receives worker messages, reassembles stdout and stderr
// chunks into lines, keeps the most recent lines for the dashboard and
// exit summary, and logs them under a rate limit.
type OutputHandler struct {
	logger  *slog.Logger
	verbose bool
	limiter *rate.Limiter

	mu         sync.Mutex
	buffer     []Line
	bufIdx     int
	total      int64
	partial    map[streamKey]string
	suppressed int64
	dropped    int64
}

// NewOutputHandler creates a handler.
func NewOutputHandler(cfg OutputConfig) *OutputHandler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BufferedLines <= 0 {
		cfg.BufferedLines = DefaultBufferedLines
	}
	if cfg.LinesPerSecond <= 0 {
		cfg.LinesPerSecond = DefaultLinesPerSecond
	}
	return &OutputHandler{
		logger:  cfg.Logger,
		verbose: cfg.Verbose,
		limiter: rate.NewLimiter(rate.Limit(cfg.LinesPerSecond), cfg.LinesPerSecond),
		buffer:  make([]Line, cfg.BufferedLines),
		partial: make(map[streamKey]string),
	}
}

// Handle takes one message from a worker. Process output may arrive in
// arbitrary chunks; an unterminated tail is held until the next chunk or
// Flush. Other formats are complete messages.
func (h *OutputHandler) Handle(worker, text string, format runcontrol.MessageFormat) {
	var lines []string

	h.mu.Lock()
	switch format {
	case runcontrol.MessageStdOut, runcontrol.MessageStdErr:
		key := streamKey{worker, format}
		text = h.partial[key] + text
		idx := strings.LastIndexByte(text, '\n')
		if idx < 0 {
			if len(text) > MaxLineLength {
				lines = append(lines, text)
				delete(h.partial, key)
			} else {
				h.partial[key] = text
			}
		} else {
			lines = splitLines(text[:idx])
			if rest := text[idx+1:]; rest != "" {
				h.partial[key] = rest
			} else {
				delete(h.partial, key)
			}
		}
	default:
		lines = splitLines(strings.TrimRight(text, "\n"))
	}
	h.mu.Unlock()

	for _, line := range lines {
		h.HandleLine(worker, line, format)
	}
}

// Flush emits any held partial lines for worker.
func (h *OutputHandler) Flush(worker string) {
	type pending struct {
		format runcontrol.MessageFormat
		text   string
	}
	var out []pending

	h.mu.Lock()
	for key, text := range h.partial {
		if key.worker == worker {
			out = append(out, pending{key.format, text})
			delete(h.partial, key)
		}
	}
	h.mu.Unlock()

	// stdout before stderr for a stable order
	if len(out) == 2 && out[0].format > out[1].format {
		out[0], out[1] = out[1], out[0]
	}
	for _, p := range out {
		h.HandleLine(worker, p.text, p.format)
	}
}

func splitLines(s string) []string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// HandleLine processes a single line of output.
func (h *OutputHandler) HandleLine(worker, line string, format runcontrol.MessageFormat) {
	// Truncate if too long
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	// Store in circular buffer
	h.mu.Lock()
	h.buffer[h.bufIdx] = Line{Time: time.Now(), Worker: worker, Format: format, Text: line}
	h.bufIdx = (h.bufIdx + 1) % len(h.buffer)
	h.total++
	h.mu.Unlock()

	h.logLine(worker, line, format)
}

// logLine logs the line at the level its content and format call for.
func (h *OutputHandler) logLine(worker, line string, format runcontrol.MessageFormat) {
	level := classifyLine(line, format)

	// In non-verbose mode, raw output stays out of the log
	if !h.verbose && level == slog.LevelDebug {
		return
	}

	if !h.limiter.Allow() {
		h.mu.Lock()
		h.suppressed++
		h.dropped++
		h.mu.Unlock()
		return
	}

	h.mu.Lock()
	suppressed := h.suppressed
	h.suppressed = 0
	h.mu.Unlock()
	if suppressed > 0 {
		h.logger.Warn("output_suppressed", "lines", suppressed)
	}

	h.logger.Log(context.Background(), level, "worker_output",
		"worker", worker,
		"stream", format.String(),
		"line", line,
	)
}

// classifyLine determines the log level for a line.
func classifyLine(line string, format runcontrol.MessageFormat) slog.Level {
	switch format {
	case runcontrol.MessageError:
		return slog.LevelWarn
	case runcontrol.MessageNormal:
		return slog.LevelInfo
	case runcontrol.MessageDebug:
		return slog.LevelDebug
	case runcontrol.MessageStdErr:
		if matchesErrorPattern(line) {
			return slog.LevelWarn
		}
	}
	return slog.LevelDebug
}

// ErrorPatterns mark a stderr line as worth a warning. Matching is
// case-insensitive.
var ErrorPatterns = []string{
	"error",
	"fatal",
	"panic",
	"permission denied",
	"connection refused",
	"no such file",
	"segmentation fault",
	"killed",
}

func matchesErrorPattern(line string) bool {
	lower := strings.ToLower(line)
	for _, p := range ErrorPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// RecentLines returns up to n of the most recent lines, oldest first.
func (h *OutputHandler) RecentLines(n int) []Line {
	h.mu.Lock()
	defer h.mu.Unlock()

	size := len(h.buffer)
	if n > size {
		n = size
	}
	if int64(n) > h.total {
		n = int(h.total)
	}

	lines := make([]Line, 0, n)
	for i := 0; i < n; i++ {
		idx := (h.bufIdx - n + i + size) % size
		lines = append(lines, h.buffer[idx])
	}
	return lines
}

// TotalLines returns how many lines were handled.
func (h *OutputHandler) TotalLines() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// Suppressed returns how many lines the rate limit kept out of the log.
func (h *OutputHandler) Suppressed() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// CountErrors counts occurrences of error patterns among buffered stderr
// and error lines.
func (h *OutputHandler) CountErrors() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	counts := make(map[string]int)
	for _, line := range h.buffer {
		if line.Format != runcontrol.MessageStdErr && line.Format != runcontrol.MessageError {
			continue
		}
		lower := strings.ToLower(line.Text)
		for _, pattern := range ErrorPatterns {
			if strings.Contains(lower, pattern) {
				counts[pattern]++
			}
		}
	}
	return counts
}
