// Package deviceshell keeps one long-lived shell per device for cheap,
// synchronous queries such as test -f or stat.
package deviceshell

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randomizedcoder/runctl/internal/process"
)

// ErrShellExited is returned to a caller whose query was in flight when
// the shell went away. The next query starts a new shell.
var ErrShellExited = errors.New("device shell exited")

// LaunchFunc returns the command that starts the shell on the device and a
// release func called when that shell is torn down.
type LaunchFunc func(ctx context.Context) (cmd process.CommandLine, release func(), err error)

// Config configures a Shell.
type Config struct {
	Launch LaunchFunc
	Logger *slog.Logger

	// OnQuery observes every query round trip. May be nil.
	OnQuery func(d time.Duration, err error)
}

// Result is the outcome of one query.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Shell serializes all callers through one mutex; the shell itself runs
// one command at a time.
type Shell struct {
	cfg    Config
	logger *slog.Logger
	token  string

	mu   sync.Mutex
	inst *instance
	seq  uint64

	launches int
}

type instance struct {
	proc    *process.Desktop
	cancel  context.CancelFunc
	release func()
	dead    bool
}

// New creates a Shell. The shell process is started on first use.
func New(cfg Config) *Shell {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Shell{
		cfg:    cfg,
		logger: logger,
		token:  "__runctl_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
	}
}

// RunInShell runs cmd and reports whether it exited with status zero. A
// shell failure counts as false.
func (s *Shell) RunInShell(ctx context.Context, cmd string, stdin []byte) bool {
	r, err := s.Run(ctx, cmd, stdin)
	return err == nil && r.ExitCode == 0
}

// OutputFor runs cmd and returns its stdout. A non-zero exit is reported
// as an error alongside whatever was printed.
func (s *Shell) OutputFor(ctx context.Context, cmd string) ([]byte, error) {
	r, err := s.Run(ctx, cmd, nil)
	if err != nil {
		return nil, err
	}
	if r.ExitCode != 0 {
		msg := strings.TrimSpace(string(r.Stderr))
		if msg == "" {
			msg = "no diagnostics"
		}
		return r.Stdout, fmt.Errorf("%q exited with code %d: %s", cmd, r.ExitCode, msg)
	}
	return r.Stdout, nil
}

// Run runs cmd, feeding stdin when non-nil, and waits for its completion.
func (s *Shell) Run(ctx context.Context, cmd string, stdin []byte) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	r, err := s.run(ctx, cmd, stdin)
	if s.cfg.OnQuery != nil {
		s.cfg.OnQuery(time.Since(start), err)
	}
	return r, err
}

// Launches returns how many shell processes have been started.
func (s *Shell) Launches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launches
}

// Close stops the shell. A later query starts a new one.
func (s *Shell) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardown("closed")
}

func (s *Shell) run(ctx context.Context, cmd string, stdin []byte) (Result, error) {
	inst, err := s.ensure(ctx)
	if err != nil {
		return Result{}, err
	}

	s.seq++
	sentinel := s.token + "_" + strconv.FormatUint(s.seq, 10)
	if _, err := inst.proc.Write([]byte(Script(cmd, stdin, sentinel))); err != nil {
		s.teardown("write_failed")
		return Result{}, fmt.Errorf("write to device shell: %w", err)
	}

	var stdout, stderr bytes.Buffer
	marker := []byte("\n" + sentinel + " ")
	for {
		select {
		case ev, ok := <-inst.proc.Events():
			if !ok || ev.Kind == process.EventDone {
				inst.dead = true
				s.logger.Warn("device_shell_exited",
					"command", cmd,
					"exit_code", ev.Result.ExitCode,
				)
				s.teardown("exited")
				return Result{}, ErrShellExited
			}
			stdout.Write(ev.Stdout)
			stderr.Write(ev.Stderr)
			if code, out, found := parseReply(stdout.Bytes(), marker); found {
				return Result{ExitCode: code, Stdout: out, Stderr: stderr.Bytes()}, nil
			}
		case <-ctx.Done():
			// The reply may still arrive later; the shell is out of sync.
			s.teardown("cancelled")
			return Result{}, ctx.Err()
		}
	}
}

// Script renders the text written to the shell for one query. The command
// never sees the shell's own stdin; the exit code is printed after the
// sentinel on a fresh line.
func Script(cmd string, stdin []byte, sentinel string) string {
	var b strings.Builder
	if stdin != nil {
		b.WriteString("printf '%s' '")
		b.WriteString(base64.StdEncoding.EncodeToString(stdin))
		b.WriteString("' | base64 -d | { ")
		b.WriteString(cmd)
		b.WriteString("\n}")
	} else {
		b.WriteString("{ ")
		b.WriteString(cmd)
		b.WriteString("\n} </dev/null")
	}
	b.WriteString("; printf '\\n")
	b.WriteString(sentinel)
	b.WriteString(" %d\\n' \"$?\"\n")
	return b.String()
}

// parseReply finds "\n<sentinel> <code>\n" and splits the output off.
func parseReply(buf, marker []byte) (code int, out []byte, found bool) {
	idx := bytes.Index(buf, marker)
	if idx < 0 {
		return 0, nil, false
	}
	rest := buf[idx+len(marker):]
	nl := bytes.IndexByte(rest, '\n')
	if nl < 0 {
		return 0, nil, false
	}
	code, err := strconv.Atoi(string(bytes.TrimSpace(rest[:nl])))
	if err != nil {
		code = -1
	}
	return code, bytes.Clone(buf[:idx]), true
}

func (s *Shell) ensure(ctx context.Context) (*instance, error) {
	if s.inst != nil {
		s.drain(s.inst)
		if !s.inst.dead {
			return s.inst, nil
		}
		s.teardown("exited")
	}

	if s.cfg.Launch == nil {
		return nil, errors.New("device shell has no launcher")
	}
	cmd, release, err := s.cfg.Launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("open device shell: %w", err)
	}
	if release == nil {
		release = func() {}
	}

	procCtx, cancel := context.WithCancel(context.Background())
	proc := process.NewDesktop(s.logger)
	proc.Start(procCtx, process.Setup{Command: cmd, Mode: process.ModeWriter})
	s.launches++

	select {
	case ev := <-proc.Events():
		if ev.Kind == process.EventStarted {
			s.inst = &instance{proc: proc, cancel: cancel, release: release}
			s.logger.Debug("device_shell_started", "pid", ev.PID, "command", cmd.String())
			return s.inst, nil
		}
		cancel()
		release()
		if err := ev.Result.Err(); err != nil {
			return nil, fmt.Errorf("start device shell: %w", err)
		}
		return nil, fmt.Errorf("start device shell: %w", ErrShellExited)
	case <-ctx.Done():
		cancel()
		release()
		go discard(proc)
		return nil, ctx.Err()
	}
}

// drain consumes stray events between queries, such as stderr that
// trailed the previous sentinel.
func (s *Shell) drain(inst *instance) {
	for {
		select {
		case ev, ok := <-inst.proc.Events():
			if !ok || ev.Kind == process.EventDone {
				inst.dead = true
				return
			}
		default:
			return
		}
	}
}

func (s *Shell) teardown(reason string) {
	inst := s.inst
	if inst == nil {
		return
	}
	s.inst = nil
	if !inst.dead {
		inst.proc.SendControlSignal(process.SignalKill)
	}
	inst.cancel()
	go discard(inst.proc)
	inst.release()
	s.logger.Debug("device_shell_teardown", "reason", reason)
}

func discard(proc *process.Desktop) {
	for range proc.Events() {
	}
}
