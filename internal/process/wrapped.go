package process

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// signalTimeout bounds a remote kill round trip.
const signalTimeout = 10 * time.Second

// Signaler delivers a signal to a pid on the device. Backends without a
// native signal channel run `kill -N <pid>` through the device shell.
type Signaler interface {
	Signal(ctx context.Context, pid int, sig ControlSignal) error
}

// SignalerFunc adapts a function to Signaler.
type SignalerFunc func(ctx context.Context, pid int, sig ControlSignal) error

// Signal implements Signaler.
func (f SignalerFunc) Signal(ctx context.Context, pid int, sig ControlSignal) error {
	return f(ctx, pid, sig)
}

// KillCommand returns the shell command that delivers sig to pid.
func KillCommand(pid int, sig ControlSignal) string {
	return fmt.Sprintf("kill -%d %d", int(sig.Syscall()), pid)
}

// markerProcess runs a local client (ssh, docker) whose remote side prints
// the pid marker before exec'ing the target command. EventStarted is
// deferred until the marker has been parsed.
type markerProcess struct {
	emitter
	logger   *slog.Logger
	backend  string
	signaler Signaler

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	release func()

	// outMu sequences emissions from the stdout and stderr pumps so that
	// no output overtakes the deferred EventStarted.
	outMu     sync.Mutex
	marker    markerParser
	errBuffer []byte
}

func newMarkerProcess(backend string, signaler Signaler, logger *slog.Logger) markerProcess {
	if logger == nil {
		logger = slog.Default()
	}
	return markerProcess{
		emitter:  newEmitter(),
		logger:   logger,
		backend:  backend,
		signaler: signaler,
	}
}

// launch spawns argv locally. release is called once the client exits.
func (m *markerProcess) launch(ctx context.Context, argv []string, mode Mode, release func()) {
	if release == nil {
		release = func() {}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		release()
		m.failToStart(fmt.Sprintf("stdout pipe: %v", err))
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		release()
		m.failToStart(fmt.Sprintf("stderr pipe: %v", err))
		return
	}
	var stdin io.WriteCloser
	if mode != ModeReader {
		if stdin, err = cmd.StdinPipe(); err != nil {
			release()
			m.failToStart(fmt.Sprintf("stdin pipe: %v", err))
			return
		}
	}

	if err := cmd.Start(); err != nil {
		release()
		m.failToStart(fmt.Sprintf("failed to start %s client: %v", m.backend, err))
		return
	}

	m.mu.Lock()
	m.cmd = cmd
	m.stdin = stdin
	m.release = release
	m.mu.Unlock()

	clientPID := cmd.Process.Pid
	m.logger.Debug("marker_client_started",
		"backend", m.backend,
		"client_pid", clientPID,
	)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		m.pumpStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		m.pumpStderr(stderr)
	}()

	exited := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			m.logger.Debug("marker_context_cancelled", "backend", m.backend, "client_pid", clientPID)
			if pid, ok := m.runningPID(); ok {
				m.deliver(pid, SignalKill)
			}
			signalGroup(clientPID, syscall.SIGKILL)
		case <-exited:
		}
	}()

	go func() {
		readers.Wait()
		waitErr := cmd.Wait()
		close(exited)
		m.finish(waitErr)
	}()
}

func (m *markerProcess) pumpStdout(r io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			m.handleStdout(bytes.Clone(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

func (m *markerProcess) handleStdout(chunk []byte) {
	m.outMu.Lock()
	defer m.outMu.Unlock()

	wasFound := m.marker.found
	wasOverflowed := m.marker.overflowed()
	pid, found, rest := m.marker.feed(chunk)
	if !found {
		if m.marker.overflowed() && !wasOverflowed {
			m.abortClient()
		}
		return
	}
	if !wasFound {
		m.announce(pid, rest)
		return
	}
	m.emitOutput(rest, nil)
}

// announce emits the deferred started event followed by anything that was
// held back. Caller holds outMu.
func (m *markerProcess) announce(pid int, stdout []byte) {
	m.logger.Debug("marker_pid_discovered", "backend", m.backend, "pid", pid)
	m.emitStarted(pid)
	pendingErr := m.errBuffer
	m.errBuffer = nil
	m.emitOutput(stdout, pendingErr)
}

// abortClient kills the local client after the marker budget ran out.
func (m *markerProcess) abortClient() {
	m.mu.Lock()
	cmd := m.cmd
	m.mu.Unlock()
	m.logger.Warn("marker_prefix_overflow", "backend", m.backend, "limit", maxMarkerPrefix)
	if cmd != nil && cmd.Process != nil {
		signalGroup(cmd.Process.Pid, syscall.SIGKILL)
	}
}

func (m *markerProcess) pumpStderr(r io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := bytes.Clone(buf[:n])
			m.outMu.Lock()
			if m.marker.found {
				m.emitOutput(nil, chunk)
			} else if len(m.errBuffer) < maxMarkerPrefix {
				m.errBuffer = append(m.errBuffer, chunk...)
			}
			m.outMu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (m *markerProcess) finish(waitErr error) {
	m.mu.Lock()
	release := m.release
	m.cmd = nil
	m.stdin = nil
	m.release = nil
	m.mu.Unlock()
	if release != nil {
		release()
	}

	m.outMu.Lock()
	if !m.marker.found {
		if pid, found, rest := m.marker.finish(); found {
			m.announce(pid, rest)
		}
	}
	found := m.marker.found
	overflow := m.marker.overflowed()
	diagnostics := strings.TrimSpace(string(m.errBuffer))
	m.outMu.Unlock()

	result := resultFromWait(waitErr)
	if !found {
		msg := fmt.Sprintf("%s process exited before reporting its pid (exit code %d)", m.backend, result.ExitCode)
		if overflow {
			msg = fmt.Sprintf("%s process wrote more than %d bytes without reporting its pid", m.backend, maxMarkerPrefix)
		}
		if diagnostics != "" {
			msg += ": " + diagnostics
		}
		m.logger.Debug("marker_not_found",
			"backend", m.backend,
			"exit_code", result.ExitCode,
			"discarded_bytes", len(m.marker.pending()),
		)
		m.failToStart(msg)
		return
	}

	m.logger.Debug("marker_process_exited",
		"backend", m.backend,
		"exit_code", result.ExitCode,
	)
	m.emitDone(result)
}

// Write implements Interface.
func (m *markerProcess) Write(p []byte) (int, error) {
	if _, running := m.runningPID(); !running {
		return 0, ErrNotRunning
	}
	m.mu.Lock()
	stdin := m.stdin
	m.mu.Unlock()
	if stdin == nil {
		return 0, ErrNotRunning
	}
	return stdin.Write(p)
}

// SendControlSignal implements Interface.
func (m *markerProcess) SendControlSignal(sig ControlSignal) error {
	pid, running := m.runningPID()
	if !running {
		return ErrNotRunning
	}

	if sig == SignalCloseWriteChannel {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.stdin == nil {
			return ErrNotRunning
		}
		err := m.stdin.Close()
		m.stdin = nil
		return err
	}
	return m.deliver(pid, sig)
}

func (m *markerProcess) deliver(pid int, sig ControlSignal) error {
	if m.signaler == nil {
		// Without a device shell the local client is the only handle.
		m.mu.Lock()
		cmd := m.cmd
		m.mu.Unlock()
		if cmd == nil || cmd.Process == nil {
			return ErrNotRunning
		}
		return signalGroup(cmd.Process.Pid, sig.Syscall())
	}

	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	m.logger.Debug("marker_signal", "backend", m.backend, "pid", pid, "signal", sig.String())
	return m.signaler.Signal(ctx, pid, sig)
}
