package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// drainTimeout bounds how long a terminal-mode reader may keep the done
// event waiting after the process exited.
const drainTimeout = 2 * time.Second

// ErrNotRunning is returned for writes and signals outside the running
// window of a process.
var ErrNotRunning = errors.New("process is not running")

// Desktop spawns the command as a direct child process. The pid is the
// OS-reported child pid and is known at spawn time.
type Desktop struct {
	emitter
	logger *slog.Logger

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	ptmx  *os.File
}

// NewDesktop creates a local process backend.
func NewDesktop(logger *slog.Logger) *Desktop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Desktop{
		emitter: newEmitter(),
		logger:  logger,
	}
}

// Start implements Interface.
func (d *Desktop) Start(ctx context.Context, setup Setup) {
	if err := checkCommand(setup); err != nil {
		d.failToStart(err.Error())
		return
	}

	argv := setup.Command.Argv()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = setup.WorkingDir
	cmd.Env = environ(setup.Env)

	if setup.Terminal {
		d.startTerminal(ctx, cmd)
		return
	}
	d.startPiped(ctx, cmd, setup.Mode)
}

func (d *Desktop) startPiped(ctx context.Context, cmd *exec.Cmd, mode Mode) {
	// Own process group so signals reach the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		d.failToStart(fmt.Sprintf("stdout pipe: %v", err))
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		d.failToStart(fmt.Sprintf("stderr pipe: %v", err))
		return
	}
	var stdin io.WriteCloser
	if mode != ModeReader {
		if stdin, err = cmd.StdinPipe(); err != nil {
			d.failToStart(fmt.Sprintf("stdin pipe: %v", err))
			return
		}
	}

	if err := cmd.Start(); err != nil {
		d.logger.Debug("desktop_start_failed", "command", cmd.Path, "error", err)
		d.failToStart(fmt.Sprintf("failed to start %s: %v", cmd.Path, err))
		return
	}

	d.mu.Lock()
	d.cmd = cmd
	d.stdin = stdin
	d.mu.Unlock()

	pid := cmd.Process.Pid
	d.logger.Debug("desktop_process_started", "pid", pid, "command", cmd.Path)
	d.emitStarted(pid)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		d.pump(stdout, false)
	}()
	go func() {
		defer readers.Done()
		d.pump(stderr, true)
	}()

	exited := make(chan struct{})
	go d.killOnCancel(ctx, pid, exited)

	go func() {
		readers.Wait()
		waitErr := cmd.Wait()
		close(exited)
		d.finish(pid, waitErr)
	}()
}

func (d *Desktop) startTerminal(ctx context.Context, cmd *exec.Cmd) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		d.failToStart(fmt.Sprintf("failed to start %s in terminal: %v", cmd.Path, err))
		return
	}

	d.mu.Lock()
	d.cmd = cmd
	d.ptmx = ptmx
	d.mu.Unlock()

	pid := cmd.Process.Pid
	d.logger.Debug("desktop_terminal_started", "pid", pid, "command", cmd.Path)
	d.emitStarted(pid)

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		d.pump(ptmx, false)
	}()

	exited := make(chan struct{})
	go d.killOnCancel(ctx, pid, exited)

	go func() {
		waitErr := cmd.Wait()
		close(exited)

		// The pty master reports EIO once the last slave fd closes, but a
		// backgrounded grandchild can hold it open.
		select {
		case <-readerDone:
		case <-time.After(drainTimeout):
			d.logger.Warn("terminal_drain_timeout", "pid", pid, "timeout", drainTimeout.String())
		}
		ptmx.Close()
		<-readerDone
		d.finish(pid, waitErr)
	}()
}

// pump copies a stream into ReadyRead events until EOF or error.
func (d *Desktop) pump(r io.Reader, isStderr bool) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if isStderr {
				d.emitOutput(nil, chunk)
			} else {
				d.emitOutput(chunk, nil)
			}
		}
		if err != nil {
			return
		}
	}
}

func (d *Desktop) killOnCancel(ctx context.Context, pid int, exited <-chan struct{}) {
	select {
	case <-ctx.Done():
		d.logger.Debug("desktop_context_cancelled", "pid", pid)
		signalGroup(pid, syscall.SIGKILL)
	case <-exited:
	}
}

func (d *Desktop) finish(pid int, waitErr error) {
	d.mu.Lock()
	d.cmd = nil
	d.stdin = nil
	d.ptmx = nil
	d.mu.Unlock()

	result := resultFromWait(waitErr)
	d.logger.Debug("desktop_process_exited",
		"pid", pid,
		"exit_code", result.ExitCode,
		"crashed", result.ExitStatus == ExitCrashed,
	)
	d.emitDone(result)
}

// Write implements Interface.
func (d *Desktop) Write(p []byte) (int, error) {
	d.mu.Lock()
	stdin, ptmx := d.stdin, d.ptmx
	d.mu.Unlock()

	switch {
	case ptmx != nil:
		return ptmx.Write(p)
	case stdin != nil:
		return stdin.Write(p)
	default:
		return 0, ErrNotRunning
	}
}

// SendControlSignal implements Interface.
func (d *Desktop) SendControlSignal(sig ControlSignal) error {
	pid, running := d.runningPID()
	if !running {
		return ErrNotRunning
	}

	if sig == SignalCloseWriteChannel {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.ptmx != nil {
			// EOT on the line discipline is the terminal's end of input.
			_, err := d.ptmx.Write([]byte{4})
			return err
		}
		if d.stdin == nil {
			return ErrNotRunning
		}
		err := d.stdin.Close()
		d.stdin = nil
		return err
	}

	d.logger.Debug("desktop_signal", "pid", pid, "signal", sig.String())
	return signalGroup(pid, sig.Syscall())
}

// signalGroup signals the process group led by pid, falling back to the
// single process when the group cannot be resolved.
func signalGroup(pid int, sig syscall.Signal) error {
	if pgid, err := syscall.Getpgid(pid); err == nil {
		return syscall.Kill(-pgid, sig)
	}
	return syscall.Kill(pid, sig)
}

// resultFromWait converts an exec Wait error into a Result. Signal deaths
// are reported as crashes with exit code 128 + signal number.
func resultFromWait(err error) Result {
	if err == nil {
		return Result{ExitCode: 0, ExitStatus: ExitNormal}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return Result{
					ExitCode:    128 + int(status.Signal()),
					ExitStatus:  ExitCrashed,
					Error:       ErrorCrashed,
					ErrorString: fmt.Sprintf("process terminated by signal %s", status.Signal()),
				}
			}
			return Result{ExitCode: status.ExitStatus(), ExitStatus: ExitNormal}
		}
	}

	return Result{
		ExitCode:    1,
		ExitStatus:  ExitCrashed,
		Error:       ErrorCrashed,
		ErrorString: err.Error(),
	}
}

// environ overlays env on the current process environment.
func environ(env Environment) []string {
	if len(env) == 0 {
		return nil
	}
	return ParseEnvironment(os.Environ()).Merge(env).Entries()
}

// checkCommand validates setup before spawning.
func checkCommand(setup Setup) error {
	if setup.Command.IsEmpty() {
		return errors.New("no command to run")
	}
	if setup.Command.Raw != "" && setup.AbortOnMetaChars && HasMetaChars(setup.Command.Raw) {
		return fmt.Errorf("command %q contains shell meta characters", setup.Command.Raw)
	}
	return nil
}
