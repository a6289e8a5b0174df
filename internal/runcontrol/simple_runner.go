package runcontrol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/randomizedcoder/runctl/internal/process"
)

// DefaultStopGrace is how long Stop waits after SIGTERM before SIGKILL.
const DefaultStopGrace = 3 * time.Second

// ProcessFactory manufactures processes for one device.
type ProcessFactory interface {
	NewProcess() process.Interface
	SupportsTerminal() bool
}

// SimpleTargetConfig configures a SimpleTargetRunner.
type SimpleTargetConfig struct {
	Runnable Runnable
	Terminal bool
	Mode     process.Mode

	// RunAsRoot wraps the command in "sudo -A". AskPass is exported as
	// SUDO_ASKPASS unless the runnable already sets it.
	RunAsRoot bool
	AskPass   string

	StopGrace time.Duration
	Logger    *slog.Logger

	// OnExit observes every process that ran, with how long it ran.
	OnExit func(res process.Result, uptime time.Duration)
}

// SimpleTargetRunner runs the session's Runnable as one process on a device
// and mirrors its lifecycle into a Worker.
type SimpleTargetRunner struct {
	cfg     SimpleTargetConfig
	devices ProcessFactory
	logger  *slog.Logger

	mu     sync.Mutex
	proc   process.Interface
	cancel context.CancelFunc
	exited chan struct{}
	pid    int
	since  time.Time

	// stopping is set once Stop was called for the current launch.
	stopping bool
}

// NewSimpleTargetRunner creates the task. Register it with AddWorker.
func NewSimpleTargetRunner(devices ProcessFactory, cfg SimpleTargetConfig) *SimpleTargetRunner {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SimpleTargetRunner{cfg: cfg, devices: devices, logger: cfg.Logger}
}

// SupportsRerun implements Rerunner.
func (r *SimpleTargetRunner) SupportsRerun() bool { return true }

// PID returns the pid of the current process, or 0.
func (r *SimpleTargetRunner) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pid
}

// Setup returns the launch description after local overrides.
func (r *SimpleTargetRunner) Setup() process.Setup {
	run := r.cfg.Runnable
	cmd := run.Command
	env := process.Environment{}.Merge(run.Env)

	if r.cfg.RunAsRoot {
		cmd = cmd.Prepend("sudo", "-A")
		if r.cfg.AskPass != "" && !env.Has("SUDO_ASKPASS") {
			env.Set("SUDO_ASKPASS", r.cfg.AskPass)
		}
	}

	terminal := r.cfg.Terminal
	if terminal && !r.devices.SupportsTerminal() {
		r.logger.Warn("terminal_unsupported", "command", cmd.String())
		terminal = false
	}

	return process.Setup{
		Command:    cmd,
		WorkingDir: run.WorkingDir,
		Env:        env,
		Terminal:   terminal,
		Mode:       r.cfg.Mode,
	}
}

// Start implements Task.
func (r *SimpleTargetRunner) Start(w *Worker) {
	setup := r.Setup()
	proc := r.devices.NewProcess()
	ctx, cancel := context.WithCancel(context.Background())
	exited := make(chan struct{})

	r.mu.Lock()
	r.proc = proc
	r.cancel = cancel
	r.exited = exited
	r.pid = 0
	r.stopping = false
	r.mu.Unlock()

	r.logger.Info("target_starting", "worker", w.Name(), "command", setup.Command.String(), "dir", setup.WorkingDir)
	w.AppendMessage(fmt.Sprintf("Starting %s", setup.Command.String()), MessageNormal)

	proc.Start(ctx, setup)
	go r.forward(w, proc, cancel, exited)
}

// Stop implements Task. Signals go out on their own goroutine because a
// remote kill is a device-shell round trip. The process is asked to
// terminate, then killed after StopGrace. A launch that has not reported a
// pid yet is cancelled outright.
func (r *SimpleTargetRunner) Stop(w *Worker) {
	r.mu.Lock()
	proc, cancel, exited := r.proc, r.cancel, r.exited
	if proc != nil {
		r.stopping = true
	}
	r.mu.Unlock()

	if proc == nil {
		w.ReportStopped()
		return
	}
	select {
	case <-exited:
		return
	default:
	}

	go r.terminate(w, proc, cancel, exited)
}

func (r *SimpleTargetRunner) terminate(w *Worker, proc process.Interface, cancel context.CancelFunc, exited chan struct{}) {
	if err := proc.SendControlSignal(process.SignalTerminate); err != nil {
		if errors.Is(err, process.ErrNotRunning) {
			r.logger.Info("target_launch_cancelled", "worker", w.Name())
			cancel()
			return
		}
		r.logger.Debug("target_terminate_failed", "worker", w.Name(), "error", err)
	}

	select {
	case <-exited:
		return
	case <-time.After(r.cfg.StopGrace):
	}
	r.logger.Warn("target_kill", "worker", w.Name(), "grace", r.cfg.StopGrace.String())
	if err := proc.SendControlSignal(process.SignalKill); err != nil {
		r.logger.Debug("target_kill_failed", "worker", w.Name(), "error", err)
	}
	select {
	case <-exited:
	case <-time.After(r.cfg.StopGrace):
		cancel()
	}
}

func (r *SimpleTargetRunner) forward(w *Worker, proc process.Interface, cancel context.CancelFunc, exited chan struct{}) {
	defer cancel()
	defer close(exited)

	for ev := range proc.Events() {
		switch ev.Kind {
		case process.EventStarted:
			r.mu.Lock()
			r.pid = ev.PID
			r.since = time.Now()
			r.mu.Unlock()
			r.logger.Info("target_started", "worker", w.Name(), "pid", ev.PID)
			w.ReportStarted()

		case process.EventReadyRead:
			if len(ev.Stdout) > 0 {
				w.AppendMessage(string(ev.Stdout), MessageStdOut)
			}
			if len(ev.Stderr) > 0 {
				w.AppendMessage(string(ev.Stderr), MessageStdErr)
			}

		case process.EventDone:
			res := ev.Result
			if res.Error == process.ErrorFailedToStart || res.Error == process.ErrorConnectFailed {
				r.mu.Lock()
				stopping := r.stopping
				r.mu.Unlock()
				if stopping {
					r.logger.Info("target_launch_aborted", "worker", w.Name(), "detail", res.ErrorString)
					w.ReportStopped()
					continue
				}
				r.logger.Warn("target_failed", "worker", w.Name(), "error", res.Error.String(), "detail", res.ErrorString)
				w.ReportFailure(res.Err())
				continue
			}
			r.mu.Lock()
			uptime := time.Since(r.since)
			r.mu.Unlock()
			r.logger.Info("target_exited",
				"worker", w.Name(),
				"exit_code", res.ExitCode,
				"crashed", res.ExitStatus == process.ExitCrashed,
				"uptime", uptime.String(),
			)
			if r.cfg.OnExit != nil {
				r.cfg.OnExit(res, uptime)
			}
			w.AppendMessage(exitMessage(res), MessageNormal)
			w.ReportDone()
		}
	}
}

func exitMessage(res process.Result) string {
	var b strings.Builder
	if res.ExitStatus == process.ExitCrashed {
		fmt.Fprintf(&b, "Process crashed (exit code %d)", res.ExitCode)
	} else {
		fmt.Fprintf(&b, "Process exited with code %d", res.ExitCode)
	}
	if res.ErrorString != "" {
		b.WriteString(": ")
		b.WriteString(res.ErrorString)
	}
	return b.String()
}
