package runcontrol

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/randomizedcoder/runctl/internal/deviceshell"
)

// DelayTask reports started after a fixed delay and stops immediately.
// Used for readiness gates that have nothing to probe.
type DelayTask struct {
	Delay time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// Start implements Task.
func (t *DelayTask) Start(w *Worker) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Delay <= 0 {
		w.ReportStarted()
		return
	}
	t.timer = time.AfterFunc(t.Delay, w.ReportStarted)
}

// Stop implements Task.
func (t *DelayTask) Stop(w *Worker) {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
	w.ReportStopped()
}

// SupportsRerun implements Rerunner.
func (t *DelayTask) SupportsRerun() bool { return true }

// ShellRunner runs one command through a device shell.
type ShellRunner interface {
	Run(ctx context.Context, cmd string, stdin []byte) (deviceshell.Result, error)
}

// ShellCheckTask runs a one-shot command on the device shell. A zero exit
// marks the worker done; anything else fails it.
type ShellCheckTask struct {
	Shell   ShellRunner
	Command string
	Timeout time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

// Start implements Task.
func (t *ShellCheckTask) Start(w *Worker) {
	ctx, cancel := context.WithCancel(context.Background())
	if t.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), t.Timeout)
	}
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	go func() {
		defer cancel()
		res, err := t.Shell.Run(ctx, t.Command, nil)
		switch {
		case err != nil:
			w.ReportFailure(fmt.Errorf("check %q: %w", t.Command, err))
		case res.ExitCode != 0:
			msg := strings.TrimSpace(string(res.Stderr))
			if msg == "" {
				msg = strings.TrimSpace(string(res.Stdout))
			}
			w.ReportFailure(fmt.Errorf("check %q exited with code %d: %s", t.Command, res.ExitCode, msg))
		default:
			if out := strings.TrimSpace(string(res.Stdout)); out != "" {
				w.AppendMessage(out, MessageStdOut)
			}
			w.ReportDone()
		}
	}()
}

// Stop implements Task.
func (t *ShellCheckTask) Stop(w *Worker) {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Unlock()
	w.ReportStopped()
}

// SupportsRerun implements Rerunner.
func (t *ShellCheckTask) SupportsRerun() bool { return true }
