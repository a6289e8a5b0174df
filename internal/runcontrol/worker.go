package runcontrol

import (
	"errors"
	"time"

	"github.com/randomizedcoder/runctl/internal/runerr"
)

// Task is the backend of a worker. Start and Stop are called on the control
// goroutine and must return promptly; completion is reported through the
// Worker's Report methods from any goroutine.
type Task interface {
	Start(w *Worker)
	Stop(w *Worker)
}

// Rerunner is implemented by tasks that can be started again after they
// finished.
type Rerunner interface {
	SupportsRerun() bool
}

// TaskFuncs adapts a pair of functions to Task. Nil functions do nothing.
type TaskFuncs struct {
	StartFunc func(w *Worker)
	StopFunc  func(w *Worker)
	Rerun     bool
}

// Start implements Task.
func (t TaskFuncs) Start(w *Worker) {
	if t.StartFunc != nil {
		t.StartFunc(w)
	}
}

// Stop implements Task.
func (t TaskFuncs) Stop(w *Worker) {
	if t.StopFunc != nil {
		t.StopFunc(w)
	}
}

// SupportsRerun implements Rerunner.
func (t TaskFuncs) SupportsRerun() bool { return t.Rerun }

// Watchdog bounds a start or stop. When OnTimeout is nil the worker fails
// with a Timeout error.
type Watchdog struct {
	Timeout   time.Duration
	OnTimeout func(w *Worker)
}

// WorkerSpec describes a worker at registration.
type WorkerSpec struct {
	Name      string
	Task      Task
	Essential bool

	StartAfter []*Worker
	StopAfter  []*Worker

	StartWatchdog Watchdog
	StopWatchdog  Watchdog
}

// WorkerInfo is a snapshot of one worker.
type WorkerInfo struct {
	ID         int
	Name       string
	State      WorkerState
	Essential  bool
	StartAfter []string
	StopAfter  []string
	LastError  string
	ErrorKind  runerr.Kind
}

// Worker is one start/stop-able unit owned by a RunControl.
type Worker struct {
	id      int
	name    string
	task    Task
	control *RunControl

	// Owned by the control goroutine.
	state      WorkerState
	essential  bool
	startAfter []*Worker
	stopAfter  []*Worker
	startDog   watchdogTimer
	stopDog    watchdogTimer
	lastError  error
}

type watchdogTimer struct {
	cfg   Watchdog
	timer Timer
	gen   uint64
}

// Name returns the worker's name.
func (w *Worker) Name() string { return w.name }

// ID returns the worker's index in its control.
func (w *Worker) ID() int { return w.id }

// Control returns the owning RunControl.
func (w *Worker) Control() *RunControl { return w.control }

// ReportStarted tells the control the worker is running. Reports outside
// the Starting state are ignored.
func (w *Worker) ReportStarted() {
	w.control.post(func() { w.control.onWorkerStarted(w) })
}

// ReportStopped tells the control the worker has stopped.
func (w *Worker) ReportStopped() {
	w.control.post(func() { w.control.onWorkerStopped(w, false) })
}

// ReportDone moves the worker to Done from any non-terminal state. Used by
// short-lived helpers that never sustain a Running state.
func (w *Worker) ReportDone() {
	w.control.post(func() { w.control.onWorkerStopped(w, true) })
}

// ReportFailure marks the worker Done, surfaces err and stops the session.
func (w *Worker) ReportFailure(err error) {
	if err == nil {
		err = errors.New("worker failed")
	}
	w.control.post(func() { w.control.onWorkerFailed(w, err) })
}

// AppendMessage forwards text to the session output.
func (w *Worker) AppendMessage(text string, format MessageFormat) {
	w.control.post(func() { w.control.emitMessage(w, text, format) })
}

// AddStartDependency makes w start only after other is Running or Done.
func (w *Worker) AddStartDependency(other *Worker) error {
	return w.control.addDependency(w, other, true)
}

// AddStopDependency makes w stop only after other is Done.
func (w *Worker) AddStopDependency(other *Worker) error {
	return w.control.addDependency(w, other, false)
}

// SetStartWatchdog replaces the start watchdog. Takes effect on the next
// start.
func (w *Worker) SetStartWatchdog(d Watchdog) {
	w.control.post(func() { w.startDog.cfg = d })
}

// SetStopWatchdog replaces the stop watchdog. Takes effect on the next
// stop.
func (w *Worker) SetStopWatchdog(d Watchdog) {
	w.control.post(func() { w.stopDog.cfg = d })
}

func (w *Worker) supportsRerun() bool {
	r, ok := w.task.(Rerunner)
	return ok && r.SupportsRerun()
}

func (w *Worker) info() WorkerInfo {
	names := func(ws []*Worker) []string {
		out := make([]string, len(ws))
		for i, d := range ws {
			out[i] = d.name
		}
		return out
	}
	info := WorkerInfo{
		ID:         w.id,
		Name:       w.name,
		State:      w.state,
		Essential:  w.essential,
		StartAfter: names(w.startAfter),
		StopAfter:  names(w.stopAfter),
	}
	if w.lastError != nil {
		info.LastError = w.lastError.Error()
		info.ErrorKind = runerr.KindOf(w.lastError)
	}
	return info
}

// canStart: every start dependency is Running or Done.
func (w *Worker) canStart() bool {
	for _, dep := range w.startAfter {
		if dep.state != WorkerRunning && dep.state != WorkerDone {
			return false
		}
	}
	return true
}

// canStop: every stop dependency is Done.
func (w *Worker) canStop() bool {
	for _, dep := range w.stopAfter {
		if dep.state != WorkerDone {
			return false
		}
	}
	return true
}

func dependsOn(deps []*Worker, other *Worker) bool {
	for _, d := range deps {
		if d == other {
			return true
		}
	}
	return false
}

func (rc *RunControl) armWatchdog(w *Worker, dog *watchdogTimer, msg string) {
	rc.disarmWatchdog(dog)
	if dog.cfg.Timeout <= 0 {
		return
	}
	dog.gen++
	gen := dog.gen
	dog.timer = rc.cfg.AfterFunc(dog.cfg.Timeout, func() {
		rc.post(func() {
			if dog.gen != gen || dog.timer == nil {
				return
			}
			dog.timer = nil
			rc.logger.Warn("worker_watchdog_fired",
				"worker", w.name,
				"state", w.state.String(),
				"timeout", dog.cfg.Timeout.String(),
			)
			if dog.cfg.OnTimeout != nil {
				dog.cfg.OnTimeout(w)
				return
			}
			rc.onWorkerFailed(w, runerr.Timeout("%s", msg))
		})
	})
}

func (rc *RunControl) disarmWatchdog(dog *watchdogTimer) {
	if dog.timer != nil {
		dog.timer.Stop()
		dog.timer = nil
	}
	dog.gen++
}
