package runcontrol

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/randomizedcoder/runctl/internal/process"
	"github.com/randomizedcoder/runctl/internal/runerr"
)

// Timer is the subset of *time.Timer the control uses.
type Timer interface {
	Stop() bool
}

// Runnable is what a session runs.
type Runnable struct {
	Command    process.CommandLine
	WorkingDir string
	Env        process.Environment
	ExtraData  map[string]any
}

// Callbacks observe the session. They run on the control goroutine and
// must not block or call AddWorker, ForceStop or InitiateRestart.
type Callbacks struct {
	OnStateChange       func(old, new State)
	OnWorkerStateChange func(w WorkerInfo, old WorkerState)
	OnMessage           func(worker, text string, format MessageFormat)
	OnFinished          func()
}

// Config configures a RunControl.
type Config struct {
	// ID identifies the session; a random UUID when empty.
	ID       string
	RunMode  string
	Runnable Runnable

	Callbacks Callbacks
	Logger    *slog.Logger

	// AfterFunc schedules watchdogs; time.AfterFunc when nil.
	AfterFunc func(d time.Duration, f func()) Timer
}

// RunControl owns the workers of one session. All state lives on a single
// goroutine; public methods enqueue work onto it.
type RunControl struct {
	cfg    Config
	logger *slog.Logger

	inbox    *inbox
	finished chan struct{}

	stateVal atomic.Int32

	snapMu   sync.RWMutex
	snapshot []WorkerInfo
	rerun    bool

	// Owned by the control goroutine.
	state   State
	workers []*Worker
}

// New creates a RunControl in the Initialized state and starts its loop.
// The loop exits once the control reaches Finished.
func New(cfg Config) *RunControl {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		}
	}

	rc := &RunControl{
		cfg:      cfg,
		logger:   cfg.Logger.With("session", cfg.ID),
		inbox:    newInbox(),
		finished: make(chan struct{}),
		rerun:    true,
	}
	go rc.loop()
	return rc
}

// ID returns the session id.
func (rc *RunControl) ID() string { return rc.cfg.ID }

// RunMode returns the run mode the session was created for.
func (rc *RunControl) RunMode() string { return rc.cfg.RunMode }

// Runnable returns what the session runs.
func (rc *RunControl) Runnable() Runnable { return rc.cfg.Runnable }

// Logger returns the session logger.
func (rc *RunControl) Logger() *slog.Logger { return rc.logger }

// State returns the current control state. Safe from any goroutine.
func (rc *RunControl) State() State { return State(rc.stateVal.Load()) }

// Done is closed once the control reached Finished and its loop exited.
func (rc *RunControl) Done() <-chan struct{} { return rc.finished }

// Workers returns a snapshot of all workers in registration order.
func (rc *RunControl) Workers() []WorkerInfo {
	rc.snapMu.RLock()
	defer rc.snapMu.RUnlock()
	return append([]WorkerInfo(nil), rc.snapshot...)
}

// SupportsRerun reports whether every worker can be restarted.
func (rc *RunControl) SupportsRerun() bool {
	rc.snapMu.RLock()
	defer rc.snapMu.RUnlock()
	return rc.rerun
}

// =============================================================================
// Event loop
// =============================================================================

func (rc *RunControl) loop() {
	defer close(rc.finished)
	for range rc.inbox.notify {
		for _, f := range rc.inbox.drain() {
			f()
			if rc.state == StateFinished {
				rc.inbox.close()
				return
			}
		}
	}
}

// post enqueues f. After Finished it is dropped.
func (rc *RunControl) post(f func()) bool {
	return rc.inbox.push(f)
}

// call runs f on the control goroutine and waits for it. It returns false
// if the control finished before f could run.
func (rc *RunControl) call(f func()) bool {
	ran := make(chan struct{})
	if !rc.post(func() { f(); close(ran) }) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-rc.finished:
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// =============================================================================
// Registration
// =============================================================================

// AddWorker registers a worker. It fails with a config error once the
// session has been started, when a dependency belongs to another control,
// or when the dependency graph would contain a cycle.
func (rc *RunControl) AddWorker(spec WorkerSpec) (*Worker, error) {
	if spec.Task == nil {
		return nil, runerr.Config("worker %q has no task", spec.Name)
	}
	var w *Worker
	var err error
	if !rc.call(func() { w, err = rc.addWorker(spec) }) {
		return nil, runerr.Config("cannot add worker %q: session finished", spec.Name)
	}
	return w, err
}

func (rc *RunControl) addWorker(spec WorkerSpec) (*Worker, error) {
	if rc.state != StateInitialized {
		return nil, runerr.Config("cannot add worker %q in state %s", spec.Name, rc.state)
	}
	for _, dep := range append(append([]*Worker{}, spec.StartAfter...), spec.StopAfter...) {
		if dep == nil || dep.control != rc {
			return nil, runerr.Config("worker %q depends on a worker of another session", spec.Name)
		}
	}

	name := spec.Name
	if name == "" {
		name = fmt.Sprintf("worker-%d", len(rc.workers))
	}
	w := &Worker{
		id:         len(rc.workers),
		name:       name,
		task:       spec.Task,
		control:    rc,
		essential:  spec.Essential,
		startAfter: append([]*Worker(nil), spec.StartAfter...),
		stopAfter:  append([]*Worker(nil), spec.StopAfter...),
		startDog:   watchdogTimer{cfg: spec.StartWatchdog},
		stopDog:    watchdogTimer{cfg: spec.StopWatchdog},
	}
	rc.workers = append(rc.workers, w)
	rc.logger.Debug("worker_added",
		"worker", w.name,
		"essential", w.essential,
		"start_after", len(w.startAfter),
		"stop_after", len(w.stopAfter),
	)
	rc.publish()
	return w, nil
}

func (rc *RunControl) addDependency(w, other *Worker, start bool) error {
	var err error
	if !rc.call(func() { err = rc.addEdge(w, other, start) }) {
		return runerr.Config("cannot add dependency to %q: session finished", w.name)
	}
	return err
}

func (rc *RunControl) addEdge(w, other *Worker, start bool) error {
	if rc.state != StateInitialized {
		return runerr.Config("cannot add dependency to %q in state %s", w.name, rc.state)
	}
	if other == nil || other.control != rc {
		return runerr.Config("worker %q depends on a worker of another session", w.name)
	}

	edges := &w.stopAfter
	kind := "stop"
	if start {
		edges = &w.startAfter
		kind = "start"
	}
	if dependsOn(*edges, other) {
		return nil
	}
	*edges = append(*edges, other)

	next := func(x *Worker) []*Worker { return x.stopAfter }
	if start {
		next = func(x *Worker) []*Worker { return x.startAfter }
	}
	if cycle := findCycle(rc.workers, next); cycle != nil {
		*edges = (*edges)[:len(*edges)-1]
		return runerr.Config("%s dependency cycle: %s", kind, cyclePath(cycle))
	}
	rc.publish()
	return nil
}

// =============================================================================
// User actions
// =============================================================================

// InitiateStart starts the workers in dependency order.
func (rc *RunControl) InitiateStart() {
	rc.post(rc.initiateStart)
}

// InitiateStop stops all workers; the session ends in Stopped.
func (rc *RunControl) InitiateStop() {
	rc.post(rc.initiateStop)
}

// InitiateFinish stops all workers; the session ends in Finished and the
// control shuts down.
func (rc *RunControl) InitiateFinish() {
	rc.post(rc.initiateFinish)
}

// ForceStop marks every worker Done without waiting for acknowledgements
// and moves to Stopped. Workers still running are asked to stop in the
// background.
func (rc *RunControl) ForceStop() {
	rc.call(rc.forceStop)
}

// InitiateRestart re-runs a Stopped session. Every worker must support
// rerun.
func (rc *RunControl) InitiateRestart() error {
	var err error
	if !rc.call(func() { err = rc.initiateRestart() }) {
		return runerr.Config("cannot restart: session finished")
	}
	return err
}

func (rc *RunControl) initiateStart() {
	if rc.state == StateStarting || rc.state == StateRunning {
		return
	}
	if !rc.setState(StateStarting) {
		return
	}
	if len(rc.workers) == 0 {
		rc.setState(StateRunning)
		return
	}
	rc.continueStart()
}

func (rc *RunControl) initiateStop() {
	if rc.state == StateStopping || rc.state == StateStopped {
		return
	}
	if !rc.setState(StateStopping) {
		return
	}
	rc.continueStop()
}

func (rc *RunControl) initiateFinish() {
	if rc.state == StateFinishing {
		return
	}
	if !rc.setState(StateFinishing) {
		return
	}
	rc.continueStop()
}

func (rc *RunControl) forceStop() {
	for _, w := range rc.workers {
		if w.state == WorkerDone {
			continue
		}
		wasActive := w.state == WorkerStarting || w.state == WorkerRunning
		rc.disarmWatchdog(&w.startDog)
		rc.disarmWatchdog(&w.stopDog)
		rc.setWorkerState(w, WorkerDone)
		if wasActive {
			// Best effort; late reports are ignored because the worker is Done.
			w.task.Stop(w)
		}
	}

	switch rc.state {
	case StateInitialized:
		rc.setState(StateStopping)
		rc.setState(StateStopped)
	case StateStarting, StateRunning, StateStopping:
		rc.setState(StateStopped)
	case StateFinishing:
		rc.setState(StateFinished)
	}
}

func (rc *RunControl) initiateRestart() error {
	if rc.state != StateStopped {
		return runerr.Config("cannot restart in state %s", rc.state)
	}
	for _, w := range rc.workers {
		if !w.supportsRerun() {
			return runerr.Config("worker %q does not support rerun", w.name)
		}
	}
	for _, w := range rc.workers {
		if w.state == WorkerDone {
			w.lastError = nil
			rc.setWorkerState(w, WorkerInitialized)
		}
	}
	rc.logger.Info("run_control_restart", "workers", len(rc.workers))
	rc.initiateStart()
	return nil
}

// =============================================================================
// Scheduling
// =============================================================================

// continueStart starts at most one eligible worker per pass and re-posts
// itself, so the effects of each start are seen before the next.
func (rc *RunControl) continueStart() {
	if rc.state != StateStarting {
		return
	}
	allUp := true
	for _, w := range rc.workers {
		switch w.state {
		case WorkerInitialized:
			allUp = false
			if w.canStart() {
				rc.startWorker(w)
				rc.post(rc.continueStart)
				return
			}
		case WorkerStarting, WorkerStopping:
			allUp = false
		}
	}
	if allUp {
		rc.setState(StateRunning)
	}
}

// continueStop drives Stopping and Finishing to their end states.
func (rc *RunControl) continueStop() {
	if rc.state != StateStopping && rc.state != StateFinishing {
		return
	}
	for _, w := range rc.workers {
		if w.state == WorkerInitialized {
			rc.setWorkerState(w, WorkerDone)
		}
	}

	allDone := true
	for _, w := range rc.workers {
		switch w.state {
		case WorkerStopping:
			allDone = false
		case WorkerStarting, WorkerRunning:
			allDone = false
			if w.canStop() {
				rc.stopWorker(w)
			}
		}
	}
	if !allDone {
		return
	}
	if rc.state == StateFinishing {
		rc.setState(StateFinished)
		return
	}
	rc.setState(StateStopped)
}

func (rc *RunControl) startWorker(w *Worker) {
	rc.setWorkerState(w, WorkerStarting)
	rc.armWatchdog(w, &w.startDog, "worker start timed out")
	w.task.Start(w)
}

func (rc *RunControl) stopWorker(w *Worker) {
	rc.disarmWatchdog(&w.startDog)
	rc.setWorkerState(w, WorkerStopping)
	rc.armWatchdog(w, &w.stopDog, "worker stop timed out")
	w.task.Stop(w)
}

func (rc *RunControl) allDone() bool {
	for _, w := range rc.workers {
		if w.state != WorkerDone {
			return false
		}
	}
	return true
}

// =============================================================================
// Worker reports
// =============================================================================

func (rc *RunControl) onWorkerStarted(w *Worker) {
	if w.state != WorkerStarting {
		rc.logger.Debug("worker_report_ignored", "worker", w.name, "report", "started", "state", w.state.String())
		return
	}
	rc.disarmWatchdog(&w.startDog)
	rc.setWorkerState(w, WorkerRunning)

	switch rc.state {
	case StateStarting:
		rc.continueStart()
	case StateStopping, StateFinishing:
		rc.continueStop()
	}
}

func (rc *RunControl) onWorkerStopped(w *Worker, done bool) {
	if w.state == WorkerDone || (!done && w.state == WorkerInitialized) {
		report := "stopped"
		if done {
			report = "done"
		}
		rc.logger.Debug("worker_report_ignored", "worker", w.name, "report", report, "state", w.state.String())
		return
	}
	rc.disarmWatchdog(&w.startDog)
	rc.disarmWatchdog(&w.stopDog)
	rc.setWorkerState(w, WorkerDone)
	rc.afterWorkerDone(w)
}

func (rc *RunControl) onWorkerFailed(w *Worker, err error) {
	if w.state == WorkerDone {
		rc.logger.Debug("worker_report_ignored", "worker", w.name, "report", "failure", "error", err)
		return
	}
	rc.disarmWatchdog(&w.startDog)
	rc.disarmWatchdog(&w.stopDog)
	w.lastError = err
	rc.logger.Warn("worker_failed",
		"worker", w.name,
		"state", w.state.String(),
		"kind", runerr.KindOf(err).String(),
		"error", err,
	)
	rc.emitMessage(w, err.Error(), MessageError)
	rc.setWorkerState(w, WorkerDone)

	switch rc.state {
	case StateInitialized, StateStarting, StateRunning:
		rc.initiateStop()
	case StateStopping, StateFinishing:
		rc.continueStop()
	}
}

func (rc *RunControl) afterWorkerDone(w *Worker) {
	switch rc.state {
	case StateStopping, StateFinishing:
		rc.continueStop()
		return
	case StateStarting, StateRunning:
	default:
		return
	}

	if w.essential && !rc.allDone() {
		rc.logger.Info("essential_worker_lost", "worker", w.name)
		rc.initiateStop()
		return
	}

	// Dependents die with the resource they depend on.
	for _, other := range rc.workers {
		if (other.state == WorkerStarting || other.state == WorkerRunning) &&
			dependsOn(other.stopAfter, w) && other.canStop() {
			rc.stopWorker(other)
		}
	}

	if rc.allDone() {
		rc.setState(StateStopped)
		return
	}
	if rc.state == StateStarting {
		rc.continueStart()
	}
}

// =============================================================================
// State bookkeeping
// =============================================================================

func (rc *RunControl) setState(s State) bool {
	old := rc.state
	if old == s {
		return true
	}
	if !CanTransition(old, s) {
		rc.logger.Warn("invalid_state_transition", "from", old.String(), "to", s.String())
		return false
	}
	rc.state = s
	rc.stateVal.Store(int32(s))
	rc.logger.Info("run_control_state", "from", old.String(), "to", s.String())

	if cb := rc.cfg.Callbacks.OnStateChange; cb != nil {
		cb(old, s)
	}
	if s == StateFinished {
		for _, w := range rc.workers {
			rc.disarmWatchdog(&w.startDog)
			rc.disarmWatchdog(&w.stopDog)
		}
		if cb := rc.cfg.Callbacks.OnFinished; cb != nil {
			cb()
		}
	}
	return true
}

func (rc *RunControl) setWorkerState(w *Worker, s WorkerState) {
	old := w.state
	if old == s {
		return
	}
	w.state = s
	rc.logger.Debug("worker_state", "worker", w.name, "from", old.String(), "to", s.String())
	rc.publish()
	if cb := rc.cfg.Callbacks.OnWorkerStateChange; cb != nil {
		cb(w.info(), old)
	}
}

func (rc *RunControl) publish() {
	infos := make([]WorkerInfo, len(rc.workers))
	rerun := true
	for i, w := range rc.workers {
		infos[i] = w.info()
		rerun = rerun && w.supportsRerun()
	}
	rc.snapMu.Lock()
	rc.snapshot = infos
	rc.rerun = rerun
	rc.snapMu.Unlock()
}

func (rc *RunControl) emitMessage(w *Worker, text string, format MessageFormat) {
	if cb := rc.cfg.Callbacks.OnMessage; cb != nil {
		cb(w.name, text, format)
	}
}

// =============================================================================
// Inbox
// =============================================================================

// inbox is an unbounded queue so that posting never blocks, including from
// the control goroutine itself.
type inbox struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	notify chan struct{}
}

func newInbox() *inbox {
	return &inbox{notify: make(chan struct{}, 1)}
}

func (q *inbox) push(f func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.queue = append(q.queue, f)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *inbox) drain() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	fs := q.queue
	q.queue = nil
	return fs
}

func (q *inbox) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.queue = nil
}
