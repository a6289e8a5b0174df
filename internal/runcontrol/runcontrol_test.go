package runcontrol

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randomizedcoder/runctl/internal/runerr"
)

// =============================================================================
// Helpers
// =============================================================================

type recorder struct {
	mu       sync.Mutex
	states   []State
	events   []string
	messages []string
	finished int
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnStateChange: func(_, s State) {
			r.mu.Lock()
			r.states = append(r.states, s)
			r.mu.Unlock()
		},
		OnWorkerStateChange: func(w WorkerInfo, _ WorkerState) {
			r.mu.Lock()
			r.events = append(r.events, w.Name+":"+w.State.String())
			r.mu.Unlock()
		},
		OnMessage: func(worker, text string, format MessageFormat) {
			r.mu.Lock()
			r.messages = append(r.messages, worker+"|"+format.String()+"|"+text)
			r.mu.Unlock()
		},
		OnFinished: func() {
			r.mu.Lock()
			r.finished++
			r.mu.Unlock()
		},
	}
}

func (r *recorder) stateLog() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *recorder) eventLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) messageLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

func index(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

// manualClock fires watchdogs on demand.
type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	d       time.Duration
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// fireAll runs every pending timer, including stopped ones when force is
// set, to model a fire racing a disarm.
func (c *manualClock) fireAll(force bool) int {
	c.mu.Lock()
	var due []*manualTimer
	for _, t := range c.timers {
		if force || !t.stopped {
			due = append(due, t)
		}
		t.stopped = true
	}
	c.timers = nil
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
	return len(due)
}

func (c *manualClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

func newControl(t *testing.T, rec *recorder, clock *manualClock) *RunControl {
	t.Helper()
	cfg := Config{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Callbacks: rec.callbacks(),
	}
	if clock != nil {
		cfg.AfterFunc = clock.AfterFunc
	}
	rc := New(cfg)
	t.Cleanup(func() {
		rc.ForceStop()
		rc.InitiateFinish()
	})
	return rc
}

// autoTask reports started and stopped as soon as it is asked.
func autoTask() TaskFuncs {
	return TaskFuncs{
		StartFunc: func(w *Worker) { w.ReportStarted() },
		StopFunc:  func(w *Worker) { w.ReportStopped() },
		Rerun:     true,
	}
}

// manualTask records calls and leaves reporting to the test.
type manualTask struct {
	mu     sync.Mutex
	starts int
	stops  int
}

func (m *manualTask) Start(*Worker) { m.mu.Lock(); m.starts++; m.mu.Unlock() }
func (m *manualTask) Stop(*Worker)  { m.mu.Lock(); m.stops++; m.mu.Unlock() }

func (m *manualTask) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts, m.stops
}

func waitState(t *testing.T, rc *RunControl, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return rc.State() == want },
		5*time.Second, time.Millisecond, "want state %s, have %s", want, rc.State())
}

func workerState(rc *RunControl, name string) WorkerState {
	for _, w := range rc.Workers() {
		if w.Name == name {
			return w.State
		}
	}
	return -1
}

func waitWorker(t *testing.T, rc *RunControl, name string, want WorkerState) {
	t.Helper()
	require.Eventually(t, func() bool { return workerState(rc, name) == want },
		5*time.Second, time.Millisecond, "want %s %s, have %s", name, want, workerState(rc, name))
}

// =============================================================================
// State table
// =============================================================================

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateInitialized, StateStarting, true},
		{StateInitialized, StateRunning, false},
		{StateStarting, StateRunning, true},
		{StateRunning, StateStopping, true},
		{StateStopping, StateStopped, true},
		{StateStopped, StateStarting, true},
		{StateStopped, StateRunning, false},
		{StateRunning, StateFinishing, true},
		{StateFinishing, StateFinished, true},
		{StateFinishing, StateStopped, false},
		{StateFinished, StateStarting, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
	assert.True(t, StateFinished.IsTerminal())
	assert.False(t, StateStopped.IsTerminal())
	assert.True(t, WorkerStopping.IsActive())
	assert.False(t, WorkerDone.IsActive())
}

// =============================================================================
// Start and stop ordering
// =============================================================================

func TestStart_DependencyOrder(t *testing.T) {
	rec := &recorder{}
	rc := newControl(t, rec, nil)

	forward, err := rc.AddWorker(WorkerSpec{Name: "port-forward", Task: autoTask()})
	require.NoError(t, err)
	_, err = rc.AddWorker(WorkerSpec{
		Name:       "app",
		Task:       autoTask(),
		Essential:  true,
		StartAfter: []*Worker{forward},
	})
	require.NoError(t, err)

	rc.InitiateStart()
	waitState(t, rc, StateRunning)

	events := rec.eventLog()
	assert.Less(t, index(events, "port-forward:running"), index(events, "app:starting"),
		"app must not start before its dependency runs: %v", events)
	assert.Equal(t, []State{StateStarting, StateRunning}, rec.stateLog())

	rc.InitiateStop()
	waitState(t, rc, StateStopped)
	for _, w := range rc.Workers() {
		assert.Equal(t, WorkerDone, w.State, w.Name)
	}
}

func TestStop_WaitsForStopDependency(t *testing.T) {
	rec := &recorder{}
	rc := newControl(t, rec, nil)

	app := &manualTask{}
	appW, err := rc.AddWorker(WorkerSpec{Name: "app", Task: app})
	require.NoError(t, err)
	_, err = rc.AddWorker(WorkerSpec{Name: "tunnel", Task: autoTask(), StopAfter: []*Worker{appW}})
	require.NoError(t, err)

	rc.InitiateStart()
	waitWorker(t, rc, "tunnel", WorkerRunning)
	appW.ReportStarted()
	waitState(t, rc, StateRunning)

	rc.InitiateStop()
	waitWorker(t, rc, "app", WorkerStopping)
	assert.Equal(t, WorkerRunning, workerState(rc, "tunnel"), "tunnel stops after app is done")

	appW.ReportStopped()
	waitState(t, rc, StateStopped)
	events := rec.eventLog()
	assert.Less(t, index(events, "app:done"), index(events, "tunnel:stopping"), "%v", events)
}

func TestEssentialExitStopsSession(t *testing.T) {
	rec := &recorder{}
	rc := newControl(t, rec, nil)

	forward, err := rc.AddWorker(WorkerSpec{Name: "port-forward", Task: autoTask()})
	require.NoError(t, err)
	app, err := rc.AddWorker(WorkerSpec{
		Name:       "app",
		Task:       TaskFuncs{StartFunc: func(w *Worker) { w.ReportStarted() }},
		Essential:  true,
		StartAfter: []*Worker{forward},
	})
	require.NoError(t, err)

	rc.InitiateStart()
	waitState(t, rc, StateRunning)

	app.AppendMessage("exit 0", MessageNormal)
	app.ReportDone()
	waitState(t, rc, StateStopped)

	assert.Equal(t, []State{StateStarting, StateRunning, StateStopping, StateStopped}, rec.stateLog())
	assert.Equal(t, WorkerDone, workerState(rc, "port-forward"))
	assert.Contains(t, rec.messageLog(), "app|normal|exit 0")
}

func TestCascadingStop_DependentOfNonEssential(t *testing.T) {
	rec := &recorder{}
	rc := newControl(t, rec, nil)

	tunnel, err := rc.AddWorker(WorkerSpec{Name: "tunnel", Task: TaskFuncs{StartFunc: func(w *Worker) { w.ReportStarted() }}})
	require.NoError(t, err)
	_, err = rc.AddWorker(WorkerSpec{Name: "client", Task: autoTask(), StopAfter: []*Worker{tunnel}})
	require.NoError(t, err)
	_, err = rc.AddWorker(WorkerSpec{Name: "logger", Task: autoTask()})
	require.NoError(t, err)

	rc.InitiateStart()
	waitState(t, rc, StateRunning)

	tunnel.ReportDone()
	waitWorker(t, rc, "client", WorkerDone)
	assert.Equal(t, WorkerRunning, workerState(rc, "logger"))
	assert.Equal(t, StateRunning, rc.State())

	rc.InitiateStop()
	waitState(t, rc, StateStopped)
}

func TestAllWorkersDoneStopsSession(t *testing.T) {
	rec := &recorder{}
	rc := newControl(t, rec, nil)

	w, err := rc.AddWorker(WorkerSpec{Name: "only", Task: TaskFuncs{StartFunc: func(w *Worker) { w.ReportStarted() }}})
	require.NoError(t, err)

	rc.InitiateStart()
	waitState(t, rc, StateRunning)
	w.ReportDone()
	waitState(t, rc, StateStopped)
}

func TestEmptySessionRuns(t *testing.T) {
	rc := newControl(t, &recorder{}, nil)
	rc.InitiateStart()
	waitState(t, rc, StateRunning)
}

// =============================================================================
// Reports
// =============================================================================

func TestDuplicateReportsIgnored(t *testing.T) {
	rec := &recorder{}
	rc := newControl(t, rec, nil)

	task := &manualTask{}
	w, err := rc.AddWorker(WorkerSpec{Name: "app", Task: task})
	require.NoError(t, err)
	_, err = rc.AddWorker(WorkerSpec{Name: "side", Task: autoTask()})
	require.NoError(t, err)

	rc.InitiateStart()
	waitWorker(t, rc, "app", WorkerStarting)
	w.ReportStarted()
	w.ReportStarted()
	waitState(t, rc, StateRunning)

	w.ReportStopped()
	w.ReportStopped()
	w.ReportFailure(errors.New("late"))
	waitWorker(t, rc, "app", WorkerDone)

	// The failure after Done must not stop the session.
	rc.ForceStop()
	events := rec.eventLog()
	count := 0
	for _, e := range events {
		if e == "app:done" {
			count++
		}
	}
	assert.Equal(t, 1, count, "%v", events)
	assert.Empty(t, workerInfo(rc, "app").LastError)
}

func workerInfo(rc *RunControl, name string) WorkerInfo {
	for _, w := range rc.Workers() {
		if w.Name == name {
			return w
		}
	}
	return WorkerInfo{}
}

func TestStoppedBeforeStartIgnored(t *testing.T) {
	rc := newControl(t, &recorder{}, nil)
	w, err := rc.AddWorker(WorkerSpec{Name: "idle", Task: &manualTask{}})
	require.NoError(t, err)

	w.ReportStopped()
	rc.ForceStop()
	assert.Equal(t, StateStopped, rc.State())
}

func TestFailureStopsSession(t *testing.T) {
	rec := &recorder{}
	rc := newControl(t, rec, nil)

	w, err := rc.AddWorker(WorkerSpec{Name: "app", Task: &manualTask{}})
	require.NoError(t, err)
	_, err = rc.AddWorker(WorkerSpec{Name: "side", Task: autoTask()})
	require.NoError(t, err)

	rc.InitiateStart()
	waitWorker(t, rc, "app", WorkerStarting)
	w.ReportFailure(runerr.StartFailed(nil, "no such file"))

	waitState(t, rc, StateStopped)
	info := workerInfo(rc, "app")
	assert.Contains(t, info.LastError, "no such file")
	assert.Contains(t, rec.messageLog(), "app|error|no such file")
}

// =============================================================================
// Watchdogs
// =============================================================================

func TestStartWatchdogFailsWorker(t *testing.T) {
	rec := &recorder{}
	clock := &manualClock{}
	rc := newControl(t, rec, clock)

	_, err := rc.AddWorker(WorkerSpec{
		Name:          "slow",
		Task:          &manualTask{},
		StartWatchdog: Watchdog{Timeout: 5 * time.Second},
	})
	require.NoError(t, err)

	rc.InitiateStart()
	waitWorker(t, rc, "slow", WorkerStarting)
	require.Eventually(t, func() bool { return clock.pending() == 1 }, time.Second, time.Millisecond)
	clock.fireAll(false)

	waitState(t, rc, StateStopped)
	assert.Contains(t, workerInfo(rc, "slow").LastError, "worker start timed out")
}

func TestWatchdogDisarmedOnReport(t *testing.T) {
	clock := &manualClock{}
	rc := newControl(t, &recorder{}, clock)

	w, err := rc.AddWorker(WorkerSpec{
		Name:          "app",
		Task:          &manualTask{},
		StartWatchdog: Watchdog{Timeout: time.Second},
	})
	require.NoError(t, err)

	rc.InitiateStart()
	waitWorker(t, rc, "app", WorkerStarting)
	require.Eventually(t, func() bool { return clock.pending() == 1 }, time.Second, time.Millisecond)
	w.ReportStarted()
	waitState(t, rc, StateRunning)
	assert.Zero(t, clock.pending())

	// A fire that raced the disarm is dropped.
	clock.fireAll(true)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateRunning, rc.State())
	assert.Empty(t, workerInfo(rc, "app").LastError)
}

func TestWatchdogCustomTimeout(t *testing.T) {
	clock := &manualClock{}
	rc := newControl(t, &recorder{}, clock)

	var fired sync.WaitGroup
	fired.Add(1)
	_, err := rc.AddWorker(WorkerSpec{
		Name: "app",
		Task: &manualTask{},
		StopWatchdog: Watchdog{
			Timeout: time.Second,
			OnTimeout: func(w *Worker) {
				fired.Done()
				w.ReportStopped()
			},
		},
	})
	require.NoError(t, err)

	w := mustWorker(t, rc, "app")
	rc.InitiateStart()
	waitWorker(t, rc, "app", WorkerStarting)
	w.ReportStarted()
	waitState(t, rc, StateRunning)

	rc.InitiateStop()
	waitWorker(t, rc, "app", WorkerStopping)
	require.Eventually(t, func() bool { return clock.pending() == 1 }, time.Second, time.Millisecond)
	clock.fireAll(false)
	fired.Wait()
	waitState(t, rc, StateStopped)
	assert.Empty(t, workerInfo(rc, "app").LastError)
}

func mustWorker(t *testing.T, rc *RunControl, name string) *Worker {
	t.Helper()
	var found *Worker
	rc.call(func() {
		for _, w := range rc.workers {
			if w.name == name {
				found = w
			}
		}
	})
	require.NotNil(t, found, name)
	return found
}

func TestStopWatchdogDefaultFails(t *testing.T) {
	clock := &manualClock{}
	rc := newControl(t, &recorder{}, clock)

	_, err := rc.AddWorker(WorkerSpec{
		Name:         "stuck",
		Task:         TaskFuncs{StartFunc: func(w *Worker) { w.ReportStarted() }},
		StopWatchdog: Watchdog{Timeout: time.Second},
	})
	require.NoError(t, err)

	rc.InitiateStart()
	waitState(t, rc, StateRunning)
	rc.InitiateStop()
	waitWorker(t, rc, "stuck", WorkerStopping)
	require.Eventually(t, func() bool { return clock.pending() == 1 }, time.Second, time.Millisecond)
	clock.fireAll(false)

	waitState(t, rc, StateStopped)
	assert.Contains(t, workerInfo(rc, "stuck").LastError, "worker stop timed out")
}

// =============================================================================
// Registration
// =============================================================================

func TestAddWorkerAfterStartIsConfigError(t *testing.T) {
	rc := newControl(t, &recorder{}, nil)
	_, err := rc.AddWorker(WorkerSpec{Name: "a", Task: autoTask()})
	require.NoError(t, err)

	rc.InitiateStart()
	waitState(t, rc, StateRunning)

	_, err = rc.AddWorker(WorkerSpec{Name: "late", Task: autoTask()})
	require.Error(t, err)
	assert.ErrorIs(t, err, runerr.ErrConfig)
	assert.Len(t, rc.Workers(), 1)
}

func TestAddWorkerRejectsForeignDependency(t *testing.T) {
	a := newControl(t, &recorder{}, nil)
	b := newControl(t, &recorder{}, nil)

	wa, err := a.AddWorker(WorkerSpec{Name: "a", Task: autoTask()})
	require.NoError(t, err)
	_, err = b.AddWorker(WorkerSpec{Name: "b", Task: autoTask(), StartAfter: []*Worker{wa}})
	assert.ErrorIs(t, err, runerr.ErrConfig)

	wb, err := b.AddWorker(WorkerSpec{Name: "b", Task: autoTask()})
	require.NoError(t, err)
	assert.ErrorIs(t, wb.AddStopDependency(wa), runerr.ErrConfig)
}

func TestAddWorkerWithoutTask(t *testing.T) {
	rc := newControl(t, &recorder{}, nil)
	_, err := rc.AddWorker(WorkerSpec{Name: "empty"})
	assert.ErrorIs(t, err, runerr.ErrConfig)
}

func TestDependencyCycleRejected(t *testing.T) {
	rc := newControl(t, &recorder{}, nil)

	a, err := rc.AddWorker(WorkerSpec{Name: "a", Task: autoTask()})
	require.NoError(t, err)
	b, err := rc.AddWorker(WorkerSpec{Name: "b", Task: autoTask(), StartAfter: []*Worker{a}})
	require.NoError(t, err)
	c, err := rc.AddWorker(WorkerSpec{Name: "c", Task: autoTask(), StartAfter: []*Worker{b}})
	require.NoError(t, err)

	err = a.AddStartDependency(c)
	require.Error(t, err)
	assert.ErrorIs(t, err, runerr.ErrConfig)
	assert.Contains(t, err.Error(), "a -> c -> b -> a")
	assert.Empty(t, workerInfo(rc, "a").StartAfter, "rejected edge is not kept")

	// The same edge is fine in the stop graph.
	require.NoError(t, a.AddStopDependency(c))
	assert.Equal(t, []string{"c"}, workerInfo(rc, "a").StopAfter)

	require.NoError(t, b.AddStartDependency(a), "duplicate edge is a no-op")
	assert.Equal(t, []string{"a"}, workerInfo(rc, "b").StartAfter)

	rc.InitiateStart()
	waitState(t, rc, StateRunning)
}

func TestSelfDependencyRejected(t *testing.T) {
	rc := newControl(t, &recorder{}, nil)
	a, err := rc.AddWorker(WorkerSpec{Name: "a", Task: autoTask()})
	require.NoError(t, err)
	assert.ErrorIs(t, a.AddStopDependency(a), runerr.ErrConfig)
}

// =============================================================================
// Restart, force stop, finish
// =============================================================================

func TestRestart(t *testing.T) {
	rec := &recorder{}
	rc := newControl(t, rec, nil)

	_, err := rc.AddWorker(WorkerSpec{Name: "app", Task: autoTask()})
	require.NoError(t, err)
	require.True(t, rc.SupportsRerun())

	assert.ErrorIs(t, rc.InitiateRestart(), runerr.ErrConfig, "restart before any run")

	rc.InitiateStart()
	waitState(t, rc, StateRunning)
	rc.InitiateStop()
	waitState(t, rc, StateStopped)

	require.NoError(t, rc.InitiateRestart())
	waitState(t, rc, StateRunning)
	assert.Equal(t, WorkerRunning, workerState(rc, "app"))
}

func TestRestartUnsupported(t *testing.T) {
	rc := newControl(t, &recorder{}, nil)

	_, err := rc.AddWorker(WorkerSpec{Name: "once", Task: TaskFuncs{
		StartFunc: func(w *Worker) { w.ReportStarted() },
		StopFunc:  func(w *Worker) { w.ReportStopped() },
	}})
	require.NoError(t, err)
	assert.False(t, rc.SupportsRerun())

	rc.InitiateStart()
	waitState(t, rc, StateRunning)
	rc.InitiateStop()
	waitState(t, rc, StateStopped)

	err = rc.InitiateRestart()
	assert.ErrorIs(t, err, runerr.ErrConfig)
	assert.Equal(t, StateStopped, rc.State())
}

func TestForceStop(t *testing.T) {
	rec := &recorder{}
	rc := newControl(t, rec, nil)

	task := &manualTask{}
	w, err := rc.AddWorker(WorkerSpec{Name: "hung", Task: task})
	require.NoError(t, err)
	_, err = rc.AddWorker(WorkerSpec{Name: "never", Task: &manualTask{}, StartAfter: []*Worker{w}})
	require.NoError(t, err)

	rc.InitiateStart()
	waitWorker(t, rc, "hung", WorkerStarting)

	rc.ForceStop()
	assert.Equal(t, StateStopped, rc.State())
	for _, info := range rc.Workers() {
		assert.Equal(t, WorkerDone, info.State, info.Name)
	}
	starts, stops := task.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops, "active worker is asked to stop")

	// Late reports from the forced worker are ignored.
	w.ReportStarted()
	w.ReportStopped()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateStopped, rc.State())
}

func TestForceStopFromInitialized(t *testing.T) {
	rec := &recorder{}
	rc := newControl(t, rec, nil)
	_, err := rc.AddWorker(WorkerSpec{Name: "a", Task: autoTask()})
	require.NoError(t, err)

	rc.ForceStop()
	assert.Equal(t, []State{StateStopping, StateStopped}, rec.stateLog())
}

func TestFinish(t *testing.T) {
	rec := &recorder{}
	rc := newControl(t, rec, nil)

	_, err := rc.AddWorker(WorkerSpec{Name: "app", Task: autoTask()})
	require.NoError(t, err)

	rc.InitiateStart()
	waitState(t, rc, StateRunning)
	rc.InitiateFinish()

	select {
	case <-rc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("control did not finish")
	}
	assert.Equal(t, StateFinished, rc.State())
	assert.Equal(t, []State{StateStarting, StateRunning, StateFinishing, StateFinished}, rec.stateLog())

	rec.mu.Lock()
	assert.Equal(t, 1, rec.finished)
	rec.mu.Unlock()

	// Operations after Finished are rejected without blocking.
	_, err = rc.AddWorker(WorkerSpec{Name: "late", Task: autoTask()})
	assert.ErrorIs(t, err, runerr.ErrConfig)
	assert.ErrorIs(t, rc.InitiateRestart(), runerr.ErrConfig)
	rc.InitiateStart()
	rc.ForceStop()
}

func TestFinishWaitsForStop(t *testing.T) {
	rc := newControl(t, &recorder{}, nil)

	task := &manualTask{}
	w, err := rc.AddWorker(WorkerSpec{Name: "app", Task: task})
	require.NoError(t, err)

	rc.InitiateStart()
	waitWorker(t, rc, "app", WorkerStarting)
	w.ReportStarted()
	waitState(t, rc, StateRunning)

	rc.InitiateFinish()
	waitWorker(t, rc, "app", WorkerStopping)
	assert.Equal(t, StateFinishing, rc.State())

	w.ReportStopped()
	select {
	case <-rc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("control did not finish")
	}
}

func TestInvalidTransitionIgnored(t *testing.T) {
	rec := &recorder{}
	rc := newControl(t, rec, nil)
	rc.InitiateStop()
	rc.InitiateStop()
	waitState(t, rc, StateStopped)
	assert.Equal(t, []State{StateStopping, StateStopped}, rec.stateLog())
}

func TestIDDefaultsToUUID(t *testing.T) {
	rc := newControl(t, &recorder{}, nil)
	assert.Len(t, rc.ID(), 36)

	named := New(Config{ID: "session-1", Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	t.Cleanup(named.InitiateFinish)
	assert.Equal(t, "session-1", named.ID())
}
