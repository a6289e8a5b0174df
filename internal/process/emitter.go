package process

import "sync"

const eventBufferSize = 64

// emitter guards the started/done invariants shared by all backends.
// Senders must be sequenced so that no output is emitted after done; every
// backend funnels output and completion through a single waiter goroutine.
type emitter struct {
	events chan Event

	mu      sync.Mutex
	started bool
	done    bool
	pid     int
}

func newEmitter() emitter {
	return emitter{events: make(chan Event, eventBufferSize)}
}

// Events returns the event stream.
func (e *emitter) Events() <-chan Event {
	return e.events
}

// emitStarted sends EventStarted once. Returns false if the process already
// reported started or done.
func (e *emitter) emitStarted(pid int) bool {
	e.mu.Lock()
	if e.started || e.done {
		e.mu.Unlock()
		return false
	}
	e.started = true
	e.pid = pid
	e.mu.Unlock()

	e.events <- Event{Kind: EventStarted, PID: pid}
	return true
}

func (e *emitter) emitOutput(stdout, stderr []byte) {
	if len(stdout) == 0 && len(stderr) == 0 {
		return
	}
	e.mu.Lock()
	closed := e.done
	e.mu.Unlock()
	if closed {
		return
	}
	e.events <- Event{Kind: EventReadyRead, Stdout: stdout, Stderr: stderr}
}

// emitDone sends EventDone once and closes the stream.
func (e *emitter) emitDone(r Result) {
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return
	}
	e.done = true
	e.mu.Unlock()

	e.events <- Event{Kind: EventDone, Result: r}
	close(e.events)
}

// failToStart reports ErrorFailedToStart.
func (e *emitter) failToStart(msg string) {
	e.emitDone(Result{
		ExitCode:    -1,
		ExitStatus:  ExitNormal,
		Error:       ErrorFailedToStart,
		ErrorString: msg,
	})
}

func (e *emitter) runningPID() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pid, e.started && !e.done
}
