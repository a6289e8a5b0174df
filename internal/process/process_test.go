package process

import (
	"bytes"
	"testing"
	"time"
)

// collect drains an event stream until it is closed.
func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events; got %d so far", len(out))
			return out
		}
	}
}

// waitStarted blocks until EventStarted and returns its pid. Events received
// before it are returned as well.
func waitStarted(t *testing.T, events <-chan Event) (int, []Event) {
	t.Helper()
	var seen []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed before started; events: %+v", seen)
			}
			seen = append(seen, ev)
			if ev.Kind == EventStarted {
				return ev.PID, seen
			}
		case <-timeout:
			t.Fatal("timed out waiting for started")
		}
	}
}

func outputs(events []Event) (stdout, stderr []byte) {
	var out, errOut bytes.Buffer
	for _, ev := range events {
		if ev.Kind == EventReadyRead {
			out.Write(ev.Stdout)
			errOut.Write(ev.Stderr)
		}
	}
	return out.Bytes(), errOut.Bytes()
}

func lastResult(t *testing.T, events []Event) Result {
	t.Helper()
	if len(events) == 0 || events[len(events)-1].Kind != EventDone {
		t.Fatalf("last event is not done: %+v", events)
	}
	return events[len(events)-1].Result
}

// checkOrdering asserts started precedes output and done is last and unique.
func checkOrdering(t *testing.T, events []Event) {
	t.Helper()
	started := false
	dones := 0
	for i, ev := range events {
		switch ev.Kind {
		case EventStarted:
			if started {
				t.Errorf("event %d: second started", i)
			}
			started = true
		case EventReadyRead:
			if !started {
				t.Errorf("event %d: output before started", i)
			}
		case EventDone:
			dones++
			if i != len(events)-1 {
				t.Errorf("event %d: done is not last", i)
			}
		}
	}
	if dones != 1 {
		t.Errorf("done emitted %d times, want 1", dones)
	}
}
