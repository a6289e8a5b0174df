package process

import (
	"bytes"
	"context"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

// =============================================================================
// markerParser
// =============================================================================

func TestMarkerParser_SwallowsNoise(t *testing.T) {
	var p markerParser

	pid, found, rest := p.feed([]byte("noise\n__qtc1234__\nreal output"))
	if !found {
		t.Fatal("marker not found")
	}
	if pid != 1234 {
		t.Errorf("pid = %d, want 1234", pid)
	}
	if string(rest) != "real output" {
		t.Errorf("rest = %q, want %q", rest, "real output")
	}

	_, _, rest = p.feed([]byte("more"))
	if string(rest) != "more" {
		t.Errorf("after marker rest = %q, want passthrough", rest)
	}
}

func TestMarkerParser_SplitAcrossChunks(t *testing.T) {
	var p markerParser

	chunks := []string{"motd\n__qt", "c42", "42__", "\nhello\n"}
	var gotPID int
	var out strings.Builder
	for _, c := range chunks {
		pid, found, rest := p.feed([]byte(c))
		if found {
			gotPID = pid
			out.Write(rest)
		}
	}
	if gotPID != 4242 {
		t.Errorf("pid = %d, want 4242", gotPID)
	}
	if out.String() != "hello\n" {
		t.Errorf("output = %q, want %q", out.String(), "hello\n")
	}
}

func TestMarkerParser_CRLF(t *testing.T) {
	var p markerParser
	pid, found, rest := p.feed([]byte("__qtc7__\r\nx"))
	if !found || pid != 7 || string(rest) != "x" {
		t.Errorf("feed() = %d, %v, %q", pid, found, rest)
	}
}

func TestMarkerParser_FinishWithoutNewline(t *testing.T) {
	var p markerParser
	if _, found, _ := p.feed([]byte("__qtc99__")); found {
		t.Fatal("marker accepted before its line ended")
	}
	pid, found, _ := p.finish()
	if !found || pid != 99 {
		t.Errorf("finish() = %d, %v; want 99, true", pid, found)
	}
}

func TestMarkerParser_NoMarker(t *testing.T) {
	var p markerParser
	p.feed([]byte("bash: app: command not found\n"))
	if _, found, _ := p.finish(); found {
		t.Error("finish() found a marker in plain output")
	}
	if len(p.pending()) == 0 {
		t.Error("pending() is empty")
	}
}

// =============================================================================
// MarkerScript
// =============================================================================

func TestMarkerScript(t *testing.T) {
	tests := []struct {
		name  string
		setup Setup
		want  string
	}{
		{
			name:  "working dir and args",
			setup: Setup{Command: NewCommandLine("app", "arg1"), WorkingDir: "/home/u/proj"},
			want:  "cd /home/u/proj && echo __qtc$$__ && exec app arg1",
		},
		{
			name:  "no working dir",
			setup: Setup{Command: NewCommandLine("app")},
			want:  "echo __qtc$$__ && exec app",
		},
		{
			name:  "quoted dir",
			setup: Setup{Command: NewCommandLine("app"), WorkingDir: "/tmp/my dir"},
			want:  "cd '/tmp/my dir' && echo __qtc$$__ && exec app",
		},
		{
			name:  "environment",
			setup: Setup{Command: NewCommandLine("app"), Env: Environment{"B": "two words", "A": "1"}},
			want:  "echo __qtc$$__ && A=1 B='two words' exec app",
		},
		{
			name:  "raw command",
			setup: Setup{Command: CommandLine{Raw: "ls | wc -l"}},
			want:  "echo __qtc$$__ && exec /bin/sh -c 'ls | wc -l'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MarkerScript(tt.setup); got != tt.want {
				t.Errorf("MarkerScript() = %q\nwant %q", got, tt.want)
			}
		})
	}
}

func TestRemoteArgv(t *testing.T) {
	ep := Endpoint{
		Options: []string{"-o", "ControlPath=/tmp/ctl"},
		Host:    "u@devbox",
	}
	setup := Setup{Command: NewCommandLine("app", "arg1"), WorkingDir: "/home/u/proj"}

	got := RemoteArgv(ep, setup)
	want := []string{
		"ssh", "-o", "ControlPath=/tmp/ctl", "u@devbox",
		"/bin/sh -c 'cd /home/u/proj && echo __qtc$$__ && exec app arg1'",
	}
	if strings.Join(got, "\x00") != strings.Join(want, "\x00") {
		t.Errorf("RemoteArgv() = %q\nwant %q", got, want)
	}

	setup.Terminal = true
	got = RemoteArgv(ep, setup)
	if got[len(got)-3] != "-tt" {
		t.Errorf("terminal RemoteArgv() = %q, want -tt before host", got)
	}
}

func TestContainerArgv(t *testing.T) {
	setup := Setup{Command: NewCommandLine("app"), Mode: ModeReader}
	got := ContainerArgv("", "c1", setup)
	want := "docker exec c1 /bin/sh -c echo __qtc$$__ && exec app"
	if strings.Join(got, " ") != want {
		t.Errorf("ContainerArgv() = %q", got)
	}

	setup.Mode = ModeDuplex
	setup.Terminal = true
	got = ContainerArgv("podman", "c1", setup)
	if got[0] != "podman" || got[2] != "-i" || got[3] != "-t" {
		t.Errorf("interactive ContainerArgv() = %q", got)
	}
}

func TestKillCommand(t *testing.T) {
	if got := KillCommand(1234, SignalTerminate); got != "kill -15 1234" {
		t.Errorf("KillCommand() = %q", got)
	}
	if got := KillCommand(1, SignalKill); got != "kill -9 1" {
		t.Errorf("KillCommand() = %q", got)
	}
}

func TestMarkerParser_PrefixLimit(t *testing.T) {
	var p markerParser
	noise := bytes.Repeat([]byte("motd line\n"), maxMarkerPrefix/10+1)

	if _, found, _ := p.feed(noise); found {
		t.Fatal("marker found in noise")
	}
	if !p.overflowed() {
		t.Fatal("overflowed() = false after exceeding the prefix limit")
	}
	if len(p.pending()) != 0 {
		t.Errorf("pending() holds %d bytes after overflow, want 0", len(p.pending()))
	}
	if _, found, _ := p.feed([]byte("__qtc12__\n")); found {
		t.Error("marker accepted after overflow")
	}
}

// =============================================================================
// Marker protocol end to end, with /bin/sh standing in for the client
// =============================================================================

func newLocalMarker(signaler Signaler) *markerProcess {
	m := newMarkerProcess("test", signaler, nil)
	return &m
}

func TestMarkerProcess_StartedAfterMarker(t *testing.T) {
	m := newLocalMarker(nil)
	script := "echo motd; echo early-err >&2; " + MarkerScript(Setup{Command: NewCommandLine("echo", "hello")})
	m.launch(context.Background(), []string{"/bin/sh", "-c", script}, ModeReader, nil)

	events := collect(t, m.Events())
	checkOrdering(t, events)

	if events[0].Kind != EventStarted || events[0].PID <= 0 {
		t.Fatalf("first event = %+v, want started with pid", events[0])
	}
	stdout, stderr := outputs(events)
	if string(stdout) != "hello\n" {
		t.Errorf("stdout = %q, want %q", stdout, "hello\n")
	}
	if string(stderr) != "early-err\n" {
		t.Errorf("stderr = %q, want buffered %q", stderr, "early-err\n")
	}
	if r := lastResult(t, events); r.ExitCode != 0 || r.Error != ErrorNone {
		t.Errorf("result = %+v", r)
	}
}

func TestMarkerProcess_NoMarkerFailsToStart(t *testing.T) {
	m := newLocalMarker(nil)
	released := false
	m.launch(context.Background(),
		[]string{"/bin/sh", "-c", "echo 'ssh: connect to host devbox port 22: Connection refused' >&2; exit 255"},
		ModeReader, func() { released = true })

	events := collect(t, m.Events())
	if len(events) != 1 {
		t.Fatalf("events = %+v, want only done", events)
	}
	r := events[0].Result
	if r.Error != ErrorFailedToStart {
		t.Errorf("Error = %v, want failed_to_start", r.Error)
	}
	if !strings.Contains(r.ErrorString, "Connection refused") {
		t.Errorf("ErrorString = %q, want client diagnostics", r.ErrorString)
	}
	if !released {
		t.Error("release was not called")
	}
}

func TestMarkerProcess_PrefixOverflowFailsToStart(t *testing.T) {
	m := newLocalMarker(nil)
	released := false
	m.launch(context.Background(),
		[]string{"/bin/sh", "-c", "dd if=/dev/zero bs=1024 count=100 2>/dev/null; sleep 30"},
		ModeReader, func() { released = true })

	start := time.Now()
	events := collect(t, m.Events())
	if len(events) != 1 {
		t.Fatalf("events = %+v, want only done", events)
	}
	r := events[0].Result
	if r.Error != ErrorFailedToStart {
		t.Errorf("Error = %v, want failed_to_start", r.Error)
	}
	if !strings.Contains(r.ErrorString, "without reporting its pid") {
		t.Errorf("ErrorString = %q, want prefix overflow", r.ErrorString)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("client ran for %v, want it killed on overflow", elapsed)
	}
	if !released {
		t.Error("release was not called")
	}
}

func TestMarkerProcess_SignalThroughSignaler(t *testing.T) {
	var signalled atomic.Int32
	signaler := SignalerFunc(func(_ context.Context, pid int, sig ControlSignal) error {
		signalled.Store(int32(pid))
		return syscall.Kill(pid, sig.Syscall())
	})

	m := newLocalMarker(signaler)
	m.launch(context.Background(),
		[]string{"/bin/sh", "-c", MarkerScript(Setup{Command: NewCommandLine("sleep", "30")})},
		ModeReader, nil)

	pid, _ := waitStarted(t, m.Events())
	if err := m.SendControlSignal(SignalTerminate); err != nil {
		t.Fatalf("SendControlSignal() error = %v", err)
	}
	events := collect(t, m.Events())

	if int(signalled.Load()) != pid {
		t.Errorf("signaler got pid %d, want %d", signalled.Load(), pid)
	}
	r := lastResult(t, events)
	if r.ExitCode != 128+int(syscall.SIGTERM) || r.ExitStatus != ExitCrashed {
		t.Errorf("result = %+v, want crash with 143", r)
	}
}

func TestRemote_ConnectFailed(t *testing.T) {
	r := NewRemote(RemoteConfig{
		Connect: func(context.Context) (Endpoint, error) {
			return Endpoint{}, syscall.ECONNREFUSED
		},
	})
	r.Start(context.Background(), Setup{Command: NewCommandLine("app")})

	events := collect(t, r.Events())
	if len(events) != 1 || events[0].Result.Error != ErrorConnectFailed {
		t.Errorf("events = %+v, want single connect_failed done", events)
	}
}

func TestRemote_StartDoesNotWaitForConnect(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})
	r := NewRemote(RemoteConfig{
		Connect: func(context.Context) (Endpoint, error) {
			close(entered)
			<-unblock
			return Endpoint{}, syscall.ECONNREFUSED
		},
	})

	returned := make(chan struct{})
	go func() {
		r.Start(context.Background(), Setup{Command: NewCommandLine("app")})
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		close(unblock)
		t.Fatal("Start() blocked on the connect")
	}

	<-entered
	close(unblock)
	events := collect(t, r.Events())
	if len(events) != 1 || events[0].Result.Error != ErrorConnectFailed {
		t.Errorf("events = %+v, want single connect_failed done", events)
	}
}

func TestRemote_CancelledDuringConnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var released atomic.Bool
	r := NewRemote(RemoteConfig{
		Connect: func(context.Context) (Endpoint, error) {
			cancel()
			return Endpoint{
				Binary:  "/bin/sh",
				Host:    "-c",
				Release: func() { released.Store(true) },
			}, nil
		},
	})
	r.Start(ctx, Setup{Command: NewCommandLine("app")})

	events := collect(t, r.Events())
	if len(events) != 1 || events[0].Result.Error != ErrorConnectFailed {
		t.Fatalf("events = %+v, want single connect_failed done", events)
	}
	if !strings.Contains(events[0].Result.ErrorString, "canceled") {
		t.Errorf("ErrorString = %q, want context cancellation", events[0].Result.ErrorString)
	}
	if !released.Load() {
		t.Error("connection was not released")
	}
}

func TestRemote_ReleasesConnection(t *testing.T) {
	var released atomic.Bool
	r := NewRemote(RemoteConfig{
		Connect: func(context.Context) (Endpoint, error) {
			// `/bin/sh -c <joined remote command>` behaves like ssh running
			// the command on the far side.
			return Endpoint{
				Binary:  "/bin/sh",
				Host:    "-c",
				Release: func() { released.Store(true) },
			}, nil
		},
	})
	r.Start(context.Background(), Setup{
		Command:    NewCommandLine("pwd"),
		WorkingDir: "/",
	})

	events := collect(t, r.Events())
	checkOrdering(t, events)
	stdout, _ := outputs(events)
	if string(stdout) != "/\n" {
		t.Errorf("stdout = %q, want %q", stdout, "/\n")
	}
	if !released.Load() {
		t.Error("connection was not released")
	}
}

func TestContainer_EnsureRunningFails(t *testing.T) {
	c := NewContainer(ContainerConfig{
		Container: "c1",
		EnsureRunning: func(context.Context) error {
			return syscall.ENOENT
		},
	})
	c.Start(context.Background(), Setup{Command: NewCommandLine("app")})

	events := collect(t, c.Events())
	if len(events) != 1 || events[0].Result.Error != ErrorConnectFailed {
		t.Errorf("events = %+v, want single connect_failed done", events)
	}
}

func TestContainer_CancelledBeforeLaunch(t *testing.T) {
	var checked atomic.Bool
	c := NewContainer(ContainerConfig{
		Container: "c1",
		EnsureRunning: func(context.Context) error {
			checked.Store(true)
			return nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Start(ctx, Setup{Command: NewCommandLine("app")})

	events := collect(t, c.Events())
	if len(events) != 1 || events[0].Result.Error != ErrorConnectFailed {
		t.Errorf("events = %+v, want single connect_failed done", events)
	}
	if checked.Load() {
		t.Error("EnsureRunning called with a cancelled context")
	}
}
