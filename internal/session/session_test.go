package session

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randomizedcoder/runctl/internal/config"
	"github.com/randomizedcoder/runctl/internal/logging"
	"github.com/randomizedcoder/runctl/internal/process"
	"github.com/randomizedcoder/runctl/internal/runcontrol"
	"github.com/randomizedcoder/runctl/internal/runerr"
)

func testConfig(command string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Command = command
	cfg.SkipPreflight = true
	cfg.StopGrace = 500 * time.Millisecond
	cfg.ShutdownTimeout = 5 * time.Second
	cfg.BackoffInitial = 10 * time.Millisecond
	cfg.BackoffMax = 20 * time.Millisecond
	return cfg
}

func newTestSession(t *testing.T, cfg *config.Config) (*Session, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	s, err := New(Options{
		Config:  cfg,
		Logger:  logging.NewDiscardLogger(),
		Version: "test",
		Out:     &out,
		Metrics: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return s, &out
}

func runWithTimeout(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	select {
	case <-s.Control().Done():
	default:
		t.Fatal("run control not finished after Run")
	}
}

func hasLine(lines []logging.Line, worker string, format runcontrol.MessageFormat, text string) bool {
	for _, l := range lines {
		if l.Worker == worker && l.Format == format && l.Text == text {
			return true
		}
	}
	return false
}

func TestRun_CleanExit(t *testing.T) {
	s, out := newTestSession(t, testConfig("echo hello"))
	runWithTimeout(t, s)

	assert.Equal(t, 0, s.ExitCode())
	snap := s.Snapshot(50)
	assert.Equal(t, runcontrol.StateFinished, snap.State)
	assert.True(t, hasLine(snap.Output, config.TargetName, runcontrol.MessageStdOut, "hello"), "output: %+v", snap.Output)
	require.Len(t, snap.Workers, 1)
	assert.Equal(t, runcontrol.WorkerDone, snap.Workers[0].State)
	assert.Empty(t, snap.Workers[0].LastError)
	assert.Equal(t, "desktop", snap.Device)
	assert.GreaterOrEqual(t, snap.OutputBytes, int64(len("hello")))

	summary := out.String()
	assert.Contains(t, summary, "runctl Exit Summary")
	assert.Contains(t, summary, "Output Bytes:")
	assert.Contains(t, summary, "Exit Code:              0 (clean)")
	assert.NotContains(t, summary, "Metrics endpoint")
}

func TestRun_ExitCodePropagates(t *testing.T) {
	s, out := newTestSession(t, testConfig("sh -c 'exit 3'"))
	runWithTimeout(t, s)

	assert.Equal(t, 3, s.ExitCode())
	assert.Equal(t, 0, s.Snapshot(0).Restarts)
	assert.Contains(t, out.String(), "Exit Codes:")
}

func TestRun_RestartsUntilLimit(t *testing.T) {
	cfg := testConfig("sh -c 'echo run; exit 1'")
	cfg.MaxRestarts = 2
	s, out := newTestSession(t, cfg)
	runWithTimeout(t, s)

	assert.Equal(t, 1, s.ExitCode())
	assert.Equal(t, 2, s.Snapshot(0).Restarts)
	assert.Contains(t, out.String(), "Restarts:               2")

	runs := 0
	for _, l := range s.Snapshot(100).Output {
		if l.Format == runcontrol.MessageStdOut && l.Text == "run" {
			runs++
		}
	}
	assert.Equal(t, 3, runs)
}

func TestRun_NoRestartAfterCleanExit(t *testing.T) {
	cfg := testConfig("true")
	cfg.MaxRestarts = 5
	s, _ := newTestSession(t, cfg)
	runWithTimeout(t, s)

	assert.Equal(t, 0, s.ExitCode())
	assert.Equal(t, 0, s.Snapshot(0).Restarts)
}

func TestRun_DurationStopsTarget(t *testing.T) {
	cfg := testConfig("sleep 30")
	cfg.Duration = 300 * time.Millisecond
	s, _ := newTestSession(t, cfg)

	start := time.Now()
	runWithTimeout(t, s)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, runcontrol.StateFinished, s.Control().State())
}

func TestRun_ContextCancel(t *testing.T) {
	s, _ := newTestSession(t, testConfig("sleep 30"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()
	require.NoError(t, s.Run(ctx))
	assert.Equal(t, runcontrol.StateFinished, s.Control().State())
}

func TestRun_CheckMode(t *testing.T) {
	t.Run("passes", func(t *testing.T) {
		cfg := testConfig("test -d /")
		cfg.RunMode = ModeCheck
		s, _ := newTestSession(t, cfg)
		runWithTimeout(t, s)
		assert.Equal(t, 0, s.ExitCode())
	})

	t.Run("fails", func(t *testing.T) {
		cfg := testConfig("test -d /nonexistent-dir")
		cfg.RunMode = ModeCheck
		s, _ := newTestSession(t, cfg)
		runWithTimeout(t, s)
		assert.Equal(t, 1, s.ExitCode())
		workers := s.Control().Workers()
		require.Len(t, workers, 1)
		assert.NotEmpty(t, workers[0].LastError)
	})
}

func TestRun_HelpersFollowTarget(t *testing.T) {
	cfg := testConfig("sh -c 'sleep 0.2'")
	cfg.Helpers = []config.HelperConfig{
		{Name: "warmup", Kind: config.HelperDelay, Delay: 20 * time.Millisecond},
		{Name: "probe", Kind: config.HelperShellCheck, Command: "true", StartAfter: []string{config.TargetName}},
		{Name: "tail", Kind: config.HelperProcess, Command: "sleep 30", StopAfter: []string{config.TargetName}},
	}
	s, _ := newTestSession(t, cfg)

	workers := s.Control().Workers()
	require.Len(t, workers, 4)
	byName := map[string]runcontrol.WorkerInfo{}
	for _, w := range workers {
		byName[w.Name] = w
	}
	assert.Equal(t, []string{config.TargetName}, byName["probe"].StartAfter)
	assert.Equal(t, []string{config.TargetName}, byName["tail"].StopAfter)
	assert.True(t, byName[config.TargetName].Essential)
	assert.False(t, byName["tail"].Essential)

	runWithTimeout(t, s)
	assert.Equal(t, 0, s.ExitCode())
	for _, w := range s.Control().Workers() {
		assert.Equal(t, runcontrol.WorkerDone, w.State, w.Name)
	}
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.Config)
	}{
		{"unknown run mode", func(c *config.Config) { c.RunMode = "debug" }},
		{"unknown device", func(c *config.Config) { c.DeviceKind = "mainframe" }},
		{"unterminated quote", func(c *config.Config) { c.Command = "echo 'oops" }},
		{"helper cycle", func(c *config.Config) {
			c.Helpers = []config.HelperConfig{
				{Name: "a", Kind: config.HelperDelay, Delay: time.Millisecond, StartAfter: []string{"b"}},
				{Name: "b", Kind: config.HelperDelay, Delay: time.Millisecond, StartAfter: []string{"a"}},
			}
		}},
		{"unknown dependency", func(c *config.Config) {
			c.Helpers = []config.HelperConfig{
				{Name: "a", Kind: config.HelperDelay, Delay: time.Millisecond, StartAfter: []string{"ghost"}},
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("echo hi")
			tt.modify(cfg)
			_, err := New(Options{
				Config:  cfg,
				Logger:  logging.NewDiscardLogger(),
				Metrics: prometheus.NewRegistry(),
			})
			require.Error(t, err)
		})
	}

	t.Run("config errors are classified", func(t *testing.T) {
		cfg := testConfig("echo hi")
		cfg.RunMode = "debug"
		_, err := New(Options{Config: cfg, Logger: logging.NewDiscardLogger(), Metrics: prometheus.NewRegistry()})
		assert.True(t, errors.Is(err, runerr.ErrConfig))
	})

	t.Run("nil config", func(t *testing.T) {
		_, err := New(Options{})
		assert.Error(t, err)
	})
}

func TestNew_CustomFactories(t *testing.T) {
	reg := runcontrol.NewRegistry()
	require.NoError(t, reg.Register(runcontrol.Factory{
		Name:     "noop",
		RunModes: []string{"noop"},
		Produce: func(rc *runcontrol.RunControl) (*runcontrol.Worker, error) {
			return rc.AddWorker(runcontrol.WorkerSpec{
				Name:      "noop",
				Essential: true,
				Task: runcontrol.TaskFuncs{
					StartFunc: func(w *runcontrol.Worker) { w.ReportDone() },
					StopFunc:  func(w *runcontrol.Worker) { w.ReportStopped() },
				},
			})
		},
	}))

	cfg := testConfig("ignored")
	cfg.RunMode = "noop"
	s, err := New(Options{Config: cfg, Logger: logging.NewDiscardLogger(), Out: &bytes.Buffer{}, Metrics: prometheus.NewRegistry(), Factories: reg})
	require.NoError(t, err)
	runWithTimeout(t, s)
	assert.Equal(t, "noop", s.Control().Workers()[0].Name)
}

func TestRun_PreflightFailure(t *testing.T) {
	cfg := testConfig("uptime")
	cfg.SkipPreflight = false
	cfg.DeviceKind = "remote"
	cfg.Host = "devbox"
	cfg.SSHBinary = "/nonexistent/ssh"
	cfg.ControlSocketDir = t.TempDir()
	s, out := newTestSession(t, cfg)

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "preflight")
	assert.Contains(t, out.String(), "Preflight checks:")
	assert.Equal(t, runcontrol.StateFinished, s.Control().State())
}

func TestWireCommand(t *testing.T) {
	t.Run("desktop run as root", func(t *testing.T) {
		cfg := testConfig("./server -v")
		cfg.RunAsRoot = true
		s, _ := newTestSession(t, cfg)
		t.Cleanup(s.abandon)
		assert.Equal(t, []string{"sudo", "-A", "./server", "-v"}, s.WireCommand())
	})

	t.Run("container", func(t *testing.T) {
		cfg := testConfig("./server")
		cfg.DeviceKind = "container"
		cfg.Container = "app"
		cfg.DockerCheck = false
		s, _ := newTestSession(t, cfg)
		t.Cleanup(s.abandon)
		argv := s.WireCommand()
		require.GreaterOrEqual(t, len(argv), 3)
		assert.Equal(t, []string{"docker", "exec", "app"}, argv[:3])
	})

	t.Run("check mode", func(t *testing.T) {
		cfg := testConfig("test -f /etc/hosts")
		cfg.RunMode = ModeCheck
		cfg.WorkingDir = "/srv/my app"
		s, _ := newTestSession(t, cfg)
		t.Cleanup(s.abandon)
		assert.Equal(t, []string{"/bin/sh", "-c", "cd '/srv/my app' && test -f /etc/hosts"}, s.WireCommand())
	})
}

func TestShellCommand(t *testing.T) {
	tests := []struct {
		name string
		run  runcontrol.Runnable
		want string
	}{
		{"plain", runcontrol.Runnable{Command: process.NewCommandLine("ls", "-l")}, "ls -l"},
		{
			"env",
			runcontrol.Runnable{Command: process.NewCommandLine("app"), Env: process.Environment{"B": "2", "A": "x y"}},
			"env 'A=x y' B=2 app",
		},
		{
			"dir",
			runcontrol.Runnable{Command: process.NewCommandLine("make"), WorkingDir: "/src"},
			"cd /src && make",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shellCommand(tt.run))
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00:00"},
		{90 * time.Second, "00:01:30"},
		{2*time.Hour + 3*time.Minute + 4*time.Second, "02:03:04"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.d))
	}
}

func TestSnapshot_BeforeRun(t *testing.T) {
	s, _ := newTestSession(t, testConfig("echo hi"))
	t.Cleanup(s.abandon)

	snap := s.Snapshot(10)
	assert.Equal(t, runcontrol.StateInitialized, snap.State)
	assert.Equal(t, "echo hi", snap.Command)
	assert.Equal(t, ModeRun, snap.RunMode)
	assert.Empty(t, snap.Output)
	assert.True(t, strings.Count(snap.ID, "-") == 4, "uuid session id: %s", snap.ID)
	assert.Zero(t, snap.OutputBytes)
	assert.Len(t, snap.OutputRates, 3)
}
