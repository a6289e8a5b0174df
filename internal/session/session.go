// Package session assembles a device, a factory registry and a run control
// from configuration and drives one run until it exits or is interrupted.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/runctl/internal/config"
	"github.com/randomizedcoder/runctl/internal/device"
	"github.com/randomizedcoder/runctl/internal/logging"
	"github.com/randomizedcoder/runctl/internal/metrics"
	"github.com/randomizedcoder/runctl/internal/preflight"
	"github.com/randomizedcoder/runctl/internal/process"
	"github.com/randomizedcoder/runctl/internal/runcontrol"
	"github.com/randomizedcoder/runctl/internal/sshconn"
	"github.com/randomizedcoder/runctl/internal/timeseries"
)

// forceStopWait bounds the wait for Finished after a forced stop.
const forceStopWait = time.Second

// rateSampleInterval is how often the output rate tracker samples.
const rateSampleInterval = time.Second

// Options configure a Session.
type Options struct {
	Config  *config.Config
	Logger  *slog.Logger
	Version string

	// Out receives preflight results and the exit summary; os.Stdout when nil.
	Out io.Writer

	// Factories overrides the worker factories; the defaults when nil.
	Factories *runcontrol.Registry

	// Metrics is the registry the collector and server use; the default
	// Prometheus registry when nil.
	Metrics *prometheus.Registry
}

// Session owns everything one run needs.
type Session struct {
	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer

	factories *runcontrol.Registry
	device    *device.Device
	pool      *sshconn.Pool
	docker    *device.DockerRuntime
	collector *metrics.Collector
	server    *metrics.Server
	output    *logging.OutputHandler
	backoff   *Backoff

	// outputRate counts output bytes from all workers.
	outputRate *timeseries.RateTracker

	rc      *runcontrol.RunControl
	stopped chan struct{}

	startTime time.Time

	mu         sync.Mutex
	exited     bool
	exitCode   int
	crashed    bool
	failed     bool
	lastUptime time.Duration
	everExited bool
	lastCode   int
	anyFailure bool
	restarts   int
}

// New builds the device, registers the workers and returns a session ready
// to Run.
func New(opts Options) (*Session, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("session: config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	s := &Session{
		cfg:       cfg,
		logger:    logger,
		out:       out,
		stopped:   make(chan struct{}, 1),
		startTime: time.Now(),
		output:    logging.NewOutputHandler(logging.OutputConfig{
			Logger:         logger,
			Verbose:        cfg.Verbose,
			BufferedLines:  cfg.OutputLines,
			LinesPerSecond: cfg.OutputRate,
		}),
		outputRate: timeseries.NewRateTracker(timeseries.DefaultWindows...),
	}

	kind, err := device.ParseKind(cfg.DeviceKind)
	if err != nil {
		return nil, err
	}

	run, err := buildRunnable(cfg.Command, cfg.WorkingDir, cfg.Env)
	if err != nil {
		return nil, err
	}
	run.ExtraData = map[string]any{"config_kind": cfg.ConfigKind}

	s.rc = runcontrol.New(runcontrol.Config{
		RunMode:  cfg.RunMode,
		Runnable: run,
		Callbacks: runcontrol.Callbacks{
			OnStateChange:       s.onStateChange,
			OnWorkerStateChange: s.onWorkerStateChange,
			OnMessage:           s.onMessage,
		},
		Logger: logger,
	})

	collectorCfg := metrics.CollectorConfig{
		Version:    opts.Version,
		SessionID:  s.rc.ID(),
		DeviceType: kind.String(),
		RunMode:    cfg.RunMode,
	}
	if opts.Metrics != nil {
		s.collector = metrics.NewCollectorWithRegistry(collectorCfg, opts.Metrics)
	} else {
		s.collector = metrics.NewCollector(collectorCfg)
	}
	if cfg.MetricsAddr != "" {
		if opts.Metrics != nil {
			s.server = metrics.NewServerWithGatherer(cfg.MetricsAddr, logger, opts.Metrics, s.ready)
		} else {
			s.server = metrics.NewServer(cfg.MetricsAddr, logger, s.ready)
		}
	}

	s.backoff = NewBackoff(s.rc.ID(), BackoffConfig{
		Initial:    cfg.BackoffInitial,
		Max:        cfg.BackoffMax,
		Multiplier: cfg.BackoffMultiply,
		JitterPct:  DefaultBackoffConfig().JitterPct,
	})

	if err := s.buildDevice(kind); err != nil {
		s.abandon()
		return nil, err
	}

	s.factories = opts.Factories
	if s.factories == nil {
		s.factories = runcontrol.NewRegistry()
		if err := s.RegisterFactories(s.factories); err != nil {
			s.abandon()
			return nil, err
		}
	}

	if err := s.addWorkers(); err != nil {
		s.abandon()
		return nil, err
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.rc.ID() }

// Control returns the run control.
func (s *Session) Control() *runcontrol.RunControl { return s.rc }

// Device returns the device the session runs on.
func (s *Session) Device() *device.Device { return s.device }

func (s *Session) ready() bool {
	return s.rc.State() == runcontrol.StateRunning
}

// Run starts the session and blocks until the target stops without a
// restart, the configured duration elapses, a signal arrives or ctx ends.
// It always finishes the run control and releases the device.
func (s *Session) Run(ctx context.Context) error {
	if !s.cfg.SkipPreflight {
		result := preflight.RunAll(preflight.Options{
			DeviceKind:       s.device.Type().String(),
			SSHBinary:        s.cfg.SSHBinary,
			DockerBinary:     s.cfg.DockerBinary,
			ControlSocketDir: s.cfg.ControlSocketDir,
			Processes:        len(s.rc.Workers()),
		})
		preflight.PrintResults(s.out, result)
		if !result.Passed {
			s.abandon()
			return fmt.Errorf("preflight checks failed (use -skip-preflight to override)")
		}
	}

	if s.server != nil {
		if err := s.server.Start(); err != nil {
			s.abandon()
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	s.logger.Info("session_starting",
		"session", s.rc.ID(),
		"device", s.device.ID(),
		"run_mode", s.cfg.RunMode,
		"command", s.cfg.Command,
		"workers", len(s.rc.Workers()),
	)
	s.rc.InitiateStart()

	var durationTimer <-chan time.Time
	if s.cfg.Duration > 0 {
		durationTimer = time.After(s.cfg.Duration)
	}
	var restartTimer <-chan time.Time
	sampleTicker := time.NewTicker(rateSampleInterval)
	defer sampleTicker.Stop()

loop:
	for {
		select {
		case sig := <-sigCh:
			s.logger.Info("received_signal", "signal", sig.String())
			break loop
		case <-durationTimer:
			s.logger.Info("duration_elapsed", "duration", s.cfg.Duration.String())
			break loop
		case <-ctx.Done():
			s.logger.Info("context_cancelled")
			break loop
		case <-s.stopped:
			delay, ok := s.nextRestart()
			if !ok {
				s.logger.Info("session_stopped", "exit_code", s.ExitCode())
				break loop
			}
			s.logger.Info("session_restart_scheduled",
				"attempt", s.backoff.Attempts(),
				"delay", delay.String(),
			)
			restartTimer = time.After(delay)
		case <-sampleTicker.C:
			s.outputRate.Sample()
		case <-restartTimer:
			restartTimer = nil
			if err := s.rc.InitiateRestart(); err != nil {
				s.logger.Warn("session_restart_failed", "error", err)
				break loop
			}
			s.mu.Lock()
			s.restarts++
			s.mu.Unlock()
			s.collector.RecordRestart()
		}
	}

	s.shutdown()
	s.printExitSummary()
	return nil
}

// nextRestart decides whether a stopped session runs again and how long
// to wait first.
func (s *Session) nextRestart() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bad := s.failed || (s.exited && (s.exitCode != 0 || s.crashed))
	uptime, code := s.lastUptime, s.exitCode
	s.exited, s.crashed, s.failed = false, false, false

	if !bad || s.cfg.MaxRestarts <= 0 || s.restarts >= s.cfg.MaxRestarts {
		return 0, false
	}
	if !s.rc.SupportsRerun() {
		s.logger.Warn("session_rerun_unsupported")
		return 0, false
	}
	if ShouldReset(uptime, code) {
		s.backoff.Reset()
	}
	return s.backoff.Next(), true
}

// shutdown finishes the run control within ShutdownTimeout, forcing it
// when workers do not acknowledge, then releases the device.
func (s *Session) shutdown() {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer shutdownCancel()

	s.rc.InitiateFinish()
	select {
	case <-s.rc.Done():
	case <-shutdownCtx.Done():
		s.logger.Warn("shutdown_incomplete", "timeout", s.cfg.ShutdownTimeout.String())
		s.rc.ForceStop()
		s.rc.InitiateFinish()
		select {
		case <-s.rc.Done():
		case <-time.After(forceStopWait):
			s.logger.Warn("run_control_not_finished")
		}
	}

	s.release()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			s.logger.Warn("metrics_server_shutdown_error", "error", err)
		}
	}
}

// Close releases a session that will not be Run.
func (s *Session) Close() { s.abandon() }

// abandon tears down a session that never ran.
func (s *Session) abandon() {
	s.rc.InitiateFinish()
	select {
	case <-s.rc.Done():
	case <-time.After(forceStopWait):
	}
	s.release()
}

func (s *Session) release() {
	if s.device != nil {
		s.device.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.docker != nil {
		if err := s.docker.Close(); err != nil {
			s.logger.Debug("docker_client_close_failed", "error", err)
		}
	}
}

// ExitCode is the exit code the CLI should return: the target's last exit
// code, 1 when a worker failed without the target exiting, otherwise 0.
func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.everExited:
		return s.lastCode
	case s.anyFailure:
		return 1
	default:
		return 0
	}
}

// =============================================================================
// Run control callbacks
// =============================================================================

func (s *Session) onStateChange(old, new runcontrol.State) {
	s.collector.RecordControlState(new)
	s.logger.Debug("session_state", "from", old.String(), "to", new.String())
	if new == runcontrol.StateStopped {
		select {
		case s.stopped <- struct{}{}:
		default:
		}
	}
}

func (s *Session) onWorkerStateChange(w runcontrol.WorkerInfo, old runcontrol.WorkerState) {
	s.collector.RecordWorkerTransition(w, old)
	s.collector.RecordWorkers(s.rc.Workers())
	if w.State != runcontrol.WorkerDone {
		return
	}
	s.output.Flush(w.Name)
	if w.LastError != "" {
		s.mu.Lock()
		s.failed = true
		s.anyFailure = true
		s.mu.Unlock()
	}
}

func (s *Session) onMessage(worker, text string, format runcontrol.MessageFormat) {
	s.output.Handle(worker, text, format)
	s.outputRate.Add(int64(len(text)))
	s.collector.RecordOutput(format)
}

func (s *Session) onTargetExit(res process.Result, uptime time.Duration) {
	s.collector.RecordExit(res.ExitCode, uptime)

	s.mu.Lock()
	s.exited = true
	s.everExited = true
	s.exitCode = res.ExitCode
	s.lastCode = res.ExitCode
	s.crashed = res.ExitStatus == process.ExitCrashed
	s.lastUptime = uptime
	s.mu.Unlock()
}

// =============================================================================
// Dashboard snapshot
// =============================================================================

// Snapshot is a point-in-time view of the session for the dashboard.
type Snapshot struct {
	ID         string
	Device     string
	Command    string
	RunMode    string
	State      runcontrol.State
	Workers    []runcontrol.WorkerInfo
	Output     []logging.Line
	TotalLines int64
	Suppressed int64
	SSHMasters int
	Restarts   int
	ShellP50   time.Duration
	ShellP95   time.Duration
	Elapsed    time.Duration

	// OutputBytes and OutputRates (bytes per second over
	// timeseries.DefaultWindows) cover all worker output.
	OutputBytes int64
	OutputRates []float64
}

// Snapshot returns the current session view with up to lines of output.
func (s *Session) Snapshot(lines int) Snapshot {
	s.mu.Lock()
	restarts := s.restarts
	s.mu.Unlock()

	p50, p95, _ := s.collector.ShellLatency()
	rate := s.outputRate.Stats()
	return Snapshot{
		ID:         s.rc.ID(),
		Device:     s.device.ID(),
		Command:    s.cfg.Command,
		RunMode:    s.cfg.RunMode,
		State:      s.rc.State(),
		Workers:    s.rc.Workers(),
		Output:     s.output.RecentLines(lines),
		TotalLines: s.output.TotalLines(),
		Suppressed: s.output.Suppressed(),
		SSHMasters: s.collector.ActiveSSHMasters(),
		Restarts:   restarts,
		ShellP50:   p50,
		ShellP95:   p95,
		Elapsed:    time.Since(s.startTime),

		OutputBytes: rate.Total,
		OutputRates: rate.Rates,
	}
}
