// Package metrics provides Prometheus metrics for runctl sessions.
//
// Metrics cover four areas:
//   - Session: control state and transitions
//   - Workers: per-state counts, failures, process exits
//   - SSH pool: live control masters, attachments, evictions
//   - Device shell: query counts and latency
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/runctl/internal/runcontrol"
	"github.com/randomizedcoder/runctl/internal/sshconn"
)

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Version    string
	SessionID  string
	DeviceType string
	RunMode    string
}

// Collector records session events as Prometheus metrics and keeps the
// totals needed for the exit summary.
type Collector struct {
	cfg       CollectorConfig
	startTime time.Time

	// --- Session ---
	info               *prometheus.GaugeVec
	controlState       *prometheus.GaugeVec
	controlTransitions *prometheus.CounterVec

	// --- Workers ---
	workers           *prometheus.GaugeVec
	workerTransitions *prometheus.CounterVec
	workerFailures    *prometheus.CounterVec
	processExits      *prometheus.CounterVec
	processUptime     prometheus.Histogram
	outputChunks      *prometheus.CounterVec
	restarts          prometheus.Counter

	// --- SSH pool ---
	sshConnections *prometheus.GaugeVec
	sshAttachments prometheus.Gauge
	sshDestroyed   *prometheus.CounterVec

	// --- Device shell ---
	shellQueries       *prometheus.CounterVec
	shellQuerySeconds  prometheus.Histogram
	shellQueryQuantile *prometheus.GaugeVec

	mu          sync.Mutex
	finalState  runcontrol.State
	transitions int64
	failures    map[string]int64
	exitCodes   map[int]int64
	uptimes     *LatencyDigest
	shell       *LatencyDigest
	shellErrors int64
	conns       map[uint64]poolEntry
	destroyed   map[string]int64
	peakConns   int
	restartN    int64
}

type poolEntry struct {
	state    sshconn.State
	refcount int
}

// NewCollector creates a collector registered with the default registry.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// Useful for testing.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		cfg:       cfg,
		startTime: time.Now(),
		failures:  make(map[string]int64),
		exitCodes: make(map[int]int64),
		uptimes:   NewLatencyDigest(),
		shell:     NewLatencyDigest(),
		conns:     make(map[uint64]poolEntry),
		destroyed: make(map[string]int64),

		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "runctl_info",
			Help: "Information about the session (value always 1)",
		}, []string{"version", "session", "device_type", "run_mode"}),
		controlState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "runctl_control_state",
			Help: "1 for the current run control state, 0 otherwise",
		}, []string{"state"}),
		controlTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runctl_control_transitions_total",
			Help: "Run control state changes by target state",
		}, []string{"state"}),

		workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "runctl_workers",
			Help: "Workers by state",
		}, []string{"state"}),
		workerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runctl_worker_transitions_total",
			Help: "Worker state changes by worker and target state",
		}, []string{"worker", "state"}),
		workerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runctl_worker_failures_total",
			Help: "Worker failures by error kind",
		}, []string{"kind"}),
		processExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runctl_process_exits_total",
			Help: "Process exits by category (success, error, signal)",
		}, []string{"category"}),
		processUptime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "runctl_process_uptime_seconds",
			Help:    "How long target processes ran",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
		}),
		outputChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runctl_output_chunks_total",
			Help: "Output chunks appended to the session by format",
		}, []string{"format"}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runctl_session_restarts_total",
			Help: "Times the session was rerun after the target stopped",
		}),

		sshConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "runctl_ssh_connections",
			Help: "Pooled SSH control masters by state",
		}, []string{"state"}),
		sshAttachments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runctl_ssh_attachments",
			Help: "Handles currently attached to pooled SSH connections",
		}),
		sshDestroyed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runctl_ssh_connections_destroyed_total",
			Help: "Pooled SSH connections torn down by reason",
		}, []string{"reason"}),

		shellQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runctl_shell_queries_total",
			Help: "Device shell queries by result",
		}, []string{"result"}),
		shellQuerySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "runctl_shell_query_seconds",
			Help:    "Device shell round-trip latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		shellQueryQuantile: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "runctl_shell_query_quantile_seconds",
			Help: "Device shell latency quantiles (p50, p95, p99)",
		}, []string{"quantile"}),
	}

	registry.MustRegister(
		c.info,
		c.controlState,
		c.controlTransitions,
		c.workers,
		c.workerTransitions,
		c.workerFailures,
		c.processExits,
		c.processUptime,
		c.outputChunks,
		c.restarts,
		c.sshConnections,
		c.sshAttachments,
		c.sshDestroyed,
		c.shellQueries,
		c.shellQuerySeconds,
		c.shellQueryQuantile,
	)

	c.info.WithLabelValues(cfg.Version, cfg.SessionID, cfg.DeviceType, cfg.RunMode).Set(1)
	c.setControlGauge(runcontrol.StateInitialized)
	return c
}

// =============================================================================
// Session
// =============================================================================

// RecordControlState records a run control state change.
func (c *Collector) RecordControlState(s runcontrol.State) {
	c.controlTransitions.WithLabelValues(s.String()).Inc()
	c.setControlGauge(s)

	c.mu.Lock()
	c.finalState = s
	c.transitions++
	c.mu.Unlock()
}

func (c *Collector) setControlGauge(current runcontrol.State) {
	for s := runcontrol.StateInitialized; s <= runcontrol.StateFinished; s++ {
		v := 0.0
		if s == current {
			v = 1
		}
		c.controlState.WithLabelValues(s.String()).Set(v)
	}
}

// =============================================================================
// Workers
// =============================================================================

// RecordWorkers replaces the per-state worker gauge from a snapshot.
func (c *Collector) RecordWorkers(infos []runcontrol.WorkerInfo) {
	counts := make(map[runcontrol.WorkerState]int)
	for _, w := range infos {
		counts[w.State]++
	}
	for s := runcontrol.WorkerInitialized; s <= runcontrol.WorkerDone; s++ {
		c.workers.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}

// RecordWorkerTransition records one worker state change. A worker that
// reaches Done with an error counts as a failure.
func (c *Collector) RecordWorkerTransition(w runcontrol.WorkerInfo, old runcontrol.WorkerState) {
	c.workerTransitions.WithLabelValues(w.Name, w.State.String()).Inc()
	if w.State != runcontrol.WorkerDone || w.LastError == "" {
		return
	}
	c.workerFailures.WithLabelValues(w.ErrorKind.String()).Inc()

	c.mu.Lock()
	c.failures[w.Name]++
	c.mu.Unlock()
}

// RecordExit records a target process exit.
func (c *Collector) RecordExit(exitCode int, uptime time.Duration) {
	category := "error"
	if exitCode == 0 {
		category = "success"
	} else if exitCode > 128 {
		category = "signal"
	}
	c.processExits.WithLabelValues(category).Inc()
	c.processUptime.Observe(uptime.Seconds())

	c.mu.Lock()
	c.exitCodes[exitCode]++
	c.mu.Unlock()
	c.uptimes.Add(uptime)
}

// RecordRestart counts one session rerun.
func (c *Collector) RecordRestart() {
	c.restarts.Inc()
	c.mu.Lock()
	c.restartN++
	c.mu.Unlock()
}

// RecordOutput counts one output chunk.
func (c *Collector) RecordOutput(format runcontrol.MessageFormat) {
	c.outputChunks.WithLabelValues(format.String()).Inc()
}

// =============================================================================
// SSH pool
// =============================================================================

// RecordPoolState records a pooled connection state change.
func (c *Collector) RecordPoolState(id uint64, s sshconn.State) {
	c.mu.Lock()
	e := c.conns[id]
	e.state = s
	c.conns[id] = e
	c.mu.Unlock()
	c.publishPool()
}

// RecordPoolRefcount records a pooled connection's attachment count.
func (c *Collector) RecordPoolRefcount(id uint64, refcount int) {
	c.mu.Lock()
	e := c.conns[id]
	e.refcount = refcount
	c.conns[id] = e
	c.mu.Unlock()
	c.publishPool()
}

// RecordPoolDestroyed records a pooled connection teardown.
func (c *Collector) RecordPoolDestroyed(id uint64, reason string) {
	c.sshDestroyed.WithLabelValues(reason).Inc()

	c.mu.Lock()
	delete(c.conns, id)
	c.destroyed[reason]++
	c.mu.Unlock()
	c.publishPool()
}

// PoolCallbacks returns pool callbacks that feed this collector.
func (c *Collector) PoolCallbacks() sshconn.Callbacks {
	return sshconn.Callbacks{
		OnStateChange: func(_ sshconn.ConnectionKey, id uint64, s sshconn.State) { c.RecordPoolState(id, s) },
		OnRefcount:    func(_ sshconn.ConnectionKey, id uint64, n int) { c.RecordPoolRefcount(id, n) },
		OnDestroyed:   func(_ sshconn.ConnectionKey, id uint64, reason string) { c.RecordPoolDestroyed(id, reason) },
	}
}

func (c *Collector) publishPool() {
	c.mu.Lock()
	byState := make(map[sshconn.State]int)
	attached := 0
	for _, e := range c.conns {
		byState[e.state]++
		attached += e.refcount
	}
	if len(c.conns) > c.peakConns {
		c.peakConns = len(c.conns)
	}
	c.mu.Unlock()

	for _, s := range []sshconn.State{sshconn.NotRunning, sshconn.Connecting, sshconn.Running} {
		c.sshConnections.WithLabelValues(s.String()).Set(float64(byState[s]))
	}
	c.sshAttachments.Set(float64(attached))
}

// =============================================================================
// Device shell
// =============================================================================

// RecordShellQuery records one device shell round trip. Matches the
// deviceshell.Config OnQuery signature.
func (c *Collector) RecordShellQuery(d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.shellQueries.WithLabelValues(result).Inc()
	c.shellQuerySeconds.Observe(d.Seconds())

	c.shell.Add(d)
	if err != nil {
		c.mu.Lock()
		c.shellErrors++
		c.mu.Unlock()
	}

	p50, p95, p99 := c.shell.Percentiles()
	c.shellQueryQuantile.WithLabelValues("0.5").Set(p50.Seconds())
	c.shellQueryQuantile.WithLabelValues("0.95").Set(p95.Seconds())
	c.shellQueryQuantile.WithLabelValues("0.99").Set(p99.Seconds())
}

// =============================================================================
// Summary Generation
// =============================================================================

// Summary holds the data for generating an exit summary.
type Summary struct {
	Duration       time.Duration
	FinalState     runcontrol.State
	Transitions    int64
	Restarts       int64
	Failures       map[string]int64
	ExitCodes      map[int]int64
	UptimeP50      time.Duration
	UptimeP95      time.Duration
	UptimeP99      time.Duration
	ShellQueries   int64
	ShellErrors    int64
	ShellP50       time.Duration
	ShellP95       time.Duration
	ShellP99       time.Duration
	PeakSSHMasters int
	SSHDestroyed   map[string]int64
}

// GenerateSummary creates a summary of the session.
func (c *Collector) GenerateSummary() *Summary {
	c.mu.Lock()
	s := &Summary{
		Duration:       time.Since(c.startTime),
		FinalState:     c.finalState,
		Transitions:    c.transitions,
		Restarts:       c.restartN,
		Failures:       make(map[string]int64, len(c.failures)),
		ExitCodes:      make(map[int]int64, len(c.exitCodes)),
		ShellErrors:    c.shellErrors,
		PeakSSHMasters: c.peakConns,
		SSHDestroyed:   make(map[string]int64, len(c.destroyed)),
	}
	for k, v := range c.failures {
		s.Failures[k] = v
	}
	for k, v := range c.exitCodes {
		s.ExitCodes[k] = v
	}
	for k, v := range c.destroyed {
		s.SSHDestroyed[k] = v
	}
	c.mu.Unlock()

	s.UptimeP50, s.UptimeP95, s.UptimeP99 = c.uptimes.Percentiles()
	s.ShellQueries = c.shell.Count()
	s.ShellP50, s.ShellP95, s.ShellP99 = c.shell.Percentiles()
	return s
}

// ShellLatency returns the running device shell latency quantiles.
func (c *Collector) ShellLatency() (p50, p95, p99 time.Duration) {
	return c.shell.Percentiles()
}

// ActiveSSHMasters returns the number of pooled connections alive now.
func (c *Collector) ActiveSSHMasters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// ExitCodeLabel returns a human-readable label for common exit codes.
func ExitCodeLabel(code int) string {
	switch code {
	case 0:
		return "(clean)"
	case 1:
		return "(error)"
	case 130:
		return "(SIGINT)"
	case 137:
		return "(SIGKILL)"
	case 143:
		return "(SIGTERM)"
	case -1:
		return "(not started)"
	default:
		if code > 128 {
			return "(signal " + strconv.Itoa(code-128) + ")"
		}
		return ""
	}
}
