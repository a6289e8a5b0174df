// Package config provides configuration management for runctl.
package config

import "time"

// Config holds all configuration options for one run session.
type Config struct {
	// Device
	DeviceKind   string `json:"device_kind"` // desktop, container, remote
	Host         string `json:"host"`
	User         string `json:"user"`
	Port         int    `json:"port"`
	IdentityFile string `json:"identity_file"`
	ProxyJump    string `json:"proxy_jump"`
	HostKeyCheck string `json:"host_key_check"` // "", yes, no, accept-new
	SSHAskPass   string `json:"ssh_askpass"`
	SSHBinary    string `json:"ssh_binary"`
	Container    string `json:"container"`
	DockerBinary string `json:"docker_binary"`
	DockerCheck  bool   `json:"docker_check"`

	// Runnable
	Command    string   `json:"command"`
	WorkingDir string   `json:"working_dir"`
	Env        []string `json:"env"`
	RunMode    string   `json:"run_mode"`
	ConfigKind string   `json:"config_kind"`
	Terminal   bool     `json:"terminal"`
	RunAsRoot  bool     `json:"run_as_root"`
	SudoAsk    string   `json:"sudo_askpass"`
	Essential  bool     `json:"essential"`

	// Timeouts
	StartTimeout    time.Duration `json:"start_timeout"` // 0 = no watchdog
	StopTimeout     time.Duration `json:"stop_timeout"`
	StopGrace       time.Duration `json:"stop_grace"`
	Duration        time.Duration `json:"duration"` // 0 = until exit or signal
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`

	// SSH connection pool
	SSHIdleTimeout    time.Duration `json:"ssh_idle_timeout"`
	SSHConnectTimeout time.Duration `json:"ssh_connect_timeout"`
	ControlSocketDir  string        `json:"control_socket_dir"`

	// Session file
	SessionFile string `json:"session_file"`

	// Observability
	MetricsAddr string `json:"metrics_addr"` // empty = disabled
	Verbose     bool   `json:"verbose"`
	LogFormat   string `json:"log_format"` // json, text
	OutputLines int    `json:"output_lines"`
	OutputRate  int    `json:"output_rate"` // logged output lines per second

	// Diagnostic modes
	PrintCmd      bool `json:"print_cmd"`
	SkipPreflight bool `json:"skip_preflight"`

	// Dashboard
	TUIEnabled bool `json:"tui_enabled"`

	// Restart policy
	MaxRestarts     int           `json:"max_restarts"` // 0 = never restart
	BackoffInitial  time.Duration `json:"backoff_initial"`
	BackoffMax      time.Duration `json:"backoff_max"`
	BackoffMultiply float64       `json:"backoff_multiply"`

	// Helpers come from the session file only.
	Helpers []HelperConfig `json:"helpers"`
}

// HelperConfig describes an auxiliary worker started alongside the target.
type HelperConfig struct {
	Name       string        `json:"name" yaml:"name"`
	Kind       string        `json:"kind" yaml:"kind"` // process, shell-check, delay
	Command    string        `json:"command,omitempty" yaml:"command,omitempty"`
	WorkingDir string        `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
	Env        []string      `json:"env,omitempty" yaml:"env,omitempty"`
	Delay      time.Duration `json:"delay,omitempty" yaml:"delay,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Essential  bool          `json:"essential,omitempty" yaml:"essential,omitempty"`
	StartAfter []string      `json:"start_after,omitempty" yaml:"start_after,omitempty"`
	StopAfter  []string      `json:"stop_after,omitempty" yaml:"stop_after,omitempty"`
}

// Helper kinds.
const (
	HelperProcess    = "process"
	HelperShellCheck = "shell-check"
	HelperDelay      = "delay"
)

// TargetName is the worker name of the main runnable; helpers may
// reference it in start_after and stop_after.
const TargetName = "target"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		// Device
		DeviceKind:   "desktop",
		SSHBinary:    "ssh",
		DockerBinary: "docker",
		DockerCheck:  true,

		// Runnable
		RunMode:   "run",
		Essential: true,

		// Timeouts
		StartTimeout:    30 * time.Second,
		StopTimeout:     10 * time.Second,
		StopGrace:       3 * time.Second,
		Duration:        0,
		ShutdownTimeout: 10 * time.Second,

		// SSH pool
		SSHIdleTimeout:    5 * time.Minute,
		SSHConnectTimeout: 10 * time.Second,

		// Observability
		MetricsAddr: "",
		Verbose:     false,
		LogFormat:   "json",
		OutputLines: 200,
		OutputRate:  50,

		// Restart policy
		MaxRestarts:     0,
		BackoffInitial:  250 * time.Millisecond,
		BackoffMax:      5 * time.Second,
		BackoffMultiply: 1.7,
	}
}
