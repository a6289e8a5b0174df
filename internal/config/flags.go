package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
)

// envList is a custom flag type for repeatable -env flags.
type envList []string

func (e *envList) String() string {
	return strings.Join(*e, ", ")
}

func (e *envList) Set(value string) error {
	if !strings.Contains(value, "=") {
		return fmt.Errorf("expected NAME=VALUE, got %q", value)
	}
	*e = append(*e, value)
	return nil
}

// ParseFlags parses os.Args and returns a Config.
func ParseFlags() (*Config, error) {
	return ParseArgs(flag.CommandLine, os.Args[1:])
}

// ParseArgs registers all flags on fs and parses args. Positional
// arguments after the flags form the command when -cmd is not given.
func ParseArgs(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := DefaultConfig()
	var env envList

	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintf(out, `runctl - run a command on a desktop, container or ssh host under a supervised session

Usage:
  runctl [flags] [-- command args...]

Device Flags:
`)
		printFlagCategory(fs, []string{"device", "host", "user", "port", "identity", "proxy-jump", "host-key-check", "ssh-askpass", "ssh", "container", "docker", "docker-check"})

		fmt.Fprintf(out, "\nRunnable:\n")
		printFlagCategory(fs, []string{"cmd", "dir", "env", "mode", "config-kind", "terminal", "root", "sudo-askpass", "essential"})

		fmt.Fprintf(out, "\nTimeouts:\n")
		printFlagCategory(fs, []string{"start-timeout", "stop-timeout", "stop-grace", "duration", "shutdown-timeout"})

		fmt.Fprintf(out, "\nSSH Connection Pool:\n")
		printFlagCategory(fs, []string{"ssh-idle", "ssh-connect-timeout", "control-dir"})

		fmt.Fprintf(out, "\nRestart Policy:\n")
		printFlagCategory(fs, []string{"max-restarts", "backoff-initial", "backoff-max", "backoff-multiply"})

		fmt.Fprintf(out, "\nSafety & Diagnostics:\n")
		printFlagCategory(fs, []string{"session", "print-cmd", "skip-preflight"})

		fmt.Fprintf(out, "\nObservability:\n")
		printFlagCategory(fs, []string{"metrics", "v", "log-format", "output-lines", "output-rate", "tui"})

		fmt.Fprintf(out, `
Examples:
  # Run locally
  runctl -- ./server -port 8080

  # Run on a remote host, reusing one ssh control master
  runctl -device remote -host build01 -user dev -dir /srv/app -- ./server

  # Run inside a container as root, with a session file adding helpers
  runctl -device container -container app -root -session session.yaml

`)
	}

	// Device
	fs.StringVar(&cfg.DeviceKind, "device", cfg.DeviceKind, `Device kind: "desktop", "container" or "remote"`)
	fs.StringVar(&cfg.Host, "host", cfg.Host, "SSH host (remote)")
	fs.StringVar(&cfg.User, "user", cfg.User, "SSH user (remote)")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "SSH port (remote, 0 = client default)")
	fs.StringVar(&cfg.IdentityFile, "identity", cfg.IdentityFile, "SSH private key file (remote)")
	fs.StringVar(&cfg.ProxyJump, "proxy-jump", cfg.ProxyJump, "SSH ProxyJump host (remote)")
	fs.StringVar(&cfg.HostKeyCheck, "host-key-check", cfg.HostKeyCheck, `SSH StrictHostKeyChecking: "yes", "no" or "accept-new"`)
	fs.StringVar(&cfg.SSHAskPass, "ssh-askpass", cfg.SSHAskPass, "SSH_ASKPASS helper for passphrases")
	fs.StringVar(&cfg.SSHBinary, "ssh", cfg.SSHBinary, "Path to ssh client")
	fs.StringVar(&cfg.Container, "container", cfg.Container, "Container name or id (container)")
	fs.StringVar(&cfg.DockerBinary, "docker", cfg.DockerBinary, "Path to docker client")
	fs.BoolVar(&cfg.DockerCheck, "docker-check", cfg.DockerCheck, "Inspect and start the container through the docker API before exec")

	// Runnable
	fs.StringVar(&cfg.Command, "cmd", cfg.Command, "Command line to run (alternative to arguments after --)")
	fs.StringVar(&cfg.WorkingDir, "dir", cfg.WorkingDir, "Working directory on the device")
	fs.Var(&env, "env", "Environment entry NAME=VALUE (can repeat)")
	fs.StringVar(&cfg.RunMode, "mode", cfg.RunMode, "Run mode id used to select the worker factory")
	fs.StringVar(&cfg.ConfigKind, "config-kind", cfg.ConfigKind, "Run configuration kind id used to select the worker factory")
	fs.BoolVar(&cfg.Terminal, "terminal", cfg.Terminal, "Run in a terminal (pty)")
	fs.BoolVar(&cfg.RunAsRoot, "root", cfg.RunAsRoot, "Run as root through sudo -A")
	fs.StringVar(&cfg.SudoAsk, "sudo-askpass", cfg.SudoAsk, "SUDO_ASKPASS helper used with -root")
	fs.BoolVar(&cfg.Essential, "essential", cfg.Essential, "Stop the whole session when the target exits")

	// Timeouts
	fs.DurationVar(&cfg.StartTimeout, "start-timeout", cfg.StartTimeout, "Start watchdog per worker (0 = none)")
	fs.DurationVar(&cfg.StopTimeout, "stop-timeout", cfg.StopTimeout, "Stop watchdog per worker (0 = none)")
	fs.DurationVar(&cfg.StopGrace, "stop-grace", cfg.StopGrace, "Wait between SIGTERM and SIGKILL")
	fs.DurationVar(&cfg.Duration, "duration", cfg.Duration, "Stop the session after this long (0 = never)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Bound on graceful shutdown before force stop")

	// SSH pool
	fs.DurationVar(&cfg.SSHIdleTimeout, "ssh-idle", cfg.SSHIdleTimeout, "Tear down unused control masters after this long")
	fs.DurationVar(&cfg.SSHConnectTimeout, "ssh-connect-timeout", cfg.SSHConnectTimeout, "SSH ConnectTimeout")
	fs.StringVar(&cfg.ControlSocketDir, "control-dir", cfg.ControlSocketDir, "Directory for control master sockets (default: temp dir)")

	// Restart policy
	fs.IntVar(&cfg.MaxRestarts, "max-restarts", cfg.MaxRestarts, "Restart the session after a crash up to N times (0 = never)")
	fs.DurationVar(&cfg.BackoffInitial, "backoff-initial", cfg.BackoffInitial, "Initial restart backoff")
	fs.DurationVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "Maximum restart backoff")
	fs.Float64Var(&cfg.BackoffMultiply, "backoff-multiply", cfg.BackoffMultiply, "Restart backoff multiplier")

	// Safety & Diagnostics
	fs.StringVar(&cfg.SessionFile, "session", cfg.SessionFile, "YAML session file (device, runnable, helper workers)")
	fs.BoolVar(&cfg.PrintCmd, "print-cmd", cfg.PrintCmd, "Print the wire command for the device and exit")
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address (empty = disabled)")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.IntVar(&cfg.OutputLines, "output-lines", cfg.OutputLines, "Recent output lines kept for the dashboard and summary")
	fs.IntVar(&cfg.OutputRate, "output-rate", cfg.OutputRate, "Output lines logged per second before suppression")
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Enable live terminal dashboard")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Env = env

	if rest := fs.Args(); len(rest) > 0 && cfg.Command == "" {
		cfg.Command = shellquote.Join(rest...)
	}

	if cfg.SessionFile != "" {
		sf, err := LoadSessionFile(cfg.SessionFile)
		if err != nil {
			return nil, err
		}
		sf.Apply(cfg, explicitFlags(fs))
	}

	return cfg, nil
}

// explicitFlags returns the names of flags set on the command line.
func explicitFlags(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(fs *flag.FlagSet, names []string) {
	out := fs.Output()
	for _, name := range names {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		writeFlag(out, f)
	}
}

func writeFlag(out io.Writer, f *flag.Flag) {
	fmt.Fprintf(out, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
	if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" && f.DefValue != "[]" {
		fmt.Fprintf(out, " (default %s)", f.DefValue)
	}
	fmt.Fprintln(out)
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	// Infer type from default value format
	switch f.DefValue {
	case "true", "false":
		return ""
	}

	if _, err := time.ParseDuration(f.DefValue); err == nil && f.DefValue != "0" {
		return "duration"
	}

	// Check if numeric
	if _, err := fmt.Sscanf(f.DefValue, "%d", new(int)); err == nil {
		return "int"
	}

	return "string"
}
