// Package device models the machine a run session executes on. A Device is
// one of a closed set of kinds and manufactures process backends, owns the
// device shell and answers file queries through it.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/randomizedcoder/runctl/internal/deviceshell"
	"github.com/randomizedcoder/runctl/internal/process"
	"github.com/randomizedcoder/runctl/internal/runerr"
	"github.com/randomizedcoder/runctl/internal/sshconn"
)

// Kind is the device type.
type Kind int

const (
	KindDesktop Kind = iota
	KindContainer
	KindRemote
)

// String returns the device type id used for factory matching.
func (k Kind) String() string {
	switch k {
	case KindDesktop:
		return "desktop"
	case KindContainer:
		return "container"
	case KindRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// ParseKind parses a device type id.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "desktop", "local", "":
		return KindDesktop, nil
	case "container", "docker":
		return KindContainer, nil
	case "remote", "ssh":
		return KindRemote, nil
	default:
		return KindDesktop, fmt.Errorf("unknown device kind %q", s)
	}
}

// ContainerRuntime checks that a container can accept exec requests.
type ContainerRuntime interface {
	EnsureRunning(ctx context.Context, name string) error
}

// Options are shared by all device kinds.
type Options struct {
	Logger *slog.Logger

	// OnShellQuery observes device shell round trips. May be nil.
	OnShellQuery func(d time.Duration, err error)
}

// ContainerOptions configure a container device.
type ContainerOptions struct {
	Options
	Name         string
	DockerBinary string
	// Runtime may be nil, in which case the container is assumed to run.
	Runtime ContainerRuntime
}

// RemoteOptions configure a remote device.
type RemoteOptions struct {
	Options
	Params sshconn.Parameters
	Pool   *sshconn.Pool
}

// Device is a closed variant over {Desktop, Container, Remote}, selected
// once at construction.
type Device struct {
	kind   Kind
	id     string
	logger *slog.Logger
	shell  *deviceshell.Shell

	container ContainerOptions
	remote    RemoteOptions
}

func newDevice(kind Kind, id string, opts Options) *Device {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Device{
		kind:   kind,
		id:     id,
		logger: logger.With("device", id),
	}
}

func (d *Device) initShell(opts Options) {
	d.shell = deviceshell.New(deviceshell.Config{
		Launch:  d.launchShell,
		Logger:  d.logger,
		OnQuery: opts.OnShellQuery,
	})
}

// NewDesktop returns the local machine.
func NewDesktop(opts Options) *Device {
	d := newDevice(KindDesktop, "desktop", opts)
	d.initShell(opts)
	return d
}

// NewContainer returns a device backed by a running container.
func NewContainer(opts ContainerOptions) *Device {
	if opts.DockerBinary == "" {
		opts.DockerBinary = "docker"
	}
	d := newDevice(KindContainer, "container:"+opts.Name, opts.Options)
	d.container = opts
	d.initShell(opts.Options)
	return d
}

// NewRemote returns a device reached over ssh through the shared pool.
func NewRemote(opts RemoteOptions) *Device {
	d := newDevice(KindRemote, "ssh:"+opts.Params.Key().String(), opts.Options)
	d.remote = opts
	d.initShell(opts.Options)
	return d
}

// ID identifies the device.
func (d *Device) ID() string { return d.id }

// Type returns the device kind.
func (d *Device) Type() Kind { return d.kind }

// SupportsTerminal reports whether processes can be given a terminal.
// Desktop uses a pty, container `exec -t` and remote `ssh -tt`.
func (d *Device) SupportsTerminal() bool {
	switch d.kind {
	case KindDesktop, KindContainer, KindRemote:
		return true
	default:
		return false
	}
}

// Shell returns the device's query shell.
func (d *Device) Shell() *deviceshell.Shell { return d.shell }

// NewProcess returns a fresh process backend for this device.
func (d *Device) NewProcess() process.Interface {
	switch d.kind {
	case KindContainer:
		return process.NewContainer(process.ContainerConfig{
			DockerBinary:  d.container.DockerBinary,
			Container:     d.container.Name,
			EnsureRunning: d.ensureRunning,
			Signaler:      d,
			Logger:        d.logger,
		})
	case KindRemote:
		return process.NewRemote(process.RemoteConfig{
			Connect:  d.connect,
			Signaler: d,
			Logger:   d.logger,
		})
	default:
		return process.NewDesktop(d.logger)
	}
}

// Signal delivers sig to pid on the device with `kill -N pid` through the
// device shell.
func (d *Device) Signal(ctx context.Context, pid int, sig process.ControlSignal) error {
	cmd := process.KillCommand(pid, sig)
	r, err := d.shell.Run(ctx, cmd, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	if r.ExitCode != 0 {
		return fmt.Errorf("%s: exit code %d: %s", cmd, r.ExitCode, strings.TrimSpace(string(r.Stderr)))
	}
	return nil
}

// Close stops the device shell.
func (d *Device) Close() {
	d.shell.Close()
}

func (d *Device) ensureRunning(ctx context.Context) error {
	if d.container.Runtime == nil {
		return nil
	}
	return d.container.Runtime.EnsureRunning(ctx, d.container.Name)
}

func (d *Device) connect(ctx context.Context) (process.Endpoint, error) {
	if d.remote.Pool == nil {
		return process.Endpoint{}, runerr.ConnectFailed(nil, "no connection pool for %s", d.id)
	}
	h, err := d.remote.Pool.Attach(ctx, d.remote.Params)
	if err != nil {
		return process.Endpoint{}, err
	}
	return h.Endpoint(), nil
}

func (d *Device) launchShell(ctx context.Context) (process.CommandLine, func(), error) {
	switch d.kind {
	case KindContainer:
		if err := d.ensureRunning(ctx); err != nil {
			return process.CommandLine{}, nil, err
		}
		return process.NewCommandLine(d.container.DockerBinary, "exec", "-i", d.container.Name, "/bin/sh"), nil, nil
	case KindRemote:
		ep, err := d.connect(ctx)
		if err != nil {
			return process.CommandLine{}, nil, err
		}
		args := append(append([]string{}, ep.Options...), ep.Host, "/bin/sh")
		return process.NewCommandLine(ep.Binary, args...), ep.Release, nil
	default:
		return process.NewCommandLine(shellPath()), nil, nil
	}
}

func shellPath() string {
	if _, err := os.Stat("/bin/sh"); err == nil {
		return "/bin/sh"
	}
	return "sh"
}

// WireCommand returns the argv a process with setup would run locally.
// Remote commands show the control socket as a placeholder since no
// master is attached.
func (d *Device) WireCommand(setup process.Setup) []string {
	switch d.kind {
	case KindContainer:
		return process.ContainerArgv(d.container.DockerBinary, d.container.Name, setup)
	case KindRemote:
		return process.RemoteArgv(d.remote.Params.ClientEndpoint("<control-socket>"), setup)
	default:
		return setup.Command.Argv()
	}
}
