package sshconn

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/randomizedcoder/runctl/internal/process"
)

// masterSentinel is printed by the master's LocalCommand hook, which ssh
// runs only after authentication succeeded.
const masterSentinel = "__runctl_master_ready__"

// LaunchSpec is everything a Launcher needs to start one master.
type LaunchSpec struct {
	Params   Parameters
	Socket   string
	Identity IdentityMode
}

// Master is a running control-master process.
type Master interface {
	// Ready is closed once the master accepts multiplexed clients.
	Ready() <-chan struct{}
	// Exited delivers the master's result once, then is closed.
	Exited() <-chan process.Result
	// Close terminates the master. Safe to call more than once.
	Close()
}

// Launcher starts control masters.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Master, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, spec LaunchSpec) (Master, error)

// Launch implements Launcher.
func (f LauncherFunc) Launch(ctx context.Context, spec LaunchSpec) (Master, error) {
	return f(ctx, spec)
}

// SSHLauncher runs `ssh -M -N` through the desktop process backend.
type SSHLauncher struct {
	Logger *slog.Logger
}

// MasterArgv returns the command line of a control master.
func MasterArgv(spec LaunchSpec) []string {
	p := spec.Params
	argv := []string{p.binary(),
		"-M", "-N",
		"-o", "ControlPath=" + spec.Socket,
		"-o", "ControlPersist=no",
		"-o", "PermitLocalCommand=yes",
		"-o", "LocalCommand=echo " + masterSentinel,
	}
	batch := spec.Identity == IdentityPlain || p.AskPass == ""
	argv = append(argv, p.connectionOptions(batch)...)
	return append(argv, p.Destination())
}

// Launch implements Launcher.
func (l SSHLauncher) Launch(ctx context.Context, spec LaunchSpec) (Master, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	env := process.Environment{}
	if spec.Params.AskPass != "" {
		env.Set("SSH_ASKPASS", spec.Params.AskPass)
		env.Set("SSH_ASKPASS_REQUIRE", "force")
	}
	if spec.Params.X11Display != "" {
		env.Set("DISPLAY", spec.Params.X11Display)
	}

	argv := MasterArgv(spec)
	proc := process.NewDesktop(logger)
	m := &sshMaster{
		proc:   proc,
		ready:  make(chan struct{}),
		exited: make(chan process.Result, 1),
	}
	go m.watch()

	logger.Debug("ssh_master_launch", "key", spec.Params.Key().String(), "socket", spec.Socket)
	proc.Start(ctx, process.Setup{
		Command: process.NewCommandLine(argv[0], argv[1:]...),
		Env:     env,
		Mode:    process.ModeReader,
	})
	return m, nil
}

type sshMaster struct {
	proc   *process.Desktop
	ready  chan struct{}
	exited chan process.Result

	closeOnce sync.Once
}

func (m *sshMaster) Ready() <-chan struct{}        { return m.ready }
func (m *sshMaster) Exited() <-chan process.Result { return m.exited }

func (m *sshMaster) Close() {
	m.closeOnce.Do(func() {
		m.proc.SendControlSignal(process.SignalTerminate)
	})
}

func (m *sshMaster) watch() {
	var stdout, stderr bytes.Buffer
	isReady := false
	for ev := range m.proc.Events() {
		switch ev.Kind {
		case process.EventReadyRead:
			stderr.Write(ev.Stderr)
			if !isReady {
				stdout.Write(ev.Stdout)
				if bytes.Contains(stdout.Bytes(), []byte(masterSentinel)) {
					isReady = true
					close(m.ready)
				}
			}
		case process.EventDone:
			r := ev.Result
			if !isReady && r.Error == process.ErrorNone {
				r.Error = process.ErrorConnectFailed
			}
			if diag := strings.TrimSpace(stderr.String()); diag != "" && r.ErrorString == "" {
				r.ErrorString = diag
			}
			m.exited <- r
			close(m.exited)
		}
	}
}
