package session

import (
	"fmt"

	"github.com/kballard/go-shellquote"

	"github.com/randomizedcoder/runctl/internal/config"
	"github.com/randomizedcoder/runctl/internal/device"
	"github.com/randomizedcoder/runctl/internal/process"
	"github.com/randomizedcoder/runctl/internal/runcontrol"
	"github.com/randomizedcoder/runctl/internal/runerr"
	"github.com/randomizedcoder/runctl/internal/sshconn"
)

// Run modes served by the default factories.
const (
	ModeRun   = "run"
	ModeCheck = "check"
)

func buildRunnable(command, dir string, env []string) (runcontrol.Runnable, error) {
	cmd, err := process.ParseCommandLine(command)
	if err != nil {
		return runcontrol.Runnable{}, runerr.Config("command %q: %v", command, err)
	}
	return runcontrol.Runnable{
		Command:    cmd,
		WorkingDir: dir,
		Env:        process.ParseEnvironment(env),
	}, nil
}

// sshParameters maps the device flags onto pool parameters.
func sshParameters(cfg *config.Config) sshconn.Parameters {
	return sshconn.Parameters{
		Host:                  cfg.Host,
		User:                  cfg.User,
		Port:                  cfg.Port,
		IdentityFile:          cfg.IdentityFile,
		ProxyJump:             cfg.ProxyJump,
		StrictHostKeyChecking: cfg.HostKeyCheck,
		ConnectTimeout:        cfg.SSHConnectTimeout,
		AskPass:               cfg.SSHAskPass,
		Binary:                cfg.SSHBinary,
	}
}

func (s *Session) buildDevice(kind device.Kind) error {
	opts := device.Options{
		Logger:       s.logger,
		OnShellQuery: s.collector.RecordShellQuery,
	}

	switch kind {
	case device.KindContainer:
		copts := device.ContainerOptions{
			Options:      opts,
			Name:         s.cfg.Container,
			DockerBinary: s.cfg.DockerBinary,
		}
		if s.cfg.DockerCheck {
			docker, err := device.NewDockerRuntime(s.logger)
			if err != nil {
				return fmt.Errorf("docker runtime: %w", err)
			}
			s.docker = docker
			copts.Runtime = docker
		}
		s.device = device.NewContainer(copts)

	case device.KindRemote:
		pcfg := sshconn.DefaultConfig()
		if s.cfg.ControlSocketDir != "" {
			pcfg.SocketDir = s.cfg.ControlSocketDir
		}
		pcfg.IdleTimeout = s.cfg.SSHIdleTimeout
		pcfg.Callbacks = s.collector.PoolCallbacks()
		pcfg.Logger = s.logger
		s.pool = sshconn.NewPool(pcfg)
		s.device = device.NewRemote(device.RemoteOptions{
			Options: opts,
			Params:  sshParameters(s.cfg),
			Pool:    s.pool,
		})

	default:
		s.device = device.NewDesktop(opts)
	}

	s.logger.Debug("device_ready", "device", s.device.ID(), "kind", kind.String())
	return nil
}

// =============================================================================
// Factories
// =============================================================================

// RegisterFactories adds the default target factories to reg: "run"
// launches the runnable as a process on the device and "check" runs it
// once through the device shell.
func (s *Session) RegisterFactories(reg *runcontrol.Registry) error {
	if err := reg.Register(runcontrol.Factory{
		Name:     "simple-target",
		RunModes: []string{ModeRun},
		Produce:  s.produceTarget,
	}); err != nil {
		return err
	}
	return reg.Register(runcontrol.Factory{
		Name:     "shell-check",
		RunModes: []string{ModeCheck},
		Produce:  s.produceCheck,
	})
}

func (s *Session) targetConfig(run runcontrol.Runnable) runcontrol.SimpleTargetConfig {
	mode := process.ModeReader
	if s.cfg.Terminal {
		mode = process.ModeDuplex
	}
	return runcontrol.SimpleTargetConfig{
		Runnable:  run,
		Terminal:  s.cfg.Terminal,
		Mode:      mode,
		RunAsRoot: s.cfg.RunAsRoot,
		AskPass:   s.cfg.SudoAsk,
		StopGrace: s.cfg.StopGrace,
		Logger:    s.logger,
		OnExit:    s.onTargetExit,
	}
}

func (s *Session) produceTarget(rc *runcontrol.RunControl) (*runcontrol.Worker, error) {
	return rc.AddWorker(runcontrol.WorkerSpec{
		Name:          config.TargetName,
		Task:          runcontrol.NewSimpleTargetRunner(s.device, s.targetConfig(rc.Runnable())),
		Essential:     s.cfg.Essential,
		StartWatchdog: runcontrol.Watchdog{Timeout: s.cfg.StartTimeout},
		StopWatchdog:  runcontrol.Watchdog{Timeout: s.cfg.StopTimeout},
	})
}

func (s *Session) produceCheck(rc *runcontrol.RunControl) (*runcontrol.Worker, error) {
	return rc.AddWorker(runcontrol.WorkerSpec{
		Name: config.TargetName,
		Task: &runcontrol.ShellCheckTask{
			Shell:   s.device.Shell(),
			Command: shellCommand(rc.Runnable()),
			Timeout: s.cfg.StartTimeout,
		},
		Essential:    true,
		StopWatchdog: runcontrol.Watchdog{Timeout: s.cfg.StopTimeout},
	})
}

// shellCommand renders a runnable as one line for the device shell.
func shellCommand(run runcontrol.Runnable) string {
	cmd := run.Command.String()
	if entries := run.Env.Entries(); len(entries) > 0 {
		cmd = "env " + shellquote.Join(entries...) + " " + cmd
	}
	if run.WorkingDir != "" {
		cmd = "cd " + shellquote.Join(run.WorkingDir) + " && " + cmd
	}
	return cmd
}

// =============================================================================
// Workers
// =============================================================================

// addWorkers creates the target through the registry, then the helpers,
// then wires dependencies by name.
func (s *Session) addWorkers() error {
	target, err := s.factories.Create(s.rc, s.cfg.RunMode, s.device.Type().String(), s.cfg.ConfigKind)
	if err != nil {
		return err
	}

	byName := map[string]*runcontrol.Worker{config.TargetName: target}
	for _, h := range s.cfg.Helpers {
		task, err := s.helperTask(h)
		if err != nil {
			return err
		}
		startTimeout := h.Timeout
		if startTimeout == 0 && h.Kind == config.HelperProcess {
			startTimeout = s.cfg.StartTimeout
		}
		w, err := s.rc.AddWorker(runcontrol.WorkerSpec{
			Name:          h.Name,
			Task:          task,
			Essential:     h.Essential,
			StartWatchdog: runcontrol.Watchdog{Timeout: startTimeout},
			StopWatchdog:  runcontrol.Watchdog{Timeout: s.cfg.StopTimeout},
		})
		if err != nil {
			return err
		}
		byName[h.Name] = w
	}

	for _, h := range s.cfg.Helpers {
		w := byName[h.Name]
		for _, dep := range h.StartAfter {
			other, ok := byName[dep]
			if !ok {
				return runerr.Config("helper %q: unknown start dependency %q", h.Name, dep)
			}
			if err := w.AddStartDependency(other); err != nil {
				return err
			}
		}
		for _, dep := range h.StopAfter {
			other, ok := byName[dep]
			if !ok {
				return runerr.Config("helper %q: unknown stop dependency %q", h.Name, dep)
			}
			if err := w.AddStopDependency(other); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Session) helperTask(h config.HelperConfig) (runcontrol.Task, error) {
	switch h.Kind {
	case config.HelperProcess:
		run, err := buildRunnable(h.Command, h.WorkingDir, h.Env)
		if err != nil {
			return nil, err
		}
		return runcontrol.NewSimpleTargetRunner(s.device, runcontrol.SimpleTargetConfig{
			Runnable:  run,
			Mode:      process.ModeReader,
			StopGrace: s.cfg.StopGrace,
			Logger:    s.logger,
		}), nil
	case config.HelperShellCheck:
		run, err := buildRunnable(h.Command, h.WorkingDir, h.Env)
		if err != nil {
			return nil, err
		}
		return &runcontrol.ShellCheckTask{
			Shell:   s.device.Shell(),
			Command: shellCommand(run),
			Timeout: h.Timeout,
		}, nil
	case config.HelperDelay:
		return &runcontrol.DelayTask{Delay: h.Delay}, nil
	default:
		return nil, runerr.Config("helper %q: unknown kind %q", h.Name, h.Kind)
	}
}

// =============================================================================
// Wire command
// =============================================================================

// WireCommand returns the argv the target would run on the local machine,
// after run-as-root and terminal overrides. In check mode it is the line
// sent to the device shell.
func (s *Session) WireCommand() []string {
	run := s.rc.Runnable()
	if s.cfg.RunMode == ModeCheck {
		return []string{"/bin/sh", "-c", shellCommand(run)}
	}
	runner := runcontrol.NewSimpleTargetRunner(s.device, s.targetConfig(run))
	return s.device.WireCommand(runner.Setup())
}
