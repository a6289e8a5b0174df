package process

import (
	"context"
	"log/slog"
)

// ContainerConfig configures a Container backend.
type ContainerConfig struct {
	DockerBinary string
	Container    string

	// EnsureRunning is consulted before every launch; a failure is reported
	// as ErrorConnectFailed. May be nil.
	EnsureRunning func(ctx context.Context) error

	Signaler Signaler
	Logger   *slog.Logger
}

// Container runs the command with `docker exec`. The reported pid is the
// pid inside the container namespace, recovered through the marker.
type Container struct {
	markerProcess
	cfg ContainerConfig
}

// NewContainer creates a container-exec backend.
func NewContainer(cfg ContainerConfig) *Container {
	return &Container{
		markerProcess: newMarkerProcess("container", cfg.Signaler, cfg.Logger),
		cfg:           cfg,
	}
}

// Start implements Interface. The availability check and the launch run
// on their own goroutine.
func (c *Container) Start(ctx context.Context, setup Setup) {
	if err := checkCommand(setup); err != nil {
		c.failToStart(err.Error())
		return
	}
	go c.ensureAndLaunch(ctx, setup)
}

func (c *Container) ensureAndLaunch(ctx context.Context, setup Setup) {
	err := ctx.Err()
	if err == nil && c.cfg.EnsureRunning != nil {
		err = c.cfg.EnsureRunning(ctx)
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		c.logger.Debug("container_unavailable", "container", c.cfg.Container, "error", err)
		c.emitDone(Result{
			ExitCode:    -1,
			Error:       ErrorConnectFailed,
			ErrorString: err.Error(),
		})
		return
	}

	c.launch(ctx, ContainerArgv(c.cfg.DockerBinary, c.cfg.Container, setup), setup.Mode, nil)
}

// ContainerArgv builds `docker exec [-i] [-t] <container> /bin/sh -c <script>`.
func ContainerArgv(docker, container string, setup Setup) []string {
	if docker == "" {
		docker = "docker"
	}
	argv := []string{docker, "exec"}
	if setup.Mode != ModeReader || setup.Terminal {
		argv = append(argv, "-i")
	}
	if setup.Terminal {
		argv = append(argv, "-t")
	}
	return append(argv, container, "/bin/sh", "-c", MarkerScript(setup))
}
