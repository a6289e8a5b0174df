package device

import (
	"context"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/randomizedcoder/runctl/internal/runerr"
)

// DockerRuntime checks containers through the Docker Engine API.
type DockerRuntime struct {
	cli    *client.Client
	logger *slog.Logger
}

// NewDockerRuntime connects using the DOCKER_HOST environment.
func NewDockerRuntime(logger *slog.Logger) (*DockerRuntime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, runerr.ConnectFailed(err, "create docker client")
	}
	return &DockerRuntime{cli: cli, logger: logger}, nil
}

// EnsureRunning starts the container if it exists but is stopped.
func (r *DockerRuntime) EnsureRunning(ctx context.Context, name string) error {
	info, err := r.cli.ContainerInspect(ctx, name)
	switch {
	case err == nil:
	case client.IsErrConnectionFailed(err):
		return runerr.ConnectFailed(err, "docker daemon unreachable")
	case errdefs.IsNotFound(err):
		return runerr.ConnectFailed(nil, "container %s does not exist", name)
	default:
		return runerr.ConnectFailed(err, "inspect container %s", name)
	}

	if info.State != nil && info.State.Running {
		return nil
	}

	r.logger.Info("container_starting", "container", name)
	if err := r.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return runerr.ConnectFailed(err, "start container %s", name)
	}
	return nil
}

// Ping checks that the daemon answers.
func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return runerr.ConnectFailed(err, "docker daemon unreachable")
	}
	return nil
}

// Close releases the client.
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}
