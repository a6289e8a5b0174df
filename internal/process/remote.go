package process

import (
	"context"
	"log/slog"

	"github.com/kballard/go-shellquote"
)

// Endpoint describes how to reach a remote device with the ssh client.
type Endpoint struct {
	Binary  string   // ssh client binary
	Options []string // client options, including control-master routing
	Host    string   // [user@]host

	// Release hands a borrowed shared connection back. May be nil.
	Release func()
}

// RemoteConfig configures a Remote backend.
type RemoteConfig struct {
	// Connect returns the endpoint for one launch, typically attaching to a
	// shared control master.
	Connect  func(ctx context.Context) (Endpoint, error)
	Signaler Signaler
	Logger   *slog.Logger
}

// Remote runs the command over ssh, wrapped as
// `ssh <options> <host> /bin/sh -c '<cd && echo marker && exec cmd>'`,
// and recovers the remote pid through the marker.
type Remote struct {
	markerProcess
	connect func(ctx context.Context) (Endpoint, error)
}

// NewRemote creates a remote-shell backend.
func NewRemote(cfg RemoteConfig) *Remote {
	return &Remote{
		markerProcess: newMarkerProcess("remote", cfg.Signaler, cfg.Logger),
		connect:       cfg.Connect,
	}
}

// Start implements Interface. The connect and the launch run on their own
// goroutine so that a slow handshake never blocks the caller.
func (r *Remote) Start(ctx context.Context, setup Setup) {
	if err := checkCommand(setup); err != nil {
		r.failToStart(err.Error())
		return
	}
	go r.connectAndLaunch(ctx, setup)
}

func (r *Remote) connectAndLaunch(ctx context.Context, setup Setup) {
	ep, err := r.connect(ctx)
	if err == nil && ctx.Err() != nil {
		// Cancelled while the handshake was in flight.
		if ep.Release != nil {
			ep.Release()
		}
		err = ctx.Err()
	}
	if err != nil {
		r.logger.Debug("remote_connect_failed", "error", err)
		r.emitDone(Result{
			ExitCode:    -1,
			Error:       ErrorConnectFailed,
			ErrorString: err.Error(),
		})
		return
	}

	r.launch(ctx, RemoteArgv(ep, setup), setup.Mode, ep.Release)
}

// RemoteArgv builds the local ssh client argv for setup.
func RemoteArgv(ep Endpoint, setup Setup) []string {
	binary := ep.Binary
	if binary == "" {
		binary = "ssh"
	}
	argv := append([]string{binary}, ep.Options...)
	if setup.Terminal {
		argv = append(argv, "-tt")
	}
	argv = append(argv, ep.Host)
	// ssh joins the remote arguments with spaces, so the remote command is
	// passed as one pre-quoted string.
	return append(argv, shellquote.Join("/bin/sh", "-c", MarkerScript(setup)))
}
