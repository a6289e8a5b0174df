package sshconn

import (
	"sync"

	"github.com/randomizedcoder/runctl/internal/process"
)

// Handle is one reference on a shared connection.
type Handle struct {
	pool   *Pool
	conn   *connection
	params Parameters

	// id and socket are copied at creation; conn fields are loop-owned.
	id     uint64
	socket string

	detachOnce   sync.Once
	disconnected chan process.Result

	// Loop-owned.
	reply chan<- attachReply
	fired bool
}

func newHandle(p *Pool, conn *connection, params Parameters) *Handle {
	return &Handle{
		pool:         p,
		conn:         conn,
		params:       params,
		id:           conn.id,
		socket:       conn.socket,
		disconnected: make(chan process.Result, 1),
	}
}

// ConnectionID identifies the physical connection behind the handle.
func (h *Handle) ConnectionID() uint64 { return h.id }

// Socket is the control-master socket path.
func (h *Handle) Socket() string { return h.socket }

// Disconnected delivers the master's result if the connection drops while
// the handle is attached. It fires at most once and is then closed.
func (h *Handle) Disconnected() <-chan process.Result { return h.disconnected }

// Detach returns the reference. Calls after the first are no-ops.
func (h *Handle) Detach() {
	h.detachOnce.Do(func() {
		h.pool.post(func() { h.pool.detach(h) })
	})
}

// Endpoint describes how a client reaches the host through this handle.
// Releasing the endpoint detaches the handle.
func (h *Handle) Endpoint() process.Endpoint {
	ep := h.params.ClientEndpoint(h.socket)
	ep.Release = h.Detach
	return ep
}

// fireDisconnected runs on the pool goroutine.
func (h *Handle) fireDisconnected(r process.Result) {
	if h.fired {
		return
	}
	h.fired = true
	h.disconnected <- r
	close(h.disconnected)
}
