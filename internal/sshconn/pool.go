package sshconn

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/randomizedcoder/runctl/internal/process"
	"github.com/randomizedcoder/runctl/internal/runerr"
)

// DefaultIdleTimeout is how long an unused master is kept alive.
const DefaultIdleTimeout = 5 * time.Minute

// ErrPoolClosed is returned by Attach after Close.
var ErrPoolClosed = errors.New("connection pool is closed")

// State is the lifecycle state of a shared connection.
type State int

const (
	NotRunning State = iota
	Connecting
	Running
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case NotRunning:
		return "not_running"
	case Connecting:
		return "connecting"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

// Timer is the subset of *time.Timer the pool uses.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

// Callbacks observe pool activity. All are invoked from the pool goroutine
// and must not call back into the pool.
type Callbacks struct {
	OnStateChange func(key ConnectionKey, id uint64, state State)
	OnRefcount    func(key ConnectionKey, id uint64, refcount int)
	OnDestroyed   func(key ConnectionKey, id uint64, reason string)
}

// Config configures a Pool.
type Config struct {
	SocketDir   string
	IdleTimeout time.Duration
	Launcher    Launcher
	AfterFunc   AfterFunc
	Callbacks   Callbacks
	Logger      *slog.Logger
}

// DefaultConfig returns a Config using the ssh client and real timers.
func DefaultConfig() Config {
	return Config{
		SocketDir:   filepath.Join(os.TempDir(), "runctl-ssh"),
		IdleTimeout: DefaultIdleTimeout,
	}
}

// ConnectionInfo is a snapshot of one shared connection.
type ConnectionInfo struct {
	ID       uint64
	Key      ConnectionKey
	State    State
	Refcount int
	Stale    bool
	Socket   string
}

type connection struct {
	id     uint64
	key    ConnectionKey
	params Parameters
	socket string
	state  State
	stale  bool

	refcount int
	handles  map[*Handle]struct{}
	waiters  []*Handle

	master    Master
	idleTimer Timer
	idleGen   uint64
	destroyed bool
}

type attachReply struct {
	handle *Handle
	err    error
}

// Pool owns all shared connections. Refcounts, states and stale flags are
// only touched by the pool goroutine; callers enqueue requests.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	inbox     chan func()
	closed    chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}

	// Owned by the loop goroutine.
	nextID uint64
	live   map[ConnectionKey]*connection
	all    map[uint64]*connection
}

// NewPool creates a pool and starts its goroutine.
func NewPool(cfg Config) *Pool {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SocketDir == "" {
		cfg.SocketDir = DefaultConfig().SocketDir
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Launcher == nil {
		cfg.Launcher = SSHLauncher{Logger: cfg.Logger}
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:      cfg,
		logger:   cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
		inbox:    make(chan func(), 64),
		closed:   make(chan struct{}),
		loopDone: make(chan struct{}),
		live:     make(map[ConnectionKey]*connection),
		all:      make(map[uint64]*connection),
	}
	go p.loop()
	return p
}

func (p *Pool) loop() {
	defer close(p.loopDone)
	for {
		select {
		case f := <-p.inbox:
			f()
		case <-p.closed:
			p.shutdown()
			return
		}
	}
}

// post enqueues f on the pool goroutine. It never blocks the pool
// goroutine itself because the loop never posts synchronously.
func (p *Pool) post(f func()) bool {
	select {
	case <-p.closed:
		return false
	default:
	}
	select {
	case p.inbox <- f:
		return true
	case <-p.closed:
		return false
	}
}

// Attach returns a handle on a running connection for params, creating
// and connecting a master when no live one matches the key. It blocks
// until the master is ready or the connection failed.
func (p *Pool) Attach(ctx context.Context, params Parameters) (*Handle, error) {
	identity, err := CheckIdentity(params)
	if err != nil {
		return nil, err
	}

	reply := make(chan attachReply, 1)
	if !p.post(func() { p.attach(params, identity, reply) }) {
		return nil, ErrPoolClosed
	}

	select {
	case r := <-reply:
		return r.handle, r.err
	case <-p.loopDone:
		select {
		case r := <-reply:
			return r.handle, r.err
		default:
			return nil, ErrPoolClosed
		}
	case <-ctx.Done():
		// The reservation still has to be returned once the pool answers.
		go func() {
			select {
			case r := <-reply:
				if r.handle != nil {
					r.handle.Detach()
				}
			case <-p.loopDone:
			}
		}()
		return nil, ctx.Err()
	}
}

func (p *Pool) attach(params Parameters, identity IdentityMode, reply chan<- attachReply) {
	key := params.Key()
	conn := p.live[key]
	if conn == nil {
		conn = p.create(params, identity)
	}

	h := newHandle(p, conn, params)
	conn.handles[h] = struct{}{}
	p.setRefcount(conn, conn.refcount+1)
	p.disarmIdle(conn)

	switch conn.state {
	case Running:
		reply <- attachReply{handle: h}
	default:
		h.reply = reply
		conn.waiters = append(conn.waiters, h)
	}
}

func (p *Pool) create(params Parameters, identity IdentityMode) *connection {
	p.nextID++
	key := params.Key()
	conn := &connection{
		id:      p.nextID,
		key:     key,
		params:  params,
		socket:  p.socketPath(key, p.nextID),
		handles: make(map[*Handle]struct{}),
	}
	p.live[key] = conn
	p.all[conn.id] = conn
	p.setState(conn, Connecting)

	spec := LaunchSpec{Params: params, Socket: conn.socket, Identity: identity}
	go p.launch(conn, spec)
	return conn
}

func (p *Pool) socketPath(key ConnectionKey, id uint64) string {
	h := fnv.New32a()
	h.Write([]byte(key.String() + "|" + key.IdentityFile + "|" + key.ProxyJump))
	return filepath.Join(p.cfg.SocketDir, fmt.Sprintf("cm-%08x-%d", h.Sum32(), id))
}

// launch runs off the pool goroutine and reports back through post.
func (p *Pool) launch(conn *connection, spec LaunchSpec) {
	if err := os.MkdirAll(p.cfg.SocketDir, 0o700); err != nil {
		p.post(func() {
			p.onExited(conn, process.Result{
				ExitCode:    -1,
				Error:       process.ErrorConnectFailed,
				ErrorString: fmt.Sprintf("create socket dir: %v", err),
			})
		})
		return
	}

	master, err := p.cfg.Launcher.Launch(p.ctx, spec)
	if err != nil {
		p.post(func() {
			p.onExited(conn, process.Result{
				ExitCode:    -1,
				Error:       process.ErrorConnectFailed,
				ErrorString: err.Error(),
			})
		})
		return
	}
	if !p.post(func() { p.onLaunched(conn, master) }) {
		master.Close()
		return
	}

	select {
	case <-master.Ready():
		if !p.post(func() { p.onReady(conn) }) {
			return
		}
	case r := <-master.Exited():
		p.post(func() { p.onExited(conn, r) })
		return
	}

	r, ok := <-master.Exited()
	if !ok {
		r = process.Result{ExitCode: -1, Error: process.ErrorConnectFailed}
	}
	p.post(func() { p.onExited(conn, r) })
}

func (p *Pool) onLaunched(conn *connection, master Master) {
	conn.master = master
	if conn.destroyed {
		master.Close()
	}
}

func (p *Pool) onReady(conn *connection) {
	if conn.destroyed || conn.state != Connecting {
		return
	}
	p.setState(conn, Running)
	p.logger.Info("ssh_connection_established",
		"key", conn.key.String(),
		"id", conn.id,
		"socket", conn.socket,
	)

	waiters := conn.waiters
	conn.waiters = nil
	for _, h := range waiters {
		h.reply <- attachReply{handle: h}
		h.reply = nil
	}
	if conn.refcount == 0 {
		p.armIdle(conn)
	}
}

func (p *Pool) onExited(conn *connection, r process.Result) {
	if conn.destroyed {
		return
	}
	wasConnecting := conn.state == Connecting
	p.setState(conn, NotRunning)
	if p.live[conn.key] == conn {
		delete(p.live, conn.key)
	}

	if r.Error == process.ErrorNone && wasConnecting {
		r.Error = process.ErrorConnectFailed
	}
	p.logger.Warn("ssh_connection_lost",
		"key", conn.key.String(),
		"id", conn.id,
		"was_connecting", wasConnecting,
		"exit_code", r.ExitCode,
		"error", r.ErrorString,
	)

	waiters := conn.waiters
	conn.waiters = nil
	for _, h := range waiters {
		p.release(conn, h)
		h.reply <- attachReply{err: runerr.ConnectFailed(nil, "connect %s: %s", conn.key, describe(r))}
		h.reply = nil
	}
	for h := range conn.handles {
		h.fireDisconnected(r)
	}

	if conn.refcount == 0 {
		p.destroy(conn, "disconnected")
	}
}

func describe(r process.Result) string {
	if r.ErrorString != "" {
		return r.ErrorString
	}
	return fmt.Sprintf("master exited with code %d", r.ExitCode)
}

// detach is the pool side of Handle.Detach.
func (p *Pool) detach(h *Handle) {
	conn := h.conn
	if _, ok := conn.handles[h]; !ok {
		return
	}
	p.release(conn, h)
	if conn.refcount > 0 || conn.destroyed {
		return
	}

	switch {
	case conn.stale:
		p.destroy(conn, "stale")
	case conn.state == Running:
		p.armIdle(conn)
	case conn.state == NotRunning:
		p.destroy(conn, "disconnected")
	}
}

func (p *Pool) release(conn *connection, h *Handle) {
	if _, ok := conn.handles[h]; !ok {
		return
	}
	delete(conn.handles, h)
	if conn.refcount > 0 {
		p.setRefcount(conn, conn.refcount-1)
	}
}

func (p *Pool) armIdle(conn *connection) {
	p.disarmIdle(conn)
	conn.idleGen++
	gen := conn.idleGen
	conn.idleTimer = p.cfg.AfterFunc(p.cfg.IdleTimeout, func() {
		p.post(func() { p.onIdle(conn, gen) })
	})
	p.logger.Debug("ssh_connection_idle",
		"key", conn.key.String(),
		"id", conn.id,
		"timeout", p.cfg.IdleTimeout.String(),
	)
}

func (p *Pool) disarmIdle(conn *connection) {
	if conn.idleTimer != nil {
		conn.idleTimer.Stop()
		conn.idleTimer = nil
	}
	// A fire that already left the timer is ignored by the gen check.
	conn.idleGen++
}

func (p *Pool) onIdle(conn *connection, gen uint64) {
	if conn.destroyed || conn.idleGen != gen || conn.refcount != 0 {
		return
	}
	conn.idleTimer = nil
	p.destroy(conn, "idle")
}

// destroy tears a connection down. It runs at most once per connection.
func (p *Pool) destroy(conn *connection, reason string) {
	if conn.destroyed {
		return
	}
	conn.destroyed = true
	p.disarmIdle(conn)
	if p.live[conn.key] == conn {
		delete(p.live, conn.key)
	}
	delete(p.all, conn.id)
	if conn.master != nil {
		conn.master.Close()
	}
	os.Remove(conn.socket)
	if conn.state != NotRunning {
		p.setState(conn, NotRunning)
	}

	p.logger.Info("ssh_connection_destroyed",
		"key", conn.key.String(),
		"id", conn.id,
		"reason", reason,
	)
	if cb := p.cfg.Callbacks.OnDestroyed; cb != nil {
		cb(conn.key, conn.id, reason)
	}
}

func (p *Pool) setState(conn *connection, s State) {
	conn.state = s
	if cb := p.cfg.Callbacks.OnStateChange; cb != nil {
		cb(conn.key, conn.id, s)
	}
}

func (p *Pool) setRefcount(conn *connection, n int) {
	conn.refcount = n
	if cb := p.cfg.Callbacks.OnRefcount; cb != nil {
		cb(conn.key, conn.id, n)
	}
}

// MakeStale marks the live connection for key for disposal once it is no
// longer referenced. Later attaches create a fresh connection.
func (p *Pool) MakeStale(key ConnectionKey) {
	done := make(chan struct{})
	if !p.post(func() {
		defer close(done)
		conn := p.live[key]
		if conn == nil {
			return
		}
		conn.stale = true
		delete(p.live, key)
		p.logger.Debug("ssh_connection_stale", "key", key.String(), "id", conn.id)
		if conn.refcount == 0 {
			p.destroy(conn, "stale")
		}
	}) {
		return
	}
	select {
	case <-done:
	case <-p.loopDone:
	}
}

// Connections returns a snapshot of all connections ordered by id.
func (p *Pool) Connections() []ConnectionInfo {
	reply := make(chan []ConnectionInfo, 1)
	if !p.post(func() {
		infos := make([]ConnectionInfo, 0, len(p.all))
		for _, c := range p.all {
			infos = append(infos, ConnectionInfo{
				ID:       c.id,
				Key:      c.key,
				State:    c.state,
				Refcount: c.refcount,
				Stale:    c.stale,
				Socket:   c.socket,
			})
		}
		sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
		reply <- infos
	}) {
		return nil
	}
	select {
	case infos := <-reply:
		return infos
	case <-p.loopDone:
		return nil
	}
}

// Close tears down every connection and stops the pool goroutine. Handles
// still attached receive a disconnected event.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
	<-p.loopDone
}

func (p *Pool) shutdown() {
	r := process.Result{ExitCode: -1, Error: process.ErrorConnectFailed, ErrorString: "connection pool closed"}
	for _, conn := range p.all {
		for _, h := range conn.waiters {
			h.reply <- attachReply{err: ErrPoolClosed}
			h.reply = nil
		}
		conn.waiters = nil
		for h := range conn.handles {
			h.fireDisconnected(r)
		}
		p.destroy(conn, "pool_closed")
	}
	p.cancel()
}
