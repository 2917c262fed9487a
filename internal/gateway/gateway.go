// Package gateway serializes access to the printer connection. Callers
// submit commands onto an admission queue; a single worker goroutine owns
// the transport, runs one exchange at a time, correlates replies by
// sequence id and reconnects with backoff after failures.
package gateway

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/printerctl/internal/errors"
	"codeberg.org/mutker/printerctl/internal/logger"
	"codeberg.org/mutker/printerctl/internal/protocol"
	"codeberg.org/mutker/printerctl/internal/transport"
)

const (
	DefaultReadTimeout      = 5 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultHandshakeTimeout = 5 * time.Second
)

// Conn is the transport the worker drives
type Conn interface {
	WriteLine(line string, timeout time.Duration) error
	ReadUntil(isTerminator func(string) bool, timeout time.Duration) ([]string, error)
	Interrupt()
	ClearInterrupt()
	Close() error
}

// DialFunc opens a new transport
type DialFunc func(ctx context.Context) (Conn, error)

// TransportDialer adapts a transport.Dialer
func TransportDialer(d transport.Dialer) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		conn, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

type Config struct {
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	Backoff          BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ReadTimeout:      DefaultReadTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
		Backoff:          DefaultBackoff(),
	}
}

type Option func(*Gateway)

func WithLogger(l logger.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

func WithObserver(o Observer) Option {
	return func(g *Gateway) { g.observer = o }
}

type outcome struct {
	result protocol.Result
	err    error
}

type request struct {
	seq       uint64
	ctx       context.Context
	cmd       protocol.Command
	priority  Priority
	exclusive func(Session) error
	reply     chan outcome
	enqueued  time.Time
}

func (r *request) code() string {
	if r.exclusive != nil {
		return "exclusive"
	}
	return string(r.cmd.Code)
}

type Gateway struct {
	cfg      Config
	dial     DialFunc
	log      logger.Logger
	observer Observer
	seq      atomic.Uint64
	force    atomic.Bool

	mu           sync.Mutex
	urgent       []*request
	queue        []*request
	waiters      map[uint64]chan outcome
	inflight     *request
	inflightConn Conn
	state        State
	connection   Connection
	listeners    []func(StateChange)
	stopped      bool
	started      bool

	// owned by the worker
	conn  Conn
	stale []staleFrame
	rng   *rand.Rand

	wake    chan struct{}
	forceCh chan struct{}
	done    chan struct{}
	exited  chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	stopMu  sync.Once
}

// New creates a gateway. The connection is opened lazily by the first
// command, or by ForceReconnect.
func New(dial DialFunc, cfg Config, opts ...Option) *Gateway {
	d := DefaultConfig()
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = d.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = d.HandshakeTimeout
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = d.Backoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:      cfg,
		dial:     dial,
		log:      logger.New("gateway"),
		observer: noopObserver{},
		waiters:  map[uint64]chan outcome{},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		wake:     make(chan struct{}, 1),
		forceCh:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Start launches the worker
func (g *Gateway) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started || g.stopped {
		return
	}
	g.started = true

	go g.run()
}

// Stop fails all queued commands with ErrGatewayStopped, waits for the
// command in flight and closes the transport.
func (g *Gateway) Stop() {
	g.stopMu.Do(func() {
		errFactory := errors.New()

		g.mu.Lock()
		g.stopped = true
		pending := append(g.urgent, g.queue...)
		g.urgent, g.queue = nil, nil
		for _, req := range pending {
			g.deliverLocked(req, outcome{err: errFactory.New(ErrGatewayStopped)})
		}
		started := g.started
		g.mu.Unlock()

		close(g.done)
		g.cancel()

		if started {
			<-g.exited
		}
		if g.conn != nil {
			g.conn.Close()
			g.conn = nil
		}
		g.setState(StateStopped, Disconnected)
		g.observer.QueueDepth(0)
	})
}

// State returns the admission state
func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Connection returns the transport lifecycle state
func (g *Gateway) Connection() Connection {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connection
}

// OnStateChange registers fn to run on every state transition. It runs on
// the worker goroutine and must return quickly.
func (g *Gateway) OnStateChange(fn func(StateChange)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, fn)
}

// Submit sends cmd and waits for its response. Cancelling ctx abandons
// the wait only: a queued command is withdrawn, a command already on the
// wire runs to completion and its response is discarded.
func (g *Gateway) Submit(ctx context.Context, cmd protocol.Command, priority Priority) (protocol.Result, error) {
	req := g.newRequest(ctx, priority)
	req.cmd = cmd

	return g.await(req)
}

// Exclusive runs fn on the worker while holding the admission slot, so a
// multi-frame exchange such as an upload is never interleaved with other
// commands. Everything else, polling included, waits until fn returns.
func (g *Gateway) Exclusive(ctx context.Context, fn func(Session) error) error {
	req := g.newRequest(ctx, PriorityNormal)
	req.exclusive = fn

	_, err := g.await(req)
	return err
}

// ForceReconnect replaces the transport once the command in flight, if
// any, has completed.
func (g *Gateway) ForceReconnect() {
	g.force.Store(true)
	select {
	case g.forceCh <- struct{}{}:
	default:
	}
	g.signal()
}

func (g *Gateway) newRequest(ctx context.Context, priority Priority) *request {
	return &request{
		seq:      g.seq.Add(1),
		ctx:      ctx,
		priority: priority,
		reply:    make(chan outcome, 1),
		enqueued: time.Now(),
	}
}

func (g *Gateway) await(req *request) (protocol.Result, error) {
	errFactory := errors.New()

	if err := g.enqueue(req); err != nil {
		g.observer.CommandDropped(req.code(), string(errors.CodeOf(err)))
		return protocol.Result{}, err
	}

	select {
	case out := <-req.reply:
		return out.result, out.err
	case <-req.ctx.Done():
		if g.abandon(req) {
			g.observer.CommandDropped(req.code(), "cancelled")
		}
		return protocol.Result{}, errFactory.Wrap(ErrCommandTimeout, req.ctx.Err())
	}
}

func (g *Gateway) enqueue(req *request) error {
	errFactory := errors.New()

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped {
		return errFactory.New(ErrGatewayStopped)
	}
	if g.state == StateReconnecting {
		switch req.priority {
		case PriorityBestEffort:
			return errFactory.New(ErrQueueDropped)
		case PriorityEmergency:
			return errFactory.WithData(ErrConnect, "printer is reconnecting")
		case PriorityNormal:
		}
	}

	g.waiters[req.seq] = req.reply
	if req.priority == PriorityEmergency {
		g.urgent = append(g.urgent, req)
		if g.inflight != nil && g.inflight.priority != PriorityEmergency && g.inflightConn != nil {
			g.log.Warn().Uint64("seq", g.inflight.seq).Str("code", g.inflight.code()).Msg("Preempting command for emergency")
			g.inflightConn.Interrupt()
		}
	} else {
		g.queue = append(g.queue, req)
	}
	g.observer.QueueDepth(len(g.urgent) + len(g.queue))

	g.signal()

	return nil
}

// abandon withdraws req. It reports whether req was still queued.
func (g *Gateway) abandon(req *request) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.waiters, req.seq)

	queued := false
	g.urgent, queued = remove(g.urgent, req)
	if !queued {
		g.queue, queued = remove(g.queue, req)
	}
	if queued {
		g.observer.QueueDepth(len(g.urgent) + len(g.queue))
	}

	return queued
}

func remove(reqs []*request, req *request) ([]*request, bool) {
	for i, r := range reqs {
		if r == req {
			return append(reqs[:i], reqs[i+1:]...), true
		}
	}
	return reqs, false
}

// deliverLocked hands out to the waiter registered under req's sequence
// id. Replies for abandoned ids are dropped.
func (g *Gateway) deliverLocked(req *request, out outcome) bool {
	ch, ok := g.waiters[req.seq]
	if !ok {
		return false
	}
	delete(g.waiters, req.seq)
	ch <- out

	return true
}

func (g *Gateway) signal() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

func (g *Gateway) setState(state State, conn Connection) {
	g.mu.Lock()
	prev := g.state
	if prev == state && g.connection == conn {
		g.mu.Unlock()
		return
	}
	if prev == StateStopped {
		g.mu.Unlock()
		return
	}
	g.state = state
	g.connection = conn
	listeners := append([]func(StateChange){}, g.listeners...)
	g.mu.Unlock()

	g.observer.StateChanged(state, conn)
	if prev != state {
		g.log.Debug().Str("from", prev.String()).Str("to", state.String()).Str("connection", conn.String()).Msg("Gateway state changed")
	}

	change := StateChange{From: prev, To: state, Connection: conn}
	for _, fn := range listeners {
		fn(change)
	}
}
