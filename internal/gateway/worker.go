package gateway

import (
	"time"

	"codeberg.org/mutker/printerctl/internal/errors"
	"codeberg.org/mutker/printerctl/internal/protocol"
	"codeberg.org/mutker/printerctl/internal/transport"
)

// staleFrame is a response still owed for a preempted command
type staleFrame struct {
	code  protocol.Opcode
	until time.Time
}

func (g *Gateway) run() {
	defer close(g.exited)

	for {
		select {
		case <-g.done:
			return
		default:
		}

		if g.force.Swap(false) {
			g.drainForce()
			g.log.Info().Msg("Forced reconnect requested")
			g.closeConn(StateReconnecting, Disconnected)
			g.reconnect(true)
			continue
		}

		if g.State() == StateReconnecting {
			g.reconnect(false)
			continue
		}

		req, ok := g.next()
		if !ok {
			continue
		}
		g.serve(req)
	}
}

// next pops the next live request, emergencies first. It returns false
// when the loop should re-evaluate instead.
func (g *Gateway) next() (*request, bool) {
	for {
		g.mu.Lock()
		if g.stopped {
			g.mu.Unlock()
			return nil, false
		}

		var req *request
		for req == nil && (len(g.urgent) > 0 || len(g.queue) > 0) {
			if len(g.urgent) > 0 {
				req, g.urgent = g.urgent[0], g.urgent[1:]
			} else {
				req, g.queue = g.queue[0], g.queue[1:]
			}
			if _, live := g.waiters[req.seq]; !live {
				req = nil
			}
		}
		if req != nil {
			g.inflight = req
			g.observer.QueueDepth(len(g.urgent) + len(g.queue))
			g.mu.Unlock()
			return req, true
		}
		g.mu.Unlock()

		select {
		case <-g.wake:
			if g.force.Load() {
				return nil, false
			}
		case <-g.done:
			return nil, false
		}
	}
}

func (g *Gateway) serve(req *request) {
	errFactory := errors.New()

	if g.conn == nil {
		g.setState(StateConnecting, Connecting)
		conn, err := g.connect()
		if err != nil {
			g.setState(StateIdle, Disconnected)
			g.finish(req, outcome{err: errFactory.Wrap(ErrConnect, err)})
			return
		}
		g.conn = conn
	}

	g.mu.Lock()
	g.inflightConn = g.conn
	g.mu.Unlock()
	g.setState(StateBusy, Connected)

	var out outcome
	lost := false
	if req.exclusive != nil {
		s := &session{g: g, ctx: req.ctx}
		out.err = req.exclusive(s)
		lost = s.invalid || connectionLost(s.fatal)
	} else {
		out.result, out.err = g.exchange(g.conn, req.cmd)
		lost = connectionLost(out.err)
	}

	if lost {
		g.log.Warn().Err(out.err).Str("code", req.code()).Msg("Printer connection lost")
		g.fail()
	} else {
		g.setState(StateIdle, Connected)
	}

	g.finish(req, out)
}

func (g *Gateway) finish(req *request, out outcome) {
	g.mu.Lock()
	g.inflight = nil
	conn := g.inflightConn
	g.inflightConn = nil
	delivered := g.deliverLocked(req, out)
	g.mu.Unlock()

	if conn != nil {
		conn.ClearInterrupt()
	}

	outcome := "ok"
	if out.err != nil {
		outcome = string(errors.CodeOf(out.err))
	}
	g.observer.CommandCompleted(req.code(), outcome, time.Since(req.enqueued))
	if !delivered {
		g.log.Debug().Uint64("seq", req.seq).Str("code", req.code()).Msg("Discarding response for abandoned command")
	}
}

// exchange writes cmd and reads its response frame on the current
// transport, skipping frames still owed for preempted commands.
func (g *Gateway) exchange(conn Conn, cmd protocol.Command) (protocol.Result, error) {
	errFactory := errors.New()

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = g.cfg.ReadTimeout
	}
	deadline := time.Now().Add(timeout)

	if err := conn.WriteLine(protocol.Encode(cmd), g.cfg.WriteTimeout); err != nil {
		return protocol.Result{}, err
	}

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return protocol.Result{}, errFactory.WithData(ErrCommandTimeout, string(cmd.Code))
		}

		lines, err := conn.ReadUntil(protocol.IsTerminator, remaining)
		if err != nil {
			if errors.HasCode(err, transport.ErrInterrupted) {
				g.stale = append(g.stale, staleFrame{code: cmd.Code, until: deadline})
				return protocol.Result{}, errFactory.Wrap(ErrPreempted, err)
			}
			return protocol.Result{}, err
		}

		frame, err := protocol.ParseFrame(lines)
		if err != nil {
			return protocol.Result{}, err
		}

		ours, err := g.claim(cmd, frame)
		if err != nil {
			return protocol.Result{}, err
		}
		if !ours {
			g.observer.StaleFrame(string(frame.Echo))
			g.log.Debug().Str("echo", string(frame.Echo)).Str("code", string(cmd.Code)).Msg("Skipping stale frame")
			continue
		}

		return protocol.Decode(cmd, frame)
	}
}

// claim decides whether frame answers cmd. Frames owed to preempted
// commands are consumed oldest first.
func (g *Gateway) claim(cmd protocol.Command, frame protocol.Frame) (bool, error) {
	now := time.Now()
	live := g.stale[:0]
	for _, s := range g.stale {
		if now.Before(s.until) {
			live = append(live, s)
		}
	}
	g.stale = live

	if frame.Echo == "" {
		if len(g.stale) > 0 && !cmd.Bare {
			g.stale = g.stale[1:]
			return false, nil
		}
		return true, nil
	}

	for i, s := range g.stale {
		if s.code == frame.Echo {
			g.stale = append(g.stale[:i], g.stale[i+1:]...)
			return false, nil
		}
	}

	if cmd.Bare || frame.Echo == cmd.Code {
		return true, nil
	}

	return false, errors.New().WithData(ErrMalformedResponse,
		"response echoes "+string(frame.Echo)+", expected "+string(cmd.Code))
}

// connect dials and performs the M601 handshake
func (g *Gateway) connect() (Conn, error) {
	errFactory := errors.New()

	conn, err := g.dial(g.ctx)
	if err != nil {
		return nil, err
	}

	_, err = g.exchange(conn, protocol.Handshake().WithTimeout(g.cfg.HandshakeTimeout))
	if err != nil {
		conn.Close()
		return nil, errFactory.Wrap(ErrConnect, err)
	}

	return conn, nil
}

// fail drops the transport after a lost connection and sheds queued
// best-effort work.
func (g *Gateway) fail() {
	errFactory := errors.New()

	g.setState(StateBusy, Failing)
	g.closeConn(StateReconnecting, Disconnected)

	g.mu.Lock()
	kept := g.queue[:0]
	var dropped []*request
	for _, req := range g.queue {
		if req.priority == PriorityBestEffort {
			dropped = append(dropped, req)
			continue
		}
		kept = append(kept, req)
	}
	g.queue = kept
	for _, req := range dropped {
		g.deliverLocked(req, outcome{err: errFactory.New(ErrQueueDropped)})
	}
	depth := len(g.urgent) + len(g.queue)
	g.mu.Unlock()

	for _, req := range dropped {
		g.observer.CommandDropped(req.code(), string(ErrQueueDropped))
	}
	g.observer.QueueDepth(depth)
}

func (g *Gateway) closeConn(state State, conn Connection) {
	if g.conn != nil {
		g.conn.Close()
		g.conn = nil
	}
	g.stale = nil
	g.setState(state, conn)
}

// reconnect retries until a handshake succeeds or the gateway stops.
func (g *Gateway) reconnect(immediate bool) {
	attempt := 0
	for {
		if !immediate || attempt > 0 {
			delay := NextBackoffDelay(g.cfg.Backoff, attempt+1, g.rng)
			g.log.Debug().Dur("delay", delay).Int("attempt", attempt+1).Msg("Waiting before reconnect")
			if !g.sleep(delay) {
				return
			}
		}
		attempt++

		g.setState(StateReconnecting, Connecting)
		conn, err := g.connect()
		g.observer.ReconnectAttempt(err == nil)
		if err != nil {
			g.log.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect failed")
			g.setState(StateReconnecting, Disconnected)
			continue
		}

		g.conn = conn
		g.setState(StateIdle, Connected)
		g.log.Info().Int("attempts", attempt).Msg("Reconnected to printer")

		return
	}
}

// sleep waits for d. A forced reconnect cuts the wait short; it returns
// false if the gateway stopped.
func (g *Gateway) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-g.forceCh:
		g.force.Store(false)
		return true
	case <-g.done:
		return false
	}
}

func (g *Gateway) drainForce() {
	select {
	case <-g.forceCh:
	default:
	}
}
