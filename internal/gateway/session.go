package gateway

import (
	"context"

	"codeberg.org/mutker/printerctl/internal/errors"
	"codeberg.org/mutker/printerctl/internal/protocol"
)

// Session runs commands while an Exclusive call holds the admission slot
type Session interface {
	// Exec sends cmd and waits for its response. After a connection
	// failure or a preemption every further call fails with that error.
	Exec(cmd protocol.Command) (protocol.Result, error)
	// Context is the context passed to Exclusive
	Context() context.Context
	// Invalidate marks the connection as unusable, for a session that
	// left the printer in a mode later commands must not run in. Further
	// Exec calls fail and the gateway reconnects once Exclusive returns.
	Invalidate()
}

type session struct {
	g       *Gateway
	ctx     context.Context
	fatal   error
	invalid bool
}

func (s *session) Exec(cmd protocol.Command) (protocol.Result, error) {
	if s.fatal != nil {
		return protocol.Result{}, s.fatal
	}
	if err := s.ctx.Err(); err != nil {
		return protocol.Result{}, errors.New().Wrap(ErrCommandTimeout, err)
	}

	res, err := s.g.exchange(s.g.conn, cmd)
	if connectionLost(err) || errors.HasCode(err, ErrPreempted) {
		s.fatal = err
	}

	return res, err
}

func (s *session) Invalidate() {
	s.invalid = true
	if !connectionLost(s.fatal) {
		s.fatal = errors.New().WithMessage(ErrIO, "session invalidated")
	}
}

func (s *session) Context() context.Context {
	return s.ctx
}
