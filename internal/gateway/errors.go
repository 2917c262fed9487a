package gateway

import "codeberg.org/mutker/printerctl/internal/errors"

const (
	ErrConnect           = errors.ErrConnect
	ErrIO                = errors.ErrIO
	ErrCommandTimeout    = errors.ErrCommandTimeout
	ErrMalformedResponse = errors.ErrMalformedResponse
	ErrQueueDropped      = errors.ErrQueueDropped
	ErrCommandRejected   = errors.ErrCommandRejected
	ErrPreempted         = errors.ErrCommandPreempted
	ErrGatewayStopped    = errors.ErrGatewayStopped
)

// connectionLost reports whether err leaves the transport in an unknown
// state, so that it has to be replaced.
func connectionLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.HasCode(err, ErrPreempted) || errors.HasCode(err, ErrCommandRejected) {
		return false
	}

	return errors.HasCode(err, ErrIO) ||
		errors.HasCode(err, ErrCommandTimeout) ||
		errors.HasCode(err, ErrMalformedResponse)
}
