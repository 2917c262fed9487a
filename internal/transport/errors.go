package transport

import "codeberg.org/mutker/printerctl/internal/errors"

const (
	// Read Errors
	ErrInterrupted   = errors.ErrorCode("transport_interrupted")
	ErrFrameTooLarge = errors.ErrorCode("frame_too_large")

	// Connection Errors
	ErrConnect = errors.ErrConnect
	ErrIO      = errors.ErrIO
	ErrTimeout = errors.ErrCommandTimeout
)
