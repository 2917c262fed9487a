package protocol

import "codeberg.org/mutker/printerctl/internal/errors"

const (
	ErrMalformedResponse = errors.ErrMalformedResponse
	ErrParseWarning      = errors.ErrParseWarning
	ErrCommandRejected   = errors.ErrCommandRejected
	ErrInvalidCommand    = errors.ErrorCode("protocol_invalid_command")
)
