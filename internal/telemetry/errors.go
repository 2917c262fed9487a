package telemetry

import "codeberg.org/mutker/printerctl/internal/errors"

const (
	ErrInvalidConfig   = errors.ErrInvalidConfig
	ErrInvalidInterval = errors.ErrInvalidInterval
	ErrPollState       = errors.ErrPollState
)
