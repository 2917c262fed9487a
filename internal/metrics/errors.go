package metrics

import "codeberg.org/mutker/printerctl/internal/errors"

const (
	ErrInitMetrics  = errors.ErrInitMetrics
	ErrServeMetrics = errors.ErrServeMetrics
)
