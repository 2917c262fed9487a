package telemetry

import (
	"time"

	"codeberg.org/mutker/printerctl/internal/errors"
)

const defaultInterval = 5 * time.Second

type Config struct {
	// Interval between polls
	Interval time.Duration
}

func DefaultConfig() Config {
	return Config{Interval: defaultInterval}
}

func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New().WithData(ErrInvalidInterval, c.Interval.String())
	}
	return nil
}
