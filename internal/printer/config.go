package printer

import (
	"time"

	"codeberg.org/mutker/printerctl/internal/config"
	"codeberg.org/mutker/printerctl/internal/gateway"
	"codeberg.org/mutker/printerctl/internal/metadata"
	"codeberg.org/mutker/printerctl/internal/telemetry"
)

const defaultKeepAlive = 30 * time.Second

// Config is everything a Client needs to reach and poll one printer
type Config struct {
	Addr           string
	ConnectTimeout time.Duration
	Gateway        gateway.Config
	Poll           telemetry.Config
	Metadata       metadata.Config
}

// ConfigFrom maps the loaded application configuration
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Addr:           cfg.Printer.Addr(),
		ConnectTimeout: cfg.Printer.ConnectTimeout,
		Gateway: gateway.Config{
			ReadTimeout:      cfg.Printer.ReadTimeout,
			WriteTimeout:     cfg.Printer.WriteTimeout,
			HandshakeTimeout: cfg.Printer.HandshakeTimeout,
			Backoff: gateway.BackoffConfig{
				InitialDelay: cfg.Backoff.InitialDelay,
				Multiplier:   cfg.Backoff.Multiplier,
				MaxDelay:     cfg.Backoff.MaxDelay,
				Jitter:       cfg.Backoff.Jitter,
			},
		},
		Poll: telemetry.Config{Interval: cfg.Poll.Interval},
		Metadata: metadata.Config{
			Enabled: cfg.Metadata.Enabled,
			DBPath:  cfg.Metadata.DBPath,
		},
	}
}
