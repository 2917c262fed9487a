package config

import (
	"os"

	"codeberg.org/mutker/printerctl/internal/errors"
	"github.com/pelletier/go-toml/v2"
)

// templateFile mirrors Config with durations spelled as strings, which is
// what the loader accepts back.
type templateFile struct {
	LogLevel string `toml:"log_level"`
	Monitor  bool   `toml:"monitor"`
	PidDir   string `toml:"pid_dir"`
	Printer  struct {
		Host             string `toml:"host"`
		Port             int    `toml:"port"`
		ConnectTimeout   string `toml:"connect_timeout"`
		ReadTimeout      string `toml:"read_timeout"`
		WriteTimeout     string `toml:"write_timeout"`
		HandshakeTimeout string `toml:"handshake_timeout"`
	} `toml:"printer"`
	Poll struct {
		Interval string `toml:"interval"`
	} `toml:"poll"`
	Backoff struct {
		InitialDelay string  `toml:"initial_delay"`
		Multiplier   float64 `toml:"multiplier"`
		MaxDelay     string  `toml:"max_delay"`
		Jitter       bool    `toml:"jitter"`
	} `toml:"backoff"`
	Metadata struct {
		Enabled bool   `toml:"enabled"`
		DBPath  string `toml:"db_path"`
	} `toml:"metadata"`
	Metrics struct {
		Addr string `toml:"addr"`
	} `toml:"metrics"`
}

const templatePlaceholderHost = "192.168.1.100"

// Template renders the default configuration as TOML
func Template() ([]byte, error) {
	d := Default()

	var f templateFile
	f.LogLevel = d.LogLevel
	f.Monitor = d.Monitor
	f.PidDir = d.PidDir
	f.Printer.Host = templatePlaceholderHost
	f.Printer.Port = d.Printer.Port
	f.Printer.ConnectTimeout = d.Printer.ConnectTimeout.String()
	f.Printer.ReadTimeout = d.Printer.ReadTimeout.String()
	f.Printer.WriteTimeout = d.Printer.WriteTimeout.String()
	f.Printer.HandshakeTimeout = d.Printer.HandshakeTimeout.String()
	f.Poll.Interval = d.Poll.Interval.String()
	f.Backoff.InitialDelay = d.Backoff.InitialDelay.String()
	f.Backoff.Multiplier = d.Backoff.Multiplier
	f.Backoff.MaxDelay = d.Backoff.MaxDelay.String()
	f.Backoff.Jitter = d.Backoff.Jitter
	f.Metadata.Enabled = d.Metadata.Enabled
	f.Metadata.DBPath = d.Metadata.DBPath
	f.Metrics.Addr = d.Metrics.Addr

	return toml.Marshal(f)
}

// WriteTemplate writes the default configuration to path
func WriteTemplate(path string, overwrite bool) error {
	errFactory := errors.New()

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return errFactory.WithData(errors.ErrWriteConfig, "config already exists: "+path)
		}
	}

	data, err := Template()
	if err != nil {
		return errFactory.Wrap(errors.ErrWriteConfig, err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errFactory.Wrap(errors.ErrWriteConfig, err)
	}

	return nil
}
