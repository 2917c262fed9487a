package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/printerctl/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix  = "PRINTERCTL"
	DefaultConfigName = "printerctl"
	DefaultConfigDir  = "/etc"
	DefaultLogLevel   = "info"

	defaultPort             = 8899
	defaultConnectTimeout   = 5 * time.Second
	defaultReadTimeout      = 5 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultHandshakeTimeout = 5 * time.Second
	defaultPollInterval     = 5 * time.Second
	defaultInitialBackoff   = time.Second
	defaultBackoffFactor    = 2.0
	defaultMaxBackoff       = 30 * time.Second
	defaultMetadataDB       = "/var/lib/printerctl/metadata.db"
)

type Config struct {
	Printer  PrinterConfig  `mapstructure:"printer"`
	Poll     PollConfig     `mapstructure:"poll"`
	Backoff  BackoffConfig  `mapstructure:"backoff"`
	Metadata MetadataConfig `mapstructure:"metadata"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	LogLevel string         `mapstructure:"log_level"`
	Monitor  bool           `mapstructure:"monitor"`
	PidDir   string         `mapstructure:"pid_dir"`

	// TemplatePath is set when the daemon was asked to write a config
	// template instead of running.
	TemplatePath string `mapstructure:"-"`
}

type PrinterConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// Addr returns host:port of the printer control socket
func (p PrinterConfig) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

type PollConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type BackoffConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Jitter       bool          `mapstructure:"jitter"`
}

type MetadataConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Enabled reports whether the metrics listener should be started
func (m MetricsConfig) Enabled() bool {
	return strings.TrimSpace(m.Addr) != ""
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Printer: PrinterConfig{
			Port:             defaultPort,
			ConnectTimeout:   defaultConnectTimeout,
			ReadTimeout:      defaultReadTimeout,
			WriteTimeout:     defaultWriteTimeout,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		Poll: PollConfig{Interval: defaultPollInterval},
		Backoff: BackoffConfig{
			InitialDelay: defaultInitialBackoff,
			Multiplier:   defaultBackoffFactor,
			MaxDelay:     defaultMaxBackoff,
			Jitter:       true,
		},
		Metadata: MetadataConfig{DBPath: defaultMetadataDB},
		LogLevel: DefaultLogLevel,
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("printer.host", d.Printer.Host)
	v.SetDefault("printer.port", d.Printer.Port)
	v.SetDefault("printer.connect_timeout", d.Printer.ConnectTimeout)
	v.SetDefault("printer.read_timeout", d.Printer.ReadTimeout)
	v.SetDefault("printer.write_timeout", d.Printer.WriteTimeout)
	v.SetDefault("printer.handshake_timeout", d.Printer.HandshakeTimeout)
	v.SetDefault("poll.interval", d.Poll.Interval)
	v.SetDefault("backoff.initial_delay", d.Backoff.InitialDelay)
	v.SetDefault("backoff.multiplier", d.Backoff.Multiplier)
	v.SetDefault("backoff.max_delay", d.Backoff.MaxDelay)
	v.SetDefault("backoff.jitter", d.Backoff.Jitter)
	v.SetDefault("metadata.enabled", d.Metadata.Enabled)
	v.SetDefault("metadata.db_path", d.Metadata.DBPath)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("monitor", d.Monitor)
	v.SetDefault("pid_dir", d.PidDir)
}

// flag name -> viper key
var flagKeys = map[string]string{
	"host":            "printer.host",
	"port":            "printer.port",
	"connect-timeout": "printer.connect_timeout",
	"read-timeout":    "printer.read_timeout",
	"write-timeout":   "printer.write_timeout",
	"interval":        "poll.interval",
	"metadata-db":     "metadata.db_path",
	"metrics-addr":    "metrics.addr",
	"log-level":       "log_level",
	"monitor":         "monitor",
	"pid-dir":         "pid_dir",
}

func newFlagSet() *pflag.FlagSet {
	d := Default()
	fs := pflag.NewFlagSet(DefaultConfigName, pflag.ContinueOnError)
	fs.String("config", "", "Path to the TOML configuration file")
	fs.String("write-config", "", "Write a configuration template to this path and exit")
	fs.String("host", d.Printer.Host, "Printer IP address or hostname")
	fs.Int("port", d.Printer.Port, "Printer control port")
	fs.Duration("connect-timeout", d.Printer.ConnectTimeout, "Timeout for establishing the printer connection")
	fs.Duration("read-timeout", d.Printer.ReadTimeout, "Default timeout for a printer response")
	fs.Duration("write-timeout", d.Printer.WriteTimeout, "Timeout for writing a command line to the printer")
	fs.Duration("interval", d.Poll.Interval, "Telemetry polling interval")
	fs.String("metadata-db", d.Metadata.DBPath, "Path to the G-code metadata database")
	fs.String("metrics-addr", d.Metrics.Addr, "Listen address for Prometheus metrics (empty disables)")
	fs.String("log-level", d.LogLevel, "Log level: debug, info, warning, error")
	fs.Bool("monitor", d.Monitor, "Only monitor the printer and log telemetry")
	fs.String("pid-dir", d.PidDir, "Directory for the per-printer pid file (empty uses the temp dir)")
	return fs
}

// Load reads configuration from defaults, the config file, the
// environment and command line flags, in increasing precedence.
func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	fs := newFlagSet()
	if err := fs.Parse(o.args); err != nil {
		return nil, errFactory.Wrap(errors.ErrParseFlags, err)
	}
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v, configPath(fs, o)); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}
	cfg.TemplatePath, _ = fs.GetString("write-config")

	if cfg.TemplatePath != "" {
		return cfg, nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func configPath(fs *pflag.FlagSet, o options) string {
	if o.configPath != "" {
		return o.configPath
	}
	if path, _ := fs.GetString("config"); path != "" {
		return path
	}
	return os.Getenv(o.envPrefix + "_CONFIG")
}

func readConfigFile(v *viper.Viper, path string) error {
	errFactory := errors.New()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
		return nil
	}

	v.SetConfigName(DefaultConfigName)
	v.SetConfigType("toml")
	v.AddConfigPath(DefaultConfigDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	return nil
}

// Validate checks the loaded values
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(strings.ToLower(c.LogLevel)).IsValid() {
		return errFactory.Wrap(errors.ErrInvalidLogLevel,
			newValidationError("log_level", c.LogLevel, "must be one of debug, info, warning, error"))
	}

	checks := []struct {
		ok     bool
		field  string
		value  interface{}
		reason string
	}{
		{strings.TrimSpace(c.Printer.Host) != "", "printer.host", c.Printer.Host, "is required"},
		{c.Printer.Port > 0 && c.Printer.Port <= 65535, "printer.port", c.Printer.Port, "must be between 1 and 65535"},
		{c.Printer.ConnectTimeout > 0, "printer.connect_timeout", c.Printer.ConnectTimeout, "must be positive"},
		{c.Printer.ReadTimeout > 0, "printer.read_timeout", c.Printer.ReadTimeout, "must be positive"},
		{c.Printer.WriteTimeout > 0, "printer.write_timeout", c.Printer.WriteTimeout, "must be positive"},
		{c.Printer.HandshakeTimeout > 0, "printer.handshake_timeout", c.Printer.HandshakeTimeout, "must be positive"},
		{c.Backoff.InitialDelay > 0, "backoff.initial_delay", c.Backoff.InitialDelay, "must be positive"},
		{c.Backoff.Multiplier >= 1, "backoff.multiplier", c.Backoff.Multiplier, "must be at least 1"},
		{c.Backoff.MaxDelay >= c.Backoff.InitialDelay, "backoff.max_delay", c.Backoff.MaxDelay, "must not be below initial_delay"},
		{!c.Metadata.Enabled || c.Metadata.DBPath != "", "metadata.db_path", c.Metadata.DBPath, "is required when metadata persistence is enabled"},
	}
	for _, check := range checks {
		if !check.ok {
			return errFactory.Wrap(errors.ErrInvalidConfig,
				newValidationError(check.field, check.value, check.reason))
		}
	}

	if c.Poll.Interval <= 0 {
		return errFactory.Wrap(errors.ErrInvalidInterval,
			newValidationError("poll.interval", c.Poll.Interval, "must be positive"))
	}

	return nil
}

type validationError struct {
	field  string
	value  interface{}
	reason string
}

func newValidationError(field string, value interface{}, reason string) ValidationError {
	return &validationError{field: field, value: value, reason: reason}
}

func (e *validationError) Error() string {
	return fmt.Sprintf("%s %s (got %v)", e.field, e.reason, e.value)
}

func (e *validationError) Field() string      { return e.field }
func (e *validationError) Value() interface{} { return e.value }
func (e *validationError) Reason() string     { return e.reason }
