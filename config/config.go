// Package config loads result backend settings from a TOML file and the
// environment.
//
// Values come from Default, then the file, then RESULT_* environment
// variables. A variable that is not set leaves the file value alone.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/vinayprograms/resultkit/backend"
	"github.com/vinayprograms/resultkit/errors"
	"github.com/vinayprograms/resultkit/logging"
	"github.com/vinayprograms/resultkit/telemetry"
)

// FileName is the config file looked up in the standard locations.
const FileName = "resultkit.toml"

// Config is the full configuration surface.
type Config struct {
	BrokerURL       string `toml:"broker_url" env:"RESULT_BROKER_URL"`
	CredentialsFile string `toml:"credentials_file" env:"RESULT_CREDENTIALS_FILE"`

	Exchange     string        `toml:"exchange" env:"RESULT_EXCHANGE"`
	ExchangeType string        `toml:"exchange_type" env:"RESULT_EXCHANGE_TYPE"`
	Persistent   bool          `toml:"persistent" env:"RESULT_PERSISTENT"`
	Serializer   string        `toml:"serializer" env:"RESULT_SERIALIZER"`
	AutoDelete   bool          `toml:"auto_delete" env:"RESULT_AUTO_DELETE"`
	Expires      time.Duration `toml:"expires" env:"RESULT_EXPIRES"`
	Accept       []string      `toml:"accept" env:"RESULT_ACCEPT" envSeparator:","`
	BacklogLimit int           `toml:"backlog_limit" env:"RESULT_BACKLOG_LIMIT"`

	Retry     RetryConfig     `toml:"retry"`
	Log       LogConfig       `toml:"log"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// RetryConfig is the publish retry policy.
type RetryConfig struct {
	MaxRetries    int           `toml:"max_retries" env:"RESULT_RETRY_MAX_RETRIES"`
	IntervalStart time.Duration `toml:"interval_start" env:"RESULT_RETRY_INTERVAL_START"`
	IntervalStep  time.Duration `toml:"interval_step" env:"RESULT_RETRY_INTERVAL_STEP"`
	IntervalMax   time.Duration `toml:"interval_max" env:"RESULT_RETRY_INTERVAL_MAX"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level string `toml:"level" env:"RESULT_LOG_LEVEL"`
}

// TelemetryConfig configures span export.
type TelemetryConfig struct {
	Exporter string `toml:"exporter" env:"RESULT_OTEL_EXPORTER"`
	Endpoint string `toml:"endpoint" env:"RESULT_OTEL_ENDPOINT"`
	Service  string `toml:"service" env:"RESULT_OTEL_SERVICE"`
	Insecure bool   `toml:"insecure" env:"RESULT_OTEL_INSECURE"`
	Debug    bool   `toml:"debug" env:"RESULT_OTEL_DEBUG"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	b := backend.DefaultConfig()
	return Config{
		BrokerURL:    "memory://",
		Exchange:     b.Exchange,
		ExchangeType: b.ExchangeType,
		Persistent:   b.Persistent,
		Serializer:   b.Serializer,
		AutoDelete:   b.AutoDelete,
		BacklogLimit: b.BacklogLimit,
		Retry: RetryConfig{
			MaxRetries:    b.Retry.MaxRetries,
			IntervalStart: b.Retry.IntervalStart,
			IntervalStep:  b.Retry.IntervalStep,
			IntervalMax:   b.Retry.IntervalMax,
		},
		Log: LogConfig{Level: string(logging.LevelInfo)},
		Telemetry: TelemetryConfig{
			Exporter: telemetry.ProtocolNone,
			Service:  telemetry.DefaultServiceName,
		},
	}
}

// StandardPaths returns the config file locations in order of priority.
func StandardPaths() []string {
	paths := []string{FileName}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "resultkit", FileName))
	}
	return paths
}

// LoadFile reads path over the defaults. Unknown keys are an error so that
// a typo does not silently fall back to a default.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "read config "+path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, errors.InvalidInput(fmt.Sprintf("config %s: unknown keys %s", path, strings.Join(keys, ", ")))
	}
	return cfg, nil
}

// ApplyEnv overlays the process environment onto cfg.
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, env.Options{})
}

func applyEnv(cfg *Config, opts env.Options) error {
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "read environment")
	}
	return nil
}

// Load builds the configuration from path, or from the first standard
// location that exists when path is empty, then the environment. Broker
// credentials are merged into the URL when a credentials file is named.
// The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		for _, p := range StandardPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.CredentialsFile != "" {
		creds, err := LoadCredentials(cfg.CredentialsFile)
		if err != nil {
			return Config{}, err
		}
		url, err := creds.Apply(cfg.BrokerURL)
		if err != nil {
			return Config{}, err
		}
		cfg.BrokerURL = url
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every setting.
func (c Config) Validate() error {
	if c.BrokerURL == "" {
		return errors.InvalidInput("broker_url is required")
	}
	if c.Exchange == "" {
		return errors.InvalidInput("exchange is required")
	}
	if c.BacklogLimit < 0 {
		return errors.InvalidInput("backlog_limit must not be negative")
	}
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		return errors.InvalidInput(fmt.Sprintf("unknown log level %q", c.Log.Level))
	}
	switch c.Telemetry.Exporter {
	case "", telemetry.ProtocolNone, telemetry.ProtocolGRPC, telemetry.ProtocolHTTP,
		telemetry.ProtocolStdout, telemetry.ProtocolFile:
	default:
		return errors.InvalidInput(fmt.Sprintf("unknown telemetry exporter %q", c.Telemetry.Exporter))
	}
	return c.Backend().Validate()
}

// Backend returns the backend settings.
func (c Config) Backend() backend.Config {
	return backend.Config{
		Exchange:     c.Exchange,
		ExchangeType: c.ExchangeType,
		Persistent:   c.Persistent,
		Serializer:   c.Serializer,
		AutoDelete:   c.AutoDelete,
		Expires:      c.Expires,
		Accept:       c.Accept,
		BacklogLimit: c.BacklogLimit,
		Retry: backend.RetryPolicy{
			MaxRetries:    c.Retry.MaxRetries,
			IntervalStart: c.Retry.IntervalStart,
			IntervalStep:  c.Retry.IntervalStep,
			IntervalMax:   c.Retry.IntervalMax,
		},
	}
}

// Provider returns the telemetry provider settings.
func (c Config) Provider() telemetry.ProviderConfig {
	return telemetry.ProviderConfig{
		ServiceName: c.Telemetry.Service,
		Protocol:    c.Telemetry.Exporter,
		Endpoint:    c.Telemetry.Endpoint,
		Insecure:    c.Telemetry.Insecure,
		Debug:       c.Telemetry.Debug,
	}
}

// Logger returns a stdout logger at the configured level.
func (c Config) Logger() *logging.Logger {
	l := logging.New()
	level, _ := logging.ParseLevel(c.Log.Level)
	l.SetLevel(level)
	return l
}
