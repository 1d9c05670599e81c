package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roach88/txexec/internal/auth"
	"github.com/roach88/txexec/internal/engine"
	"github.com/roach88/txexec/internal/replay"
	"github.com/roach88/txexec/internal/spill"
	"github.com/roach88/txexec/internal/store"
)

// EnvPrefix is prepended to every environment override, with dots in keys
// turned into underscores: TXEXEC_RETRY_MAX_RETRIES.
const EnvPrefix = "TXEXEC"

// Config is the runtime configuration of the server and CLI.
type Config struct {
	MemoryThresholdBytes          int64         `mapstructure:"memory_threshold_bytes"`
	MaxContentSizeBytes           int64         `mapstructure:"max_content_size_bytes"`
	EncryptTempFiles              bool          `mapstructure:"encrypt_temp_files"`
	TempDirectory                 string        `mapstructure:"temp_directory"`
	PreserveHeadersOnRetryPattern string        `mapstructure:"preserve_headers_on_retry_pattern"`
	Retry                         RetryConfig   `mapstructure:"retry"`
	MinAuthLevel                  string        `mapstructure:"min_auth_level"`
	PublicErrorKinds              []string      `mapstructure:"public_error_kinds"`
	SuppressedErrorKinds          []string      `mapstructure:"suppressed_error_kinds"`
	Database                      string        `mapstructure:"database"`
	MaxWriters                    int           `mapstructure:"max_writers"`
	BusyTimeout                   time.Duration `mapstructure:"busy_timeout"`
	Listen                        string        `mapstructure:"listen"`
	JWT                           JWTConfig     `mapstructure:"jwt"`
	Login                         LoginConfig   `mapstructure:"login"`
	LogLevel                      string        `mapstructure:"log_level"`
	Routes                        string        `mapstructure:"routes"`
}

// RetryConfig mirrors engine.RetryPolicy.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	Backoff    string        `mapstructure:"backoff"`
	Base       time.Duration `mapstructure:"base"`
	Cap        time.Duration `mapstructure:"cap"`
}

// JWTConfig configures bearer token verification. An empty secret disables
// the JWT authenticator.
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

// LoginConfig configures failed-login throttling. Rate is in tokens per
// second; a zero burst disables throttling. MaxSubjects bounds the number of
// tracked subjects.
type LoginConfig struct {
	Rate        float64 `mapstructure:"rate"`
	Burst       int     `mapstructure:"burst"`
	MaxSubjects int     `mapstructure:"max_subjects"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	policy := engine.DefaultRetryPolicy()
	return &Config{
		MemoryThresholdBytes: spill.DefaultMemoryThreshold,
		MaxContentSizeBytes:  spill.DefaultMaxSize,
		TempDirectory:        os.TempDir(),
		Retry: RetryConfig{
			MaxRetries: policy.MaxRetries,
			Backoff:    policy.Backoff,
			Base:       policy.Base,
			Cap:        policy.Cap,
		},
		MinAuthLevel:         auth.LevelNone.String(),
		PublicErrorKinds:     []string{engine.KindInvalid.String(), engine.KindNotFound.String()},
		SuppressedErrorKinds: []string{},
		Database:             "txexec.db",
		MaxWriters:           store.DefaultMaxWriters,
		BusyTimeout:          store.DefaultBusyTimeout,
		Listen:               ":8080",
		Login:                LoginConfig{Rate: 0.1, Burst: 5, MaxSubjects: 10000},
		LogLevel:             "info",
	}
}

// LoadOptions defines explicit configuration loading inputs.
type LoadOptions struct {
	// ConfigFilePath loads a YAML file on top of the defaults when set.
	ConfigFilePath string
}

// Load builds a Config from defaults, the optional config file and TXEXEC_
// environment variables, in increasing priority, and validates it.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("memory_threshold_bytes", defaults.MemoryThresholdBytes)
	v.SetDefault("max_content_size_bytes", defaults.MaxContentSizeBytes)
	v.SetDefault("encrypt_temp_files", defaults.EncryptTempFiles)
	v.SetDefault("temp_directory", defaults.TempDirectory)
	v.SetDefault("preserve_headers_on_retry_pattern", defaults.PreserveHeadersOnRetryPattern)
	v.SetDefault("retry.max_retries", defaults.Retry.MaxRetries)
	v.SetDefault("retry.backoff", defaults.Retry.Backoff)
	v.SetDefault("retry.base", defaults.Retry.Base)
	v.SetDefault("retry.cap", defaults.Retry.Cap)
	v.SetDefault("min_auth_level", defaults.MinAuthLevel)
	v.SetDefault("public_error_kinds", defaults.PublicErrorKinds)
	v.SetDefault("suppressed_error_kinds", defaults.SuppressedErrorKinds)
	v.SetDefault("database", defaults.Database)
	v.SetDefault("max_writers", defaults.MaxWriters)
	v.SetDefault("busy_timeout", defaults.BusyTimeout)
	v.SetDefault("listen", defaults.Listen)
	v.SetDefault("jwt.secret", defaults.JWT.Secret)
	v.SetDefault("jwt.issuer", defaults.JWT.Issuer)
	v.SetDefault("login.rate", defaults.Login.Rate)
	v.SetDefault("login.burst", defaults.Login.Burst)
	v.SetDefault("login.max_subjects", defaults.Login.MaxSubjects)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("routes", defaults.Routes)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFilePath != "" {
		v.SetConfigFile(opts.ConfigFilePath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", opts.ConfigFilePath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.MemoryThresholdBytes < 0 {
		errs = append(errs, fmt.Errorf("memory_threshold_bytes must be >= 0, got %d", c.MemoryThresholdBytes))
	}
	if c.MaxContentSizeBytes < 0 {
		errs = append(errs, fmt.Errorf("max_content_size_bytes must be >= 0, got %d", c.MaxContentSizeBytes))
	}
	if c.MemoryThresholdBytes > 0 && c.MaxContentSizeBytes > 0 && c.MemoryThresholdBytes > c.MaxContentSizeBytes {
		errs = append(errs, fmt.Errorf("memory_threshold_bytes (%d) exceeds max_content_size_bytes (%d)",
			c.MemoryThresholdBytes, c.MaxContentSizeBytes))
	}
	if _, err := c.HeaderMatcher(); err != nil {
		errs = append(errs, err)
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}
	if _, err := c.MinLevel(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Visibility(); err != nil {
		errs = append(errs, err)
	}
	if c.MaxWriters < 1 {
		errs = append(errs, fmt.Errorf("max_writers must be >= 1, got %d", c.MaxWriters))
	}
	if c.Login.Rate < 0 || c.Login.Burst < 0 {
		errs = append(errs, errors.New("login.rate and login.burst must be >= 0"))
	}
	if c.Login.Burst > 0 && c.Login.MaxSubjects < 1 {
		errs = append(errs, errors.New("login.max_subjects must be >= 1 when throttling is on"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SpillOptions returns the buffer settings for replayable requests and responses.
func (c *Config) SpillOptions() spill.Options {
	return spill.Options{
		MemoryThreshold: c.MemoryThresholdBytes,
		MaxSize:         c.MaxContentSizeBytes,
		Encrypt:         c.EncryptTempFiles,
		TempDir:         c.TempDirectory,
	}
}

func (c *Config) RetryPolicy() engine.RetryPolicy {
	return engine.RetryPolicy{
		MaxRetries: c.Retry.MaxRetries,
		Backoff:    c.Retry.Backoff,
		Base:       c.Retry.Base,
		Cap:        c.Retry.Cap,
	}
}

func (c *Config) HeaderMatcher() (replay.HeaderMatcher, error) {
	m, err := replay.MatchHeaders(c.PreserveHeadersOnRetryPattern)
	if err != nil {
		return nil, fmt.Errorf("preserve_headers_on_retry_pattern: %w", err)
	}
	return m, nil
}

func (c *Config) MinLevel() (auth.Level, error) {
	l, err := auth.ParseLevel(c.MinAuthLevel)
	if err != nil {
		return 0, fmt.Errorf("min_auth_level: %w", err)
	}
	return l, nil
}

func (c *Config) Visibility() (engine.Visibility, error) {
	v, err := engine.NewVisibility(c.PublicErrorKinds, c.SuppressedErrorKinds)
	if err != nil {
		return engine.Visibility{}, fmt.Errorf("error kinds: %w", err)
	}
	return v, nil
}

// SlogLevel parses log_level ("debug", "info", "warn", "error").
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}
