// Package config loads mirror settings from defaults, a YAML file and the
// environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/shogotsuneto/go-simple-mirror"
	"github.com/shogotsuneto/go-simple-mirror/history"
	"github.com/shogotsuneto/go-simple-mirror/ingest"
	"github.com/shogotsuneto/go-simple-mirror/memory"
	"github.com/shogotsuneto/go-simple-mirror/projection"
	"github.com/shogotsuneto/go-simple-mirror/stream"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "MIRROR_"

// Cursor backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config is the full mirror configuration.
type Config struct {
	Enabled          bool     `yaml:"enabled" env:"ENABLED"`
	StreamingEnabled bool     `yaml:"streaming_enabled" env:"STREAMING_ENABLED"`
	RESTBaseURL      string   `yaml:"rest_base_url" env:"REST_BASE_URL"`
	StreamBaseURL    string   `yaml:"stream_base_url" env:"STREAM_BASE_URL"`
	Topics           []string `yaml:"topics" env:"TOPICS"`

	PollInterval      time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	PageSize          int           `yaml:"page_size" env:"PAGE_SIZE"`
	Lookback          time.Duration `yaml:"lookback" env:"LOOKBACK"`
	ReconnectBase     time.Duration `yaml:"reconnect_base" env:"RECONNECT_BASE"`
	ReconnectMax      time.Duration `yaml:"reconnect_max" env:"RECONNECT_MAX"`
	ReconnectJitter   float64       `yaml:"reconnect_jitter" env:"RECONNECT_JITTER"`
	HealthFreshness   time.Duration `yaml:"health_freshness" env:"HEALTH_FRESHNESS"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	RequestTimeout    time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	MaxConcurrent     int           `yaml:"max_concurrent" env:"MAX_CONCURRENT"`

	StoreCapacity int     `yaml:"store_capacity" env:"STORE_CAPACITY"`
	TrustCapacity float64 `yaml:"trust_capacity" env:"TRUST_CAPACITY"`

	CursorBackend   string `yaml:"cursor_backend" env:"CURSOR_BACKEND"`
	CursorNamespace string `yaml:"cursor_namespace" env:"CURSOR_NAMESPACE"`
	SQLitePath      string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	PostgresDSN     string `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
	CursorTable     string `yaml:"cursor_table" env:"CURSOR_TABLE"`
	ArchiveEnabled  bool   `yaml:"archive_enabled" env:"ARCHIVE_ENABLED"`
	ArchiveTable    string `yaml:"archive_table" env:"ARCHIVE_TABLE"`
	RedisAddr       string `yaml:"redis_addr" env:"REDIS_ADDR"`

	KafkaBrokers []string `yaml:"kafka_brokers" env:"KAFKA_BROKERS"`
	KafkaTopic   string   `yaml:"kafka_topic" env:"KAFKA_TOPIC"`

	DiagAddr  string `yaml:"diag_addr" env:"DIAG_ADDR"`
	Debug     bool   `yaml:"debug" env:"DEBUG"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Enabled:           true,
		StreamingEnabled:  true,
		RESTBaseURL:       "https://mainnet-public.mirrornode.hedera.com/api/v1",
		StreamBaseURL:     "wss://mainnet-public.mirrornode.hedera.com/api/v1",
		PollInterval:      ingest.DefaultPollInterval,
		PageSize:          history.DefaultPageSize,
		Lookback:          ingest.DefaultLookback,
		ReconnectBase:     stream.DefaultInitialBackoff,
		ReconnectMax:      stream.DefaultMaxBackoff,
		ReconnectJitter:   stream.DefaultJitter,
		HealthFreshness:   ingest.DefaultHealthFreshness,
		RequestTimeout:    15 * time.Second,
		MaxConcurrent:     ingest.DefaultMaxConcurrent,
		StoreCapacity:     memory.HardCap,
		TrustCapacity:     projection.DefaultTrustCapacity,
		CursorBackend:     BackendMemory,
		CursorNamespace:   memory.DefaultNamespace,
		SQLitePath:        "mirror.db",
		CursorTable:       "mirror_cursors",
		ArchiveTable:      "mirror_events",
		DiagAddr:          ":8081",
		LogFormat:         "text",
	}
}

// Load applies the YAML file at path (if any) and then the environment over
// Default, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyFile overlays the YAML file at path. Keys absent from the file keep
// their current values.
func (c *Config) ApplyFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays MIRROR_* environment variables.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks the configuration for values the components would reject.
func (c Config) Validate() error {
	var errs []error
	if c.Enabled && strings.TrimSpace(c.RESTBaseURL) == "" {
		errs = append(errs, errors.New("rest_base_url is required"))
	}
	if c.Enabled && c.StreamingEnabled && strings.TrimSpace(c.StreamBaseURL) == "" {
		errs = append(errs, errors.New("stream_base_url is required when streaming is enabled"))
	}
	for _, topic := range c.Topics {
		if !mirror.ValidTopicID(topic) {
			errs = append(errs, fmt.Errorf("%w: %q", mirror.ErrInvalidTopic, topic))
		}
	}
	if c.PageSize < 0 {
		errs = append(errs, errors.New("page_size must not be negative"))
	}
	if c.ReconnectJitter < 0 || c.ReconnectJitter > 1 {
		errs = append(errs, errors.New("reconnect_jitter must be within [0, 1]"))
	}
	if c.ReconnectBase > 0 && c.ReconnectMax > 0 && c.ReconnectMax < c.ReconnectBase {
		errs = append(errs, errors.New("reconnect_max must not be below reconnect_base"))
	}
	if c.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("requests_per_second must not be negative"))
	}

	switch c.CursorBackend {
	case BackendMemory:
	case BackendSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite_path is required for the sqlite cursor backend"))
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres_dsn is required for the postgres cursor backend"))
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis_addr is required for the redis cursor backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cursor_backend %q", c.CursorBackend))
	}
	if c.ArchiveEnabled && c.PostgresDSN == "" {
		errs = append(errs, errors.New("postgres_dsn is required when the archive is enabled"))
	}
	if c.KafkaTopic != "" && len(c.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("kafka_brokers is required when kafka_topic is set"))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("invalid log_format %q (must be text or json)", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Ingest returns the orchestrator settings.
func (c Config) Ingest() ingest.Config {
	return ingest.Config{
		Enabled:          c.Enabled,
		StreamingEnabled: c.StreamingEnabled,
		Topics:           c.Topics,
		PageSize:         c.PageSize,
		PollInterval:     c.PollInterval,
		Lookback:         c.Lookback,
		HealthFreshness:  c.HealthFreshness,
		MaxConcurrent:    c.MaxConcurrent,
	}
}

// History returns the backfill fetcher settings.
func (c Config) History() history.Config {
	return history.Config{
		BaseURL:           c.RESTBaseURL,
		RequestsPerSecond: c.RequestsPerSecond,
		Timeout:           c.RequestTimeout,
	}
}

// Stream returns the stream connector settings.
func (c Config) Stream() stream.Config {
	return stream.Config{
		BaseURL:        c.StreamBaseURL,
		InitialBackoff: c.ReconnectBase,
		MaxBackoff:     c.ReconnectMax,
		Jitter:         c.ReconnectJitter,
	}
}
