// Package config loads service configuration from defaults, an optional TOML
// file, a .env file and environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration written as a string ("45s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds all configuration for the service.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Storage StorageConfig `toml:"storage"`
	Broker  BrokerConfig  `toml:"broker"`
	Kafka   KafkaConfig   `toml:"kafka"`
	Engine  EngineConfig  `toml:"engine"`
	Logging LoggingConfig `toml:"logging"`
}

type ServerConfig struct {
	Port            string   `toml:"port"`
	ReadTimeout     Duration `toml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// StorageConfig selects the snapshot store. Without a database URL the
// in-memory store is used.
type StorageConfig struct {
	DatabaseURL string   `toml:"database_url"`
	RedisURL    string   `toml:"redis_url"`
	CacheTTL    Duration `toml:"cache_ttl"`
}

// BrokerConfig configures the REST data source. An empty BaseURL selects
// the demo source.
type BrokerConfig struct {
	BaseURL            string   `toml:"base_url"`
	Token              string   `toml:"token"`
	RateLimit          int      `toml:"rate_limit"`
	Timeout            Duration `toml:"timeout"`
	InstrumentCacheTTL Duration `toml:"instrument_cache_ttl"`
	// OperationState filters operations by state; empty requests all states.
	OperationState     string   `toml:"operation_state"`
}

// KafkaConfig enables cycle events when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

type EngineConfig struct {
	PageSize         int      `toml:"page_size"`
	PageLimit        int      `toml:"page_limit"`
	ChunkSize        int      `toml:"chunk_size"`
	ChunkYield       Duration `toml:"chunk_yield"`
	LoadTimeout      Duration `toml:"load_timeout"`
	RegroupDelay     Duration `toml:"regroup_delay"`
	Timezone         string   `toml:"timezone"`
	FallbackCurrency string   `toml:"fallback_currency"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     Duration{10 * time.Second},
			WriteTimeout:    Duration{60 * time.Second},
			ShutdownTimeout: Duration{5 * time.Second},
		},
		Storage: StorageConfig{
			CacheTTL: Duration{30 * time.Second},
		},
		Broker: BrokerConfig{
			RateLimit:          5,
			Timeout:            Duration{30 * time.Second},
			InstrumentCacheTTL: Duration{time.Hour},
			OperationState:     "OPERATION_STATE_EXECUTED",
		},
		Kafka: KafkaConfig{
			Topic: "operations.cycles",
		},
		Engine: EngineConfig{
			PageSize:         100,
			ChunkSize:        50,
			ChunkYield:       Duration{10 * time.Millisecond},
			LoadTimeout:      Duration{45 * time.Second},
			RegroupDelay:     Duration{250 * time.Millisecond},
			Timezone:         "UTC",
			FallbackCurrency: "RUB",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration. path is an optional TOML file; a missing
// file is skipped. A .env file in the working directory is loaded if present.
func Load(path string) (*Config, error) {
	return load(path, ".env")
}

func load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Debug("config file not found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		default:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	// .env never overrides variables already set in the environment.
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("BROKER_BASE_URL"); v != "" {
		cfg.Broker.BaseURL = v
	}
	if v := os.Getenv("BROKER_TOKEN"); v != "" {
		cfg.Broker.Token = v
	}
	if v, ok := os.LookupEnv("BROKER_OPERATION_STATE"); ok {
		cfg.Broker.OperationState = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TIMEZONE"); v != "" {
		cfg.Engine.Timezone = v
	}
	if v := os.Getenv("LOAD_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid LOAD_TIMEOUT %q: %w", v, err)
		}
		cfg.Engine.LoadTimeout = Duration{d}
	}
	if v := os.Getenv("PAGE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PAGE_SIZE %q: %w", v, err)
		}
		cfg.Engine.PageSize = n
	}
	if v := os.Getenv("CHUNK_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CHUNK_SIZE %q: %w", v, err)
		}
		cfg.Engine.ChunkSize = n
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the values that have no usable fallback.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Engine.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("engine.page_size must be positive, got %d", c.Engine.PageSize))
	}
	if c.Engine.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("engine.chunk_size must be positive, got %d", c.Engine.ChunkSize))
	}
	if c.Engine.PageLimit < 0 {
		errs = append(errs, fmt.Errorf("engine.page_limit must not be negative, got %d", c.Engine.PageLimit))
	}
	if c.Engine.LoadTimeout.Duration <= 0 {
		errs = append(errs, errors.New("engine.load_timeout must be positive"))
	}
	if _, err := time.LoadLocation(c.Engine.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("engine.timezone: %w", err))
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required when brokers are set"))
	}
	if c.Broker.BaseURL != "" && c.Broker.RateLimit <= 0 {
		errs = append(errs, errors.New("broker.rate_limit must be positive"))
	}
	return errors.Join(errs...)
}

// DemoMode reports whether no broker is configured.
func (c *Config) DemoMode() bool {
	return c.Broker.BaseURL == ""
}

// Location returns the calendar used for day grouping.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Engine.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LogLevel returns the slog level; unknown names fall back to info.
func (c *Config) LogLevel() slog.Level {
	lvl, err := parseLevel(c.Logging.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return lvl, nil
}
