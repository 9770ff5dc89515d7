// Package config loads the reference binary's configuration from
// environment variables (optionally via a local .env file), the same
// caarlos0/env-plus-godotenv pattern the teacher uses, expanded to
// cover this module's domain stack: the durable Kafka op-log adapter,
// the NATS cross-instance fan-out bus, and the ratelimit package's
// guard/message-limiter thresholds.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/kestrel-rt/syncore/internal/logging"
	"github.com/kestrel-rt/syncore/internal/ratelimit"
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr string `env:"SYNCORE_ADDR" envDefault:":3002"`

	// Durable op-log adapter (internal/oplogstore/kafka)
	KafkaBrokers       string `env:"SYNCORE_KAFKA_BROKERS" envDefault:"localhost:19092"`
	KafkaTopic         string `env:"SYNCORE_KAFKA_TOPIC" envDefault:"syncore-oplog"`
	KafkaConsumerGroup string `env:"SYNCORE_KAFKA_CONSUMER_GROUP" envDefault:"syncore-server-group"`
	KafkaPartitions    int    `env:"SYNCORE_KAFKA_PARTITIONS" envDefault:"12"`

	// Cross-instance fan-out bus (internal/fanoutbus/nats)
	NATSURL           string `env:"SYNCORE_NATS_URL" envDefault:"nats://localhost:4222"`
	NATSSubjectPrefix string `env:"SYNCORE_NATS_SUBJECT_PREFIX" envDefault:"syncore.emit"`
	InstanceID        string `env:"SYNCORE_INSTANCE_ID" envDefault:""`

	// Resource limits (from container)
	CPULimit    float64 `env:"SYNCORE_CPU_LIMIT" envDefault:"1.0"`
	MemoryLimit int64   `env:"SYNCORE_MEMORY_LIMIT" envDefault:"536870912"` // 512MB

	// Capacity
	MaxConnections int `env:"SYNCORE_MAX_CONNECTIONS" envDefault:"500"`
	MaxGoroutines  int `env:"SYNCORE_MAX_GOROUTINES" envDefault:"1000"`

	// Per-client inbound message rate limiting (internal/ratelimit)
	MessageRateBurst      int           `env:"SYNCORE_MESSAGE_RATE_BURST" envDefault:"100"`
	MessageRatePerSec     float64       `env:"SYNCORE_MESSAGE_RATE_PER_SEC" envDefault:"10"`
	MessageLimiterIdleTTL time.Duration `env:"SYNCORE_MESSAGE_LIMITER_IDLE_TTL" envDefault:"5m"`

	// CPU safety thresholds (container-aware, relative to cgroup CPU quota)
	CPURejectThreshold float64 `env:"SYNCORE_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64 `env:"SYNCORE_CPU_PAUSE_THRESHOLD" envDefault:"80.0"`

	// Monitoring
	MetricsInterval time.Duration `env:"SYNCORE_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"SYNCORE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"SYNCORE_LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"SYNCORE_ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file (if present) and
// environment variables. Priority: ENV vars > .env file > defaults.
//
// The logger parameter is optional; if nil, diagnostic output before
// the real logger exists goes to stdout.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		} else {
			fmt.Println("info: no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("configuration loaded and validated successfully")
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("SYNCORE_ADDR is required")
	}
	if c.KafkaBrokers == "" {
		return fmt.Errorf("SYNCORE_KAFKA_BROKERS is required")
	}
	if c.NATSURL == "" {
		return fmt.Errorf("SYNCORE_NATS_URL is required")
	}

	if c.MaxConnections < 1 {
		return fmt.Errorf("SYNCORE_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.KafkaPartitions < 1 {
		return fmt.Errorf("SYNCORE_KAFKA_PARTITIONS must be > 0, got %d", c.KafkaPartitions)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("SYNCORE_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < 0 || c.CPUPauseThreshold > 100 {
		return fmt.Errorf("SYNCORE_CPU_PAUSE_THRESHOLD must be 0-100, got %.1f", c.CPUPauseThreshold)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("SYNCORE_CPU_PAUSE_THRESHOLD (%.1f) must be >= SYNCORE_CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}
	if c.MessageRateBurst < 1 {
		return fmt.Errorf("SYNCORE_MESSAGE_RATE_BURST must be > 0, got %d", c.MessageRateBurst)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("SYNCORE_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("SYNCORE_LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LoggingConfig adapts this Config into internal/logging's Config.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:   logging.Level(c.LogLevel),
		Format:  logging.Format(c.LogFormat),
		Service: "syncore",
	}
}

// GuardConfig adapts this Config into internal/ratelimit's GuardConfig.
func (c *Config) GuardConfig() ratelimit.GuardConfig {
	return ratelimit.GuardConfig{
		MaxConnections:     c.MaxConnections,
		CPULimit:           c.CPULimit,
		MemoryLimit:        c.MemoryLimit,
		CPURejectThreshold: c.CPURejectThreshold,
		CPUPauseThreshold:  c.CPUPauseThreshold,
		MaxGoroutines:      c.MaxGoroutines,
	}
}

// MessageLimitConfig adapts this Config into internal/ratelimit's
// MessageLimitConfig.
func (c *Config) MessageLimitConfig() ratelimit.MessageLimitConfig {
	return ratelimit.MessageLimitConfig{
		Burst:        c.MessageRateBurst,
		Rate:         c.MessageRatePerSec,
		IdleTTL:      c.MessageLimiterIdleTTL,
		CleanupEvery: time.Minute,
	}
}

// LogConfig logs configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("kafka_brokers", c.KafkaBrokers).
		Str("kafka_topic", c.KafkaTopic).
		Str("kafka_consumer_group", c.KafkaConsumerGroup).
		Int("kafka_partitions", c.KafkaPartitions).
		Str("nats_url", c.NATSURL).
		Str("nats_subject_prefix", c.NATSSubjectPrefix).
		Float64("cpu_limit", c.CPULimit).
		Int64("memory_limit_mb", c.MemoryLimit/(1024*1024)).
		Int("max_connections", c.MaxConnections).
		Int("max_goroutines", c.MaxGoroutines).
		Int("message_rate_burst", c.MessageRateBurst).
		Float64("message_rate_per_sec", c.MessageRatePerSec).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("server configuration loaded")
}
