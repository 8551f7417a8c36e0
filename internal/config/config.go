package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr       string `env:"GW_ADDR" envDefault:":3100"`
	InstanceID string `env:"GW_INSTANCE_ID"` // generated at startup when empty

	// Coordination store
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Capacity and admission
	MaxConnections int `env:"GW_MAX_CONNECTIONS" envDefault:"10000"`
	MaxConnsPerIP  int `env:"GW_MAX_CONNS_PER_IP" envDefault:"10"`
	SendBufferSize int `env:"GW_SEND_BUFFER" envDefault:"256"`

	// Liveness sweep. The sweep interval must be shorter than the timeout so
	// that a quiet-but-alive connection always has a full interval of slack.
	SweepInterval   time.Duration `env:"GW_SWEEP_INTERVAL" envDefault:"15s"`
	LivenessTimeout time.Duration `env:"GW_LIVENESS_TIMEOUT" envDefault:"30s"`

	// Session directory
	DirectoryTTL time.Duration `env:"GW_DIRECTORY_TTL" envDefault:"1h"`

	// Chat relay
	ChatRateWindow time.Duration `env:"GW_CHAT_RATE_WINDOW" envDefault:"60s"`
	ChatRateLimit  int           `env:"GW_CHAT_RATE_LIMIT" envDefault:"10"`
	ChatMaxContent int           `env:"GW_CHAT_MAX_CONTENT" envDefault:"500"`

	// Identity verification
	JWTSecret string `env:"GW_JWT_SECRET,required,notEmpty"`

	// Optional transport payload scrambling. 32 bytes when set; empty disables.
	// Not a security boundary.
	CipherKey string `env:"GW_CIPHER_KEY"`

	// Connection-attempt rate limiting (DoS guard, distinct from the per-IP
	// concurrent connection ceiling)
	ConnRateLimitEnabled bool    `env:"GW_CONN_RATE_LIMIT_ENABLED" envDefault:"true"`
	ConnRateIPBurst      int     `env:"GW_CONN_RATE_IP_BURST" envDefault:"10"`
	ConnRateIPRate       float64 `env:"GW_CONN_RATE_IP_RATE" envDefault:"1.0"`
	ConnRateGlobalBurst  int     `env:"GW_CONN_RATE_GLOBAL_BURST" envDefault:"300"`
	ConnRateGlobalRate   float64 `env:"GW_CONN_RATE_GLOBAL_RATE" envDefault:"50.0"`

	// Per-connection inbound message rate limiting
	MsgRateBurst  int     `env:"GW_MSG_RATE_BURST" envDefault:"100"`
	MsgRatePerSec float64 `env:"GW_MSG_RATE_PER_SEC" envDefault:"10"`

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration `env:"GW_HTTP_READ_TIMEOUT" envDefault:"10s"`
	HTTPWriteTimeout time.Duration `env:"GW_HTTP_WRITE_TIMEOUT" envDefault:"10s"`
	HTTPIdleTimeout  time.Duration `env:"GW_HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// Shutdown
	ShutdownGrace time.Duration `env:"GW_SHUTDOWN_GRACE" envDefault:"30s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("GW_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("GW_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxConnsPerIP < 1 {
		return fmt.Errorf("GW_MAX_CONNS_PER_IP must be > 0, got %d", c.MaxConnsPerIP)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("GW_SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.SweepInterval >= c.LivenessTimeout {
		return fmt.Errorf("GW_SWEEP_INTERVAL (%s) must be shorter than GW_LIVENESS_TIMEOUT (%s)",
			c.SweepInterval, c.LivenessTimeout)
	}
	if c.DirectoryTTL <= 0 {
		return fmt.Errorf("GW_DIRECTORY_TTL must be positive, got %s", c.DirectoryTTL)
	}
	if c.ChatRateLimit < 1 {
		return fmt.Errorf("GW_CHAT_RATE_LIMIT must be > 0, got %d", c.ChatRateLimit)
	}
	if c.ChatMaxContent < 1 {
		return fmt.Errorf("GW_CHAT_MAX_CONTENT must be > 0, got %d", c.ChatMaxContent)
	}
	if c.CipherKey != "" && len(c.CipherKey) != 32 {
		return fmt.Errorf("GW_CIPHER_KEY must be exactly 32 bytes, got %d", len(c.CipherKey))
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("instance_id", c.InstanceID).
		Str("redis_addr", c.RedisAddr).
		Int("max_connections", c.MaxConnections).
		Int("max_conns_per_ip", c.MaxConnsPerIP).
		Dur("sweep_interval", c.SweepInterval).
		Dur("liveness_timeout", c.LivenessTimeout).
		Dur("directory_ttl", c.DirectoryTTL).
		Dur("chat_rate_window", c.ChatRateWindow).
		Int("chat_rate_limit", c.ChatRateLimit).
		Int("chat_max_content", c.ChatMaxContent).
		Bool("cipher_enabled", c.CipherKey != "").
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Gateway configuration loaded")
}
