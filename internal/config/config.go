package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v10"
)

// Config captures all runtime configuration derived from environment variables.
type Config struct {
	Port              string `env:"PORT" envDefault:"8080"`
	DBURL             string `env:"DB_URL"`
	JWTSecret         string `env:"JWT_SECRET"`
	ReadTimeoutSecs   int    `env:"SERVER_READ_TIMEOUT" envDefault:"15"`
	WriteTimeoutSecs  int    `env:"SERVER_WRITE_TIMEOUT" envDefault:"15"`
	IdleTimeoutSecs   int    `env:"SERVER_IDLE_TIMEOUT" envDefault:"60"`
	DBMaxConns        int    `env:"DB_MAX_CONNS" envDefault:"20"`
	DBMinConns        int    `env:"DB_MIN_CONNS" envDefault:"2"`
	DBMaxIdleSecs     int    `env:"DB_MAX_CONN_IDLE_SECS" envDefault:"300"`
	DBMaxLifeSecs     int    `env:"DB_MAX_CONN_LIFETIME_SECS" envDefault:"3600"`
	DBConnTimeoutSecs int    `env:"DB_CONN_TIMEOUT_SECS" envDefault:"10"`
	DBStatementCache  int    `env:"DB_STATEMENT_CACHE_CAPACITY" envDefault:"256"`

	CommentMaxLength int `env:"REVIEW_COMMENT_MAX_LENGTH" envDefault:"2000"`
	TxMaxAttempts    int `env:"TX_MAX_ATTEMPTS" envDefault:"3"`
	TxRetryBaseMs    int `env:"TX_RETRY_BASE_MS" envDefault:"50"`

	RedisURL            string `env:"REDIS_URL"`
	ProfileCacheTTLSecs int    `env:"PROFILE_CACHE_TTL_SECS" envDefault:"60"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from environment variables, applying defaults and validation.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadTool reads configuration for offline tools, which never verify
// tokens and so do not need JWT_SECRET.
func LoadTool() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(false); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required values and ranges.
func (c Config) Validate() error {
	return c.validate(true)
}

func (c Config) validate(requireJWT bool) error {
	if c.DBURL == "" {
		return fmt.Errorf("DB_URL is required")
	}
	if requireJWT && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.DBMaxConns <= 0 {
		return fmt.Errorf("DB_MAX_CONNS must be positive")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("DB_MIN_CONNS must be non-negative")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS cannot exceed DB_MAX_CONNS")
	}
	if c.DBStatementCache < 0 {
		return fmt.Errorf("DB_STATEMENT_CACHE_CAPACITY must be non-negative")
	}
	if c.CommentMaxLength <= 0 {
		return fmt.Errorf("REVIEW_COMMENT_MAX_LENGTH must be positive")
	}
	if c.TxMaxAttempts <= 0 {
		return fmt.Errorf("TX_MAX_ATTEMPTS must be positive")
	}
	if c.TxRetryBaseMs < 0 {
		return fmt.Errorf("TX_RETRY_BASE_MS must be non-negative")
	}
	if c.ProfileCacheTTLSecs < 0 {
		return fmt.Errorf("PROFILE_CACHE_TTL_SECS must be non-negative")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console")
	}
	return nil
}
