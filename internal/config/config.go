package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Config holds runtime configuration loaded from environment variables.
type Config struct {
	Addr           string   `env:"ADDR" envDefault:":3000"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	StoreDriver   string `env:"STORE_DRIVER" envDefault:"memory"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"data/pictionary.db"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// JWTSecret enables token identity. Without it the player id is taken
	// from the X-Player-Id header or playerId query parameter.
	JWTSecret string `env:"JWT_SECRET"`

	MessageWindow int    `env:"MESSAGE_WINDOW" envDefault:"15"`
	MaxRetries    int    `env:"MAX_RETRIES" envDefault:"5"`
	WordBankPath  string `env:"WORD_BANK_PATH"`

	GuessRate  float64 `env:"GUESS_RATE" envDefault:"2"`
	GuessBurst int     `env:"GUESS_BURST" envDefault:"5"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"true"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	switch c.StoreDriver {
	case DriverMemory, DriverSQLite, DriverRedis:
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if c.StoreDriver == DriverSQLite && c.SQLitePath == "" {
		return fmt.Errorf("SQLITE_PATH is required for the sqlite driver")
	}
	if c.MessageWindow <= 0 {
		return fmt.Errorf("MESSAGE_WINDOW must be positive, got %d", c.MessageWindow)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("MAX_RETRIES must be positive, got %d", c.MaxRetries)
	}
	if c.GuessRate <= 0 || c.GuessBurst <= 0 {
		return fmt.Errorf("GUESS_RATE and GUESS_BURST must be positive")
	}

	origins := c.AllowedOrigins[:0]
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c.AllowedOrigins = origins
	return nil
}
