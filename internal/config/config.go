package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Server
	Port        int    `envconfig:"PORT" default:"3000"`
	Environment string `envconfig:"ENV" default:"development"`
	CORSOrigins string `envconfig:"CORS_ORIGINS" default:"*"`

	// Database
	DatabaseURL      string `envconfig:"DATABASE_URL" required:"true"`
	DatabaseName     string `envconfig:"DATABASE_NAME" default:"commusage"`
	DatabaseMaxConns int32  `envconfig:"DATABASE_MAX_CONNS" default:"25"`
	DatabaseMinConns int32  `envconfig:"DATABASE_MIN_CONNS" default:"2"`
	AutoMigrate      bool   `envconfig:"AUTO_MIGRATE" default:"false"`

	// Security
	JWTSecret string        `envconfig:"JWT_SECRET" required:"true"`
	JWTIssuer string        `envconfig:"JWT_ISSUER" default:"commusage-api"`
	JWTTTL    time.Duration `envconfig:"JWT_TTL" default:"24h"`

	// Usage recorder
	RecorderBufferSize   int           `envconfig:"RECORDER_BUFFER_SIZE" default:"1000"`
	RecorderWriteTimeout time.Duration `envconfig:"RECORDER_WRITE_TIMEOUT" default:"5s"`

	// Rate limiting (per authenticated user)
	RateLimitMax    int           `envconfig:"RATE_LIMIT_MAX" default:"600"`
	RateLimitWindow time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects values envconfig parses fine but the service cannot run with.
func (c *Config) Validate() error {
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if c.DatabaseMinConns > c.DatabaseMaxConns {
		return fmt.Errorf("DATABASE_MIN_CONNS (%d) exceeds DATABASE_MAX_CONNS (%d)", c.DatabaseMinConns, c.DatabaseMaxConns)
	}
	if c.RecorderBufferSize <= 0 {
		return fmt.Errorf("RECORDER_BUFFER_SIZE must be positive")
	}
	if c.RateLimitMax <= 0 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX and RATE_LIMIT_WINDOW must be positive")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
