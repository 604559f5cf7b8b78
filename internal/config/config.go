// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payments
	StripeKey string // Stripe secret key; empty disables deposit charging

	// Escrow policy
	CommissionPercent float64 // Platform commission applied when the quote carries none

	// Signaling
	MaxSignalingPeers int // Cap on concurrent websocket peers on the hub

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; empty disables tracing

	// Security
	RateLimitRPS int
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultCommissionPercent = 10.0
	DefaultMaxSignalingPeers = 10000
	DefaultRateLimit         = 100
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		StripeKey:         os.Getenv("STRIPE_KEY"),
		CommissionPercent: getEnvFloat("COMMISSION_PERCENT", DefaultCommissionPercent),
		MaxSignalingPeers: int(getEnvInt64("MAX_SIGNALING_PEERS", DefaultMaxSignalingPeers)),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPS:      int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent.
func (c *Config) Validate() error {
	if c.CommissionPercent < 0 || c.CommissionPercent > 100 {
		return fmt.Errorf("COMMISSION_PERCENT must be between 0 and 100")
	}
	if c.MaxSignalingPeers <= 0 {
		return fmt.Errorf("MAX_SIGNALING_PEERS must be positive")
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
