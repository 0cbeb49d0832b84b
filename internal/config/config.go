// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Detection thresholds
	MaxFailedAttempts int
	TimeWindow        time.Duration
	MaxOrdersPerUser  int
	MaxRequestsPerIP  int
	IPCoolingPeriod   time.Duration
	UserCoolingPeriod time.Duration
	SweepInterval     time.Duration

	// Security
	AdminSecret   string // Admin API secret
	WebhookSecret string // Default signing secret for new webhook subscriptions

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultMaxFailedAttempts = 5
	DefaultTimeWindow        = 15 * time.Minute
	DefaultMaxOrdersPerUser  = 10
	DefaultMaxRequestsPerIP  = 20
	DefaultIPCoolingPeriod   = 5 * time.Minute
	DefaultUserCoolingPeriod = 10 * time.Minute
	DefaultSweepInterval     = time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		MaxFailedAttempts: getEnvInt("MAX_FAILED_ATTEMPTS", DefaultMaxFailedAttempts),
		TimeWindow:        getEnvDuration("TIME_WINDOW", DefaultTimeWindow),
		MaxOrdersPerUser:  getEnvInt("MAX_ORDERS_PER_USER", DefaultMaxOrdersPerUser),
		MaxRequestsPerIP:  getEnvInt("MAX_REQUESTS_PER_IP", DefaultMaxRequestsPerIP),
		IPCoolingPeriod:   getEnvDuration("IP_COOLING_PERIOD", DefaultIPCoolingPeriod),
		UserCoolingPeriod: getEnvDuration("USER_COOLING_PERIOD", DefaultUserCoolingPeriod),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all configuration values are sane
func (c *Config) Validate() error {
	if c.MaxFailedAttempts <= 0 {
		return fmt.Errorf("MAX_FAILED_ATTEMPTS must be positive")
	}
	if c.TimeWindow <= 0 {
		return fmt.Errorf("TIME_WINDOW must be positive")
	}
	if c.MaxOrdersPerUser <= 0 {
		return fmt.Errorf("MAX_ORDERS_PER_USER must be positive")
	}
	if c.MaxRequestsPerIP <= 0 {
		return fmt.Errorf("MAX_REQUESTS_PER_IP must be positive")
	}
	if c.IPCoolingPeriod <= 0 || c.UserCoolingPeriod <= 0 {
		return fmt.Errorf("cooling periods must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
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

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
