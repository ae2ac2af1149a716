package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL           string
	PollInterval          int // seconds
	MaxConcurrentMonitors int
	LookbackMinutes       int
	FetchTop              int
	ShutdownTimeout       int // seconds
	LogLevel              string
	LogFormat             string // json or text
	HTTPAddr              string // empty disables the control API
	LockFile              string
	MicrosoftTenant       string
	GoogleClientID        string
	GoogleClientSecret    string
	GraphRequestsPerSec   float64
	TokenExpirySkew       int // seconds
	ExtractorRulesFile    string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg := &Config{
		DatabaseURL:           dbURL,
		PollInterval:          getEnvInt("POLL_INTERVAL", 10),
		MaxConcurrentMonitors: getEnvInt("MAX_CONCURRENT_MONITORS", 5),
		LookbackMinutes:       getEnvInt("LOOKBACK_MINUTES", 10),
		FetchTop:              getEnvInt("FETCH_TOP", 10),
		ShutdownTimeout:       getEnvInt("SHUTDOWN_TIMEOUT", 30),
		LogLevel:              strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:             strings.ToLower(getEnv("LOG_FORMAT", "json")),
		HTTPAddr:              getEnv("HTTP_ADDR", ""),
		LockFile:              getEnv("LOCK_FILE", ""),
		MicrosoftTenant:       getEnv("MICROSOFT_TENANT", "common"),
		GoogleClientID:        os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret:    os.Getenv("GOOGLE_CLIENT_SECRET"),
		GraphRequestsPerSec:   getEnvFloat("GRAPH_REQUESTS_PER_SECOND", 4),
		TokenExpirySkew:       getEnvInt("TOKEN_EXPIRY_SKEW", 120),
		ExtractorRulesFile:    getEnv("EXTRACTOR_RULES_FILE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the scheduler and clients cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be positive, got %d", c.PollInterval))
	}
	if c.MaxConcurrentMonitors <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_MONITORS must be positive, got %d", c.MaxConcurrentMonitors))
	}
	if c.LookbackMinutes <= 0 {
		errs = append(errs, fmt.Errorf("LOOKBACK_MINUTES must be positive, got %d", c.LookbackMinutes))
	}
	if c.FetchTop <= 0 {
		errs = append(errs, fmt.Errorf("FETCH_TOP must be positive, got %d", c.FetchTop))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SHUTDOWN_TIMEOUT must be positive, got %d", c.ShutdownTimeout))
	}
	if c.TokenExpirySkew < 0 {
		errs = append(errs, fmt.Errorf("TOKEN_EXPIRY_SKEW must not be negative, got %d", c.TokenExpirySkew))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

func (c *Config) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

func (c *Config) Lookback() time.Duration {
	return time.Duration(c.LookbackMinutes) * time.Minute
}

func (c *Config) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(c.ShutdownTimeout) * time.Second
}

func (c *Config) TokenExpirySkewDuration() time.Duration {
	return time.Duration(c.TokenExpirySkew) * time.Second
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Printf("Warning: invalid %s=%q, using default %d\n", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		fmt.Printf("Warning: invalid %s=%q, using default %g\n", key, v, fallback)
		return fallback
	}
	return f
}
