// Package config provides configuration loading and management for the HealthFund service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load() does not override already-set variables, preserving
// OS env > .env > .env.local precedence. Production deployments rely on
// system environment variables only.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the HealthFund service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // Database connection string (PostgreSQL); empty selects the in-memory store
	NATSURL     string // NATS server URL; empty selects the no-op publisher
	JWTIssuer   string // Expected issuer for JWT validation
	JWTAudience string // Expected audience for JWT validation

	// Role configuration
	OwnerAddress string // The distinguished owner wallet; sole grantor of admin rights

	// Funding policy
	MinGoalAmount int64 // Minimum goalAmount accepted by createRequest
	AllowOverfund bool  // When false, donations past goalAmount are rejected

	// Pinning (S3-compatible) storage for opaque file bytes
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string

	// Pin limits
	MaxPinSize       int64    // Maximum pinned file size in bytes
	AllowedMimeTypes []string // Allowed MIME types at the pinning boundary

	// Deadline sweep
	SweepSpec string // Cron spec for the deadline sweep; empty disables it

	// CORS configuration
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Default configuration values used when environment variables are not set.
const (
	defaultPort      = "8080"
	defaultS3Region  = "us-east-1"
	defaultEnv       = "dev"
	defaultMinGoal   = 5000
	defaultSweepSpec = "5 0 * * *" // daily, shortly after midnight
)

// Load reads environment variables and produces a Config suitable for wiring
// the service. Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:           getEnv("HF_ENV", defaultEnv),
		Port:          getEnv("HF_PORT", defaultPort),
		DatabaseDSN:   os.Getenv("HF_DB_DSN"),
		NATSURL:       os.Getenv("HF_NATS_URL"),
		JWTIssuer:     os.Getenv("HF_JWT_ISSUER"),
		JWTAudience:   os.Getenv("HF_JWT_AUDIENCE"),
		OwnerAddress:  strings.ToLower(os.Getenv("HF_OWNER_ADDRESS")),
		S3Endpoint:    os.Getenv("HF_S3_ENDPOINT"),
		S3Region:      getEnv("HF_S3_REGION", defaultS3Region),
		S3Bucket:      os.Getenv("HF_S3_BUCKET"),
		S3AccessKey:   os.Getenv("HF_S3_ACCESS_KEY"),
		S3SecretKey:   os.Getenv("HF_S3_SECRET_KEY"),
		SweepSpec:     getEnv("HF_SWEEP_SPEC", defaultSweepSpec),
		MinGoalAmount: defaultMinGoal,
	}

	if v, exists := os.LookupEnv("HF_MIN_GOAL_AMOUNT"); exists {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return cfg, fmt.Errorf("HF_MIN_GOAL_AMOUNT must be a non-negative integer, got %q", v)
		}
		cfg.MinGoalAmount = n
	}

	if v, exists := os.LookupEnv("HF_ALLOW_OVERFUND"); exists {
		cfg.AllowOverfund = parseBool(v)
	}

	if v, exists := os.LookupEnv("HF_MAX_PIN_SIZE"); exists {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxPinSize = size
		}
	} else {
		// Default to 10MB
		cfg.MaxPinSize = 10 * 1024 * 1024
	}

	if v, exists := os.LookupEnv("HF_ALLOWED_MIME_TYPES"); exists {
		cfg.AllowedMimeTypes = splitAndTrim(v)
	} else {
		cfg.AllowedMimeTypes = []string{"application/pdf", "image/jpeg", "image/png"}
	}

	if v, exists := os.LookupEnv("HF_CORS_ALLOWED_ORIGINS"); exists {
		cfg.CORSAllowedOrigins = splitAndTrim(v)
	}

	if cfg.JWTIssuer == "" {
		return cfg, fmt.Errorf("HF_JWT_ISSUER is required")
	}
	if cfg.JWTAudience == "" {
		return cfg, fmt.Errorf("HF_JWT_AUDIENCE is required")
	}
	if cfg.OwnerAddress == "" {
		return cfg, fmt.Errorf("HF_OWNER_ADDRESS is required")
	}

	return cfg, nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty.
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// splitAndTrim splits a comma-separated list and trims whitespace from each entry.
func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// parseBool converts a string to a boolean value, returning false if parsing fails.
func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
