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
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Matching
	EmbeddingDim   int     // Dimensionality of enrolled embeddings
	MatchThreshold float64 // Minimum cosine similarity for a positive match

	// Risk scoring
	RiskModelPath   string // Path to the model artifact JSON (optional)
	BlockThreshold  int    // Scores above this block the request
	StepUpThreshold int    // Scores above this (and <= BlockThreshold) require step-up

	// Rate limiting
	RateLimitMax      int           // Max requests per key per window
	RateLimitWindow   time.Duration // Fixed window duration
	RateLimitFailOpen bool          // Admit requests when the counter store is down

	// Pipeline
	StageTimeout time.Duration // Per-backend-call timeout inside a decision

	// Upstream services (proxied through the gateway)
	UserServiceURL  string
	AuditServiceURL string

	// Security
	AdminSecret string // Admin API secret (model reload, key management)

	// Tracing
	OTLPEndpoint string // OTLP gRPC collector endpoint (optional)
}

// Defaults
const (
	DefaultPort            = "8000"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultEmbeddingDim    = 512
	DefaultMatchThreshold  = 0.85
	DefaultBlockThreshold  = 80
	DefaultStepUpThreshold = 50
	DefaultRateLimitMax    = 100
	DefaultRateLimitWindow = time.Minute
	DefaultStageTimeout    = 2 * time.Second
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
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		EmbeddingDim:      getEnvInt("EMBEDDING_DIM", DefaultEmbeddingDim),
		MatchThreshold:    getEnvFloat("MATCH_THRESHOLD", DefaultMatchThreshold),
		RiskModelPath:     os.Getenv("RISK_MODEL_PATH"), // Optional, scorer degrades without it
		BlockThreshold:    getEnvInt("BLOCK_THRESHOLD", DefaultBlockThreshold),
		StepUpThreshold:   getEnvInt("STEP_UP_THRESHOLD", DefaultStepUpThreshold),
		RateLimitMax:      getEnvInt("RATE_LIMIT_MAX", DefaultRateLimitMax),
		RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", DefaultRateLimitWindow),
		RateLimitFailOpen: getEnvBool("RATE_LIMIT_FAIL_OPEN", false),
		StageTimeout:      getEnvDuration("STAGE_TIMEOUT", DefaultStageTimeout),
		UserServiceURL:    os.Getenv("USER_SERVICE_URL"),
		AuditServiceURL:   os.Getenv("AUDIT_SERVICE_URL"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:      os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("EMBEDDING_DIM must be positive, got %d", c.EmbeddingDim)
	}
	if c.MatchThreshold < -1 || c.MatchThreshold > 1 {
		return fmt.Errorf("MATCH_THRESHOLD must be within [-1, 1], got %v", c.MatchThreshold)
	}
	if c.RateLimitMax <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX must be positive, got %d", c.RateLimitMax)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %v", c.RateLimitWindow)
	}
	if c.StageTimeout <= 0 {
		return fmt.Errorf("STAGE_TIMEOUT must be positive, got %v", c.StageTimeout)
	}
	if c.StepUpThreshold >= c.BlockThreshold {
		return fmt.Errorf("STEP_UP_THRESHOLD (%d) must be below BLOCK_THRESHOLD (%d)", c.StepUpThreshold, c.BlockThreshold)
	}
	if c.BlockThreshold > 100 {
		return fmt.Errorf("BLOCK_THRESHOLD must be at most 100, got %d", c.BlockThreshold)
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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
