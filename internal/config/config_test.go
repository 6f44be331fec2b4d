package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEmbeddingDim, cfg.EmbeddingDim)
	assert.Equal(t, DefaultMatchThreshold, cfg.MatchThreshold)
	assert.Equal(t, DefaultBlockThreshold, cfg.BlockThreshold)
	assert.Equal(t, DefaultStepUpThreshold, cfg.StepUpThreshold)
	assert.Equal(t, DefaultRateLimitWindow, cfg.RateLimitWindow)
	assert.Equal(t, DefaultStageTimeout, cfg.StageTimeout)
	assert.False(t, cfg.RateLimitFailOpen)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "EMBEDDING_DIM", "128")
	setEnv(t, "MATCH_THRESHOLD", "0.9")
	setEnv(t, "RATE_LIMIT_WINDOW", "30s")
	setEnv(t, "RATE_LIMIT_FAIL_OPEN", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 128, cfg.EmbeddingDim)
	assert.Equal(t, 0.9, cfg.MatchThreshold)
	assert.Equal(t, 30*time.Second, cfg.RateLimitWindow)
	assert.True(t, cfg.RateLimitFailOpen)
}

func TestLoad_InvalidDimension(t *testing.T) {
	setEnv(t, "EMBEDDING_DIM", "-3")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "EMBEDDING_DIM")
}

func validConfig() Config {
	return Config{
		EmbeddingDim:    512,
		MatchThreshold:  0.85,
		BlockThreshold:  80,
		StepUpThreshold: 50,
		RateLimitMax:    100,
		RateLimitWindow: time.Minute,
		StageTimeout:    2 * time.Second,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: "",
		},
		{
			name:    "zero dimension",
			mutate:  func(c *Config) { c.EmbeddingDim = 0 },
			wantErr: "EMBEDDING_DIM",
		},
		{
			name:    "threshold above cosine range",
			mutate:  func(c *Config) { c.MatchThreshold = 1.5 },
			wantErr: "MATCH_THRESHOLD",
		},
		{
			name:    "zero rate limit",
			mutate:  func(c *Config) { c.RateLimitMax = 0 },
			wantErr: "RATE_LIMIT_MAX",
		},
		{
			name:    "zero window",
			mutate:  func(c *Config) { c.RateLimitWindow = 0 },
			wantErr: "RATE_LIMIT_WINDOW",
		},
		{
			name:    "zero stage timeout",
			mutate:  func(c *Config) { c.StageTimeout = 0 },
			wantErr: "STAGE_TIMEOUT",
		},
		{
			name:    "step-up at block threshold",
			mutate:  func(c *Config) { c.StepUpThreshold = 80 },
			wantErr: "STEP_UP_THRESHOLD",
		},
		{
			name:    "block threshold above score range",
			mutate:  func(c *Config) { c.BlockThreshold = 150 },
			wantErr: "BLOCK_THRESHOLD",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvHelpers(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_FLOAT", "0.75")
	setEnv(t, "TEST_DURATION", "90s")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))

	assert.Equal(t, 42, getEnvInt("TEST_INT", 0))
	assert.Equal(t, 99, getEnvInt("TEST_INVALID", 99)) // Falls back on parse error

	assert.Equal(t, 0.75, getEnvFloat("TEST_FLOAT", 0))
	assert.Equal(t, 0.5, getEnvFloat("NONEXISTENT_VAR", 0.5))

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DURATION", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_INVALID", time.Minute))

	assert.True(t, getEnvBool("NONEXISTENT_VAR", true))
	assert.False(t, getEnvBool("TEST_INVALID", false))
}
