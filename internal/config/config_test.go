package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 0.7, cfg.SimilarityThreshold)
	assert.Equal(t, 0.85, cfg.HighConfidenceSimilarity)
	assert.Equal(t, 0.6, cfg.PairConfidenceThreshold)
	assert.Equal(t, 20, cfg.CycleMaxDepth)
	assert.Equal(t, 14, cfg.DormantMinAgeDays)
	assert.Equal(t, time.Hour, cfg.JobStateTTL)
	assert.Equal(t, 30*time.Second, cfg.LLMRateLimitMaxWait)
	assert.Equal(t, "composite", cfg.CalibrationMethod)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ENGRAM_SIMILARITY_THRESHOLD", "0.5")
	t.Setenv("ENGRAM_CYCLE_MAX_DEPTH", "5")
	t.Setenv("ENGRAM_EPISODE_GAP", "2m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg.SimilarityThreshold)
	assert.Equal(t, 5, cfg.CycleMaxDepth)
	assert.Equal(t, 2*time.Minute, cfg.EpisodeGap)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty database url", func(c *Config) { c.DatabaseURL = "" }},
		{"zero dimensions", func(c *Config) { c.EmbeddingDimensions = 0 }},
		{"similarity out of range", func(c *Config) { c.SimilarityThreshold = 1.5 }},
		{"high sim below threshold", func(c *Config) { c.HighConfidenceSimilarity = 0.5; c.SimilarityThreshold = 0.7 }},
		{"unknown calibration", func(c *Config) { c.CalibrationMethod = "magic" }},
		{"cycle depth too small", func(c *Config) { c.CycleMaxDepth = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
