package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Search.DefaultLimit)
	assert.Equal(t, 20, cfg.Search.MaxLimit)
	assert.InDelta(t, 0.4, cfg.Search.Weights.Quality, 1e-12)
	assert.InDelta(t, 0.1, cfg.Reputation.FailurePenalty, 1e-12)
	assert.Equal(t, "10.00", cfg.Wallets.Seed["PM_Budget"])
	assert.Equal(t, []string{"balanced", "budget", "quality"}, cfg.StrategyNames())
	assert.InDelta(t, 0.04, cfg.Strategies["budget"].MaxPrice, 1e-12)
}

func TestLoadOptionalMissingFile(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg, err = LoadOrDefault(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestFromYAMLKeepsDefaultsForOmittedSections(t *testing.T) {
	cfg, err := FromYAML([]byte("search:\n  default_limit: 3\n  max_limit: 10\n  weights: {price: 1, quality: 0, speed: 0, reliability: 0}\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Search.DefaultLimit)
	assert.InDelta(t, 5.0, cfg.Reputation.InitialRating, 1e-12)
	assert.InDelta(t, 1.0, cfg.Reputation.RatingFloor, 1e-12)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad weights":    "search:\n  weights: {price: 0, quality: 0, speed: 0, reliability: 0}\n",
		"weight above 1": "search:\n  weights: {price: 1.5, quality: 0, speed: 0, reliability: 0}\n",
		"limits":         "search:\n  default_limit: 30\n",
		"rating":         "reputation:\n  initial_rating: 7\n",
		"seed amount":    "wallets:\n  seed:\n    bob: \"-1\"\n",
		"seed parse":     "wallets:\n  seed:\n    bob: \"ten\"\n",
		"temperature":    "strategies:\n  hot:\n    weights: {price: 1, quality: 0, speed: 0, reliability: 0}\n    temperature: 0\n",
		"webhook url":    "webhooks:\n  - events: [escrow.locked]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(Path(dir), []byte(GenerateDefault()), 0o644))
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Len(t, cfg.Strategies, 3)

	_, err = FromFile(filepath.Join(dir, "missing.yml"))
	assert.Error(t, err)
}

func TestWebhookEnabledDefaultsTrue(t *testing.T) {
	off := false
	assert.True(t, WebhookConfig{URL: "http://x"}.IsEnabled())
	assert.False(t, WebhookConfig{URL: "http://x", Enabled: &off}.IsEnabled())
}
