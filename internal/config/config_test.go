package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agroflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "dirs: {}\n"))
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.HTTP.TimeoutSeconds)
	assert.Equal(t, 3, cfg.HTTP.RetryAttempts)
	assert.Equal(t, 2.0, cfg.HTTP.BackoffMultiplier)
	assert.Equal(t, 120.0, cfg.HTTP.BackoffCapSeconds)
	assert.Equal(t, 0.10, cfg.Trade.DiscrepancyThreshold)
	assert.Equal(t, 60, cfg.Calendar.CheckIntervalSeconds)
	assert.Equal(t, "v1", cfg.Yield.FeatureVersion)
}

func TestLoadRejectsBadEnsembleWeights(t *testing.T) {
	body := `
yield:
  ensemble_weights:
    corn:
      reproductive: { trend: 0.2, boost: 0.5, analog: 0.5 }
`
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ensemble weights")
}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "agroflow.yaml"))
	require.NoError(t, err)

	// Harmonizer constants the rest of the system depends on.
	assert.Equal(t, 39.368, cfg.Trade.BushelFactors["corn"])
	assert.Equal(t, 36.744, cfg.Trade.BushelFactors["soybeans"])
	assert.Equal(t, "BRA", cfg.Trade.CountrySynonyms["brasil"])

	// Every crop with thresholds also has stage windows and weights.
	for crop := range cfg.Yield.Thresholds {
		assert.NotEmpty(t, cfg.Yield.Stages[crop], crop)
		assert.NotEmpty(t, cfg.Yield.EnsembleWeights[crop], crop)
	}

	// Confidence curve is ordered and within [0,1].
	prev := -1
	for _, p := range cfg.Yield.Confidence {
		assert.Greater(t, p.Week, prev)
		assert.GreaterOrEqual(t, p.Confidence, 0.0)
		assert.LessOrEqual(t, p.Confidence, 1.0)
		prev = p.Week
	}
}

func TestDBConfigLegacyFallback(t *testing.T) {
	t.Setenv("AGROFLOW_DB_HOST", "")
	t.Setenv("DB_HOST", "")
	t.Setenv("POSTGRES_HOST", "db.internal")
	t.Setenv("PGHOST", "ignored")

	cfg := LoadDBConfig()
	assert.Equal(t, "db.internal", cfg.Host)
}

func TestCredentialLookup(t *testing.T) {
	t.Setenv("NASS_API_KEY", "")
	t.Setenv("USDA_NASS_API_KEY", "legacy-key")
	assert.Equal(t, "legacy-key", Credential("usda_nass"))

	t.Setenv("NASS_API_KEY", "new-key")
	assert.Equal(t, "new-key", Credential("usda_nass"))
}
