package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chtemp(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found.
	chtemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "pension-etl.db", cfg.Store.SQLitePath)
	assert.Equal(t, "https://api.opencorporates.com/v0.4", cfg.Provider.BaseURL)
	assert.InDelta(t, 5.0, cfg.Provider.RatePerSecond, 0.001)
	assert.Equal(t, 5, cfg.Provider.Burst)
	assert.Equal(t, 3, cfg.Provider.MaxAttempts)
	assert.Equal(t, 200, cfg.Resolver.Budget)
	assert.Equal(t, 8, cfg.Resolver.Concurrency)
	assert.InDelta(t, 0.6, cfg.Resolver.FuzzyThreshold, 0.001)
	assert.InDelta(t, 0.3, cfg.Resolver.LowThreshold, 0.001)
	assert.Equal(t, 90, cfg.Resolver.StaleAfterDays)
	assert.Equal(t, 25, cfg.Worker.BatchSize)
	assert.Equal(t, 30, cfg.Worker.PollIntervalSecs)
	assert.Equal(t, 5, cfg.Worker.MaxAttempts)
	assert.Equal(t, 1, cfg.Feed.SkipRows)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	chtemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/pension
resolver:
  budget: 50
  fuzzy_threshold: 0.8
worker:
  max_attempts: 2
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile("config.yaml", []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/pension", cfg.Store.DatabaseURL)
	assert.Equal(t, 50, cfg.Resolver.Budget)
	assert.InDelta(t, 0.8, cfg.Resolver.FuzzyThreshold, 0.001)
	assert.Equal(t, 2, cfg.Worker.MaxAttempts)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Values not in the file keep their defaults.
	assert.InDelta(t, 0.3, cfg.Resolver.LowThreshold, 0.001)
	assert.Equal(t, 25, cfg.Worker.BatchSize)
}

func TestLoadFromEnv(t *testing.T) {
	chtemp(t)
	t.Setenv("PENSION_STORE_DRIVER", "postgres")
	t.Setenv("PENSION_STORE_DATABASE_URL", "postgres://localhost/pension")
	t.Setenv("PENSION_RESOLVER_BUDGET", "10")
	t.Setenv("PENSION_PROVIDER_TOKEN", "secret-token")
	t.Setenv("PENSION_FEED_SHEET_NAME", "Filings")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/pension", cfg.Store.DatabaseURL)
	assert.Equal(t, 10, cfg.Resolver.Budget)
	assert.Equal(t, "secret-token", cfg.Provider.Token)
	assert.Equal(t, "Filings", cfg.Feed.SheetName)
}

func TestInitLogger(t *testing.T) {
	assert.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.Error(t, InitLogger(LogConfig{Level: "nonsense", Format: "json"}))
}
