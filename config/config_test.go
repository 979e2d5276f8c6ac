package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsMatchSpecRecommendations(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 30*time.Second, cfg.PoolTimeout)
	assert.Equal(t, 60*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 500, cfg.BatchSize)
	assert.Equal(t, 5000, cfg.MaxBuffer)
	assert.True(t, cfg.AllowFallback)
}

func TestValidateRejectsMissingDatabaseURL(t *testing.T) {
	cfg := Defaults()
	err := Validate(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestValidateRejectsBufferSmallerThanBatch(t *testing.T) {
	cfg := Defaults()
	cfg.SQLiteURL = "file::memory:"
	cfg.MaxBuffer = cfg.BatchSize - 1
	err := Validate(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestValidateAcceptsSQLiteOnlyConfig(t *testing.T) {
	cfg := Defaults()
	cfg.SQLiteURL = "file::memory:"
	require.NoError(t, Validate(cfg))
}

func TestDialectPrefersPostgresWhenBothSet(t *testing.T) {
	cfg := Defaults()
	cfg.DatabaseURL = "postgres://localhost/afs"
	cfg.SQLiteURL = "file::memory:"
	dialect, dsn := cfg.Dialect()
	assert.Equal(t, "postgres", dialect)
	assert.Equal(t, cfg.DatabaseURL, dsn)
}

func TestLoadPicksUpLegacyEnvVar(t *testing.T) {
	t.Setenv("AFS_DATABASE_URL", "")
	t.Setenv("DATABASE_URL", "postgres://legacy/afs")
	t.Setenv("AFS_SQLITE_URL", "")
	t.Setenv("SQLITE_URL", "")
	t.Setenv("TOKEN_USAGE_DATABASE_URL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://legacy/afs", cfg.DatabaseURL)
}

func TestLoadPrefersAFSPrefixedOverLegacy(t *testing.T) {
	t.Setenv("AFS_DATABASE_URL", "postgres://preferred/afs")
	t.Setenv("DATABASE_URL", "postgres://legacy/afs")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://preferred/afs", cfg.DatabaseURL)
}

func TestLoadFailsValidationWithoutAnyDatabaseURL(t *testing.T) {
	for _, key := range []string{"AFS_DATABASE_URL", "DATABASE_URL", "AFS_SQLITE_URL", "SQLITE_URL"} {
		t.Setenv(key, "")
	}
	_, err := Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}
