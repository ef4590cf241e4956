package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ModeEmbedded, cfg.StorageMode)
	assert.True(t, cfg.FxEnabled)
	assert.True(t, cfg.AllowSyntheticOHLC)
	assert.False(t, cfg.FxAllowStale)
	assert.Equal(t, time.Hour, cfg.MaintenanceInterval)
	assert.Equal(t, 8080, cfg.Port)
}

func TestLoadFxDisabled(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("FX_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.FxEnabled)
}

func TestValidateStorageMode(t *testing.T) {
	cfg := &Config{StorageMode: "bogus", MaintenanceInterval: time.Hour}
	assert.Error(t, cfg.Validate())

	cfg = &Config{StorageMode: ModeHosted, MaintenanceInterval: time.Hour}
	assert.Error(t, cfg.Validate()) // hosted requires DATABASE_URL

	cfg = &Config{StorageMode: ModeHosted, DatabaseURL: "postgres://x", MaintenanceInterval: time.Hour}
	assert.NoError(t, cfg.Validate())
}

func TestValidateMaintenanceInterval(t *testing.T) {
	cfg := &Config{StorageMode: ModeEmbedded, MaintenanceInterval: 10 * time.Second}
	assert.Error(t, cfg.Validate())
}
