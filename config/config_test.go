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
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileAndDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"instance": {"id": "eth-long", "dry_run": true, "require_start_flag": true},
		"database": {"driver": "sqlite", "path": "data/j.db"},
		"api": {"enabled": true, "jwt_secret": "s"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "eth-long", cfg.InstanceConfig.ID)
	assert.True(t, cfg.InstanceConfig.DryRun)
	assert.True(t, cfg.InstanceConfig.RequireStartFlag)
	assert.Equal(t, "status", cfg.InstanceConfig.StatusDir)
	assert.Equal(t, "strategy.json", cfg.InstanceConfig.StrategyPath)
	assert.Equal(t, 2400, cfg.BinanceConfig.MaxWeight)
	assert.Equal(t, 8090, cfg.APIConfig.Port)
	assert.Equal(t, 5, cfg.CircuitBreakerConfig.MaxConsecutiveFailures)
	assert.Equal(t, "sqlite", cfg.DatabaseConfig.Driver)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `{"instance": {"id": "eth-long", "dry_run": true}}`)
	t.Setenv("INSTANCE_ID", "btc-short")
	t.Setenv("FLATTEN_ON_SHUTDOWN", "true")
	t.Setenv("API_PORT", "9100")
	t.Setenv("API_ALLOWED_ORIGINS", "http://a.local, http://b.local")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "btc-short", cfg.InstanceConfig.ID)
	assert.True(t, cfg.InstanceConfig.FlattenOnShutdown)
	assert.Equal(t, 9100, cfg.APIConfig.Port)
	assert.Equal(t, []string{"http://a.local", "http://b.local"}, cfg.APIConfig.AllowedOrigins)
	assert.Equal(t, "debug", cfg.LoggingConfig.Level)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing id", `{"instance": {"dry_run": true}}`},
		{"id with slash", `{"instance": {"id": "a/b", "dry_run": true}}`},
		{"live without keys", `{"instance": {"id": "eth"}}`},
		{"leader lock without redis", `{"instance": {"id": "eth", "dry_run": true, "leader_lock": true}}`},
		{"sqlite without path", `{"instance": {"id": "eth", "dry_run": true}, "database": {"driver": "sqlite"}}`},
		{"unknown driver", `{"instance": {"id": "eth", "dry_run": true}, "database": {"driver": "mysql"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestGenerateSampleConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.json")
	require.NoError(t, GenerateSampleConfig(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "eth-long", cfg.InstanceConfig.ID)
}
