package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadGeneratesConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8317, cfg.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)

	_, err = os.Stat(path)
	require.NoError(t, err, "config.json should be generated on first load")
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	t.Setenv("GATEWAY_PORT", "9100")
	t.Setenv("GATEWAY_DB_DRIVER", "postgres")
	t.Setenv("GATEWAY_DB_HOST", "db.internal")
	t.Setenv("GATEWAY_DB_PORT", "5432")
	t.Setenv("GATEWAY_DB_USER", "gateway")
	t.Setenv("GATEWAY_DB_PASSWORD", "secret")
	t.Setenv("GATEWAY_DB_NAME", "gateway")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Contains(t, cfg.Database.DSN(), "host=db.internal")

	// Second load must read the generated file and keep the values stable.
	t.Setenv("GATEWAY_PORT", "")
	cfg2, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg2.Port)
}

func TestRequestTimeoutDefault(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, "10m0s", cfg.RequestTimeout().String())
}

func TestYAMLDefaultsOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	yaml := "port: 9200\nrequest-timeout-seconds: 120\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.defaults.yaml"), []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Port)
	assert.Equal(t, "2m0s", cfg.RequestTimeout().String())

	// The generated config.json takes precedence over the defaults file on
	// later loads.
	cfg.Port = 9300
	require.NoError(t, Save(cfg, path))
	cfg2, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9300, cfg2.Port)
}
