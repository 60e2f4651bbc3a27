package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad_OverridesLayerOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
storage:
  path: /var/lib/probedb/data.db
  pool_size: 128
log:
  level: debug
telemetry:
  enabled: true
  prometheus_port: 9400
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/probedb/data.db", cfg.Storage.Path)
	require.Equal(t, 128, cfg.Storage.PoolSize)
	require.Equal(t, 4096, cfg.Storage.PageSize, "unset fields keep their defaults")
	require.Equal(t, "debug", cfg.Log.Level)
	require.True(t, cfg.Telemetry.Enabled)
	require.Equal(t, 9400, cfg.Telemetry.PrometheusPort)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
storage:
  pool_size: -1
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
