package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "USD", cfg.Loss.Currency)
	assert.Equal(t, []string{"PGA"}, cfg.Intensity.Aliases["SA_01"])
	assert.Equal(t, []string{"PGA"}, cfg.Intensity.Aliases["SA_03"])
	assert.Equal(t, []string{"MWH", "INUN_MEAN_POLY"}, cfg.Intensity.Aliases["ID"])
	assert.False(t, cfg.ClickHouse.Enabled)
	assert.Equal(t, 9000, cfg.ClickHouse.Port)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workers: 8
fragility: data/fragility_sara.json
intensity:
  sources:
    - type: geojson
      path: data/shakemap.geojson
    - type: asc
      path: data/pressure.asc
      measure: max_pressure
      unit: p
      crs: "EPSG:24877"
  aliases:
    LOAD: [ASH]
loss:
  currency: EUR
  files: [loss/sara.json]
mapping:
  taxonomy_dir: mapping/tax
  aliases:
    SARA: SARA_v1.0
server:
  read_timeout: 10s
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, "data/fragility_sara.json", cfg.Fragility)
	require.Len(t, cfg.Intensity.Sources, 2)
	assert.Equal(t, "EPSG:24877", cfg.Intensity.Sources[1].CRS)
	assert.Equal(t, "max_pressure", cfg.Intensity.Sources[1].Measure)
	assert.Equal(t, []string{"ASH"}, cfg.Intensity.Aliases["LOAD"])
	// defaults survive next to new aliases
	assert.Equal(t, []string{"PGA"}, cfg.Intensity.Aliases["SA_01"])
	assert.Equal(t, "EUR", cfg.Loss.Currency)
	assert.Equal(t, "SARA_v1.0", cfg.Mapping.Aliases["SARA"])
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DEUS_WORKERS", "2")
	t.Setenv("DEUS_API_KEY", "secret")
	t.Setenv("CLICKHOUSE_ENABLED", "true")
	t.Setenv("CLICKHOUSE_HOST", "ch.internal")
	t.Setenv("DEUS_POSTGRES_DSN", "postgres://deus@db/deus?sslmode=disable")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, "secret", cfg.Server.APIKey)
	assert.True(t, cfg.ClickHouse.Enabled)
	assert.Equal(t, "ch.internal", cfg.StoreConfig().Host)
	assert.Equal(t, "postgres://deus@db/deus?sslmode=disable", cfg.Postgres.DSN)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("workers: [1, 2"), 0o644))
	_, err = Load(bad)
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("workers: 0\n"), 0o644))
	_, err = Load(invalid)
	assert.Error(t, err)

	noPath := filepath.Join(dir, "nopath.yaml")
	require.NoError(t, os.WriteFile(noPath, []byte("intensity:\n  sources:\n    - type: geojson\n"), 0o644))
	_, err = Load(noPath)
	assert.Error(t, err)
}

func TestEnvRejectsUnparsableValues(t *testing.T) {
	tests := map[string]string{
		"DEUS_WORKERS":       "four",
		"DEUS_PORT":          "80a",
		"CLICKHOUSE_PORT":    "9000.5",
		"CLICKHOUSE_ENABLED": "maybe",
	}
	for key, val := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}
