package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deus/internal/exposure"
	"deus/internal/summary"
)

const (
	fragilityJSON = `{
	"meta": {"shape": "logncdf", "id": "SARA_v1.0"},
	"data": [{"taxonomy": "MUR1", "imt": "pga", "imu": "g",
		"D1_mean": -1.2, "D1_stddev": 0.6, "D2_mean": -0.5, "D2_stddev": 0.6}]
}`
	exposureJSON = `{"type": "FeatureCollection", "features": [
	{"type": "Feature", "geometry": {"type": "Point", "coordinates": [-71.5, -32.8]},
	 "properties": {"gid": "a", "expo": {"Taxonomy": ["MUR1"], "Damage": ["D0"], "Buildings": [20]}}},
	{"type": "Feature", "geometry": {"type": "Point", "coordinates": [-71.6, -32.9]},
	 "properties": {"gid": "b", "expo": {"Taxonomy": ["MUR1"], "Damage": ["D1"], "Buildings": [5]}}}
]}`
	intensityJSON = `{"type": "FeatureCollection", "features": [
	{"type": "Feature", "geometry": {"type": "Point", "coordinates": [-71.5, -32.8]}, "properties": {"value_pga": 0.4, "unit_pga": "g"}},
	{"type": "Feature", "geometry": {"type": "Point", "coordinates": [-71.6, -32.9]}, "properties": {"value_pga": 0.9, "unit_pga": "g"}}
]}`
	lossJSON = `{"meta": {"id": "SARA_v1.0"}, "data": [{"taxonomy": "MUR1", "loss": {"D0": 0, "D1": 1500, "D2": 12000}}]}`
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestUpdateCommand(t *testing.T) {
	dir := t.TempDir()
	fragilityPath := writeFile(t, dir, "fragility.json", fragilityJSON)
	exposurePath := writeFile(t, dir, "exposure.json", exposureJSON)
	intensityPath := writeFile(t, dir, "shakemap.geojson", intensityJSON)
	lossPath := writeFile(t, dir, "loss.json", lossJSON)
	out := filepath.Join(dir, "updated.json")
	summaryDir := filepath.Join(dir, "summary")

	err := newApp().Run([]string{"deus", "--log-level", "error", "--workers", "2",
		"update",
		"--exposure", exposurePath,
		"--schema", "SARA_v1.0",
		"--fragility", fragilityPath,
		"--intensity", intensityPath,
		"--loss", lossPath,
		"--output", out,
		"--summary-dir", summaryDir,
	})
	require.NoError(t, err)

	updated, err := exposure.LoadSnapshot(out, "SARA_v1.0")
	require.NoError(t, err)
	require.Len(t, updated.Cells, 2)
	assert.Equal(t, "a", updated.Cells[0].ID)
	assert.InDelta(t, 20, updated.Cells[0].Buildings(), 1e-9)
	assert.InDelta(t, 5, updated.Cells[1].Buildings(), 1e-9)
	assert.True(t, updated.Cells[0].LossValue.IsPositive())
	assert.Equal(t, "USD", updated.Cells[0].LossUnit)

	assert.FileExists(t, filepath.Join(summaryDir, summary.FeaturesFile))
	assert.FileExists(t, filepath.Join(summaryDir, summary.MetaFile))

	// chaining the output as the next input accumulates loss
	again := filepath.Join(dir, "updated2.json")
	err = newApp().Run([]string{"deus", "--log-level", "error",
		"update", "-e", out, "-s", "SARA_v1.0", "-f", fragilityPath, "-i", intensityPath, "--loss", lossPath, "-o", again,
	})
	require.NoError(t, err)
	second, err := exposure.LoadSnapshot(again, "SARA_v1.0")
	require.NoError(t, err)
	want := updated.Cells[0].CumLossValue.Add(second.Cells[0].LossValue)
	assert.True(t, second.Cells[0].CumLossValue.Equal(want))
}

func TestUpdateCommandErrors(t *testing.T) {
	dir := t.TempDir()
	fragilityPath := writeFile(t, dir, "fragility.json", fragilityJSON)
	exposurePath := writeFile(t, dir, "exposure.json", exposureJSON)
	intensityPath := writeFile(t, dir, "shakemap.geojson", intensityJSON)

	// no loss data
	err := newApp().Run([]string{"deus", "--log-level", "error", "update",
		"-e", exposurePath, "-s", "SARA_v1.0", "-f", fragilityPath, "-i", intensityPath, "-o", filepath.Join(dir, "x.json"),
	})
	assert.Error(t, err)

	// no fragility
	err = newApp().Run([]string{"deus", "--log-level", "error", "update",
		"-e", exposurePath, "-s", "SARA_v1.0", "-i", intensityPath, "-o", filepath.Join(dir, "x.json"),
	})
	assert.Error(t, err)
}

func TestSummaryAndFragilityCommands(t *testing.T) {
	dir := t.TempDir()
	fragilityPath := writeFile(t, dir, "fragility.json", fragilityJSON)
	exposurePath := writeFile(t, dir, "exposure.json", exposureJSON)

	require.NoError(t, newApp().Run([]string{"deus", "fragility", "-f", fragilityPath}))
	require.NoError(t, newApp().Run([]string{"deus", "fragility", "-f", fragilityPath, "--format", "json"}))

	out := filepath.Join(dir, "summary")
	require.NoError(t, newApp().Run([]string{"deus", "summary", "-e", exposurePath, "-o", out}))
	assert.FileExists(t, filepath.Join(out, summary.FeaturesFile))
}

func TestLatticeListsHighestTargetFirst(t *testing.T) {
	dir := t.TempDir()
	model, err := loadModel(writeFile(t, dir, "fragility.json", fragilityJSON))
	require.NoError(t, err)

	entries := lattice(model)
	require.NotEmpty(t, entries)
	for i := 1; i < len(entries); i++ {
		if entries[i].Taxonomy == entries[i-1].Taxonomy {
			assert.LessOrEqual(t, entries[i].To, entries[i-1].To)
		}
	}
}
