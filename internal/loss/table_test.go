package loss

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	deuserrors "deus/pkg/errors"
)

func TestTableLoss(t *testing.T) {
	table := NewTable("")
	assert.Equal(t, "USD", table.Currency())

	table.Add("SARA_v1.0", "MUR1", 2, decimal.RequireFromString("1500.25"))

	got, err := table.Loss("sara_v1.0", "MUR1", 2, 4)
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.RequireFromString("6001")), "got %s", got)

	got, err = table.Loss("SARA_v1.0", "MUR1", 2, 0.5)
	require.NoError(t, err)
	assert.Equal(t, "750.125", got.String())

	got, err = table.Loss("SARA_v1.0", "W1", 1, 0)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = table.Loss("SARA_v1.0", "W1", 1, 2)
	require.True(t, errors.Is(err, deuserrors.ErrMissingLoss))
	var de *deuserrors.DamageError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "W1", de.Taxonomy)
}

func TestLoadFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sara.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"meta": {"id": "SARA_v1.0"},
		"data": [
			{"taxonomy": "MUR1", "loss": {"D0": 0, "D1": 100, "D2": "250.5"}},
			{"taxonomy": "CR", "loss": {"D0": 0, "D1": 300}}
		]
	}`), 0o644))

	table, err := LoadFiles([]string{path}, "EUR")
	require.NoError(t, err)
	assert.Equal(t, "EUR", table.Currency())
	assert.Equal(t, []string{"sara_v1.0"}, table.Schemas())

	got, err := table.Loss("SARA_v1.0", "MUR1", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, "501", got.String())

	got, err = table.Loss("SARA_v1.0", "CR", 0, 10)
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestLoadFilesErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		return p
	}

	tests := map[string]string{
		"no schema":   `{"meta":{},"data":[]}`,
		"no taxonomy": `{"meta":{"id":"x"},"data":[{"loss":{"D0":1}}]}`,
		"bad label":   `{"meta":{"id":"x"},"data":[{"taxonomy":"A","loss":{"slight":1}}]}`,
		"not json":    `{`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFiles([]string{write(name+".json", content)}, "USD")
			assert.Error(t, err)
		})
	}

	_, err := LoadFiles([]string{filepath.Join(dir, "missing.json")}, "USD")
	assert.Error(t, err)
}
