package postgres

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRows struct {
	rows [][]any
	pos  int
	err  error
}

func (f *fakeRows) Next() bool {
	if f.pos >= len(f.rows) {
		return false
	}
	f.pos++
	return true
}

func (f *fakeRows) Scan(dest ...any) error {
	row := f.rows[f.pos-1]
	*dest[0].(*string) = row[0].(string)
	*dest[1].(*string) = row[1].(string)
	*dest[2].(*int) = row[2].(int)
	return dest[3].(*decimal.Decimal).Scan(row[3])
}

func (f *fakeRows) Err() error { return f.err }

func TestReadRates(t *testing.T) {
	rows := &fakeRows{rows: [][]any{
		{"SARA_v1.0", "MUR1", 1, "100.50"},
		{"SARA_v1.0", "MUR1", 2, []byte("250")},
		{"SUPPASRI_2013", "RC", 3, 1000.0},
	}}

	table, err := readRates(rows, "USD")
	require.NoError(t, err)
	assert.Equal(t, []string{"sara_v1.0", "suppasri_2013"}, table.Schemas())

	got, err := table.Loss("SARA_v1.0", "MUR1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, "201", got.String())

	got, err = table.Loss("SUPPASRI_2013", "RC", 3, 1)
	require.NoError(t, err)
	assert.Equal(t, "1000", got.String())
}

func TestReadRatesErrors(t *testing.T) {
	_, err := readRates(&fakeRows{rows: [][]any{{"s", "t", -1, "1"}}}, "USD")
	assert.Error(t, err)

	_, err = readRates(&fakeRows{err: errors.New("connection reset")}, "USD")
	assert.Error(t, err)

	_, err = readRates(&fakeRows{rows: [][]any{{"s", "t", 1, "abc"}}}, "USD")
	assert.Error(t, err)
}
