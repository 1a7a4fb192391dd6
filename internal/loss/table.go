// Package loss prices buildings by taxonomy and damage state.
package loss

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	deuserrors "deus/pkg/errors"
	"deus/pkg/units"
)

// Provider returns the monetary loss of a number of buildings in a damage state.
type Provider interface {
	Loss(schema, taxonomy string, damageState int, buildings float64) (decimal.Decimal, error)
	Currency() string
}

// Table is an in-memory Provider with one loss per building for each
// (schema, taxonomy, damage state).
type Table struct {
	currency string
	rates    map[string]map[string]map[int]decimal.Decimal
}

// NewTable creates an empty table in the given currency.
func NewTable(currency string) *Table {
	if currency == "" {
		currency = units.DefaultCurrency
	}
	return &Table{
		currency: currency,
		rates:    make(map[string]map[string]map[int]decimal.Decimal),
	}
}

// Add sets the loss per building.
func (t *Table) Add(schema, taxonomy string, damageState int, perBuilding decimal.Decimal) {
	s := normalizeSchema(schema)
	if t.rates[s] == nil {
		t.rates[s] = make(map[string]map[int]decimal.Decimal)
	}
	if t.rates[s][taxonomy] == nil {
		t.rates[s][taxonomy] = make(map[int]decimal.Decimal)
	}
	t.rates[s][taxonomy][damageState] = perBuilding
}

// Currency returns the currency all losses are expressed in.
func (t *Table) Currency() string {
	return t.currency
}

// Schemas returns the schemas with loss data in sorted order.
func (t *Table) Schemas() []string {
	result := make([]string, 0, len(t.rates))
	for s := range t.rates {
		result = append(result, s)
	}
	sort.Strings(result)
	return result
}

// Loss returns perBuilding * buildings. No buildings cost nothing, even without loss data.
func (t *Table) Loss(schema, taxonomy string, damageState int, buildings float64) (decimal.Decimal, error) {
	if buildings == 0 {
		return decimal.Zero, nil
	}
	rate, ok := t.rates[normalizeSchema(schema)][taxonomy][damageState]
	if !ok {
		return decimal.Zero, deuserrors.NewMissingLossError(schema, taxonomy, damageState)
	}
	return rate.Mul(decimal.NewFromFloat(buildings)), nil
}

func normalizeSchema(schema string) string {
	return strings.ToLower(strings.TrimSpace(schema))
}

// File is the on-disk loss data of one schema:
//
//	{"meta": {"id": "SARA_v1.0"}, "data": [{"taxonomy": "MUR1", "loss": {"D0": 0, "D1": 1200.5}}]}
type File struct {
	Meta struct {
		ID string `json:"id"`
	} `json:"meta"`
	Data []struct {
		Taxonomy string                     `json:"taxonomy"`
		Loss     map[string]decimal.Decimal `json:"loss"`
	} `json:"data"`
}

// AddFile merges a decoded loss file into the table.
func (t *Table) AddFile(f *File) error {
	if f.Meta.ID == "" {
		return fmt.Errorf("loss data has no schema id")
	}
	for i, record := range f.Data {
		if record.Taxonomy == "" {
			return fmt.Errorf("loss record %d has no taxonomy", i)
		}
		for label, value := range record.Loss {
			ds, err := units.ParseDamageState(label)
			if err != nil {
				return fmt.Errorf("loss record %d: %w", i, err)
			}
			t.Add(f.Meta.ID, record.Taxonomy, ds, value)
		}
	}
	return nil
}

// LoadFiles reads loss files into a single table.
func LoadFiles(paths []string, currency string) (*Table, error) {
	t := NewTable(currency)
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read loss data: %w", err)
		}
		var f File
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse loss data %s: %w", path, err)
		}
		if err := t.AddFile(&f); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return t, nil
}
