// Package summary condenses an updated exposure snapshot into one flat row per cell plus
// run-wide totals, for map visualisation.
package summary

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/shopspring/decimal"

	"deus/internal/exposure"
	"deus/internal/schemamap"
	"deus/pkg/confidence"
)

// Output file names written by Write.
const (
	FeaturesFile = "summary.geojson"
	MetaFile     = "meta_summary.json"
)

// Row is the summary of one cell.
type Row struct {
	ID             string
	Geometry       orb.Geometry
	LossValue      decimal.Decimal
	CumLoss        decimal.Decimal
	Buildings      float64
	MeanTransition float64
	WeightedDamage float64

	// Custom holds generated short column names (c1, c2, ...) with JSON encoded values.
	Custom map[string]string
}

// Total aggregates all cells.
type Total struct {
	LossValue              decimal.Decimal         `json:"loss_value"`
	CumLoss                decimal.Decimal         `json:"cum_loss"`
	TransitionMatrix       map[int]map[int]float64 `json:"transition_matrix_from_damage_state"`
	BuildingsByDamageState map[int]float64         `json:"buildings_by_damage_state"`
}

// Meta is written next to the features and explains the custom columns.
type Meta struct {
	CustomColumns map[string]string `json:"custom_columns"`
	LossUnit      string            `json:"loss_unit"`
	CumLossUnit   string            `json:"cum_loss_unit"`
	Total         Total             `json:"total"`
}

// Summary is the condensed form of a snapshot.
type Summary struct {
	Rows []Row
	Meta Meta
}

// MeanTransition returns the mean over transitions of n*to - n*from, or 0 without transitions.
func MeanTransition(transitions []exposure.Transition) float64 {
	moved := make([]float64, len(transitions))
	for i, t := range transitions {
		moved[i] = t.Buildings*float64(t.ToState) - t.Buildings*float64(t.FromState)
	}
	return confidence.Mean(moved)
}

// WeightedDamage returns the building weighted mean damage state, or 0 without buildings.
func WeightedDamage(buckets []schemamap.Bucket) float64 {
	states := make([]float64, len(buckets))
	weights := make([]float64, len(buckets))
	for i, b := range buckets {
		states[i] = float64(b.DamageState)
		weights[i] = b.Buildings
	}
	return confidence.WeightedAverage(states, weights)
}

// columnNamer hands out short column names for long descriptive ones.
type columnNamer struct {
	prefix string
	count  int
	byLong map[string]string
}

func newColumnNamer(prefix string) *columnNamer {
	return &columnNamer{prefix: prefix, count: 1, byLong: make(map[string]string)}
}

func (n *columnNamer) name(long string) string {
	if short, ok := n.byLong[long]; ok {
		return short
	}
	short := fmt.Sprintf("%s%d", n.prefix, n.count)
	n.count++
	n.byLong[long] = short
	return short
}

// mapping returns short name -> long name.
func (n *columnNamer) mapping() map[string]string {
	result := make(map[string]string, len(n.byLong))
	for long, short := range n.byLong {
		result[short] = long
	}
	return result
}

// Build summarises a snapshot. Units come from the first cell that declares them.
func Build(snapshot *exposure.Snapshot) (*Summary, error) {
	columns := newColumnNamer("c")
	s := &Summary{
		Rows: make([]Row, 0, len(snapshot.Cells)),
		Meta: Meta{
			Total: Total{
				LossValue:              decimal.Zero,
				CumLoss:                decimal.Zero,
				TransitionMatrix:       make(map[int]map[int]float64),
				BuildingsByDamageState: make(map[int]float64),
			},
		},
	}
	total := &s.Meta.Total

	for _, cell := range snapshot.Cells {
		row := Row{
			ID:             cell.ID,
			Geometry:       cell.Geometry,
			LossValue:      cell.LossValue,
			CumLoss:        cell.CumLossValue,
			Buildings:      cell.Buildings(),
			MeanTransition: MeanTransition(cell.Transitions),
			WeightedDamage: WeightedDamage(cell.Buckets),
			Custom:         make(map[string]string),
		}
		total.LossValue = total.LossValue.Add(cell.LossValue)
		total.CumLoss = total.CumLoss.Add(cell.CumLossValue)
		if s.Meta.LossUnit == "" {
			s.Meta.LossUnit = cell.LossUnit
		}
		if s.Meta.CumLossUnit == "" {
			s.Meta.CumLossUnit = cell.CumLossUnit
		}

		matrix := make(map[int]map[int]float64)
		for _, t := range cell.Transitions {
			if matrix[t.FromState] == nil {
				matrix[t.FromState] = make(map[int]float64)
			}
			matrix[t.FromState][t.ToState] += t.Buildings
			if total.TransitionMatrix[t.FromState] == nil {
				total.TransitionMatrix[t.FromState] = make(map[int]float64)
			}
			total.TransitionMatrix[t.FromState][t.ToState] += t.Buildings
		}
		for _, from := range sortedKeys(matrix) {
			if err := row.set(columns, fmt.Sprintf("Transitions from damage state %d", from), matrix[from]); err != nil {
				return nil, err
			}
		}

		byTaxonomy := make(map[string]map[int]float64)
		var taxonomies []string
		for _, b := range cell.Buckets {
			if byTaxonomy[b.Taxonomy] == nil {
				byTaxonomy[b.Taxonomy] = make(map[int]float64)
				taxonomies = append(taxonomies, b.Taxonomy)
			}
			byTaxonomy[b.Taxonomy][b.DamageState] += b.Buildings
			total.BuildingsByDamageState[b.DamageState] += b.Buildings
		}
		for _, tax := range taxonomies {
			if err := row.set(columns, fmt.Sprintf("Buildings in %s per damage state", tax), byTaxonomy[tax]); err != nil {
				return nil, err
			}
		}

		s.Rows = append(s.Rows, row)
	}

	s.Meta.CustomColumns = columns.mapping()
	return s, nil
}

func (r *Row) set(columns *columnNamer, long string, value map[int]float64) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", long, err)
	}
	r.Custom[columns.name(long)] = string(data)
	return nil
}

func sortedKeys(m map[int]map[int]float64) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// FeatureCollection renders the rows. Every row carries every custom column, null where the
// cell has no value for it.
func (s *Summary) FeatureCollection() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, row := range s.Rows {
		f := geojson.NewFeature(row.Geometry)
		f.Properties["id"] = row.ID
		f.Properties["loss_value"] = json.Number(row.LossValue.String())
		f.Properties["cum_loss"] = json.Number(row.CumLoss.String())
		f.Properties["buildings"] = row.Buildings
		f.Properties["m_tran"] = row.MeanTransition
		f.Properties["w_damage"] = row.WeightedDamage
		for short := range s.Meta.CustomColumns {
			if v, ok := row.Custom[short]; ok {
				f.Properties[short] = v
			} else {
				f.Properties[short] = nil
			}
		}
		fc.Append(f)
	}
	return fc
}

// Write stores summary.geojson and meta_summary.json in dir, replacing existing files.
func Write(dir string, s *Summary) error {
	features, err := json.Marshal(s.FeatureCollection())
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, FeaturesFile), features, 0o644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}

	meta, err := json.Marshal(s.Meta)
	if err != nil {
		return fmt.Errorf("failed to encode summary meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, MetaFile), meta, 0o644); err != nil {
		return fmt.Errorf("failed to write summary meta: %w", err)
	}
	return nil
}
