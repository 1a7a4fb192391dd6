package exposure

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/paulmach/orb/geojson"
	"github.com/shopspring/decimal"

	"deus/internal/schemamap"
	deuserrors "deus/pkg/errors"
	"deus/pkg/units"
)

// Property names of exposure features.
const (
	PropID           = "gid"
	PropExpo         = "expo"
	PropLossValue    = "loss_value"
	PropCumLossValue = "cum_loss_value"
	PropLossUnit     = "loss_unit"
	PropCumLossUnit  = "cum_loss_unit"
	PropTransitions  = "transitions"
)

var reserved = map[string]bool{
	PropID: true, PropExpo: true, PropLossValue: true, PropCumLossValue: true,
	PropLossUnit: true, PropCumLossUnit: true, PropTransitions: true,
}

// expo holds the buckets of a cell as parallel columns, damage states labelled "D<n>".
type expo struct {
	Taxonomy  []string  `json:"Taxonomy"`
	Damage    []string  `json:"Damage"`
	Buildings []float64 `json:"Buildings"`
}

type transitions struct {
	FromDamageState []int     `json:"from_damage_state"`
	ToDamageState   []int     `json:"to_damage_state"`
	NBuildings      []float64 `json:"n_buildings"`
}

// ReadSnapshot decodes an exposure FeatureCollection. schema names the vocabulary of its taxonomies.
func ReadSnapshot(data []byte, schema string) (*Snapshot, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse exposure: %w", err)
	}

	snapshot := &Snapshot{Schema: schema, Cells: make([]*Cell, 0, len(fc.Features))}
	seen := make(map[string]bool, len(fc.Features))
	for i, f := range fc.Features {
		cell, err := decodeCell(f)
		if err != nil {
			return nil, fmt.Errorf("exposure feature %d: %w", i, err)
		}
		if seen[cell.ID] {
			return nil, fmt.Errorf("exposure feature %d: duplicate cell id %s", i, cell.ID)
		}
		seen[cell.ID] = true
		snapshot.Cells = append(snapshot.Cells, cell)
	}
	return snapshot, nil
}

// LoadSnapshot reads an exposure file.
func LoadSnapshot(path, schema string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read exposure: %w", err)
	}
	return ReadSnapshot(data, schema)
}

func decodeCell(f *geojson.Feature) (*Cell, error) {
	if f.Geometry == nil {
		return nil, fmt.Errorf("feature has no geometry")
	}

	cell := &Cell{
		ID:           cellID(f),
		Geometry:     f.Geometry,
		LossValue:    decimal.Zero,
		CumLossValue: decimal.Zero,
		Properties:   make(map[string]any),
	}

	var e expo
	if err := decodeProperty(f.Properties, PropExpo, &e); err != nil {
		return nil, err
	}
	if len(e.Taxonomy) != len(e.Damage) || len(e.Taxonomy) != len(e.Buildings) {
		return nil, deuserrors.NewMalformedSourceError("expo columns differ in length (%d taxonomies, %d damage states, %d buildings)",
			len(e.Taxonomy), len(e.Damage), len(e.Buildings))
	}
	for i := range e.Taxonomy {
		ds, err := units.ParseDamageState(e.Damage[i])
		if err != nil {
			return nil, err
		}
		if e.Buildings[i] < 0 {
			return nil, fmt.Errorf("negative building count %g for %s", e.Buildings[i], e.Taxonomy[i])
		}
		cell.Buckets = append(cell.Buckets, schemamap.Bucket{Taxonomy: e.Taxonomy[i], DamageState: ds, Buildings: e.Buildings[i]})
	}

	var err error
	if cell.LossValue, err = decimalProperty(f.Properties, PropLossValue); err != nil {
		return nil, err
	}
	if cell.CumLossValue, err = decimalProperty(f.Properties, PropCumLossValue); err != nil {
		return nil, err
	}
	cell.LossUnit, _ = f.Properties[PropLossUnit].(string)
	cell.CumLossUnit, _ = f.Properties[PropCumLossUnit].(string)

	if _, ok := f.Properties[PropTransitions]; ok {
		var tr transitions
		if err := decodeProperty(f.Properties, PropTransitions, &tr); err != nil {
			return nil, err
		}
		if len(tr.FromDamageState) != len(tr.ToDamageState) || len(tr.FromDamageState) != len(tr.NBuildings) {
			return nil, deuserrors.NewMalformedSourceError("transition columns differ in length")
		}
		for i := range tr.FromDamageState {
			cell.Transitions = append(cell.Transitions, Transition{
				FromState: tr.FromDamageState[i],
				ToState:   tr.ToDamageState[i],
				Buildings: tr.NBuildings[i],
			})
		}
	}

	for k, v := range f.Properties {
		if !reserved[k] {
			cell.Properties[k] = v
		}
	}
	return cell, nil
}

// cellID prefers the gid property, then the feature id, and generates one otherwise.
func cellID(f *geojson.Feature) string {
	for _, v := range []any{f.Properties[PropID], f.ID} {
		switch id := v.(type) {
		case string:
			if id != "" {
				return id
			}
		case float64:
			return strconv.FormatFloat(id, 'f', -1, 64)
		case json.Number:
			return id.String()
		}
	}
	return uuid.NewString()
}

// decodeProperty converts a nested property (an object or a JSON encoded string) into v.
func decodeProperty(props geojson.Properties, key string, v any) error {
	raw, ok := props[key]
	if !ok || raw == nil {
		return fmt.Errorf("missing property %s", key)
	}
	var data []byte
	if s, ok := raw.(string); ok {
		data = []byte(s)
	} else {
		var err error
		if data, err = json.Marshal(raw); err != nil {
			return fmt.Errorf("invalid property %s: %w", key, err)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid property %s: %w", key, err)
	}
	return nil
}

func decimalProperty(props geojson.Properties, key string) (decimal.Decimal, error) {
	switch v := props[key].(type) {
	case nil:
		return decimal.Zero, nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid %s: %w", key, err)
		}
		return d, nil
	default:
		return decimal.Zero, fmt.Errorf("invalid %s: %v", key, v)
	}
}

// MarshalSnapshot encodes a snapshot as a FeatureCollection in cell order.
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	for _, c := range s.Cells {
		fc.Append(encodeCell(c))
	}
	return json.Marshal(fc)
}

// WriteSnapshot writes a snapshot to path, replacing an existing file.
func WriteSnapshot(path string, s *Snapshot) error {
	data, err := MarshalSnapshot(s)
	if err != nil {
		return fmt.Errorf("failed to encode exposure: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write exposure: %w", err)
	}
	return nil
}

func encodeCell(c *Cell) *geojson.Feature {
	f := geojson.NewFeature(c.Geometry)
	for k, v := range c.Properties {
		f.Properties[k] = v
	}

	e := expo{
		Taxonomy:  make([]string, len(c.Buckets)),
		Damage:    make([]string, len(c.Buckets)),
		Buildings: make([]float64, len(c.Buckets)),
	}
	for i, b := range c.Buckets {
		e.Taxonomy[i] = b.Taxonomy
		e.Damage[i] = units.FormatDamageState(b.DamageState)
		e.Buildings[i] = b.Buildings
	}

	tr := transitions{
		FromDamageState: make([]int, len(c.Transitions)),
		ToDamageState:   make([]int, len(c.Transitions)),
		NBuildings:      make([]float64, len(c.Transitions)),
	}
	for i, t := range c.Transitions {
		tr.FromDamageState[i] = t.FromState
		tr.ToDamageState[i] = t.ToState
		tr.NBuildings[i] = t.Buildings
	}

	f.Properties[PropID] = c.ID
	f.Properties[PropExpo] = e
	f.Properties[PropLossValue] = json.Number(c.LossValue.String())
	f.Properties[PropCumLossValue] = json.Number(c.CumLossValue.String())
	f.Properties[PropLossUnit] = c.LossUnit
	f.Properties[PropCumLossUnit] = c.CumLossUnit
	f.Properties[PropTransitions] = tr
	return f
}
