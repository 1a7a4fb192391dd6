package intensity

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	deuserrors "deus/pkg/errors"
)

const (
	valuePrefix = "value_"
	unitPrefix  = "unit_"
)

// ParseTableGeoJSON builds a table provider from a FeatureCollection whose properties carry
// value_<measure> and unit_<measure> pairs.
func ParseTableGeoJSON(data []byte) (*TableProvider, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, deuserrors.NewMalformedSourceError("invalid intensity geojson: %v", err)
	}

	measures := make(map[string]bool)
	for _, f := range fc.Features {
		for key := range f.Properties {
			if strings.HasPrefix(key, valuePrefix) {
				measures[strings.TrimPrefix(key, valuePrefix)] = true
			}
		}
	}
	names := make([]string, 0, len(measures))
	for m := range measures {
		names = append(names, m)
	}
	sort.Strings(names)

	geometries := make([]orb.Geometry, len(fc.Features))
	values := make(map[string][]float64, len(names))
	unitColumns := make(map[string][]string, len(names))

	for i, f := range fc.Features {
		geometries[i] = f.Geometry
		for _, m := range names {
			v, err := numberProperty(f.Properties, valuePrefix+m)
			if err != nil {
				return nil, deuserrors.NewMalformedSourceError("intensity feature %d: %v", i, err)
			}
			u, ok := f.Properties[unitPrefix+m].(string)
			if !ok {
				return nil, deuserrors.NewMalformedSourceError("intensity feature %d has no %s%s", i, unitPrefix, m)
			}
			values[m] = append(values[m], v)
			unitColumns[m] = append(unitColumns[m], u)
		}
	}

	return NewTableProvider(geometries, values, unitColumns)
}

// ColumnOptions selects one numeric property as a measure with a fixed unit,
// e.g. the FEB2008 ash load column in kPa exposed as LOAD.
type ColumnOptions struct {
	Column string
	Name   string
	Unit   string
}

// ParseColumnGeoJSON builds a table provider from a single property column with a fixed unit.
func ParseColumnGeoJSON(data []byte, opts ColumnOptions) (*TableProvider, error) {
	if opts.Column == "" || opts.Name == "" || opts.Unit == "" {
		return nil, fmt.Errorf("column, name and unit are required for column intensity tables")
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, deuserrors.NewMalformedSourceError("invalid intensity geojson: %v", err)
	}

	geometries := make([]orb.Geometry, len(fc.Features))
	column := make([]float64, len(fc.Features))
	unitColumn := make([]string, len(fc.Features))
	for i, f := range fc.Features {
		v, err := numberProperty(f.Properties, opts.Column)
		if err != nil {
			return nil, deuserrors.NewMalformedSourceError("intensity feature %d: %v", i, err)
		}
		geometries[i] = f.Geometry
		column[i] = v
		unitColumn[i] = opts.Unit
	}

	return NewTableProvider(geometries,
		map[string][]float64{opts.Name: column},
		map[string][]string{opts.Name: unitColumn})
}

func numberProperty(props geojson.Properties, key string) (float64, error) {
	raw, ok := props[key]
	if !ok || raw == nil {
		return 0, fmt.Errorf("missing property %s", key)
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case json.Number:
		return v.Float64()
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("property %s is not a number", key)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("property %s is not a number", key)
	}
}
