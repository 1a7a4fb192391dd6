package intensity

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"deus/internal/raster"
)

// Source types understood by Build.
const (
	SourceGeoJSON       = "geojson"
	SourceGeoJSONColumn = "geojson-column"
	SourceASCGrid       = "asc"
)

// SourceSpec declares one intensity layer.
type SourceSpec struct {
	Type string `yaml:"type" json:"type"`
	Path string `yaml:"path" json:"path"`

	// Measure and Unit name the values of column tables and grids.
	Measure string `yaml:"measure,omitempty" json:"measure,omitempty"`
	Unit    string `yaml:"unit,omitempty" json:"unit,omitempty"`
	Column  string `yaml:"column,omitempty" json:"column,omitempty"`

	// grids only
	CRS          string  `yaml:"crs,omitempty" json:"crs,omitempty"`
	NotAvailable float64 `yaml:"not_available,omitempty" json:"not_available,omitempty"`
}

// SourceReader fetches the raw bytes of a source location (file path or URL).
type SourceReader interface {
	ReadSource(ctx context.Context, location string) ([]byte, error)
}

// Build loads every source, stacks them in declaration order and applies aliases on top.
func Build(ctx context.Context, reader SourceReader, specs []SourceSpec, aliases map[string][]string) (Provider, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("no intensity sources configured")
	}

	layers := make([]Provider, 0, len(specs))
	for i, spec := range specs {
		data, err := reader.ReadSource(ctx, spec.Path)
		if err != nil {
			return nil, fmt.Errorf("intensity source %d: %w", i, err)
		}
		layer, err := BuildSource(spec, data)
		if err != nil {
			return nil, fmt.Errorf("intensity source %d (%s): %w", i, spec.Path, err)
		}
		layers = append(layers, layer)
	}

	var provider Provider = NewStackProvider(layers...)
	if len(layers) == 1 {
		provider = layers[0]
	}
	if len(aliases) > 0 {
		provider = NewAliasProvider(provider, aliases)
	}
	return provider, nil
}

// BuildSource turns already fetched source bytes into a provider.
func BuildSource(spec SourceSpec, data []byte) (Provider, error) {
	switch strings.ToLower(spec.Type) {
	case SourceGeoJSON, "":
		return ParseTableGeoJSON(data)

	case SourceGeoJSONColumn:
		return ParseColumnGeoJSON(data, ColumnOptions{
			Column: spec.Column,
			Name:   spec.Measure,
			Unit:   spec.Unit,
		})

	case SourceASCGrid:
		if spec.Measure == "" || spec.Unit == "" {
			return nil, fmt.Errorf("measure and unit are required for grid sources")
		}
		grid, err := raster.ReadASC(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		opts := []GridOption{WithNotAvailable(spec.NotAvailable)}
		if spec.CRS != "" {
			tr, err := raster.ParseCRS(spec.CRS)
			if err != nil {
				return nil, err
			}
			grid.CRS = tr.Code()
			opts = append(opts, WithTransformer(tr))
		}
		return NewGridProvider(grid, spec.Measure, spec.Unit, opts...), nil

	default:
		return nil, fmt.Errorf("unknown intensity source type %q", spec.Type)
	}
}
