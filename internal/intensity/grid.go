package intensity

import (
	"deus/internal/raster"
	"deus/pkg/units"
)

// GridProvider samples one measure out of a raster grid.
// Locations outside the grid or on no-data pixels yield the not-available value.
type GridProvider struct {
	grid         *raster.Grid
	measure      string
	unit         string
	transformer  raster.Transformer
	notAvailable float64
}

// GridOption configures a GridProvider.
type GridOption func(*GridProvider)

// WithTransformer reprojects lookup locations into the grid's coordinate system.
func WithTransformer(t raster.Transformer) GridOption {
	return func(p *GridProvider) {
		p.transformer = t
	}
}

// WithNotAvailable sets the value returned outside the grid. Defaults to 0.
func WithNotAvailable(v float64) GridOption {
	return func(p *GridProvider) {
		p.notAvailable = v
	}
}

// NewGridProvider exposes grid values as measure with a fixed unit.
func NewGridProvider(grid *raster.Grid, measure, unit string, opts ...GridOption) *GridProvider {
	p := &GridProvider{
		grid:    grid,
		measure: units.Measure(measure),
		unit:    unit,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *GridProvider) Lookup(lon, lat float64) (Reading, error) {
	x, y := lon, lat
	if p.transformer != nil {
		x, y = p.transformer.Forward(lon, lat)
	}

	value, ok := p.grid.Sample(x, y)
	if !ok {
		value = p.notAvailable
	}

	reading := NewReading()
	reading.Set(p.measure, value, p.unit)
	return reading, nil
}
