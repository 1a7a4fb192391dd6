// Package intensity answers "which hazard intensities apply at this location?".
//
// Providers come in two base variants (located record tables and raster grids) and two
// decorators (aliases and stacks) that compose them into one lookup.
package intensity

import (
	"sort"

	"deus/pkg/units"
)

// Reading holds the intensity values and units at one location, keyed by canonical measure name.
// Every key in Values has a matching key in Units.
type Reading struct {
	Values map[string]float64 `json:"values"`
	Units  map[string]string  `json:"units"`
}

// NewReading returns an empty reading.
func NewReading() Reading {
	return Reading{
		Values: make(map[string]float64),
		Units:  make(map[string]string),
	}
}

// Set stores a value and its unit under the canonical form of measure.
func (r Reading) Set(measure string, value float64, unit string) {
	m := units.Measure(measure)
	r.Values[m] = value
	r.Units[m] = unit
}

// Get returns the value and unit of a measure.
func (r Reading) Get(measure string) (float64, string, bool) {
	m := units.Measure(measure)
	v, ok := r.Values[m]
	if !ok {
		return 0, "", false
	}
	u, ok := r.Units[m]
	return v, u, ok
}

// Has reports whether the reading contains the measure.
func (r Reading) Has(measure string) bool {
	_, _, ok := r.Get(measure)
	return ok
}

// Merge copies all measures of other into r, overwriting existing ones.
func (r Reading) Merge(other Reading) {
	for m, v := range other.Values {
		r.Values[m] = v
		r.Units[m] = other.Units[m]
	}
}

// Measures returns the measure names in sorted order.
func (r Reading) Measures() []string {
	result := make([]string, 0, len(r.Values))
	for m := range r.Values {
		result = append(result, m)
	}
	sort.Strings(result)
	return result
}

// Provider looks up the intensity reading for a lon/lat location (EPSG:4326).
// Implementations are read-only after construction and safe for concurrent use.
type Provider interface {
	Lookup(lon, lat float64) (Reading, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(lon, lat float64) (Reading, error)

// Lookup calls f(lon, lat).
func (f ProviderFunc) Lookup(lon, lat float64) (Reading, error) {
	return f(lon, lat)
}
