// Package exposure advances building stock snapshots by one hazard event.
//
// For every cell the engine looks up the hazard intensity, redistributes the buildings of each
// taxonomy over the damage states of the fragility model and prices the result.
package exposure

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/shopspring/decimal"

	"deus/internal/schemamap"
)

// Cell is one spatial unit of building stock.
type Cell struct {
	ID       string
	Geometry orb.Geometry

	// Buckets are expressed in the exposure schema.
	Buckets []schemamap.Bucket

	LossValue    decimal.Decimal
	CumLossValue decimal.Decimal
	LossUnit     string
	CumLossUnit  string

	// Transitions of the last update, in the fragility schema.
	Transitions []Transition

	// Properties not interpreted by the engine, written back unchanged.
	Properties map[string]any
}

// Transition is a number of buildings moving from one damage state to a higher one.
type Transition struct {
	FromState int     `json:"from_damage_state"`
	ToState   int     `json:"to_damage_state"`
	Buildings float64 `json:"n_buildings"`
}

// Snapshot is an exposure model at one point in a chain of events.
type Snapshot struct {
	Schema string
	Cells  []*Cell
}

// ReferencePoint returns the location used for intensity lookups: the point itself or the
// centroid of lines and areas.
func (c *Cell) ReferencePoint() orb.Point {
	if p, ok := c.Geometry.(orb.Point); ok {
		return p
	}
	centroid, _ := planar.CentroidArea(c.Geometry)
	return centroid
}

// Buildings returns the total number of buildings in the cell.
func (c *Cell) Buildings() float64 {
	var total float64
	for _, b := range c.Buckets {
		total += b.Buildings
	}
	return total
}

// Clone returns a deep copy of the cell. The geometry is shared since it is never modified.
func (c *Cell) Clone() *Cell {
	clone := *c
	clone.Buckets = append([]schemamap.Bucket(nil), c.Buckets...)
	clone.Transitions = append([]Transition(nil), c.Transitions...)
	if c.Properties != nil {
		clone.Properties = make(map[string]any, len(c.Properties))
		for k, v := range c.Properties {
			clone.Properties[k] = v
		}
	}
	return &clone
}
