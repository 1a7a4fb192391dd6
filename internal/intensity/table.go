package intensity

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/quadtree"

	deuserrors "deus/pkg/errors"
	"deus/pkg/units"
)

// TableProvider answers lookups with the values of the nearest located record.
type TableProvider struct {
	geometries []orb.Geometry
	values     map[string][]float64
	units      map[string][]string

	// set when every record is a point
	index *quadtree.Quadtree
}

type indexedPoint struct {
	p   orb.Point
	idx int
}

func (ip indexedPoint) Point() orb.Point { return ip.p }

// NewTableProvider builds a table provider from parallel columns: one geometry per record and,
// per measure, one value and one unit per record.
func NewTableProvider(geometries []orb.Geometry, values map[string][]float64, unitsByMeasure map[string][]string) (*TableProvider, error) {
	n := len(geometries)
	if n == 0 {
		return nil, deuserrors.NewMalformedSourceError("intensity table has no records")
	}
	for i, g := range geometries {
		if g == nil {
			return nil, deuserrors.NewMalformedSourceError("intensity record %d has no geometry", i)
		}
	}

	t := &TableProvider{
		geometries: geometries,
		values:     make(map[string][]float64, len(values)),
		units:      make(map[string][]string, len(values)),
	}

	for measure, column := range values {
		m := units.Measure(measure)
		if _, dup := t.values[m]; dup {
			return nil, deuserrors.NewMalformedSourceError("intensity measure %s is declared twice", m)
		}
		if len(column) != n {
			return nil, deuserrors.NewMalformedSourceError("intensity measure %s has %d values for %d records", m, len(column), n)
		}
		unitColumn, ok := lookupColumn(unitsByMeasure, m)
		if !ok {
			return nil, deuserrors.NewMalformedSourceError("intensity measure %s has no unit column", m)
		}
		if len(unitColumn) != n {
			return nil, deuserrors.NewMalformedSourceError("intensity measure %s has %d units for %d records", m, len(unitColumn), n)
		}
		t.values[m] = column
		t.units[m] = unitColumn
	}
	for measure := range unitsByMeasure {
		if _, ok := t.values[units.Measure(measure)]; !ok {
			return nil, deuserrors.NewMalformedSourceError("intensity unit column %s has no values", measure)
		}
	}

	t.index = buildIndex(geometries)
	return t, nil
}

func lookupColumn(columns map[string][]string, measure string) ([]string, bool) {
	for k, v := range columns {
		if units.Measure(k) == measure {
			return v, true
		}
	}
	return nil, false
}

func buildIndex(geometries []orb.Geometry) *quadtree.Quadtree {
	points := make(orb.MultiPoint, 0, len(geometries))
	for _, g := range geometries {
		p, ok := g.(orb.Point)
		if !ok {
			return nil
		}
		points = append(points, p)
	}

	qt := quadtree.New(points.Bound().Pad(1e-9))
	for i, p := range points {
		if err := qt.Add(indexedPoint{p: p, idx: i}); err != nil {
			return nil
		}
	}
	return qt
}

// Len returns the number of records.
func (t *TableProvider) Len() int {
	return len(t.geometries)
}

// Measures returns the measures of the table in sorted order.
func (t *TableProvider) Measures() []string {
	result := make([]string, 0, len(t.values))
	for m := range t.values {
		result = append(result, m)
	}
	sort.Strings(result)
	return result
}

// Lookup returns all measures of the record closest to the location.
// A location inside a polygon record has distance zero to it.
func (t *TableProvider) Lookup(lon, lat float64) (Reading, error) {
	idx := t.nearest(orb.Point{lon, lat})

	reading := NewReading()
	for m, column := range t.values {
		reading.Set(m, column[idx], t.units[m][idx])
	}
	return reading, nil
}

func (t *TableProvider) nearest(p orb.Point) int {
	if t.index != nil {
		if found := t.index.Find(p); found != nil {
			return found.(indexedPoint).idx
		}
	}

	best, bestDist := 0, math.Inf(1)
	for i, g := range t.geometries {
		d := distance(g, p)
		if d < bestDist {
			best, bestDist = i, d
		}
		if d == 0 {
			break
		}
	}
	return best
}

func distance(g orb.Geometry, p orb.Point) float64 {
	switch geom := g.(type) {
	case orb.Point:
		return planar.Distance(geom, p)
	case orb.Polygon:
		if planar.PolygonContains(geom, p) {
			return 0
		}
	case orb.MultiPolygon:
		if planar.MultiPolygonContains(geom, p) {
			return 0
		}
	case orb.Bound:
		if geom.Contains(p) {
			return 0
		}
		return planar.DistanceFrom(geom.ToPolygon(), p)
	}
	return planar.DistanceFrom(g, p)
}
