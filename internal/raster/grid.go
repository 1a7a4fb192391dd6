// Package raster provides single band grids with an affine georeference.
package raster

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"

	deuserrors "deus/pkg/errors"
)

// GeoTransform maps pixel space to coordinates.
// North-up grids have a negative PixelHeight.
type GeoTransform struct {
	OriginX     float64
	OriginY     float64
	PixelWidth  float64
	PixelHeight float64
}

// FromBounds returns the transform that spreads width x height pixels over the given box.
func FromBounds(west, south, east, north float64, width, height int) GeoTransform {
	return GeoTransform{
		OriginX:     west,
		OriginY:     north,
		PixelWidth:  (east - west) / float64(width),
		PixelHeight: (south - north) / float64(height),
	}
}

// Grid is a single band raster.
type Grid struct {
	Data      [][]float64
	Transform GeoTransform
	NoData    *float64
	CRS       string
}

// NewGrid validates that data is rectangular and non-empty.
func NewGrid(data [][]float64, transform GeoTransform, noData *float64) (*Grid, error) {
	if len(data) == 0 || len(data[0]) == 0 {
		return nil, deuserrors.NewMalformedSourceError("grid has no cells")
	}
	width := len(data[0])
	for i, row := range data {
		if len(row) != width {
			return nil, deuserrors.NewMalformedSourceError("grid row %d has %d columns, expected %d", i, len(row), width)
		}
	}
	if transform.PixelWidth == 0 || transform.PixelHeight == 0 {
		return nil, deuserrors.NewMalformedSourceError("grid transform has zero pixel size")
	}
	return &Grid{Data: data, Transform: transform, NoData: noData}, nil
}

func (g *Grid) Width() int  { return len(g.Data[0]) }
func (g *Grid) Height() int { return len(g.Data) }

// Bounds returns the bounding box covered by the grid.
func (g *Grid) Bounds() orb.Bound {
	t := g.Transform
	x0, x1 := t.OriginX, t.OriginX+t.PixelWidth*float64(g.Width())
	y0, y1 := t.OriginY, t.OriginY+t.PixelHeight*float64(g.Height())
	return orb.Bound{
		Min: orb.Point{math.Min(x0, x1), math.Min(y0, y1)},
		Max: orb.Point{math.Max(x0, x1), math.Max(y0, y1)},
	}
}

// Contains reports whether (x, y) lies within the bounding box, edges included.
func (g *Grid) Contains(x, y float64) bool {
	return g.Bounds().Contains(orb.Point{x, y})
}

// Index returns the (row, col) of the pixel covering (x, y), flooring like rasterio does.
func (g *Grid) Index(x, y float64) (int, int) {
	t := g.Transform
	col := int(math.Floor((x - t.OriginX) / t.PixelWidth))
	row := int(math.Floor((y - t.OriginY) / t.PixelHeight))
	return row, col
}

// Sample returns the value at (x, y). ok is false when the point is outside the grid
// or the pixel holds the no-data value.
func (g *Grid) Sample(x, y float64) (float64, bool) {
	if !g.Contains(x, y) {
		return 0, false
	}
	row, col := g.Index(x, y)
	// the far edges belong to the box but index one past the last pixel
	if row == g.Height() {
		row--
	}
	if col == g.Width() {
		col--
	}
	if row < 0 || col < 0 || row >= g.Height() || col >= g.Width() {
		return 0, false
	}

	v := g.Data[row][col]
	if g.IsNoData(v) {
		return 0, false
	}
	return v, true
}

// IsNoData reports whether v is the configured no-data value (or NaN).
func (g *Grid) IsNoData(v float64) bool {
	if math.IsNaN(v) {
		return true
	}
	return g.NoData != nil && v == *g.NoData
}

func (g *Grid) String() string {
	return fmt.Sprintf("grid %dx%d %v", g.Width(), g.Height(), g.Bounds())
}
