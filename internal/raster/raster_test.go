package raster

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	deuserrors "deus/pkg/errors"
)

func testGrid(t *testing.T) *Grid {
	t.Helper()
	grid, err := NewGrid([][]float64{
		{17, 18, 19},
		{14, 15, 16},
		{11, 12, 13},
	}, FromBounds(14, 50, 16, 52, 2, 2), nil)
	require.NoError(t, err)
	return grid
}

func TestFromBounds(t *testing.T) {
	tr := FromBounds(14, 50, 16, 52, 2, 2)
	assert.Equal(t, 14.0, tr.OriginX)
	assert.Equal(t, 52.0, tr.OriginY)
	assert.Equal(t, 1.0, tr.PixelWidth)
	assert.Equal(t, -1.0, tr.PixelHeight)
}

func TestGridSample(t *testing.T) {
	grid := testGrid(t)

	tests := []struct {
		name   string
		x, y   float64
		want   float64
		inside bool
	}{
		{"center", 15, 51, 15, true},
		{"east column", 16, 51, 16, true},
		{"origin", 14, 52, 17, true},
		{"west of grid", 13, 50, 0, false},
		{"south of grid", 15, 48, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := grid.Sample(tt.x, tt.y)
			assert.Equal(t, tt.inside, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestGridFarEdge(t *testing.T) {
	grid := testGrid(t)
	b := grid.Bounds()
	assert.Equal(t, 17.0, b.Max[0])
	assert.Equal(t, 49.0, b.Min[1])

	got, ok := grid.Sample(17, 49)
	assert.True(t, ok)
	assert.Equal(t, 13.0, got)
}

func TestGridNoData(t *testing.T) {
	nodata := -9999.0
	grid, err := NewGrid([][]float64{{1, -9999}}, FromBounds(0, 0, 2, 1, 2, 1), &nodata)
	require.NoError(t, err)

	_, ok := grid.Sample(1.5, 0.5)
	assert.False(t, ok)
	v, ok := grid.Sample(0.5, 0.5)
	assert.True(t, ok)
	assert.Equal(t, 1.0, v)
}

func TestNewGridRejectsRaggedData(t *testing.T) {
	_, err := NewGrid([][]float64{{1, 2}, {3}}, FromBounds(0, 0, 2, 2, 2, 2), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, deuserrors.ErrMalformedSource))

	_, err = NewGrid(nil, FromBounds(0, 0, 2, 2, 2, 2), nil)
	assert.True(t, errors.Is(err, deuserrors.ErrMalformedSource))
}

func TestReadASC(t *testing.T) {
	src := `ncols 3
nrows 2
xllcorner 14.0
yllcorner 50.0
cellsize 1.0
NODATA_value -9999
1 2 3
4 -9999 6
`
	grid, err := ReadASC(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, 3, grid.Width())
	assert.Equal(t, 2, grid.Height())
	assert.Equal(t, 52.0, grid.Transform.OriginY)

	v, ok := grid.Sample(14.5, 51.5)
	assert.True(t, ok)
	assert.Equal(t, 1.0, v)

	_, ok = grid.Sample(15.5, 50.5)
	assert.False(t, ok)
}

func TestReadASCCenterHeader(t *testing.T) {
	src := "ncols 1\nnrows 1\nxllcenter 0.5\nyllcenter 0.5\ncellsize 1\n42\n"
	grid, err := ReadASC(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, 0.0, grid.Transform.OriginX)
	assert.Equal(t, 1.0, grid.Transform.OriginY)
	assert.Nil(t, grid.NoData)
}

func TestReadASCMalformed(t *testing.T) {
	tests := map[string]string{
		"row count":  "ncols 1\nnrows 2\nxllcorner 0\nyllcorner 0\ncellsize 1\n1\n",
		"bad value":  "ncols 1\nnrows 1\nxllcorner 0\nyllcorner 0\ncellsize 1\nabc\n",
		"no origin":  "ncols 1\nnrows 1\ncellsize 1\n1\n",
		"ragged row": "ncols 2\nnrows 2\nxllcorner 0\nyllcorner 0\ncellsize 1\n1 2\n3\n",
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ReadASC(strings.NewReader(src))
			assert.True(t, errors.Is(err, deuserrors.ErrMalformedSource), "got %v", err)
		})
	}
}

func TestReadASCRejectsBadHeader(t *testing.T) {
	const body = "xllcorner 0\nyllcorner 0\n"
	tests := []struct {
		name   string
		header string
		rows   string
	}{
		{"negative ncols", "ncols -3\nnrows 1\ncellsize 1\n", "1 2 3\n"},
		{"zero ncols", "ncols 0\nnrows 1\ncellsize 1\n", "1\n"},
		{"fractional ncols", "ncols 2.5\nnrows 1\ncellsize 1\n", "1 2\n"},
		{"huge ncols", "ncols 1e12\nnrows 1\ncellsize 1\n", "1\n"},
		{"negative nrows", "ncols 1\nnrows -1\ncellsize 1\n", "1\n"},
		{"fractional nrows", "ncols 1\nnrows 1.5\ncellsize 1\n", "1\n"},
		{"nan nrows", "ncols 1\nnrows NaN\ncellsize 1\n", "1\n"},
		{"zero cellsize", "ncols 1\nnrows 1\ncellsize 0\n", "1\n"},
		{"negative cellsize", "ncols 1\nnrows 1\ncellsize -1\n", "1\n"},
		{"header only", "ncols -1\nnrows 1\ncellsize 1\n", ""},
		{"short rows", "ncols 3\nnrows 2\ncellsize 1\n", "1 2\n3 4\n"},
		{"long row", "ncols 2\nnrows 1\ncellsize 1\n", "1 2 3\n"},
		{"extra row", "ncols 1\nnrows 1\ncellsize 1\n", "1\n2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var grid *Grid
			var err error
			require.NotPanics(t, func() {
				grid, err = ReadASC(strings.NewReader(tt.header + body + tt.rows))
			})
			assert.Nil(t, grid)
			assert.True(t, errors.Is(err, deuserrors.ErrMalformedSource), "got %v", err)
		})
	}
}

func TestLoadASC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pressure.asc")
	require.NoError(t, os.WriteFile(path, []byte("ncols 1\nnrows 1\nxllcorner 0\nyllcorner 0\ncellsize 1\n7\n"), 0o644))

	grid, err := LoadASC(path)
	require.NoError(t, err)
	assert.Equal(t, 7.0, grid.Data[0][0])

	_, err = LoadASC(filepath.Join(t.TempDir(), "missing.asc"))
	assert.Error(t, err)
}

func TestParseCRS(t *testing.T) {
	tests := []struct {
		code  string
		want  string
		zone  int
		south bool
	}{
		{"EPSG:32719", "EPSG:32719", 19, true},
		{"epsg:32633", "EPSG:32633", 33, false},
		{"epsg:24877", "EPSG:24877", 17, true},
		{"24818", "EPSG:24818", 18, false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			tr, err := ParseCRS(tt.code)
			require.NoError(t, err)
			assert.Equal(t, tt.want, tr.Code())
			utm, ok := tr.(*UTM)
			require.True(t, ok)
			assert.Equal(t, tt.zone, utm.Zone())
			assert.Equal(t, tt.south, utm.South())
		})
	}

	id, err := ParseCRS("EPSG:4326")
	require.NoError(t, err)
	x, y := id.Forward(-78.5, -0.7)
	assert.Equal(t, -78.5, x)
	assert.Equal(t, -0.7, y)

	_, err = ParseCRS("EPSG:3857")
	assert.Error(t, err)
	_, err = ParseCRS("not a code")
	assert.Error(t, err)
}

func TestUTMForward(t *testing.T) {
	north, err := ParseCRS("EPSG:32631")
	require.NoError(t, err)

	// on the central meridian at the equator
	x, y := north.Forward(3, 0)
	assert.InDelta(t, 500000, x, 1e-3)
	assert.InDelta(t, 0, y, 1e-3)

	// symmetric around the central meridian
	xe, ye := north.Forward(4, 45)
	xw, yw := north.Forward(2, 45)
	assert.InDelta(t, 1000000, xe+xw, 1e-2)
	assert.InDelta(t, ye, yw, 1e-2)
	assert.Greater(t, ye, 4900000.0)
	assert.Less(t, ye, 5000000.0)

	south, err := ParseCRS("EPSG:32731")
	require.NoError(t, err)
	_, ys := south.Forward(4, -45)
	assert.InDelta(t, 10000000, ye+ys, 1e-2)

	// one degree of longitude at the equator is about 111 km
	x1, _ := north.Forward(4, 0)
	assert.InDelta(t, 611000, x1, 1000)
}

func TestPSAD56AppliesDatumShift(t *testing.T) {
	psad, err := ParseCRS("EPSG:24877")
	require.NoError(t, err)
	wgs, err := ParseCRS("EPSG:32717")
	require.NoError(t, err)

	// near Cotopaxi the PSAD56 grid sits a few hundred meters off WGS84
	xp, yp := psad.Forward(-78.48, -0.744)
	xw, yw := wgs.Forward(-78.48, -0.744)
	assert.Greater(t, math.Abs(yp-yw), 100.0)
	assert.InDelta(t, xw, xp, 1000)
	assert.InDelta(t, yw, yp, 1000)

	// same datum in both hemispheres, only the false northing differs
	psadNorth, err := ParseCRS("EPSG:24817")
	require.NoError(t, err)
	xn, yn := psadNorth.Forward(-78.48, 0.5)
	xs, ys := psad.Forward(-78.48, 0.5)
	assert.InDelta(t, xn, xs, 1e-6)
	assert.InDelta(t, 10000000, ys-yn, 1e-6)
}
