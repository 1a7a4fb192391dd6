package raster

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	deuserrors "deus/pkg/errors"
)

// ReadASC parses an ESRI ASCII grid.
//
//	ncols 3
//	nrows 2
//	xllcorner 14.0
//	yllcorner 50.0
//	cellsize 1.0
//	NODATA_value -9999
//	1 2 3
//	4 5 6
func ReadASC(r io.Reader) (*Grid, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	header := make(map[string]float64)
	var data [][]float64
	var cols, rows int

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		// header lines start with a keyword, data lines with a number
		if _, err := strconv.ParseFloat(fields[0], 64); err != nil && data == nil {
			if len(fields) != 2 {
				return nil, deuserrors.NewMalformedSourceError("invalid ascii grid header line %q", scanner.Text())
			}
			v, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				return nil, deuserrors.NewMalformedSourceError("invalid ascii grid header value %q", fields[1])
			}
			header[strings.ToLower(fields[0])] = v
			continue
		}

		if data == nil {
			var err error
			if cols, rows, err = dimensions(header); err != nil {
				return nil, err
			}
			data = make([][]float64, 0, rows)
		}
		if len(data) == rows {
			return nil, deuserrors.NewMalformedSourceError("ascii grid declares %d rows, found more", rows)
		}
		if len(fields) != cols {
			return nil, deuserrors.NewMalformedSourceError("ascii grid row %d has %d values, ncols is %d", len(data)+1, len(fields), cols)
		}
		row := make([]float64, cols)
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, deuserrors.NewMalformedSourceError("invalid ascii grid value %q", f)
			}
			row[i] = v
		}
		data = append(data, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ascii grid: %w", err)
	}

	if data == nil {
		var err error
		if _, rows, err = dimensions(header); err != nil {
			return nil, err
		}
	}
	if rows != len(data) {
		return nil, deuserrors.NewMalformedSourceError("ascii grid declares %d rows, found %d", rows, len(data))
	}

	cellSize := header["cellsize"]
	west, okx := header["xllcorner"]
	south, oky := header["yllcorner"]
	if !okx {
		center, ok := header["xllcenter"]
		if !ok {
			return nil, deuserrors.NewMalformedSourceError("ascii grid header has no xllcorner or xllcenter")
		}
		west = center - cellSize/2
	}
	if !oky {
		center, ok := header["yllcenter"]
		if !ok {
			return nil, deuserrors.NewMalformedSourceError("ascii grid header has no yllcorner or yllcenter")
		}
		south = center - cellSize/2
	}

	transform := GeoTransform{
		OriginX:     west,
		OriginY:     south + cellSize*float64(rows),
		PixelWidth:  cellSize,
		PixelHeight: -cellSize,
	}

	var noData *float64
	if v, ok := header["nodata_value"]; ok {
		noData = &v
	}
	return NewGrid(data, transform, noData)
}

// maxASCDimension bounds ncols and nrows of an ascii grid.
const maxASCDimension = 100000

// dimensions validates the size header of an ascii grid.
func dimensions(header map[string]float64) (cols, rows int, err error) {
	for _, key := range []string{"ncols", "nrows", "cellsize"} {
		if _, ok := header[key]; !ok {
			return 0, 0, deuserrors.NewMalformedSourceError("ascii grid header has no %s", key)
		}
	}
	if cols, err = dimension(header, "ncols"); err != nil {
		return 0, 0, err
	}
	if rows, err = dimension(header, "nrows"); err != nil {
		return 0, 0, err
	}
	if cs := header["cellsize"]; !(cs > 0) || math.IsInf(cs, 1) {
		return 0, 0, deuserrors.NewMalformedSourceError("ascii grid cellsize must be positive, got %v", cs)
	}
	return cols, rows, nil
}

func dimension(header map[string]float64, key string) (int, error) {
	v := header[key]
	if v != math.Trunc(v) || v < 1 || v > maxASCDimension {
		return 0, deuserrors.NewMalformedSourceError("ascii grid %s must be a whole number in [1, %d], got %v", key, maxASCDimension, v)
	}
	return int(v), nil
}

// LoadASC reads an ESRI ASCII grid from disk.
func LoadASC(path string) (*Grid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ascii grid: %w", err)
	}
	defer f.Close()

	grid, err := ReadASC(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return grid, nil
}
