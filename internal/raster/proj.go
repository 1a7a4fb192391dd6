package raster

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wroge/wgs84"
)

// Transformer projects lon/lat (EPSG:4326) into the coordinate system of a grid.
type Transformer interface {
	Forward(lon, lat float64) (x, y float64)
	Code() string
}

type identity struct{ code string }

func (i identity) Forward(lon, lat float64) (float64, float64) { return lon, lat }

func (i identity) Code() string { return i.code }

// psad56 is the Provisional South American Datum 1956 on the International 1924
// ellipsoid with its three parameter translation to WGS84.
var psad56 = wgs84.Helmert(6378388.0, 297.0, -288, 175, -376, 0, 0, 0, 0)

// crsRepository holds the wgs84 defaults plus the PSAD56 UTM zones 17-22.
var crsRepository = newRepository()

func newRepository() *wgs84.Repository {
	repo := wgs84.EPSG()
	for zone := 17; zone <= 22; zone++ {
		meridian := float64(zone*6 - 183)
		repo.Add(24800+zone, psad56.TransverseMercator(meridian, 0, 0.9996, 500000, 0))
		repo.Add(24860+zone, psad56.TransverseMercator(meridian, 0, 0.9996, 500000, 10000000))
	}
	return repo
}

// UTM is a forward transverse Mercator projection for one UTM zone.
type UTM struct {
	code    string
	zone    int
	south   bool
	forward wgs84.Func
}

// Zone returns the UTM zone number.
func (u *UTM) Zone() int { return u.zone }

// South reports whether the projection uses the southern hemisphere false northing.
func (u *UTM) South() bool { return u.south }

func (u *UTM) Code() string { return u.code }

// Forward projects lon/lat in degrees to easting/northing in meters.
func (u *UTM) Forward(lon, lat float64) (float64, float64) {
	x, y, _ := u.forward(lon, lat, 0)
	return x, y
}

// utmZone maps a supported UTM EPSG code to its zone and hemisphere.
func utmZone(epsg int) (zone int, south bool, ok bool) {
	switch {
	case epsg >= 32601 && epsg <= 32660:
		return epsg - 32600, false, true
	case epsg >= 32701 && epsg <= 32760:
		return epsg - 32700, true, true
	case epsg >= 24817 && epsg <= 24822:
		return epsg - 24800, false, true
	case epsg >= 24877 && epsg <= 24882:
		return epsg - 24860, true, true
	}
	return 0, false, false
}

// ParseCRS resolves an EPSG code ("EPSG:32719", "epsg:24877" or "4326") into a transformer.
//
// Supported: 4326 (identity), WGS84 UTM 326zz/327zz and PSAD56 UTM 248zz (zones 17N-22N as
// 24817-24822, 17S-22S as 24877-24882).
func ParseCRS(code string) (Transformer, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	normalized = strings.TrimPrefix(normalized, "EPSG:")
	epsg, err := strconv.Atoi(normalized)
	if err != nil {
		return nil, fmt.Errorf("invalid crs %q", code)
	}

	canonical := fmt.Sprintf("EPSG:%d", epsg)
	if epsg == 4326 {
		return identity{code: canonical}, nil
	}

	zone, south, ok := utmZone(epsg)
	if !ok {
		return nil, fmt.Errorf("unsupported crs %s", canonical)
	}
	crs, err := crsRepository.SafeCode(epsg)
	if err != nil || crs == nil {
		return nil, fmt.Errorf("unsupported crs %s", canonical)
	}

	return &UTM{
		code:    canonical,
		zone:    zone,
		south:   south,
		forward: wgs84.LonLat().To(crs),
	}, nil
}
