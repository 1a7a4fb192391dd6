// Package units provides canonical intensity measure names and damage state labels.
package units

import (
	"fmt"
	"strconv"
	"strings"
)

// Well known intensity measures.
const (
	MeasurePGA          = "PGA"
	MeasureSA01         = "SA_01"
	MeasureSA03         = "SA_03"
	MeasureMWH          = "MWH"
	MeasureInundation   = "ID"
	MeasureInunMeanPoly = "INUN_MEAN_POLY"
)

// DefaultCurrency is used when no loss currency is configured.
const DefaultCurrency = "USD"

// Measure returns the canonical form of an intensity measure name.
// Names are compared case-insensitively and stored upper case.
func Measure(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// ParseDamageState converts a label like "D3" (or a bare "3") into its index.
func ParseDamageState(label string) (int, error) {
	s := strings.TrimSpace(label)
	if len(s) > 0 && (s[0] == 'D' || s[0] == 'd') {
		s = s[1:]
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid damage state label %q", label)
	}
	return n, nil
}

// FormatDamageState renders a damage state index as "D<n>".
func FormatDamageState(state int) string {
	return "D" + strconv.Itoa(state)
}
