// Package errors provides severity-aware error types for damage computations.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Severity indicates error impact level.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error codes
const (
	ErrCodeUnitMismatch       = "UNIT_MISMATCH"
	ErrCodeMissingMeasure     = "MISSING_MEASURE"
	ErrCodeUnmappedTaxonomy   = "UNMAPPED_TAXONOMY"
	ErrCodeMalformedFragility = "MALFORMED_FRAGILITY"
	ErrCodeMalformedSource    = "MALFORMED_SOURCE"
	ErrCodeMissingLoss        = "MISSING_LOSS"
	ErrCodeMissingMapping     = "MISSING_MAPPING"
)

// Sentinels for errors.Is. A DamageError matches the sentinel with the same code.
var (
	ErrUnitMismatch       = &DamageError{Code: ErrCodeUnitMismatch}
	ErrMissingMeasure     = &DamageError{Code: ErrCodeMissingMeasure}
	ErrUnmappedTaxonomy   = &DamageError{Code: ErrCodeUnmappedTaxonomy}
	ErrMalformedFragility = &DamageError{Code: ErrCodeMalformedFragility}
	ErrMalformedSource    = &DamageError{Code: ErrCodeMalformedSource}
	ErrMissingLoss        = &DamageError{Code: ErrCodeMissingLoss}
	ErrMissingMapping     = &DamageError{Code: ErrCodeMissingMapping}
)

// DamageError is a structured error with context.
type DamageError struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Taxonomy string   `json:"taxonomy,omitempty"`
	Field    string   `json:"field,omitempty"`
	CellID   string   `json:"cell_id,omitempty"`
}

func (e *DamageError) Error() string {
	msg := fmt.Sprintf("[%s] %s: %s", e.Severity, e.Code, e.Message)
	if e.Taxonomy != "" {
		msg += fmt.Sprintf(" (taxonomy: %s)", e.Taxonomy)
	}
	if e.CellID != "" {
		msg += fmt.Sprintf(" (cell: %s)", e.CellID)
	}
	return msg
}

// Is reports whether target carries the same code.
func (e *DamageError) Is(target error) bool {
	t, ok := target.(*DamageError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithCell returns a copy of the error annotated with the cell identifier.
func (e *DamageError) WithCell(cellID string) *DamageError {
	c := *e
	c.CellID = cellID
	return &c
}

// Code extracts the code of the first DamageError in err's chain.
func Code(err error) string {
	var de *DamageError
	if stderrors.As(err, &de) {
		return de.Code
	}
	return ""
}

// NewUnitMismatchError creates an error for an intensity unit that differs from the declared one.
func NewUnitMismatchError(taxonomy, field, got, want string) *DamageError {
	return &DamageError{
		Code:     ErrCodeUnitMismatch,
		Message:  fmt.Sprintf("unit %q for %s does not match expected %q", got, field, want),
		Severity: SeverityFatal,
		Taxonomy: taxonomy,
		Field:    field,
	}
}

// NewMissingMeasureError creates an error for an intensity reading lacking a required measure.
func NewMissingMeasureError(taxonomy, field string) *DamageError {
	return &DamageError{
		Code:     ErrCodeMissingMeasure,
		Message:  fmt.Sprintf("intensity measure %s not available", field),
		Severity: SeverityFatal,
		Taxonomy: taxonomy,
		Field:    field,
	}
}

// NewUnmappedTaxonomyError creates an error for a taxonomy without fragility data or mapping.
func NewUnmappedTaxonomyError(taxonomy, schema string) *DamageError {
	return &DamageError{
		Code:     ErrCodeUnmappedTaxonomy,
		Message:  fmt.Sprintf("taxonomy not known in schema %s", schema),
		Severity: SeverityFatal,
		Taxonomy: taxonomy,
	}
}

// NewMalformedFragilityError creates an error for an unparsable fragility definition.
func NewMalformedFragilityError(taxonomy, format string, args ...any) *DamageError {
	return &DamageError{
		Code:     ErrCodeMalformedFragility,
		Message:  fmt.Sprintf(format, args...),
		Severity: SeverityFatal,
		Taxonomy: taxonomy,
	}
}

// NewMalformedSourceError creates an error for a broken intensity source.
func NewMalformedSourceError(format string, args ...any) *DamageError {
	return &DamageError{
		Code:     ErrCodeMalformedSource,
		Message:  fmt.Sprintf(format, args...),
		Severity: SeverityFatal,
	}
}

// NewMissingLossError creates an error for a taxonomy/damage state without loss data.
func NewMissingLossError(schema, taxonomy string, damageState int) *DamageError {
	return &DamageError{
		Code:     ErrCodeMissingLoss,
		Message:  fmt.Sprintf("no loss data for damage state %d in schema %s", damageState, schema),
		Severity: SeverityFatal,
		Taxonomy: taxonomy,
	}
}

// NewMissingMappingError creates an error for a schema pair without conversion tables.
func NewMissingMappingError(source, target string) *DamageError {
	return &DamageError{
		Code:     ErrCodeMissingMapping,
		Message:  fmt.Sprintf("no taxonomy conversion from %s to %s", source, target),
		Severity: SeverityFatal,
	}
}
