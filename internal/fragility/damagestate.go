package fragility

import (
	"sort"

	deuserrors "deus/pkg/errors"
	"deus/pkg/units"
)

// DamageState is one directed transition (FromState -> ToState) of a taxonomy.
//
// The intensity field and unit are not properties of the transition itself but they are kept
// here so a damage state can be evaluated against an intensity reading without the model.
type DamageState struct {
	Taxonomy       string
	FromState      int
	ToState        int
	IntensityField string
	IntensityUnit  string
	Function       *Function
}

// NewDamageState builds a damage state with a canonical intensity field name.
func NewDamageState(taxonomy string, from, to int, field, unit string, fn *Function) *DamageState {
	return &DamageState{
		Taxonomy:       taxonomy,
		FromState:      from,
		ToState:        to,
		IntensityField: units.Measure(field),
		IntensityUnit:  unit,
		Function:       fn,
	}
}

// ProbabilityForIntensity returns the exceedance probability for the given intensity reading.
// values and units are keyed by canonical measure name. The unit must match the declared unit
// exactly; no conversion is attempted.
func (ds *DamageState) ProbabilityForIntensity(values map[string]float64, unitsByField map[string]string) (float64, error) {
	field := ds.IntensityField

	value, ok := values[field]
	if !ok {
		return 0, deuserrors.NewMissingMeasureError(ds.Taxonomy, field)
	}
	unit, ok := unitsByField[field]
	if !ok {
		return 0, deuserrors.NewMissingMeasureError(ds.Taxonomy, field)
	}
	if unit != ds.IntensityUnit {
		return 0, deuserrors.NewUnitMismatchError(ds.Taxonomy, field, unit, ds.IntensityUnit)
	}

	return ds.Function.Eval(value), nil
}

// SortByToStateDesc orders damage states by their target state, highest first.
func SortByToStateDesc(states []*DamageState) {
	sort.SliceStable(states, func(i, j int) bool {
		return states[i].ToState > states[j].ToState
	})
}
