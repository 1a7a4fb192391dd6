package fragility

import (
	"sort"
)

type transition struct {
	from int
	to   int
}

type taxonomyLattice struct {
	states   []*DamageState
	byKey    map[transition]*DamageState
	maxState int
}

// Model gives access to the taxonomies of a fragility schema and their damage states.
// It is read-only after construction and safe for concurrent use.
type Model struct {
	schema     string
	taxonomies map[string]*taxonomyLattice
}

// NewModel completes the lattice of every taxonomy and indexes the result.
func NewModel(schema string, statesByTaxonomy map[string][]*DamageState) *Model {
	m := &Model{
		schema:     schema,
		taxonomies: make(map[string]*taxonomyLattice, len(statesByTaxonomy)),
	}

	for taxonomy, states := range statesByTaxonomy {
		if len(states) == 0 {
			continue
		}
		completed := CompleteLattice(states)

		lattice := &taxonomyLattice{
			states: completed,
			byKey:  make(map[transition]*DamageState, len(completed)),
		}
		for _, ds := range completed {
			lattice.byKey[transition{ds.FromState, ds.ToState}] = ds
			if ds.ToState > lattice.maxState {
				lattice.maxState = ds.ToState
			}
		}
		m.taxonomies[taxonomy] = lattice
	}

	return m
}

// CompleteLattice adds transitions missing from the sparse input.
//
// For every (from, to) pair with from < to <= max that has no damage state, the entry at
// (from-1, to) is reused with the same function instance. Walking from ascending means a
// chain (0,k) -> (1,k) -> ... -> (k-1,k) is filled from the baseline (0,k) alone.
// Pairs without a lower neighbour stay empty.
func CompleteLattice(states []*DamageState) []*DamageState {
	result := make([]*DamageState, len(states))
	copy(result, states)

	index := make(map[transition]*DamageState, len(states))
	maxState := 0
	for _, ds := range states {
		index[transition{ds.FromState, ds.ToState}] = ds
		if ds.ToState > maxState {
			maxState = ds.ToState
		}
	}

	for from := 0; from < maxState; from++ {
		for to := 1; to <= maxState; to++ {
			if to <= from {
				continue
			}
			if _, ok := index[transition{from, to}]; ok {
				continue
			}
			lower, ok := index[transition{from - 1, to}]
			if !ok {
				continue
			}
			ds := &DamageState{
				Taxonomy:       lower.Taxonomy,
				FromState:      lower.FromState + 1,
				ToState:        lower.ToState,
				IntensityField: lower.IntensityField,
				IntensityUnit:  lower.IntensityUnit,
				Function:       lower.Function,
			}
			index[transition{ds.FromState, ds.ToState}] = ds
			result = append(result, ds)
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].FromState != result[j].FromState {
			return result[i].FromState < result[j].FromState
		}
		return result[i].ToState < result[j].ToState
	})
	return result
}

// Schema returns the identifier of the fragility schema.
func (m *Model) Schema() string {
	return m.schema
}

// Taxonomies returns the known taxonomies in sorted order.
func (m *Model) Taxonomies() []string {
	result := make([]string, 0, len(m.taxonomies))
	for t := range m.taxonomies {
		result = append(result, t)
	}
	sort.Strings(result)
	return result
}

// HasTaxonomy reports whether the model has damage states for taxonomy.
func (m *Model) HasTaxonomy(taxonomy string) bool {
	_, ok := m.taxonomies[taxonomy]
	return ok
}

// DamageStates returns the damage states of a taxonomy ordered by (from, to).
func (m *Model) DamageStates(taxonomy string) []*DamageState {
	lattice, ok := m.taxonomies[taxonomy]
	if !ok {
		return nil
	}
	result := make([]*DamageState, len(lattice.states))
	copy(result, lattice.states)
	return result
}

// DamageState returns the transition (from, to) of a taxonomy.
func (m *Model) DamageState(taxonomy string, from, to int) (*DamageState, bool) {
	lattice, ok := m.taxonomies[taxonomy]
	if !ok {
		return nil, false
	}
	ds, ok := lattice.byKey[transition{from, to}]
	return ds, ok
}

// MaxState returns the highest modelled damage state of a taxonomy, or -1 if unknown.
func (m *Model) MaxState(taxonomy string) int {
	lattice, ok := m.taxonomies[taxonomy]
	if !ok {
		return -1
	}
	return lattice.maxState
}
