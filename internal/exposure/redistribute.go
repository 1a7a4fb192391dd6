package exposure

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"deus/internal/fragility"
	"deus/internal/intensity"
	"deus/internal/schemamap"
	deuserrors "deus/pkg/errors"
)

// Share is the part of a building count that ends up in a damage state.
type Share struct {
	State     int
	Buildings float64
}

// Redistribute spreads buildings currently in state from over the states from..maxState.
//
// exceedance(t) returns the probability of reaching at least t coming from from. The mass of
// ending exactly in t is P(t) - P(t+1) with P(maxState+1) = 0; the buildings staying in from get
// 1 - P(from+1). Buildings at or above maxState stay where they are.
func Redistribute(from, maxState int, buildings float64, exceedance func(to int) (float64, error)) ([]Share, error) {
	if from >= maxState {
		return []Share{{State: from, Buildings: buildings}}, nil
	}

	p := make([]float64, maxState+2)
	for to := from + 1; to <= maxState; to++ {
		v, err := exceedance(to)
		if err != nil {
			return nil, err
		}
		p[to] = v
	}

	shares := make([]Share, 0, maxState-from+1)
	shares = append(shares, Share{State: from, Buildings: buildings * (1 - p[from+1])})
	for to := from + 1; to <= maxState; to++ {
		shares = append(shares, Share{State: to, Buildings: buildings * (p[to] - p[to+1])})
	}
	return shares, nil
}

// damageUpdate is the outcome of moving the buckets of one cell through the fragility model.
type damageUpdate struct {
	buckets     []schemamap.Bucket
	transitions []Transition
}

// applyFragility redistributes fragility schema buckets for one intensity reading.
// Probabilities are computed once per (taxonomy, from, to) within the cell.
func applyFragility(model *fragility.Model, reading intensity.Reading, buckets []schemamap.Bucket) (*damageUpdate, error) {
	type key struct {
		taxonomy string
		from, to int
	}
	probabilities := make(map[key]float64)
	moved := make(map[[2]int]float64)

	result := make([]schemamap.Bucket, 0, len(buckets))
	for _, b := range buckets {
		if b.Buildings == 0 {
			continue
		}
		if !model.HasTaxonomy(b.Taxonomy) {
			return nil, deuserrors.NewUnmappedTaxonomyError(b.Taxonomy, model.Schema())
		}

		exceedance := func(to int) (float64, error) {
			k := key{b.Taxonomy, b.DamageState, to}
			if p, ok := probabilities[k]; ok {
				return p, nil
			}
			ds, ok := model.DamageState(b.Taxonomy, b.DamageState, to)
			if !ok {
				return 0, deuserrors.NewMalformedFragilityError(b.Taxonomy,
					"no transition %d -> %d after lattice completion", b.DamageState, to)
			}
			p, err := ds.ProbabilityForIntensity(reading.Values, reading.Units)
			if err != nil {
				return 0, err
			}
			probabilities[k] = p
			return p, nil
		}

		shares, err := Redistribute(b.DamageState, model.MaxState(b.Taxonomy), b.Buildings, exceedance)
		if err != nil {
			return nil, err
		}
		for _, s := range shares {
			result = append(result, schemamap.Bucket{Taxonomy: b.Taxonomy, DamageState: s.State, Buildings: s.Buildings})
			if s.State > b.DamageState && s.Buildings != 0 {
				moved[[2]int{b.DamageState, s.State}] += s.Buildings
			}
		}
	}

	return &damageUpdate{
		buckets:     schemamap.Merge(result),
		transitions: sortTransitions(moved),
	}, nil
}

func sortTransitions(moved map[[2]int]float64) []Transition {
	result := make([]Transition, 0, len(moved))
	for k, n := range moved {
		result = append(result, Transition{FromState: k[0], ToState: k[1], Buildings: n})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].FromState != result[j].FromState {
			return result[i].FromState < result[j].FromState
		}
		return result[i].ToState < result[j].ToState
	})
	return result
}

// cellError annotates the damage error in err's chain with the cell id, keeping any
// context wrapped around it.
func cellError(id string, err error) error {
	var de *deuserrors.DamageError
	if !errors.As(err, &de) {
		return fmt.Errorf("cell %s: %w", id, err)
	}
	annotated := de.WithCell(id)
	if err == error(de) {
		return annotated
	}
	prefix := strings.TrimSuffix(strings.TrimSuffix(err.Error(), de.Error()), ": ")
	return fmt.Errorf("%s: %w", prefix, annotated)
}
