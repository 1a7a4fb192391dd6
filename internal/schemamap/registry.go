// Package schemamap translates building counts between taxonomy and damage state vocabularies.
//
// Exposure models and fragility models are often written against different schemas. A Registry
// holds weighted conversion matrices between schema pairs and redistributes building counts
// accordingly.
package schemamap

import (
	"fmt"
	"math"
	"sort"
	"strings"

	deuserrors "deus/pkg/errors"
	"deus/pkg/units"
)

// Bucket is a number of buildings of one taxonomy in one damage state.
type Bucket struct {
	Taxonomy    string  `json:"taxonomy"`
	DamageState int     `json:"damage_state"`
	Buildings   float64 `json:"buildings"`
}

// Mapper translates buckets from one schema to another.
type Mapper interface {
	Map(source, target string, buckets []Bucket) ([]Bucket, error)
}

// Matrix maps a source label to target labels with weights summing to one.
type Matrix map[string]map[string]float64

// Validate checks that every row carries non-negative weights summing to one.
func (m Matrix) Validate() error {
	for src, row := range m {
		if len(row) == 0 {
			return fmt.Errorf("conversion row %s is empty", src)
		}
		var sum float64
		for tgt, w := range row {
			if w < 0 {
				return fmt.Errorf("conversion %s -> %s has negative weight %g", src, tgt, w)
			}
			sum += w
		}
		if math.Abs(sum-1) > 1e-6 {
			return fmt.Errorf("conversion row %s sums to %g", src, sum)
		}
	}
	return nil
}

type schemaPair struct {
	source string
	target string
}

// Registry holds conversion matrices keyed by schema pair.
// Register everything before handing the registry to concurrent readers.
type Registry struct {
	taxonomies   map[schemaPair]Matrix
	damageStates map[schemaPair]Matrix
	aliases      map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		taxonomies:   make(map[schemaPair]Matrix),
		damageStates: make(map[schemaPair]Matrix),
		aliases:      make(map[string]string),
	}
}

// RegisterAlias makes alias resolve to the canonical schema name.
func (r *Registry) RegisterAlias(alias, canonical string) {
	r.aliases[normalize(alias)] = normalize(canonical)
}

// RegisterTaxonomies adds a taxonomy conversion matrix.
func (r *Registry) RegisterTaxonomies(source, target string, m Matrix) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("taxonomy conversion %s -> %s: %w", source, target, err)
	}
	r.taxonomies[r.pair(source, target)] = m
	return nil
}

// RegisterDamageStates adds a damage state conversion matrix with labels like "D1".
func (r *Registry) RegisterDamageStates(source, target string, m Matrix) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("damage state conversion %s -> %s: %w", source, target, err)
	}
	for src, row := range m {
		if _, err := units.ParseDamageState(src); err != nil {
			return fmt.Errorf("damage state conversion %s -> %s: %w", source, target, err)
		}
		for tgt := range row {
			if _, err := units.ParseDamageState(tgt); err != nil {
				return fmt.Errorf("damage state conversion %s -> %s: %w", source, target, err)
			}
		}
	}
	r.damageStates[r.pair(source, target)] = m
	return nil
}

// HasTaxonomies reports whether a taxonomy conversion exists (or is not needed).
func (r *Registry) HasTaxonomies(source, target string) bool {
	p := r.pair(source, target)
	if p.source == p.target {
		return true
	}
	_, ok := r.taxonomies[p]
	return ok
}

// Map redistributes buckets from the source to the target schema. The same schema maps to itself.
// Damage states pass through unchanged when no damage state matrix is registered for the pair.
// The result is merged per (taxonomy, damage state) and sorted.
func (r *Registry) Map(source, target string, buckets []Bucket) ([]Bucket, error) {
	p := r.pair(source, target)
	if p.source == p.target {
		return Merge(buckets), nil
	}

	taxMatrix, ok := r.taxonomies[p]
	if !ok {
		return nil, deuserrors.NewMissingMappingError(source, target)
	}
	dsMatrix := r.damageStates[p]

	result := make([]Bucket, 0, len(buckets))
	for _, b := range buckets {
		taxRow, ok := taxMatrix[b.Taxonomy]
		if !ok {
			return nil, deuserrors.NewUnmappedTaxonomyError(b.Taxonomy, source)
		}

		dsRow := map[string]float64{units.FormatDamageState(b.DamageState): 1}
		if dsMatrix != nil {
			dsRow, ok = dsMatrix[units.FormatDamageState(b.DamageState)]
			if !ok {
				return nil, fmt.Errorf("damage state %s has no conversion from %s to %s: %w",
					units.FormatDamageState(b.DamageState), source, target, deuserrors.ErrMissingMapping)
			}
		}

		for _, tgtTax := range sortedLabels(taxRow) {
			wt := taxRow[tgtTax]
			for _, tgtDS := range sortedLabels(dsRow) {
				wd := dsRow[tgtDS]
				state, err := units.ParseDamageState(tgtDS)
				if err != nil {
					return nil, err
				}
				result = append(result, Bucket{
					Taxonomy:    tgtTax,
					DamageState: state,
					Buildings:   b.Buildings * wt * wd,
				})
			}
		}
	}
	return Merge(result), nil
}

func sortedLabels(row map[string]float64) []string {
	labels := make([]string, 0, len(row))
	for l := range row {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

func (r *Registry) pair(source, target string) schemaPair {
	return schemaPair{source: r.resolve(source), target: r.resolve(target)}
}

func (r *Registry) resolve(schema string) string {
	s := normalize(schema)
	if canonical, ok := r.aliases[s]; ok {
		return canonical
	}
	return s
}

func normalize(schema string) string {
	return strings.ToLower(strings.TrimSpace(schema))
}

// Merge sums buckets sharing taxonomy and damage state and sorts the result.
func Merge(buckets []Bucket) []Bucket {
	type key struct {
		taxonomy string
		state    int
	}
	sums := make(map[key]float64, len(buckets))
	order := make([]key, 0, len(buckets))
	for _, b := range buckets {
		k := key{b.Taxonomy, b.DamageState}
		if _, ok := sums[k]; !ok {
			order = append(order, k)
		}
		sums[k] += b.Buildings
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].taxonomy != order[j].taxonomy {
			return order[i].taxonomy < order[j].taxonomy
		}
		return order[i].state < order[j].state
	})

	result := make([]Bucket, len(order))
	for i, k := range order {
		result[i] = Bucket{Taxonomy: k.taxonomy, DamageState: k.state, Buildings: sums[k]}
	}
	return result
}
