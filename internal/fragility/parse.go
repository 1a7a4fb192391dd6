// Package fragility turns sparse parametric fragility definitions into complete,
// queryable damage state lattices per taxonomy.
package fragility

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	deuserrors "deus/pkg/errors"
)

// Definition is the raw fragility file:
//
//	{
//	  "meta": {"shape": "logncdf", "id": "SARA_v1.0"},
//	  "data": [{"taxonomy": "URM1", "imt": "pga", "imu": "g", "D1_mean": 5.9, "D1_stddev": 0.8}]
//	}
//
// Transition keys come as D{n}_mean (from 0 to n) or D_{i}_{j}_mean (from i to j), each with a
// matching _stddev key.
type Definition struct {
	Meta Meta             `json:"meta"`
	Data []map[string]any `json:"data"`
}

// Meta describes the distribution family and the schema of a definition.
type Meta struct {
	Shape string `json:"shape"`
	ID    string `json:"id"`
}

// FunctionFactory builds the probability function for a transition's parameters.
type FunctionFactory func(mean, stddev float64) (*Function, error)

var (
	baselineKey = regexp.MustCompile(`^D(\d+)_mean$`)
	explicitKey = regexp.MustCompile(`^D_?(\d+)_(\d+)_mean$`)
)

// ParseDefinition decodes a fragility definition from JSON.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse fragility definition: %w", err)
	}
	return &def, nil
}

// LoadDefinition reads a fragility definition from a JSON file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fragility file: %w", err)
	}
	return ParseDefinition(data)
}

// ToModel builds a model using the distribution family named in the meta block.
// Function construction is cached in a factory owned by the returned model.
func (d *Definition) ToModel() (*Model, error) {
	family, err := ParseFamily(d.Meta.Shape)
	if err != nil {
		return nil, err
	}

	factory := NewFactory()
	return d.ToModelWithFunction(func(mean, stddev float64) (*Function, error) {
		return factory.Get(family, mean, stddev)
	})
}

// ToModelWithFunction builds a model with a caller supplied function factory.
func (d *Definition) ToModelWithFunction(fn FunctionFactory) (*Model, error) {
	statesByTaxonomy := make(map[string][]*DamageState)
	seen := make(map[string]map[transition]bool)

	for i, record := range d.Data {
		taxonomy, ok := record["taxonomy"].(string)
		if !ok || taxonomy == "" {
			return nil, deuserrors.NewMalformedFragilityError("", "record %d has no taxonomy", i)
		}
		field := firstString(record, "imt", "intensity_measure")
		unit := firstString(record, "imu", "intensity_unit")
		if field == "" || unit == "" {
			return nil, deuserrors.NewMalformedFragilityError(taxonomy, "record %d has no intensity measure or unit", i)
		}

		if seen[taxonomy] == nil {
			seen[taxonomy] = make(map[transition]bool)
		}

		for _, key := range sortedKeys(record) {
			if !strings.HasPrefix(key, "D") || !strings.HasSuffix(key, "_mean") {
				continue
			}

			from, to, err := parseTransitionKey(key)
			if err != nil {
				return nil, deuserrors.NewMalformedFragilityError(taxonomy, "%v", err)
			}
			if seen[taxonomy][transition{from, to}] {
				return nil, deuserrors.NewMalformedFragilityError(taxonomy, "duplicate transition %d -> %d", from, to)
			}
			seen[taxonomy][transition{from, to}] = true

			mean, err := number(record, key)
			if err != nil {
				return nil, deuserrors.NewMalformedFragilityError(taxonomy, "%v", err)
			}
			stddev, err := number(record, strings.TrimSuffix(key, "_mean")+"_stddev")
			if err != nil {
				return nil, deuserrors.NewMalformedFragilityError(taxonomy, "%v", err)
			}

			function, err := fn(mean, stddev)
			if err != nil {
				return nil, fmt.Errorf("taxonomy %s transition %d -> %d: %w", taxonomy, from, to, err)
			}

			statesByTaxonomy[taxonomy] = append(statesByTaxonomy[taxonomy],
				NewDamageState(taxonomy, from, to, field, unit, function))
		}
	}

	return NewModel(d.Meta.ID, statesByTaxonomy), nil
}

// parseTransitionKey extracts (from, to) out of D{n}_mean or D_{i}_{j}_mean.
func parseTransitionKey(key string) (int, int, error) {
	if m := baselineKey.FindStringSubmatch(key); m != nil {
		to, _ := strconv.Atoi(m[1])
		if to < 1 {
			return 0, 0, fmt.Errorf("transition %s must target a state above 0", key)
		}
		return 0, to, nil
	}
	if m := explicitKey.FindStringSubmatch(key); m != nil {
		from, _ := strconv.Atoi(m[1])
		to, _ := strconv.Atoi(m[2])
		if from >= to {
			return 0, 0, fmt.Errorf("transition %s must go from a lower to a higher state", key)
		}
		return from, to, nil
	}
	return 0, 0, fmt.Errorf("cannot parse transition name %s", key)
}

func number(record map[string]any, key string) (float64, error) {
	v, ok := record[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("%s is not a number", key)
	}
}

func firstString(record map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := record[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func sortedKeys(record map[string]any) []string {
	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
