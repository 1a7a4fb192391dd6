package intensity

import (
	"sort"

	"deus/pkg/units"
)

// AliasProvider adds synonym measures to the readings of an inner provider.
type AliasProvider struct {
	inner   Provider
	names   []string
	aliases map[string][]string
}

// NewAliasProvider wraps inner with aliases declared as alias -> candidate sources in priority
// order. An alias is only filled when the inner reading lacks it; the first present candidate wins.
func NewAliasProvider(inner Provider, aliases map[string][]string) *AliasProvider {
	p := &AliasProvider{
		inner:   inner,
		aliases: make(map[string][]string, len(aliases)),
	}
	for alias, sources := range aliases {
		name := units.Measure(alias)
		canonical := make([]string, len(sources))
		for i, s := range sources {
			canonical[i] = units.Measure(s)
		}
		p.aliases[name] = canonical
		p.names = append(p.names, name)
	}
	sort.Strings(p.names)
	return p
}

func (p *AliasProvider) Lookup(lon, lat float64) (Reading, error) {
	reading, err := p.inner.Lookup(lon, lat)
	if err != nil {
		return Reading{}, err
	}

	for _, alias := range p.names {
		if reading.Has(alias) {
			continue
		}
		for _, source := range p.aliases[alias] {
			if v, u, ok := reading.Get(source); ok {
				reading.Set(alias, v, u)
				break
			}
		}
	}
	return reading, nil
}

// StackProvider unions the readings of several providers.
// When layers share a measure, the later layer wins.
type StackProvider struct {
	layers []Provider
}

// NewStackProvider stacks layers in declaration order.
func NewStackProvider(layers ...Provider) *StackProvider {
	return &StackProvider{layers: layers}
}

func (p *StackProvider) Lookup(lon, lat float64) (Reading, error) {
	result := NewReading()
	for _, layer := range p.layers {
		reading, err := layer.Lookup(lon, lat)
		if err != nil {
			return Reading{}, err
		}
		result.Merge(reading)
	}
	return result, nil
}
