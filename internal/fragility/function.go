package fragility

import (
	"fmt"
	"strings"
	"sync"

	"gonum.org/v1/gonum/stat/distuv"

	"deus/pkg/confidence"
	deuserrors "deus/pkg/errors"
)

// Family names a parametric CDF family.
type Family string

const (
	FamilyLogNormal Family = "logncdf"
	FamilyNormal    Family = "normcdf"
)

// ParseFamily accepts the short shape names used in fragility files
// as well as the long spelled-out forms.
func ParseFamily(shape string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(shape)) {
	case "logncdf", "log-normal-cdf", "lognormal", "lognormcdf":
		return FamilyLogNormal, nil
	case "normcdf", "normal-cdf", "normal":
		return FamilyNormal, nil
	default:
		return "", deuserrors.NewMalformedFragilityError("", "unsupported fragility function shape %q", shape)
	}
}

// Function is a cumulative exceedance probability over intensity.
// It is immutable apart from its evaluation cache and safe for concurrent use.
type Function struct {
	family Family
	mean   float64
	stddev float64
	cdf    func(float64) float64

	mu    sync.RWMutex
	cache map[float64]float64
}

func newFunction(family Family, mean, stddev float64) (*Function, error) {
	if !(stddev > 0) {
		return nil, deuserrors.NewMalformedFragilityError("", "stddev must be positive, got %v", stddev)
	}

	f := &Function{
		family: family,
		mean:   mean,
		stddev: stddev,
		cache:  make(map[float64]float64),
	}

	switch family {
	case FamilyLogNormal:
		// mean and stddev parameterize the underlying normal: scale = exp(mean), shape = stddev
		dist := distuv.LogNormal{Mu: mean, Sigma: stddev}
		f.cdf = func(x float64) float64 {
			if x <= 0 {
				return 0
			}
			return dist.CDF(x)
		}
	case FamilyNormal:
		dist := distuv.Normal{Mu: mean, Sigma: stddev}
		f.cdf = dist.CDF
	default:
		return nil, deuserrors.NewMalformedFragilityError("", "unsupported fragility function shape %q", family)
	}

	return f, nil
}

// Eval returns the probability for intensity x, caching the result per input value.
func (f *Function) Eval(x float64) float64 {
	f.mu.RLock()
	p, ok := f.cache[x]
	f.mu.RUnlock()
	if ok {
		return p
	}

	p = confidence.Clamp(f.cdf(x))

	f.mu.Lock()
	f.cache[x] = p
	f.mu.Unlock()
	return p
}

func (f *Function) Family() Family { return f.family }

func (f *Function) Mean() float64 { return f.mean }

func (f *Function) StdDev() float64 { return f.stddev }

func (f *Function) String() string {
	return fmt.Sprintf("%s(mean=%g, stddev=%g)", f.family, f.mean, f.stddev)
}

// cachedEntries reports the evaluation cache size.
func (f *Function) cachedEntries() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.cache)
}

type factoryKey struct {
	family Family
	mean   float64
	stddev float64
}

// Factory builds functions and hands out the same instance for identical parameters.
// Each model owns its factory, so caches live exactly as long as the model.
type Factory struct {
	mu    sync.Mutex
	cache map[factoryKey]*Function
}

func NewFactory() *Factory {
	return &Factory{cache: make(map[factoryKey]*Function)}
}

// Get returns the function for (family, mean, stddev), constructing it on first use.
func (f *Factory) Get(family Family, mean, stddev float64) (*Function, error) {
	key := factoryKey{family: family, mean: mean, stddev: stddev}

	f.mu.Lock()
	defer f.mu.Unlock()

	if fn, ok := f.cache[key]; ok {
		return fn, nil
	}
	fn, err := newFunction(family, mean, stddev)
	if err != nil {
		return nil, err
	}
	f.cache[key] = fn
	return fn, nil
}

// Len returns the number of distinct functions built so far.
func (f *Factory) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cache)
}
