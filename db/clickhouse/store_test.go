package clickhouse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashInputsIsOrderIndependent(t *testing.T) {
	a := HashInputs(map[string]string{"fragility": "sara.json", "exposure": "valpo.json"})
	b := HashInputs(map[string]string{"exposure": "valpo.json", "fragility": "sara.json"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	c := HashInputs(map[string]string{"exposure": "valpo.json", "fragility": "suppasri.json"})
	assert.NotEqual(t, a, c)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "deus", cfg.Database)
	assert.Equal(t, 9000, cfg.Port)
}
