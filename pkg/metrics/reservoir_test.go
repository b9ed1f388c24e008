package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReservoirEmpty(t *testing.T) {
	r := NewReservoir(8)
	_, ok := r.P95()
	assert.False(t, ok)
}

func TestReservoirQuantiles(t *testing.T) {
	r := NewReservoir(100)
	for i := 1; i <= 100; i++ {
		r.Observe(float64(i))
	}

	p95, ok := r.P95()
	require.True(t, ok)
	assert.InDelta(t, 95, p95, 1)

	p50, ok := r.Quantile(0.5)
	require.True(t, ok)
	assert.InDelta(t, 50, p50, 1)
}

func TestReservoirOverwritesOldest(t *testing.T) {
	r := NewReservoir(4)
	for i := 0; i < 4; i++ {
		r.Observe(100)
	}
	// Wrap around: the slow samples age out.
	for i := 0; i < 4; i++ {
		r.Observe(1)
	}

	p95, ok := r.P95()
	require.True(t, ok)
	assert.Equal(t, 1.0, p95)
}

func TestReservoirPartialFill(t *testing.T) {
	r := NewReservoir(100)
	r.Observe(2)
	r.Observe(4)

	p95, ok := r.P95()
	require.True(t, ok)
	assert.Equal(t, 4.0, p95)
}
