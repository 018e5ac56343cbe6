package graph

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

// decayedWeight mirrors ApplyTimeDecay's per-edge formula in isolation, so
// the half-life math can be checked without a live database.
func decayedWeight(weight, deltaDays, halfLifeDays float64) float64 {
	return weight * math.Pow(2, -deltaDays/halfLifeDays)
}

func TestDecayedWeightHalvesAtOneHalfLife(t *testing.T) {
	got := decayedWeight(1.0, 30, 30)
	assert.InDelta(t, 0.5, got, 1e-9)
}

func TestDecayedWeightUnchangedAtZeroDelta(t *testing.T) {
	got := decayedWeight(0.8, 0, 30)
	assert.InDelta(t, 0.8, got, 1e-9)
}

func TestDecayedWeightBelowFloorIsPruned(t *testing.T) {
	got := decayedWeight(0.1, 300, 30) // 10 half-lives
	assert.Less(t, got, 0.05)
}
