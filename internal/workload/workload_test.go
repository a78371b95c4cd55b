package workload

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeEnergyMatchesPutMomentum(t *testing.T) {
	payload := make([]byte, 12)
	PutMomentum(payload, 3, 4, 0)
	require.InDelta(t, 5.0, ComputeEnergy(payload), 1e-4)
}

func TestGeneratorIsDeterministicForSameSeedAndRank(t *testing.T) {
	g1 := NewGenerator(42, 0, 8, 16, 0)
	g2 := NewGenerator(42, 0, 8, 16, 0)
	p1 := g1.NextInRange(0, 1)
	p2 := g2.NextInRange(0, 1)
	require.Equal(t, p1.Prop, p2.Prop)
	require.Equal(t, p1.ID, p2.ID)
}

func TestGeneratorDiffersAcrossRanks(t *testing.T) {
	g0 := NewGenerator(42, 0, 8, 16, 0)
	g1 := NewGenerator(42, 1, 8, 16, 0)
	p0 := g0.NextInRange(0, 1)
	p1 := g1.NextInRange(0, 1)
	require.NotEqual(t, p0.Prop, p1.Prop)
}

func TestNextInRangeStaysWithinBounds(t *testing.T) {
	g := NewGenerator(7, 3, 8, 16, 4)
	for i := 0; i < 100; i++ {
		p := g.NextInRange(0.9, 1.0)
		require.GreaterOrEqual(t, p.Prop, float32(0.9))
		require.Less(t, p.Prop, float32(1.0))
		require.Len(t, p.Extra, 4)
	}
}

func TestNextInRangePropMatchesComputedEnergy(t *testing.T) {
	g := NewGenerator(1, 0, 8, 16, 0)
	p := g.NextInRange(0, 1)
	require.InDelta(t, p.Prop, ComputeEnergy(p.Payload), 1e-3)
}
