package fairsim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJainIndex(t *testing.T) {
	fairness, ok := JainIndexCounts([]uint64{5, 5, 5, 5})
	require.True(t, ok)
	assert.Equal(t, 1.0, fairness)

	// one flow takes everything: 1/n
	fairness, ok = JainIndexCounts([]uint64{10, 0, 0, 0})
	require.True(t, ok)
	assert.Equal(t, 0.25, fairness)

	fairness, ok = JainIndexCounts([]uint64{1000, 3000})
	require.True(t, ok)
	assert.Equal(t, 0.8, fairness)

	_, ok = JainIndex(nil)
	assert.False(t, ok)
	_, ok = JainIndexCounts([]uint64{0, 0})
	assert.False(t, ok)
}

func TestJainIndexCountsExact(t *testing.T) {
	const b = 350783621065435
	fairness, ok := JainIndexCounts([]uint64{0, b, 0})
	require.True(t, ok)
	assert.Equal(t, 1/3.0, fairness)

	fairness, ok = JainIndexCounts([]uint64{b, b, b, b, b})
	require.True(t, ok)
	assert.Equal(t, 1.0, fairness)

	// squares past 64 bits
	fairness, ok = JainIndexCounts([]uint64{math.MaxUint64, 0, 0, 0, 0, 0, 0})
	require.True(t, ok)
	assert.Equal(t, 1/7.0, fairness)
}

func TestJainIndexIgnoresOrder(t *testing.T) {
	values := []float64{0.1, 7.3, 2.2, 1e6, 3.3, 0.0001}
	reversed := make([]float64, len(values))
	for idx, v := range values {
		reversed[len(values)-1-idx] = v
	}
	fwd, _ := JainIndex(values)
	rev, _ := JainIndex(reversed)
	assert.Equal(t, fwd, rev)
	assert.Equal(t, 0.1, values[0], "input left unsorted")
}

func TestFairnessEngineNeedsFullPopulation(t *testing.T) {
	fe := CreateFairnessEngine("Jain", 3, DefaultThresholds, nil)
	_, ok := fe.Sample(0.001, []uint64{10, 10})
	assert.False(t, ok)
	assert.Equal(t, 0, fe.Samples())

	fairness, ok := fe.Sample(0.002, []uint64{10, 10, 10})
	require.True(t, ok)
	assert.Equal(t, 1.0, fairness)
	assert.Equal(t, 1, fe.Samples())
}

func TestThresholdsFlipOnce(t *testing.T) {
	var seen []ThresholdCrossing
	fe := CreateFairnessEngine("Jain", 2, []float64{0.999, 0.95, 0.99, 0.95}, func(tc ThresholdCrossing) {
		seen = append(seen, tc)
	})
	flags := fe.Flags()
	require.Len(t, flags, 3)
	assert.Equal(t, []float64{0.95, 0.99, 0.999}, []float64{flags[0].Level, flags[1].Level, flags[2].Level})

	crossed := fe.Observe(0.10, 0.96)
	require.Len(t, crossed, 1)
	assert.Equal(t, 0.95, crossed[0].Level)

	// a dip does not reset anything
	assert.Empty(t, fe.Observe(0.11, 0.5))
	assert.True(t, fe.Reached(0.95))

	// one sample can cross several levels, lowest first
	crossed = fe.Observe(0.12, 1.0)
	require.Len(t, crossed, 2)
	assert.Equal(t, 0.99, crossed[0].Level)
	assert.Equal(t, 0.999, crossed[1].Level)

	assert.Empty(t, fe.Observe(0.13, 1.0))
	require.Len(t, seen, 3)
	assert.Equal(t, 0.10, seen[0].Time)
	assert.Equal(t, 0.12, seen[2].Time)
	assert.Equal(t, "0.120 1.000", seen[2].String())

	flags = fe.Flags()
	assert.Equal(t, 0.96, flags[0].Fairness)
	assert.Equal(t, 0.12, flags[2].At)
	assert.Len(t, fe.Crossings(), 3)
}

func TestThresholdExactlyAtLevel(t *testing.T) {
	fe := CreateFairnessEngine("Jain", 2, []float64{0.8}, nil)
	fe.Observe(1.0, 0.8)
	assert.True(t, fe.Reached(0.8))
}

func TestCreateFairnessEngineRejectsEmptyPopulation(t *testing.T) {
	assert.Panics(t, func() { CreateFairnessEngine("Jain", 0, nil, nil) })
}

func TestGlobalFairnessNormalizesShares(t *testing.T) {
	gf := CreateGroupFairness("global-fairness", 3, 0.01, DefaultThresholds, nil)

	// every flow runs exactly at its group's fair share
	small := uint64(IdealBytes(50, 0.01))
	large := uint64(IdealBytes(475, 0.01))
	fairness, ok := gf.Global(0.01, []GroupCounts{
		{Group: "S1R1", IdealMbps: 50, Counts: []uint64{small, small}},
		{Group: "S2R2", IdealMbps: 475, Counts: []uint64{large}},
	})
	require.True(t, ok)
	assert.InDelta(t, 1.0, fairness, 1e-6)
	assert.True(t, gf.Engine.Reached(0.999))

	// one group missing a flow: not defined
	_, ok = gf.Global(0.02, []GroupCounts{
		{Group: "S1R1", IdealMbps: 50, Counts: []uint64{small}},
		{Group: "S2R2", IdealMbps: 475, Counts: []uint64{large}},
	})
	assert.False(t, ok)
}

func TestIdealBytes(t *testing.T) {
	// 50 Mbps over 10 ms is 62500 bytes
	assert.InDelta(t, 62500.0, IdealBytes(50, 0.01), 1e-9)
	assert.Panics(t, func() { NormalizedShares([]uint64{1}, 0, 0.01) })
}
