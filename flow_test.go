package fairsim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registryOf(n int) *FlowRegistry {
	fr := CreateFlowRegistry("S1R1", n)
	for idx := 0; idx < n; idx++ {
		fr.Register(&Flow{Index: idx, Src: "S", Dst: "R"})
	}
	return fr
}

func TestRegisterAndLookup(t *testing.T) {
	fr := registryOf(3)
	assert.Equal(t, 3, fr.Len())
	assert.Equal(t, "S1R1", fr.Flow(2).Group)
	assert.Len(t, fr.Flows(), 3)

	assert.Panics(t, func() { fr.Register(&Flow{Index: 1}) }, "duplicate index")
	assert.Panics(t, func() { fr.Register(&Flow{Index: 3}) }, "index past the designed size")
	assert.Panics(t, func() { fr.Register(&Flow{Index: -1}) })
}

func TestOnFlowEventCounts(t *testing.T) {
	fr := registryOf(2)
	fr.OnFlowEvent(0, 1448, TxDirection)
	fr.OnFlowEvent(0, 1448, TxDirection)
	fr.OnFlowEvent(1, 500, RxDirection)

	assert.Equal(t, uint64(2896), fr.Window(0, TxDirection))
	assert.Equal(t, uint64(0), fr.Window(0, RxDirection))
	assert.Equal(t, uint64(500), fr.Window(1, RxDirection))
	assert.Equal(t, uint64(2896), fr.Flow(0).TxBytes)
	assert.Equal(t, uint64(500), fr.Flow(1).RxBytes)
}

func TestOnFlowEventUnknownIndexPanics(t *testing.T) {
	fr := registryOf(2)
	assert.Panics(t, func() { fr.OnFlowEvent(2, 10, TxDirection) })
	assert.Panics(t, func() { fr.OnFlowEvent(0, -1, TxDirection) })

	partial := CreateFlowRegistry("partial", 2)
	partial.Register(&Flow{Index: 0})
	assert.Panics(t, func() { partial.OnFlowEvent(1, 10, RxDirection) }, "index never registered")
}

func TestSnapshotReadsAndResets(t *testing.T) {
	fr := registryOf(3)
	fr.OnFlowEvent(0, 100, RxDirection)
	fr.OnFlowEvent(2, 300, RxDirection)
	fr.OnFlowEvent(1, 7, TxDirection)

	wc := fr.Snapshot()
	assert.Equal(t, []uint64{100, 0, 300}, wc.Of(RxDirection))
	assert.Equal(t, []uint64{0, 7, 0}, wc.Of(TxDirection))

	again := fr.Snapshot()
	assert.Equal(t, []uint64{0, 0, 0}, again.Rx)
	assert.Equal(t, []uint64{0, 0, 0}, again.Tx)

	// cumulative counters survive the reset
	assert.Equal(t, uint64(300), fr.Flow(2).RxBytes)
}

func TestSnapshotSumsWindowEvents(t *testing.T) {
	fr := registryOf(1)
	for _, bytes := range []int{100, 250, 1400} {
		fr.OnFlowEvent(0, bytes, RxDirection)
	}
	assert.Equal(t, []uint64{1750}, fr.Snapshot().Rx)
	assert.Equal(t, []uint64{0}, fr.Snapshot().Rx)
}

func TestResetAllKeepsFlows(t *testing.T) {
	fr := registryOf(2)
	fr.OnFlowEvent(1, 42, RxDirection)
	fr.ResetAll()
	assert.Equal(t, uint64(0), fr.Window(1, RxDirection))
	assert.Equal(t, uint64(42), fr.Flow(1).RxBytes)
	require.NotNil(t, fr.Flow(1))
}

func TestMarkComplete(t *testing.T) {
	fr := CreateFlowRegistry("flows", 2)
	fr.Register(&Flow{Index: 0, Size: 1000, Start: 1.0})
	fr.Register(&Flow{Index: 1, Start: 1.0})

	assert.False(t, fr.MarkComplete(0, 0.5), "completion before start")
	assert.True(t, fr.MarkComplete(0, 1.25))
	assert.True(t, fr.Flow(0).Completed)
	assert.Equal(t, 1.25, fr.Flow(0).CompletedAt)
	assert.False(t, fr.MarkComplete(1, 2.0), "long-lived flows never complete")
}

func TestDirectionStrings(t *testing.T) {
	for _, dir := range []Direction{TxDirection, RxDirection} {
		parsed, err := DirectionFromStr(dir.String())
		require.NoError(t, err)
		assert.Equal(t, dir, parsed)
	}
	_, err := DirectionFromStr("sideways")
	assert.Error(t, err)
}
