package fairsim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInterval = 0.001

func twoFlowSampler(t *testing.T) (*manualSched, *memSink, *FlowRegistry, *Sampler) {
	t.Helper()
	sched := &manualSched{}
	sink := newMemSink()
	reg := registryOf(2)
	group := &TrafficGroup{Registry: reg, Bottleneck: true,
		Series:   map[Direction]string{RxDirection: "S1R1-throughput"},
		Fairness: CreateFairnessEngine("Jain", 2, DefaultThresholds, nil)}
	smplr := CreateSampler(sched, sink, SamplerCfg{Interval: testInterval, Measure: RxDirection,
		CapacityBps: 1e9, UtilizationSeries: "bottleneck-utilization"}, []*TrafficGroup{group})
	require.NoError(t, smplr.Declare())
	return sched, sink, reg, smplr
}

func TestSamplerTick(t *testing.T) {
	sched, sink, reg, smplr := twoFlowSampler(t)

	// counted before Start: discarded when the first window opens
	reg.OnFlowEvent(0, 99999, RxDirection)
	smplr.Start()
	sched.After(0.0005, func(float64) {
		reg.OnFlowEvent(0, 1000, RxDirection)
		reg.OnFlowEvent(1, 3000, RxDirection)
		reg.OnFlowEvent(1, 50, TxDirection)
	})
	sched.runUntil(testInterval)

	require.Equal(t, 1, smplr.Ticks())
	rows := sink.rows["S1R1-throughput"]
	require.Len(t, rows, 3)
	assert.Equal(t, int64(0), rows[0].Key)
	assert.InDelta(t, 8.0, rows[0].Value, 1e-9)
	assert.Equal(t, int64(1), rows[1].Key)
	assert.InDelta(t, 24.0, rows[1].Value, 1e-9)
	assert.Equal(t, int64(2), rows[2].Key, "sentinel index is the flow count")
	assert.InDelta(t, 16.0, rows[2].Value, 1e-9)

	jain := sink.rows["Jain"]
	require.Len(t, jain, 1)
	assert.InDelta(t, 0.8, jain[0].Value, 1e-12)

	util := sink.rows["bottleneck-utilization"]
	require.Len(t, util, 1)
	assert.Equal(t, UtilizationPct(32000, testInterval, 1e9), util[0].Value)
	assert.InDelta(t, 3.2, util[0].Value, 1e-9)

	report := smplr.Last()
	require.NotNil(t, report)
	require.Len(t, report.Groups, 1)
	assert.Equal(t, 2, report.Groups[0].ActiveFlows)
	assert.Equal(t, uint64(4000), report.Groups[0].SumBytes)

	// counters were reset by the tick
	assert.Equal(t, uint64(0), reg.Window(1, RxDirection))
	assert.Equal(t, uint64(0), reg.Window(1, TxDirection))
}

func TestSamplerIdleWindow(t *testing.T) {
	sched, sink, _, smplr := twoFlowSampler(t)
	smplr.Start()
	sched.runUntil(3 * testInterval)

	assert.Equal(t, 3, smplr.Ticks())
	assert.Empty(t, sink.rows["S1R1-throughput"], "no active flow, no rows and no average")
	assert.Empty(t, sink.rows["Jain"])
	report := smplr.Last()
	assert.False(t, report.Groups[0].HasAverage)
	assert.False(t, report.Groups[0].HasFairness)
	for _, rec := range sink.rows["bottleneck-utilization"] {
		assert.Equal(t, 0.0, rec.Value)
	}
}

func TestSamplerPartialPopulation(t *testing.T) {
	sched, sink, reg, smplr := twoFlowSampler(t)
	smplr.Start()
	sched.After(0.0002, func(float64) {
		reg.OnFlowEvent(1, 1448, RxDirection)
	})
	sched.runUntil(testInterval)

	rows := sink.rows["S1R1-throughput"]
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0].Key)
	assert.Equal(t, int64(2), rows[1].Key)
	assert.Equal(t, rows[0].Value, rows[1].Value, "average over the single active flow")
	assert.Empty(t, sink.rows["Jain"], "one of two flows active")
}

func TestSamplerGlobalAndAggregates(t *testing.T) {
	sched := &manualSched{}
	sink := newMemSink()
	interval := 0.01
	groupA := &TrafficGroup{Registry: CreateFlowRegistry("A", 2), IdealMbps: 50}
	groupB := &TrafficGroup{Registry: CreateFlowRegistry("B", 1), IdealMbps: 475}
	for idx := 0; idx < 2; idx++ {
		groupA.Registry.Register(&Flow{Index: idx})
	}
	groupB.Registry.Register(&Flow{Index: 0})

	cfg := SamplerCfg{Interval: interval, Measure: TxDirection,
		Global:     CreateGroupFairness("global-fairness", 3, interval, DefaultThresholds, nil),
		Aggregates: []AggregateCfg{{Series: "ab-aggregate", Groups: []string{"A", "B"}}}}
	smplr := CreateSampler(sched, sink, cfg, []*TrafficGroup{groupA, groupB})
	require.NoError(t, smplr.Declare())
	smplr.Start()

	small := int(IdealBytes(50, interval))
	large := int(IdealBytes(475, interval))
	sched.After(0.005, func(float64) {
		groupA.Registry.OnFlowEvent(0, small, TxDirection)
		groupA.Registry.OnFlowEvent(1, small, TxDirection)
		groupB.Registry.OnFlowEvent(0, large, TxDirection)
	})
	sched.runUntil(interval)

	global := sink.rows["global-fairness"]
	require.Len(t, global, 1)
	assert.InDelta(t, 1.0, global[0].Value, 1e-6)

	agg := sink.rows["ab-aggregate"]
	require.Len(t, agg, 1)
	// 2*50 + 475 Mbps
	assert.InDelta(t, 0.575, agg[0].Value, 1e-6)
	assert.Equal(t, TimeValue, sink.descs["ab-aggregate"].Kind)

	// an idle window writes no aggregate row
	sched.runUntil(2 * interval)
	assert.Len(t, sink.rows["ab-aggregate"], 1)
	_, present := smplr.Last().Aggregates["ab-aggregate"]
	assert.False(t, present)
}

func TestCreateSamplerChecks(t *testing.T) {
	sched := &manualSched{}
	assert.Panics(t, func() { CreateSampler(sched, nil, SamplerCfg{Interval: 0}, nil) })
	assert.Panics(t, func() {
		CreateSampler(sched, nil, SamplerCfg{Interval: 1,
			Aggregates: []AggregateCfg{{Series: "x", Groups: []string{"missing"}}}}, nil)
	})
}

func TestRateHelpers(t *testing.T) {
	assert.InDelta(t, 8.0, RateMbps(1000, 0.001), 1e-9)
	// (sum_bits / interval) / capacity * 100
	assert.Equal(t, (2.5e8/0.001)/25e9*100, UtilizationPct(2.5e8, 0.001, 25e9))
}
