package fairsim

// fairness.go computes Jain's fairness index and tracks the first time a
// fairness series reaches each of a set of thresholds.
//
// For values b_1..b_n the index is (sum b)^2 / (n * sum b^2), which lies in [1/n, 1]
// and is 1 exactly when every value is equal.  A FairnessEngine evaluates the index
// only when the number of values handed to it equals the population it was built
// for.  The sampler hands it the counts of the flows active in a window, so while
// flows are still starting up the engine reports nothing.
//
// Threshold flags are one-shot.  The first sample at or above a level flips the flag,
// records the time and value, and notifies the engine's listener.  Later samples
// never clear a flag.

import (
	"fmt"
	"math/big"

	"golang.org/x/exp/slices"
)

// DefaultThresholds are the convergence levels reported by the experiments
var DefaultThresholds = []float64{0.95, 0.99, 0.999}

// JainIndex returns Jain's index of values.  The second return is false when the
// index is undefined, i.e. for an empty input or one whose values are all zero.
// The sum runs over a sorted copy so the result does not depend on input order.
func JainIndex(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0.0, false
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)

	var sum, sumSq float64
	for _, v := range sorted {
		sum += v
		sumSq += v * v
	}
	if !(sumSq > 0.0) {
		return 0.0, false
	}
	return (sum * sum) / (float64(len(sorted)) * sumSq), true
}

// JainIndexCounts is JainIndex over byte counts.  The sums are kept as exact integers
// and the ratio is rounded once, so n equal counts give exactly 1 and a single
// nonzero count gives the float nearest 1/n.
func JainIndexCounts(counts []uint64) (float64, bool) {
	if len(counts) == 0 {
		return 0.0, false
	}
	sum, sumSq, sq := new(big.Int), new(big.Int), new(big.Int)
	for _, cnt := range counts {
		b := new(big.Int).SetUint64(cnt)
		sum.Add(sum, b)
		sumSq.Add(sumSq, sq.Mul(b, b))
	}
	if sumSq.Sign() == 0 {
		return 0.0, false
	}
	num := new(big.Int).Mul(sum, sum)
	den := new(big.Int).Mul(sumSq, big.NewInt(int64(len(counts))))
	fairness, _ := new(big.Rat).SetFrac(num, den).Float64()
	return fairness, true
}

// Threshold is the state of one one-shot flag
type Threshold struct {
	Level    float64 `json:"level" yaml:"level"`
	Reached  bool    `json:"reached" yaml:"reached"`
	At       float64 `json:"at" yaml:"at"`             // time of the first sample >= Level
	Fairness float64 `json:"fairness" yaml:"fairness"` // value of that sample
}

// ThresholdCrossing is the notification emitted when a flag flips
type ThresholdCrossing struct {
	Series   string  `json:"series" yaml:"series"`
	Level    float64 `json:"level" yaml:"level"`
	Time     float64 `json:"time" yaml:"time"`
	Fairness float64 `json:"fairness" yaml:"fairness"`
}

// String matches the console line written for a crossing
func (tc ThresholdCrossing) String() string {
	return fmt.Sprintf("%.3f %.3f", tc.Time, tc.Fairness)
}

// FairnessEngine evaluates one fairness series
type FairnessEngine struct {
	Series     string
	Population int // designed number of entities, a sample needs exactly this many
	thresholds []Threshold
	notify     func(ThresholdCrossing)
	samples    int
	last       float64
}

// CreateFairnessEngine is a constructor.  levels may come in any order, they are
// kept ascending so lower levels flip first.  notify may be nil.
func CreateFairnessEngine(series string, population int, levels []float64,
	notify func(ThresholdCrossing)) *FairnessEngine {

	if population < 1 {
		panic(fmt.Errorf("fairness series %s needs a positive population, got %d", series, population))
	}
	sorted := slices.Clone(levels)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	fe := &FairnessEngine{Series: series, Population: population, notify: notify}
	fe.thresholds = make([]Threshold, len(sorted))
	for idx, level := range sorted {
		fe.thresholds[idx].Level = level
	}
	return fe
}

// Compute returns the index of counts, or false when the population does not match
// or the index is undefined
func (fe *FairnessEngine) Compute(counts []uint64) (float64, bool) {
	if len(counts) != fe.Population {
		return 0.0, false
	}
	return JainIndexCounts(counts)
}

// ComputeValues is Compute for real-valued inputs such as normalized shares
func (fe *FairnessEngine) ComputeValues(values []float64) (float64, bool) {
	if len(values) != fe.Population {
		return 0.0, false
	}
	return JainIndex(values)
}

// Observe applies one computed sample taken at time now to the threshold flags and
// returns the crossings it caused, lowest level first
func (fe *FairnessEngine) Observe(now, fairness float64) []ThresholdCrossing {
	fe.samples += 1
	fe.last = fairness

	var crossed []ThresholdCrossing
	for idx := range fe.thresholds {
		th := &fe.thresholds[idx]
		if th.Reached || fairness < th.Level {
			continue
		}
		th.Reached = true
		th.At = now
		th.Fairness = fairness
		tc := ThresholdCrossing{Series: fe.Series, Level: th.Level, Time: now, Fairness: fairness}
		crossed = append(crossed, tc)
		if fe.notify != nil {
			fe.notify(tc)
		}
	}
	return crossed
}

// Sample computes the index of counts and, when it is defined, observes it
func (fe *FairnessEngine) Sample(now float64, counts []uint64) (float64, bool) {
	fairness, ok := fe.Compute(counts)
	if ok {
		fe.Observe(now, fairness)
	}
	return fairness, ok
}

// SampleValues is Sample for real-valued inputs
func (fe *FairnessEngine) SampleValues(now float64, values []float64) (float64, bool) {
	fairness, ok := fe.ComputeValues(values)
	if ok {
		fe.Observe(now, fairness)
	}
	return fairness, ok
}

// Flags returns a copy of the threshold states, ascending by level
func (fe *FairnessEngine) Flags() []Threshold {
	return slices.Clone(fe.thresholds)
}

// Reached reports whether the flag for level has flipped
func (fe *FairnessEngine) Reached(level float64) bool {
	for _, th := range fe.thresholds {
		if th.Level == level {
			return th.Reached
		}
	}
	return false
}

// Samples is the number of defined samples observed so far
func (fe *FairnessEngine) Samples() int {
	return fe.samples
}

// Crossings lists the flags flipped so far as notifications
func (fe *FairnessEngine) Crossings() []ThresholdCrossing {
	var tcs []ThresholdCrossing
	for _, th := range fe.thresholds {
		if th.Reached {
			tcs = append(tcs, ThresholdCrossing{Series: fe.Series, Level: th.Level, Time: th.At, Fairness: th.Fairness})
		}
	}
	return tcs
}

// IdealBytes converts a fair-share rate in Mbps to the bytes it carries in a
// window of windowSecs seconds
func IdealBytes(idealMbps, windowSecs float64) float64 {
	return idealMbps * windowSecs * 1e6 / 8
}

// NormalizedShares divides each count by the ideal bytes of its group's fair share,
// which makes groups with different fair shares comparable under one index
func NormalizedShares(counts []uint64, idealMbps, windowSecs float64) []float64 {
	ideal := IdealBytes(idealMbps, windowSecs)
	if !(ideal > 0.0) {
		panic(fmt.Errorf("non-positive ideal share %g Mbps over %g seconds", idealMbps, windowSecs))
	}
	shares := make([]float64, len(counts))
	for idx, cnt := range counts {
		shares[idx] = float64(cnt) / ideal
	}
	return shares
}

// GroupCounts pairs the active counts of one traffic group with its fair share
type GroupCounts struct {
	Group     string
	IdealMbps float64
	Counts    []uint64
}

// GroupFairness computes the cross-group index of several traffic groups
type GroupFairness struct {
	Engine *FairnessEngine
	Window float64 // seconds of traffic each count represents
}

// CreateGroupFairness is a constructor.  population is the total designed flow
// count over all the groups taking part
func CreateGroupFairness(series string, population int, windowSecs float64, levels []float64,
	notify func(ThresholdCrossing)) *GroupFairness {
	return &GroupFairness{
		Engine: CreateFairnessEngine(series, population, levels, notify),
		Window: windowSecs,
	}
}

// Global normalizes every group's counts by the group's ideal share and applies
// Jain's index to the union.  Like the per-group index it is only defined when the
// union has exactly the designed population.
func (gf *GroupFairness) Global(now float64, groups []GroupCounts) (float64, bool) {
	var shares []float64
	for _, gc := range groups {
		shares = append(shares, NormalizedShares(gc.Counts, gc.IdealMbps, gf.Window)...)
	}
	return gf.Engine.SampleValues(now, shares)
}
