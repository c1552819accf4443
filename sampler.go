package fairsim

// sampler.go implements the periodic sampler.  Once per interval it snapshots the
// windowed counters of every traffic group (reading and zeroing them in one step),
// then derives
//   - the rate of every flow that moved bytes in the window, in Mbps
//   - per group, the average rate over those active flows, written to the
//     throughput series under the sentinel index N (the group's flow count)
//   - per group, Jain's index over the active flows' counts, defined only when
//     every flow of the group was active
//   - the utilization of the bottleneck, from the bytes of the groups crossing it
//   - the cross-group index over counts normalized by each group's fair share
//   - aggregate rates of named sets of groups, in Gbps
//
// and writes them through the report sink.  The sampler is a RecurringTask, so it
// keeps running until the event loop reaches its horizon.

import (
	"fmt"

	"github.com/golang/glog"
)

// TrafficGroup is one set of flows sampled together
type TrafficGroup struct {
	Registry *FlowRegistry

	// IdealMbps is the group's fair share per flow.  Groups with a positive share
	// take part in the cross-group index
	IdealMbps float64

	// Bottleneck marks groups whose bytes cross the bottleneck link
	Bottleneck bool

	// Series names the throughput series written for each direction.  Directions
	// with no entry are sampled but not written
	Series map[Direction]string

	// Fairness evaluates the group's own index, nil for none
	Fairness *FairnessEngine
}

// Name returns the name of the group's registry
func (tg *TrafficGroup) Name() string {
	return tg.Registry.Name
}

// AggregateCfg names a series carrying the summed rate of some groups
type AggregateCfg struct {
	Series string
	Groups []string
}

// SamplerCfg holds the parameters of a Sampler
type SamplerCfg struct {
	Interval float64 // seconds between ticks, also the length of a window

	// Measure is the direction whose counts feed fairness, utilization and aggregates
	Measure Direction

	// CapacityBps is the nominal bottleneck rate.  Zero turns utilization off
	CapacityBps       float64
	UtilizationSeries string

	// Global evaluates the cross-group index, nil for none
	Global *GroupFairness

	Aggregates []AggregateCfg
}

// GroupTick is what one tick derived for one group
type GroupTick struct {
	Group       string
	ActiveFlows int
	SumBytes    uint64
	AverageMbps float64
	HasAverage  bool
	Fairness    float64
	HasFairness bool
}

// TickReport collects the results of one tick
type TickReport struct {
	Time           float64
	Groups         []GroupTick
	Utilization    float64
	HasUtilization bool
	Global         float64
	HasGlobal      bool
	Aggregates     map[string]float64 // Gbps, only for aggregates with an active flow
}

// Sampler is the periodic sampler
type Sampler struct {
	Cfg    SamplerCfg
	groups []*TrafficGroup
	byName map[string]*TrafficGroup
	sched  Scheduler
	out    emitter
	task   *RecurringTask
	last   *TickReport
}

// CreateSampler is a constructor
func CreateSampler(sched Scheduler, sink ReportSink, cfg SamplerCfg, groups []*TrafficGroup) *Sampler {
	if !(cfg.Interval > 0.0) {
		panic(fmt.Errorf("sampler interval must be positive, got %g", cfg.Interval))
	}
	smplr := &Sampler{Cfg: cfg, groups: groups, sched: sched, out: emitter{sink: sink}}
	smplr.byName = make(map[string]*TrafficGroup)
	for _, tg := range groups {
		smplr.byName[tg.Name()] = tg
	}
	for _, agg := range cfg.Aggregates {
		for _, name := range agg.Groups {
			if _, present := smplr.byName[name]; !present {
				panic(fmt.Errorf("aggregate %s names unknown group %s", agg.Series, name))
			}
		}
	}
	return smplr
}

// Declare announces every series the sampler writes to the sink
func (smplr *Sampler) Declare() error {
	if smplr.out.sink == nil {
		return nil
	}
	var descs []SeriesDesc
	for _, tg := range smplr.groups {
		for _, dir := range []Direction{TxDirection, RxDirection} {
			if name, present := tg.Series[dir]; present {
				descs = append(descs, SeriesDesc{Name: name, Kind: TimeIndexValue,
					Header: "#time_s\tflow_index\tthroughput_Mbps"})
			}
		}
		if tg.Fairness != nil {
			descs = append(descs, SeriesDesc{Name: tg.Fairness.Series, Kind: TimeValue, Header: "#time_s\tjain_index"})
		}
	}
	if smplr.utilizationOn() {
		descs = append(descs, SeriesDesc{Name: smplr.Cfg.UtilizationSeries, Kind: TimeValue,
			Header: "#time_s\tutilization_pct"})
	}
	if smplr.Cfg.Global != nil {
		descs = append(descs, SeriesDesc{Name: smplr.Cfg.Global.Engine.Series, Kind: TimeValue,
			Header: "#time_s\tjain_index"})
	}
	for _, agg := range smplr.Cfg.Aggregates {
		descs = append(descs, SeriesDesc{Name: agg.Series, Kind: TimeValue, Header: "#time_s\tthroughput_Gbps"})
	}
	for _, desc := range descs {
		if err := smplr.out.sink.Declare(desc); err != nil {
			return err
		}
	}
	return nil
}

func (smplr *Sampler) utilizationOn() bool {
	return smplr.Cfg.CapacityBps > 0.0 && len(smplr.Cfg.UtilizationSeries) > 0
}

// Start zeroes every group's counters, opening the first window, and schedules the
// first tick one interval later
func (smplr *Sampler) Start() {
	for _, tg := range smplr.groups {
		tg.Registry.ResetAll()
	}
	smplr.task = Every(smplr.sched, "sampler", smplr.Cfg.Interval, smplr.Cfg.Interval, smplr.tick)
}

func (smplr *Sampler) tick(now float64) {
	smplr.Sample(now)
}

// Last returns the report of the most recent tick, nil before the first
func (smplr *Sampler) Last() *TickReport {
	return smplr.last
}

// Ticks returns the number of ticks run so far
func (smplr *Sampler) Ticks() int {
	if smplr.task == nil {
		return 0
	}
	return smplr.task.Runs()
}

// RateMbps converts the bytes of one window to megabits per second
func RateMbps(byteCount uint64, intervalSecs float64) float64 {
	return float64(byteCount) * 8 / intervalSecs / 1e6
}

// UtilizationPct is the share of capacity, in percent, that sumBits carried in
// intervalSecs represent
func UtilizationPct(sumBits, intervalSecs, capacityBps float64) float64 {
	return (sumBits / intervalSecs) / capacityBps * 100
}

// activeCounts returns the indices and counts of the flows with bytes in the window
func activeCounts(counts []uint64) ([]int, []uint64) {
	var idxs []int
	var active []uint64
	for idx, cnt := range counts {
		if cnt > 0 {
			idxs = append(idxs, idx)
			active = append(active, cnt)
		}
	}
	return idxs, active
}

// Sample performs the work of one tick at time now
func (smplr *Sampler) Sample(now float64) *TickReport {
	interval := smplr.Cfg.Interval

	// read-and-reset every group before deriving anything
	windows := make([]WindowCounts, len(smplr.groups))
	for gidx, tg := range smplr.groups {
		windows[gidx] = tg.Registry.Snapshot()
	}

	report := &TickReport{Time: now, Aggregates: make(map[string]float64)}
	measured := make(map[string][]uint64)
	var bottleneckBytes uint64
	var globalIn []GroupCounts

	for gidx, tg := range smplr.groups {
		wc := windows[gidx]
		for _, dir := range []Direction{TxDirection, RxDirection} {
			if name, present := tg.Series[dir]; present {
				smplr.writeThroughput(name, now, wc.Of(dir))
			}
		}

		_, active := activeCounts(wc.Of(smplr.Cfg.Measure))
		gt := GroupTick{Group: tg.Name(), ActiveFlows: len(active)}
		for _, cnt := range active {
			gt.SumBytes += cnt
		}
		if len(active) > 0 {
			gt.AverageMbps = RateMbps(gt.SumBytes, interval) / float64(len(active))
			gt.HasAverage = true
		}
		if tg.Fairness != nil {
			gt.Fairness, gt.HasFairness = tg.Fairness.Sample(now, active)
			if gt.HasFairness {
				smplr.out.emit(tg.Fairness.Series, Record{Time: now, Value: gt.Fairness})
			}
		}
		report.Groups = append(report.Groups, gt)

		measured[tg.Name()] = wc.Of(smplr.Cfg.Measure)
		if tg.Bottleneck {
			bottleneckBytes += gt.SumBytes
		}
		if tg.IdealMbps > 0.0 {
			globalIn = append(globalIn, GroupCounts{Group: tg.Name(), IdealMbps: tg.IdealMbps, Counts: active})
		}
	}

	if smplr.utilizationOn() {
		report.Utilization = UtilizationPct(float64(bottleneckBytes*8), interval, smplr.Cfg.CapacityBps)
		report.HasUtilization = true
		smplr.out.emit(smplr.Cfg.UtilizationSeries, Record{Time: now, Value: report.Utilization})
	}

	if smplr.Cfg.Global != nil {
		report.Global, report.HasGlobal = smplr.Cfg.Global.Global(now, globalIn)
		if report.HasGlobal {
			smplr.out.emit(smplr.Cfg.Global.Engine.Series, Record{Time: now, Value: report.Global})
		}
	}

	for _, agg := range smplr.Cfg.Aggregates {
		var sum uint64
		for _, name := range agg.Groups {
			for _, cnt := range measured[name] {
				sum += cnt
			}
		}
		if sum == 0 {
			// no flow of the named groups was active
			continue
		}
		gbps := float64(sum) * 8 / interval / 1e9
		report.Aggregates[agg.Series] = gbps
		smplr.out.emit(agg.Series, Record{Time: now, Value: gbps})
	}

	if glog.V(2) {
		for _, gt := range report.Groups {
			glog.Infof("%.3f %s active %d avg %.3f Mbps", now, gt.Group, gt.ActiveFlows, gt.AverageMbps)
		}
	}
	smplr.last = report
	return report
}

// writeThroughput writes a row per active flow and, when any flow was active, the
// average over the active flows under the sentinel index len(counts)
func (smplr *Sampler) writeThroughput(series string, now float64, counts []uint64) {
	idxs, active := activeCounts(counts)
	if len(active) == 0 {
		return
	}
	var sum float64
	for pos, idx := range idxs {
		mbps := RateMbps(active[pos], smplr.Cfg.Interval)
		sum += mbps
		smplr.out.emit(series, Record{Time: now, Key: int64(idx), Value: mbps})
	}
	smplr.out.emit(series, Record{Time: now, Key: int64(len(counts)), Value: sum / float64(len(active))})
}
