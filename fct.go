package fairsim

// fct.go tracks flow completion times.  The start of a flow is the time the plan
// scheduled it for.  Its end is the last time its sender saw the transport signal
// that marks the data delivered (each acknowledgment overwrites the previous one).
// A flow is finished only once its sender has every byte acknowledged; a flow the
// horizon cuts off keeps its last end time but stays out of the distribution.
// At the end of the run Finalize turns each (start, end) pair into an integer count
// of microseconds.  A negative result is logged and flagged but still reported.

import (
	"fmt"
	"io"
	"math"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/stat"
)

// FCTRecord is the completion time of one flow
type FCTRecord struct {
	Flow      int
	Size      uint64
	Start     float64 // seconds
	End       float64 // seconds, zero when no terminal signal was seen
	FCTMicros int64
	Finished  bool // the sender saw its whole size acknowledged
	Anomalous bool // FCTMicros < 0
}

// FCTTracker accumulates start and end times per flow index
type FCTTracker struct {
	size     []uint64
	start    []float64
	end      []float64
	finished []bool
	anomOut  io.Writer
}

// CreateFCTTracker is a constructor for n flows.  Anomaly lines go to anomOut, if not nil
func CreateFCTTracker(n int, anomOut io.Writer) *FCTTracker {
	return &FCTTracker{
		size:     make([]uint64, n),
		start:    make([]float64, n),
		end:      make([]float64, n),
		finished: make([]bool, n),
		anomOut:  anomOut,
	}
}

func (ft *FCTTracker) checkIdx(idx int) {
	if idx < 0 || idx >= len(ft.start) {
		panic(fmt.Errorf("FCT tracker has no flow %d (tracking %d)", idx, len(ft.start)))
	}
}

// SetSize records the nominal size reported with the flow's FCT
func (ft *FCTTracker) SetSize(idx int, size uint64) {
	ft.checkIdx(idx)
	ft.size[idx] = size
}

// OnFlowStart records the scheduled start of a flow
func (ft *FCTTracker) OnFlowStart(idx int, t float64) {
	ft.checkIdx(idx)
	ft.start[idx] = t
}

// OnFlowRxTerminal records a terminal signal; the last one before the run ends wins
func (ft *FCTTracker) OnFlowRxTerminal(idx int, t float64) {
	ft.checkIdx(idx)
	ft.end[idx] = t
}

// OnFlowComplete marks a flow whose data was all acknowledged
func (ft *FCTTracker) OnFlowComplete(idx int) {
	ft.checkIdx(idx)
	ft.finished[idx] = true
}

// FCTMicros is end - start in whole microseconds
func FCTMicros(start, end float64) int64 {
	return int64(math.Round((end - start) * 1e6))
}

// Finalize computes the completion times of the first flowCount flows
func (ft *FCTTracker) Finalize(flowCount int) []FCTRecord {
	if flowCount > len(ft.start) {
		panic(fmt.Errorf("finalize of %d flows, tracker holds %d", flowCount, len(ft.start)))
	}
	recs := make([]FCTRecord, flowCount)
	for idx := 0; idx < flowCount; idx++ {
		rec := FCTRecord{Flow: idx, Size: ft.size[idx], Start: ft.start[idx], End: ft.end[idx],
			Finished: ft.finished[idx]}
		rec.FCTMicros = FCTMicros(rec.Start, rec.End)
		if rec.FCTMicros < 0 {
			rec.Anomalous = true
			glog.Warningf("flow %d (size %d) has negative FCT: start %.6f end %.6f finished %t",
				idx, rec.Size, rec.Start, rec.End, rec.Finished)
			if ft.anomOut != nil {
				fmt.Fprintf(ft.anomOut, "%d %d %d %d\n", idx, rec.Size,
					int64(math.Round(rec.Start*1e6)), int64(math.Round(rec.End*1e6)))
			}
		}
		recs[idx] = rec
	}
	return recs
}

// WriteFCT declares series on sink and writes one (size, FCT) row per record
func WriteFCT(sink ReportSink, series string, recs []FCTRecord) error {
	if err := sink.Declare(SeriesDesc{Name: series, Kind: SizeValue, Header: "#flow_size_bytes\tfct_us"}); err != nil {
		return err
	}
	for _, rec := range recs {
		if err := sink.Append(series, Record{Key: int64(rec.Size), Value: float64(rec.FCTMicros)}); err != nil {
			return err
		}
	}
	return nil
}

// FCTStats summarizes the well-formed records of a run, in microseconds
type FCTStats struct {
	Count      int     `json:"count" yaml:"count"`
	Anomalies  int     `json:"anomalies" yaml:"anomalies"`
	Unfinished int     `json:"unfinished" yaml:"unfinished"`
	Mean       float64 `json:"mean" yaml:"mean"`
	P50        float64 `json:"p50" yaml:"p50"`
	P95        float64 `json:"p95" yaml:"p95"`
	P99        float64 `json:"p99" yaml:"p99"`
	Max        float64 `json:"max" yaml:"max"`
}

// FCTDistribution summarizes recs.  Unfinished and anomalous records are counted
// but kept out of the statistics.  An unfinished record is never also counted as an anomaly.
func FCTDistribution(recs []FCTRecord) FCTStats {
	var fs FCTStats
	var vals []float64
	for _, rec := range recs {
		switch {
		case !rec.Finished:
			fs.Unfinished += 1
		case rec.Anomalous:
			fs.Anomalies += 1
		default:
			vals = append(vals, float64(rec.FCTMicros))
		}
	}
	fs.Count = len(vals)
	if len(vals) == 0 {
		return fs
	}
	slices.Sort(vals)
	fs.Mean = stat.Mean(vals, nil)
	fs.P50 = stat.Quantile(0.50, stat.Empirical, vals, nil)
	fs.P95 = stat.Quantile(0.95, stat.Empirical, vals, nil)
	fs.P99 = stat.Quantile(0.99, stat.Empirical, vals, nil)
	fs.Max = vals[len(vals)-1]
	return fs
}
