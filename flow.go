package fairsim

// flow.go holds the description of the flows in an experiment and the registry
// that accumulates their byte counts.
//
// A FlowRegistry is sized when the experiment plan is built and never grows.
// Every flow of a traffic group gets an index in [0, N) and is registered before the
// event loop starts.  The transport endpoints report bytes through the FlowEventSink
// interface, naming the flow by the index carried in the packet's FlowTag.  For each
// flow the registry keeps cumulative tx and rx counts, and a pair of windowed counts
// that the sampler reads and zeroes once per sampling interval.

import (
	"fmt"
)

// Direction distinguishes bytes handed to the transport by a sender (tx) from
// bytes delivered to a receiver (rx)
type Direction int

const (
	TxDirection Direction = iota
	RxDirection
)

var dirToStr = map[Direction]string{TxDirection: "tx", RxDirection: "rx"}
var strToDir = map[string]Direction{"tx": TxDirection, "rx": RxDirection}

// String gives the name used in configuration files and logs
func (dir Direction) String() string {
	str, present := dirToStr[dir]
	if !present {
		return fmt.Sprintf("Direction(%d)", int(dir))
	}
	return str
}

// DirectionFromStr maps "tx" or "rx" to a Direction
func DirectionFromStr(str string) (Direction, error) {
	dir, present := strToDir[str]
	if !present {
		return TxDirection, fmt.Errorf("direction %q is not one of tx, rx: %w", str, ErrBadConfig)
	}
	return dir, nil
}

// FlowEventSink receives packet-boundary notifications from the transport.
// flowIdx is the index stamped on the data when it was generated.
type FlowEventSink interface {
	OnFlowEvent(flowIdx int, byteCount int, dir Direction)
}

// Flow describes one sender-to-receiver transfer
type Flow struct {
	Index int    // unique within the group
	Group string // name of the traffic group (and registry) the flow belongs to
	Src   string // sending endpoint, as named by the topology
	Dst   string // receiving endpoint

	// Size is the number of bytes to send, zero meaning unbounded
	Size  uint64
	Start float64 // scheduled start time, seconds
	Stop  float64 // scheduled stop time, zero if the flow runs to the horizon

	TxBytes uint64 // cumulative
	RxBytes uint64 // cumulative

	Completed   bool
	CompletedAt float64
}

// LongLived is true for flows with no size bound
func (flow *Flow) LongLived() bool {
	return flow.Size == 0
}

// FlowRegistry owns the flows of one traffic group and their byte counters
type FlowRegistry struct {
	Name   string
	flows  []*Flow
	window [2][]uint64 // indexed by Direction then flow index
}

// CreateFlowRegistry is a constructor.  n is the designed flow count of the group
func CreateFlowRegistry(name string, n int) *FlowRegistry {
	if n < 0 {
		panic(fmt.Errorf("flow registry %s sized with negative count %d", name, n))
	}
	fr := new(FlowRegistry)
	fr.Name = name
	fr.flows = make([]*Flow, n)
	fr.window[TxDirection] = make([]uint64, n)
	fr.window[RxDirection] = make([]uint64, n)
	return fr
}

// Len returns the designed flow count
func (fr *FlowRegistry) Len() int {
	return len(fr.flows)
}

// Register places flow at its index.  An index outside [0, Len()) or a second
// registration of the same index is a plan/registry mismatch and panics.
func (fr *FlowRegistry) Register(flow *Flow) {
	fr.checkIdx(flow.Index)
	if fr.flows[flow.Index] != nil {
		panic(fmt.Errorf("flow %d registered twice in %s", flow.Index, fr.Name))
	}
	flow.Group = fr.Name
	fr.flows[flow.Index] = flow
}

// Flow returns the flow registered at idx
func (fr *FlowRegistry) Flow(idx int) *Flow {
	fr.checkIdx(idx)
	return fr.flows[idx]
}

// Flows returns the registered flows in index order
func (fr *FlowRegistry) Flows() []*Flow {
	return fr.flows
}

func (fr *FlowRegistry) checkIdx(idx int) {
	if idx < 0 || idx >= len(fr.flows) {
		panic(fmt.Errorf("flow index %d outside registry %s of %d flows", idx, fr.Name, len(fr.flows)))
	}
}

// OnFlowEvent adds byteCount to the flow's windowed and cumulative counters for dir
func (fr *FlowRegistry) OnFlowEvent(flowIdx int, byteCount int, dir Direction) {
	fr.checkIdx(flowIdx)
	flow := fr.flows[flowIdx]
	if flow == nil {
		panic(fmt.Errorf("event for unregistered flow %d in %s", flowIdx, fr.Name))
	}
	if byteCount < 0 {
		panic(fmt.Errorf("negative byte count %d reported for flow %d in %s", byteCount, flowIdx, fr.Name))
	}

	fr.window[dir][flowIdx] += uint64(byteCount)
	if dir == TxDirection {
		flow.TxBytes += uint64(byteCount)
	} else {
		flow.RxBytes += uint64(byteCount)
	}
}

// MarkComplete records that the flow at idx finished at time t.  Unbounded flows
// never complete, and neither does a flow whose completion would precede its start;
// both cases return false and leave the flow untouched.
func (fr *FlowRegistry) MarkComplete(idx int, t float64) bool {
	flow := fr.Flow(idx)
	if flow == nil || flow.LongLived() || t < flow.Start {
		return false
	}
	flow.Completed = true
	flow.CompletedAt = t
	return true
}

// ResetAll zeroes every windowed counter.  Cumulative counts are kept
func (fr *FlowRegistry) ResetAll() {
	clear(fr.window[TxDirection])
	clear(fr.window[RxDirection])
}

// WindowCounts is one window's worth of per-flow byte counts
type WindowCounts struct {
	Tx []uint64
	Rx []uint64
}

// Of selects the counts for one direction
func (wc WindowCounts) Of(dir Direction) []uint64 {
	if dir == TxDirection {
		return wc.Tx
	}
	return wc.Rx
}

// Snapshot copies out the windowed counters and zeroes them in the same step,
// so no event can land between the read and the reset
func (fr *FlowRegistry) Snapshot() WindowCounts {
	wc := WindowCounts{
		Tx: make([]uint64, len(fr.flows)),
		Rx: make([]uint64, len(fr.flows)),
	}
	copy(wc.Tx, fr.window[TxDirection])
	copy(wc.Rx, fr.window[RxDirection])
	fr.ResetAll()
	return wc
}

// Window reads the current windowed count of one flow without resetting it
func (fr *FlowRegistry) Window(idx int, dir Direction) uint64 {
	fr.checkIdx(idx)
	return fr.window[dir][idx]
}
