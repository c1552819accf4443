package fairsim

// flow-sim.go holds the transport endpoints of a flow: a BulkSender that pushes
// segments into the network under a congestion window, and a PacketSink that
// counts what arrives and acknowledges it.
//
// The window starts at InitialWindow segments, grows by one segment per ACK below
// the slow-start threshold and by 1/cwnd above it, and is capped by the send
// buffer.  A drop halves the window (at most once per round trip) and queues the
// segment for retransmission.  ACKs and loss notices reach the sender after the
// propagation delay of the reverse path; they do not occupy the reverse links.
//
// Both endpoints report bytes through a FlowEventSink: the sender when it hands new
// data to the network, the sink when data is delivered.  The flow index comes from
// the FlowTag the sender stamped on the packet.

import (
	"fmt"
	"math"

	"github.com/golang/glog"
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

const (
	DefaultSegmentSize = 1448
	HeaderBytes        = 52
)

// TransportCfg parameterizes a BulkSender
type TransportCfg struct {
	TypeID        string // recorded, the window rules above apply to every id
	SegmentSize   int
	SendBuffer    int
	InitialWindow int
}

// MaxWindow is the send buffer in segments
func (tc TransportCfg) MaxWindow() float64 {
	return math.Max(1.0, math.Floor(float64(tc.SendBuffer)/float64(tc.SegmentSize)))
}

// FlowTerminalSink is told each time a flow's sender sees data acknowledged
type FlowTerminalSink interface {
	OnFlowRxTerminal(flowIdx int, t float64)
}

// PacketSink is the receiving endpoint of one or more flows on a node
type PacketSink struct {
	Node    string
	events  FlowEventSink
	Packets uint64
	Bytes   uint64
}

// CreatePacketSink is a constructor.  Delivered bytes are reported to events
func CreatePacketSink(node string, events FlowEventSink) *PacketSink {
	return &PacketSink{Node: node, events: events}
}

// deliver accounts for a packet that reached the end of its path and returns its ACK
func (ps *PacketSink) deliver(evtMgr *evtm.EventManager, pkt *Packet) {
	ps.Packets += 1
	ps.Bytes += uint64(pkt.Payload)
	if ps.events != nil {
		ps.events.OnFlowEvent(pkt.Tag.Index, pkt.Payload, RxDirection)
	}
	evtMgr.Schedule(pkt.sender, pkt, ackArrival, vrtime.SecondsToTime(pkt.sender.ackDelay))
}

// BulkSender sends MaxBytes (or without end, when zero) from Src to Dst
type BulkSender struct {
	Tag      FlowTag
	Cfg      TransportCfg
	MaxBytes uint64
	Src      string
	Dst      string

	path       []*Link
	ackDelay   float64
	sink       *PacketSink
	events     FlowEventSink
	terminal   FlowTerminalSink
	onComplete func(now float64)

	cwnd         float64
	ssthresh     float64
	maxWindow    float64
	srtt         float64
	recoverUntil float64
	inFlight     int
	nextSeq      uint64
	queued       uint64 // bytes of new data handed to the network
	acked        uint64
	resend       []*Packet
	stopAt       float64
	running      bool
	done         bool

	Acks        uint64
	Losses      uint64
	Retransmits uint64
}

// CreateBulkSender routes a flow from src to dst through ntwk and returns its sender.
// Sent bytes are reported to events; the receiving sink is attached with Connect.
func CreateBulkSender(ntwk *Network, tag FlowTag, src, dst string, cfg TransportCfg, maxBytes uint64,
	events FlowEventSink) (*BulkSender, error) {

	if cfg.SegmentSize < 1 {
		cfg.SegmentSize = DefaultSegmentSize
	}
	if cfg.InitialWindow < 1 {
		cfg.InitialWindow = 1
	}
	path, err := ntwk.Path(src, dst)
	if err != nil {
		return nil, fmt.Errorf("flow %s/%d: %w", tag.Group, tag.Index, err)
	}
	bs := &BulkSender{Tag: tag, Cfg: cfg, MaxBytes: maxBytes, Src: src, Dst: dst, path: path, events: events}
	bs.ackDelay = pathDelay(reversePath(path))
	bs.maxWindow = cfg.MaxWindow()
	bs.cwnd = math.Min(float64(cfg.InitialWindow), bs.maxWindow)
	bs.ssthresh = math.Inf(1)
	bs.srtt = 2 * pathDelay(path)
	return bs, nil
}

// Connect names the sink packets are delivered to
func (bs *BulkSender) Connect(sink *PacketSink) {
	bs.sink = sink
}

// SetTerminal names the listener for acknowledgment signals
func (bs *BulkSender) SetTerminal(terminal FlowTerminalSink) {
	bs.terminal = terminal
}

// SetOnComplete names a function called once when every byte of a bounded flow is acknowledged
func (bs *BulkSender) SetOnComplete(onComplete func(now float64)) {
	bs.onComplete = onComplete
}

// Path returns the links the flow's data traverses
func (bs *BulkSender) Path() []*Link {
	return bs.path
}

// Window is the current congestion window, in segments
func (bs *BulkSender) Window() float64 {
	return bs.cwnd
}

// Done is true once a bounded flow has been completely acknowledged
func (bs *BulkSender) Done() bool {
	return bs.done
}

// Schedule arranges for the sender to start at start and stop generating new data at
// stop (zero for never), both absolute times
func (bs *BulkSender) Schedule(evtMgr *evtm.EventManager, start, stop float64) {
	if bs.sink == nil {
		panic(fmt.Errorf("flow %s/%d scheduled without a sink", bs.Tag.Group, bs.Tag.Index))
	}
	bs.stopAt = stop
	delay := math.Max(0.0, start-evtMgr.CurrentSeconds())
	evtMgr.Schedule(bs, nil, senderStart, vrtime.SecondsToTime(delay))
}

// senderStart is the event handler that opens the flow
func senderStart(evtMgr *evtm.EventManager, context any, data any) any {
	bs := context.(*BulkSender)
	bs.running = true
	glog.V(2).Infof("%.6f start flow %s/%d %s->%s", evtMgr.CurrentSeconds(), bs.Tag.Group, bs.Tag.Index, bs.Src, bs.Dst)
	bs.pump(evtMgr)
	return nil
}

func (bs *BulkSender) hasData() bool {
	return len(bs.resend) > 0 || bs.MaxBytes == 0 || bs.queued < bs.MaxBytes
}

// pump sends segments while the window has room
func (bs *BulkSender) pump(evtMgr *evtm.EventManager) {
	now := evtMgr.CurrentSeconds()
	if bs.stopAt > 0.0 && now >= bs.stopAt {
		bs.running = false
	}
	for bs.running && !bs.done && float64(bs.inFlight) < math.Floor(bs.cwnd) && bs.hasData() {
		var pkt *Packet
		if len(bs.resend) > 0 {
			pkt = bs.resend[0]
			bs.resend = bs.resend[1:]
			pkt.hop = 0
			bs.Retransmits += 1
		} else {
			payload := bs.Cfg.SegmentSize
			if bs.MaxBytes > 0 {
				payload = int(min(uint64(payload), bs.MaxBytes-bs.queued))
			}
			pkt = &Packet{Tag: bs.Tag, Seq: bs.nextSeq, Payload: payload, Size: payload + HeaderBytes,
				path: bs.path, sender: bs}
			bs.nextSeq += 1
			bs.queued += uint64(payload)
			if bs.events != nil {
				bs.events.OnFlowEvent(bs.Tag.Index, payload, TxDirection)
			}
		}
		pkt.SentAt = now
		bs.inFlight += 1
		bs.path[0].enqueue(evtMgr, pkt)
	}
}

// ackArrival is the event handler for the ACK of a delivered packet
func ackArrival(evtMgr *evtm.EventManager, context any, data any) any {
	bs := context.(*BulkSender)
	pkt := data.(*Packet)
	now := evtMgr.CurrentSeconds()

	bs.inFlight -= 1
	bs.acked += uint64(pkt.Payload)
	bs.Acks += 1
	bs.srtt = 0.875*bs.srtt + 0.125*(now-pkt.SentAt)
	if bs.terminal != nil {
		bs.terminal.OnFlowRxTerminal(bs.Tag.Index, now)
	}

	if bs.cwnd < bs.ssthresh {
		bs.cwnd += 1.0
	} else {
		bs.cwnd += 1.0 / bs.cwnd
	}
	bs.cwnd = math.Min(bs.cwnd, bs.maxWindow)

	if bs.MaxBytes > 0 && bs.acked >= bs.MaxBytes && !bs.done {
		bs.done = true
		glog.V(2).Infof("%.6f flow %s/%d complete", now, bs.Tag.Group, bs.Tag.Index)
		if bs.onComplete != nil {
			bs.onComplete(now)
		}
		return nil
	}
	bs.pump(evtMgr)
	return nil
}

// lost is called by a link that dropped one of the sender's packets
func (bs *BulkSender) lost(evtMgr *evtm.EventManager, pkt *Packet) {
	bs.Losses += 1
	evtMgr.Schedule(bs, pkt, lossNotice, vrtime.SecondsToTime(bs.ackDelay))
}

// lossNotice is the event handler for the sender learning of a drop
func lossNotice(evtMgr *evtm.EventManager, context any, data any) any {
	bs := context.(*BulkSender)
	pkt := data.(*Packet)
	now := evtMgr.CurrentSeconds()

	bs.inFlight -= 1
	bs.resend = append(bs.resend, pkt)
	if now >= bs.recoverUntil {
		bs.ssthresh = math.Max(bs.cwnd/2, 2.0)
		bs.cwnd = bs.ssthresh
		bs.recoverUntil = now + bs.srtt
	}
	bs.pump(evtMgr)
	return nil
}
