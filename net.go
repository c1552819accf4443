package fairsim

// net.go is the packet-level network the experiments run over.
//
// A Network is built from a TopologyDesc.  Each full-duplex link becomes two Link
// structs, one per direction.  A Link serializes packets at its rate, holds the ones
// waiting in a drop-tail FIFO of MaxPackets slots, and delivers each packet to the
// far end after the propagation delay.  A packet carries the list of links of its
// path and moves hop by hop through evtm events until the last link hands it to the
// packet sink of its flow.  A packet arriving at a full queue is dropped and its
// sender is told after the reverse-path delay.

import (
	"fmt"

	"github.com/golang/glog"
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/iti/rngstream"
)

// DefaultMaxPackets is the queue capacity of a 4 MB switch buffer in 1500 byte packets
const DefaultMaxPackets = 2666

type intPair struct {
	i int
	j int
}

// FlowTag identifies the flow a packet belongs to.  It is stamped by the sender
// and read by the receiver; nothing in between changes it
type FlowTag struct {
	Group string
	Index int
}

// Packet is one data segment in flight
type Packet struct {
	Tag     FlowTag
	Seq     uint64
	Payload int // transport payload bytes
	Size    int // bytes on the wire
	SentAt  float64

	path   []*Link
	hop    int
	sender *BulkSender
}

// PacketTap observes packets as they finish transmission on a link
type PacketTap interface {
	Capture(now float64, link *Link, pkt *Packet)
}

// Node is a host or switch
type Node struct {
	ID    int
	Name  string
	Kind  NodeKind
	links map[int]*Link // outgoing, keyed by the peer's id
}

// Link is one direction of a point-to-point link, with its egress queue
type Link struct {
	From       *Node
	To         *Node
	RateBps    float64
	Delay      float64
	MaxPackets int

	queue      []*Packet
	busy       bool
	taps       []PacketTap
	Departures uint64
	Drops      uint64
	BytesSent  uint64
}

// Name is "from->to"
func (link *Link) Name() string {
	return link.From.Name + "->" + link.To.Name
}

// PacketCount is the number of packets waiting in the egress queue
func (link *Link) PacketCount() int {
	return len(link.queue)
}

// AddTap registers an observer of the packets leaving the link
func (link *Link) AddTap(tap PacketTap) {
	link.taps = append(link.taps, tap)
}

// enqueue accepts a packet for transmission, starting it at once when the link is idle
func (link *Link) enqueue(evtMgr *evtm.EventManager, pkt *Packet) {
	if !link.busy {
		link.transmit(evtMgr, pkt)
		return
	}
	if len(link.queue) >= link.MaxPackets {
		link.Drops += 1
		glog.V(3).Infof("%.6f drop on %s flow %s/%d seq %d", evtMgr.CurrentSeconds(), link.Name(),
			pkt.Tag.Group, pkt.Tag.Index, pkt.Seq)
		pkt.sender.lost(evtMgr, pkt)
		return
	}
	link.queue = append(link.queue, pkt)
}

// transmit puts pkt on the wire; linkTxDone fires when its last bit has left
func (link *Link) transmit(evtMgr *evtm.EventManager, pkt *Packet) {
	link.busy = true
	txTime := float64(pkt.Size*8) / link.RateBps
	evtMgr.Schedule(link, pkt, linkTxDone, vrtime.SecondsToTime(txTime))
}

// linkTxDone is the event handler marking the end of a packet's serialization
func linkTxDone(evtMgr *evtm.EventManager, context any, data any) any {
	link := context.(*Link)
	pkt := data.(*Packet)

	link.Departures += 1
	link.BytesSent += uint64(pkt.Size)
	for _, tap := range link.taps {
		tap.Capture(evtMgr.CurrentSeconds(), link, pkt)
	}
	evtMgr.Schedule(pkt, nil, pcktArrival, vrtime.SecondsToTime(link.Delay))

	if len(link.queue) == 0 {
		link.busy = false
		return nil
	}
	nxt := link.queue[0]
	link.queue[0] = nil
	link.queue = link.queue[1:]
	link.transmit(evtMgr, nxt)
	return nil
}

// pcktArrival is the event handler for a packet reaching the far end of a link
func pcktArrival(evtMgr *evtm.EventManager, context any, data any) any {
	pkt := context.(*Packet)
	pkt.hop += 1
	if pkt.hop == len(pkt.path) {
		pkt.sender.sink.deliver(evtMgr, pkt)
		return nil
	}
	pkt.path[pkt.hop].enqueue(evtMgr, pkt)
	return nil
}

// Network holds the nodes and links of a topology
type Network struct {
	Name   string
	EvtMgr *evtm.EventManager
	Nodes  []*Node
	byName map[string]*Node
	links  []*Link
	routes *Routes
	ECMP   bool
	rng    *rngstream.RngStream
}

// LinkDefaults apply to every link of a network
type LinkDefaults struct {
	MaxPackets int
}

// CreateNetwork builds the network described by td
func CreateNetwork(evtMgr *evtm.EventManager, td *TopologyDesc, dflts LinkDefaults, ecmp bool,
	seed string) (*Network, error) {

	if dflts.MaxPackets < 1 {
		dflts.MaxPackets = DefaultMaxPackets
	}
	ntwk := &Network{Name: td.Name, EvtMgr: evtMgr, byName: make(map[string]*Node), ECMP: ecmp}
	ntwk.rng = rngstream.New(seed + "/" + td.Name + "/ecmp")

	for _, nd := range td.Nodes {
		kind, err := NodeKindFromStr(nd.Kind)
		if err != nil {
			return nil, err
		}
		if _, present := ntwk.byName[nd.Name]; present {
			return nil, fmt.Errorf("node %s appears twice in %s: %w", nd.Name, td.Name, ErrBadConfig)
		}
		node := &Node{ID: len(ntwk.Nodes), Name: nd.Name, Kind: kind, links: make(map[int]*Link)}
		ntwk.Nodes = append(ntwk.Nodes, node)
		ntwk.byName[nd.Name] = node
	}

	edges := make(map[int][]int)
	for _, node := range ntwk.Nodes {
		edges[node.ID] = []int{}
	}
	for _, ld := range td.Links {
		src, dst := ntwk.byName[ld.Src], ntwk.byName[ld.Dst]
		if src == nil || dst == nil {
			return nil, fmt.Errorf("link %s-%s names an unknown node: %w", ld.Src, ld.Dst, ErrBadConfig)
		}
		rate, err := ParseDataRate(ld.Rate)
		if err != nil {
			return nil, err
		}
		delay, err := ParseDuration(ld.Delay)
		if err != nil {
			return nil, err
		}
		ntwk.connect(src, dst, rate, delay.Seconds(), dflts.MaxPackets)
		ntwk.connect(dst, src, rate, delay.Seconds(), dflts.MaxPackets)
		edges[src.ID] = append(edges[src.ID], dst.ID)
	}
	ntwk.routes = createRoutes(edges)
	return ntwk, nil
}

func (ntwk *Network) connect(from, to *Node, rate, delay float64, maxPackets int) {
	link := &Link{From: from, To: to, RateBps: rate, Delay: delay, MaxPackets: maxPackets}
	from.links[to.ID] = link
	ntwk.links = append(ntwk.links, link)
}

// Node looks a node up by name
func (ntwk *Network) Node(name string) *Node {
	return ntwk.byName[name]
}

// Link returns the link leaving node from towards node to, nil if they are not adjacent
func (ntwk *Network) Link(from, to string) *Link {
	src, dst := ntwk.byName[from], ntwk.byName[to]
	if src == nil || dst == nil {
		return nil
	}
	return src.links[dst.ID]
}

// Links lists every link direction, in creation order
func (ntwk *Network) Links() []*Link {
	return ntwk.links
}

// LinksFrom lists the links leaving nodes of the given kind
func (ntwk *Network) LinksFrom(kind NodeKind) []*Link {
	var rtn []*Link
	for _, link := range ntwk.links {
		if link.From.Kind == kind {
			rtn = append(rtn, link)
		}
	}
	return rtn
}

// Path returns the links a flow from src to dst traverses.  With ECMP one of the
// equal-cost paths is drawn at random
func (ntwk *Network) Path(src, dst string) ([]*Link, error) {
	srcNode, dstNode := ntwk.byName[src], ntwk.byName[dst]
	if srcNode == nil || dstNode == nil {
		return nil, fmt.Errorf("path between unknown nodes %s and %s: %w", src, dst, ErrBadConfig)
	}
	if srcNode == dstNode {
		return nil, fmt.Errorf("flow from %s to itself: %w", src, ErrBadConfig)
	}

	var nodeIDs []int
	if ntwk.ECMP {
		candidates, err := ntwk.routes.EqualCostPaths(srcNode.ID, dstNode.ID)
		if err != nil {
			return nil, err
		}
		pick := int(ntwk.rng.RandU01() * float64(len(candidates)))
		nodeIDs = candidates[min(pick, len(candidates)-1)]
	} else {
		var err error
		nodeIDs, err = ntwk.routes.ShortestPath(srcNode.ID, dstNode.ID)
		if err != nil {
			return nil, err
		}
	}
	glog.V(2).Infof("route %s", ShowPath(nodeIDs, func(id int) string { return ntwk.Nodes[id].Name }))

	links := make([]*Link, 0, len(nodeIDs)-1)
	for idx := 1; idx < len(nodeIDs); idx++ {
		links = append(links, ntwk.Nodes[nodeIDs[idx-1]].links[nodeIDs[idx]])
	}
	return links, nil
}

// reversePath gives the links of the opposite direction, in travel order
func reversePath(links []*Link) []*Link {
	rev := make([]*Link, len(links))
	for idx, link := range links {
		rev[len(links)-1-idx] = link.To.links[link.From.ID]
	}
	return rev
}

// pathDelay sums the propagation delays of links
func pathDelay(links []*Link) float64 {
	var delay float64
	for _, link := range links {
		delay += link.Delay
	}
	return delay
}

// NetStats totals link counters over the network
type NetStats struct {
	Departures uint64 `json:"departures" yaml:"departures"`
	Drops      uint64 `json:"drops" yaml:"drops"`
	Bytes      uint64 `json:"bytes" yaml:"bytes"`
}

// Stats sums the counters of every link
func (ntwk *Network) Stats() NetStats {
	var ns NetStats
	for _, link := range ntwk.links {
		ns.Departures += link.Departures
		ns.Drops += link.Drops
		ns.Bytes += link.BytesSent
	}
	return ns
}
