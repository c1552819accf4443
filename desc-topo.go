package fairsim

// desc-topo.go holds the serializable descriptions of a topology and of a flow
// trace, the frames used to build topology descriptions in code, and the readers
// for the whitespace-separated text formats the fat-tree experiments are driven by.
//
// Topology text:
//
//	node_num link_num
//	type_0 type_1 ... type_{node_num-1}      0 server, 1 rack switch, 2+ other switch
//	src dst data_rate link_delay             link_num times, e.g. "0 16 25Gbps 1us"
//
// Flow trace text:
//
//	flow_num
//	src dst pg dst_port size_bytes start_s   flow_num times
//
// Nodes of a text topology are named "n<index>".

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// NodeKind separates end hosts from the two classes of switch
type NodeKind int

const (
	ServerNode NodeKind = iota
	TorSwitch
	OtherSwitch
)

var nodeKindToStr = map[NodeKind]string{ServerNode: "server", TorSwitch: "tor", OtherSwitch: "switch"}
var strToNodeKind = map[string]NodeKind{"server": ServerNode, "tor": TorSwitch, "switch": OtherSwitch}

func (kind NodeKind) String() string {
	return nodeKindToStr[kind]
}

// NodeKindFromCode maps the numeric node type of the topology text
func NodeKindFromCode(code int) NodeKind {
	switch code {
	case 0:
		return ServerNode
	case 1:
		return TorSwitch
	}
	return OtherSwitch
}

// NodeKindFromStr maps a node kind name, as found in NodeDesc
func NodeKindFromStr(str string) (NodeKind, error) {
	kind, present := strToNodeKind[str]
	if !present {
		return ServerNode, errors.Wrapf(ErrBadConfig, "unknown node kind %q", str)
	}
	return kind, nil
}

// NodeDesc describes a node
type NodeDesc struct {
	Name string `json:"name" yaml:"name"`
	Kind string `json:"kind" yaml:"kind"`
}

// LinkDesc describes a full-duplex link.  Rate and Delay use the ns-3 notation,
// e.g. "25Gbps" and "10us"
type LinkDesc struct {
	Src   string `json:"src" yaml:"src"`
	Dst   string `json:"dst" yaml:"dst"`
	Rate  string `json:"rate" yaml:"rate"`
	Delay string `json:"delay" yaml:"delay"`
}

// TopologyDesc is the serializable description of a network
type TopologyDesc struct {
	Name  string     `json:"name" yaml:"name"`
	Nodes []NodeDesc `json:"nodes" yaml:"nodes"`
	Links []LinkDesc `json:"links" yaml:"links"`
}

// TopologyFrame accumulates nodes and links, checking names as they are added
type TopologyFrame struct {
	Name   string
	nodes  []NodeDesc
	byName map[string]int
	links  []LinkDesc
	linked map[intPair]bool
}

// CreateTopologyFrame is a constructor
func CreateTopologyFrame(name string) *TopologyFrame {
	return &TopologyFrame{Name: name, byName: make(map[string]int), linked: make(map[intPair]bool)}
}

// AddNode adds a node.  Names must be unique
func (tf *TopologyFrame) AddNode(name string, kind NodeKind) error {
	if _, present := tf.byName[name]; present {
		return errors.Wrapf(ErrBadConfig, "node %s added twice to %s", name, tf.Name)
	}
	tf.byName[name] = len(tf.nodes)
	tf.nodes = append(tf.nodes, NodeDesc{Name: name, Kind: kind.String()})
	return nil
}

// Connect adds a link between two nodes already added
func (tf *TopologyFrame) Connect(src, dst, rate, delay string) error {
	srcID, present := tf.byName[src]
	if !present {
		return errors.Wrapf(ErrBadConfig, "link names unknown node %s", src)
	}
	dstID, present := tf.byName[dst]
	if !present {
		return errors.Wrapf(ErrBadConfig, "link names unknown node %s", dst)
	}
	if srcID == dstID {
		return errors.Wrapf(ErrBadConfig, "link from %s to itself", src)
	}
	key := intPair{i: min(srcID, dstID), j: max(srcID, dstID)}
	if tf.linked[key] {
		return errors.Wrapf(ErrBadConfig, "second link between %s and %s", src, dst)
	}
	if _, err := ParseDataRate(rate); err != nil {
		return err
	}
	dur, err := ParseDuration(delay)
	if err != nil {
		return err
	}
	if dur < 0 {
		return errors.Wrapf(ErrBadConfig, "link %s-%s has negative delay %s", src, dst, delay)
	}
	tf.linked[key] = true
	tf.links = append(tf.links, LinkDesc{Src: src, Dst: dst, Rate: rate, Delay: delay})
	return nil
}

// Transform returns the serializable description
func (tf *TopologyFrame) Transform() TopologyDesc {
	td := TopologyDesc{Name: tf.Name}
	td.Nodes = append(td.Nodes, tf.nodes...)
	td.Links = append(td.Links, tf.links...)
	return td
}

// WriteToFile stores the description as yaml or json, by the file's extension
func (td *TopologyDesc) WriteToFile(filename string) error {
	return writeDescFile(filename, td)
}

// ReadTopologyDesc deserializes a TopologyDesc from dict, or from the named file
// when dict is empty
func ReadTopologyDesc(filename string, useYAML bool, dict []byte) (*TopologyDesc, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, errors.Wrapf(ErrBadConfig, "read %s: %v", filename, err)
		}
	}
	example := TopologyDesc{}
	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}
	if err != nil {
		return nil, errors.Wrapf(ErrBadConfig, "decode %s: %v", filename, err)
	}
	return &example, nil
}

// tokenReader hands out the whitespace-separated fields of a text input
type tokenReader struct {
	name string
	scnr *bufio.Scanner
	cnt  int
}

func newTokenReader(name string, rdr io.Reader) *tokenReader {
	scnr := bufio.NewScanner(rdr)
	scnr.Split(bufio.ScanWords)
	return &tokenReader{name: name, scnr: scnr}
}

func (tr *tokenReader) next(what string) (string, error) {
	if !tr.scnr.Scan() {
		if err := tr.scnr.Err(); err != nil {
			return "", errors.Wrapf(ErrBadConfig, "%s: %v", tr.name, err)
		}
		return "", errors.Wrapf(ErrBadConfig, "%s: input ends where %s was expected (token %d)",
			tr.name, what, tr.cnt+1)
	}
	tr.cnt += 1
	return tr.scnr.Text(), nil
}

func (tr *tokenReader) nextInt(what string) (int, error) {
	tkn, err := tr.next(what)
	if err != nil {
		return 0, err
	}
	val, err := strconv.Atoi(tkn)
	if err != nil {
		return 0, errors.Wrapf(ErrBadConfig, "%s: %s %q is not an integer (token %d)", tr.name, what, tkn, tr.cnt)
	}
	return val, nil
}

func (tr *tokenReader) nextFloat(what string) (float64, error) {
	tkn, err := tr.next(what)
	if err != nil {
		return 0, err
	}
	val, err := strconv.ParseFloat(tkn, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrBadConfig, "%s: %s %q is not a number (token %d)", tr.name, what, tkn, tr.cnt)
	}
	return val, nil
}

// TextNodeName is the name a text topology gives its node idx
func TextNodeName(idx int) string {
	return "n" + strconv.Itoa(idx)
}

// ReadTopology reads a topology in the text format
func ReadTopology(filename string) (*TopologyDesc, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(ErrBadConfig, "open topology %s: %v", filename, err)
	}
	defer file.Close()
	return ParseTopology(filename, file)
}

// ParseTopology reads the text format from rdr
func ParseTopology(name string, rdr io.Reader) (*TopologyDesc, error) {
	tr := newTokenReader(name, rdr)
	nodeNum, err := tr.nextInt("node_num")
	if err != nil {
		return nil, err
	}
	linkNum, err := tr.nextInt("link_num")
	if err != nil {
		return nil, err
	}
	if nodeNum < 1 || linkNum < 0 {
		return nil, errors.Wrapf(ErrBadConfig, "%s: %d nodes and %d links", name, nodeNum, linkNum)
	}

	tf := CreateTopologyFrame(name)
	for idx := 0; idx < nodeNum; idx++ {
		code, err := tr.nextInt("node_type")
		if err != nil {
			return nil, err
		}
		if err := tf.AddNode(TextNodeName(idx), NodeKindFromCode(code)); err != nil {
			return nil, err
		}
	}
	for idx := 0; idx < linkNum; idx++ {
		src, err := tr.nextInt("src")
		if err != nil {
			return nil, err
		}
		dst, err := tr.nextInt("dst")
		if err != nil {
			return nil, err
		}
		rate, err := tr.next("data_rate")
		if err != nil {
			return nil, err
		}
		delay, err := tr.next("link_delay")
		if err != nil {
			return nil, err
		}
		if err := tf.Connect(TextNodeName(src), TextNodeName(dst), rate, delay); err != nil {
			return nil, errors.Wrapf(err, "%s: link %d", name, idx)
		}
	}
	td := tf.Transform()
	return &td, nil
}

// FlowDesc is one line of a flow trace
type FlowDesc struct {
	Src     int     `json:"src" yaml:"src"`
	Dst     int     `json:"dst" yaml:"dst"`
	PG      int     `json:"pg" yaml:"pg"`
	DstPort int     `json:"dport" yaml:"dport"`
	Size    uint64  `json:"size" yaml:"size"`
	Start   float64 `json:"start" yaml:"start"`
}

// FlowTraceDesc is a list of flows to run
type FlowTraceDesc struct {
	Flows []FlowDesc `json:"flows" yaml:"flows"`
}

// ReadFlowTrace reads a flow trace in the text format
func ReadFlowTrace(filename string) (*FlowTraceDesc, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(ErrBadConfig, "open flow trace %s: %v", filename, err)
	}
	defer file.Close()
	return ParseFlowTrace(filename, file)
}

// ParseFlowTrace reads the flow-trace text format from rdr
func ParseFlowTrace(name string, rdr io.Reader) (*FlowTraceDesc, error) {
	tr := newTokenReader(name, rdr)
	flowNum, err := tr.nextInt("flow_num")
	if err != nil {
		return nil, err
	}
	if flowNum < 0 {
		return nil, errors.Wrapf(ErrBadConfig, "%s: negative flow count %d", name, flowNum)
	}
	ftd := &FlowTraceDesc{Flows: make([]FlowDesc, 0, flowNum)}
	for idx := 0; idx < flowNum; idx++ {
		var fd FlowDesc
		fields := []struct {
			what string
			ptr  *int
		}{{"src", &fd.Src}, {"dst", &fd.Dst}, {"pg", &fd.PG}, {"dst_port", &fd.DstPort}}
		for _, fld := range fields {
			if *fld.ptr, err = tr.nextInt(fld.what); err != nil {
				return nil, err
			}
		}
		size, err := tr.nextInt("size")
		if err != nil {
			return nil, err
		}
		if size < 0 {
			return nil, errors.Wrapf(ErrBadConfig, "%s: flow %d has negative size", name, idx)
		}
		fd.Size = uint64(size)
		if fd.Start, err = tr.nextFloat("start_time"); err != nil {
			return nil, err
		}
		ftd.Flows = append(ftd.Flows, fd)
	}
	return ftd, nil
}

// Write puts the trace to wrtr in the text format
func (ftd *FlowTraceDesc) Write(wrtr io.Writer) error {
	bwrtr := bufio.NewWriter(wrtr)
	fmt.Fprintf(bwrtr, "%d\n", len(ftd.Flows))
	for _, fd := range ftd.Flows {
		fmt.Fprintf(bwrtr, "%d %d %d %d %d %.9f\n", fd.Src, fd.Dst, fd.PG, fd.DstPort, fd.Size, fd.Start)
	}
	return bwrtr.Flush()
}

// WriteToFile stores the trace in the text format
func (ftd *FlowTraceDesc) WriteToFile(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return errors.Wrapf(err, "create flow trace %s", filename)
	}
	if err := ftd.Write(file); err != nil {
		file.Close()
		return errors.Wrapf(err, "write flow trace %s", filename)
	}
	return file.Close()
}

// data-rate suffixes of the ns-3 notation, in bits per second
var rateUnits = []struct {
	suffix string
	scale  float64
}{
	{"Tbps", 1e12}, {"Gbps", 1e9}, {"Mbps", 1e6}, {"Kbps", 1e3}, {"kbps", 1e3}, {"bps", 1},
	{"GB/s", 8e9}, {"MB/s", 8e6}, {"KB/s", 8e3}, {"kB/s", 8e3}, {"B/s", 8},
}

// ParseDataRate converts a rate such as "25Gbps" to bits per second
func ParseDataRate(str string) (float64, error) {
	str = strings.TrimSpace(str)
	for _, unit := range rateUnits {
		if !strings.HasSuffix(str, unit.suffix) {
			continue
		}
		num, err := strconv.ParseFloat(strings.TrimSuffix(str, unit.suffix), 64)
		if err != nil || !(num > 0) {
			break
		}
		return num * unit.scale, nil
	}
	return 0, errors.Wrapf(ErrBadConfig, "data rate %q", str)
}
