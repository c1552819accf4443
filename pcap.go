package fairsim

// pcap.go records the packets leaving a link to a pcap file.  Only the Ethernet,
// IPv4 and TCP headers are captured; the length field carries the full frame size.
// Addresses are synthesized from the flow tag: the source is 10.<group>.<index>,
// the destination 11.<group>.<index>, so a capture can be split by flow.

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const pcapSnapLen = 128

// PcapTap is a PacketTap writing to a pcap file
type PcapTap struct {
	Path     string
	file     *os.File
	wrtr     *pcapgo.Writer
	groups   map[string]byte
	buf      gopacket.SerializeBuffer
	Captured uint64
	errs     int
}

// CreatePcapTap creates the file and writes the pcap header
func CreatePcapTap(filename string) (*PcapTap, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create pcap file '%s': %w", filename, err)
	}
	wrtr := pcapgo.NewWriter(file)
	if err := wrtr.WriteFileHeader(pcapSnapLen, layers.LinkTypeEthernet); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write pcap header to '%s': %w", filename, err)
	}
	return &PcapTap{Path: filename, file: file, wrtr: wrtr, groups: make(map[string]byte),
		buf: gopacket.NewSerializeBuffer()}, nil
}

func (pt *PcapTap) groupCode(group string) byte {
	code, present := pt.groups[group]
	if !present {
		code = byte(len(pt.groups) + 1)
		pt.groups[group] = code
	}
	return code
}

// Capture writes the headers of pkt, stamped with the virtual time now
func (pt *PcapTap) Capture(now float64, link *Link, pkt *Packet) {
	grp := pt.groupCode(pkt.Tag.Group)
	hi, lo := byte(pkt.Tag.Index>>8), byte(pkt.Tag.Index)

	ethLayer := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, byte(link.From.ID >> 8), byte(link.From.ID), 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, byte(link.To.ID >> 8), byte(link.To.ID), 0x01},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ipLayer := &layers.IPv4{
		SrcIP:    net.IP{10, grp, hi, lo},
		DstIP:    net.IP{11, grp, hi, lo},
		Version:  4,
		IHL:      5,
		TTL:      64,
		Length:   uint16(pkt.Size),
		Protocol: layers.IPProtocolTCP,
	}
	tcpLayer := &layers.TCP{
		SrcPort:    layers.TCPPort(10000 + pkt.Tag.Index%50000),
		DstPort:    layers.TCPPort(5000),
		Seq:        uint32(pkt.Seq * DefaultSegmentSize),
		DataOffset: 5,
		ACK:        true,
		Window:     65535,
	}

	if err := pt.buf.Clear(); err != nil {
		pt.errs += 1
		return
	}
	if err := gopacket.SerializeLayers(pt.buf, gopacket.SerializeOptions{}, ethLayer, ipLayer, tcpLayer); err != nil {
		pt.errs += 1
		return
	}
	data := pt.buf.Bytes()
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Unix(0, int64(now*1e9)).UTC(),
		CaptureLength: len(data),
		Length:        max(len(data), pkt.Size+14),
	}
	if err := pt.wrtr.WritePacket(ci, data); err != nil {
		pt.errs += 1
		return
	}
	pt.Captured += 1
}

// Close closes the file, reporting whether any packet failed to be written
func (pt *PcapTap) Close() error {
	err := pt.file.Close()
	if err == nil && pt.errs > 0 {
		err = fmt.Errorf("%d packets could not be written to %s", pt.errs, pt.Path)
	}
	return err
}
