package packet

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/openshift/packet-filter/pkg/filter"
)

// MinHeaderLen is the length of an IPv4 header without options.
const MinHeaderLen = 20

var (
	// ErrShort is returned for packets too short for the headers they
	// announce.
	ErrShort = errors.New("truncated packet")
	// ErrBadOffset is returned when the transport header would start
	// inside the IP header.
	ErrBadOffset = errors.New("bad header offset")
	// ErrFragment is returned when a non-first fragment overlaps the
	// transport header.
	ErrFragment = errors.New("fragment overlaps transport header")
	// ErrNotIPv4 is returned for anything but IPv4.
	ErrNotIPv4 = errors.New("not an IPv4 packet")
)

// Packet is a decoded IPv4 packet. The zero value is not usable, create
// packets with New.
type Packet struct {
	IP   layers.IPv4
	TCP  layers.TCP
	UDP  layers.UDP
	ICMP layers.ICMPv4

	// Transport is the layer type of the decoded transport header, or
	// gopacket.LayerTypeZero when there is none.
	Transport gopacket.LayerType

	payload gopacket.Payload
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
	dirty   bool
}

func New() *Packet {
	p := &Packet{decoded: []gopacket.LayerType{}}
	p.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeIPv4,
		&p.IP, &p.TCP, &p.UDP, &p.ICMP, &p.payload,
	)
	p.parser.IgnoreUnsupported = true
	return p
}

// Decode parses data, which must start with an IPv4 header. The packet
// keeps references into data.
func Decode(data []byte) (*Packet, error) {
	p := New()
	return p, p.Decode(data)
}

// Decode parses data into p, replacing its previous contents.
func (p *Packet) Decode(data []byte) error {
	p.Transport = gopacket.LayerTypeZero
	p.dirty = false
	if len(data) < MinHeaderLen {
		return fmt.Errorf("%w: %d bytes", ErrShort, len(data))
	}
	if data[0]>>4 != 4 {
		return ErrNotIPv4
	}
	if ihl := int(data[0]&0x0f) * 4; ihl < MinHeaderLen {
		return fmt.Errorf("%w: header length %d", ErrBadOffset, ihl)
	}
	err := p.parser.DecodeLayers(data, &p.decoded)
	if len(p.decoded) == 0 || p.decoded[0] != layers.LayerTypeIPv4 {
		if err == nil {
			err = ErrNotIPv4
		}
		return fmt.Errorf("%w: %v", ErrShort, err)
	}
	if p.IsFragment() {
		return p.decodeFragment()
	}
	if len(p.decoded) > 1 {
		p.Transport = p.decoded[1]
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrShort, err)
	}
	if p.Transport == gopacket.LayerTypeZero || p.Transport == gopacket.LayerTypePayload {
		p.Transport = gopacket.LayerTypeZero
		switch p.IP.Protocol {
		case layers.IPProtocolTCP, layers.IPProtocolUDP, layers.IPProtocolICMPv4:
			return fmt.Errorf("%w: no %s header", ErrShort, p.IP.Protocol)
		}
	}
	return nil
}

// decodeFragment decodes the transport header of a first fragment. Later
// fragments carry no transport header; they are rejected when their offset
// would let them overwrite it.
func (p *Packet) decodeFragment() error {
	off := p.FragmentOffset()
	if off != 0 {
		if off < p.minTransportLen() {
			return fmt.Errorf("%w: offset %d", ErrFragment, off)
		}
		return nil
	}
	var (
		l   gopacket.DecodingLayer
		typ gopacket.LayerType
	)
	switch p.IP.Protocol {
	case layers.IPProtocolTCP:
		l, typ = &p.TCP, layers.LayerTypeTCP
	case layers.IPProtocolUDP:
		l, typ = &p.UDP, layers.LayerTypeUDP
	case layers.IPProtocolICMPv4:
		l, typ = &p.ICMP, layers.LayerTypeICMPv4
	default:
		return nil
	}
	if err := l.DecodeFromBytes(p.IP.Payload, gopacket.NilDecodeFeedback); err != nil {
		return fmt.Errorf("%w: %v", ErrShort, err)
	}
	p.Transport = typ
	return nil
}

func (p *Packet) minTransportLen() int {
	switch p.IP.Protocol {
	case layers.IPProtocolTCP:
		return 20
	case layers.IPProtocolUDP, layers.IPProtocolICMPv4:
		return 8
	}
	return 0
}

// IsFragment reports whether p is part of a fragmented datagram.
func (p *Packet) IsFragment() bool {
	return p.IP.Flags&layers.IPv4MoreFragments != 0 || p.IP.FragOffset != 0
}

// FragmentOffset returns the fragment offset in bytes.
func (p *Packet) FragmentOffset() int {
	return int(p.IP.FragOffset) * 8
}

func (p *Packet) Src() netip.Addr {
	a, _ := netip.AddrFromSlice(p.IP.SrcIP.To4())
	return a
}

func (p *Packet) Dst() netip.Addr {
	a, _ := netip.AddrFromSlice(p.IP.DstIP.To4())
	return a
}

// Ports returns the TCP or UDP ports. ok is false for other protocols.
func (p *Packet) Ports() (src, dst uint16, ok bool) {
	switch p.Transport {
	case layers.LayerTypeTCP:
		return uint16(p.TCP.SrcPort), uint16(p.TCP.DstPort), true
	case layers.LayerTypeUDP:
		return uint16(p.UDP.SrcPort), uint16(p.UDP.DstPort), true
	}
	return 0, 0, false
}

// TCPFlags returns the TCP flags in wire order.
func (p *Packet) TCPFlags() uint8 {
	if p.Transport != layers.LayerTypeTCP {
		return 0
	}
	var flags uint8
	if p.TCP.FIN {
		flags |= filter.TCPFin
	}
	if p.TCP.SYN {
		flags |= filter.TCPSyn
	}
	if p.TCP.RST {
		flags |= filter.TCPRst
	}
	if p.TCP.PSH {
		flags |= filter.TCPPsh
	}
	if p.TCP.ACK {
		flags |= filter.TCPAck
	}
	if p.TCP.URG {
		flags |= filter.TCPUrg
	}
	return flags
}

// Tuple returns the matching view of p as received on ifname.
func (p *Packet) Tuple(ifname string) filter.Tuple {
	t := filter.Tuple{
		Interface: ifname,
		Proto:     p.IP.Protocol,
		Src:       p.Src(),
		Dst:       p.Dst(),
		Length:    int(p.IP.Length),
	}
	t.SrcPort, t.DstPort, t.HasPorts = p.Ports()
	t.TCPFlags = p.TCPFlags()
	if p.Transport == layers.LayerTypeICMPv4 {
		t.ICMPType = p.ICMP.TypeCode.Type()
		t.ICMPCode = p.ICMP.TypeCode.Code()
		t.HasICMP = true
	}
	return t
}

// PayloadLen returns the length of the data following the transport
// header, bounded by the IP total length.
func (p *Packet) PayloadLen() int {
	hl := int(p.IP.IHL) * 4
	total := int(p.IP.Length)
	switch p.Transport {
	case layers.LayerTypeTCP:
		hl += int(p.TCP.DataOffset) * 4
	case layers.LayerTypeUDP:
		hl += 8
	case layers.LayerTypeICMPv4:
		hl += 8
	}
	if total < hl {
		return 0
	}
	return total - hl
}

// SetSrc rewrites the source address and, for TCP and UDP, the source port.
func (p *Packet) SetSrc(addr netip.Addr, port uint16) {
	p.IP.SrcIP = net.IP(addr.AsSlice())
	switch p.Transport {
	case layers.LayerTypeTCP:
		p.TCP.SrcPort = layers.TCPPort(port)
	case layers.LayerTypeUDP:
		p.UDP.SrcPort = layers.UDPPort(port)
	}
	p.dirty = true
}

// SetDst rewrites the destination address and, for TCP and UDP, the
// destination port.
func (p *Packet) SetDst(addr netip.Addr, port uint16) {
	p.IP.DstIP = net.IP(addr.AsSlice())
	switch p.Transport {
	case layers.LayerTypeTCP:
		p.TCP.DstPort = layers.TCPPort(port)
	case layers.LayerTypeUDP:
		p.UDP.DstPort = layers.UDPPort(port)
	}
	p.dirty = true
}

// SetSeqAck rewrites the TCP sequence and acknowledgement numbers.
func (p *Packet) SetSeqAck(seq, ack uint32) {
	if p.TCP.Seq == seq && p.TCP.Ack == ack {
		return
	}
	p.TCP.Seq, p.TCP.Ack = seq, ack
	p.dirty = true
}

// RaiseTTL sets the TTL to min when it is lower.
func (p *Packet) RaiseTTL(min uint8) {
	if p.IP.TTL < min {
		p.IP.TTL = min
		p.dirty = true
	}
}

// ClearDF clears the don't-fragment bit.
func (p *Packet) ClearDF() {
	if p.IP.Flags&layers.IPv4DontFragment != 0 {
		p.IP.Flags &^= layers.IPv4DontFragment
		p.dirty = true
	}
}

// Dirty reports whether p was modified since it was decoded.
func (p *Packet) Dirty() bool {
	return p.dirty
}

// Serialize encodes p with fresh checksums. Fragments are encoded from the
// IP header and the raw fragment data, transport headers of first fragments
// are not re-encoded.
func (p *Packet) Serialize() ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	var ls []gopacket.SerializableLayer
	switch {
	case p.IsFragment():
		ls = []gopacket.SerializableLayer{&p.IP, gopacket.Payload(p.IP.Payload)}
	case p.Transport == layers.LayerTypeTCP:
		if err := p.TCP.SetNetworkLayerForChecksum(&p.IP); err != nil {
			return nil, err
		}
		ls = []gopacket.SerializableLayer{&p.IP, &p.TCP, gopacket.Payload(p.TCP.Payload)}
	case p.Transport == layers.LayerTypeUDP:
		if err := p.UDP.SetNetworkLayerForChecksum(&p.IP); err != nil {
			return nil, err
		}
		ls = []gopacket.SerializableLayer{&p.IP, &p.UDP, gopacket.Payload(p.UDP.Payload)}
	case p.Transport == layers.LayerTypeICMPv4:
		ls = []gopacket.SerializableLayer{&p.IP, &p.ICMP, gopacket.Payload(p.ICMP.Payload)}
	default:
		ls = []gopacket.SerializableLayer{&p.IP, gopacket.Payload(p.IP.Payload)}
	}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
