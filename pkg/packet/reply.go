package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	// ReplyTTL is the TTL of generated resets.
	ReplyTTL = 128
	// QuoteLen is the number of transport bytes an ICMP error carries.
	QuoteLen = 8
)

// ErrNoReply is returned when a packet must not be answered.
var ErrNoReply = errors.New("packet is not answered")

// BuildRST returns a TCP reset answering p. Resets are never answered.
func BuildRST(p *Packet) ([]byte, error) {
	if p.Transport != layers.LayerTypeTCP || p.TCP.RST {
		return nil, ErrNoReply
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      ReplyTTL,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    p.IP.DstIP,
		DstIP:    p.IP.SrcIP,
	}
	tcp := &layers.TCP{
		SrcPort:    p.TCP.DstPort,
		DstPort:    p.TCP.SrcPort,
		DataOffset: 5,
		RST:        true,
	}
	if p.TCP.ACK {
		tcp.Seq = p.TCP.Ack
	} else {
		tlen := uint32(p.PayloadLen())
		if p.TCP.SYN {
			tlen++
		}
		if p.TCP.FIN {
			tlen++
		}
		tcp.Ack = p.TCP.Seq + tlen
		tcp.ACK = true
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp); err != nil {
		return nil, fmt.Errorf("serialize reset: %w", err)
	}
	return buf.Bytes(), nil
}

// BuildICMP returns an ICMP error of the given type and code quoting the IP
// header and the first transport bytes of p. ICMP errors are not answered.
func BuildICMP(p *Packet, typ, code uint8) ([]byte, error) {
	if p.Transport == layers.LayerTypeICMPv4 && IsICMPError(p.ICMP.TypeCode.Type()) {
		return nil, ErrNoReply
	}
	if p.FragmentOffset() != 0 {
		return nil, ErrNoReply
	}
	orig, err := p.Serialize()
	if err != nil {
		return nil, err
	}
	quote := int(p.IP.IHL)*4 + QuoteLen
	if quote > len(orig) {
		quote = len(orig)
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      ReplyTTL,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    p.IP.DstIP,
		DstIP:    p.IP.SrcIP,
	}
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(typ, code)}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, icmp, gopacket.Payload(orig[:quote])); err != nil {
		return nil, fmt.Errorf("serialize icmp: %w", err)
	}
	return buf.Bytes(), nil
}

// IsICMPError reports whether typ is an ICMP error message type, which
// quotes the datagram it refers to.
func IsICMPError(typ uint8) bool {
	switch typ {
	case layers.ICMPv4TypeDestinationUnreachable,
		layers.ICMPv4TypeSourceQuench,
		layers.ICMPv4TypeRedirect,
		layers.ICMPv4TypeTimeExceeded,
		layers.ICMPv4TypeParameterProblem:
		return true
	}
	return false
}

// Quoted is the datagram an ICMP error refers to: its IP header and the
// first eight bytes of its transport header.
type Quoted struct {
	IP layers.IPv4
	// Transport holds the quoted transport bytes. For TCP and UDP they
	// start with the ports, for TCP the sequence number follows.
	Transport [QuoteLen]byte
}

// Quoted decodes the datagram quoted by an ICMP error.
func (p *Packet) Quoted() (*Quoted, error) {
	if p.Transport != layers.LayerTypeICMPv4 || !IsICMPError(p.ICMP.TypeCode.Type()) {
		return nil, fmt.Errorf("%w: not an ICMP error", ErrShort)
	}
	q := &Quoted{}
	data := p.ICMP.Payload
	if err := q.IP.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("%w: quoted header: %v", ErrShort, err)
	}
	if q.IP.FragOffset != 0 {
		return nil, fmt.Errorf("%w: quoted fragment", ErrFragment)
	}
	hl := int(q.IP.IHL) * 4
	if len(data) < hl+QuoteLen {
		return nil, fmt.Errorf("%w: quoted transport header", ErrShort)
	}
	copy(q.Transport[:], data[hl:hl+QuoteLen])
	return q, nil
}

func (q *Quoted) Src() netip.Addr {
	a, _ := netip.AddrFromSlice(q.IP.SrcIP.To4())
	return a
}

func (q *Quoted) Dst() netip.Addr {
	a, _ := netip.AddrFromSlice(q.IP.DstIP.To4())
	return a
}

// Ports returns the quoted TCP or UDP ports.
func (q *Quoted) Ports() (src, dst uint16) {
	return binary.BigEndian.Uint16(q.Transport[0:]), binary.BigEndian.Uint16(q.Transport[2:])
}

// Seq returns the quoted TCP sequence number.
func (q *Quoted) Seq() uint32 {
	return binary.BigEndian.Uint32(q.Transport[4:])
}

// ICMPID returns the identifier of a quoted ICMP query.
func (q *Quoted) ICMPID() uint16 {
	return binary.BigEndian.Uint16(q.Transport[4:])
}

func (q *Quoted) SetSrc(addr netip.Addr, port uint16) {
	q.IP.SrcIP = net.IP(addr.AsSlice())
	if q.hasPorts() {
		binary.BigEndian.PutUint16(q.Transport[0:], port)
	}
}

func (q *Quoted) SetDst(addr netip.Addr, port uint16) {
	q.IP.DstIP = net.IP(addr.AsSlice())
	if q.hasPorts() {
		binary.BigEndian.PutUint16(q.Transport[2:], port)
	}
}

func (q *Quoted) SetSeq(seq uint32) {
	binary.BigEndian.PutUint32(q.Transport[4:], seq)
}

func (q *Quoted) hasPorts() bool {
	return q.IP.Protocol == layers.IPProtocolTCP || q.IP.Protocol == layers.IPProtocolUDP
}

// SetQuoted replaces the datagram quoted by the ICMP error p. The quoted
// header keeps its original total length and gets a fresh checksum.
func (p *Packet) SetQuoted(q *Quoted) error {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &q.IP, gopacket.Payload(q.Transport[:])); err != nil {
		return fmt.Errorf("serialize quoted header: %w", err)
	}
	p.ICMP.Payload = append([]byte(nil), buf.Bytes()...)
	p.dirty = true
	return nil
}
