package packet

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/openshift/packet-filter/pkg/filter"
)

// Spec describes a packet to synthesize.
type Spec struct {
	Proto layers.IPProtocol
	Src   netip.AddrPort
	Dst   netip.AddrPort
	TTL   uint8
	ID    uint16
	DF    bool

	TCPFlags uint8
	Seq      uint32
	Ack      uint32
	Win      uint16

	ICMPType uint8
	ICMPCode uint8
	ICMPID   uint16

	Payload []byte
}

// Build serializes s into an IPv4 packet with valid checksums.
func Build(s Spec) ([]byte, error) {
	if !s.Src.Addr().Is4() || !s.Dst.Addr().Is4() {
		return nil, ErrNotIPv4
	}
	ttl := s.TTL
	if ttl == 0 {
		ttl = 64
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      ttl,
		Id:       s.ID,
		Protocol: s.Proto,
		SrcIP:    net.IP(s.Src.Addr().AsSlice()),
		DstIP:    net.IP(s.Dst.Addr().AsSlice()),
	}
	if s.DF {
		ip.Flags = layers.IPv4DontFragment
	}
	ls := []gopacket.SerializableLayer{ip}
	switch s.Proto {
	case layers.IPProtocolTCP:
		win := s.Win
		if win == 0 {
			win = 65535
		}
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(s.Src.Port()),
			DstPort: layers.TCPPort(s.Dst.Port()),
			Seq:     s.Seq,
			Ack:     s.Ack,
			Window:  win,
			FIN:     s.TCPFlags&filter.TCPFin != 0,
			SYN:     s.TCPFlags&filter.TCPSyn != 0,
			RST:     s.TCPFlags&filter.TCPRst != 0,
			PSH:     s.TCPFlags&filter.TCPPsh != 0,
			ACK:     s.TCPFlags&filter.TCPAck != 0,
			URG:     s.TCPFlags&filter.TCPUrg != 0,
		}
		if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		ls = append(ls, tcp)
	case layers.IPProtocolUDP:
		udp := &layers.UDP{
			SrcPort: layers.UDPPort(s.Src.Port()),
			DstPort: layers.UDPPort(s.Dst.Port()),
		}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		ls = append(ls, udp)
	case layers.IPProtocolICMPv4:
		ls = append(ls, &layers.ICMPv4{
			TypeCode: layers.CreateICMPv4TypeCode(s.ICMPType, s.ICMPCode),
			Id:       s.ICMPID,
		})
	}
	ls = append(ls, gopacket.Payload(s.Payload))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return nil, fmt.Errorf("build %s packet: %w", filter.ProtoName(s.Proto), err)
	}
	return buf.Bytes(), nil
}
