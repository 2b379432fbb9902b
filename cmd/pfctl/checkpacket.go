package main

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/openshift/packet-filter/pkg/filter"
)

// checkPacket describes the synthetic packet built by the check command.
type checkPacket struct {
	Proto     string
	From      string
	To        string
	Flags     string
	ICMPType  uint8
	TTL       uint8
	Interface string
}

// endpoint parses "addr" or "addr:port".
func endpoint(s string, wantPort bool) (netip.Addr, uint16, error) {
	if wantPort {
		ap, err := netip.ParseAddrPort(s)
		if err != nil {
			return netip.Addr{}, 0, fmt.Errorf("%q: expected address:port: %w", s, err)
		}
		if !ap.Addr().Is4() {
			return netip.Addr{}, 0, fmt.Errorf("%q: not an IPv4 address", s)
		}
		return ap.Addr(), ap.Port(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, 0, err
	}
	if !a.Is4() {
		return netip.Addr{}, 0, fmt.Errorf("%q: not an IPv4 address", s)
	}
	return a, 0, nil
}

func (p *checkPacket) build() ([]byte, error) {
	proto := strings.ToLower(p.Proto)
	wantPort := proto == "tcp" || proto == "udp"
	src, sport, err := endpoint(p.From, wantPort)
	if err != nil {
		return nil, fmt.Errorf("invalid --from: %w", err)
	}
	dst, dport, err := endpoint(p.To, wantPort)
	if err != nil {
		return nil, fmt.Errorf("invalid --to: %w", err)
	}
	ip := &layers.IPv4{
		Version: 4,
		TTL:     p.TTL,
		Id:      1,
		SrcIP:   net.IP(src.AsSlice()),
		DstIP:   net.IP(dst.AsSlice()),
	}
	var l4 gopacket.SerializableLayer
	switch proto {
	case "tcp":
		flags, err := filter.ParseTCPFlags(p.Flags)
		if err != nil {
			return nil, fmt.Errorf("invalid --flags: %w", err)
		}
		ip.Protocol = layers.IPProtocolTCP
		tcp := tcpWithFlags(flags)
		tcp.SrcPort = layers.TCPPort(sport)
		tcp.DstPort = layers.TCPPort(dport)
		tcp.Seq = 1000
		tcp.Window = 65535
		if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		l4 = tcp
	case "udp":
		ip.Protocol = layers.IPProtocolUDP
		udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		l4 = udp
	case "icmp":
		ip.Protocol = layers.IPProtocolICMPv4
		l4 = &layers.ICMPv4{
			TypeCode: layers.CreateICMPv4TypeCode(p.ICMPType, 0),
			Id:       1,
			Seq:      1,
		}
	default:
		return nil, fmt.Errorf("invalid --proto %q: must be one of tcp, udp or icmp", p.Proto)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, l4); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func tcpWithFlags(f uint8) *layers.TCP {
	return &layers.TCP{
		FIN: f&filter.TCPFin != 0,
		SYN: f&filter.TCPSyn != 0,
		RST: f&filter.TCPRst != 0,
		PSH: f&filter.TCPPsh != 0,
		ACK: f&filter.TCPAck != 0,
		URG: f&filter.TCPUrg != 0,
	}
}
