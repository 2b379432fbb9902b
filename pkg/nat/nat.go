package nat

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/google/gopacket/layers"
	apierrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/openshift/packet-filter/pkg/filter"
)

// Opts holds the RDR option bits.
type Opts uint8

const (
	// DPortRange makes an RDR entry match destination ports DPort..DPort2.
	DPortRange Opts = 1 << iota
	// RPortRange keeps the offset of the matched port within the
	// destination range when rewriting to RPort.
	RPortRange
)

func (o Opts) Has(flag Opts) bool {
	return o&flag != 0
}

// NAT rewrites the source address of outbound packets to RAddr.
type NAT struct {
	Interface string
	IfNot     bool
	Proto     layers.IPProtocol
	Src       filter.RuleAddr
	Dst       filter.RuleAddr
	RAddr     netip.Addr
}

// BINAT maps the internal host Addr to the external address RAddr in both
// directions. Dst restricts the peers the mapping applies to.
type BINAT struct {
	Interface string
	Proto     layers.IPProtocol
	Addr      netip.Addr
	Dst       filter.RuleAddr
	RAddr     netip.Addr
}

// RDR rewrites the destination of inbound packets to RAddr and, when RPort
// is set, the destination port.
type RDR struct {
	Interface string
	IfNot     bool
	Proto     layers.IPProtocol
	Src       filter.RuleAddr
	Dst       filter.RuleAddr
	DPort     uint16
	DPort2    uint16
	RPort     uint16
	RAddr     netip.Addr
	Opts      Opts
}

func matchInterface(name string, not bool, ifname string) bool {
	return name == "" || (name == ifname) != not
}

func matchProto(proto, p layers.IPProtocol) bool {
	return proto == 0 || proto == p
}

// Match reports whether an outbound packet leaving on ifname is translated
// by n.
func (n *NAT) Match(ifname string, t *filter.Tuple) bool {
	return matchInterface(n.Interface, n.IfNot, ifname) &&
		matchProto(n.Proto, t.Proto) &&
		n.Src.Match(t.Src, t.SrcPort, t.HasPorts) &&
		n.Dst.Match(t.Dst, t.DstPort, t.HasPorts)
}

func (n *NAT) IfName() string { return n.Interface }

func (n *NAT) Equal(o *NAT) bool {
	return n.Interface == o.Interface && n.IfNot == o.IfNot && n.Proto == o.Proto &&
		n.Src.Equal(&o.Src) && n.Dst.Equal(&o.Dst) && n.RAddr == o.RAddr
}

func (n *NAT) Validate() error {
	var errs []error
	if !n.RAddr.IsValid() {
		errs = append(errs, fmt.Errorf("nat: missing translation address"))
	}
	errs = append(errs, validatePorts("nat", n.Proto, &n.Src, &n.Dst)...)
	return apierrors.NewAggregate(errs)
}

func (n *NAT) String() string {
	var b strings.Builder
	b.WriteString("nat")
	writeInterface(&b, n.Interface, n.IfNot)
	writeProto(&b, n.Proto)
	fmt.Fprintf(&b, " from %s to %s -> %s", n.Src, n.Dst, n.RAddr)
	return b.String()
}

// MatchOut reports whether an outbound packet from the internal host is
// translated by b.
func (b *BINAT) MatchOut(ifname string, t *filter.Tuple) bool {
	return matchInterface(b.Interface, false, ifname) &&
		matchProto(b.Proto, t.Proto) &&
		t.Src == b.Addr &&
		b.Dst.MatchAddr(t.Dst)
}

// MatchIn reports whether an inbound packet addressed to the external
// address is translated by b.
func (b *BINAT) MatchIn(ifname string, t *filter.Tuple) bool {
	return matchInterface(b.Interface, false, ifname) &&
		matchProto(b.Proto, t.Proto) &&
		t.Dst == b.RAddr &&
		b.Dst.MatchAddr(t.Src)
}

func (b *BINAT) IfName() string { return b.Interface }

func (b *BINAT) Equal(o *BINAT) bool {
	return b.Interface == o.Interface && b.Proto == o.Proto && b.Addr == o.Addr &&
		b.Dst.Equal(&o.Dst) && b.RAddr == o.RAddr
}

func (b *BINAT) Validate() error {
	var errs []error
	if !b.Addr.IsValid() {
		errs = append(errs, fmt.Errorf("binat: missing internal address"))
	}
	if !b.RAddr.IsValid() {
		errs = append(errs, fmt.Errorf("binat: missing translation address"))
	}
	if b.Addr.IsValid() && b.RAddr.IsValid() && b.Addr.Is4() != b.RAddr.Is4() {
		errs = append(errs, fmt.Errorf("binat: %s and %s belong to different families", b.Addr, b.RAddr))
	}
	if b.Dst.PortOp != filter.PortOpNone {
		errs = append(errs, fmt.Errorf("binat: ports cannot be given"))
	}
	return apierrors.NewAggregate(errs)
}

func (b *BINAT) String() string {
	var s strings.Builder
	s.WriteString("binat")
	writeInterface(&s, b.Interface, false)
	writeProto(&s, b.Proto)
	fmt.Fprintf(&s, " from %s to %s -> %s", b.Addr, b.Dst, b.RAddr)
	return s.String()
}

// MatchPort reports whether the destination port p is covered by r.
func (r *RDR) MatchPort(p uint16, hasPort bool) bool {
	if r.Opts.Has(DPortRange) {
		return hasPort && p >= r.DPort && p <= r.DPort2
	}
	if r.DPort == 0 {
		return true
	}
	return hasPort && p == r.DPort
}

// Match reports whether an inbound packet arriving on ifname is redirected
// by r.
func (r *RDR) Match(ifname string, t *filter.Tuple) bool {
	return matchInterface(r.Interface, r.IfNot, ifname) &&
		matchProto(r.Proto, t.Proto) &&
		r.Src.Match(t.Src, t.SrcPort, t.HasPorts) &&
		r.Dst.MatchAddr(t.Dst) &&
		r.MatchPort(t.DstPort, t.HasPorts)
}

// MapPort returns the destination port a matched packet to port p is
// rewritten to.
func (r *RDR) MapPort(p uint16) uint16 {
	if r.Opts.Has(RPortRange) {
		n := int(r.RPort) - int(r.DPort) + int(p)
		if n > 65535 {
			n -= 65535
		}
		return uint16(n)
	}
	if r.RPort == 0 {
		return p
	}
	return r.RPort
}

func (r *RDR) IfName() string { return r.Interface }

func (r *RDR) Equal(o *RDR) bool {
	return r.Interface == o.Interface && r.IfNot == o.IfNot && r.Proto == o.Proto &&
		r.Src.Equal(&o.Src) && r.Dst.Equal(&o.Dst) &&
		r.DPort == o.DPort && r.DPort2 == o.DPort2 && r.RPort == o.RPort &&
		r.RAddr == o.RAddr && r.Opts == o.Opts
}

func (r *RDR) Validate() error {
	var errs []error
	if !r.RAddr.IsValid() {
		errs = append(errs, fmt.Errorf("rdr: missing translation address"))
	}
	if r.Opts.Has(DPortRange) && r.DPort > r.DPort2 {
		errs = append(errs, fmt.Errorf("rdr: port range %d-%d is inverted", r.DPort, r.DPort2))
	}
	if r.Opts.Has(RPortRange) && !r.Opts.Has(DPortRange) {
		errs = append(errs, fmt.Errorf("rdr: redirect port range without destination port range"))
	}
	if (r.DPort != 0 || r.RPort != 0) && r.Proto != layers.IPProtocolTCP && r.Proto != layers.IPProtocolUDP {
		errs = append(errs, fmt.Errorf("rdr: ports given for protocol %s", filter.ProtoName(r.Proto)))
	}
	if r.Dst.PortOp != filter.PortOpNone {
		errs = append(errs, fmt.Errorf("rdr: destination ports are set through the port range"))
	}
	errs = append(errs, validatePorts("rdr", r.Proto, &r.Src, &filter.RuleAddr{})...)
	return apierrors.NewAggregate(errs)
}

func (r *RDR) String() string {
	var b strings.Builder
	b.WriteString("rdr")
	writeInterface(&b, r.Interface, r.IfNot)
	writeProto(&b, r.Proto)
	fmt.Fprintf(&b, " from %s to %s", r.Src, r.Dst)
	switch {
	case r.Opts.Has(DPortRange):
		fmt.Fprintf(&b, " port %d:%d", r.DPort, r.DPort2)
	case r.DPort != 0:
		fmt.Fprintf(&b, " port %d", r.DPort)
	}
	fmt.Fprintf(&b, " -> %s", r.RAddr)
	switch {
	case r.Opts.Has(RPortRange):
		fmt.Fprintf(&b, " port %d:*", r.RPort)
	case r.RPort != 0:
		fmt.Fprintf(&b, " port %d", r.RPort)
	}
	return b.String()
}

func validatePorts(kind string, proto layers.IPProtocol, src, dst *filter.RuleAddr) []error {
	var errs []error
	isPortProto := proto == layers.IPProtocolTCP || proto == layers.IPProtocolUDP
	if (src.PortOp != filter.PortOpNone || dst.PortOp != filter.PortOpNone) && !isPortProto {
		errs = append(errs, fmt.Errorf("%s: ports given for protocol %s", kind, filter.ProtoName(proto)))
	}
	return errs
}

func writeInterface(b *strings.Builder, name string, not bool) {
	if name == "" {
		return
	}
	b.WriteString(" on ")
	if not {
		b.WriteString("!")
	}
	b.WriteString(name)
}

func writeProto(b *strings.Builder, p layers.IPProtocol) {
	if p != 0 {
		b.WriteString(" proto " + filter.ProtoName(p))
	}
}
