package utils

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/openshift/packet-filter/pkg/filter"
)

// PortSpec is a parsed port predicate.
type PortSpec struct {
	Op    filter.PortOp
	Start uint16
	End   uint16
}

func (p PortSpec) IsRange() bool {
	return p.Op.IsRange()
}

func parsePort(s string) (uint16, error) {
	port, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port number %v", err)
	}
	return uint16(port), nil
}

var unaryOps = []struct {
	prefix string
	op     filter.PortOp
}{
	// Two character operators first.
	{"!=", filter.PortOpNE},
	{"<=", filter.PortOpLE},
	{">=", filter.PortOpGE},
	{"=", filter.PortOpEQ},
	{"<", filter.PortOpLT},
	{">", filter.PortOpGT},
}

// ParsePorts parses a port predicate: a number, "8000-8010" or
// "8000:8010" for an inclusive range, "1000<>2000" for the ports outside a
// range, or a number prefixed with one of = != < <= > >=. A nil or empty
// spec matches every port.
func ParsePorts(p *intstr.IntOrString) (PortSpec, error) {
	if p == nil {
		return PortSpec{}, nil
	}
	if p.Type == intstr.Int {
		if p.IntVal < 0 || p.IntVal > 65535 {
			return PortSpec{}, fmt.Errorf("invalid port number %d", p.IntVal)
		}
		return PortSpec{Op: filter.PortOpEQ, Start: uint16(p.IntVal)}, nil
	}
	s := strings.TrimSpace(p.StrVal)
	if s == "" || s == "any" {
		return PortSpec{}, nil
	}
	if lo, hi, ok := strings.Cut(s, "<>"); ok {
		return parseRange(filter.PortOpXRG, lo, hi)
	}
	for _, sep := range []string{"-", ":"} {
		if lo, hi, ok := strings.Cut(s, sep); ok {
			return parseRange(filter.PortOpIRG, lo, hi)
		}
	}
	for _, u := range unaryOps {
		if strings.HasPrefix(s, u.prefix) {
			port, err := parsePort(s[len(u.prefix):])
			if err != nil {
				return PortSpec{}, err
			}
			return PortSpec{Op: u.op, Start: port}, nil
		}
	}
	port, err := parsePort(s)
	if err != nil {
		return PortSpec{}, err
	}
	return PortSpec{Op: filter.PortOpEQ, Start: port}, nil
}

func parseRange(op filter.PortOp, lo, hi string) (PortSpec, error) {
	start, err := parsePort(lo)
	if err != nil {
		return PortSpec{}, fmt.Errorf("invalid start port: %v", err)
	}
	end, err := parsePort(hi)
	if err != nil {
		return PortSpec{}, fmt.Errorf("invalid end port: %v", err)
	}
	if start > end {
		return PortSpec{}, fmt.Errorf("invalid port range. Start port is greater than end port")
	}
	return PortSpec{Op: op, Start: start, End: end}, nil
}

// ParseAddress parses "any", an address, or a CIDR prefix, each optionally
// negated with a leading "!". The empty string means any.
func ParseAddress(s string) (filter.RuleAddr, error) {
	s = strings.TrimSpace(s)
	var ra filter.RuleAddr
	if strings.HasPrefix(s, "!") {
		ra.Not = true
		s = strings.TrimSpace(s[1:])
	}
	if s == "" || s == "any" {
		if ra.Not {
			return filter.RuleAddr{}, fmt.Errorf("cannot negate any")
		}
		return ra, nil
	}
	if strings.Contains(s, "/") {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return filter.RuleAddr{}, fmt.Errorf("must define valid IPV4 or IPV6 CIDR: %s", err.Error())
		}
		ra.Addr = prefix.Masked().Addr()
		ra.Mask = filter.MaskFromPrefix(ra.Addr, prefix.Bits())
		if prefix.Bits() == 0 {
			return filter.RuleAddr{}, fmt.Errorf("prefix %s matches every address, use any", s)
		}
		return ra, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return filter.RuleAddr{}, fmt.Errorf("must define valid IPV4 or IPV6 address: %s", err.Error())
	}
	ra.Addr = addr
	ra.Mask = filter.MaskFromPrefix(addr, addr.BitLen())
	return ra, nil
}

// ParseRuleAddr combines an address and a port spec.
func ParseRuleAddr(address string, ports *intstr.IntOrString) (filter.RuleAddr, error) {
	ra, err := ParseAddress(address)
	if err != nil {
		return filter.RuleAddr{}, err
	}
	ps, err := ParsePorts(ports)
	if err != nil {
		return filter.RuleAddr{}, err
	}
	ra.PortOp = ps.Op
	ra.Port = [2]uint16{ps.Start, ps.End}
	return ra, nil
}

// ParseInterface splits a leading "!" off an interface name.
func ParseInterface(s string) (name string, not bool) {
	if strings.HasPrefix(s, "!") {
		return s[1:], true
	}
	return s, false
}

// ParseFlags parses a TCP flag match such as "S/SA" or "/SA". Without a
// mask every flag is examined.
func ParseFlags(s string) (flags, mask uint8, err error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "any" {
		return 0, 0, nil
	}
	set, rest, found := strings.Cut(s, "/")
	if flags, err = filter.ParseTCPFlags(set); err != nil {
		return 0, 0, err
	}
	if !found {
		return flags, filter.TCPFin | filter.TCPSyn | filter.TCPRst | filter.TCPPsh | filter.TCPAck | filter.TCPUrg, nil
	}
	if mask, err = filter.ParseTCPFlags(rest); err != nil {
		return 0, 0, err
	}
	if mask == 0 {
		return 0, 0, fmt.Errorf("empty flag mask in %q", s)
	}
	return flags, mask, nil
}
