package filter

import (
	"fmt"
	"net/netip"
)

// PortOp is the comparison applied by a port predicate.
type PortOp uint8

const (
	// PortOpNone means the predicate does not look at ports.
	PortOpNone PortOp = iota
	// PortOpIRG matches a1 <= p <= a2.
	PortOpIRG
	PortOpEQ
	PortOpNE
	PortOpLT
	PortOpLE
	PortOpGT
	PortOpGE
	// PortOpXRG matches ports outside of [a1, a2].
	PortOpXRG
)

func (op PortOp) String() string {
	switch op {
	case PortOpNone:
		return ""
	case PortOpIRG:
		return ":"
	case PortOpEQ:
		return "="
	case PortOpNE:
		return "!="
	case PortOpLT:
		return "<"
	case PortOpLE:
		return "<="
	case PortOpGT:
		return ">"
	case PortOpGE:
		return ">="
	case PortOpXRG:
		return "<>"
	}
	return fmt.Sprintf("PortOp(%d)", uint8(op))
}

// IsRange reports whether op uses both bounds.
func (op PortOp) IsRange() bool {
	return op == PortOpIRG || op == PortOpXRG
}

// MatchPort evaluates op with bounds a1 and a2 against p. PortOpNone always
// matches.
func MatchPort(op PortOp, a1, a2, p uint16) bool {
	switch op {
	case PortOpNone:
		return true
	case PortOpIRG:
		return p >= a1 && p <= a2
	case PortOpEQ:
		return p == a1
	case PortOpNE:
		return p != a1
	case PortOpLT:
		return p < a1
	case PortOpLE:
		return p <= a1
	case PortOpGT:
		return p > a1
	case PortOpGE:
		return p >= a1
	case PortOpXRG:
		return p < a1 || p > a2
	}
	return false
}

// IsWildcardMask reports whether m leaves every address bit unchecked.
func IsWildcardMask(m netip.Addr) bool {
	return !m.IsValid() || m.IsUnspecified()
}

// MatchAddr reports whether b equals a under mask m, inverted when not is
// set. A zero mask matches any address regardless of not.
func MatchAddr(not bool, a, m, b netip.Addr) bool {
	if IsWildcardMask(m) {
		return true
	}
	if !a.IsValid() || !b.IsValid() || a.Is4() != b.Is4() {
		// Different families never compare equal.
		return not
	}
	x, y, mask := a.As16(), b.As16(), m.As16()
	if m.Is4() {
		// Align a v4 mask with the low four bytes of the v4-mapped form.
		mask = [16]byte{}
		m4 := m.As4()
		copy(mask[12:], m4[:])
	}
	equal := true
	for i := range x {
		if x[i]&mask[i] != y[i]&mask[i] {
			equal = false
			break
		}
	}
	return equal != not
}

// MaskFromPrefix returns the netmask of bits ones in the family of a.
func MaskFromPrefix(a netip.Addr, bits int) netip.Addr {
	if a.Is4() {
		var b [4]byte
		fillMask(b[:], bits)
		return netip.AddrFrom4(b)
	}
	var b [16]byte
	fillMask(b[:], bits)
	return netip.AddrFrom16(b)
}

func fillMask(b []byte, bits int) {
	for i := range b {
		switch {
		case bits >= 8:
			b[i] = 0xff
			bits -= 8
		case bits > 0:
			b[i] = byte(0xff << (8 - bits))
			bits = 0
		default:
			b[i] = 0
		}
	}
}

// RuleAddr is an address and port predicate shared by rules and the
// translation tables.
type RuleAddr struct {
	Addr   netip.Addr
	Mask   netip.Addr
	Not    bool
	Port   [2]uint16
	PortOp PortOp
}

// Any returns a predicate matching every address and port.
func Any() RuleAddr {
	return RuleAddr{}
}

// MatchAddr evaluates only the address part of r.
func (r *RuleAddr) MatchAddr(a netip.Addr) bool {
	return MatchAddr(r.Not, r.Addr, r.Mask, a)
}

// MatchPort evaluates only the port part of r. Packets without ports match
// only predicates without a port operator.
func (r *RuleAddr) MatchPort(port uint16, hasPort bool) bool {
	if r.PortOp == PortOpNone {
		return true
	}
	if !hasPort {
		return false
	}
	return MatchPort(r.PortOp, r.Port[0], r.Port[1], port)
}

// Match evaluates the address and port predicates against a and port.
func (r *RuleAddr) Match(a netip.Addr, port uint16, hasPort bool) bool {
	return r.MatchAddr(a) && r.MatchPort(port, hasPort)
}

// IsAny reports whether r matches everything.
func (r *RuleAddr) IsAny() bool {
	return IsWildcardMask(r.Mask) && r.PortOp == PortOpNone
}

// Equal reports whether r and o describe the same predicate.
func (r *RuleAddr) Equal(o *RuleAddr) bool {
	return r.Addr == o.Addr && r.Mask == o.Mask && r.Not == o.Not && r.PortOp == o.PortOp && r.Port == o.Port
}

func (r RuleAddr) String() string {
	addr := "any"
	if !IsWildcardMask(r.Mask) {
		addr = r.Addr.String()
		ones := maskOnes(r.Mask)
		if ones >= 0 && ones != r.Addr.BitLen() {
			addr = fmt.Sprintf("%s/%d", addr, ones)
		} else if ones < 0 {
			addr = fmt.Sprintf("%s/%s", addr, r.Mask)
		}
		if r.Not {
			addr = "!" + addr
		}
	}
	switch {
	case r.PortOp == PortOpNone:
		return addr
	case r.PortOp == PortOpIRG:
		return fmt.Sprintf("%s port %d:%d", addr, r.Port[0], r.Port[1])
	case r.PortOp == PortOpXRG:
		return fmt.Sprintf("%s port %d <> %d", addr, r.Port[0], r.Port[1])
	default:
		return fmt.Sprintf("%s port %s %d", addr, r.PortOp, r.Port[0])
	}
}

// maskOnes returns the prefix length of a contiguous mask or -1.
func maskOnes(m netip.Addr) int {
	b := m.AsSlice()
	ones := 0
	seenZero := false
	for _, x := range b {
		for i := 7; i >= 0; i-- {
			if x&(1<<uint(i)) != 0 {
				if seenZero {
					return -1
				}
				ones++
			} else {
				seenZero = true
			}
		}
	}
	return ones
}
