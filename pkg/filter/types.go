package filter

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/google/gopacket/layers"
)

var (
	ErrUnknownAction    = errors.New("unknown action")
	ErrUnknownDirection = errors.New("unknown direction")
	ErrUnknownAF        = errors.New("unknown address family")
	ErrUnknownKeepState = errors.New("unknown keep state mode")
)

type Action int

const (
	Pass Action = iota
	Drop
	Scrub
)

func (a Action) String() string {
	switch a {
	case Pass:
		return "pass"
	case Drop:
		return "block"
	case Scrub:
		return "scrub"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// ParseAction accepts the pf.conf keywords plus "drop" and "allow"/"deny".
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(s) {
	case "pass", "allow":
		return Pass, nil
	case "block", "drop", "deny":
		return Drop, nil
	case "scrub":
		return Scrub, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

type Direction int

const (
	In Direction = iota
	Out
)

func (d Direction) String() string {
	switch d {
	case In:
		return "in"
	case Out:
		return "out"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	if d == In {
		return Out
	}
	return In
}

func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return In, nil
	case "out":
		return Out, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownDirection, s)
}

// AF is an address family selector. AFAny matches both families.
type AF int

const (
	AFAny AF = iota
	AFInet
	AFInet6
)

func (af AF) String() string {
	switch af {
	case AFAny:
		return ""
	case AFInet:
		return "inet"
	case AFInet6:
		return "inet6"
	}
	return fmt.Sprintf("AF(%d)", int(af))
}

func ParseAF(s string) (AF, error) {
	switch strings.ToLower(s) {
	case "", "any":
		return AFAny, nil
	case "inet", "ipv4":
		return AFInet, nil
	case "inet6", "ipv6":
		return AFInet6, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownAF, s)
}

// AFOf returns the family of a.
func AFOf(a netip.Addr) AF {
	if a.Is4() || a.Is4In6() {
		return AFInet
	}
	if a.Is6() {
		return AFInet6
	}
	return AFAny
}

// ParseProto accepts protocol names understood by pf.conf and decimal
// protocol numbers. The empty string and "any" yield 0.
func ParseProto(s string) (layers.IPProtocol, error) {
	switch strings.ToLower(s) {
	case "", "any":
		return 0, nil
	case "tcp":
		return layers.IPProtocolTCP, nil
	case "udp":
		return layers.IPProtocolUDP, nil
	case "icmp":
		return layers.IPProtocolICMPv4, nil
	case "icmp6", "ipv6-icmp":
		return layers.IPProtocolICMPv6, nil
	case "gre":
		return layers.IPProtocolGRE, nil
	case "esp":
		return layers.IPProtocolESP, nil
	case "ah":
		return layers.IPProtocolAH, nil
	}
	var n uint8
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("unknown protocol %q", s)
	}
	return layers.IPProtocol(n), nil
}

// ProtoName is the inverse of ParseProto.
func ProtoName(p layers.IPProtocol) string {
	switch p {
	case 0:
		return "any"
	case layers.IPProtocolTCP:
		return "tcp"
	case layers.IPProtocolUDP:
		return "udp"
	case layers.IPProtocolICMPv4:
		return "icmp"
	case layers.IPProtocolICMPv6:
		return "icmp6"
	}
	return fmt.Sprintf("%d", uint8(p))
}

// KeepState selects whether and how a passing rule creates state.
type KeepState int

const (
	KeepStateNone KeepState = iota
	KeepStateNormal
	KeepStateModulate
)

func (k KeepState) String() string {
	switch k {
	case KeepStateNone:
		return ""
	case KeepStateNormal:
		return "keep state"
	case KeepStateModulate:
		return "modulate state"
	}
	return fmt.Sprintf("KeepState(%d)", int(k))
}

func ParseKeepState(s string) (KeepState, error) {
	switch strings.ToLower(s) {
	case "", "none", "no":
		return KeepStateNone, nil
	case "keep", "normal", "keep state":
		return KeepStateNormal, nil
	case "modulate", "modulate state":
		return KeepStateModulate, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKeepState, s)
}

// RuleFlags holds the per rule option bits.
type RuleFlags uint8

const (
	// ReturnRST answers a blocked TCP packet with a reset.
	ReturnRST RuleFlags = 1 << iota
	// NoDF clears the don't-fragment bit on scrubbed packets.
	NoDF
	// LogAll logs every packet of the states a rule creates.
	LogAll
)

func (f RuleFlags) Has(flag RuleFlags) bool {
	return f&flag != 0
}

// TCP flag bits as they appear on the wire.
const (
	TCPFin uint8 = 0x01
	TCPSyn uint8 = 0x02
	TCPRst uint8 = 0x04
	TCPPsh uint8 = 0x08
	TCPAck uint8 = 0x10
	TCPUrg uint8 = 0x20
)

var tcpFlagLetters = []struct {
	bit    uint8
	letter byte
}{
	{TCPFin, 'F'}, {TCPSyn, 'S'}, {TCPRst, 'R'}, {TCPPsh, 'P'}, {TCPAck, 'A'}, {TCPUrg, 'U'},
}

// FormatTCPFlags renders flags as pf does, e.g. "SA".
func FormatTCPFlags(flags uint8) string {
	var b strings.Builder
	for _, f := range tcpFlagLetters {
		if flags&f.bit != 0 {
			b.WriteByte(f.letter)
		}
	}
	return b.String()
}

// ParseTCPFlags is the inverse of FormatTCPFlags.
func ParseTCPFlags(s string) (uint8, error) {
	var flags uint8
outer:
	for i := 0; i < len(s); i++ {
		for _, f := range tcpFlagLetters {
			if s[i] == f.letter {
				flags |= f.bit
				continue outer
			}
		}
		return 0, fmt.Errorf("unknown tcp flag %q in %q", s[i], s)
	}
	return flags, nil
}

// Tuple is the part of a packet the matchers look at.
type Tuple struct {
	Interface string
	Proto     layers.IPProtocol
	Src       netip.Addr
	Dst       netip.Addr
	SrcPort   uint16
	DstPort   uint16
	// HasPorts is false for packets without a transport port pair, in which
	// case rules with a port operator never match.
	HasPorts bool
	TCPFlags uint8
	ICMPType uint8
	ICMPCode uint8
	// HasICMP is true when ICMPType and ICMPCode are valid.
	HasICMP bool
	Length  int
}

func (t *Tuple) String() string {
	if t.HasPorts {
		return fmt.Sprintf("%s %s:%d > %s:%d", ProtoName(t.Proto), t.Src, t.SrcPort, t.Dst, t.DstPort)
	}
	return fmt.Sprintf("%s %s > %s", ProtoName(t.Proto), t.Src, t.Dst)
}
