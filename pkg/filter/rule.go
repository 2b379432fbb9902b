package filter

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/gopacket/layers"
	apierrors "k8s.io/apimachinery/pkg/util/errors"
)

// Rule is a single filter or scrub rule. Apart from the counters a rule is
// never modified once the table holding it has been committed.
type Rule struct {
	Nr        uint32
	Action    Action
	Direction Direction
	// Interface restricts the rule to one interface; empty matches all.
	Interface string
	IfNot     bool
	AF        AF
	Proto     layers.IPProtocol
	Src       RuleAddr
	Dst       RuleAddr
	// Flags/FlagSet: the packet matches when flags&FlagSet == Flags.
	Flags   uint8
	FlagSet uint8
	// Type and Code hold the ICMP type and code plus one, zero matches any.
	Type       uint8
	Code       uint8
	Log        bool
	Quick      bool
	KeepState  KeepState
	ReturnICMP uint16
	RuleFlags  RuleFlags
	MinTTL     uint8

	evaluations atomic.Uint64
	packets     atomic.Uint64
	bytes       atomic.Uint64
}

// Counters is a copy of the running counters of a rule.
type Counters struct {
	Evaluations uint64
	Packets     uint64
	Bytes       uint64
}

func (r *Rule) Counters() Counters {
	return Counters{
		Evaluations: r.evaluations.Load(),
		Packets:     r.packets.Load(),
		Bytes:       r.bytes.Load(),
	}
}

// ClearCounters zeroes the running counters.
func (r *Rule) ClearCounters() {
	r.evaluations.Store(0)
	r.packets.Store(0)
	r.bytes.Store(0)
}

func (r *Rule) countMatch(length int) {
	r.packets.Add(1)
	r.bytes.Add(uint64(length))
}

// ReturnICMPType and ReturnICMPCode split ReturnICMP.
func (r *Rule) ReturnICMPType() uint8 { return uint8(r.ReturnICMP >> 8) }
func (r *Rule) ReturnICMPCode() uint8 { return uint8(r.ReturnICMP) }

// SetReturnICMP stores the ICMP type and code sent back for blocked packets.
func (r *Rule) SetReturnICMP(typ, code uint8) {
	r.ReturnICMP = uint16(typ)<<8 | uint16(code)
}

// Copy returns a copy of r with zeroed counters.
func (r *Rule) Copy() *Rule {
	return &Rule{
		Nr:         r.Nr,
		Action:     r.Action,
		Direction:  r.Direction,
		Interface:  r.Interface,
		IfNot:      r.IfNot,
		AF:         r.AF,
		Proto:      r.Proto,
		Src:        r.Src,
		Dst:        r.Dst,
		Flags:      r.Flags,
		FlagSet:    r.FlagSet,
		Type:       r.Type,
		Code:       r.Code,
		Log:        r.Log,
		Quick:      r.Quick,
		KeepState:  r.KeepState,
		ReturnICMP: r.ReturnICMP,
		RuleFlags:  r.RuleFlags,
		MinTTL:     r.MinTTL,
	}
}

// Renumbered returns a copy of r numbered nr that keeps the counters.
func (r *Rule) Renumbered(nr uint32) *Rule {
	c := r.Copy()
	c.Nr = nr
	c.evaluations.Store(r.evaluations.Load())
	c.packets.Store(r.packets.Load())
	c.bytes.Store(r.bytes.Load())
	return c
}

// Equal compares the matching and action fields of two rules, ignoring the
// rule number and counters. Two nil rules are equal.
func (r *Rule) Equal(o *Rule) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.Action == o.Action &&
		r.Direction == o.Direction &&
		r.Interface == o.Interface &&
		r.IfNot == o.IfNot &&
		r.AF == o.AF &&
		r.Proto == o.Proto &&
		r.Src.Equal(&o.Src) &&
		r.Dst.Equal(&o.Dst) &&
		r.Flags == o.Flags &&
		r.FlagSet == o.FlagSet &&
		r.Type == o.Type &&
		r.Code == o.Code &&
		r.Log == o.Log &&
		r.Quick == o.Quick &&
		r.KeepState == o.KeepState &&
		r.ReturnICMP == o.ReturnICMP &&
		r.RuleFlags == o.RuleFlags &&
		r.MinTTL == o.MinTTL
}

// Validate checks the rule for combinations that can never be evaluated.
func (r *Rule) Validate() error {
	var errs []error
	switch r.Action {
	case Pass, Drop, Scrub:
	default:
		errs = append(errs, fmt.Errorf("%w: %d", ErrUnknownAction, r.Action))
	}
	switch r.Direction {
	case In, Out:
	default:
		errs = append(errs, fmt.Errorf("%w: %d", ErrUnknownDirection, r.Direction))
	}
	isPortProto := r.Proto == layers.IPProtocolTCP || r.Proto == layers.IPProtocolUDP
	for _, a := range []struct {
		name string
		addr *RuleAddr
	}{{"from", &r.Src}, {"to", &r.Dst}} {
		if a.addr.PortOp != PortOpNone && !isPortProto {
			errs = append(errs, fmt.Errorf("%s: port given for protocol %s", a.name, ProtoName(r.Proto)))
		}
		if a.addr.PortOp.IsRange() && a.addr.Port[0] > a.addr.Port[1] {
			errs = append(errs, fmt.Errorf("%s: port range %d-%d is inverted", a.name, a.addr.Port[0], a.addr.Port[1]))
		}
		if a.addr.PortOp > PortOpXRG {
			errs = append(errs, fmt.Errorf("%s: unknown port operator %d", a.name, a.addr.PortOp))
		}
		if !IsWildcardMask(a.addr.Mask) && !a.addr.Addr.IsValid() {
			errs = append(errs, fmt.Errorf("%s: mask without address", a.name))
		}
		if !IsWildcardMask(a.addr.Mask) && r.AF != AFAny && AFOf(a.addr.Addr) != r.AF {
			errs = append(errs, fmt.Errorf("%s: address %s does not belong to %s", a.name, a.addr.Addr, r.AF))
		}
	}
	if (r.Flags != 0 || r.FlagSet != 0) && r.Proto != layers.IPProtocolTCP {
		errs = append(errs, fmt.Errorf("flags given for protocol %s", ProtoName(r.Proto)))
	}
	if r.Flags&^r.FlagSet != 0 {
		errs = append(errs, fmt.Errorf("flags %s not covered by flag set %s", FormatTCPFlags(r.Flags), FormatTCPFlags(r.FlagSet)))
	}
	if (r.Type != 0 || r.Code != 0) && r.Proto != layers.IPProtocolICMPv4 && r.Proto != layers.IPProtocolICMPv6 {
		errs = append(errs, fmt.Errorf("icmp type given for protocol %s", ProtoName(r.Proto)))
	}
	if r.Code != 0 && r.Type == 0 {
		errs = append(errs, fmt.Errorf("icmp code given without type"))
	}
	if r.RuleFlags.Has(ReturnRST) && r.Proto != layers.IPProtocolTCP {
		errs = append(errs, fmt.Errorf("return-rst given for protocol %s", ProtoName(r.Proto)))
	}
	if r.Action == Scrub && (r.KeepState != KeepStateNone || r.Quick) {
		errs = append(errs, fmt.Errorf("scrub rules cannot keep state or be quick"))
	}
	if r.Action != Scrub && (r.MinTTL != 0 || r.RuleFlags.Has(NoDF)) {
		errs = append(errs, fmt.Errorf("min-ttl and no-df are only valid on scrub rules"))
	}
	if r.KeepState != KeepStateNone && r.Action != Pass {
		errs = append(errs, fmt.Errorf("only pass rules keep state"))
	}
	return apierrors.NewAggregate(errs)
}

// String renders the rule in pf.conf syntax.
func (r *Rule) String() string {
	var b strings.Builder
	b.WriteString(r.Action.String())
	if r.Action == Drop {
		switch {
		case r.RuleFlags.Has(ReturnRST):
			b.WriteString(" return-rst")
		case r.ReturnICMP != 0:
			fmt.Fprintf(&b, " return-icmp(%d,%d)", r.ReturnICMPType(), r.ReturnICMPCode())
		}
	}
	b.WriteString(" " + r.Direction.String())
	switch {
	case r.RuleFlags.Has(LogAll):
		b.WriteString(" log-all")
	case r.Log:
		b.WriteString(" log")
	}
	if r.Quick {
		b.WriteString(" quick")
	}
	if r.Interface != "" {
		b.WriteString(" on ")
		if r.IfNot {
			b.WriteString("!")
		}
		b.WriteString(r.Interface)
	}
	if r.AF != AFAny {
		b.WriteString(" " + r.AF.String())
	}
	if r.Proto != 0 {
		b.WriteString(" proto " + ProtoName(r.Proto))
	}
	if r.Src.IsAny() && r.Dst.IsAny() {
		b.WriteString(" all")
	} else {
		fmt.Fprintf(&b, " from %s to %s", r.Src, r.Dst)
	}
	if r.FlagSet != 0 {
		fmt.Fprintf(&b, " flags %s/%s", FormatTCPFlags(r.Flags), FormatTCPFlags(r.FlagSet))
	}
	if r.Type != 0 {
		fmt.Fprintf(&b, " icmp-type %d", r.Type-1)
		if r.Code != 0 {
			fmt.Fprintf(&b, " code %d", r.Code-1)
		}
	}
	if r.KeepState != KeepStateNone {
		b.WriteString(" " + r.KeepState.String())
	}
	if r.MinTTL != 0 {
		fmt.Fprintf(&b, " min-ttl %d", r.MinTTL)
	}
	if r.RuleFlags.Has(NoDF) {
		b.WriteString(" no-df")
	}
	return b.String()
}
