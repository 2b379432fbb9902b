package v1alpha1

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/google/gopacket/layers"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/openshift/packet-filter/pkg/filter"
	"github.com/openshift/packet-filter/pkg/nat"
	"github.com/openshift/packet-filter/pkg/status"
	"github.com/openshift/packet-filter/pkg/utils"
)

// Policy returns the action applied to packets no rule matches. Packets
// pass when unset.
func (s *PacketFilterConfigSpec) Policy() (filter.Action, error) {
	if s.DefaultPolicy == "" {
		return filter.Pass, nil
	}
	a, err := filter.ParseAction(string(s.DefaultPolicy))
	if err != nil {
		return 0, err
	}
	if a == filter.Scrub {
		return 0, fmt.Errorf("default policy must be pass or block")
	}
	return a, nil
}

func (s *PacketFilterConfigSpec) MatchMode() (nat.MatchMode, error) {
	if s.NATMatchMode == "" {
		return nat.FirstMatch, nil
	}
	return nat.ParseMatchMode(s.NATMatchMode)
}

func (s *PacketFilterConfigSpec) DebugLevel() (status.DebugLevel, error) {
	if s.Debug == "" {
		return status.DebugNone, nil
	}
	return status.ParseDebug(s.Debug)
}

// FailsafeEnabled defaults to true.
func (s *PacketFilterConfigSpec) FailsafeEnabled() bool {
	return s.FailsafeRules == nil || *s.FailsafeRules
}

func (p ProtocolType) Number() (layers.IPProtocol, error) {
	return filter.ParseProto(string(p))
}

func (e Endpoint) RuleAddr() (filter.RuleAddr, error) {
	return utils.ParseRuleAddr(e.Address, e.Ports)
}

// ToRule converts r into a filter rule. The rule number is assigned when
// the rule is loaded.
func (r FilterRule) ToRule() (*filter.Rule, error) {
	var err error
	rule := &filter.Rule{
		Log:   r.Log,
		Quick: r.Quick,
	}
	if rule.Action, err = filter.ParseAction(string(r.Action)); err != nil {
		return nil, err
	}
	if rule.Direction, err = filter.ParseDirection(string(r.Direction)); err != nil {
		return nil, err
	}
	rule.Interface, rule.IfNot = utils.ParseInterface(r.Interface)
	if rule.AF, err = filter.ParseAF(r.Family); err != nil {
		return nil, err
	}
	if rule.Proto, err = r.Protocol.Number(); err != nil {
		return nil, err
	}
	if rule.Src, err = r.From.RuleAddr(); err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	if rule.Dst, err = r.To.RuleAddr(); err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	if rule.Flags, rule.FlagSet, err = utils.ParseFlags(r.Flags); err != nil {
		return nil, err
	}
	if r.ICMPType != nil {
		rule.Type = *r.ICMPType + 1
	}
	if r.ICMPCode != nil {
		rule.Code = *r.ICMPCode + 1
	}
	if rule.KeepState, err = filter.ParseKeepState(string(r.KeepState)); err != nil {
		return nil, err
	}
	if r.ReturnRST {
		rule.RuleFlags |= filter.ReturnRST
	}
	if r.ReturnICMP != nil {
		rule.SetReturnICMP(r.ReturnICMP.Type, r.ReturnICMP.Code)
	}
	if r.LogAll {
		rule.RuleFlags |= filter.LogAll
	}
	if r.NoDF {
		rule.RuleFlags |= filter.NoDF
	}
	rule.MinTTL = r.MinTTL
	return rule, nil
}

func parseTranslation(s string) (netip.Addr, error) {
	a, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid translation address: %v", err)
	}
	return a, nil
}

func (n NATRule) ToNAT() (*nat.NAT, error) {
	var err error
	entry := &nat.NAT{}
	entry.Interface, entry.IfNot = utils.ParseInterface(n.Interface)
	if entry.Proto, err = n.Protocol.Number(); err != nil {
		return nil, err
	}
	if entry.Src, err = n.From.RuleAddr(); err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	if entry.Dst, err = n.To.RuleAddr(); err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	if entry.RAddr, err = parseTranslation(n.Translation); err != nil {
		return nil, err
	}
	return entry, nil
}

func (b BINATRule) ToBINAT() (*nat.BINAT, error) {
	var err error
	entry := &nat.BINAT{Interface: b.Interface}
	if strings.HasPrefix(b.Interface, "!") {
		return nil, fmt.Errorf("binat cannot be bound to a negated interface")
	}
	if entry.Proto, err = b.Protocol.Number(); err != nil {
		return nil, err
	}
	if entry.Addr, err = netip.ParseAddr(strings.TrimSpace(b.Internal)); err != nil {
		return nil, fmt.Errorf("invalid internal address: %v", err)
	}
	if entry.Dst, err = utils.ParseAddress(b.To); err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	if entry.RAddr, err = parseTranslation(b.Translation); err != nil {
		return nil, err
	}
	return entry, nil
}

func (r RDRRule) ToRDR() (*nat.RDR, error) {
	var err error
	entry := &nat.RDR{}
	entry.Interface, entry.IfNot = utils.ParseInterface(r.Interface)
	if entry.Proto, err = r.Protocol.Number(); err != nil {
		return nil, err
	}
	if entry.Src, err = r.From.RuleAddr(); err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	if entry.Dst, err = utils.ParseAddress(r.To.Address); err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	dports, err := utils.ParsePorts(r.To.Ports)
	if err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	switch dports.Op {
	case filter.PortOpNone:
	case filter.PortOpEQ:
		entry.DPort = dports.Start
	case filter.PortOpIRG:
		entry.DPort, entry.DPort2 = dports.Start, dports.End
		entry.Opts |= nat.DPortRange
	default:
		return nil, fmt.Errorf("to: rdr destination must be a port or a port range")
	}
	if err := r.translationPort(entry); err != nil {
		return nil, err
	}
	if entry.RAddr, err = parseTranslation(r.Translation); err != nil {
		return nil, err
	}
	return entry, nil
}

func (r RDRRule) translationPort(entry *nat.RDR) error {
	p := r.TranslationPort
	if p == nil {
		return nil
	}
	if p.Type == intstr.String && strings.HasSuffix(p.StrVal, ":*") {
		base := intstr.FromString(strings.TrimSuffix(p.StrVal, ":*"))
		ps, err := utils.ParsePorts(&base)
		if err != nil || ps.Op != filter.PortOpEQ {
			return fmt.Errorf("invalid translation port %q", p.StrVal)
		}
		entry.RPort = ps.Start
		entry.Opts |= nat.RPortRange
		return nil
	}
	ps, err := utils.ParsePorts(p)
	if err != nil {
		return fmt.Errorf("invalid translation port: %v", err)
	}
	if ps.Op != filter.PortOpEQ {
		return fmt.Errorf("invalid translation port %q", p.String())
	}
	entry.RPort = ps.Start
	return nil
}
