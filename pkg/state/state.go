package state

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/layers"

	"github.com/openshift/packet-filter/pkg/filter"
)

// HostPort is one endpoint of a tracked flow.
type HostPort struct {
	Addr netip.Addr
	Port uint16
}

func (h HostPort) String() string {
	return fmt.Sprintf("%s:%d", h.Addr, h.Port)
}

// PeerState is the connection state of one peer.
type PeerState uint8

const (
	PeerNone PeerState = iota
	PeerOpening
	PeerEstablished
	PeerClosing
	PeerFinWait
	PeerClosed
)

func (p PeerState) String() string {
	switch p {
	case PeerNone:
		return "NONE"
	case PeerOpening:
		return "OPENING"
	case PeerEstablished:
		return "ESTABLISHED"
	case PeerClosing:
		return "CLOSING"
	case PeerFinWait:
		return "FIN_WAIT"
	case PeerClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("PeerState(%d)", uint8(p))
}

// Peer tracks the sequence space of one side of a flow. For modulated
// states SeqLo and SeqHi are kept in the sequence space of the host itself;
// SeqDiff is added on the way through.
type Peer struct {
	SeqLo   uint32
	SeqHi   uint32
	SeqDiff uint32
	MaxWin  uint16
	State   PeerState
}

// Side tells which end of a state sent a packet.
type Side int

const (
	// SideLan is the internal host.
	SideLan Side = iota
	// SideExt is the external peer.
	SideExt
)

func (s Side) String() string {
	if s == SideLan {
		return "lan"
	}
	return "ext"
}

// State is one tracked flow. Lan is the internal endpoint as seen from the
// inside, Gwy the same endpoint as presented to the outside and Ext the
// external peer. Lan equals Gwy for flows that are not translated.
//
// The identity fields are fixed once the state has been inserted. The
// tracking fields are guarded by the state lock.
type State struct {
	Lan       HostPort
	Gwy       HostPort
	Ext       HostPort
	Proto     layers.IPProtocol
	Direction filter.Direction
	Log       bool
	Modulate  bool
	Creation  time.Time

	mu      sync.Mutex
	Src     Peer
	Dst     Peer
	Expire  time.Time
	Packets uint64
	Bytes   uint64

	rule atomic.Pointer[filter.Rule]
}

func (s *State) Lock()   { s.mu.Lock() }
func (s *State) Unlock() { s.mu.Unlock() }

// Rule returns the rule that created the state, nil when it was created by
// a translation alone or the rule has since been replaced.
func (s *State) Rule() *filter.Rule {
	return s.rule.Load()
}

func (s *State) SetRule(r *filter.Rule) {
	s.rule.Store(r)
}

// LanExtKey is the key of s in the outbound index.
func (s *State) LanExtKey() Key {
	return Key{
		Proto: s.Proto,
		Addr:  [2]netip.Addr{s.Lan.Addr, s.Ext.Addr},
		Port:  [2]uint16{s.Lan.Port, s.Ext.Port},
	}
}

// ExtGwyKey is the key of s in the inbound index.
func (s *State) ExtGwyKey() Key {
	return Key{
		Proto: s.Proto,
		Addr:  [2]netip.Addr{s.Ext.Addr, s.Gwy.Addr},
		Port:  [2]uint16{s.Ext.Port, s.Gwy.Port},
	}
}

// Translated reports whether the internal endpoint is rewritten.
func (s *State) Translated() bool {
	return s.Lan != s.Gwy
}

// Peers returns the peer that sent a packet from side and the peer that
// receives it. The caller holds the state lock.
func (s *State) Peers(side Side) (src, dst *Peer) {
	if (side == SideLan) == (s.Direction == filter.Out) {
		return &s.Src, &s.Dst
	}
	return &s.Dst, &s.Src
}

// Expired reports whether the deadline of s has passed at now.
func (s *State) Expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !now.Before(s.Expire)
}

// ExpireNow moves the deadline of s to the zero time.
func (s *State) ExpireNow() {
	s.mu.Lock()
	s.Expire = time.Time{}
	s.mu.Unlock()
}

// Info is a copy of a state taken under its lock.
type Info struct {
	Lan, Gwy, Ext HostPort
	Proto         layers.IPProtocol
	Direction     filter.Direction
	Log           bool
	Src, Dst      Peer
	Creation      time.Time
	Expire        time.Time
	Packets       uint64
	Bytes         uint64
	Rule          *filter.Rule
}

func (s *State) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Lan:       s.Lan,
		Gwy:       s.Gwy,
		Ext:       s.Ext,
		Proto:     s.Proto,
		Direction: s.Direction,
		Log:       s.Log,
		Src:       s.Src,
		Dst:       s.Dst,
		Creation:  s.Creation,
		Expire:    s.Expire,
		Packets:   s.Packets,
		Bytes:     s.Bytes,
		Rule:      s.rule.Load(),
	}
}

func (s *State) String() string {
	arrow := "->"
	if s.Direction == filter.In {
		arrow = "<-"
	}
	if s.Translated() {
		return fmt.Sprintf("%s %s (%s) %s %s", filter.ProtoName(s.Proto), s.Lan, s.Gwy, arrow, s.Ext)
	}
	return fmt.Sprintf("%s %s %s %s", filter.ProtoName(s.Proto), s.Lan, arrow, s.Ext)
}
