package state

import (
	"fmt"
	"net/netip"

	"github.com/google/gopacket/layers"

	"github.com/openshift/packet-filter/pkg/filter"
)

// Key identifies a state in one of the two indexes. Index 0 is the sending
// side of the packet the key is built from.
type Key struct {
	Proto layers.IPProtocol
	Addr  [2]netip.Addr
	Port  [2]uint16
}

// KeyFromTuple builds the lookup key of a packet.
func KeyFromTuple(t *filter.Tuple) Key {
	return Key{
		Proto: t.Proto,
		Addr:  [2]netip.Addr{t.Src, t.Dst},
		Port:  [2]uint16{t.SrcPort, t.DstPort},
	}
}

// Reverse swaps the two sides of k.
func (k Key) Reverse() Key {
	return Key{
		Proto: k.Proto,
		Addr:  [2]netip.Addr{k.Addr[1], k.Addr[0]},
		Port:  [2]uint16{k.Port[1], k.Port[0]},
	}
}

// Compare orders keys by protocol, addresses and then ports.
func (k Key) Compare(o Key) int {
	switch {
	case k.Proto < o.Proto:
		return -1
	case k.Proto > o.Proto:
		return 1
	}
	for i := 0; i < 2; i++ {
		if c := k.Addr[i].Compare(o.Addr[i]); c != 0 {
			return c
		}
	}
	for i := 0; i < 2; i++ {
		switch {
		case k.Port[i] < o.Port[i]:
			return -1
		case k.Port[i] > o.Port[i]:
			return 1
		}
	}
	return 0
}

func (k Key) String() string {
	return fmt.Sprintf("%s %s:%d <-> %s:%d", filter.ProtoName(k.Proto), k.Addr[0], k.Port[0], k.Addr[1], k.Port[1])
}
