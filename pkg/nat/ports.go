package nat

import (
	"sync"

	"github.com/google/gopacket/layers"
)

// Source ports handed out to translated connections.
const (
	ProxyPortLow  uint16 = 50001
	ProxyPortHigh uint16 = 65535
)

// PortAllocator hands out translated source ports per protocol, cycling
// through ProxyPortLow..ProxyPortHigh.
type PortAllocator struct {
	mu   sync.Mutex
	next map[layers.IPProtocol]uint16
}

func NewPortAllocator() *PortAllocator {
	return &PortAllocator{next: map[layers.IPProtocol]uint16{}}
}

// Next returns the next port of proto for which inUse reports false. It
// returns false when every port of the range is in use.
func (a *PortAllocator) Next(proto layers.IPProtocol, inUse func(port uint16) bool) (uint16, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	port, ok := a.next[proto]
	if !ok {
		port = ProxyPortLow
	}
	span := int(ProxyPortHigh-ProxyPortLow) + 1
	for i := 0; i < span; i++ {
		candidate := port
		if port == ProxyPortHigh {
			port = ProxyPortLow
		} else {
			port++
		}
		if inUse == nil || !inUse(candidate) {
			a.next[proto] = port
			return candidate, true
		}
	}
	return 0, false
}
