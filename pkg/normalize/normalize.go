package normalize

import (
	"errors"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/openshift/packet-filter/pkg/filter"
	"github.com/openshift/packet-filter/pkg/packet"
	"github.com/openshift/packet-filter/pkg/status"
)

// Verdict is the outcome of normalizing one packet.
type Verdict struct {
	Action filter.Action
	Reason status.Reason
	// Rule is the scrub rule that applied, nil when none matched.
	Rule *filter.Rule
	// Data is the packet to continue with: the input, a rewritten copy or
	// a reassembled datagram.
	Data []byte
	// Held is set when the packet was queued for reassembly.
	Held bool
}

// Normalizer scrubs packets matching a scrub rule.
type Normalizer struct {
	cache *Cache
}

func New(cache *Cache) *Normalizer {
	return &Normalizer{cache: cache}
}

func (n *Normalizer) Cache() *Cache {
	return n.cache
}

// Normalize applies the first scrub rule of rs matching data. Packets
// without a matching scrub rule pass untouched.
func (n *Normalizer) Normalize(rs *filter.Ruleset, dir filter.Direction, ifname string, data []byte, now time.Time) Verdict {
	pass := Verdict{Action: filter.Pass, Reason: status.ReasonNone, Data: data}
	if len(data) < packet.MinHeaderLen {
		return pass
	}
	t := filter.Tuple{
		Interface: ifname,
		Proto:     layers.IPProtocol(data[9]),
		Length:    len(data),
	}
	t.Src, _ = netip.AddrFromSlice(data[12:16])
	t.Dst, _ = netip.AddrFromSlice(data[16:20])
	r := rs.FirstScrub(dir, &t)
	if r == nil {
		return pass
	}
	pass.Rule = r
	drop := func(reason status.Reason) Verdict {
		return Verdict{Action: filter.Drop, Reason: reason, Rule: r, Data: data}
	}

	var ip layers.IPv4
	if err := ip.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return drop(status.ReasonNormalize)
	}
	changed := false
	if r.RuleFlags.Has(filter.NoDF) && ip.Flags&layers.IPv4DontFragment != 0 {
		ip.Flags &^= layers.IPv4DontFragment
		changed = true
	}
	if ip.Flags&layers.IPv4MoreFragments != 0 || ip.FragOffset != 0 {
		hdr, payload, err := n.cache.reassemble(now, &ip)
		switch {
		case errors.Is(err, errNoMemory):
			return drop(status.ReasonMemory)
		case err != nil:
			return drop(status.ReasonFragment)
		case hdr == nil:
			v := drop(status.ReasonNone)
			v.Held = true
			return v
		}
		ip = *hdr
		ip.Payload = payload
		ip.Flags &^= layers.IPv4MoreFragments
		ip.FragOffset = 0
		changed = true
	}
	if r.MinTTL != 0 && ip.TTL < r.MinTTL {
		ip.TTL = r.MinTTL
		changed = true
	}
	if !changed {
		return pass
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &ip, gopacket.Payload(ip.Payload)); err != nil {
		return drop(status.ReasonNormalize)
	}
	pass.Data = buf.Bytes()
	return pass
}
