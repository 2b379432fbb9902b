package normalize

import (
	"container/list"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/layers"
	"k8s.io/klog"

	"github.com/openshift/packet-filter/pkg/timeouts"
)

// DefaultFragmentLimit is the default number of fragments the cache holds.
const DefaultFragmentLimit = 5000

// maxPacket is the largest datagram reassembly produces.
const maxPacket = 65535

var (
	errBadFragment = errors.New("bad fragment")
	errNoMemory    = errors.New("fragment limit reached")
)

type fragKey struct {
	proto layers.IPProtocol
	src   netip.Addr
	dst   netip.Addr
	id    uint16
}

type frent struct {
	hdr  layers.IPv4
	off  int
	data []byte
}

func (f *frent) end() int {
	return f.off + len(f.data)
}

type datagram struct {
	key      fragKey
	queue    []*frent
	max      int
	seenLast bool
	touched  time.Time
	elem     *list.Element
}

// Cache holds fragments of datagrams under reassembly. The least recently
// used datagrams are flushed first.
type Cache struct {
	timeouts *timeouts.Table
	limit    atomic.Int64

	mu      sync.Mutex
	frags   map[fragKey]*datagram
	lru     *list.List
	nfrents int
}

func NewCache(tm *timeouts.Table) *Cache {
	c := &Cache{
		timeouts: tm,
		frags:    make(map[fragKey]*datagram),
		lru:      list.New(),
	}
	c.limit.Store(DefaultFragmentLimit)
	return c
}

func (c *Cache) Limit() int64 {
	return c.limit.Load()
}

// SetLimit changes the fragment limit and returns the previous one. Zero
// means no limit.
func (c *Cache) SetLimit(n int64) int64 {
	return c.limit.Swap(n)
}

// Len returns the number of cached fragments.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nfrents
}

// Datagrams returns the number of datagrams under reassembly.
func (c *Cache) Datagrams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frags)
}

// Purge drops the datagrams not touched within the frag timeout.
func (c *Cache) Purge(now time.Time) int {
	deadline := now.Add(-c.timeouts.Duration(timeouts.Frag))
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for e := c.lru.Back(); e != nil; e = c.lru.Back() {
		d := e.Value.(*datagram)
		if d.touched.After(deadline) {
			break
		}
		klog.V(4).Infof("expiring fragments of %v id %d", d.key.src, d.key.id)
		c.freeLocked(d)
		n++
	}
	return n
}

// Clear drops everything.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.frags)
	c.frags = make(map[fragKey]*datagram)
	c.lru.Init()
	c.nfrents = 0
	return n
}

func (c *Cache) freeLocked(d *datagram) {
	c.nfrents -= len(d.queue)
	c.lru.Remove(d.elem)
	delete(c.frags, d.key)
}

// flushLocked frees the oldest datagrams until the cache holds at most 90%
// of its current fragments.
func (c *Cache) flushLocked() {
	goal := c.nfrents * 9 / 10
	klog.V(2).Infof("flushing fragment cache: %d fragments, goal %d", c.nfrents, goal)
	for c.nfrents > goal {
		e := c.lru.Back()
		if e == nil {
			break
		}
		c.freeLocked(e.Value.(*datagram))
	}
}

// reassemble queues the fragment ip. Once the datagram is complete it
// returns the header of its first fragment and the reassembled payload.
// Both are nil while fragments are missing.
func (c *Cache) reassemble(now time.Time, ip *layers.IPv4) (*layers.IPv4, []byte, error) {
	key := fragKey{proto: ip.Protocol, id: ip.Id}
	key.src, _ = netip.AddrFromSlice(ip.SrcIP.To4())
	key.dst, _ = netip.AddrFromSlice(ip.DstIP.To4())

	c.mu.Lock()
	defer c.mu.Unlock()

	d := c.frags[key]
	if d != nil {
		d.touched = now
		c.lru.MoveToFront(d.elem)
	}
	bad := func() (*layers.IPv4, []byte, error) {
		if d != nil {
			c.freeLocked(d)
		}
		return nil, nil, errBadFragment
	}

	if ip.Flags&layers.IPv4DontFragment != 0 {
		klog.V(2).Infof("fragment %d from %v has DF set", ip.Id, key.src)
		return bad()
	}
	mff := ip.Flags&layers.IPv4MoreFragments != 0
	off := int(ip.FragOffset) * 8
	if mff && len(ip.Payload)&0x7 != 0 {
		klog.V(2).Infof("fragment %d from %v: length %d not aligned", ip.Id, key.src, len(ip.Payload))
		return bad()
	}
	max := off + len(ip.Payload)
	if max > maxPacket {
		return bad()
	}
	if d != nil && d.seenLast && max > d.max {
		return bad()
	}

	if limit := c.limit.Load(); limit > 0 && int64(c.nfrents) >= limit {
		c.flushLocked()
		if int64(c.nfrents) >= limit {
			return nil, nil, errNoMemory
		}
		d = c.frags[key]
	}

	fe := &frent{hdr: *ip, off: off, data: append([]byte(nil), ip.Payload...)}
	fe.hdr.Payload = nil
	fe.hdr.Contents = nil

	if d == nil {
		d = &datagram{key: key, touched: now}
		d.elem = c.lru.PushFront(d)
		c.frags[key] = d
		d.queue = []*frent{fe}
		c.nfrents++
	} else if !c.insertLocked(d, fe) {
		return nil, nil, nil
	}

	if d.max < max {
		d.max = max
	}
	if !mff {
		d.seenLast = true
	}
	if !d.seenLast {
		return nil, nil, nil
	}

	total := 0
	for _, e := range d.queue {
		if e.off != total {
			return nil, nil, nil
		}
		total += len(e.data)
	}
	if total < d.max {
		return nil, nil, nil
	}

	hdr := d.queue[0].hdr
	if int(hdr.IHL)*4+total > maxPacket {
		klog.V(2).Infof("reassembled datagram %d from %v too big: %d", key.id, key.src, total)
		c.freeLocked(d)
		return nil, nil, nil
	}
	payload := make([]byte, 0, total)
	for _, e := range d.queue {
		payload = append(payload, e.data...)
	}
	c.freeLocked(d)
	klog.V(4).Infof("reassembled datagram %d from %v: %d bytes", key.id, key.src, total)
	return &hdr, payload, nil
}

// insertLocked places fe into the queue of d, trimming the overlap with
// the neighbouring fragments. It returns false when fe is entirely covered
// by the fragment before it.
func (c *Cache) insertLocked(d *datagram, fe *frent) bool {
	i := 0
	for i < len(d.queue) && d.queue[i].off <= fe.off {
		i++
	}
	if i > 0 {
		prev := d.queue[i-1]
		if precut := prev.end() - fe.off; precut > 0 {
			if precut >= len(fe.data) {
				return false
			}
			fe.data = fe.data[precut:]
			fe.off += precut
		}
	}
	for i < len(d.queue) && fe.end() > d.queue[i].off {
		next := d.queue[i]
		aftercut := fe.end() - next.off
		if aftercut < len(next.data) {
			next.data = next.data[aftercut:]
			next.off += aftercut
			break
		}
		d.queue = append(d.queue[:i], d.queue[i+1:]...)
		c.nfrents--
	}
	d.queue = append(d.queue, nil)
	copy(d.queue[i+1:], d.queue[i:])
	d.queue[i] = fe
	c.nfrents++
	return true
}
