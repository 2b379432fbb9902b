package status

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Reason is the reason code recorded for a packet verdict.
type Reason int

const (
	ReasonMatch Reason = iota
	ReasonBadOffset
	ReasonFragment
	ReasonShort
	ReasonNormalize
	ReasonMemory
	ReasonMax
)

// ReasonNone marks a verdict without a recorded reason.
const ReasonNone Reason = -1

var reasonNames = [ReasonMax]string{"match", "bad-offset", "fragment", "short", "normalize", "memory"}

func (r Reason) String() string {
	if r < 0 || r >= ReasonMax {
		return "none"
	}
	return reasonNames[r]
}

// FCounter indexes the state table operation counters.
type FCounter int

const (
	FcntStateSearch FCounter = iota
	FcntStateInsert
	FcntStateRemovals
	FcntMax
)

var fcounterNames = [FcntMax]string{"searches", "inserts", "removals"}

func (f FCounter) String() string {
	if f < 0 || f >= FcntMax {
		return "unknown"
	}
	return fcounterNames[f]
}

// DebugLevel controls how much the engine logs about its own decisions.
type DebugLevel uint32

const (
	DebugNone DebugLevel = iota
	DebugUrgent
	DebugMisc
)

func (d DebugLevel) String() string {
	switch d {
	case DebugNone:
		return "none"
	case DebugUrgent:
		return "urgent"
	case DebugMisc:
		return "misc"
	}
	return "unknown"
}

// ParseDebug returns the level named s.
func ParseDebug(s string) (DebugLevel, error) {
	for d := DebugNone; d <= DebugMisc; d++ {
		if d.String() == s {
			return d, nil
		}
	}
	return DebugNone, fmt.Errorf("unknown debug level %q", s)
}

// Directions and verdicts used to index the per interface counters.
const (
	dirIn = iota
	dirOut
	dirMax
)

const (
	verdictPass = iota
	verdictDrop
	verdictMax
)

// Status holds the process wide counters of the packet filter. All counters
// are safe for concurrent use.
type Status struct {
	counters  [ReasonMax]atomic.Uint64
	fcounters [FcntMax]atomic.Uint64
	bcounters [dirMax]atomic.Uint64
	pcounters [dirMax][verdictMax]atomic.Uint64
	states    atomic.Int64
	debug     atomic.Uint32
	running   atomic.Bool

	// mu guards since and ifname.
	mu     sync.RWMutex
	since  time.Time
	ifname string
}

// Info is a point in time copy of Status.
type Info struct {
	Running   bool
	Since     time.Time
	Debug     DebugLevel
	Interface string
	States    int64
	Counters  [ReasonMax]uint64
	FCounters [FcntMax]uint64
	// Bytes and Packets are indexed by direction (0 in, 1 out), Packets
	// additionally by verdict (0 pass, 1 drop).
	Bytes   [2]uint64
	Packets [2][2]uint64
}

func New() *Status {
	return &Status{}
}

func (s *Status) IncReason(r Reason) {
	if r < 0 || r >= ReasonMax {
		return
	}
	s.counters[r].Add(1)
}

func (s *Status) IncFCounter(f FCounter) {
	if f < 0 || f >= FcntMax {
		return
	}
	s.fcounters[f].Add(1)
}

// AddStates adjusts the number of live states by delta.
func (s *Status) AddStates(delta int64) {
	s.states.Add(delta)
}

// SetStates overwrites the live state count.
func (s *Status) SetStates(n int64) {
	s.states.Store(n)
}

// CountPacket records one packet of length bytes for the status interface.
// out selects the direction and drop the verdict.
func (s *Status) CountPacket(out, drop bool, length int) {
	d, v := dirIn, verdictPass
	if out {
		d = dirOut
	}
	if drop {
		v = verdictDrop
	}
	s.bcounters[d].Add(uint64(length))
	s.pcounters[d][v].Add(1)
}

func (s *Status) Running() bool {
	return s.running.Load()
}

func (s *Status) Debug() DebugLevel {
	return DebugLevel(s.debug.Load())
}

func (s *Status) SetDebug(level DebugLevel) {
	s.debug.Store(uint32(level))
}

// Interface returns the name of the interface the byte and packet counters
// are bound to, empty when none is.
func (s *Status) Interface() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ifname
}

func (s *Status) SetInterface(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ifname = name
}

// Start zeroes every counter except the state count and marks the filter as
// running since now.
func (s *Status) Start(now time.Time) {
	s.reset()
	s.mu.Lock()
	s.since = now
	s.mu.Unlock()
	s.running.Store(true)
}

func (s *Status) Stop() {
	s.running.Store(false)
}

// Clear zeroes the counters but keeps the running flag, state count, start
// time, debug level and status interface.
func (s *Status) Clear() {
	s.reset()
}

func (s *Status) reset() {
	for i := range s.counters {
		s.counters[i].Store(0)
	}
	for i := range s.fcounters {
		s.fcounters[i].Store(0)
	}
	for d := range s.bcounters {
		s.bcounters[d].Store(0)
		for v := range s.pcounters[d] {
			s.pcounters[d][v].Store(0)
		}
	}
}

// Snapshot returns a copy of the current counters.
func (s *Status) Snapshot() Info {
	info := Info{
		Running: s.running.Load(),
		Debug:   DebugLevel(s.debug.Load()),
		States:  s.states.Load(),
	}
	s.mu.RLock()
	info.Since = s.since
	info.Interface = s.ifname
	s.mu.RUnlock()
	for i := range s.counters {
		info.Counters[i] = s.counters[i].Load()
	}
	for i := range s.fcounters {
		info.FCounters[i] = s.fcounters[i].Load()
	}
	for d := range s.bcounters {
		info.Bytes[d] = s.bcounters[d].Load()
		for v := range s.pcounters[d] {
			info.Packets[d][v] = s.pcounters[d][v].Load()
		}
	}
	return info
}
