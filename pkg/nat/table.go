package nat

import (
	"fmt"
	"strings"

	"github.com/openshift/packet-filter/pkg/filter"
)

// MatchMode selects which entry of a translation table applies when several
// match a packet.
type MatchMode int

const (
	// FirstMatch stops at the first matching entry.
	FirstMatch MatchMode = iota
	// LastMatch scans the whole table and keeps the last matching entry.
	LastMatch
)

func (m MatchMode) String() string {
	switch m {
	case FirstMatch:
		return "first"
	case LastMatch:
		return "last"
	}
	return fmt.Sprintf("MatchMode(%d)", int(m))
}

func ParseMatchMode(s string) (MatchMode, error) {
	switch strings.ToLower(s) {
	case "", "first":
		return FirstMatch, nil
	case "last":
		return LastMatch, nil
	}
	return 0, fmt.Errorf("unknown match mode %q", s)
}

// Entry is implemented by *NAT, *BINAT and *RDR.
type Entry interface {
	*NAT | *BINAT | *RDR
	// IfName returns the interface the entry is bound to, empty for all.
	IfName() string
	Validate() error
	String() string
}

// Table is an immutable snapshot of one translation table.
type Table[T Entry] struct {
	entries []T
	ticket  uint32
}

// NewTable builds a snapshot identified by ticket. The slice is copied.
func NewTable[T Entry](entries []T, ticket uint32) *Table[T] {
	return &Table[T]{entries: append([]T(nil), entries...), ticket: ticket}
}

func (t *Table[T]) Len() int {
	return len(t.entries)
}

func (t *Table[T]) Ticket() uint32 {
	return t.ticket
}

func (t *Table[T]) At(i int) T {
	return t.entries[i]
}

// Entries returns a copy of the entry slice.
func (t *Table[T]) Entries() []T {
	return append([]T(nil), t.entries...)
}

func find[T Entry](entries []T, mode MatchMode, match func(T) bool) T {
	var found T
	for _, e := range entries {
		if !match(e) {
			continue
		}
		found = e
		if mode == FirstMatch {
			break
		}
	}
	return found
}

// LookupNAT returns the NAT entry translating an outbound packet, or nil.
func LookupNAT(t *Table[*NAT], mode MatchMode, ifname string, tuple *filter.Tuple) *NAT {
	return find(t.entries, mode, func(n *NAT) bool { return n.Match(ifname, tuple) })
}

// LookupBINAT returns the BINAT entry translating a packet travelling in
// direction dir, or nil.
func LookupBINAT(t *Table[*BINAT], mode MatchMode, dir filter.Direction, ifname string, tuple *filter.Tuple) *BINAT {
	if dir == filter.Out {
		return find(t.entries, mode, func(b *BINAT) bool { return b.MatchOut(ifname, tuple) })
	}
	return find(t.entries, mode, func(b *BINAT) bool { return b.MatchIn(ifname, tuple) })
}

// LookupRDR returns the RDR entry redirecting an inbound packet, or nil.
func LookupRDR(t *Table[*RDR], mode MatchMode, ifname string, tuple *filter.Tuple) *RDR {
	return find(t.entries, mode, func(r *RDR) bool { return r.Match(ifname, tuple) })
}
