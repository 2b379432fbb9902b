package state

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openshift/packet-filter/pkg/filter"
	"github.com/openshift/packet-filter/pkg/status"
)

var (
	ErrStateExists   = errors.New("state already exists")
	ErrStateNotFound = errors.New("state not found")
	ErrStateLimit    = errors.New("state limit reached")
)

// DefaultLimit is the initial maximum number of states.
const DefaultLimit = 10000

// Table holds the live states in two indexes: lanExt keyed by the internal
// and external endpoint, used for outbound packets, and extGwy keyed by the
// external and translated endpoint, used for inbound packets. A state is
// present in both or in neither.
type Table struct {
	mu     sync.RWMutex
	lanExt map[Key]*State
	extGwy map[Key]*State

	limit  atomic.Int64
	status *status.Status
}

func NewTable(st *status.Status) *Table {
	if st == nil {
		st = status.New()
	}
	t := &Table{
		lanExt: map[Key]*State{},
		extGwy: map[Key]*State{},
		status: st,
	}
	t.limit.Store(DefaultLimit)
	return t
}

// Limit returns the maximum number of states, zero meaning no limit.
func (t *Table) Limit() int64 {
	return t.limit.Load()
}

// SetLimit changes the maximum number of states and returns the old value.
func (t *Table) SetLimit(n int64) int64 {
	return t.limit.Swap(n)
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.extGwy)
}

// Find looks up the state of a packet travelling in direction dir. Outbound
// packets are searched in lanExt and inbound packets in extGwy. States of
// untranslated flows are also found through the other index so that both
// ends may be seen in the same direction. The returned side tells which end
// of the state sent the packet.
func (t *Table) Find(dir filter.Direction, k Key) (*State, Side) {
	t.status.IncFCounter(status.FcntStateSearch)
	t.mu.RLock()
	defer t.mu.RUnlock()
	if dir == filter.Out {
		if s, ok := t.lanExt[k]; ok {
			return s, SideLan
		}
		if s, ok := t.extGwy[k]; ok && !s.Translated() {
			return s, SideExt
		}
		return nil, SideLan
	}
	if s, ok := t.extGwy[k]; ok {
		return s, SideExt
	}
	if s, ok := t.lanExt[k]; ok && !s.Translated() {
		return s, SideLan
	}
	return nil, SideExt
}

// FindLanExt and FindExtGwy search a single index.
func (t *Table) FindLanExt(k Key) *State {
	t.status.IncFCounter(status.FcntStateSearch)
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lanExt[k]
}

func (t *Table) FindExtGwy(k Key) *State {
	t.status.IncFCounter(status.FcntStateSearch)
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.extGwy[k]
}

// Lookup finds the state of k regardless of direction, trying both
// orderings of the key in both indexes.
func (t *Table) Lookup(k Key) *State {
	t.status.IncFCounter(status.FcntStateSearch)
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, key := range []Key{k, k.Reverse()} {
		if s, ok := t.lanExt[key]; ok {
			return s
		}
		if s, ok := t.extGwy[key]; ok {
			return s
		}
	}
	return nil
}

// InUse reports whether k is taken in the extGwy index.
func (t *Table) InUse(k Key) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.extGwy[k]
	return ok
}

// Insert adds s to both indexes. It fails without modifying the table when
// either key is already present or the limit has been reached.
func (t *Table) Insert(s *State) error {
	le, eg := s.LanExtKey(), s.ExtGwyKey()
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.lanExt[le]; ok {
		return ErrStateExists
	}
	if _, ok := t.extGwy[eg]; ok {
		return ErrStateExists
	}
	if limit := t.limit.Load(); limit > 0 && int64(len(t.extGwy)) >= limit {
		return ErrStateLimit
	}
	t.lanExt[le] = s
	t.extGwy[eg] = s
	t.status.IncFCounter(status.FcntStateInsert)
	t.status.AddStates(1)
	return nil
}

// Remove deletes s from both indexes.
func (t *Table) Remove(s *State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.removeLocked(s) {
		return ErrStateNotFound
	}
	return nil
}

func (t *Table) removeLocked(s *State) bool {
	eg := s.ExtGwyKey()
	if t.extGwy[eg] != s {
		return false
	}
	delete(t.extGwy, eg)
	le := s.LanExtKey()
	if t.lanExt[le] == s {
		delete(t.lanExt, le)
	}
	t.status.IncFCounter(status.FcntStateRemovals)
	t.status.AddStates(-1)
	return true
}

// Purge removes every state whose deadline has passed at now and returns
// how many were removed.
func (t *Table) Purge(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.extGwy {
		if s.Expired(now) && t.removeLocked(s) {
			n++
		}
	}
	return n
}

// RemoveIf removes every state for which match returns true.
func (t *Table) RemoveIf(match func(*State) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.extGwy {
		if match(s) && t.removeLocked(s) {
			n++
		}
	}
	return n
}

// Clear removes every state.
func (t *Table) Clear() int {
	return t.RemoveIf(func(*State) bool { return true })
}

// DetachRule drops the back reference of every state created by r, or of
// every state when r is nil.
func (t *Table) DetachRule(r *filter.Rule) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.extGwy {
		if r == nil || s.Rule() == r {
			s.SetRule(nil)
		}
	}
}

// ReplaceRule points the states created by old at repl.
func (t *Table) ReplaceRule(old, repl *filter.Rule) {
	if old == nil {
		return
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.extGwy {
		if s.Rule() == old {
			s.SetRule(repl)
		}
	}
}

// List returns the states ordered by their extGwy key.
func (t *Table) List() []*State {
	t.mu.RLock()
	states := make([]*State, 0, len(t.extGwy))
	for _, s := range t.extGwy {
		states = append(states, s)
	}
	t.mu.RUnlock()
	sort.Slice(states, func(i, j int) bool {
		return states[i].ExtGwyKey().Compare(states[j].ExtGwyKey()) < 0
	})
	return states
}
