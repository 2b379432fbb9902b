package engine

import (
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/layers"
	"golang.org/x/sys/unix"

	"github.com/openshift/packet-filter/pkg/filter"
	"github.com/openshift/packet-filter/pkg/nat"
	"github.com/openshift/packet-filter/pkg/state"
	"github.com/openshift/packet-filter/pkg/status"
	"github.com/openshift/packet-filter/pkg/timeouts"
)

// ChangeAction selects how a Change call modifies an active table.
type ChangeAction int

const (
	ChangeAddHead ChangeAction = iota + 1
	ChangeAddTail
	ChangeAddBefore
	ChangeAddAfter
	ChangeRemove
)

func (a ChangeAction) String() string {
	switch a {
	case ChangeAddHead:
		return "add-head"
	case ChangeAddTail:
		return "add-tail"
	case ChangeAddBefore:
		return "add-before"
	case ChangeAddAfter:
		return "add-after"
	case ChangeRemove:
		return "remove"
	}
	return fmt.Sprintf("ChangeAction(%d)", int(a))
}

var errNoReference = errors.New("reference entry not found")

// Limit indexes the resource limits. A limit of zero leaves the resource
// unbounded.
type Limit int

const (
	LimitStates Limit = iota
	LimitFrags
	LimitMax
)

func (l Limit) String() string {
	switch l {
	case LimitStates:
		return "states"
	case LimitFrags:
		return "frags"
	}
	return fmt.Sprintf("Limit(%d)", int(l))
}

// ParseLimit returns the limit named s.
func ParseLimit(s string) (Limit, error) {
	for l := Limit(0); l < LimitMax; l++ {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown limit %q", s)
}

// ruleTable holds the active rule snapshot and the table being built.
// ticket is the inactive ticket and is only valid while open. The active
// ticket lives in the snapshot. Both are drawn from serial so they never
// collide.
type ruleTable struct {
	active   atomic.Pointer[filter.Ruleset]
	inactive []*filter.Rule
	ticket   uint32
	open     bool
	serial   uint32
}

// natTable is the translation table counterpart of ruleTable.
type natTable[T nat.Entry] struct {
	active   atomic.Pointer[nat.Table[T]]
	inactive []T
	ticket   uint32
	open     bool
	serial   uint32
}

func busy(op string) error {
	return fmt.Errorf("%s: %w", op, unix.EBUSY)
}

func invalid(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, unix.EINVAL)
}

// Start enables filtering. The counters except the state count are reset.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.Running() {
		return fmt.Errorf("start: %w", unix.EEXIST)
	}
	now := e.clock.Now()
	e.status.Start(now)
	e.lastPurge.Store(now.UnixNano())
	e.log.Info("started")
	return nil
}

// Stop disables filtering; every packet passes until Start is called.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.status.Running() {
		return fmt.Errorf("stop: %w", unix.ENOENT)
	}
	e.status.Stop()
	e.log.Info("stopped")
	return nil
}

// Interfaces returns the checker interface names are resolved against, nil
// when any name is accepted.
func (e *Engine) Interfaces() InterfaceChecker {
	return e.ifaces
}

// CheckInterface reports whether rules and the status interface may name
// the interface name.
func (e *Engine) CheckInterface(name string) error {
	if err := e.checkInterface(name); err != nil {
		return invalid("check interface", err)
	}
	return nil
}

func (e *Engine) checkInterface(name string) error {
	if name == "" || e.ifaces == nil || e.ifaces.Exists(name) {
		return nil
	}
	return fmt.Errorf("unknown interface %q", name)
}

func (e *Engine) checkRule(r *filter.Rule) error {
	if r == nil {
		return fmt.Errorf("missing rule")
	}
	if err := r.Validate(); err != nil {
		return err
	}
	return e.checkInterface(r.Interface)
}

// BeginRules discards the inactive rule table and returns the ticket that
// Add and Commit calls for the new table must present.
func (e *Engine) BeginRules() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules.inactive = nil
	e.rules.serial++
	e.rules.ticket = e.rules.serial
	e.rules.open = true
	return e.rules.ticket
}

// AddRule appends a copy of r to the inactive rule table.
func (e *Engine) AddRule(ticket uint32, r *filter.Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.rules.open || ticket != e.rules.ticket {
		return busy("add rule")
	}
	if err := e.checkRule(r); err != nil {
		return invalid("add rule", err)
	}
	c := r.Copy()
	c.Nr = uint32(len(e.rules.inactive))
	e.rules.inactive = append(e.rules.inactive, c)
	return nil
}

// CommitRules makes the inactive rule table active. A stale ticket leaves
// the active table untouched. States lose the reference to the rule that
// created them.
func (e *Engine) CommitRules(ticket uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.rules.open || ticket != e.rules.ticket {
		return busy("commit rules")
	}
	rs := filter.NewRuleset(e.rules.inactive, ticket)
	e.rules.active.Store(rs)
	e.states.DetachRule(nil)
	e.rules.inactive = nil
	e.rules.open = false
	e.log.Info("rules committed", "ticket", ticket, "count", rs.Len())
	return nil
}

// GetRules returns the number of active rules and the ticket GetRule
// calls must present.
func (e *Engine) GetRules() (int, uint32) {
	rs := e.rules.active.Load()
	return rs.Len(), rs.Ticket()
}

// GetRule returns a copy of the active rule numbered nr, counters included.
func (e *Engine) GetRule(ticket, nr uint32) (*filter.Rule, error) {
	rs := e.rules.active.Load()
	if ticket != rs.Ticket() {
		return nil, busy("get rule")
	}
	i := rs.Find(nr)
	if i < 0 {
		return nil, busy("get rule")
	}
	return rs.Rule(i).Renumbered(nr), nil
}

// ChangeRule edits the active rule table in place. AddHead and AddTail
// insert repl at either end, AddBefore and AddAfter next to the rule equal
// to ref, Remove deletes the rule equal to ref. The rules are renumbered
// and the active ticket advances.
func (e *Engine) ChangeRule(action ChangeAction, ref, repl *filter.Rule) error {
	if action < ChangeAddHead || action > ChangeRemove {
		return invalid("change rule", fmt.Errorf("unknown action %d", int(action)))
	}
	var ins *filter.Rule
	if action != ChangeRemove {
		if err := e.checkRule(repl); err != nil {
			return invalid("change rule", err)
		}
		ins = repl.Copy()
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	rs := e.rules.active.Load()
	list, removed, err := changeList(rs.Rules(), action, ref, ins, (*filter.Rule).Equal)
	if err != nil {
		return invalid("change rule", err)
	}
	renumbered := make([]*filter.Rule, len(list))
	for i, r := range list {
		switch {
		case r == ins:
			ins.Nr = uint32(i)
			renumbered[i] = ins
		case r.Nr == uint32(i):
			renumbered[i] = r
		default:
			renumbered[i] = r.Renumbered(uint32(i))
		}
	}
	e.rules.serial++
	e.rules.active.Store(filter.NewRuleset(renumbered, e.rules.serial))
	for i, r := range list {
		if renumbered[i] != r {
			e.states.ReplaceRule(r, renumbered[i])
		}
	}
	if removed != nil {
		e.states.DetachRule(removed)
	}
	e.log.Info("rules changed", "action", action.String(), "ticket", e.rules.serial, "count", len(list))
	return nil
}

// ClearRuleCounters zeroes the counters of every active rule.
func (e *Engine) ClearRuleCounters() {
	for _, r := range e.rules.active.Load().Rules() {
		r.ClearCounters()
	}
}

// changeList applies action to a copy of list and returns it together
// with the removed entry.
func changeList[T comparable](list []T, action ChangeAction, ref, ins T, equal func(a, b T) bool) ([]T, T, error) {
	var zero T
	at := -1
	switch action {
	case ChangeAddHead:
		if len(list) > 0 {
			at = 0
		}
	case ChangeAddTail:
		at = len(list) - 1
	default:
		if ref == zero {
			return nil, zero, errNoReference
		}
		for i, x := range list {
			if equal(x, ref) {
				at = i
				break
			}
		}
		if at < 0 {
			return nil, zero, errNoReference
		}
	}

	if action == ChangeRemove {
		out := make([]T, 0, len(list)-1)
		out = append(out, list[:at]...)
		out = append(out, list[at+1:]...)
		return out, list[at], nil
	}
	pos := at + 1
	if action == ChangeAddHead || action == ChangeAddBefore {
		pos = at
		if at < 0 {
			pos = len(list)
		}
	}
	out := make([]T, 0, len(list)+1)
	out = append(out, list[:pos]...)
	out = append(out, ins)
	out = append(out, list[pos:]...)
	return out, zero, nil
}

func beginTable[T nat.Entry](e *Engine, t *natTable[T]) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	t.inactive = nil
	t.serial++
	t.ticket = t.serial
	t.open = true
	return t.ticket
}

func addEntry[T nat.Entry](e *Engine, t *natTable[T], op string, ticket uint32, entry T) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !t.open || ticket != t.ticket {
		return busy(op)
	}
	if err := entry.Validate(); err != nil {
		return invalid(op, err)
	}
	if err := e.checkInterface(entry.IfName()); err != nil {
		return invalid(op, err)
	}
	t.inactive = append(t.inactive, entry)
	return nil
}

func commitTable[T nat.Entry](e *Engine, t *natTable[T], op string, ticket uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !t.open || ticket != t.ticket {
		return busy(op)
	}
	tbl := nat.NewTable(t.inactive, ticket)
	t.active.Store(tbl)
	t.inactive = nil
	t.open = false
	e.log.Info("table committed", "table", op, "ticket", ticket, "count", tbl.Len())
	return nil
}

func getTable[T nat.Entry](t *natTable[T]) (int, uint32) {
	tbl := t.active.Load()
	return tbl.Len(), tbl.Ticket()
}

func getEntry[T nat.Entry](t *natTable[T], op string, ticket, nr uint32) (T, error) {
	var zero T
	tbl := t.active.Load()
	if ticket != tbl.Ticket() || int(nr) >= tbl.Len() {
		return zero, busy(op)
	}
	return tbl.At(int(nr)), nil
}

func changeTable[T nat.Entry](e *Engine, t *natTable[T], op string, action ChangeAction, ref, repl T, equal func(a, b T) bool) error {
	var zero T
	if action < ChangeAddHead || action > ChangeRemove {
		return invalid(op, fmt.Errorf("unknown action %d", int(action)))
	}
	if action != ChangeRemove {
		if repl == zero {
			return invalid(op, fmt.Errorf("missing entry"))
		}
		if err := repl.Validate(); err != nil {
			return invalid(op, err)
		}
		if err := e.checkInterface(repl.IfName()); err != nil {
			return invalid(op, err)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	tbl := t.active.Load()
	list, _, err := changeList(tbl.Entries(), action, ref, repl, equal)
	if err != nil {
		return invalid(op, err)
	}
	t.serial++
	t.active.Store(nat.NewTable(list, t.serial))
	e.log.Info("table changed", "table", op, "action", action.String(), "ticket", t.serial, "count", len(list))
	return nil
}

func (e *Engine) BeginNATs() uint32 { return beginTable(e, &e.nats) }

// AddNAT appends a copy of n to the inactive NAT table.
func (e *Engine) AddNAT(ticket uint32, n *nat.NAT) error {
	c := *n
	return addEntry(e, &e.nats, "add nat", ticket, &c)
}

func (e *Engine) CommitNATs(ticket uint32) error {
	return commitTable(e, &e.nats, "commit nats", ticket)
}

func (e *Engine) GetNATs() (int, uint32) { return getTable(&e.nats) }

func (e *Engine) GetNAT(ticket, nr uint32) (*nat.NAT, error) {
	n, err := getEntry(&e.nats, "get nat", ticket, nr)
	if err != nil {
		return nil, err
	}
	c := *n
	return &c, nil
}

func (e *Engine) ChangeNAT(action ChangeAction, ref, repl *nat.NAT) error {
	if repl != nil {
		c := *repl
		repl = &c
	}
	return changeTable(e, &e.nats, "change nat", action, ref, repl, (*nat.NAT).Equal)
}

func (e *Engine) BeginBINATs() uint32 { return beginTable(e, &e.binats) }

// AddBINAT appends a copy of b to the inactive BINAT table.
func (e *Engine) AddBINAT(ticket uint32, b *nat.BINAT) error {
	c := *b
	return addEntry(e, &e.binats, "add binat", ticket, &c)
}

func (e *Engine) CommitBINATs(ticket uint32) error {
	return commitTable(e, &e.binats, "commit binats", ticket)
}

func (e *Engine) GetBINATs() (int, uint32) { return getTable(&e.binats) }

func (e *Engine) GetBINAT(ticket, nr uint32) (*nat.BINAT, error) {
	b, err := getEntry(&e.binats, "get binat", ticket, nr)
	if err != nil {
		return nil, err
	}
	c := *b
	return &c, nil
}

func (e *Engine) ChangeBINAT(action ChangeAction, ref, repl *nat.BINAT) error {
	if repl != nil {
		c := *repl
		repl = &c
	}
	return changeTable(e, &e.binats, "change binat", action, ref, repl, (*nat.BINAT).Equal)
}

func (e *Engine) BeginRDRs() uint32 { return beginTable(e, &e.rdrs) }

// AddRDR appends a copy of r to the inactive RDR table.
func (e *Engine) AddRDR(ticket uint32, r *nat.RDR) error {
	c := *r
	return addEntry(e, &e.rdrs, "add rdr", ticket, &c)
}

func (e *Engine) CommitRDRs(ticket uint32) error {
	return commitTable(e, &e.rdrs, "commit rdrs", ticket)
}

func (e *Engine) GetRDRs() (int, uint32) { return getTable(&e.rdrs) }

func (e *Engine) GetRDR(ticket, nr uint32) (*nat.RDR, error) {
	r, err := getEntry(&e.rdrs, "get rdr", ticket, nr)
	if err != nil {
		return nil, err
	}
	c := *r
	return &c, nil
}

func (e *Engine) ChangeRDR(action ChangeAction, ref, repl *nat.RDR) error {
	if repl != nil {
		c := *repl
		repl = &c
	}
	return changeTable(e, &e.rdrs, "change rdr", action, ref, repl, (*nat.RDR).Equal)
}

// StateInfo describes a state as returned by GetState and GetStates.
type StateInfo struct {
	state.Info
	// RuleNr is the number of the creating rule, -1 when there is none.
	RuleNr int
	// Age is the time since creation, ExpiresIn the time left.
	Age       time.Duration
	ExpiresIn time.Duration
}

func stateInfo(s *state.State, now time.Time) StateInfo {
	info := StateInfo{Info: s.Info(), RuleNr: -1}
	if info.Rule != nil {
		info.RuleNr = int(info.Rule.Nr)
	}
	info.Age = now.Sub(info.Creation)
	if info.Expire.After(now) {
		info.ExpiresIn = info.Expire.Sub(now)
	}
	return info
}

// ClearStates removes every state and returns how many there were.
func (e *Engine) ClearStates() int {
	n := e.states.Clear()
	e.log.Info("states cleared", "count", n)
	return n
}

// StateFilter selects states by protocol, internal endpoint (Src) and
// external endpoint (Dst). Zero fields match everything.
type StateFilter struct {
	Proto layers.IPProtocol
	Src   filter.RuleAddr
	Dst   filter.RuleAddr
}

func (f *StateFilter) match(s *state.State) bool {
	return (f.Proto == 0 || f.Proto == s.Proto) &&
		f.Src.Match(s.Lan.Addr, s.Lan.Port, true) &&
		f.Dst.Match(s.Ext.Addr, s.Ext.Port, true)
}

// KillStates removes the states matching f and returns how many matched.
func (e *Engine) KillStates(f StateFilter) int {
	n := e.states.RemoveIf(f.match)
	e.log.Info("states killed", "count", n)
	return n
}

// StateSpec describes a state inserted through AddState. Gwy defaults to
// Lan; Expire is the lifetime left.
type StateSpec struct {
	Proto     layers.IPProtocol
	Direction filter.Direction
	Lan       state.HostPort
	Gwy       state.HostPort
	Ext       state.HostPort
	Src       state.Peer
	Dst       state.Peer
	Expire    time.Duration
	Log       bool
}

// AddState inserts a state without a rule.
func (e *Engine) AddState(spec StateSpec) error {
	now := e.clock.Now()
	s := &state.State{
		Lan:       spec.Lan,
		Gwy:       spec.Gwy,
		Ext:       spec.Ext,
		Proto:     spec.Proto,
		Direction: spec.Direction,
		Log:       spec.Log,
		Creation:  now,
		Src:       spec.Src,
		Dst:       spec.Dst,
		Expire:    now.Add(spec.Expire),
	}
	if !s.Gwy.Addr.IsValid() {
		s.Gwy = s.Lan
	}
	if err := e.states.Insert(s); err != nil {
		return fmt.Errorf("add state: %v: %w", err, unix.ENOMEM)
	}
	return nil
}

// GetState returns the state at position nr of the ordered state list.
func (e *Engine) GetState(nr uint32) (StateInfo, error) {
	list := e.states.List()
	if int(nr) >= len(list) {
		return StateInfo{}, busy("get state")
	}
	return stateInfo(list[nr], e.clock.Now()), nil
}

// GetStates returns every state in order.
func (e *Engine) GetStates() []StateInfo {
	now := e.clock.Now()
	list := e.states.List()
	infos := make([]StateInfo, 0, len(list))
	for _, s := range list {
		infos = append(infos, stateInfo(s, now))
	}
	return infos
}

// NatLookRequest names a connection by the endpoints of its return
// traffic: Src sends to Dst.
type NatLookRequest struct {
	Proto     layers.IPProtocol
	Src       netip.AddrPort
	Dst       netip.AddrPort
	Direction filter.Direction
}

// NatLookResult holds the translated endpoints of a connection.
type NatLookResult struct {
	Src netip.AddrPort
	Dst netip.AddrPort
}

// NatLook returns the translation applied to a connection. Inbound lookups
// search the external index and report the internal host as source;
// outbound lookups search the internal index and report the gateway
// endpoint as destination.
func (e *Engine) NatLook(req NatLookRequest) (NatLookResult, error) {
	if req.Proto == 0 || !req.Src.Addr().IsValid() || req.Src.Addr().IsUnspecified() ||
		!req.Dst.Addr().IsValid() || req.Dst.Addr().IsUnspecified() ||
		req.Src.Port() == 0 || req.Dst.Port() == 0 {
		return NatLookResult{}, invalid("natlook", fmt.Errorf("incomplete connection"))
	}
	k := state.Key{
		Proto: req.Proto,
		Addr:  [2]netip.Addr{req.Dst.Addr(), req.Src.Addr()},
		Port:  [2]uint16{req.Dst.Port(), req.Src.Port()},
	}
	if req.Direction == filter.In {
		s := e.states.FindExtGwy(k)
		if s == nil {
			return NatLookResult{}, fmt.Errorf("natlook: %w", unix.ENOENT)
		}
		return NatLookResult{
			Src: netip.AddrPortFrom(s.Lan.Addr, s.Lan.Port),
			Dst: req.Dst,
		}, nil
	}
	s := e.states.FindLanExt(k)
	if s == nil {
		return NatLookResult{}, fmt.Errorf("natlook: %w", unix.ENOENT)
	}
	return NatLookResult{
		Src: req.Src,
		Dst: netip.AddrPortFrom(s.Gwy.Addr, s.Gwy.Port),
	}, nil
}

// SetStatusInterface binds the byte and packet counters to ifname; the
// empty name unbinds them.
func (e *Engine) SetStatusInterface(ifname string) error {
	if err := e.checkInterface(ifname); err != nil {
		return invalid("set status interface", err)
	}
	e.status.SetInterface(ifname)
	return nil
}

func (e *Engine) GetStatus() status.Info {
	return e.status.Snapshot()
}

// ClearStatus zeroes the counters.
func (e *Engine) ClearStatus() {
	e.status.Clear()
}

func (e *Engine) SetDebug(level status.DebugLevel) {
	e.status.SetDebug(level)
	e.log.Info("debug level set", "level", level.String())
}

// SetDefaultPolicy sets the action applied to packets no rule matches.
func (e *Engine) SetDefaultPolicy(a filter.Action) error {
	if a != filter.Pass && a != filter.Drop {
		return fmt.Errorf("set default policy: %s: %w", a, unix.EINVAL)
	}
	e.policy.Store(int32(a))
	return nil
}

func (e *Engine) DefaultPolicy() filter.Action {
	return filter.Action(e.policy.Load())
}

func (e *Engine) SetNATMatchMode(m nat.MatchMode) error {
	if m != nat.FirstMatch && m != nat.LastMatch {
		return fmt.Errorf("set nat match mode: %s: %w", m, unix.EINVAL)
	}
	e.natMode.Store(int32(m))
	return nil
}

func (e *Engine) NATMatchMode() nat.MatchMode {
	return nat.MatchMode(e.natMode.Load())
}

// SetTimeout stores seconds for tm and returns the previous value.
func (e *Engine) SetTimeout(tm timeouts.Timeout, seconds int64) (int64, error) {
	old, err := e.timeouts.Set(tm, seconds)
	if err != nil {
		return 0, invalid("set timeout", err)
	}
	return old, nil
}

func (e *Engine) GetTimeout(tm timeouts.Timeout) (int64, error) {
	v, err := e.timeouts.Seconds(tm)
	if err != nil {
		return 0, invalid("get timeout", err)
	}
	return v, nil
}

func (e *Engine) GetLimit(l Limit) (int64, error) {
	switch l {
	case LimitStates:
		return e.states.Limit(), nil
	case LimitFrags:
		return e.norm.Cache().Limit(), nil
	}
	return 0, invalid("get limit", fmt.Errorf("unknown limit %d", int(l)))
}

// SetLimit changes a limit and returns the previous value. Zero means no
// limit for every kind. A non zero limit below the number of entries in use
// is refused.
func (e *Engine) SetLimit(l Limit, n int64) (int64, error) {
	if n < 0 {
		return 0, invalid("set limit", fmt.Errorf("negative limit %d", n))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch l {
	case LimitStates:
		if n > 0 && n < int64(e.states.Len()) {
			return 0, busy("set limit")
		}
		return e.states.SetLimit(n), nil
	case LimitFrags:
		if n > 0 && n < int64(e.norm.Cache().Len()) {
			return 0, busy("set limit")
		}
		return e.norm.Cache().SetLimit(n), nil
	}
	return 0, invalid("set limit", fmt.Errorf("unknown limit %d", int(l)))
}
