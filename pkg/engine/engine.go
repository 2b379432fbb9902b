package engine

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/openshift/packet-filter/pkg/filter"
	"github.com/openshift/packet-filter/pkg/nat"
	"github.com/openshift/packet-filter/pkg/normalize"
	"github.com/openshift/packet-filter/pkg/packet"
	"github.com/openshift/packet-filter/pkg/pflog"
	"github.com/openshift/packet-filter/pkg/state"
	"github.com/openshift/packet-filter/pkg/status"
	"github.com/openshift/packet-filter/pkg/timeouts"
)

// InterfaceChecker reports whether a network interface exists. Rules and
// translation entries bound to unknown interfaces are refused.
type InterfaceChecker interface {
	Exists(name string) bool
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(log logr.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithClock(clk clock.Clock) Option {
	return func(e *Engine) { e.clock = clk }
}

// WithDefaultPolicy sets the action taken when no filter rule matches.
func WithDefaultPolicy(a filter.Action) Option {
	return func(e *Engine) { e.policy.Store(int32(a)) }
}

// WithNATMatchMode selects how the translation tables resolve several
// matching entries.
func WithNATMatchMode(m nat.MatchMode) Option {
	return func(e *Engine) { e.natMode.Store(int32(m)) }
}

// WithISN replaces the generator of modulated initial sequence numbers.
func WithISN(isn state.ISN) Option {
	return func(e *Engine) { e.isn = isn }
}

// WithLogQueue sets the queue receiving entries of logged packets.
func WithLogQueue(q *pflog.Queue) Option {
	return func(e *Engine) { e.logq = q }
}

func WithInterfaces(ic InterfaceChecker) Option {
	return func(e *Engine) { e.ifaces = ic }
}

// WithStatus shares a status block with the caller.
func WithStatus(st *status.Status) Option {
	return func(e *Engine) { e.status = st }
}

// Engine is a stateful IPv4 packet filter. The packet path (Test) runs
// concurrently with itself and with the control plane; the control plane
// calls are serialized by an internal lock.
type Engine struct {
	log     logr.Logger
	clock   clock.Clock
	policy  atomic.Int32
	natMode atomic.Int32
	isn     state.ISN
	logq    *pflog.Queue
	ifaces  InterfaceChecker

	status   *status.Status
	timeouts *timeouts.Table
	states   *state.Table
	norm     *normalize.Normalizer
	ports    *nat.PortAllocator

	// mu serializes the control plane.
	mu     sync.Mutex
	rules  ruleTable
	nats   natTable[*nat.NAT]
	binats natTable[*nat.BINAT]
	rdrs   natTable[*nat.RDR]

	lastPurge atomic.Int64
	packets   sync.Pool
}

// New returns a stopped engine with empty tables.
func New(opts ...Option) *Engine {
	e := &Engine{
		log:   logr.Discard(),
		clock: clock.RealClock{},
		isn:   randomISN,
	}
	e.policy.Store(int32(filter.Pass))
	e.natMode.Store(int32(nat.FirstMatch))
	for _, o := range opts {
		o(e)
	}
	if e.status == nil {
		e.status = status.New()
	}
	e.log = e.log.WithName("engine")
	e.timeouts = timeouts.New()
	e.states = state.NewTable(e.status)
	e.norm = normalize.New(normalize.NewCache(e.timeouts))
	e.ports = nat.NewPortAllocator()

	e.rules.active.Store(filter.Empty())
	e.nats.active.Store(nat.NewTable[*nat.NAT](nil, 0))
	e.binats.active.Store(nat.NewTable[*nat.BINAT](nil, 0))
	e.rdrs.active.Store(nat.NewTable[*nat.RDR](nil, 0))
	e.packets.New = func() interface{} { return packet.New() }
	return e
}

func randomISN() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(b[:])
}

func (e *Engine) Status() *status.Status {
	return e.status
}

func (e *Engine) Timeouts() *timeouts.Table {
	return e.timeouts
}

func (e *Engine) States() *state.Table {
	return e.states
}

func (e *Engine) Fragments() *normalize.Cache {
	return e.norm.Cache()
}

// Rules returns the active rule snapshot.
func (e *Engine) Rules() *filter.Ruleset {
	return e.rules.active.Load()
}

func (e *Engine) NATs() *nat.Table[*nat.NAT] {
	return e.nats.active.Load()
}

func (e *Engine) BINATs() *nat.Table[*nat.BINAT] {
	return e.binats.active.Load()
}

func (e *Engine) RDRs() *nat.Table[*nat.RDR] {
	return e.rdrs.active.Load()
}

// Purgers returns the tables holding expiring entries.
func (e *Engine) Purgers() []state.Purger {
	return []state.Purger{e.states, e.norm.Cache()}
}

// NewSweeper returns a sweeper purging the expired states and fragments of
// e at the interval timeout.
func (e *Engine) NewSweeper() *state.Sweeper {
	return state.NewSweeper(e.log, e.clock, e.timeouts, e.Purgers()...)
}

// Purge removes the states and fragments that expired at now.
func (e *Engine) Purge(now time.Time) int {
	n := 0
	for _, p := range e.Purgers() {
		n += p.Purge(now)
	}
	return n
}

// purgeIfDue purges at most once per interval from the packet path.
func (e *Engine) purgeIfDue(now time.Time) {
	last := e.lastPurge.Load()
	if now.UnixNano()-last < int64(e.timeouts.Duration(timeouts.Interval)) {
		return
	}
	if !e.lastPurge.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	if n := e.Purge(now); n > 0 {
		e.debug(status.DebugMisc, "purged expired entries", "count", n)
	}
}

func (e *Engine) debug(level status.DebugLevel, msg string, kv ...interface{}) {
	if e.status.Debug() >= level {
		e.log.Info(msg, kv...)
	}
}
