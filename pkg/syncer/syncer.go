package syncer

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	pfv1alpha1 "github.com/openshift/packet-filter/api/v1alpha1"
	"github.com/openshift/packet-filter/pkg/engine"
	"github.com/openshift/packet-filter/pkg/failsaferules"
	"github.com/openshift/packet-filter/pkg/filter"
	"github.com/openshift/packet-filter/pkg/metrics"
	"github.com/openshift/packet-filter/pkg/nat"
	"github.com/openshift/packet-filter/pkg/status"
	"github.com/openshift/packet-filter/pkg/timeouts"
	"github.com/openshift/packet-filter/pkg/validation"
)

var (
	once     sync.Once
	instance Syncer
)

// Syncer is the single point of contact for loading configurations into the
// engine. Every table is replaced through its own ticketed transaction.
type Syncer interface {
	SyncConfig(cfg *pfv1alpha1.PacketFilterConfig, isDelete bool) error
}

// GetSyncer allocates and returns the single Syncer instance. A non nil mock
// replaces the real implementation for tests.
func GetSyncer(ctx context.Context, log logr.Logger, eng *engine.Engine, stats *metrics.Statistics, mock Syncer) Syncer {
	once.Do(func() {
		if mock == nil {
			instance = newSyncer(ctx, log, eng, stats)
		} else {
			instance = mock
		}
	})
	return instance
}

func newSyncer(ctx context.Context, log logr.Logger, eng *engine.Engine, stats *metrics.Statistics) *syncSingleton {
	return &syncSingleton{
		ctx:   ctx,
		log:   log,
		eng:   eng,
		stats: stats,
	}
}

type syncSingleton struct {
	ctx   context.Context
	log   logr.Logger
	eng   *engine.Engine
	stats *metrics.Statistics
	mu    sync.Mutex
}

// SyncConfig loads cfg into the engine and starts it. With isDelete set the
// tables are emptied, the states flushed and the default policy reset to
// pass; cfg is ignored.
func (s *syncSingleton) SyncConfig(cfg *pfv1alpha1.PacketFilterConfig, isDelete bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := s.log.WithName("syncPacketFilterConfig")

	// Stop the poller for the time of this operation and start it again afterwards.
	if s.stats != nil {
		s.stats.StopPoll()
		defer s.stats.StartPoll(s.eng)
	}

	if isDelete {
		logger.Info("Running delete operation")
		return s.flush()
	}
	if cfg == nil {
		return fmt.Errorf("no configuration given")
	}
	logger.Info("Running sync operation", "name", cfg.Name, "rules", len(cfg.Spec.Rules),
		"nat", len(cfg.Spec.NAT), "binat", len(cfg.Spec.BINAT), "rdr", len(cfg.Spec.RDR))
	if err := validation.ValidatePacketFilterConfig(cfg); err != nil {
		return err
	}
	if err := s.ctx.Err(); err != nil {
		return err
	}
	opts, err := s.parseOptions(&cfg.Spec)
	if err != nil {
		return err
	}
	if err := s.loadTables(&cfg.Spec); err != nil {
		logger.Error(err, "Failed loading tables, the previous tables and options stay active")
		return err
	}
	if err := s.applyOptions(opts); err != nil {
		return err
	}
	if !s.eng.Status().Running() {
		if err := s.eng.Start(); err != nil {
			return err
		}
		logger.Info("Packet filter enabled")
	}
	return nil
}

// options are the global settings of a configuration, parsed and checked
// before any table is touched.
type options struct {
	policy   filter.Action
	mode     nat.MatchMode
	debug    status.DebugLevel
	ifname   string
	timeouts map[timeouts.Timeout]int64
	limits   map[engine.Limit]int64
}

func (s *syncSingleton) parseOptions(spec *pfv1alpha1.PacketFilterConfigSpec) (*options, error) {
	opts := &options{
		ifname:   spec.StatusInterface,
		timeouts: map[timeouts.Timeout]int64{},
		limits:   map[engine.Limit]int64{},
	}
	var err error
	if opts.policy, err = spec.Policy(); err != nil {
		return nil, err
	}
	if opts.mode, err = spec.MatchMode(); err != nil {
		return nil, err
	}
	if opts.debug, err = spec.DebugLevel(); err != nil {
		return nil, err
	}
	if err := s.eng.CheckInterface(opts.ifname); err != nil {
		return nil, fmt.Errorf("status interface: %w", err)
	}
	for name, v := range spec.Timeouts {
		tm, err := timeouts.Parse(name)
		if err != nil {
			return nil, err
		}
		opts.timeouts[tm] = v
	}
	for name, v := range spec.Limits {
		l, err := engine.ParseLimit(name)
		if err != nil {
			return nil, err
		}
		opts.limits[l] = v
	}
	return opts, nil
}

// applyOptions sets the limits first since they may be refused; a refused
// limit restores the ones already changed and leaves the other settings.
func (s *syncSingleton) applyOptions(opts *options) error {
	prev := map[engine.Limit]int64{}
	for l, v := range opts.limits {
		old, err := s.eng.SetLimit(l, v)
		if err != nil {
			for pl, pv := range prev {
				_, _ = s.eng.SetLimit(pl, pv)
			}
			return fmt.Errorf("limit %s: %w", l, err)
		}
		prev[l] = old
	}
	for tm, v := range opts.timeouts {
		if _, err := s.eng.SetTimeout(tm, v); err != nil {
			return err
		}
	}
	if err := s.eng.SetDefaultPolicy(opts.policy); err != nil {
		return err
	}
	if err := s.eng.SetNATMatchMode(opts.mode); err != nil {
		return err
	}
	s.eng.SetDebug(opts.debug)
	return s.eng.SetStatusInterface(opts.ifname)
}

// loadTables builds all four tables before committing any of them, so a
// conversion error leaves every active table untouched.
func (s *syncSingleton) loadTables(spec *pfv1alpha1.PacketFilterConfigSpec) error {
	var rules []*filter.Rule
	if spec.FailsafeEnabled() {
		rules = append(rules, failsaferules.Rules()...)
	}
	for i, r := range spec.Rules {
		rule, err := r.ToRule()
		if err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		expanded, err := s.expandBond(rule)
		if err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, expanded...)
	}
	nats, err := convert(spec.NAT, pfv1alpha1.NATRule.ToNAT)
	if err != nil {
		return err
	}
	binats, err := convert(spec.BINAT, pfv1alpha1.BINATRule.ToBINAT)
	if err != nil {
		return err
	}
	rdrs, err := convert(spec.RDR, pfv1alpha1.RDRRule.ToRDR)
	if err != nil {
		return err
	}

	ruleTicket := s.eng.BeginRules()
	natTicket := s.eng.BeginNATs()
	binatTicket := s.eng.BeginBINATs()
	rdrTicket := s.eng.BeginRDRs()
	for _, r := range rules {
		if err := s.eng.AddRule(ruleTicket, r); err != nil {
			return err
		}
	}
	if err := addAll(nats, natTicket, s.eng.AddNAT); err != nil {
		return err
	}
	if err := addAll(binats, binatTicket, s.eng.AddBINAT); err != nil {
		return err
	}
	if err := addAll(rdrs, rdrTicket, s.eng.AddRDR); err != nil {
		return err
	}
	if err := s.eng.CommitRules(ruleTicket); err != nil {
		return err
	}
	if err := s.eng.CommitNATs(natTicket); err != nil {
		return err
	}
	if err := s.eng.CommitBINATs(binatTicket); err != nil {
		return err
	}
	return s.eng.CommitRDRs(rdrTicket)
}

// memberLister is implemented by interface checkers that know bonds.
type memberLister interface {
	Members(name string) ([]string, error)
}

// expandBond returns r followed by one copy per member when r names a bond.
// Negated rules are kept as they are.
func (s *syncSingleton) expandBond(r *filter.Rule) ([]*filter.Rule, error) {
	ic := s.eng.Interfaces()
	ml, ok := ic.(memberLister)
	if !ok || r.Interface == "" || r.IfNot || !ic.Exists(r.Interface) {
		return []*filter.Rule{r}, nil
	}
	members, err := ml.Members(r.Interface)
	if err != nil {
		return nil, err
	}
	out := []*filter.Rule{r}
	for _, m := range members {
		c := r.Copy()
		c.Interface = m
		out = append(out, c)
	}
	if len(members) > 0 {
		s.log.V(1).Info("Expanded bond rule", "bond", r.Interface, "members", members)
	}
	return out, nil
}

func convert[In any, Out nat.Entry](in []In, conv func(In) (Out, error)) ([]Out, error) {
	out := make([]Out, 0, len(in))
	for i, v := range in {
		e, err := conv(v)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func addAll[T nat.Entry](entries []T, ticket uint32, add func(uint32, T) error) error {
	for _, e := range entries {
		if err := add(ticket, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *syncSingleton) flush() error {
	if err := s.eng.CommitRules(s.eng.BeginRules()); err != nil {
		return err
	}
	if err := s.eng.CommitNATs(s.eng.BeginNATs()); err != nil {
		return err
	}
	if err := s.eng.CommitBINATs(s.eng.BeginBINATs()); err != nil {
		return err
	}
	if err := s.eng.CommitRDRs(s.eng.BeginRDRs()); err != nil {
		return err
	}
	n := s.eng.ClearStates()
	s.log.Info("Flushed tables", "states", n)
	s.eng.SetDebug(status.DebugNone)
	return s.eng.SetDefaultPolicy(filter.Pass)
}
