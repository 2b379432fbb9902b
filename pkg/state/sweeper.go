package state

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/openshift/packet-filter/pkg/timeouts"
)

// Purger drops entries that expired at now and returns how many it dropped.
type Purger interface {
	Purge(now time.Time) int
}

// Sweeper periodically purges expired states and any other registered
// expiring tables. The period is the interval timeout, read again before
// every cycle.
type Sweeper struct {
	log      logr.Logger
	clock    clock.Clock
	timeouts *timeouts.Table
	purgers  []Purger
}

func NewSweeper(log logr.Logger, clk clock.Clock, tm *timeouts.Table, purgers ...Purger) *Sweeper {
	return &Sweeper{
		log:      log.WithName("sweeper"),
		clock:    clk,
		timeouts: tm,
		purgers:  purgers,
	}
}

// Sweep runs one purge cycle and returns the number of removed entries.
func (s *Sweeper) Sweep() int {
	now := s.clock.Now()
	n := 0
	for _, p := range s.purgers {
		n += p.Purge(now)
	}
	if n > 0 {
		s.log.V(1).Info("purged expired entries", "count", n)
	}
	return n
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Info("starting")
	defer s.log.Info("stopped")
	for {
		interval := s.timeouts.Duration(timeouts.Interval)
		if interval <= 0 {
			interval = time.Second
		}
		t := s.clock.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C():
			s.Sweep()
		}
	}
}
