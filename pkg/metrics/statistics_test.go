package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/openshift/packet-filter/pkg/status"
)

type fixedStatus status.Info

func (f fixedStatus) GetStatus() status.Info { return status.Info(f) }

func TestNewStatistics(t *testing.T) {
	tests := []struct {
		name   string
		period string
		ok     bool
	}{
		{"seconds", "30", true},
		{"not a number", "30s", false},
		{"zero", "0", false},
	}
	for _, tt := range tests {
		_, err := NewStatistics(tt.period)
		if (err == nil) != tt.ok {
			t.Errorf("%s: wrong\n got: %v\nwant: ok=%v\n", tt.name, err, tt.ok)
		}
	}
}

func TestPublish(t *testing.T) {
	var info status.Info
	info.Running = true
	info.States = 7
	info.Packets[1][1] = 3
	info.Bytes[0] = 1500
	info.Counters[status.ReasonMemory] = 2
	info.FCounters[status.FcntStateRemovals] = 5
	Publish(info)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"states", testutil.ToFloat64(metricStates), 7},
		{"running", testutil.ToFloat64(metricRunning), 1},
		{"out drops", testutil.ToFloat64(metricPackets.WithLabelValues("out", "drop")), 3},
		{"in bytes", testutil.ToFloat64(metricBytes.WithLabelValues("in")), 1500},
		{"memory", testutil.ToFloat64(metricReasons.WithLabelValues("memory")), 2},
		{"removals", testutil.ToFloat64(metricStateOps.WithLabelValues("removals")), 5},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: wrong\n got: %v\nwant: %v\n", c.name, c.got, c.want)
		}
	}
}

func TestPollStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreAnyFunction("sigs.k8s.io/controller-runtime/pkg/log.init.0.func1"))

	m := &Statistics{pollPeriod: time.Millisecond}
	var info status.Info
	info.States = 11
	m.StartPoll(fixedStatus(info))
	m.StartPoll(fixedStatus(info))
	deadline := time.Now().Add(5 * time.Second)
	for testutil.ToFloat64(metricStates) != 11 {
		if time.Now().After(deadline) {
			t.Fatalf("metrics not polled in time")
		}
		time.Sleep(time.Millisecond)
	}
	m.StopPoll()
	m.StopPoll()
}
