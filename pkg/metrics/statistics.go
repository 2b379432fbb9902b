package metrics

import (
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	controllerruntimemetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/openshift/packet-filter/pkg/status"
)

const (
	MetricPFNamespace      = "packetfilter"
	MetricPFSubsystemState = "status"
)

var metricPackets = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: MetricPFNamespace,
	Subsystem: MetricPFSubsystemState,
	Name:      "packets_total",
	Help:      "The number of packets seen on the status interface by direction and verdict",
}, []string{"direction", "verdict"})

var metricBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: MetricPFNamespace,
	Subsystem: MetricPFSubsystemState,
	Name:      "bytes_total",
	Help:      "The number of bytes seen on the status interface by direction",
}, []string{"direction"})

var metricReasons = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: MetricPFNamespace,
	Subsystem: MetricPFSubsystemState,
	Name:      "reason_total",
	Help:      "The number of verdicts recorded per reason",
}, []string{"reason"})

var metricStateOps = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: MetricPFNamespace,
	Subsystem: MetricPFSubsystemState,
	Name:      "state_operations_total",
	Help:      "The number of state table searches, inserts and removals",
}, []string{"operation"})

var metricStates = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: MetricPFNamespace,
	Subsystem: MetricPFSubsystemState,
	Name:      "states",
	Help:      "The number of entries in the state table",
})

var metricRunning = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: MetricPFNamespace,
	Subsystem: MetricPFSubsystemState,
	Name:      "running",
	Help:      "1 when the packet filter is enabled",
})

// GetPrometheusStatisticNames returns all statistic metric names - to aid testing only.
func GetPrometheusStatisticNames() []string {
	prefix := MetricPFNamespace + "_" + MetricPFSubsystemState + "_"
	return []string{
		prefix + "packets_total",
		prefix + "bytes_total",
		prefix + "reason_total",
		prefix + "state_operations_total",
		prefix + "states",
		prefix + "running",
	}
}

// StatusSource provides the counters exported by the poller.
type StatusSource interface {
	GetStatus() status.Info
}

type Statistics struct {
	//regOnce ensures that we only register metrics once otherwise panic may occur
	regOnce sync.Once
	wg      sync.WaitGroup
	//mu controls access to isPollActive/stopCh
	mu           sync.Mutex
	stopCh       chan struct{}
	isPollActive bool
	pollPeriod   time.Duration
}

func NewStatistics(pollPeriod string) (*Statistics, error) {
	i, err := strconv.Atoi(pollPeriod)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %q to integer: %v", pollPeriod, err)
	}
	if i <= 0 {
		return nil, fmt.Errorf("poll period must be positive, got %d", i)
	}
	return &Statistics{pollPeriod: time.Duration(i) * time.Second}, nil
}

func (m *Statistics) Register() {
	m.regOnce.Do(func() {
		controllerruntimemetrics.Registry.MustRegister(metricPackets)
		controllerruntimemetrics.Registry.MustRegister(metricBytes)
		controllerruntimemetrics.Registry.MustRegister(metricReasons)
		controllerruntimemetrics.Registry.MustRegister(metricStateOps)
		controllerruntimemetrics.Registry.MustRegister(metricStates)
		controllerruntimemetrics.Registry.MustRegister(metricRunning)
	})
}

func (m *Statistics) StartPoll(src StatusSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isPollActive {
		log.Println("Metrics are already being polled")
		return
	}
	m.wg.Add(1)
	m.stopCh = make(chan struct{})
	m.isPollActive = true

	go func(stopCh <-chan struct{}) {
		defer m.wg.Done()
		updateMetrics(stopCh, src, m.pollPeriod)
	}(m.stopCh)
}

func (m *Statistics) StopPoll() {
	m.mu.Lock()
	if !m.isPollActive {
		m.mu.Unlock()
		return
	}
	close(m.stopCh)
	m.isPollActive = false
	m.mu.Unlock()
	m.wg.Wait()
}

func updateMetrics(stopCh <-chan struct{}, src StatusSource, period time.Duration) {
	log.Println("Starting status metrics updater. Metrics will be polled periodically and presented as prometheus metrics")
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			Publish(src.GetStatus())
		case <-stopCh:
			log.Println("Stopped status metric updates")
			return
		}
	}
}

var directions = [2]string{"in", "out"}

// Publish copies a status snapshot into the gauges.
func Publish(info status.Info) {
	for d, dir := range directions {
		metricPackets.WithLabelValues(dir, "pass").Set(float64(info.Packets[d][0]))
		metricPackets.WithLabelValues(dir, "drop").Set(float64(info.Packets[d][1]))
		metricBytes.WithLabelValues(dir).Set(float64(info.Bytes[d]))
	}
	for r := status.Reason(0); r < status.ReasonMax; r++ {
		metricReasons.WithLabelValues(r.String()).Set(float64(info.Counters[r]))
	}
	for f := status.FCounter(0); f < status.FcntMax; f++ {
		metricStateOps.WithLabelValues(f.String()).Set(float64(info.FCounters[f]))
	}
	metricStates.Set(float64(info.States))
	if info.Running {
		metricRunning.Set(1)
	} else {
		metricRunning.Set(0)
	}
}
