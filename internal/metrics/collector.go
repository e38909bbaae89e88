// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the dispatch core's internals as Prometheus
// instruments, the same prometheus.NewCounter/GaugeVec shape the teacher's
// internal/ebpf/metrics package uses for its own packet counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/appidcore/internal/appid/hosttracker"
	"grimm.is/appidcore/internal/appid/ids"
)

// Metrics holds every Prometheus instrument the dispatch core updates.
type Metrics struct {
	DispatchTotal      *prometheus.CounterVec
	DispatchErrors     prometheus.Counter
	HostTrackerEntries prometheus.Gauge
	HostTrackerState   *prometheus.GaugeVec
	CandidatePoolSize  prometheus.Histogram
	PatternMatchHits   *prometheus.CounterVec
	ValidCount         *prometheus.GaugeVec
	DetectorWins       *prometheus.CounterVec
}

// New builds an unregistered Metrics instance.
func New() *Metrics {
	return &Metrics{
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appidcore_dispatch_total",
			Help: "Total discover_service calls by returned status.",
		}, []string{"status"}),

		DispatchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appidcore_dispatch_errors_total",
			Help: "Total discover_service calls that returned a non-nil error.",
		}),

		HostTrackerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "appidcore_host_tracker_entries",
			Help: "Number of endpoints currently tracked in the host-tracker cache.",
		}),

		HostTrackerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "appidcore_host_tracker_state",
			Help: "Number of host-tracker entries currently in each selection state.",
		}, []string{"state"}),

		CandidatePoolSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "appidcore_candidate_pool_size",
			Help:    "Size of a flow's candidate_service_list at the end of a dispatch call.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 10},
		}),

		PatternMatchHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appidcore_pattern_match_hits_total",
			Help: "Total pattern-matcher hits, by transport.",
		}, []string{"transport"}),

		ValidCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "appidcore_host_tracker_valid_count",
			Help: "Current valid_count for a tracked endpoint, labeled by endpoint key.",
		}, []string{"ip", "proto", "port"}),

		DetectorWins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appidcore_detector_wins_total",
			Help: "Total SUCCESS verdicts, by detector name.",
		}, []string{"detector"}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.DispatchTotal.Describe(ch)
	m.DispatchErrors.Describe(ch)
	m.HostTrackerEntries.Describe(ch)
	m.HostTrackerState.Describe(ch)
	m.CandidatePoolSize.Describe(ch)
	m.PatternMatchHits.Describe(ch)
	m.ValidCount.Describe(ch)
	m.DetectorWins.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.DispatchTotal.Collect(ch)
	m.DispatchErrors.Collect(ch)
	m.HostTrackerEntries.Collect(ch)
	m.HostTrackerState.Collect(ch)
	m.CandidatePoolSize.Collect(ch)
	m.PatternMatchHits.Collect(ch)
	m.ValidCount.Collect(ch)
	m.DetectorWins.Collect(ch)
}

// Register registers m with the default Prometheus registry.
func (m *Metrics) Register() {
	prometheus.MustRegister(m)
}

// RecordDispatch updates the per-status dispatch counter and, on a non-nil
// err, the error counter.
func (m *Metrics) RecordDispatch(status ids.Status, err error) {
	m.DispatchTotal.WithLabelValues(status.String()).Inc()
	if err != nil {
		m.DispatchErrors.Inc()
	}
}

// RecordCandidatePoolSize records the size of a flow's candidate pool at
// the end of a dispatch call.
func (m *Metrics) RecordCandidatePoolSize(n int) {
	m.CandidatePoolSize.Observe(float64(n))
}

// RecordPatternHit bumps the pattern-match counter for transport.
func (m *Metrics) RecordPatternHit(transport ids.Transport) {
	m.PatternMatchHits.WithLabelValues(transport.String()).Inc()
}

// RecordDetectorWin bumps the per-detector win counter.
func (m *Metrics) RecordDetectorWin(name string) {
	m.DetectorWins.WithLabelValues(name).Inc()
}

// stateLabels lists every hosttracker.State in a fixed order, so
// SetHostTrackerSnapshot always reports a zero for states with no entries
// rather than leaving a gap in the gauge vector.
var stateLabels = []hosttracker.State{
	hosttracker.StateNew,
	hosttracker.StatePort,
	hosttracker.StatePattern,
	hosttracker.StateBruteForce,
	hosttracker.StateValid,
}

// SetHostTrackerSnapshot overwrites the host-tracker gauges from a point-in-
// time count of entries and their current state, the same sampled-gauge
// pattern the teacher's collector uses for interface/policy stats.
func (m *Metrics) SetHostTrackerSnapshot(total int, byState map[hosttracker.State]int) {
	m.HostTrackerEntries.Set(float64(total))
	for _, s := range stateLabels {
		m.HostTrackerState.WithLabelValues(s.String()).Set(float64(byState[s]))
	}
}

// SetValidCount records a single endpoint's current valid_count.
func (m *Metrics) SetValidCount(ip, proto, port string, count int) {
	m.ValidCount.WithLabelValues(ip, proto, port).Set(float64(count))
}
