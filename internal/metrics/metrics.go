package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ns        = "worktrack"
	subsystem = "collector"

	LabelResult    = "result"
	LabelKind      = "kind"
	LabelTransport = "transport"

	ResultAccepted = "accepted"
	ResultRejected = "rejected"
	ResultSuccess  = "success"
	ResultFailure  = "failure"
)

type Metrics struct {
	Heartbeats       *prometheus.CounterVec
	Anomalies        *prometheus.CounterVec
	MinutesCounted   prometheus.Counter
	MinutesPersisted prometheus.Counter
	MinutesDuplicate prometheus.Counter
	Flushes          *prometheus.CounterVec
	FlushSeconds     prometheus.Histogram
	PendingMinutes   prometheus.Gauge
	Entries          prometheus.Gauge
	Resets           prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Heartbeats: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "heartbeats_total", Namespace: ns, Subsystem: subsystem,
			Help: "Heartbeats received, by transport and whether they were accepted.",
		}, []string{LabelTransport, LabelResult}),
		Anomalies: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "anomalies_total", Namespace: ns, Subsystem: subsystem,
			Help: "Suspicious usage signals handled by the guard, by anomaly kind.",
		}, []string{LabelKind}),
		MinutesCounted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "minutes_counted_total", Namespace: ns, Subsystem: subsystem,
			Help: "Whole minutes credited to devices in memory.",
		}),
		MinutesPersisted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "minutes_persisted_total", Namespace: ns, Subsystem: subsystem,
			Help: "Minute records newly written to the ledger.",
		}),
		MinutesDuplicate: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "minutes_duplicate_total", Namespace: ns, Subsystem: subsystem,
			Help: "Minute records the ledger already held when flushed.",
		}),
		Flushes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "flushes_total", Namespace: ns, Subsystem: subsystem,
			Help: "Accumulator flush passes, by result.",
		}, []string{LabelResult}),
		FlushSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "flush_seconds", Namespace: ns, Subsystem: subsystem,
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			Help:    "Time taken by one accumulator flush pass.",
		}),
		PendingMinutes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "pending_minutes", Namespace: ns, Subsystem: subsystem,
			Help: "Counted minutes not yet confirmed by the ledger after the last flush.",
		}),
		Entries: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "accumulator_entries", Namespace: ns, Subsystem: subsystem,
			Help: "Device/day entries held by the accumulator.",
		}),
		Resets: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "daily_resets_total", Namespace: ns, Subsystem: subsystem,
			Help: "Daily totals purged, either by the guard or by an operator.",
		}),
	}
}

// The helpers below accept a nil receiver so callers can run without metrics.

func (m *Metrics) Heartbeat(transport, result string) {
	if m == nil {
		return
	}
	m.Heartbeats.WithLabelValues(transport, result).Inc()
}

func (m *Metrics) Anomaly(kind string) {
	if m == nil {
		return
	}
	m.Anomalies.WithLabelValues(kind).Inc()
}

func (m *Metrics) Counted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MinutesCounted.Add(float64(n))
}

func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.Resets.Inc()
}

func (m *Metrics) Flushed(persisted, duplicate, pending, entries int, seconds float64, err error) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	m.Flushes.WithLabelValues(result).Inc()
	m.FlushSeconds.Observe(seconds)
	m.MinutesPersisted.Add(float64(persisted))
	m.MinutesDuplicate.Add(float64(duplicate))
	m.PendingMinutes.Set(float64(pending))
	m.Entries.Set(float64(entries))
}
