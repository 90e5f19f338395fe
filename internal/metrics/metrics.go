package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "netsec"

// Drop reasons used with RecordsDropped.
const (
	ReasonInvalid  = "invalid"
	ReasonLate     = "late"
	ReasonOverflow = "overflow"
	ReasonSkew     = "clock_skew"
)

// Metrics holds every counter the pipeline exports.
type Metrics struct {
	RecordsIngested  prometheus.Counter
	RecordsDropped   *prometheus.CounterVec
	RecordsBuffered  prometheus.Gauge
	IntervalsFlushed *prometheus.CounterVec
	AlertsSubmitted  *prometheus.CounterVec
	AlertsCoalesced  *prometheus.CounterVec
	BaselineDeferred *prometheus.CounterVec
	ScanProbes       *prometheus.CounterVec
	StorageRetries   prometheus.Counter
	StorageLost      *prometheus.CounterVec
	StorageQueued    prometheus.Gauge
}

// New creates the metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_ingested_total",
			Help:      "Traffic records accepted into the aggregation window.",
		}),
		RecordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_dropped_total",
			Help:      "Traffic records dropped, by reason.",
		}, []string{"reason"}),
		RecordsBuffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "records_buffered",
			Help:      "Traffic records waiting for their interval to flush.",
		}),
		IntervalsFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intervals_flushed_total",
			Help:      "Interval statistics emitted, by completeness.",
		}, []string{"partial"}),
		AlertsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_created_total",
			Help:      "Alerts created, by type and severity.",
		}, []string{"type", "severity"}),
		AlertsCoalesced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_coalesced_total",
			Help:      "Alert candidates merged into an existing open alert.",
		}, []string{"type"}),
		BaselineDeferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "baseline_deferred_total",
			Help:      "Critical observations withheld from the baseline.",
		}, []string{"metric"}),
		ScanProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_probes_total",
			Help:      "Port probe results classified, by state.",
		}, []string{"state"}),
		StorageRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_retries_total",
			Help:      "Storage write attempts that failed and were retried.",
		}),
		StorageLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_lost_total",
			Help:      "Records given up on after retries and the overflow queue were exhausted.",
		}, []string{"kind"}),
		StorageQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_overflow_queued",
			Help:      "Records parked in the storage overflow queue.",
		}),
	}

	reg.MustRegister(
		m.RecordsIngested,
		m.RecordsDropped,
		m.RecordsBuffered,
		m.IntervalsFlushed,
		m.AlertsSubmitted,
		m.AlertsCoalesced,
		m.BaselineDeferred,
		m.ScanProbes,
		m.StorageRetries,
		m.StorageLost,
		m.StorageQueued,
	)
	return m
}

// NewUnregistered returns metrics bound to a private registry, for tests and tools.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
