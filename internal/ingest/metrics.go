package ingest

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the ingester's Prometheus instruments, registered once per
// consumer. Grounded on the client_golang usage in the Sumatoshi-tech and
// linkerd2 example repos (both vendor prometheus/client_golang for
// exactly this counters-plus-gauges shape).
type Metrics struct {
	EventsIngested  *prometheus.CounterVec
	DecodeErrors    prometheus.Counter
	GapsDetected    prometheus.Counter
	DuplicatesSkipped prometheus.Counter
	CursorSeq       prometheus.Gauge
	BatchFlushLatency prometheus.Histogram
}

// NewMetrics registers a fresh instrument set under reg. Passing a
// dedicated registry per consumer keeps multi-consumer tests isolated.
func NewMetrics(reg prometheus.Registerer, consumerID string) *Metrics {
	labels := prometheus.Labels{"consumer_id": consumerID}

	m := &Metrics{
		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "weaver_ingest_events_total",
			Help:        "Events successfully ingested into raw tables, by kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "weaver_ingest_decode_errors_total",
			Help:        "Frames that failed to decode and were dead-lettered.",
			ConstLabels: labels,
		}),
		GapsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "weaver_ingest_gaps_total",
			Help:        "Record events flagged invalid_gap on arrival.",
			ConstLabels: labels,
		}),
		DuplicatesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "weaver_ingest_duplicates_total",
			Help:        "Record events skipped as duplicates of an already-ingested (did, rkey, cid, rev).",
			ConstLabels: labels,
		}),
		CursorSeq: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "weaver_ingest_cursor_seq",
			Help:        "Last committed cursor seq.",
			ConstLabels: labels,
		}),
		BatchFlushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "weaver_ingest_batch_flush_seconds",
			Help:        "Time to flush one ingest batch to the analytical tier.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(m.EventsIngested, m.DecodeErrors, m.GapsDetected, m.DuplicatesSkipped, m.CursorSeq, m.BatchFlushLatency)
	}
	return m
}
