package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RelayMetrics exposes the relay's delivery counters. A nil *RelayMetrics
// records nothing, which keeps tests free of registry plumbing.
type RelayMetrics struct {
	published     *prometheus.CounterVec
	sendFailures  *prometheus.CounterVec
	markFailures  prometheus.Counter
	deadLettered  *prometheus.CounterVec
	fetchFailures prometheus.Counter
	leaseSkipped  prometheus.Counter
	tickDuration  prometheus.Histogram
	batchSize     prometheus.Histogram
	oldestAge     prometheus.Gauge
	pending       prometheus.Gauge
}

func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	if reg == nil {
		return nil
	}
	m := &RelayMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Records sent and marked published.",
		}, []string{"topic"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_send_failures_total",
			Help: "Transport sends that failed or timed out.",
		}, []string{"topic"}),
		markFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_mark_published_failures_total",
			Help: "Records sent whose published flag could not be stored. Each one is redelivered.",
		}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_dead_lettered_total",
			Help: "Records moved to the dead-letter table.",
		}, []string{"reason"}),
		fetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_fetch_failures_total",
			Help: "Ticks skipped because the store could not be read.",
		}),
		leaseSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_lease_skipped_total",
			Help: "Ticks skipped because another relay held the lease.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "outbox_tick_duration_seconds",
			Help:    "Wall time of one relay tick.",
			Buckets: prometheus.DefBuckets,
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "outbox_batch_size",
			Help:    "Records fetched per tick.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		}),
		oldestAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_oldest_unpublished_age_seconds",
			Help: "Age of the oldest pending record.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_records",
			Help: "Records waiting for the relay.",
		}),
	}
	reg.MustRegister(
		m.published,
		m.sendFailures,
		m.markFailures,
		m.deadLettered,
		m.fetchFailures,
		m.leaseSkipped,
		m.tickDuration,
		m.batchSize,
		m.oldestAge,
		m.pending,
	)
	return m
}

func (m *RelayMetrics) IncPublished(topic string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(normalizeLabel(topic)).Inc()
}

func (m *RelayMetrics) IncSendFailure(topic string) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(normalizeLabel(topic)).Inc()
}

func (m *RelayMetrics) IncMarkPublishedFailure() {
	if m == nil {
		return
	}
	m.markFailures.Inc()
}

func (m *RelayMetrics) IncDeadLettered(reason string) {
	if m == nil {
		return
	}
	m.deadLettered.WithLabelValues(normalizeLabel(reason)).Inc()
}

func (m *RelayMetrics) IncFetchFailure() {
	if m == nil {
		return
	}
	m.fetchFailures.Inc()
}

func (m *RelayMetrics) IncLeaseSkipped() {
	if m == nil {
		return
	}
	m.leaseSkipped.Inc()
}

// ObserveTick records one finished tick and how many records it fetched.
func (m *RelayMetrics) ObserveTick(duration time.Duration, fetched int) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(duration.Seconds())
	m.batchSize.Observe(float64(fetched))
}

// SetBacklog publishes the pending count and the age of the oldest record.
// A zero age means the outbox is drained.
func (m *RelayMetrics) SetBacklog(pending int64, oldestAge time.Duration) {
	if m == nil {
		return
	}
	if oldestAge < 0 {
		oldestAge = 0
	}
	m.pending.Set(float64(pending))
	m.oldestAge.Set(oldestAge.Seconds())
}
