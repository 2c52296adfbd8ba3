// Package metrics holds the prometheus collectors of the exchanger runtime.
// Every recording method is safe to call on a nil receiver so components can
// run without instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kafka_exchanger"

// Metrics groups every collector registered by the exchanger.
type Metrics struct {
	ringBuckets        *prometheus.GaugeVec
	ringLiveBuckets    *prometheus.GaugeVec
	ringDelayedBuckets *prometheus.GaugeVec
	ringFreedBuckets   *prometheus.CounterVec

	poolTransactions  *prometheus.CounterVec
	poolCommitRetries prometheus.Counter
	poolBatchSize     prometheus.Histogram
	poolQueueDepth    prometheus.Gauge

	relayMessages *prometheus.CounterVec
	relayCommits  *prometheus.CounterVec
	relayInFlight prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ringBuckets: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ring",
				Name:      "buckets",
				Help:      "Number of buckets allocated by the ring",
			},
			[]string{"ring"},
		),
		ringLiveBuckets: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ring",
				Name:      "live_buckets",
				Help:      "Number of buckets holding in-flight messages",
			},
			[]string{"ring"},
		),
		ringDelayedBuckets: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ring",
				Name:      "delayed_buckets",
				Help:      "Number of overflow buckets waiting for a free ring slot",
			},
			[]string{"ring"},
		),
		ringFreedBuckets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ring",
				Name:      "freed_buckets_total",
				Help:      "Total number of buckets popped from the ring",
			},
			[]string{"ring"},
		),
		poolTransactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "transactions_total",
				Help:      "Total number of producer transactions by result",
			},
			[]string{"result"},
		),
		poolCommitRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "commit_retries_total",
				Help:      "Total number of commit attempts retried after a retriable error",
			},
		),
		poolBatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "batch_size",
				Help:      "Number of messages committed per transaction",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
		poolQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "queue_depth",
				Help:      "Number of messages waiting for a producer routine",
			},
		),
		relayMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "messages_total",
				Help:      "Total number of relayed messages by outcome",
			},
			[]string{"result"},
		),
		relayCommits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "offset_commits_total",
				Help:      "Total number of consumer offset commits by result",
			},
			[]string{"result"},
		),
		relayInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "in_flight",
				Help:      "Number of consumed messages not yet produced",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.ringBuckets,
			m.ringLiveBuckets,
			m.ringDelayedBuckets,
			m.ringFreedBuckets,
			m.poolTransactions,
			m.poolCommitRetries,
			m.poolBatchSize,
			m.poolQueueDepth,
			m.relayMessages,
			m.relayCommits,
			m.relayInFlight,
		)
	}
	return m
}

// Ring returns the collectors of one named ring.
func (m *Metrics) Ring(name string) *Ring {
	if m == nil {
		return nil
	}
	return &Ring{
		buckets: m.ringBuckets.WithLabelValues(name),
		live:    m.ringLiveBuckets.WithLabelValues(name),
		delayed: m.ringDelayedBuckets.WithLabelValues(name),
		freed:   m.ringFreedBuckets.WithLabelValues(name),
	}
}

// Pool returns the producer pool collectors.
func (m *Metrics) Pool() *Pool {
	if m == nil {
		return nil
	}
	return &Pool{
		committed:  m.poolTransactions.WithLabelValues("committed"),
		aborted:    m.poolTransactions.WithLabelValues("aborted"),
		failed:     m.poolTransactions.WithLabelValues("failed"),
		retries:    m.poolCommitRetries,
		batchSize:  m.poolBatchSize,
		queueDepth: m.poolQueueDepth,
	}
}

// Relay returns the relay collectors.
func (m *Metrics) Relay() *Relay {
	if m == nil {
		return nil
	}
	return &Relay{
		consumed:  m.relayMessages.WithLabelValues("consumed"),
		produced:  m.relayMessages.WithLabelValues("produced"),
		skipped:   m.relayMessages.WithLabelValues("skipped"),
		lost:      m.relayMessages.WithLabelValues("lost"),
		committed: m.relayCommits.WithLabelValues("committed"),
		failed:    m.relayCommits.WithLabelValues("failed"),
		inFlight:  m.relayInFlight,
	}
}

// Ring records the state of one bucket ring.
type Ring struct {
	buckets prometheus.Gauge
	live    prometheus.Gauge
	delayed prometheus.Gauge
	freed   prometheus.Counter
}

// Observe records the current ring shape.
func (r *Ring) Observe(buckets, live, delayed int) {
	if r == nil {
		return
	}
	r.buckets.Set(float64(buckets))
	r.live.Set(float64(live))
	r.delayed.Set(float64(delayed))
}

func (r *Ring) Freed() {
	if r == nil {
		return
	}
	r.freed.Inc()
}

// Pool records producer pool activity.
type Pool struct {
	committed  prometheus.Counter
	aborted    prometheus.Counter
	failed     prometheus.Counter
	retries    prometheus.Counter
	batchSize  prometheus.Observer
	queueDepth prometheus.Gauge
}

func (p *Pool) Committed(batch int) {
	if p == nil {
		return
	}
	p.committed.Inc()
	p.batchSize.Observe(float64(batch))
}

func (p *Pool) Aborted() {
	if p == nil {
		return
	}
	p.aborted.Inc()
}

func (p *Pool) Failed() {
	if p == nil {
		return
	}
	p.failed.Inc()
}

func (p *Pool) Retried() {
	if p == nil {
		return
	}
	p.retries.Inc()
}

func (p *Pool) Queued(delta int) {
	if p == nil {
		return
	}
	p.queueDepth.Add(float64(delta))
}

// Relay records the consume to produce pipeline.
type Relay struct {
	consumed  prometheus.Counter
	produced  prometheus.Counter
	skipped   prometheus.Counter
	lost      prometheus.Counter
	committed prometheus.Counter
	failed    prometheus.Counter
	inFlight  prometheus.Gauge
}

func (r *Relay) Consumed() {
	if r == nil {
		return
	}
	r.consumed.Inc()
	r.inFlight.Inc()
}

func (r *Relay) Produced() {
	if r == nil {
		return
	}
	r.produced.Inc()
	r.inFlight.Dec()
}

// Skipped counts redelivered messages that were already tracked.
func (r *Relay) Skipped() {
	if r == nil {
		return
	}
	r.skipped.Inc()
	r.inFlight.Dec()
}

// Lost counts messages given up on during shutdown.
func (r *Relay) Lost() {
	if r == nil {
		return
	}
	r.lost.Inc()
	r.inFlight.Dec()
}

func (r *Relay) Committed() {
	if r == nil {
		return
	}
	r.committed.Inc()
}

func (r *Relay) CommitFailed() {
	if r == nil {
		return
	}
	r.failed.Inc()
}
