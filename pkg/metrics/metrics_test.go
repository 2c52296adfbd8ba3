package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorsAreNoop(t *testing.T) {
	var m *Metrics
	ring := m.Ring("input-0")
	pool := m.Pool()
	relay := m.Relay()
	require.Nil(t, ring)
	require.Nil(t, pool)
	require.Nil(t, relay)

	assert.NotPanics(t, func() {
		ring.Observe(1, 1, 1)
		ring.Freed()
		pool.Committed(3)
		pool.Aborted()
		pool.Failed()
		pool.Retried()
		pool.Queued(1)
		relay.Consumed()
		relay.Produced()
		relay.Skipped()
		relay.Lost()
		relay.Committed()
		relay.CommitFailed()
	})
}

func TestRing(t *testing.T) {
	m := New(prometheus.NewRegistry())
	ring := m.Ring("input-0")

	ring.Observe(5, 3, 2)
	ring.Freed()
	ring.Freed()

	assert.Equal(t, 5.0, testutil.ToFloat64(m.ringBuckets.WithLabelValues("input-0")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ringLiveBuckets.WithLabelValues("input-0")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ringDelayedBuckets.WithLabelValues("input-0")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ringFreedBuckets.WithLabelValues("input-0")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ringFreedBuckets.WithLabelValues("input-1")))
}

func TestPool(t *testing.T) {
	m := New(prometheus.NewRegistry())
	pool := m.Pool()

	pool.Committed(4)
	pool.Aborted()
	pool.Retried()
	pool.Queued(3)
	pool.Queued(-1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.poolTransactions.WithLabelValues("committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.poolTransactions.WithLabelValues("aborted")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.poolTransactions.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.poolCommitRetries))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.poolQueueDepth))
	assert.Equal(t, 1, testutil.CollectAndCount(m.poolBatchSize))
}

func TestRelay(t *testing.T) {
	m := New(prometheus.NewRegistry())
	relay := m.Relay()

	for i := 0; i < 4; i++ {
		relay.Consumed()
	}
	relay.Produced()
	relay.Produced()
	relay.Skipped()
	relay.Committed()
	relay.CommitFailed()

	assert.Equal(t, 4.0, testutil.ToFloat64(m.relayMessages.WithLabelValues("consumed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.relayMessages.WithLabelValues("produced")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relayMessages.WithLabelValues("skipped")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.relayMessages.WithLabelValues("lost")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relayInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relayCommits.WithLabelValues("committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relayCommits.WithLabelValues("failed")))
}
