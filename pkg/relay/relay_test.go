package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tnewman/kafka-exchanger/pkg/broker"
	"github.com/tnewman/kafka-exchanger/pkg/metrics"
)

var input = broker.TopicPartition{Topic: "in", Partition: 0}

type fakeConsumer struct {
	batches chan []*broker.Message

	mu          sync.Mutex
	committed   map[broker.TopicPartition]int64
	commitCalls int
	commitErrs  []error
	paused      map[broker.TopicPartition]bool
	resumes     int
}

func newFakeConsumer() *fakeConsumer {
	return &fakeConsumer{
		batches:   make(chan []*broker.Message, 10),
		committed: make(map[broker.TopicPartition]int64),
		paused:    make(map[broker.TopicPartition]bool),
	}
}

func (c *fakeConsumer) PollMessages(ctx context.Context) ([]*broker.Message, error) {
	select {
	case batch := <-c.batches:
		return batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConsumer) CommitOffsets(_ context.Context, offsets []broker.Offset) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commitCalls++
	if len(c.commitErrs) > 0 {
		err := c.commitErrs[0]
		c.commitErrs = c.commitErrs[1:]
		return err
	}
	for _, off := range offsets {
		c.committed[off.TopicPartition] = off.Offset
	}
	return nil
}

func (c *fakeConsumer) Pause(partitions ...broker.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tp := range partitions {
		c.paused[tp] = true
	}
}

func (c *fakeConsumer) Resume(partitions ...broker.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tp := range partitions {
		delete(c.paused, tp)
		c.resumes++
	}
}

func (c *fakeConsumer) Close() error {
	return nil
}

// offset returns the committed offset of tp or -1.
func (c *fakeConsumer) offset(tp broker.TopicPartition) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, ok := c.committed[tp]
	if !ok {
		return -1
	}
	return off
}

func (c *fakeConsumer) isPaused(tp broker.TopicPartition) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused[tp]
}

type fakeProducer struct {
	// hold returns a channel the produce waits on, nil to go through.
	hold func(msg *broker.Message) <-chan struct{}

	mu       sync.Mutex
	attempts int
	produced []*broker.Message
	dests    []broker.Destination
}

func (p *fakeProducer) Produce(ctx context.Context, dest broker.Destination, msg *broker.Message) error {
	p.mu.Lock()
	p.attempts++
	p.mu.Unlock()

	if p.hold != nil {
		if ch := p.hold(msg); ch != nil {
			select {
			case <-ch:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.produced = append(p.produced, msg)
	p.dests = append(p.dests, dest)
	return nil
}

func (p *fakeProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.produced)
}

func (p *fakeProducer) sources() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.produced))
	for _, m := range p.produced {
		out = append(out, header(m, SourceHeader))
	}
	return out
}

func header(m *broker.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func records(tp broker.TopicPartition, offsets ...int64) []*broker.Message {
	out := make([]*broker.Message, 0, len(offsets))
	for _, off := range offsets {
		out = append(out, &broker.Message{
			Topic:     tp.Topic,
			Partition: tp.Partition,
			Offset:    off,
			Key:       []byte(fmt.Sprintf("key-%d", off)),
			Value:     []byte(fmt.Sprintf("value-%d", off)),
			Headers:   []broker.Header{{Key: "trace", Value: []byte("abc")}},
		})
	}
	return out
}

func span(from, to int64) []int64 {
	out := make([]int64, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

type running struct {
	cancel context.CancelFunc
	errc   chan error
	once   sync.Once
	err    error
}

func (r *running) stop(t *testing.T) error {
	t.Helper()
	r.once.Do(func() {
		r.cancel()
		select {
		case r.err = <-r.errc:
		case <-time.After(5 * time.Second):
			t.Error("relay did not stop")
		}
	})
	return r.err
}

func startRelay(t *testing.T, consumer broker.Consumer, producer Producer, opts Options) *running {
	t.Helper()
	if opts.OutputTopic == "" {
		opts.OutputTopic = "out"
	}
	if opts.CommitInterval == 0 {
		opts.CommitInterval = 5 * time.Millisecond
	}
	opts.Logger = zaptest.NewLogger(t)

	r, err := New(consumer, producer, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	run := &running{cancel: cancel, errc: make(chan error, 1)}
	go func() {
		run.errc <- r.Run(ctx)
	}()
	t.Cleanup(func() { run.stop(t) })
	return run
}

func TestNew(t *testing.T) {
	_, err := New(newFakeConsumer(), &fakeProducer{}, Options{})
	require.ErrorIs(t, err, ErrNoOutputTopic)

	_, err = New(newFakeConsumer(), &fakeProducer{}, Options{OutputTopic: "out", Mode: "lifo"})
	require.Error(t, err)

	r, err := New(newFakeConsumer(), &fakeProducer{}, Options{OutputTopic: "out"})
	require.NoError(t, err)
	assert.Equal(t, ModeBuckets, r.opts.Mode)
	assert.Equal(t, defaultMaxInFlight, r.opts.MaxInFlight)
	assert.Equal(t, int64(defaultMaxInFlight), r.free.Free())
}

func TestRelay_RelaysAndCommits(t *testing.T) {
	consumer := newFakeConsumer()
	producer := &fakeProducer{}
	run := startRelay(t, consumer, producer, Options{Mode: ModeHorizon})

	consumer.batches <- records(input, span(0, 10)...)

	require.Eventually(t, func() bool { return consumer.offset(input) == 10 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, run.stop(t))

	require.Equal(t, 10, producer.count())
	want := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		want = append(want, fmt.Sprintf("in-0@%d", i))
	}
	assert.ElementsMatch(t, want, producer.sources())

	for i, m := range producer.produced {
		assert.Equal(t, broker.ToTopic("out"), producer.dests[i])
		assert.Equal(t, "out", m.Topic)
		assert.Equal(t, "abc", header(m, "trace"))
		_, err := uuid.Parse(header(m, ExchangeIDHeader))
		assert.NoError(t, err)
	}
}

func TestRelay_BucketModeCommitsWholeBuckets(t *testing.T) {
	consumer := newFakeConsumer()
	producer := &fakeProducer{}
	startRelay(t, consumer, producer, Options{Mode: ModeBuckets, ItemsInBucket: 4})

	consumer.batches <- records(input, span(0, 10)...)

	require.Eventually(t, func() bool { return consumer.offset(input) == 8 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 10, producer.count())
	// the last bucket holds two of four messages and is not freeable yet
	require.Never(t, func() bool { return consumer.offset(input) != 8 }, 50*time.Millisecond, 5*time.Millisecond)

	consumer.batches <- records(input, 10, 11)
	require.Eventually(t, func() bool { return consumer.offset(input) == 12 }, 2*time.Second, 5*time.Millisecond)
}

func TestRelay_HoldsCommitUntilProduced(t *testing.T) {
	release := make(chan struct{})
	consumer := newFakeConsumer()
	producer := &fakeProducer{
		hold: func(msg *broker.Message) <-chan struct{} {
			if header(msg, SourceHeader) == "in-0@2" {
				return release
			}
			return nil
		},
	}
	startRelay(t, consumer, producer, Options{Mode: ModeHorizon})

	consumer.batches <- records(input, span(0, 6)...)

	require.Eventually(t, func() bool { return consumer.offset(input) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return producer.count() == 5 }, 2*time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return consumer.offset(input) != 2 }, 50*time.Millisecond, 5*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool { return consumer.offset(input) == 6 }, 2*time.Second, 5*time.Millisecond)
}

func TestRelay_PausesWhileRingIsFull(t *testing.T) {
	gate := make(chan struct{})
	consumer := newFakeConsumer()
	producer := &fakeProducer{
		hold: func(*broker.Message) <-chan struct{} { return gate },
	}
	startRelay(t, consumer, producer, Options{
		Mode:          ModeBuckets,
		ItemsInBucket: 1,
		MinBuckets:    1,
		MaxBuckets:    2,
	})

	consumer.batches <- records(input, span(0, 4)...)

	require.Eventually(t, func() bool { return consumer.isPaused(input) }, 2*time.Second, 5*time.Millisecond)
	// two messages fill the ring, the other two wait in the delay queue
	require.Eventually(t, func() bool {
		producer.mu.Lock()
		defer producer.mu.Unlock()
		return producer.attempts == 2
	}, 2*time.Second, 5*time.Millisecond)

	close(gate)

	require.Eventually(t, func() bool { return consumer.offset(input) == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 4, producer.count())
	assert.False(t, consumer.isPaused(input))
	consumer.mu.Lock()
	assert.Equal(t, 1, consumer.resumes)
	consumer.mu.Unlock()
}

func TestRelay_SkipsRedeliveredRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	consumer := newFakeConsumer()
	producer := &fakeProducer{}
	run := startRelay(t, consumer, producer, Options{Mode: ModeHorizon, Metrics: metrics.New(reg)})

	consumer.batches <- records(input, 0, 1, 2, 3, 2, 3)

	require.Eventually(t, func() bool { return consumer.offset(input) == 4 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, run.stop(t))
	assert.Equal(t, 4, producer.count())

	expected := `
# HELP kafka_exchanger_relay_messages_total Total number of relayed messages by outcome
# TYPE kafka_exchanger_relay_messages_total counter
kafka_exchanger_relay_messages_total{result="consumed"} 6
kafka_exchanger_relay_messages_total{result="lost"} 0
kafka_exchanger_relay_messages_total{result="produced"} 4
kafka_exchanger_relay_messages_total{result="skipped"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "kafka_exchanger_relay_messages_total"))
}

func TestRelay_SkipsRecordsBelowReleasedOffset(t *testing.T) {
	consumer := newFakeConsumer()
	producer := &fakeProducer{}
	run := startRelay(t, consumer, producer, Options{Mode: ModeHorizon})

	consumer.batches <- records(input, span(0, 5)...)
	require.Eventually(t, func() bool { return consumer.offset(input) == 5 }, 2*time.Second, 5*time.Millisecond)

	consumer.batches <- records(input, 1, 5)
	require.Eventually(t, func() bool { return consumer.offset(input) == 6 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, run.stop(t))

	assert.Equal(t, 6, producer.count())
	assert.Equal(t, int64(6), consumer.offset(input))
}

func TestHorizonTracker_ReleaseNeverLowersCommit(t *testing.T) {
	ctx := context.Background()
	tr, err := newTracker(ctx, trackerConfig{partition: input, mode: ModeHorizon})
	require.NoError(t, err)

	for _, msg := range records(input, span(0, 5)...) {
		ready, _, err := tr.track(ctx, msg)
		require.NoError(t, err)
		require.Len(t, ready, 1)
		require.NoError(t, tr.finish(ready[0]))
	}
	offsets, _, err := tr.release()
	require.NoError(t, err)
	require.Equal(t, []broker.Offset{{TopicPartition: input, Offset: 5}}, offsets)

	ready, _, err := tr.track(ctx, records(input, 1)[0])
	require.ErrorIs(t, err, errRedelivered)
	assert.Empty(t, ready)

	ready, _, err = tr.track(ctx, records(input, 6)[0])
	require.NoError(t, err)
	require.NoError(t, tr.finish(ready[0]))
	offsets, _, err = tr.release()
	require.NoError(t, err)
	assert.Equal(t, []broker.Offset{{TopicPartition: input, Offset: 7}}, offsets)

	tr.committed()
	offsets, _, err = tr.release()
	require.NoError(t, err)
	assert.Empty(t, offsets)
}

func TestRelay_RetriesFailedCommit(t *testing.T) {
	reg := prometheus.NewRegistry()
	consumer := newFakeConsumer()
	consumer.commitErrs = []error{errors.New("coordinator not available")}
	run := startRelay(t, consumer, &fakeProducer{}, Options{Mode: ModeHorizon, Metrics: metrics.New(reg)})

	consumer.batches <- records(input, 0)

	require.Eventually(t, func() bool { return consumer.offset(input) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, run.stop(t))

	consumer.mu.Lock()
	assert.Equal(t, 2, consumer.commitCalls)
	consumer.mu.Unlock()

	expected := `
# HELP kafka_exchanger_relay_offset_commits_total Total number of consumer offset commits by result
# TYPE kafka_exchanger_relay_offset_commits_total counter
kafka_exchanger_relay_offset_commits_total{result="committed"} 1
kafka_exchanger_relay_offset_commits_total{result="failed"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "kafka_exchanger_relay_offset_commits_total"))
}

func TestRelay_ShutdownGivesUpStuckProduces(t *testing.T) {
	reg := prometheus.NewRegistry()
	consumer := newFakeConsumer()
	never := make(chan struct{})
	producer := &fakeProducer{
		hold: func(*broker.Message) <-chan struct{} { return never },
	}
	run := startRelay(t, consumer, producer, Options{
		Mode:            ModeHorizon,
		ShutdownTimeout: 20 * time.Millisecond,
		Metrics:         metrics.New(reg),
	})

	consumer.batches <- records(input, 0)
	require.Eventually(t, func() bool {
		producer.mu.Lock()
		defer producer.mu.Unlock()
		return producer.attempts == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, run.stop(t))
	assert.Equal(t, 0, producer.count())
	assert.Equal(t, int64(-1), consumer.offset(input))

	expected := `
# HELP kafka_exchanger_relay_messages_total Total number of relayed messages by outcome
# TYPE kafka_exchanger_relay_messages_total counter
kafka_exchanger_relay_messages_total{result="consumed"} 1
kafka_exchanger_relay_messages_total{result="lost"} 1
kafka_exchanger_relay_messages_total{result="produced"} 0
kafka_exchanger_relay_messages_total{result="skipped"} 0
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "kafka_exchanger_relay_messages_total"))
}

func TestRelay_PartitionsCommitIndependently(t *testing.T) {
	other := broker.TopicPartition{Topic: "in", Partition: 1}
	release := make(chan struct{})
	consumer := newFakeConsumer()
	producer := &fakeProducer{
		hold: func(msg *broker.Message) <-chan struct{} {
			if header(msg, SourceHeader) == "in-1@0" {
				return release
			}
			return nil
		},
	}
	startRelay(t, consumer, producer, Options{Mode: ModeHorizon})

	consumer.batches <- append(records(input, 0, 1, 2), records(other, 0, 1)...)

	require.Eventually(t, func() bool { return consumer.offset(input) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(-1), consumer.offset(other))

	close(release)
	require.Eventually(t, func() bool { return consumer.offset(other) == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestMergeOffsets(t *testing.T) {
	other := broker.TopicPartition{Topic: "in", Partition: 1}
	merged := mergeOffsets(nil, []broker.Offset{{TopicPartition: input, Offset: 4}})
	merged = mergeOffsets(merged, []broker.Offset{
		{TopicPartition: input, Offset: 2},
		{TopicPartition: other, Offset: 9},
	})
	merged = mergeOffsets(merged, []broker.Offset{{TopicPartition: input, Offset: 7}})

	assert.Equal(t, []broker.Offset{
		{TopicPartition: input, Offset: 7},
		{TopicPartition: other, Offset: 9},
	}, merged)
}
