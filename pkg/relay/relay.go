// Package relay moves records from the input topics to the output topic
// through transactional producers and commits consumer offsets only for
// the prefix of every partition that has been produced.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tnewman/kafka-exchanger/pkg/broker"
	"github.com/tnewman/kafka-exchanger/pkg/metrics"
	"github.com/tnewman/kafka-exchanger/pkg/producerpool"
	"github.com/tnewman/kafka-exchanger/pkg/registry"
	"github.com/tnewman/kafka-exchanger/pkg/signal"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// ExchangeIDHeader carries a unique id stamped on every relayed record.
	ExchangeIDHeader = "x-exchange-id"
	// SourceHeader carries the input position as "<topic>-<partition>@<offset>".
	SourceHeader = "x-exchange-source"

	defaultCommitInterval  = time.Second
	defaultMaxInFlight     = 1000
	defaultShutdownTimeout = 10 * time.Second

	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	maxPollRetries = 5
)

var ErrNoOutputTopic = errors.New("relay: output topic is required")

// Producer sends one message and returns once it is durable.
type Producer interface {
	Produce(ctx context.Context, dest broker.Destination, message *broker.Message) error
}

// Options configures a Relay.
type Options struct {
	OutputTopic string
	// Group prefixes the registry owner of every partition ring.
	Group string
	Mode  Mode

	ItemsInBucket int
	MinBuckets    int
	MaxBuckets    int
	InFlyLimit    int

	// MaxInFlight bounds consumed but not yet produced messages. Polling
	// stops while the bound is reached, so one poll may overshoot it.
	MaxInFlight     int
	CommitInterval  time.Duration
	ShutdownTimeout time.Duration

	Registry registry.Provider
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Relay is the consume, track, produce and commit loop. All tracking state
// is owned by the goroutine running Run.
type Relay struct {
	consumer broker.Consumer
	producer Producer
	opts     Options
	logger   *zap.Logger
	metrics  *metrics.Relay

	free     *signal.FreeWatcher
	trackers map[broker.TopicPartition]tracker
	paused   map[broker.TopicPartition]bool

	done        chan completion
	outstanding int
	wg          sync.WaitGroup
}

type completion struct {
	tp  broker.TopicPartition
	p   pending
	err error
}

type admission struct {
	tp broker.TopicPartition
	p  pending
}

func New(consumer broker.Consumer, producer Producer, opts Options) (*Relay, error) {
	if opts.OutputTopic == "" {
		return nil, ErrNoOutputTopic
	}
	switch opts.Mode {
	case "":
		opts.Mode = ModeBuckets
	case ModeBuckets, ModeHorizon:
	default:
		return nil, fmt.Errorf("relay: unknown tracking mode %q", opts.Mode)
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = defaultMaxInFlight
	}
	if opts.CommitInterval <= 0 {
		opts.CommitInterval = defaultCommitInterval
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	if opts.Registry == nil {
		opts.Registry = registry.NewMemory()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Relay{
		consumer: consumer,
		producer: producer,
		opts:     opts,
		logger:   logger,
		metrics:  opts.Metrics.Relay(),
		free:     signal.New(opts.MaxInFlight),
		trackers: make(map[broker.TopicPartition]tracker),
		paused:   make(map[broker.TopicPartition]bool),
		done:     make(chan completion, opts.MaxInFlight),
	}, nil
}

// Run relays until ctx is done or polling fails for good. On return every
// produce has completed or was given up after ShutdownTimeout, and a last
// commit has been attempted.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("Relay started",
		zap.String("output_topic", r.opts.OutputTopic),
		zap.String("mode", string(r.opts.Mode)),
		zap.Int("max_in_flight", r.opts.MaxInFlight))

	produceCtx, stopProducing := context.WithCancel(context.WithoutCancel(ctx))
	defer stopProducing()

	pollCtx, stopPolling := context.WithCancel(ctx)
	polled := make(chan []*broker.Message)
	pollErr := make(chan error, 1)
	var pollers sync.WaitGroup
	pollers.Add(1)
	go func() {
		defer pollers.Done()
		r.poll(pollCtx, polled, pollErr)
	}()

	ticker := time.NewTicker(r.opts.CommitInterval)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-pollErr:
			runErr = err
			break loop
		case messages := <-polled:
			if err := r.dispatch(ctx, produceCtx, messages); err != nil {
				runErr = err
				break loop
			}
		case c := <-r.done:
			if err := r.complete(c); err != nil {
				runErr = err
				break loop
			}
		case <-ticker.C:
			admitted, err := r.commit(ctx)
			if err != nil {
				runErr = err
				break loop
			}
			for _, a := range admitted {
				r.produce(produceCtx, a.tp, a.p)
			}
		}
	}

	stopPolling()
	pollers.Wait()
	r.drain(stopProducing)

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.ShutdownTimeout)
	defer cancel()
	if _, err := r.commit(commitCtx); err != nil {
		r.logger.Warn("Final commit failed", zap.Error(err))
	}

	r.logger.Info("Relay stopped", zap.Error(runErr))
	return runErr
}

// poll fetches batches while the in-flight bound allows, with the retry
// and backoff policy of a transient broker error.
func (r *Relay) poll(ctx context.Context, out chan<- []*broker.Message, errs chan<- error) {
	backoff := initialBackoff
	retries := 0

	for {
		if err := r.free.Wait(ctx); err != nil {
			return
		}

		messages, err := r.consumer.PollMessages(ctx)
		if ctx.Err() != nil {
			return
		}
		if len(messages) > 0 {
			select {
			case out <- messages:
			case <-ctx.Done():
				return
			}
		}
		if err == nil {
			backoff = initialBackoff
			retries = 0
			continue
		}

		retries++
		if retries > maxPollRetries {
			errs <- fmt.Errorf("failed to poll messages after %d retries: %w", maxPollRetries, err)
			return
		}
		r.logger.Error("Error polling messages, retrying...",
			zap.Error(err),
			zap.Int("retries", retries),
			zap.Duration("backoff", backoff))
		if !sleep(ctx, backoff) {
			return
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (r *Relay) dispatch(ctx, produceCtx context.Context, messages []*broker.Message) error {
	for _, msg := range messages {
		tp := msg.Position().TopicPartition
		t, err := r.tracker(ctx, tp)
		if err != nil {
			return err
		}

		r.metrics.Consumed()
		r.free.SignalStuck()

		ready, stop, err := t.track(ctx, msg)
		if errors.Is(err, errRedelivered) {
			r.logger.Debug("Skipping redelivered record",
				zap.String("partition", tp.String()),
				zap.Int64("offset", msg.Offset))
			r.metrics.Skipped()
			r.free.SignalFree()
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to track %s@%d: %w", tp, msg.Offset, err)
		}

		if stop && !r.paused[tp] {
			r.consumer.Pause(tp)
			r.paused[tp] = true
			r.logger.Info("Partition paused", zap.String("partition", tp.String()))
		}
		for _, p := range ready {
			r.produce(produceCtx, tp, p)
		}
	}
	return nil
}

func (r *Relay) tracker(ctx context.Context, tp broker.TopicPartition) (tracker, error) {
	if t, ok := r.trackers[tp]; ok {
		return t, nil
	}

	owner := tp.String()
	if r.opts.Group != "" {
		owner = r.opts.Group + "/" + owner
	}
	t, err := newTracker(ctx, trackerConfig{
		partition:     tp,
		mode:          r.opts.Mode,
		itemsInBucket: r.opts.ItemsInBucket,
		minBuckets:    r.opts.MinBuckets,
		maxBuckets:    r.opts.MaxBuckets,
		inFlyLimit:    r.opts.InFlyLimit,
		registry:      r.opts.Registry.For(owner),
		logger:        r.logger.With(zap.String("partition", tp.String())),
		metrics:       r.opts.Metrics.Ring(tp.String()),
	})
	if err != nil {
		return nil, err
	}
	r.trackers[tp] = t
	r.logger.Debug("Tracking partition", zap.String("partition", tp.String()))
	return t, nil
}

func (r *Relay) produce(ctx context.Context, tp broker.TopicPartition, p pending) {
	out := r.outbound(p.msg)
	r.outstanding++
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.done <- completion{tp: tp, p: p, err: r.send(ctx, out)}
	}()
}

// send retries until the message is committed, the pool is closed or ctx
// is done.
func (r *Relay) send(ctx context.Context, msg *broker.Message) error {
	dest := broker.ToTopic(r.opts.OutputTopic)
	backoff := initialBackoff
	for {
		err := r.producer.Produce(ctx, dest, msg)
		if err == nil || ctx.Err() != nil ||
			errors.Is(err, producerpool.ErrClosed) || errors.Is(err, context.Canceled) {
			return err
		}

		r.logger.Warn("Failed to produce message, retrying",
			zap.Error(err),
			zap.String("topic", dest.Topic),
			zap.Duration("backoff", backoff))
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (r *Relay) outbound(msg *broker.Message) *broker.Message {
	headers := make([]broker.Header, 0, len(msg.Headers)+2)
	headers = append(headers, msg.Headers...)
	headers = append(headers,
		broker.Header{Key: ExchangeIDHeader, Value: []byte(uuid.NewString())},
		broker.Header{Key: SourceHeader, Value: []byte(fmt.Sprintf("%s@%d", msg.Position().TopicPartition, msg.Offset))},
	)
	return &broker.Message{
		Topic:   r.opts.OutputTopic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	}
}

func (r *Relay) complete(c completion) error {
	r.outstanding--
	defer r.free.SignalFree()

	if c.err != nil {
		r.metrics.Lost()
		r.logger.Warn("Message was not produced",
			zap.Error(c.err),
			zap.String("partition", c.tp.String()),
			zap.Int64("offset", c.p.msg.Offset))
		return nil
	}

	if err := r.trackers[c.tp].finish(c.p); err != nil {
		return fmt.Errorf("failed to finish %s@%d: %w", c.tp, c.p.msg.Offset, err)
	}
	r.metrics.Produced()
	return nil
}

// commit releases what is done on every partition and commits the pending
// offsets in one request. It returns the delayed messages admitted by the
// release. A failed broker commit is logged and retried on the next tick.
func (r *Relay) commit(ctx context.Context) ([]admission, error) {
	var offsets []broker.Offset
	var admitted []admission
	var committing []tracker
	for tp, t := range r.trackers {
		off, ps, err := t.release()
		if err != nil {
			return admitted, fmt.Errorf("failed to release %s: %w", tp, err)
		}
		for _, p := range ps {
			admitted = append(admitted, admission{tp: tp, p: p})
		}
		if len(off) > 0 {
			offsets = append(offsets, off...)
			committing = append(committing, t)
		}

		if r.paused[tp] && !t.saturated() {
			r.consumer.Resume(tp)
			delete(r.paused, tp)
			r.logger.Info("Partition resumed", zap.String("partition", tp.String()))
		}
	}
	if len(offsets) == 0 {
		return admitted, nil
	}

	if err := r.consumer.CommitOffsets(ctx, offsets); err != nil {
		r.metrics.CommitFailed()
		r.logger.Error("Failed to commit offsets", zap.Error(err), zap.Int("offsets", len(offsets)))
		return admitted, nil
	}
	for _, t := range committing {
		t.committed()
	}
	r.metrics.Committed()
	r.logger.Debug("Offsets committed", zap.Int("offsets", len(offsets)))
	return admitted, nil
}

// drain waits for outstanding produces, giving up on them after
// ShutdownTimeout.
func (r *Relay) drain(stopProducing context.CancelFunc) {
	timer := time.NewTimer(r.opts.ShutdownTimeout)
	defer timer.Stop()

	for r.outstanding > 0 {
		select {
		case c := <-r.done:
			if err := r.complete(c); err != nil {
				r.logger.Warn("Failed to finish message during shutdown", zap.Error(err))
			}
		case <-timer.C:
			r.logger.Warn("Produces did not finish in time, canceling", zap.Int("outstanding", r.outstanding))
			stopProducing()
		}
	}
	r.wg.Wait()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
