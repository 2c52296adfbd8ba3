package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/tnewman/kafka-exchanger/pkg/broker"
	"github.com/tnewman/kafka-exchanger/pkg/horizon"
	"github.com/tnewman/kafka-exchanger/pkg/inflight"
	"github.com/tnewman/kafka-exchanger/pkg/metrics"

	"go.uber.org/zap"
)

// Mode selects how a partition tracks its in-flight messages.
type Mode string

const (
	// ModeBuckets tracks messages in a ring of buckets and commits whole
	// buckets at a time.
	ModeBuckets Mode = "buckets"
	// ModeHorizon tracks every offset and commits the contiguous finished
	// run below the lowest unfinished one.
	ModeHorizon Mode = "horizon"
)

// pending is a message ready to be produced together with its place in the
// tracker.
type pending struct {
	msg    *broker.Message
	bucket int
	id     int64
}

// tracker owns the in-flight state of one input partition. It is only used
// from the relay loop.
type tracker interface {
	// track registers msg. It returns the messages to produce now and asks
	// the caller to pause the partition when stop is true.
	track(ctx context.Context, msg *broker.Message) (ready []pending, stop bool, err error)
	// finish marks a produced message done.
	finish(p pending) error
	// release frees everything that is done. It returns the next offsets to
	// commit, which stay pending until committed is called, and the delayed
	// messages admitted by the release.
	release() (offsets []broker.Offset, admitted []pending, err error)
	// committed drops the pending offsets once the broker accepted them.
	committed()
	// saturated reports whether the partition should stay paused.
	saturated() bool
}

type trackerConfig struct {
	partition     broker.TopicPartition
	mode          Mode
	itemsInBucket int
	minBuckets    int
	maxBuckets    int
	inFlyLimit    int
	registry      inflight.BucketRegistry
	logger        *zap.Logger
	metrics       *metrics.Ring
}

func newTracker(ctx context.Context, cfg trackerConfig) (tracker, error) {
	switch cfg.mode {
	case ModeHorizon:
		return &horizonTracker{
			partition: cfg.partition,
			storage:   horizon.New(),
		}, nil
	case ModeBuckets, "":
		storage := inflight.New[*broker.Message](inflight.Options{
			ItemsInBucket: cfg.itemsInBucket,
			Inputs:        1,
			InFlyLimit:    cfg.inFlyLimit,
			MaxBuckets:    cfg.maxBuckets,
			Registry:      cfg.registry,
			Logger:        cfg.logger,
			Metrics:       cfg.metrics,
		})
		if err := storage.Init(ctx, cfg.minBuckets); err != nil {
			return nil, fmt.Errorf("failed to initialize bucket storage for %s: %w", cfg.partition, err)
		}
		return &bucketTracker{storage: storage}, nil
	default:
		return nil, fmt.Errorf("unknown tracking mode %q", cfg.mode)
	}
}

// bucketTracker keeps the message itself as the continuation of delayed
// messages, so they are produced once a pop admits them into the ring.
type bucketTracker struct {
	storage     *inflight.Storage[*broker.Message]
	uncommitted []broker.Offset
}

func (t *bucketTracker) track(ctx context.Context, msg *broker.Message) ([]pending, bool, error) {
	info := inflight.NewMessageInfo[*broker.Message](1)

	res, err := t.storage.Push(ctx, info)
	if err != nil {
		return nil, false, err
	}
	if res.Delayed {
		if _, err := info.SetOffset(0, msg.Position()); err != nil {
			return nil, false, err
		}
		info.SetProcess(msg)
		return nil, true, nil
	}

	stop, err := t.storage.SetOffset(res.BucketID, res.MessageID, 0, msg.Position())
	if err != nil {
		return nil, false, err
	}
	return []pending{{msg: msg, bucket: res.BucketID, id: int64(res.MessageID)}}, stop, nil
}

func (t *bucketTracker) finish(p pending) error {
	_, err := t.storage.Finish(p.bucket, int(p.id), nil)
	return err
}

// release pops runs until the head is no longer freeable. Popping ahead of
// the broker commit is safe since a later commit covers every earlier offset.
func (t *bucketTracker) release() ([]broker.Offset, []pending, error) {
	var admitted []pending
	for {
		run := t.storage.CanFreeBuckets()
		if len(run) == 0 {
			return t.uncommitted, admitted, nil
		}
		t.uncommitted = mergeOffsets(t.uncommitted, t.storage.CommitOffsets(run))

		for _, b := range run {
			res, err := t.storage.Pop(b)
			if err != nil {
				return t.uncommitted, admitted, err
			}
			for _, info := range res.Admitted {
				msg, ok := info.TakeProcess()
				if !ok {
					continue
				}
				admitted = append(admitted, pending{msg: msg, bucket: res.AdmittedBucketID, id: int64(info.ID())})
			}
		}
	}
}

func (t *bucketTracker) committed() {
	t.uncommitted = nil
}

func (t *bucketTracker) saturated() bool {
	return t.storage.Delayed() > 0 || t.storage.OnlyWait()
}

// horizonTracker uses the record offset as horizon id. Offsets at or below
// the lowest tracked one, or below the last released offset, were already
// handed to the producer, so a redelivered record is skipped.
type horizonTracker struct {
	partition   broker.TopicPartition
	storage     *horizon.Storage
	uncommitted []broker.Offset
	// next offset after everything released so far
	released int64
}

var errRedelivered = errors.New("relay: record already tracked")

func (t *horizonTracker) track(_ context.Context, msg *broker.Message) ([]pending, bool, error) {
	if msg.Offset < t.released {
		return nil, false, fmt.Errorf("%w: %d is below released offset %d", errRedelivered, msg.Offset, t.released)
	}
	info := horizon.NewInfo(msg.Offset)
	if err := info.AddOffset(msg.Position()); err != nil {
		return nil, false, err
	}
	if _, err := t.storage.Add(info); err != nil {
		if errors.Is(err, horizon.ErrDuplicateHorizon) || errors.Is(err, horizon.ErrOutOfOrder) {
			return nil, false, fmt.Errorf("%w: %w", errRedelivered, err)
		}
		return nil, false, err
	}
	return []pending{{msg: msg, bucket: -1, id: msg.Offset}}, false, nil
}

func (t *horizonTracker) finish(p pending) error {
	return t.storage.Finish(p.id)
}

func (t *horizonTracker) release() ([]broker.Offset, []pending, error) {
	n := t.storage.CanFree()
	if n == 0 {
		return t.uncommitted, nil, nil
	}
	last, err := t.storage.At(t.storage.Len() - n)
	if err != nil {
		return t.uncommitted, nil, err
	}
	if _, err := t.storage.ClearFinished(); err != nil {
		return t.uncommitted, nil, err
	}
	t.released = max(t.released, last.ID()+1)
	t.uncommitted = mergeOffsets(t.uncommitted, []broker.Offset{{TopicPartition: t.partition, Offset: t.released}})
	return t.uncommitted, nil, nil
}

func (t *horizonTracker) committed() {
	t.uncommitted = nil
}

func (t *horizonTracker) saturated() bool {
	return false
}

// mergeOffsets keeps the highest offset of every partition.
func mergeOffsets(into, from []broker.Offset) []broker.Offset {
next:
	for _, off := range from {
		for i := range into {
			if into[i].TopicPartition == off.TopicPartition {
				into[i].Offset = max(into[i].Offset, off.Offset)
				continue next
			}
		}
		into = append(into, off)
	}
	return into
}
