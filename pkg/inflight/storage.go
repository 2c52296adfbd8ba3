// Package inflight tracks messages in flight in a ring of fixed-capacity
// buckets and decides which prefix of the ring is safe to commit.
//
// Storage is not safe for concurrent use. It is meant to be owned by a single
// goroutine per partition group.
package inflight

import (
	"context"
	"fmt"
	"slices"

	"github.com/tnewman/kafka-exchanger/pkg/broker"
	"github.com/tnewman/kafka-exchanger/pkg/metrics"

	"go.uber.org/zap"
)

// Options configures a Storage.
type Options struct {
	// ItemsInBucket is the capacity of every bucket. Values below 1 become 1.
	ItemsInBucket int
	// Inputs is the number of offsets tracked per message.
	Inputs int
	// InFlyLimit is the length of the only-wait run that makes SetOffset
	// report backpressure. Zero disables the signal.
	InFlyLimit int
	// MaxBuckets caps ring growth. Zero means unbounded; once the cap is
	// reached new messages go to the delay queue.
	MaxBuckets int

	Registry BucketRegistry
	Logger   *zap.Logger
	Metrics  *metrics.Ring
}

// PushResult tells the caller where a message landed.
type PushResult struct {
	// BucketID is -1 for delayed messages.
	BucketID  int
	MessageID int
	// Delayed is true when the ring is full and the message waits in the
	// delay queue until a pop admits it.
	Delayed bool
}

// PopResult is the outcome of popping the head bucket.
type PopResult[P any] struct {
	BucketID int
	Messages []*MessageInfo[P]

	// AdmittedBucketID and Admitted describe delayed messages moved into the
	// ring by this pop. Admitted is empty when nothing was waiting.
	AdmittedBucketID int
	Admitted         []*MessageInfo[P]
}

// Storage is the bounded sliding window of buckets. The live buckets form
// the contiguous circular run of size buckets starting at head; the last
// one is where new messages land.
type Storage[P any] struct {
	opts   Options
	logger *zap.Logger

	buckets []*Bucket[P]
	// slots maps bucket id to its position in buckets
	slots []int
	head  int
	size  int

	delay *delayQueue[P]
}

// New creates an uninitialized storage. Init must be called before use.
func New[P any](opts Options) *Storage[P] {
	opts.ItemsInBucket = max(opts.ItemsInBucket, 1)
	opts.Inputs = max(opts.Inputs, 0)
	if opts.Registry == nil {
		opts.Registry = RegistryFuncs{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Storage[P]{
		opts:   opts,
		logger: logger,
		delay:  newDelayQueue[P](opts.ItemsInBucket, opts.Inputs),
	}
}

// Init allocates max(minBuckets, 1, existing) buckets with ids 0..n-1, where
// existing is the registry's current bucket count, and announces every id at
// or beyond existing. Calling Init again discards all tracked messages.
func (s *Storage[P]) Init(ctx context.Context, minBuckets int) error {
	existing, err := s.opts.Registry.CurrentBucketsCount(ctx)
	if err != nil {
		return fmt.Errorf("failed to read current buckets count: %w", err)
	}

	size := max(minBuckets, 1, existing)
	buckets := make([]*Bucket[P], size)
	for i := range buckets {
		b := NewBucket[P](s.opts.ItemsInBucket, s.opts.Inputs)
		b.id = i
		buckets[i] = b

		if i >= existing {
			if err := s.opts.Registry.AddNewBucket(ctx, b.id); err != nil {
				return fmt.Errorf("failed to announce bucket %d: %w", b.id, err)
			}
		}
	}

	s.buckets = buckets
	s.head = 0
	s.size = 0
	s.delay = newDelayQueue[P](s.opts.ItemsInBucket, s.opts.Inputs)
	s.reindex()
	s.observe()

	s.logger.Info("Bucket storage initialized",
		zap.Int("buckets", size),
		zap.Int("existing_buckets", existing),
		zap.Int("items_in_bucket", s.opts.ItemsInBucket))
	return nil
}

// Push places a message into the current bucket, moving to the next free
// bucket or growing the ring when needed. When the ring is at MaxBuckets,
// or earlier messages are still delayed, the message goes to the delay
// queue instead.
func (s *Storage[P]) Push(ctx context.Context, m *MessageInfo[P]) (PushResult, error) {
	if s.buckets == nil {
		return PushResult{}, ErrNotInitialized
	}

	if s.delay.Len() == 0 {
		b, ok := s.landing()
		if !ok {
			grown, err := s.expand(ctx)
			if err != nil {
				return PushResult{}, err
			}
			if grown {
				b, ok = s.landing()
			}
		}
		if ok {
			id, err := b.Add(m)
			if err != nil {
				return PushResult{}, err
			}
			s.observe()
			return PushResult{BucketID: b.id, MessageID: id}, nil
		}
	}

	id, err := s.delay.push(m)
	if err != nil {
		return PushResult{}, err
	}
	s.observe()
	return PushResult{BucketID: -1, MessageID: id, Delayed: true}, nil
}

// PushTo adds a message directly to a known bucket.
func (s *Storage[P]) PushTo(bucketID int, m *MessageInfo[P]) (int, error) {
	b, err := s.Find(bucketID)
	if err != nil {
		return -1, err
	}
	return b.Add(m)
}

// landing returns the bucket new messages go to, extending the live run
// into spare capacity when the tail is full.
func (s *Storage[P]) landing() (*Bucket[P], bool) {
	if s.size == 0 {
		s.size = 1
		return s.buckets[s.head], true
	}
	if tail := s.buckets[s.tail()]; tail.HavePlace() {
		return tail, true
	}
	if s.size < len(s.buckets) {
		s.size++
		return s.buckets[s.tail()], true
	}
	return nil, false
}

// expand inserts a new bucket right after the tail. It reports false when
// MaxBuckets is reached.
func (s *Storage[P]) expand(ctx context.Context) (bool, error) {
	if s.opts.MaxBuckets > 0 && len(s.buckets) >= s.opts.MaxBuckets {
		return false, nil
	}

	b := NewBucket[P](s.opts.ItemsInBucket, s.opts.Inputs)
	b.id = len(s.buckets)
	if err := s.opts.Registry.AddNewBucket(ctx, b.id); err != nil {
		return false, fmt.Errorf("failed to announce bucket %d: %w", b.id, err)
	}

	pos := s.tail() + 1
	s.buckets = slices.Insert(s.buckets, pos, b)
	if s.head >= pos {
		s.head++
	}
	s.reindex()

	s.logger.Debug("Bucket storage expanded",
		zap.Int("bucket_id", b.id),
		zap.Int("buckets", len(s.buckets)))
	return true, nil
}

func (s *Storage[P]) reindex() {
	s.slots = slices.Grow(s.slots[:0], len(s.buckets))[:len(s.buckets)]
	for pos, b := range s.buckets {
		s.slots[b.id] = pos
	}
}

func (s *Storage[P]) tail() int {
	return advance(s.head, s.size-1, len(s.buckets))
}

// slot returns the position of the i-th bucket counted from head.
func (s *Storage[P]) slot(i int) int {
	return advance(s.head, i, len(s.buckets))
}

// Find returns the ring bucket with the given id.
func (s *Storage[P]) Find(bucketID int) (*Bucket[P], error) {
	if bucketID < 0 || bucketID >= len(s.slots) {
		return nil, fmt.Errorf("%w: %d", ErrBucketNotFound, bucketID)
	}
	return s.buckets[s.slots[bucketID]], nil
}

// SetOffset records an offset for a message. The returned flag asks the
// caller to stop consuming: it is true when the run of buckets waiting only
// for completion has reached InFlyLimit.
func (s *Storage[P]) SetOffset(bucketID, messageID, input int, offset broker.Offset) (bool, error) {
	b, err := s.Find(bucketID)
	if err != nil {
		return false, err
	}
	if err := b.SetOffset(messageID, input, offset); err != nil {
		return false, err
	}
	if s.opts.InFlyLimit > 0 && s.size >= s.opts.InFlyLimit {
		return s.OnlyWait(), nil
	}
	return false, nil
}

// Finish marks a message complete, optionally recording its full offset vector.
func (s *Storage[P]) Finish(bucketID, messageID int, offsets []broker.Offset) (*MessageInfo[P], error) {
	b, err := s.Find(bucketID)
	if err != nil {
		return nil, err
	}
	return b.Finish(messageID, offsets)
}

// Pop releases the head bucket, which must be b. If overflow messages are
// waiting, the oldest delay bucket is admitted into the ring.
func (s *Storage[P]) Pop(b *Bucket[P]) (PopResult[P], error) {
	if s.size == 0 || s.buckets[s.head] != b {
		return PopResult[P]{}, ErrInvalidPop
	}
	return s.popHead(), nil
}

// TryPop releases the head bucket when it can be freed.
func (s *Storage[P]) TryPop() (PopResult[P], bool) {
	if s.size == 0 || !s.buckets[s.head].CanFree() {
		return PopResult[P]{BucketID: -1, AdmittedBucketID: -1}, false
	}
	return s.popHead(), true
}

func (s *Storage[P]) popHead() PopResult[P] {
	head := s.buckets[s.head]
	res := PopResult[P]{
		BucketID:         head.id,
		Messages:         head.Reset(),
		AdmittedBucketID: -1,
	}
	s.head = next(s.head, len(s.buckets))
	s.size--

	if d, ok := s.delay.pop(); ok {
		s.size++
		slot := s.buckets[s.tail()]
		slot.adopt(d)
		res.AdmittedBucketID = slot.id
		res.Admitted = slot.Messages()

		s.logger.Debug("Delayed bucket admitted",
			zap.Int("bucket_id", slot.id),
			zap.Int("messages", len(res.Admitted)),
			zap.Int("delayed_buckets", s.delay.Len()))
	}

	s.opts.Metrics.Freed()
	s.observe()
	return res
}

// Validate checks that the ring has no holes: every live bucket but the last
// is full and every spare bucket is empty.
func (s *Storage[P]) Validate() error {
	for i := range s.buckets {
		b := s.buckets[s.slot(i)]
		switch {
		case i < s.size-1 && !b.IsFull():
			return fmt.Errorf("%w: live bucket %d is not full", ErrStorageFragmented, b.id)
		case i >= s.size && !b.IsEmpty():
			return fmt.Errorf("%w: spare bucket %d holds messages", ErrStorageFragmented, b.id)
		}
	}
	return nil
}

// Len is the number of live buckets.
func (s *Storage[P]) Len() int {
	return s.size
}

// Cap is the number of allocated ring buckets.
func (s *Storage[P]) Cap() int {
	return len(s.buckets)
}

// Delayed is the number of messages waiting in the delay queue.
func (s *Storage[P]) Delayed() int {
	return s.delay.messages
}

// Head returns the oldest live bucket, or nil when the ring is empty.
func (s *Storage[P]) Head() *Bucket[P] {
	if s.size == 0 {
		return nil
	}
	return s.buckets[s.head]
}

// View returns a window over the live buckets positioned at the tail.
func (s *Storage[P]) View() *View[P] {
	if s.size == 0 {
		return nil
	}
	tail := s.tail()
	return NewView(s.buckets, s.head, tail, tail, s.size)
}

func (s *Storage[P]) observe() {
	s.opts.Metrics.Observe(len(s.buckets), s.size, s.delay.Len())
}
