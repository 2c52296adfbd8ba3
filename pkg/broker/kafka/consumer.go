package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.uber.org/zap"

	"github.com/tnewman/kafka-exchanger/pkg/broker"
)

const (
	maxCommitRetries   = 3
	initialCommitDelay = 100 * time.Millisecond
)

// ErrConsumerClosed is returned by PollMessages once the client is closed.
var ErrConsumerClosed = errors.New("kafka: consumer closed")

// ConsumerConfig configures a group consumer with manual offset commits.
type ConsumerConfig struct {
	SeedBrokers []string
	Topics      []string
	Group       string
	// Configure may adjust the client options before the client is built.
	Configure func([]kgo.Opt) []kgo.Opt
}

// Consumer implements the broker.Consumer interface for Kafka. Only records
// of committed transactions are returned.
type Consumer struct {
	client *kgo.Client
	logger *zap.Logger
}

var _ broker.Consumer = (*Consumer)(nil)

// NewConsumer creates a new Kafka consumer.
func NewConsumer(cfg ConsumerConfig, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.SeedBrokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.WithLogger(newKgoLogger(logger)),
		kgo.DisableAutoCommit(),
	}
	if cfg.Configure != nil {
		opts = cfg.Configure(opts)
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Consumer{
		client: client,
		logger: logger.With(zap.String("group", cfg.Group)),
	}, nil
}

// PollMessages polls for new messages from Kafka. Records fetched alongside
// a partition error are still returned with the first error.
func (c *Consumer) PollMessages(ctx context.Context) ([]*broker.Message, error) {
	fetches := c.client.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, ErrConsumerClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var pollErr error
	fetches.EachError(func(topic string, partition int32, err error) {
		c.logger.Error("Error polling Kafka record",
			zap.Error(err),
			zap.String("topic", topic),
			zap.Int32("partition", partition))
		if pollErr == nil {
			pollErr = fmt.Errorf("fetch %s-%d: %w", topic, partition, err)
		}
	})

	messages := make([]*broker.Message, 0, fetches.NumRecords())
	fetches.EachRecord(func(record *kgo.Record) {
		messages = append(messages, fromRecord(record))
	})
	return messages, pollErr
}

// CommitOffsets commits next-to-read offsets for the group, retrying with
// exponential backoff.
func (c *Consumer) CommitOffsets(ctx context.Context, offsets []broker.Offset) error {
	if len(offsets) == 0 {
		return nil
	}

	toCommit := make(map[string]map[int32]kgo.EpochOffset)
	for _, off := range offsets {
		partitions, ok := toCommit[off.Topic]
		if !ok {
			partitions = make(map[int32]kgo.EpochOffset)
			toCommit[off.Topic] = partitions
		}
		partitions[off.Partition] = kgo.EpochOffset{Offset: off.Offset, Epoch: -1}
	}

	retryDelay := initialCommitDelay
	var commitErr error
	for i := 0; i < maxCommitRetries; i++ {
		commitErr = c.commit(ctx, toCommit)
		if commitErr == nil {
			c.logger.Debug("Successfully committed Kafka offsets", zap.Any("offsets", toCommit))
			return nil
		}

		c.logger.Error("Failed to commit Kafka offsets",
			zap.Error(commitErr),
			zap.Int("attempt", i+1),
			zap.Any("offsets", toCommit))
		if i == maxCommitRetries-1 {
			break
		}
		select {
		case <-time.After(retryDelay):
			retryDelay *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("failed to commit offsets after %d attempts: %w", maxCommitRetries, commitErr)
}

func (c *Consumer) commit(ctx context.Context, offsets map[string]map[int32]kgo.EpochOffset) error {
	done := make(chan struct{})
	var commitErr error

	c.client.CommitOffsets(ctx, offsets, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
		defer close(done)
		if err != nil {
			commitErr = err
			return
		}
		var errs []error
		for _, t := range resp.Topics {
			for _, p := range t.Partitions {
				if perr := kerr.ErrorForCode(p.ErrorCode); perr != nil {
					errs = append(errs, fmt.Errorf("commit failed for %s-%d: %w", t.Topic, p.Partition, perr))
				}
			}
		}
		commitErr = errors.Join(errs...)
	})
	<-done
	return commitErr
}

// Pause stops fetching the given partitions.
func (c *Consumer) Pause(partitions ...broker.TopicPartition) {
	if len(partitions) == 0 {
		return
	}
	c.client.PauseFetchPartitions(byTopic(partitions))
	for _, tp := range partitions {
		c.logger.Info("Kafka partition paused",
			zap.String("topic", tp.Topic),
			zap.Int32("partition", tp.Partition))
	}
}

// Resume restarts fetching of paused partitions.
func (c *Consumer) Resume(partitions ...broker.TopicPartition) {
	if len(partitions) == 0 {
		return
	}
	c.client.ResumeFetchPartitions(byTopic(partitions))
	for _, tp := range partitions {
		c.logger.Info("Kafka partition resumed",
			zap.String("topic", tp.Topic),
			zap.Int32("partition", tp.Partition))
	}
}

func byTopic(partitions []broker.TopicPartition) map[string][]int32 {
	out := make(map[string][]int32)
	for _, tp := range partitions {
		out[tp.Topic] = append(out[tp.Topic], tp.Partition)
	}
	return out
}

// Close shuts down the Kafka consumer.
func (c *Consumer) Close() error {
	c.client.Close()
	return nil
}
