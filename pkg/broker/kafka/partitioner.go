package kafka

import (
	"context"

	"github.com/twmb/franz-go/pkg/kgo"
)

type explicitPartitionKey struct{}

func withExplicitPartition(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, explicitPartitionKey{}, true)
}

func isExplicit(r *kgo.Record) bool {
	if r.Context == nil {
		return false
	}
	explicit, _ := r.Context.Value(explicitPartitionKey{}).(bool)
	return explicit
}

// explicitPartitioner keeps the partition of records addressed to an
// explicit topic partition and hands every other record to fallback.
type explicitPartitioner struct {
	fallback kgo.Partitioner
}

func newPartitioner() kgo.Partitioner {
	return explicitPartitioner{fallback: kgo.StickyKeyPartitioner(nil)}
}

func (p explicitPartitioner) ForTopic(topic string) kgo.TopicPartitioner {
	return &explicitTopicPartitioner{fallback: p.fallback.ForTopic(topic)}
}

type explicitTopicPartitioner struct {
	fallback kgo.TopicPartitioner
}

func (p *explicitTopicPartitioner) RequiresConsistency(r *kgo.Record) bool {
	return isExplicit(r) || p.fallback.RequiresConsistency(r)
}

func (p *explicitTopicPartitioner) Partition(r *kgo.Record, n int) int {
	if isExplicit(r) {
		return int(r.Partition)
	}
	return p.fallback.Partition(r, n)
}

func (p *explicitTopicPartitioner) OnNewBatch() {
	if nb, ok := p.fallback.(kgo.TopicPartitionerOnNewBatch); ok {
		nb.OnNewBatch()
	}
}
