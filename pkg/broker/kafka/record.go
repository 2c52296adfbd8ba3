package kafka

import (
	"context"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/tnewman/kafka-exchanger/pkg/broker"
)

func toRecord(ctx context.Context, dest broker.Destination, message *broker.Message) *kgo.Record {
	record := &kgo.Record{
		Topic: dest.Topic,
		Key:   message.Key,
		Value: message.Value,
	}
	if dest.Explicit {
		record.Partition = dest.Partition
		record.Context = withExplicitPartition(ctx)
	}

	if len(message.Headers) > 0 {
		record.Headers = make([]kgo.RecordHeader, len(message.Headers))
		for i, h := range message.Headers {
			record.Headers[i] = kgo.RecordHeader{Key: h.Key, Value: h.Value}
		}
	}
	return record
}

func fromRecord(record *kgo.Record) *broker.Message {
	msg := &broker.Message{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
	}
	if len(record.Headers) > 0 {
		msg.Headers = make([]broker.Header, len(record.Headers))
		for i, h := range record.Headers {
			msg.Headers[i] = broker.Header{Key: h.Key, Value: h.Value}
		}
	}
	return msg
}
