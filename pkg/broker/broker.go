package broker

import (
	"context"
	"errors"
	"fmt"
)

// Header represents a single key-value pair in a message header.
type Header struct {
	Key   string
	Value []byte
}

// TopicPartition identifies one partition of a topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition)
}

// Offset is a position inside a single topic partition.
type Offset struct {
	TopicPartition
	Offset int64
}

// Message is a broker-agnostic representation of a message.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []Header
}

// Position returns where the message was read from.
func (m *Message) Position() Offset {
	return Offset{
		TopicPartition: TopicPartition{Topic: m.Topic, Partition: m.Partition},
		Offset:         m.Offset,
	}
}

// Destination is where an outbound message is written: either a topic,
// leaving partition choice to the client, or an explicit topic partition.
type Destination struct {
	Topic     string
	Partition int32
	Explicit  bool
}

// ToTopic addresses a topic by name.
func ToTopic(topic string) Destination {
	return Destination{Topic: topic}
}

// ToPartition addresses an explicit topic partition.
func ToPartition(tp TopicPartition) Destination {
	return Destination{Topic: tp.Topic, Partition: tp.Partition, Explicit: true}
}

func (d Destination) String() string {
	if d.Explicit {
		return fmt.Sprintf("%s-%d", d.Topic, d.Partition)
	}
	return d.Topic
}

var (
	// ErrRetriable marks a commit failure that may be retried without
	// re-issuing the sends of the transaction.
	ErrRetriable = errors.New("broker: retriable transaction error")
	// ErrTxnRequiresAbort marks a transaction that must be aborted and
	// replayed from BeginTransaction.
	ErrTxnRequiresAbort = errors.New("broker: transaction requires abort")
)

// IsRetriable reports whether err allows a commit to be re-attempted.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrRetriable)
}

// RequiresAbort reports whether err demands an abort of the transaction.
func RequiresAbort(err error) bool {
	return errors.Is(err, ErrTxnRequiresAbort)
}

// TxnSession is a single transactional producer identity.
// A session is used by exactly one goroutine.
type TxnSession interface {
	// Begin starts a new transaction.
	Begin() error
	// Produce buffers a send inside the current transaction.
	Produce(ctx context.Context, dest Destination, message *Message) error
	// Commit commits the current transaction. The returned error may wrap
	// ErrRetriable or ErrTxnRequiresAbort.
	Commit(ctx context.Context) error
	// Abort aborts the current transaction and drops buffered sends.
	Abort(ctx context.Context) error
	Close() error
}

// TxnSessionFactory creates and initializes a session for a transactional id.
type TxnSessionFactory func(ctx context.Context, transactionalID string) (TxnSession, error)

// Consumer is the interface for consuming messages from a broker with
// manually committed offsets.
type Consumer interface {
	// PollMessages polls for new messages from the broker.
	PollMessages(ctx context.Context) ([]*Message, error)

	// CommitOffsets commits the given next-to-read offsets.
	CommitOffsets(ctx context.Context, offsets []Offset) error

	// Pause stops fetching the given partitions until Resume.
	Pause(partitions ...TopicPartition)
	// Resume restarts fetching of paused partitions.
	Resume(partitions ...TopicPartition)

	Close() error
}
