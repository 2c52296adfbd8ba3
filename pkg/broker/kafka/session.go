package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/tnewman/kafka-exchanger/pkg/broker"
)

const (
	defaultTransactionTimeout = 5 * time.Second
	defaultInitTimeout        = 60 * time.Second
)

// SessionConfig configures the transactional producers of a pool.
type SessionConfig struct {
	SeedBrokers []string
	// TransactionTimeout is sent to the coordinator. Defaults to 5s.
	TransactionTimeout time.Duration
	// InitTimeout bounds the initial connection. Defaults to 60s.
	InitTimeout time.Duration
	// Configure may adjust the client options before the client is built.
	Configure func([]kgo.Opt) []kgo.Opt
}

// Session is a transactional Kafka producer bound to one transactional id.
type Session struct {
	client *kgo.Client
	logger *zap.Logger
	id     string

	inTxn bool

	mu          sync.Mutex
	produceErrs []error
}

var _ broker.TxnSession = (*Session)(nil)

// NewSessionFactory returns a factory creating one Session per
// transactional id.
func NewSessionFactory(cfg SessionConfig, logger *zap.Logger) broker.TxnSessionFactory {
	return func(ctx context.Context, transactionalID string) (broker.TxnSession, error) {
		return NewSession(ctx, cfg, transactionalID, logger)
	}
}

// NewSession creates the client and waits until the cluster is reachable.
func NewSession(ctx context.Context, cfg SessionConfig, transactionalID string, logger *zap.Logger) (*Session, error) {
	if cfg.TransactionTimeout <= 0 {
		cfg.TransactionTimeout = defaultTransactionTimeout
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = defaultInitTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("transactional_id", transactionalID))

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.SeedBrokers...),
		kgo.TransactionalID(transactionalID),
		kgo.TransactionTimeout(cfg.TransactionTimeout),
		kgo.RecordPartitioner(newPartitioner()),
		kgo.WithLogger(newKgoLogger(logger)),
	}
	if cfg.Configure != nil {
		opts = cfg.Configure(opts)
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, cfg.InitTimeout)
	defer cancel()
	if err := client.Ping(initCtx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach kafka within %s: %w", cfg.InitTimeout, err)
	}

	logger.Info("Kafka transactional session initialized")
	return &Session{client: client, logger: logger, id: transactionalID}, nil
}

func (s *Session) Begin() error {
	if err := s.client.BeginTransaction(); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	s.inTxn = true
	s.takeProduceErr()
	return nil
}

// Produce buffers the record. Delivery errors are reported by Commit.
func (s *Session) Produce(ctx context.Context, dest broker.Destination, message *broker.Message) error {
	s.client.Produce(ctx, toRecord(ctx, dest, message), s.promise)
	return nil
}

func (s *Session) promise(r *kgo.Record, err error) {
	if err == nil {
		return
	}
	s.logger.Error("Failed to produce message to Kafka",
		zap.Error(err),
		zap.String("topic", r.Topic),
		zap.Int32("partition", r.Partition))

	s.mu.Lock()
	s.produceErrs = append(s.produceErrs, err)
	s.mu.Unlock()
}

func (s *Session) takeProduceErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := errors.Join(s.produceErrs...)
	s.produceErrs = nil
	return err
}

// Commit flushes buffered records and commits. franz-go leaves the
// transaction once EndTransaction is called, so every failure requires an
// abort, except a fenced producer which can only be replaced.
func (s *Session) Commit(ctx context.Context) error {
	if err := s.client.Flush(ctx); err != nil {
		return s.classify(fmt.Errorf("failed to flush transaction: %w", err))
	}
	if err := s.takeProduceErr(); err != nil {
		return s.classify(err)
	}

	s.inTxn = false
	if err := s.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return s.classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func (s *Session) classify(err error) error {
	if fenced(err) {
		return fmt.Errorf("producer %s is fenced: %w", s.id, err)
	}
	s.logger.Warn("Kafka transaction failed",
		zap.Error(err),
		zap.Bool("retriable", kerr.IsRetriable(err)))
	return fmt.Errorf("%w: %w", broker.ErrTxnRequiresAbort, err)
}

func fenced(err error) bool {
	return errors.Is(err, kerr.ProducerFenced) ||
		errors.Is(err, kerr.InvalidProducerEpoch) ||
		errors.Is(err, kerr.TransactionalIDAuthorizationFailed)
}

// Abort drops buffered records and aborts the open transaction, if any.
func (s *Session) Abort(ctx context.Context) error {
	if err := s.client.AbortBufferedRecords(ctx); err != nil {
		return fmt.Errorf("failed to abort buffered records: %w", err)
	}
	s.takeProduceErr()

	if !s.inTxn {
		return nil
	}
	s.inTxn = false
	if err := s.client.EndTransaction(ctx, kgo.TryAbort); err != nil {
		return fmt.Errorf("failed to abort transaction: %w", err)
	}
	return nil
}

func (s *Session) Close() error {
	s.client.Close()
	return nil
}
