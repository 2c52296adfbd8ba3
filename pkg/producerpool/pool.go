// Package producerpool batches outbound messages into broker transactions.
// Every transactional id gets a dedicated routine; all routines drain one
// shared queue, so ordering is kept only inside a single transaction.
package producerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tnewman/kafka-exchanger/pkg/broker"
	"github.com/tnewman/kafka-exchanger/pkg/metrics"

	"go.uber.org/zap"
)

const (
	defaultMessagesInTransaction = 100
	defaultLinger                = time.Millisecond
	defaultRetryBackoff          = 100 * time.Millisecond
	maxRetryBackoff              = 5 * time.Second
)

var (
	// ErrCanceled is returned for messages dropped by Close before they were
	// committed. Nothing of them is visible on the broker.
	ErrCanceled = fmt.Errorf("producer pool: produce canceled: %w", context.Canceled)
	// ErrClosed is returned by Produce after Close.
	ErrClosed = errors.New("producer pool: closed")

	ErrNoTransactionalIDs = errors.New("producer pool: no transactional ids")
)

// Options configures a Pool.
type Options struct {
	// MessagesInTransaction caps the size of one transaction. Defaults to 100.
	MessagesInTransaction int
	// Linger is how long a routine keeps collecting a batch after its first
	// message. Defaults to 1ms.
	Linger time.Duration
	// RetryBackoff is the initial delay before a failed session is created
	// again. Defaults to 100ms and doubles up to 5s.
	RetryBackoff time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Pool
}

// Pool sends messages through a set of transactional sessions.
type Pool struct {
	opts    Options
	logger  *zap.Logger
	factory broker.TxnSessionFactory
	queue   *entryQueue

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New starts one routine per transactional id. Sessions are created by
// factory inside the routines, so New does not wait for the broker.
func New(transactionalIDs []string, factory broker.TxnSessionFactory, opts Options) (*Pool, error) {
	if len(transactionalIDs) == 0 {
		return nil, ErrNoTransactionalIDs
	}
	if opts.MessagesInTransaction <= 0 {
		opts.MessagesInTransaction = defaultMessagesInTransaction
	}
	if opts.Linger <= 0 {
		opts.Linger = defaultLinger
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		opts:    opts,
		logger:  logger,
		factory: factory,
		queue:   newEntryQueue(),
		cancel:  cancel,
	}
	for _, id := range transactionalIDs {
		p.wg.Add(1)
		go p.run(ctx, id)
	}

	logger.Info("Producer pool started",
		zap.Strings("transactional_ids", transactionalIDs),
		zap.Int("messages_in_transaction", opts.MessagesInTransaction),
		zap.Duration("linger", opts.Linger))
	return p, nil
}

// Produce enqueues message and waits until the transaction holding it is
// committed. If ctx ends first, ctx.Err() is returned and the message may
// still be committed later.
func (p *Pool) Produce(ctx context.Context, dest broker.Destination, message *broker.Message) error {
	e := newEntry(dest, message)
	if err := p.queue.push(e); err != nil {
		return err
	}
	p.opts.Metrics.Queued(1)

	select {
	case err := <-e.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting messages, lets running transactions commit or abort,
// and cancels everything still queued.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		p.queue.close()
		p.cancel()
		p.wg.Wait()

		left := p.queue.drain()
		p.opts.Metrics.Queued(-len(left))
		for _, e := range left {
			e.resolve(ErrCanceled)
		}
		p.logger.Info("Producer pool stopped", zap.Int("canceled", len(left)))
	})
	return nil
}

func (p *Pool) run(ctx context.Context, id string) {
	defer p.wg.Done()
	logger := p.logger.With(zap.String("transactional_id", id))
	backoff := p.opts.RetryBackoff

	for {
		session, err := p.factory(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("Failed to initialize transactional session, retrying",
				zap.Error(err),
				zap.Duration("backoff", backoff))
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxRetryBackoff)
			continue
		}
		backoff = p.opts.RetryBackoff
		logger.Debug("Transactional session ready")

		err = p.serve(ctx, logger, session)
		if cerr := session.Close(); cerr != nil {
			logger.Warn("Failed to close transactional session", zap.Error(cerr))
		}
		if err == nil {
			return
		}

		logger.Error("Transactional session failed, recreating", zap.Error(err))
		if !sleep(ctx, backoff) {
			return
		}
	}
}

// serve runs transactions until ctx is done (nil) or the session breaks.
func (p *Pool) serve(ctx context.Context, logger *zap.Logger, session broker.TxnSession) error {
	for {
		batch := p.collect(ctx)
		if len(batch) == 0 {
			return nil
		}
		if ctx.Err() != nil {
			p.cancelBatch(batch)
			return nil
		}
		if err := p.transact(ctx, logger, session, batch); err != nil {
			return err
		}
	}
}

// collect waits for the first entry, then keeps taking entries until the
// batch is full or Linger has passed.
func (p *Pool) collect(ctx context.Context) []*entry {
	var batch []*entry
	for len(batch) == 0 {
		if e, ok := p.take(); ok {
			batch = append(batch, e)
			break
		}
		select {
		case <-p.queue.notify:
		case <-ctx.Done():
			return nil
		}
	}

	linger := time.NewTimer(p.opts.Linger)
	defer linger.Stop()
	for len(batch) < p.opts.MessagesInTransaction {
		if e, ok := p.take(); ok {
			batch = append(batch, e)
			continue
		}
		select {
		case <-p.queue.notify:
		case <-linger.C:
			return batch
		case <-ctx.Done():
			return batch
		}
	}
	return batch
}

func (p *Pool) take() (*entry, bool) {
	e, ok := p.queue.pop()
	if ok {
		p.opts.Metrics.Queued(-1)
	}
	return e, ok
}

// transact commits batch in one transaction. It resolves every entry and
// returns an error only when the session can not be used any more.
//
// Begin -> Produce* -> Commit, retrying Commit alone on retriable errors
// and replaying the whole batch after an abort.
func (p *Pool) transact(ctx context.Context, logger *zap.Logger, session broker.TxnSession, batch []*entry) error {
	// a started transaction is finished even during shutdown
	txnCtx := context.WithoutCancel(ctx)

	for attempt := 1; ; attempt++ {
		if err := session.Begin(); err != nil {
			p.failBatch(batch, err)
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		err := p.send(txnCtx, session, batch)
		if err == nil {
			err = p.commit(ctx, txnCtx, session)
		}

		switch {
		case err == nil:
			p.opts.Metrics.Committed(len(batch))
			for _, e := range batch {
				e.resolve(nil)
			}
			logger.Debug("Transaction committed",
				zap.Int("messages", len(batch)),
				zap.Int("attempt", attempt))
			return nil

		case errors.Is(err, ErrCanceled):
			abortErr := session.Abort(txnCtx)
			p.opts.Metrics.Aborted()
			p.cancelBatch(batch)
			if abortErr != nil {
				return fmt.Errorf("failed to abort transaction: %w", abortErr)
			}
			return nil

		case broker.RequiresAbort(err):
			logger.Warn("Transaction requires abort, replaying batch",
				zap.Error(err),
				zap.Int("messages", len(batch)),
				zap.Int("attempt", attempt))
			if abortErr := session.Abort(txnCtx); abortErr != nil {
				p.failBatch(batch, abortErr)
				return fmt.Errorf("failed to abort transaction: %w", abortErr)
			}
			p.opts.Metrics.Aborted()
			if ctx.Err() != nil {
				p.cancelBatch(batch)
				return nil
			}

		default:
			if abortErr := session.Abort(txnCtx); abortErr != nil {
				logger.Warn("Failed to abort broken transaction", zap.Error(abortErr))
			}
			p.failBatch(batch, err)
			return err
		}
	}
}

func (p *Pool) send(ctx context.Context, session broker.TxnSession, batch []*entry) error {
	for _, e := range batch {
		if err := session.Produce(ctx, e.dest, e.message); err != nil {
			return fmt.Errorf("failed to produce to %s: %w", e.dest, err)
		}
	}
	return nil
}

// commit retries retriable commit errors for as long as the pool is open.
func (p *Pool) commit(ctx, txnCtx context.Context, session broker.TxnSession) error {
	for {
		err := session.Commit(txnCtx)
		if err == nil || !broker.IsRetriable(err) {
			return err
		}
		p.opts.Metrics.Retried()
		if ctx.Err() != nil {
			return ErrCanceled
		}
	}
}

func (p *Pool) failBatch(batch []*entry, err error) {
	p.opts.Metrics.Failed()
	for _, e := range batch {
		e.resolve(err)
	}
}

func (p *Pool) cancelBatch(batch []*entry) {
	for _, e := range batch {
		e.resolve(ErrCanceled)
	}
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
