package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ledgerbot/internal/core"
	"ledgerbot/internal/ledger"
	"ledgerbot/internal/log"
	"ledgerbot/internal/ratelimit"
	"ledgerbot/internal/sheets"
)

// ErrRetriesExhausted is returned when an op kept failing with retryable
// errors for MaxAttempts attempts. The op stays at the head of the queue.
var ErrRetriesExhausted = errors.New("sync retries exhausted")

// Notifier is told about every op the store has applied.
type Notifier interface {
	Notify(ctx context.Context, op ledger.Op) error
}

type Config struct {
	// MaxAttempts bounds the attempts per op in one round (default: 5)
	MaxAttempts int
	// RetryPause is how long the worker rests after a round is exhausted (default: 30s)
	RetryPause time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		RetryPause:  30 * time.Second,
	}
}

// SyncWorker drains the ledger's persist queue into the store, one op at a
// time in FIFO order, through the rate limiter.
type SyncWorker struct {
	cache    *ledger.Cache
	store    sheets.TransactionStore
	limiter  *ratelimit.Limiter
	notifier Notifier
	config   Config
	logger   *log.Logger

	mu      sync.Mutex
	running bool
}

func NewSyncWorker(cache *ledger.Cache, store sheets.TransactionStore, limiter *ratelimit.Limiter, config Config, logger *log.Logger) *SyncWorker {
	def := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.RetryPause < 0 {
		config.RetryPause = def.RetryPause
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &SyncWorker{
		cache:   cache,
		store:   store,
		limiter: limiter,
		config:  config,
		logger:  logger.WithComponent(log.ComponentWorker),
	}
}

// WithNotifier sets the notifier called after each applied op.
func (w *SyncWorker) WithNotifier(n Notifier) *SyncWorker {
	w.notifier = n
	return w
}

// IsRunning returns whether Run is currently draining the queue
func (w *SyncWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Run drains the queue until ctx is done. Only one Run may be active.
func (w *SyncWorker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("sync worker is already running")
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	w.logger.InfoContext(ctx, "Sync worker started",
		"max_attempts", w.config.MaxAttempts,
		"retry_pause", w.config.RetryPause.String())

	queue := w.cache.Queue()
	for {
		op, err := queue.Peek(ctx)
		if err != nil {
			w.logger.InfoContext(ctx, "Sync worker stopped", log.FieldPending, queue.Len())
			return nil
		}
		if err := w.process(ctx, op); err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.ErrorContext(ctx, "Sync round failed, pausing",
				log.FieldOpID, op.ID,
				log.FieldError, err.Error(),
				log.FieldPending, queue.Len())
			select {
			case <-time.After(w.config.RetryPause):
			case <-ctx.Done():
			}
		}
	}
}

// Flush blocks until the queue is empty. When Run is active it waits for
// Run to drain the queue; otherwise it drains the queue itself and returns
// the first exhausted op's error.
func (w *SyncWorker) Flush(ctx context.Context) error {
	queue := w.cache.Queue()
	if w.IsRunning() {
		return queue.WaitEmpty(ctx)
	}
	for queue.Len() > 0 {
		op, err := queue.Peek(ctx)
		if err != nil {
			return err
		}
		if err := w.process(ctx, op); err != nil {
			return err
		}
	}
	return nil
}

// process applies op with up to MaxAttempts attempts. The op leaves the
// queue when the store applied it or rejected it for good.
func (w *SyncWorker) process(ctx context.Context, op ledger.Op) error {
	var lastErr error
	for attempt := 1; attempt <= w.config.MaxAttempts; attempt++ {
		err := w.limiter.Call(ctx, func(ctx context.Context) error {
			return w.apply(ctx, op)
		})
		if err == nil {
			w.settle(ctx, op, nil)
			w.logger.DebugContext(ctx, "Op synced",
				log.FieldOpID, op.ID,
				log.FieldOperation, string(op.Kind),
				log.FieldTxnID, op.Txn.ID,
				log.FieldAttempt, attempt)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if op.Kind == ledger.OpAppend && errors.Is(err, core.ErrConflict) {
			// Another writer owns the id: move to a free one and try again.
			moved, rerr := w.cache.Reassign(ctx, op)
			if rerr != nil {
				lastErr = rerr
				w.logger.WarnContext(ctx, "Id reassignment failed, retrying",
					log.FieldOpID, op.ID,
					log.FieldTxnID, op.Txn.ID,
					log.FieldAttempt, attempt,
					log.FieldError, rerr.Error())
				continue
			}
			op = moved
			continue
		}
		if !core.IsRetryable(err) {
			w.settle(ctx, op, err)
			w.logger.ErrorContext(ctx, "Op rejected by store, dropped",
				log.FieldOpID, op.ID,
				log.FieldOperation, string(op.Kind),
				log.FieldTxnID, op.Txn.ID,
				log.FieldError, err.Error())
			return nil
		}
		lastErr = err
		w.logger.WarnContext(ctx, "Op sync failed, retrying",
			log.FieldOpID, op.ID,
			log.FieldTxnID, op.Txn.ID,
			log.FieldAttempt, attempt,
			log.FieldError, err.Error())
	}
	w.cache.ReportSyncFailure(lastErr)
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, w.config.MaxAttempts, lastErr)
}

func (w *SyncWorker) apply(ctx context.Context, op ledger.Op) error {
	switch op.Kind {
	case ledger.OpAppend:
		_, err := w.store.Append(ctx, op.Txn)
		return err
	case ledger.OpRecategorize:
		return w.store.UpdateCategory(ctx, op.Txn.ID, op.Txn.Category)
	}
	return fmt.Errorf("unknown operation: %s", op.Kind)
}

func (w *SyncWorker) settle(ctx context.Context, op ledger.Op, err error) {
	w.cache.Queue().Pop(op.ID)
	w.cache.Confirm(op, err)
	if err != nil || w.notifier == nil {
		return
	}
	if nerr := w.notifier.Notify(ctx, op); nerr != nil {
		w.logger.WarnContext(ctx, "Failed to publish ledger event",
			log.FieldOpID, op.ID,
			log.FieldError, nerr.Error())
	}
}
