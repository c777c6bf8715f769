// Package ledger keeps the in-process mirror of the transaction store.
//
// Writes land in the Cache immediately and are queued for the store; reads
// are served from immutable snapshots. The store is only reached through the
// rate limiter: the sync worker drains the queue, and refreshes re-read the
// whole table when the mirror is older than the freshness window.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"ledgerbot/internal/core"
	"ledgerbot/internal/log"
	"ledgerbot/internal/ratelimit"
	"ledgerbot/internal/sheets"
)

var (
	// ErrNotLoaded is returned by writes issued before Load succeeded.
	ErrNotLoaded = errors.New("ledger not loaded")

	// ErrRefreshSkipped means no limiter slot was free within RefreshWait.
	ErrRefreshSkipped = errors.New("refresh skipped under rate limit")
)

type Config struct {
	// FreshFor is how long a refresh is trusted. Zero refreshes before every read.
	FreshFor time.Duration
	// RefreshWait bounds how long a read waits for a limiter slot before it
	// is served from the stale mirror. Zero means only take a free slot.
	RefreshWait time.Duration
	Clock       core.Clock
}

func DefaultConfig() Config {
	return Config{
		FreshFor:    2 * time.Minute,
		RefreshWait: 2 * time.Second,
		Clock:       core.SystemClock{},
	}
}

// Cache is safe for concurrent use.
type Cache struct {
	store   sheets.TransactionStore
	limiter *ratelimit.Limiter
	cfg     Config
	logger  *log.Logger
	queue   *Queue
	group   singleflight.Group

	mu      sync.RWMutex
	txns    map[int64]core.Transaction
	nextID  int64
	pending map[int64]int    // unconfirmed ops per transaction
	touched map[int64]uint64 // mutation sequence of the last local write
	seq     uint64
	version uint64
	loaded  bool

	lastRefresh    time.Time
	lastRefreshErr error
	lastSyncErr    error
	lastSyncErrAt  time.Time
}

func New(store sheets.TransactionStore, limiter *ratelimit.Limiter, cfg Config, logger *log.Logger) *Cache {
	if cfg.Clock == nil {
		cfg.Clock = core.SystemClock{}
	}
	if cfg.RefreshWait < 0 {
		cfg.RefreshWait = 0
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &Cache{
		store:   store,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger.WithComponent(log.ComponentLedger),
		queue:   NewQueue(),
		txns:    make(map[int64]core.Transaction),
		nextID:  1,
		pending: make(map[int64]int),
		touched: make(map[int64]uint64),
	}
}

// Queue exposes the persist queue to the sync worker.
func (c *Cache) Queue() *Queue { return c.queue }

// Load performs the initial read of the store. Retryable failures are
// retried through the limiter's backoff until ctx is done.
func (c *Cache) Load(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		c.mu.RLock()
		start := c.seq
		c.mu.RUnlock()

		var rows []core.Transaction
		err := c.limiter.Call(ctx, func(ctx context.Context) error {
			var err error
			rows, err = c.store.ReadAll(ctx)
			return err
		})
		if err == nil {
			c.reconcile(rows, start)
			c.logger.InfoContext(ctx, "Ledger loaded", log.FieldRows, len(rows))
			return nil
		}
		if !core.IsRetryable(err) || ctx.Err() != nil {
			return fmt.Errorf("load ledger: %w", err)
		}
		c.logger.WarnContext(ctx, "Ledger load failed, retrying", log.FieldError, err.Error(), log.FieldAttempt, attempt)
	}
}

// Append assigns the next id and the current timestamp to d, stores it in
// the mirror and queues it for the store.
func (c *Cache) Append(ctx context.Context, d core.Draft) (core.Transaction, error) {
	if err := d.Validate(); err != nil {
		return core.Transaction{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		return core.Transaction{}, ErrNotLoaded
	}

	now := c.cfg.Clock.Now().UTC()
	t := core.Transaction{
		ID:          c.nextID,
		UserID:      d.UserID,
		Kind:        d.Kind,
		Amount:      d.Amount,
		Description: d.Description,
		Category:    d.Category,
		Timestamp:   now,
	}
	c.nextID++
	c.txns[t.ID] = t
	c.markLocal(t.ID)
	c.queue.Push(newOp(OpAppend, t, now))

	c.logger.DebugContext(ctx, "Transaction recorded",
		log.NewFields().WithTransaction(t.ID, t.UserID, string(t.Kind), t.Amount.String(), t.Category).ToSlice()...)
	return t, nil
}

// Recategorize replaces the category of transaction id. An unknown id
// returns core.ErrNotFound and leaves the mirror untouched.
func (c *Cache) Recategorize(ctx context.Context, id int64, category string) (core.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		return core.Transaction{}, ErrNotLoaded
	}

	t, ok := c.txns[id]
	if !ok {
		return core.Transaction{}, fmt.Errorf("transaction %d: %w", id, core.ErrNotFound)
	}
	t.Category = category
	c.txns[id] = t
	c.markLocal(id)
	c.queue.Push(newOp(OpRecategorize, t, c.cfg.Clock.Now().UTC()))

	c.logger.DebugContext(ctx, "Transaction recategorized", log.FieldTxnID, id, log.FieldCategory, category)
	return t, nil
}

// markLocal records an unconfirmed local write. Caller holds mu.
func (c *Cache) markLocal(id int64) {
	c.seq++
	c.touched[id] = c.seq
	c.pending[id]++
	c.version++
}

// Get returns the mirrored transaction with the given id.
func (c *Cache) Get(id int64) (core.Transaction, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.txns[id]
	return t, ok
}

// Refresh re-reads the store if the mirror is stale or force is set.
// Concurrent refreshes share one store read. It returns ErrRefreshSkipped
// when no limiter slot frees up within RefreshWait.
func (c *Cache) Refresh(ctx context.Context, force bool) error {
	if !force && c.fresh() {
		return nil
	}
	ch := c.group.DoChan("refresh", func() (any, error) {
		return nil, c.refresh(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache) refresh(ctx context.Context) error {
	c.mu.RLock()
	start := c.seq
	c.mu.RUnlock()

	var rows []core.Transaction
	ran, err := c.limiter.CallWithin(ctx, c.cfg.RefreshWait, func(ctx context.Context) error {
		var err error
		rows, err = c.store.ReadAll(ctx)
		return err
	})
	if err == nil && !ran {
		err = ErrRefreshSkipped
	}
	if err != nil {
		c.mu.Lock()
		c.lastRefreshErr = err
		c.mu.Unlock()
		c.logger.WarnContext(ctx, "Ledger refresh failed", log.FieldOperation, log.OpRefresh, log.FieldError, err.Error())
		return err
	}
	c.reconcile(rows, start)
	c.logger.DebugContext(ctx, "Ledger refreshed", log.FieldRows, len(rows))
	return nil
}

// reconcile replaces the mirror with the store rows read after mutation
// sequence start. Local rows that still have queued ops, or were written
// after the read began, win over the store copy; local rows missing from the
// store without queued ops are dropped.
func (c *Cache) reconcile(rows []core.Transaction, start uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconcileLocked(rows, start)
}

func (c *Cache) reconcileLocked(rows []core.Transaction, start uint64) {
	keepLocal := func(id int64) bool {
		return c.pending[id] > 0 || c.touched[id] > start
	}

	next := make(map[int64]core.Transaction, len(rows)+len(c.pending))
	for _, r := range rows {
		if local, ok := c.txns[r.ID]; ok && keepLocal(r.ID) {
			next[r.ID] = local
		} else {
			next[r.ID] = r
		}
		if r.ID >= c.nextID {
			c.nextID = r.ID + 1
		}
	}
	for id, local := range c.txns {
		if _, ok := next[id]; !ok && keepLocal(id) {
			next[id] = local
		}
	}
	for id, s := range c.touched {
		if s <= start && c.pending[id] == 0 {
			delete(c.touched, id)
		}
	}

	c.txns = next
	c.loaded = true
	c.lastRefresh = c.cfg.Clock.Now()
	c.lastRefreshErr = nil
	c.version++
}

func (c *Cache) fresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.loaded || c.cfg.FreshFor <= 0 {
		return false
	}
	return c.cfg.Clock.Now().Sub(c.lastRefresh) < c.cfg.FreshFor
}

// Snapshot is an immutable copy of the mirror.
type Snapshot struct {
	Transactions []core.Transaction // ordered by id
	Version      uint64
	TakenAt      time.Time
	RefreshedAt  time.Time
	// Stale is set when the mirror was past its freshness window and the
	// refresh was skipped or failed.
	Stale bool
}

// Snapshot returns the current transactions, refreshing first when the
// mirror is stale. Store trouble does not fail the read; it marks the
// snapshot stale instead.
func (c *Cache) Snapshot(ctx context.Context) (Snapshot, error) {
	var refreshErr error
	if !c.fresh() {
		refreshErr = c.Refresh(ctx, false)
		if refreshErr != nil && ctx.Err() != nil {
			return Snapshot{}, ctx.Err()
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.loaded {
		if refreshErr != nil {
			return Snapshot{}, refreshErr
		}
		return Snapshot{}, ErrNotLoaded
	}
	txns := make([]core.Transaction, 0, len(c.txns))
	for _, t := range c.txns {
		txns = append(txns, t)
	}
	sort.Slice(txns, func(i, j int) bool { return txns[i].ID < txns[j].ID })
	return Snapshot{
		Transactions: txns,
		Version:      c.version,
		TakenAt:      c.cfg.Clock.Now().UTC(),
		RefreshedAt:  c.lastRefresh,
		Stale:        refreshErr != nil,
	}, nil
}

// Confirm settles an op that left the queue. A nil err means the store
// applied it; otherwise it was dropped and the next refresh restores the
// store's copy.
func (c *Cache) Confirm(op Op, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := op.Txn.ID
	if c.pending[id] > 1 {
		c.pending[id]--
	} else {
		delete(c.pending, id)
	}
	if err != nil {
		c.lastSyncErr = err
		c.lastSyncErrAt = c.cfg.Clock.Now()
		return
	}
	c.lastSyncErr = nil
}

// Reassign moves the transaction of an append op that the store rejected
// with core.ErrConflict to a fresh id above every id in the store. The
// store is re-read first, so the row that owns the old id replaces the
// local one in the mirror. Queued ops for the old id follow the
// transaction. It returns op with the new id.
func (c *Cache) Reassign(ctx context.Context, op Op) (Op, error) {
	if op.Kind != OpAppend {
		return op, fmt.Errorf("reassign %s op: only appends claim ids", op.Kind)
	}

	c.mu.RLock()
	start := c.seq
	c.mu.RUnlock()

	var rows []core.Transaction
	err := c.limiter.Call(ctx, func(ctx context.Context) error {
		var err error
		rows, err = c.store.ReadAll(ctx)
		return err
	})
	if err != nil {
		return op, fmt.Errorf("re-read store: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	from := op.Txn.ID
	to := c.nextID
	for _, r := range rows {
		if r.ID >= to {
			to = r.ID + 1
		}
	}
	c.nextID = to + 1

	t, ok := c.txns[from]
	if !ok {
		t = op.Txn
	}
	t.ID = to
	delete(c.txns, from)
	c.txns[to] = t
	if n, ok := c.pending[from]; ok {
		c.pending[to] = n
		delete(c.pending, from)
	}
	if s, ok := c.touched[from]; ok {
		c.touched[to] = s
		delete(c.touched, from)
	}
	c.queue.Retarget(from, to)
	c.reconcileLocked(rows, start)

	c.logger.WarnContext(ctx, "Transaction id taken in store, reassigned",
		log.FieldOpID, op.ID, "from_id", from, "to_id", to)
	op.Txn.ID = to
	return op, nil
}

// ReportSyncFailure records a failure for an op that stays queued.
func (c *Cache) ReportSyncFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSyncErr = err
	c.lastSyncErrAt = c.cfg.Clock.Now()
}

// LastSyncError returns the most recent unresolved sync failure, if any.
func (c *Cache) LastSyncError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSyncErr
}

type Status struct {
	Loaded           bool      `json:"loaded" yaml:"loaded"`
	Transactions     int       `json:"transactions" yaml:"transactions"`
	PendingOps       int       `json:"pending_ops" yaml:"pending_ops"`
	NextID           int64     `json:"next_id" yaml:"next_id"`
	Version          uint64    `json:"version" yaml:"version"`
	LastRefresh      time.Time `json:"last_refresh" yaml:"last_refresh"`
	LastRefreshError string    `json:"last_refresh_error,omitempty" yaml:"last_refresh_error,omitempty"`
	LastSyncError    string    `json:"last_sync_error,omitempty" yaml:"last_sync_error,omitempty"`
	LastSyncErrorAt  time.Time `json:"last_sync_error_at,omitempty" yaml:"last_sync_error_at,omitempty"`
}

func (c *Cache) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Status{
		Loaded:          c.loaded,
		Transactions:    len(c.txns),
		PendingOps:      c.queue.Len(),
		NextID:          c.nextID,
		Version:         c.version,
		LastRefresh:     c.lastRefresh,
		LastSyncErrorAt: c.lastSyncErrAt,
	}
	if c.lastRefreshErr != nil {
		st.LastRefreshError = c.lastRefreshErr.Error()
	}
	if c.lastSyncErr != nil {
		st.LastSyncError = c.lastSyncErr.Error()
	}
	return st
}
