package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerbot/internal/core"
	"ledgerbot/internal/ratelimit"
	"ledgerbot/internal/sheets/memory"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	cache *Cache
	store *memory.Store
	clock *testClock
}

func newFixture(t *testing.T, limiterCfg ratelimit.Config, seed ...core.Transaction) fixture {
	t.Helper()
	clock := &testClock{t: time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC)}
	store := memory.New(nil)
	store.Seed(seed...)
	if limiterCfg.Requests == 0 {
		limiterCfg = ratelimit.Config{Requests: 1000, Window: time.Minute}
	}
	limiter := ratelimit.New(limiterCfg, ratelimit.WithClock(clock.Now))
	cache := New(store, limiter, Config{FreshFor: time.Minute, RefreshWait: 0, Clock: clock}, nil)
	require.NoError(t, cache.Load(context.Background()))
	return fixture{cache: cache, store: store, clock: clock}
}

func draft(user string, kind core.Kind, amount string) core.Draft {
	return core.Draft{UserID: user, Kind: kind, Amount: decimal.RequireFromString(amount), Description: "N/A"}
}

func stored(id int64, category string) core.Transaction {
	return core.Transaction{
		ID:        id,
		UserID:    "alice",
		Kind:      core.Expense,
		Amount:    decimal.NewFromInt(10),
		Category:  category,
		Timestamp: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

// settle applies every queued op to the store and confirms it, the way the
// sync worker does.
func settle(t *testing.T, f fixture) {
	t.Helper()
	ctx := context.Background()
	for f.cache.Queue().Len() > 0 {
		op, err := f.cache.Queue().Peek(ctx)
		require.NoError(t, err)
		switch op.Kind {
		case OpAppend:
			_, err = f.store.Append(ctx, op.Txn)
		case OpRecategorize:
			err = f.store.UpdateCategory(ctx, op.Txn.ID, op.Txn.Category)
		}
		require.NoError(t, err)
		require.True(t, f.cache.Queue().Pop(op.ID))
		f.cache.Confirm(op, nil)
	}
}

func TestAppendRequiresLoad(t *testing.T) {
	c := New(memory.New(nil), ratelimit.New(ratelimit.Config{}), DefaultConfig(), nil)
	_, err := c.Append(context.Background(), draft("alice", core.Expense, "1"))
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestAppendAssignsIncreasingIDs(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	ctx := context.Background()

	var prev int64
	for i := 0; i < 10; i++ {
		tx, err := f.cache.Append(ctx, draft("alice", core.Expense, "1"))
		require.NoError(t, err)
		assert.Greater(t, tx.ID, prev)
		prev = tx.ID
	}
	assert.Equal(t, 10, f.cache.Queue().Len())
}

func TestConcurrentAppendsGetUniqueIDs(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	ctx := context.Background()

	const n = 64
	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := f.cache.Append(ctx, draft("bob", core.Income, "2"))
			if err == nil {
				ids <- tx.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)

	// Queue order matches id order.
	var last int64
	for _, op := range f.cache.Queue().Items() {
		assert.Greater(t, op.Txn.ID, last)
		last = op.Txn.ID
	}
}

func TestAppendStampsClockAndValidates(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	tx, err := f.cache.Append(context.Background(), draft("alice", core.Expense, "15.99"))
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), tx.Timestamp)

	_, err = f.cache.Append(context.Background(), draft("alice", core.Expense, "0"))
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestLoadContinuesAfterStoreMaxID(t *testing.T) {
	f := newFixture(t, ratelimit.Config{}, stored(3, ""), stored(7, "Food"))
	tx, err := f.cache.Append(context.Background(), draft("alice", core.Expense, "1"))
	require.NoError(t, err)
	assert.Equal(t, int64(8), tx.ID)
}

func TestLoadRetriesTransientFailures(t *testing.T) {
	clock := &testClock{t: time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC)}
	store := memory.New(nil)
	store.Seed(stored(1, ""))
	store.FailNext(core.ErrTransientStore, 2)
	limiter := ratelimit.New(ratelimit.Config{Requests: 10, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	c := New(store, limiter, Config{Clock: clock}, nil)

	require.NoError(t, c.Load(context.Background()))
	assert.Equal(t, 3, store.Calls().ReadAll)
	assert.Equal(t, 1, c.Status().Transactions)
}

func TestLoadFailsOnPermanentError(t *testing.T) {
	store := memory.New(nil)
	boom := errors.New("malformed sheet")
	store.FailNext(boom, 1)
	c := New(store, ratelimit.New(ratelimit.Config{}), DefaultConfig(), nil)
	assert.ErrorIs(t, c.Load(context.Background()), boom)
}

func TestRecategorize(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	ctx := context.Background()
	a, _ := f.cache.Append(ctx, draft("alice", core.Expense, "10"))
	b, _ := f.cache.Append(ctx, draft("alice", core.Expense, "20"))

	got, err := f.cache.Recategorize(ctx, a.ID, "Food")
	require.NoError(t, err)
	assert.Equal(t, "Food", got.Category)
	assert.Equal(t, a.Timestamp, got.Timestamp)
	assert.True(t, a.Amount.Equal(got.Amount))

	other, _ := f.cache.Get(b.ID)
	assert.Empty(t, other.Category)

	ops := f.cache.Queue().Items()
	require.Len(t, ops, 3)
	assert.Equal(t, []OpKind{OpAppend, OpAppend, OpRecategorize}, []OpKind{ops[0].Kind, ops[1].Kind, ops[2].Kind})
}

func TestRecategorizeUnknownLeavesCacheUnchanged(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	ctx := context.Background()
	_, _ = f.cache.Append(ctx, draft("alice", core.Expense, "10"))
	before, err := f.cache.Snapshot(ctx)
	require.NoError(t, err)

	_, err = f.cache.Recategorize(ctx, 42, "Food")
	assert.ErrorIs(t, err, core.ErrNotFound)

	after, err := f.cache.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.Transactions, after.Transactions)
	assert.Equal(t, 1, f.cache.Queue().Len())
}

func TestSnapshotServedFromMirrorWhileFresh(t *testing.T) {
	f := newFixture(t, ratelimit.Config{}, stored(1, ""))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		snap, err := f.cache.Snapshot(ctx)
		require.NoError(t, err)
		assert.False(t, snap.Stale)
	}
	assert.Equal(t, 1, f.store.Calls().ReadAll)

	f.clock.Advance(2 * time.Minute)
	snap, err := f.cache.Snapshot(ctx)
	require.NoError(t, err)
	assert.False(t, snap.Stale)
	assert.Equal(t, 2, f.store.Calls().ReadAll)
}

func TestSnapshotMarkedStaleWhenRefreshSkipped(t *testing.T) {
	f := newFixture(t, ratelimit.Config{Requests: 1, Window: time.Hour}, stored(1, ""))
	f.clock.Advance(2 * time.Minute)

	snap, err := f.cache.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Stale)
	assert.Len(t, snap.Transactions, 1)
	assert.Equal(t, 1, f.store.Calls().ReadAll, "refresh must not bypass the limiter")
	assert.Contains(t, f.cache.Status().LastRefreshError, "skipped")
}

func TestSnapshotMarkedStaleWhenStoreFails(t *testing.T) {
	f := newFixture(t, ratelimit.Config{}, stored(1, ""))
	f.clock.Advance(2 * time.Minute)
	f.store.FailNext(core.ErrQuotaExhausted, 1)

	snap, err := f.cache.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Stale)
	assert.Len(t, snap.Transactions, 1)
}

func TestRefreshKeepsPendingLocalRows(t *testing.T) {
	f := newFixture(t, ratelimit.Config{}, stored(1, "Old"))
	ctx := context.Background()

	tx, _ := f.cache.Append(ctx, draft("alice", core.Income, "5"))
	_, err := f.cache.Recategorize(ctx, 1, "New")
	require.NoError(t, err)

	require.NoError(t, f.cache.Refresh(ctx, true))
	got, ok := f.cache.Get(tx.ID)
	assert.True(t, ok, "unconfirmed append must survive a refresh")
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(5)))
	row, _ := f.cache.Get(1)
	assert.Equal(t, "New", row.Category, "unconfirmed recategorize must win over the store")

	settle(t, f)
	require.NoError(t, f.cache.Refresh(ctx, true))
	row, _ = f.cache.Get(1)
	assert.Equal(t, "New", row.Category)
	assert.Equal(t, 2, f.cache.Status().Transactions)
}

func TestRefreshAdoptsStoreEdits(t *testing.T) {
	f := newFixture(t, ratelimit.Config{}, stored(1, "Old"))
	ctx := context.Background()

	f.store.Seed(stored(1, "Edited"), stored(2, ""))
	require.NoError(t, f.cache.Refresh(ctx, true))

	row, _ := f.cache.Get(1)
	assert.Equal(t, "Edited", row.Category)
	tx, err := f.cache.Append(ctx, draft("alice", core.Expense, "1"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), tx.ID)
}

func TestRefreshDropsRowsWhoseAppendWasDropped(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	ctx := context.Background()
	tx, _ := f.cache.Append(ctx, draft("alice", core.Expense, "1"))

	op, err := f.cache.Queue().Peek(ctx)
	require.NoError(t, err)
	require.True(t, f.cache.Queue().Pop(op.ID))
	f.cache.Confirm(op, errors.New("rejected"))
	assert.Equal(t, "rejected", f.cache.Status().LastSyncError)

	require.NoError(t, f.cache.Refresh(ctx, true))
	_, ok := f.cache.Get(tx.ID)
	assert.False(t, ok)

	// ids are never reused
	next, err := f.cache.Append(ctx, draft("alice", core.Expense, "1"))
	require.NoError(t, err)
	assert.Greater(t, next.ID, tx.ID)
}

func TestRefreshNotForcedSkipsWhileFresh(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	require.NoError(t, f.cache.Refresh(context.Background(), false))
	assert.Equal(t, 1, f.store.Calls().ReadAll)
}

func TestSnapshotIsImmutableCopy(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	ctx := context.Background()
	tx, _ := f.cache.Append(ctx, draft("alice", core.Expense, "1"))

	snap, err := f.cache.Snapshot(ctx)
	require.NoError(t, err)
	_, err = f.cache.Recategorize(ctx, tx.ID, "Food")
	require.NoError(t, err)

	assert.Empty(t, snap.Transactions[0].Category)
	after, _ := f.cache.Snapshot(ctx)
	assert.Greater(t, after.Version, snap.Version)
}

func TestReassignMovesConflictingAppend(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	ctx := context.Background()

	tx, err := f.cache.Append(ctx, draft("bob", core.Expense, "20"))
	require.NoError(t, err)
	_, err = f.cache.Recategorize(ctx, tx.ID, "Fuel")
	require.NoError(t, err)

	// Another ledger wrote ids 1 and 2 in the meantime.
	f.store.Seed(stored(1, "Salary"), stored(2, ""))

	head, err := f.cache.Queue().Peek(ctx)
	require.NoError(t, err)
	_, err = f.store.Append(ctx, head.Txn)
	require.ErrorIs(t, err, core.ErrConflict)

	moved, err := f.cache.Reassign(ctx, head)
	require.NoError(t, err)
	assert.Equal(t, int64(3), moved.Txn.ID)
	assert.Equal(t, head.ID, moved.ID)

	for _, op := range f.cache.Queue().Items() {
		assert.Equal(t, int64(3), op.Txn.ID)
	}
	got, ok := f.cache.Get(3)
	require.True(t, ok)
	assert.Equal(t, "bob", got.UserID)
	assert.Equal(t, "Fuel", got.Category)
	owner, _ := f.cache.Get(1)
	assert.Equal(t, "Salary", owner.Category)

	settle(t, f)
	rows := f.store.Rows()
	require.Len(t, rows, 3)
	assert.Equal(t, "Fuel", rows[2].Category)

	next, err := f.cache.Append(ctx, draft("bob", core.Expense, "1"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), next.ID)
}

func TestReassignRejectsNonAppendOps(t *testing.T) {
	f := newFixture(t, ratelimit.Config{}, stored(1, ""))
	ctx := context.Background()
	_, err := f.cache.Recategorize(ctx, 1, "Food")
	require.NoError(t, err)
	op, err := f.cache.Queue().Peek(ctx)
	require.NoError(t, err)

	_, err = f.cache.Reassign(ctx, op)
	assert.Error(t, err)
}
