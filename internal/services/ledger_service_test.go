package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerbot/internal/core"
	"ledgerbot/internal/ledger"
	"ledgerbot/internal/query"
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
	svc    *LedgerService
	ledger *ledger.Cache
	store  *memory.Store
	clock  *testClock
}

func newFixture(t *testing.T, cats []string) fixture {
	t.Helper()
	// Wednesday
	clock := &testClock{t: time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC)}
	store := memory.New(cats)
	limiter := ratelimit.New(ratelimit.Config{Requests: 1000, Window: time.Minute}, ratelimit.WithClock(clock.Now))
	l := ledger.New(store, limiter, ledger.Config{FreshFor: time.Minute, Clock: clock}, nil)
	require.NoError(t, l.Load(context.Background()))
	svc := NewLedgerService(l, store, limiter, Config{Clock: clock}, nil)
	return fixture{svc: svc, ledger: l, store: store, clock: clock}
}

func record(t *testing.T, f fixture, user, kind, amount, category string) core.Transaction {
	t.Helper()
	r, err := f.svc.Record(context.Background(), RecordRequest{UserID: user, Kind: kind, Amount: amount, Category: category})
	require.NoError(t, err)
	// Period intervals are half-open at now; step past the write.
	f.clock.Advance(time.Second)
	return r.Transaction
}

func TestRecordValidatesAndDefaults(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	cases := []RecordRequest{
		{UserID: "alice", Kind: "expense", Amount: "-5"},
		{UserID: "alice", Kind: "expense", Amount: "abc"},
		{UserID: "alice", Kind: "transfer", Amount: "5"},
		{UserID: "", Kind: "income", Amount: "5"},
	}
	for _, req := range cases {
		_, err := f.svc.Record(ctx, req)
		assert.ErrorIs(t, err, core.ErrValidation, "request %+v", req)
	}
	assert.Zero(t, f.ledger.Queue().Len(), "rejected input must not reach the ledger")

	r, err := f.svc.Record(ctx, RecordRequest{UserID: " alice ", Kind: "Expense", Amount: "15,99", Description: "  "})
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.Transaction.ID)
	assert.Equal(t, "alice", r.Transaction.UserID)
	assert.Equal(t, core.DefaultDescription, r.Transaction.Description)
	assert.True(t, r.Transaction.Amount.Equal(decimal.RequireFromString("15.99")))
	assert.Empty(t, r.Warning)

	assert.Empty(t, r.Transaction.Category, "expenses stay uncategorized")

	second := record(t, f, "alice", "income", "10", "")
	assert.Equal(t, int64(2), second.ID)
	assert.Equal(t, core.DefaultIncomeCategory, second.Category)

	third := record(t, f, "alice", "income", "10", " Bonus ")
	assert.Equal(t, "Bonus", third.Category)
}

func TestRecategorize(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	txn := record(t, f, "alice", "expense", "30", "")

	_, err := f.svc.Recategorize(ctx, txn.ID, "  ")
	assert.ErrorIs(t, err, core.ErrValidation)
	_, err = f.svc.Recategorize(ctx, 0, "Food")
	assert.ErrorIs(t, err, core.ErrValidation)
	_, err = f.svc.Recategorize(ctx, 99, "Food")
	assert.ErrorIs(t, err, core.ErrNotFound)

	before, err := f.svc.Summary(ctx, Query{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, core.UncategorizedLabel, before.Value[0].Name)

	r, err := f.svc.Recategorize(ctx, txn.ID, "Food")
	require.NoError(t, err)
	assert.Equal(t, "Food", r.Transaction.Category)

	after, err := f.svc.Summary(ctx, Query{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, after.Value, 1)
	assert.Equal(t, "Food", after.Value[0].Name)
}

func TestQueryDefaults(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.store.Seed(core.Transaction{
		ID: 50, UserID: "alice", Kind: core.Expense, Amount: decimal.NewFromInt(40),
		Category: "Rent", Timestamp: time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, f.ledger.Refresh(ctx, true))

	record(t, f, "alice", "expense", "20", "Food")
	record(t, f, "alice", "income", "100", "Salary")
	record(t, f, "bob", "expense", "7", "Food")

	bal, err := f.svc.Balance(ctx, Query{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, core.AllTime, bal.Period)
	assert.True(t, bal.Value.Equal(decimal.NewFromInt(40)), "got %s", bal.Value)

	month, err := f.svc.Balance(ctx, Query{UserID: "alice", Period: "This Month"})
	require.NoError(t, err)
	assert.True(t, month.Value.Equal(decimal.NewFromInt(80)), "got %s", month.Value)

	total, err := f.svc.Total(ctx, Query{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, core.FilterExpense, total.Kind)
	assert.True(t, total.Value.Equal(decimal.NewFromInt(60)))

	sum, err := f.svc.Summary(ctx, Query{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, core.ThisMonth, sum.Period)
	assert.Equal(t, []string{"Salary", "Food"}, names(sum.Value))

	hist, err := f.svc.History(ctx, Query{UserID: "alice", Kind: "expense"})
	require.NoError(t, err)
	require.Len(t, hist.Value, 2)
	assert.Equal(t, []int64{51, 50}, []int64{hist.Value[0].ID, hist.Value[1].ID}, "ids continue after the store maximum")

	_, err = f.svc.Balance(ctx, Query{UserID: "alice", Period: "year"})
	assert.ErrorIs(t, err, core.ErrValidation)
	_, err = f.svc.Total(ctx, Query{UserID: "alice", Kind: "transfers"})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func names(rows []core.CategoryAmount) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Name
	}
	return out
}

func TestHistoryLimit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		record(t, f, "alice", "expense", fmt.Sprint(i+1), "")
		f.clock.Advance(time.Minute)
	}

	def, err := f.svc.History(ctx, Query{UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, def.Value, query.DefaultHistoryLimit)
	assert.Equal(t, int64(8), def.Value[0].ID)

	three, err := f.svc.History(ctx, Query{UserID: "alice", Limit: 3})
	require.NoError(t, err)
	assert.Len(t, three.Value, 3)
}

func TestChartAndOverview(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	record(t, f, "alice", "expense", "30", "Food")
	record(t, f, "alice", "expense", "5", "Transit")
	record(t, f, "alice", "income", "50", "Salary")

	chart, err := f.svc.Chart(ctx, Query{UserID: "alice", Chart: "expense-by-category"})
	require.NoError(t, err)
	assert.Equal(t, query.ExpenseByCategory, chart.Value.Type)
	require.Len(t, chart.Value.Categories, 2)
	assert.Equal(t, "Food", chart.Value.Categories[0].Name)

	_, err = f.svc.Chart(ctx, Query{UserID: "alice", Chart: "pie"})
	assert.ErrorIs(t, err, core.ErrValidation)

	ov, err := f.svc.Overview(ctx, Query{UserID: "alice"})
	require.NoError(t, err)
	assert.True(t, ov.Value.Net.Equal(decimal.NewFromInt(15)))
}

func TestResultsAreMemoizedPerVersion(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	record(t, f, "alice", "income", "10", "")

	_, err := f.svc.Balance(ctx, Query{UserID: "alice"})
	require.NoError(t, err)
	again, err := f.svc.Balance(ctx, Query{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.svc.Status().Memo.Hits)
	assert.True(t, again.Value.Equal(decimal.NewFromInt(10)))

	record(t, f, "alice", "income", "5", "")
	fresh, err := f.svc.Balance(ctx, Query{UserID: "alice"})
	require.NoError(t, err)
	assert.True(t, fresh.Value.Equal(decimal.NewFromInt(15)), "a write must invalidate memoized results")
}

func TestStaleResultCarriesWarning(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	record(t, f, "alice", "income", "10", "")

	f.clock.Advance(2 * time.Minute)
	f.store.FailNext(fmt.Errorf("read: %w", core.ErrQuotaExhausted), 1)

	res, err := f.svc.Balance(ctx, Query{UserID: "alice"})
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Contains(t, res.Warning, StaleWarning)
	assert.True(t, res.Value.Equal(decimal.NewFromInt(10)), "stale reads still answer from the mirror")
}

func TestSyncFailureSurfacesOnResults(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.ledger.ReportSyncFailure(fmt.Errorf("append: %w", core.ErrQuotaExhausted))

	r, err := f.svc.Record(ctx, RecordRequest{UserID: "alice", Kind: "income", Amount: "1"})
	require.NoError(t, err)
	assert.Equal(t, "rate limit: will retry automatically", r.Warning)

	res, err := f.svc.Balance(ctx, Query{UserID: "alice"})
	require.NoError(t, err)
	assert.False(t, res.Stale)
	assert.Contains(t, res.Warning, "rate limit")
}

func TestCategories(t *testing.T) {
	f := newFixture(t, []string{"Rent", "Food"})
	ctx := context.Background()
	record(t, f, "alice", "expense", "3", "Coffee")
	record(t, f, "bob", "expense", "3", "Golf")

	all, err := f.svc.Categories(ctx, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"Coffee", "Food", "Rent"}, all)

	matched, err := f.svc.Categories(ctx, "alice", "O")
	require.NoError(t, err)
	assert.Equal(t, []string{"Coffee", "Food"}, matched)

	plain := newFixture(t, nil)
	defaults, err := plain.svc.Categories(ctx, "alice", "")
	require.NoError(t, err)
	assert.Len(t, defaults, len(core.DefaultCategories()))
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("x: %w", core.ErrNotFound), "entry not found"},
		{fmt.Errorf("x: %w", core.ErrQuotaExhausted), "rate limit: will retry automatically"},
		{fmt.Errorf("x: %w", core.ErrTransientStore), "store unavailable: try again later"},
		{context.DeadlineExceeded, "store unavailable: try again later"},
		{ledger.ErrNotLoaded, "ledger is still loading: try again shortly"},
		{core.NewValidationError("amount", core.ErrInvalidAmount), "invalid amount: amount must be a positive number"},
		{errors.New("boom"), "something went wrong"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, UserMessage(tt.err), "err=%v", tt.err)
	}
}

func TestBalanceIndicator(t *testing.T) {
	assert.Contains(t, BalanceIndicator(decimal.NewFromInt(3)), "in the green")
	assert.Contains(t, BalanceIndicator(decimal.NewFromInt(-3)), "spending more")
	assert.Contains(t, BalanceIndicator(decimal.Zero), "balanced")
}
