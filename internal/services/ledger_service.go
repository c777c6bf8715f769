// Package services exposes the ledger operations the command front-ends
// dispatch to.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledgerbot/internal/cache"
	"ledgerbot/internal/core"
	"ledgerbot/internal/ledger"
	"ledgerbot/internal/log"
	"ledgerbot/internal/query"
	"ledgerbot/internal/ratelimit"
	"ledgerbot/internal/sheets"
)

// ErrEmptyCategory rejects a recategorization without a category.
var ErrEmptyCategory = errors.New("category cannot be empty")

// Per-command defaults applied when a request leaves a field blank.
const (
	DefaultBalancePeriod  = core.AllTime
	DefaultTotalPeriod    = core.AllTime
	DefaultTotalKind      = core.FilterExpense
	DefaultSummaryPeriod  = core.ThisMonth
	DefaultSummaryKind    = core.FilterAll
	DefaultHistoryKind    = core.FilterAll
	DefaultChartPeriod    = core.ThisMonth
	DefaultOverviewPeriod = core.ThisMonth
)

type Config struct {
	// HistoryLimit is used when a history request has no positive limit (default: 5)
	HistoryLimit int
	// MemoSize bounds memoized query results (default: 256)
	MemoSize int
	// MemoTTL is how long a memoized result lives (default: 1m)
	MemoTTL time.Duration
	// TaxonomyTTL is how long the store's category list is reused (default: 10m)
	TaxonomyTTL time.Duration
	// TaxonomyWait bounds the wait for a limiter slot to read categories (default: 1s)
	TaxonomyWait time.Duration
	Clock        core.Clock
}

func DefaultConfig() Config {
	return Config{
		HistoryLimit: query.DefaultHistoryLimit,
		MemoSize:     256,
		MemoTTL:      time.Minute,
		TaxonomyTTL:  10 * time.Minute,
		TaxonomyWait: time.Second,
		Clock:        core.SystemClock{},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = def.HistoryLimit
	}
	if c.MemoSize <= 0 {
		c.MemoSize = def.MemoSize
	}
	if c.MemoTTL <= 0 {
		c.MemoTTL = def.MemoTTL
	}
	if c.TaxonomyTTL <= 0 {
		c.TaxonomyTTL = def.TaxonomyTTL
	}
	if c.TaxonomyWait <= 0 {
		c.TaxonomyWait = def.TaxonomyWait
	}
	if c.Clock == nil {
		c.Clock = def.Clock
	}
	return c
}

// LedgerService validates command input, applies defaults and runs queries
// against ledger snapshots. Query results are memoized per snapshot version.
type LedgerService struct {
	ledger   *ledger.Cache
	taxonomy sheets.TaxonomyReader
	limiter  *ratelimit.Limiter
	config   Config
	memo     *cache.LRUCache[any]
	taxo     *cache.LRUCache[[]string]
	logger   *log.Logger
}

// NewLedgerService wires the service. taxonomy may be nil, in which case
// core.DefaultCategories seeds category completion.
func NewLedgerService(l *ledger.Cache, taxonomy sheets.TaxonomyReader, limiter *ratelimit.Limiter, config Config, logger *log.Logger) *LedgerService {
	config = config.withDefaults()
	if logger == nil {
		logger = log.Discard()
	}
	return &LedgerService{
		ledger:   l,
		taxonomy: taxonomy,
		limiter:  limiter,
		config:   config,
		memo:     cache.NewLRUCache[any](config.MemoSize, config.MemoTTL),
		taxo:     cache.NewLRUCache[[]string](1, config.TaxonomyTTL),
		logger:   logger.WithComponent(log.ComponentLedger),
	}
}

// Caches returns the service's memo caches for sweeping.
func (s *LedgerService) Caches() []cache.Cleaner {
	return []cache.Cleaner{s.memo, s.taxo}
}

// Invalidate drops memoized results and the cached category list.
func (s *LedgerService) Invalidate() {
	s.memo.Purge()
	s.taxo.Purge()
}

type RecordRequest struct {
	UserID      string
	Kind        string
	Amount      string
	Description string
	Category    string
}

// Receipt acknowledges a write. Warning carries the pending sync trouble,
// if any, so the caller can tell the user persistence is delayed.
type Receipt struct {
	Transaction core.Transaction `json:"transaction" yaml:"transaction"`
	Warning     string           `json:"warning,omitempty" yaml:"warning,omitempty"`
}

// Record validates and appends a transaction. A blank description becomes
// core.DefaultDescription and blank income is filed under
// core.DefaultIncomeCategory.
func (s *LedgerService) Record(ctx context.Context, req RecordRequest) (Receipt, error) {
	kind, err := core.ParseKind(req.Kind)
	if err != nil {
		return Receipt{}, err
	}
	amount, err := core.ParseAmount(req.Amount)
	if err != nil {
		return Receipt{}, core.NewValidationError("amount", err)
	}
	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		desc = core.DefaultDescription
	}
	category := strings.TrimSpace(req.Category)
	if category == "" && kind == core.Income {
		category = core.DefaultIncomeCategory
	}

	t, err := s.ledger.Append(ctx, core.Draft{
		UserID:      strings.TrimSpace(req.UserID),
		Kind:        kind,
		Amount:      amount,
		Description: desc,
		Category:    category,
	})
	if err != nil {
		return Receipt{}, err
	}
	s.logger.InfoContext(ctx, "Transaction recorded",
		log.NewFields().WithTransaction(t.ID, t.UserID, string(t.Kind), t.Amount.String(), t.Category).ToSlice()...)
	return Receipt{Transaction: t, Warning: s.syncWarning()}, nil
}

// Recategorize sets the category of transaction id.
func (s *LedgerService) Recategorize(ctx context.Context, id int64, category string) (Receipt, error) {
	if id <= 0 {
		return Receipt{}, core.NewValidationError("id", core.ErrInvalidID)
	}
	category = strings.TrimSpace(category)
	if category == "" {
		return Receipt{}, core.NewValidationError("category", ErrEmptyCategory)
	}
	t, err := s.ledger.Recategorize(ctx, id, category)
	if err != nil {
		return Receipt{}, err
	}
	s.taxo.Purge()
	s.logger.InfoContext(ctx, "Transaction recategorized",
		log.FieldTxnID, id, log.FieldCategory, category)
	return Receipt{Transaction: t, Warning: s.syncWarning()}, nil
}

// Query carries the raw arguments of a read command. Blank fields take the
// command's default.
type Query struct {
	UserID string
	Period string
	Kind   string
	Limit  int
	Chart  string
}

// Result is a query value plus the freshness of the data behind it.
type Result[T any] struct {
	Value   T               `json:"value" yaml:"value"`
	Period  core.Period     `json:"period,omitempty" yaml:"period,omitempty"`
	Kind    core.KindFilter `json:"kind,omitempty" yaml:"kind,omitempty"`
	AsOf    time.Time       `json:"as_of" yaml:"as_of"`
	Stale   bool            `json:"stale" yaml:"stale"`
	Warning string          `json:"warning,omitempty" yaml:"warning,omitempty"`
}

func (s *LedgerService) Balance(ctx context.Context, q Query) (Result[decimal.Decimal], error) {
	p, err := core.ParsePeriod(q.Period, DefaultBalancePeriod)
	if err != nil {
		return Result[decimal.Decimal]{}, err
	}
	return compute(ctx, s, "balance", q.UserID, p, "", "", func(txns []core.Transaction, scope query.Scope) (decimal.Decimal, error) {
		return query.Balance(txns, scope), nil
	})
}

func (s *LedgerService) Total(ctx context.Context, q Query) (Result[decimal.Decimal], error) {
	p, err := core.ParsePeriod(q.Period, DefaultTotalPeriod)
	if err != nil {
		return Result[decimal.Decimal]{}, err
	}
	kind, err := core.ParseKindFilter(q.Kind, DefaultTotalKind)
	if err != nil {
		return Result[decimal.Decimal]{}, err
	}
	return compute(ctx, s, "total", q.UserID, p, kind, "", func(txns []core.Transaction, scope query.Scope) (decimal.Decimal, error) {
		return query.Total(txns, scope, kind), nil
	})
}

func (s *LedgerService) Summary(ctx context.Context, q Query) (Result[[]core.CategoryAmount], error) {
	p, err := core.ParsePeriod(q.Period, DefaultSummaryPeriod)
	if err != nil {
		return Result[[]core.CategoryAmount]{}, err
	}
	kind, err := core.ParseKindFilter(q.Kind, DefaultSummaryKind)
	if err != nil {
		return Result[[]core.CategoryAmount]{}, err
	}
	return compute(ctx, s, "summary", q.UserID, p, kind, "", func(txns []core.Transaction, scope query.Scope) ([]core.CategoryAmount, error) {
		return query.Summary(txns, scope, kind), nil
	})
}

// Overview reports income and expense breakdowns side by side with the net.
func (s *LedgerService) Overview(ctx context.Context, q Query) (Result[query.OverviewReport], error) {
	p, err := core.ParsePeriod(q.Period, DefaultOverviewPeriod)
	if err != nil {
		return Result[query.OverviewReport]{}, err
	}
	return compute(ctx, s, "overview", q.UserID, p, "", "", func(txns []core.Transaction, scope query.Scope) (query.OverviewReport, error) {
		return query.Overview(txns, scope), nil
	})
}

// History lists the user's most recent transactions, newest first.
func (s *LedgerService) History(ctx context.Context, q Query) (Result[[]core.Transaction], error) {
	kind, err := core.ParseKindFilter(q.Kind, DefaultHistoryKind)
	if err != nil {
		return Result[[]core.Transaction]{}, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = s.config.HistoryLimit
	}
	res, err := compute(ctx, s, "history", q.UserID, core.AllTime, kind, fmt.Sprint(limit), func(txns []core.Transaction, scope query.Scope) ([]core.Transaction, error) {
		return query.History(txns, scope.UserID, limit, kind), nil
	})
	res.Period = ""
	return res, err
}

func (s *LedgerService) Chart(ctx context.Context, q Query) (Result[query.ChartSeries], error) {
	chartType, err := query.ParseChartType(q.Chart)
	if err != nil {
		return Result[query.ChartSeries]{}, err
	}
	p, err := core.ParsePeriod(q.Period, DefaultChartPeriod)
	if err != nil {
		return Result[query.ChartSeries]{}, err
	}
	return compute(ctx, s, "chart", q.UserID, p, "", string(chartType), func(txns []core.Transaction, scope query.Scope) (query.ChartSeries, error) {
		return query.Chart(txns, scope, chartType)
	})
}

// Categories lists the categories offered to userID whose name contains
// partial. The store's taxonomy seeds the list; without one the built-in
// defaults do.
func (s *LedgerService) Categories(ctx context.Context, userID, partial string) ([]string, error) {
	snap, err := s.ledger.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	all := query.Categories(snap.Transactions, strings.TrimSpace(userID), s.defaults(ctx))
	return query.Complete(all, partial), nil
}

func (s *LedgerService) defaults(ctx context.Context) []string {
	if s.taxonomy == nil {
		return core.DefaultCategories()
	}
	if cats, ok := s.taxo.Get("taxonomy"); ok {
		return cats
	}

	var cats []string
	ran, err := s.limiter.CallWithin(ctx, s.config.TaxonomyWait, func(ctx context.Context) error {
		var err error
		cats, err = s.taxonomy.Categories(ctx)
		return err
	})
	if !ran || err != nil || len(cats) == 0 {
		if err != nil {
			s.logger.WarnContext(ctx, "Category list unavailable, using defaults", log.FieldError, err.Error())
		}
		return core.DefaultCategories()
	}
	s.taxo.Set("taxonomy", cats)
	return cats
}

// Status reports ledger, limiter and memo health.
type Status struct {
	Ledger  ledger.Status   `json:"ledger" yaml:"ledger"`
	Limiter ratelimit.Stats `json:"limiter" yaml:"limiter"`
	Memo    cache.Stats     `json:"memo" yaml:"memo"`
}

func (s *LedgerService) Status() Status {
	return Status{
		Ledger:  s.ledger.Status(),
		Limiter: s.limiter.Stats(),
		Memo:    s.memo.Stats(),
	}
}

func (s *LedgerService) syncWarning() string {
	if err := s.ledger.LastSyncError(); err != nil {
		return UserMessage(err)
	}
	return ""
}

// compute resolves the period, takes a snapshot and evaluates fn over it.
// Results are memoized by snapshot version while no transaction in the
// snapshot lies beyond the interval end, since the end moves with the clock.
func compute[T any](ctx context.Context, s *LedgerService, op, userID string, p core.Period, kind core.KindFilter, extra string, fn func([]core.Transaction, query.Scope) (T, error)) (Result[T], error) {
	iv, err := core.Resolve(p, s.config.Clock.Now())
	if err != nil {
		return Result[T]{}, err
	}
	snap, err := s.ledger.Snapshot(ctx)
	if err != nil {
		return Result[T]{}, err
	}

	res := Result[T]{Period: p, Kind: kind, AsOf: snap.TakenAt, Stale: snap.Stale}
	warnings := make([]string, 0, 2)
	if snap.Stale {
		warnings = append(warnings, StaleWarning)
	}
	if w := s.syncWarning(); w != "" {
		warnings = append(warnings, w)
	}
	res.Warning = strings.Join(warnings, "; ")

	userID = strings.TrimSpace(userID)
	scope := query.Scope{Interval: iv, UserID: userID}

	var key string
	if !anyAfter(snap.Transactions, iv.End) {
		key = fmt.Sprintf("%s|%d|%s|%s|%s|%d|%s", op, snap.Version, userID, p, kind, iv.Start.Unix(), extra)
		if v, ok := s.memo.Get(key); ok {
			if tv, ok := v.(T); ok {
				res.Value = tv
				return res, nil
			}
		}
	}

	v, err := fn(snap.Transactions, scope)
	if err != nil {
		return Result[T]{}, err
	}
	if key != "" {
		s.memo.Set(key, v)
	}
	s.logger.DebugContext(ctx, "Query evaluated",
		log.FieldOperation, op, log.FieldUserID, userID, log.FieldRows, len(snap.Transactions), "stale", snap.Stale)
	res.Value = v
	return res, nil
}

func anyAfter(txns []core.Transaction, end time.Time) bool {
	for _, t := range txns {
		if !t.Timestamp.Before(end) {
			return true
		}
	}
	return false
}
