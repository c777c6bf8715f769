// Package adapters decorates store ports with cross-cutting behaviour.
package adapters

import (
	"context"
	"time"

	"ledgerbot/internal/core"
	"ledgerbot/internal/log"
	"ledgerbot/internal/sheets"
)

// LoggedStore wraps a TransactionStore and logs every call with its
// duration and error class. It also forwards TaxonomyReader when the
// wrapped store provides one.
type LoggedStore struct {
	next    sheets.TransactionStore
	backend string
	logger  *log.Logger
}

var (
	_ sheets.TransactionStore = (*LoggedStore)(nil)
	_ sheets.TaxonomyReader   = (*LoggedStore)(nil)
)

func NewLoggedStore(next sheets.TransactionStore, backend string, logger *log.Logger) *LoggedStore {
	if logger == nil {
		logger = log.Discard()
	}
	return &LoggedStore{
		next:    next,
		backend: backend,
		logger:  logger.WithComponent(log.ComponentStorage),
	}
}

// Unwrap returns the decorated store.
func (s *LoggedStore) Unwrap() sheets.TransactionStore { return s.next }

// ReadAll implements sheets.TransactionStore
func (s *LoggedStore) ReadAll(ctx context.Context) ([]core.Transaction, error) {
	start := time.Now()
	rows, err := s.next.ReadAll(ctx)
	s.observe(ctx, log.OpRead, start, err, log.FieldRows, len(rows))
	return rows, err
}

// Append implements sheets.TransactionStore
func (s *LoggedStore) Append(ctx context.Context, t core.Transaction) (int64, error) {
	start := time.Now()
	id, err := s.next.Append(ctx, t)
	s.observe(ctx, log.OpAppend, start, err, log.FieldTxnID, t.ID)
	return id, err
}

// UpdateCategory implements sheets.TransactionStore
func (s *LoggedStore) UpdateCategory(ctx context.Context, id int64, category string) error {
	start := time.Now()
	err := s.next.UpdateCategory(ctx, id, category)
	s.observe(ctx, log.OpRecategorize, start, err, log.FieldTxnID, id, log.FieldCategory, category)
	return err
}

// Categories implements sheets.TaxonomyReader. Stores without a taxonomy
// yield an empty list.
func (s *LoggedStore) Categories(ctx context.Context) ([]string, error) {
	tr, ok := s.next.(sheets.TaxonomyReader)
	if !ok {
		return nil, nil
	}
	start := time.Now()
	cats, err := tr.Categories(ctx)
	s.observe(ctx, "categories", start, err, log.FieldRows, len(cats))
	return cats, err
}

func (s *LoggedStore) observe(ctx context.Context, op string, start time.Time, err error, args ...any) {
	fields := append([]any{
		log.FieldBackend, s.backend,
		log.FieldOperation, op,
		log.FieldDuration, time.Since(start).Milliseconds(),
	}, args...)

	switch {
	case err == nil:
		s.logger.DebugContext(ctx, "Store call completed", fields...)
	case core.IsRetryable(err):
		s.logger.WarnContext(ctx, "Store call failed, retryable", append(fields, log.FieldError, err.Error())...)
	default:
		s.logger.ErrorContext(ctx, "Store call failed", append(fields, log.FieldError, err.Error())...)
	}
}
