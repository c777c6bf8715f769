package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"ledgerbot/internal/core"
	"ledgerbot/internal/log"
)

// SQLiteRepository stores transactions in a local SQLite database. It
// implements sheets.TransactionStore and sheets.TaxonomyReader.
type SQLiteRepository struct {
	db     *sql.DB
	logger *log.Logger
}

func NewSQLiteRepository(dbPath string, logger *log.Logger) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	if logger == nil {
		logger = log.Discard()
	}
	return &SQLiteRepository{db: db, logger: logger.WithComponent(log.ComponentStorage)}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

const selectTransactions = `SELECT id, user_id, kind, amount, description, category, created_at
FROM transactions ORDER BY id`

func (r *SQLiteRepository) ReadAll(ctx context.Context) ([]core.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, selectTransactions)
	if err != nil {
		return nil, classify("list transactions", err)
	}
	defer rows.Close()

	var out []core.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate transactions", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (core.Transaction, error) {
	var (
		t         core.Transaction
		kind      string
		amount    string
		createdAt string
		err       error
	)
	if err = row.Scan(&t.ID, &t.UserID, &kind, &amount, &t.Description, &t.Category, &createdAt); err != nil {
		return core.Transaction{}, classify("scan transaction", err)
	}
	t.Kind = core.Kind(kind)
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return core.Transaction{}, fmt.Errorf("transaction %d: parse amount %q: %w", t.ID, amount, err)
	}
	if t.Timestamp, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return core.Transaction{}, fmt.Errorf("transaction %d: parse created_at %q: %w", t.ID, createdAt, err)
	}
	t.Timestamp = t.Timestamp.UTC()
	return t, nil
}

const insertTransaction = `INSERT INTO transactions (id, user_id, kind, amount, description, category, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`

const selectTransaction = `SELECT id, user_id, kind, amount, description, category, created_at
FROM transactions WHERE id = ?`

// Append implements sheets.TransactionStore. Appending the same entry again
// only refreshes its category; a different transaction under the same id
// fails with core.ErrConflict.
func (r *SQLiteRepository) Append(ctx context.Context, t core.Transaction) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify("begin append", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, insertTransaction,
		t.ID, t.UserID, string(t.Kind), t.Amount.String(), t.Description, t.Category,
		t.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, classify("insert transaction", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("insert transaction", err)
	}
	if n == 0 {
		existing, err := scanTransaction(tx.QueryRowContext(ctx, selectTransaction, t.ID))
		if err != nil {
			return 0, fmt.Errorf("read existing transaction: %w", err)
		}
		if !existing.SameEntry(t) {
			return 0, fmt.Errorf("transaction %d: %w", t.ID, core.ErrConflict)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE transactions SET category = ? WHERE id = ?`, t.Category, t.ID); err != nil {
			return 0, classify("refresh category", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, classify("commit append", err)
	}

	r.logger.DebugContext(ctx, "Transaction saved to SQLite",
		log.NewFields().WithTransaction(t.ID, t.UserID, string(t.Kind), t.Amount.String(), t.Category).ToSlice()...)
	return t.ID, nil
}

// UpdateCategory implements sheets.TransactionStore
func (r *SQLiteRepository) UpdateCategory(ctx context.Context, id int64, category string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE transactions SET category = ? WHERE id = ?`, category, id)
	if err != nil {
		return classify("update category", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("update category", err)
	}
	if n == 0 {
		return fmt.Errorf("transaction %d: %w", id, core.ErrNotFound)
	}
	return nil
}

// Categories implements sheets.TaxonomyReader
func (r *SQLiteRepository) Categories(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT category FROM transactions WHERE category <> '' ORDER BY category`)
	if err != nil {
		return nil, classify("list categories", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, classify("scan category", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// classify wraps busy and locked database errors as transient store errors.
func classify(op string, err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%s: %w: %v", op, core.ErrTransientStore, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, core.ErrTransientStore, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
