// Package google stores ledger transactions in a Google Sheets worksheet.
//
// Each transaction is one row with the columns of Headers. Ids are assigned
// by the ledger, not by the sheet; the client keeps an id to row-number
// index so that category updates can address the row directly.
package google

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"ledgerbot/internal/core"
	"ledgerbot/internal/log"
	ports "ledgerbot/internal/sheets"
)

// DefaultSheetName is the worksheet used when none is configured.
const DefaultSheetName = "Transactions"

type Client struct {
	svc           *gsheet.Service
	spreadsheetID string
	sheet         string
	logger        *log.Logger

	mu             sync.Mutex
	rowIndex       map[int64]int // transaction id -> 1-based sheet row
	indexExpiresAt time.Time
	indexValidFor  time.Duration
}

// Ensure interface conformance
var _ ports.TransactionStore = (*Client)(nil)

type Config struct {
	SpreadsheetID      string
	SheetName          string
	ServiceAccountJSON string
	ServiceAccountFile string
	// RowIndexTTL bounds how long the id to row index is trusted.
	RowIndexTTL time.Duration
}

// New creates a Sheets client authenticated with a service account.
func New(ctx context.Context, cfg Config, logger *log.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.SpreadsheetID) == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}
	svc, err := newSheetsService(ctx, cfg.ServiceAccountJSON, cfg.ServiceAccountFile, logger)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return NewWithService(svc, cfg.SpreadsheetID, cfg.SheetName, cfg.RowIndexTTL, logger), nil
}

// NewWithService wraps an existing Sheets service.
func NewWithService(svc *gsheet.Service, spreadsheetID, sheet string, rowIndexTTL time.Duration, logger *log.Logger) *Client {
	if strings.TrimSpace(sheet) == "" {
		sheet = DefaultSheetName
	}
	if rowIndexTTL <= 0 {
		rowIndexTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &Client{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		sheet:         sheet,
		logger:        logger.WithComponent(log.ComponentSheets),
		rowIndex:      make(map[int64]int),
		indexValidFor: rowIndexTTL,
	}
}

// newSheetsService initializes a Sheets Service using Service Account credentials.
// Inline JSON wins over a file; GOOGLE_APPLICATION_CREDENTIALS is the last resort.
func newSheetsService(ctx context.Context, inlineJSON, file string, logger *log.Logger) (*gsheet.Service, error) {
	inlineJSON = strings.TrimSpace(inlineJSON)
	file = strings.TrimSpace(file)
	if inlineJSON == "" && file == "" {
		file = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	var credentialsJSON []byte
	switch {
	case inlineJSON != "":
		credentialsJSON = []byte(inlineJSON)
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		credentialsJSON = b
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
	}

	service, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(credentialsJSON),
		goption.WithScopes(gsheet.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	if logger != nil {
		logger.WithComponent(log.ComponentSheets).InfoContext(ctx, "Google Sheets service created",
			"credentials_size", len(credentialsJSON))
	}
	return service, nil
}

func (c *Client) rng(a1 string) string {
	return fmt.Sprintf("%s!%s", c.sheet, a1)
}

// EnsureHeaders writes the header row when the first row is empty or does
// not match Headers.
func (c *Client) EnsureHeaders(ctx context.Context) error {
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, c.rng("A1:G1")).Context(ctx).Do()
	if err != nil {
		return classify("read headers", err)
	}
	if len(resp.Values) > 0 && headersMatch(toStrings(resp.Values[0])) {
		return nil
	}

	vr := &gsheet.ValueRange{Values: [][]any{headerRow()}}
	_, err = c.svc.Spreadsheets.Values.Update(c.spreadsheetID, c.rng("A1:G1"), vr).
		ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return classify("write headers", err)
	}
	c.logger.InfoContext(ctx, "Header row written", "sheet", c.sheet)
	return nil
}

// ReadAll implements ports.TransactionStore. Rows that cannot be parsed are
// skipped and logged.
func (c *Client) ReadAll(ctx context.Context) ([]core.Transaction, error) {
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, c.rng("A2:G")).Context(ctx).Do()
	if err != nil {
		return nil, classify("read transactions", err)
	}

	out := make([]core.Transaction, 0, len(resp.Values))
	index := make(map[int64]int, len(resp.Values))
	pos := make(map[int64]int, len(resp.Values))
	for i, raw := range resp.Values {
		row := i + 2
		cols := toStrings(raw)
		if isBlank(cols) {
			continue
		}
		t, err := parseRow(cols)
		if err != nil {
			c.logger.WarnContext(ctx, "Skipping malformed row", "row", row, log.FieldError, err.Error())
			continue
		}
		if at, dup := pos[t.ID]; dup {
			c.logger.WarnContext(ctx, "Duplicate transaction id, keeping the last row",
				log.FieldTxnID, t.ID, "row", row, "previous_row", index[t.ID])
			out[at] = t
		} else {
			pos[t.ID] = len(out)
			out = append(out, t)
		}
		index[t.ID] = row
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	c.storeIndex(index)
	return out, nil
}

// Append implements ports.TransactionStore. The id column is read first so
// that a row left by an earlier attempt whose reply was lost, or written by
// another ledger, is found: the same entry is overwritten in place, a
// different one fails with core.ErrConflict.
func (c *Client) Append(ctx context.Context, t core.Transaction) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}
	vr := &gsheet.ValueRange{Values: [][]any{formatRow(t)}}

	index, err := c.readIndex(ctx)
	if err != nil {
		return 0, err
	}
	if row, ok := index[t.ID]; ok {
		existing, err := c.readRow(ctx, row)
		if err != nil {
			return 0, err
		}
		if !existing.SameEntry(t) {
			return 0, fmt.Errorf("transaction %d at row %d: %w", t.ID, row, core.ErrConflict)
		}
		a1 := fmt.Sprintf("A%d:G%d", row, row)
		_, err = c.svc.Spreadsheets.Values.Update(c.spreadsheetID, c.rng(a1), vr).
			ValueInputOption("RAW").Context(ctx).Do()
		if err != nil {
			return 0, classify("overwrite transaction", err)
		}
		return t.ID, nil
	}

	resp, err := c.svc.Spreadsheets.Values.Append(c.spreadsheetID, c.rng("A:G"), vr).
		ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return 0, classify("append transaction", err)
	}
	if resp.Updates != nil {
		if row, err := rowFromRange(resp.Updates.UpdatedRange); err == nil {
			c.mu.Lock()
			c.rowIndex[t.ID] = row
			c.mu.Unlock()
		}
	}
	c.logger.DebugContext(ctx, "Transaction appended",
		log.NewFields().WithTransaction(t.ID, t.UserID, string(t.Kind), t.Amount.String(), t.Category).ToSlice()...)
	return t.ID, nil
}

// readRow parses the transaction stored at the 1-based sheet row. A row
// that no longer parses is reported as a conflict.
func (c *Client) readRow(ctx context.Context, row int) (core.Transaction, error) {
	a1 := fmt.Sprintf("A%d:G%d", row, row)
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, c.rng(a1)).Context(ctx).Do()
	if err != nil {
		return core.Transaction{}, classify("read row", err)
	}
	if len(resp.Values) == 0 {
		return core.Transaction{}, fmt.Errorf("row %d is empty: %w", row, core.ErrConflict)
	}
	t, err := parseRow(toStrings(resp.Values[0]))
	if err != nil {
		return core.Transaction{}, fmt.Errorf("row %d: %v: %w", row, err, core.ErrConflict)
	}
	return t, nil
}

// UpdateCategory implements ports.TransactionStore
func (c *Client) UpdateCategory(ctx context.Context, id int64, category string) error {
	row, err := c.lookupRow(ctx, id)
	if err != nil {
		return err
	}
	vr := &gsheet.ValueRange{Values: [][]any{{category}}}
	_, err = c.svc.Spreadsheets.Values.Update(c.spreadsheetID, c.rng(fmt.Sprintf("F%d", row)), vr).
		ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return classify("update category", err)
	}
	return nil
}

// lookupRow resolves the sheet row of id, re-reading the id column when the
// index is expired or does not know the id.
func (c *Client) lookupRow(ctx context.Context, id int64) (int, error) {
	if row, ok := c.cachedRow(id); ok {
		return row, nil
	}
	index, err := c.readIndex(ctx)
	if err != nil {
		return 0, err
	}
	if row, ok := index[id]; ok {
		return row, nil
	}
	return 0, fmt.Errorf("transaction %d: %w", id, core.ErrNotFound)
}

// readIndex re-reads the id column and replaces the row index. When an id
// appears twice the last row wins, matching ReadAll.
func (c *Client) readIndex(ctx context.Context) (map[int64]int, error) {
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, c.rng("A2:A")).Context(ctx).Do()
	if err != nil {
		return nil, classify("read id column", err)
	}
	index := make(map[int64]int, len(resp.Values))
	for i, raw := range resp.Values {
		cols := toStrings(raw)
		if len(cols) == 0 {
			continue
		}
		if rid, err := parseID(cols[0]); err == nil {
			index[rid] = i + 2
		}
	}
	c.storeIndex(index)
	return index, nil
}

func (c *Client) cachedRow(id int64) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Now().After(c.indexExpiresAt) {
		return 0, false
	}
	row, ok := c.rowIndex[id]
	return row, ok
}

func (c *Client) storeIndex(index map[int64]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rowIndex = index
	c.indexExpiresAt = time.Now().Add(c.indexValidFor)
}

// InvalidateRowIndex forces the next update to re-read the id column.
func (c *Client) InvalidateRowIndex() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.indexExpiresAt = time.Time{}
}
