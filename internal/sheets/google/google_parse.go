package google

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/api/googleapi"

	"ledgerbot/internal/core"
)

// Headers is the header row of the transactions worksheet.
var Headers = []string{"ID", "User", "Kind", "Amount", "Description", "Category", "Timestamp"}

func headerRow() []any {
	out := make([]any, len(Headers))
	for i, h := range Headers {
		out[i] = h
	}
	return out
}

func headersMatch(got []string) bool {
	if len(got) < len(Headers) {
		return false
	}
	for i, h := range Headers {
		if !strings.EqualFold(strings.TrimSpace(got[i]), h) {
			return false
		}
	}
	return true
}

// formatRow renders t as a worksheet row. Amounts are written as text so
// the sheet never rounds them.
func formatRow(t core.Transaction) []any {
	kind := "Expense"
	if t.Kind == core.Income {
		kind = "Income"
	}
	return []any{
		strconv.FormatInt(t.ID, 10),
		t.UserID,
		kind,
		t.Amount.String(),
		t.Description,
		t.Category,
		t.Timestamp.UTC().Format(time.RFC3339),
	}
}

func parseRow(cols []string) (core.Transaction, error) {
	if len(cols) < 4 {
		return core.Transaction{}, fmt.Errorf("expected at least 4 columns, got %d", len(cols))
	}
	id, err := parseID(cols[0])
	if err != nil {
		return core.Transaction{}, err
	}
	kind, err := core.ParseKind(cols[2])
	if err != nil {
		return core.Transaction{}, err
	}
	amount, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(cols[3]), ",", "."))
	if err != nil {
		return core.Transaction{}, fmt.Errorf("amount %q: %w", cols[3], err)
	}
	t := core.Transaction{
		ID:          id,
		UserID:      strings.TrimSpace(cols[1]),
		Kind:        kind,
		Amount:      amount,
		Description: safeGet(cols, 4),
		Category:    safeGet(cols, 5),
	}
	if ts := safeGet(cols, 6); ts != "" {
		parsed, err := parseTimestamp(ts)
		if err != nil {
			return core.Transaction{}, err
		}
		t.Timestamp = parsed
	}
	if err := t.Validate(); err != nil {
		return core.Transaction{}, err
	}
	return t, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("id %q: %w", s, core.ErrInvalidID)
	}
	return id, nil
}

// parseTimestamp accepts RFC 3339 and the "2006-01-02 15:04:05" layout
// people tend to type into the sheet by hand.
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp %q: unrecognised format", s)
}

var updatedRangeRe = regexp.MustCompile(`![A-Z]+(\d+)`)

// rowFromRange extracts the first row number from an A1 range such as
// "Transactions!A12:G12".
func rowFromRange(a1 string) (int, error) {
	m := updatedRangeRe.FindStringSubmatch(a1)
	if m == nil {
		return 0, fmt.Errorf("no row in range %q", a1)
	}
	return strconv.Atoi(m[1])
}

func toStrings(in []interface{}) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = strings.TrimSpace(fmt.Sprint(v))
	}
	return out
}

func isBlank(cols []string) bool {
	for _, c := range cols {
		if c != "" {
			return false
		}
	}
	return true
}

func safeGet(arr []string, idx int) string {
	if idx < 0 || idx >= len(arr) {
		return ""
	}
	return arr[idx]
}

// classify maps Sheets API failures onto the store error taxonomy.
func classify(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests, isQuotaReason(gerr):
			return fmt.Errorf("%s: %w: %v", op, core.ErrQuotaExhausted, err)
		case gerr.Code >= 500:
			return fmt.Errorf("%s: %w: %v", op, core.ErrTransientStore, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, core.ErrTransientStore, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isQuotaReason(gerr *googleapi.Error) bool {
	if gerr.Code != http.StatusForbidden {
		return false
	}
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded":
			return true
		}
	}
	return strings.Contains(gerr.Body, "RESOURCE_EXHAUSTED")
}
