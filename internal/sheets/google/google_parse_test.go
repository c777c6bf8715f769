package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/api/googleapi"

	"ledgerbot/internal/core"
)

func TestFormatAndParseRow(t *testing.T) {
	in := core.Transaction{
		ID:          12,
		UserID:      "alice#0001",
		Kind:        core.Income,
		Amount:      decimal.RequireFromString("1500.50"),
		Description: "Monthly Salary",
		Category:    "Salary",
		Timestamp:   time.Date(2025, 3, 11, 18, 30, 0, 0, time.UTC),
	}
	row := formatRow(in)
	if row[2] != "Income" || row[3] != "1500.5" || row[6] != "2025-03-11T18:30:00Z" {
		t.Fatalf("unexpected row: %v", row)
	}

	out, err := parseRow(toStrings(row))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.ID != in.ID || out.Kind != in.Kind || !out.Amount.Equal(in.Amount) || !out.Timestamp.Equal(in.Timestamp) || out.Category != "Salary" {
		t.Fatalf("row did not survive: %+v", out)
	}
}

func TestParseRowVariants(t *testing.T) {
	cases := []struct {
		name string
		cols []string
		ok   bool
	}{
		{"comma decimal and spaced timestamp", []string{"3", "bob", "expense", "12,50", "Taxi", "", "2025-03-01 08:00:00"}, true},
		{"missing trailing columns", []string{"4", "bob", "Expense", "1", "", "", "2025-03-01T08:00:00Z"}, true},
		{"bad id", []string{"x", "bob", "Expense", "1", "", "", "2025-03-01T08:00:00Z"}, false},
		{"bad kind", []string{"5", "bob", "Transfer", "1", "", "", "2025-03-01T08:00:00Z"}, false},
		{"negative amount", []string{"6", "bob", "Expense", "-1", "", "", "2025-03-01T08:00:00Z"}, false},
		{"no timestamp", []string{"7", "bob", "Expense", "1"}, false},
		{"too short", []string{"8", "bob"}, false},
	}
	for _, tc := range cases {
		_, err := parseRow(tc.cols)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestHeadersMatch(t *testing.T) {
	if !headersMatch([]string{"id", "User", "KIND", "Amount", "Description", "Category", "Timestamp"}) {
		t.Fatalf("case-insensitive headers should match")
	}
	if headersMatch([]string{"User", "Amount", "Description", "Category", "Type", "Date"}) {
		t.Fatalf("legacy layout must not match")
	}
}

func TestRowFromRange(t *testing.T) {
	row, err := rowFromRange("Transactions!A12:G12")
	if err != nil || row != 12 {
		t.Fatalf("expected 12, got %d (err=%v)", row, err)
	}
	row, err = rowFromRange("'My Sheet'!A3:G3")
	if err != nil || row != 3 {
		t.Fatalf("expected 3, got %d (err=%v)", row, err)
	}
	if _, err := rowFromRange("garbage"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"429", &googleapi.Error{Code: http.StatusTooManyRequests}, core.ErrQuotaExhausted},
		{"403 rate limit", &googleapi.Error{Code: http.StatusForbidden, Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}}}, core.ErrQuotaExhausted},
		{"403 resource exhausted", &googleapi.Error{Code: http.StatusForbidden, Body: `{"error":{"status":"RESOURCE_EXHAUSTED"}}`}, core.ErrQuotaExhausted},
		{"503", &googleapi.Error{Code: http.StatusServiceUnavailable}, core.ErrTransientStore},
		{"deadline", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), core.ErrTransientStore},
	}
	for _, tc := range cases {
		if got := classify("op", tc.err); !errors.Is(got, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}

	perm := classify("op", &googleapi.Error{Code: http.StatusForbidden, Message: "The caller does not have permission"})
	if core.IsRetryable(perm) {
		t.Fatalf("permission errors must not be retryable: %v", perm)
	}
}
