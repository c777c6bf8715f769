package core

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	Expense Kind = "expense"
	Income  Kind = "income"
)

const (
	FilterExpense KindFilter = "expense"
	FilterIncome  KindFilter = "income"
	FilterAll     KindFilter = "all"
)

// UncategorizedLabel is the bucket name used for transactions without a category.
const UncategorizedLabel = "Uncategorized"

// MaxDescriptionLength bounds free-text descriptions.
const MaxDescriptionLength = 200

// DefaultDescription replaces a blank description.
const DefaultDescription = "N/A"

// DefaultIncomeCategory replaces a blank category on income.
const DefaultIncomeCategory = "Salary"

type (
	Kind string

	KindFilter string

	Transaction struct {
		ID          int64           `json:"id" yaml:"id"`
		UserID      string          `json:"user_id" yaml:"user_id"`
		Kind        Kind            `json:"kind" yaml:"kind"`
		Amount      decimal.Decimal `json:"amount" yaml:"amount"`
		Description string          `json:"description" yaml:"description"`
		Category    string          `json:"category,omitempty" yaml:"category,omitempty"` // empty means uncategorized
		Timestamp   time.Time       `json:"timestamp" yaml:"timestamp"`
	}

	// Draft is a transaction before the ledger assigns its id and timestamp.
	Draft struct {
		UserID      string
		Kind        Kind
		Amount      decimal.Decimal
		Description string
		Category    string
	}
)

var (
	ErrInvalidAmount     = errors.New("amount must be a positive number")
	ErrInvalidKind       = errors.New("kind must be expense or income")
	ErrInvalidFilter     = errors.New("type must be expense, income or all")
	ErrEmptyUser         = errors.New("empty user")
	ErrDescriptionLength = errors.New("description too long (max 200 characters)")
	ErrInvalidID         = errors.New("id must be positive")
	ErrMissingTimestamp  = errors.New("timestamp cannot be zero")
)

// DefaultCategories is the suggestion list offered before any category is used.
func DefaultCategories() []string {
	return []string{"Food", "Transportation", "Utilities", "Entertainment", "Shopping", "Salary", "Gifts", "Other"}
}

func (k Kind) Validate() error {
	switch k {
	case Expense, Income:
		return nil
	}
	return ErrInvalidKind
}

// ParseKind accepts the command surface spellings ("Expense", "income", ...).
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if err := k.Validate(); err != nil {
		return "", NewValidationError("kind", err)
	}
	return k, nil
}

// Matches reports whether a transaction of kind k passes the filter.
func (f KindFilter) Matches(k Kind) bool {
	switch f {
	case FilterAll:
		return true
	case FilterExpense:
		return k == Expense
	case FilterIncome:
		return k == Income
	}
	return false
}

func (f KindFilter) Validate() error {
	switch f {
	case FilterExpense, FilterIncome, FilterAll:
		return nil
	}
	return ErrInvalidFilter
}

// ParseKindFilter parses a type filter; empty input yields def.
func ParseKindFilter(s string, def KindFilter) (KindFilter, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return def, nil
	}
	f := KindFilter(s)
	if err := f.Validate(); err != nil {
		return "", NewValidationError("type", err)
	}
	return f, nil
}

// CategoryLabel returns the category or the uncategorized sentinel.
func (t Transaction) CategoryLabel() string {
	if c := strings.TrimSpace(t.Category); c != "" {
		return c
	}
	return UncategorizedLabel
}

// Signed returns the amount with the sign implied by the kind.
func (t Transaction) Signed() decimal.Decimal {
	if t.Kind == Expense {
		return t.Amount.Neg()
	}
	return t.Amount
}

// SameEntry reports whether o records the same event as t. The category
// is ignored and timestamps are compared to the second, the precision of
// the coarsest store.
func (t Transaction) SameEntry(o Transaction) bool {
	return t.ID == o.ID &&
		t.UserID == o.UserID &&
		t.Kind == o.Kind &&
		t.Amount.Equal(o.Amount) &&
		t.Description == o.Description &&
		t.Timestamp.Truncate(time.Second).Equal(o.Timestamp.Truncate(time.Second))
}

func (d Draft) Validate() error {
	if strings.TrimSpace(d.UserID) == "" {
		return NewValidationError("user", ErrEmptyUser)
	}
	if err := d.Kind.Validate(); err != nil {
		return NewValidationError("kind", err)
	}
	if err := ValidateAmount(d.Amount); err != nil {
		return NewValidationError("amount", err)
	}
	if len(d.Description) > MaxDescriptionLength {
		return NewValidationError("description", ErrDescriptionLength)
	}
	return nil
}

func (t Transaction) Validate() error {
	if t.ID <= 0 {
		return NewValidationError("id", ErrInvalidID)
	}
	if t.Timestamp.IsZero() {
		return NewValidationError("timestamp", ErrMissingTimestamp)
	}
	return Draft{
		UserID:      t.UserID,
		Kind:        t.Kind,
		Amount:      t.Amount,
		Description: t.Description,
		Category:    t.Category,
	}.Validate()
}
