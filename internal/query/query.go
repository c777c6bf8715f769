// Package query computes ledger reports from a transaction snapshot.
//
// Every function is pure: results depend only on the transactions passed in
// and the arguments. Nothing here reads the clock or touches a store.
package query

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"ledgerbot/internal/core"
)

// DefaultHistoryLimit is used when History receives a limit <= 0.
const DefaultHistoryLimit = 5

// MaxCompletions bounds the number of category suggestions.
const MaxCompletions = 25

// Scope selects the transactions a report covers. An empty UserID covers
// every user.
type Scope struct {
	Interval core.Interval
	UserID   string
}

func (s Scope) includes(t core.Transaction) bool {
	return s.ownedBy(t) && s.Interval.Contains(t.Timestamp)
}

func (s Scope) ownedBy(t core.Transaction) bool {
	return s.UserID == "" || t.UserID == s.UserID
}

// Balance returns income minus expenses inside the scope.
func Balance(txns []core.Transaction, scope Scope) decimal.Decimal {
	sum := decimal.Zero
	for _, t := range txns {
		if scope.includes(t) {
			sum = sum.Add(t.Signed())
		}
	}
	return sum
}

// Total sums the amounts matching kind. For core.FilterAll this is the sum of
// magnitudes of both kinds, not the net balance.
func Total(txns []core.Transaction, scope Scope, kind core.KindFilter) decimal.Decimal {
	sum := decimal.Zero
	for _, t := range txns {
		if scope.includes(t) && kind.Matches(t.Kind) {
			sum = sum.Add(t.Amount)
		}
	}
	return sum
}

// Summary groups matching transactions by category. Buckets are ordered by
// amount descending, then name ascending, and add up to Total for the same
// arguments.
func Summary(txns []core.Transaction, scope Scope, kind core.KindFilter) []core.CategoryAmount {
	buckets := make(map[string]decimal.Decimal)
	for _, t := range txns {
		if !scope.includes(t) || !kind.Matches(t.Kind) {
			continue
		}
		label := t.CategoryLabel()
		buckets[label] = buckets[label].Add(t.Amount)
	}

	out := make([]core.CategoryAmount, 0, len(buckets))
	for name, amount := range buckets {
		out = append(out, core.CategoryAmount{Name: name, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Amount.Cmp(out[j].Amount); c != 0 {
			return c > 0
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// History returns the most recent transactions of userID matching kind,
// newest first with ties broken by id descending. An empty userID covers
// every user.
func History(txns []core.Transaction, userID string, limit int, kind core.KindFilter) []core.Transaction {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	scope := Scope{UserID: userID}
	out := make([]core.Transaction, 0, len(txns))
	for _, t := range txns {
		if scope.ownedBy(t) && kind.Matches(t.Kind) {
			out = append(out, t)
		}
	}
	sortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortNewestFirst(txns []core.Transaction) {
	sort.Slice(txns, func(i, j int) bool {
		if !txns[i].Timestamp.Equal(txns[j].Timestamp) {
			return txns[i].Timestamp.After(txns[j].Timestamp)
		}
		return txns[i].ID > txns[j].ID
	})
}

// OverviewReport is the combined income and expense breakdown for a scope.
type OverviewReport struct {
	Income       []core.CategoryAmount `json:"income" yaml:"income"`
	Expenses     []core.CategoryAmount `json:"expenses" yaml:"expenses"`
	TotalIncome  decimal.Decimal       `json:"total_income" yaml:"total_income"`
	TotalExpense decimal.Decimal       `json:"total_expense" yaml:"total_expense"`
	Net          decimal.Decimal       `json:"net" yaml:"net"`
}

func Overview(txns []core.Transaction, scope Scope) OverviewReport {
	income := Total(txns, scope, core.FilterIncome)
	expense := Total(txns, scope, core.FilterExpense)
	return OverviewReport{
		Income:       Summary(txns, scope, core.FilterIncome),
		Expenses:     Summary(txns, scope, core.FilterExpense),
		TotalIncome:  income,
		TotalExpense: expense,
		Net:          income.Sub(expense),
	}
}

// Categories returns the defaults plus every category userID has used,
// sorted case-insensitively without duplicates.
func Categories(txns []core.Transaction, userID string, defaults []string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(c string) {
		c = strings.TrimSpace(c)
		if c == "" {
			return
		}
		key := strings.ToLower(c)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	for _, c := range defaults {
		add(c)
	}
	scope := Scope{UserID: userID}
	for _, t := range txns {
		if scope.ownedBy(t) {
			add(t.Category)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i]) < strings.ToLower(out[j])
	})
	return out
}

// Complete filters categories containing partial, case-insensitively, keeping
// at most MaxCompletions entries.
func Complete(categories []string, partial string) []string {
	partial = strings.ToLower(strings.TrimSpace(partial))
	out := make([]string, 0, MaxCompletions)
	for _, c := range categories {
		if strings.Contains(strings.ToLower(c), partial) {
			out = append(out, c)
			if len(out) == MaxCompletions {
				break
			}
		}
	}
	return out
}
