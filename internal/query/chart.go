package query

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledgerbot/internal/core"
)

type ChartType string

const (
	ExpenseByCategory ChartType = "expense_by_category"
	IncomeByCategory  ChartType = "income_by_category"
	IncomeVsExpense   ChartType = "income_vs_expense"
	BalanceOverTime   ChartType = "balance_over_time"
)

var ErrInvalidChartType = errors.New("chart type must be expense_by_category, income_by_category, income_vs_expense or balance_over_time")

func ChartTypes() []ChartType {
	return []ChartType{ExpenseByCategory, IncomeByCategory, IncomeVsExpense, BalanceOverTime}
}

func (c ChartType) Validate() error {
	for _, t := range ChartTypes() {
		if c == t {
			return nil
		}
	}
	return ErrInvalidChartType
}

// ParseChartType accepts the identifiers above with dashes, spaces or mixed case.
func ParseChartType(s string) (ChartType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	c := ChartType(s)
	if err := c.Validate(); err != nil {
		return "", core.NewValidationError("chart", err)
	}
	return c, nil
}

// BalancePoint is the cumulative balance at the end of Date (00:00 UTC).
type BalancePoint struct {
	Date    time.Time       `json:"date" yaml:"date"`
	Balance decimal.Decimal `json:"balance" yaml:"balance"`
}

// ChartSeries holds the data for one chart. Which fields are set depends on
// Type: Categories for the by-category charts, the three totals for
// income_vs_expense, Points for balance_over_time.
type ChartSeries struct {
	Type       ChartType             `json:"type" yaml:"type"`
	Categories []core.CategoryAmount `json:"categories,omitempty" yaml:"categories,omitempty"`
	Income     decimal.Decimal       `json:"income" yaml:"income"`
	Expense    decimal.Decimal       `json:"expense" yaml:"expense"`
	Balance    decimal.Decimal       `json:"balance" yaml:"balance"`
	Points     []BalancePoint        `json:"points,omitempty" yaml:"points,omitempty"`
}

// Chart prepares the series for chartType over scope.
func Chart(txns []core.Transaction, scope Scope, chartType ChartType) (ChartSeries, error) {
	series := ChartSeries{Type: chartType}
	switch chartType {
	case ExpenseByCategory:
		series.Categories = Summary(txns, scope, core.FilterExpense)
	case IncomeByCategory:
		series.Categories = Summary(txns, scope, core.FilterIncome)
	case IncomeVsExpense:
		series.Income = Total(txns, scope, core.FilterIncome)
		series.Expense = Total(txns, scope, core.FilterExpense)
		series.Balance = series.Income.Sub(series.Expense)
	case BalanceOverTime:
		series.Points = balanceOverTime(txns, scope)
	default:
		return ChartSeries{}, core.NewValidationError("chart", ErrInvalidChartType)
	}
	return series, nil
}

// balanceOverTime emits one point per UTC day inside the scope that has at
// least one transaction. The balance carries every earlier transaction of
// the user, including those before the scope starts; days without
// transactions are omitted.
func balanceOverTime(txns []core.Transaction, scope Scope) []BalancePoint {
	history := make([]core.Transaction, 0, len(txns))
	for _, t := range txns {
		if scope.ownedBy(t) && t.Timestamp.Before(scope.Interval.End) {
			history = append(history, t)
		}
	}
	sort.Slice(history, func(i, j int) bool {
		if !history[i].Timestamp.Equal(history[j].Timestamp) {
			return history[i].Timestamp.Before(history[j].Timestamp)
		}
		return history[i].ID < history[j].ID
	})

	var (
		points  []BalancePoint
		running = decimal.Zero
		day     time.Time
		plotted bool
	)
	flush := func() {
		if plotted {
			points = append(points, BalancePoint{Date: day, Balance: running})
		}
	}
	for _, t := range history {
		d := core.StartOfDay(t.Timestamp)
		if !d.Equal(day) {
			flush()
			day, plotted = d, false
		}
		running = running.Add(t.Signed())
		if scope.Interval.Contains(t.Timestamp) {
			plotted = true
		}
	}
	flush()
	return points
}
