package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"ledgerbot/internal/core"
	"ledgerbot/internal/query"
	"ledgerbot/internal/services"
)

// Output formats accepted by --output.
const (
	OutputText = "text"
	OutputJSON = "json"
	OutputYAML = "yaml"
)

func validOutput(format string) error {
	switch format {
	case OutputText, OutputJSON, OutputYAML:
		return nil
	}
	return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
}

// printer renders command results in the selected format. Text rendering
// is done by the text function given to emit.
type printer struct {
	format string
	out    io.Writer
	errOut io.Writer
}

func (p printer) emit(v any, text func(w io.Writer)) error {
	switch p.format {
	case OutputJSON:
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case OutputYAML:
		enc := yaml.NewEncoder(p.out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	}
	text(p.out)
	return nil
}

// warn prints a warning line on stderr in text mode. Structured formats
// already carry it in the document.
func (p printer) warn(msg string) {
	if msg != "" && p.format == OutputText {
		fmt.Fprintf(p.errOut, "Warning: %s\n", msg)
	}
}

func money(d decimal.Decimal) string {
	return core.FormatAmount(d)
}

func describe(t core.Transaction) string {
	return fmt.Sprintf("%s of %s for %q", kindTitle(t.Kind), money(t.Amount), t.Description)
}

func kindTitle(k core.Kind) string {
	if k == core.Income {
		return "Income"
	}
	return "Expense"
}

func renderRecorded(w io.Writer, r services.Receipt) {
	t := r.Transaction
	msg := describe(t) + " has been recorded"
	if t.Category != "" {
		msg += fmt.Sprintf(" in category %q", t.Category)
	}
	fmt.Fprintf(w, "%s (entry #%d).\n", msg, t.ID)
}

func renderRecategorized(w io.Writer, r services.Receipt) {
	fmt.Fprintf(w, "Category for entry #%d has been set to %q.\n", r.Transaction.ID, r.Transaction.Category)
}

func renderBalance(w io.Writer, r services.Result[decimal.Decimal]) {
	fmt.Fprintf(w, "Net balance for %s: %s\n", r.Period.Label(), money(r.Value))
	fmt.Fprintln(w, services.BalanceIndicator(r.Value))
}

func filterText(k core.KindFilter) string {
	switch k {
	case core.FilterExpense:
		return "expenses"
	case core.FilterIncome:
		return "income"
	}
	return "transactions"
}

func renderTotal(w io.Writer, r services.Result[decimal.Decimal]) {
	fmt.Fprintf(w, "Total %s for %s: %s\n", filterText(r.Kind), r.Period.Label(), money(r.Value))
}

func renderCategoryLines(w io.Writer, rows []core.CategoryAmount) {
	for _, row := range rows {
		fmt.Fprintf(w, "  %s: %s\n", row.Name, money(row.Amount))
	}
}

func renderSummary(w io.Writer, r services.Result[[]core.CategoryAmount]) {
	if len(r.Value) == 0 {
		fmt.Fprintf(w, "No %s found for %s.\n", filterText(r.Kind), r.Period.Label())
		return
	}
	fmt.Fprintf(w, "Summary of %s for %s:\n", filterText(r.Kind), r.Period.Label())
	renderCategoryLines(w, r.Value)
}

func renderOverview(w io.Writer, r services.Result[query.OverviewReport]) {
	rep := r.Value
	if len(rep.Income) == 0 && len(rep.Expenses) == 0 {
		fmt.Fprintf(w, "No transactions found for %s.\n", r.Period.Label())
		return
	}
	fmt.Fprintf(w, "Financial summary for %s:\n", r.Period.Label())
	if len(rep.Income) > 0 {
		fmt.Fprintln(w, "Income:")
		renderCategoryLines(w, rep.Income)
		fmt.Fprintf(w, "Total income: %s\n", money(rep.TotalIncome))
	}
	if len(rep.Expenses) > 0 {
		fmt.Fprintln(w, "Expenses:")
		renderCategoryLines(w, rep.Expenses)
		fmt.Fprintf(w, "Total expenses: %s\n", money(rep.TotalExpense))
	}
	fmt.Fprintf(w, "Net balance: %s\n", money(rep.Net))
}

func renderHistory(w io.Writer, r services.Result[[]core.Transaction]) {
	if len(r.Value) == 0 {
		fmt.Fprintf(w, "No %s found.\n", filterText(r.Kind))
		return
	}
	fmt.Fprintln(w, "Recent financial history:")
	for _, t := range r.Value {
		sign := "-"
		if t.Kind == core.Income {
			sign = "+"
		}
		fmt.Fprintf(w, "#%d %s%s - %s (%s) - %s [%s]\n",
			t.ID, sign, money(t.Amount), t.Description, t.CategoryLabel(),
			t.Timestamp.UTC().Format("2006-01-02"), kindTitle(t.Kind))
	}
}

func renderChart(w io.Writer, r services.Result[query.ChartSeries]) {
	s := r.Value
	title := strings.ReplaceAll(string(s.Type), "_", " ")
	fmt.Fprintf(w, "%s for %s:\n", strings.ToUpper(title[:1])+title[1:], r.Period.Label())
	switch s.Type {
	case query.ExpenseByCategory, query.IncomeByCategory:
		if len(s.Categories) == 0 {
			fmt.Fprintln(w, "  no data")
			return
		}
		renderCategoryLines(w, s.Categories)
	case query.IncomeVsExpense:
		fmt.Fprintf(w, "  Income: %s\n  Expenses: %s\n  Balance: %s\n", money(s.Income), money(s.Expense), money(s.Balance))
	case query.BalanceOverTime:
		if len(s.Points) == 0 {
			fmt.Fprintln(w, "  no data")
			return
		}
		for _, pt := range s.Points {
			fmt.Fprintf(w, "  %s: %s\n", pt.Date.Format("2006-01-02"), money(pt.Balance))
		}
	}
}

func renderLines(w io.Writer, lines []string) {
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
}

func renderStatus(w io.Writer, s services.Status) {
	fmt.Fprintf(w, "Loaded: %t\nTransactions: %d\nPending writes: %d\n", s.Ledger.Loaded, s.Ledger.Transactions, s.Ledger.PendingOps)
	if !s.Ledger.LastRefresh.IsZero() {
		fmt.Fprintf(w, "Last refresh: %s\n", s.Ledger.LastRefresh.Format("2006-01-02 15:04:05 MST"))
	}
	if s.Ledger.LastSyncError != "" {
		fmt.Fprintf(w, "Last sync error: %s\n", s.Ledger.LastSyncError)
	}
	fmt.Fprintf(w, "Store calls in window: %d/%d\n", s.Limiter.InWindow, s.Limiter.Limit)
}
