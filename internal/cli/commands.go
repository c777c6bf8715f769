package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ledgerbot/internal/core"
	"ledgerbot/internal/services"
)

// closeTimeout bounds the flush of queued writes when a command exits.
const closeTimeout = 30 * time.Second

// Options configures the root command. Zero values use the process
// environment and standard streams.
type Options struct {
	Out io.Writer
	Err io.Writer
	// Open builds the runtime for one command run.
	Open func(ctx context.Context) (*Runtime, error)
}

// OpenFromEnv loads .env and the environment configuration and opens the
// configured store. Logs go to stderr so stdout carries only results.
func OpenFromEnv(ctx context.Context) (*Runtime, error) {
	LoadEnvFile()
	cfg, err := LoadAndValidateConfig()
	if err != nil {
		return nil, err
	}
	logger := SetupLogger(cfg.LogLevel, os.Stderr)
	return NewRuntime(ctx, cfg, logger)
}

// commandError shows the user-facing message for err while keeping the
// cause for errors.Is.
type commandError struct{ err error }

func (e commandError) Error() string { return services.UserMessage(e.err) }
func (e commandError) Unwrap() error { return e.err }

type globals struct {
	user   string
	output string
	opts   Options
}

// NewRootCommand creates the root CLI command with all subcommands registered.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Open == nil {
		opts.Open = OpenFromEnv
	}
	g := &globals{opts: opts}

	rootCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Track personal income and expenses",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			g.user = strings.TrimSpace(g.user)
			g.output = strings.ToLower(strings.TrimSpace(g.output))
			return validOutput(g.output)
		},
	}
	if opts.Out != nil {
		rootCmd.SetOut(opts.Out)
	}
	if opts.Err != nil {
		rootCmd.SetErr(opts.Err)
	}

	rootCmd.PersistentFlags().StringVarP(&g.user, "user", "u", os.Getenv("LEDGER_USER"), "user the command acts for (env LEDGER_USER)")
	rootCmd.PersistentFlags().StringVarP(&g.output, "output", "o", OutputText, "output format: text, json or yaml")

	rootCmd.AddCommand(
		newRecordCommand(g, core.Expense),
		newRecordCommand(g, core.Income),
		newCategoryCommand(g),
		newBalanceCommand(g),
		newTotalCommand(g),
		newSummaryCommand(g),
		newOverviewCommand(g),
		newHistoryCommand(g),
		newChartCommand(g),
		newCategoriesCommand(g),
		newStatusCommand(g),
	)
	return rootCmd
}

// run opens the runtime, executes fn and flushes queued writes.
func (g *globals) run(cmd *cobra.Command, fn func(ctx context.Context, rt *Runtime, p printer) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := g.opts.Open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if cerr := rt.Close(closeCtx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	p := printer{format: g.output, out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr()}
	if err := fn(ctx, rt, p); err != nil {
		rt.Logger.DebugContext(ctx, "Command failed", "command", cmd.Name(), "error", err.Error())
		return commandError{err: err}
	}
	return nil
}

func (g *globals) requireUser() error {
	if g.user == "" {
		return errors.New("--user is required (or set LEDGER_USER)")
	}
	return nil
}

func newRecordCommand(g *globals, kind core.Kind) *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   string(kind) + " <amount> [description...]",
		Short: "Record " + map[core.Kind]string{core.Expense: "an expense", core.Income: "income"}[kind],
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.requireUser(); err != nil {
				return err
			}
			return g.run(cmd, func(ctx context.Context, rt *Runtime, p printer) error {
				r, err := rt.Service.Record(ctx, services.RecordRequest{
					UserID:      g.user,
					Kind:        string(kind),
					Amount:      args[0],
					Description: strings.Join(args[1:], " "),
					Category:    category,
				})
				if err != nil {
					return err
				}
				p.warn(r.Warning)
				return p.emit(r, func(w io.Writer) { renderRecorded(w, r) })
			})
		},
	}
	cmd.Flags().StringVarP(&category, "category", "c", "", "category name")
	return cmd
}

func newCategoryCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "category <id> <name...>",
		Short: "Set the category of an entry",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid entry id %q", args[0])
			}
			return g.run(cmd, func(ctx context.Context, rt *Runtime, p printer) error {
				r, err := rt.Service.Recategorize(ctx, id, strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				p.warn(r.Warning)
				return p.emit(r, func(w io.Writer) { renderRecategorized(w, r) })
			})
		},
	}
}

// queryFlags are the period and type filters shared by the report commands.
type queryFlags struct {
	period string
	kind   string
	limit  int
}

func (f *queryFlags) query(g *globals) services.Query {
	return services.Query{UserID: g.user, Period: f.period, Kind: f.kind, Limit: f.limit}
}

func (f *queryFlags) bindPeriod(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.period, "period", "p", "", "all, month or week")
}

func (f *queryFlags) bindKind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.kind, "type", "t", "", "expense, income or all")
}

func newBalanceCommand(g *globals) *cobra.Command {
	f := &queryFlags{}
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show income minus expenses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(cmd, func(ctx context.Context, rt *Runtime, p printer) error {
				r, err := rt.Service.Balance(ctx, f.query(g))
				if err != nil {
					return err
				}
				p.warn(r.Warning)
				return p.emit(r, func(w io.Writer) { renderBalance(w, r) })
			})
		},
	}
	f.bindPeriod(cmd)
	return cmd
}

func newTotalCommand(g *globals) *cobra.Command {
	f := &queryFlags{}
	cmd := &cobra.Command{
		Use:   "total",
		Short: "Show the total amount of entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(cmd, func(ctx context.Context, rt *Runtime, p printer) error {
				r, err := rt.Service.Total(ctx, f.query(g))
				if err != nil {
					return err
				}
				p.warn(r.Warning)
				return p.emit(r, func(w io.Writer) { renderTotal(w, r) })
			})
		},
	}
	f.bindPeriod(cmd)
	f.bindKind(cmd)
	return cmd
}

func newSummaryCommand(g *globals) *cobra.Command {
	f := &queryFlags{}
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show totals per category",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(cmd, func(ctx context.Context, rt *Runtime, p printer) error {
				r, err := rt.Service.Summary(ctx, f.query(g))
				if err != nil {
					return err
				}
				p.warn(r.Warning)
				return p.emit(r, func(w io.Writer) { renderSummary(w, r) })
			})
		},
	}
	f.bindPeriod(cmd)
	f.bindKind(cmd)
	return cmd
}

func newOverviewCommand(g *globals) *cobra.Command {
	f := &queryFlags{}
	cmd := &cobra.Command{
		Use:   "overview",
		Short: "Show income and expense breakdowns with the net balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(cmd, func(ctx context.Context, rt *Runtime, p printer) error {
				r, err := rt.Service.Overview(ctx, f.query(g))
				if err != nil {
					return err
				}
				p.warn(r.Warning)
				return p.emit(r, func(w io.Writer) { renderOverview(w, r) })
			})
		},
	}
	f.bindPeriod(cmd)
	return cmd
}

func newHistoryCommand(g *globals) *cobra.Command {
	f := &queryFlags{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the most recent entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.limit < 0 {
				return fmt.Errorf("--limit must not be negative")
			}
			return g.run(cmd, func(ctx context.Context, rt *Runtime, p printer) error {
				r, err := rt.Service.History(ctx, f.query(g))
				if err != nil {
					return err
				}
				p.warn(r.Warning)
				return p.emit(r, func(w io.Writer) { renderHistory(w, r) })
			})
		},
	}
	f.bindKind(cmd)
	cmd.Flags().IntVarP(&f.limit, "limit", "n", 0, "number of entries (default from HISTORY_DEFAULT_LIMIT)")
	return cmd
}

func newChartCommand(g *globals) *cobra.Command {
	f := &queryFlags{}
	cmd := &cobra.Command{
		Use:   "chart <type>",
		Short: "Show chart data: expense_by_category, income_by_category, income_vs_expense or balance_over_time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(cmd, func(ctx context.Context, rt *Runtime, p printer) error {
				q := f.query(g)
				q.Chart = args[0]
				r, err := rt.Service.Chart(ctx, q)
				if err != nil {
					return err
				}
				p.warn(r.Warning)
				return p.emit(r, func(w io.Writer) { renderChart(w, r) })
			})
		},
	}
	f.bindPeriod(cmd)
	return cmd
}

func newCategoriesCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "categories [partial]",
		Short: "List category suggestions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			partial := ""
			if len(args) == 1 {
				partial = args[0]
			}
			return g.run(cmd, func(ctx context.Context, rt *Runtime, p printer) error {
				cats, err := rt.Service.Categories(ctx, g.user, partial)
				if err != nil {
					return err
				}
				return p.emit(cats, func(w io.Writer) { renderLines(w, cats) })
			})
		},
	}
}

func newStatusCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show ledger, store quota and cache state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(cmd, func(ctx context.Context, rt *Runtime, p printer) error {
				s := rt.Service.Status()
				return p.emit(s, func(w io.Writer) { renderStatus(w, s) })
			})
		},
	}
}
