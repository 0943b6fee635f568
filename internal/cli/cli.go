// Package cli 提供只读的命令行子命令：查询市场、价格，以及回看账本中的模拟运行。
//
// 行情命令直接访问 Gamma / CLOB；账本命令只读 SQLite，不需要服务在运行。
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"polyclaw/internal/logger"
	"polyclaw/internal/report"
	"polyclaw/internal/store"
	"polyclaw/internal/types"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrUsage          = errors.New("usage")
)

// Markets is the slice of the market source the commands read.
type Markets interface {
	Refresh(ctx context.Context) error
	Events() []types.Event
	Context(ctx context.Context, tokenID string) (types.MarketContext, error)
}

// History is the read side of the ledger.
type History interface {
	ListRuns(ctx context.Context, limit int) ([]store.RunRecord, error)
	GetRun(ctx context.Context, id string) (store.RunRecord, error)
	ListTrades(ctx context.Context, filter store.TradeFilter) ([]store.TradeRecord, error)
	ListClosedPositions(ctx context.Context, runID string) ([]store.ClosedPositionRecord, error)
	ListSnapshots(ctx context.Context, runID string) ([]store.SnapshotRecord, error)
	Close() error
}

// Deps opens data sources lazily so a ledger command never touches the network
// and a market command never opens the database.
type Deps struct {
	Markets func(ctx context.Context) (Markets, error)
	Ledger  func() (History, error)
	Out     io.Writer
}

type command struct {
	usage string
	help  string
	run   func(ctx context.Context, d Deps, args []string) error
}

var commands = map[string]command{
	"markets":   {"markets [-limit N] [-tag T]", "list active events by 24h volume", runMarkets},
	"market":    {"market <slug>", "show one event with live prices", runMarket},
	"prices":    {"prices <token_id>...", "show midpoint and spread per token", runPrices},
	"search":    {"search <query>", "find events by title, slug or question", runSearch},
	"runs":      {"runs [-limit N]", "list recorded simulation runs", runRuns},
	"status":    {"status [run_id]", "summarize a run (latest by default)", runStatus},
	"balance":   {"balance [run_id]", "print the final balance of a run", runBalance},
	"positions": {"positions [run_id]", "list closed positions of a run", runPositions},
	"report":    {"report [-format md|json|csv] [run_id]", "print the run report", runReport},
}

// IsCommand reports whether name is a CLI subcommand.
func IsCommand(name string) bool {
	if name == "help" {
		return true
	}
	_, ok := commands[name]
	return ok
}

// Run 执行 args[0] 指定的子命令。
func Run(ctx context.Context, d Deps, args []string) error {
	if d.Out == nil {
		d.Out = io.Discard
	}
	if len(args) == 0 || args[0] == "help" {
		Usage(d.Out)
		return nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		Usage(d.Out)
		return fmt.Errorf("%w: %s", ErrUnknownCommand, args[0])
	}
	logger.Debugf("CLI: running %s %v", args[0], args[1:])
	if err := cmd.run(ctx, d, args[1:]); err != nil {
		if errors.Is(err, ErrUsage) {
			return fmt.Errorf("%w (polyclaw %s)", err, cmd.usage)
		}
		return fmt.Errorf("%s: %w", args[0], err)
	}
	return nil
}

// Usage prints the command list.
func Usage(w io.Writer) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(w, "usage: polyclaw [serve | <command> [args]]")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, name := range names {
		fmt.Fprintf(tw, "  %s\t%s\n", commands[name].usage, commands[name].help)
	}
	_ = tw.Flush()
}

func newFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	return nil
}

func loadMarkets(ctx context.Context, d Deps) (Markets, error) {
	if d.Markets == nil {
		return nil, errors.New("market data not configured")
	}
	m, err := d.Markets(ctx)
	if err != nil {
		return nil, err
	}
	if len(m.Events()) == 0 {
		if err := m.Refresh(ctx); err != nil {
			return nil, fmt.Errorf("load market listing: %w", err)
		}
	}
	return m, nil
}

func withLedger(d Deps, fn func(h History) error) error {
	if d.Ledger == nil {
		return errors.New("ledger not configured")
	}
	h, err := d.Ledger()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := h.Close(); cerr != nil {
			logger.Warnf("CLI: close ledger: %v", cerr)
		}
	}()
	return fn(h)
}

// resolveRun returns the requested run, or the most recent one when id is empty.
func resolveRun(ctx context.Context, h History, id string) (store.RunRecord, error) {
	if id = strings.TrimSpace(id); id != "" {
		return h.GetRun(ctx, id)
	}
	runs, err := h.ListRuns(ctx, 1)
	if err != nil {
		return store.RunRecord{}, err
	}
	if len(runs) == 0 {
		return store.RunRecord{}, store.ErrRunNotFound
	}
	return runs[0], nil
}

func loadReport(ctx context.Context, h History, run store.RunRecord) ([]store.TradeRecord, report.Report, error) {
	trades, err := h.ListTrades(ctx, store.TradeFilter{RunID: run.ID})
	if err != nil {
		return nil, report.Report{}, err
	}
	closed, err := h.ListClosedPositions(ctx, run.ID)
	if err != nil {
		return nil, report.Report{}, err
	}
	snaps, err := h.ListSnapshots(ctx, run.ID)
	if err != nil {
		return nil, report.Report{}, err
	}
	return trades, report.Generate(trades, closed, snaps, run.StartingBalance), nil
}

func optionalArg(args []string) (string, error) {
	switch len(args) {
	case 0:
		return "", nil
	case 1:
		return args[0], nil
	default:
		return "", ErrUsage
	}
}

func yesPrice(m types.Market) string {
	if len(m.OutcomePrices) == 0 {
		return "-"
	}
	return fmt.Sprintf("%.3f", m.OutcomePrices[0])
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04")
}
