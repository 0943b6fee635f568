package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"polyclaw/internal/report"
	"polyclaw/internal/types"
)

func runMarkets(ctx context.Context, d Deps, args []string) error {
	fs := newFlags("markets")
	limit := fs.Int("limit", 20, "events to show")
	tag := fs.String("tag", "", "only events carrying this tag")
	if err := parse(fs, args); err != nil {
		return err
	}
	m, err := loadMarkets(ctx, d)
	if err != nil {
		return err
	}
	var events []types.Event
	for _, e := range m.Events() {
		if *tag != "" && !e.HasTag(*tag) {
			continue
		}
		events = append(events, e)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Volume24h > events[j].Volume24h })
	if *limit > 0 && len(events) > *limit {
		events = events[:*limit]
	}
	if len(events) == 0 {
		fmt.Fprintln(d.Out, "no markets found")
		return nil
	}
	printEvents(d, events)
	fmt.Fprintf(d.Out, "\nshowing %d events\n", len(events))
	return nil
}

func runSearch(ctx context.Context, d Deps, args []string) error {
	query := strings.ToLower(strings.TrimSpace(strings.Join(args, " ")))
	if query == "" {
		return ErrUsage
	}
	m, err := loadMarkets(ctx, d)
	if err != nil {
		return err
	}
	var hits []types.Event
	for _, e := range m.Events() {
		if matches(e, query) {
			hits = append(hits, e)
		}
	}
	if len(hits) == 0 {
		fmt.Fprintf(d.Out, "no markets match %q\n", query)
		return nil
	}
	printEvents(d, hits)
	return nil
}

func matches(e types.Event, query string) bool {
	if strings.Contains(strings.ToLower(e.Title), query) || strings.Contains(strings.ToLower(e.Slug), query) {
		return true
	}
	for _, mk := range e.Markets {
		if strings.Contains(strings.ToLower(mk.Question), query) {
			return true
		}
	}
	return false
}

func printEvents(d Deps, events []types.Event) {
	tw := tabwriter.NewWriter(d.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TITLE\tSLUG\tMARKETS\tVOLUME_24H\tYES\tENDS")
	for _, e := range events {
		yes := "-"
		if len(e.Markets) > 0 {
			yes = yesPrice(e.Markets[0])
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.0f\t%s\t%s\n", e.Title, e.Slug, len(e.Markets), e.Volume24h, yes, formatTime(e.EndDate))
	}
	_ = tw.Flush()
}

func runMarket(ctx context.Context, d Deps, args []string) error {
	if len(args) != 1 {
		return ErrUsage
	}
	m, err := loadMarkets(ctx, d)
	if err != nil {
		return err
	}
	var event *types.Event
	for _, e := range m.Events() {
		if e.Slug == args[0] {
			event = &e
			break
		}
	}
	if event == nil {
		return fmt.Errorf("market %q not found", args[0])
	}
	fmt.Fprintf(d.Out, "%s (%s)\n", event.Title, event.Slug)
	if len(event.Tags) > 0 {
		fmt.Fprintf(d.Out, "tags: %s\n", strings.Join(event.Tags, ", "))
	}
	tw := tabwriter.NewWriter(d.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "QUESTION\tTOKEN\tLISTED\tMID\tSPREAD")
	for _, mk := range event.Markets {
		if len(mk.TokenIDs) == 0 || mk.Closed {
			continue
		}
		token := mk.TokenIDs[0]
		mid, spread := "-", "-"
		if mc, err := m.Context(ctx, token); err == nil {
			mid = fmt.Sprintf("%.4f", mc.Midpoint)
			spread = fmt.Sprintf("%.4f", mc.Spread)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", mk.Question, token, yesPrice(mk), mid, spread)
	}
	return tw.Flush()
}

func runPrices(ctx context.Context, d Deps, args []string) error {
	if len(args) == 0 {
		return ErrUsage
	}
	m, err := loadMarkets(ctx, d)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(d.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TOKEN\tOUTCOME\tMID\tSPREAD\tQUESTION")
	var failed int
	for _, token := range args {
		mc, err := m.Context(ctx, token)
		if err != nil {
			failed++
			fmt.Fprintf(tw, "%s\t-\t-\t-\t%v\n", token, err)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%.4f\t%.4f\t%s\n", token, mc.Outcome, mc.Midpoint, mc.Spread, mc.Question)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if failed == len(args) {
		return fmt.Errorf("no prices for %d tokens", failed)
	}
	return nil
}

func runRuns(ctx context.Context, d Deps, args []string) error {
	fs := newFlags("runs")
	limit := fs.Int("limit", 20, "runs to show")
	if err := parse(fs, args); err != nil {
		return err
	}
	return withLedger(d, func(h History) error {
		runs, err := h.ListRuns(ctx, *limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(d.Out, "no runs recorded")
			return nil
		}
		tw := tabwriter.NewWriter(d.Out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tSTRATEGY\tSTATUS\tSTARTED\tTICKS\tTRADES\tPNL")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%+.2f\n", r.ID, r.Strategy, r.Status, formatTime(r.StartedAt), r.TickCount, r.TotalTrades, r.RealizedPnL)
		}
		return tw.Flush()
	})
}

func runStatus(ctx context.Context, d Deps, args []string) error {
	id, err := optionalArg(args)
	if err != nil {
		return err
	}
	return withLedger(d, func(h History) error {
		run, err := resolveRun(ctx, h, id)
		if err != nil {
			return err
		}
		_, rep, err := loadReport(ctx, h, run)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(d.Out, 0, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "run\t%s\n", run.ID)
		fmt.Fprintf(tw, "strategy\t%s\n", run.Strategy)
		fmt.Fprintf(tw, "status\t%s\n", run.Status)
		fmt.Fprintf(tw, "started\t%s\n", formatTime(run.StartedAt))
		if run.EndedAt != nil {
			fmt.Fprintf(tw, "ended\t%s\n", formatTime(*run.EndedAt))
		}
		fmt.Fprintf(tw, "balance\t$%.2f\n", rep.FinalBalance)
		fmt.Fprintf(tw, "value\t$%.2f (%+.2f%%)\n", rep.FinalValue, rep.ReturnPct)
		fmt.Fprintf(tw, "trades\t%d filled, %d failed\n", rep.Trades, rep.FailedTrades)
		fmt.Fprintf(tw, "realized\t$%+.2f\n", rep.TotalPnL)
		fmt.Fprintf(tw, "win rate\t%.1f%%\n", rep.WinRate*100)
		if run.Error != "" {
			fmt.Fprintf(tw, "error\t%s\n", run.Error)
		}
		return tw.Flush()
	})
}

func runBalance(ctx context.Context, d Deps, args []string) error {
	id, err := optionalArg(args)
	if err != nil {
		return err
	}
	return withLedger(d, func(h History) error {
		run, err := resolveRun(ctx, h, id)
		if err != nil {
			return err
		}
		_, rep, err := loadReport(ctx, h, run)
		if err != nil {
			return err
		}
		fmt.Fprintf(d.Out, "%.2f\n", rep.FinalBalance)
		return nil
	})
}

func runPositions(ctx context.Context, d Deps, args []string) error {
	id, err := optionalArg(args)
	if err != nil {
		return err
	}
	return withLedger(d, func(h History) error {
		run, err := resolveRun(ctx, h, id)
		if err != nil {
			return err
		}
		closed, err := h.ListClosedPositions(ctx, run.ID)
		if err != nil {
			return err
		}
		if len(closed) == 0 {
			fmt.Fprintf(d.Out, "no closed positions in run %s\n", run.ID)
			return nil
		}
		tw := tabwriter.NewWriter(d.Out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "TOKEN\tOUTCOME\tSIZE\tENTRY\tEXIT\tPNL\tREASON\tCLOSED")
		for _, p := range closed {
			reason := p.Reason
			if p.Settled {
				reason = "settled"
			}
			fmt.Fprintf(tw, "%s\t%s\t%.2f\t%.4f\t%.4f\t%+.2f\t%s\t%s\n", p.TokenID, p.Outcome, p.Size, p.EntryPrice, p.ExitPrice, p.RealizedPnL, reason, formatTime(p.ClosedAt))
		}
		return tw.Flush()
	})
}

func runReport(ctx context.Context, d Deps, args []string) error {
	fs := newFlags("report")
	format := fs.String("format", "md", "md, json or csv")
	if err := parse(fs, args); err != nil {
		return err
	}
	id, err := optionalArg(fs.Args())
	if err != nil {
		return err
	}
	return withLedger(d, func(h History) error {
		run, err := resolveRun(ctx, h, id)
		if err != nil {
			return err
		}
		trades, rep, err := loadReport(ctx, h, run)
		if err != nil {
			return err
		}
		switch strings.ToLower(*format) {
		case "md", "markdown":
			return report.ExportMarkdown(d.Out, run.ID, rep, trades)
		case "json":
			return report.ExportJSON(d.Out, run.ID, rep, trades)
		case "csv":
			return report.ExportCSV(d.Out, trades)
		default:
			return fmt.Errorf("%w: unknown format %q", ErrUsage, *format)
		}
	})
}
