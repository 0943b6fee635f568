package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"polyclaw/internal/store"
)

var csvHeader = []string{
	"trade_id", "run_id", "strategy", "market_id", "token_id", "outcome", "side",
	"price", "fill_price", "size", "slippage", "balance_after", "realized_pnl",
	"success", "error", "executed_at",
}

// ExportCSV 将成交流水写成 CSV，首行为表头。
func ExportCSV(w io.Writer, trades []store.TradeRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, t := range trades {
		row := []string{
			strconv.FormatInt(t.TradeID, 10),
			t.RunID,
			t.Strategy,
			t.MarketID,
			t.TokenID,
			t.Outcome,
			t.Side,
			formatFloat(t.Price),
			formatFloat(t.FillPrice),
			formatFloat(t.Size),
			formatFloat(t.Slippage),
			formatFloat(t.BalanceAfter),
			formatFloat(t.RealizedPnL),
			strconv.FormatBool(t.Success),
			t.Error,
			t.ExecutedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row %d: %w", t.TradeID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

type jsonExport struct {
	RunID  string              `json:"run_id"`
	Report Report              `json:"report"`
	Trades []store.TradeRecord `json:"trades"`
}

// ExportJSON writes the report and its trades as one indented document.
func ExportJSON(w io.Writer, runID string, rep Report, trades []store.TradeRecord) error {
	if trades == nil {
		trades = []store.TradeRecord{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jsonExport{RunID: runID, Report: rep, Trades: trades})
}

// ExportMarkdown 输出运行摘要与按策略拆分的表格。
func ExportMarkdown(w io.Writer, runID string, rep Report, trades []store.TradeRecord) error {
	filled := 0
	for _, t := range trades {
		if t.Success {
			filled++
		}
	}

	var b strings.Builder
	b.WriteString("# Simulation Run Report\n\n")
	if runID != "" {
		fmt.Fprintf(&b, "- **Run:** %s\n", runID)
	}
	fmt.Fprintf(&b, "- **Total Trades:** %d\n", len(trades))
	fmt.Fprintf(&b, "- **Filled:** %d\n", filled)
	fmt.Fprintf(&b, "- **Starting Balance:** $%.2f\n", rep.StartingBalance)
	fmt.Fprintf(&b, "- **Final Value:** $%.2f (%+.2f%%)\n", rep.FinalValue, rep.ReturnPct)
	fmt.Fprintf(&b, "- **Total P&L:** $%+.2f\n", rep.TotalPnL)
	fmt.Fprintf(&b, "- **Win Rate:** %.1f%%\n", rep.WinRate*100)
	fmt.Fprintf(&b, "- **Max Drawdown:** $%.2f\n", rep.MaxDrawdown)

	if len(rep.Strategies) > 0 {
		b.WriteString("\n## Strategy Breakdown\n\n")
		b.WriteString("| Strategy | Trades | Wins | Win Rate | P&L |\n")
		b.WriteString("|---|---|---|---|---|\n")
		for _, s := range rep.Strategies {
			fmt.Fprintf(&b, "| %s | %d | %d | %.1f%% | $%+.2f |\n", s.Name, s.Trades, s.Wins, s.WinRate*100, s.TotalPnL)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
