package report

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"

	"polyclaw/internal/store"
)

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorValue         = "#34d399"
	colorBalance       = "#3b82f6"

	chartWidthPx  = 1200
	chartHeightPx = 480
)

// RenderEquityChart writes a standalone HTML line chart of total value and cash
// balance over the given snapshots.
func RenderEquityChart(w io.Writer, snapshots []store.SnapshotRecord) error {
	if len(snapshots) == 0 {
		return ErrNoData
	}
	xAxis := make([]string, len(snapshots))
	values := make([]opts.LineData, len(snapshots))
	balances := make([]opts.LineData, len(snapshots))
	for i, s := range snapshots {
		xAxis[i] = s.TakenAt.Format("01-02 15:04")
		values[i] = opts.LineData{Value: s.TotalValue}
		balances[i] = opts.LineData{Value: s.Balance}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle:       "Equity curve",
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", chartWidthPx),
			Height:          fmt.Sprintf("%dpx", chartHeightPx),
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:         "Equity",
			Subtitle:      fmt.Sprintf("run %s, %d snapshots", snapshots[0].RunID, len(snapshots)),
			Left:          "left",
			TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(false)},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.2)}},
		}),
	)
	line.SetXAxis(xAxis)
	noSymbol := charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)})
	line.AddSeries("Total value", values, noSymbol, charts.WithLineStyleOpts(opts.LineStyle{Color: colorValue, Width: 2}))
	line.AddSeries("Balance", balances, noSymbol, charts.WithLineStyleOpts(opts.LineStyle{Color: colorBalance, Width: 2}))
	return line.Render(w)
}
