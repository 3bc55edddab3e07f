package reporting

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
)

const dateLayout = "2006-01-02"

// SharpeHeader returns the summary column header for the Sharpe ratio.
func (r *Report) SharpeHeader() string {
	return "Sharpe(rf=" + strconv.FormatFloat(r.RiskFreeRate, 'g', -1, 64) + ")"
}

// WriteSummaryCSV writes one row per portfolio with its annualized metrics.
// An undefined Sharpe ratio is written as an empty cell.
func WriteSummaryCSV(w io.Writer, r *Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Portfolio", "Ann.Return", "Ann.Volatility", r.SharpeHeader()}); err != nil {
		return err
	}
	for _, e := range r.Entries {
		sharpe := ""
		if v, ok := e.Metrics.Sharpe(); ok {
			sharpe = formatFloat(v)
		}
		record := []string{
			e.Label,
			formatFloat(e.Metrics.AnnualizedReturn),
			formatFloat(e.Metrics.AnnualizedVolatility),
			sharpe,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteWeightsCSV writes one row per ticker and one column per portfolio.
func WriteWeightsCSV(w io.Writer, r *Report) error {
	cw := csv.NewWriter(w)
	header := []string{"Ticker"}
	for _, e := range r.Entries {
		header = append(header, e.Label)
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for i, ticker := range r.Tickers {
		record := []string{ticker}
		for _, e := range r.Entries {
			record = append(record, formatFloat(e.Allocation.Weights[i]))
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteGrowthCSV writes the growth curves, one row per period. Rows are
// labelled by date when the report has dates, otherwise by index.
func WriteGrowthCSV(w io.Writer, r *Report) error {
	cw := csv.NewWriter(w)
	header := []string{"Date"}
	for _, e := range r.Entries {
		header = append(header, e.Label)
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for t := 0; t < r.periods(); t++ {
		record := []string{r.periodLabel(t)}
		for _, e := range r.Entries {
			record = append(record, formatFloat(e.Growth[t]))
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteText prints the summary and weight tables in percent.
func WriteText(w io.Writer, r *Report) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)

	fmt.Fprintln(tw, "=== Annualized Summary ===")
	fmt.Fprintf(tw, "Portfolio\tAnn.Return\tAnn.Volatility\t%s\tMax.Drawdown\t\n", r.SharpeHeader())
	for _, e := range r.Entries {
		sharpe := "n/a"
		if v, ok := e.Metrics.Sharpe(); ok {
			sharpe = fmt.Sprintf("%.2f", v)
		}
		fmt.Fprintf(tw, "%s\t%.2f%%\t%.2f%%\t%s\t%.2f%%\t\n",
			e.Label,
			e.Metrics.AnnualizedReturn*100,
			e.Metrics.AnnualizedVolatility*100,
			sharpe,
			e.MaxDrawdown*100)
	}

	fmt.Fprintln(tw, "\t\t\t\t\t")
	fmt.Fprintln(tw, "=== Weights (%) ===")
	fmt.Fprint(tw, "Ticker\t")
	for _, e := range r.Entries {
		fmt.Fprintf(tw, "%s\t", e.Label)
	}
	fmt.Fprintln(tw)
	for i, ticker := range r.Tickers {
		fmt.Fprintf(tw, "%s\t", ticker)
		for _, e := range r.Entries {
			fmt.Fprintf(tw, "%.2f\t", e.Allocation.Weights[i]*100)
		}
		fmt.Fprintln(tw)
	}

	if len(r.Assets) > 0 {
		fmt.Fprintln(tw, "\t\t\t\t\t")
		fmt.Fprintln(tw, "=== Assets (daily series) ===")
		fmt.Fprint(tw, "Ticker\tMean\tStd\tSharpe(ann.)\tCAGR\tVol(ann.)\t\n")
		for _, a := range r.Assets {
			sharpe := "n/a"
			if a.SharpeRatio != nil {
				sharpe = fmt.Sprintf("%.2f", *a.SharpeRatio)
			}
			fmt.Fprintf(tw, "%s\t%.4f%%\t%.4f%%\t%s\t%.2f%%\t%.2f%%\t\n",
				a.Ticker, a.MeanReturn*100, a.StdDev*100, sharpe, a.CAGR*100, a.AnnualizedVolatility*100)
		}
	}

	return tw.Flush()
}

func (r *Report) periods() int {
	if len(r.Entries) == 0 {
		return 0
	}
	return len(r.Entries[0].Growth)
}

func (r *Report) periodLabel(t int) string {
	if t < len(r.Dates) {
		return r.Dates[t].Format(dateLayout)
	}
	return strconv.Itoa(t + 1)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
