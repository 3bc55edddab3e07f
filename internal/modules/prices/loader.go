// Package prices loads daily price tables and turns them into return
// matrices for the optimizer.
package prices

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/allocator/internal/modules/optimization"
)

var (
	// ErrNoData is returned when a price table has no usable rows.
	ErrNoData = errors.New("no price data")

	// ErrMissingTickers is returned when fewer than two requested tickers are
	// present in the table.
	ErrMissingTickers = errors.New("missing tickers")

	// ErrInvalidCSV is returned for malformed price rows or headers.
	ErrInvalidCSV = errors.New("invalid price csv")
)

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// LoadOptions controls how a price CSV is read.
type LoadOptions struct {
	// DateColumn names the date column. Empty means the first column.
	DateColumn string
	// Tickers restricts and orders the price columns. Tickers absent from the
	// file are skipped. Empty means every non-date column in file order.
	Tickers []string
}

// PriceTable is a chronologically ordered table of close prices. A NaN entry
// marks a missing price.
type PriceTable struct {
	Dates   []time.Time
	Tickers []string
	// Prices is indexed [row][ticker].
	Prices [][]float64
	// Skipped lists requested tickers that were not in the file.
	Skipped []string
}

// LoadFile reads a price CSV from path.
func LoadFile(path string, opts LoadOptions) (*PriceTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open price file: %w", err)
	}
	defer f.Close()

	table, err := Load(f, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}

// Load reads a price CSV with a header row.
func Load(r io.Reader, opts LoadOptions) (*PriceTable, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty file", ErrNoData)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrInvalidCSV, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	dateCol, err := findDateColumn(header, opts.DateColumn)
	if err != nil {
		return nil, err
	}
	tickers, cols, skipped := selectColumns(header, dateCol, opts.Tickers)
	if len(tickers) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 price columns, found %d (skipped: %s)",
			ErrMissingTickers, len(tickers), strings.Join(skipped, ", "))
	}

	type row struct {
		date   time.Time
		prices []float64
	}
	var rows []row
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", ErrInvalidCSV, line, err)
		}
		if isBlank(record) {
			continue
		}
		if dateCol >= len(record) {
			return nil, fmt.Errorf("%w: line %d: missing date", ErrInvalidCSV, line)
		}
		date, err := parseDate(record[dateCol])
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidCSV, line, err)
		}
		prices := make([]float64, len(cols))
		for k, c := range cols {
			prices[k] = parsePrice(record, c)
		}
		rows = append(rows, row{date: date, prices: prices})
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: header only", ErrNoData)
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].date.Before(rows[j].date) })
	table := &PriceTable{
		Tickers: tickers,
		Skipped: skipped,
		Dates:   make([]time.Time, len(rows)),
		Prices:  make([][]float64, len(rows)),
	}
	for i, r := range rows {
		if i > 0 && r.date.Equal(rows[i-1].date) {
			return nil, fmt.Errorf("%w: duplicate date %s", ErrInvalidCSV, r.date.Format("2006-01-02"))
		}
		table.Dates[i] = r.date
		table.Prices[i] = r.prices
	}
	return table, nil
}

func findDateColumn(header []string, name string) (int, error) {
	if name == "" {
		if len(header) == 0 {
			return 0, fmt.Errorf("%w: empty header", ErrNoData)
		}
		return 0, nil
	}
	for i, h := range header {
		if strings.EqualFold(h, name) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: date column %q not found", ErrInvalidCSV, name)
}

func selectColumns(header []string, dateCol int, requested []string) (tickers []string, cols []int, skipped []string) {
	if len(requested) == 0 {
		for i, h := range header {
			if i != dateCol && h != "" {
				tickers = append(tickers, h)
				cols = append(cols, i)
			}
		}
		return tickers, cols, nil
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		if i != dateCol {
			index[h] = i
		}
	}
	seen := make(map[string]bool, len(requested))
	for _, t := range requested {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		if c, ok := index[t]; ok {
			tickers = append(tickers, t)
			cols = append(cols, c)
		} else {
			skipped = append(skipped, t)
		}
	}
	return tickers, cols, skipped
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

// parsePrice returns NaN for empty, unparseable or non-finite cells.
func parsePrice(record []string, col int) float64 {
	if col >= len(record) {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(record[col]), 64)
	if err != nil || math.IsInf(v, 0) {
		return math.NaN()
	}
	return v
}

func isBlank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// ForwardFill replaces each missing price with the last known price of the
// same ticker. Leading gaps stay missing.
func (p *PriceTable) ForwardFill() {
	for k := range p.Tickers {
		last := math.NaN()
		for t := range p.Prices {
			if math.IsNaN(p.Prices[t][k]) {
				p.Prices[t][k] = last
			} else {
				last = p.Prices[t][k]
			}
		}
	}
}

// DropIncomplete removes every row that still has a missing price.
func (p *PriceTable) DropIncomplete() {
	dates := p.Dates[:0]
	prices := p.Prices[:0]
	for t, row := range p.Prices {
		complete := true
		for _, v := range row {
			if math.IsNaN(v) {
				complete = false
				break
			}
		}
		if complete {
			dates = append(dates, p.Dates[t])
			prices = append(prices, row)
		}
	}
	p.Dates = dates
	p.Prices = prices
}

// Returns computes simple returns p_t/p_{t-1} - 1 between consecutive rows.
// A row whose previous price is not positive for some ticker is dropped. The
// table must not contain missing prices.
func (p *PriceTable) Returns() (*optimization.ReturnMatrix, error) {
	if len(p.Prices) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 complete price rows, got %d", ErrNoData, len(p.Prices))
	}

	var dates []time.Time
	var rows [][]float64
	for t := 1; t < len(p.Prices); t++ {
		prev, cur := p.Prices[t-1], p.Prices[t]
		row := make([]float64, len(cur))
		valid := true
		for k := range cur {
			if math.IsNaN(prev[k]) || math.IsNaN(cur[k]) {
				return nil, fmt.Errorf("%w: missing price for %s on %s",
					optimization.ErrInvalidReturns, p.Tickers[k], p.Dates[t].Format("2006-01-02"))
			}
			if prev[k] <= 0 {
				valid = false
				break
			}
			row[k] = cur[k]/prev[k] - 1
		}
		if valid {
			dates = append(dates, p.Dates[t])
			rows = append(rows, row)
		}
	}

	return optimization.NewReturnMatrix(dates, p.Tickers, rows)
}

// ReturnsFromFile loads path, forward-fills gaps, drops rows that are still
// incomplete and computes simple returns.
func ReturnsFromFile(path string, opts LoadOptions) (*optimization.ReturnMatrix, error) {
	table, err := LoadFile(path, opts)
	if err != nil {
		return nil, err
	}
	return table.CleanReturns()
}

// CleanReturns applies ForwardFill and DropIncomplete to a copy of p before
// computing returns.
func (p *PriceTable) CleanReturns() (*optimization.ReturnMatrix, error) {
	c := p.Clone()
	c.ForwardFill()
	c.DropIncomplete()
	return c.Returns()
}

// Clone returns a deep copy of p.
func (p *PriceTable) Clone() *PriceTable {
	c := &PriceTable{
		Dates:   append([]time.Time(nil), p.Dates...),
		Tickers: append([]string(nil), p.Tickers...),
		Skipped: append([]string(nil), p.Skipped...),
		Prices:  make([][]float64, len(p.Prices)),
	}
	for i, row := range p.Prices {
		c.Prices[i] = append([]float64(nil), row...)
	}
	return c
}
