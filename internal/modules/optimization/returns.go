package optimization

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

// ReturnMatrix holds per-period simple returns, one row per date and one
// column per ticker. Column order is the canonical asset order for every
// weight vector derived from it. A ReturnMatrix is never modified after
// construction.
type ReturnMatrix struct {
	dates   []time.Time
	tickers []string
	data    *mat.Dense
}

// NewReturnMatrix validates and copies its inputs. dates may be nil; when
// present it must have one entry per row.
func NewReturnMatrix(dates []time.Time, tickers []string, rows [][]float64) (*ReturnMatrix, error) {
	if err := validateTickers(tickers); err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 return rows, got %d", ErrInsufficientData, len(rows))
	}
	if dates != nil && len(dates) != len(rows) {
		return nil, fmt.Errorf("%w: %d dates for %d rows", ErrInvalidUniverse, len(dates), len(rows))
	}

	n := len(tickers)
	data := mat.NewDense(len(rows), n, nil)
	for t, row := range rows {
		if len(row) != n {
			return nil, fmt.Errorf("%w: row %d has %d columns, expected %d", ErrInvalidUniverse, t, len(row), n)
		}
		for i, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: non-finite return for %s at row %d", ErrInvalidReturns, tickers[i], t)
			}
			data.Set(t, i, v)
		}
	}

	m := &ReturnMatrix{
		tickers: append([]string(nil), tickers...),
		data:    data,
	}
	if dates != nil {
		m.dates = append([]time.Time(nil), dates...)
	}
	return m, nil
}

func validateTickers(tickers []string) error {
	if len(tickers) < 2 {
		return fmt.Errorf("%w: need at least 2 assets, got %d", ErrInsufficientData, len(tickers))
	}
	seen := make(map[string]bool, len(tickers))
	for _, t := range tickers {
		if t == "" {
			return fmt.Errorf("%w: empty ticker", ErrInvalidUniverse)
		}
		if seen[t] {
			return fmt.Errorf("%w: duplicate ticker %s", ErrInvalidUniverse, t)
		}
		seen[t] = true
	}
	return nil
}

// Rows returns the number of return periods.
func (m *ReturnMatrix) Rows() int {
	r, _ := m.data.Dims()
	return r
}

// Assets returns the universe size.
func (m *ReturnMatrix) Assets() int {
	return len(m.tickers)
}

// Tickers returns a copy of the asset universe in column order.
func (m *ReturnMatrix) Tickers() []string {
	return append([]string(nil), m.tickers...)
}

// Dates returns a copy of the row dates, or nil when the matrix was built
// without dates.
func (m *ReturnMatrix) Dates() []time.Time {
	if m.dates == nil {
		return nil
	}
	return append([]time.Time(nil), m.dates...)
}

// Row returns a copy of the returns for period t.
func (m *ReturnMatrix) Row(t int) []float64 {
	return mat.Row(nil, t, m.data)
}

// Column returns a copy of the return series for asset i.
func (m *ReturnMatrix) Column(i int) []float64 {
	return mat.Col(nil, i, m.data)
}

// Matrix returns a read-only view of the returns.
func (m *ReturnMatrix) Matrix() mat.Matrix {
	return m.data
}

// Select returns a matrix restricted to tickers, in the given order. Every
// requested ticker must be present.
func (m *ReturnMatrix) Select(tickers []string) (*ReturnMatrix, error) {
	if err := validateTickers(tickers); err != nil {
		return nil, err
	}
	index := make(map[string]int, len(m.tickers))
	for i, t := range m.tickers {
		index[t] = i
	}
	cols := make([]int, len(tickers))
	for k, t := range tickers {
		i, ok := index[t]
		if !ok {
			return nil, fmt.Errorf("%w: ticker %s not in return matrix", ErrInvalidUniverse, t)
		}
		cols[k] = i
	}

	rows := m.Rows()
	data := mat.NewDense(rows, len(tickers), nil)
	for t := 0; t < rows; t++ {
		for k, i := range cols {
			data.Set(t, k, m.data.At(t, i))
		}
	}
	return &ReturnMatrix{
		dates:   m.Dates(),
		tickers: append([]string(nil), tickers...),
		data:    data,
	}, nil
}
