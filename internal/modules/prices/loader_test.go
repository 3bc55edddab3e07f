package prices

import (
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = `Date,AAPL,MSFT,GOOGL
2024-01-04,102,201,
2024-01-02,100,200,50
2024-01-03,101,,51
2024-01-05,103,204,52
`

func TestLoad_SortsAndParses(t *testing.T) {
	table, err := Load(strings.NewReader(sampleCSV), LoadOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"AAPL", "MSFT", "GOOGL"}, table.Tickers)
	require.Len(t, table.Dates, 4)
	assert.Equal(t, "2024-01-02", table.Dates[0].Format("2006-01-02"))
	assert.Equal(t, "2024-01-05", table.Dates[3].Format("2006-01-02"))
	assert.Equal(t, []float64{100, 200, 50}, table.Prices[0])
	assert.True(t, math.IsNaN(table.Prices[1][1]), "empty cell is missing")
	assert.True(t, math.IsNaN(table.Prices[2][2]))
}

func TestLoad_TickerSelection(t *testing.T) {
	table, err := Load(strings.NewReader(sampleCSV), LoadOptions{Tickers: []string{"GOOGL", "TSLA", "AAPL"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"GOOGL", "AAPL"}, table.Tickers)
	assert.Equal(t, []string{"TSLA"}, table.Skipped)
	assert.Equal(t, []float64{50, 100}, table.Prices[0])

	_, err = Load(strings.NewReader(sampleCSV), LoadOptions{Tickers: []string{"AAPL", "TSLA"}})
	assert.ErrorIs(t, err, ErrMissingTickers)
}

func TestLoad_DateFormats(t *testing.T) {
	csv := "timestamp,A,B\n" +
		"2024-01-02T00:00:00Z,1,2\n" +
		"2024-01-03 00:00:00,1.1,2.2\n"

	table, err := Load(strings.NewReader(csv), LoadOptions{DateColumn: "Timestamp"})
	require.NoError(t, err)
	require.Len(t, table.Dates, 2)
	assert.True(t, table.Dates[0].Before(table.Dates[1]))
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		opts    LoadOptions
		wantErr error
		wantMsg string
	}{
		{name: "empty", input: "", wantErr: ErrNoData},
		{name: "header only", input: "Date,A,B\n", wantErr: ErrNoData},
		{name: "single ticker", input: "Date,A\n2024-01-02,1\n", wantErr: ErrMissingTickers},
		{name: "bad date", input: "Date,A,B\nyesterday,1,2\n", wantErr: ErrInvalidCSV, wantMsg: "unparseable date"},
		{name: "duplicate date", input: "Date,A,B\n2024-01-02,1,2\n2024-01-02,1,2\n", wantErr: ErrInvalidCSV, wantMsg: "duplicate date"},
		{name: "unknown date column", input: "Date,A,B\n2024-01-02,1,2\n", opts: LoadOptions{DateColumn: "When"}, wantErr: ErrInvalidCSV, wantMsg: "not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.input), tt.opts)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestLoad_ReadErrorIsWrapped(t *testing.T) {
	errRead := errors.New("connection reset")

	input := io.MultiReader(strings.NewReader("Date,A,B\n2024-01-02,1,2\n"), iotest.ErrReader(errRead))
	_, err := Load(input, LoadOptions{})
	assert.ErrorIs(t, err, ErrInvalidCSV)
	assert.ErrorIs(t, err, errRead)

	_, err = Load(iotest.ErrReader(errRead), LoadOptions{})
	assert.ErrorIs(t, err, ErrInvalidCSV)
	assert.ErrorIs(t, err, errRead)
}

func TestForwardFillAndDropIncomplete(t *testing.T) {
	input := "Date,A,B\n" +
		"2024-01-02,,10\n" +
		"2024-01-03,5,11\n" +
		"2024-01-04,,12\n" +
		"2024-01-05,6,\n"
	table, err := Load(strings.NewReader(input), LoadOptions{})
	require.NoError(t, err)

	table.ForwardFill()
	assert.True(t, math.IsNaN(table.Prices[0][0]), "leading gap stays missing")
	assert.Equal(t, 5.0, table.Prices[2][0])
	assert.Equal(t, 12.0, table.Prices[3][1])

	table.DropIncomplete()
	require.Len(t, table.Dates, 3)
	require.Len(t, table.Prices, 3)
	assert.Equal(t, "2024-01-03", table.Dates[0].Format("2006-01-02"))
}

func TestReturns(t *testing.T) {
	table, err := Load(strings.NewReader(sampleCSV), LoadOptions{})
	require.NoError(t, err)

	m, err := table.CleanReturns()
	require.NoError(t, err)

	// The original table is untouched.
	assert.True(t, math.IsNaN(table.Prices[1][1]))

	require.Equal(t, 3, m.Rows())
	assert.Equal(t, []string{"AAPL", "MSFT", "GOOGL"}, m.Tickers())
	assert.InDelta(t, 0.01, m.Row(0)[0], 1e-12)
	assert.InDelta(t, 0.0, m.Row(0)[1], 1e-12, "forward-filled price gives a zero return")
	assert.InDelta(t, 0.02, m.Row(0)[2], 1e-12)
	assert.InDelta(t, 52.0/51.0-1, m.Row(2)[2], 1e-12)
	assert.Equal(t, "2024-01-03", m.Dates()[0].Format("2006-01-02"))
}

func TestReturns_MissingPrice(t *testing.T) {
	table, err := Load(strings.NewReader(sampleCSV), LoadOptions{})
	require.NoError(t, err)

	_, err = table.Returns()
	assert.ErrorIs(t, err, optimization.ErrInvalidReturns)
}

func TestReturns_NonPositivePreviousPrice(t *testing.T) {
	input := "Date,A,B\n" +
		"2024-01-02,1,1\n" +
		"2024-01-03,0,1.1\n" +
		"2024-01-04,1,1.2\n" +
		"2024-01-05,1.1,1.3\n" +
		"2024-01-08,1.2,1.2\n"
	table, err := Load(strings.NewReader(input), LoadOptions{})
	require.NoError(t, err)

	m, err := table.Returns()
	require.NoError(t, err)
	assert.Equal(t, 3, m.Rows(), "the row after the zero price is dropped")
}

func TestReturnsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleCSV), 0644))

	m, err := ReturnsFromFile(path, LoadOptions{Tickers: []string{"MSFT", "AAPL"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"MSFT", "AAPL"}, m.Tickers())
	assert.Equal(t, 3, m.Rows())

	_, err = ReturnsFromFile(filepath.Join(t.TempDir(), "missing.csv"), LoadOptions{})
	assert.Error(t, err)
}
