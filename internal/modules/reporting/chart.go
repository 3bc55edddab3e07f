package reporting

import (
	"errors"
	"math"

	"github.com/vicanso/go-charts/v2"
)

// ChartTitle is the title of the growth chart.
const ChartTitle = "Portfolio Growth (Base = $1)"

// ChartOptions sizes the rendered chart. Zero values use the library
// defaults.
type ChartOptions struct {
	Width  int
	Height int
}

// RenderGrowthChart draws one line per entry and returns the PNG bytes.
func RenderGrowthChart(r *Report, opts ChartOptions) ([]byte, error) {
	n := r.periods()
	if n < 2 {
		return nil, errors.New("not enough data points")
	}

	xLabels := make([]string, n)
	for t := range xLabels {
		xLabels[t] = r.periodLabel(t)
	}

	values := make([][]float64, 0, len(r.Entries))
	names := make([]string, 0, len(r.Entries))
	yMin, yMax := math.Inf(1), math.Inf(-1)
	for _, e := range r.Entries {
		for _, v := range e.Growth {
			yMin = math.Min(yMin, v)
			yMax = math.Max(yMax, v)
		}
		values = append(values, e.Growth)
		names = append(names, e.Label)
	}
	pad := (yMax - yMin) * 0.05
	if pad < yMax*0.002 {
		pad = yMax * 0.002
	}
	yMin -= pad
	if yMin < 0 {
		yMin = 0
	}
	yMax += pad

	split := 10
	if n < split {
		split = n
	}

	options := []charts.OptionFunc{
		charts.TitleTextOptionFunc(ChartTitle),
		charts.XAxisOptionFunc(charts.XAxisOption{Data: xLabels, BoundaryGap: charts.FalseFlag(), SplitNumber: split}),
		charts.YAxisOptionFunc(charts.YAxisOption{Min: &yMin, Max: &yMax, DivideCount: 5}),
		charts.LegendOptionFunc(charts.LegendOption{Data: names}),
		charts.ThemeOptionFunc(charts.ThemeLight),
	}
	if opts.Width > 0 {
		options = append(options, charts.WidthOptionFunc(opts.Width))
	}
	if opts.Height > 0 {
		options = append(options, charts.HeightOptionFunc(opts.Height))
	}

	painter, err := charts.LineRender(values, options...)
	if err != nil {
		return nil, err
	}
	return painter.Bytes()
}
