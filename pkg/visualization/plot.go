package visualization

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"xtalrefine/pkg/refine"
)

// ResidualPlot draws the refinement objective against the cycle number,
// total and split by residual family, on a log scale when the values vary.
func ResidualPlot(stats *refine.Stats, title string) (*plot.Plot, error) {
	if stats == nil || len(stats.Residuals) == 0 {
		return nil, fmt.Errorf("no residuals to plot")
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Cycle"
	p.Y.Label.Text = "Weighted residual"
	p.Add(plotter.NewGrid())

	series := []struct {
		name  string
		value func(refine.Residual) float64
		color color.Color
	}{
		{"total", refine.Residual.Total, color.RGBA{A: 255}},
		{"excitation", func(r refine.Residual) float64 { return r.Excitation }, color.RGBA{R: 220, A: 255}},
		{"position", func(r refine.Residual) float64 { return r.X + r.Y }, color.RGBA{B: 220, A: 255}},
	}

	drawn := 0
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range series {
		pts := make(plotter.XYs, 0, len(stats.Residuals))
		for i, r := range stats.Residuals {
			y := s.value(r)
			// Log axes cannot show zero
			if !(y > 0) || math.IsInf(y, 0) {
				continue
			}
			pts = append(pts, plotter.XY{X: float64(i), Y: y})
			lo, hi = math.Min(lo, y), math.Max(hi, y)
		}
		if len(pts) == 0 {
			continue
		}

		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("%s line: %w", s.name, err)
		}
		line.Color = s.color
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(s.name, line)
		drawn++
	}
	if drawn == 0 {
		return nil, fmt.Errorf("no positive residuals to plot")
	}
	// A flat series stays linear, the axis padding would go below zero
	if hi > lo {
		p.Y.Scale = plot.LogScale{}
		p.Y.Tick.Marker = plot.LogTicks{}
	}

	return p, nil
}

// SaveResidualPlot writes the residual plot of stats as a PNG.
func SaveResidualPlot(stats *refine.Stats, title, filename string) error {
	p, err := ResidualPlot(stats, title)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 5*vg.Inch, filename)
}
