// Package visualization renders diffraction patterns and refinement
// results as images for inspection.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/stat"

	"xtalrefine/internal/models"
)

var (
	// PeakColor marks observed peaks
	PeakColor = color.RGBA{R: 255, G: 64, B: 64, A: 255}

	// PredictionColor marks predicted reflections
	PredictionColor = color.RGBA{R: 64, G: 200, B: 255, A: 255}
)

// Viewer renders one pattern.
type Viewer struct {
	img *models.Image

	// saturation is the raster value drawn as white
	saturation float64
}

// NewViewer creates a viewer for img. The brightness scale saturates at
// the given quantile of the raster values, 0.995 if out of range.
func NewViewer(img *models.Image, quantile float64) *Viewer {
	if !(quantile > 0 && quantile <= 1) {
		quantile = 0.995
	}
	v := &Viewer{img: img, saturation: 1}

	if len(img.Data) > 0 {
		values := make([]float64, len(img.Data))
		for i, d := range img.Data {
			values[i] = float64(d)
		}
		sort.Float64s(values)
		v.saturation = stat.Quantile(quantile, stat.Empirical, values, nil)
		if !(v.saturation > 0) {
			v.saturation = math.Max(1, values[len(values)-1])
		}
	}
	return v
}

// Raster draws the raster in grey. Without raster data, the image covers
// the detector extents and is black.
func (v *Viewer) Raster() (*image.RGBA, error) {
	w, h := v.img.Width, v.img.Height
	if w <= 0 || h <= 0 {
		if v.img.Det == nil {
			return nil, fmt.Errorf("pattern has neither raster nor detector")
		}
		w, h = v.img.Det.MaxFS+1, v.img.Det.MaxSS+1
	}

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			value := float64(v.img.At(x, y)) / v.saturation
			g := uint8(math.Max(0, math.Min(255, value*255)))
			out.SetRGBA(x, y, color.RGBA{R: g, G: g, B: g, A: 255})
		}
	}
	return out, nil
}

// MarkPeaks draws a square of the given half width around every peak.
func MarkPeaks(canvas *image.RGBA, features []models.ImageFeature, halfWidth int) {
	for _, f := range features {
		drawBox(canvas, int(math.Round(f.FS)), int(math.Round(f.SS)), halfWidth, PeakColor)
	}
}

// MarkPredictions draws a cross on every predicted reflection.
func MarkPredictions(canvas *image.RGBA, list models.RefList, halfWidth int) {
	for _, r := range list {
		if !r.Predicted {
			continue
		}
		drawCross(canvas, int(math.Round(r.FS)), int(math.Round(r.SS)), halfWidth, PredictionColor)
	}
}

// Overlay renders the raster with the peaks and predictions drawn on top.
func (v *Viewer) Overlay(list models.RefList) (*image.RGBA, error) {
	canvas, err := v.Raster()
	if err != nil {
		return nil, err
	}
	MarkPeaks(canvas, v.img.Features, 4)
	MarkPredictions(canvas, list, 3)
	return canvas, nil
}

// SavePNG writes img to filename, creating the directory if needed.
func SavePNG(img image.Image, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return png.Encode(file, img)
}

func drawBox(canvas *image.RGBA, cx, cy, r int, c color.RGBA) {
	for d := -r; d <= r; d++ {
		setClipped(canvas, cx+d, cy-r, c)
		setClipped(canvas, cx+d, cy+r, c)
		setClipped(canvas, cx-r, cy+d, c)
		setClipped(canvas, cx+r, cy+d, c)
	}
}

func drawCross(canvas *image.RGBA, cx, cy, r int, c color.RGBA) {
	for d := -r; d <= r; d++ {
		setClipped(canvas, cx+d, cy, c)
		setClipped(canvas, cx, cy+d, c)
	}
}

func setClipped(canvas *image.RGBA, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(canvas.Rect) {
		canvas.SetRGBA(x, y, c)
	}
}
