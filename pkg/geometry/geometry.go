// Package geometry maps detector pixels to the lab frame and to reciprocal
// space.
package geometry

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"xtalrefine/internal/models"
)

// ErrUnmappablePixel is returned when a pixel does not belong to any panel.
var ErrUnmappablePixel = errors.New("pixel does not belong to any panel")

// FindPanel returns the panel containing raster pixel (fs, ss).
func FindPanel(det *models.Detector, fs, ss float64) (*models.Panel, error) {
	if det == nil {
		return nil, fmt.Errorf("%w: no detector", ErrUnmappablePixel)
	}
	for i := range det.Panels {
		if det.Panels[i].Contains(fs, ss) {
			return &det.Panels[i], nil
		}
	}
	return nil, fmt.Errorf("%w: (%.1f, %.1f)", ErrUnmappablePixel, fs, ss)
}

// MapToLab converts raster coordinates on panel p to lab-frame coordinates
// in metres, relative to the beam.
func MapToLab(fs, ss float64, p *models.Panel) (x, y float64) {
	fs -= float64(p.MinFS)
	ss -= float64(p.MinSS)

	xs := fs*p.FsX + ss*p.SsX
	ys := fs*p.FsY + ss*p.SsY

	return (xs + p.CnX) / p.Res, (ys + p.CnY) / p.Res
}

// LabToPanel inverts MapToLab for panel p. The result may lie outside the
// panel; check with Panel.Contains.
func LabToPanel(x, y float64, p *models.Panel) (fs, ss float64, ok bool) {
	det := p.FsX*p.SsY - p.SsX*p.FsY
	if det == 0 {
		return 0, 0, false
	}

	xs := x*p.Res - p.CnX
	ys := y*p.Res - p.CnY

	fs = (xs*p.SsY - ys*p.SsX) / det
	ss = (ys*p.FsX - xs*p.FsY) / det

	return fs + float64(p.MinFS), ss + float64(p.MinSS), true
}

// FindPanelForLab finds the panel onto which lab position (x, y) falls and
// the raster coordinates of the position on it.
func FindPanelForLab(det *models.Detector, x, y float64) (*models.Panel, float64, float64, bool) {
	for i := range det.Panels {
		p := &det.Panels[i]
		fs, ss, ok := LabToPanel(x, y, p)
		if ok && p.Contains(fs, ss) {
			return p, fs, ss, true
		}
	}
	return nil, 0, 0, false
}

// MapToReciprocal returns the reciprocal-space vector (m^-1) of a peak at
// raster pixel (fs, ss), assuming it lies on the Ewald sphere.
func MapToReciprocal(fs, ss float64, img *models.Image) (rx, ry, rz float64, err error) {
	p, err := FindPanel(img.Det, fs, ss)
	if err != nil {
		return 0, 0, 0, err
	}

	x, y := MapToLab(fs, ss, p)
	rx, ry, rz = LabToReciprocal(x, y, p.Clen, img.Lambda)
	return rx, ry, rz, nil
}

// LabToReciprocal converts a lab-frame position to a reciprocal vector for
// camera length clen and wavelength lambda.
func LabToReciprocal(x, y, clen, lambda float64) (rx, ry, rz float64) {
	k := 1.0 / lambda

	d := math.Hypot(x, y)
	twotheta := math.Atan2(d, clen)
	psi := math.Atan2(y, x)

	rx = k * math.Sin(twotheta) * math.Cos(psi)
	ry = k * math.Sin(twotheta) * math.Sin(psi)
	rz = k - k*math.Cos(twotheta)
	return rx, ry, rz
}

// ScatteringAngles recovers the scattering angle and azimuth from a
// reciprocal vector lying on the Ewald sphere.
func ScatteringAngles(rx, ry, rz, lambda float64) (twotheta, psi float64) {
	k := 1.0 / lambda
	return math.Acos(1 - rz/k), math.Atan2(ry, rx)
}

// MaxResolution returns the largest |q| (m^-1) recorded anywhere on the
// detector, judged from the panel corners.
func MaxResolution(det *models.Detector, lambda float64) float64 {
	best := 0.0
	for i := range det.Panels {
		p := &det.Panels[i]
		corners := [][2]float64{
			{float64(p.MinFS), float64(p.MinSS)},
			{float64(p.MaxFS + 1), float64(p.MinSS)},
			{float64(p.MinFS), float64(p.MaxSS + 1)},
			{float64(p.MaxFS + 1), float64(p.MaxSS + 1)},
		}
		for _, c := range corners {
			x, y := MapToLab(c[0], c[1], p)
			rx, ry, rz := LabToReciprocal(x, y, p.Clen, lambda)
			if q := math.Sqrt(rx*rx + ry*ry + rz*rz); q > best {
				best = q
			}
		}
	}
	return best
}

// MapFeatures fills in the lab-frame and reciprocal coordinates of every
// feature in the image. Features off the detector are flagged and counted;
// they do not stop the others from being mapped.
func MapFeatures(img *models.Image, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}

	unmapped := 0
	for i := range img.Features {
		f := &img.Features[i]

		p, err := FindPanel(img.Det, f.FS, f.SS)
		if err != nil {
			f.Mapped = false
			unmapped++
			continue
		}

		f.X, f.Y = MapToLab(f.FS, f.SS, p)
		f.RX, f.RY, f.RZ = LabToReciprocal(f.X, f.Y, p.Clen, img.Lambda)
		f.Mapped = true
	}

	if unmapped > 0 {
		logger.Warn("Failed to map features", "unmapped", unmapped, "total", len(img.Features))
	}
	return unmapped
}
