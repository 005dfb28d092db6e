// Package simulate produces synthetic diffraction patterns for a known
// crystal orientation. They are used to exercise indexing and refinement
// end to end.
package simulate

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat/distuv"

	"xtalrefine/internal/models"
	"xtalrefine/pkg/cell"
)

// Intersector predicts the reflections of a cell which land on the detector.
type Intersector interface {
	FindIntersections(c *cell.UnitCell, profileRadius float64, img *models.Image) (models.RefList, error)
}

// Options controls pattern generation.
type Options struct {
	// ProfileRadius of the simulated crystal, m^-1
	ProfileRadius float64

	// PeakIntensity is the integrated intensity of a fully recorded spot
	PeakIntensity float64

	// SpotSigma is the width of each spot in pixels
	SpotSigma float64

	// Background is added to every pixel
	Background float64

	// Noise adds Poisson counting noise to the raster
	Noise bool

	// PositionJitter is the standard deviation, in pixels, of the error
	// added to each reported peak position
	PositionJitter float64

	// Render enables the raster. Without it only the peak list is made.
	Render bool

	Seed uint64
}

// DefaultOptions returns the settings used by the simulate command.
func DefaultOptions() Options {
	return Options{
		ProfileRadius: 5e6,
		PeakIntensity: 10000,
		SpotSigma:     1.0,
		Background:    10,
		Render:        true,
		Seed:          1,
	}
}

// Pattern predicts the spots of c on the detector and beam of ref and
// returns a new image with those spots as peaks, and optionally as a
// rendered raster. The predicted reflections are returned with it.
func Pattern(c *cell.UnitCell, ref *models.Image, pred Intersector, opts Options) (*models.Image, models.RefList, error) {
	if ref == nil || ref.Det == nil {
		return nil, nil, errors.New("reference image has no detector")
	}
	if opts.PeakIntensity <= 0 {
		return nil, nil, fmt.Errorf("invalid peak intensity %g", opts.PeakIntensity)
	}

	img := &models.Image{
		Lambda:     ref.Lambda,
		Bandwidth:  ref.Bandwidth,
		Divergence: ref.Divergence,
		Det:        ref.Det,
		Width:      ref.Det.MaxFS + 1,
		Height:     ref.Det.MaxSS + 1,
	}

	list, err := pred.FindIntersections(c, opts.ProfileRadius, img)
	if err != nil {
		return nil, nil, fmt.Errorf("predicting reflections: %w", err)
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	jitter := distuv.Normal{Mu: 0, Sigma: opts.PositionJitter, Src: rng}

	for _, refl := range list {
		refl.Intensity = opts.PeakIntensity * refl.Partiality
		f := models.ImageFeature{FS: refl.FS, SS: refl.SS, Intensity: refl.Intensity}
		if opts.PositionJitter > 0 {
			f.FS += jitter.Rand()
			f.SS += jitter.Rand()
		}
		img.Features = append(img.Features, f)
	}

	if opts.Render {
		render(img, list, opts, rng)
	}

	return img, list, nil
}

// render draws each reflection as a Gaussian spot on a flat background.
func render(img *models.Image, list models.RefList, opts Options, rng *rand.Rand) {
	img.Data = make([]float32, img.Width*img.Height)
	field := make([]float64, len(img.Data))
	for i := range field {
		field[i] = opts.Background
	}

	sigma := opts.SpotSigma
	if sigma <= 0 {
		sigma = 1
	}
	reach := int(math.Ceil(4 * sigma))
	norm := 1 / (2 * math.Pi * sigma * sigma)

	for _, refl := range list {
		cx, cy := int(math.Round(refl.FS)), int(math.Round(refl.SS))
		for y := cy - reach; y <= cy+reach; y++ {
			if y < 0 || y >= img.Height {
				continue
			}
			for x := cx - reach; x <= cx+reach; x++ {
				if x < 0 || x >= img.Width {
					continue
				}
				dx := float64(x) - refl.FS
				dy := float64(y) - refl.SS
				field[x+img.Width*y] += refl.Intensity * norm * math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
			}
		}
	}

	for i, v := range field {
		if opts.Noise && v > 0 {
			v = distuv.Poisson{Lambda: v, Src: rng}.Rand()
		}
		img.Data[i] = float32(v)
	}
}

// Perturb returns a copy of c rotated by angle radians about axis. It is
// used to start refinement away from a known orientation.
func Perturb(c *cell.UnitCell, angle float64, axis r3.Vec) (*cell.UnitCell, error) {
	if r3.Norm(axis) == 0 {
		return nil, errors.New("rotation axis has zero length")
	}
	rot := r3.NewRotation(angle, r3.Unit(axis))
	as, bs, cs := c.Reciprocal()
	out, err := cell.NewFromReciprocal(rot.Rotate(as), rot.Rotate(bs), rot.Rotate(cs))
	if err != nil {
		return nil, err
	}
	out.SetPointGroup(c.PointGroup())
	return out, nil
}

// RandomOrientation returns c rotated to an orientation drawn uniformly
// over the sphere of beam directions, with a uniform in-plane rotation.
func RandomOrientation(c *cell.UnitCell, seed uint64) *cell.UnitCell {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	omega := 2 * math.Pi * rng.Float64()
	phi := math.Acos(1 - 2*rng.Float64())
	rot := 2 * math.Pi * rng.Float64()
	return c.Rotate(omega, phi, rot)
}
