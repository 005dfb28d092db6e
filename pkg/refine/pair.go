package refine

import (
	"math"

	"xtalrefine/internal/models"
	"xtalrefine/pkg/geometry"
)

// pairTolerance is the largest deviation from an integer, in each fractional
// Miller index, for a peak to be paired with a lattice point.
const pairTolerance = 0.05

// ReflPeak links an observed peak to the reflection it was indexed as.
// Pairs live only for the duration of one call.
type ReflPeak struct {
	Refl *models.Reflection
	Peak *models.ImageFeature

	// Panel the peak was found on. The reflection is assumed to stay on it.
	Panel *models.Panel

	// Ih is the peak intensity normalised to the brightest paired peak
	Ih float64
}

// PairPeaks associates a new Reflection with each mapped peak that lies close
// to a reciprocal lattice point of the crystal. Reflections are also added
// to list unless it is nil.
//
// Predicted positions and excitation errors of the new reflections are not
// set; they have to be filled in by a Predictor before use. Several peaks
// may pair with the same indices. An empty result means nothing paired.
func PairPeaks(img *models.Image, cr *models.Crystal, list *models.RefList) []ReflPeak {
	pairs := make([]ReflPeak, 0, len(img.Features))

	a, b, c := cr.Cell.Cartesian()

	for i := range img.Features {
		f := &img.Features[i]
		if !f.Mapped {
			continue
		}

		// Fractional Miller indices of the peak
		hd := f.RX*a.X + f.RY*a.Y + f.RZ*a.Z
		kd := f.RX*b.X + f.RY*b.Y + f.RZ*b.Z
		ld := f.RX*c.X + f.RY*c.Y + f.RZ*c.Z

		h := math.Round(hd)
		k := math.Round(kd)
		l := math.Round(ld)

		if math.Abs(h-hd) >= pairTolerance ||
			math.Abs(k-kd) >= pairTolerance ||
			math.Abs(l-ld) >= pairTolerance {
			continue
		}

		// The predicted position may end up on a different panel. Only its
		// distance from the peak matters, so the peak's panel is used.
		p, err := geometry.FindPanel(img.Det, f.FS, f.SS)
		if err != nil {
			continue
		}

		refl := models.NewReflection(int(h), int(k), int(l))
		refl.SetSymmetricIndices(int(h), int(k), int(l))
		refl.Panel = p
		if list != nil {
			list.Add(refl)
		}

		pairs = append(pairs, ReflPeak{Refl: refl, Peak: f, Panel: p})
	}

	return pairs
}
