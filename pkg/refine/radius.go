package refine

import (
	"fmt"
	"math"
	"sort"

	"xtalrefine/internal/models"
)

// minRadiusPairs is the fewest pairs from which a profile radius is estimated.
const minRadiusPairs = 3

// radiusIndex returns the position, in a list of n pairs sorted by
// excitation error, of the pair whose excitation error is taken as the
// profile radius. Skipping the top 2% keeps one mis-paired peak from
// setting the radius.
func radiusIndex(n int) int {
	i := (n - 1) - n/50
	if i < 2 {
		i = 2
	}
	return i
}

// selectRadius sorts the pairs by absolute excitation error and returns the
// value at radiusIndex. The pairs must have predictions.
func selectRadius(pairs []ReflPeak) float64 {
	sort.Slice(pairs, func(i, j int) bool {
		return math.Abs(pairs[i].Refl.ExcitationError()) < math.Abs(pairs[j].Refl.ExcitationError())
	})
	return math.Abs(pairs[radiusIndex(len(pairs))].Refl.ExcitationError())
}

// RefineRadius estimates the profile radius of the crystal from the spread
// of excitation errors of the peaks that pair with it.
func (r *Refiner) RefineRadius(cr *models.Crystal, img *models.Image) error {
	var list models.RefList
	pairs := PairPeaks(img, cr, &list)
	if len(pairs) < minRadiusPairs {
		return fmt.Errorf("%w: %d paired peaks, need %d to determine radius",
			ErrInsufficientPairs, len(pairs), minRadiusPairs)
	}

	cr.SetReflections(list)
	err := r.predictor.UpdatePartialities(cr, img)
	cr.SetReflections(nil)
	if err != nil {
		return fmt.Errorf("updating predictions: %w", err)
	}

	cr.ProfileRadius = selectRadius(pairs)
	r.logger.Debug("Estimated profile radius", "pairs", len(pairs), "radius", cr.ProfileRadius)

	return nil
}
