package pipeline

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"xtalrefine/internal/models"
	"xtalrefine/pkg/refine"
)

// Metrics summarise how well the refined crystal explains the peaks.
type Metrics struct {
	// Pairs is the number of peaks paired with a reflection
	Pairs int

	// MeanExcitation and StdExcitation describe the excitation errors of
	// the paired reflections, m^-1
	MeanExcitation float64
	StdExcitation  float64

	// PositionRMS is the RMS distance in pixels between the predicted and
	// observed peak positions
	PositionRMS float64

	// MaxDeviation is the largest of those distances
	MaxDeviation float64
}

// ComputeMetrics pairs the peaks with the current cell, refreshes the
// predictions and summarises the residuals. The predicted reflections are
// returned and are no longer attached to the crystal.
func ComputeMetrics(img *models.Image, cr *models.Crystal, pred refine.Predictor) (Metrics, models.RefList, error) {
	var list models.RefList
	pairs := refine.PairPeaks(img, cr, &list)

	m := Metrics{Pairs: len(pairs)}
	if len(pairs) == 0 {
		return m, nil, nil
	}

	cr.SetReflections(list)
	err := pred.UpdatePartialities(cr, img)
	cr.SetReflections(nil)
	if err != nil {
		return m, nil, err
	}

	exc := make([]float64, len(pairs))
	var dist []float64
	for i, rp := range pairs {
		exc[i] = rp.Refl.ExcitationError()
		if !rp.Refl.Predicted {
			continue
		}
		dist = append(dist, math.Hypot(rp.Refl.FS-rp.Peak.FS, rp.Refl.SS-rp.Peak.SS))
	}

	m.MeanExcitation, m.StdExcitation = stat.MeanStdDev(exc, nil)
	if len(exc) == 1 {
		m.StdExcitation = 0
	}
	if len(dist) > 0 {
		m.PositionRMS = math.Sqrt(floats.Dot(dist, dist) / float64(len(dist)))
		m.MaxDeviation = floats.Max(dist)
	}

	return m, list, nil
}
