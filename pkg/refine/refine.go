// Package refine pairs observed peaks with lattice points and refines the
// crystal orientation and profile radius against them.
package refine

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"xtalrefine/internal/models"
	"xtalrefine/pkg/cell"
)

var (
	// ErrInsufficientPairs is returned when too few peaks pair with the
	// lattice for the requested estimate.
	ErrInsufficientPairs = errors.New("too few paired peaks")

	// ErrSolverFailure is returned when a refinement cycle cannot produce a
	// finite shift, or the shifted cell is degenerate.
	ErrSolverFailure = errors.New("refinement solver failed")

	// ErrNoPositivePeaks is returned when no paired peak has positive
	// intensity to normalise the others by.
	ErrNoPositivePeaks = errors.New("no paired peak has positive intensity")
)

const (
	// maxCycles is the number of Gauss-Newton cycles per refinement
	maxCycles = 10

	// minRefinePairs is the fewest pairs refinement is attempted with
	minRefinePairs = 10

	// excWeight scales excitation error terms (m^-2) against position
	// terms (m^2) in the normal equations
	excWeight = 4e-20

	// singular values below svdTolerance times the largest are discarded
	svdTolerance = 1e-12
)

// Predictor refreshes the predicted position and excitation errors of the
// reflections attached to a crystal.
type Predictor interface {
	UpdatePartialities(cr *models.Crystal, img *models.Image) error
}

// Refiner runs profile radius estimation and orientation refinement.
type Refiner struct {
	predictor Predictor
	logger    *slog.Logger
}

// NewRefiner creates a refiner. A nil logger falls back to slog.Default.
func NewRefiner(p Predictor, logger *slog.Logger) *Refiner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refiner{predictor: p, logger: logger}
}

// Residual is the weighted sum of squared deviations at one point of a
// refinement.
type Residual struct {
	// Excitation is the weighted sum of squared excitation errors
	Excitation float64

	// X and Y are the sums of squared position deviations in m^2
	X, Y float64
}

// Total returns the full objective.
func (r Residual) Total() float64 {
	return r.Excitation + r.X + r.Y
}

// Stats describes one refinement run.
type Stats struct {
	// Pairs is the number of peaks paired with the starting cell
	Pairs int

	// Cycles is the number of completed cycles
	Cycles int

	// Residuals holds the objective before each cycle, and after the last
	// completed one
	Residuals []Residual

	// Shifts holds the lattice parameter shifts applied in each cycle
	Shifts [][]float64
}

// RefinePrediction refines the reciprocal basis of the crystal so that the
// predicted reflections match the peaks they pair with. Pairing is done
// once, with the starting cell. On error the cell holds the result of the
// last completed cycle.
func (r *Refiner) RefinePrediction(img *models.Image, cr *models.Crystal) (*Stats, error) {
	var list models.RefList
	pairs := PairPeaks(img, cr, &list)

	stats := &Stats{Pairs: len(pairs)}
	if len(pairs) < minRefinePairs {
		return stats, fmt.Errorf("%w: %d paired peaks, need %d to refine",
			ErrInsufficientPairs, len(pairs), minRefinePairs)
	}

	maxI := math.Inf(-1)
	for i := range pairs {
		maxI = math.Max(maxI, pairs[i].Peak.Intensity)
	}
	if !(maxI > 0) {
		return stats, ErrNoPositivePeaks
	}
	for i := range pairs {
		pairs[i].Ih = math.Max(0, pairs[i].Peak.Intensity/maxI)
	}

	cr.SetReflections(list)
	defer cr.SetReflections(nil)

	for cycle := 0; cycle < maxCycles; cycle++ {
		if err := r.predictor.UpdatePartialities(cr, img); err != nil {
			return stats, fmt.Errorf("updating predictions: %w", err)
		}
		res := residual(pairs)
		stats.Residuals = append(stats.Residuals, res)

		shifts, err := iterate(pairs, cr.Cell, img)
		if err != nil {
			return stats, fmt.Errorf("cycle %d: %w", cycle, err)
		}
		stats.Shifts = append(stats.Shifts, shifts)
		stats.Cycles++

		r.logger.Debug("Refinement cycle",
			"cycle", cycle,
			"pairs", len(pairs),
			"residual", res.Total(),
			"excitation", res.Excitation,
			"position", res.X+res.Y)
	}

	if err := r.predictor.UpdatePartialities(cr, img); err != nil {
		return stats, fmt.Errorf("updating predictions: %w", err)
	}
	stats.Residuals = append(stats.Residuals, residual(pairs))

	return stats, nil
}

// residual evaluates the objective for the current predictions.
func residual(pairs []ReflPeak) Residual {
	var res Residual
	for i := range pairs {
		rp := &pairs[i]
		dev := rDev(rp)
		res.Excitation += excWeight * rp.Ih * dev * dev

		if !rp.Refl.Predicted {
			continue
		}
		dx, dy := positionDev(rp)
		res.X += dx * dx
		res.Y += dy * dy
	}
	return res
}

// iterate performs one Gauss-Newton cycle: it builds the normal equations
// for the nine reciprocal basis components, solves them and applies the
// shifts to the cell. The cell is unchanged on error.
func iterate(pairs []ReflPeak, c *cell.UnitCell, img *models.Image) ([]float64, error) {
	m := mat.NewSymDense(numLatticeParams, nil)
	v := mat.NewVecDense(numLatticeParams, nil)

	var grad [numLatticeParams]float64
	accumulate := func(w, dev float64) {
		for k := 0; k < numLatticeParams; k++ {
			for g := 0; g <= k; g++ {
				m.SetSym(k, g, m.At(k, g)+w*grad[g]*grad[k])
			}
			v.SetVec(k, v.AtVec(k)-w*dev*grad[k])
		}
	}

	for i := range pairs {
		rp := &pairs[i]
		pg := newPairGradients(rp, c, img)

		for k := range grad {
			grad[k] = pg.rGradient(Param(k))
		}
		accumulate(excWeight*rp.Ih, rDev(rp))

		if !rp.Refl.Predicted {
			continue
		}
		dx, dy := positionDev(rp)

		for k := range grad {
			grad[k] = pg.xGradient(Param(k))
		}
		accumulate(1, dx)

		for k := range grad {
			grad[k] = pg.yGradient(Param(k))
		}
		accumulate(1, dy)
	}

	shifts, err := solveSVD(m, v)
	if err != nil {
		return nil, err
	}

	as, bs, cs := c.Reciprocal()
	as = r3.Add(as, r3.Vec{X: shifts[ParamASX], Y: shifts[ParamASY], Z: shifts[ParamASZ]})
	bs = r3.Add(bs, r3.Vec{X: shifts[ParamBSX], Y: shifts[ParamBSY], Z: shifts[ParamBSZ]})
	cs = r3.Add(cs, r3.Vec{X: shifts[ParamCSX], Y: shifts[ParamCSY], Z: shifts[ParamCSZ]})
	if err := c.SetReciprocal(as, bs, cs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSolverFailure, err)
	}

	return shifts, nil
}

// solveSVD returns the minimum-norm least-squares solution of m x = v.
func solveSVD(m *mat.SymDense, v *mat.VecDense) ([]float64, error) {
	n, _ := m.Dims()
	for i := 0; i < n; i++ {
		if !finite(v.AtVec(i)) {
			return nil, fmt.Errorf("%w: non-finite normal equations", ErrSolverFailure)
		}
		for j := 0; j <= i; j++ {
			if !finite(m.At(i, j)) {
				return nil, fmt.Errorf("%w: non-finite normal equations", ErrSolverFailure)
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDThin); !ok {
		return nil, fmt.Errorf("%w: SVD did not converge", ErrSolverFailure)
	}
	rank := svd.Rank(svdTolerance)
	if rank == 0 {
		return nil, fmt.Errorf("%w: normal matrix is zero", ErrSolverFailure)
	}

	var x mat.VecDense
	svd.SolveVecTo(&x, v, rank)

	shifts := make([]float64, n)
	for i := range shifts {
		shifts[i] = x.AtVec(i)
		if !finite(shifts[i]) {
			return nil, fmt.Errorf("%w: non-finite shift", ErrSolverFailure)
		}
	}
	return shifts, nil
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
