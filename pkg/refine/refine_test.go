package refine

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"xtalrefine/internal/models"
	"xtalrefine/pkg/cell"
	"xtalrefine/pkg/geometry"
	"xtalrefine/pkg/predict"
)

const deg = math.Pi / 180

// createTestImage makes a single 3000x3000 pixel panel, 100 um pixels,
// 10 cm from the sample, beam in the centre, lambda = 1 A.
func createTestImage() *models.Image {
	det := &models.Detector{Panels: []models.Panel{{
		Name: "p0", MaxFS: 2999, MaxSS: 2999,
		Res: 10000, CnX: -1500, CnY: -1500,
		FsX: 1, SsY: 1, Clen: 0.1,
	}}}
	det.UpdateExtents()
	return &models.Image{Det: det, Lambda: 1e-10, Width: 3000, Height: 3000}
}

// onSphereFixture returns an image whose peaks sit exactly at the predicted
// positions of a cubic 25 A cell. With lambda = 1 A the lattice points
// h^2 + k^2 + (l-25)^2 = 625 lie exactly on the Ewald sphere, so the true
// cell has zero residual. There are 36 such points with 1 <= l <= 10.
func onSphereFixture(t *testing.T) (*models.Image, *cell.UnitCell) {
	t.Helper()

	img := createTestImage()
	truth, err := cell.NewFromParameters(25e-10, 25e-10, 25e-10, math.Pi/2, math.Pi/2, math.Pi/2)
	require.NoError(t, err)

	var list models.RefList
	for l := 1; l <= 10; l++ {
		for h := -25; h <= 25; h++ {
			for k := -25; k <= 25; k++ {
				if h*h+k*k+(l-25)*(l-25) != 625 {
					continue
				}
				refl := models.NewReflection(h, k, l)
				refl.Panel = &img.Det.Panels[0]
				list.Add(refl)
			}
		}
	}
	require.Len(t, list, 36)

	cr := models.NewCrystal(truth.Clone(), 0)
	cr.SetReflections(list)
	require.NoError(t, predict.NewService(predict.Unity).UpdatePartialities(cr, img))

	for i, refl := range list {
		require.True(t, refl.Predicted)
		require.True(t, refl.Panel.Contains(refl.FS, refl.SS))
		img.Features = append(img.Features, models.ImageFeature{
			FS: refl.FS, SS: refl.SS, Intensity: float64(100 + 10*i),
		})
	}
	require.Equal(t, 0, geometry.MapFeatures(img, nil))

	return img, truth
}

func newTestRefiner() *Refiner {
	return NewRefiner(predict.NewService(predict.Unity), nil)
}

func assertSameBasis(t *testing.T, want, got *cell.UnitCell, tol float64) {
	t.Helper()
	was, wbs, wcs := want.Reciprocal()
	gas, gbs, gcs := got.Reciprocal()
	for i, pair := range [][2]r3.Vec{{was, gas}, {wbs, gbs}, {wcs, gcs}} {
		dev := r3.Norm(r3.Sub(pair[0], pair[1])) / r3.Norm(pair[0])
		assert.Less(t, dev, tol, "reciprocal axis %d", i)
	}
}

// TestPairPeaksTolerance checks the strict bound on index deviation
func TestPairPeaksTolerance(t *testing.T) {
	img := createTestImage()
	c, err := cell.NewFromCartesian(r3.Vec{X: 1}, r3.Vec{Y: 1}, r3.Vec{Z: 1})
	require.NoError(t, err)
	cr := models.NewCrystal(c, 0)

	img.Features = []models.ImageFeature{
		{FS: 100, SS: 100, RX: 0.05, RY: 3, RZ: 0, Mapped: true},
		{FS: 100, SS: 100, RX: -0.05, RY: 3, RZ: 0, Mapped: true},
		{FS: 100, SS: 100, RX: 0.0499, RY: 3, RZ: -1.02, Mapped: true},
		{FS: 100, SS: 100, RX: 1, RY: 1, RZ: 1, Mapped: false},
		{FS: 5000, SS: 100, RX: 1, RY: 1, RZ: 1, Mapped: true},
	}

	var list models.RefList
	pairs := PairPeaks(img, cr, &list)
	require.Len(t, pairs, 1)
	require.Len(t, list, 1)

	refl := pairs[0].Refl
	assert.Equal(t, [3]int{0, 3, -1}, [3]int{refl.H, refl.K, refl.L})
	assert.Equal(t, [3]int{0, 3, -1}, [3]int{refl.HS, refl.KS, refl.LS})
	assert.Same(t, &img.Features[2], pairs[0].Peak)
	assert.Same(t, &img.Det.Panels[0], pairs[0].Panel)
	assert.Same(t, refl, list[0])
}

// TestPairPeaksDuplicates checks that two peaks may pair with one lattice
// point, and that a nil list is accepted
func TestPairPeaksDuplicates(t *testing.T) {
	img := createTestImage()
	c, err := cell.NewFromCartesian(r3.Vec{X: 1}, r3.Vec{Y: 1}, r3.Vec{Z: 1})
	require.NoError(t, err)

	img.Features = []models.ImageFeature{
		{FS: 10, SS: 10, RX: 2.01, RY: 1, RZ: 0, Mapped: true},
		{FS: 20, SS: 20, RX: 1.99, RY: 1, RZ: 0, Mapped: true},
	}
	pairs := PairPeaks(img, models.NewCrystal(c, 0), nil)
	require.Len(t, pairs, 2)
	assert.Equal(t, pairs[0].Refl.H, pairs[1].Refl.H)
	assert.NotSame(t, pairs[0].Refl, pairs[1].Refl)
}

func TestPairPeaksFixture(t *testing.T) {
	img, truth := onSphereFixture(t)
	img.Features = append(img.Features, models.ImageFeature{FS: 1234.5, SS: 17.25, Intensity: 5})
	geometry.MapFeatures(img, nil)

	var list models.RefList
	pairs := PairPeaks(img, models.NewCrystal(truth, 0), &list)
	assert.Len(t, pairs, 36)
	assert.Len(t, list, len(pairs))
	assert.LessOrEqual(t, len(pairs), len(img.Features))
}

func TestRadiusIndex(t *testing.T) {
	assert.Equal(t, 2, radiusIndex(3))
	assert.Equal(t, 9, radiusIndex(10))
	assert.Equal(t, 48, radiusIndex(49))
	assert.Equal(t, 48, radiusIndex(50))
	assert.Equal(t, 97, radiusIndex(100))
	assert.Equal(t, 979, radiusIndex(1000))
}

func pairsWithErrors(errs ...float64) []ReflPeak {
	pairs := make([]ReflPeak, len(errs))
	for i, e := range errs {
		pairs[i].Refl = &models.Reflection{RLow: e, RHigh: e}
	}
	return pairs
}

// TestSelectRadiusMonotonic checks that adding peaks with larger excitation
// errors never shrinks the radius
func TestSelectRadiusMonotonic(t *testing.T) {
	errs := []float64{-3e5, 1e5, 2e5, -4e5, 5e5}
	assert.Equal(t, 5e5, selectRadius(pairsWithErrors(errs...)))

	prev := 0.0
	for n := 3; n < 200; n++ {
		errs := make([]float64, n)
		for i := range errs {
			errs[i] = float64(i+1) * 1e4
			if i%2 == 1 {
				errs[i] = -errs[i]
			}
		}
		r := selectRadius(pairsWithErrors(errs...))
		assert.GreaterOrEqual(t, r, prev, "n = %d", n)
		prev = r
	}
}

func TestRefineRadius(t *testing.T) {
	img := createTestImage()
	c, err := cell.NewFromParameters(40e-10, 40e-10, 40e-10, math.Pi/2, math.Pi/2, math.Pi/2)
	require.NoError(t, err)
	c = c.Rotate(0.4, 0.9, 0.2)

	const radius = 2e6
	spots, err := predict.NewService(predict.SCSphere).FindIntersections(c, radius, img)
	require.NoError(t, err)
	require.Greater(t, len(spots), 20)
	for _, s := range spots {
		img.Features = append(img.Features, models.ImageFeature{FS: s.FS, SS: s.SS, Intensity: 1})
	}
	geometry.MapFeatures(img, nil)

	cr := models.NewCrystal(c, 1e8)
	require.NoError(t, newTestRefiner().RefineRadius(cr, img))
	assert.Greater(t, cr.ProfileRadius, 0.0)
	assert.LessOrEqual(t, cr.ProfileRadius, radius*(1+1e-9))
	assert.Nil(t, cr.Reflections)
}

func TestRefineRadiusInsufficientPairs(t *testing.T) {
	img, truth := onSphereFixture(t)
	img.Features = img.Features[:2]

	cr := models.NewCrystal(truth, 1e7)
	err := newTestRefiner().RefineRadius(cr, img)
	assert.True(t, errors.Is(err, ErrInsufficientPairs))
	assert.Equal(t, 1e7, cr.ProfileRadius)
}

// TestGradientsMatchFiniteDifferences compares the closed-form gradients
// with central differences of the prediction itself
func TestGradientsMatchFiniteDifferences(t *testing.T) {
	img, truth := onSphereFixture(t)
	img.Bandwidth = 0.01
	c := truth.Rotate(0.05*deg, 0.05*deg, 0)

	var list models.RefList
	cr := models.NewCrystal(c, 0)
	pairs := PairPeaks(img, cr, &list)
	require.Len(t, pairs, 36)
	cr.SetReflections(list)
	require.NoError(t, predict.NewService(predict.Unity).UpdatePartialities(cr, img))

	klow, khigh := predict.Wavenumbers(img)
	eval := func(rp *ReflPeak, c *cell.UnitCell, clen float64) (r, x, y float64) {
		q := c.ReciprocalVector(rp.Refl.H, rp.Refl.K, rp.Refl.L)
		rlow, rhigh := predict.ExcitationErrors(q, klow, khigh)
		x, y, ok := predict.Position(q, img.Lambda, clen)
		require.True(t, ok)
		return (rlow + rhigh) / 2, x, y
	}
	shifted := func(p Param, delta float64) *cell.UnitCell {
		as, bs, cs := c.Reciprocal()
		v := []*r3.Vec{&as, &bs, &cs}[int(p)/3]
		switch int(p) % 3 {
		case 0:
			v.X += delta
		case 1:
			v.Y += delta
		default:
			v.Z += delta
		}
		nc, err := cell.NewFromReciprocal(as, bs, cs)
		require.NoError(t, err)
		return nc
	}

	const delta = 1e3
	for _, i := range []int{0, 7, 19, 35} {
		rp := &pairs[i]
		pg := newPairGradients(rp, c, img)
		clen := rp.Panel.Clen

		var numR, numX, numY, anaR, anaX, anaY [numLatticeParams]float64
		for p := ParamASX; p <= ParamCSZ; p++ {
			r1, x1, y1 := eval(rp, shifted(p, delta), clen)
			r0, x0, y0 := eval(rp, shifted(p, -delta), clen)
			numR[p] = (r1 - r0) / (2 * delta)
			numX[p] = (x1 - x0) / (2 * delta)
			numY[p] = (y1 - y0) / (2 * delta)
			anaR[p] = pg.rGradient(p)
			anaX[p] = pg.xGradient(p)
			anaY[p] = pg.yGradient(p)
		}

		for _, set := range []struct {
			name     string
			num, ana [numLatticeParams]float64
		}{
			{"excitation", numR, anaR},
			{"x", numX, anaX},
			{"y", numY, anaY},
		} {
			scale := 0.0
			for _, g := range set.num {
				scale = math.Max(scale, math.Abs(g))
			}
			require.Greater(t, scale, 0.0)
			for p := range set.num {
				assert.InDelta(t, set.num[p], set.ana[p], 1e-5*scale,
					"pair %d, d%s/d%s", i, set.name, Param(p))
			}
		}

		// Camera length
		_, x1, y1 := eval(rp, c, clen+1e-6)
		_, x0, y0 := eval(rp, c, clen-1e-6)
		assert.InDelta(t, (x1-x0)/2e-6, pg.xGradient(ParamClen), 1e-6)
		assert.InDelta(t, (y1-y0)/2e-6, pg.yGradient(ParamClen), 1e-6)
		assert.Equal(t, -1.0, pg.xGradient(ParamDetX))
		assert.Equal(t, -1.0, pg.yGradient(ParamDetY))
		assert.Equal(t, 0.0, pg.rGradient(ParamClen))
	}
}

// TestRefinePredictionFixedPoint checks that the true cell is left alone
func TestRefinePredictionFixedPoint(t *testing.T) {
	img, truth := onSphereFixture(t)
	cr := models.NewCrystal(truth.Clone(), 0)

	stats, err := newTestRefiner().RefinePrediction(img, cr)
	require.NoError(t, err)
	assert.Equal(t, 36, stats.Pairs)
	assert.Equal(t, maxCycles, stats.Cycles)
	require.Len(t, stats.Shifts, maxCycles)
	require.Len(t, stats.Residuals, maxCycles+1)

	for p, s := range stats.Shifts[0] {
		assert.InDelta(t, 0, s, 1.0, "shift of %s", Param(p))
	}
	assertSameBasis(t, truth, cr.Cell, 1e-9)
	assert.Nil(t, cr.Reflections)
}

// TestRefinePredictionConverges starts from a cell rotated by 0.1 degree and
// expects the true cell back, with the objective never increasing
func TestRefinePredictionConverges(t *testing.T) {
	tests := []struct {
		name       string
		omega, phi float64
	}{
		{"about beam", 0.1 * deg, 0},
		{"tilted", 0, 0.1 * deg},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, truth := onSphereFixture(t)
			cr := models.NewCrystal(truth.Rotate(tt.omega, tt.phi, 0), 0)

			stats, err := newTestRefiner().RefinePrediction(img, cr)
			require.NoError(t, err)
			assert.Equal(t, 36, stats.Pairs)

			first := stats.Residuals[0].Total()
			last := stats.Residuals[len(stats.Residuals)-1].Total()
			require.Greater(t, first, 0.0)
			assert.Less(t, last, 1e-6*first)

			for i := 1; i < len(stats.Residuals); i++ {
				assert.LessOrEqual(t, stats.Residuals[i].Total(),
					stats.Residuals[i-1].Total()*(1+1e-9)+1e-24, "cycle %d", i)
			}

			assertSameBasis(t, truth, cr.Cell, 1e-6)
		})
	}
}

func TestRefinePredictionInsufficientPairs(t *testing.T) {
	img, truth := onSphereFixture(t)
	img.Features = img.Features[:9]

	cr := models.NewCrystal(truth.Clone(), 0)
	stats, err := newTestRefiner().RefinePrediction(img, cr)
	assert.True(t, errors.Is(err, ErrInsufficientPairs))
	assert.Equal(t, 9, stats.Pairs)
	assert.Equal(t, 0, stats.Cycles)
	assertSameBasis(t, truth, cr.Cell, 1e-15)
}

func TestRefinePredictionNoPositivePeaks(t *testing.T) {
	img, truth := onSphereFixture(t)
	for i := range img.Features {
		img.Features[i].Intensity = 0
	}

	_, err := newTestRefiner().RefinePrediction(img, models.NewCrystal(truth.Clone(), 0))
	assert.True(t, errors.Is(err, ErrNoPositivePeaks))
}

// brokenPredictor corrupts the predictions after a number of good calls
type brokenPredictor struct {
	inner     Predictor
	goodCalls int
	calls     int
}

func (b *brokenPredictor) UpdatePartialities(cr *models.Crystal, img *models.Image) error {
	if err := b.inner.UpdatePartialities(cr, img); err != nil {
		return err
	}
	b.calls++
	if b.calls > b.goodCalls {
		cr.Reflections[0].RLow = math.NaN()
	}
	return nil
}

func TestRefinePredictionSolverFailure(t *testing.T) {
	img, truth := onSphereFixture(t)
	cr := models.NewCrystal(truth.Rotate(0, 0.1*deg, 0), 0)

	bp := &brokenPredictor{inner: predict.NewService(predict.Unity), goodCalls: 2}
	stats, err := NewRefiner(bp, nil).RefinePrediction(img, cr)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSolverFailure))
	assert.Equal(t, 2, stats.Cycles)
	assert.Len(t, stats.Shifts, 2)

	as, bs, cs := cr.Cell.Reciprocal()
	for _, v := range []r3.Vec{as, bs, cs} {
		assert.False(t, math.IsNaN(v.X) || math.IsNaN(v.Y) || math.IsNaN(v.Z))
	}
	assert.Nil(t, cr.Reflections)
}

func TestSolveSVDRankDeficient(t *testing.T) {
	img, truth := onSphereFixture(t)
	pairs := PairPeaks(img, models.NewCrystal(truth, 0), nil)[:1]
	for i := range pairs {
		pairs[i].Ih = 1
	}

	// A single reflection constrains only a few directions; the minimum
	// norm solution must still be finite.
	c := truth.Clone()
	shifts, err := iterate(pairs, c, img)
	require.NoError(t, err)
	for _, s := range shifts {
		assert.False(t, math.IsNaN(s))
	}
}
