package simulate

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"xtalrefine/internal/models"
	"xtalrefine/pkg/cell"
	"xtalrefine/pkg/predict"
)

func createTestImage() *models.Image {
	det := &models.Detector{Panels: []models.Panel{{
		Name: "p0", MaxFS: 399, MaxSS: 399,
		Res: 5000, CnX: -200, CnY: -200,
		FsX: 1, SsY: 1, Clen: 0.08,
	}}}
	det.UpdateExtents()
	return &models.Image{Det: det, Lambda: 1e-10, Bandwidth: 1e-3}
}

func createTestCell(t *testing.T) *cell.UnitCell {
	t.Helper()
	c, err := cell.NewFromParameters(50e-10, 50e-10, 70e-10, math.Pi/2, math.Pi/2, math.Pi/2)
	require.NoError(t, err)
	c.SetPointGroup("422")
	return c.Rotate(0.3, 0.7, 1.1)
}

func TestPattern(t *testing.T) {
	opts := DefaultOptions()
	img, list, err := Pattern(createTestCell(t), createTestImage(), predict.NewService(predict.SCSphere), opts)
	require.NoError(t, err)
	require.NotEmpty(t, list)
	require.Len(t, img.Features, len(list))
	assert.Equal(t, 400, img.Width)
	assert.Equal(t, 400, img.Height)
	require.Len(t, img.Data, 400*400)

	for i, refl := range list {
		f := img.Features[i]
		assert.Equal(t, refl.FS, f.FS)
		assert.Equal(t, refl.SS, f.SS)
		assert.InDelta(t, opts.PeakIntensity*refl.Partiality, f.Intensity, 1e-9)
		assert.GreaterOrEqual(t, refl.Partiality, 0.0)
		assert.LessOrEqual(t, refl.Partiality, 1.0)
	}

	// The brightest spot stands out from the background at its position
	brightest := 0
	for i, f := range img.Features {
		if f.Intensity > img.Features[brightest].Intensity {
			brightest = i
		}
	}
	f := img.Features[brightest]
	peak := img.At(int(math.Round(f.FS)), int(math.Round(f.SS)))
	assert.Greater(t, float64(peak), opts.Background+f.Intensity/(2*math.Pi)*0.3)

	// Far corner has only background, unless a spot happens to land there
	data := make([]float64, len(img.Data))
	for i, v := range img.Data {
		data[i] = float64(v)
	}
	assert.InDelta(t, opts.Background, floats.Min(data), 1e-6)
}

func TestPatternDeterministic(t *testing.T) {
	opts := DefaultOptions()
	opts.Noise = true
	opts.PositionJitter = 0.3
	opts.Seed = 42

	c := createTestCell(t)
	svc := predict.NewService(predict.SCSphere)
	a, _, err := Pattern(c, createTestImage(), svc, opts)
	require.NoError(t, err)
	b, _, err := Pattern(c, createTestImage(), svc, opts)
	require.NoError(t, err)

	assert.Equal(t, a.Features, b.Features)
	assert.Equal(t, a.Data, b.Data)

	for _, v := range a.Data {
		require.Equal(t, math.Round(float64(v)), float64(v), "Poisson counts are integers")
	}
}

func TestPatternPeakListOnly(t *testing.T) {
	opts := DefaultOptions()
	opts.Render = false
	img, _, err := Pattern(createTestCell(t), createTestImage(), predict.NewService(predict.Unity), opts)
	require.NoError(t, err)
	assert.Nil(t, img.Data)
	assert.NotEmpty(t, img.Features)
}

func TestPatternErrors(t *testing.T) {
	svc := predict.NewService(predict.SCSphere)
	_, _, err := Pattern(createTestCell(t), &models.Image{Lambda: 1e-10}, svc, DefaultOptions())
	assert.Error(t, err)

	opts := DefaultOptions()
	opts.PeakIntensity = 0
	_, _, err = Pattern(createTestCell(t), createTestImage(), svc, opts)
	assert.Error(t, err)
}

func TestPerturb(t *testing.T) {
	c := createTestCell(t)
	angle := 0.1 * math.Pi / 180
	p, err := Perturb(c, angle, r3.Vec{X: 1, Y: 1})
	require.NoError(t, err)
	assert.Equal(t, "422", p.PointGroup())
	assert.InDelta(t, c.Volume(), p.Volume(), 1e-9*c.Volume())

	as, _, _ := c.Reciprocal()
	pas, _, _ := p.Reciprocal()
	assert.InDelta(t, r3.Norm(as), r3.Norm(pas), 1e-6)
	cos := r3.Dot(as, pas) / (r3.Norm(as) * r3.Norm(pas))
	assert.LessOrEqual(t, math.Acos(math.Min(1, cos)), angle+1e-9)

	_, err = Perturb(c, angle, r3.Vec{})
	assert.Error(t, err)
}

func TestRandomOrientation(t *testing.T) {
	c := createTestCell(t)
	a := RandomOrientation(c, 7)
	b := RandomOrientation(c, 7)
	as1, _, _ := a.Reciprocal()
	as2, _, _ := b.Reciprocal()
	assert.Equal(t, as1, as2)
	assert.InDelta(t, c.Volume(), a.Volume(), 1e-9*c.Volume())
}
