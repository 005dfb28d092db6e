package predict

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
)

// createTestImage makes a single-panel 1000x1000 pixel detector, 100 um
// pixels, beam in the centre
func createTestImage() *models.Image {
	det := &models.Detector{Panels: []models.Panel{{
		Name: "p0", MaxFS: 999, MaxSS: 999,
		Res: 10000, CnX: -500, CnY: -500,
		FsX: 1, SsY: 1, Clen: 0.08,
	}}}
	det.UpdateExtents()
	return &models.Image{Det: det, Lambda: 1e-10, Width: 1000, Height: 1000}
}

func TestParseModel(t *testing.T) {
	m, err := ParseModel("SCSphere")
	require.NoError(t, err)
	assert.Equal(t, SCSphere, m)

	m, err = ParseModel("unity")
	require.NoError(t, err)
	assert.Equal(t, "unity", m.String())

	_, err = ParseModel("xsphere")
	assert.True(t, errors.Is(err, ErrUnknownModel))
}

func TestPartiality(t *testing.T) {
	const radius = 5e6

	assert.Equal(t, 1.0, Unity.Partiality(3e7, 3e7, radius))
	assert.InDelta(t, 1.0, SCSphere.Partiality(0, 0, radius), 1e-15)
	assert.InDelta(t, 0.0, SCSphere.Partiality(radius, radius, radius), 1e-15)
	assert.InDelta(t, 0.0, SCSphere.Partiality(-radius, -radius, radius), 1e-15)
	assert.InDelta(t, 0.75, SCSphere.Partiality(radius/2, radius/2, radius), 1e-15)
	assert.Equal(t, 0.0, SCSphere.Partiality(0, 0, 0))
}

// TestPositionInvertsMapping checks that a point placed on the Ewald sphere
// from a lab position is predicted back at that position
func TestPositionInvertsMapping(t *testing.T) {
	const lambda, clen = 1.2e-10, 0.1

	for _, pos := range [][2]float64{{0.01, 0.02}, {-0.03, 0.005}, {0.0, -0.04}} {
		rx, ry, rz := geometry.LabToReciprocal(pos[0], pos[1], clen, lambda)
		q := r3.Vec{X: rx, Y: ry, Z: rz}

		rlow, rhigh := ExcitationErrors(q, 1/lambda, 1/lambda)
		assert.InDelta(t, 0, rlow, 1e-6*r3.Norm(q))
		assert.InDelta(t, 0, rhigh, 1e-6*r3.Norm(q))

		x, y, ok := Position(q, lambda, clen)
		require.True(t, ok)
		assert.InDelta(t, pos[0], x, 1e-12)
		assert.InDelta(t, pos[1], y, 1e-12)
	}

	// Beyond 90 degrees there is no forward intersection
	_, _, ok := Position(r3.Vec{Z: 1.6 / lambda}, lambda, clen)
	assert.False(t, ok)
}

func TestWavenumbers(t *testing.T) {
	img := &models.Image{Lambda: 1e-10, Bandwidth: 0.01}
	klow, khigh := Wavenumbers(img)
	assert.Greater(t, klow, 1e10)
	assert.Less(t, khigh, 1e10)
}

// TestUpdatePartialities checks prediction on an assigned panel
func TestUpdatePartialities(t *testing.T) {
	img := createTestImage()
	c, err := cell.NewFromParameters(40e-10, 40e-10, 40e-10, math.Pi/2, math.Pi/2, math.Pi/2)
	require.NoError(t, err)

	cr := models.NewCrystal(c, 5e6)
	onPanel := models.NewReflection(3, 2, 1)
	onPanel.Panel = &img.Det.Panels[0]
	unassigned := models.NewReflection(1, 1, 0)
	cr.SetReflections(models.RefList{onPanel, unassigned})

	svc := NewService(SCSphere)
	require.NoError(t, svc.UpdatePartialities(cr, img))

	assert.True(t, onPanel.Predicted)
	x, y := geometry.MapToLab(onPanel.FS, onPanel.SS, onPanel.Panel)
	wantX, wantY, ok := Position(c.ReciprocalVector(3, 2, 1), img.Lambda, 0.08)
	require.True(t, ok)
	assert.InDelta(t, wantX, x, 1e-12)
	assert.InDelta(t, wantY, y, 1e-12)

	assert.True(t, unassigned.Predicted)
	assert.NotNil(t, unassigned.Panel)

	q := c.ReciprocalVector(3, 2, 1)
	rlow, _ := ExcitationErrors(q, 1e10, 1e10)
	assert.InDelta(t, rlow, onPanel.ExcitationError(), math.Abs(rlow)*1e-9)
}

// TestFindIntersections checks that every predicted reflection is excited,
// lands on the detector, and maps back close to its lattice point
func TestFindIntersections(t *testing.T) {
	img := createTestImage()
	c, err := cell.NewFromParameters(60e-10, 70e-10, 80e-10, math.Pi/2, math.Pi/2, math.Pi/2)
	require.NoError(t, err)
	c = c.Rotate(0.3, 0.7, 1.1)

	const radius = 5e6
	svc := NewService(SCSphere)
	list, err := svc.FindIntersections(c, radius, img)
	require.NoError(t, err)
	require.NotEmpty(t, list)

	for _, refl := range list {
		require.True(t, refl.Predicted)
		require.NotNil(t, refl.Panel)
		assert.True(t, refl.Panel.Contains(refl.FS, refl.SS))
		assert.LessOrEqual(t, math.Abs(refl.ExcitationError()), radius)
		assert.GreaterOrEqual(t, refl.Partiality, 0.0)
		assert.LessOrEqual(t, refl.Partiality, 1.0)

		rx, ry, rz, err := geometry.MapToReciprocal(refl.FS, refl.SS, img)
		require.NoError(t, err)
		q := c.ReciprocalVector(refl.H, refl.K, refl.L)
		dist := r3.Norm(r3.Sub(q, r3.Vec{X: rx, Y: ry, Z: rz}))
		assert.Less(t, dist, 4*radius, "reflection %d %d %d", refl.H, refl.K, refl.L)
	}
}
