package indexing

import (
	"context"
	"errors"
	"io"
	"math"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"xtalrefine/internal/models"
	"xtalrefine/pkg/cell"
	"xtalrefine/pkg/predict"
	"xtalrefine/pkg/progress"
	"xtalrefine/pkg/symmetry"
	"xtalrefine/pkg/templates"
)

func createTestImage() *models.Image {
	det := &models.Detector{Panels: []models.Panel{{
		Name: "p0", MaxFS: 599, MaxSS: 599,
		Res: 10000, CnX: -300, CnY: -300,
		FsX: 1, SsY: 1, Clen: 0.08,
	}}}
	det.UpdateExtents()
	return &models.Image{Det: det, Lambda: 1e-10, Width: 600, Height: 600}
}

func createTestCell(t *testing.T) *cell.UnitCell {
	t.Helper()
	c, err := cell.NewFromParameters(40e-10, 40e-10, 60e-10, math.Pi/2, math.Pi/2, math.Pi/2)
	require.NoError(t, err)
	c.SetPointGroup("4/mmm")
	return c
}

func TestParseMethod(t *testing.T) {
	for name, want := range map[string]Method{"none": None, "": None, "External": External, " template ": Template} {
		m, err := ParseMethod(name)
		require.NoError(t, err)
		assert.Equal(t, want, m)
	}

	_, err := ParseMethod("dirax")
	assert.True(t, errors.Is(err, ErrUnknownMethod))
	assert.Equal(t, "template", Template.String())
}

func TestNewValidation(t *testing.T) {
	_, err := New(None, Options{})
	assert.Error(t, err)

	_, err = New(External, Options{Cell: createTestCell(t)})
	assert.Error(t, err)

	_, err = New(Template, Options{Cell: createTestCell(t)})
	assert.Error(t, err)

	_, err = New(Method(7), Options{Cell: createTestCell(t)})
	assert.True(t, errors.Is(err, ErrUnknownMethod))
}

func TestNominalIndexer(t *testing.T) {
	c := createTestCell(t)
	idx, err := New(None, Options{Cell: c, ProfileRadius: 3e6})
	require.NoError(t, err)
	defer idx.Close()
	assert.Equal(t, None, idx.Method())

	crystals, err := idx.Attempt(context.Background(), createTestImage())
	require.NoError(t, err)
	require.Len(t, crystals, 1)
	assert.Equal(t, 3e6, crystals[0].ProfileRadius)
	assert.NotSame(t, c, crystals[0].Cell)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = idx.Attempt(ctx, createTestImage())
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestExternalIndexer(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no shell available")
	}

	script := `cat > /dev/null
cat <<EOF
crystals:
  - astar: [2.5e8, 0, 0]
    bstar: [0, 2.5e8, 0]
    cstar: [0, 0, 1.6666666666666666e8]
  - astar: [1, 0, 0]
    bstar: [2, 0, 0]
    cstar: [0, 0, 1]
EOF`
	idx, err := New(External, Options{
		Cell:          createTestCell(t),
		ProfileRadius: 1e6,
		Command:       []string{"sh", "-c", script},
	})
	require.NoError(t, err)
	defer idx.Close()

	img := createTestImage()
	img.Features = []models.ImageFeature{{FS: 1, SS: 2, RX: 3, RY: 4, RZ: 5, Mapped: true}}

	crystals, err := idx.Attempt(context.Background(), img)
	require.NoError(t, err)
	require.Len(t, crystals, 1, "degenerate basis is dropped")

	as, _, cs := crystals[0].Cell.Reciprocal()
	assert.InDelta(t, 0, r3.Norm(r3.Sub(as, r3.Vec{X: 2.5e8})), 1e-3)
	assert.InDelta(t, 1.6666666666666666e8, cs.Z, 1e-3)
	assert.Equal(t, "4/mmm", crystals[0].Cell.PointGroup())
	assert.Equal(t, 1e6, crystals[0].ProfileRadius)
}

func TestExternalIndexerFailure(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no shell available")
	}

	idx, err := New(External, Options{
		Cell:    createTestCell(t),
		Command: []string{"sh", "-c", "echo broken >&2; exit 3"},
	})
	require.NoError(t, err)

	_, err = idx.Attempt(context.Background(), createTestImage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestTemplateIndexer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping template generation in short mode")
	}

	nominal := createTestCell(t)
	topts := templates.DefaultOptions()
	topts.OmegaStep = 15 * math.Pi / 180
	topts.PhiStep = 15 * math.Pi / 180
	topts.RotStep = 10 * math.Pi / 180
	topts.Mode = templates.Distance

	// Progress follows generation, never the matching of single patterns
	var reports []string
	topts.Progress = progress.New(io.Discard)
	topts.Progress.SetCallback(func(completed, total int, message string) {
		reports = append(reports, message)
	})

	svc := predict.NewService(predict.SCSphere)
	idx, err := New(Template, Options{
		Cell:          nominal,
		ProfileRadius: 5e6,
		Reference:     createTestImage(),
		Symmetry:      symmetry.NewTable(),
		Intersector:   svc,
		Templates:     topts,
	})
	require.NoError(t, err)
	assert.Equal(t, Template, idx.Method())
	require.NotEmpty(t, reports)
	generated := len(reports)
	for _, m := range reports {
		assert.Equal(t, "Generating templates", m)
	}

	truth := nominal.Rotate(15*math.Pi/180, 30*math.Pi/180, 20*math.Pi/180)
	spots, err := svc.FindIntersections(truth, 5e6, createTestImage())
	require.NoError(t, err)

	img := createTestImage()
	for _, s := range spots {
		img.Features = append(img.Features, models.ImageFeature{FS: s.FS, SS: s.SS, Intensity: 1})
	}

	crystals, err := idx.Attempt(context.Background(), img)
	require.NoError(t, err)
	require.Len(t, crystals, 1)
	assert.Len(t, reports, generated, "matching must not report progress")

	was, _, _ := truth.Reciprocal()
	gas, _, _ := crystals[0].Cell.Reciprocal()
	assert.Less(t, r3.Norm(r3.Sub(was, gas)), 1e-9*r3.Norm(was))

	require.NoError(t, idx.Close())
	_, err = idx.Attempt(context.Background(), img)
	assert.True(t, errors.Is(err, templates.ErrSessionFreed))
}
