// Package templates indexes patterns by matching them against precomputed
// orientation templates.
//
// A template holds the reflections predicted for the nominal cell at one
// (omega, phi) orientation with no in-plane rotation. Matching sweeps the
// in-plane rotation for every template and keeps the best scoring
// combination.
package templates

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"gonum.org/v1/gonum/spatial/r2"

	"xtalrefine/internal/models"
	"xtalrefine/pkg/cell"
	"xtalrefine/pkg/geometry"
	"xtalrefine/pkg/progress"
	"xtalrefine/pkg/symmetry"
)

var (
	// ErrAllocationFailure is returned when the template grid would exceed
	// the configured maximum number of templates.
	ErrAllocationFailure = errors.New("too many templates")

	// ErrSessionFreed is returned when a freed session is used.
	ErrSessionFreed = errors.New("template session has been freed")

	// ErrUnknownScoreMode is returned by ParseScoreMode for unrecognised names.
	ErrUnknownScoreMode = errors.New("unknown score mode")
)

const deg = math.Pi / 180

// ScoreMode selects how a rotated template is compared with a pattern.
type ScoreMode int

const (
	// Intensity sums the raster around each template spot. Higher is better.
	Intensity ScoreMode = iota

	// Distance averages the distance to the nearest observed peak. Lower is
	// better.
	Distance
)

func (m ScoreMode) String() string {
	switch m {
	case Intensity:
		return "intensity"
	case Distance:
		return "distance"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseScoreMode converts a configuration name into a ScoreMode.
func ParseScoreMode(name string) (ScoreMode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "intensity", "":
		return Intensity, nil
	case "distance":
		return Distance, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownScoreMode, name)
}

// Options controls template generation and matching.
type Options struct {
	// Angular steps in radians
	OmegaStep float64
	PhiStep   float64
	RotStep   float64

	Mode ScoreMode

	// HalfWidth is the half side, in pixels, of the integration square
	HalfWidth int

	// Threshold is the raster value below which pixels are not integrated
	Threshold float64

	// MaxDistance is the largest spot-to-peak distance, in pixels, counted
	// in distance mode
	MaxDistance float64

	// ProfileRadius is used to predict the template reflections
	ProfileRadius float64

	// MaxTemplates limits the grid size; zero means no limit
	MaxTemplates int

	Logger   *slog.Logger
	Progress *progress.Reporter
}

// DefaultOptions returns half-degree orientation steps, one-degree in-plane
// steps and intensity scoring.
func DefaultOptions() Options {
	return Options{
		OmegaStep:     0.5 * deg,
		PhiStep:       0.5 * deg,
		RotStep:       1 * deg,
		Mode:          Intensity,
		HalfWidth:     10,
		Threshold:     500,
		MaxDistance:   50,
		ProfileRadius: 5e6,
	}
}

// Intersector predicts the reflections recorded for a cell orientation.
type Intersector interface {
	FindIntersections(c *cell.UnitCell, profileRadius float64, img *models.Image) (models.RefList, error)
}

// Template is the prediction for one orientation of the nominal cell.
type Template struct {
	Omega float64
	Phi   float64

	Reflections models.RefList

	// lab-frame positions of the reflections, metres
	spots []r2.Vec
}

// Session owns a set of templates for one nominal cell.
type Session struct {
	cell      *cell.UnitCell
	templates []Template
	det       *models.Detector
	opts      Options
	logger    *slog.Logger

	omegaMax, phiMax float64
}

// gridCount returns the number of points i*step lying in [0, limit).
func gridCount(limit, step float64) int {
	n := int(math.Ceil(limit/step - 1e-9))
	if n < 1 {
		n = 1
	}
	return n
}

// Generate builds the templates for cell c, whose point group bounds the
// orientation search. img supplies the detector and beam used for the
// predictions. A polyhedral point group is logged and searched over the
// full ranges.
func Generate(c *cell.UnitCell, img *models.Image, sym symmetry.Service, pred Intersector, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.OmegaStep <= 0 || opts.PhiStep <= 0 || opts.RotStep <= 0 {
		return nil, fmt.Errorf("invalid angular steps %g, %g, %g", opts.OmegaStep, opts.PhiStep, opts.RotStep)
	}

	pg, err := sym.Lookup(c.PointGroup())
	if err != nil {
		return nil, fmt.Errorf("looking up point group: %w", err)
	}

	omegaMax, phiMax, err := symmetry.OrientationRanges(pg)
	if err != nil {
		if !errors.Is(err, symmetry.ErrUnsupportedSymmetry) {
			return nil, err
		}
		logger.Warn("Cannot determine orientation ranges, searching everything", "error", err)
	}

	logger.Info("Orientation ranges",
		"pointGroup", pg.Symbol,
		"omegaMaxDeg", omegaMax/deg,
		"phiMaxDeg", phiMax/deg)

	nOmega := gridCount(omegaMax, opts.OmegaStep)
	nPhi := gridCount(phiMax, opts.PhiStep)
	n := nOmega * nPhi
	if opts.MaxTemplates > 0 && n > opts.MaxTemplates {
		return nil, fmt.Errorf("%w: %d needed, limit is %d", ErrAllocationFailure, n, opts.MaxTemplates)
	}

	logger.Info("Calculating templates", "count", n)
	opts.Progress.ResetTimer()

	s := &Session{
		cell:      c.Clone(),
		templates: make([]Template, 0, n),
		det:       img.Det,
		opts:      opts,
		logger:    logger,
		omegaMax:  omegaMax,
		phiMax:    phiMax,
	}

	for i := 0; i < nOmega; i++ {
		omega := float64(i) * opts.OmegaStep
		for j := 0; j < nPhi; j++ {
			phi := float64(j) * opts.PhiStep

			list, err := pred.FindIntersections(s.cell.Rotate(omega, phi, 0), opts.ProfileRadius, img)
			if err != nil {
				return nil, fmt.Errorf("template (%.2f, %.2f) deg: %w", omega/deg, phi/deg, err)
			}
			s.templates = append(s.templates, newTemplate(omega, phi, list))
		}
		opts.Progress.Report(i+1, nOmega, "Generating templates")
	}

	return s, nil
}

func newTemplate(omega, phi float64, list models.RefList) Template {
	t := Template{Omega: omega, Phi: phi, Reflections: list}
	t.spots = make([]r2.Vec, 0, len(list))
	for _, refl := range list {
		if !refl.Predicted || refl.Panel == nil {
			continue
		}
		x, y := geometry.MapToLab(refl.FS, refl.SS, refl.Panel)
		t.spots = append(t.spots, r2.Vec{X: x, Y: y})
	}
	return t
}

// Len returns the number of templates.
func (s *Session) Len() int {
	return len(s.templates)
}

// Templates returns the templates. The slice must not be modified.
func (s *Session) Templates() []Template {
	return s.templates
}

// Ranges returns the omega and phi ranges the templates cover.
func (s *Session) Ranges() (omegaMax, phiMax float64) {
	return s.omegaMax, s.phiMax
}

// Cell returns the nominal cell, or nil once the session is freed.
func (s *Session) Cell() *cell.UnitCell {
	return s.cell
}

// SetProgress replaces the reporter used by Match. A nil reporter turns
// progress off.
func (s *Session) SetProgress(r *progress.Reporter) {
	s.opts.Progress = r
}

// Free releases the templates and the nominal cell.
func (s *Session) Free() {
	s.templates = nil
	s.cell = nil
}
