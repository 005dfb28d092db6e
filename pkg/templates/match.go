package templates

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r2"

	"xtalrefine/internal/models"
	"xtalrefine/pkg/cell"
	"xtalrefine/pkg/geometry"
)

// Result is the best (template, in-plane rotation) combination found.
type Result struct {
	// Template is the index of the winning template
	Template int

	Omega, Phi, Rot float64

	Score float64

	// Matched is false when no combination scored better than the
	// starting value (zero intensity or no spot within range)
	Matched bool

	// Cell is the nominal cell rotated to the winning orientation
	Cell *cell.UnitCell
}

// scorer compares rotated templates with one pattern.
type scorer struct {
	img  *models.Image
	det  *models.Detector
	opts *Options
	tree *kdtree.Tree
}

func (s *Session) newScorer(img *models.Image) (*scorer, error) {
	sc := &scorer{img: img, det: s.det, opts: &s.opts}
	if img.Det != nil {
		sc.det = img.Det
	}
	if sc.det == nil {
		return nil, errors.New("no detector geometry")
	}

	switch s.opts.Mode {
	case Intensity:
		if img.Data == nil || img.Width <= 0 || img.Height <= 0 {
			return nil, errors.New("intensity scoring needs raster data")
		}
	case Distance:
		if len(img.Features) == 0 {
			return nil, errors.New("distance scoring needs peaks")
		}
		sc.tree = newFeatureTree(img.Features)
	default:
		return nil, ErrUnknownScoreMode
	}
	return sc, nil
}

// initial is the score every candidate has to beat.
func (sc *scorer) initial() float64 {
	if sc.opts.Mode == Distance {
		return math.Inf(1)
	}
	return 0
}

// better compares strictly, so the first of several equal scores wins.
func (sc *scorer) better(val, best float64) bool {
	if sc.opts.Mode == Distance {
		return val < best
	}
	return val > best
}

// rotate applies the in-plane rotation to a lab-frame spot position and
// returns its raster coordinates, if it lands on the detector.
func (sc *scorer) rotate(spot r2.Vec, sinr, cosr float64) (fs, ss float64, ok bool) {
	x := cosr*spot.X + sinr*spot.Y
	y := -sinr*spot.X + cosr*spot.Y
	_, fs, ss, ok = geometry.FindPanelForLab(sc.det, x, y)
	return fs, ss, ok
}

func (sc *scorer) score(t *Template, sinr, cosr float64) float64 {
	if sc.opts.Mode == Distance {
		return sc.meanDistance(t, sinr, cosr)
	}
	return sc.meanIntensity(t, sinr, cosr)
}

// meanIntensity averages the integrated raster around each spot that lands
// on the detector.
func (sc *scorer) meanIntensity(t *Template, sinr, cosr float64) float64 {
	total := 0.0
	n := 0
	for _, spot := range t.spots {
		fs, ss, ok := sc.rotate(spot, sinr, cosr)
		if !ok {
			continue
		}
		total += sc.integrate(int(math.RoundToEven(fs)), int(math.RoundToEven(ss)))
		n++
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// integrate sums the raster values at or above the threshold within the
// square centred on (xp, yp).
func (sc *scorer) integrate(xp, yp int) float64 {
	r := sc.opts.HalfWidth
	total := 0.0
	for x := xp - r; x <= xp+r; x++ {
		if x < 0 || x >= sc.img.Width {
			continue
		}
		for y := yp - r; y <= yp+r; y++ {
			if y < 0 || y >= sc.img.Height {
				continue
			}
			val := float64(sc.img.At(x, y))
			if val < sc.opts.Threshold {
				continue
			}
			total += val
		}
	}
	return total
}

// meanDistance averages, over the spots with a peak within MaxDistance
// pixels, the distance to the nearest peak. It is +Inf if no spot has one.
func (sc *scorer) meanDistance(t *Template, sinr, cosr float64) float64 {
	maxSq := sc.opts.MaxDistance * sc.opts.MaxDistance
	total := 0.0
	n := 0
	for _, spot := range t.spots {
		fs, ss, ok := sc.rotate(spot, sinr, cosr)
		if !ok {
			continue
		}
		_, dsq := sc.tree.Nearest(rasterPoint{FS: fs, SS: ss})
		if dsq < maxSq {
			total += math.Sqrt(dsq)
			n++
		}
	}
	if n == 0 {
		return math.Inf(1)
	}
	return total / float64(n)
}

// Match searches all templates and in-plane rotations for the best match
// to img. Ties keep the first combination found, in template order then
// rotation order, so the result is reproducible.
func (s *Session) Match(img *models.Image) (Result, error) {
	if s.cell == nil {
		return Result{}, ErrSessionFreed
	}

	sc, err := s.newScorer(img)
	if err != nil {
		return Result{}, err
	}

	nRot := gridCount(2*math.Pi, s.opts.RotStep)
	sins := make([]float64, nRot)
	coss := make([]float64, nRot)
	for r := range sins {
		sins[r], coss[r] = math.Sincos(float64(r) * s.opts.RotStep)
	}

	s.opts.Progress.ResetTimer()

	bestScore := sc.initial()
	bestTemplate, bestRot := 0, 0
	matched := false

	for i := range s.templates {
		t := &s.templates[i]
		for r := 0; r < nRot; r++ {
			val := sc.score(t, sins[r], coss[r])
			if sc.better(val, bestScore) {
				bestScore = val
				bestTemplate, bestRot = i, r
				matched = true
			}
		}
		s.opts.Progress.Report(i+1, len(s.templates), "Matching templates")
	}

	res := Result{
		Template: bestTemplate,
		Rot:      float64(bestRot) * s.opts.RotStep,
		Score:    bestScore,
		Matched:  matched,
	}
	if len(s.templates) > 0 {
		t := &s.templates[bestTemplate]
		res.Omega, res.Phi = t.Omega, t.Phi
	}
	res.Cell = s.cell.Rotate(res.Omega, res.Phi, res.Rot)

	s.logger.Debug("Best template match",
		"template", res.Template,
		"omegaDeg", res.Omega/deg,
		"phiDeg", res.Phi/deg,
		"rotDeg", res.Rot/deg,
		"score", res.Score,
		"mode", s.opts.Mode)

	return res, nil
}
