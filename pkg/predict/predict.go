// Package predict calculates where reflections fall on the detector and how
// far they are from the Bragg condition.
//
// Reciprocal vectors use the convention of geometry.LabToReciprocal: the
// Ewald sphere for wavenumber k is centred on (0, 0, k) and passes through
// the origin.
package predict

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"xtalrefine/internal/models"
	"xtalrefine/pkg/cell"
	"xtalrefine/pkg/geometry"
)

// ErrUnknownModel is returned by ParseModel for unrecognised names.
var ErrUnknownModel = errors.New("unknown partiality model")

// Model selects how partialities are calculated.
type Model int

const (
	// Unity treats every excited reflection as fully recorded
	Unity Model = iota

	// SCSphere models each lattice point as a sphere of the profile radius
	SCSphere
)

// String returns the configuration name of the model.
func (m Model) String() string {
	switch m {
	case Unity:
		return "unity"
	case SCSphere:
		return "scsphere"
	default:
		return fmt.Sprintf("model(%d)", int(m))
	}
}

// ParseModel converts a configuration name into a Model.
func ParseModel(name string) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "unity":
		return Unity, nil
	case "scsphere", "":
		return SCSphere, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownModel, name)
}

// Partiality returns the fraction of the lattice point that is recorded
// given its excitation errors and the profile radius.
func (m Model) Partiality(rlow, rhigh, radius float64) float64 {
	if m == Unity {
		return 1
	}
	if radius <= 0 {
		return 0
	}
	r := (rlow + rhigh) / 2
	u := math.Max(0, math.Min(1, (r+radius)/(2*radius)))
	return 4 * u * (1 - u)
}

// Wavenumbers returns the radii of the largest and smallest Ewald spheres
// allowed by the bandwidth of the beam.
func Wavenumbers(img *models.Image) (klow, khigh float64) {
	klow = 1.0 / (img.Lambda - img.Lambda*img.Bandwidth/2)
	khigh = 1.0 / (img.Lambda + img.Lambda*img.Bandwidth/2)
	return klow, khigh
}

// ExcitationErrors returns the signed distances of q inside the two Ewald
// spheres. They are zero when q lies exactly on the corresponding sphere.
func ExcitationErrors(q r3.Vec, klow, khigh float64) (rlow, rhigh float64) {
	rlow = klow - r3.Norm(r3.Sub(q, r3.Vec{Z: klow}))
	rhigh = khigh - r3.Norm(r3.Sub(q, r3.Vec{Z: khigh}))
	return rlow, rhigh
}

// Position returns the lab-frame position (metres) at which a reflection
// with reciprocal vector q is recorded for camera length clen. The
// scattering angle follows from |q| and the azimuth from the direction of q
// about the beam. ok is false for reflections which do not reach a forward
// detector.
func Position(q r3.Vec, lambda, clen float64) (x, y float64, ok bool) {
	sinTheta := lambda * r3.Norm(q) / 2
	if sinTheta >= 1 {
		return 0, 0, false
	}
	twotheta := 2 * math.Asin(sinTheta)
	if twotheta >= math.Pi/2 {
		return 0, 0, false
	}

	azi := math.Atan2(q.Y, q.X)
	d := clen * math.Tan(twotheta)
	return d * math.Cos(azi), d * math.Sin(azi), true
}

// Service is the partiality and prediction service.
type Service struct {
	Model Model
}

// NewService returns a service using the given partiality model.
func NewService(m Model) *Service {
	return &Service{Model: m}
}

// UpdatePartialities refreshes the predicted position, excitation errors
// and partiality of every reflection attached to the crystal. Reflections
// keep the panel they were assigned; reflections without one are placed on
// the first panel they fall on.
func (s *Service) UpdatePartialities(cr *models.Crystal, img *models.Image) error {
	if cr == nil || cr.Cell == nil {
		return errors.New("crystal has no cell")
	}
	if !(img.Lambda > 0) {
		return fmt.Errorf("invalid wavelength %g", img.Lambda)
	}

	klow, khigh := Wavenumbers(img)

	for _, refl := range cr.Reflections {
		q := cr.Cell.ReciprocalVector(refl.H, refl.K, refl.L)

		refl.RLow, refl.RHigh = ExcitationErrors(q, klow, khigh)
		refl.Partiality = s.Model.Partiality(refl.RLow, refl.RHigh, cr.ProfileRadius)

		if refl.Panel != nil {
			x, y, ok := Position(q, img.Lambda, refl.Panel.Clen)
			if ok {
				refl.FS, refl.SS, ok = geometry.LabToPanel(x, y, refl.Panel)
			}
			refl.Predicted = ok
			continue
		}

		refl.Predicted = false
		if img.Det == nil {
			continue
		}
		for i := range img.Det.Panels {
			p := &img.Det.Panels[i]
			x, y, ok := Position(q, img.Lambda, p.Clen)
			if !ok {
				continue
			}
			fs, ss, ok := geometry.LabToPanel(x, y, p)
			if ok && p.Contains(fs, ss) {
				refl.FS, refl.SS, refl.Panel, refl.Predicted = fs, ss, p, true
				break
			}
		}
	}

	return nil
}

// FindIntersections returns the reflections of the cell which are excited
// and land on a panel, for a lattice point radius of profileRadius.
func (s *Service) FindIntersections(c *cell.UnitCell, profileRadius float64, img *models.Image) (models.RefList, error) {
	if img.Det == nil {
		return nil, errors.New("image has no detector")
	}
	if !(img.Lambda > 0) {
		return nil, fmt.Errorf("invalid wavelength %g", img.Lambda)
	}

	klow, khigh := Wavenumbers(img)
	shortest := img.Lambda * (1 - img.Bandwidth/2)
	qmax := geometry.MaxResolution(img.Det, shortest) + profileRadius

	a, b, cc := c.Cartesian()
	hmax := int(qmax * r3.Norm(a))
	kmax := int(qmax * r3.Norm(b))
	lmax := int(qmax * r3.Norm(cc))

	var list models.RefList
	for h := -hmax; h <= hmax; h++ {
		for k := -kmax; k <= kmax; k++ {
			for l := -lmax; l <= lmax; l++ {
				if h == 0 && k == 0 && l == 0 {
					continue
				}

				q := c.ReciprocalVector(h, k, l)
				if r3.Norm(q) > qmax {
					continue
				}

				rlow, rhigh := ExcitationErrors(q, klow, khigh)
				if rlow < -profileRadius || rhigh > profileRadius {
					continue
				}

				refl := s.place(q, img)
				if refl == nil {
					continue
				}
				refl.H, refl.K, refl.L = h, k, l
				refl.HS, refl.KS, refl.LS = h, k, l
				refl.RLow, refl.RHigh = rlow, rhigh
				refl.Partiality = s.Model.Partiality(rlow, rhigh, profileRadius)
				refl.Intensity = refl.Partiality
				list = append(list, refl)
			}
		}
	}

	return list, nil
}

// place finds the panel and raster position of a reciprocal vector.
func (s *Service) place(q r3.Vec, img *models.Image) *models.Reflection {
	for i := range img.Det.Panels {
		p := &img.Det.Panels[i]
		x, y, ok := Position(q, img.Lambda, p.Clen)
		if !ok {
			continue
		}
		fs, ss, ok := geometry.LabToPanel(x, y, p)
		if ok && p.Contains(fs, ss) {
			return &models.Reflection{FS: fs, SS: ss, Panel: p, Predicted: true}
		}
	}
	return nil
}
