package refine

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"xtalrefine/internal/models"
	"xtalrefine/pkg/cell"
	"xtalrefine/pkg/geometry"
	"xtalrefine/pkg/predict"
)

// Param identifies a refinable quantity.
type Param int

// The nine lattice parameters come first, in the order the shifts are
// applied. Detector parameters follow; their gradients are defined but they
// are not refined yet.
const (
	ParamASX Param = iota
	ParamASY
	ParamASZ
	ParamBSX
	ParamBSY
	ParamBSZ
	ParamCSX
	ParamCSY
	ParamCSZ
	ParamDetX
	ParamDetY
	ParamClen

	numParams
)

// numLatticeParams is the number of parameters solved for in each cycle.
const numLatticeParams = int(ParamCSZ) + 1

func (p Param) String() string {
	names := [...]string{"asx", "asy", "asz", "bsx", "bsy", "bsz", "csx", "csy", "csz", "detx", "dety", "clen"}
	if p < 0 || p >= numParams {
		return fmt.Sprintf("param(%d)", int(p))
	}
	return names[p]
}

// rDev is the excitation error residual of a pair.
func rDev(rp *ReflPeak) float64 {
	return rp.Refl.ExcitationError()
}

// positionDev returns the predicted minus observed lab-frame position, in
// metres, both measured on the pair's panel.
func positionDev(rp *ReflPeak) (dx, dy float64) {
	xpk, ypk := geometry.MapToLab(rp.Peak.FS, rp.Peak.SS, rp.Panel)
	xh, yh := geometry.MapToLab(rp.Refl.FS, rp.Refl.SS, rp.Panel)
	return xh - xpk, yh - ypk
}

// pairGradients holds the derivatives of one pair's three residuals with
// respect to the reciprocal vector q = h a* + k b* + l c*, plus what is
// needed for the detector parameters.
type pairGradients struct {
	miller [3]float64

	// derivatives with respect to (qx, qy, qz)
	dR, dX, dY r3.Vec

	// tan(2theta) and the azimuth of the reflection
	tan2t, cosAzi, sinAzi float64
}

// newPairGradients evaluates the closed-form gradients for the pair under
// the current cell.
//
// Excitation error, for each Ewald sphere of radius k centred on (0,0,k):
//
//	r = k - |q - (0,0,k)|,  dr/dq = -(sin(phi) cos(azi), sin(phi) sin(azi), cos(phi))
//
// where phi is the angle of q - (0,0,k) from +z. The two spheres allowed by
// the bandwidth are averaged.
//
// Position, with theta = asin(lambda |q| / 2), x = clen tan(2 theta) cos(azi)
// and y = clen tan(2 theta) sin(azi):
//
//	A = lambda clen / (cos^2(2 theta) cos(theta))
//	B = clen tan(2 theta) / |q| sin(chi)
//
// where chi is the angle of q from +z.
func newPairGradients(rp *ReflPeak, c *cell.UnitCell, img *models.Image) pairGradients {
	h, k, l := rp.Refl.H, rp.Refl.K, rp.Refl.L
	q := c.ReciprocalVector(h, k, l)

	g := pairGradients{miller: [3]float64{float64(h), float64(k), float64(l)}}

	tl := math.Hypot(q.X, q.Y)
	azi := math.Atan2(q.Y, q.X)
	g.sinAzi, g.cosAzi = math.Sincos(azi)

	klow, khigh := predict.Wavenumbers(img)
	phiLow := math.Atan2(tl, q.Z-klow)
	phiHigh := math.Atan2(tl, q.Z-khigh)
	sinPhi := (math.Sin(phiLow) + math.Sin(phiHigh)) / 2
	cosPhi := (math.Cos(phiLow) + math.Cos(phiHigh)) / 2
	g.dR = r3.Vec{X: -sinPhi * g.cosAzi, Y: -sinPhi * g.sinAzi, Z: -cosPhi}

	modq := r3.Norm(q)
	sinTheta := img.Lambda * modq / 2
	if modq == 0 || sinTheta >= 1 {
		return g
	}
	theta := math.Asin(sinTheta)
	cos2t := math.Cos(2 * theta)
	g.tan2t = math.Tan(2 * theta)

	clen := rp.Panel.Clen
	chi := math.Atan2(tl, q.Z)
	sinChi, cosChi := math.Sincos(chi)

	A := img.Lambda * clen / (cos2t * cos2t * math.Cos(theta))
	B := 0.0
	if tl > 0 {
		B = clen * g.tan2t / (modq * sinChi)
	}

	sc := g.sinAzi * g.cosAzi
	g.dX = r3.Vec{
		X: A*sinChi*g.cosAzi*g.cosAzi + B*g.sinAzi*g.sinAzi,
		Y: (A*sinChi - B) * sc,
		Z: A * cosChi * g.cosAzi,
	}
	g.dY = r3.Vec{
		X: (A*sinChi - B) * sc,
		Y: A*sinChi*g.sinAzi*g.sinAzi + B*g.cosAzi*g.cosAzi,
		Z: A * cosChi * g.sinAzi,
	}

	return g
}

// latticeTerm returns m * d/dq_j, the derivative with respect to component j
// of the reciprocal axis selected by p.
func (g *pairGradients) latticeTerm(p Param, dq r3.Vec) float64 {
	m := g.miller[int(p)/3]
	switch int(p) % 3 {
	case 0:
		return m * dq.X
	case 1:
		return m * dq.Y
	default:
		return m * dq.Z
	}
}

// rGradient returns d(excitation error)/dP.
func (g *pairGradients) rGradient(p Param) float64 {
	if p < ParamDetX {
		return g.latticeTerm(p, g.dR)
	}
	return 0
}

// xGradient returns d(xh - xpk)/dP.
func (g *pairGradients) xGradient(p Param) float64 {
	switch p {
	case ParamDetX:
		return -1
	case ParamDetY:
		return 0
	case ParamClen:
		return g.tan2t * g.cosAzi
	}
	return g.latticeTerm(p, g.dX)
}

// yGradient returns d(yh - ypk)/dP.
func (g *pairGradients) yGradient(p Param) float64 {
	switch p {
	case ParamDetX:
		return 0
	case ParamDetY:
		return -1
	case ParamClen:
		return g.tan2t * g.sinAzi
	}
	return g.latticeTerm(p, g.dY)
}
