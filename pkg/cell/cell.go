// Package cell holds the crystal unit cell in both real and reciprocal space.
//
// The two bases are kept dual to each other at all times: whichever one is
// set, the other is recomputed from it, so callers never observe a cell whose
// real and reciprocal axes disagree.
package cell

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrDegenerateCell is returned when a basis has zero or negative volume.
var ErrDegenerateCell = errors.New("unit cell has non-positive volume")

// UnitCell represents a crystal lattice.
type UnitCell struct {
	// real-space axes (metres)
	a, b, c r3.Vec

	// reciprocal-space axes (reciprocal metres)
	as, bs, cs r3.Vec

	// pointGroup is the symbol used for symmetry lookups, e.g. "4/mmm"
	pointGroup string
}

// NewFromParameters builds a cell from its lengths (metres) and angles
// (radians). The a axis lies along +x and b lies in the xy plane, which
// makes c* parallel to +z.
func NewFromParameters(a, b, c, alpha, beta, gamma float64) (*UnitCell, error) {
	if a <= 0 || b <= 0 || c <= 0 {
		return nil, fmt.Errorf("%w: axis lengths %g, %g, %g", ErrDegenerateCell, a, b, c)
	}

	cosA, cosB, cosG := math.Cos(alpha), math.Cos(beta), math.Cos(gamma)
	sinG := math.Sin(gamma)

	cy := (cosA - cosB*cosG) / sinG
	czSq := 1 - cosB*cosB - cy*cy
	if czSq <= 0 {
		return nil, fmt.Errorf("%w: impossible angles %g, %g, %g", ErrDegenerateCell, alpha, beta, gamma)
	}

	cell := &UnitCell{}
	err := cell.SetCartesian(
		r3.Vec{X: a},
		r3.Vec{X: b * cosG, Y: b * sinG},
		r3.Vec{X: c * cosB, Y: c * cy, Z: c * math.Sqrt(czSq)},
	)
	if err != nil {
		return nil, err
	}
	return cell, nil
}

// NewFromCartesian builds a cell from real-space axis vectors.
func NewFromCartesian(a, b, c r3.Vec) (*UnitCell, error) {
	cell := &UnitCell{}
	if err := cell.SetCartesian(a, b, c); err != nil {
		return nil, err
	}
	return cell, nil
}

// NewFromReciprocal builds a cell from reciprocal axis vectors.
func NewFromReciprocal(as, bs, cs r3.Vec) (*UnitCell, error) {
	cell := &UnitCell{}
	if err := cell.SetReciprocal(as, bs, cs); err != nil {
		return nil, err
	}
	return cell, nil
}

// dual returns the basis dual to (p, q, r).
func dual(p, q, r r3.Vec) (r3.Vec, r3.Vec, r3.Vec, error) {
	vol := r3.Dot(p, r3.Cross(q, r))
	if !(vol > 0) || math.IsInf(vol, 0) {
		return r3.Vec{}, r3.Vec{}, r3.Vec{}, fmt.Errorf("%w: volume %g", ErrDegenerateCell, vol)
	}
	return r3.Scale(1/vol, r3.Cross(q, r)),
		r3.Scale(1/vol, r3.Cross(r, p)),
		r3.Scale(1/vol, r3.Cross(p, q)),
		nil
}

// SetCartesian replaces the real-space axes and recomputes the reciprocal
// ones. The cell is left untouched on error.
func (u *UnitCell) SetCartesian(a, b, c r3.Vec) error {
	as, bs, cs, err := dual(a, b, c)
	if err != nil {
		return err
	}
	u.a, u.b, u.c = a, b, c
	u.as, u.bs, u.cs = as, bs, cs
	return nil
}

// SetReciprocal replaces the reciprocal axes and recomputes the real-space
// ones. The cell is left untouched on error.
func (u *UnitCell) SetReciprocal(as, bs, cs r3.Vec) error {
	a, b, c, err := dual(as, bs, cs)
	if err != nil {
		return err
	}
	u.a, u.b, u.c = a, b, c
	u.as, u.bs, u.cs = as, bs, cs
	return nil
}

// Cartesian returns the real-space axes.
func (u *UnitCell) Cartesian() (a, b, c r3.Vec) {
	return u.a, u.b, u.c
}

// Reciprocal returns the reciprocal axes.
func (u *UnitCell) Reciprocal() (as, bs, cs r3.Vec) {
	return u.as, u.bs, u.cs
}

// Volume returns the real-space cell volume in cubic metres.
func (u *UnitCell) Volume() float64 {
	return r3.Dot(u.a, r3.Cross(u.b, u.c))
}

// PointGroup returns the point group symbol attached to the cell.
func (u *UnitCell) PointGroup() string {
	return u.pointGroup
}

// SetPointGroup attaches a point group symbol to the cell.
func (u *UnitCell) SetPointGroup(symbol string) {
	u.pointGroup = symbol
}

// Clone returns an independent copy of the cell.
func (u *UnitCell) Clone() *UnitCell {
	out := *u
	return &out
}

// ReciprocalVector returns h*a* + k*b* + l*c*.
func (u *UnitCell) ReciprocalVector(h, k, l int) r3.Vec {
	return r3.Add(r3.Add(
		r3.Scale(float64(h), u.as),
		r3.Scale(float64(k), u.bs)),
		r3.Scale(float64(l), u.cs))
}

// Resolution returns 1/2d for the given reflection, in reciprocal metres.
func (u *UnitCell) Resolution(h, k, l int) float64 {
	return r3.Norm(u.ReciprocalVector(h, k, l)) / 2
}

// Parameters returns the axis lengths (metres) and inter-axial angles (radians).
func (u *UnitCell) Parameters() (a, b, c, alpha, beta, gamma float64) {
	a, b, c = r3.Norm(u.a), r3.Norm(u.b), r3.Norm(u.c)
	alpha = math.Acos(r3.Dot(u.b, u.c) / (b * c))
	beta = math.Acos(r3.Dot(u.a, u.c) / (a * c))
	gamma = math.Acos(r3.Dot(u.a, u.b) / (a * b))
	return a, b, c, alpha, beta, gamma
}

// rotateZ rotates v by -angle about +z.
func rotateZ(v r3.Vec, angle float64) r3.Vec {
	s, c := math.Sincos(angle)
	return r3.Vec{X: v.X*c + v.Y*s, Y: -v.X*s + v.Y*c, Z: v.Z}
}

// rotateX rotates v by -angle about +x.
func rotateX(v r3.Vec, angle float64) r3.Vec {
	s, c := math.Sincos(angle)
	return r3.Vec{X: v.X, Y: v.Y*c + v.Z*s, Z: -v.Y*s + v.Z*c}
}

// RotateVector applies the (omega, phi, rot) orientation to a single vector:
// omega about +z, then phi about +x, then the in-plane rotation rot about +z.
func RotateVector(v r3.Vec, omega, phi, rot float64) r3.Vec {
	return rotateZ(rotateX(rotateZ(v, omega), phi), rot)
}

// Rotate returns a copy of the cell with its reciprocal axes rotated by
// (omega, phi, rot). The receiver is not modified.
func (u *UnitCell) Rotate(omega, phi, rot float64) *UnitCell {
	out := u.Clone()
	// Rotation preserves volume, so this cannot fail for a valid cell.
	_ = out.SetReciprocal(
		RotateVector(u.as, omega, phi, rot),
		RotateVector(u.bs, omega, phi, rot),
		RotateVector(u.cs, omega, phi, rot),
	)
	return out
}

// String gives the cell parameters in Angstroms and degrees.
func (u *UnitCell) String() string {
	a, b, c, al, be, ga := u.Parameters()
	return fmt.Sprintf("%.2f %.2f %.2f A, %.2f %.2f %.2f deg (%s)",
		a*1e10, b*1e10, c*1e10,
		al*180/math.Pi, be*180/math.Pi, ga*180/math.Pi, u.pointGroup)
}
