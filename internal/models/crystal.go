package models

import "xtalrefine/pkg/cell"

// Reflection is a single lattice point and what has been predicted for it.
type Reflection struct {
	// Miller indices
	H, K, L int

	// Symmetry-reduced indices
	HS, KS, LS int

	// FS, SS are the predicted raster coordinates
	FS, SS float64

	// RLow and RHigh are the excitation errors (m^-1) with respect to the
	// largest and smallest Ewald spheres allowed by the bandwidth
	RLow, RHigh float64

	Partiality float64
	Intensity  float64

	// Predicted is false if no position could be calculated
	Predicted bool

	// Panel the reflection is predicted to fall on. Not owned.
	Panel *Panel
}

// NewReflection creates a reflection with the given indices.
func NewReflection(h, k, l int) *Reflection {
	return &Reflection{H: h, K: k, L: l, HS: h, KS: k, LS: l}
}

// SetSymmetricIndices records the symmetry-reduced indices.
func (r *Reflection) SetSymmetricIndices(h, k, l int) {
	r.HS, r.KS, r.LS = h, k, l
}

// ExcitationError returns the mean of the low and high excitation errors.
func (r *Reflection) ExcitationError() float64 {
	return (r.RLow + r.RHigh) / 2
}

// RefList is an ordered list of reflections.
type RefList []*Reflection

// Add appends a reflection to the list.
func (l *RefList) Add(r *Reflection) {
	*l = append(*l, r)
}

// Crystal is a unit cell together with the quantities refined for one
// pattern.
type Crystal struct {
	Cell *cell.UnitCell

	// ProfileRadius is the reciprocal lattice point radius in m^-1
	ProfileRadius float64

	// Reflections is attached only while one estimation or refinement
	// pass owns the crystal
	Reflections RefList
}

// NewCrystal wraps a cell.
func NewCrystal(c *cell.UnitCell, profileRadius float64) *Crystal {
	return &Crystal{Cell: c, ProfileRadius: profileRadius}
}

// SetReflections attaches (or with nil, detaches) a reflection list.
func (c *Crystal) SetReflections(list RefList) {
	c.Reflections = list
}
