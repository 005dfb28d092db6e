// Package symmetry answers the point-group questions needed to bound an
// orientation search.
package symmetry

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrUnknownPointGroup is returned for symbols missing from the table.
	ErrUnknownPointGroup = errors.New("unknown point group")

	// ErrUnsupportedSymmetry marks point groups whose orientation ranges
	// cannot be reduced. It is a warning: the full ranges are still returned.
	ErrUnsupportedSymmetry = errors.New("point group is polyhedral")
)

// PointGroup describes the properties of a point group relevant to
// orientation searches.
type PointGroup struct {
	Symbol string

	// RotationalOrder is the order of the principal axis
	RotationalOrder int

	// BisectingMirrorOrDiad is true when a mirror containing the principal
	// axis, or a diad perpendicular to it, exists
	BisectingMirrorOrDiad bool

	// PerpendicularMirror is true when a mirror perpendicular to the
	// principal axis exists
	PerpendicularMirror bool

	// Polyhedral marks the cubic groups, which have no unique principal axis
	Polyhedral bool
}

// Service looks up point groups by symbol.
type Service interface {
	Lookup(symbol string) (PointGroup, error)
}

// Table is a Service backed by a fixed table of the 32 crystallographic
// point groups.
type Table struct {
	groups map[string]PointGroup
}

// NewTable returns the standard table.
func NewTable() *Table {
	t := &Table{groups: make(map[string]PointGroup)}

	add := func(order int, bisect, perp, poly bool, symbols ...string) {
		for _, s := range symbols {
			t.groups[s] = PointGroup{
				Symbol:                s,
				RotationalOrder:       order,
				BisectingMirrorOrDiad: bisect,
				PerpendicularMirror:   perp,
				Polyhedral:            poly,
			}
		}
	}

	// Triclinic
	add(1, false, false, false, "1", "-1")

	// Monoclinic, unique axis taken as the principal one
	add(2, false, false, false, "2", "m")
	add(2, false, true, false, "2/m")

	// Orthorhombic
	add(2, true, false, false, "222", "mm2")
	add(2, true, true, false, "mmm")

	// Tetragonal
	add(4, false, false, false, "4", "-4")
	add(4, false, true, false, "4/m")
	add(4, true, false, false, "422", "4mm", "-42m", "-4m2")
	add(4, true, true, false, "4/mmm")

	// Trigonal
	add(3, false, false, false, "3", "-3")
	add(3, true, false, false, "32", "321", "312", "3m", "3m1", "31m", "-3m", "-3m1", "-31m")

	// Hexagonal
	add(6, false, false, false, "6")
	add(6, false, true, false, "-6", "6/m")
	add(6, true, false, false, "622", "6mm")
	add(6, true, true, false, "-6m2", "-62m", "6/mmm")

	// Cubic
	add(3, true, false, true, "23", "m-3", "432", "-43m", "m-3m")

	return t
}

// Lookup returns the point group for a symbol. Setting suffixes such as
// "_H" or "_uab" are ignored.
func (t *Table) Lookup(symbol string) (PointGroup, error) {
	s := strings.TrimSpace(symbol)
	if i := strings.IndexByte(s, '_'); i >= 0 {
		s = s[:i]
	}
	pg, ok := t.groups[s]
	if !ok {
		return PointGroup{}, fmt.Errorf("%w: %q", ErrUnknownPointGroup, symbol)
	}
	return pg, nil
}

// OrientationRanges returns the independent ranges of the omega and phi
// orientation angles for a point group. For polyhedral groups the full
// ranges are returned together with ErrUnsupportedSymmetry.
func OrientationRanges(pg PointGroup) (omegaMax, phiMax float64, err error) {
	if pg.Polyhedral {
		return 2 * math.Pi, math.Pi, fmt.Errorf("%w: %s", ErrUnsupportedSymmetry, pg.Symbol)
	}

	order := pg.RotationalOrder
	if order < 1 {
		order = 1
	}

	omegaMax = 2 * math.Pi / float64(order)
	if pg.BisectingMirrorOrDiad {
		omegaMax /= 2
	}

	phiMax = math.Pi
	if pg.PerpendicularMirror {
		phiMax /= 2
	}

	return omegaMax, phiMax, nil
}
