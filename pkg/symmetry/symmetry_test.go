package symmetry

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	table := NewTable()

	pg, err := table.Lookup("4mm")
	require.NoError(t, err)
	assert.Equal(t, 4, pg.RotationalOrder)
	assert.True(t, pg.BisectingMirrorOrDiad)
	assert.False(t, pg.PerpendicularMirror)

	pg, err = table.Lookup("-3m1_H")
	require.NoError(t, err)
	assert.Equal(t, 3, pg.RotationalOrder)

	pg, err = table.Lookup("m-3m")
	require.NoError(t, err)
	assert.True(t, pg.Polyhedral)

	_, err = table.Lookup("7/q")
	assert.True(t, errors.Is(err, ErrUnknownPointGroup))
}

// TestOrientationRanges covers the reduction rules for several groups
func TestOrientationRanges(t *testing.T) {
	table := NewTable()

	tests := []struct {
		symbol   string
		omegaMax float64
		phiMax   float64
	}{
		{"1", 2 * math.Pi, math.Pi},
		{"2/m", math.Pi, math.Pi / 2},
		{"mmm", math.Pi / 2, math.Pi / 2},
		{"4", math.Pi / 2, math.Pi},
		{"4mm", math.Pi / 4, math.Pi},
		{"4/mmm", math.Pi / 4, math.Pi / 2},
		{"6/mmm", math.Pi / 6, math.Pi / 2},
		{"321", math.Pi / 3, math.Pi},
	}

	for _, tc := range tests {
		t.Run(tc.symbol, func(t *testing.T) {
			pg, err := table.Lookup(tc.symbol)
			require.NoError(t, err)

			omega, phi, err := OrientationRanges(pg)
			require.NoError(t, err)
			assert.InDelta(t, tc.omegaMax, omega, 1e-15)
			assert.InDelta(t, tc.phiMax, phi, 1e-15)
		})
	}
}

// TestPolyhedralFallsBackToFullRange checks the warning path
func TestPolyhedralFallsBackToFullRange(t *testing.T) {
	pg, err := NewTable().Lookup("432")
	require.NoError(t, err)

	omega, phi, err := OrientationRanges(pg)
	assert.True(t, errors.Is(err, ErrUnsupportedSymmetry))
	assert.Equal(t, 2*math.Pi, omega)
	assert.Equal(t, math.Pi, phi)
}
