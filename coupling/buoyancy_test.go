package coupling

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/lbcouple/lattice"
)

var testParams = Params{
	Beta:            2e-3,
	Reference:       1,
	Gravity:         r3.Vec{Z: -1e-3},
	DensityWeighted: true,
}

func newLattices(t *testing.T, box lattice.Box, t0 float64) (*lattice.NSLattice, *lattice.ADLattice) {
	t.Helper()
	ns, err := lattice.NewNSLattice(box, 0.9, [3]bool{true, true, false}, nil)
	require.NoError(t, err)
	ad, err := lattice.NewADLattice(box, 0.9, [3]bool{true, true, false}, nil, t0)
	require.NoError(t, err)
	return ns, ad
}

func TestBuoyancyZeroAtEquilibrium(t *testing.T) {
	box := lattice.NewBox(8, 8, 8)
	ns, ad := newLattices(t, box, testParams.Reference)

	b, err := NewBuoyancy(ns, ad, nil, lattice.Box{}, testParams)
	require.NoError(t, err)
	require.NoError(t, b.Apply())

	assert.Equal(t, 0, ns.Forces().NonZero())
	assert.Equal(t, r3.Vec{}, b.LastReport().Total)
	assert.Equal(t, box.Volume(), b.LastReport().Cells)
}

func TestBuoyancyForceDirectionAndMagnitude(t *testing.T) {
	box := lattice.NewBox(4, 4, 4)
	ns, ad := newLattices(t, box, testParams.Reference)
	ad.SetScalar(1, 1, 1, testParams.Reference+1)

	b, err := NewBuoyancy(ns, ad, nil, lattice.Box{}, testParams)
	require.NoError(t, err)
	require.NoError(t, b.Apply())

	f := ns.Forces().At(1, 1, 1)
	// Warmer fluid is pushed against gravity.
	assert.InDelta(t, 2e-6, f.Z, 1e-18)
	assert.Equal(t, 0.0, f.X)
	assert.Equal(t, 1, ns.Forces().NonZero())
}

func TestBuoyancyIsAdditive(t *testing.T) {
	box := lattice.NewBox(3, 3, 3)
	ns, ad := newLattices(t, box, testParams.Reference)
	ad.SetScalar(0, 0, 0, testParams.Reference+2)

	existing := r3.Vec{X: 1, Z: 1}
	ns.Forces().Add(0, 0, 0, existing)

	b, err := NewBuoyancy(ns, ad, nil, lattice.Box{}, testParams)
	require.NoError(t, err)
	require.NoError(t, b.Apply())

	want := r3.Add(existing, testParams.Force(testParams.Reference+2, 1))
	assert.InDelta(t, want.X, ns.Forces().At(0, 0, 0).X, 1e-15)
	assert.InDelta(t, want.Z, ns.Forces().At(0, 0, 0).Z, 1e-15)
}

func TestBuoyancySkipsNonBulkCells(t *testing.T) {
	box := lattice.NewBox(5, 5, 5)
	ns, ad := newLattices(t, box, testParams.Reference+1)
	mask := lattice.NewFlagMask(box)
	mask.MarkWalls([3]bool{true, true, false})
	mask.Set(2, 2, 2, lattice.Solid)

	b, err := NewBuoyancy(ns, ad, mask, lattice.Box{}, testParams)
	require.NoError(t, err)
	require.NoError(t, b.Apply())

	box.Each(func(x, y, z int) {
		f := ns.Forces().At(x, y, z)
		if mask.Kind(x, y, z) == lattice.Bulk {
			assert.NotEqual(t, r3.Vec{}, f, "bulk cell %d,%d,%d", x, y, z)
		} else {
			assert.Equal(t, r3.Vec{}, f, "non-bulk cell %d,%d,%d", x, y, z)
		}
	})
	rep := b.LastReport()
	assert.Equal(t, mask.Count(lattice.Bulk), rep.Cells)
	assert.Equal(t, box.Volume()-mask.Count(lattice.Bulk), rep.Skipped)
}

func TestBuoyancyRegionRestriction(t *testing.T) {
	box := lattice.NewBox(6, 6, 6)
	ns, ad := newLattices(t, box, testParams.Reference+1)
	region := lattice.Box{Origin: [3]int{1, 1, 1}, Size: [3]int{2, 2, 2}}

	b, err := NewBuoyancy(ns, ad, nil, region, testParams)
	require.NoError(t, err)
	require.NoError(t, b.Apply())
	assert.Equal(t, region.Volume(), ns.Forces().NonZero())
}

func TestBuoyancyDomainMismatch(t *testing.T) {
	ns, err := lattice.NewNSLattice(lattice.NewBox(6, 6, 6), 0.9, [3]bool{}, nil)
	require.NoError(t, err)
	shifted := lattice.Box{Origin: [3]int{1, 0, 0}, Size: [3]int{6, 6, 6}}
	ad, err := lattice.NewADLattice(shifted, 0.9, [3]bool{}, nil, testParams.Reference)
	require.NoError(t, err)

	_, err = NewBuoyancy(ns, ad, nil, lattice.Box{}, testParams)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDomainMismatch))

	var dm *DomainMismatchError
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, shifted, dm.Scalar)

	// A region inside both lattices couples fine despite the offset origins.
	region := lattice.Box{Origin: [3]int{1, 0, 0}, Size: [3]int{5, 6, 6}}
	b, err := NewBuoyancy(ns, ad, nil, region, testParams)
	require.NoError(t, err)
	require.NoError(t, b.Apply())
	assert.Equal(t, 0, ns.Forces().NonZero())
}

func TestDensityWeighting(t *testing.T) {
	p := testParams
	assert.InDelta(t, 2*p.Force(2, 1).Z, p.Force(2, 2).Z, 1e-18)
	p.DensityWeighted = false
	assert.Equal(t, p.Force(2, 1), p.Force(2, 5))
}
