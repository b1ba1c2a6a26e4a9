package lattice

import "gonum.org/v1/gonum/spatial/r3"

// MomentumLattice is the read side of a Navier-Stokes lattice plus its
// external force accumulator. Density and Velocity are read-only during the
// coupling phase of a timestep.
type MomentumLattice interface {
	Box() Box
	Density(x, y, z int) float64
	Velocity(x, y, z int) r3.Vec
	Forces() *ForceField
}

// ScalarLattice exposes the transported scalar (temperature, concentration).
type ScalarLattice interface {
	Box() Box
	Scalar(x, y, z int) float64
}

// VelocitySource supplies the advecting velocity for a scalar lattice.
type VelocitySource interface {
	Box() Box
	Velocity(x, y, z int) r3.Vec
}

// Wrap maps c into [lo, lo+n) when periodic; ok is false when c falls outside
// a non-periodic axis.
func Wrap(c, lo, n int, periodic bool) (int, bool) {
	if c >= lo && c < lo+n {
		return c, true
	}
	if !periodic {
		return c, false
	}
	c = (c - lo) % n
	if c < 0 {
		c += n
	}
	return c + lo, true
}

func solidMask(box Box, mask Mask) []bool {
	solid := make([]bool, box.Volume())
	if mask == nil {
		return solid
	}
	box.Each(func(x, y, z int) {
		solid[box.Index(x, y, z)] = mask.Kind(x, y, z) == Solid
	})
	return solid
}
