package lattice

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

const q7 = 7

var (
	c7 = [q7][3]int{
		{0, 0, 0},
		{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1},
	}
	w7   = [q7]float64{1.0 / 4, 1.0 / 8, 1.0 / 8, 1.0 / 8, 1.0 / 8, 1.0 / 8, 1.0 / 8}
	opp7 [q7]int
)

func init() {
	for i, c := range c7 {
		opp7[i] = oppositeOf(c7[:], c)
	}
}

// ADLattice is a reference D3Q7 BGK advection-diffusion lattice. Walls and
// Solid cells bounce back, which makes them zero-flux for the scalar.
type ADLattice struct {
	box      Box
	periodic [3]bool
	tau      float64
	solid    []bool

	g, tmp []float64
	t      []float64
}

// NewADLattice returns a lattice with a uniform scalar value at rest.
func NewADLattice(box Box, tau float64, periodic [3]bool, mask Mask, initial float64) (*ADLattice, error) {
	if box.Empty() {
		return nil, fmt.Errorf("lattice: empty box %v", box)
	}
	if tau <= 0.5 {
		return nil, fmt.Errorf("lattice: scalar relaxation time %g must exceed 0.5", tau)
	}
	n := box.Volume()
	l := &ADLattice{
		box:      box,
		periodic: periodic,
		tau:      tau,
		solid:    solidMask(box, mask),
		g:        make([]float64, n*q7),
		tmp:      make([]float64, n*q7),
		t:        make([]float64, n),
	}
	for idx := 0; idx < n; idx++ {
		l.setScalar(idx, initial)
	}
	return l, nil
}

// Box implements ScalarLattice.
func (l *ADLattice) Box() Box { return l.box }

// Scalar implements ScalarLattice.
func (l *ADLattice) Scalar(x, y, z int) float64 {
	return l.t[l.box.Index(x, y, z)]
}

// Diffusivity returns the scalar diffusivity in lattice units (cs^2 = 1/4).
func (l *ADLattice) Diffusivity() float64 { return (l.tau - 0.5) / 4 }

// SetScalar resets a cell to the rest equilibrium of value.
func (l *ADLattice) SetScalar(x, y, z int, value float64) {
	l.setScalar(l.box.Index(x, y, z), value)
}

// SetBox resets every cell of b inside the lattice to value.
func (l *ADLattice) SetBox(b Box, value float64) {
	l.box.Intersect(b).Each(func(x, y, z int) {
		l.SetScalar(x, y, z, value)
	})
}

func (l *ADLattice) setScalar(idx int, value float64) {
	base := idx * q7
	for i := 0; i < q7; i++ {
		l.g[base+i] = w7[i] * value
	}
	l.t[idx] = value
}

// CollideAndStream advances the scalar one step, advected by vel. A nil vel
// or cells outside its box see zero velocity.
func (l *ADLattice) CollideAndStream(vel VelocitySource) {
	omega := 1 / l.tau
	var vbox Box
	if vel != nil {
		vbox = vel.Box()
	}
	b := l.box
	b.Each(func(x, y, z int) {
		idx := b.Index(x, y, z)
		if l.solid[idx] {
			return
		}
		var u r3.Vec
		if vel != nil && vbox.Contains(x, y, z) {
			u = vel.Velocity(x, y, z)
		}
		t := l.t[idx]
		base := idx * q7
		for i := 0; i < q7; i++ {
			c := c7[i]
			cu := float64(c[0])*u.X + float64(c[1])*u.Y + float64(c[2])*u.Z
			geq := w7[i] * t * (1 + 4*cu)
			post := l.g[base+i] - omega*(l.g[base+i]-geq)

			nx, okx := Wrap(x+c[0], b.Origin[0], b.Size[0], l.periodic[0])
			ny, oky := Wrap(y+c[1], b.Origin[1], b.Size[1], l.periodic[1])
			nz, okz := Wrap(z+c[2], b.Origin[2], b.Size[2], l.periodic[2])
			if !okx || !oky || !okz {
				l.tmp[base+opp7[i]] = post
				continue
			}
			dst := b.Index(nx, ny, nz)
			if l.solid[dst] {
				l.tmp[base+opp7[i]] = post
				continue
			}
			l.tmp[dst*q7+i] = post
		}
	})
	l.g, l.tmp = l.tmp, l.g
	for idx := range l.t {
		if l.solid[idx] {
			continue
		}
		base := idx * q7
		var sum float64
		for i := 0; i < q7; i++ {
			sum += l.g[base+i]
		}
		l.t[idx] = sum
	}
}

// Total returns the scalar summed over fluid cells.
func (l *ADLattice) Total() float64 {
	var sum float64
	for idx, v := range l.t {
		if !l.solid[idx] {
			sum += v
		}
	}
	return sum
}
