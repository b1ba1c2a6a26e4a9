package lattice

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

const q19 = 19

// D3Q19 velocity set: rest, 6 face neighbours, 12 edge neighbours.
var (
	c19 = [q19][3]int{
		{0, 0, 0},
		{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1},
		{1, 1, 0}, {-1, -1, 0}, {1, -1, 0}, {-1, 1, 0},
		{1, 0, 1}, {-1, 0, -1}, {1, 0, -1}, {-1, 0, 1},
		{0, 1, 1}, {0, -1, -1}, {0, 1, -1}, {0, -1, 1},
	}
	w19   [q19]float64
	opp19 [q19]int
)

func init() {
	for i, c := range c19 {
		switch c[0]*c[0] + c[1]*c[1] + c[2]*c[2] {
		case 0:
			w19[i] = 1.0 / 3.0
		case 1:
			w19[i] = 1.0 / 18.0
		default:
			w19[i] = 1.0 / 36.0
		}
		opp19[i] = oppositeOf(c19[:], c)
	}
}

func oppositeOf(set [][3]int, c [3]int) int {
	for j, d := range set {
		if d[0] == -c[0] && d[1] == -c[1] && d[2] == -c[2] {
			return j
		}
	}
	panic(fmt.Sprintf("lattice: no opposite for %v", c))
}

// NSLattice is a reference D3Q19 BGK momentum lattice with Guo forcing.
// Walls along non-periodic axes and Solid cells use half-way bounce-back.
type NSLattice struct {
	box      Box
	periodic [3]bool
	tau      float64
	solid    []bool

	f, tmp []float64 // cell-major: f[idx*q19+i]
	rho    []float64
	mom    []r3.Vec // momentum density from populations, without force shift

	forces *ForceField
}

// NewNSLattice returns a lattice at rest with unit density. tau must exceed 0.5.
func NewNSLattice(box Box, tau float64, periodic [3]bool, mask Mask) (*NSLattice, error) {
	if box.Empty() {
		return nil, fmt.Errorf("lattice: empty box %v", box)
	}
	if tau <= 0.5 {
		return nil, fmt.Errorf("lattice: relaxation time %g must exceed 0.5", tau)
	}
	n := box.Volume()
	l := &NSLattice{
		box:      box,
		periodic: periodic,
		tau:      tau,
		solid:    solidMask(box, mask),
		f:        make([]float64, n*q19),
		tmp:      make([]float64, n*q19),
		rho:      make([]float64, n),
		mom:      make([]r3.Vec, n),
		forces:   NewForceField(box),
	}
	for idx := 0; idx < n; idx++ {
		l.setEquilibrium(idx, 1, r3.Vec{})
	}
	return l, nil
}

// Box implements MomentumLattice.
func (l *NSLattice) Box() Box { return l.box }

// Forces implements MomentumLattice.
func (l *NSLattice) Forces() *ForceField { return l.forces }

// Tau returns the BGK relaxation time.
func (l *NSLattice) Tau() float64 { return l.tau }

// Viscosity returns the kinematic viscosity in lattice units.
func (l *NSLattice) Viscosity() float64 { return (l.tau - 0.5) / 3 }

// Density implements MomentumLattice.
func (l *NSLattice) Density(x, y, z int) float64 {
	return l.rho[l.box.Index(x, y, z)]
}

// Velocity implements MomentumLattice. It returns the Guo physical velocity
// (m + F/2)/rho using the force currently held by the accumulator.
func (l *NSLattice) Velocity(x, y, z int) r3.Vec {
	idx := l.box.Index(x, y, z)
	return l.velocity(idx)
}

func (l *NSLattice) velocity(idx int) r3.Vec {
	if l.solid[idx] || l.rho[idx] <= 0 {
		return r3.Vec{}
	}
	m := r3.Add(l.mom[idx], r3.Scale(0.5, l.forces.f[idx]))
	return r3.Scale(1/l.rho[idx], m)
}

// SetEquilibrium initialises a cell to the equilibrium of (rho, u).
func (l *NSLattice) SetEquilibrium(x, y, z int, rho float64, u r3.Vec) {
	l.setEquilibrium(l.box.Index(x, y, z), rho, u)
}

func (l *NSLattice) setEquilibrium(idx int, rho float64, u r3.Vec) {
	base := idx * q19
	usq := r3.Norm2(u)
	for i := 0; i < q19; i++ {
		l.f[base+i] = feq19(i, rho, u, usq)
	}
	l.rho[idx] = rho
	l.mom[idx] = r3.Scale(rho, u)
}

func feq19(i int, rho float64, u r3.Vec, usq float64) float64 {
	c := c19[i]
	cu := float64(c[0])*u.X + float64(c[1])*u.Y + float64(c[2])*u.Z
	return w19[i] * rho * (1 + 3*cu + 4.5*cu*cu - 1.5*usq)
}

// Collide relaxes every fluid cell toward equilibrium and adds the Guo source
// term built from the accumulated external force.
func (l *NSLattice) Collide() {
	omega := 1 / l.tau
	pref := 1 - 0.5*omega
	for idx := range l.rho {
		if l.solid[idx] {
			continue
		}
		rho := l.rho[idx]
		force := l.forces.f[idx]
		u := l.velocity(idx)
		usq := r3.Norm2(u)
		base := idx * q19
		for i := 0; i < q19; i++ {
			c := c19[i]
			cx, cy, cz := float64(c[0]), float64(c[1]), float64(c[2])
			cu := cx*u.X + cy*u.Y + cz*u.Z
			cf := cx*force.X + cy*force.Y + cz*force.Z
			uf := u.X*force.X + u.Y*force.Y + u.Z*force.Z
			src := pref * w19[i] * (3*(cf-uf) + 9*cu*cf)
			feq := feq19(i, rho, u, usq)
			l.f[base+i] += -omega*(l.f[base+i]-feq) + src
		}
	}
}

// Stream propagates post-collision populations and refreshes the moments.
func (l *NSLattice) Stream() {
	b := l.box
	b.Each(func(x, y, z int) {
		idx := b.Index(x, y, z)
		if l.solid[idx] {
			return
		}
		base := idx * q19
		for i := 0; i < q19; i++ {
			c := c19[i]
			nx, okx := Wrap(x+c[0], b.Origin[0], b.Size[0], l.periodic[0])
			ny, oky := Wrap(y+c[1], b.Origin[1], b.Size[1], l.periodic[1])
			nz, okz := Wrap(z+c[2], b.Origin[2], b.Size[2], l.periodic[2])
			if !okx || !oky || !okz {
				l.tmp[base+opp19[i]] = l.f[base+i]
				continue
			}
			dst := b.Index(nx, ny, nz)
			if l.solid[dst] {
				l.tmp[base+opp19[i]] = l.f[base+i]
				continue
			}
			l.tmp[dst*q19+i] = l.f[base+i]
		}
	})
	l.f, l.tmp = l.tmp, l.f
	l.updateMoments()
}

func (l *NSLattice) updateMoments() {
	for idx := range l.rho {
		if l.solid[idx] {
			l.rho[idx] = 0
			l.mom[idx] = r3.Vec{}
			continue
		}
		base := idx * q19
		var rho float64
		var m r3.Vec
		for i := 0; i < q19; i++ {
			fi := l.f[base+i]
			c := c19[i]
			rho += fi
			m.X += fi * float64(c[0])
			m.Y += fi * float64(c[1])
			m.Z += fi * float64(c[2])
		}
		l.rho[idx] = rho
		l.mom[idx] = m
	}
}

// TotalMass returns the sum of densities over fluid cells.
func (l *NSLattice) TotalMass() float64 {
	var sum float64
	for idx, r := range l.rho {
		if !l.solid[idx] {
			sum += r
		}
	}
	return sum
}

// TotalMomentum returns the summed physical momentum, including the half-force
// shift of the current accumulator.
func (l *NSLattice) TotalMomentum() r3.Vec {
	var sum r3.Vec
	for idx := range l.rho {
		if l.solid[idx] {
			continue
		}
		sum = r3.Add(sum, r3.Add(l.mom[idx], r3.Scale(0.5, l.forces.f[idx])))
	}
	return sum
}

// MaxSpeed returns the largest velocity magnitude over fluid cells.
func (l *NSLattice) MaxSpeed() float64 {
	var best float64
	for idx := range l.rho {
		if s := r3.Norm(l.velocity(idx)); s > best {
			best = s
		}
	}
	return best
}
