// Package lattice holds the grid-side collaborators of the coupling core:
// integer cell boxes, the per-cell external force accumulator, the geometry
// mask, and small reference lattice-Boltzmann solvers that implement the
// MomentumLattice and ScalarLattice interfaces.
package lattice

import "fmt"

// Box is an axis-aligned block of lattice cells. Cell (x, y, z) belongs to the
// box when Origin[a] <= c[a] < Origin[a]+Size[a] on every axis.
type Box struct {
	Origin [3]int `yaml:"origin"`
	Size   [3]int `yaml:"size"`
}

// NewBox returns a box of the given size anchored at the global origin.
func NewBox(nx, ny, nz int) Box {
	return Box{Size: [3]int{nx, ny, nz}}
}

// Volume returns the number of cells in the box.
func (b Box) Volume() int {
	if b.Empty() {
		return 0
	}
	return b.Size[0] * b.Size[1] * b.Size[2]
}

// Empty reports whether the box has no cells.
func (b Box) Empty() bool {
	return b.Size[0] <= 0 || b.Size[1] <= 0 || b.Size[2] <= 0
}

// Max returns the exclusive upper corner.
func (b Box) Max() [3]int {
	return [3]int{
		b.Origin[0] + b.Size[0],
		b.Origin[1] + b.Size[1],
		b.Origin[2] + b.Size[2],
	}
}

// Contains reports whether the cell lies inside the box.
func (b Box) Contains(x, y, z int) bool {
	return x >= b.Origin[0] && x < b.Origin[0]+b.Size[0] &&
		y >= b.Origin[1] && y < b.Origin[1]+b.Size[1] &&
		z >= b.Origin[2] && z < b.Origin[2]+b.Size[2]
}

// ContainsBox reports whether o lies entirely inside b.
func (b Box) ContainsBox(o Box) bool {
	if o.Empty() {
		return true
	}
	bm, om := b.Max(), o.Max()
	for a := 0; a < 3; a++ {
		if o.Origin[a] < b.Origin[a] || om[a] > bm[a] {
			return false
		}
	}
	return true
}

// Intersect returns the overlap of two boxes (possibly empty).
func (b Box) Intersect(o Box) Box {
	var out Box
	bm, om := b.Max(), o.Max()
	for a := 0; a < 3; a++ {
		lo := max(b.Origin[a], o.Origin[a])
		hi := min(bm[a], om[a])
		out.Origin[a] = lo
		if hi > lo {
			out.Size[a] = hi - lo
		}
	}
	return out
}

// Index maps a global cell coordinate to its offset in x-fastest order.
// The caller guarantees the cell is inside the box.
func (b Box) Index(x, y, z int) int {
	return (x - b.Origin[0]) + b.Size[0]*((y-b.Origin[1])+b.Size[1]*(z-b.Origin[2]))
}

// Coords is the inverse of Index.
func (b Box) Coords(idx int) (x, y, z int) {
	x = idx % b.Size[0]
	y = (idx / b.Size[0]) % b.Size[1]
	z = idx / (b.Size[0] * b.Size[1])
	return x + b.Origin[0], y + b.Origin[1], z + b.Origin[2]
}

// Each calls fn for every cell in x-fastest order.
func (b Box) Each(fn func(x, y, z int)) {
	m := b.Max()
	for z := b.Origin[2]; z < m[2]; z++ {
		for y := b.Origin[1]; y < m[1]; y++ {
			for x := b.Origin[0]; x < m[0]; x++ {
				fn(x, y, z)
			}
		}
	}
}

func (b Box) String() string {
	return fmt.Sprintf("box[origin=%v size=%v]", b.Origin, b.Size)
}
