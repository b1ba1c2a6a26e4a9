package lattice

import "gonum.org/v1/gonum/spatial/r3"

// ForceField is the per-cell external force accumulator of a momentum lattice.
// Writers only ever add; the owner clears it once per timestep.
type ForceField struct {
	box Box
	f   []r3.Vec
}

// NewForceField allocates a zeroed accumulator covering box.
func NewForceField(box Box) *ForceField {
	return &ForceField{box: box, f: make([]r3.Vec, box.Volume())}
}

// Box returns the cells covered by the field.
func (ff *ForceField) Box() Box { return ff.box }

// At returns the accumulated force of a cell.
func (ff *ForceField) At(x, y, z int) r3.Vec {
	return ff.f[ff.box.Index(x, y, z)]
}

// Add accumulates v into a cell.
func (ff *ForceField) Add(x, y, z int, v r3.Vec) {
	i := ff.box.Index(x, y, z)
	ff.f[i] = r3.Add(ff.f[i], v)
}

// AddIndex accumulates v into the cell at a precomputed offset.
func (ff *ForceField) AddIndex(i int, v r3.Vec) {
	ff.f[i] = r3.Add(ff.f[i], v)
}

// Clear zeroes every cell.
func (ff *ForceField) Clear() {
	clear(ff.f)
}

// Data exposes the backing slice in x-fastest order.
func (ff *ForceField) Data() []r3.Vec { return ff.f }

// Total returns the vector sum over all cells.
func (ff *ForceField) Total() r3.Vec {
	var sum r3.Vec
	for _, v := range ff.f {
		sum = r3.Add(sum, v)
	}
	return sum
}

// NonZero counts cells whose force is not exactly zero.
func (ff *ForceField) NonZero() int {
	n := 0
	for _, v := range ff.f {
		if v != (r3.Vec{}) {
			n++
		}
	}
	return n
}
