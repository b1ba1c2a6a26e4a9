package lattice

// CellKind classifies a cell for the coupling operators.
type CellKind uint8

const (
	Bulk     CellKind = iota // Fluid cell where coupling applies
	Boundary                 // Fluid cell adjacent to a wall; coupling skipped
	Solid                    // Obstacle, no fluid
)

func (k CellKind) String() string {
	switch k {
	case Bulk:
		return "bulk"
	case Boundary:
		return "boundary"
	case Solid:
		return "solid"
	}
	return "unknown"
}

// Mask answers the bulk/boundary classification of the geometry collaborator.
type Mask interface {
	Kind(x, y, z int) CellKind
}

// FlagMask is a dense Mask. Cells outside its box report Solid.
type FlagMask struct {
	box   Box
	kinds []CellKind
}

// NewFlagMask returns a mask with every cell marked Bulk.
func NewFlagMask(box Box) *FlagMask {
	return &FlagMask{box: box, kinds: make([]CellKind, box.Volume())}
}

// Box returns the cells covered by the mask.
func (m *FlagMask) Box() Box { return m.box }

// Kind implements Mask.
func (m *FlagMask) Kind(x, y, z int) CellKind {
	if !m.box.Contains(x, y, z) {
		return Solid
	}
	return m.kinds[m.box.Index(x, y, z)]
}

// Set marks one cell.
func (m *FlagMask) Set(x, y, z int, k CellKind) {
	m.kinds[m.box.Index(x, y, z)] = k
}

// SetBox marks every cell of b that lies inside the mask.
func (m *FlagMask) SetBox(b Box, k CellKind) {
	m.box.Intersect(b).Each(func(x, y, z int) {
		m.Set(x, y, z, k)
	})
}

// MarkWalls flags the outermost layer along each non-periodic axis as
// Boundary, leaving Solid cells untouched.
func (m *FlagMask) MarkWalls(periodic [3]bool) {
	mx := m.box.Max()
	m.box.Each(func(x, y, z int) {
		c := [3]int{x, y, z}
		for a := 0; a < 3; a++ {
			if periodic[a] {
				continue
			}
			if c[a] == m.box.Origin[a] || c[a] == mx[a]-1 {
				i := m.box.Index(x, y, z)
				if m.kinds[i] == Bulk {
					m.kinds[i] = Boundary
				}
				return
			}
		}
	})
}

// Count returns the number of cells of kind k.
func (m *FlagMask) Count(k CellKind) int {
	n := 0
	for _, v := range m.kinds {
		if v == k {
			n++
		}
	}
	return n
}
