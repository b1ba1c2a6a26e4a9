package ibm

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/lbcouple/lattice"
)

// maxSupport bounds the cells per axis of any registered kernel.
const maxSupport = 5

// ErrOutOfDomain is matched by every *OutOfDomainError.
var ErrOutOfDomain = errors.New("ibm: kernel support outside lattice partition")

// OutOfDomainError reports a node whose kernel support needs a cell beyond a
// non-periodic edge of the partition, or whose support holds no fluid cell at
// all (Solid). Membrane is the index in insertion order, -1 for single-node
// calls.
type OutOfDomainError struct {
	Membrane int
	Node     int
	Position r3.Vec
	Axis     int
	Cell     int
	Box      lattice.Box
	Solid    bool
}

func (e *OutOfDomainError) Error() string {
	if e.Solid {
		return fmt.Sprintf("ibm: membrane %d node %d at (%.4g, %.4g, %.4g) has no fluid cell in its support",
			e.Membrane, e.Node, e.Position.X, e.Position.Y, e.Position.Z)
	}
	axis := "xyz"[e.Axis : e.Axis+1]
	return fmt.Sprintf("ibm: membrane %d node %d at (%.4g, %.4g, %.4g) needs %s=%d outside %v",
		e.Membrane, e.Node, e.Position.X, e.Position.Y, e.Position.Z, axis, e.Cell, e.Box)
}

// Is makes errors.Is(err, ErrOutOfDomain) hold.
func (e *OutOfDomainError) Is(target error) bool { return target == ErrOutOfDomain }

type axisStencil struct {
	n   int
	idx [maxSupport]int
	w   [maxSupport]float64
}

// Stencil is the support of one node: wrapped cell coordinates and weights
// per axis. Cell (x, y, z) is centred at position (x, y, z). Solid cells are
// masked out and the remaining weights scaled so they still sum to the
// kernel total.
type Stencil struct {
	axes    [3]axisStencil
	blocked [2]uint64 // Bit per cell in visiting order
	scale   float64
}

// buildStencil fills s for a node at p. Cells with zero weight are dropped.
func buildStencil(s *Stencil, k Kernel, p r3.Vec, box lattice.Box, periodic [3]bool) *OutOfDomainError {
	coords := [3]float64{p.X, p.Y, p.Z}
	r := k.Radius()
	s.blocked = [2]uint64{}
	s.scale = 1
	for a := 0; a < 3; a++ {
		c := coords[a]
		ax := &s.axes[a]
		ax.n = 0
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return &OutOfDomainError{Node: -1, Position: p, Axis: a, Box: box}
		}
		lo := int(math.Ceil(c - r))
		hi := int(math.Floor(c + r))
		for j := lo; j <= hi; j++ {
			w := k.Weight(c - float64(j))
			if w <= 0 {
				continue
			}
			wj, ok := lattice.Wrap(j, box.Origin[a], box.Size[a], periodic[a])
			if !ok {
				return &OutOfDomainError{Node: -1, Position: p, Axis: a, Cell: j, Box: box}
			}
			ax.idx[ax.n] = wj
			ax.w[ax.n] = w
			ax.n++
		}
	}
	return nil
}

// cells visits every cell of the support, masked or not, with its ordinal
// and raw tensor-product weight.
func (s *Stencil) cells(fn func(c, x, y, z int, w float64)) {
	ax, ay, az := &s.axes[0], &s.axes[1], &s.axes[2]
	c := 0
	for k := 0; k < az.n; k++ {
		for j := 0; j < ay.n; j++ {
			wyz := ay.w[j] * az.w[k]
			for i := 0; i < ax.n; i++ {
				fn(c, ax.idx[i], ay.idx[j], az.idx[k], ax.w[i]*wyz)
				c++
			}
		}
	}
}

// applyMask drops the Solid cells of the support and rescales the rest. It
// fails when nothing but solid is left.
func (s *Stencil) applyMask(mask lattice.Mask) bool {
	var total, fluid float64
	s.cells(func(c, x, y, z int, w float64) {
		total += w
		if mask.Kind(x, y, z) == lattice.Solid {
			s.blocked[c/64] |= 1 << (c % 64)
			return
		}
		fluid += w
	})
	if fluid <= 0 {
		return false
	}
	if s.Masked() {
		s.scale = total / fluid
	}
	return true
}

// Each visits every fluid cell of the support with its weight.
func (s *Stencil) Each(fn func(x, y, z int, w float64)) {
	s.cells(func(c, x, y, z int, w float64) {
		if s.blocked[c/64]&(1<<(c%64)) == 0 {
			fn(x, y, z, s.scale*w)
		}
	})
}

// Masked reports whether solid cells were dropped from the support.
func (s *Stencil) Masked() bool {
	return s.blocked != [2]uint64{}
}

// Size returns the number of fluid cells in the support.
func (s *Stencil) Size() int {
	n := s.axes[0].n * s.axes[1].n * s.axes[2].n
	return n - bits.OnesCount64(s.blocked[0]) - bits.OnesCount64(s.blocked[1])
}

// WeightSum returns the total weight, one for an interior node.
func (s *Stencil) WeightSum() float64 {
	var sum float64
	s.Each(func(_, _, _ int, w float64) { sum += w })
	return sum
}
