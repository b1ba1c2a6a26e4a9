// Package ibm couples Lagrangian membrane nodes to an Eulerian momentum
// lattice with a compact-support discrete delta kernel. Interpolate gathers
// fluid velocity at every node and caches the stencils it used; Spread
// scatters node forces through exactly those stencils, so the two transfers
// are adjoint and momentum is conserved. With a mask set, solid cells drop out
// of every stencil and the fluid cells carry their weight.
package ibm

import (
	"errors"
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/lbcouple/lattice"
	"github.com/pthm-cable/lbcouple/mesh"
)

// ErrStaleStencils is returned by Spread when no Interpolate for the current
// node set precedes it, or its stencils were already consumed.
var ErrStaleStencils = errors.New("ibm: spread without matching interpolation")

// unityTolerance bounds the 1D partition-of-unity error accepted at startup.
const unityTolerance = 1e-12

// Config selects the kernel and the worker count.
type Config struct {
	Kernel  string `yaml:"kernel"`
	Workers int    `yaml:"workers"` // 0 means GOMAXPROCS
}

// SpreadReport summarises one Spread. NodeForce sums the forces handed in,
// which the membrane exerts on the fluid; the reaction on the nodes is its
// negative.
type SpreadReport struct {
	Nodes        int
	Cells        int    // Fluid stencil cells touched, with multiplicity
	Spread       r3.Vec // Sum added to the force field
	NodeForce    r3.Vec
	Reaction     r3.Vec // -NodeForce
	MaxStencil   int
	Renormalised int // Nodes whose support lost solid cells
}

// Engine performs interpolation and spreading against one momentum lattice.
type Engine struct {
	lat      lattice.MomentumLattice
	kernel   Kernel
	periodic [3]bool
	mask     lattice.Mask // nil: every cell is fluid
	pool     *pool
	logger   *slog.Logger

	// Cached by Interpolate, consumed by Spread.
	stencils []Stencil
	errs     []*OutOfDomainError
	offsets  []int
	fresh    bool

	last SpreadReport
}

// NewEngine binds the engine to lat. periodic marks the axes along which the
// partition wraps; every other axis is a hard edge. A nil logger means
// slog.Default().
func NewEngine(lat lattice.MomentumLattice, kernel Kernel, periodic [3]bool, workers int, logger *slog.Logger) (*Engine, error) {
	if kernel == nil {
		return nil, fmt.Errorf("ibm: nil kernel")
	}
	if kernel.Radius()*2 > maxSupport-1 {
		return nil, fmt.Errorf("ibm: kernel %s radius %g exceeds stencil capacity", kernel.Name(), kernel.Radius())
	}
	if dev := CheckPartitionOfUnity(kernel, 64); dev > unityTolerance {
		return nil, fmt.Errorf("ibm: kernel %s violates partition of unity by %.3g", kernel.Name(), dev)
	}
	if fb := lat.Forces().Box(); fb != lat.Box() {
		return nil, fmt.Errorf("ibm: force field %v does not match lattice %v", fb, lat.Box())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		lat:      lat,
		kernel:   kernel,
		periodic: periodic,
		pool:     newPool(workers),
		logger:   logger,
	}, nil
}

// SetMask makes every later stencil skip the Solid cells of mask. Stencils
// cached by a previous Interpolate are dropped.
func (e *Engine) SetMask(mask lattice.Mask) {
	e.mask = mask
	e.fresh = false
}

// Kernel returns the configured kernel.
func (e *Engine) Kernel() Kernel { return e.kernel }

// LastSpread returns the report of the most recent successful Spread.
func (e *Engine) LastSpread() SpreadReport { return e.last }

// Close stops the worker pool.
func (e *Engine) Close() { e.pool.stop() }

// prepare builds the stencil at p and masks it.
func (e *Engine) prepare(s *Stencil, p r3.Vec, box lattice.Box) *OutOfDomainError {
	if err := buildStencil(s, e.kernel, p, box, e.periodic); err != nil {
		return err
	}
	if e.mask != nil && !s.applyMask(e.mask) {
		return &OutOfDomainError{Node: -1, Position: p, Box: box, Solid: true}
	}
	return nil
}

func (e *Engine) stencil(p r3.Vec) (Stencil, error) {
	var s Stencil
	if err := e.prepare(&s, p, e.lat.Box()); err != nil {
		return s, err
	}
	return s, nil
}

func (e *Engine) gather(s *Stencil) r3.Vec {
	var u r3.Vec
	s.Each(func(x, y, z int, w float64) {
		u = r3.Add(u, r3.Scale(w, e.lat.Velocity(x, y, z)))
	})
	return u
}

// InterpolateVelocity returns the kernel-weighted fluid velocity at p.
func (e *Engine) InterpolateVelocity(p r3.Vec) (r3.Vec, error) {
	s, err := e.stencil(p)
	if err != nil {
		return r3.Vec{}, err
	}
	return e.gather(&s), nil
}

// SpreadForce adds f at p into the fluid cells of the force field. Nothing is
// written when the support leaves the partition.
func (e *Engine) SpreadForce(p, f r3.Vec) error {
	s, err := e.stencil(p)
	if err != nil {
		return err
	}
	forces := e.lat.Forces()
	s.Each(func(x, y, z int, w float64) {
		forces.Add(x, y, z, r3.Scale(w, f))
	})
	return nil
}

// WeightSum returns the total stencil weight at p, over fluid cells only.
func (e *Engine) WeightSum(p r3.Vec) (float64, error) {
	s, err := e.stencil(p)
	if err != nil {
		return 0, err
	}
	return s.WeightSum(), nil
}

// Interpolate builds and caches one stencil per node of every mesh, then
// returns the interpolated fluid velocity per mesh and node. The lattice is
// only read. If any node's support leaves the partition or holds no fluid
// cell, the error for the lowest (mesh, node) index is returned and nothing
// is cached.
func (e *Engine) Interpolate(meshes []*mesh.Mesh) ([][]r3.Vec, error) {
	e.fresh = false
	e.offsets = e.offsets[:0]
	total := 0
	for _, m := range meshes {
		e.offsets = append(e.offsets, total)
		total += m.NumNodes()
	}
	e.offsets = append(e.offsets, total)
	if cap(e.stencils) < total {
		e.stencils = make([]Stencil, total)
		e.errs = make([]*OutOfDomainError, total)
	}
	e.stencils = e.stencils[:total]
	e.errs = e.errs[:total]

	// Phase A: flat view of node positions (single-threaded).
	pos := make([]r3.Vec, 0, total)
	for _, m := range meshes {
		pos = append(pos, m.Positions()...)
	}

	// Phase B: stencils in parallel, one slot per node.
	box := e.lat.Box()
	e.pool.run(total, func(start, end int) {
		for i := start; i < end; i++ {
			e.errs[i] = e.prepare(&e.stencils[i], pos[i], box)
		}
	})

	// Phase C: first failure in node order.
	for i, err := range e.errs {
		if err != nil {
			k := e.meshOf(i)
			err.Membrane, err.Node = k, i-e.offsets[k]
			return nil, err
		}
	}

	out := make([][]r3.Vec, len(meshes))
	flat := make([]r3.Vec, total)
	e.pool.run(total, func(start, end int) {
		for i := start; i < end; i++ {
			flat[i] = e.gather(&e.stencils[i])
		}
	})
	for k := range meshes {
		out[k] = flat[e.offsets[k]:e.offsets[k+1]:e.offsets[k+1]]
	}
	e.fresh = true
	return out, nil
}

func (e *Engine) meshOf(i int) int {
	for k := len(e.offsets) - 2; k >= 0; k-- {
		if i >= e.offsets[k] {
			return k
		}
	}
	return 0
}

// Spread scatters every node force buffer through the stencils cached by the
// preceding Interpolate. The cache is consumed.
func (e *Engine) Spread(meshes []*mesh.Mesh) (SpreadReport, error) {
	forces := make([][]r3.Vec, len(meshes))
	for k, m := range meshes {
		forces[k] = m.Forces()
	}
	return e.SpreadForces(forces)
}

// SpreadForces scatters one force per node, laid out like the meshes of the
// preceding Interpolate, through the cached stencils. Accumulation runs on one
// goroutine in node order, so overlapping supports never lose updates and the
// result is deterministic. The cache is consumed.
func (e *Engine) SpreadForces(nodeForces [][]r3.Vec) (SpreadReport, error) {
	if !e.fresh || len(nodeForces)+1 != len(e.offsets) {
		return SpreadReport{}, ErrStaleStencils
	}
	for k, nf := range nodeForces {
		if len(nf) != e.offsets[k+1]-e.offsets[k] {
			return SpreadReport{}, fmt.Errorf("%w: mesh %d has %d nodes, stencils for %d",
				ErrStaleStencils, k, len(nf), e.offsets[k+1]-e.offsets[k])
		}
	}

	forces := e.lat.Forces()
	var rep SpreadReport
	for k, nf := range nodeForces {
		for n, f := range nf {
			s := &e.stencils[e.offsets[k]+n]
			rep.Nodes++
			rep.NodeForce = r3.Add(rep.NodeForce, f)
			rep.Cells += s.Size()
			rep.MaxStencil = max(rep.MaxStencil, s.Size())
			if s.Masked() {
				rep.Renormalised++
			}
			s.Each(func(x, y, z int, w float64) {
				df := r3.Scale(w, f)
				forces.Add(x, y, z, df)
				rep.Spread = r3.Add(rep.Spread, df)
			})
		}
	}
	rep.Reaction = r3.Scale(-1, rep.NodeForce)
	e.fresh = false
	e.last = rep
	e.logger.Debug("ibm spread",
		"nodes", rep.Nodes,
		"cells", rep.Cells,
		"renormalised", rep.Renormalised,
		"spread", rep.Spread,
	)
	return rep, nil
}
