// Package membrane owns the population of deformable membranes and advances
// their mechanics. Membranes are entities of an ark ECS world; every step
// walks them through ForcesCleared, ForcesAccumulated, VelocityUpdated and
// PositionUpdated in that order.
package membrane

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/mlange-42/ark/ecs"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/lbcouple/components"
	"github.com/pthm-cable/lbcouple/mesh"
)

// ErrPhase is returned when an operation is called out of step order.
var ErrPhase = errors.New("membrane: operation out of phase")

// ErrDivergence is matched by every *DivergenceDetected.
var ErrDivergence = errors.New("membrane: divergence detected")

// DivergenceDetected reports a node that would move further than the
// configured multiple of its local edge length in one step.
type DivergenceDetected struct {
	Membrane     uint32
	Name         string
	Node         int
	Displacement float64
	Limit        float64
}

func (e *DivergenceDetected) Error() string {
	return fmt.Sprintf("membrane: divergence detected on %q (id %d) node %d: displacement %.4g exceeds %.4g",
		e.Name, e.Membrane, e.Node, e.Displacement, e.Limit)
}

// Is makes errors.Is(err, ErrDivergence) hold.
func (e *DivergenceDetected) Is(target error) bool { return target == ErrDivergence }

// Scheme selects the explicit integrator.
type Scheme string

const (
	// Advected nodes are massless and move with the interpolated fluid velocity.
	Advected Scheme = "advected"
	// Inertial nodes carry mass and are dragged toward the fluid velocity
	// (symplectic Euler).
	Inertial Scheme = "inertial"
)

// IntegratorConfig selects the scheme and the divergence guard.
type IntegratorConfig struct {
	Scheme                Scheme  `yaml:"scheme"`
	MaxDisplacementFactor float64 `yaml:"max_displacement_factor"`
}

// Validate rejects unknown schemes and a non-positive guard.
func (c IntegratorConfig) Validate() error {
	switch c.Scheme {
	case Advected, Inertial:
	default:
		return fmt.Errorf("unknown integration scheme %q", c.Scheme)
	}
	if c.MaxDisplacementFactor <= 0 {
		return fmt.Errorf("max_displacement_factor must be positive, got %g", c.MaxDisplacementFactor)
	}
	return nil
}

// Exchange is the momentum bookkeeping of the last Integrate, summed over
// every node. External is the impulse of the node force buffers over the
// step: dt for inertial nodes, one fluid step for advected ones, whose
// buffers are spread as they are. Fluid is the impulse handed to the fluid
// through FluidForces. Fluid plus MomentumChange equals External.
type Exchange struct {
	External       r3.Vec
	Fluid          r3.Vec
	MomentumChange r3.Vec
}

// Residual returns |Fluid + MomentumChange - External|.
func (x Exchange) Residual() float64 {
	return r3.Norm(r3.Sub(r3.Add(x.Fluid, x.MomentumChange), x.External))
}

// Membrane is a read view of one entity.
type Membrane struct {
	ID          uint32
	Name        string
	Mesh        *mesh.Mesh
	Material    components.Material
	Diagnostics components.Diagnostics
}

// System is the membrane particle system.
type System struct {
	world  *ecs.World
	mapper *ecs.Map3[components.Body, components.Material, components.Diagnostics]
	filter *ecs.Filter3[components.Body, components.Material, components.Diagnostics]

	// Insertion order; every per-node array handed out follows it.
	order  []ecs.Entity
	nextID uint32

	cfg    IntegratorConfig
	logger *slog.Logger

	staged   [][]r3.Vec // Scratch for velocities, reused across steps
	coupling [][]r3.Vec // Inertial: drag reaction on the fluid per node
	exchange Exchange
}

// NewSystem returns an empty particle system. A nil logger means
// slog.Default().
func NewSystem(cfg IntegratorConfig, logger *slog.Logger) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	world := ecs.NewWorld()
	return &System{
		world:  world,
		mapper: ecs.NewMap3[components.Body, components.Material, components.Diagnostics](world),
		filter: ecs.NewFilter3[components.Body, components.Material, components.Diagnostics](world),
		nextID: 1,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Config returns the integrator settings.
func (s *System) Config() IntegratorConfig { return s.cfg }

// Add registers a membrane and returns its ID. The system takes ownership of
// m; it starts in PositionUpdated.
func (s *System) Add(name string, m *mesh.Mesh, mat components.Material) (uint32, error) {
	id := s.nextID
	if err := s.insert(Membrane{ID: id, Name: name, Mesh: m, Material: mat}); err != nil {
		return 0, err
	}
	return id, nil
}

// Restore re-inserts a membrane with its saved ID and diagnostics.
func (s *System) Restore(mb Membrane) error {
	if mb.ID == 0 {
		return fmt.Errorf("membrane %q: restored ID must be non-zero", mb.Name)
	}
	for _, e := range s.order {
		body, _, _ := s.mapper.Get(e)
		if body.ID == mb.ID {
			return fmt.Errorf("membrane %q: ID %d already present", mb.Name, mb.ID)
		}
	}
	return s.insert(mb)
}

func (s *System) insert(mb Membrane) error {
	if mb.Mesh == nil {
		return fmt.Errorf("membrane %q: nil mesh", mb.Name)
	}
	if err := mb.Material.Validate(); err != nil {
		return fmt.Errorf("membrane %q: %w", mb.Name, err)
	}
	if s.cfg.Scheme == Inertial && mb.Material.NodeMass <= 0 {
		return fmt.Errorf("membrane %q: inertial scheme needs positive node_mass", mb.Name)
	}
	if mb.Material.Volume > 0 && !mb.Mesh.Closed() {
		s.logger.Warn("volume penalty ignored on open membrane", "membrane", mb.Name)
	}

	body := components.Body{ID: mb.ID, Name: mb.Name, Mesh: mb.Mesh}
	mat := mb.Material
	diag := mb.Diagnostics
	diag.Volume = mb.Mesh.Volume()
	diag.Area = mb.Mesh.Area()
	e := s.mapper.NewEntity(&body, &mat, &diag)
	s.order = append(s.order, e)
	if mb.ID >= s.nextID {
		s.nextID = mb.ID + 1
	}
	s.logger.Debug("membrane added",
		"id", mb.ID,
		"name", mb.Name,
		"nodes", mb.Mesh.NumNodes(),
		"faces", len(mb.Mesh.Faces()),
		"closed", mb.Mesh.Closed(),
	)
	return nil
}

// Remove deletes the membrane with the given ID.
func (s *System) Remove(id uint32) bool {
	for k, e := range s.order {
		body, _, _ := s.mapper.Get(e)
		if body.ID != id {
			continue
		}
		s.world.RemoveEntity(e)
		s.order = append(s.order[:k], s.order[k+1:]...)
		if k < len(s.coupling) {
			s.coupling = append(s.coupling[:k], s.coupling[k+1:]...)
		}
		return true
	}
	return false
}

// Len returns the number of membranes.
func (s *System) Len() int { return len(s.order) }

// Membranes returns views in insertion order.
func (s *System) Membranes() []Membrane {
	out := make([]Membrane, 0, len(s.order))
	for _, e := range s.order {
		body, mat, diag := s.mapper.Get(e)
		out = append(out, Membrane{
			ID:          body.ID,
			Name:        body.Name,
			Mesh:        body.Mesh,
			Material:    *mat,
			Diagnostics: *diag,
		})
	}
	return out
}

// Meshes returns the node arenas in insertion order.
func (s *System) Meshes() []*mesh.Mesh {
	out := make([]*mesh.Mesh, len(s.order))
	for k, e := range s.order {
		body, _, _ := s.mapper.Get(e)
		out[k] = body.Mesh
	}
	return out
}

// Phase returns the phase of the k-th membrane in insertion order.
func (s *System) Phase(k int) components.Phase {
	_, _, diag := s.mapper.Get(s.order[k])
	return diag.Phase
}

func phaseError(body *components.Body, got, want components.Phase) error {
	return fmt.Errorf("%w: membrane %q is %v, want %v", ErrPhase, body.Name, got, want)
}

// checkPhase verifies every membrane is in want before anything mutates.
func (s *System) checkPhase(want components.Phase) error {
	for _, e := range s.order {
		body, _, diag := s.mapper.Get(e)
		if diag.Phase != want {
			return phaseError(body, diag.Phase, want)
		}
	}
	return nil
}

// ClearForces zeroes every node force buffer. It starts a step and is legal
// only after the previous step's position update.
func (s *System) ClearForces() error {
	if err := s.checkPhase(components.PositionUpdated); err != nil {
		return err
	}
	for _, c := range s.couplingBuffers() {
		clear(c)
	}
	query := s.filter.Query()
	for query.Next() {
		body, _, diag := query.Get()
		body.Mesh.ClearForces()
		diag.Phase = diag.Phase.Next()
	}
	return nil
}

// ComputeInternalForces accumulates every material law into the node force
// buffers.
func (s *System) ComputeInternalForces() error {
	if err := s.checkPhase(components.ForcesCleared); err != nil {
		return err
	}
	query := s.filter.Query()
	for query.Next() {
		body, mat, diag := query.Get()
		diag.Energy = internalForces(body.Mesh, *mat)
		diag.Phase = diag.Phase.Next()
	}
	return nil
}

// couplingBuffers sizes the per-node drag reactions to the current membranes.
func (s *System) couplingBuffers() [][]r3.Vec {
	if len(s.coupling) > len(s.order) {
		s.coupling = s.coupling[:len(s.order)]
	}
	for len(s.coupling) < len(s.order) {
		s.coupling = append(s.coupling, nil)
	}
	for k, e := range s.order {
		body, _, _ := s.mapper.Get(e)
		if n := body.Mesh.NumNodes(); len(s.coupling[k]) != n {
			s.coupling[k] = make([]r3.Vec, n)
		}
	}
	return s.coupling
}

// FluidForces returns, per membrane and node in insertion order, the force
// to spread into the fluid for the current step. Advected nodes are massless,
// so their whole force buffer passes to the fluid. Inertial nodes keep their
// buffer and hand the fluid only the reaction of the drag computed by the
// last Integrate, zero before it.
func (s *System) FluidForces() [][]r3.Vec {
	if s.cfg.Scheme == Inertial {
		return s.couplingBuffers()
	}
	out := make([][]r3.Vec, len(s.order))
	for k, m := range s.Meshes() {
		out[k] = m.Forces()
	}
	return out
}

// LastExchange returns the momentum bookkeeping of the last Integrate.
func (s *System) LastExchange() Exchange { return s.exchange }

// Momentum sums node mass times velocity. Advected nodes carry none.
func (s *System) Momentum() r3.Vec {
	var p r3.Vec
	if s.cfg.Scheme != Inertial {
		return p
	}
	query := s.filter.Query()
	for query.Next() {
		body, mat, _ := query.Get()
		for _, v := range body.Mesh.Velocities() {
			p = r3.Add(p, r3.Scale(mat.NodeMass, v))
		}
	}
	return p
}

// Integrate advances velocities and positions by dt. fluid holds the
// interpolated fluid velocity per membrane and node in insertion order; nil
// means a quiescent fluid. Every node of every membrane is checked against
// the divergence guard before anything is committed.
//
// Under the inertial scheme the drag Drag*(u - v) on a node is matched by
// dt*Drag*(v - u) on the fluid, using the velocity before the update.
func (s *System) Integrate(dt float64, fluid [][]r3.Vec) error {
	if err := s.checkPhase(components.ForcesAccumulated); err != nil {
		return err
	}
	if fluid != nil && len(fluid) != len(s.order) {
		return fmt.Errorf("membrane: fluid velocity for %d membranes, have %d", len(fluid), len(s.order))
	}
	if cap(s.staged) < len(s.order) {
		s.staged = make([][]r3.Vec, len(s.order))
	}
	s.staged = s.staged[:len(s.order)]

	maxDisp := make([]float64, len(s.order))
	for k, e := range s.order {
		body, mat, _ := s.mapper.Get(e)
		m := body.Mesh
		n := m.NumNodes()
		var u []r3.Vec
		if fluid != nil {
			u = fluid[k]
			if len(u) != n {
				return fmt.Errorf("membrane %q: fluid velocity for %d nodes, have %d", body.Name, len(u), n)
			}
		}
		if cap(s.staged[k]) < n {
			s.staged[k] = make([]r3.Vec, n)
		}
		next := s.staged[k][:n]
		s.staged[k] = next

		vel, force := m.Velocities(), m.Forces()
		for i := 0; i < n; i++ {
			var ui r3.Vec
			if u != nil {
				ui = u[i]
			}
			switch s.cfg.Scheme {
			case Advected:
				next[i] = ui
			case Inertial:
				acc := r3.Add(force[i], r3.Scale(mat.Drag, r3.Sub(ui, vel[i])))
				next[i] = r3.Add(vel[i], r3.Scale(dt/mat.NodeMass, acc))
			}
			disp := dt * r3.Norm(next[i])
			limit := s.cfg.MaxDisplacementFactor * m.LocalEdgeLength(i)
			if disp > limit || math.IsNaN(disp) {
				return &DivergenceDetected{
					Membrane:     body.ID,
					Name:         body.Name,
					Node:         i,
					Displacement: disp,
					Limit:        limit,
				}
			}
			maxDisp[k] = math.Max(maxDisp[k], disp)
		}
	}

	// Commit: velocities for every membrane, then positions.
	coupling := s.couplingBuffers()
	var x Exchange
	for k, e := range s.order {
		body, mat, diag := s.mapper.Get(e)
		vel, force := body.Mesh.Velocities(), body.Mesh.Forces()
		for i, f := range force {
			switch s.cfg.Scheme {
			case Advected:
				x.External = r3.Add(x.External, f)
				x.Fluid = r3.Add(x.Fluid, f)
			case Inertial:
				var ui r3.Vec
				if fluid != nil {
					ui = fluid[k][i]
				}
				coupling[k][i] = r3.Scale(dt*mat.Drag, r3.Sub(vel[i], ui))
				x.External = r3.Add(x.External, r3.Scale(dt, f))
				x.Fluid = r3.Add(x.Fluid, coupling[k][i])
				x.MomentumChange = r3.Add(x.MomentumChange, r3.Scale(mat.NodeMass, r3.Sub(s.staged[k][i], vel[i])))
			}
		}
		copy(vel, s.staged[k])
		diag.Phase = diag.Phase.Next()
	}
	s.exchange = x
	for k, e := range s.order {
		body, _, diag := s.mapper.Get(e)
		m := body.Mesh
		pos, vel := m.Positions(), m.Velocities()
		for i := range pos {
			pos[i] = r3.Add(pos[i], r3.Scale(dt, vel[i]))
		}
		diag.Phase = diag.Phase.Next()
		diag.Steps++
		diag.MaxDisplacement = maxDisp[k]
		diag.Volume = m.Volume()
		diag.Area = m.Area()
	}
	return nil
}

// Step runs one full mechanics cycle on its own, for use without a fluid
// coupling pass between the phases.
func (s *System) Step(dt float64, fluid [][]r3.Vec) error {
	if err := s.ClearForces(); err != nil {
		return err
	}
	if err := s.ComputeInternalForces(); err != nil {
		return err
	}
	return s.Integrate(dt, fluid)
}

// Energy sums the elastic energy of the last force evaluation.
func (s *System) Energy() components.Energy {
	var total components.Energy
	query := s.filter.Query()
	for query.Next() {
		_, _, diag := query.Get()
		total = total.Add(diag.Energy)
	}
	return total
}

// TotalForce sums the node force buffers of every membrane.
func (s *System) TotalForce() r3.Vec {
	var sum r3.Vec
	for _, m := range s.Meshes() {
		for _, f := range m.Forces() {
			sum = r3.Add(sum, f)
		}
	}
	return sum
}
