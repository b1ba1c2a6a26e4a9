// Package sim wires the lattices, the buoyancy coupling, the membrane system
// and the immersed-boundary engine into one timestep pipeline. Step is the
// only place the phase order is encoded.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/lbcouple/checkpoint"
	"github.com/pthm-cable/lbcouple/components"
	"github.com/pthm-cable/lbcouple/config"
	"github.com/pthm-cable/lbcouple/coupling"
	"github.com/pthm-cable/lbcouple/ibm"
	"github.com/pthm-cable/lbcouple/lattice"
	"github.com/pthm-cable/lbcouple/membrane"
	"github.com/pthm-cable/lbcouple/mesh"
	"github.com/pthm-cable/lbcouple/telemetry"
)

// ErrAborted is returned by every Step after one has failed. It wraps the
// original failure.
var ErrAborted = errors.New("sim: simulation aborted by an earlier step")

// Options holds runtime options that are not part of the physical config.
type Options struct {
	Logger    *slog.Logger
	OutputDir string // Overrides telemetry.output_dir when set
	Restart   string // Checkpoint directory to resume membranes from
	LogStats  bool   // Log window and perf stats
}

// StepReport summarises the last completed step.
type StepReport struct {
	Step     int
	Time     float64
	Buoyancy coupling.Report
	Spread   ibm.SpreadReport
	Exchange membrane.Exchange
	Energy   components.Energy
}

// Simulation owns every component of one coupled run.
type Simulation struct {
	cfg    *config.Config
	logger *slog.Logger
	runID  string

	mask      *lattice.FlagMask
	fluid     *lattice.NSLattice
	scalar    *lattice.ADLattice
	buoyancy  *coupling.Buoyancy // nil when disabled
	membranes *membrane.System
	engine    *ibm.Engine

	step    int
	time    float64
	last    StepReport
	aborted error

	perf      *telemetry.PerfCollector
	collector *telemetry.Collector
	output    *telemetry.OutputManager
	logStats  bool
}

// New builds a simulation from cfg. With opts.Restart set, membranes come from
// that checkpoint instead of cfg.Membranes and the step counter resumes; the
// fluid and scalar fields always start from cfg.
func New(cfg *config.Config, opts Options) (*Simulation, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Simulation{
		cfg:       cfg,
		logger:    logger,
		perf:      telemetry.NewPerfCollector(cfg.Telemetry.PerfWindow),
		collector: telemetry.NewCollector(cfg.Telemetry.WindowSteps),
		logStats:  opts.LogStats,
	}
	if err := s.buildLattices(); err != nil {
		return nil, err
	}

	kernel, err := cfg.Kernel()
	if err != nil {
		return nil, err
	}
	s.engine, err = ibm.NewEngine(s.fluid, kernel, cfg.Lattice.Periodic, cfg.IBM.Workers, logger)
	if err != nil {
		return nil, err
	}
	s.engine.SetMask(s.mask)
	s.membranes, err = membrane.NewSystem(cfg.Integrator, logger)
	if err != nil {
		s.engine.Close()
		return nil, err
	}

	if opts.Restart != "" {
		err = s.restore(opts.Restart)
	} else {
		s.runID = checkpoint.NewRunID()
		err = s.placeMembranes()
	}
	if err != nil {
		s.engine.Close()
		return nil, err
	}

	dir := cfg.Telemetry.OutputDir
	if opts.OutputDir != "" {
		dir = opts.OutputDir
	}
	s.output, err = telemetry.NewOutputManager(dir)
	if err != nil {
		s.engine.Close()
		return nil, err
	}
	if err := s.output.WriteConfig(cfg); err != nil {
		s.Close()
		return nil, err
	}

	logger.Info("simulation ready",
		"run_id", s.runID,
		"box", s.fluid.Box().String(),
		"viscosity", s.fluid.Viscosity(),
		"diffusivity", s.scalar.Diffusivity(),
		"kernel", kernel.Name(),
		"scheme", cfg.Integrator.Scheme,
		"membranes", s.membranes.Len(),
		"step", s.step,
	)
	return s, nil
}

func (s *Simulation) buildLattices() error {
	cfg := s.cfg
	box := cfg.Derived.Box
	s.mask = lattice.NewFlagMask(box)
	for _, b := range cfg.Lattice.Solids {
		s.mask.SetBox(b, lattice.Solid)
	}
	s.mask.MarkWalls(cfg.Lattice.Periodic)

	var err error
	s.fluid, err = lattice.NewNSLattice(box, cfg.Lattice.Tau, cfg.Lattice.Periodic, s.mask)
	if err != nil {
		return err
	}
	if cfg.Lattice.Density != 1 || cfg.Lattice.Velocity != (r3.Vec{}) {
		box.Each(func(x, y, z int) {
			if s.mask.Kind(x, y, z) != lattice.Solid {
				s.fluid.SetEquilibrium(x, y, z, cfg.Lattice.Density, cfg.Lattice.Velocity)
			}
		})
	}

	s.scalar, err = lattice.NewADLattice(box, cfg.Scalar.Tau, cfg.Lattice.Periodic, s.mask, cfg.Scalar.Initial)
	if err != nil {
		return err
	}
	for _, p := range cfg.Scalar.Perturbations {
		s.scalar.SetBox(p.Box, p.Value)
	}

	if cfg.Buoyancy.Enabled {
		s.buoyancy, err = coupling.NewBuoyancy(s.fluid, s.scalar, s.mask, cfg.Derived.Region, cfg.Buoyancy.Params)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Simulation) placeMembranes() error {
	for _, mc := range s.cfg.Membranes {
		var (
			m   *mesh.Mesh
			mat = mc.Material
			err error
		)
		if mc.File != "" {
			var fileMat components.Material
			_, m, fileMat, err = checkpoint.LoadMembraneFile(mc.File, mesh.Options{})
			if !mc.OverrideMaterial {
				mat = fileMat
			}
		} else {
			m, err = mc.Primitive.Build()
		}
		if err != nil {
			return fmt.Errorf("membrane %q: %w", mc.Name, err)
		}

		if mc.Relax {
			if mat.Volume > 0 {
				s.logger.Warn("volume penalty pulls a relaxed membrane back to its rest volume",
					"membrane", mc.Name,
					"volume", mat.Volume,
					"volume_ratio", s.cfg.Relax.VolumeRatio,
				)
			}
			res, err := membrane.Relax(m, mat, s.cfg.Relax)
			if err != nil {
				return fmt.Errorf("membrane %q: %w", mc.Name, err)
			}
			s.logger.Info("membrane relaxed",
				"membrane", mc.Name,
				"volume_ratio", res.Volume/m.RestVolume(),
				"energy", res.Energy,
				"iterations", res.Iterations,
			)
		}
		id, err := s.membranes.Add(mc.Name, m, mat)
		if err != nil {
			return err
		}
		lo, hi := m.Bounds()
		s.logger.Info("membrane placed",
			"membrane", mc.Name,
			"id", id,
			"centroid", m.Centroid(),
			"bounds_lo", lo,
			"bounds_hi", hi,
		)
	}
	return nil
}

func (s *Simulation) restore(dir string) error {
	st, err := checkpoint.Load(dir)
	if err != nil {
		return fmt.Errorf("restart from %s: %w", dir, err)
	}
	if st.Scheme != s.cfg.Integrator.Scheme {
		s.logger.Warn("checkpoint written with a different integrator",
			"checkpoint", st.Scheme, "config", s.cfg.Integrator.Scheme)
	}
	if st.Kernel != s.engine.Kernel().Name() {
		s.logger.Warn("checkpoint written with a different kernel",
			"checkpoint", st.Kernel, "config", s.engine.Kernel().Name())
	}
	for _, mb := range st.Membranes {
		if err := s.membranes.Restore(mb); err != nil {
			return err
		}
	}
	s.runID = st.RunID
	s.step = st.Step
	s.time = st.Time
	s.collector.StartAt(s.step)
	s.logger.Info("restarted from checkpoint", "dir", dir, "step", s.step, "membranes", len(st.Membranes))
	return nil
}

// Step advances the coupled system by one timestep:
//
//  1. clear the force accumulator
//  2. collide and stream the scalar, advected by the current fluid velocity
//  3. buoyancy writes F^n from T^n
//  4. clear node forces and interpolate fluid velocity onto every node
//  5. accumulate internal membrane forces
//  6. integrate node velocities and positions
//  7. spread the membranes' fluid forces through the interpolation stencils
//  8. collide and stream the fluid, consuming the accumulator
//
// An error in phases 3 to 7 aborts the step part way: the scalar lattice has
// advanced one step ahead of the fluid and the membranes are stuck mid-cycle.
// Every later Step then returns ErrAborted wrapping the first failure; the
// caller restarts from a checkpoint.
func (s *Simulation) Step() error {
	if s.aborted != nil {
		return fmt.Errorf("%w: %w", ErrAborted, s.aborted)
	}
	s.perf.StartStep()
	defer s.perf.EndStep()

	n := s.step + 1
	rep := StepReport{Step: n}
	fail := func(phase telemetry.Phase, err error) error {
		s.logger.Error("step aborted", "step", n, "phase", phase.String(), "error", err)
		s.aborted = fmt.Errorf("step %d %s: %w", n, phase, err)
		return s.aborted
	}

	s.perf.StartPhase(telemetry.PhaseClear)
	s.fluid.Forces().Clear()

	s.perf.StartPhase(telemetry.PhaseScalar)
	s.scalar.CollideAndStream(s.fluid)

	s.perf.StartPhase(telemetry.PhaseBuoyancy)
	if s.buoyancy != nil {
		if err := s.buoyancy.Apply(); err != nil {
			return fail(telemetry.PhaseBuoyancy, err)
		}
		rep.Buoyancy = s.buoyancy.LastReport()
	}

	s.perf.StartPhase(telemetry.PhaseInterpolate)
	if err := s.membranes.ClearForces(); err != nil {
		return fail(telemetry.PhaseInterpolate, err)
	}
	meshes := s.membranes.Meshes()
	vel, err := s.engine.Interpolate(meshes)
	if err != nil {
		return fail(telemetry.PhaseInterpolate, err)
	}

	s.perf.StartPhase(telemetry.PhaseForces)
	if err := s.membranes.ComputeInternalForces(); err != nil {
		return fail(telemetry.PhaseForces, err)
	}

	s.perf.StartPhase(telemetry.PhaseIntegrate)
	if err := s.membranes.Integrate(s.cfg.Run.DT, vel); err != nil {
		return fail(telemetry.PhaseIntegrate, err)
	}

	rep.Exchange = s.membranes.LastExchange()

	s.perf.StartPhase(telemetry.PhaseSpread)
	rep.Spread, err = s.engine.SpreadForces(s.membranes.FluidForces())
	if err != nil {
		return fail(telemetry.PhaseSpread, err)
	}

	s.perf.StartPhase(telemetry.PhaseCollide)
	s.fluid.Collide()
	s.fluid.Stream()

	s.step = n
	s.time += s.cfg.Run.DT
	rep.Time = s.time
	rep.Energy = s.membranes.Energy()
	s.last = rep

	s.perf.StartPhase(telemetry.PhaseTelemetry)
	if err := s.afterStep(); err != nil {
		return fmt.Errorf("step %d: %w", n, err)
	}
	return nil
}

// afterStep samples telemetry and writes due checkpoints.
func (s *Simulation) afterStep() error {
	tc := s.cfg.Telemetry
	if tc.StepEvery > 0 && s.step%tc.StepEvery == 0 {
		stats := s.Stats()
		s.collector.Record(stats)
		if err := s.output.WriteStep(stats); err != nil {
			s.logger.Error("failed to write step stats", "error", err)
		}
		s.logger.Debug("step", "stats", stats)
	}
	if tc.WindowSteps > 0 && s.collector.ShouldFlush(s.step) {
		window := s.collector.Flush(s.step)
		perf := s.perf.Stats()
		if s.logStats {
			window.LogStats(s.logger)
			perf.LogStats(s.logger)
		}
		if err := s.output.WriteWindow(window); err != nil {
			s.logger.Error("failed to write telemetry", "error", err)
		}
		if err := s.output.WritePerf(perf, s.step); err != nil {
			s.logger.Error("failed to write perf", "error", err)
		}
	}

	cc := s.cfg.Checkpoint
	if cc.Every > 0 && s.step%cc.Every == 0 {
		if _, err := s.Checkpoint(checkpoint.StepDir(cc.Dir, s.step)); err != nil {
			return err
		}
	}
	return nil
}

// Run steps until steps more steps are done or ctx is cancelled. The context
// is only checked between steps.
func (s *Simulation) Run(ctx context.Context, steps int) error {
	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			s.logger.Info("run cancelled", "step", s.step)
			return err
		}
		if err := s.Step(); err != nil {
			return err
		}
	}
	return nil
}

// Checkpoint writes the membrane state to dir.
func (s *Simulation) Checkpoint(dir string) (checkpoint.Manifest, error) {
	man, err := checkpoint.Save(dir, checkpoint.State{
		RunID:     s.runID,
		Step:      s.step,
		Time:      s.time,
		Kernel:    s.engine.Kernel().Name(),
		Scheme:    s.cfg.Integrator.Scheme,
		Membranes: s.membranes.Membranes(),
	})
	if err != nil {
		return man, fmt.Errorf("checkpoint: %w", err)
	}
	s.logger.Info("checkpoint written", "dir", dir, "step", s.step)
	return man, nil
}

// Stats samples the conservation diagnostics of the current state.
func (s *Simulation) Stats() telemetry.StepStats {
	st := telemetry.StepStats{
		Step:          s.step,
		Time:          s.time,
		FluidMass:     s.fluid.TotalMass(),
		MaxSpeed:      s.fluid.MaxSpeed(),
		ScalarTotal:   s.scalar.Total(),
		BuoyancyCells: s.last.Buoyancy.Cells,
		Membranes:     s.membranes.Len(),
		Nodes:         s.last.Spread.Nodes,
		StencilCells:  s.last.Spread.Cells,
	}
	st.SpreadResidual = r3.Norm(r3.Add(s.last.Spread.Spread, s.last.Spread.Reaction))
	st.Renormalised = s.last.Spread.Renormalised
	x := s.last.Exchange
	st.ExchangeResidual = r3.Norm(r3.Sub(r3.Add(s.last.Spread.Spread, x.MomentumChange), x.External))
	st.SetTiming(s.perf.Current())
	st.SetMomentum(s.fluid.TotalMomentum())
	st.SetBuoyancy(s.last.Buoyancy.Total)
	st.SetNodeForce(s.last.Spread.NodeForce)
	st.SetSpread(s.last.Spread.Spread)

	e := s.last.Energy
	st.EnergyStretch = e.Stretch
	st.EnergyBend = e.Bend
	st.EnergyVolume = e.Volume
	st.EnergyArea = e.AreaGlobal + e.AreaLocal
	st.EnergyTotal = e.Total()

	var ratios []float64
	for _, mb := range s.membranes.Membranes() {
		if rv := mb.Mesh.RestVolume(); rv != 0 {
			ratios = append(ratios, mb.Diagnostics.Volume/rv)
		}
		st.MaxDisplacement = math.Max(st.MaxDisplacement, mb.Diagnostics.MaxDisplacement)
	}
	st.SetVolumeRatios(ratios)
	return st
}

// Close stops the worker pool and closes output files.
func (s *Simulation) Close() error {
	s.engine.Close()
	return s.output.Close()
}

// RunID identifies the run across restarts.
func (s *Simulation) RunID() string { return s.runID }

// StepCount returns the number of completed steps.
func (s *Simulation) StepCount() int { return s.step }

// Time returns the simulated time.
func (s *Simulation) Time() float64 { return s.time }

// LastReport returns the summary of the last completed step.
func (s *Simulation) LastReport() StepReport { return s.last }

// Err returns the failure that aborted the run, nil while it is healthy.
func (s *Simulation) Err() error { return s.aborted }

func (s *Simulation) Config() *config.Config     { return s.cfg }
func (s *Simulation) Fluid() *lattice.NSLattice   { return s.fluid }
func (s *Simulation) Scalar() *lattice.ADLattice  { return s.scalar }
func (s *Simulation) Mask() *lattice.FlagMask     { return s.mask }
func (s *Simulation) Membranes() *membrane.System { return s.membranes }
func (s *Simulation) Engine() *ibm.Engine         { return s.engine }

// Buoyancy returns nil when the coupling is disabled.
func (s *Simulation) Buoyancy() *coupling.Buoyancy { return s.buoyancy }
