// Package telemetry records per-step conservation diagnostics, windowed
// summaries and per-phase timings, and writes them as CSV.
package telemetry

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"
)

// StepStats is one row of steps.csv, sampled after a completed step.
type StepStats struct {
	Step int     `csv:"step"`
	Time float64 `csv:"time"`

	// Fluid
	FluidMass   float64 `csv:"fluid_mass"`
	MomentumX   float64 `csv:"momentum_x"`
	MomentumY   float64 `csv:"momentum_y"`
	MomentumZ   float64 `csv:"momentum_z"`
	MaxSpeed    float64 `csv:"max_speed"`
	ScalarTotal float64 `csv:"scalar_total"`

	// Buoyancy
	BuoyancyCells int     `csv:"buoyancy_cells"`
	BuoyancyX     float64 `csv:"buoyancy_x"`
	BuoyancyY     float64 `csv:"buoyancy_y"`
	BuoyancyZ     float64 `csv:"buoyancy_z"`

	// Immersed boundary
	Membranes        int     `csv:"membranes"`
	Nodes            int     `csv:"nodes"`
	StencilCells     int     `csv:"stencil_cells"`
	NodeForceX       float64 `csv:"node_force_x"`
	NodeForceY       float64 `csv:"node_force_y"`
	NodeForceZ       float64 `csv:"node_force_z"`
	SpreadX          float64 `csv:"spread_x"`
	SpreadY          float64 `csv:"spread_y"`
	SpreadZ          float64 `csv:"spread_z"`
	SpreadResidual   float64 `csv:"spread_residual"`   // |spread + reaction|
	ExchangeResidual float64 `csv:"exchange_residual"` // |spread + membrane momentum change - external impulse|
	Renormalised     int     `csv:"renormalised_nodes"`

	// Membrane mechanics
	EnergyStretch   float64 `csv:"energy_stretch"`
	EnergyBend      float64 `csv:"energy_bend"`
	EnergyVolume    float64 `csv:"energy_volume"`
	EnergyArea      float64 `csv:"energy_area"`
	EnergyTotal     float64 `csv:"energy_total"`
	VolumeRatioMin  float64 `csv:"volume_ratio_min"`
	VolumeRatioMean float64 `csv:"volume_ratio_mean"`
	VolumeRatioMax  float64 `csv:"volume_ratio_max"`
	MaxDisplacement float64 `csv:"max_displacement"`

	// Wall time of the step's coupling and solver phases
	CouplingUS int64 `csv:"coupling_us"`
	SolverUS   int64 `csv:"solver_us"`
}

// SetTiming fills the timing columns from the phases closed so far.
func (s *StepStats) SetTiming(t StepTiming) {
	var solver time.Duration
	for p, d := range t.Phases {
		if !Phase(p).Coupling() {
			solver += d
		}
	}
	s.CouplingUS = t.Coupling().Microseconds()
	s.SolverUS = solver.Microseconds()
}

// SetMomentum, SetBuoyancy, SetNodeForce and SetSpread fill vector columns.
func (s *StepStats) SetMomentum(v r3.Vec)  { s.MomentumX, s.MomentumY, s.MomentumZ = v.X, v.Y, v.Z }
func (s *StepStats) SetBuoyancy(v r3.Vec)  { s.BuoyancyX, s.BuoyancyY, s.BuoyancyZ = v.X, v.Y, v.Z }
func (s *StepStats) SetNodeForce(v r3.Vec) { s.NodeForceX, s.NodeForceY, s.NodeForceZ = v.X, v.Y, v.Z }
func (s *StepStats) SetSpread(v r3.Vec)    { s.SpreadX, s.SpreadY, s.SpreadZ = v.X, v.Y, v.Z }

// SetVolumeRatios fills the volume ratio columns from current/rest ratios.
func (s *StepStats) SetVolumeRatios(ratios []float64) {
	s.VolumeRatioMin, s.VolumeRatioMean, s.VolumeRatioMax = MinMeanMax(ratios)
}

// MinMeanMax returns zeros for an empty slice.
func MinMeanMax(values []float64) (lo, mean, hi float64) {
	if len(values) == 0 {
		return 0, 0, 0
	}
	return floats.Min(values), floats.Sum(values) / float64(len(values)), floats.Max(values)
}

// Percentile calculates the p-th percentile of a sorted slice.
// p should be in [0, 1]. Returns 0 if slice is empty.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}

	// Linear interpolation
	idx := p * float64(n-1)
	lo := int(idx)
	hi := lo + 1
	if hi >= n {
		return sorted[n-1]
	}

	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// ComputeStats calculates mean and percentiles of values.
func ComputeStats(values []float64) (mean, p10, p50, p90 float64) {
	n := len(values)
	if n == 0 {
		return 0, 0, 0, 0
	}
	mean = floats.Sum(values) / float64(n)

	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	p10 = Percentile(sorted, 0.10)
	p50 = Percentile(sorted, 0.50)
	p90 = Percentile(sorted, 0.90)

	return mean, p10, p50, p90
}

// LogValue implements slog.LogValuer for structured logging.
func (s StepStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("step", s.Step),
		slog.Float64("time", s.Time),
		slog.Float64("fluid_mass", s.FluidMass),
		slog.Float64("max_speed", s.MaxSpeed),
		slog.Float64("scalar_total", s.ScalarTotal),
		slog.Int("buoyancy_cells", s.BuoyancyCells),
		slog.Float64("buoyancy_z", s.BuoyancyZ),
		slog.Int("membranes", s.Membranes),
		slog.Int("nodes", s.Nodes),
		slog.Float64("spread_residual", s.SpreadResidual),
		slog.Float64("exchange_residual", s.ExchangeResidual),
		slog.Int64("coupling_us", s.CouplingUS),
		slog.Float64("energy_total", s.EnergyTotal),
		slog.Float64("volume_ratio_min", s.VolumeRatioMin),
		slog.Float64("volume_ratio_max", s.VolumeRatioMax),
		slog.Float64("max_displacement", s.MaxDisplacement),
	)
}

// WindowStats summarises the steps recorded since the previous flush.
type WindowStats struct {
	WindowStart int     `csv:"-"`
	WindowEnd   int     `csv:"window_end"`
	SimTime     float64 `csv:"sim_time"`
	Steps       int     `csv:"steps"`

	MassDrift         float64 `csv:"mass_drift"` // Relative fluid mass change over the window
	MaxSpeed          float64 `csv:"max_speed"`
	MaxSpreadResidual float64 `csv:"max_spread_residual"`
	MaxExchange       float64 `csv:"max_exchange_residual"`
	MaxDisplacement   float64 `csv:"max_displacement"`

	EnergyMean float64 `csv:"energy_mean"`
	EnergyP10  float64 `csv:"energy_p10"`
	EnergyP50  float64 `csv:"energy_p50"`
	EnergyP90  float64 `csv:"energy_p90"`

	VolumeRatioMin float64 `csv:"volume_ratio_min"`
	VolumeRatioMax float64 `csv:"volume_ratio_max"`
}

// LogStats logs the window stats using slog.
func (s WindowStats) LogStats(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("stats",
		"window_end", s.WindowEnd,
		"sim_time", s.SimTime,
		"steps", s.Steps,
		"mass_drift", s.MassDrift,
		"max_speed", s.MaxSpeed,
		"max_spread_residual", s.MaxSpreadResidual,
		"max_exchange_residual", s.MaxExchange,
		"max_displacement", s.MaxDisplacement,
		"energy_mean", s.EnergyMean,
		"energy_p90", s.EnergyP90,
		"volume_ratio_min", s.VolumeRatioMin,
		"volume_ratio_max", s.VolumeRatioMax,
	)
}

func relDrift(from, to float64) float64 {
	if from == 0 {
		return 0
	}
	return (to - from) / math.Abs(from)
}
