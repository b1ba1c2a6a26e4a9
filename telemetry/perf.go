package telemetry

import (
	"log/slog"
	"time"
)

// Phase identifies one stage of the coupled step.
type Phase int

// Phases of the coupled step, in execution order.
const (
	PhaseClear Phase = iota
	PhaseScalar
	PhaseBuoyancy
	PhaseInterpolate
	PhaseForces
	PhaseIntegrate
	PhaseSpread
	PhaseCollide
	PhaseTelemetry
	numPhases
)

var phaseNames = [numPhases]string{
	"clear", "scalar", "buoyancy", "interpolate", "forces",
	"integrate", "spread", "collide", "telemetry",
}

func (p Phase) String() string {
	if p < 0 || p >= numPhases {
		return "unknown"
	}
	return phaseNames[p]
}

// Coupling reports whether p moves data between the fluid and the membranes
// or scalar field, as opposed to advancing one of them on its own.
func (p Phase) Coupling() bool {
	return p == PhaseBuoyancy || p == PhaseInterpolate || p == PhaseSpread
}

// Phases lists every phase in execution order.
func Phases() []Phase {
	out := make([]Phase, numPhases)
	for i := range out {
		out[i] = Phase(i)
	}
	return out
}

// StepTiming is the wall time of one step, split by phase.
type StepTiming struct {
	Total  time.Duration
	Phases [numPhases]time.Duration
}

// Coupling sums the coupling phases.
func (t StepTiming) Coupling() time.Duration {
	var d time.Duration
	for p, dur := range t.Phases {
		if Phase(p).Coupling() {
			d += dur
		}
	}
	return d
}

// PerfCollector keeps the phase timings of the last windowSize steps.
type PerfCollector struct {
	ring   []StepTiming
	next   int
	filled int

	cur       StepTiming
	stepStart time.Time
	markStart time.Time
	open      Phase // -1 when no phase is running
}

// NewPerfCollector creates a collector averaging over windowSize steps.
func NewPerfCollector(windowSize int) *PerfCollector {
	if windowSize < 1 {
		windowSize = 60
	}
	return &PerfCollector{ring: make([]StepTiming, windowSize), open: -1}
}

// StartStep begins timing a new step.
func (p *PerfCollector) StartStep() {
	p.stepStart = time.Now()
	p.cur = StepTiming{}
	p.open = -1
}

// StartPhase closes the running phase, if any, and opens phase.
func (p *PerfCollector) StartPhase(phase Phase) {
	now := time.Now()
	p.closePhase(now)
	p.markStart = now
	p.open = phase
}

func (p *PerfCollector) closePhase(now time.Time) {
	if p.open >= 0 {
		p.cur.Phases[p.open] += now.Sub(p.markStart)
		p.open = -1
	}
}

// Current returns the phases of the step in progress closed so far.
func (p *PerfCollector) Current() StepTiming {
	return p.cur
}

// EndStep closes the step and records it. A step abandoned midway is still
// recorded with the phases it reached.
func (p *PerfCollector) EndStep() {
	now := time.Now()
	p.closePhase(now)
	p.cur.Total = now.Sub(p.stepStart)

	p.ring[p.next] = p.cur
	p.next = (p.next + 1) % len(p.ring)
	p.filled = min(p.filled+1, len(p.ring))
}

// PerfStats aggregates the steps in the window.
type PerfStats struct {
	Steps int

	AvgStep time.Duration
	MinStep time.Duration
	MaxStep time.Duration

	PhaseAvg    [numPhases]time.Duration
	PhasePct    [numPhases]float64 // Share of the average step
	CouplingPct float64

	StepsPerSecond float64
}

// Stats computes aggregated statistics over the current window.
func (p *PerfCollector) Stats() PerfStats {
	st := PerfStats{Steps: p.filled}
	if p.filled == 0 {
		return st
	}

	var total time.Duration
	var phaseSum [numPhases]time.Duration
	for i, s := range p.ring[:p.filled] {
		total += s.Total
		if i == 0 || s.Total < st.MinStep {
			st.MinStep = s.Total
		}
		st.MaxStep = max(st.MaxStep, s.Total)
		for ph, d := range s.Phases {
			phaseSum[ph] += d
		}
	}

	n := time.Duration(p.filled)
	st.AvgStep = total / n
	for ph := range phaseSum {
		st.PhaseAvg[ph] = phaseSum[ph] / n
	}
	if st.AvgStep > 0 {
		for ph, d := range st.PhaseAvg {
			st.PhasePct[ph] = float64(d) / float64(st.AvgStep) * 100
			if Phase(ph).Coupling() {
				st.CouplingPct += st.PhasePct[ph]
			}
		}
		st.StepsPerSecond = float64(time.Second) / float64(st.AvgStep)
	}
	return st
}

// LogStats logs the window at Info.
func (s PerfStats) LogStats(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("perf", "stats", s)
}

// LogValue implements slog.LogValuer. Phases under 0.1% are left out.
func (s PerfStats) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int("steps", s.Steps),
		slog.Int64("avg_step_us", s.AvgStep.Microseconds()),
		slog.Int64("min_step_us", s.MinStep.Microseconds()),
		slog.Int64("max_step_us", s.MaxStep.Microseconds()),
		slog.Float64("steps_per_sec", s.StepsPerSecond),
		slog.Float64("coupling_pct", s.CouplingPct),
	}
	for _, ph := range Phases() {
		if pct := s.PhasePct[ph]; pct > 0.1 {
			attrs = append(attrs, slog.Float64(ph.String()+"_pct", pct))
		}
	}
	return slog.GroupValue(attrs...)
}

// PerfStatsCSV is one row of perf.csv.
type PerfStatsCSV struct {
	WindowEnd      int     `csv:"window_end"`
	AvgStepUS      int64   `csv:"avg_step_us"`
	MinStepUS      int64   `csv:"min_step_us"`
	MaxStepUS      int64   `csv:"max_step_us"`
	StepsPerSec    float64 `csv:"steps_per_sec"`
	CouplingPct    float64 `csv:"coupling_pct"`
	ClearPct       float64 `csv:"clear_pct"`
	ScalarPct      float64 `csv:"scalar_pct"`
	BuoyancyPct    float64 `csv:"buoyancy_pct"`
	InterpolatePct float64 `csv:"interpolate_pct"`
	ForcesPct      float64 `csv:"forces_pct"`
	IntegratePct   float64 `csv:"integrate_pct"`
	SpreadPct      float64 `csv:"spread_pct"`
	CollidePct     float64 `csv:"collide_pct"`
	TelemetryPct   float64 `csv:"telemetry_pct"`
}

// ToCSV flattens the stats for the window ending at windowEnd.
func (s PerfStats) ToCSV(windowEnd int) PerfStatsCSV {
	pct := s.PhasePct
	return PerfStatsCSV{
		WindowEnd:      windowEnd,
		AvgStepUS:      s.AvgStep.Microseconds(),
		MinStepUS:      s.MinStep.Microseconds(),
		MaxStepUS:      s.MaxStep.Microseconds(),
		StepsPerSec:    s.StepsPerSecond,
		CouplingPct:    s.CouplingPct,
		ClearPct:       pct[PhaseClear],
		ScalarPct:      pct[PhaseScalar],
		BuoyancyPct:    pct[PhaseBuoyancy],
		InterpolatePct: pct[PhaseInterpolate],
		ForcesPct:      pct[PhaseForces],
		IntegratePct:   pct[PhaseIntegrate],
		SpreadPct:      pct[PhaseSpread],
		CollidePct:     pct[PhaseCollide],
		TelemetryPct:   pct[PhaseTelemetry],
	}
}
