package telemetry

import (
	"testing"
	"time"
)

func TestPerfCollector_BasicTiming(t *testing.T) {
	pc := NewPerfCollector(10)

	for i := 0; i < 5; i++ {
		pc.StartStep()
		pc.StartPhase(PhaseInterpolate)
		time.Sleep(100 * time.Microsecond)
		pc.StartPhase(PhaseSpread)
		time.Sleep(200 * time.Microsecond)
		pc.EndStep()
	}

	stats := pc.Stats()
	if stats.Steps != 5 {
		t.Errorf("expected 5 steps in window, got %d", stats.Steps)
	}
	if stats.AvgStep <= 0 {
		t.Error("expected positive average step duration")
	}
	if stats.PhaseAvg[PhaseInterpolate] <= 0 || stats.PhaseAvg[PhaseSpread] <= 0 {
		t.Errorf("expected interpolate and spread to be tracked: %v", stats.PhaseAvg)
	}
	if stats.PhaseAvg[PhaseCollide] != 0 {
		t.Error("collide never ran")
	}
}

func TestPerfCollector_RollingWindow(t *testing.T) {
	pc := NewPerfCollector(5)

	for i := 0; i < 10; i++ {
		pc.StartStep()
		pc.StartPhase(PhaseInterpolate)
		pc.EndStep()
	}

	stats := pc.Stats()
	if stats.Steps != 5 {
		t.Errorf("expected window capped at 5, got %d", stats.Steps)
	}
	if stats.AvgStep <= 0 || stats.StepsPerSecond <= 0 {
		t.Error("expected positive timing after window filled")
	}
}

func TestPerfCollector_CouplingShare(t *testing.T) {
	pc := NewPerfCollector(10)

	for i := 0; i < 5; i++ {
		pc.StartStep()
		pc.StartPhase(PhaseCollide)
		time.Sleep(10 * time.Microsecond)
		pc.StartPhase(PhaseSpread)
		time.Sleep(200 * time.Microsecond)
		pc.EndStep()
	}

	stats := pc.Stats()
	if stats.PhasePct[PhaseSpread] <= stats.PhasePct[PhaseCollide] {
		t.Errorf("expected spread (%v%%) > collide (%v%%)",
			stats.PhasePct[PhaseSpread], stats.PhasePct[PhaseCollide])
	}
	if stats.CouplingPct != stats.PhasePct[PhaseSpread] {
		t.Errorf("coupling share %v should equal spread share %v", stats.CouplingPct, stats.PhasePct[PhaseSpread])
	}
}

func TestPerfCollector_CurrentStep(t *testing.T) {
	pc := NewPerfCollector(10)
	pc.StartStep()
	pc.StartPhase(PhaseBuoyancy)
	time.Sleep(50 * time.Microsecond)
	pc.StartPhase(PhaseTelemetry)

	cur := pc.Current()
	if cur.Phases[PhaseBuoyancy] <= 0 {
		t.Error("closed phase missing from the running step")
	}
	if cur.Coupling() != cur.Phases[PhaseBuoyancy] {
		t.Errorf("coupling %v, want %v", cur.Coupling(), cur.Phases[PhaseBuoyancy])
	}
	if cur.Phases[PhaseTelemetry] != 0 {
		t.Error("open phase should not be counted yet")
	}
}

func TestPerfCollector_EmptyStats(t *testing.T) {
	stats := NewPerfCollector(10).Stats()
	if stats.Steps != 0 || stats.AvgStep != 0 || stats.StepsPerSecond != 0 {
		t.Errorf("expected zero stats for empty collector: %+v", stats)
	}
}

func TestPhaseNames(t *testing.T) {
	if len(Phases()) != 9 {
		t.Errorf("expected 9 phases, got %d", len(Phases()))
	}
	if PhaseInterpolate.String() != "interpolate" || Phase(42).String() != "unknown" {
		t.Error("unexpected phase names")
	}
	for _, p := range Phases() {
		want := p == PhaseBuoyancy || p == PhaseInterpolate || p == PhaseSpread
		if p.Coupling() != want {
			t.Errorf("%s: coupling = %v", p, p.Coupling())
		}
	}
}

func TestPerfStatsToCSV(t *testing.T) {
	var stats PerfStats
	stats.AvgStep = 2 * time.Millisecond
	stats.PhasePct[PhaseInterpolate] = 40
	stats.PhasePct[PhaseSpread] = 25
	stats.PhasePct[PhaseCollide] = 30
	stats.CouplingPct = 65

	row := stats.ToCSV(500)
	if row.WindowEnd != 500 || row.AvgStepUS != 2000 || row.CouplingPct != 65 {
		t.Errorf("unexpected header fields: %+v", row)
	}
	if row.InterpolatePct != 40 || row.SpreadPct != 25 || row.CollidePct != 30 {
		t.Errorf("phase percentages not carried: %+v", row)
	}
}
