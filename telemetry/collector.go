package telemetry

import "math"

// Collector accumulates step samples within windows and produces WindowStats.
type Collector struct {
	windowSteps int

	// Current window tracking
	windowStart int
	startMass   float64
	haveStart   bool

	steps       int
	lastMass    float64
	lastTime    float64
	maxSpeed    float64
	maxResidual float64
	maxExchange float64
	maxDisp     float64
	energies    []float64
	volMin      float64
	volMax      float64
	haveVolumes bool
}

// NewCollector creates a stats collector flushing every windowSteps steps.
func NewCollector(windowSteps int) *Collector {
	if windowSteps < 1 {
		windowSteps = 1
	}
	return &Collector{windowSteps: windowSteps}
}

// Record adds one step sample to the current window.
func (c *Collector) Record(s StepStats) {
	if !c.haveStart {
		c.startMass = s.FluidMass
		c.haveStart = true
	}
	c.steps++
	c.lastMass = s.FluidMass
	c.lastTime = s.Time
	c.maxSpeed = math.Max(c.maxSpeed, s.MaxSpeed)
	c.maxResidual = math.Max(c.maxResidual, s.SpreadResidual)
	c.maxExchange = math.Max(c.maxExchange, s.ExchangeResidual)
	c.maxDisp = math.Max(c.maxDisp, s.MaxDisplacement)
	c.energies = append(c.energies, s.EnergyTotal)
	if s.Membranes > 0 {
		if !c.haveVolumes {
			c.volMin, c.volMax = s.VolumeRatioMin, s.VolumeRatioMax
			c.haveVolumes = true
		}
		c.volMin = math.Min(c.volMin, s.VolumeRatioMin)
		c.volMax = math.Max(c.volMax, s.VolumeRatioMax)
	}
}

// ShouldFlush returns true if enough steps have passed to flush the window.
func (c *Collector) ShouldFlush(step int) bool {
	return step-c.windowStart >= c.windowSteps
}

// Flush produces a WindowStats and resets counters for the next window.
func (c *Collector) Flush(step int) WindowStats {
	mean, p10, p50, p90 := ComputeStats(c.energies)
	stats := WindowStats{
		WindowStart:       c.windowStart,
		WindowEnd:         step,
		SimTime:           c.lastTime,
		Steps:             c.steps,
		MassDrift:         relDrift(c.startMass, c.lastMass),
		MaxSpeed:          c.maxSpeed,
		MaxSpreadResidual: c.maxResidual,
		MaxExchange:       c.maxExchange,
		MaxDisplacement:   c.maxDisp,
		EnergyMean:        mean,
		EnergyP10:         p10,
		EnergyP50:         p50,
		EnergyP90:         p90,
		VolumeRatioMin:    c.volMin,
		VolumeRatioMax:    c.volMax,
	}

	// Reset for next window; mass drift chains from the last sample.
	*c = Collector{
		windowSteps: c.windowSteps,
		windowStart: step,
		startMass:   c.lastMass,
		lastMass:    c.lastMass,
		haveStart:   c.haveStart,
		energies:    c.energies[:0],
	}
	return stats
}

// WindowSteps returns the number of steps per window.
func (c *Collector) WindowSteps() int {
	return c.windowSteps
}

// StartAt begins the current window at step, used when resuming a run.
func (c *Collector) StartAt(step int) {
	c.windowStart = step
}
