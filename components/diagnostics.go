package components

// Energy breaks the internal elastic energy of a membrane down by law.
type Energy struct {
	Stretch    float64
	Bend       float64
	Volume     float64
	AreaGlobal float64
	AreaLocal  float64
}

// Total sums every law.
func (e Energy) Total() float64 {
	return e.Stretch + e.Bend + e.Volume + e.AreaGlobal + e.AreaLocal
}

// Add returns the law-wise sum of e and o.
func (e Energy) Add(o Energy) Energy {
	return Energy{
		Stretch:    e.Stretch + o.Stretch,
		Bend:       e.Bend + o.Bend,
		Volume:     e.Volume + o.Volume,
		AreaGlobal: e.AreaGlobal + o.AreaGlobal,
		AreaLocal:  e.AreaLocal + o.AreaLocal,
	}
}

// Diagnostics is refreshed by the particle system every step.
type Diagnostics struct {
	Phase           Phase
	Steps           int
	Volume          float64
	Area            float64
	Energy          Energy
	MaxDisplacement float64 // Largest node displacement of the last committed step
}
