package membrane

import (
	"fmt"

	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/lbcouple/components"
	"github.com/pthm-cable/lbcouple/mesh"
)

// RelaxSettings configure an energy minimisation toward a reduced volume.
type RelaxSettings struct {
	VolumeRatio       float64 `yaml:"volume_ratio"`       // Target volume over rest volume
	VolumeStiffness   float64 `yaml:"volume_stiffness"`   // Penalty holding the target volume
	MaxIterations     int     `yaml:"max_iterations"`     // 0 means no limit
	GradientThreshold float64 `yaml:"gradient_threshold"` // Stop when the max gradient entry falls below
}

// RelaxResult summarises a finished relaxation.
type RelaxResult struct {
	Energy      float64
	Volume      float64
	Iterations  int
	Evaluations int
	Status      optimize.Status
}

// Relax moves the current node positions of m to a minimum of the elastic
// energy of mat under a volume penalty at VolumeRatio times the rest volume.
// Rest quantities are untouched, so the relaxed shape stays prestressed
// against the original reference state. The material's own volume law is
// replaced by the targeted penalty.
func Relax(m *mesh.Mesh, mat components.Material, s RelaxSettings) (RelaxResult, error) {
	if !m.Closed() {
		return RelaxResult{}, fmt.Errorf("relaxing membrane: mesh is not closed")
	}
	if s.VolumeRatio <= 0 {
		return RelaxResult{}, fmt.Errorf("relaxing membrane: volume ratio must be positive, got %g", s.VolumeRatio)
	}
	mat.Volume = 0
	target := s.VolumeRatio * m.RestVolume()

	n := m.NumNodes()
	pos := make([]r3.Vec, n)
	force := make([]r3.Vec, n)
	evaluate := func(x []float64) float64 {
		unflatten(x, pos)
		for i := range force {
			force[i] = r3.Vec{}
		}
		e := elastic(m, mat, pos, force).Total()
		return e + VolumePenalty(pos, m.Faces(), s.VolumeStiffness, target, force)
	}

	problem := optimize.Problem{
		Func: evaluate,
		Grad: func(grad, x []float64) {
			evaluate(x)
			for i, f := range force {
				grad[3*i] = -f.X
				grad[3*i+1] = -f.Y
				grad[3*i+2] = -f.Z
			}
		},
	}
	settings := &optimize.Settings{
		MajorIterations:   s.MaxIterations,
		GradientThreshold: s.GradientThreshold,
	}

	result, err := optimize.Minimize(problem, flatten(m.Positions()), settings, &optimize.LBFGS{})
	if result == nil {
		return RelaxResult{}, fmt.Errorf("relaxing membrane: %w", err)
	}
	unflatten(result.X, m.Positions())
	out := RelaxResult{
		Energy:      result.F,
		Volume:      m.Volume(),
		Iterations:  result.Stats.MajorIterations,
		Evaluations: result.Stats.FuncEvaluations,
		Status:      result.Status,
	}
	switch result.Status {
	case optimize.IterationLimit, optimize.FunctionEvaluationLimit, optimize.RuntimeLimit:
		// Budget exhausted; the best point found is still usable.
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("relaxing membrane: %w", err)
	}
	return out, nil
}

func flatten(v []r3.Vec) []float64 {
	x := make([]float64, 3*len(v))
	for i, p := range v {
		x[3*i], x[3*i+1], x[3*i+2] = p.X, p.Y, p.Z
	}
	return x
}

func unflatten(x []float64, v []r3.Vec) {
	for i := range v {
		v[i] = r3.Vec{X: x[3*i], Y: x[3*i+1], Z: x[3*i+2]}
	}
}
