package membrane

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/lbcouple/components"
	"github.com/pthm-cable/lbcouple/mesh"
)

var testMaterial = components.Material{
	Stretch:    1,
	Bend:       0.1,
	Volume:     5,
	AreaGlobal: 2,
	AreaLocal:  0.5,
	NodeMass:   1,
	Drag:       1,
}

var advected = IntegratorConfig{Scheme: Advected, MaxDisplacementFactor: 0.5}

func sphere(t *testing.T, center r3.Vec, subdivisions int) *mesh.Mesh {
	t.Helper()
	m, err := mesh.Icosphere(center, 1, subdivisions)
	require.NoError(t, err)
	return m
}

func perturbed(t *testing.T, seed int64, amp float64) *mesh.Mesh {
	t.Helper()
	m := sphere(t, r3.Vec{}, 1)
	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < m.NumNodes(); i++ {
		d := r3.Vec{X: rng.Float64() - 0.5, Y: rng.Float64() - 0.5, Z: rng.Float64() - 0.5}
		m.SetPosition(i, r3.Add(m.Position(i), r3.Scale(2*amp, d)))
	}
	return m
}

func component(v r3.Vec, k int) float64 {
	return [3]float64{v.X, v.Y, v.Z}[k]
}

func shifted(v r3.Vec, k int, h float64) r3.Vec {
	switch k {
	case 0:
		v.X += h
	case 1:
		v.Y += h
	default:
		v.Z += h
	}
	return v
}

func TestForceLawsMatchEnergyGradient(t *testing.T) {
	m := perturbed(t, 42, 0.05)
	laws := []struct {
		name string
		law  func(pos, f []r3.Vec) float64
	}{
		{"stretch", func(pos, f []r3.Vec) float64 { return Stretch(pos, m.Edges(), 2, f) }},
		{"bend", func(pos, f []r3.Vec) float64 { return Bend(pos, m.Hinges(), 0.7, f) }},
		{"volume", func(pos, f []r3.Vec) float64 { return VolumePenalty(pos, m.Faces(), 3, m.RestVolume(), f) }},
		{"area global", func(pos, f []r3.Vec) float64 { return GlobalArea(pos, m.Faces(), 1.5, m.RestArea(), f) }},
		{"area local", func(pos, f []r3.Vec) float64 { return LocalArea(pos, m.Faces(), 1.2, f) }},
	}
	const h = 1e-6
	for _, tt := range laws {
		t.Run(tt.name, func(t *testing.T) {
			pos := append([]r3.Vec(nil), m.Positions()...)
			f := make([]r3.Vec, len(pos))
			e := tt.law(pos, f)
			assert.Greater(t, e, 0.0)

			scratch := make([]r3.Vec, len(pos))
			for _, i := range []int{0, 5, 17, 41} {
				for k := 0; k < 3; k++ {
					orig := pos[i]
					pos[i] = shifted(orig, k, h)
					ep := tt.law(pos, scratch)
					pos[i] = shifted(orig, k, -h)
					em := tt.law(pos, scratch)
					pos[i] = orig

					grad := (ep - em) / (2 * h)
					assert.InDelta(t, -grad, component(f[i], k), 1e-6+1e-4*math.Abs(grad),
						"node %d axis %d", i, k)
				}
			}
		})
	}
}

func TestElasticForcesAreTranslationInvariant(t *testing.T) {
	m := perturbed(t, 7, 0.08)
	f := make([]r3.Vec, m.NumNodes())
	elastic(m, testMaterial, m.Positions(), f)

	var sum r3.Vec
	for _, v := range f {
		sum = r3.Add(sum, v)
	}
	assert.InDelta(t, 0, r3.Norm(sum), 1e-10)
}

func TestRestStateStability(t *testing.T) {
	for _, scheme := range []Scheme{Advected, Inertial} {
		t.Run(string(scheme), func(t *testing.T) {
			s, err := NewSystem(IntegratorConfig{Scheme: scheme, MaxDisplacementFactor: 0.5}, nil)
			require.NoError(t, err)
			m := sphere(t, r3.Vec{X: 4, Y: 4, Z: 4}, 2)
			before := append([]r3.Vec(nil), m.Positions()...)
			_, err = s.Add("cell", m, testMaterial)
			require.NoError(t, err)

			require.NoError(t, s.Step(0.1, nil))

			for i, f := range m.Forces() {
				assert.InDelta(t, 0, r3.Norm(f), 1e-12, "node %d", i)
			}
			assert.Equal(t, before, m.Positions())
			assert.Equal(t, 0.0, s.Energy().Total())
			assert.Equal(t, components.PositionUpdated, s.Phase(0))
			assert.Equal(t, 1, s.Membranes()[0].Diagnostics.Steps)
		})
	}
}

func TestAdvectedNodesFollowFluid(t *testing.T) {
	s, err := NewSystem(advected, nil)
	require.NoError(t, err)
	m := sphere(t, r3.Vec{}, 1)
	before := append([]r3.Vec(nil), m.Positions()...)
	_, err = s.Add("cell", m, testMaterial)
	require.NoError(t, err)

	u := r3.Vec{X: 0.01, Z: -0.02}
	fluid := [][]r3.Vec{make([]r3.Vec, m.NumNodes())}
	for i := range fluid[0] {
		fluid[0][i] = u
	}
	require.NoError(t, s.Step(2, fluid))

	for i, p := range m.Positions() {
		want := r3.Add(before[i], r3.Scale(2, u))
		assert.InDelta(t, want.X, p.X, 1e-15)
		assert.InDelta(t, want.Z, p.Z, 1e-15)
		assert.Equal(t, u, m.Velocity(i))
	}
}

func TestInertialDragTowardFluid(t *testing.T) {
	s, err := NewSystem(IntegratorConfig{Scheme: Inertial, MaxDisplacementFactor: 1}, nil)
	require.NoError(t, err)
	m := sphere(t, r3.Vec{}, 0)
	mat := components.Material{NodeMass: 2, Drag: 0.5}
	_, err = s.Add("cell", m, mat)
	require.NoError(t, err)

	u := r3.Vec{Y: 0.1}
	fluid := [][]r3.Vec{make([]r3.Vec, m.NumNodes())}
	for i := range fluid[0] {
		fluid[0][i] = u
	}
	require.NoError(t, s.Step(0.5, fluid))
	// v = dt * drag * u / mass
	assert.InDelta(t, 0.5*0.5*0.1/2, m.Velocity(3).Y, 1e-15)
}

func TestInertialFluidForcesBalanceMomentum(t *testing.T) {
	s, err := NewSystem(IntegratorConfig{Scheme: Inertial, MaxDisplacementFactor: 1}, nil)
	require.NoError(t, err)
	m := perturbed(t, 3, 0.02)
	mat := testMaterial
	mat.Drag = 0.5
	mat.BodyForce = r3.Vec{X: 1e-3}
	_, err = s.Add("cell", m, mat)
	require.NoError(t, err)

	// Zero before the first Integrate.
	for _, f := range s.FluidForces()[0] {
		assert.Equal(t, r3.Vec{}, f)
	}

	const dt = 0.5
	u := r3.Vec{Y: 0.02}
	fluid := [][]r3.Vec{make([]r3.Vec, m.NumNodes())}
	for i := range fluid[0] {
		fluid[0][i] = u
	}
	var external r3.Vec
	for step := 0; step < 4; step++ {
		old := append([]r3.Vec(nil), m.Velocities()...)
		require.NoError(t, s.Step(dt, fluid))

		// The fluid gets the opposite of the drag, not the force buffer.
		for i, c := range s.FluidForces()[0] {
			want := r3.Scale(dt*mat.Drag, r3.Sub(old[i], u))
			assert.InDelta(t, want.X, c.X, 1e-15)
			assert.InDelta(t, want.Y, c.Y, 1e-15)
			assert.InDelta(t, want.Z, c.Z, 1e-15)
		}
		x := s.LastExchange()
		assert.Less(t, x.Residual(), 1e-12)
		external = r3.Add(external, x.External)
	}

	// Elastic forces cancel; only the body force adds momentum.
	n := float64(m.NumNodes())
	assert.InDelta(t, 4*dt*n*1e-3, external.X, 1e-10)
	var fluidTotal r3.Vec
	for _, c := range s.FluidForces()[0] {
		fluidTotal = r3.Add(fluidTotal, c)
	}
	assert.InDelta(t, s.LastExchange().Fluid.X, fluidTotal.X, 1e-15)
	assert.Positive(t, s.Momentum().X)
	assert.Positive(t, s.Momentum().Y)
}

func TestAdvectedFluidForcesAreTheBuffers(t *testing.T) {
	s, err := NewSystem(advected, nil)
	require.NoError(t, err)
	m := perturbed(t, 4, 0.05)
	_, err = s.Add("cell", m, testMaterial)
	require.NoError(t, err)
	require.NoError(t, s.Step(1, nil))

	assert.Equal(t, m.Forces(), s.FluidForces()[0])
	x := s.LastExchange()
	assert.Equal(t, x.External, x.Fluid)
	assert.Equal(t, r3.Vec{}, x.MomentumChange)
	assert.Equal(t, r3.Vec{}, s.Momentum())
}

func TestDivergenceDetected(t *testing.T) {
	s, err := NewSystem(advected, nil)
	require.NoError(t, err)
	calm := sphere(t, r3.Vec{}, 1)
	wild := sphere(t, r3.Vec{X: 5}, 1)
	_, err = s.Add("calm", calm, testMaterial)
	require.NoError(t, err)
	_, err = s.Add("wild", wild, testMaterial)
	require.NoError(t, err)
	calmBefore := append([]r3.Vec(nil), calm.Positions()...)
	wildBefore := append([]r3.Vec(nil), wild.Positions()...)

	fluid := [][]r3.Vec{
		make([]r3.Vec, calm.NumNodes()),
		make([]r3.Vec, wild.NumNodes()),
	}
	for i := range fluid[0] {
		fluid[0][i] = r3.Vec{X: 0.01}
	}
	// One node would travel three local edge lengths.
	fluid[1][7] = r3.Vec{Z: 3 * wild.LocalEdgeLength(7)}

	require.NoError(t, s.ClearForces())
	require.NoError(t, s.ComputeInternalForces())
	err = s.Integrate(1, fluid)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDivergence))

	var dd *DivergenceDetected
	require.ErrorAs(t, err, &dd)
	assert.Equal(t, "wild", dd.Name)
	assert.Equal(t, 7, dd.Node)
	assert.Greater(t, dd.Displacement, dd.Limit)

	// Nothing moved, on either membrane.
	assert.Equal(t, calmBefore, calm.Positions())
	assert.Equal(t, wildBefore, wild.Positions())
	assert.Equal(t, r3.Vec{}, calm.Velocity(0))
	assert.Equal(t, components.ForcesAccumulated, s.Phase(0))
	assert.Equal(t, components.ForcesAccumulated, s.Phase(1))
}

func TestPhaseOrderEnforced(t *testing.T) {
	s, err := NewSystem(advected, nil)
	require.NoError(t, err)
	_, err = s.Add("cell", sphere(t, r3.Vec{}, 0), testMaterial)
	require.NoError(t, err)

	assert.ErrorIs(t, s.ComputeInternalForces(), ErrPhase)
	assert.ErrorIs(t, s.Integrate(1, nil), ErrPhase)
	require.NoError(t, s.ClearForces())
	assert.ErrorIs(t, s.ClearForces(), ErrPhase)
	assert.ErrorIs(t, s.Integrate(1, nil), ErrPhase)
	require.NoError(t, s.ComputeInternalForces())
	assert.Equal(t, components.ForcesAccumulated, s.Phase(0))
	require.NoError(t, s.Integrate(1, nil))
}

func TestIntegrateRejectsMismatchedFluid(t *testing.T) {
	s, err := NewSystem(advected, nil)
	require.NoError(t, err)
	m := sphere(t, r3.Vec{}, 0)
	_, err = s.Add("cell", m, testMaterial)
	require.NoError(t, err)
	require.NoError(t, s.ClearForces())
	require.NoError(t, s.ComputeInternalForces())

	assert.Error(t, s.Integrate(1, [][]r3.Vec{make([]r3.Vec, 3)}))
	assert.Error(t, s.Integrate(1, [][]r3.Vec{nil, nil}))
}

func TestDampedMembraneLosesEnergy(t *testing.T) {
	s, err := NewSystem(IntegratorConfig{Scheme: Inertial, MaxDisplacementFactor: 0.5}, nil)
	require.NoError(t, err)
	m := sphere(t, r3.Vec{}, 1)
	for i := range m.Positions() {
		m.SetPosition(i, r3.Scale(1.05, m.Position(i)))
	}
	mat := components.Material{Stretch: 1, Volume: 1, NodeMass: 1, Drag: 2, Damping: 1}
	_, err = s.Add("cell", m, mat)
	require.NoError(t, err)

	require.NoError(t, s.Step(0.05, nil))
	first := s.Energy().Total()
	for i := 0; i < 200; i++ {
		require.NoError(t, s.Step(0.05, nil))
	}
	assert.Less(t, s.Energy().Total(), 0.1*first)
	assert.Less(t, m.Volume(), 1.05*1.05*1.05*m.RestVolume())
}

func TestAddRemoveRestore(t *testing.T) {
	s, err := NewSystem(IntegratorConfig{Scheme: Inertial, MaxDisplacementFactor: 0.5}, nil)
	require.NoError(t, err)

	_, err = s.Add("massless", sphere(t, r3.Vec{}, 0), components.Material{})
	assert.Error(t, err, "inertial scheme needs node mass")

	a, err := s.Add("a", sphere(t, r3.Vec{}, 0), testMaterial)
	require.NoError(t, err)
	b, err := s.Add("b", sphere(t, r3.Vec{X: 3}, 0), testMaterial)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), a)
	assert.Equal(t, uint32(2), b)

	require.NoError(t, s.Step(1, nil))
	assert.Len(t, s.FluidForces(), 2)

	assert.True(t, s.Remove(a))
	assert.False(t, s.Remove(a))
	require.Equal(t, 1, s.Len())
	assert.Equal(t, "b", s.Membranes()[0].Name)
	assert.Len(t, s.FluidForces(), 1)

	assert.Error(t, s.Restore(Membrane{ID: b, Name: "dup", Mesh: sphere(t, r3.Vec{}, 0), Material: testMaterial}))
	require.NoError(t, s.Restore(Membrane{ID: 9, Name: "c", Mesh: sphere(t, r3.Vec{}, 0), Material: testMaterial}))
	next, err := s.Add("d", sphere(t, r3.Vec{}, 0), testMaterial)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), next)
	assert.Len(t, s.Meshes(), 3)
}

func TestRelaxToReducedVolume(t *testing.T) {
	m := sphere(t, r3.Vec{}, 1)
	rest := m.RestVolume()
	mat := components.Material{Stretch: 1, Bend: 0.05, AreaGlobal: 1}

	res, err := Relax(m, mat, RelaxSettings{
		VolumeRatio:       0.8,
		VolumeStiffness:   50,
		MaxIterations:     500,
		GradientThreshold: 1e-8,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.8*rest, res.Volume, 0.03*rest)
	assert.Equal(t, rest, m.RestVolume())
	assert.Greater(t, res.Iterations, 0)
}
