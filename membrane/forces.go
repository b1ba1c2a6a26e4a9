package membrane

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/lbcouple/components"
	"github.com/pthm-cable/lbcouple/mesh"
)

// The force laws below are pure functions of a position array. Each adds the
// force on every node into f (never overwriting) and returns its energy.

// Stretch applies E = ks/2 (L - L0)^2 on every edge.
func Stretch(pos []r3.Vec, edges []mesh.Edge, ks float64, f []r3.Vec) float64 {
	if ks == 0 {
		return 0
	}
	var energy float64
	for _, e := range edges {
		d := r3.Sub(pos[e.B], pos[e.A])
		l := r3.Norm(d)
		if l == 0 {
			continue
		}
		dl := l - e.Rest
		energy += 0.5 * ks * dl * dl
		fa := r3.Scale(ks*dl/l, d)
		f[e.A] = r3.Add(f[e.A], fa)
		f[e.B] = r3.Sub(f[e.B], fa)
	}
	return energy
}

// hingeGradient returns the dihedral angle of h and its gradient with
// respect to the four hinge nodes.
func hingeGradient(a, b, c, d r3.Vec) (theta float64, ga, gb, gc, gd r3.Vec) {
	e := r3.Sub(b, a)
	el := r3.Norm(e)
	eh := r3.Scale(1/el, e)
	n1 := mesh.TriangleNormal(a, b, c)
	n2 := mesh.TriangleNormal(b, a, d)
	m1 := r3.Scale(1/r3.Norm2(n1), n1)
	m2 := r3.Scale(1/r3.Norm2(n2), n2)

	theta = mesh.Dihedral(a, b, c, d)
	gc = r3.Scale(-el, m1)
	gd = r3.Scale(-el, m2)
	ga = r3.Add(
		r3.Scale(-r3.Dot(r3.Sub(c, b), eh), m1),
		r3.Scale(-r3.Dot(r3.Sub(d, b), eh), m2),
	)
	gb = r3.Add(
		r3.Scale(r3.Dot(r3.Sub(c, a), eh), m1),
		r3.Scale(r3.Dot(r3.Sub(d, a), eh), m2),
	)
	return theta, ga, gb, gc, gd
}

// Bend applies E = kb/2 (theta - theta0)^2 on every hinge.
func Bend(pos []r3.Vec, hinges []mesh.Hinge, kb float64, f []r3.Vec) float64 {
	if kb == 0 {
		return 0
	}
	var energy float64
	for _, h := range hinges {
		theta, ga, gb, gc, gd := hingeGradient(pos[h.A], pos[h.B], pos[h.C], pos[h.D])
		dt := math.Remainder(theta-h.Rest, 2*math.Pi)
		energy += 0.5 * kb * dt * dt
		s := -kb * dt
		f[h.A] = r3.Add(f[h.A], r3.Scale(s, ga))
		f[h.B] = r3.Add(f[h.B], r3.Scale(s, gb))
		f[h.C] = r3.Add(f[h.C], r3.Scale(s, gc))
		f[h.D] = r3.Add(f[h.D], r3.Scale(s, gd))
	}
	return energy
}

// VolumePenalty applies E = kv/2 (V - V0)^2 / V0 to a closed surface.
func VolumePenalty(pos []r3.Vec, faces []mesh.Face, kv, v0 float64, f []r3.Vec) float64 {
	if kv == 0 || v0 <= 0 {
		return 0
	}
	dv := mesh.SignedVolume(pos, faces) - v0
	s := -kv * dv / v0 / 6
	for _, fc := range faces {
		x0, x1, x2 := pos[fc.V[0]], pos[fc.V[1]], pos[fc.V[2]]
		f[fc.V[0]] = r3.Add(f[fc.V[0]], r3.Scale(s, r3.Cross(x1, x2)))
		f[fc.V[1]] = r3.Add(f[fc.V[1]], r3.Scale(s, r3.Cross(x2, x0)))
		f[fc.V[2]] = r3.Add(f[fc.V[2]], r3.Scale(s, r3.Cross(x0, x1)))
	}
	return 0.5 * kv * dv * dv / v0
}

// addAreaGradient adds s * dA/dx for one face.
func addAreaGradient(pos []r3.Vec, fc mesh.Face, s float64, f []r3.Vec) {
	x0, x1, x2 := pos[fc.V[0]], pos[fc.V[1]], pos[fc.V[2]]
	nrm := mesh.TriangleNormal(x0, x1, x2)
	l := r3.Norm(nrm)
	if l == 0 {
		return
	}
	nh := r3.Scale(0.5*s/l, nrm)
	f[fc.V[0]] = r3.Add(f[fc.V[0]], r3.Cross(nh, r3.Sub(x2, x1)))
	f[fc.V[1]] = r3.Add(f[fc.V[1]], r3.Cross(nh, r3.Sub(x0, x2)))
	f[fc.V[2]] = r3.Add(f[fc.V[2]], r3.Cross(nh, r3.Sub(x1, x0)))
}

// GlobalArea applies E = ka/2 (A - A0)^2 / A0 to the whole surface.
func GlobalArea(pos []r3.Vec, faces []mesh.Face, ka, a0 float64, f []r3.Vec) float64 {
	if ka == 0 || a0 <= 0 {
		return 0
	}
	da := mesh.SurfaceArea(pos, faces) - a0
	s := -ka * da / a0
	for _, fc := range faces {
		addAreaGradient(pos, fc, s, f)
	}
	return 0.5 * ka * da * da / a0
}

// LocalArea applies E = kal/2 (A_f - A_f0)^2 / A_f0 on every face.
func LocalArea(pos []r3.Vec, faces []mesh.Face, kal float64, f []r3.Vec) float64 {
	if kal == 0 {
		return 0
	}
	var energy float64
	for _, fc := range faces {
		a := 0.5 * r3.Norm(mesh.TriangleNormal(pos[fc.V[0]], pos[fc.V[1]], pos[fc.V[2]]))
		da := a - fc.RestArea
		energy += 0.5 * kal * da * da / fc.RestArea
		addAreaGradient(pos, fc, -kal*da/fc.RestArea, f)
	}
	return energy
}

// elastic applies every conservative law of mat at pos.
func elastic(m *mesh.Mesh, mat components.Material, pos, f []r3.Vec) components.Energy {
	e := components.Energy{
		Stretch:    Stretch(pos, m.Edges(), mat.Stretch, f),
		Bend:       Bend(pos, m.Hinges(), mat.Bend, f),
		AreaGlobal: GlobalArea(pos, m.Faces(), mat.AreaGlobal, m.RestArea(), f),
		AreaLocal:  LocalArea(pos, m.Faces(), mat.AreaLocal, f),
	}
	if m.Closed() {
		e.Volume = VolumePenalty(pos, m.Faces(), mat.Volume, m.RestVolume(), f)
	}
	return e
}

// internalForces accumulates every law of mat into the mesh force buffer,
// including node damping and the constant body force.
func internalForces(m *mesh.Mesh, mat components.Material) components.Energy {
	f := m.Forces()
	e := elastic(m, mat, m.Positions(), f)
	vel := m.Velocities()
	for i := range f {
		if mat.Damping != 0 {
			f[i] = r3.Sub(f[i], r3.Scale(mat.Damping, vel[i]))
		}
		f[i] = r3.Add(f[i], mat.BodyForce)
	}
	return e
}
