package mesh

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// TriangleNormal returns (b-a)x(c-a), twice the area along the unit normal.
func TriangleNormal(a, b, c r3.Vec) r3.Vec {
	return r3.Cross(r3.Sub(b, a), r3.Sub(c, a))
}

// Dihedral returns the signed angle between the faces (a, b, c) and (b, a, d)
// about the shared edge a->b. It is zero for coplanar faces and positive when
// the surface bends away from its outward normal, as on a convex body.
func Dihedral(a, b, c, d r3.Vec) float64 {
	n1 := TriangleNormal(a, b, c)
	n2 := TriangleNormal(b, a, d)
	e := r3.Unit(r3.Sub(b, a))
	u1, u2 := r3.Unit(n1), r3.Unit(n2)
	return math.Atan2(r3.Dot(r3.Cross(u1, u2), e), r3.Dot(u1, u2))
}

// SignedVolume sums the tetrahedra spanned by the origin and each face. It is
// the enclosed volume for a closed outward-wound surface.
func SignedVolume(pos []r3.Vec, faces []Face) float64 {
	var v float64
	for _, f := range faces {
		v += r3.Dot(pos[f.V[0]], r3.Cross(pos[f.V[1]], pos[f.V[2]]))
	}
	return v / 6
}

// SurfaceArea sums the face areas of pos.
func SurfaceArea(pos []r3.Vec, faces []Face) float64 {
	var a float64
	for _, f := range faces {
		a += 0.5 * r3.Norm(TriangleNormal(pos[f.V[0]], pos[f.V[1]], pos[f.V[2]]))
	}
	return a
}

// Volume returns the current enclosed volume.
func (m *Mesh) Volume() float64 { return SignedVolume(m.pos, m.faces) }

// Area returns the current surface area.
func (m *Mesh) Area() float64 { return SurfaceArea(m.pos, m.faces) }

// Centroid returns the mean node position.
func (m *Mesh) Centroid() r3.Vec {
	var c r3.Vec
	for _, p := range m.pos {
		c = r3.Add(c, p)
	}
	return r3.Scale(1/float64(len(m.pos)), c)
}

// Bounds returns the axis-aligned bounding box of the current positions.
func (m *Mesh) Bounds() (lo, hi r3.Vec) {
	lo, hi = m.pos[0], m.pos[0]
	for _, p := range m.pos[1:] {
		lo = r3.Vec{X: math.Min(lo.X, p.X), Y: math.Min(lo.Y, p.Y), Z: math.Min(lo.Z, p.Z)}
		hi = r3.Vec{X: math.Max(hi.X, p.X), Y: math.Max(hi.Y, p.Y), Z: math.Max(hi.Z, p.Z)}
	}
	return lo, hi
}
