// Package mesh holds the static topology and rest geometry of a triangulated
// membrane surface. Nodes live in a contiguous arena and every connectivity
// record refers to them by index; topology never changes after New.
package mesh

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrMeshLoad is matched by every *MeshLoadError.
var ErrMeshLoad = errors.New("mesh: malformed membrane mesh")

// MeshLoadError reports malformed connectivity or an unreadable description.
// Face and Node are -1 when they do not apply.
type MeshLoadError struct {
	Reason string
	Face   int
	Node   int
	Edge   [2]int
	Err    error
}

func (e *MeshLoadError) Error() string {
	msg := "mesh: " + e.Reason
	if e.Face >= 0 {
		msg += fmt.Sprintf(" (face %d)", e.Face)
	}
	if e.Node >= 0 {
		msg += fmt.Sprintf(" (node %d)", e.Node)
	}
	if e.Edge != [2]int{} {
		msg += fmt.Sprintf(" (edge %d-%d)", e.Edge[0], e.Edge[1])
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is makes errors.Is(err, ErrMeshLoad) hold.
func (e *MeshLoadError) Is(target error) bool { return target == ErrMeshLoad }

func (e *MeshLoadError) Unwrap() error { return e.Err }

func loadError(reason string) *MeshLoadError {
	return &MeshLoadError{Reason: reason, Face: -1, Node: -1}
}

// Edge joins nodes A and B. Rest is the undeformed length.
type Edge struct {
	A, B int
	Rest float64
}

// Face is a counter-clockwise triangle seen from outside.
type Face struct {
	V          [3]int
	RestArea   float64
	RestNormal r3.Vec // Unit
}

// Hinge is the pair of faces sharing edge A-B. The first face runs A->B->C,
// the second B->A->D. Rest is the undeformed dihedral angle.
type Hinge struct {
	A, B, C, D int
	Rest       float64
}

// Options control validation in New.
type Options struct {
	// RequireClosed rejects meshes with boundary edges.
	RequireClosed bool
}

// Mesh is a membrane surface with per-node kinematic and force state.
type Mesh struct {
	pos   []r3.Vec
	vel   []r3.Vec
	force []r3.Vec
	rest  []r3.Vec

	edges  []Edge
	faces  []Face
	hinges []Hinge

	localLen   []float64
	restVolume float64
	restArea   float64
	closed     bool
}

type edgeUse struct {
	a, b  int // Direction of first traversal
	faces []int
	third []int // Opposite vertex per face
	fwd   []bool
}

// New validates the connectivity and derives the rest state from positions.
// A closed mesh wound inward is flipped so that face normals point out.
func New(positions []r3.Vec, faces [][3]int, opts Options) (*Mesh, error) {
	if len(positions) == 0 {
		return nil, loadError("empty node set")
	}
	if len(faces) == 0 {
		return nil, loadError("no faces")
	}
	for i, p := range positions {
		if math.IsNaN(p.X+p.Y+p.Z) || math.IsInf(p.X+p.Y+p.Z, 0) {
			e := loadError("non-finite node position")
			e.Node = i
			return nil, e
		}
	}
	tris := make([][3]int, len(faces))
	copy(tris, faces)

	m, err := build(positions, tris, opts)
	if err != nil {
		return nil, err
	}
	if m.closed && m.restVolume < 0 {
		for i := range tris {
			tris[i][1], tris[i][2] = tris[i][2], tris[i][1]
		}
		return build(positions, tris, opts)
	}
	return m, nil
}

func build(positions []r3.Vec, tris [][3]int, opts Options) (*Mesh, error) {
	n := len(positions)
	var scale float64
	for fi, f := range tris {
		for _, v := range f {
			if v < 0 || v >= n {
				e := loadError("face index out of range")
				e.Face, e.Node = fi, v
				return nil, e
			}
		}
		if f[0] == f[1] || f[1] == f[2] || f[0] == f[2] {
			e := loadError("degenerate face: repeated node")
			e.Face = fi
			return nil, e
		}
		for k := 0; k < 3; k++ {
			scale = math.Max(scale, r3.Norm2(r3.Sub(positions[f[(k+1)%3]], positions[f[k]])))
		}
	}

	uses := make(map[[2]int]*edgeUse)
	var order [][2]int
	for fi, f := range tris {
		for k := 0; k < 3; k++ {
			a, b, c := f[k], f[(k+1)%3], f[(k+2)%3]
			key := [2]int{min(a, b), max(a, b)}
			u, ok := uses[key]
			if !ok {
				u = &edgeUse{a: a, b: b}
				uses[key] = u
				order = append(order, key)
			}
			u.faces = append(u.faces, fi)
			u.third = append(u.third, c)
			u.fwd = append(u.fwd, a == u.a)
		}
	}

	m := &Mesh{
		pos:   make([]r3.Vec, n),
		vel:   make([]r3.Vec, n),
		force: make([]r3.Vec, n),
		rest:  make([]r3.Vec, n),
		faces: make([]Face, len(tris)),
	}
	copy(m.pos, positions)
	copy(m.rest, positions)

	for fi, f := range tris {
		nrm := TriangleNormal(positions[f[0]], positions[f[1]], positions[f[2]])
		area := 0.5 * r3.Norm(nrm)
		if area <= 1e-12*scale {
			e := loadError("degenerate face: zero area")
			e.Face = fi
			return nil, e
		}
		m.faces[fi] = Face{V: f, RestArea: area, RestNormal: r3.Scale(1/(2*area), nrm)}
		m.restArea += area
	}

	m.closed = true
	for _, key := range order {
		u := uses[key]
		switch {
		case len(u.faces) > 2:
			e := loadError("edge shared by more than two faces")
			e.Face, e.Edge = u.faces[2], key
			return nil, e
		case len(u.faces) == 2 && u.fwd[0] == u.fwd[1]:
			e := loadError("inconsistent face orientation")
			e.Face, e.Edge = u.faces[1], key
			return nil, e
		case len(u.faces) == 1:
			m.closed = false
			if opts.RequireClosed {
				e := loadError("open boundary edge in closed membrane")
				e.Face, e.Edge = u.faces[0], key
				return nil, e
			}
		}
		m.edges = append(m.edges, Edge{
			A:    u.a,
			B:    u.b,
			Rest: r3.Norm(r3.Sub(positions[u.b], positions[u.a])),
		})
		if len(u.faces) == 2 {
			h := Hinge{A: u.a, B: u.b, C: u.third[0], D: u.third[1]}
			h.Rest = Dihedral(positions[h.A], positions[h.B], positions[h.C], positions[h.D])
			m.hinges = append(m.hinges, h)
		}
	}

	if m.closed {
		if v := pinchedNode(n, tris, uses); v >= 0 {
			m.closed = false
			if opts.RequireClosed {
				e := loadError("non-manifold node joins separate face fans")
				e.Node = v
				return nil, e
			}
		}
	}

	m.localLen = make([]float64, n)
	count := make([]int, n)
	for _, e := range m.edges {
		m.localLen[e.A] += e.Rest
		m.localLen[e.B] += e.Rest
		count[e.A]++
		count[e.B]++
	}
	for i := range m.localLen {
		if count[i] == 0 {
			e := loadError("node not referenced by any face")
			e.Node = i
			return nil, e
		}
		m.localLen[i] /= float64(count[i])
	}

	m.restVolume = m.Volume()
	return m, nil
}

// pinchedNode returns the first node whose incident faces do not form a single
// fan connected through edges at that node, or -1.
func pinchedNode(n int, tris [][3]int, uses map[[2]int]*edgeUse) int {
	incident := make([][]int, n)
	for fi, f := range tris {
		for _, v := range f {
			incident[v] = append(incident[v], fi)
		}
	}
	seen := make(map[int]bool)
	var stack []int
	for v, faces := range incident {
		if len(faces) == 0 {
			continue
		}
		clear(seen)
		seen[faces[0]] = true
		stack = append(stack[:0], faces[0])
		for len(stack) > 0 {
			fi := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, w := range tris[fi] {
				if w == v {
					continue
				}
				for _, g := range uses[[2]int{min(v, w), max(v, w)}].faces {
					if !seen[g] {
						seen[g] = true
						stack = append(stack, g)
					}
				}
			}
		}
		if len(seen) != len(faces) {
			return v
		}
	}
	return -1
}

// NumNodes returns the arena size.
func (m *Mesh) NumNodes() int { return len(m.pos) }

// Closed reports whether every edge borders exactly two faces and every node
// sits on a single fan of faces.
func (m *Mesh) Closed() bool { return m.closed }

func (m *Mesh) Position(i int) r3.Vec { return m.pos[i] }
func (m *Mesh) SetPosition(i int, p r3.Vec) { m.pos[i] = p }
func (m *Mesh) Velocity(i int) r3.Vec { return m.vel[i] }
func (m *Mesh) SetVelocity(i int, v r3.Vec) { m.vel[i] = v }
func (m *Mesh) Force(i int) r3.Vec { return m.force[i] }
func (m *Mesh) SetForce(i int, f r3.Vec) { m.force[i] = f }
func (m *Mesh) AddForce(i int, f r3.Vec) { m.force[i] = r3.Add(m.force[i], f) }
func (m *Mesh) LocalEdgeLength(i int) float64 { return m.localLen[i] }

// Positions, Velocities and Forces expose the live node arrays. Callers may
// write elements but must not resize them.
func (m *Mesh) Positions() []r3.Vec { return m.pos }
func (m *Mesh) Velocities() []r3.Vec { return m.vel }
func (m *Mesh) Forces() []r3.Vec { return m.force }

// Edges, Faces and Hinges are read-only views of the connectivity.
func (m *Mesh) Edges() []Edge { return m.edges }
func (m *Mesh) Faces() []Face { return m.faces }
func (m *Mesh) Hinges() []Hinge { return m.hinges }

// FaceIndices returns a copy of the face connectivity in construction order.
func (m *Mesh) FaceIndices() [][3]int {
	out := make([][3]int, len(m.faces))
	for i, f := range m.faces {
		out[i] = f.V
	}
	return out
}

// RestPositions returns a copy of the reference configuration.
func (m *Mesh) RestPositions() []r3.Vec {
	out := make([]r3.Vec, len(m.rest))
	copy(out, m.rest)
	return out
}

// RestVolume and RestArea are fixed at construction.
func (m *Mesh) RestVolume() float64 { return m.restVolume }
func (m *Mesh) RestArea() float64 { return m.restArea }

// ClearForces zeroes every node force buffer.
func (m *Mesh) ClearForces() {
	for i := range m.force {
		m.force[i] = r3.Vec{}
	}
}

// Clone returns a deep copy sharing no state with m.
func (m *Mesh) Clone() *Mesh {
	c := *m
	c.pos = append([]r3.Vec(nil), m.pos...)
	c.vel = append([]r3.Vec(nil), m.vel...)
	c.force = append([]r3.Vec(nil), m.force...)
	c.rest = append([]r3.Vec(nil), m.rest...)
	c.edges = append([]Edge(nil), m.edges...)
	c.faces = append([]Face(nil), m.faces...)
	c.hinges = append([]Hinge(nil), m.hinges...)
	c.localLen = append([]float64(nil), m.localLen...)
	return &c
}
