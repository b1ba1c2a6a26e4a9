package mesh

import (
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func tetra() ([]r3.Vec, [][3]int) {
	pos := []r3.Vec{{}, {X: 1}, {Y: 1}, {Z: 1}}
	faces := [][3]int{{0, 2, 1}, {0, 1, 3}, {0, 3, 2}, {1, 2, 3}}
	return pos, faces
}

func TestTetrahedronRestState(t *testing.T) {
	pos, faces := tetra()
	m, err := New(pos, faces, Options{RequireClosed: true})
	require.NoError(t, err)

	assert.True(t, m.Closed())
	assert.Equal(t, 4, m.NumNodes())
	assert.Len(t, m.Edges(), 6)
	assert.Len(t, m.Hinges(), 6)
	assert.InDelta(t, 1.0/6, m.RestVolume(), 1e-15)
	assert.InDelta(t, 1.5+math.Sqrt(3)/2, m.RestArea(), 1e-12)
	for _, h := range m.Hinges() {
		assert.Greater(t, h.Rest, 0.0, "convex hinge %d-%d", h.A, h.B)
	}
	// Node 0 touches three unit edges.
	assert.InDelta(t, 1.0, m.LocalEdgeLength(0), 1e-15)
}

func TestNewFlipsInwardWinding(t *testing.T) {
	pos, faces := tetra()
	for i := range faces {
		faces[i][1], faces[i][2] = faces[i][2], faces[i][1]
	}
	m, err := New(pos, faces, Options{RequireClosed: true})
	require.NoError(t, err)
	assert.InDelta(t, 1.0/6, m.RestVolume(), 1e-15)
}

// bowtie returns two tetrahedra that share node 0 and nothing else.
func bowtie() ([]r3.Vec, [][3]int) {
	pos, faces := tetra()
	for _, p := range pos[1:] {
		pos = append(pos, r3.Scale(-1, p))
	}
	for _, f := range faces[:4] {
		var g [3]int
		for k, v := range f {
			if v != 0 {
				v += 3
			}
			g[k] = v
		}
		// Mirroring reverses handedness; swap to keep the second solid outward.
		g[1], g[2] = g[2], g[1]
		faces = append(faces, g)
	}
	return pos, faces
}

func TestNewRejectsMalformed(t *testing.T) {
	pos, faces := tetra()
	flipped := append([][3]int(nil), faces...)
	flipped[3] = [3]int{1, 3, 2}
	bowPos, bowFaces := bowtie()

	tests := []struct {
		name   string
		pos    []r3.Vec
		faces  [][3]int
		closed bool
		reason string
	}{
		{"empty node set", nil, faces, false, "empty node set"},
		{"index out of range", pos, [][3]int{{0, 1, 7}}, false, "out of range"},
		{"repeated node", pos, [][3]int{{0, 1, 1}}, false, "repeated node"},
		{"zero area", []r3.Vec{{}, {X: 1}, {X: 2}}, [][3]int{{0, 1, 2}}, false, "zero area"},
		{"non-manifold edge", append(append([]r3.Vec(nil), pos...), r3.Vec{X: 1, Y: 1, Z: 1}),
			append(append([][3]int(nil), faces...), [3]int{0, 2, 4}), false, "more than two faces"},
		{"inconsistent orientation", pos, flipped, false, "inconsistent"},
		{"open when closed required", pos, faces[:3], true, "open boundary"},
		{"unreferenced node", append(append([]r3.Vec(nil), pos...), r3.Vec{X: 5}), faces, false, "not referenced"},
		{"pinched node", bowPos, bowFaces, true, "non-manifold node"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.pos, tt.faces, Options{RequireClosed: tt.closed})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMeshLoad))
			var le *MeshLoadError
			require.ErrorAs(t, err, &le)
			assert.Contains(t, le.Reason, tt.reason)
		})
	}
}

func TestPinchedMeshIsNotClosed(t *testing.T) {
	pos, faces := bowtie()
	m, err := New(pos, faces, Options{})
	require.NoError(t, err)
	assert.False(t, m.Closed())
	assert.Len(t, m.Edges(), 12)
}

func TestOpenMeshAllowedByDefault(t *testing.T) {
	pos, faces := tetra()
	m, err := New(pos, faces[:3], Options{})
	require.NoError(t, err)
	assert.False(t, m.Closed())
	assert.Len(t, m.Hinges(), 3)
}

func TestIcosphere(t *testing.T) {
	for s := 0; s <= 3; s++ {
		m, err := Icosphere(r3.Vec{X: 5, Y: 5, Z: 5}, 2, s)
		require.NoError(t, err)

		p := 1 << (2 * s)
		assert.Equal(t, 10*p+2, m.NumNodes(), "subdivision %d", s)
		assert.Len(t, m.Faces(), 20*p)
		assert.Len(t, m.Edges(), 30*p)
		assert.Equal(t, 2, m.NumNodes()-len(m.Edges())+len(m.Faces()), "Euler characteristic")

		exact := 4.0 / 3 * math.Pi * 8
		assert.Less(t, m.RestVolume(), exact)
		assert.Greater(t, m.RestVolume(), 0.55*exact)
		c := m.Centroid()
		assert.InDelta(t, 5, c.X, 1e-12)
		assert.InDelta(t, 5, c.Z, 1e-12)
	}
}

func TestPrimitives(t *testing.T) {
	tests := []Primitive{
		{Kind: "icosphere", Radius: 3, Subdivisions: 2},
		{Kind: "ellipsoid", Radii: r3.Vec{X: 3, Y: 2, Z: 1}, Subdivisions: 2},
		{Kind: "capsule", Radius: 2, Length: 4, Subdivisions: 2},
		{Kind: "biconcave", Radius: 4, Subdivisions: 3},
	}
	for _, p := range tests {
		t.Run(p.Kind, func(t *testing.T) {
			m, err := p.Build()
			require.NoError(t, err)
			assert.True(t, m.Closed())
			assert.Greater(t, m.RestVolume(), 0.0)
			assert.InDelta(t, m.RestVolume(), m.Volume(), 1e-12)
			assert.InDelta(t, m.RestArea(), m.Area(), 1e-12)
		})
	}

	_, err := Primitive{Kind: "torus"}.Build()
	assert.ErrorIs(t, err, ErrMeshLoad)
}

func TestBiconcaveIsThinnerAtCenter(t *testing.T) {
	m, err := Biconcave(r3.Vec{}, 4, 3)
	require.NoError(t, err)
	lo, hi := m.Bounds()
	assert.InDelta(t, 4, hi.X, 1e-9)
	assert.InDelta(t, -4, lo.X, 1e-9)
	// Dimple: the poles sit well below the rim maximum.
	var pole float64
	for _, p := range m.Positions() {
		if math.Hypot(p.X, p.Y) < 1e-9 {
			pole = math.Max(pole, p.Z)
		}
	}
	assert.Less(t, pole, 0.6*hi.Z)
}

func TestDihedral(t *testing.T) {
	a, b := r3.Vec{}, r3.Vec{X: 1}
	c := r3.Vec{X: 0.5, Y: 1}
	assert.InDelta(t, 0, Dihedral(a, b, c, r3.Vec{X: 0.5, Y: -1}), 1e-15)
	assert.Greater(t, Dihedral(a, b, c, r3.Vec{X: 0.5, Y: -1, Z: -0.3}), 0.0)
	assert.Less(t, Dihedral(a, b, c, r3.Vec{X: 0.5, Y: -1, Z: 0.3}), 0.0)
}

const tetraYAML = `
closed: true
nodes:
  - [0, 0, 0]
  - [1, 0, 0]
  - [0, 1, 0]
  - [0, 0, 1]
faces:
  - [0, 2, 1]
  - [0, 1, 3]
  - [0, 3, 2]
  - [1, 2, 3]
material:
  stretch: 1
`

func TestLoad(t *testing.T) {
	m, err := Load(strings.NewReader(tetraYAML), Options{})
	require.NoError(t, err)
	assert.Equal(t, 4, m.NumNodes())
	assert.True(t, m.Closed())

	_, err = Load(strings.NewReader("nodes: {bad"), Options{})
	assert.ErrorIs(t, err, ErrMeshLoad)

	_, err = Load(strings.NewReader("primitive: {kind: icosphere, radius: 1}\nnodes: [[0,0,0]]"), Options{})
	assert.ErrorIs(t, err, ErrMeshLoad)
}

func TestWriteFileRoundTrip(t *testing.T) {
	m, err := Icosphere(r3.Vec{X: 1}, 1.5, 1)
	require.NoError(t, err)
	m.SetPosition(3, r3.Add(m.Position(3), r3.Vec{Z: 0.01}))

	path := filepath.Join(t.TempDir(), "sphere.yaml")
	require.NoError(t, m.WriteFile(path))
	got, err := LoadFile(path, Options{RequireClosed: true})
	require.NoError(t, err)

	assert.Equal(t, m.FaceIndices(), got.FaceIndices())
	assert.Equal(t, m.Positions(), got.Positions())
}

func TestCloneIsIndependent(t *testing.T) {
	m, err := Icosphere(r3.Vec{}, 1, 0)
	require.NoError(t, err)
	c := m.Clone()
	c.SetPosition(0, r3.Vec{X: 9})
	c.AddForce(1, r3.Vec{Y: 1})
	assert.NotEqual(t, c.Position(0), m.Position(0))
	assert.Equal(t, r3.Vec{}, m.Force(1))
}
