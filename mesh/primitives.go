package mesh

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Evans-Fung red blood cell thickness coefficients.
const (
	rbcC0 = 0.2072
	rbcC1 = 2.0026
	rbcC2 = -1.1228
)

// unitIcosphere returns a subdivided icosahedron projected onto the unit
// sphere with outward counter-clockwise faces.
func unitIcosphere(subdivisions int) ([]r3.Vec, [][3]int) {
	t := (1 + math.Sqrt(5)) / 2
	verts := []r3.Vec{
		{X: -1, Y: t}, {X: 1, Y: t}, {X: -1, Y: -t}, {X: 1, Y: -t},
		{Y: -1, Z: t}, {Y: 1, Z: t}, {Y: -1, Z: -t}, {Y: 1, Z: -t},
		{X: t, Z: -1}, {X: t, Z: 1}, {X: -t, Z: -1}, {X: -t, Z: 1},
	}
	for i := range verts {
		verts[i] = r3.Unit(verts[i])
	}
	faces := [][3]int{
		{0, 11, 5}, {0, 5, 1}, {0, 1, 7}, {0, 7, 10}, {0, 10, 11},
		{1, 5, 9}, {5, 11, 4}, {11, 10, 2}, {10, 7, 6}, {7, 1, 8},
		{3, 9, 4}, {3, 4, 2}, {3, 2, 6}, {3, 6, 8}, {3, 8, 9},
		{4, 9, 5}, {2, 4, 11}, {6, 2, 10}, {8, 6, 7}, {9, 8, 1},
	}

	for s := 0; s < subdivisions; s++ {
		midpoints := make(map[[2]int]int)
		midpoint := func(a, b int) int {
			key := [2]int{min(a, b), max(a, b)}
			if m, ok := midpoints[key]; ok {
				return m
			}
			verts = append(verts, r3.Unit(r3.Scale(0.5, r3.Add(verts[a], verts[b]))))
			midpoints[key] = len(verts) - 1
			return len(verts) - 1
		}
		next := make([][3]int, 0, 4*len(faces))
		for _, f := range faces {
			ab := midpoint(f[0], f[1])
			bc := midpoint(f[1], f[2])
			ca := midpoint(f[2], f[0])
			next = append(next,
				[3]int{f[0], ab, ca},
				[3]int{f[1], bc, ab},
				[3]int{f[2], ca, bc},
				[3]int{ab, bc, ca},
			)
		}
		faces = next
	}
	return verts, faces
}

func mapped(center r3.Vec, subdivisions int, f func(p r3.Vec) r3.Vec) (*Mesh, error) {
	if subdivisions < 0 {
		return nil, loadError(fmt.Sprintf("negative subdivision level %d", subdivisions))
	}
	verts, faces := unitIcosphere(subdivisions)
	for i, p := range verts {
		verts[i] = r3.Add(center, f(p))
	}
	return New(verts, faces, Options{RequireClosed: true})
}

// Icosphere returns a closed sphere with 10*4^subdivisions+2 nodes.
func Icosphere(center r3.Vec, radius float64, subdivisions int) (*Mesh, error) {
	if radius <= 0 {
		return nil, loadError("sphere radius must be positive")
	}
	return mapped(center, subdivisions, func(p r3.Vec) r3.Vec {
		return r3.Scale(radius, p)
	})
}

// Ellipsoid scales a unit icosphere by the per-axis radii.
func Ellipsoid(center, radii r3.Vec, subdivisions int) (*Mesh, error) {
	if radii.X <= 0 || radii.Y <= 0 || radii.Z <= 0 {
		return nil, loadError("ellipsoid radii must be positive")
	}
	return mapped(center, subdivisions, func(p r3.Vec) r3.Vec {
		return r3.Vec{X: radii.X * p.X, Y: radii.Y * p.Y, Z: radii.Z * p.Z}
	})
}

// Capsule returns a z-aligned capsule: hemispherical caps of radius joined
// by a cylinder of the given length.
func Capsule(center r3.Vec, radius, length float64, subdivisions int) (*Mesh, error) {
	if radius <= 0 || length < 0 {
		return nil, loadError("capsule needs positive radius and non-negative length")
	}
	return mapped(center, subdivisions, func(p r3.Vec) r3.Vec {
		z := radius * p.Z
		switch {
		case p.Z > 0:
			z += length / 2
		case p.Z < 0:
			z -= length / 2
		}
		return r3.Vec{X: radius * p.X, Y: radius * p.Y, Z: z}
	})
}

// Biconcave returns a red blood cell shape of the given rim radius with its
// symmetry axis along z.
func Biconcave(center r3.Vec, radius float64, subdivisions int) (*Mesh, error) {
	if radius <= 0 {
		return nil, loadError("biconcave radius must be positive")
	}
	return mapped(center, subdivisions, func(p r3.Vec) r3.Vec {
		rho2 := math.Min(p.X*p.X+p.Y*p.Y, 1)
		h := 0.5 * radius * math.Sqrt(1-rho2) * (rbcC0 + rbcC1*rho2 + rbcC2*rho2*rho2)
		if p.Z < 0 {
			h = -h
		} else if p.Z == 0 {
			h = 0
		}
		return r3.Vec{X: radius * p.X, Y: radius * p.Y, Z: h}
	})
}

// Primitive names a parametric shape. It is the YAML form used by membrane
// descriptions and the simulation config.
type Primitive struct {
	Kind         string  `yaml:"kind"` // icosphere, ellipsoid, capsule, biconcave
	Center       r3.Vec  `yaml:"center"`
	Radius       float64 `yaml:"radius"`
	Radii        r3.Vec  `yaml:"radii"`
	Length       float64 `yaml:"length"`
	Subdivisions int     `yaml:"subdivisions"`
}

// Build generates the mesh.
func (p Primitive) Build() (*Mesh, error) {
	switch p.Kind {
	case "icosphere", "sphere":
		return Icosphere(p.Center, p.Radius, p.Subdivisions)
	case "ellipsoid":
		return Ellipsoid(p.Center, p.Radii, p.Subdivisions)
	case "capsule":
		return Capsule(p.Center, p.Radius, p.Length, p.Subdivisions)
	case "biconcave", "rbc":
		return Biconcave(p.Center, p.Radius, p.Subdivisions)
	default:
		return nil, loadError(fmt.Sprintf("unknown primitive %q", p.Kind))
	}
}
