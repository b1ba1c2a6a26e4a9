package mesh

import (
	"fmt"
	"io"
	"os"

	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"
)

// Description is the YAML form of a membrane surface: either an explicit
// node list with faces, or a parametric primitive. Unknown keys such as a
// material block are ignored here.
type Description struct {
	Closed    bool         `yaml:"closed"`
	Primitive *Primitive   `yaml:"primitive,omitempty"`
	Nodes     [][3]float64 `yaml:"nodes,omitempty,flow"`
	Faces     [][3]int     `yaml:"faces,omitempty,flow"`
}

// Build validates the description and constructs the mesh.
func (d Description) Build(opts Options) (*Mesh, error) {
	if d.Primitive != nil {
		if len(d.Nodes) > 0 || len(d.Faces) > 0 {
			return nil, loadError("description has both a primitive and explicit nodes")
		}
		return d.Primitive.Build()
	}
	pos := make([]r3.Vec, len(d.Nodes))
	for i, n := range d.Nodes {
		pos[i] = r3.Vec{X: n[0], Y: n[1], Z: n[2]}
	}
	opts.RequireClosed = opts.RequireClosed || d.Closed
	return New(pos, d.Faces, opts)
}

// Load decodes a YAML description from r.
func Load(r io.Reader, opts Options) (*Mesh, error) {
	var d Description
	if err := yaml.NewDecoder(r).Decode(&d); err != nil {
		e := loadError("decoding description")
		e.Err = err
		return nil, e
	}
	return d.Build(opts)
}

// LoadFile reads a YAML description from path.
func LoadFile(path string, opts Options) (*Mesh, error) {
	f, err := os.Open(path)
	if err != nil {
		e := loadError("opening " + path)
		e.Err = err
		return nil, e
	}
	defer f.Close()
	return Load(f, opts)
}

// Description returns the explicit form of the current positions.
func (m *Mesh) Description() Description {
	d := Description{
		Closed: m.closed,
		Nodes:  make([][3]float64, len(m.pos)),
		Faces:  m.FaceIndices(),
	}
	for i, p := range m.pos {
		d.Nodes[i] = [3]float64{p.X, p.Y, p.Z}
	}
	return d
}

// WriteFile writes the current positions as a YAML description.
func (m *Mesh) WriteFile(path string) error {
	data, err := yaml.Marshal(m.Description())
	if err != nil {
		return fmt.Errorf("marshaling mesh: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing mesh file: %w", err)
	}
	return nil
}
