// Package checkpoint persists and restores membrane state at step
// boundaries. A checkpoint is a directory holding manifest.yaml (run
// metadata, connectivity and material per membrane) and one node CSV per
// membrane. Node order and face indices round-trip exactly.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"

	"github.com/pthm-cable/lbcouple/components"
	"github.com/pthm-cable/lbcouple/membrane"
	"github.com/pthm-cable/lbcouple/mesh"
)

// FormatVersion is incremented when the layout changes.
const FormatVersion = 1

// ManifestName is the file written last; a directory without it is not a
// checkpoint.
const ManifestName = "manifest.yaml"

// ErrCorrupt is wrapped by every error about an unreadable checkpoint.
var ErrCorrupt = errors.New("checkpoint: corrupt")

// Manifest is the YAML index of a checkpoint directory.
type Manifest struct {
	Version   int             `yaml:"version"`
	RunID     string          `yaml:"run_id"`
	Step      int             `yaml:"step"`
	Time      float64         `yaml:"time"`
	Created   time.Time       `yaml:"created"`
	Kernel    string          `yaml:"kernel"`
	Scheme    string          `yaml:"scheme"`
	Membranes []MembraneEntry `yaml:"membranes"`
}

// MembraneEntry describes one membrane; its nodes live in NodeFile.
type MembraneEntry struct {
	ID       uint32              `yaml:"id"`
	Name     string              `yaml:"name"`
	Closed   bool                `yaml:"closed"`
	Nodes    int                 `yaml:"nodes"`
	Steps    int                 `yaml:"steps"`
	NodeFile string              `yaml:"node_file"`
	Material components.Material `yaml:"material"`
	Faces    [][3]int            `yaml:"faces,flow"`
}

// NodeRecord is one CSV row.
type NodeRecord struct {
	Index int     `csv:"index"`
	X     float64 `csv:"x"`
	Y     float64 `csv:"y"`
	Z     float64 `csv:"z"`
	VX    float64 `csv:"vx"`
	VY    float64 `csv:"vy"`
	VZ    float64 `csv:"vz"`
	FX    float64 `csv:"fx"`
	FY    float64 `csv:"fy"`
	FZ    float64 `csv:"fz"`
	RestX float64 `csv:"rest_x"`
	RestY float64 `csv:"rest_y"`
	RestZ float64 `csv:"rest_z"`
}

// State is what a checkpoint carries. Membranes are in insertion order.
type State struct {
	RunID     string
	Step      int
	Time      float64
	Kernel    string
	Scheme    membrane.Scheme
	Membranes []membrane.Membrane
}

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

// StepDir returns the conventional directory for the checkpoint of step
// under root.
func StepDir(root string, step int) string {
	return filepath.Join(root, fmt.Sprintf("step_%08d", step))
}

func nodeFileName(id uint32) string {
	return fmt.Sprintf("membrane_%04d.csv", id)
}

// Save writes st into dir, creating it if needed. An empty RunID is filled
// with a new one. The manifest is written after every node file.
func Save(dir string, st State) (Manifest, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Manifest{}, fmt.Errorf("create checkpoint dir: %w", err)
	}
	if st.RunID == "" {
		st.RunID = NewRunID()
	}
	man := Manifest{
		Version: FormatVersion,
		RunID:   st.RunID,
		Step:    st.Step,
		Time:    st.Time,
		Created: time.Now().UTC(),
		Kernel:  st.Kernel,
		Scheme:  string(st.Scheme),
	}

	for _, mb := range st.Membranes {
		m := mb.Mesh
		entry := MembraneEntry{
			ID:       mb.ID,
			Name:     mb.Name,
			Closed:   m.Closed(),
			Nodes:    m.NumNodes(),
			Steps:    mb.Diagnostics.Steps,
			NodeFile: nodeFileName(mb.ID),
			Material: mb.Material,
			Faces:    m.FaceIndices(),
		}
		if err := writeNodes(filepath.Join(dir, entry.NodeFile), m); err != nil {
			return Manifest{}, fmt.Errorf("membrane %q: %w", mb.Name, err)
		}
		man.Membranes = append(man.Membranes, entry)
	}

	data, err := yaml.Marshal(&man)
	if err != nil {
		return Manifest{}, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestName), data, 0o644); err != nil {
		return Manifest{}, fmt.Errorf("write manifest: %w", err)
	}
	return man, nil
}

func writeNodes(path string, m *mesh.Mesh) error {
	records := make([]NodeRecord, m.NumNodes())
	rest := m.RestPositions()
	for i := range records {
		p, v, f := m.Position(i), m.Velocity(i), m.Force(i)
		records[i] = NodeRecord{
			Index: i,
			X:     p.X,
			Y:     p.Y,
			Z:     p.Z,
			VX:    v.X,
			VY:    v.Y,
			VZ:    v.Z,
			FX:    f.X,
			FY:    f.Y,
			FZ:    f.Z,
			RestX: rest[i].X,
			RestY: rest[i].Y,
			RestZ: rest[i].Z,
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create node file: %w", err)
	}
	if err := gocsv.MarshalFile(&records, file); err != nil {
		file.Close()
		return fmt.Errorf("write node file: %w", err)
	}
	return file.Close()
}

// ReadManifest decodes the manifest of dir without touching node files.
func ReadManifest(dir string) (Manifest, error) {
	var man Manifest
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return man, fmt.Errorf("read manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, &man); err != nil {
		return man, fmt.Errorf("%w: parse manifest: %v", ErrCorrupt, err)
	}
	if man.Version != FormatVersion {
		return man, fmt.Errorf("%w: format version %d, want %d", ErrCorrupt, man.Version, FormatVersion)
	}
	return man, nil
}

// Load restores the checkpoint in dir. Each mesh is rebuilt from its rest
// positions and faces, so edges, hinges and rest quantities match the saved
// run, and then receives the saved positions, velocities and forces.
func Load(dir string) (State, error) {
	man, err := ReadManifest(dir)
	if err != nil {
		return State{}, err
	}
	st := State{
		RunID:  man.RunID,
		Step:   man.Step,
		Time:   man.Time,
		Kernel: man.Kernel,
		Scheme: membrane.Scheme(man.Scheme),
	}
	for _, entry := range man.Membranes {
		m, err := readMembrane(filepath.Join(dir, entry.NodeFile), entry)
		if err != nil {
			return State{}, fmt.Errorf("membrane %q: %w", entry.Name, err)
		}
		st.Membranes = append(st.Membranes, membrane.Membrane{
			ID:          entry.ID,
			Name:        entry.Name,
			Mesh:        m,
			Material:    entry.Material,
			Diagnostics: components.Diagnostics{Steps: entry.Steps},
		})
	}
	return st, nil
}

func readMembrane(path string, entry MembraneEntry) (*mesh.Mesh, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open node file: %w", err)
	}
	defer file.Close()

	var records []NodeRecord
	if err := gocsv.UnmarshalFile(file, &records); err != nil {
		return nil, fmt.Errorf("%w: parse node file: %v", ErrCorrupt, err)
	}
	if len(records) != entry.Nodes {
		return nil, fmt.Errorf("%w: %d node rows, manifest lists %d", ErrCorrupt, len(records), entry.Nodes)
	}
	rest := make([]r3.Vec, len(records))
	for i, r := range records {
		if r.Index != i {
			return nil, fmt.Errorf("%w: row %d carries node index %d", ErrCorrupt, i, r.Index)
		}
		rest[i] = r3.Vec{X: r.RestX, Y: r.RestY, Z: r.RestZ}
	}

	m, err := mesh.New(rest, entry.Faces, mesh.Options{RequireClosed: entry.Closed})
	if err != nil {
		return nil, err
	}
	for i, r := range records {
		m.SetPosition(i, r3.Vec{X: r.X, Y: r.Y, Z: r.Z})
		m.SetVelocity(i, r3.Vec{X: r.VX, Y: r.VY, Z: r.VZ})
		m.SetForce(i, r3.Vec{X: r.FX, Y: r.FY, Z: r.FZ})
	}
	return m, nil
}
