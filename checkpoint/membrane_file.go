package checkpoint

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pthm-cable/lbcouple/components"
	"github.com/pthm-cable/lbcouple/mesh"
)

// MembraneFile is the initial description of one membrane: a surface (explicit
// nodes and faces, or a primitive) plus its material.
type MembraneFile struct {
	Name     string              `yaml:"name"`
	Material components.Material `yaml:"material"`

	mesh.Description `yaml:",inline"`
}

// ReadMembraneFile decodes a membrane description from path.
func ReadMembraneFile(path string) (MembraneFile, error) {
	var mf MembraneFile
	data, err := os.ReadFile(path)
	if err != nil {
		return mf, fmt.Errorf("reading membrane file: %w", err)
	}
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return mf, fmt.Errorf("parsing membrane file %s: %w", path, err)
	}
	return mf, nil
}

// LoadMembraneFile reads path and builds the mesh it describes. The membrane
// name defaults to the file name.
func LoadMembraneFile(path string, opts mesh.Options) (string, *mesh.Mesh, components.Material, error) {
	mf, err := ReadMembraneFile(path)
	if err != nil {
		return "", nil, components.Material{}, err
	}
	m, err := mf.Build(opts)
	if err != nil {
		return "", nil, components.Material{}, fmt.Errorf("membrane file %s: %w", path, err)
	}
	if err := mf.Material.Validate(); err != nil {
		return "", nil, components.Material{}, fmt.Errorf("membrane file %s: %w", path, err)
	}
	name := mf.Name
	if name == "" {
		name = path
	}
	return name, m, mf.Material, nil
}

// WriteMembraneFile writes the current shape of m with its material, in the
// form LoadMembraneFile reads.
func WriteMembraneFile(path, name string, m *mesh.Mesh, mat components.Material) error {
	mf := MembraneFile{Name: name, Material: mat, Description: m.Description()}
	data, err := yaml.Marshal(&mf)
	if err != nil {
		return fmt.Errorf("marshaling membrane file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing membrane file: %w", err)
	}
	return nil
}
