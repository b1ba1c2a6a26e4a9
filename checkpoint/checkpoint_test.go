package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/lbcouple/components"
	"github.com/pthm-cable/lbcouple/membrane"
	"github.com/pthm-cable/lbcouple/mesh"
)

func deformed(t *testing.T, center r3.Vec) *mesh.Mesh {
	t.Helper()
	m, err := mesh.Icosphere(center, 2, 1)
	require.NoError(t, err)
	for i := 0; i < m.NumNodes(); i++ {
		p := m.Position(i)
		m.SetPosition(i, r3.Add(p, r3.Vec{X: 0.01 * float64(i%7), Z: -0.003 * float64(i%5)}))
		m.SetVelocity(i, r3.Vec{Y: 1e-3 * float64(i)})
		m.SetForce(i, r3.Vec{X: 0.1 / float64(i+1), Z: 1.0 / 3})
	}
	return m
}

func testState(t *testing.T) State {
	t.Helper()
	mat := components.Material{Stretch: 0.5, Bend: 0.01, Volume: 2, Damping: 0.1, BodyForce: r3.Vec{Z: -1e-5}}
	return State{
		RunID:  NewRunID(),
		Step:   120,
		Time:   120 * 0.5,
		Kernel: "peskin4",
		Scheme: membrane.Advected,
		Membranes: []membrane.Membrane{
			{ID: 3, Name: "cell", Mesh: deformed(t, r3.Vec{X: 5, Y: 5, Z: 5}), Material: mat,
				Diagnostics: components.Diagnostics{Steps: 120}},
			{ID: 7, Name: "other", Mesh: deformed(t, r3.Vec{X: 12, Y: 5, Z: 5}), Material: mat,
				Diagnostics: components.Diagnostics{Steps: 40}},
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := StepDir(t.TempDir(), 120)
	st := testState(t)

	man, err := Save(dir, st)
	require.NoError(t, err)
	assert.Equal(t, st.RunID, man.RunID)
	assert.FileExists(t, filepath.Join(dir, ManifestName))
	assert.FileExists(t, filepath.Join(dir, "membrane_0003.csv"))

	got, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, st.RunID, got.RunID)
	assert.Equal(t, st.Step, got.Step)
	assert.Equal(t, st.Time, got.Time)
	assert.Equal(t, st.Kernel, got.Kernel)
	assert.Equal(t, st.Scheme, got.Scheme)
	require.Len(t, got.Membranes, 2)

	for k, want := range st.Membranes {
		have := got.Membranes[k]
		assert.Equal(t, want.ID, have.ID)
		assert.Equal(t, want.Name, have.Name)
		assert.Equal(t, want.Material, have.Material)
		assert.Equal(t, want.Diagnostics.Steps, have.Diagnostics.Steps)

		wm, hm := want.Mesh, have.Mesh
		assert.Equal(t, wm.FaceIndices(), hm.FaceIndices())
		assert.Equal(t, wm.Edges(), hm.Edges())
		assert.Equal(t, wm.Hinges(), hm.Hinges())
		assert.Equal(t, wm.RestPositions(), hm.RestPositions())
		assert.Equal(t, wm.Positions(), hm.Positions())
		assert.Equal(t, wm.Velocities(), hm.Velocities())
		assert.Equal(t, wm.Forces(), hm.Forces())
		assert.Equal(t, wm.RestVolume(), hm.RestVolume())
	}
}

func TestRestoredMembranesResume(t *testing.T) {
	dir := t.TempDir()
	st := testState(t)
	_, err := Save(dir, st)
	require.NoError(t, err)
	got, err := Load(dir)
	require.NoError(t, err)

	sys, err := membrane.NewSystem(membrane.IntegratorConfig{Scheme: got.Scheme, MaxDisplacementFactor: 0.5}, nil)
	require.NoError(t, err)
	for _, mb := range got.Membranes {
		require.NoError(t, sys.Restore(mb))
	}
	id, err := sys.Add("fresh", deformed(t, r3.Vec{X: 20}), components.Material{})
	require.NoError(t, err)
	assert.Equal(t, uint32(8), id)
	require.NoError(t, sys.Step(0.5, nil))
}

func TestSaveFillsRunID(t *testing.T) {
	st := testState(t)
	st.RunID = ""
	man, err := Save(t.TempDir(), st)
	require.NoError(t, err)
	assert.Len(t, man.RunID, 36)
}

func TestLoadRejectsCorruptNodeFile(t *testing.T) {
	dir := t.TempDir()
	_, err := Save(dir, testState(t))
	require.NoError(t, err)

	// Drop the last node row.
	path := filepath.Join(dir, "membrane_0007.csv")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	trimmed := strings.Join(lines[:len(lines)-1], "\n") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(trimmed), 0o644))

	_, err = Load(dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorrupt))
	assert.Contains(t, err.Error(), "other")
}

func TestLoadMissingManifest(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.Error(t, err)
}

func TestMembraneFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cell.yaml")
	m := deformed(t, r3.Vec{X: 1, Y: 2, Z: 3})
	mat := components.Material{Stretch: 1, Bend: 0.02, AreaLocal: 0.3}
	require.NoError(t, WriteMembraneFile(path, "cell", m, mat))

	name, got, gotMat, err := LoadMembraneFile(path, mesh.Options{})
	require.NoError(t, err)
	assert.Equal(t, "cell", name)
	assert.Equal(t, mat, gotMat)
	assert.True(t, got.Closed())
	assert.Equal(t, m.FaceIndices(), got.FaceIndices())
	// The written shape becomes the new rest state.
	assert.Equal(t, m.Positions(), got.RestPositions())
}

func TestMembraneFilePrimitive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rbc.yaml")
	doc := `name: rbc
material:
  stretch: 0.3
  bend: 0.005
primitive:
  kind: biconcave
  center: {x: 8, y: 8, z: 8}
  radius: 3.9
  subdivisions: 2
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	name, m, mat, err := LoadMembraneFile(path, mesh.Options{})
	require.NoError(t, err)
	assert.Equal(t, "rbc", name)
	assert.Equal(t, 0.3, mat.Stretch)
	assert.Equal(t, 162, m.NumNodes())
}

func TestMembraneFileRejectsNegativeMaterial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	doc := "material:\n  stretch: -1\nprimitive:\n  kind: icosphere\n  radius: 1\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	_, _, _, err := LoadMembraneFile(path, mesh.Options{})
	assert.ErrorContains(t, err, "stretch")
}
