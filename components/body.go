package components

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/lbcouple/mesh"
)

// Body binds a membrane entity to its node arena.
type Body struct {
	ID   uint32
	Name string
	Mesh *mesh.Mesh
}

// Material holds the force-law constants of one membrane. Zero disables a law.
type Material struct {
	Stretch    float64 `yaml:"stretch"`     // ks, edge spring stiffness
	Bend       float64 `yaml:"bend"`        // kb, hinge bending stiffness
	Volume     float64 `yaml:"volume"`      // kv, closed-membrane volume penalty
	AreaGlobal float64 `yaml:"area_global"` // ka, total surface area penalty
	AreaLocal  float64 `yaml:"area_local"`  // kal, per-face area penalty
	Damping    float64 `yaml:"damping"`     // viscous node damping
	NodeMass   float64 `yaml:"node_mass"`   // inertial scheme only
	Drag       float64 `yaml:"drag"`        // fluid coupling gamma, inertial scheme only
	BodyForce  r3.Vec  `yaml:"body_force"`  // constant force on every node
}

// Validate rejects negative constants.
func (m Material) Validate() error {
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"stretch", m.Stretch},
		{"bend", m.Bend},
		{"volume", m.Volume},
		{"area_global", m.AreaGlobal},
		{"area_local", m.AreaLocal},
		{"damping", m.Damping},
		{"node_mass", m.NodeMass},
		{"drag", m.Drag},
	} {
		if f.v < 0 {
			return fmt.Errorf("material %s must be non-negative, got %g", f.name, f.v)
		}
	}
	return nil
}
