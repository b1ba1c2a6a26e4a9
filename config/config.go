// Package config provides configuration loading for the coupled simulation.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"

	"github.com/pthm-cable/lbcouple/components"
	"github.com/pthm-cable/lbcouple/coupling"
	"github.com/pthm-cable/lbcouple/ibm"
	"github.com/pthm-cable/lbcouple/lattice"
	"github.com/pthm-cable/lbcouple/membrane"
	"github.com/pthm-cable/lbcouple/mesh"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Config holds all simulation configuration parameters.
type Config struct {
	Run        RunConfig                 `yaml:"run"`
	Lattice    LatticeConfig             `yaml:"lattice"`
	Scalar     ScalarConfig              `yaml:"scalar"`
	Buoyancy   BuoyancyConfig            `yaml:"buoyancy"`
	Membranes  []MembraneConfig          `yaml:"membranes"`
	IBM        ibm.Config                `yaml:"ibm"`
	Integrator membrane.IntegratorConfig `yaml:"integrator"`
	Relax      membrane.RelaxSettings    `yaml:"relax"`
	Checkpoint CheckpointConfig          `yaml:"checkpoint"`
	Telemetry  TelemetryConfig           `yaml:"telemetry"`

	// Derived values computed after loading
	Derived DerivedConfig `yaml:"-"`
}

// RunConfig holds the driver loop parameters.
type RunConfig struct {
	Steps int     `yaml:"steps"`
	DT    float64 `yaml:"dt"` // Membrane time step in lattice units
}

// LatticeConfig describes the momentum lattice and its walls. Axes that are
// not periodic get bounce-back walls.
type LatticeConfig struct {
	Origin   [3]int        `yaml:"origin,flow"`
	Size     [3]int        `yaml:"size,flow"`
	Tau      float64       `yaml:"tau"`
	Periodic [3]bool       `yaml:"periodic,flow"`
	Density  float64       `yaml:"density"`  // Initial density
	Velocity r3.Vec        `yaml:"velocity"` // Initial velocity
	Solids   []lattice.Box `yaml:"solids"`
}

// ScalarRegion sets the scalar to Value over Box at startup.
type ScalarRegion struct {
	Box   lattice.Box `yaml:",inline"`
	Value float64     `yaml:"value"`
}

// ScalarConfig describes the advection-diffusion lattice. It shares the
// momentum lattice's box and walls.
type ScalarConfig struct {
	Tau           float64        `yaml:"tau"`
	Initial       float64        `yaml:"initial"`
	Perturbations []ScalarRegion `yaml:"perturbations"`
}

// BuoyancyConfig enables the buoyancy coupling over Region (empty means the
// whole lattice).
type BuoyancyConfig struct {
	Enabled bool        `yaml:"enabled"`
	Region  lattice.Box `yaml:"region"`

	coupling.Params `yaml:",inline"`
}

// MembraneConfig places one membrane: either a membrane file or a primitive.
// Material from the config overrides the file's when File is set and
// OverrideMaterial is true.
type MembraneConfig struct {
	Name             string              `yaml:"name"`
	File             string              `yaml:"file,omitempty"`
	Primitive        *mesh.Primitive     `yaml:"primitive,omitempty"`
	Material         components.Material `yaml:"material"`
	OverrideMaterial bool                `yaml:"override_material"`

	// Relax to relax.volume_ratio before the run. The rest volume is kept,
	// so a non-zero material.volume pulls the shape back during the run.
	Relax bool `yaml:"relax"`
}

// CheckpointConfig controls membrane checkpoints. Every 0 disables them.
type CheckpointConfig struct {
	Dir   string `yaml:"dir"`
	Every int    `yaml:"every"`
}

// TelemetryConfig controls CSV output. An empty OutputDir disables files;
// windows are still logged.
type TelemetryConfig struct {
	OutputDir   string `yaml:"output_dir"`
	StepEvery   int    `yaml:"step_every"`   // steps.csv sampling interval
	WindowSteps int    `yaml:"window_steps"` // telemetry.csv window
	PerfWindow  int    `yaml:"perf_window"`  // rolling perf window
}

// DerivedConfig holds values computed from the loaded config.
type DerivedConfig struct {
	Box         lattice.Box // Momentum and scalar lattice box
	Region      lattice.Box // Effective buoyancy region
	Viscosity   float64     // (tau - 1/2) / 3
	Diffusivity float64     // (scalar tau - 1/2) / 4
}

// Load loads configuration from a YAML file, merging with embedded defaults.
// If path is empty, only embedded defaults are used.
func Load(path string) (*Config, error) {
	// Start with embedded defaults
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}

	// Load user config if provided
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Unmarshal into same struct - only overwrites fields present in file
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.computeDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) computeDerived() {
	c.Derived.Box = lattice.Box{Origin: c.Lattice.Origin, Size: c.Lattice.Size}
	c.Derived.Region = c.Buoyancy.Region
	if c.Derived.Region.Empty() {
		c.Derived.Region = c.Derived.Box
	}
	c.Derived.Viscosity = (c.Lattice.Tau - 0.5) / 3
	c.Derived.Diffusivity = (c.Scalar.Tau - 0.5) / 4

	for i := range c.Membranes {
		if c.Membranes[i].Name == "" {
			c.Membranes[i].Name = fmt.Sprintf("membrane-%d", i+1)
		}
	}
}

// Validate rejects settings the simulation cannot run with. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Run.DT <= 0 {
		add("run.dt must be positive, got %g", c.Run.DT)
	}
	if c.Run.Steps < 0 {
		add("run.steps must be non-negative, got %d", c.Run.Steps)
	}
	if c.Derived.Box.Empty() {
		add("lattice.size must be positive on every axis, got %v", c.Lattice.Size)
	}
	if c.Lattice.Tau <= 0.5 {
		add("lattice.tau must exceed 0.5, got %g", c.Lattice.Tau)
	}
	if c.Scalar.Tau <= 0.5 {
		add("scalar.tau must exceed 0.5, got %g", c.Scalar.Tau)
	}
	if c.Lattice.Density <= 0 {
		add("lattice.density must be positive, got %g", c.Lattice.Density)
	}
	if c.Buoyancy.Enabled && !c.Derived.Box.ContainsBox(c.Derived.Region) {
		add("buoyancy.region %v outside lattice %v", c.Derived.Region, c.Derived.Box)
	}
	if _, err := ibm.KernelByName(c.IBM.Kernel); err != nil {
		add("ibm.kernel: %v", err)
	}
	if c.IBM.Workers < 0 {
		add("ibm.workers must be non-negative, got %d", c.IBM.Workers)
	}
	if err := c.Integrator.Validate(); err != nil {
		add("integrator: %v", err)
	}
	for i, m := range c.Membranes {
		switch {
		case m.File == "" && m.Primitive == nil:
			add("membranes[%d] %q: needs a file or a primitive", i, m.Name)
		case m.File != "" && m.Primitive != nil:
			add("membranes[%d] %q: has both a file and a primitive", i, m.Name)
		}
		if err := m.Material.Validate(); err != nil {
			add("membranes[%d] %q: %v", i, m.Name, err)
		}
	}
	if c.Checkpoint.Every < 0 {
		add("checkpoint.every must be non-negative, got %d", c.Checkpoint.Every)
	}
	if c.Checkpoint.Every > 0 && c.Checkpoint.Dir == "" {
		add("checkpoint.dir is required when checkpoint.every is set")
	}
	if c.Telemetry.StepEvery < 0 || c.Telemetry.WindowSteps < 0 {
		add("telemetry intervals must be non-negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Kernel resolves the configured IB kernel.
func (c *Config) Kernel() (ibm.Kernel, error) {
	return ibm.KernelByName(c.IBM.Kernel)
}

// WriteYAML saves the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
