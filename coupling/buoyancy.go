// Package coupling implements the cell-local post-processor that injects a
// Boussinesq buoyancy force from an advection-diffusion lattice into the
// external force accumulator of a Navier-Stokes lattice.
//
// Coupling is same-step: the orchestrator runs the scalar lattice's collision
// and streaming for step n first, then Apply reads T^n and writes F^n, which
// the momentum collision of step n consumes.
package coupling

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/lbcouple/lattice"
)

// ErrDomainMismatch is matched by every *DomainMismatchError.
var ErrDomainMismatch = errors.New("coupling: domain mismatch")

// DomainMismatchError reports coupled fields that disagree in extent or
// indexing origin over the assigned region.
type DomainMismatchError struct {
	Region   lattice.Box
	Momentum lattice.Box
	Scalar   lattice.Box
	Reason   string
}

func (e *DomainMismatchError) Error() string {
	return fmt.Sprintf("coupling: domain mismatch over %v (momentum %v, scalar %v): %s",
		e.Region, e.Momentum, e.Scalar, e.Reason)
}

// Is makes errors.Is(err, ErrDomainMismatch) hold.
func (e *DomainMismatchError) Is(target error) bool { return target == ErrDomainMismatch }

// Params are the physical constants of the buoyancy law.
type Params struct {
	Beta            float64 `yaml:"beta"`             // Thermal expansion coefficient
	Reference       float64 `yaml:"reference"`        // T0
	Gravity         r3.Vec  `yaml:"gravity"`          // g, lattice units
	DensityWeighted bool    `yaml:"density_weighted"` // Use local rho (false: rho = 1)
}

// Force returns -beta (T - T0) rho g.
func (p Params) Force(t, rho float64) r3.Vec {
	if !p.DensityWeighted {
		rho = 1
	}
	return r3.Scale(-p.Beta*(t-p.Reference)*rho, p.Gravity)
}

// Report summarises the last Apply.
type Report struct {
	Cells   int    // Bulk cells visited
	Skipped int    // Boundary/solid cells skipped
	Total   r3.Vec // Sum of injected force
}

// Buoyancy holds non-owning references to the coupled lattices.
type Buoyancy struct {
	momentum lattice.MomentumLattice
	scalar   lattice.ScalarLattice
	mask     lattice.Mask
	region   lattice.Box
	params   Params

	last Report
}

// NewBuoyancy binds the operator to its lattices and the region it owns.
// An empty region means the whole momentum lattice. mask may be nil, in which
// case every cell counts as bulk.
func NewBuoyancy(momentum lattice.MomentumLattice, scalar lattice.ScalarLattice, mask lattice.Mask, region lattice.Box, params Params) (*Buoyancy, error) {
	if region.Empty() {
		region = momentum.Box()
	}
	b := &Buoyancy{
		momentum: momentum,
		scalar:   scalar,
		mask:     mask,
		region:   region,
		params:   params,
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// Region returns the cells this operator owns.
func (b *Buoyancy) Region() lattice.Box { return b.region }

// Params returns the configured constants.
func (b *Buoyancy) Params() Params { return b.params }

// LastReport returns the summary of the most recent successful Apply.
func (b *Buoyancy) LastReport() Report { return b.last }

func (b *Buoyancy) validate() error {
	mb, sb := b.momentum.Box(), b.scalar.Box()
	fail := func(reason string) error {
		return &DomainMismatchError{Region: b.region, Momentum: mb, Scalar: sb, Reason: reason}
	}
	if !mb.ContainsBox(b.region) {
		return fail("region not inside momentum lattice")
	}
	if !sb.ContainsBox(b.region) {
		return fail("region not inside scalar lattice")
	}
	if fb := b.momentum.Forces().Box(); !fb.ContainsBox(b.region) {
		return fail("force accumulator does not cover region")
	}
	return nil
}

// Apply adds the buoyancy force to every bulk cell of the region. Validation
// happens before the first write, so a failing Apply leaves the accumulator
// untouched.
func (b *Buoyancy) Apply() error {
	if err := b.validate(); err != nil {
		return err
	}
	forces := b.momentum.Forces()
	var rep Report
	b.region.Each(func(x, y, z int) {
		if b.mask != nil && b.mask.Kind(x, y, z) != lattice.Bulk {
			rep.Skipped++
			return
		}
		f := b.params.Force(b.scalar.Scalar(x, y, z), b.momentum.Density(x, y, z))
		forces.Add(x, y, z, f)
		rep.Cells++
		rep.Total = r3.Add(rep.Total, f)
	})
	b.last = rep
	return nil
}
