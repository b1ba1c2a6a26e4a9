// Package components defines the ECS components carried by every membrane
// entity of the particle system.
package components

// Phase tracks where a membrane is inside the per-step mechanics cycle.
type Phase uint8

const (
	PositionUpdated   Phase = iota // Step complete; also the state of a fresh membrane
	ForcesCleared                  // Node force buffers zeroed
	ForcesAccumulated              // Internal and external laws applied
	VelocityUpdated                // Node velocities committed
)

// String returns the display name for a Phase.
func (p Phase) String() string {
	names := PhaseNames()
	if int(p) < len(names) {
		return names[p]
	}
	return "Unknown"
}

// PhaseNames returns the display names for all phases.
// The order matches the Phase constants.
func PhaseNames() []string {
	return []string{"PositionUpdated", "ForcesCleared", "ForcesAccumulated", "VelocityUpdated"}
}

// Next returns the phase that legally follows p.
func (p Phase) Next() Phase {
	switch p {
	case PositionUpdated:
		return ForcesCleared
	case ForcesCleared:
		return ForcesAccumulated
	case ForcesAccumulated:
		return VelocityUpdated
	default:
		return PositionUpdated
	}
}
