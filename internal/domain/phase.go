package domain

// Phase represents the lifecycle phase of a monitor.
type Phase string

const (
	PhaseInit             Phase = "INIT"
	PhaseActive           Phase = "ACTIVE"
	PhaseExecutionPending Phase = "EXECUTION_PENDING"
	PhaseFinalized        Phase = "FINALIZED"
)

// String returns the string representation of Phase.
func (p Phase) String() string {
	return string(p)
}

// IsValid checks if the phase is a valid value.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseInit, PhaseActive, PhaseExecutionPending, PhaseFinalized:
		return true
	}
	return false
}

// IsTerminal reports whether the phase accepts no further samples.
func (p Phase) IsTerminal() bool {
	return p == PhaseFinalized
}
