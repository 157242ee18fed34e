package decision

import "fmt"

// IsTerminal reports whether no further transition is possible
func IsTerminal(s Stage) bool {
	switch s {
	case StageRejected, StageScored:
		return true
	default:
		return false
	}
}

// IsRecorded reports whether the decision has been persisted to the log
func IsRecorded(s Stage) bool {
	return s == StageRecorded || s == StageScored
}

// CanTransition reports whether from -> to is allowed. Stages only move forward;
// Rejected is reachable from Proposed or Validated and is terminal.
func CanTransition(from, to Stage) bool {
	switch from {
	case StageProposed:
		return to == StageValidated || to == StageRejected
	case StageValidated:
		return to == StageRecorded || to == StageRejected
	case StageRecorded:
		return to == StageScored
	default:
		return false
	}
}

// transition moves d from the expected stage to the next one.
// The expected prior stage makes races observable.
func transition(d *Decision, from, to Stage) error {
	if d.Stage != from {
		return fmt.Errorf("%w: decision %s expected %s, got %s", ErrInvalidTransition, d.ID, from, d.Stage)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: decision %s %s -> %s", ErrInvalidTransition, d.ID, from, to)
	}
	d.Stage = to
	return nil
}
