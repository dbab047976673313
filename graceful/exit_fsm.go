package graceful

import "fmt"

// exitState represents a small finite state machine. It has the following transitions:
// ∅        → Running
// Running  → Polling
// Polling  → Ready
// Polling  → Forced
// Ready    → Dead
// Forced   → Dead
//
// The meaning of each state is described above the state's definition below.
type exitState string

const (
	// Running is the initial state. The process is serving normally and no
	// shutdown has been triggered.
	stateRunning exitState = "running"
	// Polling is the state entered when shutdown has been triggered and the
	// coordinator is re-evaluating its readiness checks on every poll tick.
	statePolling = "polling"
	// Ready is the state of a coordinator whose readiness checks have all
	// passed before the force timeout elapsed.
	stateReady = "ready"
	// Forced is the state of a coordinator whose force timeout elapsed while
	// at least one readiness check was still failing.
	stateForced = "forced"
	// Dead is the terminal state; process termination has been invoked.
	stateDead = "dead"
)

var validTransitions = map[exitState][]exitState{
	stateRunning: []exitState{
		statePolling,
	},
	statePolling: []exitState{
		stateReady,
		stateForced,
	},
	stateReady: []exitState{
		stateDead,
	},
	stateForced: []exitState{
		stateDead,
	},
	stateDead: []exitState{},
}

func (s *exitState) canTransitionTo(state exitState) error {
	validTargets := validTransitions[*s]

	for _, target := range validTargets {
		if target == state {
			return nil
		}
	}
	return fmt.Errorf("unable to transition from %s to %s", *s, state)
}

func (s *exitState) transitionTo(state exitState) error {
	if err := s.canTransitionTo(state); err != nil {
		return err
	}
	*s = state
	return nil
}
