// Package vmlifecycle implements the per-VM state machine and hypervisor
// process supervision.
package vmlifecycle

import (
	"sync"

	"github.com/clawpot/clawpotd/internal/clawpoterr"
	"github.com/clawpot/clawpotd/internal/errx"
)

// State is one of the lifecycle states.
type State int

const (
	NotStarted State = iota
	Starting
	Running
	Stopping
	Stopped
	Error
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "Not Started"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// stateMachine holds the current state and validates transitions. It is
// a pure in-memory property: nothing here is persisted.
type stateMachine struct {
	mu    sync.RWMutex
	state State
}

func newStateMachine() *stateMachine {
	return &stateMachine{state: NotStarted}
}

func (m *stateMachine) current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// transitionTo validates and applies new, or returns invalid_state without
// mutating anything.
func (m *stateMachine) transitionTo(new State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.state
	if !isValidTransition(old, new) {
		return errx.With(clawpoterr.ErrInvalidState, " from %s to %s", old, new)
	}
	m.state = new
	return nil
}

func isValidTransition(old, new State) bool {
	if new == Error {
		return true
	}
	if old == new {
		return true
	}
	switch {
	case old == NotStarted && new == Starting:
		return true
	case old == Starting && new == Running:
		return true
	case old == Running && new == Stopping:
		return true
	case old == Stopping && new == Stopped:
		return true
	case old == Stopped && new == Starting:
		return true
	case old == Starting && new == Stopping:
		return true
	case old == Starting && new == Stopped:
		return true
	default:
		return false
	}
}
