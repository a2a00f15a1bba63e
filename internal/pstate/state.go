// Package pstate implements the port/namespace state machine shared by
// the ahci and nvme packages (§4.5: "same shape in both families, with
// family-specific register bits").
package pstate

import "sync"

// State is one of the values named in §3 "Port / Namespace".
type State int

const (
	Undefined State = iota
	Present
	Initializing
	Attached
	Disabled
	Enabling
	Disabling
	Ready
	Error
	ReInitializing
	Fatal
)

func (s State) String() string {
	switch s {
	case Undefined:
		return "Undefined"
	case Present:
		return "Present"
	case Initializing:
		return "Initializing"
	case Attached:
		return "Attached"
	case Disabled:
		return "Disabled"
	case Enabling:
		return "Enabling"
	case Disabling:
		return "Disabling"
	case Ready:
		return "Ready"
	case Error:
		return "Error"
	case ReInitializing:
		return "ReInitializing"
	case Fatal:
		return "Fatal"
	default:
		return "unknown"
	}
}

// Machine holds exactly one State value at a time (§3 invariant) and
// serializes transitions. It does not itself decide legality: callers
// enforce the §4.5 transition table by checking Current() before acting
// and calling To() once the transition is legal, keeping the table in
// one human-readable place per family (ahci.Port, nvme.Controller)
// rather than duplicated generically here.
type Machine struct {
	mu      sync.Mutex
	current State
}

// NewMachine creates a Machine starting in Undefined.
func NewMachine() *Machine {
	return &Machine{current: Undefined}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.current
}

// To unconditionally sets the new state. Callers are responsible for
// having validated the transition against §4.5's table first; this keeps
// the critical section (and thus the definition of "exactly one state
// value") in a single place shared by both families.
func (m *Machine) To(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = s
}

// CompareAndTransition moves from `from` to `to` only if the current
// state is `from`, returning whether the transition happened. Idempotent
// no-op transitions (§8 property 8, e.g. Disable on a Disabled port) are
// expressed by callers checking Current() == to beforehand, not by this
// method.
func (m *Machine) CompareAndTransition(from, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != from {
		return false
	}

	m.current = to

	return true
}
