package session

import "sync/atomic"

type State uint32

const (
	StateIdle State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stateMachine wraps an atomic so State() can be read from any goroutine while
// the event loop drives transitions.
type stateMachine struct {
	state atomic.Uint32
}

func (m *stateMachine) set(s State) {
	m.state.Store(uint32(s))
}

func (m *stateMachine) get() State {
	return State(m.state.Load())
}

func (m *stateMachine) change(from, to State) bool {
	return m.state.CompareAndSwap(uint32(from), uint32(to))
}
