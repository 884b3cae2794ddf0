package relay

import (
	"fmt"
	"sync/atomic"
)

// State is the lifecycle position of a Session
type State int32

const (
	StateIdle State = iota
	StateOpeningUpstream
	StateStreaming
	StateCompleted
	StateAborted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateOpeningUpstream:
		return "OPENING_UPSTREAM"
	case StateStreaming:
		return "STREAMING"
	case StateCompleted:
		return "COMPLETED"
	case StateAborted:
		return "ABORTED"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Terminal reports whether no transition leaves s
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateFailed
}

var transitions = map[State][]State{
	StateIdle:            {StateOpeningUpstream},
	StateOpeningUpstream: {StateStreaming, StateFailed, StateAborted},
	StateStreaming:       {StateCompleted, StateAborted, StateFailed},
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type stateMachine struct {
	v atomic.Int32
}

func (m *stateMachine) load() State {
	return State(m.v.Load())
}

// move performs from -> to, failing when the current state is not from or the
// edge is not part of the lifecycle.
func (m *stateMachine) move(from, to State) error {
	if !allowed(from, to) {
		return fmt.Errorf("invalid transition %s -> %s", from, to)
	}
	if !m.v.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("invalid transition %s -> %s: state is %s", from, to, m.load())
	}
	return nil
}
