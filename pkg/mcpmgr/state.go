package mcpmgr

import (
	"fmt"
	"time"
)

// State is the lifecycle position of a managed upstream.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	StateFailed       State = "failed"
)

var legalTransitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateReady, StateFailed},
	StateReady:        {StateFailed},
	StateFailed:       {StateConnecting, StateDisconnected},
}

// CanTransition reports whether moving from s to next is allowed.
func (s State) CanTransition(next State) bool {
	for _, candidate := range legalTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// StateChange describes one transition of an upstream's state machine.
type StateChange struct {
	ServerID string
	From     State
	To       State
	// Err is the failure that caused a move to Failed, if any.
	Err error
	At  time.Time
}

// transition applies next to st, returning the recorded change. Illegal
// transitions are programming errors and panic.
func (st *managedState) transition(serverID string, next State, cause error) StateChange {
	if !st.state.CanTransition(next) {
		panic(fmt.Sprintf("mcpmgr: illegal transition %s -> %s for %q", st.state, next, serverID))
	}
	change := StateChange{ServerID: serverID, From: st.state, To: next, Err: cause, At: time.Now()}
	st.state = next
	if cause != nil {
		st.lastErr = cause
	}
	return change
}
