// Package session owns the lifecycle of one live assistant conversation: the
// connection state machine, the tagged event log shown to the user, and the
// Manager that wires capture, provider and playback together.
package session

import "sync"

// State is the connection lifecycle of the live session.
type State int

const (
	// StateDisconnected means no session is active. The initial state, and
	// the terminal state after a clean Close.
	StateDisconnected State = iota

	// StateConnecting means a connection attempt (or reconnect) is in
	// flight.
	StateConnecting

	// StateConnected means the session is live and exchanging audio.
	StateConnected

	// StateError means the session ended abnormally and no reconnect is in
	// progress.
	StateError
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Tracker holds the current connection state and notifies an observer on
// every transition. Safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	state    State
	onChange func(old, new State)
}

// NewTracker creates a Tracker in StateDisconnected. onChange may be nil; if
// set, it is called synchronously under no lock for every actual transition.
func NewTracker(onChange func(old, new State)) *Tracker {
	return &Tracker{onChange: onChange}
}

// Set transitions to next. Setting the current state again is a no-op and
// does not notify.
func (t *Tracker) Set(next State) {
	t.mu.Lock()
	old := t.state
	if old == next {
		t.mu.Unlock()
		return
	}
	t.state = next
	onChange := t.onChange
	t.mu.Unlock()

	if onChange != nil {
		onChange(old, next)
	}
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
