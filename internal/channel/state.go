package channel

import "time"

// State is the lifecycle state of a Channel.
type State int

// Channel states. Exhausted is terminal.
const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateExhausted
)

var stateNames = [...]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateOpen:         "open",
	StateClosed:       "closed",
	StateExhausted:    "exhausted",
}

// String returns the lowercase state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// AllStates lists every state in declaration order.
func AllStates() []State {
	return []State{StateDisconnected, StateConnecting, StateOpen, StateClosed, StateExhausted}
}

// StateChange describes a single transition.
type StateChange struct {
	From       State
	To         State
	RetryCount int
	// Delay is the wait before the next reconnect; only set on Closed.
	Delay time.Duration
	// Err is the transport error that caused a Closed transition, if any.
	Err error
}

// Session is a point-in-time snapshot of the channel's session fields.
type Session struct {
	ClientID   string
	State      State
	RetryCount int
	ActiveJob  string
	HasJob     bool
}
