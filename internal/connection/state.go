package connection

// State is the lifecycle state of a Manager.
type State int

const (
	// StateIdle means no connection has been attempted, or the last attempt
	// found no session token.
	StateIdle State = iota

	// StateConnecting means a dial is in flight.
	StateConnecting

	// StateOpen means the socket is live and Send writes to it.
	StateOpen

	// StateClosing means Disconnect is tearing down the live socket.
	StateClosing

	// StateClosed means the socket is gone. Whether a reconnect follows is
	// reported separately (see ManagerStats.Terminal).
	StateClosed
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateChange describes a single transition.
type StateChange struct {
	From     State
	To       State
	Terminal bool  // Closed with no automatic reconnect to follow
	Err      error // Transport error that caused the change, if any
}

// validTransition reports whether from -> to is allowed. Open is only
// reachable from Connecting.
func validTransition(from, to State) bool {
	switch to {
	case StateOpen:
		return from == StateConnecting
	case StateConnecting:
		return from == StateIdle || from == StateClosed
	case StateClosing:
		return from == StateOpen || from == StateConnecting
	case StateClosed:
		return true
	case StateIdle:
		return from != StateOpen
	}
	return false
}
