package tcpserver

// State is the lifecycle stage of a TCPConnection.
type State int32

const (
	// StatePending is a constructed connection not yet established.
	StatePending State = iota
	// StateActive is an established connection.
	StateActive
	// StateClosing has a shutdown requested while output is still draining.
	StateClosing
	// StateClosed no longer accepts sends. After a graceful half-close it may
	// still be reading until the peer closes its side.
	StateClosed
	// StateDestroyed has released its descriptor.
	StateDestroyed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}
