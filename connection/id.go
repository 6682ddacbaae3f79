package connection

import "fmt"

// ID identifies a connection by registry slot index plus slot version.
//
// The version increments every time a slot is recycled, so an ID captured
// before a disconnect never compares equal to the ID of the slot's next
// occupant. IDs are immutable values compared with ==.
type ID struct {
	Index   int32
	Version int32
}

// IsCreated reports whether the ID refers to a connection that was ever
// created. The zero ID is not created.
func (id ID) IsCreated() bool {
	return id.Version > 0
}

// String formats the ID as index:version for logging.
func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Index, id.Version)
}

// State is the lifecycle state of a connection slot.
type State uint8

const (
	// Disconnected is the resting state; slots start and end here.
	Disconnected State = iota
	// Connecting means a handshake is in flight.
	Connecting
	// Connected means the handshake completed and data may flow.
	Connected
	// Disconnecting means teardown was requested but not yet finished.
	Disconnecting
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// DisconnectReason explains why a connection was torn down. It travels as the
// single payload byte of a Disconnect event.
type DisconnectReason uint8

const (
	// ReasonDefault is a deliberate local or remote close.
	ReasonDefault DisconnectReason = iota
	// ReasonTimeout means the peer went silent past the inactivity timeout.
	ReasonTimeout
	// ReasonMaxConnectionAttempts means the connect handshake was retried
	// too many times without an answer.
	ReasonMaxConnectionAttempts
	// ReasonClosedByRemote means the peer sent an explicit disconnect.
	ReasonClosedByRemote
	// ReasonAuthenticationFailure means the security layer rejected the peer.
	ReasonAuthenticationFailure
	// ReasonProtocolError means a malformed control packet was received.
	ReasonProtocolError
)

// String returns a human-readable reason name.
func (r DisconnectReason) String() string {
	switch r {
	case ReasonDefault:
		return "default"
	case ReasonTimeout:
		return "timeout"
	case ReasonMaxConnectionAttempts:
		return "max connection attempts"
	case ReasonClosedByRemote:
		return "closed by remote"
	case ReasonAuthenticationFailure:
		return "authentication failure"
	case ReasonProtocolError:
		return "protocol error"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}
