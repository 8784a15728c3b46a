package socket

// State is the lifecycle of one socket connection.
type State int32

const (
	// StateDisconnected means no usable connection exists.
	StateDisconnected State = iota

	// StateConnecting means the socket is open but not yet authenticated.
	StateConnecting

	// StateConnected means requests can be sent.
	StateConnected
)

// String returns the lower-case state name used in logs and metrics.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}
