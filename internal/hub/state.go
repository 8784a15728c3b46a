package hub

// State is the lifecycle of the managed hub connection.
type State int32

const (
	// StateDisconnected means no connection exists and none is being opened.
	StateDisconnected State = iota

	// StateConnecting means a connection attempt is in progress or scheduled.
	StateConnecting

	// StateConnected means Invoke is available and requests are flowing.
	StateConnected

	// StateReauthenticating means the hub rejected the credential and a
	// fresh login is in progress.
	StateReauthenticating
)

// String returns the state name reported to health checks.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReauthenticating:
		return "Reauthenticating"
	default:
		return "Unknown"
	}
}
