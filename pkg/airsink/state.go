package airsink

// ConnectionState describes where the engine currently stands in the
// lifecycle of a sink connection to a single source device
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateStreaming
	StateWaitingForSource
	StateReconnecting
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateWaitingForSource:
		return "waiting for source"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	}

	return "unknown"
}

// StateEvent is emitted on every ConnectionManager transition. It is the
// only channel the tray/notification/volume-sync layers consume
type StateEvent struct {
	State    ConnectionState
	DeviceID string
}
