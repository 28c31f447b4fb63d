package anpr

// StreamStatus is the lifecycle state of a detection stream session.
type StreamStatus int

const (
	StatusIdle StreamStatus = iota
	StatusConnecting
	StatusStreaming
	StatusError
	StatusStopped
)

func (s StreamStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusStreaming:
		return "streaming"
	case StatusError:
		return "error"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
