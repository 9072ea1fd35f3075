package stream

import "time"

// State of the connection manager.
type State int32

const (
	Disconnected State = iota
	Connecting
	Subscribed
	Reconnecting
	Failed // retry budget exhausted; terminal until the manager is restarted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Subscribed:
		return "SUBSCRIBED"
	case Reconnecting:
		return "RECONNECTING"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

const (
	backoffStep = 5 * time.Second
	backoffMax  = 60 * time.Second
)

// Backoff returns the wait before reconnect attempt n (1-based):
// min(n*5, 60) seconds.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := time.Duration(attempt) * backoffStep
	if d > backoffMax {
		return backoffMax
	}
	return d
}
