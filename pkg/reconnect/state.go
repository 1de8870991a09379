package reconnect

import "fmt"

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Closed
	Backoff
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	case Backoff:
		return "backoff"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// StateChange is delivered to subscribers on every transition.
type StateChange struct {
	From    State
	To      State
	Attempt int
	Err     error
}
