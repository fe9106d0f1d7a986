package bridge

import "fmt"

// State is the connection state of a bridge.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateStreaming    State = "streaming"
	StateClosing      State = "closing"
	StateError        State = "error"
)

var transitions = map[State][]State{
	StateDisconnected: {StateConnecting, StateClosing},
	StateConnecting:   {StateConnected, StateClosing, StateError},
	StateConnected:    {StateStreaming, StateClosing, StateError},
	StateStreaming:    {StateConnected, StateClosing, StateError},
	StateClosing:      {StateDisconnected, StateError},
	StateError:        {StateClosing},
}

// Active reports whether the bridge still carries or is about to carry audio.
func (s State) Active() bool {
	switch s {
	case StateConnecting, StateConnected, StateStreaming:
		return true
	default:
		return false
	}
}

// next validates a transition from s to to.
func (s State) next(to State) (State, error) {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return to, nil
		}
	}
	return s, fmt.Errorf("bridge: illegal state transition %s -> %s", s, to)
}
