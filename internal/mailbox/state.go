package mailbox

import "fmt"

// State is the lifecycle of the shared IMAP session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type event int

const (
	evConnect event = iota
	evEstablished
	evTransportFailure
	evAuthFailure
	evExhausted
	evShutdown
)

func (e event) String() string {
	switch e {
	case evConnect:
		return "connect"
	case evEstablished:
		return "established"
	case evTransportFailure:
		return "transport_failure"
	case evAuthFailure:
		return "auth_failure"
	case evExhausted:
		return "exhausted"
	case evShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

var transitions = map[State]map[event]State{
	StateDisconnected: {
		evConnect:  StateConnecting,
		evShutdown: StateDisconnected,
	},
	StateConnecting: {
		evEstablished:      StateConnected,
		evTransportFailure: StateReconnecting,
		evAuthFailure:      StateDisconnected,
		evExhausted:        StateDisconnected,
		evShutdown:         StateDisconnected,
	},
	StateConnected: {
		evTransportFailure: StateReconnecting,
		evShutdown:         StateDisconnected,
	},
	StateReconnecting: {
		evEstablished:      StateConnected,
		evTransportFailure: StateReconnecting,
		evAuthFailure:      StateDisconnected,
		evExhausted:        StateDisconnected,
		evShutdown:         StateDisconnected,
	},
}

// next returns the state reached from s on e. ok is false when the table has
// no such edge.
func next(s State, e event) (State, bool) {
	to, ok := transitions[s][e]
	return to, ok
}
