package addressbook

import "fmt"

// The connection lifecycle phase of a device.
type StateKind int

const (
	StateDisconnected StateKind = iota
	StateConnecting
	StateConnected
	StateStreaming
	StateError
)

// ConnectionState is a tagged value: Message is populated only when
// Kind == StateError and carries the most specific available error text.
type ConnectionState struct {
	Kind    StateKind
	Message string
}

func Disconnected() ConnectionState { return ConnectionState{Kind: StateDisconnected} }
func Connecting() ConnectionState   { return ConnectionState{Kind: StateConnecting} }
func Connected() ConnectionState    { return ConnectionState{Kind: StateConnected} }
func Streaming() ConnectionState    { return ConnectionState{Kind: StateStreaming} }

func ErrorState(message string) ConnectionState {
	return ConnectionState{Kind: StateError, Message: message}
}

func (s ConnectionState) String() string {
	switch s.Kind {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateError:
		return fmt.Sprintf("error: %s", s.Message)
	default:
		return "unknown"
	}
}
