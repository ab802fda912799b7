// Package transport provides the datagram socket primitives the session
// engine builds on: an ephemeral inbound listener for the audio stream and
// short-lived outbound connections for the handshake.
package transport

// The largest datagram the peer ever sends. A datagram boundary is a
// sample-buffer boundary; there is no framing beyond the packet itself.
const MaxDatagramSize = 4096

// Listener receives inbound datagrams on a bound local port.
type Listener interface {
	// Receive blocks until the next datagram arrives and returns a copy
	// of its payload. After Close, Receive returns an error wrapping
	// net.ErrClosed.
	Receive() ([]byte, error)

	// The local port the listener is bound to. This is the port
	// transmitted in the handshake payload.
	Port() int

	Close() error
}

// Conn sends outbound datagrams to a fixed remote address.
type Conn interface {
	Send(payload []byte) error
	Close() error
}

// Transport abstracts datagram socket creation, so the session engine can be
// driven by an in-memory implementation in tests.
type Transport interface {
	// BindEphemeral opens a listener on an OS-assigned local port.
	BindEphemeral() (Listener, error)

	// Dial opens an outbound datagram connection to ip:port.
	Dial(ip string, port int) (Conn, error)
}
