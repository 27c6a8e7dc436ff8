package session

import "github.com/google/uuid"

// Transport is the minimal surface of one live peer connection. The server
// adapts the WebSocket to this; tests supply in-memory fakes.
type Transport interface {
	Send(frame []byte) error
	Close(code int, reason string) error
	Alive() bool
}

// ConnState tracks a connection through the join handshake.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateJoined
	StateClosed
)

// Conn is one live peer connection. Its state is mutated only by the session
// that owns it.
type Conn struct {
	peerID     string
	transport  Transport
	state      ConnState
	joinedRoom string
}

// NewConn wraps a transport with a fresh peer identity in the Connecting state.
func NewConn(transport Transport) *Conn {
	return &Conn{
		peerID:    uuid.NewString(),
		transport: transport,
		state:     StateConnecting,
	}
}

// PeerID returns the opaque peer identity assigned at upgrade time.
func (c *Conn) PeerID() string {
	return c.peerID
}

// State returns the connection's current handshake state.
func (c *Conn) State() ConnState {
	return c.state
}
