package gateway

import "github.com/google/uuid"

// Peer is the transport side of a live connection. The websocket handler
// provides the real implementation; tests use fakes.
type Peer interface {
	// Send writes one text frame. A non-nil error means the socket is gone.
	Send(data []byte) error
	// Close sends a close frame with the given code and reason, then tears
	// the socket down. Safe to call more than once.
	Close(code int, reason string) error
	// Alive reports whether the socket is still in a connected state.
	Alive() bool
}

// Connection identifies one live socket. Identity is pointer identity; all
// attributes (tenant, user, roles, branches, sectors, sessions) live in the
// ConnectionIndex, never on the connection itself.
type Connection struct {
	ID   string
	peer Peer
}

func NewConnection(p Peer) *Connection {
	return &Connection{ID: uuid.NewString(), peer: p}
}

func (c *Connection) Send(data []byte) error          { return c.peer.Send(data) }
func (c *Connection) Close(code int, reason string) error { return c.peer.Close(code, reason) }
func (c *Connection) Alive() bool                     { return c.peer.Alive() }
