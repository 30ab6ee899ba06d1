// Package chat provides the core chat domain shared by the sync engine,
// its transports and the development server.
package chat

import "context"

// Conn abstracts a bidirectional frame connection to the cable endpoint.
// This interface isolates the websocket library from the channel client.
type Conn interface {
	// Read reads a single text frame.
	// Returns io.EOF or a close error when the connection is closed.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single text frame.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}
