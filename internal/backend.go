package internal

import (
	"context"

	"github.com/dnd-stuff/sheetsync/internal/core/client"
)

// Backend is the per-generation application logic behind a listener. The
// frontend owns the transport and hands every accepted client and frame to it.
type Backend interface {
	// Identifier returns a uniquely identifying string.
	Identifier() string

	// Init is called before the listener binds as a hook for the Backend to
	// perform any necessary initialization before it can accept clients.
	Init(ctx context.Context) error

	// Handshake is called once for each accepted client before any of its
	// frames are read.
	Handshake(ctx context.Context, c *client.Client) error

	// Handle is the main entry point for processing client frames. Returning
	// an error ends the client's connection.
	Handle(ctx context.Context, c *client.Client, data []byte) error

	// Disconnect is called once the client's connection has ended, including
	// when Handshake failed.
	Disconnect(c *client.Client)

	// Close releases the Backend's resources once every client has disconnected.
	Close() error
}
