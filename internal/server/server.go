package server

import "context"

// Server owns the communicator of a node and routes every incoming message.
type Server interface {
	Start() error
	Stop() error
}

// HTTPServer is the optional operator surface next to the message server.
type HTTPServer interface {
	Run(ctx context.Context) error
}
