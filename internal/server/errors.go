package server

import "errors"

var (
	// Server lifecycle errors
	ErrServerStartFailed = errors.New("failed to start server")
	ErrServerStopFailed  = errors.New("failed to stop server")

	// Message handling errors
	ErrInvalidPayload   = errors.New("invalid payload for message")
	ErrUnknownMessage   = errors.New("unknown message type")
	ErrOverloaded       = errors.New("no free worker for request")
	ErrHTTPServerFailed = errors.New("http server failed")
)
