package communication

import "errors"

var (
	// Server startup/shutdown errors
	ErrServerStartFailed = errors.New("failed to start server")
	ErrServerStopFailed  = errors.New("failed to stop server")
	ErrStopped           = errors.New("communicator stopped")

	// Client connection errors
	ErrClientCreateFailed = errors.New("failed to create client")
	ErrConnectionFailed   = errors.New("failed to connect to server")
	ErrUnknownPeer        = errors.New("unknown peer address")

	// Message handling errors
	ErrHandlerNotSet        = errors.New("message handler not set")
	ErrMessageSendFailed    = errors.New("failed to send message")
	ErrMessageHandlerFailed = errors.New("message handler failed")

	// Envelope encoding errors
	ErrEnvelopeMarshalFailed   = errors.New("failed to marshal envelope")
	ErrEnvelopeUnmarshalFailed = errors.New("failed to unmarshal envelope")

	// GRPC specific errors
	ErrGRPCListenFailed = errors.New("failed to listen on address")
)
