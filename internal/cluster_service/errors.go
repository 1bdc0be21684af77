package cluster_service

import "errors"

var (
	ErrUnknownTarget   = errors.New("unknown target")
	ErrInvalidTarget   = errors.New("invalid target registration")
	ErrNotRegistered   = errors.New("local target not registered")
	ErrConnectFailed   = errors.New("failed to connect to cluster store")
	ErrPublishFailed   = errors.New("failed to publish to cluster store")
	ErrInvalidInterval = errors.New("invalid heartbeat interval")
)
