package target_state_store

import "errors"

var (
	ErrListLengthMismatch = errors.New("target and state lists differ in length")
	ErrInvalidTargetID    = errors.New("invalid target ID")
	ErrUnknownTarget      = errors.New("unknown target")
	ErrInvalidTransition  = errors.New("invalid consistency transition")
	ErrStateChanged       = errors.New("target state changed concurrently")
	ErrInvalidState       = errors.New("invalid state name")
	ErrPersistFailed      = errors.New("failed to persist target states")
	ErrLoadFailed         = errors.New("failed to load target states")
)
