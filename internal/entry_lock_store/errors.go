package entry_lock_store

import "errors"

var (
	ErrShuttingDown = errors.New("entry lock store is shutting down")
	ErrEmptyPlan    = errors.New("lock plan has no keys")
	ErrInvalidKey   = errors.New("invalid lock key")
)
