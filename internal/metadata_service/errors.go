package metadata_service

import "errors"

// Errors mapped to POSIX concepts. The mirror engine turns them into result
// codes, so every error an operation can return must be one of these or wrap
// one of them.
var (
	ErrNotFound      = errors.New("no such file or directory")
	ErrAlreadyExists = errors.New("file exists")
	ErrNotDir        = errors.New("not a directory")
	ErrIsDir         = errors.New("is a directory")
	ErrNotEmpty      = errors.New("directory not empty")
	ErrInvalid       = errors.New("invalid argument")
	ErrNoSession     = errors.New("no open session for handle")
	ErrNotStarted    = errors.New("metadata service not started")
)
