package mirror_engine

import "errors"

var (
	// Decode errors. All of them map to ResultProtocol.
	ErrUnknownOpKind      = errors.New("unknown operation kind")
	ErrUnsupportedVersion = errors.New("unsupported encoding version")
	ErrTruncated          = errors.New("truncated message")
	ErrMalformedField     = errors.New("malformed field")

	ErrMissingPrepared = errors.New("forwarded request lacks primary-computed values")
	ErrRecoveryFailed  = errors.New("session recovery failed")

	// Result errors, returned by Result.Err.
	ErrInternal      = errors.New("internal error")
	ErrPathNotExists = errors.New("path does not exist")
	ErrExists        = errors.New("entry exists")
	ErrNotDir        = errors.New("not a directory")
	ErrIsDir         = errors.New("is a directory")
	ErrNotEmpty      = errors.New("directory not empty")
	ErrInval         = errors.New("invalid argument")
	ErrWouldBlock    = errors.New("lock would block")
	ErrTryAgain      = errors.New("temporarily unavailable, try again")
	ErrNotInSync     = errors.New("secondary not in sync")
	ErrNotOwner      = errors.New("target is not the owner of this request")
	ErrCommunication = errors.New("communication error")
	ErrProtocol      = errors.New("protocol error")
)
