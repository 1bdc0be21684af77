package mirror_engine

import (
	"context"
	"errors"
	"fmt"

	bgm "github.com/AnishMulay/sandmirror/internal/buddy_group_mapper"
	"github.com/AnishMulay/sandmirror/internal/communication"
	els "github.com/AnishMulay/sandmirror/internal/entry_lock_store"
	ms "github.com/AnishMulay/sandmirror/internal/metadata_service"
)

// Result is the serialisable outcome of a mirrored request.
type Result uint16

const (
	ResultSuccess Result = iota
	ResultInternal
	ResultPathNotExists
	ResultExists
	ResultNotDir
	ResultIsDir
	ResultNotEmpty
	ResultInval
	ResultWouldBlock
	ResultTryAgain
	ResultNotInSync
	ResultNotOwner
	ResultCommunication
	ResultProtocol
)

var resultInfo = map[Result]struct {
	name string
	err  error
}{
	ResultSuccess:       {"success", nil},
	ResultInternal:      {"internal", ErrInternal},
	ResultPathNotExists: {"path-not-exists", ErrPathNotExists},
	ResultExists:        {"exists", ErrExists},
	ResultNotDir:        {"not-dir", ErrNotDir},
	ResultIsDir:         {"is-dir", ErrIsDir},
	ResultNotEmpty:      {"not-empty", ErrNotEmpty},
	ResultInval:         {"inval", ErrInval},
	ResultWouldBlock:    {"would-block", ErrWouldBlock},
	ResultTryAgain:      {"try-again", ErrTryAgain},
	ResultNotInSync:     {"not-in-sync", ErrNotInSync},
	ResultNotOwner:      {"not-owner", ErrNotOwner},
	ResultCommunication: {"communication", ErrCommunication},
	ResultProtocol:      {"protocol", ErrProtocol},
}

func (r Result) String() string {
	if info, ok := resultInfo[r]; ok {
		return info.name
	}
	return fmt.Sprintf("result(%d)", uint16(r))
}

func (r Result) valid() bool {
	_, ok := resultInfo[r]
	return ok
}

// Err returns nil for ResultSuccess and a sentinel error otherwise.
func (r Result) Err() error {
	if info, ok := resultInfo[r]; ok {
		return info.err
	}
	return fmt.Errorf("%w: unknown result %d", ErrProtocol, uint16(r))
}

// Retryable reports whether a caller should re-issue the request unchanged.
func (r Result) Retryable() bool {
	return r == ResultTryAgain || r == ResultCommunication
}

// ResultFromError classifies an error from any collaborator of the engine.
func ResultFromError(err error) Result {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, ms.ErrNotFound):
		return ResultPathNotExists
	case errors.Is(err, ms.ErrAlreadyExists):
		return ResultExists
	case errors.Is(err, ms.ErrNotDir):
		return ResultNotDir
	case errors.Is(err, ms.ErrIsDir):
		return ResultIsDir
	case errors.Is(err, ms.ErrNotEmpty):
		return ResultNotEmpty
	case errors.Is(err, ms.ErrInvalid), errors.Is(err, ErrMissingPrepared), errors.Is(err, els.ErrInvalidKey):
		return ResultInval
	case errors.Is(err, ms.ErrNotStarted),
		errors.Is(err, els.ErrShuttingDown),
		errors.Is(err, bgm.ErrNotInitialized),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ResultTryAgain
	case errors.Is(err, communication.ErrConnectionFailed),
		errors.Is(err, communication.ErrMessageSendFailed),
		errors.Is(err, communication.ErrClientCreateFailed),
		errors.Is(err, communication.ErrStopped):
		return ResultCommunication
	case errors.Is(err, ErrUnknownOpKind),
		errors.Is(err, ErrUnsupportedVersion),
		errors.Is(err, ErrTruncated),
		errors.Is(err, ErrMalformedField),
		errors.Is(err, communication.ErrEnvelopeUnmarshalFailed):
		return ResultProtocol
	}

	for r, info := range resultInfo {
		if info.err != nil && errors.Is(err, info.err) {
			return r
		}
	}
	return ResultInternal
}
