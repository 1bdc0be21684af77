package mirror_engine

import (
	"context"
	"fmt"

	els "github.com/AnishMulay/sandmirror/internal/entry_lock_store"
	"github.com/AnishMulay/sandmirror/internal/log_service"
	ms "github.com/AnishMulay/sandmirror/internal/metadata_service"
)

// OpKind tags an operation on the wire. Values are stable.
type OpKind uint8

const (
	OpMkDir OpKind = iota + 1
	OpCreateFile
	OpUnlinkFile
	OpRmDir
	OpRename
	OpSetAttr
	OpOpenFile
	OpCloseFile
	OpFLock
	OpAckNotify
)

var opKindNames = map[OpKind]string{
	OpMkDir:      "mkdir",
	OpCreateFile: "create_file",
	OpUnlinkFile: "unlink_file",
	OpRmDir:      "rmdir",
	OpRename:     "rename",
	OpSetAttr:    "set_attr",
	OpOpenFile:   "open_file",
	OpCloseFile:  "close_file",
	OpFLock:      "flock",
	OpAckNotify:  "ack_notify",
}

func (k OpKind) String() string {
	if name, ok := opKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", uint8(k))
}

func (k OpKind) valid() bool {
	_, ok := opKindNames[k]
	return ok
}

// Operation is the closed set of mirrored metadata operations. The
// unexported methods keep implementations inside this package.
type Operation interface {
	Kind() OpKind

	// lockPlan computes the entry locks the operation needs. It may read the
	// store; it is evaluated again once the locks are held and the two plans
	// must agree.
	lockPlan(ctx context.Context, x *execContext) *els.Plan

	// prepare fills values only the primary may choose. A secondary uses the
	// values carried in the forwarded request.
	prepare(p *preparer)
	checkPrepared() error

	// execute applies the operation to the local store exactly once.
	execute(ctx context.Context, x *execContext) ResponseState

	encodeFields(e *fieldEncoder)
	decodeFields(f *fieldSet)
}

// newOperation returns an empty operation for kind.
func newOperation(kind OpKind) (Operation, error) {
	switch kind {
	case OpMkDir:
		return &MkDir{}, nil
	case OpCreateFile:
		return &CreateFile{}, nil
	case OpUnlinkFile:
		return &UnlinkFile{}, nil
	case OpRmDir:
		return &RmDir{}, nil
	case OpRename:
		return &Rename{}, nil
	case OpSetAttr:
		return &SetAttr{}, nil
	case OpOpenFile:
		return &OpenFile{}, nil
	case OpCloseFile:
		return &CloseFile{}, nil
	case OpFLock:
		return &FLock{}, nil
	case OpAckNotify:
		return &AckNotify{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownOpKind, uint8(kind))
	}
}

type preparer struct {
	newID func() string
	now   int64
}

// execContext is what an operation may touch while it runs.
type execContext struct {
	store    ms.MetadataService
	recovery *sessionRecovery
	ls       log_service.LogService
}

func missingPrepared(kind OpKind, field string) error {
	return fmt.Errorf("%w: %s needs %s", ErrMissingPrepared, kind, field)
}

// lookupOrEmpty resolves a child for lock planning. A missing child yields no
// lock; execution reports the error.
func lookupOrEmpty(ctx context.Context, x *execContext, parentID, name string) string {
	id, err := x.store.Lookup(ctx, parentID, name)
	if err != nil {
		return ""
	}
	return id
}
