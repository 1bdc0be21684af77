package mirror_engine

import (
	"context"
	"errors"

	els "github.com/AnishMulay/sandmirror/internal/entry_lock_store"
	ms "github.com/AnishMulay/sandmirror/internal/metadata_service"
)

// OpenFile registers a session for a new handle. HandleID is chosen by the
// primary.
type OpenFile struct {
	EntryID  string
	ClientID string
	Flags    uint32

	HandleID  string
	Timestamp int64
}

func (*OpenFile) Kind() OpKind { return OpOpenFile }

func (op *OpenFile) lockPlan(context.Context, *execContext) *els.Plan {
	return els.NewPlan(els.FileIDLock(op.EntryID, false))
}

func (op *OpenFile) prepare(p *preparer) {
	op.HandleID = p.newID()
	op.Timestamp = p.now
}

func (op *OpenFile) checkPrepared() error {
	if op.HandleID == "" {
		return missingPrepared(op.Kind(), "handle ID")
	}
	if op.Timestamp == 0 {
		return missingPrepared(op.Kind(), "timestamp")
	}
	return nil
}

func (op *OpenFile) execute(ctx context.Context, x *execContext) ResponseState {
	key := ms.SessionKey{ClientID: op.ClientID, HandleID: op.HandleID}
	if err := x.store.OpenFile(ctx, op.EntryID, key, op.Flags, op.Timestamp); err != nil {
		return &OpenFileResponse{baseState: baseState{Res: ResultFromError(err)}}
	}
	return &OpenFileResponse{HandleID: op.HandleID}
}

func (op *OpenFile) encodeFields(e *fieldEncoder) {
	e.str(1, op.EntryID)
	e.str(2, op.ClientID)
	e.uvarint(3, uint64(op.Flags))
	e.str(4, op.HandleID)
	e.varint(5, op.Timestamp)
}

func (op *OpenFile) decodeFields(f *fieldSet) {
	op.EntryID, op.ClientID, op.Flags = f.str(1), f.str(2), f.uint32(3)
	op.HandleID, op.Timestamp = f.str(4), f.varint(5)
}

// CloseFile drops a handle's session together with its locks.
type CloseFile struct {
	EntryID  string
	ClientID string
	HandleID string

	Timestamp int64
}

func (*CloseFile) Kind() OpKind { return OpCloseFile }

func (op *CloseFile) lockPlan(context.Context, *execContext) *els.Plan {
	return els.NewPlan(els.FileIDLock(op.EntryID, true))
}

func (op *CloseFile) prepare(p *preparer) { op.Timestamp = p.now }

func (op *CloseFile) checkPrepared() error {
	if op.Timestamp == 0 {
		return missingPrepared(op.Kind(), "timestamp")
	}
	return nil
}

func (op *CloseFile) execute(ctx context.Context, x *execContext) ResponseState {
	key := ms.SessionKey{ClientID: op.ClientID, HandleID: op.HandleID}
	err := x.recovery.run(ctx, x.store, op.EntryID, key, op.Timestamp, func() error {
		return x.store.CloseFile(ctx, op.EntryID, key)
	})
	return &CloseFileResponse{baseState: baseState{Res: ResultFromError(err)}}
}

func (op *CloseFile) encodeFields(e *fieldEncoder) {
	e.str(1, op.EntryID)
	e.str(2, op.ClientID)
	e.str(3, op.HandleID)
	e.varint(4, op.Timestamp)
}

func (op *CloseFile) decodeFields(f *fieldSet) {
	op.EntryID, op.ClientID, op.HandleID = f.str(1), f.str(2), f.str(3)
	op.Timestamp = f.varint(4)
}

// FLock is an advisory whole-file lock request. With Cancel set it withdraws
// a queued request of the handle.
type FLock struct {
	EntryID  string
	ClientID string
	HandleID string
	Type     ms.LockType
	Wait     bool
	Cancel   bool

	Timestamp int64
}

func (*FLock) Kind() OpKind { return OpFLock }

func (op *FLock) lockPlan(context.Context, *execContext) *els.Plan {
	return els.NewPlan(els.FileIDLock(op.EntryID, true))
}

func (op *FLock) prepare(p *preparer) { op.Timestamp = p.now }

func (op *FLock) checkPrepared() error {
	if op.Timestamp == 0 {
		return missingPrepared(op.Kind(), "timestamp")
	}
	return nil
}

func (op *FLock) execute(ctx context.Context, x *execContext) ResponseState {
	req := ms.FLockRequest{
		EntryID: op.EntryID,
		Owner:   ms.SessionKey{ClientID: op.ClientID, HandleID: op.HandleID},
		Type:    op.Type,
		Wait:    op.Wait,
		Cancel:  op.Cancel,
	}

	// A cancel needs no session, and cancelling on an entry that is gone has
	// nothing left to withdraw.
	if op.Cancel {
		out, err := x.store.FLock(ctx, req)
		if errors.Is(err, ms.ErrNotFound) {
			return &FLockResponse{Outcome: ms.FLockNoop}
		}
		if err != nil {
			return &FLockResponse{baseState: baseState{Res: ResultFromError(err)}}
		}
		return &FLockResponse{Outcome: out}
	}

	var out ms.FLockOutcome
	err := x.recovery.run(ctx, x.store, op.EntryID, req.Owner, op.Timestamp, func() error {
		var err error
		out, err = x.store.FLock(ctx, req)
		return err
	})
	if err != nil {
		return &FLockResponse{baseState: baseState{Res: ResultFromError(err)}}
	}
	if out == ms.FLockWouldBlock {
		return &FLockResponse{baseState: baseState{Res: ResultWouldBlock}, Outcome: out}
	}
	return &FLockResponse{Outcome: out}
}

func (op *FLock) encodeFields(e *fieldEncoder) {
	e.str(1, op.EntryID)
	e.str(2, op.ClientID)
	e.str(3, op.HandleID)
	e.uvarint(4, uint64(op.Type))
	e.flag(5, op.Wait)
	e.flag(6, op.Cancel)
	e.varint(7, op.Timestamp)
}

func (op *FLock) decodeFields(f *fieldSet) {
	op.EntryID, op.ClientID, op.HandleID = f.str(1), f.str(2), f.str(3)
	op.Type = ms.LockType(f.uvarint(4))
	op.Wait, op.Cancel = f.flag(5), f.flag(6)
	op.Timestamp = f.varint(7)
}

// AckNotify tells the secondary that the client saw the reply for SeqNo, so
// the cached reply can be dropped. It is sent by the primary for requests
// that were not forwarded and takes no entry locks.
type AckNotify struct{}

func (*AckNotify) Kind() OpKind                                     { return OpAckNotify }
func (*AckNotify) lockPlan(context.Context, *execContext) *els.Plan { return els.NewPlan() }
func (*AckNotify) prepare(*preparer)                                {}
func (*AckNotify) checkPrepared() error                             { return nil }
func (*AckNotify) encodeFields(*fieldEncoder)                       {}
func (*AckNotify) decodeFields(*fieldSet)                           {}

func (*AckNotify) execute(context.Context, *execContext) ResponseState {
	return &AckNotifyResponse{}
}
