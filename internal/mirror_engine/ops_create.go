package mirror_engine

import (
	"context"

	els "github.com/AnishMulay/sandmirror/internal/entry_lock_store"
)

// MkDir creates a directory. NewID and Timestamp are chosen by the primary.
type MkDir struct {
	ParentID string
	Name     string
	Mode     uint32
	UID      uint32
	GID      uint32

	NewID     string
	Timestamp int64
}

func (*MkDir) Kind() OpKind { return OpMkDir }

func (op *MkDir) lockPlan(context.Context, *execContext) *els.Plan {
	return newEntryPlan(op.ParentID, op.Name, op.NewID)
}

func (op *MkDir) prepare(p *preparer) {
	op.NewID = p.newID()
	op.Timestamp = p.now
}

func (op *MkDir) checkPrepared() error {
	if op.NewID == "" {
		return missingPrepared(op.Kind(), "new entry ID")
	}
	if op.Timestamp == 0 {
		return missingPrepared(op.Kind(), "timestamp")
	}
	return nil
}

func (op *MkDir) execute(ctx context.Context, x *execContext) ResponseState {
	_, err := x.store.Mkdir(ctx, op.ParentID, op.Name, op.NewID, op.Mode, op.UID, op.GID, op.Timestamp)
	if err != nil {
		return &MkDirResponse{baseState: baseState{Res: ResultFromError(err)}}
	}
	return &MkDirResponse{EntryID: op.NewID, Timestamp: op.Timestamp}
}

func (op *MkDir) encodeFields(e *fieldEncoder) {
	encodeNewEntry(e, op.ParentID, op.Name, op.Mode, op.UID, op.GID, op.NewID, op.Timestamp)
}

func (op *MkDir) decodeFields(f *fieldSet) {
	op.ParentID, op.Name, op.Mode, op.UID, op.GID, op.NewID, op.Timestamp = decodeNewEntry(f)
}

// CreateFile creates a regular file.
type CreateFile struct {
	ParentID string
	Name     string
	Mode     uint32
	UID      uint32
	GID      uint32

	NewID     string
	Timestamp int64
}

func (*CreateFile) Kind() OpKind { return OpCreateFile }

func (op *CreateFile) lockPlan(context.Context, *execContext) *els.Plan {
	return newEntryPlan(op.ParentID, op.Name, op.NewID)
}

func (op *CreateFile) prepare(p *preparer) {
	op.NewID = p.newID()
	op.Timestamp = p.now
}

func (op *CreateFile) checkPrepared() error {
	if op.NewID == "" {
		return missingPrepared(op.Kind(), "new entry ID")
	}
	if op.Timestamp == 0 {
		return missingPrepared(op.Kind(), "timestamp")
	}
	return nil
}

func (op *CreateFile) execute(ctx context.Context, x *execContext) ResponseState {
	_, err := x.store.Create(ctx, op.ParentID, op.Name, op.NewID, op.Mode, op.UID, op.GID, op.Timestamp)
	if err != nil {
		return &CreateFileResponse{baseState: baseState{Res: ResultFromError(err)}}
	}
	return &CreateFileResponse{EntryID: op.NewID, Timestamp: op.Timestamp}
}

func (op *CreateFile) encodeFields(e *fieldEncoder) {
	encodeNewEntry(e, op.ParentID, op.Name, op.Mode, op.UID, op.GID, op.NewID, op.Timestamp)
}

func (op *CreateFile) decodeFields(f *fieldSet) {
	op.ParentID, op.Name, op.Mode, op.UID, op.GID, op.NewID, op.Timestamp = decodeNewEntry(f)
}

// newEntryPlan locks the parent against removal, the name against
// concurrent creation and the new entry itself.
func newEntryPlan(parentID, name, newID string) *els.Plan {
	plan := els.NewPlan(
		els.DirIDLock(parentID, false),
		els.ParentNameLock(parentID, name),
	)
	if newID != "" {
		plan.Add(els.FileIDLock(newID, true))
	}
	return plan
}

func encodeNewEntry(e *fieldEncoder, parentID, name string, mode, uid, gid uint32, newID string, ts int64) {
	e.str(1, parentID)
	e.str(2, name)
	e.uvarint(3, uint64(mode))
	e.uvarint(4, uint64(uid))
	e.uvarint(5, uint64(gid))
	e.str(6, newID)
	e.varint(7, ts)
}

func decodeNewEntry(f *fieldSet) (parentID, name string, mode, uid, gid uint32, newID string, ts int64) {
	return f.str(1), f.str(2), f.uint32(3), f.uint32(4), f.uint32(5), f.str(6), f.varint(7)
}
