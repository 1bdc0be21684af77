package mirror_engine

import (
	"context"

	els "github.com/AnishMulay/sandmirror/internal/entry_lock_store"
)

// Rename moves an entry, replacing whatever lives at the destination name
// when the store allows it.
type Rename struct {
	SrcParentID string
	SrcName     string
	DstParentID string
	DstName     string

	Timestamp int64
}

func (*Rename) Kind() OpKind { return OpRename }

func (op *Rename) lockPlan(ctx context.Context, x *execContext) *els.Plan {
	plan := els.NewPlan(
		els.DirIDLock(op.SrcParentID, false),
		els.DirIDLock(op.DstParentID, false),
		els.ParentNameLock(op.SrcParentID, op.SrcName),
		els.ParentNameLock(op.DstParentID, op.DstName),
	)
	if moved := lookupOrEmpty(ctx, x, op.SrcParentID, op.SrcName); moved != "" {
		plan.Add(els.FileIDLock(moved, true))
	}
	// A replaced directory is locked as a directory too, so nothing can be
	// created in it while its emptiness is checked.
	if overwritten := lookupOrEmpty(ctx, x, op.DstParentID, op.DstName); overwritten != "" {
		plan.Add(els.DirIDLock(overwritten, true), els.FileIDLock(overwritten, true))
	}
	return plan
}

func (op *Rename) prepare(p *preparer) { op.Timestamp = p.now }

func (op *Rename) checkPrepared() error {
	if op.Timestamp == 0 {
		return missingPrepared(op.Kind(), "timestamp")
	}
	return nil
}

func (op *Rename) execute(ctx context.Context, x *execContext) ResponseState {
	overwritten, err := x.store.Rename(ctx, op.SrcParentID, op.SrcName, op.DstParentID, op.DstName, op.Timestamp)
	if err != nil {
		return &RenameResponse{baseState: baseState{Res: ResultFromError(err)}}
	}
	return &RenameResponse{OverwrittenID: overwritten}
}

func (op *Rename) encodeFields(e *fieldEncoder) {
	e.str(1, op.SrcParentID)
	e.str(2, op.SrcName)
	e.str(3, op.DstParentID)
	e.str(4, op.DstName)
	e.varint(5, op.Timestamp)
}

func (op *Rename) decodeFields(f *fieldSet) {
	op.SrcParentID, op.SrcName = f.str(1), f.str(2)
	op.DstParentID, op.DstName = f.str(3), f.str(4)
	op.Timestamp = f.varint(5)
}
