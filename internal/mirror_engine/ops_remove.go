package mirror_engine

import (
	"context"

	els "github.com/AnishMulay/sandmirror/internal/entry_lock_store"
)

// UnlinkFile removes a file entry from its parent.
type UnlinkFile struct {
	ParentID string
	Name     string

	Timestamp int64
}

func (*UnlinkFile) Kind() OpKind { return OpUnlinkFile }

func (op *UnlinkFile) lockPlan(ctx context.Context, x *execContext) *els.Plan {
	plan := els.NewPlan(
		els.DirIDLock(op.ParentID, false),
		els.ParentNameLock(op.ParentID, op.Name),
	)
	if child := lookupOrEmpty(ctx, x, op.ParentID, op.Name); child != "" {
		plan.Add(els.FileIDLock(child, true))
	}
	return plan
}

func (op *UnlinkFile) prepare(p *preparer) { op.Timestamp = p.now }

func (op *UnlinkFile) checkPrepared() error {
	if op.Timestamp == 0 {
		return missingPrepared(op.Kind(), "timestamp")
	}
	return nil
}

func (op *UnlinkFile) execute(ctx context.Context, x *execContext) ResponseState {
	removed, err := x.store.Remove(ctx, op.ParentID, op.Name, op.Timestamp)
	if err != nil {
		return &UnlinkFileResponse{baseState: baseState{Res: ResultFromError(err)}}
	}
	return &UnlinkFileResponse{RemovedID: removed}
}

func (op *UnlinkFile) encodeFields(e *fieldEncoder) {
	e.str(1, op.ParentID)
	e.str(2, op.Name)
	e.varint(3, op.Timestamp)
}

func (op *UnlinkFile) decodeFields(f *fieldSet) {
	op.ParentID, op.Name, op.Timestamp = f.str(1), f.str(2), f.varint(3)
}

// RmDir removes an empty directory.
type RmDir struct {
	ParentID string
	Name     string

	Timestamp int64
}

func (*RmDir) Kind() OpKind { return OpRmDir }

// The directory being removed is locked exclusively as a directory too, so
// no create can slip into it while its emptiness is checked.
func (op *RmDir) lockPlan(ctx context.Context, x *execContext) *els.Plan {
	plan := els.NewPlan(
		els.DirIDLock(op.ParentID, false),
		els.ParentNameLock(op.ParentID, op.Name),
	)
	if child := lookupOrEmpty(ctx, x, op.ParentID, op.Name); child != "" {
		plan.Add(els.DirIDLock(child, true), els.FileIDLock(child, true))
	}
	return plan
}

func (op *RmDir) prepare(p *preparer) { op.Timestamp = p.now }

func (op *RmDir) checkPrepared() error {
	if op.Timestamp == 0 {
		return missingPrepared(op.Kind(), "timestamp")
	}
	return nil
}

func (op *RmDir) execute(ctx context.Context, x *execContext) ResponseState {
	removed, err := x.store.Rmdir(ctx, op.ParentID, op.Name, op.Timestamp)
	if err != nil {
		return &RmDirResponse{baseState: baseState{Res: ResultFromError(err)}}
	}
	return &RmDirResponse{RemovedID: removed}
}

func (op *RmDir) encodeFields(e *fieldEncoder) {
	e.str(1, op.ParentID)
	e.str(2, op.Name)
	e.varint(3, op.Timestamp)
}

func (op *RmDir) decodeFields(f *fieldSet) {
	op.ParentID, op.Name, op.Timestamp = f.str(1), f.str(2), f.varint(3)
}
