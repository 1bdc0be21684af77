package mirror_engine

import (
	"context"

	els "github.com/AnishMulay/sandmirror/internal/entry_lock_store"
	ms "github.com/AnishMulay/sandmirror/internal/metadata_service"
)

// SetAttr changes the attributes whose fields are non-nil.
type SetAttr struct {
	EntryID string
	Mode    *uint32
	UID     *uint32
	GID     *uint32
	ATime   *int64
	MTime   *int64

	Timestamp int64
}

func (*SetAttr) Kind() OpKind { return OpSetAttr }

func (op *SetAttr) lockPlan(context.Context, *execContext) *els.Plan {
	return els.NewPlan(els.FileIDLock(op.EntryID, true))
}

func (op *SetAttr) prepare(p *preparer) { op.Timestamp = p.now }

func (op *SetAttr) checkPrepared() error {
	if op.Timestamp == 0 {
		return missingPrepared(op.Kind(), "timestamp")
	}
	return nil
}

func (op *SetAttr) execute(ctx context.Context, x *execContext) ResponseState {
	attr := ms.SetAttr{Mode: op.Mode, UID: op.UID, GID: op.GID, ATime: op.ATime, MTime: op.MTime}
	if _, err := x.store.SetAttributes(ctx, op.EntryID, attr, op.Timestamp); err != nil {
		return &SetAttrResponse{baseState: baseState{Res: ResultFromError(err)}}
	}
	return &SetAttrResponse{ChangeTime: op.Timestamp}
}

// Optional fields are written whenever set, zero included.
func (op *SetAttr) encodeFields(e *fieldEncoder) {
	e.str(1, op.EntryID)
	if op.Mode != nil {
		e.presentUvarint(2, uint64(*op.Mode))
	}
	if op.UID != nil {
		e.presentUvarint(3, uint64(*op.UID))
	}
	if op.GID != nil {
		e.presentUvarint(4, uint64(*op.GID))
	}
	if op.ATime != nil {
		e.presentVarint(5, *op.ATime)
	}
	if op.MTime != nil {
		e.presentVarint(6, *op.MTime)
	}
	e.varint(7, op.Timestamp)
}

func (op *SetAttr) decodeFields(f *fieldSet) {
	op.EntryID = f.str(1)
	op.Mode = f.optUint32(2)
	op.UID = f.optUint32(3)
	op.GID = f.optUint32(4)
	op.ATime = f.optInt64(5)
	op.MTime = f.optInt64(6)
	op.Timestamp = f.varint(7)
}
