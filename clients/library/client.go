package sandlib

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AnishMulay/sandmirror/internal/communication"
	ms "github.com/AnishMulay/sandmirror/internal/metadata_service"
	me "github.com/AnishMulay/sandmirror/internal/mirror_engine"
	"github.com/AnishMulay/sandmirror/internal/retry"
	"github.com/google/uuid"
)

var (
	ErrNoNodes        = errors.New("mirror client has no node addresses")
	ErrUnexpectedType = errors.New("unexpected response state type")
)

var DefaultPolicy = retry.Policy{MaxAttempts: 8, BaseDelay: 20 * time.Millisecond, MaxDelay: time.Second}

func NewMirrorClient(addrs []string, comm communication.Communicator) *MirrorClient {
	return &MirrorClient{
		ClientID: uuid.NewString(),
		Addrs:    addrs,
		Comm:     comm,
		Policy:   DefaultPolicy,
	}
}

// Do sends op with a fresh sequence number and retries it unchanged while
// the cluster answers try-again. Every attempt carries the same number, so a
// request that already ran is answered from the node's reply cache.
func (c *MirrorClient) Do(ctx context.Context, op me.Operation) (*me.Reply, error) {
	if len(c.Addrs) == 0 {
		return nil, ErrNoNodes
	}

	c.mu.Lock()
	seq, done := c.seqs.issue()
	c.mu.Unlock()

	req := &me.MirroredRequest{Op: op, ClientID: c.ClientID, SeqNo: seq, SeqNoDone: done}

	retryable := func(reply *me.Reply, err error) bool {
		if err != nil {
			return errors.Is(err, communication.ErrConnectionFailed) ||
				errors.Is(err, communication.ErrMessageSendFailed)
		}
		return reply.Result.Retryable() || reply.Result == me.ResultNotOwner
	}

	reply, err := retry.Do(ctx, c.Policy, retryable, func(int) (*me.Reply, error) {
		addr := c.node()
		reply, err := c.send(ctx, addr, req)
		if err != nil || reply.Result == me.ResultNotOwner {
			c.rotate(addr)
		}
		return reply, err
	})

	c.mu.Lock()
	c.seqs.complete(seq)
	c.mu.Unlock()

	if reply == nil {
		return nil, err
	}
	return reply, nil
}

func (c *MirrorClient) node() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Addrs[c.current]
}

// rotate moves to the next node unless another call already moved away from
// failed.
func (c *MirrorClient) rotate(failed string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Addrs[c.current] == failed {
		c.current = (c.current + 1) % len(c.Addrs)
	}
}

func (c *MirrorClient) send(ctx context.Context, addr string, req *me.MirroredRequest) (*me.Reply, error) {
	resp, err := c.Comm.Send(ctx, addr, communication.Message{
		From:    c.Comm.Address(),
		Type:    communication.MessageTypeMirrorRequest,
		Payload: me.EncodeRequest(req),
	})
	if err != nil {
		return nil, err
	}
	if resp.Code != communication.CodeOK {
		return nil, fmt.Errorf("%w: %s: %s", communication.ErrMessageSendFailed, resp.Code, resp.Body)
	}
	return me.DecodeReply(resp.Body)
}

// result turns a reply into the state of the expected type or the error the
// result stands for.
func result[T me.ResponseState](reply *me.Reply, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	if rerr := reply.Result.Err(); rerr != nil {
		return zero, rerr
	}
	st, ok := reply.State.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %T", ErrUnexpectedType, reply.State)
	}
	return st, nil
}

func (c *MirrorClient) MkDir(ctx context.Context, parentID, name string, mode, uid, gid uint32) (string, error) {
	st, err := result[*me.MkDirResponse](c.Do(ctx, &me.MkDir{ParentID: parentID, Name: name, Mode: mode, UID: uid, GID: gid}))
	if err != nil {
		return "", err
	}
	return st.EntryID, nil
}

func (c *MirrorClient) CreateFile(ctx context.Context, parentID, name string, mode, uid, gid uint32) (string, error) {
	st, err := result[*me.CreateFileResponse](c.Do(ctx, &me.CreateFile{ParentID: parentID, Name: name, Mode: mode, UID: uid, GID: gid}))
	if err != nil {
		return "", err
	}
	return st.EntryID, nil
}

func (c *MirrorClient) Unlink(ctx context.Context, parentID, name string) error {
	_, err := result[*me.UnlinkFileResponse](c.Do(ctx, &me.UnlinkFile{ParentID: parentID, Name: name}))
	return err
}

func (c *MirrorClient) RmDir(ctx context.Context, parentID, name string) error {
	_, err := result[*me.RmDirResponse](c.Do(ctx, &me.RmDir{ParentID: parentID, Name: name}))
	return err
}

// Rename returns the ID of the entry the move replaced, if any.
func (c *MirrorClient) Rename(ctx context.Context, srcParentID, srcName, dstParentID, dstName string) (string, error) {
	st, err := result[*me.RenameResponse](c.Do(ctx, &me.Rename{
		SrcParentID: srcParentID, SrcName: srcName,
		DstParentID: dstParentID, DstName: dstName,
	}))
	if err != nil {
		return "", err
	}
	return st.OverwrittenID, nil
}

func (c *MirrorClient) SetAttr(ctx context.Context, entryID string, attr ms.SetAttr) error {
	_, err := result[*me.SetAttrResponse](c.Do(ctx, &me.SetAttr{
		EntryID: entryID, Mode: attr.Mode, UID: attr.UID, GID: attr.GID, ATime: attr.ATime, MTime: attr.MTime,
	}))
	return err
}

func (c *MirrorClient) Open(ctx context.Context, entryID string, flags uint32) (Handle, error) {
	st, err := result[*me.OpenFileResponse](c.Do(ctx, &me.OpenFile{EntryID: entryID, ClientID: c.ClientID, Flags: flags}))
	if err != nil {
		return Handle{}, err
	}
	return Handle{EntryID: entryID, HandleID: st.HandleID}, nil
}

func (c *MirrorClient) Close(ctx context.Context, h Handle) error {
	_, err := result[*me.CloseFileResponse](c.Do(ctx, &me.CloseFile{EntryID: h.EntryID, ClientID: c.ClientID, HandleID: h.HandleID}))
	return err
}

// FLock applies an advisory lock request on h. A would-block answer is
// returned as me.ErrWouldBlock.
func (c *MirrorClient) FLock(ctx context.Context, h Handle, typ ms.LockType, wait bool) (ms.FLockOutcome, error) {
	st, err := result[*me.FLockResponse](c.Do(ctx, &me.FLock{
		EntryID: h.EntryID, ClientID: c.ClientID, HandleID: h.HandleID, Type: typ, Wait: wait,
	}))
	if err != nil {
		return 0, err
	}
	return st.Outcome, nil
}

func (c *MirrorClient) CancelFLock(ctx context.Context, h Handle) (ms.FLockOutcome, error) {
	st, err := result[*me.FLockResponse](c.Do(ctx, &me.FLock{
		EntryID: h.EntryID, ClientID: c.ClientID, HandleID: h.HandleID, Cancel: true,
	}))
	if err != nil {
		return 0, err
	}
	return st.Outcome, nil
}
