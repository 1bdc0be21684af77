package mirror_engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	bgm "github.com/AnishMulay/sandmirror/internal/buddy_group_mapper"
	"github.com/AnishMulay/sandmirror/internal/communication"
	"github.com/AnishMulay/sandmirror/internal/communication/memory"
	els "github.com/AnishMulay/sandmirror/internal/entry_lock_store"
	"github.com/AnishMulay/sandmirror/internal/log_service/noop"
	ms "github.com/AnishMulay/sandmirror/internal/metadata_service"
	"github.com/AnishMulay/sandmirror/internal/metadata_service/inmemory"
	tss "github.com/AnishMulay/sandmirror/internal/target_state_store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	primaryTarget   tss.TargetID = 1
	secondaryTarget tss.TargetID = 2
	testGroup       bgm.GroupID  = 10
)

type staticResolver map[tss.TargetID]string

func (r staticResolver) TargetAddress(target tss.TargetID) (string, error) {
	addr, ok := r[target]
	if !ok {
		return "", fmt.Errorf("no address for target %d", target)
	}
	return addr, nil
}

type testNode struct {
	target tss.TargetID
	addr   string
	engine *Engine
	store  *inmemory.InMemoryMetadataService
	states *tss.TargetStateStore
	mapper *bgm.BuddyGroupMapper
	locks  *els.EntryLockStore

	mu     sync.Mutex
	events []Event
}

func (n *testNode) do(t *testing.T, op Operation) *Reply {
	t.Helper()
	return n.engine.Handle(context.Background(), &MirroredRequest{Op: op})
}

func (n *testNode) doSeq(t *testing.T, op Operation, client string, seq, done uint64) *Reply {
	t.Helper()
	return n.engine.Handle(context.Background(), &MirroredRequest{Op: op, ClientID: client, SeqNo: seq, SeqNoDone: done})
}

func (n *testNode) lastForward() ForwardOutcome {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.events) - 1; i >= 0; i-- {
		if n.events[i].To == StateCompleted {
			return n.events[i].Forward
		}
	}
	return ForwardNone
}

func (n *testNode) consistencyOf(t *testing.T, target tss.TargetID) tss.Consistency {
	t.Helper()
	st, ok := n.states.Get(target)
	require.True(t, ok)
	return st.Consistency
}

func (n *testNode) snapshot(t *testing.T) *ms.Snapshot {
	t.Helper()
	snap, err := n.store.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

type testCluster struct {
	net       *memory.Network
	resolver  staticResolver
	groups    []bgm.BuddyGroup
	primary   *testNode
	secondary *testNode

	// forwarded counts mirrored requests delivered to the secondary
	forwarded atomic.Int32
}

func defaultRecords() []tss.Record {
	return []tss.Record{
		{ID: primaryTarget, Reachability: tss.Online, Consistency: tss.Good},
		{ID: secondaryTarget, Reachability: tss.Online, Consistency: tss.Good},
	}
}

func newTestCluster(t *testing.T) *testCluster {
	t.Helper()
	c := &testCluster{
		net:      memory.NewNetwork(),
		resolver: staticResolver{primaryTarget: "node-1", secondaryTarget: "node-2"},
		groups:   []bgm.BuddyGroup{{ID: testGroup, Primary: primaryTarget, Secondary: secondaryTarget}},
	}
	c.primary = c.newNode(t, primaryTarget, "node-1", c.groups)
	c.secondary = c.newNode(t, secondaryTarget, "node-2", c.groups)
	c.interceptSecondary(nil)
	return c
}

// interceptSecondary counts deliveries to the secondary and lets fn replace
// the delivery when it returns a response.
func (c *testCluster) interceptSecondary(fn func(req *MirroredRequest) *communication.Response) {
	c.net.Intercept(c.secondary.addr, func(ctx context.Context, msg communication.Message, next communication.MessageHandler) (*communication.Response, error) {
		req, err := DecodeRequest(msg.Payload)
		if err == nil && req.Op.Kind() != OpAckNotify {
			c.forwarded.Add(1)
		}
		if fn != nil && err == nil {
			if resp := fn(req); resp != nil {
				return resp, nil
			}
		}
		return next(ctx, msg)
	})
}

func counterIDs(prefix string) func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s-%04d", prefix, n.Add(1))
	}
}

func tickingClock() func() time.Time {
	var n atomic.Int64
	return func() time.Time {
		return time.Unix(0, 1_000_000+n.Add(1))
	}
}

func (c *testCluster) newNode(t *testing.T, target tss.TargetID, addr string, groups []bgm.BuddyGroup, opts ...Option) *testNode {
	t.Helper()
	ls := noop.NewNoopLogService()

	n := &testNode{
		target: target,
		addr:   addr,
		store:  inmemory.NewInMemoryMetadataService(ls),
		states: tss.NewTargetStateStore(ls),
		mapper: bgm.NewBuddyGroupMapper(target, ls),
		locks:  els.NewEntryLockStore(ls),
	}
	require.NoError(t, n.store.Start())
	if groups != nil {
		require.NoError(t, bgm.SyncGroupsAndStates(n.mapper, n.states, groups, defaultRecords()))
	}

	comm := memory.NewMemoryCommunicator(c.net, addr, ls)
	opts = append([]Option{
		WithClock(tickingClock()),
		WithIDGenerator(counterIDs(fmt.Sprintf("t%d", target))),
		WithForwardTimeout(2 * time.Second),
		WithObserver(func(ev Event) {
			n.mu.Lock()
			n.events = append(n.events, ev)
			n.mu.Unlock()
		}),
	}, opts...)
	n.engine = NewEngine(n.locks, n.mapper, n.states, n.store, comm, c.resolver, ls, opts...)
	require.NoError(t, comm.Start(n.engine.HandleMessage))

	t.Cleanup(func() {
		n.locks.Shutdown()
		_ = comm.Stop()
		_ = n.store.Stop()
	})
	return n
}

func createFile(t *testing.T, n *testNode, parent, name string) string {
	t.Helper()
	reply := n.do(t, &CreateFile{ParentID: parent, Name: name, Mode: 0644})
	require.Equal(t, ResultSuccess, reply.Result)
	return reply.State.(*CreateFileResponse).EntryID
}

func TestEngine_CreateIsMirrored(t *testing.T) {
	c := newTestCluster(t)
	ctx := context.Background()

	reply := c.primary.do(t, &CreateFile{ParentID: ms.RootID, Name: "a", Mode: 0644, UID: 1000})
	require.Equal(t, ResultSuccess, reply.Result)
	id := reply.State.(*CreateFileResponse).EntryID
	assert.Equal(t, "t1-0001", id)
	assert.Equal(t, ForwardOK, c.primary.lastForward())
	assert.EqualValues(t, 1, c.forwarded.Load())

	got, err := c.secondary.store.Lookup(ctx, ms.RootID, "a")
	require.NoError(t, err)
	assert.Equal(t, id, got, "secondary uses the primary's entry ID")
	assert.Equal(t, c.primary.snapshot(t), c.secondary.snapshot(t))
	assert.Equal(t, tss.Good, c.primary.consistencyOf(t, secondaryTarget))

	c.secondary.mu.Lock()
	var roles []Role
	for _, ev := range c.secondary.events {
		if ev.To == StateExecutingSecondary {
			roles = append(roles, ev.Role)
		}
	}
	c.secondary.mu.Unlock()
	assert.Equal(t, []Role{RoleSecondary}, roles)
}

func TestEngine_StateMachine(t *testing.T) {
	c := newTestCluster(t)
	c.primary.do(t, &MkDir{ParentID: ms.RootID, Name: "d"})

	c.primary.mu.Lock()
	defer c.primary.mu.Unlock()
	var states []State
	for _, ev := range c.primary.events {
		states = append(states, ev.To)
	}
	assert.Equal(t, []State{StateLocking, StateExecutingPrimary, StateForwarding, StateCompleted}, states)
}

func TestEngine_FailedOperationIsNotForwarded(t *testing.T) {
	c := newTestCluster(t)

	reply := c.primary.do(t, &UnlinkFile{ParentID: ms.RootID, Name: "missing"})
	assert.Equal(t, ResultPathNotExists, reply.Result)
	assert.Equal(t, ResultPathNotExists, reply.State.Result())
	assert.Zero(t, c.forwarded.Load())
	assert.Equal(t, ForwardNone, c.primary.lastForward())
}

func TestEngine_ForwardOutcomes(t *testing.T) {
	replyWith := func(r *Reply) func(*MirroredRequest) *communication.Response {
		return func(*MirroredRequest) *communication.Response {
			return &communication.Response{Code: communication.CodeOK, Body: EncodeReply(r)}
		}
	}

	tests := []struct {
		name          string
		setup         func(t *testing.T, c *testCluster)
		wantResult    Result
		wantOutcome   ForwardOutcome
		wantSecondary tss.Consistency
		wantForwarded int32
	}{
		{
			name:          "both succeed",
			wantResult:    ResultSuccess,
			wantOutcome:   ForwardOK,
			wantSecondary: tss.Good,
			wantForwarded: 1,
		},
		{
			name: "secondary already needs resync",
			setup: func(t *testing.T, c *testCluster) {
				_, err := c.primary.states.MarkNeedsResync(secondaryTarget)
				require.NoError(t, err)
			},
			wantResult:    ResultSuccess,
			wantOutcome:   ForwardSkipped,
			wantSecondary: tss.NeedsResync,
		},
		{
			name: "secondary bad",
			setup: func(t *testing.T, c *testCluster) {
				_, err := c.primary.states.MarkBad(secondaryTarget)
				require.NoError(t, err)
			},
			wantResult:    ResultSuccess,
			wantOutcome:   ForwardSkipped,
			wantSecondary: tss.Bad,
		},
		{
			name: "secondary probably offline",
			setup: func(t *testing.T, c *testCluster) {
				require.NoError(t, c.primary.states.SetReachabilityStatesFromList(
					[]tss.TargetID{secondaryTarget}, []tss.Reachability{tss.ProbablyOffline}))
			},
			wantResult:    ResultTryAgain,
			wantOutcome:   ForwardSecondaryDown,
			wantSecondary: tss.NeedsResync,
		},
		{
			name: "secondary unreachable",
			setup: func(t *testing.T, c *testCluster) {
				c.net.SetDown(c.secondary.addr, true)
			},
			wantResult:    ResultTryAgain,
			wantOutcome:   ForwardFailed,
			wantSecondary: tss.NeedsResync,
		},
		{
			name: "secondary answers try again",
			setup: func(t *testing.T, c *testCluster) {
				c.interceptSecondary(replyWith(&Reply{Result: ResultTryAgain}))
			},
			wantResult:    ResultTryAgain,
			wantOutcome:   ForwardRejected,
			wantSecondary: tss.NeedsResync,
			wantForwarded: 1,
		},
		{
			name: "secondary not in sync",
			setup: func(t *testing.T, c *testCluster) {
				_, err := c.secondary.states.MarkNeedsResync(secondaryTarget)
				require.NoError(t, err)
			},
			wantResult:    ResultTryAgain,
			wantOutcome:   ForwardRejected,
			wantSecondary: tss.NeedsResync,
			wantForwarded: 1,
		},
		{
			name: "secondary thinks it is primary",
			setup: func(t *testing.T, c *testCluster) {
				_, err := c.secondary.mapper.SwitchOver(testGroup)
				require.NoError(t, err)
			},
			wantResult:    ResultTryAgain,
			wantOutcome:   ForwardRejected,
			wantSecondary: tss.NeedsResync,
			wantForwarded: 1,
		},
		{
			name: "undecodable reply",
			setup: func(t *testing.T, c *testCluster) {
				c.interceptSecondary(func(*MirroredRequest) *communication.Response {
					return &communication.Response{Code: communication.CodeOK, Body: []byte{0xff, 0xff}}
				})
			},
			wantResult:    ResultProtocol,
			wantOutcome:   ForwardProtocolError,
			wantSecondary: tss.NeedsResync,
			wantForwarded: 1,
		},
		{
			name: "reply for another operation",
			setup: func(t *testing.T, c *testCluster) {
				c.interceptSecondary(replyWith(&Reply{Result: ResultSuccess, State: &RmDirResponse{}}))
			},
			wantResult:    ResultProtocol,
			wantOutcome:   ForwardProtocolError,
			wantSecondary: tss.NeedsResync,
			wantForwarded: 1,
		},
		{
			name: "secondary disagrees",
			setup: func(t *testing.T, c *testCluster) {
				_, err := c.secondary.store.Create(context.Background(), ms.RootID, "a", "other", 0644, 0, 0, 1)
				require.NoError(t, err)
			},
			wantResult:    ResultExists,
			wantOutcome:   ForwardResultMismatch,
			wantSecondary: tss.NeedsResync,
			wantForwarded: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCluster(t)
			if tt.setup != nil {
				tt.setup(t, c)
			}

			reply := c.primary.do(t, &CreateFile{ParentID: ms.RootID, Name: "a", Mode: 0644})
			assert.Equal(t, tt.wantResult, reply.Result)
			assert.Equal(t, tt.wantOutcome, c.primary.lastForward())
			assert.Equal(t, tt.wantSecondary, c.primary.consistencyOf(t, secondaryTarget))
			assert.Equal(t, tt.wantForwarded, c.forwarded.Load())

			// the primary applied the change whatever happened downstream
			_, err := c.primary.store.Lookup(context.Background(), ms.RootID, "a")
			assert.NoError(t, err)
			require.NotNil(t, reply.State)
			assert.Equal(t, ResultSuccess, reply.State.Result())
		})
	}
}

func TestEngine_UnreachableSecondaryThenSkip(t *testing.T) {
	c := newTestCluster(t)
	c.net.SetDown(c.secondary.addr, true)

	reply := c.primary.do(t, &MkDir{ParentID: ms.RootID, Name: "d1"})
	assert.Equal(t, ResultTryAgain, reply.Result)
	assert.Equal(t, tss.NeedsResync, c.primary.consistencyOf(t, secondaryTarget))

	// once marked, the secondary is left out and requests succeed locally
	reply = c.primary.do(t, &MkDir{ParentID: ms.RootID, Name: "d2"})
	assert.Equal(t, ResultSuccess, reply.Result)
	assert.Equal(t, ForwardSkipped, c.primary.lastForward())

	_, err := c.secondary.store.Lookup(context.Background(), ms.RootID, "d2")
	assert.ErrorIs(t, err, ms.ErrNotFound)
}

func TestEngine_ConcurrentRenamesSerialize(t *testing.T) {
	c := newTestCluster(t)
	idA := createFile(t, c.primary, ms.RootID, "a")
	idB := createFile(t, c.primary, ms.RootID, "b")

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	c.interceptSecondary(func(req *MirroredRequest) *communication.Response {
		if req.Op.Kind() == OpRename {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
		return nil
	})

	first := make(chan *Reply, 1)
	go func() {
		first <- c.primary.do(t, &Rename{SrcParentID: ms.RootID, SrcName: "a", DstParentID: ms.RootID, DstName: "t"})
	}()
	<-entered

	second := make(chan *Reply, 1)
	go func() {
		second <- c.primary.do(t, &Rename{SrcParentID: ms.RootID, SrcName: "b", DstParentID: ms.RootID, DstName: "t"})
	}()

	require.Eventually(t, func() bool {
		return c.primary.locks.Stats().Waiters > 0
	}, time.Second, 5*time.Millisecond)
	select {
	case <-second:
		t.Fatal("second rename finished while the first held its locks")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	r1, r2 := <-first, <-second
	require.Equal(t, ResultSuccess, r1.Result)
	require.Equal(t, ResultSuccess, r2.Result)
	assert.Empty(t, r1.State.(*RenameResponse).OverwrittenID)
	assert.Equal(t, idA, r2.State.(*RenameResponse).OverwrittenID)

	got, err := c.secondary.store.Lookup(context.Background(), ms.RootID, "t")
	require.NoError(t, err)
	assert.Equal(t, idB, got)
	assert.Equal(t, c.primary.snapshot(t), c.secondary.snapshot(t))
}

func TestEngine_RenameOverDirBlocksCreatesInside(t *testing.T) {
	c := newTestCluster(t)
	require.Equal(t, ResultSuccess, c.primary.do(t, &MkDir{ParentID: ms.RootID, Name: "src"}).Result)
	reply := c.primary.do(t, &MkDir{ParentID: ms.RootID, Name: "dst"})
	require.Equal(t, ResultSuccess, reply.Result)
	dstID := reply.State.(*MkDirResponse).EntryID

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	c.interceptSecondary(func(req *MirroredRequest) *communication.Response {
		if req.Op.Kind() == OpRename {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
		return nil
	})

	renamed := make(chan *Reply, 1)
	go func() {
		renamed <- c.primary.do(t, &Rename{SrcParentID: ms.RootID, SrcName: "src", DstParentID: ms.RootID, DstName: "dst"})
	}()
	<-entered

	created := make(chan *Reply, 1)
	go func() {
		created <- c.primary.do(t, &MkDir{ParentID: dstID, Name: "inner"})
	}()

	require.Eventually(t, func() bool {
		return c.primary.locks.Stats().Waiters > 0
	}, time.Second, 5*time.Millisecond)
	select {
	case <-created:
		t.Fatal("mkdir inside the replaced directory ran while the rename held its locks")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	r1, r2 := <-renamed, <-created
	require.Equal(t, ResultSuccess, r1.Result)
	assert.Equal(t, dstID, r1.State.(*RenameResponse).OverwrittenID)
	assert.Equal(t, ResultPathNotExists, r2.Result)
	assert.Equal(t, c.primary.snapshot(t), c.secondary.snapshot(t))
}

func TestEngine_FLockCancelWithoutSession(t *testing.T) {
	c := newTestCluster(t)
	id := createFile(t, c.primary, ms.RootID, "f")
	forwardedBefore := c.forwarded.Load()

	tests := []struct {
		name    string
		entryID string
	}{
		{"no session on entry", id},
		{"entry does not exist", "missing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := c.primary.do(t, &FLock{EntryID: tt.entryID, ClientID: "c1", HandleID: "h1", Cancel: true})
			require.Equal(t, ResultSuccess, reply.Result)
			assert.Equal(t, ms.FLockNoop, reply.State.(*FLockResponse).Outcome)
			assert.False(t, reply.State.ChangesObservableState())
		})
	}
	assert.Equal(t, forwardedBefore, c.forwarded.Load(), "nothing changed, nothing forwarded")
}

func TestEngine_SessionsAreMirrored(t *testing.T) {
	c := newTestCluster(t)
	ctx := context.Background()
	id := createFile(t, c.primary, ms.RootID, "f")

	open := c.primary.do(t, &OpenFile{EntryID: id, ClientID: "c1", Flags: 2})
	require.Equal(t, ResultSuccess, open.Result)
	handle := open.State.(*OpenFileResponse).HandleID
	require.NotEmpty(t, handle)
	key := ms.SessionKey{ClientID: "c1", HandleID: handle}
	assert.True(t, c.secondary.store.HasSession(ctx, id, key))

	lock := c.primary.do(t, &FLock{EntryID: id, ClientID: "c1", HandleID: handle, Type: ms.LockExclusive})
	require.Equal(t, ResultSuccess, lock.Result)
	assert.Equal(t, ms.FLockGranted, lock.State.(*FLockResponse).Outcome)

	st, err := c.secondary.store.FLockState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, &key, st.Exclusive)

	closeReply := c.primary.do(t, &CloseFile{EntryID: id, ClientID: "c1", HandleID: handle})
	require.Equal(t, ResultSuccess, closeReply.Result)
	assert.False(t, c.secondary.store.HasSession(ctx, id, key))
	assert.Equal(t, c.primary.snapshot(t), c.secondary.snapshot(t))
}

func TestEngine_SessionRecovery(t *testing.T) {
	c := newTestCluster(t)
	ctx := context.Background()
	id := createFile(t, c.primary, ms.RootID, "f")
	key := ms.SessionKey{ClientID: "c1", HandleID: "lost-handle"}

	// neither buddy knows the handle, e.g. after both restarted
	lock := c.primary.do(t, &FLock{EntryID: id, ClientID: key.ClientID, HandleID: key.HandleID, Type: ms.LockShared})
	require.Equal(t, ResultSuccess, lock.Result)
	assert.Equal(t, ms.FLockGranted, lock.State.(*FLockResponse).Outcome)
	assert.True(t, c.primary.store.HasSession(ctx, id, key))
	assert.True(t, c.secondary.store.HasSession(ctx, id, key))

	closeReply := c.primary.do(t, &CloseFile{EntryID: id, ClientID: key.ClientID, HandleID: "other-lost-handle"})
	assert.Equal(t, ResultSuccess, closeReply.Result)

	// recovery cannot bring back a session on a missing entry
	missing := c.primary.do(t, &FLock{EntryID: "missing", ClientID: "c1", HandleID: "h", Type: ms.LockShared})
	assert.Equal(t, ResultPathNotExists, missing.Result)

	assert.Equal(t, c.primary.snapshot(t), c.secondary.snapshot(t))
}

func TestEngine_RoleChecks(t *testing.T) {
	c := newTestCluster(t)
	ctx := context.Background()
	prepared := func() Operation {
		return &MkDir{ParentID: ms.RootID, Name: "d", NewID: "x", Timestamp: 5}
	}

	tests := []struct {
		name string
		node func() *testNode
		req  *MirroredRequest
		want Result
	}{
		{"forwarded to the primary", func() *testNode { return c.primary }, &MirroredRequest{Op: prepared(), Forwarded: true}, ResultNotOwner},
		{"client request to the secondary", func() *testNode { return c.secondary }, &MirroredRequest{Op: &MkDir{ParentID: ms.RootID, Name: "d"}}, ResultNotOwner},
		{"forwarded without prepared values", func() *testNode { return c.secondary }, &MirroredRequest{Op: &MkDir{ParentID: ms.RootID, Name: "d"}, Forwarded: true}, ResultInval},
		{"forwarded with prepared values", func() *testNode { return c.secondary }, &MirroredRequest{Op: prepared(), Forwarded: true}, ResultSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := tt.node().engine.Handle(ctx, tt.req)
			assert.Equal(t, tt.want, reply.Result)
		})
	}
}

func TestEngine_MapperStates(t *testing.T) {
	c := newTestCluster(t)

	uninitialized := c.newNode(t, 3, "node-3", nil)
	reply := uninitialized.do(t, &MkDir{ParentID: ms.RootID, Name: "d"})
	assert.Equal(t, ResultTryAgain, reply.Result)
	assert.Nil(t, reply.State)

	standalone := c.newNode(t, 4, "node-4", c.groups)
	reply = standalone.do(t, &MkDir{ParentID: ms.RootID, Name: "d"})
	assert.Equal(t, ResultSuccess, reply.Result)
	assert.Equal(t, ForwardNone, standalone.lastForward())
	assert.Zero(t, c.forwarded.Load())
}

func TestEngine_RetriedRequestGetsCachedReply(t *testing.T) {
	c := newTestCluster(t)

	first := c.primary.doSeq(t, &CreateFile{ParentID: ms.RootID, Name: "a"}, "c1", 1, 0)
	require.Equal(t, ResultSuccess, first.Result)

	retry := c.primary.doSeq(t, &CreateFile{ParentID: ms.RootID, Name: "a"}, "c1", 1, 0)
	assert.Equal(t, first, retry, "executed once, answered twice")
	assert.EqualValues(t, 1, c.forwarded.Load())

	// a fresh sequence number executes again
	again := c.primary.doSeq(t, &CreateFile{ParentID: ms.RootID, Name: "a"}, "c1", 2, 1)
	assert.Equal(t, ResultExists, again.Result)
}

func TestEngine_RetryAfterTryAgainGetsLocalReply(t *testing.T) {
	c := newTestCluster(t)
	c.net.SetDown(c.secondary.addr, true)

	first := c.primary.doSeq(t, &CreateFile{ParentID: ms.RootID, Name: "a"}, "c1", 1, 0)
	require.Equal(t, ResultTryAgain, first.Result)

	retry := c.primary.doSeq(t, &CreateFile{ParentID: ms.RootID, Name: "a"}, "c1", 1, 0)
	assert.Equal(t, ResultSuccess, retry.Result)
	assert.Equal(t, first.State, retry.State)
}

func TestEngine_AcknowledgedRequestReachingSecondaryLate(t *testing.T) {
	c := newTestCluster(t)
	ctx := context.Background()

	// the secondary already saw a later request acknowledging seq 1
	later := &MirroredRequest{
		Op:        &MkDir{ParentID: ms.RootID, Name: "later", NewID: "x", Timestamp: 5},
		Forwarded: true,
		ClientID:  "c1",
		SeqNo:     2,
		SeqNoDone: 1,
	}
	require.Equal(t, ResultSuccess, c.secondary.engine.Handle(ctx, later).Result)

	stale := &MirroredRequest{
		Op:        &MkDir{ParentID: ms.RootID, Name: "early", NewID: "y", Timestamp: 6},
		Forwarded: true,
		ClientID:  "c1",
		SeqNo:     1,
	}
	assert.Equal(t, ResultNotInSync, c.secondary.engine.Handle(ctx, stale).Result)

	reply := c.primary.doSeq(t, &MkDir{ParentID: ms.RootID, Name: "early"}, "c1", 1, 0)
	assert.Equal(t, ResultTryAgain, reply.Result)
	assert.Equal(t, ForwardRejected, c.primary.lastForward())
	assert.Equal(t, tss.NeedsResync, c.primary.consistencyOf(t, secondaryTarget))
}

func TestEngine_AcknowledgedRepliesAreDropped(t *testing.T) {
	c := newTestCluster(t)

	for seq := uint64(1); seq <= 2; seq++ {
		reply := c.primary.doSeq(t, &MkDir{ParentID: ms.RootID, Name: fmt.Sprintf("d%d", seq)}, "c1", seq, seq-1)
		require.Equal(t, ResultSuccess, reply.Result)
	}
	assert.Equal(t, 1, c.secondary.engine.seqs.slotCount("c1"), "slot 1 dropped by the second request")

	// not forwarded, so the primary sends an AckNotify instead
	reply := c.primary.doSeq(t, &UnlinkFile{ParentID: ms.RootID, Name: "missing"}, "c1", 3, 2)
	require.Equal(t, ResultPathNotExists, reply.Result)
	assert.Equal(t, 0, c.secondary.engine.seqs.slotCount("c1"))
	assert.Equal(t, 1, c.primary.engine.seqs.slotCount("c1"))

	ack := c.primary.doSeq(t, &AckNotify{}, "c1", 0, 3)
	assert.Equal(t, ResultSuccess, ack.Result)
	assert.Equal(t, 0, c.primary.engine.seqs.slotCount("c1"))
}

// flappingStore answers lookups with a different ID every time, so no lock
// plan that depends on a lookup ever verifies.
type flappingStore struct {
	ms.MetadataService
	n atomic.Int64
}

func (s *flappingStore) Lookup(context.Context, string, string) (string, error) {
	return fmt.Sprintf("id-%d", s.n.Add(1)), nil
}

func TestEngine_UnstableLockPlan(t *testing.T) {
	c := newTestCluster(t)
	n := c.newNode(t, 5, "node-5", c.groups)
	store := &flappingStore{MetadataService: n.store}
	n.engine.store = store

	reply := n.do(t, &UnlinkFile{ParentID: ms.RootID, Name: "x"})
	assert.Equal(t, ResultTryAgain, reply.Result)
	assert.EqualValues(t, 2*defaultMaxLockAttempts, store.n.Load())
	assert.Zero(t, n.locks.Stats().HeldKeys)
}

func TestEngine_LockStoreShutdown(t *testing.T) {
	c := newTestCluster(t)
	c.primary.locks.Shutdown()

	reply := c.primary.do(t, &MkDir{ParentID: ms.RootID, Name: "d"})
	assert.Equal(t, ResultTryAgain, reply.Result)
}

func TestEngine_HandleMessageRejectsGarbage(t *testing.T) {
	c := newTestCluster(t)

	resp, err := c.primary.engine.HandleMessage(context.Background(), communication.Message{
		Type:    communication.MessageTypeMirrorRequest,
		Payload: []byte{200, 1},
	})
	require.NoError(t, err)
	require.Equal(t, communication.CodeOK, resp.Code)

	reply, err := DecodeReply(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, ResultProtocol, reply.Result)
}
