package mirror_engine

import (
	"context"
	"errors"
	"time"

	bgm "github.com/AnishMulay/sandmirror/internal/buddy_group_mapper"
	"github.com/AnishMulay/sandmirror/internal/communication"
	els "github.com/AnishMulay/sandmirror/internal/entry_lock_store"
	"github.com/AnishMulay/sandmirror/internal/log_service"
	ms "github.com/AnishMulay/sandmirror/internal/metadata_service"
	tss "github.com/AnishMulay/sandmirror/internal/target_state_store"

	"github.com/google/uuid"
)

const (
	defaultForwardTimeout  = 5 * time.Second
	defaultMaxLockAttempts = 8

	// clients silent for this long lose their reply cache
	defaultSessionIdle = 10 * time.Minute
)

// TargetResolver maps a target to the address its node listens on.
type TargetResolver interface {
	TargetAddress(target tss.TargetID) (string, error)
}

type Role int

const (
	// RoleStandalone executes locally because the target is in no group.
	RoleStandalone Role = iota
	RolePrimary
	RoleSecondary
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleSecondary:
		return "secondary"
	default:
		return "standalone"
	}
}

// State is a step of the per-request state machine.
type State int

const (
	StateCreated State = iota
	StateLocking
	StateExecutingPrimary
	StateExecutingSecondary
	StateForwarding
	StateAborting
	StateCompleted
)

var stateNames = [...]string{
	StateCreated:            "created",
	StateLocking:            "locking",
	StateExecutingPrimary:   "executing-primary",
	StateExecutingSecondary: "executing-secondary",
	StateForwarding:         "forwarding",
	StateAborting:           "aborting",
	StateCompleted:          "completed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Event describes one state transition. Result and Forward are only set on
// the transition into StateCompleted.
type Event struct {
	Kind    OpKind
	Role    Role
	From    State
	To      State
	Result  Result
	Forward ForwardOutcome
}

type Observer func(Event)

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

func WithObserver(fn Observer) Option {
	return func(e *Engine) { e.observer = fn }
}

func WithForwardTimeout(d time.Duration) Option {
	return func(e *Engine) { e.forwardTimeout = d }
}

func WithSessionIdleTimeout(d time.Duration) Option {
	return func(e *Engine) { e.sessionIdle = d }
}

// Engine executes mirrored metadata requests on one target, in the primary
// role for client requests and in the secondary role for forwarded ones.
type Engine struct {
	locks    *els.EntryLockStore
	mapper   *bgm.BuddyGroupMapper
	states   *tss.TargetStateStore
	store    ms.MetadataService
	comm     communication.Communicator
	resolver TargetResolver
	ls       log_service.LogService

	seqs     *sequenceTable
	recovery *sessionRecovery

	now             func() time.Time
	newID           func() string
	observer        Observer
	forwardTimeout  time.Duration
	sessionIdle     time.Duration
	maxLockAttempts int
}

func NewEngine(
	locks *els.EntryLockStore,
	mapper *bgm.BuddyGroupMapper,
	states *tss.TargetStateStore,
	store ms.MetadataService,
	comm communication.Communicator,
	resolver TargetResolver,
	ls log_service.LogService,
	opts ...Option,
) *Engine {
	e := &Engine{
		locks:           locks,
		mapper:          mapper,
		states:          states,
		store:           store,
		comm:            comm,
		resolver:        resolver,
		ls:              ls,
		recovery:        newSessionRecovery(ls),
		now:             time.Now,
		newID:           uuid.NewString,
		forwardTimeout:  defaultForwardTimeout,
		sessionIdle:     defaultSessionIdle,
		maxLockAttempts: defaultMaxLockAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.seqs = newSequenceTable(e.sessionIdle, e.now)
	return e
}

// Handle runs req to completion and returns the reply for the caller.
func (e *Engine) Handle(ctx context.Context, req *MirroredRequest) *Reply {
	r := &mirroredRequest{engine: e, req: req, op: req.Op, kind: req.Op.Kind()}
	return r.run(ctx)
}

// HandleMessage adapts Handle to the transport. Undecodable requests are
// answered with ResultProtocol rather than a transport error.
func (e *Engine) HandleMessage(ctx context.Context, msg communication.Message) (*communication.Response, error) {
	req, err := DecodeRequest(msg.Payload)
	if err != nil {
		e.ls.Warn(log_service.LogEvent{
			Message:  "Failed to decode mirrored request",
			Metadata: map[string]any{"from": msg.From, "error": err.Error()},
		})
		return &communication.Response{
			Code: communication.CodeOK,
			Body: EncodeReply(&Reply{Result: ResultFromError(err)}),
		}, nil
	}

	reply := e.Handle(ctx, req)
	return &communication.Response{Code: communication.CodeOK, Body: EncodeReply(reply)}, nil
}

// mirroredRequest carries one request through the state machine.
type mirroredRequest struct {
	engine *Engine
	req    *MirroredRequest
	op     Operation
	kind   OpKind

	role      Role
	group     bgm.GroupID
	secondary tss.TargetID
	claimed   bool

	state   State
	outcome ForwardOutcome
}

func (r *mirroredRequest) run(ctx context.Context) *Reply {
	e := r.engine

	e.ls.Debug(log_service.LogEvent{
		Message:  "Handling mirrored request",
		Metadata: map[string]any{"kind": r.kind.String(), "forwarded": r.req.Forwarded, "client": r.req.ClientID, "seqNo": r.req.SeqNo},
	})

	if r.kind == OpAckNotify {
		return r.ack(ctx)
	}

	if res := r.resolveRole(); res != ResultSuccess {
		return r.abort(res)
	}
	if r.role == RoleSecondary {
		if err := r.op.checkPrepared(); err != nil {
			e.ls.Warn(log_service.LogEvent{
				Message:  "Rejecting forwarded request",
				Metadata: map[string]any{"kind": r.kind.String(), "error": err.Error()},
			})
			return r.abort(ResultFromError(err))
		}
	}

	if r.sequenced() {
		status, cached := e.seqs.begin(r.req.ClientID, r.req.SeqNo, r.req.SeqNoDone)
		switch status {
		case slotDone:
			e.ls.Debug(log_service.LogEvent{
				Message:  "Replaying cached reply",
				Metadata: map[string]any{"client": r.req.ClientID, "seqNo": r.req.SeqNo, "result": cached.Result.String()},
			})
			r.complete(cached.Result)
			return cached
		case slotBusy:
			return r.abort(ResultTryAgain)
		case slotStale:
			// The primary already ran a request the client has since
			// acknowledged, so this copy can only be applied out of order.
			if r.role == RoleSecondary {
				return r.abort(ResultNotInSync)
			}
			return r.abort(ResultInval)
		}
		r.claimed = true
	}

	if r.role != RoleSecondary {
		r.op.prepare(&preparer{newID: e.newID, now: e.now().UnixNano()})
	}

	r.transition(StateLocking)
	set, res := r.lock(ctx)
	if res != ResultSuccess {
		return r.abort(res)
	}
	defer set.Release()

	if r.role == RoleSecondary {
		r.transition(StateExecutingSecondary)
	} else {
		r.transition(StateExecutingPrimary)
	}
	local := r.op.execute(ctx, r.execContext())

	reply := &Reply{Result: local.Result(), State: local}
	cached := reply
	if r.role == RolePrimary {
		if local.ChangesObservableState() {
			r.transition(StateForwarding)
			result, outcome, cacheLocal := r.forward(ctx, local)
			r.outcome = outcome
			reply = &Reply{Result: result, State: local}
			if !cacheLocal {
				cached = reply
			}
		} else if r.sequenced() {
			r.notifyAck(ctx)
		}
	}

	if r.claimed {
		e.seqs.finish(r.req.ClientID, r.req.SeqNo, cached)
	}
	r.complete(reply.Result)
	return reply
}

func (r *mirroredRequest) sequenced() bool {
	return r.req.ClientID != "" && r.req.SeqNo != 0
}

// resolveRole decides how the local target takes part in the request.
func (r *mirroredRequest) resolveRole() Result {
	e := r.engine

	gid, err := e.mapper.LocalGroupID()
	switch {
	case errors.Is(err, bgm.ErrNotInitialized):
		return ResultTryAgain
	case errors.Is(err, bgm.ErrGroupNotFound):
		if r.req.Forwarded {
			return ResultNotOwner
		}
		r.role = RoleStandalone
		return ResultSuccess
	case err != nil:
		return ResultInternal
	}
	r.group = gid

	if r.req.Forwarded {
		if e.mapper.IsLocalPrimary(gid) {
			return ResultNotOwner
		}
		// an unknown own state means management has not spoken yet
		if st, ok := e.states.Get(e.mapper.LocalTarget()); ok && st.Consistency != tss.Good {
			return ResultNotInSync
		}
		r.role = RoleSecondary
		return ResultSuccess
	}

	if !e.mapper.IsLocalPrimary(gid) {
		return ResultNotOwner
	}
	secondary, err := e.mapper.ResolveSecondary(gid)
	if err != nil {
		return ResultTryAgain
	}
	if _, ok := e.states.Get(secondary); !ok {
		e.ls.Warn(log_service.LogEvent{
			Message:  "Secondary state unknown, refusing request",
			Metadata: map[string]any{"group": gid, "secondary": secondary},
		})
		return ResultTryAgain
	}
	r.role = RolePrimary
	r.secondary = secondary
	return ResultSuccess
}

// lock acquires the operation's lock plan. Plans that read the store are
// computed again once the locks are held; if the entries moved in between
// the locks are dropped and the plan retried.
func (r *mirroredRequest) lock(ctx context.Context) (*els.LockSet, Result) {
	e := r.engine
	x := r.execContext()

	for attempt := 1; ; attempt++ {
		plan := r.op.lockPlan(ctx, x)
		if plan.Len() == 0 {
			return nil, ResultSuccess
		}

		set, err := e.locks.Acquire(ctx, plan)
		if err != nil {
			return nil, ResultFromError(err)
		}
		if r.op.lockPlan(ctx, x).Equal(plan) {
			return set, ResultSuccess
		}
		set.Release()

		if attempt >= e.maxLockAttempts {
			e.ls.Warn(log_service.LogEvent{
				Message:  "Lock plan kept changing, giving up",
				Metadata: map[string]any{"kind": r.kind.String(), "attempts": attempt},
			})
			return nil, ResultTryAgain
		}
	}
}

func (r *mirroredRequest) execContext() *execContext {
	return &execContext{store: r.engine.store, recovery: r.engine.recovery, ls: r.engine.ls}
}

// ack handles AckNotify. A client-issued ack is relayed to the secondary.
func (r *mirroredRequest) ack(ctx context.Context) *Reply {
	e := r.engine
	if r.req.ClientID == "" {
		return r.abort(ResultInval)
	}
	e.seqs.ack(r.req.ClientID, r.req.SeqNoDone)

	if !r.req.Forwarded && r.resolveRole() == ResultSuccess && r.role == RolePrimary {
		r.notifyAck(ctx)
	}
	r.complete(ResultSuccess)
	return &Reply{Result: ResultSuccess, State: &AckNotifyResponse{}}
}

func (r *mirroredRequest) abort(res Result) *Reply {
	if r.claimed {
		r.engine.seqs.abandon(r.req.ClientID, r.req.SeqNo)
	}
	r.transition(StateAborting)
	r.engine.ls.Debug(log_service.LogEvent{
		Message:  "Mirrored request aborted",
		Metadata: map[string]any{"kind": r.kind.String(), "role": r.role.String(), "result": res.String()},
	})
	r.complete(res)
	return &Reply{Result: res}
}

func (r *mirroredRequest) complete(res Result) {
	r.emit(StateCompleted, res)
}

func (r *mirroredRequest) transition(to State) {
	r.emit(to, ResultSuccess)
}

func (r *mirroredRequest) emit(to State, res Result) {
	from := r.state
	r.state = to
	if r.engine.observer == nil {
		return
	}
	ev := Event{Kind: r.kind, Role: r.role, From: from, To: to}
	if to == StateCompleted {
		ev.Result = res
		ev.Forward = r.outcome
	}
	r.engine.observer(ev)
}
