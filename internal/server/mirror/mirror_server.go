package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bgm "github.com/AnishMulay/sandmirror/internal/buddy_group_mapper"
	cluster "github.com/AnishMulay/sandmirror/internal/cluster_service"
	"github.com/AnishMulay/sandmirror/internal/communication"
	"github.com/AnishMulay/sandmirror/internal/log_service"
	me "github.com/AnishMulay/sandmirror/internal/mirror_engine"
	ps "github.com/AnishMulay/sandmirror/internal/server"
	tss "github.com/AnishMulay/sandmirror/internal/target_state_store"
	"golang.org/x/sync/semaphore"
)

const defaultWorkers = 64

type Option func(*MirrorServer)

// WithWorkers bounds how many mirrored requests run at once.
func WithWorkers(n int) Option {
	return func(s *MirrorServer) {
		if n > 0 {
			s.workers = int64(n)
		}
	}
}

// WithHeartbeatHandler receives heartbeats peers send directly.
func WithHeartbeatHandler(fn func(cluster.Heartbeat)) Option {
	return func(s *MirrorServer) {
		s.onHeartbeat = fn
	}
}

func WithServerClock(now func() time.Time) Option {
	return func(s *MirrorServer) {
		s.now = now
	}
}

type MirrorServer struct {
	comm   communication.Communicator
	engine *me.Engine
	mapper *bgm.BuddyGroupMapper
	states *tss.TargetStateStore
	ls     log_service.LogService

	workers     int64
	sem         *semaphore.Weighted
	onHeartbeat func(cluster.Heartbeat)
	now         func() time.Time
}

func NewMirrorServer(
	comm communication.Communicator,
	engine *me.Engine,
	mapper *bgm.BuddyGroupMapper,
	states *tss.TargetStateStore,
	ls log_service.LogService,
	opts ...Option,
) *MirrorServer {
	s := &MirrorServer{
		comm:    comm,
		engine:  engine,
		mapper:  mapper,
		states:  states,
		ls:      ls,
		workers: defaultWorkers,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sem = semaphore.NewWeighted(s.workers)
	return s
}

func (s *MirrorServer) Start() error {
	s.ls.Info(log_service.LogEvent{
		Message:  "Starting mirror server",
		Metadata: map[string]any{"address": s.comm.Address(), "workers": s.workers},
	})
	if err := s.comm.Start(s.HandleMessage); err != nil {
		return fmt.Errorf("%w: %v", ps.ErrServerStartFailed, err)
	}
	return nil
}

func (s *MirrorServer) Stop() error {
	s.ls.Info(log_service.LogEvent{Message: "Stopping mirror server"})
	if err := s.comm.Stop(); err != nil {
		return fmt.Errorf("%w: %v", ps.ErrServerStopFailed, err)
	}
	return nil
}

// HandleMessage is the central router for all incoming messages.
func (s *MirrorServer) HandleMessage(ctx context.Context, msg communication.Message) (*communication.Response, error) {
	switch msg.Type {
	case communication.MessageTypeMirrorRequest:
		return s.handleMirror(ctx, msg)

	case communication.MessageTypeHeartbeat:
		var req communication.HeartbeatRequest
		if err := decode(msg, &req); err != nil {
			return s.respond(nil, err)
		}
		if req.Target == 0 {
			return s.respond(nil, fmt.Errorf("%w: heartbeat without target", ps.ErrInvalidPayload))
		}
		if s.onHeartbeat != nil {
			s.onHeartbeat(cluster.Heartbeat{Target: tss.TargetID(req.Target), Address: req.Address, SentAt: s.now()})
		}
		return s.respond(nil, nil)

	case communication.MessageTypeGetStates:
		return s.respond(ps.StateEntries(s.states.Snapshot()), nil)

	case communication.MessageTypeSetStates:
		var req communication.SetTargetStatesRequest
		if err := decode(msg, &req); err != nil {
			return s.respond(nil, err)
		}
		reach, err := ps.ParseReachabilities(req.Reachability)
		if err != nil {
			return s.respond(nil, err)
		}
		cons, err := ps.ParseConsistencies(req.Consistencies)
		if err != nil {
			return s.respond(nil, err)
		}
		return s.respond(nil, s.states.SetStatesFromLists(ps.TargetIDs(req.Targets), reach, cons))

	case communication.MessageTypeChangeConsistency:
		var req communication.ChangeConsistencyRequest
		if err := decode(msg, &req); err != nil {
			return s.respond(nil, err)
		}
		oldStates, err := ps.ParseConsistencies(req.OldStates)
		if err != nil {
			return s.respond(nil, err)
		}
		newStates, err := ps.ParseConsistencies(req.NewStates)
		if err != nil {
			return s.respond(nil, err)
		}
		return s.respond(nil, s.states.ChangeConsistencyStatesFromList(ps.TargetIDs(req.Targets), oldStates, newStates))

	case communication.MessageTypeGetGroups:
		return s.respond(ps.GroupEntries(s.mapper.Groups()), nil)

	case communication.MessageTypeMapGroup:
		var req communication.MapBuddyGroupRequest
		if err := decode(msg, &req); err != nil {
			return s.respond(nil, err)
		}
		g := ps.GroupFromEntry(req.Group)
		id, err := s.mapper.MapGroup(g, req.AllowUpdate)
		if err != nil {
			return s.respond(nil, err)
		}
		g.ID = id
		return s.respond(ps.GroupEntry(g), nil)

	case communication.MessageTypeUnmapGroup:
		var req communication.UnmapBuddyGroupRequest
		if err := decode(msg, &req); err != nil {
			return s.respond(nil, err)
		}
		if !s.mapper.UnmapGroup(bgm.GroupID(req.GroupID)) {
			return s.respond(nil, fmt.Errorf("%w: %d", bgm.ErrGroupNotFound, req.GroupID))
		}
		return s.respond(nil, nil)

	case communication.MessageTypeSwitchOver:
		var req communication.SwitchOverRequest
		if err := decode(msg, &req); err != nil {
			return s.respond(nil, err)
		}
		g, err := s.mapper.SwitchOver(bgm.GroupID(req.GroupID))
		if err != nil {
			return s.respond(nil, err)
		}
		return s.respond(ps.GroupEntry(g), nil)

	case communication.MessageTypeSyncGroups:
		var req communication.SyncGroupsAndStatesRequest
		if err := decode(msg, &req); err != nil {
			return s.respond(nil, err)
		}
		records, err := ps.RecordsFromEntries(req.States)
		if err != nil {
			return s.respond(nil, err)
		}
		return s.respond(nil, bgm.SyncGroupsAndStates(s.mapper, s.states, ps.GroupsFromEntries(req.Groups), records))

	default:
		return &communication.Response{
			Code: communication.CodeBadRequest,
			Body: []byte(fmt.Sprintf("%v: %s", ps.ErrUnknownMessage, msg.Type)),
		}, nil
	}
}

// handleMirror runs a mirrored request on a worker slot. A caller that gives
// up while queued gets TryAgain.
func (s *MirrorServer) handleMirror(ctx context.Context, msg communication.Message) (*communication.Response, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.ls.Debug(log_service.LogEvent{
			Message:  "Mirrored request abandoned while queued",
			Metadata: map[string]any{"from": msg.From, "error": err.Error()},
		})
		return &communication.Response{
			Code: communication.CodeOK,
			Body: me.EncodeReply(&me.Reply{Result: me.ResultTryAgain}),
		}, nil
	}
	defer s.sem.Release(1)
	return s.engine.HandleMessage(ctx, msg)
}

func decode(msg communication.Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ps.ErrInvalidPayload, msg.Type, err)
	}
	return nil
}

// respond standardizes JSON admin responses and maps errors to codes.
func (s *MirrorServer) respond(data any, err error) (*communication.Response, error) {
	if err != nil {
		code := codeFor(err)
		if code == communication.CodeInternal {
			s.ls.Error(log_service.LogEvent{Message: "Admin request failed", Metadata: map[string]any{"error": err.Error()}})
		}
		return &communication.Response{Code: code, Body: []byte(err.Error())}, nil
	}

	if data == nil {
		return &communication.Response{Code: communication.CodeOK}, nil
	}

	body, marshalErr := json.Marshal(data)
	if marshalErr != nil {
		return &communication.Response{
			Code: communication.CodeInternal,
			Body: []byte("failed to marshal response: " + marshalErr.Error()),
		}, nil
	}
	return &communication.Response{Code: communication.CodeOK, Body: body}, nil
}

func codeFor(err error) communication.SandCode {
	switch {
	case errors.Is(err, bgm.ErrGroupNotFound), errors.Is(err, tss.ErrUnknownTarget):
		return communication.CodeNotFound
	case errors.Is(err, bgm.ErrNotInitialized), errors.Is(err, bgm.ErrNoFreeGroupID):
		return communication.CodeUnavailable
	case errors.Is(err, ps.ErrInvalidPayload),
		errors.Is(err, tss.ErrListLengthMismatch),
		errors.Is(err, tss.ErrInvalidTargetID),
		errors.Is(err, tss.ErrInvalidState),
		errors.Is(err, tss.ErrInvalidTransition),
		errors.Is(err, tss.ErrStateChanged),
		errors.Is(err, bgm.ErrInvalidGroup),
		errors.Is(err, bgm.ErrGroupExists),
		errors.Is(err, bgm.ErrTargetInUse):
		return communication.CodeBadRequest
	}
	return communication.CodeInternal
}

var _ ps.Server = (*MirrorServer)(nil)
