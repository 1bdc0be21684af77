package static

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	cluster "github.com/AnishMulay/sandmirror/internal/cluster_service"
	"github.com/AnishMulay/sandmirror/internal/communication"
	"github.com/AnishMulay/sandmirror/internal/log_service"
	tss "github.com/AnishMulay/sandmirror/internal/target_state_store"
)

// StaticClusterService serves a fixed target list from configuration and
// exchanges heartbeats directly with peers over the communicator. The
// management state is whatever the configuration seeds at Start.
type StaticClusterService struct {
	mu       sync.RWMutex
	targets  map[tss.TargetID]cluster.TargetNode
	seed     cluster.ManagementState
	self     *cluster.TargetNode
	comm     communication.Communicator
	interval time.Duration
	ls       log_service.LogService

	heartbeatFns  []func(cluster.Heartbeat)
	managementFns []func(cluster.ManagementState)
	reports       []tss.Record

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewStaticClusterService(peers []cluster.TargetNode, seed cluster.ManagementState, comm communication.Communicator, interval time.Duration, ls log_service.LogService) (*StaticClusterService, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: %s", cluster.ErrInvalidInterval, interval)
	}
	s := &StaticClusterService{
		targets:  make(map[tss.TargetID]cluster.TargetNode, len(peers)),
		seed:     seed,
		comm:     comm,
		interval: interval,
		ls:       ls,
		stopCh:   make(chan struct{}),
	}
	for _, p := range peers {
		if err := cluster.ValidateTarget(p); err != nil {
			return nil, err
		}
		s.targets[p.Target] = p
	}
	return s, nil
}

// Start hands the seeded management state to the registered callbacks.
func (s *StaticClusterService) Start(ctx context.Context) error {
	s.ls.Info(log_service.LogEvent{
		Message:  "Starting StaticClusterService",
		Metadata: map[string]any{"targets": len(s.targets), "groups": len(s.seed.Groups)},
	})

	if len(s.seed.Groups) == 0 && len(s.seed.States) == 0 {
		return nil
	}
	s.mu.RLock()
	fns := append([]func(cluster.ManagementState){}, s.managementFns...)
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(s.seed)
	}
	return nil
}

func (s *StaticClusterService) Stop(ctx context.Context) error {
	s.ls.Info(log_service.LogEvent{Message: "Stopping StaticClusterService"})
	close(s.stopCh)
	s.wg.Wait()
	return nil
}

func (s *StaticClusterService) RegisterTarget(node cluster.TargetNode) error {
	if err := cluster.ValidateTarget(node); err != nil {
		return err
	}

	s.mu.Lock()
	s.targets[node.Target] = node
	s.self = &node
	s.mu.Unlock()

	s.ls.Info(log_service.LogEvent{
		Message:  "Target registered",
		Metadata: map[string]any{"target": node.Target, "address": node.Address},
	})

	s.wg.Add(1)
	go s.heartbeatLoop()
	return nil
}

func (s *StaticClusterService) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.SendHeartbeats(context.Background())
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// SendHeartbeats announces the local target to every other configured target
// once. Unreachable peers are logged and skipped.
func (s *StaticClusterService) SendHeartbeats(ctx context.Context) error {
	s.mu.RLock()
	self := s.self
	s.mu.RUnlock()
	if self == nil {
		return cluster.ErrNotRegistered
	}

	payload, err := json.Marshal(communication.HeartbeatRequest{Target: uint16(self.Target), Address: self.Address})
	if err != nil {
		return err
	}
	msg := communication.Message{From: s.comm.Address(), Type: communication.MessageTypeHeartbeat, Payload: payload}

	for _, peer := range s.Targets() {
		if peer.Target == self.Target || peer.Address == self.Address {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, s.interval)
		resp, err := s.comm.Send(sendCtx, peer.Address, msg)
		cancel()
		if err == nil && resp.Code != communication.CodeOK {
			err = fmt.Errorf("peer answered %s", resp.Code)
		}
		if err != nil {
			s.ls.Debug(log_service.LogEvent{
				Message:  "Heartbeat not delivered",
				Metadata: map[string]any{"to": peer.Address, "target": peer.Target, "error": err.Error()},
			})
		}
	}
	return nil
}

// Receive is called by the message router for every heartbeat a peer sends.
func (s *StaticClusterService) Receive(hb cluster.Heartbeat) {
	s.mu.RLock()
	fns := append([]func(cluster.Heartbeat){}, s.heartbeatFns...)
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(hb)
	}
}

func (s *StaticClusterService) OnHeartbeat(fn func(cluster.Heartbeat)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeatFns = append(s.heartbeatFns, fn)
}

func (s *StaticClusterService) OnManagementState(fn func(cluster.ManagementState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.managementFns = append(s.managementFns, fn)
}

func (s *StaticClusterService) TargetAddress(target tss.TargetID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.targets[target]
	if !ok {
		return "", fmt.Errorf("%w: %d", cluster.ErrUnknownTarget, target)
	}
	return node.Address, nil
}

func (s *StaticClusterService) Targets() []cluster.TargetNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]cluster.TargetNode, 0, len(s.targets))
	for _, n := range s.targets {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// ReportConsistency has no management to tell; the report is only logged and
// kept for inspection.
func (s *StaticClusterService) ReportConsistency(rec tss.Record) error {
	s.mu.Lock()
	s.reports = append(s.reports, rec)
	s.mu.Unlock()

	s.ls.Warn(log_service.LogEvent{
		Message:  "Consistency change reported",
		Metadata: map[string]any{"target": rec.ID, "consistency": rec.Consistency.String()},
	})
	return nil
}

func (s *StaticClusterService) Reports() []tss.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]tss.Record(nil), s.reports...)
}

var _ cluster.ClusterService = (*StaticClusterService)(nil)
