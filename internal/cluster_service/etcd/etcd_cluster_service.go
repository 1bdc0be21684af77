package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	cluster "github.com/AnishMulay/sandmirror/internal/cluster_service"
	"github.com/AnishMulay/sandmirror/internal/log_service"
	tss "github.com/AnishMulay/sandmirror/internal/target_state_store"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	EtcdDialTimeout = 5 * time.Second
	LeaseTTL        = 5 // seconds
	Root            = "/sandmirror/"
	PrefixTargets   = Root + "targets/"
	PrefixLease     = Root + "leases/"
	PrefixReports   = Root + "reports/"
	KeyManagement   = Root + "mgmt/state"
)

type EtcdClusterService struct {
	mu        sync.RWMutex
	client    *clientv3.Client
	endpoints []string
	interval  time.Duration
	ls        log_service.LogService

	// Local identity
	self    cluster.TargetNode
	leaseID clientv3.LeaseID

	// Target registrations, by target ID
	targets map[tss.TargetID]cluster.TargetNode

	heartbeatFns  []func(cluster.Heartbeat)
	managementFns []func(cluster.ManagementState)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewEtcdClusterService(endpoints []string, heartbeatInterval time.Duration, ls log_service.LogService) *EtcdClusterService {
	return &EtcdClusterService{
		endpoints: endpoints,
		interval:  heartbeatInterval,
		ls:        ls,
		targets:   make(map[tss.TargetID]cluster.TargetNode),
		stopCh:    make(chan struct{}),
	}
}

func (s *EtcdClusterService) Start(ctx context.Context) error {
	s.ls.Info(log_service.LogEvent{Message: "Starting EtcdClusterService", Metadata: map[string]any{"endpoints": s.endpoints}})

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   s.endpoints,
		DialTimeout: EtcdDialTimeout,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", cluster.ErrConnectFailed, err)
	}
	s.client = cli

	if err := s.syncState(ctx); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.watchLoop()

	return nil
}

func (s *EtcdClusterService) Stop(ctx context.Context) error {
	s.ls.Info(log_service.LogEvent{Message: "Stopping EtcdClusterService"})
	close(s.stopCh)

	if s.leaseID != 0 {
		if _, err := s.client.Revoke(ctx, s.leaseID); err != nil {
			s.ls.Warn(log_service.LogEvent{Message: "Failed to revoke lease during shutdown", Metadata: map[string]any{"error": err.Error()}})
		}
	}

	s.wg.Wait()
	return s.client.Close()
}

func (s *EtcdClusterService) RegisterTarget(node cluster.TargetNode) error {
	if err := cluster.ValidateTarget(node); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	val, err := json.Marshal(node)
	if err != nil {
		return err
	}
	if _, err := s.client.Put(context.TODO(), targetKey(PrefixTargets, node.Target), string(val)); err != nil {
		return fmt.Errorf("%w: %v", cluster.ErrPublishFailed, err)
	}
	s.targets[node.Target] = node
	s.self = node

	resp, err := s.client.Grant(context.TODO(), LeaseTTL)
	if err != nil {
		return fmt.Errorf("%w: grant lease: %v", cluster.ErrPublishFailed, err)
	}
	s.leaseID = resp.ID

	s.ls.Info(log_service.LogEvent{
		Message:  "Target registered in cluster",
		Metadata: map[string]any{"target": node.Target, "node": node.NodeID, "leaseID": s.leaseID},
	})

	s.wg.Add(2)
	go s.keepAliveLoop()
	go s.heartbeatLoop()

	return nil
}

func (s *EtcdClusterService) keepAliveLoop() {
	defer s.wg.Done()

	ch, err := s.client.KeepAlive(context.Background(), s.leaseID)
	if err != nil {
		s.ls.Error(log_service.LogEvent{Message: "Failed to start keepalive channel", Metadata: map[string]any{"error": err.Error()}})
		return
	}

	for {
		select {
		case <-s.stopCh:
			return
		case _, ok := <-ch:
			if !ok {
				s.ls.Error(log_service.LogEvent{Message: "Etcd keepalive channel closed unexpectedly"})
				return
			}
		}
	}
}

// heartbeatLoop rewrites the lease key once per interval. Every write shows
// up as a put event on the watchers of all nodes.
func (s *EtcdClusterService) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.publishHeartbeat()
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
	}
}

func (s *EtcdClusterService) publishHeartbeat() {
	s.mu.RLock()
	self, lease := s.self, s.leaseID
	s.mu.RUnlock()

	hb := cluster.Heartbeat{Target: self.Target, NodeID: self.NodeID, Address: self.Address, SentAt: time.Now()}
	val, _ := json.Marshal(hb)

	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()
	if _, err := s.client.Put(ctx, targetKey(PrefixLease, self.Target), string(val), clientv3.WithLease(lease)); err != nil {
		s.ls.Warn(log_service.LogEvent{Message: "Failed to publish heartbeat", Metadata: map[string]any{"target": self.Target, "error": err.Error()}})
	}
}

func (s *EtcdClusterService) syncState(ctx context.Context) error {
	resp, err := s.client.Get(ctx, PrefixTargets, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("%w: %v", cluster.ErrConnectFailed, err)
	}
	s.mu.Lock()
	for _, kv := range resp.Kvs {
		if ev, ok := decodeEvent(string(kv.Key), kv.Value, false); ok && ev.target != nil {
			s.targets[ev.target.Target] = *ev.target
		}
	}
	s.mu.Unlock()

	mgmt, err := s.client.Get(ctx, KeyManagement)
	if err != nil {
		return fmt.Errorf("%w: %v", cluster.ErrConnectFailed, err)
	}
	for _, kv := range mgmt.Kvs {
		if ev, ok := decodeEvent(string(kv.Key), kv.Value, false); ok {
			s.dispatch(ev)
		}
	}
	return nil
}

func (s *EtcdClusterService) watchLoop() {
	defer s.wg.Done()

	watchCh := s.client.Watch(context.Background(), Root, clientv3.WithPrefix())

	for {
		select {
		case <-s.stopCh:
			return
		case resp, ok := <-watchCh:
			if !ok {
				return
			}
			for _, ev := range resp.Events {
				decoded, ok := decodeEvent(string(ev.Kv.Key), ev.Kv.Value, ev.Type == clientv3.EventTypeDelete)
				if !ok {
					continue
				}
				s.dispatch(decoded)
			}
		}
	}
}

func (s *EtcdClusterService) dispatch(ev event) {
	switch {
	case ev.target != nil:
		s.mu.Lock()
		s.targets[ev.target.Target] = *ev.target
		s.mu.Unlock()
	case ev.removedTarget != 0:
		s.mu.Lock()
		delete(s.targets, ev.removedTarget)
		s.mu.Unlock()
	case ev.heartbeat != nil:
		s.mu.RLock()
		fns := append([]func(cluster.Heartbeat){}, s.heartbeatFns...)
		s.mu.RUnlock()
		for _, fn := range fns {
			fn(*ev.heartbeat)
		}
	case ev.management != nil:
		s.ls.Info(log_service.LogEvent{
			Message:  "Received management state",
			Metadata: map[string]any{"groups": len(ev.management.Groups), "targets": len(ev.management.States)},
		})
		s.mu.RLock()
		fns := append([]func(cluster.ManagementState){}, s.managementFns...)
		s.mu.RUnlock()
		for _, fn := range fns {
			fn(*ev.management)
		}
	}
}

func (s *EtcdClusterService) OnHeartbeat(fn func(cluster.Heartbeat)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeatFns = append(s.heartbeatFns, fn)
}

func (s *EtcdClusterService) OnManagementState(fn func(cluster.ManagementState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.managementFns = append(s.managementFns, fn)
}

func (s *EtcdClusterService) TargetAddress(target tss.TargetID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.targets[target]
	if !ok {
		return "", fmt.Errorf("%w: %d", cluster.ErrUnknownTarget, target)
	}
	return node.Address, nil
}

func (s *EtcdClusterService) Targets() []cluster.TargetNode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]cluster.TargetNode, 0, len(s.targets))
	for _, n := range s.targets {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

func (s *EtcdClusterService) ReportConsistency(rec tss.Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), EtcdDialTimeout)
	defer cancel()
	if _, err := s.client.Put(ctx, targetKey(PrefixReports, rec.ID), string(val)); err != nil {
		return fmt.Errorf("%w: %v", cluster.ErrPublishFailed, err)
	}
	return nil
}

// PublishManagementState writes a new group and state table for all nodes.
// It is the management side of OnManagementState.
func (s *EtcdClusterService) PublishManagementState(ctx context.Context, st cluster.ManagementState) error {
	val, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if _, err := s.client.Put(ctx, KeyManagement, string(val)); err != nil {
		return fmt.Errorf("%w: %v", cluster.ErrPublishFailed, err)
	}
	return nil
}

func targetKey(prefix string, id tss.TargetID) string {
	return prefix + strconv.FormatUint(uint64(id), 10)
}

// event is one decoded change below Root; exactly one field is set.
type event struct {
	target        *cluster.TargetNode
	removedTarget tss.TargetID
	heartbeat     *cluster.Heartbeat
	management    *cluster.ManagementState
}

func decodeEvent(key string, value []byte, deleted bool) (event, bool) {
	switch {
	case key == KeyManagement:
		if deleted {
			return event{}, false
		}
		var st cluster.ManagementState
		if err := json.Unmarshal(value, &st); err != nil {
			return event{}, false
		}
		return event{management: &st}, true

	case strings.HasPrefix(key, PrefixTargets):
		id, ok := parseTargetID(key[len(PrefixTargets):])
		if !ok {
			return event{}, false
		}
		if deleted {
			return event{removedTarget: id}, true
		}
		var n cluster.TargetNode
		if err := json.Unmarshal(value, &n); err != nil || n.Target != id {
			return event{}, false
		}
		return event{target: &n}, true

	case strings.HasPrefix(key, PrefixLease):
		// an expired lease is silence, which the collector already handles
		if deleted {
			return event{}, false
		}
		var hb cluster.Heartbeat
		if err := json.Unmarshal(value, &hb); err != nil || hb.Target == 0 {
			return event{}, false
		}
		return event{heartbeat: &hb}, true
	}
	return event{}, false
}

func parseTargetID(s string) (tss.TargetID, bool) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil || v == 0 {
		return 0, false
	}
	return tss.TargetID(v), true
}

var _ cluster.ClusterService = (*EtcdClusterService)(nil)
