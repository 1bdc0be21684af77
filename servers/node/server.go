package node

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	bgm "github.com/AnishMulay/sandmirror/internal/buddy_group_mapper"
	cluster "github.com/AnishMulay/sandmirror/internal/cluster_service"
	clusteretcd "github.com/AnishMulay/sandmirror/internal/cluster_service/etcd"
	clusterstatic "github.com/AnishMulay/sandmirror/internal/cluster_service/static"
	"github.com/AnishMulay/sandmirror/internal/communication"
	grpccomm "github.com/AnishMulay/sandmirror/internal/communication/grpc"
	"github.com/AnishMulay/sandmirror/internal/config"
	els "github.com/AnishMulay/sandmirror/internal/entry_lock_store"
	logservice "github.com/AnishMulay/sandmirror/internal/log_service"
	locallog "github.com/AnishMulay/sandmirror/internal/log_service/localdisc"
	"github.com/AnishMulay/sandmirror/internal/metadata_service/inmemory"
	"github.com/AnishMulay/sandmirror/internal/metrics"
	me "github.com/AnishMulay/sandmirror/internal/mirror_engine"
	"github.com/AnishMulay/sandmirror/internal/server/mirror"
	"github.com/AnishMulay/sandmirror/internal/retry"
	tss "github.com/AnishMulay/sandmirror/internal/target_state_store"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	Config *config.Config

	// Comm replaces the gRPC communicator, e.g. with an in-process one.
	Comm communication.Communicator
	// Logger replaces the log file under the configured log dir.
	Logger logservice.LogService
}

// Node is one metadata server: a target with its engine, stores and the
// cluster plumbing feeding them.
type Node struct {
	cfg *config.Config
	ls  logservice.LogService

	comm      communication.Communicator
	store     *inmemory.InMemoryMetadataService
	states    *tss.TargetStateStore
	mapper    *bgm.BuddyGroupMapper
	locks     *els.EntryLockStore
	engine    *me.Engine
	server    *mirror.MirrorServer
	http      *mirror.HTTPServer
	cluster   cluster.ClusterService
	collector *cluster.HeartbeatCollector
	persister *tss.FilePersister

	dirty chan struct{}

	// pending holds the latest unreported local change per target, so a
	// burst of changes never loses the newest state of any target.
	reportMu    sync.Mutex
	pending     map[tss.TargetID]tss.Record
	reportReady chan struct{}
}

func Build(opts Options) (*Node, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// 1. Logging
	ls := opts.Logger
	if ls == nil {
		fileLog, err := locallog.NewLocalDiscLogService(cfg.LogDir(), cfg.NodeID, cfg.Log.Level)
		if err != nil {
			return nil, err
		}
		ls = fileLog
	}

	// 2. Communication
	comm := opts.Comm
	if comm == nil {
		comm = grpccomm.NewGRPCCommunicator(cfg.ListenAddr, ls,
			grpccomm.WithServerMetrics(metrics.GRPCMetrics),
			grpccomm.WithClientMetrics(metrics.GRPCClientMetrics),
		)
	}

	target := tss.TargetID(cfg.Target)
	n := &Node{
		cfg:         cfg,
		ls:          ls,
		comm:        comm,
		store:       inmemory.NewInMemoryMetadataService(ls),
		states:      tss.NewTargetStateStore(ls),
		mapper:      bgm.NewBuddyGroupMapper(target, ls),
		persister:   tss.NewFilePersister(cfg.StatePath()),
		dirty:       make(chan struct{}, 1),
		pending:     make(map[tss.TargetID]tss.Record),
		reportReady: make(chan struct{}, 1),
	}
	n.locks = els.NewEntryLockStore(ls, els.WithWaitObserver(func(kind els.LockKind, waited time.Duration) {
		metrics.EntryLockWait.WithLabelValues(kind.String()).Observe(waited.Seconds())
	}))

	// 3. Target states survive restarts; management overrides them later.
	if err := n.states.LoadFrom(n.persister); err != nil {
		return nil, err
	}
	n.states.Subscribe(n.onStateChange)

	// 4. Cluster membership and heartbeats
	collector, err := cluster.NewHeartbeatCollector(n.states, cfg.Cluster.Heartbeat, cfg.Cluster.OfflineAfter, ls)
	if err != nil {
		return nil, err
	}
	n.collector = collector

	// beats go out twice per interval so one late beat does not flag a peer
	beat := cfg.Cluster.Heartbeat / 2
	onHeartbeat := collector.Observe
	switch cfg.Cluster.Mode {
	case config.ClusterEtcd:
		n.cluster = clusteretcd.NewEtcdClusterService(cfg.Cluster.EtcdEndpoints, beat, ls)
	default:
		svc, err := clusterstatic.NewStaticClusterService(peerNodes(cfg), seedState(cfg, n.states.Snapshot()), comm, beat, ls)
		if err != nil {
			return nil, err
		}
		onHeartbeat = svc.Receive
		n.cluster = svc
	}
	n.cluster.OnHeartbeat(collector.Observe)
	n.cluster.OnManagementState(n.applyManagementState)

	// 5. Engine and servers
	n.engine = me.NewEngine(n.locks, n.mapper, n.states, n.store, comm, n.cluster, ls,
		me.WithForwardTimeout(cfg.Mirror.ForwardTimeout),
		me.WithObserver(observeRequest),
	)
	n.server = mirror.NewMirrorServer(comm, n.engine, n.mapper, n.states, ls,
		mirror.WithWorkers(cfg.Mirror.Workers),
		mirror.WithHeartbeatHandler(onHeartbeat),
	)
	if cfg.HTTPAddr != "" {
		n.http = mirror.NewHTTPServer(cfg.HTTPAddr, cfg.NodeID, n.mapper, n.states, n.locks, metrics.Registry, ls)
	}
	return n, nil
}

// Run starts the node and blocks until ctx is done or a component fails.
func (n *Node) Run(ctx context.Context) error {
	n.ls.Info(logservice.LogEvent{
		Message:  "Starting metadata node",
		Metadata: map[string]any{"node": n.cfg.NodeID, "target": n.cfg.Target, "cluster": n.cfg.Cluster.Mode},
	})

	if err := n.store.Start(); err != nil {
		return err
	}
	if err := n.server.Start(); err != nil {
		return err
	}
	if err := n.cluster.Start(ctx); err != nil {
		_ = n.server.Stop()
		return err
	}
	if err := n.cluster.RegisterTarget(n.self()); err != nil {
		n.shutdown()
		return err
	}
	n.track()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.collector.Run(gctx) })
	g.Go(func() error { return n.background(gctx) })
	g.Go(func() error { return n.reportLoop(gctx) })
	if n.http != nil {
		g.Go(func() error { return n.http.Run(gctx) })
	}

	err := g.Wait()
	n.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// shutdown wakes lock waiters before the transport goes away so no request
// stays blocked on a lock.
func (n *Node) shutdown() {
	n.locks.Shutdown()
	if err := n.server.Stop(); err != nil {
		n.ls.Error(logservice.LogEvent{Message: "Failed to stop server", Metadata: map[string]any{"error": err.Error()}})
	}
	if err := n.cluster.Stop(context.Background()); err != nil {
		n.ls.Error(logservice.LogEvent{Message: "Failed to stop cluster service", Metadata: map[string]any{"error": err.Error()}})
	}
	_ = n.states.SaveTo(n.persister)
	_ = n.store.Stop()
	n.ls.Info(logservice.LogEvent{Message: "Metadata node stopped", Metadata: map[string]any{"node": n.cfg.NodeID}})
}

func (n *Node) self() cluster.TargetNode {
	addr := n.comm.Address()
	for _, p := range n.cfg.Cluster.Peers {
		if p.Target == n.cfg.Target {
			addr = p.Address
		}
	}
	return cluster.TargetNode{Target: tss.TargetID(n.cfg.Target), NodeID: n.cfg.NodeID, Address: addr}
}

// track starts the heartbeat clock for every other known target.
func (n *Node) track() {
	local := tss.TargetID(n.cfg.Target)
	for _, t := range n.cluster.Targets() {
		if t.Target != local {
			n.collector.Track(t.Target)
		}
	}
}

func (n *Node) applyManagementState(st cluster.ManagementState) {
	if err := bgm.SyncGroupsAndStates(n.mapper, n.states, st.Groups, st.States); err != nil {
		n.ls.Error(logservice.LogEvent{
			Message:  "Rejected management state",
			Metadata: map[string]any{"error": err.Error()},
		})
		return
	}
	local := tss.TargetID(n.cfg.Target)
	for _, g := range st.Groups {
		for _, t := range []tss.TargetID{g.Primary, g.Secondary} {
			if t != local {
				n.collector.Track(t)
			}
		}
	}
}

// onStateChange runs on the goroutine that changed the store, possibly a
// request in flight, so anything slow is queued for background.
func (n *Node) onStateChange(rec tss.Record, local bool) {
	label := strconv.Itoa(int(rec.ID))
	metrics.TargetConsistency.WithLabelValues(label).Set(float64(rec.Consistency))
	metrics.TargetReachability.WithLabelValues(label).Set(float64(rec.Reachability))

	if local {
		n.queueReport(rec)
	}
	select {
	case n.dirty <- struct{}{}:
	default:
	}
}

// background persists the state table whenever it changed.
func (n *Node) background(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-n.dirty:
			if err := n.states.SaveTo(n.persister); err != nil {
				n.ls.Warn(logservice.LogEvent{Message: "Failed to save target states", Metadata: map[string]any{"error": err.Error()}})
			}
		}
	}
}

func (n *Node) queueReport(rec tss.Record) {
	n.reportMu.Lock()
	n.pending[rec.ID] = rec
	n.reportMu.Unlock()
	n.signalReports()
}

func (n *Node) signalReports() {
	select {
	case n.reportReady <- struct{}{}:
	default:
	}
}

// reportLoop forwards local consistency changes to management. A report
// that still fails after the retry policy stays pending and is tried again
// later unless a newer change for the same target replaced it.
func (n *Node) reportLoop(ctx context.Context) error {
	policy := retry.Policy{
		MaxAttempts: n.cfg.Retry.MaxAttempts,
		BaseDelay:   n.cfg.Retry.BaseDelay,
		MaxDelay:    n.cfg.Retry.MaxDelay,
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-n.reportReady:
		}

		for _, rec := range n.takeReports() {
			_, err := retry.Do(ctx, policy, func(_ struct{}, err error) bool { return err != nil },
				func(int) (struct{}, error) { return struct{}{}, n.cluster.ReportConsistency(rec) })
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			n.ls.Error(logservice.LogEvent{
				Message:  "Failed to report consistency change",
				Metadata: map[string]any{"target": rec.ID, "consistency": rec.Consistency.String(), "error": err.Error()},
			})
			n.requeueReport(rec)
			time.AfterFunc(policy.MaxDelay, n.signalReports)
		}
	}
}

func (n *Node) takeReports() []tss.Record {
	n.reportMu.Lock()
	defer n.reportMu.Unlock()

	out := make([]tss.Record, 0, len(n.pending))
	for id, rec := range n.pending {
		out = append(out, rec)
		delete(n.pending, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (n *Node) requeueReport(rec tss.Record) {
	n.reportMu.Lock()
	defer n.reportMu.Unlock()
	if _, newer := n.pending[rec.ID]; !newer {
		n.pending[rec.ID] = rec
	}
}

func observeRequest(ev me.Event) {
	if ev.To != me.StateCompleted {
		return
	}
	metrics.MirrorRequests.WithLabelValues(ev.Kind.String(), ev.Role.String(), ev.Result.String()).Inc()
	if ev.Forward != me.ForwardNone {
		metrics.MirrorForwards.WithLabelValues(string(ev.Forward)).Inc()
	}
}

func peerNodes(cfg *config.Config) []cluster.TargetNode {
	out := make([]cluster.TargetNode, 0, len(cfg.Cluster.Peers))
	for _, p := range cfg.Cluster.Peers {
		out = append(out, cluster.TargetNode{Target: tss.TargetID(p.Target), NodeID: p.NodeID, Address: p.Address})
	}
	return out
}

// seedState builds the static management state. Every configured target
// starts Online; a consistency persisted by an earlier run wins over Good.
func seedState(cfg *config.Config, persisted []tss.Record) cluster.ManagementState {
	if len(cfg.Cluster.Groups) == 0 {
		return cluster.ManagementState{}
	}
	known := make(map[tss.TargetID]tss.Consistency, len(persisted))
	for _, r := range persisted {
		known[r.ID] = r.Consistency
	}

	var st cluster.ManagementState
	for _, g := range cfg.Cluster.Groups {
		st.Groups = append(st.Groups, bgm.BuddyGroup{ID: bgm.GroupID(g.ID), Primary: tss.TargetID(g.Primary), Secondary: tss.TargetID(g.Secondary)})
	}
	for _, p := range cfg.Cluster.Peers {
		id := tss.TargetID(p.Target)
		cons, ok := known[id]
		if !ok {
			cons = tss.Good
		}
		st.States = append(st.States, tss.Record{ID: id, Reachability: tss.Online, Consistency: cons})
	}
	return st
}
