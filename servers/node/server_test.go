package node

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	sandlib "github.com/AnishMulay/sandmirror/clients/library"
	bgm "github.com/AnishMulay/sandmirror/internal/buddy_group_mapper"
	cluster "github.com/AnishMulay/sandmirror/internal/cluster_service"
	"github.com/AnishMulay/sandmirror/internal/communication"
	"github.com/AnishMulay/sandmirror/internal/communication/memory"
	"github.com/AnishMulay/sandmirror/internal/config"
	"github.com/AnishMulay/sandmirror/internal/log_service/noop"
	ms "github.com/AnishMulay/sandmirror/internal/metadata_service"
	tss "github.com/AnishMulay/sandmirror/internal/target_state_store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, nodeID string, target uint16) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.NodeID = nodeID
	cfg.Target = target
	cfg.ListenAddr = nodeID
	cfg.HTTPAddr = ""
	cfg.DataDir = t.TempDir()
	cfg.Cluster.Heartbeat = 100 * time.Millisecond
	cfg.Cluster.OfflineAfter = time.Second
	cfg.Cluster.Peers = []config.Peer{
		{Target: 1, NodeID: "node-1", Address: "node-1"},
		{Target: 2, NodeID: "node-2", Address: "node-2"},
	}
	cfg.Cluster.Groups = []config.Group{{ID: 1, Primary: 1, Secondary: 2}}
	return cfg
}

type running struct {
	node *Node
	done chan error
}

func startNode(t *testing.T, network *memory.Network, cfg *config.Config) *running {
	t.Helper()
	ls := noop.NewNoopLogService()
	n, err := Build(Options{Config: cfg, Comm: memory.NewMemoryCommunicator(network, cfg.ListenAddr, ls), Logger: ls})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{node: n, done: make(chan error, 1)}
	go func() { r.done <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
			t.Error("node did not stop")
		}
	})

	require.Eventually(t, n.mapper.Initialized, 2*time.Second, 10*time.Millisecond)
	return r
}

func TestNode_MirrorsOverStaticCluster(t *testing.T) {
	network := memory.NewNetwork()
	primary := startNode(t, network, testConfig(t, "node-1", 1))
	secondary := startNode(t, network, testConfig(t, "node-2", 2))

	ls := noop.NewNoopLogService()
	clientComm := memory.NewMemoryCommunicator(network, "client", ls)
	require.NoError(t, clientComm.Start(func(context.Context, communication.Message) (*communication.Response, error) {
		return &communication.Response{Code: communication.CodeOK}, nil
	}))
	defer clientComm.Stop()

	c := sandlib.NewMirrorClient([]string{"node-1", "node-2"}, clientComm)
	ctx := context.Background()
	id, err := c.MkDir(ctx, ms.RootID, "shared", 0755, 0, 0)
	require.NoError(t, err)

	got, err := secondary.node.store.Lookup(ctx, ms.RootID, "shared")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	// heartbeats keep both targets online
	time.Sleep(300 * time.Millisecond)
	for _, n := range []*Node{primary.node, secondary.node} {
		st, ok := n.states.Get(2)
		require.True(t, ok)
		assert.Equal(t, tss.Online, st.Reachability)
		assert.Equal(t, tss.Good, st.Consistency)
	}
}

func TestNode_PersistsStatesOnShutdown(t *testing.T) {
	network := memory.NewNetwork()
	cfg := testConfig(t, "node-1", 1)
	ls := noop.NewNoopLogService()
	n, err := Build(Options{Config: cfg, Comm: memory.NewMemoryCommunicator(network, "node-1", ls), Logger: ls})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	require.Eventually(t, n.mapper.Initialized, 2*time.Second, 10*time.Millisecond)

	_, err = n.states.MarkNeedsResync(2)
	require.NoError(t, err)

	cancel()
	require.NoError(t, <-done)

	_, err = os.Stat(cfg.StatePath())
	require.NoError(t, err)
	records, err := tss.NewFilePersister(cfg.StatePath()).Load()
	require.NoError(t, err)
	var found bool
	for _, r := range records {
		if r.ID == 2 {
			found = true
			assert.Equal(t, tss.NeedsResync, r.Consistency)
		}
	}
	assert.True(t, found)
}

func TestSeedState(t *testing.T) {
	cfg := testConfig(t, "node-1", 1)

	st := seedState(cfg, []tss.Record{{ID: 2, Reachability: tss.Offline, Consistency: tss.Bad}})
	assert.Equal(t, []bgm.BuddyGroup{{ID: 1, Primary: 1, Secondary: 2}}, st.Groups)
	assert.Equal(t, []tss.Record{
		{ID: 1, Reachability: tss.Online, Consistency: tss.Good},
		{ID: 2, Reachability: tss.Online, Consistency: tss.Bad},
	}, st.States)

	cfg.Cluster.Groups = nil
	assert.Empty(t, seedState(cfg, nil).Groups)
}

func TestBuild_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, "node-1", 1)
	cfg.Target = 0
	_, err := Build(Options{Config: cfg, Logger: noop.NewNoopLogService()})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

// flakyCluster fails the first failures reports and records the rest.
type flakyCluster struct {
	cluster.ClusterService

	mu       sync.Mutex
	failures int
	got      map[tss.TargetID]tss.Record
}

func (c *flakyCluster) ReportConsistency(rec tss.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return errors.New("management unreachable")
	}
	c.got[rec.ID] = rec
	return nil
}

func (c *flakyCluster) reported() map[tss.TargetID]tss.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[tss.TargetID]tss.Record, len(c.got))
	for id, rec := range c.got {
		out[id] = rec
	}
	return out
}

func TestNode_ReportsEveryLocalChange(t *testing.T) {
	cfg := config.Default()
	cfg.Retry = config.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	fake := &flakyCluster{failures: 3, got: make(map[tss.TargetID]tss.Record)}
	n := &Node{
		cfg:         cfg,
		ls:          noop.NewNoopLogService(),
		cluster:     fake,
		pending:     make(map[tss.TargetID]tss.Record),
		reportReady: make(chan struct{}, 1),
	}

	// more changes than any fixed queue would hold, plus a superseded one
	const targets = 200
	n.queueReport(tss.Record{ID: 1, Reachability: tss.Online, Consistency: tss.NeedsResync})
	for id := 1; id <= targets; id++ {
		n.queueReport(tss.Record{ID: tss.TargetID(id), Reachability: tss.Online, Consistency: tss.Bad})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.reportLoop(ctx) }()

	require.Eventually(t, func() bool {
		return len(fake.reported()) == targets
	}, 5*time.Second, 10*time.Millisecond)
	for id, rec := range fake.reported() {
		assert.Equal(t, tss.Bad, rec.Consistency, "target %d", id)
	}

	cancel()
	require.NoError(t, <-done)
}
