package static

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	bgm "github.com/AnishMulay/sandmirror/internal/buddy_group_mapper"
	cluster "github.com/AnishMulay/sandmirror/internal/cluster_service"
	"github.com/AnishMulay/sandmirror/internal/communication"
	"github.com/AnishMulay/sandmirror/internal/communication/memory"
	"github.com/AnishMulay/sandmirror/internal/log_service/noop"
	tss "github.com/AnishMulay/sandmirror/internal/target_state_store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var peers = []cluster.TargetNode{
	{Target: 1, NodeID: "n1", Address: "node-1"},
	{Target: 2, NodeID: "n2", Address: "node-2"},
	{Target: 3, NodeID: "n3", Address: "node-3"},
}

func TestStaticClusterService_Validation(t *testing.T) {
	ls := noop.NewNoopLogService()
	comm := memory.NewMemoryCommunicator(memory.NewNetwork(), "node-1", ls)

	_, err := NewStaticClusterService(peers, cluster.ManagementState{}, comm, 0, ls)
	assert.ErrorIs(t, err, cluster.ErrInvalidInterval)

	_, err = NewStaticClusterService([]cluster.TargetNode{{Target: 0, Address: "x"}}, cluster.ManagementState{}, comm, time.Second, ls)
	assert.ErrorIs(t, err, cluster.ErrInvalidTarget)

	s, err := NewStaticClusterService(peers, cluster.ManagementState{}, comm, time.Second, ls)
	require.NoError(t, err)
	assert.ErrorIs(t, s.SendHeartbeats(context.Background()), cluster.ErrNotRegistered)

	addr, err := s.TargetAddress(2)
	require.NoError(t, err)
	assert.Equal(t, "node-2", addr)
	_, err = s.TargetAddress(9)
	assert.ErrorIs(t, err, cluster.ErrUnknownTarget)
	assert.Equal(t, peers, s.Targets())
}

func TestStaticClusterService_SeedsManagementState(t *testing.T) {
	ls := noop.NewNoopLogService()
	seed := cluster.ManagementState{
		Groups: []bgm.BuddyGroup{{ID: 1, Primary: 1, Secondary: 2}},
		States: []tss.Record{{ID: 1, Reachability: tss.Online, Consistency: tss.Good}},
	}
	s, err := NewStaticClusterService(peers, seed, memory.NewMemoryCommunicator(memory.NewNetwork(), "node-1", ls), time.Second, ls)
	require.NoError(t, err)

	var got []cluster.ManagementState
	s.OnManagementState(func(st cluster.ManagementState) { got = append(got, st) })
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []cluster.ManagementState{seed}, got)

	require.NoError(t, s.ReportConsistency(tss.Record{ID: 2, Consistency: tss.NeedsResync}))
	assert.Equal(t, []tss.Record{{ID: 2, Consistency: tss.NeedsResync}}, s.Reports())
}

func TestStaticClusterService_HeartbeatsReachPeers(t *testing.T) {
	ls := noop.NewNoopLogService()
	network := memory.NewNetwork()

	var mu sync.Mutex
	received := map[string][]communication.HeartbeatRequest{}
	for _, addr := range []string{"node-2", "node-3"} {
		addr := addr
		peer := memory.NewMemoryCommunicator(network, addr, ls)
		require.NoError(t, peer.Start(func(ctx context.Context, msg communication.Message) (*communication.Response, error) {
			var req communication.HeartbeatRequest
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				return &communication.Response{Code: communication.CodeBadRequest}, nil
			}
			mu.Lock()
			received[addr] = append(received[addr], req)
			mu.Unlock()
			return &communication.Response{Code: communication.CodeOK}, nil
		}))
	}
	network.SetDown("node-3", true)

	comm := memory.NewMemoryCommunicator(network, "node-1", ls)
	require.NoError(t, comm.Start(func(ctx context.Context, msg communication.Message) (*communication.Response, error) {
		return &communication.Response{Code: communication.CodeOK}, nil
	}))

	// a long interval keeps the background loop to its first round
	s, err := NewStaticClusterService(peers, cluster.ManagementState{}, comm, time.Hour, ls)
	require.NoError(t, err)
	s.mu.Lock()
	s.self = &peers[0]
	s.mu.Unlock()

	require.NoError(t, s.SendHeartbeats(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []communication.HeartbeatRequest{{Target: 1, Address: "node-1"}}, received["node-2"])
	assert.Empty(t, received["node-3"])
}

func TestStaticClusterService_Receive(t *testing.T) {
	ls := noop.NewNoopLogService()
	s, err := NewStaticClusterService(peers, cluster.ManagementState{}, memory.NewMemoryCommunicator(memory.NewNetwork(), "node-1", ls), time.Second, ls)
	require.NoError(t, err)

	var got []cluster.Heartbeat
	s.OnHeartbeat(func(hb cluster.Heartbeat) { got = append(got, hb) })
	s.Receive(cluster.Heartbeat{Target: 2})
	assert.Equal(t, []cluster.Heartbeat{{Target: 2}}, got)
}
