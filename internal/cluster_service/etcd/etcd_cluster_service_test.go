package etcd

import (
	"encoding/json"
	"testing"

	bgm "github.com/AnishMulay/sandmirror/internal/buddy_group_mapper"
	cluster "github.com/AnishMulay/sandmirror/internal/cluster_service"
	tss "github.com/AnishMulay/sandmirror/internal/target_state_store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestDecodeEvent(t *testing.T) {
	node := cluster.TargetNode{Target: 3, NodeID: "n3", Address: "10.0.0.3:9000"}
	hb := cluster.Heartbeat{Target: 3, NodeID: "n3"}
	mgmt := cluster.ManagementState{
		Groups: []bgm.BuddyGroup{{ID: 1, Primary: 3, Secondary: 4}},
		States: []tss.Record{{ID: 3, Reachability: tss.Online, Consistency: tss.Good}},
	}

	tests := []struct {
		name    string
		key     string
		value   []byte
		deleted bool
		want    event
		wantOK  bool
	}{
		{name: "target put", key: PrefixTargets + "3", value: mustJSON(t, node), want: event{target: &node}, wantOK: true},
		{name: "target delete", key: PrefixTargets + "3", deleted: true, want: event{removedTarget: 3}, wantOK: true},
		{name: "target id mismatch", key: PrefixTargets + "4", value: mustJSON(t, node)},
		{name: "target id not a number", key: PrefixTargets + "x", value: mustJSON(t, node)},
		{name: "target id out of range", key: PrefixTargets + "70000", value: mustJSON(t, node)},
		{name: "heartbeat", key: PrefixLease + "3", value: mustJSON(t, hb), want: event{heartbeat: &hb}, wantOK: true},
		{name: "lease expired", key: PrefixLease + "3", deleted: true},
		{name: "management", key: KeyManagement, value: mustJSON(t, mgmt), want: event{management: &mgmt}, wantOK: true},
		{name: "management garbage", key: KeyManagement, value: []byte("{")},
		{name: "report", key: PrefixReports + "3", value: []byte("{}")},
		{name: "foreign key", key: "/other/key", value: []byte("{}")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := decodeEvent(tt.key, tt.value, tt.deleted)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestDispatch(t *testing.T) {
	s := NewEtcdClusterService(nil, 0, nil)

	var beats []cluster.Heartbeat
	s.OnHeartbeat(func(hb cluster.Heartbeat) { beats = append(beats, hb) })
	var states []cluster.ManagementState
	s.OnManagementState(func(st cluster.ManagementState) { states = append(states, st) })

	node := cluster.TargetNode{Target: 7, Address: "a:1"}
	s.dispatch(event{target: &node})
	addr, err := s.TargetAddress(7)
	require.NoError(t, err)
	assert.Equal(t, "a:1", addr)
	assert.Equal(t, []cluster.TargetNode{node}, s.Targets())

	s.dispatch(event{heartbeat: &cluster.Heartbeat{Target: 7}})
	assert.Len(t, beats, 1)

	s.dispatch(event{removedTarget: 7})
	_, err = s.TargetAddress(7)
	assert.ErrorIs(t, err, cluster.ErrUnknownTarget)
	assert.Empty(t, states)
}
