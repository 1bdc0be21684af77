package buddy_group_mapper

import (
	"sync"
	"testing"

	"github.com/AnishMulay/sandmirror/internal/log_service/noop"
	tss "github.com/AnishMulay/sandmirror/internal/target_state_store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMapper(t *testing.T, local TargetID, groups ...BuddyGroup) *BuddyGroupMapper {
	t.Helper()
	m := NewBuddyGroupMapper(local, noop.NewNoopLogService())
	if groups != nil {
		require.NoError(t, m.ApplyFullSync(groups))
	}
	return m
}

func TestBuddyGroupMapper_NotInitializedVersusNotFound(t *testing.T) {
	m := newTestMapper(t, 1)

	_, err := m.ResolvePrimary(1)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = m.LocalGroupID()
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.False(t, m.IsLocalPrimary(1))

	require.NoError(t, m.ApplyFullSync([]BuddyGroup{}))
	assert.True(t, m.Initialized())

	id, err := m.ResolveSecondary(1)
	assert.ErrorIs(t, err, ErrGroupNotFound)
	assert.NotErrorIs(t, err, ErrNotInitialized)
	assert.Zero(t, id)
}

func TestBuddyGroupMapper_Resolve(t *testing.T) {
	m := newTestMapper(t, 2,
		BuddyGroup{ID: 10, Primary: 1, Secondary: 2},
		BuddyGroup{ID: 20, Primary: 3, Secondary: 4},
	)

	p, err := m.ResolvePrimary(10)
	require.NoError(t, err)
	assert.Equal(t, TargetID(1), p)

	s, err := m.ResolveSecondary(20)
	require.NoError(t, err)
	assert.Equal(t, TargetID(4), s)

	assert.False(t, m.IsLocalPrimary(10))
	gid, err := m.LocalGroupID()
	require.NoError(t, err)
	assert.Equal(t, GroupID(10), gid)

	assert.Equal(t, Primary, m.BuddyState(3))
	assert.Equal(t, Secondary, m.BuddyState(2))
	assert.Equal(t, Unmapped, m.BuddyState(9))

	buddy, err := m.BuddyOf(4)
	require.NoError(t, err)
	assert.Equal(t, TargetID(3), buddy)
	_, err = m.BuddyOf(9)
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestBuddyGroupMapper_ApplyFullSyncValidation(t *testing.T) {
	tests := []struct {
		name   string
		groups []BuddyGroup
		want   error
	}{
		{"zero group id", []BuddyGroup{{ID: 0, Primary: 1, Secondary: 2}}, ErrInvalidGroup},
		{"zero target id", []BuddyGroup{{ID: 1, Primary: 0, Secondary: 2}}, ErrInvalidGroup},
		{"same target twice", []BuddyGroup{{ID: 1, Primary: 2, Secondary: 2}}, ErrInvalidGroup},
		{"duplicate group", []BuddyGroup{{ID: 1, Primary: 1, Secondary: 2}, {ID: 1, Primary: 3, Secondary: 4}}, ErrGroupExists},
		{"target in two groups", []BuddyGroup{{ID: 1, Primary: 1, Secondary: 2}, {ID: 2, Primary: 2, Secondary: 3}}, ErrTargetInUse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMapper(t, 1, BuddyGroup{ID: 7, Primary: 7, Secondary: 8})

			assert.ErrorIs(t, m.ApplyFullSync(tt.groups), tt.want)
			assert.Equal(t, []BuddyGroup{{ID: 7, Primary: 7, Secondary: 8}}, m.Groups(), "table unchanged")
		})
	}
}

func TestBuddyGroupMapper_MapGroup(t *testing.T) {
	m := newTestMapper(t, 1, BuddyGroup{ID: 1, Primary: 1, Secondary: 2})

	_, err := m.MapGroup(BuddyGroup{ID: 1, Primary: 1, Secondary: 3}, false)
	assert.ErrorIs(t, err, ErrGroupExists)

	_, err = m.MapGroup(BuddyGroup{ID: 2, Primary: 2, Secondary: 3}, true)
	assert.ErrorIs(t, err, ErrTargetInUse)

	id, err := m.MapGroup(BuddyGroup{Primary: 5, Secondary: 6}, false)
	require.NoError(t, err)
	assert.Equal(t, GroupID(2), id)

	id, err = m.MapGroup(BuddyGroup{ID: 1, Primary: 1, Secondary: 3}, true)
	require.NoError(t, err)
	assert.Equal(t, GroupID(1), id)
	assert.Equal(t, Unmapped, m.BuddyState(2))
	assert.Equal(t, Secondary, m.BuddyState(3))

	assert.True(t, m.UnmapGroup(2))
	assert.False(t, m.UnmapGroup(2))
	assert.Equal(t, Unmapped, m.BuddyState(5))
}

func TestBuddyGroupMapper_SwitchOver(t *testing.T) {
	m := newTestMapper(t, 1, BuddyGroup{ID: 1, Primary: 1, Secondary: 2})
	assert.True(t, m.IsLocalPrimary(1))

	g, err := m.SwitchOver(1)
	require.NoError(t, err)
	assert.Equal(t, BuddyGroup{ID: 1, Primary: 2, Secondary: 1}, g)
	assert.False(t, m.IsLocalPrimary(1))

	_, err = m.SwitchOver(9)
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

// Readers racing with switchovers always see exactly one primary.
func TestBuddyGroupMapper_SwitchOverAtomic(t *testing.T) {
	m := newTestMapper(t, 1, BuddyGroup{ID: 1, Primary: 1, Secondary: 2})

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			_, err := m.SwitchOver(1)
			assert.NoError(t, err)
		}
		close(done)
	}()

	for {
		select {
		case <-done:
			wg.Wait()
			return
		default:
		}
		g, err := m.Group(1)
		require.NoError(t, err)
		assert.ElementsMatch(t, []TargetID{1, 2}, []TargetID{g.Primary, g.Secondary})
	}
}

func TestSyncGroupsAndStates(t *testing.T) {
	m := newTestMapper(t, 1)
	store := tss.NewTargetStateStore(noop.NewNoopLogService())

	groups := []BuddyGroup{{ID: 1, Primary: 1, Secondary: 2}}
	records := []tss.Record{
		{ID: 1, Reachability: tss.Online, Consistency: tss.Good},
		{ID: 2, Reachability: tss.Online, Consistency: tss.NeedsResync},
	}

	require.NoError(t, SyncGroupsAndStates(m, store, groups, records))
	assert.Equal(t, groups, m.Groups())
	assert.Equal(t, records, store.Snapshot())

	// an invalid group list changes neither table
	err := SyncGroupsAndStates(m, store, []BuddyGroup{{ID: 1, Primary: 3, Secondary: 3}}, nil)
	assert.ErrorIs(t, err, ErrInvalidGroup)
	assert.Equal(t, groups, m.Groups())
	assert.Equal(t, records, store.Snapshot())

	// an invalid state list changes neither table
	err = SyncGroupsAndStates(m, store, []BuddyGroup{{ID: 2, Primary: 3, Secondary: 4}}, []tss.Record{{ID: 0}})
	assert.ErrorIs(t, err, tss.ErrInvalidTargetID)
	assert.Equal(t, groups, m.Groups())
	assert.Equal(t, records, store.Snapshot())
}

func TestSyncGroupsAndStates_PublishedTogether(t *testing.T) {
	m := newTestMapper(t, 1)
	store := tss.NewTargetStateStore(noop.NewNoopLogService())

	configs := []struct {
		groups  []BuddyGroup
		records []tss.Record
	}{
		{
			groups:  []BuddyGroup{{ID: 1, Primary: 1, Secondary: 2}},
			records: []tss.Record{{ID: 1, Reachability: tss.Online, Consistency: tss.Good}, {ID: 2, Reachability: tss.Online, Consistency: tss.Good}},
		},
		{
			groups:  []BuddyGroup{{ID: 1, Primary: 3, Secondary: 4}},
			records: []tss.Record{{ID: 3, Reachability: tss.Online, Consistency: tss.Good}, {ID: 4, Reachability: tss.Online, Consistency: tss.Good}},
		},
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			c := configs[i%2]
			assert.NoError(t, SyncGroupsAndStates(m, store, c.groups, c.records))
		}
	}()

	// Holding the mapper read lock blocks the coupled sync before it reaches the
	// store, so the two tables read under it always belong to the same config.
	for i := 0; i < 500; i++ {
		m.mu.RLock()
		g, ok := m.table.groups[1]
		records := store.Snapshot()
		m.mu.RUnlock()
		if !ok || len(records) == 0 {
			continue
		}
		for _, rec := range records {
			assert.True(t, rec.ID == g.Primary || rec.ID == g.Secondary, "online target %d without group", rec.ID)
		}
	}
	wg.Wait()
}
