package buddy_group_mapper

import (
	"github.com/AnishMulay/sandmirror/internal/log_service"
	tss "github.com/AnishMulay/sandmirror/internal/target_state_store"
)

// SyncGroupsAndStates replaces the group table and the target state table in
// one critical section. Lock order is always mapper first, then store; no
// other code path holds both.
func SyncGroupsAndStates(m *BuddyGroupMapper, store *tss.TargetStateStore, groups []BuddyGroup, records []tss.Record) error {
	t, err := buildTable(groups)
	if err != nil {
		return err
	}

	m.mu.Lock()
	err = store.ReplaceStates(records, func() {
		m.swapLocked(t)
	})
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.ls.Info(log_service.LogEvent{
		Message:  "Synchronized buddy groups and target states",
		Metadata: map[string]any{"groups": len(groups), "targets": len(records)},
	})
	return nil
}
