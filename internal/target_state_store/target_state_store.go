package target_state_store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AnishMulay/sandmirror/internal/log_service"
)

// ChangeFunc is called after a target's state changed. local is true for
// transitions decided by this node (MarkNeedsResync and friends) and false for
// states pushed through the bulk entry points.
type ChangeFunc func(rec Record, local bool)

type targetInfo struct {
	state       CombinedState
	lastChanged time.Time
}

type TargetStateStore struct {
	mu     sync.RWMutex
	states map[TargetID]targetInfo

	// persistMu orders write+save sequences against each other; it is never
	// taken while mu is held.
	persistMu sync.Mutex

	subMu       sync.RWMutex
	subscribers []ChangeFunc

	now func() time.Time
	ls  log_service.LogService
}

func NewTargetStateStore(ls log_service.LogService) *TargetStateStore {
	return &TargetStateStore{
		states: make(map[TargetID]targetInfo),
		now:    time.Now,
		ls:     ls,
	}
}

func (s *TargetStateStore) Subscribe(fn ChangeFunc) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// --- Reads ---

func (s *TargetStateStore) Get(id TargetID) (CombinedState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.states[id]
	return info.state, ok
}

func (s *TargetStateStore) IsUsable(id TargetID) bool {
	state, ok := s.Get(id)
	return ok && state.Usable()
}

func (s *TargetStateStore) LastChanged(id TargetID) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.states[id]
	return info.lastChanged, ok
}

// Snapshot returns all records ordered by target ID.
func (s *TargetStateStore) Snapshot() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *TargetStateStore) snapshotLocked() []Record {
	records := make([]Record, 0, len(s.states))
	for id, info := range s.states {
		records = append(records, Record{ID: id, Reachability: info.state.Reachability, Consistency: info.state.Consistency})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records
}

// --- Bulk synchronisation ---

// SetConsistencyStatesFromList updates the consistency of the listed targets
// under one write lock. Targets not yet known start Offline.
func (s *TargetStateStore) SetConsistencyStatesFromList(ids []TargetID, states []Consistency) error {
	if len(ids) != len(states) {
		return ErrListLengthMismatch
	}
	for i, id := range ids {
		if id == 0 {
			return ErrInvalidTargetID
		}
		if !states[i].Valid() {
			return fmt.Errorf("%w: target %d", ErrInvalidState, id)
		}
	}

	s.mu.Lock()
	changed := make([]Record, 0, len(ids))
	for i, id := range ids {
		info, ok := s.states[id]
		if !ok {
			info.state.Reachability = Offline
		}
		if ok && info.state.Consistency == states[i] {
			continue
		}
		info.state.Consistency = states[i]
		changed = append(changed, s.setLocked(id, info))
	}
	s.mu.Unlock()

	s.notify(changed, false)
	return nil
}

// SetReachabilityStatesFromList is the entry point of the heartbeat
// collector. Targets not yet known start Good.
func (s *TargetStateStore) SetReachabilityStatesFromList(ids []TargetID, states []Reachability) error {
	if len(ids) != len(states) {
		return ErrListLengthMismatch
	}
	for i, id := range ids {
		if id == 0 {
			return ErrInvalidTargetID
		}
		if !states[i].Valid() {
			return fmt.Errorf("%w: target %d", ErrInvalidState, id)
		}
	}

	s.mu.Lock()
	changed := make([]Record, 0, len(ids))
	for i, id := range ids {
		info, ok := s.states[id]
		if !ok {
			info.state.Consistency = Good
		}
		if ok && info.state.Reachability == states[i] {
			continue
		}
		info.state.Reachability = states[i]
		changed = append(changed, s.setLocked(id, info))
	}
	s.mu.Unlock()

	s.notify(changed, false)
	return nil
}

// SetStatesFromLists replaces the whole table.
func (s *TargetStateStore) SetStatesFromLists(ids []TargetID, reach []Reachability, cons []Consistency) error {
	if len(ids) != len(reach) || len(ids) != len(cons) {
		return ErrListLengthMismatch
	}
	records := make([]Record, len(ids))
	for i, id := range ids {
		records[i] = Record{ID: id, Reachability: reach[i], Consistency: cons[i]}
	}
	return s.ReplaceStates(records, nil)
}

// ReplaceStates swaps in a new table built from records. underLock, if set,
// runs while the write lock is still held; the buddy group mapper uses it to
// publish its own table in the same critical section.
func (s *TargetStateStore) ReplaceStates(records []Record, underLock func()) error {
	next := make(map[TargetID]targetInfo, len(records))
	now := s.now()
	for _, rec := range records {
		if err := rec.validate(); err != nil {
			return err
		}
		next[rec.ID] = targetInfo{state: rec.State(), lastChanged: now}
	}

	s.mu.Lock()
	var changed []Record
	for id, info := range next {
		if old, ok := s.states[id]; ok && old.state == info.state {
			next[id] = old
			continue
		}
		changed = append(changed, Record{ID: id, Reachability: info.state.Reachability, Consistency: info.state.Consistency})
	}
	s.states = next
	if underLock != nil {
		underLock()
	}
	s.mu.Unlock()

	s.ls.Debug(log_service.LogEvent{
		Message:  "Replaced target state table",
		Metadata: map[string]any{"targets": len(records), "changed": len(changed)},
	})
	s.notify(changed, false)
	return nil
}

// ChangeConsistencyStatesFromList applies newStates only if every listed
// target currently has the matching entry of oldStates. Otherwise nothing is
// changed and ErrStateChanged is returned. Targets that report in this way are
// considered Online.
func (s *TargetStateStore) ChangeConsistencyStatesFromList(ids []TargetID, oldStates, newStates []Consistency) error {
	if len(ids) != len(oldStates) || len(ids) != len(newStates) {
		return ErrListLengthMismatch
	}
	for i := range newStates {
		if !newStates[i].Valid() {
			return fmt.Errorf("%w: target %d", ErrInvalidState, ids[i])
		}
	}

	s.mu.Lock()
	for i, id := range ids {
		info, ok := s.states[id]
		if !ok || info.state.Consistency != oldStates[i] {
			s.mu.Unlock()
			return fmt.Errorf("%w: target %d", ErrStateChanged, id)
		}
	}

	changed := make([]Record, 0, len(ids))
	for i, id := range ids {
		info := s.states[id]
		if info.state.Consistency == newStates[i] && info.state.Reachability == Online {
			continue
		}
		info.state.Consistency = newStates[i]
		info.state.Reachability = Online
		changed = append(changed, s.setLocked(id, info))
	}
	s.mu.Unlock()

	s.notify(changed, false)
	return nil
}

// --- Local transitions ---

// MarkNeedsResync moves a Good target to NeedsResync. It reports whether the
// state changed; NeedsResync and Bad targets are left alone.
func (s *TargetStateStore) MarkNeedsResync(id TargetID) (bool, error) {
	return s.transition(id, NeedsResync, func(from Consistency) (bool, error) {
		return from == Good, nil
	})
}

// MarkResynced is called when the resync procedure for id finished.
func (s *TargetStateStore) MarkResynced(id TargetID) (bool, error) {
	return s.transition(id, Good, func(from Consistency) (bool, error) {
		switch from {
		case NeedsResync:
			return true, nil
		case Good:
			return false, nil
		default:
			return false, ErrInvalidTransition
		}
	})
}

// MarkBad is terminal until an administrative sync resets the target.
func (s *TargetStateStore) MarkBad(id TargetID) (bool, error) {
	return s.transition(id, Bad, func(from Consistency) (bool, error) {
		return from != Bad, nil
	})
}

func (s *TargetStateStore) transition(id TargetID, to Consistency, allowed func(from Consistency) (bool, error)) (bool, error) {
	s.mu.Lock()
	info, ok := s.states[id]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %d", ErrUnknownTarget, id)
	}

	from := info.state.Consistency
	apply, err := allowed(from)
	if err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: target %d %s -> %s", err, id, from, to)
	}
	if !apply {
		s.mu.Unlock()
		return false, nil
	}

	info.state.Consistency = to
	rec := s.setLocked(id, info)
	s.mu.Unlock()

	s.ls.Warn(log_service.LogEvent{
		Message:  "Target consistency changed",
		Metadata: map[string]any{"target": id, "from": from.String(), "to": to.String()},
	})
	s.notify([]Record{rec}, true)
	return true, nil
}

// --- Persistence ---

func (s *TargetStateStore) SaveTo(p Persister) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	return s.save(p)
}

func (s *TargetStateStore) LoadFrom(p Persister) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	records, err := p.Load()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	return s.ReplaceStates(records, nil)
}

// SetConsistencyStatesAndPersist holds the persistence mutex across the update
// and the save, so no other writer can persist in between.
func (s *TargetStateStore) SetConsistencyStatesAndPersist(ids []TargetID, states []Consistency, p Persister) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if err := s.SetConsistencyStatesFromList(ids, states); err != nil {
		return err
	}
	return s.save(p)
}

func (s *TargetStateStore) save(p Persister) error {
	if err := p.Save(s.Snapshot()); err != nil {
		s.ls.Error(log_service.LogEvent{
			Message:  "Failed to persist target states",
			Metadata: map[string]any{"error": err.Error()},
		})
		return fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}
	return nil
}

// setLocked stores info and returns its record. Must hold s.mu for writing.
func (s *TargetStateStore) setLocked(id TargetID, info targetInfo) Record {
	info.lastChanged = s.now()
	s.states[id] = info
	return Record{ID: id, Reachability: info.state.Reachability, Consistency: info.state.Consistency}
}

func (s *TargetStateStore) notify(changed []Record, local bool) {
	if len(changed) == 0 {
		return
	}
	s.subMu.RLock()
	subs := append([]ChangeFunc(nil), s.subscribers...)
	s.subMu.RUnlock()

	for _, rec := range changed {
		for _, fn := range subs {
			fn(rec, local)
		}
	}
}
