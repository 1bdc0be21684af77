package buddy_group_mapper

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/AnishMulay/sandmirror/internal/log_service"
	tss "github.com/AnishMulay/sandmirror/internal/target_state_store"
)

type GroupID uint16

type TargetID = tss.TargetID

// BuddyGroup pairs two targets. Exactly one of them is primary at a time.
type BuddyGroup struct {
	ID        GroupID  `json:"id" yaml:"id"`
	Primary   TargetID `json:"primary" yaml:"primary"`
	Secondary TargetID `json:"secondary" yaml:"secondary"`
}

func (g BuddyGroup) validate() error {
	if g.ID == 0 || g.Primary == 0 || g.Secondary == 0 {
		return fmt.Errorf("%w: zero ID in group %d (%d, %d)", ErrInvalidGroup, g.ID, g.Primary, g.Secondary)
	}
	if g.Primary == g.Secondary {
		return fmt.Errorf("%w: group %d uses target %d twice", ErrInvalidGroup, g.ID, g.Primary)
	}
	return nil
}

// BuddyState is a target's role within its group.
type BuddyState int

const (
	Unmapped BuddyState = iota
	Primary
	Secondary
)

func (s BuddyState) String() string {
	switch s {
	case Primary:
		return "primary"
	case Secondary:
		return "secondary"
	default:
		return "unmapped"
	}
}

type groupTable struct {
	groups   map[GroupID]BuddyGroup
	byTarget map[TargetID]GroupID
}

func newGroupTable() groupTable {
	return groupTable{groups: make(map[GroupID]BuddyGroup), byTarget: make(map[TargetID]GroupID)}
}

// buildTable validates a complete group list and indexes it.
func buildTable(groups []BuddyGroup) (groupTable, error) {
	t := newGroupTable()
	for _, g := range groups {
		if err := g.validate(); err != nil {
			return groupTable{}, err
		}
		if _, dup := t.groups[g.ID]; dup {
			return groupTable{}, fmt.Errorf("%w: %d", ErrGroupExists, g.ID)
		}
		for _, target := range []TargetID{g.Primary, g.Secondary} {
			if other, used := t.byTarget[target]; used {
				return groupTable{}, fmt.Errorf("%w: target %d in groups %d and %d", ErrTargetInUse, target, other, g.ID)
			}
			t.byTarget[target] = g.ID
		}
		t.groups[g.ID] = g
	}
	return t, nil
}

type BuddyGroupMapper struct {
	mu          sync.RWMutex
	table       groupTable
	initialized bool

	localTarget TargetID
	ls          log_service.LogService
}

func NewBuddyGroupMapper(localTarget TargetID, ls log_service.LogService) *BuddyGroupMapper {
	return &BuddyGroupMapper{
		table:       newGroupTable(),
		localTarget: localTarget,
		ls:          ls,
	}
}

func (m *BuddyGroupMapper) LocalTarget() TargetID {
	return m.localTarget
}

func (m *BuddyGroupMapper) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// Group returns the group with the given ID. Callers can tell "not yet
// initialized" from "no such group" by the returned error.
func (m *BuddyGroupMapper) Group(id GroupID) (BuddyGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.groupLocked(id)
}

func (m *BuddyGroupMapper) groupLocked(id GroupID) (BuddyGroup, error) {
	if !m.initialized {
		return BuddyGroup{}, ErrNotInitialized
	}
	g, ok := m.table.groups[id]
	if !ok {
		return BuddyGroup{}, fmt.Errorf("%w: %d", ErrGroupNotFound, id)
	}
	return g, nil
}

func (m *BuddyGroupMapper) ResolvePrimary(id GroupID) (TargetID, error) {
	g, err := m.Group(id)
	if err != nil {
		return 0, err
	}
	return g.Primary, nil
}

func (m *BuddyGroupMapper) ResolveSecondary(id GroupID) (TargetID, error) {
	g, err := m.Group(id)
	if err != nil {
		return 0, err
	}
	return g.Secondary, nil
}

// IsLocalPrimary is false for unknown groups and before initialization.
func (m *BuddyGroupMapper) IsLocalPrimary(id GroupID) bool {
	g, err := m.Group(id)
	return err == nil && g.Primary == m.localTarget
}

// LocalGroupID returns the group the local target belongs to.
func (m *BuddyGroupMapper) LocalGroupID() (GroupID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.initialized {
		return 0, ErrNotInitialized
	}
	id, ok := m.table.byTarget[m.localTarget]
	if !ok {
		return 0, fmt.Errorf("%w: no group for local target %d", ErrGroupNotFound, m.localTarget)
	}
	return id, nil
}

func (m *BuddyGroupMapper) BuddyState(target TargetID) BuddyState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.table.byTarget[target]
	if !ok {
		return Unmapped
	}
	if m.table.groups[id].Primary == target {
		return Primary
	}
	return Secondary
}

// BuddyOf returns the other member of target's group.
func (m *BuddyGroupMapper) BuddyOf(target TargetID) (TargetID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.initialized {
		return 0, ErrNotInitialized
	}
	id, ok := m.table.byTarget[target]
	if !ok {
		return 0, fmt.Errorf("%w: no group for target %d", ErrGroupNotFound, target)
	}
	g := m.table.groups[id]
	if g.Primary == target {
		return g.Secondary, nil
	}
	return g.Primary, nil
}

// Groups returns all groups ordered by ID.
func (m *BuddyGroupMapper) Groups() []BuddyGroup {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]BuddyGroup, 0, len(m.table.groups))
	for _, g := range m.table.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ApplyFullSync replaces the whole table. The new table is validated and built
// before the write lock is taken; an invalid list leaves the mapper unchanged.
func (m *BuddyGroupMapper) ApplyFullSync(groups []BuddyGroup) error {
	t, err := buildTable(groups)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.swapLocked(t)
	m.mu.Unlock()

	m.ls.Info(log_service.LogEvent{
		Message:  "Applied buddy group table",
		Metadata: map[string]any{"groups": len(groups)},
	})
	return nil
}

// swapLocked publishes t. Must hold m.mu for writing.
func (m *BuddyGroupMapper) swapLocked(t groupTable) {
	m.table = t
	m.initialized = true
}

// MapGroup adds or updates one group. A zero group ID allocates the lowest
// free one. The allocated or given ID is returned.
func (m *BuddyGroupMapper) MapGroup(group BuddyGroup, allowUpdate bool) (GroupID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if group.ID != 0 && !allowUpdate {
		if _, exists := m.table.groups[group.ID]; exists {
			return 0, fmt.Errorf("%w: %d", ErrGroupExists, group.ID)
		}
	}

	for _, target := range []TargetID{group.Primary, group.Secondary} {
		if other, used := m.table.byTarget[target]; used && other != group.ID {
			return 0, fmt.Errorf("%w: target %d in group %d", ErrTargetInUse, target, other)
		}
	}

	if group.ID == 0 {
		id, err := m.freeIDLocked()
		if err != nil {
			return 0, err
		}
		group.ID = id
	}
	if err := group.validate(); err != nil {
		return 0, err
	}

	if old, ok := m.table.groups[group.ID]; ok {
		delete(m.table.byTarget, old.Primary)
		delete(m.table.byTarget, old.Secondary)
	}
	m.table.groups[group.ID] = group
	m.table.byTarget[group.Primary] = group.ID
	m.table.byTarget[group.Secondary] = group.ID

	m.ls.Info(log_service.LogEvent{
		Message:  "Mapped buddy group",
		Metadata: map[string]any{"group": group.ID, "primary": group.Primary, "secondary": group.Secondary},
	})
	return group.ID, nil
}

// UnmapGroup removes a group and reports whether it existed.
func (m *BuddyGroupMapper) UnmapGroup(id GroupID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.table.groups[id]
	if !ok {
		return false
	}
	delete(m.table.groups, id)
	delete(m.table.byTarget, g.Primary)
	delete(m.table.byTarget, g.Secondary)

	m.ls.Info(log_service.LogEvent{
		Message:  "Unmapped buddy group",
		Metadata: map[string]any{"group": id},
	})
	return true
}

// SwitchOver swaps primary and secondary of a group atomically and returns
// the new assignment.
func (m *BuddyGroupMapper) SwitchOver(id GroupID) (BuddyGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.groupLocked(id)
	if err != nil {
		return BuddyGroup{}, err
	}
	g.Primary, g.Secondary = g.Secondary, g.Primary
	m.table.groups[id] = g

	m.ls.Warn(log_service.LogEvent{
		Message:  "Buddy group switched over",
		Metadata: map[string]any{"group": id, "primary": g.Primary, "secondary": g.Secondary},
	})
	return g, nil
}

func (m *BuddyGroupMapper) freeIDLocked() (GroupID, error) {
	for id := GroupID(1); id < math.MaxUint16; id++ {
		if _, used := m.table.groups[id]; !used {
			return id, nil
		}
	}
	return 0, ErrNoFreeGroupID
}
