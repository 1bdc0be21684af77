package inmemory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AnishMulay/sandmirror/internal/log_service"
	ms "github.com/AnishMulay/sandmirror/internal/metadata_service"
)

type flockTable struct {
	exclusive *ms.SessionKey
	shared    map[ms.SessionKey]struct{}
	waiters   []ms.FLockWaiter
}

func (t *flockTable) empty() bool {
	return t.exclusive == nil && len(t.shared) == 0 && len(t.waiters) == 0
}

type InMemoryMetadataService struct {
	mu       sync.RWMutex
	started  bool
	inodes   map[string]*ms.Inode
	sessions map[ms.SessionKey]ms.Session
	locks    map[string]*flockTable

	ls log_service.LogService
}

func NewInMemoryMetadataService(ls log_service.LogService) *InMemoryMetadataService {
	return &InMemoryMetadataService{
		inodes:   make(map[string]*ms.Inode),
		sessions: make(map[ms.SessionKey]ms.Session),
		locks:    make(map[string]*flockTable),
		ls:       ls,
	}
}

// --- Lifecycle ---

func (s *InMemoryMetadataService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.started = true

	if _, ok := s.inodes[ms.RootID]; !ok {
		// Both buddies bootstrap the same root, so its times are fixed.
		epoch := time.Unix(0, 0)
		s.inodes[ms.RootID] = &ms.Inode{
			ID:         ms.RootID,
			Type:       ms.TypeDirectory,
			LinkCount:  2,
			Mode:       0755,
			AccessTime: epoch,
			ModifyTime: epoch,
			ChangeTime: epoch,
			Children:   make(map[string]string),
		}
		s.ls.Info(log_service.LogEvent{Message: "Bootstrapped root entry", Metadata: map[string]any{"id": ms.RootID}})
	}
	return nil
}

func (s *InMemoryMetadataService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return nil
}

// --- Helpers (must hold s.mu) ---

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return fmt.Errorf("%w: bad name %q", ms.ErrInvalid, name)
	}
	if len(name) > ms.MaxNameLength {
		return fmt.Errorf("%w: name longer than %d bytes", ms.ErrInvalid, ms.MaxNameLength)
	}
	return nil
}

func (s *InMemoryMetadataService) dirLocked(id string) (*ms.Inode, error) {
	if !s.started {
		return nil, ms.ErrNotStarted
	}
	dir, ok := s.inodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ms.ErrNotFound, id)
	}
	if dir.Type != ms.TypeDirectory {
		return nil, fmt.Errorf("%w: %s", ms.ErrNotDir, id)
	}
	return dir, nil
}

func (s *InMemoryMetadataService) entryLocked(id string) (*ms.Inode, error) {
	if !s.started {
		return nil, ms.ErrNotStarted
	}
	inode, ok := s.inodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ms.ErrNotFound, id)
	}
	return inode, nil
}

func touch(inode *ms.Inode, now time.Time) {
	inode.ModifyTime = now
	inode.ChangeTime = now
}

func attributesOf(inode *ms.Inode) *ms.Attributes {
	return &ms.Attributes{
		ID:         inode.ID,
		Type:       inode.Type,
		Mode:       inode.Mode,
		UID:        inode.UID,
		GID:        inode.GID,
		LinkCount:  inode.LinkCount,
		AccessTime: inode.AccessTime,
		ModifyTime: inode.ModifyTime,
		ChangeTime: inode.ChangeTime,
	}
}

// --- Reads ---

func (s *InMemoryMetadataService) Lookup(ctx context.Context, parentID string, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	parent, err := s.dirLocked(parentID)
	if err != nil {
		return "", err
	}
	childID, ok := parent.Children[name]
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ms.ErrNotFound, parentID, name)
	}
	return childID, nil
}

func (s *InMemoryMetadataService) GetAttributes(ctx context.Context, entryID string) (*ms.Attributes, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inode, err := s.entryLocked(entryID)
	if err != nil {
		return nil, err
	}
	return attributesOf(inode), nil
}

// ReadDir returns the entries of a directory sorted by name.
func (s *InMemoryMetadataService) ReadDir(ctx context.Context, dirID string) ([]ms.DirEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir, err := s.dirLocked(dirID)
	if err != nil {
		return nil, err
	}

	entries := make([]ms.DirEntry, 0, len(dir.Children))
	for name, id := range dir.Children {
		childType := ms.TypeFile
		if child, ok := s.inodes[id]; ok {
			childType = child.Type
		}
		entries = append(entries, ms.DirEntry{Name: name, ID: id, Type: childType})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (s *InMemoryMetadataService) HasSession(ctx context.Context, entryID string, key ms.SessionKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[key]
	return ok && session.EntryID == entryID
}

func (s *InMemoryMetadataService) FLockState(ctx context.Context, entryID string) (ms.FLockState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.entryLocked(entryID); err != nil {
		return ms.FLockState{}, err
	}
	return exportLocks(s.locks[entryID]), nil
}

func exportLocks(t *flockTable) ms.FLockState {
	var st ms.FLockState
	if t == nil {
		return st
	}
	if t.exclusive != nil {
		owner := *t.exclusive
		st.Exclusive = &owner
	}
	for key := range t.shared {
		st.Shared = append(st.Shared, key)
	}
	sort.Slice(st.Shared, func(i, j int) bool {
		if st.Shared[i].ClientID != st.Shared[j].ClientID {
			return st.Shared[i].ClientID < st.Shared[j].ClientID
		}
		return st.Shared[i].HandleID < st.Shared[j].HandleID
	})
	st.Waiters = append(st.Waiters, t.waiters...)
	return st
}

func (s *InMemoryMetadataService) Snapshot(ctx context.Context) (*ms.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started {
		return nil, ms.ErrNotStarted
	}

	snap := &ms.Snapshot{
		Inodes:   make(map[string]ms.Inode, len(s.inodes)),
		Sessions: make(map[ms.SessionKey]ms.Session, len(s.sessions)),
		Locks:    make(map[string]ms.FLockState, len(s.locks)),
	}
	for id, inode := range s.inodes {
		clone := *inode
		if inode.Children != nil {
			clone.Children = make(map[string]string, len(inode.Children))
			for name, child := range inode.Children {
				clone.Children[name] = child
			}
		}
		snap.Inodes[id] = clone
	}
	for key, session := range s.sessions {
		snap.Sessions[key] = session
	}
	for id, t := range s.locks {
		snap.Locks[id] = exportLocks(t)
	}
	return snap, nil
}

// --- Namespace mutations ---

func (s *InMemoryMetadataService) Mkdir(ctx context.Context, parentID, name, newID string, mode, uid, gid uint32, ts int64) (*ms.Attributes, error) {
	return s.create(parentID, name, newID, ms.TypeDirectory, mode, uid, gid, ts)
}

func (s *InMemoryMetadataService) Create(ctx context.Context, parentID, name, newID string, mode, uid, gid uint32, ts int64) (*ms.Attributes, error) {
	return s.create(parentID, name, newID, ms.TypeFile, mode, uid, gid, ts)
}

func (s *InMemoryMetadataService) create(parentID, name, newID string, typ ms.EntryType, mode, uid, gid uint32, ts int64) (*ms.Attributes, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if newID == "" {
		return nil, fmt.Errorf("%w: missing entry ID", ms.ErrInvalid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	parent, err := s.dirLocked(parentID)
	if err != nil {
		return nil, err
	}
	if _, exists := parent.Children[name]; exists {
		return nil, fmt.Errorf("%w: %s/%s", ms.ErrAlreadyExists, parentID, name)
	}
	if _, exists := s.inodes[newID]; exists {
		return nil, fmt.Errorf("%w: entry ID %s in use", ms.ErrAlreadyExists, newID)
	}

	now := time.Unix(0, ts)
	inode := &ms.Inode{
		ID:         newID,
		Type:       typ,
		LinkCount:  1,
		Mode:       mode,
		UID:        uid,
		GID:        gid,
		AccessTime: now,
		ModifyTime: now,
		ChangeTime: now,
	}
	if typ == ms.TypeDirectory {
		inode.Children = make(map[string]string)
		inode.LinkCount = 2
		parent.LinkCount++
	}

	s.inodes[newID] = inode
	parent.Children[name] = newID
	touch(parent, now)

	s.ls.Debug(log_service.LogEvent{
		Message:  "Created entry",
		Metadata: map[string]any{"parent": parentID, "name": name, "id": newID, "type": typ.String()},
	})
	return attributesOf(inode), nil
}

func (s *InMemoryMetadataService) Remove(ctx context.Context, parentID, name string, ts int64) (string, error) {
	return s.remove(parentID, name, ms.TypeFile, ts)
}

func (s *InMemoryMetadataService) Rmdir(ctx context.Context, parentID, name string, ts int64) (string, error) {
	return s.remove(parentID, name, ms.TypeDirectory, ts)
}

func (s *InMemoryMetadataService) remove(parentID, name string, want ms.EntryType, ts int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, err := s.dirLocked(parentID)
	if err != nil {
		return "", err
	}
	childID, ok := parent.Children[name]
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ms.ErrNotFound, parentID, name)
	}
	child := s.inodes[childID]

	switch {
	case want == ms.TypeFile && child.Type == ms.TypeDirectory:
		return "", fmt.Errorf("%w: %s", ms.ErrIsDir, name)
	case want == ms.TypeDirectory && child.Type != ms.TypeDirectory:
		return "", fmt.Errorf("%w: %s", ms.ErrNotDir, name)
	case child.Type == ms.TypeDirectory && len(child.Children) > 0:
		return "", fmt.Errorf("%w: %s", ms.ErrNotEmpty, name)
	}

	now := time.Unix(0, ts)
	delete(parent.Children, name)
	if child.Type == ms.TypeDirectory {
		parent.LinkCount--
	}
	s.dropLocked(childID)
	touch(parent, now)

	return childID, nil
}

// dropLocked deletes an unlinked entry together with its lock table. Open
// sessions stay until closed.
func (s *InMemoryMetadataService) dropLocked(id string) {
	delete(s.inodes, id)
	delete(s.locks, id)
}

func (s *InMemoryMetadataService) Rename(ctx context.Context, srcParentID, srcName, dstParentID, dstName string, ts int64) (string, error) {
	if err := validName(dstName); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	srcParent, err := s.dirLocked(srcParentID)
	if err != nil {
		return "", err
	}
	dstParent, err := s.dirLocked(dstParentID)
	if err != nil {
		return "", err
	}

	childID, ok := srcParent.Children[srcName]
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ms.ErrNotFound, srcParentID, srcName)
	}
	child := s.inodes[childID]
	if child.Type == ms.TypeDirectory && s.containsLocked(childID, dstParentID) {
		return "", fmt.Errorf("%w: cannot move %s into itself", ms.ErrInvalid, childID)
	}

	overwritten, exists := dstParent.Children[dstName]
	if exists && overwritten == childID {
		return "", nil
	}
	if exists {
		target := s.inodes[overwritten]
		switch {
		case child.Type != ms.TypeDirectory && target.Type == ms.TypeDirectory:
			return "", fmt.Errorf("%w: %s", ms.ErrIsDir, dstName)
		case child.Type == ms.TypeDirectory && target.Type != ms.TypeDirectory:
			return "", fmt.Errorf("%w: %s", ms.ErrNotDir, dstName)
		case target.Type == ms.TypeDirectory && len(target.Children) > 0:
			return "", fmt.Errorf("%w: %s", ms.ErrNotEmpty, dstName)
		}
		if target.Type == ms.TypeDirectory {
			dstParent.LinkCount--
		}
		s.dropLocked(overwritten)
	}

	now := time.Unix(0, ts)
	delete(srcParent.Children, srcName)
	dstParent.Children[dstName] = childID
	if child.Type == ms.TypeDirectory && srcParentID != dstParentID {
		srcParent.LinkCount--
		dstParent.LinkCount++
	}
	child.ChangeTime = now
	touch(srcParent, now)
	touch(dstParent, now)

	return overwritten, nil
}

// containsLocked reports whether id is dirID itself or lies anywhere below it.
func (s *InMemoryMetadataService) containsLocked(dirID, id string) bool {
	pending := []string{dirID}
	for len(pending) > 0 {
		cur := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if cur == id {
			return true
		}
		inode, ok := s.inodes[cur]
		if !ok || inode.Type != ms.TypeDirectory {
			continue
		}
		for _, c := range inode.Children {
			pending = append(pending, c)
		}
	}
	return false
}

func (s *InMemoryMetadataService) SetAttributes(ctx context.Context, entryID string, attr ms.SetAttr, ts int64) (*ms.Attributes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inode, err := s.entryLocked(entryID)
	if err != nil {
		return nil, err
	}

	if attr.Mode != nil {
		inode.Mode = *attr.Mode
	}
	if attr.UID != nil {
		inode.UID = *attr.UID
	}
	if attr.GID != nil {
		inode.GID = *attr.GID
	}
	if attr.ATime != nil {
		inode.AccessTime = time.Unix(0, *attr.ATime)
	}
	if attr.MTime != nil {
		inode.ModifyTime = time.Unix(0, *attr.MTime)
	}
	inode.ChangeTime = time.Unix(0, ts)

	return attributesOf(inode), nil
}

// --- Sessions ---

// OpenFile registers a handle. Opening an already registered handle for the
// same entry is a no-op.
func (s *InMemoryMetadataService) OpenFile(ctx context.Context, entryID string, key ms.SessionKey, flags uint32, ts int64) error {
	if key.ClientID == "" || key.HandleID == "" {
		return fmt.Errorf("%w: incomplete session key", ms.ErrInvalid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inode, err := s.entryLocked(entryID)
	if err != nil {
		return err
	}
	if inode.Type == ms.TypeDirectory {
		return fmt.Errorf("%w: %s", ms.ErrIsDir, entryID)
	}
	if existing, ok := s.sessions[key]; ok {
		if existing.EntryID != entryID {
			return fmt.Errorf("%w: handle %s already open on %s", ms.ErrInvalid, key.HandleID, existing.EntryID)
		}
		return nil
	}

	s.sessions[key] = ms.Session{EntryID: entryID, Flags: flags}
	inode.AccessTime = time.Unix(0, ts)
	return nil
}

// CloseFile drops a handle and every lock it holds or waits for.
func (s *InMemoryMetadataService) CloseFile(ctx context.Context, entryID string, key ms.SessionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return ms.ErrNotStarted
	}
	session, ok := s.sessions[key]
	if !ok || session.EntryID != entryID {
		return fmt.Errorf("%w: %s/%s", ms.ErrNoSession, key.ClientID, key.HandleID)
	}
	delete(s.sessions, key)

	if t, ok := s.locks[entryID]; ok {
		t.removeWaiters(key)
		t.release(key)
		t.grantWaiters()
		if t.empty() {
			delete(s.locks, entryID)
		}
	}
	return nil
}

// FLock applies an advisory lock request. Lock and unlock require an open
// session of the owner; cancellation does not.
func (s *InMemoryMetadataService) FLock(ctx context.Context, req ms.FLockRequest) (ms.FLockOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inode, err := s.entryLocked(req.EntryID)
	if err != nil {
		return 0, err
	}
	if inode.Type == ms.TypeDirectory {
		return 0, fmt.Errorf("%w: %s", ms.ErrIsDir, req.EntryID)
	}

	t, ok := s.locks[req.EntryID]
	if !ok {
		t = &flockTable{shared: make(map[ms.SessionKey]struct{})}
	}
	defer func() {
		if t.empty() {
			delete(s.locks, req.EntryID)
		} else {
			s.locks[req.EntryID] = t
		}
	}()

	if req.Cancel {
		if t.removeWaiters(req.Owner) {
			return ms.FLockCancelled, nil
		}
		return ms.FLockNoop, nil
	}

	if session, ok := s.sessions[req.Owner]; !ok || session.EntryID != req.EntryID {
		return 0, fmt.Errorf("%w: %s/%s", ms.ErrNoSession, req.Owner.ClientID, req.Owner.HandleID)
	}

	switch req.Type {
	case ms.LockUnlock:
		if !t.release(req.Owner) {
			return ms.FLockNoop, nil
		}
		t.grantWaiters()
		return ms.FLockReleased, nil
	case ms.LockShared, ms.LockExclusive:
		if t.grantable(req.Owner, req.Type) {
			t.grant(req.Owner, req.Type)
			return ms.FLockGranted, nil
		}
		if !req.Wait {
			return ms.FLockWouldBlock, nil
		}
		t.removeWaiters(req.Owner)
		t.waiters = append(t.waiters, ms.FLockWaiter{Owner: req.Owner, Type: req.Type})
		return ms.FLockQueued, nil
	default:
		return 0, fmt.Errorf("%w: lock type %d", ms.ErrInvalid, req.Type)
	}
}

// --- flock table ---

func (t *flockTable) grantable(owner ms.SessionKey, typ ms.LockType) bool {
	if t.exclusive != nil && *t.exclusive != owner {
		return false
	}
	if typ == ms.LockShared {
		return true
	}
	for key := range t.shared {
		if key != owner {
			return false
		}
	}
	return true
}

// grant converts any lock the owner already holds.
func (t *flockTable) grant(owner ms.SessionKey, typ ms.LockType) {
	t.release(owner)
	if typ == ms.LockExclusive {
		o := owner
		t.exclusive = &o
		return
	}
	t.shared[owner] = struct{}{}
}

func (t *flockTable) release(owner ms.SessionKey) bool {
	released := false
	if t.exclusive != nil && *t.exclusive == owner {
		t.exclusive = nil
		released = true
	}
	if _, ok := t.shared[owner]; ok {
		delete(t.shared, owner)
		released = true
	}
	return released
}

func (t *flockTable) removeWaiters(owner ms.SessionKey) bool {
	kept := t.waiters[:0]
	removed := false
	for _, w := range t.waiters {
		if w.Owner == owner {
			removed = true
			continue
		}
		kept = append(kept, w)
	}
	t.waiters = kept
	return removed
}

// grantWaiters hands the lock to queued requests in FIFO order until the
// first one that still conflicts.
func (t *flockTable) grantWaiters() {
	for len(t.waiters) > 0 {
		w := t.waiters[0]
		if !t.grantable(w.Owner, w.Type) {
			return
		}
		t.grant(w.Owner, w.Type)
		t.waiters = t.waiters[1:]
	}
}

var _ ms.MetadataService = (*InMemoryMetadataService)(nil)
