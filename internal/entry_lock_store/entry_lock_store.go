package entry_lock_store

import (
	"context"
	"sync"
	"time"

	"github.com/AnishMulay/sandmirror/internal/log_service"
)

// WaitObserver is told how long a blocked Lock call waited before it was
// granted.
type WaitObserver func(kind LockKind, waited time.Duration)

type Option func(*EntryLockStore)

func WithWaitObserver(fn WaitObserver) Option {
	return func(s *EntryLockStore) {
		s.observeWait = fn
	}
}

type lockEntry struct {
	readers        int
	writer         bool
	waiters        int
	writersWaiting int
	// released is closed and replaced whenever the entry's state changes in a
	// way that may let a waiter proceed.
	released chan struct{}
}

func (e *lockEntry) grantable(exclusive bool) bool {
	if exclusive {
		return !e.writer && e.readers == 0
	}
	// queued writers block new readers
	return !e.writer && e.writersWaiting == 0
}

func (e *lockEntry) idle() bool {
	return !e.writer && e.readers == 0 && e.waiters == 0
}

type Stats struct {
	HeldKeys int
	Waiters  int
}

type EntryLockStore struct {
	mu       sync.Mutex
	entries  map[Key]*lockEntry
	closed   bool
	shutdown chan struct{}

	observeWait WaitObserver
	ls          log_service.LogService
}

func NewEntryLockStore(ls log_service.LogService, opts ...Option) *EntryLockStore {
	s := &EntryLockStore{
		entries:  make(map[Key]*lockEntry),
		shutdown: make(chan struct{}),
		ls:       ls,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Lock blocks until req can be granted, ctx is done, or the store shuts down.
func (s *EntryLockStore) Lock(ctx context.Context, req Request) (*Handle, error) {
	if !req.Key.valid() {
		return nil, ErrInvalidKey
	}

	var waitStart time.Time
	s.mu.Lock()
	for {
		if s.closed {
			s.mu.Unlock()
			return nil, ErrShuttingDown
		}

		e, ok := s.entries[req.Key]
		if !ok {
			e = &lockEntry{released: make(chan struct{})}
			s.entries[req.Key] = e
		}

		if e.grantable(req.Exclusive) {
			if req.Exclusive {
				e.writer = true
			} else {
				e.readers++
			}
			s.mu.Unlock()

			if !waitStart.IsZero() && s.observeWait != nil {
				s.observeWait(req.Key.Kind, time.Since(waitStart))
			}
			return &Handle{store: s, req: req}, nil
		}

		if waitStart.IsZero() {
			waitStart = time.Now()
			s.ls.Debug(log_service.LogEvent{
				Message:  "Waiting for entry lock",
				Metadata: map[string]any{"key": req.Key.String(), "exclusive": req.Exclusive},
			})
		}

		e.waiters++
		if req.Exclusive {
			e.writersWaiting++
		}
		wake := e.released
		s.mu.Unlock()

		var err error
		select {
		case <-wake:
		case <-s.shutdown:
		case <-ctx.Done():
			err = ctx.Err()
		}

		s.mu.Lock()
		e.waiters--
		if req.Exclusive {
			e.writersWaiting--
			if e.writersWaiting == 0 {
				// readers held back by this writer may go now
				s.broadcast(e)
			}
		}
		if err != nil {
			s.collect(req.Key, e)
			s.mu.Unlock()
			return nil, err
		}
		if s.closed {
			s.collect(req.Key, e)
			s.mu.Unlock()
			return nil, ErrShuttingDown
		}
	}
}

// Acquire locks every request of plan in global order. On failure the locks
// taken so far are released before returning.
func (s *EntryLockStore) Acquire(ctx context.Context, plan *Plan) (*LockSet, error) {
	reqs := plan.Requests()
	if len(reqs) == 0 {
		return nil, ErrEmptyPlan
	}

	set := &LockSet{plan: plan, handles: make([]*Handle, 0, len(reqs))}
	for _, req := range reqs {
		h, err := s.Lock(ctx, req)
		if err != nil {
			for i := len(set.handles) - 1; i >= 0; i-- {
				set.handles[i].Release()
			}
			return nil, err
		}
		set.handles = append(set.handles, h)
	}
	return set, nil
}

// Shutdown wakes every waiter with ErrShuttingDown and makes later Lock calls
// fail immediately. Held handles stay valid and may still be released.
func (s *EntryLockStore) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.shutdown)

	s.ls.Info(log_service.LogEvent{
		Message:  "Entry lock store shut down",
		Metadata: map[string]any{"heldKeys": len(s.entries)},
	})
}

func (s *EntryLockStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	for _, e := range s.entries {
		if e.writer || e.readers > 0 {
			st.HeldKeys++
		}
		st.Waiters += e.waiters
	}
	return st
}

func (s *EntryLockStore) release(req Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[req.Key]
	if !ok {
		panic("entry_lock_store: release of unknown key " + req.Key.String())
	}

	if req.Exclusive {
		if !e.writer {
			panic("entry_lock_store: exclusive release without holder for " + req.Key.String())
		}
		e.writer = false
	} else {
		if e.readers == 0 {
			panic("entry_lock_store: shared release without holder for " + req.Key.String())
		}
		e.readers--
	}

	s.broadcast(e)
	s.collect(req.Key, e)
}

// broadcast wakes all current waiters of e. Must hold s.mu.
func (s *EntryLockStore) broadcast(e *lockEntry) {
	if e.waiters == 0 {
		return
	}
	close(e.released)
	e.released = make(chan struct{})
}

// collect drops idle entries so the map only holds contended or held keys.
// Must hold s.mu.
func (s *EntryLockStore) collect(key Key, e *lockEntry) {
	if e.idle() {
		delete(s.entries, key)
	}
}
