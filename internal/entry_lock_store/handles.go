package entry_lock_store

import "sync/atomic"

// noCopy makes go vet's copylocks check flag copies of a Handle.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Handle owns one granted lock. It must be released exactly once; releasing it
// again panics.
type Handle struct {
	_        noCopy
	store    *EntryLockStore
	req      Request
	released atomic.Bool
}

func (h *Handle) Key() Key {
	return h.req.Key
}

func (h *Handle) Exclusive() bool {
	return h.req.Exclusive
}

func (h *Handle) Release() {
	if !h.released.CompareAndSwap(false, true) {
		panic("entry_lock_store: handle for " + h.req.Key.String() + " released twice")
	}
	h.store.release(h.req)
}

// LockSet owns the handles granted for a Plan, in acquisition order.
type LockSet struct {
	_        noCopy
	plan     *Plan
	handles  []*Handle
	released atomic.Bool
}

func (s *LockSet) Plan() *Plan {
	return s.plan
}

func (s *LockSet) Len() int {
	return len(s.handles)
}

// Release releases every handle in reverse acquisition order. A nil set is a
// no-op so callers can defer it before knowing whether acquisition succeeded.
func (s *LockSet) Release() {
	if s == nil {
		return
	}
	if !s.released.CompareAndSwap(false, true) {
		panic("entry_lock_store: lock set released twice")
	}
	for i := len(s.handles) - 1; i >= 0; i-- {
		s.handles[i].Release()
	}
}
