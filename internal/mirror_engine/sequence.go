package mirror_engine

import (
	"sync"
	"time"
)

// sequenceSlot remembers one sequence-numbered request of a client. While
// reply is nil the request is still executing.
type sequenceSlot struct {
	reply *Reply
}

// mirrorSession holds the slots of one client. Slots at or below the
// client's acknowledged sequence number are dropped.
type mirrorSession struct {
	slots    map[uint64]*sequenceSlot
	done     uint64
	lastUsed time.Time
}

// sequenceTable deduplicates retried requests per client so that a retry of
// an already executed request gets the original reply instead of executing
// twice. Sessions idle for longer than idle are evicted unless a request of
// theirs is still executing.
type sequenceTable struct {
	mu        sync.Mutex
	sessions  map[string]*mirrorSession
	idle      time.Duration
	now       func() time.Time
	lastSweep time.Time
}

func newSequenceTable(idle time.Duration, now func() time.Time) *sequenceTable {
	return &sequenceTable{
		sessions:  make(map[string]*mirrorSession),
		idle:      idle,
		now:       now,
		lastSweep: now(),
	}
}

type slotStatus int

const (
	slotNew slotStatus = iota
	slotBusy
	slotDone
	slotStale
)

// begin claims seqNo for clientID. For slotDone the cached reply is returned.
func (t *sequenceTable) begin(clientID string, seqNo, seqNoDone uint64) (slotStatus, *Reply) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.sweepLocked(now)

	s, ok := t.sessions[clientID]
	if !ok {
		s = &mirrorSession{slots: make(map[uint64]*sequenceSlot)}
		t.sessions[clientID] = s
	}
	s.lastUsed = now
	s.retire(seqNoDone)

	if seqNo <= s.done {
		return slotStale, nil
	}
	if slot, ok := s.slots[seqNo]; ok {
		if slot.reply == nil {
			return slotBusy, nil
		}
		return slotDone, slot.reply
	}
	s.slots[seqNo] = &sequenceSlot{}
	return slotNew, nil
}

// finish stores the reply of an executed request.
func (t *sequenceTable) finish(clientID string, seqNo uint64, reply *Reply) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[clientID]; ok {
		slot, ok := s.slots[seqNo]
		if !ok {
			return
		}
		if seqNo <= s.done {
			delete(s.slots, seqNo)
			return
		}
		slot.reply = reply
	}
}

// abandon frees a slot whose request never executed so a retry runs it.
func (t *sequenceTable) abandon(clientID string, seqNo uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[clientID]; ok {
		delete(s.slots, seqNo)
	}
}

// ack drops every slot of clientID up to and including seqNo.
func (t *sequenceTable) ack(clientID string, seqNo uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[clientID]; ok {
		s.lastUsed = t.now()
		s.retire(seqNo)
	}
}

func (t *sequenceTable) sessionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// sweepLocked evicts idle sessions, at most once per idle period.
func (t *sequenceTable) sweepLocked(now time.Time) {
	if t.idle <= 0 || now.Sub(t.lastSweep) < t.idle {
		return
	}
	t.lastSweep = now
	for id, s := range t.sessions {
		if now.Sub(s.lastUsed) >= t.idle && !s.busy() {
			delete(t.sessions, id)
		}
	}
}

func (t *sequenceTable) slotCount(clientID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[clientID]; ok {
		return len(s.slots)
	}
	return 0
}

func (s *mirrorSession) retire(upTo uint64) {
	if upTo > s.done {
		s.done = upTo
	}
	for seq, slot := range s.slots {
		// a request still running keeps its slot until it finishes
		if seq <= s.done && slot.reply != nil {
			delete(s.slots, seq)
		}
	}
}

func (s *mirrorSession) busy() bool {
	for _, slot := range s.slots {
		if slot.reply == nil {
			return true
		}
	}
	return false
}
