package sandlib

import (
	"sync"

	"github.com/AnishMulay/sandmirror/internal/communication"
	"github.com/AnishMulay/sandmirror/internal/retry"
)

// MirrorClient issues mirrored metadata operations against one buddy group.
//
// Addrs lists the nodes of the group; the client talks to Addrs[current] and
// moves on when a node answers not-owner, e.g. after a switchover.
type MirrorClient struct {
	ClientID string
	Addrs    []string
	Comm     communication.Communicator
	Policy   retry.Policy

	mu      sync.Mutex
	current int
	seqs    sequencer
}

// sequencer hands out sequence numbers and tracks the highest number below
// which every reply has been consumed.
type sequencer struct {
	next    uint64
	done    uint64
	pending map[uint64]bool
}

func (s *sequencer) issue() (seq, done uint64) {
	s.next++
	if s.pending == nil {
		s.pending = make(map[uint64]bool)
	}
	s.pending[s.next] = true
	return s.next, s.done
}

func (s *sequencer) complete(seq uint64) {
	delete(s.pending, seq)
	for s.done < s.next && !s.pending[s.done+1] {
		s.done++
	}
}

// Handle is an open file session as seen by the client.
type Handle struct {
	EntryID  string
	HandleID string
}
