package metadata_service

import "time"

type EntryType int

const (
	TypeFile EntryType = iota
	TypeDirectory
)

func (t EntryType) String() string {
	if t == TypeDirectory {
		return "dir"
	}
	return "file"
}

// RootID is the fixed entry ID of the root directory on every target.
const RootID = "00000000-0000-0000-0000-000000000001"

const MaxNameLength = 255

// Inode is the metadata record of one entry.
type Inode struct {
	ID        string
	Type      EntryType
	LinkCount int
	Mode      uint32
	UID       uint32
	GID       uint32

	AccessTime time.Time
	ModifyTime time.Time
	ChangeTime time.Time

	// Children maps names to entry IDs, directories only.
	Children map[string]string `json:"children,omitempty"`
}

type Attributes struct {
	ID         string
	Type       EntryType
	Mode       uint32
	UID        uint32
	GID        uint32
	LinkCount  int
	AccessTime time.Time
	ModifyTime time.Time
	ChangeTime time.Time
}

type DirEntry struct {
	Name string
	ID   string
	Type EntryType
}

// SetAttr carries the fields a SETATTR changes; nil fields stay untouched.
// Times are unix nanoseconds.
type SetAttr struct {
	Mode  *uint32
	UID   *uint32
	GID   *uint32
	ATime *int64
	MTime *int64
}

// SessionKey identifies one open file handle of one client.
type SessionKey struct {
	ClientID string
	HandleID string
}

type Session struct {
	EntryID string
	Flags   uint32
}

type LockType int

const (
	LockShared LockType = iota + 1
	LockExclusive
	LockUnlock
)

func (t LockType) String() string {
	switch t {
	case LockShared:
		return "shared"
	case LockExclusive:
		return "exclusive"
	case LockUnlock:
		return "unlock"
	default:
		return "unknown"
	}
}

// FLockRequest is an advisory whole-file lock request on behalf of a handle.
// Cancel drops any queued request of the handle instead of locking.
type FLockRequest struct {
	EntryID string
	Owner   SessionKey
	Type    LockType
	Wait    bool
	Cancel  bool
}

type FLockOutcome int

const (
	FLockGranted FLockOutcome = iota + 1
	FLockQueued
	FLockWouldBlock
	FLockReleased
	FLockCancelled
	FLockNoop
)

func (o FLockOutcome) String() string {
	switch o {
	case FLockGranted:
		return "granted"
	case FLockQueued:
		return "queued"
	case FLockWouldBlock:
		return "would-block"
	case FLockReleased:
		return "released"
	case FLockCancelled:
		return "cancelled"
	case FLockNoop:
		return "noop"
	default:
		return "unknown"
	}
}

// ChangesState reports whether the outcome altered lock tables.
func (o FLockOutcome) ChangesState() bool {
	switch o {
	case FLockGranted, FLockQueued, FLockReleased, FLockCancelled:
		return true
	default:
		return false
	}
}

// FLockState is the lock table of one entry.
type FLockState struct {
	Exclusive *SessionKey
	Shared    []SessionKey
	Waiters   []FLockWaiter
}

type FLockWaiter struct {
	Owner SessionKey
	Type  LockType
}

// Snapshot is a deep copy of the whole store, used to compare two targets.
type Snapshot struct {
	Inodes   map[string]Inode
	Sessions map[SessionKey]Session
	Locks    map[string]FLockState
}
