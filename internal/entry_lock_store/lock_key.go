package entry_lock_store

import "fmt"

// LockKind selects one of the independent lock namespaces. The numeric order is
// also the global acquisition order: directory locks, then (parent, name)
// locks, then entry locks.
type LockKind uint8

const (
	KindDirID LockKind = iota + 1
	KindParentName
	KindFileID
)

func (k LockKind) String() string {
	switch k {
	case KindDirID:
		return "dir_id"
	case KindParentName:
		return "parent_name"
	case KindFileID:
		return "file_id"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Key identifies one lockable object. Name is only set for KindParentName.
type Key struct {
	Kind    LockKind
	EntryID string
	Name    string
}

func (k Key) String() string {
	if k.Kind == KindParentName {
		return fmt.Sprintf("%s:%s/%s", k.Kind, k.EntryID, k.Name)
	}
	return fmt.Sprintf("%s:%s", k.Kind, k.EntryID)
}

func (k Key) valid() bool {
	switch k.Kind {
	case KindDirID, KindFileID:
		return k.EntryID != "" && k.Name == ""
	case KindParentName:
		return k.EntryID != "" && k.Name != ""
	default:
		return false
	}
}

func (k Key) less(o Key) bool {
	if k.Kind != o.Kind {
		return k.Kind < o.Kind
	}
	if k.EntryID != o.EntryID {
		return k.EntryID < o.EntryID
	}
	return k.Name < o.Name
}

// Request is a key plus the mode it is wanted in.
type Request struct {
	Key       Key
	Exclusive bool
}

func FileIDLock(entryID string, exclusive bool) Request {
	return Request{Key: Key{Kind: KindFileID, EntryID: entryID}, Exclusive: exclusive}
}

func DirIDLock(entryID string, exclusive bool) Request {
	return Request{Key: Key{Kind: KindDirID, EntryID: entryID}, Exclusive: exclusive}
}

// ParentNameLock is always exclusive.
func ParentNameLock(parentID, name string) Request {
	return Request{Key: Key{Kind: KindParentName, EntryID: parentID, Name: name}, Exclusive: true}
}
