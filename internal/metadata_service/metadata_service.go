package metadata_service

import "context"

// MetadataService is the local entry store a target executes operations
// against. All mutating methods take the nondeterministic inputs (new IDs,
// timestamps in unix nanoseconds) as arguments so that two targets applying
// the same call end in the same state.
type MetadataService interface {
	// --- Lifecycle ---
	Start() error
	Stop() error

	// --- Reads ---
	Lookup(ctx context.Context, parentID string, name string) (string, error)
	GetAttributes(ctx context.Context, entryID string) (*Attributes, error)
	ReadDir(ctx context.Context, dirID string) ([]DirEntry, error)
	HasSession(ctx context.Context, entryID string, key SessionKey) bool
	FLockState(ctx context.Context, entryID string) (FLockState, error)
	Snapshot(ctx context.Context) (*Snapshot, error)

	// --- Namespace mutations ---
	Mkdir(ctx context.Context, parentID, name, newID string, mode, uid, gid uint32, ts int64) (*Attributes, error)
	Create(ctx context.Context, parentID, name, newID string, mode, uid, gid uint32, ts int64) (*Attributes, error)
	// Remove unlinks a file and returns the removed entry ID.
	Remove(ctx context.Context, parentID, name string, ts int64) (string, error)
	// Rmdir removes an empty directory and returns its entry ID.
	Rmdir(ctx context.Context, parentID, name string, ts int64) (string, error)
	// Rename returns the ID of an entry overwritten at the destination, if any.
	Rename(ctx context.Context, srcParentID, srcName, dstParentID, dstName string, ts int64) (string, error)
	SetAttributes(ctx context.Context, entryID string, attr SetAttr, ts int64) (*Attributes, error)

	// --- Sessions ---
	OpenFile(ctx context.Context, entryID string, key SessionKey, flags uint32, ts int64) error
	CloseFile(ctx context.Context, entryID string, key SessionKey) error
	FLock(ctx context.Context, req FLockRequest) (FLockOutcome, error)
}
