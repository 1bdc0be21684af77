package buddy_group_mapper

import "errors"

var (
	// ErrNotInitialized is returned before the first full sync arrived.
	ErrNotInitialized = errors.New("buddy group mapper not initialized")
	// ErrGroupNotFound means the mapper is initialized but has no such group.
	ErrGroupNotFound = errors.New("buddy group not found")

	ErrInvalidGroup  = errors.New("invalid buddy group")
	ErrGroupExists   = errors.New("buddy group already exists")
	ErrTargetInUse   = errors.New("target already belongs to another buddy group")
	ErrNoFreeGroupID = errors.New("no free buddy group ID")
)
