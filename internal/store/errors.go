package store

import "errors"

var (
	// ErrNotFound is returned when no live entity row matches.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicateEntity is returned by InsertEntity when a live row already
	// exists for the id.
	ErrDuplicateEntity = errors.New("entity already exists")

	// ErrConflictNotFound is returned when a conflict id is unknown.
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrConflictResolved is returned when resolving a conflict that is
	// already RESOLVED. The state is terminal.
	ErrConflictResolved = errors.New("conflict already resolved")

	// ErrInvalidEntityType is returned when an entity type is outside the
	// closed set and therefore has no storage table.
	ErrInvalidEntityType = errors.New("invalid entity type")
)
