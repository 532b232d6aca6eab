package index

import "errors"

var (
	// ErrNotFound is returned when the requested file entry does not exist.
	ErrNotFound = errors.New("file entry not found")

	// ErrDuplicate is returned when an entry already exists for the owner and
	// filename.
	ErrDuplicate = errors.New("file entry already exists")

	// ErrDatabaseError is returned when a database operation fails.
	ErrDatabaseError = errors.New("database error")
)
