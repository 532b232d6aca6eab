package session

import "errors"

var (
	// ErrNotFound is returned when the requested upload session does not exist.
	ErrNotFound = errors.New("upload session not found")

	// ErrDuplicateActive is returned when an active session already exists for
	// the same (fingerprint, owner) pair.
	ErrDuplicateActive = errors.New("active session already exists for fingerprint")

	// ErrOffsetConflict is returned when a compare-and-swap offset update does
	// not match the stored offset.
	ErrOffsetConflict = errors.New("stored offset does not match")

	// ErrInvalidTransition is returned when a conditional status change finds
	// the session in a different state.
	ErrInvalidTransition = errors.New("invalid session status transition")

	// ErrDatabaseError is returned when a database operation fails.
	ErrDatabaseError = errors.New("database error")
)
