package upload

import "errors"

var (
	// ErrAuthentication is returned when the upload credential is missing or
	// maps to no owner. Rejected before any session state exists.
	ErrAuthentication = errors.New("authentication failed")
	// ErrValidation is returned for malformed metadata or writes that would
	// pass the declared size. No state is mutated.
	ErrValidation = errors.New("validation failed")
	// ErrOffsetConflict is returned when the declared offset does not match
	// the stored one. The client must re-sync via Inspect.
	ErrOffsetConflict = errors.New("offset conflict")
	// ErrNotFound is returned for unknown or no-longer-active session ids.
	ErrNotFound = errors.New("upload session not found")
	// ErrUnsupportedMediaType is returned when a PATCH body does not carry the
	// raw octet-stream content type.
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	// ErrStorage is returned for disk I/O failures. The session remains
	// resumable at its last confirmed offset.
	ErrStorage = errors.New("storage failure")
)
