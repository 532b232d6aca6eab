package models

import "time"

// UploadStatus is the lifecycle state of an upload session.
type UploadStatus string

const (
	// StatusActive marks a session that is still receiving bytes.
	StatusActive UploadStatus = "active"
	// StatusCompleted marks a session whose offset reached its declared size.
	StatusCompleted UploadStatus = "completed"
	// StatusAborted marks a session cancelled by the client.
	StatusAborted UploadStatus = "aborted"
	// StatusImported marks a session whose file has been moved into owner storage.
	StatusImported UploadStatus = "imported"
)

// BackendKind selects the storage strategy for a session.
type BackendKind string

const (
	// BackendLocal appends chunks to a temp file on the local disk.
	BackendLocal BackendKind = "local"
	// BackendCloud relays chunks to an S3-compatible multipart upload.
	BackendCloud BackendKind = "cloud"
)

// UploadPart records one completed part of a cloud multipart upload.
type UploadPart struct {
	Number int32  `json:"number"`
	ETag   string `json:"etag"`
}

// UploadSession is the durable record of an in-progress or finished upload.
//
// Offset only counts bytes durably written; it never decreases. At most one
// active session exists per (fingerprint, owner) pair, which is what makes
// refresh-resume work without any client-held state.
type UploadSession struct {
	ID            string            `json:"id"`
	Fingerprint   string            `json:"fingerprint"`
	Owner         string            `json:"owner"`
	Size          int64             `json:"size"`
	Offset        int64             `json:"offset"`
	Filename      string            `json:"filename"`
	ContentType   string            `json:"content_type,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Partial       bool              `json:"partial,omitempty"`
	Backend       BackendKind       `json:"backend"`
	CloudUploadID string            `json:"cloud_upload_id,omitempty"`
	CloudKey      string            `json:"cloud_key,omitempty"`
	Parts         []UploadPart      `json:"parts,omitempty"`
	Status        UploadStatus      `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}
