package models

import "time"

// FileEntry is one row of the per-owner file index.
//
// The index is a derived cache over the owner storage tree: every entry can be
// regenerated by rescanning disk, and the reconciler deletes entries whose
// backing file is gone.
type FileEntry struct {
	ID        int64     `json:"id"`
	Owner     string    `json:"owner"`
	Filename  string    `json:"filename"`
	FolderID  string    `json:"folder_id,omitempty"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	Locked    bool      `json:"is_locked"`
}
