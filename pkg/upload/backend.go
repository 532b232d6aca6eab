package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"nexusfs/pkg/models"
)

// Backend is the storage strategy for one upload session, chosen once at
// create time. Complete must leave the session's full bytes in the backing
// file at TempPath regardless of where the chunks travelled.
type Backend interface {
	Kind() models.BackendKind
	// Begin prepares storage for a new session.
	Begin(ctx context.Context, sess *models.UploadSession) error
	// Append stores one chunk at the session's current offset and returns the
	// number of bytes durably accepted.
	Append(ctx context.Context, sess *models.UploadSession, chunk io.Reader) (int64, error)
	// Complete makes the full upload available at TempPath.
	Complete(ctx context.Context, sess *models.UploadSession) error
	// Abort discards all stored bytes for the session.
	Abort(ctx context.Context, sess *models.UploadSession) error
}

// TempPath is the backing file location for a session while it uploads.
func TempPath(tempDir, sessionID string) string {
	return filepath.Join(tempDir, sessionID)
}

// LocalBackend appends chunks straight into the session's temp file.
type LocalBackend struct {
	TempDir string
}

// Kind reports the backend tag stored on sessions.
func (b *LocalBackend) Kind() models.BackendKind {
	return models.BackendLocal
}

// Begin creates the empty backing file.
func (b *LocalBackend) Begin(_ context.Context, sess *models.UploadSession) error {
	file, err := os.OpenFile(TempPath(b.TempDir, sess.ID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return file.Close()
}

// Append writes the chunk through a ChunkWriter opened at the session's
// confirmed offset.
func (b *LocalBackend) Append(_ context.Context, sess *models.UploadSession, chunk io.Reader) (int64, error) {
	writer, err := OpenChunkWriter(TempPath(b.TempDir, sess.ID), sess.Size, sess.Offset)
	if err != nil {
		return 0, err
	}
	defer func() { _ = writer.Close() }()

	return writer.Append(chunk)
}

// Complete verifies the backing file length matches the declared size.
func (b *LocalBackend) Complete(_ context.Context, sess *models.UploadSession) error {
	info, err := os.Stat(TempPath(b.TempDir, sess.ID))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if info.Size() != sess.Size {
		return fmt.Errorf("%w: backing file is %d bytes, declared size is %d",
			ErrStorage, info.Size(), sess.Size)
	}
	return nil
}

// Abort removes the backing file.
func (b *LocalBackend) Abort(_ context.Context, sess *models.UploadSession) error {
	err := os.Remove(TempPath(b.TempDir, sess.ID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}
