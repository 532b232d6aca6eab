package cloud

import (
	"context"
	"fmt"
	"io"
	"os"

	"nexusfs/pkg/log"
	"nexusfs/pkg/models"
	"nexusfs/pkg/upload"
)

// Backend relays upload chunks into an S3 multipart upload. Each PATCH body
// becomes one part; clients chunk at the protocol's 5 MiB granularity, which
// satisfies the multipart minimum part size for every part but the last.
//
// Complete follows the transient-storage pattern: assemble the object,
// download it into the session's local backing file, then delete it from the
// cloud so steady-state remote storage stays near zero.
type Backend struct {
	client  *Client
	usage   *UsageTracker
	tempDir string
}

// NewBackend wires a cloud backend over the client and usage tracker.
func NewBackend(client *Client, usage *UsageTracker, tempDir string) *Backend {
	return &Backend{client: client, usage: usage, tempDir: tempDir}
}

// Kind reports the backend tag stored on sessions.
func (b *Backend) Kind() models.BackendKind {
	return models.BackendCloud
}

// Begin opens the multipart upload and records its handle on the session.
func (b *Backend) Begin(ctx context.Context, sess *models.UploadSession) error {
	key := fmt.Sprintf("transit/%s/%s", sess.Owner, sess.ID)

	uploadID, err := b.client.CreateMultipart(ctx, key)
	if err != nil {
		return err
	}
	b.usage.RecordClassA(1)

	sess.CloudKey = key
	sess.CloudUploadID = uploadID
	return nil
}

// Append uploads one chunk as the next part. The chunk is buffered first so
// nothing is sent when it would pass the declared size.
func (b *Backend) Append(ctx context.Context, sess *models.UploadSession, chunk io.Reader) (int64, error) {
	body, err := io.ReadAll(chunk)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", upload.ErrStorage, err)
	}
	if sess.Offset+int64(len(body)) > sess.Size {
		return 0, fmt.Errorf("%w: chunk exceeds declared size %d", upload.ErrValidation, sess.Size)
	}
	if len(body) == 0 {
		return 0, nil
	}

	partNumber := int32(len(sess.Parts)) + 1
	etag, err := b.client.UploadPart(ctx, sess.CloudKey, sess.CloudUploadID, partNumber, body)
	if err != nil {
		return 0, err
	}
	b.usage.RecordClassA(1)
	b.usage.RecordBytes(int64(len(body)))

	sess.Parts = append(sess.Parts, models.UploadPart{Number: partNumber, ETag: etag})
	return int64(len(body)), nil
}

// Complete assembles the object, pulls it into the local backing file and
// removes it from the cloud.
func (b *Backend) Complete(ctx context.Context, sess *models.UploadSession) error {
	if err := b.client.CompleteMultipart(ctx, sess.CloudKey, sess.CloudUploadID, sess.Parts); err != nil {
		return err
	}
	b.usage.RecordClassA(1)

	file, err := os.OpenFile(upload.TempPath(b.tempDir, sess.ID), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("%w: %w", upload.ErrStorage, err)
	}

	n, err := b.client.Download(ctx, sess.CloudKey, file)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	b.usage.RecordClassB(1)
	if n != sess.Size {
		return fmt.Errorf("%w: downloaded %d bytes, declared size is %d", upload.ErrStorage, n, sess.Size)
	}

	if err := b.client.Delete(ctx, sess.CloudKey); err != nil {
		// The bytes are safe locally; a stray remote object only costs quota.
		log.Warn().Err(err).Str("key", sess.CloudKey).Msg("Failed to delete transient cloud object")
	} else {
		b.usage.RecordClassA(1)
		b.usage.ReleaseBytes(sess.Size)
	}
	return nil
}

// Abort discards the multipart upload and credits back the transited bytes.
func (b *Backend) Abort(ctx context.Context, sess *models.UploadSession) error {
	if sess.CloudUploadID == "" {
		return nil
	}
	if err := b.client.AbortMultipart(ctx, sess.CloudKey, sess.CloudUploadID); err != nil {
		return err
	}
	b.usage.RecordClassA(1)
	b.usage.ReleaseBytes(sess.Offset)
	return nil
}
