package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"

	"nexusfs/pkg/log"
	"nexusfs/pkg/models"
	"nexusfs/pkg/session"
)

// ParseConcat decodes an Upload-Concat header. "partial" marks the session as
// a fragment of a later concatenation; "final;<url> <url>..." names the
// partial uploads to join, in order.
func ParseConcat(header string) (partial bool, partialIDs []string, err error) {
	header = strings.TrimSpace(header)
	switch {
	case header == "":
		return false, nil, nil
	case header == "partial":
		return true, nil, nil
	case strings.HasPrefix(header, "final;"):
		for _, location := range strings.Fields(strings.TrimPrefix(header, "final;")) {
			id := path.Base(location)
			if id == "" || id == "." || id == "/" {
				return false, nil, fmt.Errorf("%w: malformed partial upload location %q", ErrValidation, location)
			}
			partialIDs = append(partialIDs, id)
		}
		if len(partialIDs) == 0 {
			return false, nil, fmt.Errorf("%w: final concatenation names no partial uploads", ErrValidation)
		}
		return false, partialIDs, nil
	default:
		return false, nil, fmt.Errorf("%w: malformed Upload-Concat header %q", ErrValidation, header)
	}
}

// createFinal joins completed partial uploads into one session that is born
// already completed and goes straight to finalization.
func (m *Manager) createFinal(ctx context.Context, ownerID, filename string, meta map[string]string, partialIDs []string) (*CreateResult, error) {
	partials := make([]*models.UploadSession, 0, len(partialIDs))
	var totalSize int64
	for _, id := range partialIDs {
		part, err := m.sessions.Get(id)
		if errors.Is(err, session.ErrNotFound) {
			return nil, fmt.Errorf("%w: partial upload %s not found", ErrValidation, id)
		}
		if err != nil {
			return nil, err
		}
		if part.Owner != ownerID {
			return nil, fmt.Errorf("%w: partial upload %s belongs to another owner", ErrValidation, id)
		}
		if !part.Partial {
			return nil, fmt.Errorf("%w: upload %s is not a partial upload", ErrValidation, id)
		}
		if part.Status != models.StatusCompleted {
			return nil, fmt.Errorf("%w: partial upload %s has %d of %d bytes",
				ErrValidation, id, part.Offset, part.Size)
		}
		partials = append(partials, part)
		totalSize += part.Size
	}

	sess := &models.UploadSession{
		ID:          uuid.NewString(),
		Fingerprint: Fingerprint(filename, totalSize, meta[MetaLastModified]),
		Owner:       ownerID,
		Size:        totalSize,
		Filename:    filename,
		Metadata:    meta,
		Backend:     models.BackendLocal,
	}

	if err := m.joinPartials(sess, partials); err != nil {
		return nil, err
	}

	if err := m.sessions.Create(sess); err != nil {
		_ = os.Remove(TempPath(m.tempDir, sess.ID))
		return nil, err
	}
	if err := m.sessions.ForceOffset(sess.ID, totalSize); err != nil {
		return nil, err
	}
	sess.Offset = totalSize
	if err := m.sessions.Transition(sess.ID, models.StatusActive, models.StatusCompleted); err != nil {
		return nil, err
	}
	sess.Status = models.StatusCompleted

	m.cleanupPartials(partials)

	log.Info().
		Str("id", sess.ID).
		Str("owner", ownerID).
		Str("filename", filename).
		Int("partials", len(partials)).
		Int64("size", totalSize).
		Msg("Concatenated partial uploads")

	m.scheduleCompletion(sess)
	return &CreateResult{Session: sess}, nil
}

// joinPartials streams the partial backing files, in order, into the final
// session's backing file.
func (m *Manager) joinPartials(sess *models.UploadSession, partials []*models.UploadSession) error {
	dest, err := os.OpenFile(TempPath(m.tempDir, sess.ID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	defer func() { _ = dest.Close() }()

	for _, part := range partials {
		src, err := os.Open(TempPath(m.tempDir, part.ID))
		if err != nil {
			_ = os.Remove(TempPath(m.tempDir, sess.ID))
			return fmt.Errorf("%w: partial upload %s has no backing file: %w", ErrStorage, part.ID, err)
		}
		_, err = io.Copy(dest, src)
		_ = src.Close()
		if err != nil {
			_ = os.Remove(TempPath(m.tempDir, sess.ID))
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}
	}

	if err := dest.Sync(); err != nil {
		_ = os.Remove(TempPath(m.tempDir, sess.ID))
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

// cleanupPartials drops the consumed partial uploads; their bytes now live in
// the final session's backing file.
func (m *Manager) cleanupPartials(partials []*models.UploadSession) {
	for _, part := range partials {
		if err := os.Remove(TempPath(m.tempDir, part.ID)); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("id", part.ID).Msg("Failed to remove consumed partial backing file")
		}
		if err := m.sessions.Delete(part.ID); err != nil {
			log.Warn().Err(err).Str("id", part.ID).Msg("Failed to delete consumed partial session")
		}
	}
}
