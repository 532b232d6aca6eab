package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"nexusfs/pkg/dedup"
	"nexusfs/pkg/index"
	"nexusfs/pkg/log"
	"nexusfs/pkg/models"
	"nexusfs/pkg/owner"
	"nexusfs/pkg/session"
)

// Finalizer moves completed uploads into owner storage and registers them in
// the file index.
type Finalizer struct {
	sessions *session.Store
	index    *index.Store
	dedup    *dedup.Deduplicator
	roots    owner.RootResolver
	notify   owner.Notifier
	tempDir  string
}

// NewFinalizer wires a finalizer over the given stores and collaborators.
func NewFinalizer(sessions *session.Store, indexStore *index.Store, deduplicator *dedup.Deduplicator,
	roots owner.RootResolver, notify owner.Notifier, tempDir string) *Finalizer {
	return &Finalizer{
		sessions: sessions,
		index:    indexStore,
		dedup:    deduplicator,
		roots:    roots,
		notify:   notify,
		tempDir:  tempDir,
	}
}

// Finalize imports one completed session into owner storage. The status
// transition completed->imported is the idempotency guard: a duplicate
// trigger loses the transition and becomes a no-op. On import failure the
// session is put back to completed so a later trigger can retry without
// re-uploading.
func (f *Finalizer) Finalize(ctx context.Context, sess *models.UploadSession) error {
	err := f.sessions.Transition(sess.ID, models.StatusCompleted, models.StatusImported)
	if errors.Is(err, session.ErrInvalidTransition) || errors.Is(err, session.ErrNotFound) {
		log.Debug().Str("id", sess.ID).Msg("Session already finalized, skipping")
		return nil
	}
	if err != nil {
		return err
	}

	dest, err := f.importFile(ctx, sess)
	if err != nil {
		if backErr := f.sessions.Transition(sess.ID, models.StatusImported, models.StatusCompleted); backErr != nil {
			log.Error().Err(backErr).Str("id", sess.ID).Msg("Failed to reset session for finalization retry")
		}
		return err
	}

	// The session record has served its purpose; drop it so the fingerprint
	// is free for the next upload of the same file.
	if err := f.sessions.Delete(sess.ID); err != nil {
		log.Warn().Err(err).Str("id", sess.ID).Msg("Failed to delete imported session record")
	}

	log.Info().
		Str("id", sess.ID).
		Str("owner", sess.Owner).
		Str("filename", filepath.Base(dest)).
		Msg("Upload imported into owner storage")

	f.notify.OwnerChanged(sess.Owner)
	return nil
}

func (f *Finalizer) importFile(ctx context.Context, sess *models.UploadSession) (string, error) {
	root, err := f.roots.Resolve(sess.Owner)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrStorage, err)
	}

	filename, err := f.resolveCollision(root, sess.Owner, sess.Filename)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(root, filename)

	if err := os.Rename(TempPath(f.tempDir, sess.ID), dest); err != nil {
		return "", fmt.Errorf("%w: %w", ErrStorage, err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrStorage, err)
	}

	entry := &models.FileEntry{
		Owner:     sess.Owner,
		Filename:  filename,
		SizeBytes: info.Size(),
		CreatedAt: info.ModTime(),
	}
	if err := f.index.Register(entry); err != nil {
		return "", err
	}

	if linked, err := f.dedup.Deduplicate(ctx, dest); err != nil {
		// The file is imported either way; dedup is best-effort.
		log.Warn().Err(err).Str("path", dest).Msg("Deduplication failed for imported file")
	} else if linked {
		log.Debug().Str("path", dest).Msg("Imported file deduplicated")
	}

	return dest, nil
}

// resolveCollision returns a filename free on both disk and index, appending a
// numeric suffix before the extension when needed.
func (f *Finalizer) resolveCollision(root, ownerID, filename string) (string, error) {
	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)

	candidate := filename
	for i := 1; ; i++ {
		taken, err := f.nameTaken(root, ownerID, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
	}
}

func (f *Finalizer) nameTaken(root, ownerID, filename string) (bool, error) {
	if _, err := os.Stat(filepath.Join(root, filename)); err == nil {
		return true, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	_, err := f.index.Get(ownerID, filename)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, index.ErrNotFound) {
		return false, nil
	}
	return false, err
}
