// Package janitor sweeps abandoned upload sessions: anything older than the
// retention window that never reached imported status loses its backing temp
// file and its session record.
package janitor

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"nexusfs/pkg/log"
	"nexusfs/pkg/models"
	"nexusfs/pkg/session"
	"nexusfs/pkg/upload"
)

// Manager is the upload-manager surface the janitor drives: discarding a
// session's stored bytes wherever they live, and re-triggering completed
// uploads whose import never ran.
type Manager interface {
	Cancel(ctx context.Context, id string) error
	RecoverCompleted() int
}

// Janitor runs the retention sweep on a timer, once at startup and then on
// every interval.
type Janitor struct {
	sessions  *session.Store
	manager   Manager
	tempDir   string
	retention time.Duration
	interval  time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a janitor over the session store.
func New(sessions *session.Store, manager Manager, tempDir string, retention, interval time.Duration) *Janitor {
	return &Janitor{
		sessions:  sessions,
		manager:   manager,
		tempDir:   tempDir,
		retention: retention,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (j *Janitor) Start() {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()

		j.runSweep()

		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				j.runSweep()
			case <-j.stopCh:
				return
			}
		}
	}()
}

// Stop ends the sweep loop and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	close(j.stopCh)
	j.wg.Wait()
}

func (j *Janitor) runSweep() {
	// Give stuck imports another chance before anything gets reaped.
	j.manager.RecoverCompleted()

	removed, err := j.Sweep(context.Background())
	if err != nil {
		log.Error().Err(err).Msg("Stale upload sweep failed")
		return
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("Stale upload sweep complete")
	}
}

// Sweep removes every session past the retention window that was never
// imported. A failure on one session is logged and does not stop the rest.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-j.retention)

	stale, err := j.sessions.Stale(cutoff)
	if err != nil {
		return 0, err
	}

	removed := 0
	for i := range stale {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if j.reap(ctx, &stale[i]) {
			removed++
		}
	}
	return removed, nil
}

func (j *Janitor) reap(ctx context.Context, sess *models.UploadSession) bool {
	log.Debug().
		Str("id", sess.ID).
		Str("owner", sess.Owner).
		Str("status", string(sess.Status)).
		Time("created_at", sess.CreatedAt).
		Msg("Reaping stale upload session")

	if err := j.manager.Cancel(ctx, sess.ID); err != nil && !errors.Is(err, upload.ErrNotFound) {
		log.Warn().Err(err).Str("id", sess.ID).Msg("Failed to discard stale session bytes")
		return false
	}

	if err := os.Remove(upload.TempPath(j.tempDir, sess.ID)); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("id", sess.ID).Msg("Failed to remove stale backing file")
	}

	if err := j.sessions.Delete(sess.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
		log.Warn().Err(err).Str("id", sess.ID).Msg("Failed to delete stale session record")
		return false
	}
	return true
}
