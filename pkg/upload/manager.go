// Package upload implements the resumable-upload protocol core: session
// creation with resume-by-fingerprint, compare-and-swap chunk appends,
// cancellation, partial-upload concatenation and finalization into owner
// storage.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"nexusfs/pkg/log"
	"nexusfs/pkg/models"
	"nexusfs/pkg/owner"
	"nexusfs/pkg/session"
)

// CloudGate grants or denies a cloud offload slot for a new upload. Denial is
// never an error; the upload simply takes the local path.
type CloudGate interface {
	Acquire(size int64) bool
	Release()
}

// Manager drives the protocol state machine over the session store and the
// storage backends.
type Manager struct {
	sessions  *session.Store
	auth      owner.Authenticator
	local     Backend
	cloud     Backend
	gate      CloudGate
	finalizer *Finalizer
	tempDir   string

	// Appends for one session are serialized; different sessions proceed
	// independently. Entries are reference counted and dropped once nobody
	// holds or waits on them.
	locksMu sync.Mutex
	locks   map[string]*sessionLock

	// Sessions currently holding a cloud offload slot. The slot is handed
	// back exactly once no matter which path releases it.
	slotsMu sync.Mutex
	slots   map[string]struct{}

	wg sync.WaitGroup
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager creates a protocol manager using local storage only.
func NewManager(sessions *session.Store, auth owner.Authenticator, tempDir string, finalizer *Finalizer) *Manager {
	return &Manager{
		sessions:  sessions,
		auth:      auth,
		local:     &LocalBackend{TempDir: tempDir},
		finalizer: finalizer,
		tempDir:   tempDir,
		locks:     make(map[string]*sessionLock),
		slots:     make(map[string]struct{}),
	}
}

// EnableCloud adds a cloud backend behind the given gate. New uploads passing
// the gate use cloud multipart storage instead of the local temp file.
func (m *Manager) EnableCloud(cloud Backend, gate CloudGate) {
	m.cloud = cloud
	m.gate = gate
}

// Stop waits for in-flight completion work to drain.
func (m *Manager) Stop() {
	m.wg.Wait()
}

// CreateRequest carries the inputs of the create operation.
type CreateRequest struct {
	Length         int64
	MetadataHeader string
	ConcatHeader   string
}

// CreateResult reports the session serving the upload. Existing is true when
// an active session for the same fingerprint was resumed instead of created.
type CreateResult struct {
	Session  *models.UploadSession
	Existing bool
}

// Create starts a new upload session or resumes an existing one.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	meta, err := ParseMetadata(req.MetadataHeader)
	if err != nil {
		return nil, err
	}

	ownerID, err := m.auth.Authenticate(meta[MetaCredential])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	filename := meta[MetaFilename]
	if filename == "" {
		return nil, fmt.Errorf("%w: metadata is missing filename", ErrValidation)
	}

	partial, partialIDs, err := ParseConcat(req.ConcatHeader)
	if err != nil {
		return nil, err
	}
	if len(partialIDs) > 0 {
		return m.createFinal(ctx, ownerID, filename, meta, partialIDs)
	}

	if req.Length < 0 {
		return nil, fmt.Errorf("%w: missing upload length", ErrValidation)
	}

	fingerprint := Fingerprint(filename, req.Length, meta[MetaLastModified])
	if existing, err := m.sessions.GetActiveByFingerprint(fingerprint, ownerID); err == nil {
		log.Info().
			Str("id", existing.ID).
			Str("owner", ownerID).
			Int64("offset", existing.Offset).
			Msg("Resuming upload by fingerprint")
		return &CreateResult{Session: existing, Existing: true}, nil
	} else if !errors.Is(err, session.ErrNotFound) {
		return nil, err
	}

	sess := &models.UploadSession{
		ID:          uuid.NewString(),
		Fingerprint: fingerprint,
		Owner:       ownerID,
		Size:        req.Length,
		Filename:    filename,
		Metadata:    meta,
		Partial:     partial,
		Backend:     models.BackendLocal,
	}

	backend := m.pickBackend(sess)
	if err := backend.Begin(ctx, sess); err != nil {
		if backend.Kind() == models.BackendCloud {
			// Cloud unavailable is never the client's problem.
			log.Warn().Err(err).Str("id", sess.ID).Msg("Cloud begin failed, falling back to local storage")
			m.releaseSlot(sess.ID)
			sess.Backend = models.BackendLocal
			backend = m.local
			err = backend.Begin(ctx, sess)
		}
		if err != nil {
			return nil, err
		}
	}

	if err := m.sessions.Create(sess); err != nil {
		_ = backend.Abort(ctx, sess)
		m.releaseSlot(sess.ID)
		if errors.Is(err, session.ErrDuplicateActive) {
			// Lost a create race; hand back the winner.
			if existing, lookupErr := m.sessions.GetActiveByFingerprint(fingerprint, ownerID); lookupErr == nil {
				return &CreateResult{Session: existing, Existing: true}, nil
			}
		}
		return nil, err
	}

	log.Info().
		Str("id", sess.ID).
		Str("owner", ownerID).
		Str("filename", filename).
		Str("backend", string(sess.Backend)).
		Str("size", humanize.Bytes(uint64(req.Length))).
		Bool("partial", partial).
		Msg("Upload session created")

	if sess.Size == 0 {
		// Nothing to transfer; an empty upload is complete at creation.
		if err := m.sessions.Transition(sess.ID, models.StatusActive, models.StatusCompleted); err == nil {
			sess.Status = models.StatusCompleted
			m.scheduleCompletion(sess)
		}
	}
	return &CreateResult{Session: sess}, nil
}

// Inspect returns the session for offset/size reporting.
func (m *Manager) Inspect(id string) (*models.UploadSession, error) {
	sess, err := m.sessions.Get(id)
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrNotFound
	}
	return sess, err
}

// Append stores one chunk. declaredOffset must equal the stored offset
// exactly; contentLength below zero means the length is unknown and the
// declared size alone caps the write.
func (m *Manager) Append(ctx context.Context, id string, declaredOffset, contentLength int64, chunk io.Reader) (int64, error) {
	lock := m.lockSession(id)
	defer m.unlockSession(id, lock)

	sess, err := m.sessions.Get(id)
	if errors.Is(err, session.ErrNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if sess.Status != models.StatusActive {
		return 0, ErrNotFound
	}

	if declaredOffset != sess.Offset {
		return 0, fmt.Errorf("%w: declared %d, stored %d", ErrOffsetConflict, declaredOffset, sess.Offset)
	}
	if contentLength >= 0 && sess.Offset+contentLength > sess.Size {
		return 0, fmt.Errorf("%w: write of %d bytes at offset %d passes declared size %d",
			ErrValidation, contentLength, sess.Offset, sess.Size)
	}

	backend := m.backendFor(sess)
	written, err := backend.Append(ctx, sess, chunk)
	if err != nil {
		if backend.Kind() == models.BackendCloud && !errors.Is(err, ErrValidation) {
			return 0, m.degradeToLocal(ctx, sess, err)
		}
		return 0, err
	}

	newOffset := sess.Offset + written
	if err := m.sessions.AdvanceOffset(id, sess.Offset, newOffset, sess.Parts); err != nil {
		if errors.Is(err, session.ErrOffsetConflict) {
			return 0, ErrOffsetConflict
		}
		return 0, err
	}
	sess.Offset = newOffset

	if newOffset == sess.Size {
		if err := m.sessions.Transition(id, models.StatusActive, models.StatusCompleted); err == nil {
			sess.Status = models.StatusCompleted
			m.scheduleCompletion(sess)
		}
	}
	return newOffset, nil
}

// Cancel aborts a session and discards its stored bytes.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	lock := m.lockSession(id)
	defer m.unlockSession(id, lock)

	sess, err := m.sessions.Get(id)
	if errors.Is(err, session.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if sess.Status == models.StatusImported {
		return ErrNotFound
	}

	backend := m.backendFor(sess)
	if err := backend.Abort(ctx, sess); err != nil {
		log.Warn().Err(err).Str("id", id).Msg("Failed to discard stored bytes on cancel")
	}
	m.releaseSlot(id)

	if sess.Status != models.StatusAborted {
		if err := m.sessions.Transition(id, sess.Status, models.StatusAborted); err != nil {
			return err
		}
	}

	log.Info().Str("id", id).Str("owner", sess.Owner).Msg("Upload session aborted")
	return nil
}

// RecoverCompleted re-schedules the completion pipeline for every non-partial
// session stuck in completed state. A crash or a failed import leaves the
// session completed with its bytes still in transit; the janitor calls this on
// each sweep so those uploads still reach owner storage. Returns the number of
// sessions scheduled.
func (m *Manager) RecoverCompleted() int {
	pending, err := m.sessions.ListByStatus(models.StatusCompleted)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list completed sessions for recovery")
		return 0
	}

	scheduled := 0
	for i := range pending {
		if pending[i].Partial {
			// Partial uploads wait for a final concatenation.
			continue
		}
		m.scheduleCompletion(&pending[i])
		scheduled++
	}
	if scheduled > 0 {
		log.Info().Int("sessions", scheduled).Msg("Re-scheduled completion for pending uploads")
	}
	return scheduled
}

// scheduleCompletion runs the post-completion pipeline off the request path:
// materialize cloud bytes locally, release the offload slot, then finalize
// non-partial sessions. Hashing inside finalization is what must never block
// the response. Safe to schedule more than once for the same session: the
// state is re-read under the session lock and anything no longer completed is
// skipped.
func (m *Manager) scheduleCompletion(sess *models.UploadSession) {
	id := sess.ID

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		lock := m.lockSession(id)
		defer m.unlockSession(id, lock)

		ctx := context.Background()
		sess, err := m.sessions.Get(id)
		if err != nil || sess.Status != models.StatusCompleted {
			return
		}

		backend := m.backendFor(sess)
		if err := backend.Complete(ctx, sess); err != nil {
			log.Error().Err(err).Str("id", id).Msg("Failed to materialize completed upload")
			m.releaseSlot(id)
			return
		}
		if backend.Kind() == models.BackendCloud {
			m.releaseSlot(id)
			// The bytes live in the local temp file now; record that so
			// recovery and cancel stop treating the session as cloud-backed.
			if err := m.sessions.MarkMaterialized(id); err != nil {
				log.Warn().Err(err).Str("id", id).Msg("Failed to record materialized session")
			}
			sess.Backend = models.BackendLocal
		}

		log.Info().
			Str("id", id).
			Str("owner", sess.Owner).
			Str("filename", sess.Filename).
			Msg("Upload complete")

		if sess.Partial {
			// Partial uploads wait for a final concatenation.
			return
		}
		if err := m.finalizer.Finalize(ctx, sess); err != nil {
			log.Error().Err(err).Str("id", id).Msg("Finalization failed, will retry on next sweep")
		}
	}()
}

// degradeToLocal converts a failed cloud session back to an empty local one.
// The client sees an offset conflict, re-syncs via Inspect to offset zero and
// re-uploads against local storage; it never gets a hard failure for a cloud
// outage.
func (m *Manager) degradeToLocal(ctx context.Context, sess *models.UploadSession, cause error) error {
	log.Warn().Err(cause).Str("id", sess.ID).Msg("Cloud append failed, degrading session to local storage")

	if err := m.cloud.Abort(ctx, sess); err != nil {
		log.Warn().Err(err).Str("id", sess.ID).Msg("Failed to abort cloud upload during degrade")
	}
	m.releaseSlot(sess.ID)

	if err := m.sessions.ResetToLocal(sess.ID); err != nil {
		return err
	}
	sess.Backend = models.BackendLocal
	sess.Offset = 0
	sess.Parts = nil
	if err := m.local.Begin(ctx, sess); err != nil {
		return err
	}
	return fmt.Errorf("%w: upload restarted on local storage", ErrOffsetConflict)
}

func (m *Manager) pickBackend(sess *models.UploadSession) Backend {
	if m.cloud != nil && !sess.Partial && m.gate.Acquire(sess.Size) {
		m.slotsMu.Lock()
		m.slots[sess.ID] = struct{}{}
		m.slotsMu.Unlock()
		sess.Backend = models.BackendCloud
		return m.cloud
	}
	return m.local
}

// releaseSlot hands back the cloud slot held by the session, if any. A second
// release for the same session is a no-op.
func (m *Manager) releaseSlot(id string) {
	m.slotsMu.Lock()
	_, held := m.slots[id]
	delete(m.slots, id)
	m.slotsMu.Unlock()
	if held {
		m.gate.Release()
	}
}

func (m *Manager) backendFor(sess *models.UploadSession) Backend {
	if sess.Backend == models.BackendCloud && m.cloud != nil {
		return m.cloud
	}
	return m.local
}

func (m *Manager) lockSession(id string) *sessionLock {
	m.locksMu.Lock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sessionLock{}
		m.locks[id] = lock
	}
	lock.refs++
	m.locksMu.Unlock()

	lock.mu.Lock()
	return lock
}

// unlockSession drops the session lock and its map entry once no caller holds
// or waits on it.
func (m *Manager) unlockSession(id string, lock *sessionLock) {
	lock.mu.Unlock()

	m.locksMu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(m.locks, id)
	}
	m.locksMu.Unlock()
}
