// Package session persists upload session records in SQLite. The store is the
// single source of truth for offsets: an Append is only durable once the
// compare-and-swap offset update here has succeeded.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"nexusfs/pkg/models"

	_ "modernc.org/sqlite"
)

// Store manages upload session metadata in SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewStore creates a new session store with the given database path.
func NewStore(dbPath string) (*Store, error) {
	database, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseError, err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrency
	if _, err := database.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("%w: failed to enable WAL mode: %w", ErrDatabaseError, err)
	}

	store := &Store{db: database}
	if err := store.initialize(); err != nil {
		_ = database.Close()
		return nil, err
	}

	return store, nil
}

func (s *Store) initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(context.Background(), Schema); err != nil {
		return fmt.Errorf("%w: failed to initialize schema: %w", ErrDatabaseError, err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new session record. The session's status, timestamps and
// offset are set here; callers only fill in the descriptive fields.
func (s *Store) Create(sess *models.UploadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metadataJSON, err := marshalMap(sess.Metadata)
	if err != nil {
		return err
	}
	partsJSON, err := marshalParts(sess.Parts)
	if err != nil {
		return err
	}

	now := time.Now()
	sess.Status = models.StatusActive
	sess.Offset = 0
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Backend == "" {
		sess.Backend = models.BackendLocal
	}

	_, err = s.db.ExecContext(context.Background(),
		`INSERT INTO tus_uploads (
		    id, fingerprint, owner, size, offset, filename, content_type,
		    metadata, partial, backend, cloud_upload_id, cloud_key, parts,
		    status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Fingerprint, sess.Owner, sess.Size, sess.Offset,
		sess.Filename, sess.ContentType, metadataJSON, sess.Partial,
		string(sess.Backend), sess.CloudUploadID, sess.CloudKey, partsJSON,
		string(sess.Status), now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateActive
		}
		return fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}

	return nil
}

// Get retrieves a session by ID.
func (s *Store) Get(id string) (*models.UploadSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(context.Background(),
		selectColumns+` FROM tus_uploads WHERE id = ?`, id)
	return scanSession(row)
}

// GetActiveByFingerprint retrieves the active session for a fingerprint and
// owner, enabling resume after a page refresh.
func (s *Store) GetActiveByFingerprint(fingerprint, owner string) (*models.UploadSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(context.Background(),
		selectColumns+` FROM tus_uploads
		 WHERE fingerprint = ? AND owner = ? AND status = 'active'
		 ORDER BY created_at DESC LIMIT 1`,
		fingerprint, owner)
	return scanSession(row)
}

// AdvanceOffset moves the stored offset from oldOffset to newOffset and
// replaces the recorded parts. The update only applies when the stored offset
// still equals oldOffset and the session is active; a concurrent or replayed
// Append therefore fails with ErrOffsetConflict instead of double-counting.
func (s *Store) AdvanceOffset(id string, oldOffset, newOffset int64, parts []models.UploadPart) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	partsJSON, err := marshalParts(parts)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(context.Background(),
		`UPDATE tus_uploads SET offset = ?, parts = ?, updated_at = ?
		 WHERE id = ? AND offset = ? AND status = 'active'`,
		newOffset, partsJSON, time.Now(), id, oldOffset,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	if rows == 0 {
		return ErrOffsetConflict
	}
	return nil
}

// ForceOffset overwrites the stored offset unconditionally. Used only when
// the physical backing file is the ground truth, e.g. after assembling a
// concatenated upload.
func (s *Store) ForceOffset(id string, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.exec(
		`UPDATE tus_uploads SET offset = ?, updated_at = ? WHERE id = ?`,
		ErrNotFound, offset, time.Now(), id,
	)
}

// ResetToLocal reverts a cloud-backed session to a fresh local one at offset
// zero. Used when the cloud path fails mid-upload and the client must restart
// against local storage.
func (s *Store) ResetToLocal(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.exec(
		`UPDATE tus_uploads
		 SET backend = 'local', cloud_upload_id = '', cloud_key = '',
		     parts = '', offset = 0, updated_at = ?
		 WHERE id = ?`,
		ErrNotFound, time.Now(), id,
	)
}

// MarkMaterialized records that a cloud session's bytes now live in the local
// temp file. Recovery and cancel treat the session as local from here on, so
// the finished multipart upload is never touched again.
func (s *Store) MarkMaterialized(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.exec(
		`UPDATE tus_uploads
		 SET backend = 'local', cloud_upload_id = '', cloud_key = '',
		     parts = '', updated_at = ?
		 WHERE id = ?`,
		ErrNotFound, time.Now(), id,
	)
}

// Transition changes the session status from one state to another. It fails
// with ErrInvalidTransition when the session is not in the expected state,
// which is what makes completion and import idempotent.
func (s *Store) Transition(id string, from, to models.UploadStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(context.Background(),
		`UPDATE tus_uploads SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now(), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	if rows == 0 {
		// Distinguish a missing session from one in the wrong state.
		var status string
		err := s.db.QueryRowContext(context.Background(),
			`SELECT status FROM tus_uploads WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrDatabaseError, err)
		}
		return ErrInvalidTransition
	}
	return nil
}

// Delete removes a session record.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.exec(`DELETE FROM tus_uploads WHERE id = ?`, ErrNotFound, id)
}

// Stale returns sessions created before the cutoff that were never imported.
// The janitor removes their backing files and records.
func (s *Store) Stale(cutoff time.Time) ([]models.UploadSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.list(
		selectColumns+` FROM tus_uploads
		 WHERE created_at < ? AND status != 'imported'
		 ORDER BY created_at`,
		cutoff,
	)
}

// ListByStatus returns every session in the given state, oldest first.
// Completion recovery uses it to find uploads whose import never ran.
func (s *Store) ListByStatus(status models.UploadStatus) ([]models.UploadSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.list(
		selectColumns+` FROM tus_uploads WHERE status = ? ORDER BY created_at`,
		string(status),
	)
}

func (s *Store) list(query string, args ...interface{}) ([]models.UploadSession, error) {
	rows, err := s.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []models.UploadSession
	for rows.Next() {
		sess, scanErr := scanSession(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		sessions = append(sessions, *sess)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	return sessions, nil
}

// exec runs a write statement and maps zero affected rows to notFound.
func (s *Store) exec(query string, notFound error, args ...interface{}) error {
	result, err := s.db.ExecContext(context.Background(), query, args...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

const selectColumns = `SELECT id, fingerprint, owner, size, offset, filename,
	content_type, metadata, partial, backend, cloud_upload_id, cloud_key,
	parts, status, created_at, updated_at`

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*models.UploadSession, error) {
	var (
		sess         models.UploadSession
		contentType  sql.NullString
		metadataJSON sql.NullString
		cloudUpload  sql.NullString
		cloudKey     sql.NullString
		partsJSON    sql.NullString
		backend      string
		status       string
	)

	err := row.Scan(&sess.ID, &sess.Fingerprint, &sess.Owner, &sess.Size,
		&sess.Offset, &sess.Filename, &contentType, &metadataJSON,
		&sess.Partial, &backend, &cloudUpload, &cloudKey, &partsJSON,
		&status, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}

	sess.Backend = models.BackendKind(backend)
	sess.Status = models.UploadStatus(status)
	sess.ContentType = contentType.String
	sess.CloudUploadID = cloudUpload.String
	sess.CloudKey = cloudKey.String

	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("%w: failed to parse metadata: %w", ErrDatabaseError, err)
		}
	}
	if partsJSON.Valid && partsJSON.String != "" {
		if err := json.Unmarshal([]byte(partsJSON.String), &sess.Parts); err != nil {
			return nil, fmt.Errorf("%w: failed to parse parts: %w", ErrDatabaseError, err)
		}
	}

	return &sess, nil
}

func marshalMap(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("%w: failed to serialize metadata: %w", ErrDatabaseError, err)
	}
	return string(data), nil
}

func marshalParts(parts []models.UploadPart) (string, error) {
	if len(parts) == 0 {
		return "", nil
	}
	data, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("%w: failed to serialize parts: %w", ErrDatabaseError, err)
	}
	return string(data), nil
}
