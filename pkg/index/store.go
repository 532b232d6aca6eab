// Package index maintains the queryable per-owner file index. The index is a
// derived cache over the owner storage trees; the reconciler can rebuild any
// part of it from disk.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"nexusfs/pkg/models"

	_ "modernc.org/sqlite"
)

// Schema contains the SQL statements to create the file index schema.
const Schema = `
CREATE TABLE IF NOT EXISTS files (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    owner      TEXT NOT NULL,
    filename   TEXT NOT NULL,
    folder_id  TEXT,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    is_locked  INTEGER NOT NULL DEFAULT 0,
    UNIQUE (owner, filename)
);

CREATE INDEX IF NOT EXISTS idx_files_owner ON files(owner);
`

// Store manages the file index in SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewStore creates a new file index store with the given database path.
func NewStore(dbPath string) (*Store, error) {
	database, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseError, err)
	}

	ctx := context.Background()

	if _, err := database.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("%w: failed to enable WAL mode: %w", ErrDatabaseError, err)
	}

	if _, err := database.ExecContext(ctx, Schema); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("%w: failed to initialize schema: %w", ErrDatabaseError, err)
	}

	return &Store{db: database}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Register inserts a file entry for an owner.
func (s *Store) Register(entry *models.FileEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var folderID interface{}
	if entry.FolderID != "" {
		folderID = entry.FolderID
	}

	result, err := s.db.ExecContext(context.Background(),
		`INSERT INTO files (owner, filename, folder_id, size_bytes, created_at, is_locked)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Owner, entry.Filename, folderID, entry.SizeBytes, entry.CreatedAt, entry.Locked,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicate
		}
		return fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}

	entryID, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	entry.ID = entryID
	return nil
}

// Deregister removes a file entry.
func (s *Store) Deregister(owner, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(context.Background(),
		`DELETE FROM files WHERE owner = ? AND filename = ?`, owner, filename)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all file entries for an owner, ordered by filename.
func (s *Store) List(owner string) ([]models.FileEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(context.Background(),
		`SELECT id, owner, filename, folder_id, size_bytes, created_at, is_locked
		 FROM files WHERE owner = ? ORDER BY filename`, owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []models.FileEntry
	for rows.Next() {
		var (
			entry    models.FileEntry
			folderID sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.Owner, &entry.Filename, &folderID,
			&entry.SizeBytes, &entry.CreatedAt, &entry.Locked); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
		}
		entry.FolderID = folderID.String
		entries = append(entries, entry)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	return entries, nil
}

// Get retrieves a single entry by owner and filename.
func (s *Store) Get(owner, filename string) (*models.FileEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		entry    models.FileEntry
		folderID sql.NullString
	)
	err := s.db.QueryRowContext(context.Background(),
		`SELECT id, owner, filename, folder_id, size_bytes, created_at, is_locked
		 FROM files WHERE owner = ? AND filename = ?`, owner, filename,
	).Scan(&entry.ID, &entry.Owner, &entry.Filename, &folderID,
		&entry.SizeBytes, &entry.CreatedAt, &entry.Locked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	entry.FolderID = folderID.String
	return &entry, nil
}

// Rename updates the filename of an entry, keeping disk and index in step for
// the external CRUD surface.
func (s *Store) Rename(owner, oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(context.Background(),
		`UPDATE files SET filename = ? WHERE owner = ? AND filename = ?`,
		newName, owner, oldName)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicate
		}
		return fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLock toggles the locked flag on an entry.
func (s *Store) SetLock(owner, filename string, locked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(context.Background(),
		`UPDATE files SET is_locked = ? WHERE owner = ? AND filename = ?`,
		locked, owner, filename)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Filenames returns the set of indexed filenames for an owner.
func (s *Store) Filenames(owner string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(context.Background(),
		`SELECT filename FROM files WHERE owner = ?`, owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	defer func() { _ = rows.Close() }()

	names := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
		}
		names[name] = struct{}{}
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	return names, nil
}

// UsageBytes returns the total indexed size for an owner.
func (s *Store) UsageBytes(owner string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	err := s.db.QueryRowContext(context.Background(),
		`SELECT COALESCE(SUM(size_bytes), 0) FROM files WHERE owner = ?`, owner,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	return total, nil
}
