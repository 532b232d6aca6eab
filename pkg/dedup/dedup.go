// Package dedup collapses identical files into hardlinks. A SQLite table maps
// each content hash to a canonical path; every other path with the same hash
// shares the canonical file's inode.
package dedup

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"

	"nexusfs/pkg/log"

	_ "modernc.org/sqlite"
)

// Schema contains the SQL statements to create the dedup index schema.
const Schema = `
CREATE TABLE IF NOT EXISTS dedup_index (
    content_hash   TEXT PRIMARY KEY,
    canonical_path TEXT NOT NULL
);
`

// ErrDatabaseError is returned when a database operation fails.
var ErrDatabaseError = errors.New("database error")

const defaultHashWorkers = 2

// Deduplicator hashes files and replaces duplicates with hardlinks to the
// canonical copy.
type Deduplicator struct {
	db *sql.DB
	mu sync.RWMutex

	// Hashing is CPU and I/O heavy; the semaphore keeps it off the request
	// path's back and bounds concurrent work.
	sem *semaphore.Weighted

	// Per-hash mutexes serialize the read-modify-write on one index entry so
	// two uploads of the same content cannot corrupt it. Entries are
	// reference counted and dropped once nobody holds or waits on them.
	hashLocksMu sync.Mutex
	hashLocks   map[string]*hashLock
}

type hashLock struct {
	mu   sync.Mutex
	refs int
}

// ScanStats summarizes a full-tree deduplication scan.
type ScanStats struct {
	Scanned      int64 `json:"scanned"`
	Deduplicated int64 `json:"deduplicated"`
	BytesSaved   int64 `json:"bytes_saved"`
}

// New creates a deduplicator backed by the given database path.
func New(dbPath string, hashWorkers int64) (*Deduplicator, error) {
	if hashWorkers <= 0 {
		hashWorkers = defaultHashWorkers
	}

	database, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseError, err)
	}

	if _, err := database.ExecContext(context.Background(), Schema); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("%w: failed to initialize schema: %w", ErrDatabaseError, err)
	}

	return &Deduplicator{
		db:        database,
		sem:       semaphore.NewWeighted(hashWorkers),
		hashLocks: make(map[string]*hashLock),
	}, nil
}

// Close closes the database connection.
func (d *Deduplicator) Close() error {
	return d.db.Close()
}

// HashFile computes the streamed SHA-256 hash of a file.
func HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := file.Close(); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to close file after hashing")
		}
	}()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Deduplicate checks whether the file at path duplicates an already-known
// content hash. On a hit it deletes the file and hardlinks it to the canonical
// copy; on a miss it registers the file as the new canonical path. Returns
// true when the file now shares storage with a previous upload.
func (d *Deduplicator) Deduplicate(ctx context.Context, path string) (bool, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer d.sem.Release(1)

	hash, err := HashFile(path)
	if err != nil {
		return false, err
	}

	lock := d.lockHash(hash)
	defer d.unlockHash(hash, lock)

	canonical, err := d.lookup(hash)
	if err != nil {
		return false, err
	}

	if canonical == "" {
		// New unique content.
		return false, d.upsert(hash, path)
	}

	canonicalInfo, statErr := os.Stat(canonical)
	if statErr != nil {
		// Canonical copy vanished, repoint the index at the survivor.
		log.Debug().Str("hash", hash).Str("canonical", canonical).Msg("Canonical path missing, repairing index")
		return false, d.upsert(hash, path)
	}

	pathInfo, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if os.SameFile(canonicalInfo, pathInfo) {
		// Already hardlinked.
		return true, nil
	}

	log.Info().
		Str("path", filepath.Base(path)).
		Str("canonical", filepath.Base(canonical)).
		Msg("Deduplicating file into hardlink")

	// Link the canonical copy under a staging name, then rename it over the
	// duplicate. The owner's path always points at a complete file, even if
	// the link fails.
	staging := path + ".link"
	_ = os.Remove(staging)
	if err := os.Link(canonical, staging); err != nil {
		return false, fmt.Errorf("failed to hardlink %s to %s: %w", path, canonical, err)
	}
	if err := os.Rename(staging, path); err != nil {
		_ = os.Remove(staging)
		return false, err
	}
	return true, nil
}

// ScanTree walks every owner directory under root and deduplicates each file.
// Single-file failures are logged and skipped so one bad file cannot abort
// the scan.
func (d *Deduplicator) ScanTree(ctx context.Context, root string) (*ScanStats, error) {
	stats := &ScanStats{}

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		info, err := entry.Info()
		if err != nil {
			return nil
		}

		stats.Scanned++
		linked, err := d.Deduplicate(ctx, path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Deduplication failed for file, skipping")
			return nil
		}
		if linked {
			stats.Deduplicated++
			stats.BytesSaved += info.Size()
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return stats, err
	}

	log.Info().
		Int64("scanned", stats.Scanned).
		Int64("deduplicated", stats.Deduplicated).
		Int64("bytes_saved", stats.BytesSaved).
		Msg("Deduplication scan complete")
	return stats, nil
}

func (d *Deduplicator) lockHash(hash string) *hashLock {
	d.hashLocksMu.Lock()
	lock, ok := d.hashLocks[hash]
	if !ok {
		lock = &hashLock{}
		d.hashLocks[hash] = lock
	}
	lock.refs++
	d.hashLocksMu.Unlock()

	lock.mu.Lock()
	return lock
}

// unlockHash drops the hash lock and its map entry once no caller holds or
// waits on it.
func (d *Deduplicator) unlockHash(hash string, lock *hashLock) {
	lock.mu.Unlock()

	d.hashLocksMu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(d.hashLocks, hash)
	}
	d.hashLocksMu.Unlock()
}

func (d *Deduplicator) lookup(hash string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var canonical string
	err := d.db.QueryRowContext(context.Background(),
		`SELECT canonical_path FROM dedup_index WHERE content_hash = ?`, hash,
	).Scan(&canonical)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	return canonical, nil
}

func (d *Deduplicator) upsert(hash, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.ExecContext(context.Background(),
		`INSERT INTO dedup_index (content_hash, canonical_path) VALUES (?, ?)
		 ON CONFLICT(content_hash) DO UPDATE SET canonical_path = excluded.canonical_path`,
		hash, path,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	return nil
}
