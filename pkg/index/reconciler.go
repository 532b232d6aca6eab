package index

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"nexusfs/pkg/log"
	"nexusfs/pkg/models"
)

// reconcileConcurrency bounds how many owner trees are diffed at once.
const reconcileConcurrency = 4

// ReconcileStats summarizes one reconciliation pass.
type ReconcileStats struct {
	OwnersScanned int64 `json:"owners_scanned"`
	Inserted      int64 `json:"inserted"`
	Deleted       int64 `json:"deleted"`
}

// Reconciler restores consistency between the owner storage trees and the
// file index. Disk is the ground truth: files present on disk but missing
// from the index are inserted, index rows without a backing file are deleted.
type Reconciler struct {
	index *Store
	root  string
}

// NewReconciler creates a reconciler over the given storage root.
func NewReconciler(indexStore *Store, root string) *Reconciler {
	return &Reconciler{index: indexStore, root: root}
}

// Run performs one full reconciliation pass. Each owner is diffed as a single
// unit; running the pass twice with no intervening disk changes makes zero
// modifications the second time.
func (r *Reconciler) Run(ctx context.Context) (*ReconcileStats, error) {
	entries, err := os.ReadDir(r.root)
	if os.IsNotExist(err) {
		return &ReconcileStats{}, nil
	}
	if err != nil {
		return nil, err
	}

	var (
		stats    ReconcileStats
		owners   int64
		inserted atomic.Int64
		deleted  atomic.Int64
	)

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(reconcileConcurrency)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		owners++

		owner := entry.Name()
		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ins, del, err := r.reconcileOwner(owner)
			if err != nil {
				return err
			}
			inserted.Add(ins)
			deleted.Add(del)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	stats.OwnersScanned = owners
	stats.Inserted = inserted.Load()
	stats.Deleted = deleted.Load()

	log.Info().
		Int64("owners_scanned", stats.OwnersScanned).
		Int64("inserted", stats.Inserted).
		Int64("deleted", stats.Deleted).
		Msg("Reconciliation complete")
	return &stats, nil
}

// reconcileOwner diffs one owner directory against the index as an atomic
// unit of work.
func (r *Reconciler) reconcileOwner(owner string) (inserted, deleted int64, err error) {
	diskFiles, err := scanOwnerDir(filepath.Join(r.root, owner))
	if err != nil {
		return 0, 0, err
	}

	indexed, err := r.index.Filenames(owner)
	if err != nil {
		return 0, 0, err
	}

	// Disk minus index: recover entries lost between chunk completion and the
	// finalizer's index write, or files dropped in by external means.
	for name, info := range diskFiles {
		if _, ok := indexed[name]; ok {
			continue
		}
		entry := &models.FileEntry{
			Owner:     owner,
			Filename:  name,
			SizeBytes: info.Size(),
			CreatedAt: info.ModTime(),
		}
		if err := r.index.Register(entry); err != nil {
			return inserted, deleted, err
		}
		inserted++
	}

	// Index minus disk: drop rows whose backing file was removed externally.
	for name := range indexed {
		if _, ok := diskFiles[name]; ok {
			continue
		}
		if err := r.index.Deregister(owner, name); err != nil {
			return inserted, deleted, err
		}
		deleted++
	}

	return inserted, deleted, nil
}

// scanOwnerDir walks an owner tree and returns file info keyed by filename.
func scanOwnerDir(dir string) (map[string]os.FileInfo, error) {
	files := make(map[string]os.FileInfo)

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			// A file vanishing mid-walk is not fatal to the pass.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		files[d.Name()] = info
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
