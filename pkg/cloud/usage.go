package cloud

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"nexusfs/pkg/log"
	"nexusfs/pkg/models"
)

// periodLayout formats the wall-clock period the counters roll over on.
const periodLayout = "2006-01"

// UsageTracker keeps the monthly operation and byte counters for the cloud
// backend. Counters live in memory behind a mutex and are persisted to a JSON
// file on a schedule, not on every mutation.
type UsageTracker struct {
	mu       sync.Mutex
	path     string
	counters models.UsageCounters
	dirty    bool

	limitClassA int64
	limitClassB int64
	limitBytes  int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewUsageTracker loads persisted counters from path, rolling them over if the
// stored period is not the current one. A missing file starts fresh.
func NewUsageTracker(path string, limitClassA, limitClassB, limitBytes int64) (*UsageTracker, error) {
	tracker := &UsageTracker{
		path:        path,
		limitClassA: limitClassA,
		limitClassB: limitClassB,
		limitBytes:  limitBytes,
		stopCh:      make(chan struct{}),
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, &tracker.counters); err != nil {
			return nil, fmt.Errorf("failed to parse usage counters %s: %w", path, err)
		}
	}

	tracker.mu.Lock()
	tracker.rolloverLocked()
	tracker.mu.Unlock()
	return tracker, nil
}

// Start launches the periodic flush loop.
func (t *UsageTracker) Start(interval time.Duration) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := t.Flush(); err != nil {
					log.Error().Err(err).Msg("Failed to flush cloud usage counters")
				}
			case <-t.stopCh:
				return
			}
		}
	}()
}

// Stop ends the flush loop and writes the final state.
func (t *UsageTracker) Stop() {
	close(t.stopCh)
	t.wg.Wait()
	if err := t.Flush(); err != nil {
		log.Error().Err(err).Msg("Failed to flush cloud usage counters on shutdown")
	}
}

// RecordClassA counts write-type operations.
func (t *UsageTracker) RecordClassA(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()
	t.counters.ClassAOps += n
	t.dirty = true
}

// RecordClassB counts read-type operations.
func (t *UsageTracker) RecordClassB(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()
	t.counters.ClassBOps += n
	t.dirty = true
}

// RecordBytes counts bytes moved through the cloud.
func (t *UsageTracker) RecordBytes(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()
	t.counters.BytesTransited += n
	t.dirty = true
}

// ReleaseBytes credits back the size of an object deleted right after ingest.
func (t *UsageTracker) ReleaseBytes(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()
	t.counters.BytesTransited -= n
	if t.counters.BytesTransited < 0 {
		t.counters.BytesTransited = 0
	}
	t.dirty = true
}

// WithinLimits reports whether an upload expected to move extraBytes through
// the cloud still fits under the monthly quotas.
func (t *UsageTracker) WithinLimits(extraBytes int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()

	return t.counters.ClassAOps < t.limitClassA &&
		t.counters.ClassBOps < t.limitClassB &&
		t.counters.BytesTransited+extraBytes <= t.limitBytes
}

// Snapshot returns a copy of the current counters.
func (t *UsageTracker) Snapshot() models.UsageCounters {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()
	return t.counters
}

// Flush persists the counters if anything changed since the last write.
func (t *UsageTracker) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.dirty {
		return nil
	}

	data, err := json.MarshalIndent(t.counters, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(t.path, data, 0o640); err != nil {
		return err
	}
	t.dirty = false
	return nil
}

// rolloverLocked resets the counters when the wall-clock period moved on.
// Callers must hold t.mu.
func (t *UsageTracker) rolloverLocked() {
	period := time.Now().Format(periodLayout)
	if t.counters.Period == period {
		return
	}
	if t.counters.Period != "" {
		log.Info().
			Str("old_period", t.counters.Period).
			Str("new_period", period).
			Msg("Cloud usage period rolled over, counters reset")
	}
	t.counters = models.UsageCounters{Period: period}
	t.dirty = true
}
