package cloud

import (
	"sync"

	"github.com/dustin/go-humanize"

	"nexusfs/pkg/log"
)

// Arbiter decides whether a new upload may take the cloud path. It gates on
// declared size, a fixed pool of concurrency slots and the monthly quotas.
// A denial is silent; the upload just stays on the local path.
type Arbiter struct {
	mu       sync.Mutex
	inUse    int
	maxSlots int

	threshold int64
	usage     *UsageTracker
}

// NewArbiter creates an arbiter over the given usage tracker.
func NewArbiter(threshold int64, maxSlots int, usage *UsageTracker) *Arbiter {
	return &Arbiter{threshold: threshold, maxSlots: maxSlots, usage: usage}
}

// Acquire claims a cloud slot for an upload of the given size. The byte quota
// is checked against twice the size: the bytes go up once and come back down
// once under the transient-storage pattern.
func (a *Arbiter) Acquire(size int64) bool {
	if size < a.threshold {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.inUse >= a.maxSlots {
		log.Debug().Int("slots", a.maxSlots).Msg("Cloud slots exhausted, upload stays local")
		return false
	}
	if !a.usage.WithinLimits(2 * size) {
		log.Warn().
			Str("size", humanize.Bytes(uint64(size))).
			Msg("Cloud quota would be exceeded, upload stays local")
		return false
	}

	a.inUse++
	return true
}

// Release returns a slot to the pool.
func (a *Arbiter) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.inUse > 0 {
		a.inUse--
	}
}
