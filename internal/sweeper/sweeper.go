// Package sweeper is an optional, off-by-default downstream utility that
// periodically hard-deletes tombstoned objects past a retention window.
//
// Running a sweeper changes discover/continue semantics for any consumer
// that has been offline longer than the retention period: the tombstone
// that would tell it an object was deleted is gone, so a continuation
// resumed past that point silently skips the deletion instead of
// reporting it. Callers that need to support arbitrarily long offline
// consumers should leave tombstones unswept, or set retention well past
// their longest expected gap.
package sweeper

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/graffitidb/engine/internal/kvstore"
)

// Sweeper periodically purges tombstones older than Retention.
type Sweeper struct {
	backend   kvstore.Backend
	interval  time.Duration
	retention time.Duration
	batchSize int
	delay     time.Duration
}

// New builds a Sweeper. interval controls how often a sweep runs;
// retention is how long a tombstone survives before it becomes eligible;
// batchSize bounds how many rows are purged per backend round trip;
// delay is paused between batches within one sweep to avoid saturating
// the backend.
func New(backend kvstore.Backend, interval, retention time.Duration, batchSize int, delay time.Duration) *Sweeper {
	return &Sweeper{
		backend:   backend,
		interval:  interval,
		retention: retention,
		batchSize: batchSize,
		delay:     delay,
	}
}

// Start runs sweeps on a ticker until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runSweep(ctx)
		}
	}
}

func (s *Sweeper) runSweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention).UnixNano()
	purged := 0
	for {
		n, err := s.backend.PurgeTombstones(ctx, cutoff, s.batchSize)
		if err != nil {
			log.Error("sweeper: purge failed", "err", err)
			return
		}
		purged += n
		if n < s.batchSize {
			break
		}
		if s.delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.delay):
			}
		}
	}
	if purged > 0 {
		log.Info("sweeper: purged tombstones", "count", purged, "cutoff", cutoff)
	}
}
