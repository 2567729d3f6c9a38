package registry

import (
	"context"
	"time"

	"github.com/cuemby/mailroom/pkg/events"
	"github.com/cuemby/mailroom/pkg/metrics"
)

// RunReaper removes registrations as their leases expire. It sleeps until
// the earliest expiration and is woken early when a registration or
// renewal changes the earliest deadline. It returns when ctx is done or
// the registry is closed.
func (r *Registry) RunReaper(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Debug().Msg("Expiration reaper started")
	for !r.closed && ctx.Err() == nil {
		now := r.now()
		for {
			reg := r.expirations.earliest()
			if reg == nil || reg.expiration.After(now) {
				break
			}
			r.removeLocked(reg, events.EventRegistrationExpired, "expired")
			metrics.RegistrationsExpired.Inc()
		}

		var wait time.Duration
		if next := r.expirations.earliest(); next != nil {
			wait = next.expiration.Sub(now)
		}
		r.expirationCond.wait(ctx, &r.mu, wait)
	}
	r.logger.Debug().Msg("Expiration reaper stopped")
}

// RunCheckpointer snapshots the journal every time CheckpointThreshold
// records have been appended. The snapshot runs outside the lock.
func (r *Registry) RunCheckpointer(ctx context.Context) {
	if r.journal == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for !r.closed && ctx.Err() == nil {
		if r.recordsSinceCheckpoint < r.cfg.CheckpointThreshold {
			r.checkpointCond.wait(ctx, &r.mu, 0)
			continue
		}
		records := r.recordsSinceCheckpoint
		r.recordsSinceCheckpoint = 0

		r.mu.Unlock()
		err := r.journal.Snapshot()
		r.mu.Lock()

		if err != nil {
			r.logger.Error().Err(err).Msg("Checkpoint failed")
			continue
		}
		r.logger.Debug().Int("records", records).Msg("Checkpoint taken")
	}
}
