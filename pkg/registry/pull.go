package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/mailroom/pkg/eventlog"
	"github.com/cuemby/mailroom/pkg/events"
	"github.com/cuemby/mailroom/pkg/types"
	"github.com/google/uuid"
)

// PullSnapshot switches a registration to pull delivery and returns a new
// iterator token together with the first batch of undelivered events.
// Tokens issued earlier become invalid.
func (r *Registry) PullSnapshot(id types.RegistrationID, max int) (string, []eventlog.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, err := r.liveLocked(id)
	if err != nil {
		return "", nil, err
	}

	r.setModeLocked(reg, types.DeliveryPull, types.TargetSpec{}, nil)
	reg.token = uuid.NewString()

	entries, err := reg.log.ReadAhead(r.batchSize(max))
	if err != nil {
		return "", nil, fmt.Errorf("failed to read events: %w", err)
	}

	r.publish(events.EventPullEnabled, reg, "pull delivery enabled")
	reg.logger.Debug().Int("events", len(entries)).Msg("Pull snapshot taken")
	return reg.token, entries, nil
}

// PullBatch acknowledges every event up to lastCursor and returns the next
// batch of undelivered events. When none are available it waits up to
// timeout for new ones. A zero lastCursor acknowledges nothing.
func (r *Registry) PullBatch(ctx context.Context, id types.RegistrationID, token string, lastCursor eventlog.Cursor, max int, timeout time.Duration) ([]eventlog.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, err := r.liveLocked(id)
	if err != nil {
		return nil, err
	}
	if err := r.checkTokenLocked(reg, token); err != nil {
		return nil, err
	}

	if !lastCursor.IsZero() {
		if err := reg.log.MoveAhead(lastCursor); err != nil {
			return nil, fmt.Errorf("failed to acknowledge events: %w", err)
		}
	}

	deadline := r.now().Add(timeout)
	for {
		entries, err := reg.log.ReadAhead(r.batchSize(max))
		if err != nil {
			return nil, fmt.Errorf("failed to read events: %w", err)
		}
		if len(entries) > 0 {
			return entries, nil
		}

		remaining := deadline.Sub(r.now())
		if remaining <= 0 {
			return nil, nil
		}
		reg.pullCond.wait(ctx, &r.mu, remaining)

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if reg.gone || r.closed {
			return nil, fmt.Errorf("%w: %s", ErrObjectGone, id)
		}
		if err := r.checkTokenLocked(reg, token); err != nil {
			return nil, err
		}
	}
}

func (r *Registry) checkTokenLocked(reg *registration, token string) error {
	if reg.mode != types.DeliveryPull || reg.token == "" || reg.token != token {
		return fmt.Errorf("%w: %s", ErrInvalidIterator, reg.id)
	}
	return nil
}

func (r *Registry) batchSize(max int) int {
	if max <= 0 || max > r.cfg.MaxPullBatch {
		return r.cfg.MaxPullBatch
	}
	return max
}
