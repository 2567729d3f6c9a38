package registry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/cuemby/mailroom/pkg/events"
	"github.com/cuemby/mailroom/pkg/journal"
	"github.com/cuemby/mailroom/pkg/metrics"
	"github.com/cuemby/mailroom/pkg/target"
	"github.com/cuemby/mailroom/pkg/types"
)

// ErrStaleDelivery is returned when resolving a delivery whose
// registration was removed or changed delivery mode since the event was
// handed out. The event stays in the log.
var ErrStaleDelivery = errors.New("registry: stale delivery")

// Delivery is one event handed to a delivery task
type Delivery struct {
	RegistrationID types.RegistrationID
	Event          *types.Event
	Target         target.Target

	generation uint64
}

// TaskResult is how a delivery task ended
type TaskResult struct {
	// Abandoned is set when the task gave up on the head event after
	// exhausting its attempts or its time budget
	Abandoned bool

	// Head is the event the task was stuck on when abandoned
	Head types.EventID

	// Reason describes the last failure
	Reason string
}

// WaitPending blocks until at least one registration is pending, timeout
// elapses or ctx is done. It moves every pending registration to the
// active set and returns their ids in random order. Each returned id must
// be handed back through FinishTask.
func (r *Registry) WaitPending(ctx context.Context, timeout time.Duration) []types.RegistrationID {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) == 0 && !r.closed && ctx.Err() == nil {
		r.pendingCond.wait(ctx, &r.mu, timeout)
	}
	if r.closed || ctx.Err() != nil || len(r.pending) == 0 {
		return nil
	}

	ids := make([]types.RegistrationID, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

	for _, id := range ids {
		delete(r.pending, id)
		r.active[id] = struct{}{}
	}
	return ids
}

// NextDelivery returns the next event a task should push for a
// registration, or nil when there is nothing to deliver: the registration
// is gone, not in push mode, or its log is empty. Blacklisted events at
// the head of the log are discarded without invoking the target.
func (r *Registry) NextDelivery(id types.RegistrationID) (*Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.regs[id]
	if !ok || reg.mode != types.DeliveryPush || reg.target == nil {
		return nil, nil
	}

	for {
		ev, err := reg.log.Next()
		if err != nil {
			return nil, err
		}
		if ev == nil {
			return nil, nil
		}
		if !reg.blacklisted(ev.ID()) {
			return &Delivery{
				RegistrationID: id,
				Event:          ev,
				Target:         reg.target,
				generation:     reg.generation,
			}, nil
		}
		if err := reg.log.Remove(); err != nil {
			return nil, err
		}
		reg.logger.Debug().Str("event", ev.ID().String()).Msg("Discarded blacklisted event")
	}
}

// ResolveDelivery applies the outcome of one delivery attempt. Delivered
// and benign outcomes remove the event; rejected ones also blacklist its
// identity; fatal ones disable push delivery and keep the event; transient
// ones change nothing.
func (r *Registry) ResolveDelivery(d *Delivery, class target.Class) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.regs[d.RegistrationID]
	if !ok || reg.gone || reg.generation != d.generation {
		return ErrStaleDelivery
	}

	switch class {
	case target.Delivered, target.Benign:
		reg.abandonedCount = 0
		return reg.log.Remove()

	case target.Rejected:
		evID := d.Event.ID()
		reg.blacklist[evID] = struct{}{}
		r.appendRecord(journal.UnknownEventRecord(reg.id, evID))
		r.publish(events.EventEventBlacklisted, reg, "event "+evID.String()+" rejected by target")
		reg.logger.Info().Str("event", evID.String()).Msg("Target rejected event, blacklisted")
		reg.abandonedCount = 0
		return reg.log.Remove()

	case target.Fatal:
		reg.logger.Warn().Str("target", reg.spec.URL).Msg("Target failed permanently, disabling push delivery")
		r.setModeLocked(reg, types.DeliveryDisabled, types.TargetSpec{}, nil)
		r.publish(events.EventDeliveryDisabled, reg, "push target failed permanently")
		return nil
	}
	return nil
}

// FinishTask ends the active task of a registration. The registration
// returns to pending if it is still push-enabled with events left.
func (r *Registry) FinishTask(id types.RegistrationID, result TaskResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.active, id)

	reg, ok := r.regs[id]
	if !ok {
		return
	}

	if result.Abandoned {
		metrics.DeliveryTasksAbandoned.Inc()
		r.publish(events.EventTaskAbandoned, reg, result.Reason)
		if reg.mode == types.DeliveryPush {
			r.countAbandonedLocked(reg, result)
		}
	}

	r.schedulePushLocked(reg)
}

// countAbandonedLocked dead-letters the head event once tasks were
// abandoned on it DeadLetterAfter times in a row
func (r *Registry) countAbandonedLocked(reg *registration, result TaskResult) {
	if result.Head == reg.abandonedHead && reg.abandonedCount > 0 {
		reg.abandonedCount++
	} else {
		reg.abandonedHead = result.Head
		reg.abandonedCount = 1
	}

	if r.cfg.DeadLetterAfter == 0 || reg.abandonedCount < r.cfg.DeadLetterAfter {
		return
	}

	ev, err := reg.log.Next()
	if err != nil || ev == nil || ev.ID() != result.Head {
		reg.abandonedCount = 0
		return
	}

	if r.deadLetters != nil {
		dl := &types.DeadLetter{
			RegistrationID: reg.id,
			Event:          ev,
			Reason:         result.Reason,
			Abandoned:      reg.abandonedCount,
			CreatedAt:      r.now(),
		}
		if err := r.deadLetters.AddDeadLetter(dl); err != nil {
			reg.logger.Error().Err(err).Str("event", ev.ID().String()).Msg("Failed to store dead letter, keeping event")
			return
		}
	}
	if err := reg.log.Remove(); err != nil {
		reg.logger.Error().Err(err).Msg("Failed to remove dead-lettered event")
		return
	}

	metrics.DeadLetters.Inc()
	r.publish(events.EventDeadLettered, reg, "event "+ev.ID().String()+" dead-lettered")
	reg.logger.Warn().
		Str("event", ev.ID().String()).
		Int("abandoned", reg.abandonedCount).
		Str("reason", result.Reason).
		Msg("Event dead-lettered")
	reg.abandonedCount = 0
}

// PendingCount returns the number of registrations waiting for a task
func (r *Registry) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

// ActiveCount returns the number of registrations with a task in flight
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}
