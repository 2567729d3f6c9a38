package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/mailroom/pkg/eventlog"
	"github.com/cuemby/mailroom/pkg/journal"
	"github.com/cuemby/mailroom/pkg/lease"
	"github.com/cuemby/mailroom/pkg/target"
	"github.com/cuemby/mailroom/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sinkURL = "mem://sink"

type fakeJournal struct {
	mu        sync.Mutex
	records   []journal.Record
	snapshots int
}

func (j *fakeJournal) Append(rec journal.Record) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, rec)
}

func (j *fakeJournal) Snapshot() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.snapshots++
	return nil
}

func (j *fakeJournal) ops() []journal.Op {
	j.mu.Lock()
	defer j.mu.Unlock()
	var ops []journal.Op
	for _, rec := range j.records {
		ops = append(ops, rec.Op)
	}
	return ops
}

func (j *fakeJournal) snapshotCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshots
}

type fakeDeadLetters struct {
	mu  sync.Mutex
	dls []*types.DeadLetter
}

func (s *fakeDeadLetters) AddDeadLetter(dl *types.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dls = append(s.dls, dl)
	return nil
}

func (s *fakeDeadLetters) ListDeadLetters(id types.RegistrationID) ([]*types.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.DeadLetter
	for _, dl := range s.dls {
		if dl.RegistrationID == id {
			out = append(out, dl)
		}
	}
	return out, nil
}

func newTestRegistry(t *testing.T, cfg Config, opts ...Option) (*Registry, *target.StaticResolver) {
	t.Helper()
	resolver := target.NewStaticResolver()
	resolver.Register(sinkURL, target.Func(func(ctx context.Context, ev *types.Event) error { return nil }))

	factory := eventlog.NewFactory("", nil, 0)
	r := New(cfg, factory, lease.NewFixedPolicy(time.Minute, time.Hour), resolver, opts...)
	t.Cleanup(r.Close)
	return r, resolver
}

func register(t *testing.T, r *Registry, d time.Duration) types.RegistrationID {
	t.Helper()
	l, err := r.Register(d)
	require.NoError(t, err)
	return l.RegistrationID
}

func event(seq uint64) *types.Event {
	return &types.Event{Source: "orders", SeqID: seq, Type: "created"}
}

// TestRegisterRenewCancel tests the basic lease lifecycle
func TestRegisterRenewCancel(t *testing.T) {
	j := &fakeJournal{}
	r, _ := newTestRegistry(t, DefaultConfig(), WithJournal(j))

	l, err := r.Register(30 * time.Second)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(30*time.Second), l.Expiration, time.Second)

	info, err := r.Get(l.RegistrationID)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryDisabled, info.Mode)

	granted, err := r.Renew(l.RegistrationID, 2*time.Hour)
	require.NoError(t, err)
	assert.InDelta(t, time.Hour.Seconds(), granted.Seconds(), 1, "renewal is clamped by the lease policy")

	require.NoError(t, r.Cancel(l.RegistrationID))

	_, err = r.Renew(l.RegistrationID, time.Minute)
	assert.ErrorIs(t, err, ErrUnknownLease)
	assert.ErrorIs(t, r.Cancel(l.RegistrationID), ErrUnknownLease)
	assert.ErrorIs(t, r.Notify(l.RegistrationID, event(1)), ErrUnknownLease)

	assert.Equal(t, []journal.Op{journal.OpRegister, journal.OpRenew, journal.OpCancel}, j.ops())
}

// TestRenewAfterExpiration tests that an expired and reaped lease cannot be renewed
func TestRenewAfterExpiration(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.RunReaper(ctx)

	long := register(t, r, time.Minute)
	short := register(t, r, 200*time.Millisecond)

	assert.Eventually(t, func() bool {
		_, err := r.Get(short)
		return errors.Is(err, ErrUnknownLease)
	}, 3*time.Second, 20*time.Millisecond, "reaper should remove the expired registration")

	_, err := r.Renew(short, 10*time.Second)
	assert.ErrorIs(t, err, ErrUnknownLease)

	_, err = r.Get(long)
	assert.NoError(t, err)
}

// TestReaperWokenByEarlierDeadline tests that a new earliest expiration wakes the reaper
func TestReaperWokenByEarlierDeadline(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	register(t, r, time.Hour)
	go r.RunReaper(ctx)
	time.Sleep(20 * time.Millisecond)

	id := register(t, r, 100*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, err := r.Get(id)
		return errors.Is(err, ErrUnknownLease)
	}, 2*time.Second, 20*time.Millisecond)
	assert.Len(t, r.List(), 1)
}

// TestNotifyStampsCopy tests that Notify timestamps the stored event without touching the argument
func TestNotifyStampsCopy(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())
	id := register(t, r, time.Minute)

	ev := event(1)
	require.NoError(t, r.Notify(id, ev))
	assert.True(t, ev.Timestamp.IsZero(), "the caller's event is not modified")

	_, entries, err := r.PullSnapshot(id, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Event.Timestamp.IsZero())
	assert.NotSame(t, ev, entries[0].Event)

	stamped := event(2)
	stamped.Timestamp = time.Unix(1700000000, 0).UTC()
	require.NoError(t, r.Notify(id, stamped))
	_, entries, err = r.PullSnapshot(id, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, stamped.Timestamp.Equal(entries[1].Event.Timestamp), "a caller timestamp is kept")
}

// TestUnknownEventBlacklist tests that a rejected event is refused until delivery is re-enabled
func TestUnknownEventBlacklist(t *testing.T) {
	j := &fakeJournal{}
	r, _ := newTestRegistry(t, DefaultConfig(), WithJournal(j))
	id := register(t, r, time.Minute)

	require.NoError(t, r.Notify(id, event(1)))
	require.NoError(t, r.EnableDelivery(id, types.TargetSpec{URL: sinkURL}))

	ids := r.WaitPending(context.Background(), time.Second)
	require.Equal(t, []types.RegistrationID{id}, ids)

	d, err := r.NextDelivery(id)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, uint64(1), d.Event.SeqID)

	require.NoError(t, r.ResolveDelivery(d, target.Rejected))
	r.FinishTask(id, TaskResult{})

	err = r.Notify(id, event(1))
	assert.ErrorIs(t, err, ErrUnknownEvent)
	err = r.Notify(id, event(1))
	assert.ErrorIs(t, err, ErrUnknownEvent, "blacklisted event keeps being refused")

	info, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Blacklisted)
	assert.Equal(t, 0, info.Pending)

	require.NoError(t, r.DisableDelivery(id))
	assert.ErrorIs(t, r.Notify(id, event(1)), ErrUnknownEvent, "disabling keeps the blacklist")

	require.NoError(t, r.EnableDelivery(id, types.TargetSpec{URL: sinkURL}))
	assert.NoError(t, r.Notify(id, event(1)), "re-enabling clears the blacklist")

	assert.Contains(t, j.ops(), journal.OpUnknownEvent)
}

// TestStaleIterator tests that a mode switch invalidates outstanding pull tokens
func TestStaleIterator(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())
	id := register(t, r, time.Minute)

	token, _, err := r.PullSnapshot(id, 10)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	require.NoError(t, r.EnableDelivery(id, types.TargetSpec{URL: sinkURL}))

	_, err = r.PullBatch(context.Background(), id, token, eventlog.Cursor{}, 10, 0)
	assert.ErrorIs(t, err, ErrInvalidIterator)

	second, _, err := r.PullSnapshot(id, 10)
	require.NoError(t, err)
	assert.NotEqual(t, token, second)

	_, err = r.PullBatch(context.Background(), id, token, eventlog.Cursor{}, 10, 0)
	assert.ErrorIs(t, err, ErrInvalidIterator, "a newer snapshot also invalidates the old token")

	_, err = r.PullBatch(context.Background(), id, second, eventlog.Cursor{}, 10, 0)
	assert.NoError(t, err)
}

// TestPullProtocol tests snapshot, acknowledgement and waiting for new events
func TestPullProtocol(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())
	id := register(t, r, time.Minute)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, r.Notify(id, event(i)))
	}

	token, entries, err := r.PullSnapshot(id, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(1), entries[0].Event.SeqID)

	batch, err := r.PullBatch(context.Background(), id, token, entries[1].Cursor, 10, 0)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, uint64(3), batch[0].Event.SeqID)

	// Acknowledging the same cursor twice is a no-op
	batch, err = r.PullBatch(context.Background(), id, token, entries[1].Cursor, 10, 0)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	batch, err = r.PullBatch(context.Background(), id, token, batch[0].Cursor, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, batch)

	go func() {
		time.Sleep(50 * time.Millisecond)
		r.Notify(id, event(4))
	}()

	batch, err = r.PullBatch(context.Background(), id, token, eventlog.Cursor{}, 10, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, uint64(4), batch[0].Event.SeqID)

	start := time.Now()
	_, err = r.PullBatch(context.Background(), id, token, batch[0].Cursor, 10, 100*time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond, "an empty log should wait for the timeout")
}

// TestPullWaiterObjectGone tests that cancellation wakes blocked pull calls
func TestPullWaiterObjectGone(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())
	id := register(t, r, time.Minute)

	token, _, err := r.PullSnapshot(id, 10)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := r.PullBatch(context.Background(), id, token, eventlog.Cursor{}, 10, 10*time.Second)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, r.Cancel(id))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrObjectGone)
	case <-time.After(2 * time.Second):
		t.Fatal("pull waiter was not woken by cancellation")
	}
}

// TestPullWaiterContextCanceled tests that a canceled context ends a blocked pull
func TestPullWaiterContextCanceled(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())
	id := register(t, r, time.Minute)

	token, _, err := r.PullSnapshot(id, 10)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = r.PullBatch(ctx, id, token, eventlog.Cursor{}, 10, 10*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestSchedulingSets tests that a registration is never both pending and active
func TestSchedulingSets(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())
	id := register(t, r, time.Minute)

	require.NoError(t, r.EnableDelivery(id, types.TargetSpec{URL: sinkURL}))
	assert.Equal(t, 0, r.PendingCount(), "nothing to deliver yet")

	require.NoError(t, r.Notify(id, event(1)))
	assert.Equal(t, 1, r.PendingCount())

	ids := r.WaitPending(context.Background(), time.Second)
	require.Len(t, ids, 1)
	assert.Equal(t, 0, r.PendingCount())
	assert.Equal(t, 1, r.ActiveCount())

	require.NoError(t, r.Notify(id, event(2)))
	assert.Equal(t, 0, r.PendingCount(), "an active registration is not made pending")

	d, err := r.NextDelivery(id)
	require.NoError(t, err)
	require.NoError(t, r.ResolveDelivery(d, target.Delivered))
	r.FinishTask(id, TaskResult{})

	assert.Equal(t, 1, r.PendingCount(), "remaining events return the registration to pending")
	assert.Equal(t, 0, r.ActiveCount())

	ids = r.WaitPending(context.Background(), 10*time.Millisecond)
	require.Len(t, ids, 1)
	require.NoError(t, r.DisableDelivery(id))
	r.FinishTask(id, TaskResult{})
	assert.Equal(t, 0, r.PendingCount(), "disabled registrations are dropped from both sets")
	assert.Equal(t, 0, r.ActiveCount())
}

// TestWaitPendingTimeout tests that the scheduler wait is bounded
func TestWaitPendingTimeout(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())

	start := time.Now()
	ids := r.WaitPending(context.Background(), 50*time.Millisecond)
	assert.Empty(t, ids)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

// TestStaleDelivery tests that a mode change during delivery keeps the event
func TestStaleDelivery(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())
	id := register(t, r, time.Minute)

	require.NoError(t, r.Notify(id, event(1)))
	require.NoError(t, r.EnableDelivery(id, types.TargetSpec{URL: sinkURL}))
	r.WaitPending(context.Background(), time.Second)

	d, err := r.NextDelivery(id)
	require.NoError(t, err)

	require.NoError(t, r.EnableDelivery(id, types.TargetSpec{URL: sinkURL}))
	assert.ErrorIs(t, r.ResolveDelivery(d, target.Delivered), ErrStaleDelivery)
	r.FinishTask(id, TaskResult{})

	info, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Pending, "the event should be delivered again")
	assert.True(t, info.Scheduled)
}

// TestFatalDisablesDelivery tests that a fatal outcome disables push and keeps the event
func TestFatalDisablesDelivery(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())
	id := register(t, r, time.Minute)

	require.NoError(t, r.Notify(id, event(1)))
	require.NoError(t, r.EnableDelivery(id, types.TargetSpec{URL: sinkURL}))
	r.WaitPending(context.Background(), time.Second)

	d, err := r.NextDelivery(id)
	require.NoError(t, err)
	require.NoError(t, r.ResolveDelivery(d, target.Fatal))
	r.FinishTask(id, TaskResult{})

	info, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryDisabled, info.Mode)
	assert.Equal(t, 1, info.Pending)
	assert.False(t, info.Scheduled)
}

// TestDeadLetterAfterRepeatedAbandonment tests the dead-letter threshold
func TestDeadLetterAfterRepeatedAbandonment(t *testing.T) {
	dls := &fakeDeadLetters{}
	cfg := DefaultConfig()
	cfg.DeadLetterAfter = 2
	r, _ := newTestRegistry(t, cfg, WithDeadLetterStore(dls))
	id := register(t, r, time.Minute)

	require.NoError(t, r.Notify(id, event(1)))
	require.NoError(t, r.Notify(id, event(2)))
	require.NoError(t, r.EnableDelivery(id, types.TargetSpec{URL: sinkURL}))

	for i := 0; i < 2; i++ {
		ids := r.WaitPending(context.Background(), time.Second)
		require.Len(t, ids, 1)
		d, err := r.NextDelivery(id)
		require.NoError(t, err)
		require.Equal(t, uint64(1), d.Event.SeqID)
		r.FinishTask(id, TaskResult{Abandoned: true, Head: d.Event.ID(), Reason: "timeout"})
	}

	letters, err := r.DeadLetters(id)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, uint64(1), letters[0].Event.SeqID)
	assert.Equal(t, "timeout", letters[0].Reason)

	r.WaitPending(context.Background(), time.Second)
	d, err := r.NextDelivery(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), d.Event.SeqID, "the next event moves to the head")
}

// TestDeadLetterDisabled tests that a zero threshold keeps abandoned events forever
func TestDeadLetterDisabled(t *testing.T) {
	dls := &fakeDeadLetters{}
	cfg := DefaultConfig()
	cfg.DeadLetterAfter = 0
	r, _ := newTestRegistry(t, cfg, WithDeadLetterStore(dls))
	id := register(t, r, time.Minute)

	require.NoError(t, r.Notify(id, event(1)))
	require.NoError(t, r.EnableDelivery(id, types.TargetSpec{URL: sinkURL}))

	for i := 0; i < 5; i++ {
		r.WaitPending(context.Background(), time.Second)
		d, err := r.NextDelivery(id)
		require.NoError(t, err)
		r.FinishTask(id, TaskResult{Abandoned: true, Head: d.Event.ID()})
	}

	letters, err := r.DeadLetters(id)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

// TestCheckpointer tests that the journal is snapshotted once the threshold is reached
func TestCheckpointer(t *testing.T) {
	j := &fakeJournal{}
	cfg := DefaultConfig()
	cfg.CheckpointThreshold = 3
	r, _ := newTestRegistry(t, cfg, WithJournal(j))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.RunCheckpointer(ctx)

	id := register(t, r, time.Minute)
	_, err := r.Renew(id, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, j.snapshotCount())

	require.NoError(t, r.EnableDelivery(id, types.TargetSpec{URL: sinkURL}))
	assert.Eventually(t, func() bool { return j.snapshotCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

// TestRecover tests rebuilding the directory from journaled records
func TestRecover(t *testing.T) {
	j := &fakeJournal{}
	r, _ := newTestRegistry(t, DefaultConfig(), WithJournal(j))

	now := time.Now()
	push := types.NewRegistrationID()
	pull := types.NewRegistrationID()
	broken := types.NewRegistrationID()
	expired := types.NewRegistrationID()

	require.NoError(t, r.Recover([]*types.RegistrationRecord{
		{ID: push, Expiration: now.Add(time.Minute), Mode: types.DeliveryPush, Target: types.TargetSpec{URL: sinkURL},
			Blacklist: []types.EventID{{Source: "orders", SeqID: 9}}},
		{ID: pull, Expiration: now.Add(time.Minute), Mode: types.DeliveryPull},
		{ID: broken, Expiration: now.Add(time.Minute), Mode: types.DeliveryPush, Target: types.TargetSpec{URL: "mem://gone"}},
		{ID: expired, Expiration: now.Add(-time.Second), Mode: types.DeliveryDisabled},
	}))

	assert.Len(t, r.List(), 3)

	info, err := r.Get(push)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryPush, info.Mode)
	assert.ErrorIs(t, r.Notify(push, &types.Event{Source: "orders", SeqID: 9}), ErrUnknownEvent)
	require.NoError(t, r.Notify(push, event(1)))
	assert.Equal(t, 1, r.PendingCount())

	info, err = r.Get(broken)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryDisabled, info.Mode)

	_, err = r.PullBatch(context.Background(), pull, "old-token", eventlog.Cursor{}, 10, 0)
	assert.ErrorIs(t, err, ErrInvalidIterator)

	_, err = r.Get(expired)
	assert.ErrorIs(t, err, ErrUnknownLease)
}

// TestClosedRegistry tests that Close wakes waiters and refuses operations
func TestClosedRegistry(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())
	id := register(t, r, time.Minute)
	token, _, err := r.PullSnapshot(id, 10)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.WaitPending(context.Background(), 0)
	}()

	errCh := make(chan error, 1)
	go func() {
		_, err := r.PullBatch(context.Background(), id, token, eventlog.Cursor{}, 10, 10*time.Second)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	r.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitPending was not woken by Close")
	}
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrObjectGone)
	case <-time.After(2 * time.Second):
		t.Fatal("PullBatch was not woken by Close")
	}

	_, err = r.Register(time.Minute)
	assert.ErrorIs(t, err, ErrClosed)
}
