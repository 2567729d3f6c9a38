package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/mailroom/pkg/eventlog"
	"github.com/cuemby/mailroom/pkg/events"
	"github.com/cuemby/mailroom/pkg/journal"
	"github.com/cuemby/mailroom/pkg/lease"
	"github.com/cuemby/mailroom/pkg/log"
	"github.com/cuemby/mailroom/pkg/metrics"
	"github.com/cuemby/mailroom/pkg/target"
	"github.com/cuemby/mailroom/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrUnknownLease is returned for registrations that do not exist or
	// whose lease has expired
	ErrUnknownLease = errors.New("registry: unknown lease")

	// ErrInvalidIterator is returned for pull tokens issued before the
	// registration's delivery mode last changed
	ErrInvalidIterator = errors.New("registry: invalid iterator")

	// ErrUnknownEvent is returned by Notify for event identities the
	// registration's target rejected. Senders should stop resubmitting.
	ErrUnknownEvent = errors.New("registry: unknown event")

	// ErrObjectGone is returned to pull waiters whose registration was
	// cancelled or expired while they waited
	ErrObjectGone = errors.New("registry: object gone")

	// ErrInvalidTarget is returned when a push target cannot be resolved
	ErrInvalidTarget = errors.New("registry: invalid target")

	// ErrClosed is returned by operations on a closed registry
	ErrClosed = errors.New("registry: closed")
)

const (
	// DefaultCheckpointThreshold is the number of journal records between snapshots
	DefaultCheckpointThreshold = 100

	// DefaultDeadLetterAfter is the number of abandoned delivery tasks on the
	// same head event after which the event is dead-lettered
	DefaultDeadLetterAfter = 3

	// DefaultMaxPullBatch caps the number of events returned by one pull
	DefaultMaxPullBatch = 100
)

// Journal durably records directory operations
type Journal interface {
	Append(rec journal.Record)
	Snapshot() error
}

// DeadLetterStore keeps events removed after repeated abandonment
type DeadLetterStore interface {
	AddDeadLetter(dl *types.DeadLetter) error
	ListDeadLetters(id types.RegistrationID) ([]*types.DeadLetter, error)
}

// Config holds registry configuration
type Config struct {
	// CheckpointThreshold is the number of journal records after which the
	// checkpointer snapshots the journal
	CheckpointThreshold int

	// DeadLetterAfter is the number of abandoned tasks on one head event
	// before it is dead-lettered. Zero disables dead-lettering.
	DeadLetterAfter int

	// MaxPullBatch caps pull batch sizes
	MaxPullBatch int
}

// DefaultConfig returns a Config with default values
func DefaultConfig() Config {
	return Config{
		CheckpointThreshold: DefaultCheckpointThreshold,
		DeadLetterAfter:     DefaultDeadLetterAfter,
		MaxPullBatch:        DefaultMaxPullBatch,
	}
}

// Option configures optional registry collaborators
type Option func(*Registry)

// WithJournal records every state change in j
func WithJournal(j Journal) Option {
	return func(r *Registry) { r.journal = j }
}

// WithBroker publishes lifecycle events to b
func WithBroker(b *events.Broker) Option {
	return func(r *Registry) { r.broker = b }
}

// WithDeadLetterStore stores dead-lettered events in s
func WithDeadLetterStore(s DeadLetterStore) Option {
	return func(r *Registry) { r.deadLetters = s }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// registration is the directory state of one registration. All fields are
// guarded by the registry lock.
type registration struct {
	id         types.RegistrationID
	expiration time.Time
	heapIndex  int

	mode      types.DeliveryMode
	spec      types.TargetSpec
	target    target.Target
	blacklist map[types.EventID]struct{}
	log       eventlog.EventLog

	// generation changes with every delivery mode change. Pull tokens and
	// in-flight deliveries carry the generation they were issued under.
	generation uint64
	token      string
	pullCond   *cond

	abandonedHead  types.EventID
	abandonedCount int

	gone   bool
	logger zerolog.Logger
}

func (reg *registration) blacklisted(id types.EventID) bool {
	_, ok := reg.blacklist[id]
	return ok
}

func (reg *registration) info(active, pending bool) types.RegistrationInfo {
	return types.RegistrationInfo{
		ID:          reg.id,
		Expiration:  reg.expiration,
		Mode:        reg.mode,
		Target:      reg.spec,
		Blacklisted: len(reg.blacklist),
		Pending:     reg.log.Len(),
		Scheduled:   active || pending,
	}
}

func (reg *registration) record() *types.RegistrationRecord {
	rec := &types.RegistrationRecord{
		ID:         reg.id,
		Expiration: reg.expiration,
		Mode:       reg.mode,
		Target:     reg.spec,
	}
	for id := range reg.blacklist {
		rec.Blacklist = append(rec.Blacklist, id)
	}
	return rec
}

// Registry is the registration directory. One readers/writer lock guards
// every registration, the expiration index and the delivery scheduling
// sets; several conditions are layered on it.
type Registry struct {
	mu sync.RWMutex

	regs        map[types.RegistrationID]*registration
	expirations expirationIndex

	// A push-enabled registration is in at most one of pending and active
	pending map[types.RegistrationID]struct{}
	active  map[types.RegistrationID]struct{}

	pendingCond    *cond
	expirationCond *cond
	checkpointCond *cond

	recordsSinceCheckpoint int
	closed                 bool

	cfg         Config
	factory     *eventlog.Factory
	policy      lease.Policy
	resolver    target.Resolver
	journal     Journal
	broker      *events.Broker
	deadLetters DeadLetterStore
	now         func() time.Time
	logger      zerolog.Logger
}

// New creates an empty registry
func New(cfg Config, factory *eventlog.Factory, policy lease.Policy, resolver target.Resolver, opts ...Option) *Registry {
	if cfg.CheckpointThreshold <= 0 {
		cfg.CheckpointThreshold = DefaultCheckpointThreshold
	}
	if cfg.DeadLetterAfter < 0 {
		cfg.DeadLetterAfter = 0
	}
	if cfg.MaxPullBatch <= 0 {
		cfg.MaxPullBatch = DefaultMaxPullBatch
	}

	r := &Registry{
		regs:           make(map[types.RegistrationID]*registration),
		pending:        make(map[types.RegistrationID]struct{}),
		active:         make(map[types.RegistrationID]struct{}),
		pendingCond:    newCond(),
		expirationCond: newCond(),
		checkpointCond: newCond(),
		cfg:            cfg,
		factory:        factory,
		policy:         policy,
		resolver:       resolver,
		now:            time.Now,
		logger:         log.WithComponent("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates a registration leased for the requested duration
func (r *Registry) Register(duration time.Duration) (types.Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return types.Lease{}, ErrClosed
	}

	id := types.NewRegistrationID()
	expiration, err := r.policy.Grant(id.String(), duration)
	if err != nil {
		return types.Lease{}, fmt.Errorf("failed to grant lease: %w", err)
	}

	l, err := r.factory.Get(id)
	if err != nil {
		return types.Lease{}, err
	}

	reg := r.newRegistration(id, expiration, l)
	r.regs[id] = reg
	r.expirations.add(reg)
	if reg.heapIndex == 0 {
		r.expirationCond.broadcast()
	}

	r.appendRecord(journal.RegisterRecord(reg.record()))
	r.publish(events.EventRegistrationCreated, reg, "registration created")

	reg.logger.Info().Time("expiration", expiration).Msg("Registration created")
	return types.Lease{RegistrationID: id, Expiration: expiration}, nil
}

func (r *Registry) newRegistration(id types.RegistrationID, expiration time.Time, l eventlog.EventLog) *registration {
	return &registration{
		id:         id,
		expiration: expiration,
		heapIndex:  -1,
		mode:       types.DeliveryDisabled,
		blacklist:  make(map[types.EventID]struct{}),
		log:        l,
		pullCond:   newCond(),
		logger:     log.WithRegistrationID(r.logger, id.String()),
	}
}

// Renew extends a lease and returns the granted duration
func (r *Registry) Renew(id types.RegistrationID, extension time.Duration) (time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, err := r.liveLocked(id)
	if err != nil {
		return 0, err
	}

	expiration, err := r.policy.Renew(id.String(), extension)
	if err != nil {
		return 0, fmt.Errorf("failed to renew lease: %w", err)
	}
	reg.expiration = expiration
	r.expirations.fix(reg)
	r.expirationCond.broadcast()

	r.appendRecord(journal.RenewRecord(id, expiration))
	r.publish(events.EventRegistrationRenewed, reg, "lease renewed")

	return expiration.Sub(r.now()), nil
}

// Cancel removes a registration and deletes its event log
func (r *Registry) Cancel(id types.RegistrationID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, err := r.liveLocked(id)
	if err != nil {
		return err
	}
	r.removeLocked(reg, events.EventRegistrationCanceled, "canceled")
	return nil
}

// Notify appends an event to a registration's log and wakes whoever
// consumes it
func (r *Registry) Notify(id types.RegistrationID, ev *types.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, err := r.liveLocked(id)
	if err != nil {
		return err
	}
	if reg.blacklisted(ev.ID()) {
		metrics.EventsRejected.Inc()
		return fmt.Errorf("%w: %s", ErrUnknownEvent, ev.ID())
	}
	stamped := *ev
	if stamped.Timestamp.IsZero() {
		stamped.Timestamp = r.now()
	}
	ev = &stamped

	if err := reg.log.Add(ev); err != nil {
		reg.logger.Error().Err(err).Str("event", ev.ID().String()).Msg("Failed to append event")
		return fmt.Errorf("failed to append event %s: %w", ev.ID(), err)
	}

	switch reg.mode {
	case types.DeliveryPush:
		r.schedulePushLocked(reg)
	case types.DeliveryPull:
		reg.pullCond.broadcast()
	}
	return nil
}

// EnableDelivery switches a registration to push delivery to spec. The
// blacklist is cleared and outstanding pull tokens become invalid.
func (r *Registry) EnableDelivery(id types.RegistrationID, spec types.TargetSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, err := r.liveLocked(id)
	if err != nil {
		return err
	}
	if spec.IsZero() {
		return fmt.Errorf("%w: empty target", ErrInvalidTarget)
	}
	t, err := r.resolver.Resolve(spec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}

	r.setModeLocked(reg, types.DeliveryPush, spec, t)
	r.schedulePushLocked(reg)

	r.publish(events.EventDeliveryEnabled, reg, "push delivery enabled")
	reg.logger.Info().Str("target", spec.URL).Msg("Push delivery enabled")
	return nil
}

// DisableDelivery stops push or pull delivery for a registration. Events
// keep accumulating in its log.
func (r *Registry) DisableDelivery(id types.RegistrationID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, err := r.liveLocked(id)
	if err != nil {
		return err
	}
	if reg.mode == types.DeliveryDisabled {
		return nil
	}
	r.setModeLocked(reg, types.DeliveryDisabled, types.TargetSpec{}, nil)

	r.publish(events.EventDeliveryDisabled, reg, "delivery disabled")
	reg.logger.Info().Msg("Delivery disabled")
	return nil
}

// setModeLocked changes the delivery mode, bumping the generation so that
// pull tokens and in-flight deliveries of the previous mode go stale
func (r *Registry) setModeLocked(reg *registration, mode types.DeliveryMode, spec types.TargetSpec, t target.Target) {
	reg.mode = mode
	reg.spec = spec
	reg.target = t
	reg.generation++
	reg.token = ""
	reg.abandonedCount = 0
	if mode != types.DeliveryDisabled {
		reg.blacklist = make(map[types.EventID]struct{})
	}
	if mode != types.DeliveryPush {
		delete(r.pending, reg.id)
	}
	reg.pullCond.broadcast()

	r.appendRecord(journal.SetModeRecord(reg.id, mode, spec))
}

// schedulePushLocked marks a push registration pending unless a task is
// already active for it or it has nothing to deliver
func (r *Registry) schedulePushLocked(reg *registration) {
	if reg.mode != types.DeliveryPush || reg.target == nil {
		return
	}
	if _, ok := r.active[reg.id]; ok {
		return
	}
	if reg.log.IsEmpty() {
		return
	}
	r.pending[reg.id] = struct{}{}
	r.pendingCond.broadcast()
}

// liveLocked returns the registration for id if its lease is still valid
func (r *Registry) liveLocked(id types.RegistrationID) (*registration, error) {
	if r.closed {
		return nil, ErrClosed
	}
	reg, ok := r.regs[id]
	if !ok || !reg.expiration.After(r.now()) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLease, id)
	}
	return reg, nil
}

// removeLocked destroys a registration and wakes its pull waiters
func (r *Registry) removeLocked(reg *registration, eventType events.EventType, reason string) {
	delete(r.regs, reg.id)
	delete(r.pending, reg.id)
	r.expirations.remove(reg)
	reg.gone = true
	reg.pullCond.broadcast()

	if err := r.factory.Destroy(reg.id); err != nil {
		reg.logger.Warn().Err(err).Msg("Failed to delete event log")
	}

	r.appendRecord(journal.CancelRecord(reg.id, reason))
	r.publish(eventType, reg, "registration "+reason)
	reg.logger.Info().Str("reason", reason).Msg("Registration removed")
}

// appendRecord journals a state change and wakes the checkpointer when
// enough records have accumulated
func (r *Registry) appendRecord(rec journal.Record, err error) {
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to build journal record")
		return
	}
	if r.journal == nil {
		return
	}
	r.journal.Append(rec)
	r.recordsSinceCheckpoint++
	if r.recordsSinceCheckpoint >= r.cfg.CheckpointThreshold {
		r.checkpointCond.broadcast()
	}
}

func (r *Registry) publish(eventType events.EventType, reg *registration, message string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{
		Type:           eventType,
		RegistrationID: reg.id,
		Mode:           reg.mode,
		Message:        message,
	})
}

// Get returns a view of one registration
func (r *Registry) Get(id types.RegistrationID) (types.RegistrationInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.regs[id]
	if !ok || r.closed {
		return types.RegistrationInfo{}, fmt.Errorf("%w: %s", ErrUnknownLease, id)
	}
	_, active := r.active[id]
	_, pending := r.pending[id]
	return reg.info(active, pending), nil
}

// List returns a view of every registration
func (r *Registry) List() []types.RegistrationInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.RegistrationInfo, 0, len(r.regs))
	for id, reg := range r.regs {
		_, active := r.active[id]
		_, pending := r.pending[id]
		out = append(out, reg.info(active, pending))
	}
	return out
}

// Stats is a point-in-time summary of the directory
type Stats struct {
	Registrations int
	ByMode        map[types.DeliveryMode]int
	Pending       int
	Active        int
	Events        int
}

// Stats returns directory counters
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		Registrations: len(r.regs),
		ByMode: map[types.DeliveryMode]int{
			types.DeliveryDisabled: 0,
			types.DeliveryPush:     0,
			types.DeliveryPull:     0,
		},
		Pending: len(r.pending),
		Active:  len(r.active),
	}
	for _, reg := range r.regs {
		s.ByMode[reg.mode]++
		s.Events += reg.log.Len()
	}
	return s
}

// DeadLetters returns the dead-lettered events of a registration
func (r *Registry) DeadLetters(id types.RegistrationID) ([]*types.DeadLetter, error) {
	r.mu.RLock()
	_, ok := r.regs[id]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLease, id)
	}
	if r.deadLetters == nil {
		return nil, nil
	}
	return r.deadLetters.ListDeadLetters(id)
}

// Recover rebuilds the directory from journaled records. Registrations
// whose lease has already run out are removed. Pull-mode registrations
// come back without a valid token; clients take a new snapshot.
func (r *Registry) Recover(records []*types.RegistrationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	keep := make(map[types.RegistrationID]bool, len(records))

	for _, rec := range records {
		if !rec.Expiration.After(now) {
			r.appendRecord(journal.CancelRecord(rec.ID, "expired"))
			continue
		}

		l, err := r.factory.Get(rec.ID)
		if err != nil {
			return err
		}
		reg := r.newRegistration(rec.ID, rec.Expiration, l)
		reg.mode = rec.Mode
		reg.spec = rec.Target
		for _, id := range rec.Blacklist {
			reg.blacklist[id] = struct{}{}
		}

		if reg.mode == types.DeliveryPush {
			t, err := r.resolver.Resolve(rec.Target)
			if err != nil {
				reg.logger.Warn().Err(err).Msg("Push target no longer resolvable, disabling delivery")
				r.setModeLocked(reg, types.DeliveryDisabled, types.TargetSpec{}, nil)
			} else {
				reg.target = t
			}
		}

		r.regs[rec.ID] = reg
		r.expirations.add(reg)
		r.schedulePushLocked(reg)
		keep[rec.ID] = true
	}
	r.expirationCond.broadcast()

	if err := r.factory.Prune(keep); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to prune orphaned logs")
	}

	r.logger.Info().
		Int("registrations", len(r.regs)).
		Int("pending", len(r.pending)).
		Msg("Registry recovered")
	return nil
}

// Closed reports whether Close has been called
func (r *Registry) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Close wakes every waiter and refuses further operations. Event logs are
// closed but kept on disk.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	r.pendingCond.broadcast()
	r.expirationCond.broadcast()
	r.checkpointCond.broadcast()
	for _, reg := range r.regs {
		reg.pullCond.broadcast()
	}
}
