package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/mailroom/pkg/config"
	"github.com/cuemby/mailroom/pkg/delivery"
	"github.com/cuemby/mailroom/pkg/eventlog"
	"github.com/cuemby/mailroom/pkg/events"
	"github.com/cuemby/mailroom/pkg/journal"
	"github.com/cuemby/mailroom/pkg/lease"
	"github.com/cuemby/mailroom/pkg/log"
	"github.com/cuemby/mailroom/pkg/metrics"
	"github.com/cuemby/mailroom/pkg/registry"
	"github.com/cuemby/mailroom/pkg/storage"
	"github.com/cuemby/mailroom/pkg/streampool"
	"github.com/cuemby/mailroom/pkg/target"
	"github.com/rs/zerolog"
)

// Manager owns every component of a mailroom node and their lifecycle
type Manager struct {
	cfg *config.Config

	store     *storage.BoltStore
	journal   *journal.Journal
	pool      *streampool.Pool
	factory   *eventlog.Factory
	registry  *registry.Registry
	engine    *delivery.Engine
	broker    *events.Broker
	collector *MetricsCollector
	health    *metrics.HealthChecker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	logger zerolog.Logger
}

// Option customizes a Manager
type Option func(*options)

type options struct {
	resolvers []target.Resolver
	health    *metrics.HealthChecker
}

// WithResolver consults r before the HTTP webhook resolver when enabling
// push delivery
func WithResolver(r target.Resolver) Option {
	return func(o *options) { o.resolvers = append(o.resolvers, r) }
}

// WithHealthChecker reports component health to h instead of the default
// checker
func WithHealthChecker(h *metrics.HealthChecker) Option {
	return func(o *options) { o.health = h }
}

// NewManager opens the persistent state under cfg.DataDir and builds every
// component. Nothing runs until Start.
func NewManager(cfg *config.Config, opts ...Option) (*Manager, error) {
	o := options{health: metrics.DefaultHealthChecker()}
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	j, err := journal.Open(journal.Config{
		Dir:            filepath.Join(cfg.DataDir, "raft"),
		QueueSize:      cfg.Journal.QueueSize,
		ApplyTimeout:   cfg.Journal.ApplyTimeout,
		SnapshotRetain: cfg.Journal.SnapshotRetain,
	}, store)
	if err != nil {
		store.Close()
		o.health.Update(metrics.ComponentJournal, false, err.Error())
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	o.health.Update(metrics.ComponentJournal, true, "")

	var (
		pool   *streampool.Pool
		logDir string
	)
	if cfg.EventLog.Durable {
		pool = streampool.New(cfg.EventLog.StreamPoolSize)
		logDir = filepath.Join(cfg.DataDir, "logs")
	}
	factory := eventlog.NewFactory(logDir, pool, cfg.EventLog.ChunkCapacity)

	resolver := append(target.ChainResolver{}, o.resolvers...)
	resolver = append(resolver, target.NewHTTPResolver(cfg.Delivery.AttemptTimeout))

	broker := events.NewBroker()

	reg := registry.New(
		registry.Config{
			CheckpointThreshold: cfg.Registry.CheckpointThreshold,
			DeadLetterAfter:     cfg.Registry.DeadLetterAfter,
			MaxPullBatch:        cfg.Registry.MaxPullBatch,
		},
		factory,
		lease.NewFixedPolicy(cfg.Lease.Default, cfg.Lease.Max),
		resolver,
		registry.WithJournal(j),
		registry.WithBroker(broker),
		registry.WithDeadLetterStore(store),
	)

	engine := delivery.NewEngine(reg, delivery.Config{
		Workers:         cfg.Delivery.Workers,
		MaxAttempts:     cfg.Delivery.MaxAttempts,
		MaxTaskDuration: cfg.Delivery.MaxTaskDuration,
		WakeInterval:    cfg.Delivery.WakeInterval,
		AttemptTimeout:  cfg.Delivery.AttemptTimeout,
		Backoff: delivery.Backoff{
			Initial: cfg.Delivery.InitialBackoff,
			Max:     cfg.Delivery.MaxBackoff,
			Jitter:  cfg.Delivery.Jitter,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		store:    store,
		journal:  j,
		pool:     pool,
		factory:  factory,
		registry: reg,
		engine:   engine,
		broker:   broker,
		health:   o.health,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.WithComponent("manager"),
	}
	m.collector = NewMetricsCollector(reg, pool, j)
	return m, nil
}

// Start recovers the registration directory and starts the background
// loops: delivery engine, expiration reaper, checkpointer and metrics
// collector
func (m *Manager) Start() error {
	records, err := m.journal.Registrations()
	if err != nil {
		return fmt.Errorf("failed to load registrations: %w", err)
	}
	if err := m.registry.Recover(records); err != nil {
		return fmt.Errorf("failed to recover registrations: %w", err)
	}

	m.broker.Start()
	sub := m.broker.Subscribe()
	m.goroutine(func() { m.watchEvents(sub) })
	m.goroutine(func() { m.registry.RunReaper(m.ctx) })
	m.goroutine(func() { m.registry.RunCheckpointer(m.ctx) })

	m.engine.Start()
	m.health.Update(metrics.ComponentDelivery, true, "")
	m.collector.Start()

	m.logger.Info().
		Str("data_dir", m.cfg.DataDir).
		Bool("durable_logs", m.factory.Durable()).
		Int("registrations", len(records)).
		Msg("Manager started")
	return nil
}

func (m *Manager) goroutine(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

// watchEvents logs lifecycle events until the manager stops. Expirations
// and delivery failures are logged at info, the rest at debug.
func (m *Manager) watchEvents(sub events.Subscriber) {
	defer m.broker.Unsubscribe(sub)

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			entry := m.logger.Debug()
			switch ev.Type {
			case events.EventRegistrationExpired, events.EventTaskAbandoned, events.EventDeadLettered:
				entry = m.logger.Info()
			}
			entry.
				Str("event", string(ev.Type)).
				Str("registration_id", ev.RegistrationID.String()).
				Str("mode", string(ev.Mode)).
				Str("message", ev.Message).
				Msg("Lifecycle event")
		case <-m.ctx.Done():
			return
		}
	}
}

// Registry returns the registration directory
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// Broker returns the lifecycle event broker
func (m *Manager) Broker() *events.Broker {
	return m.broker
}

// Health returns the health checker components report to
func (m *Manager) Health() *metrics.HealthChecker {
	return m.health
}

// Shutdown stops every loop, takes a final journal snapshot and closes the
// persistent state. Event logs stay on disk for the next start.
func (m *Manager) Shutdown() error {
	var errs []error
	m.once.Do(func() {
		m.logger.Info().Msg("Shutting down manager")
		m.health.Update(metrics.ComponentDelivery, false, "shutting down")

		m.engine.Stop()
		m.cancel()
		m.registry.Close()
		m.wg.Wait()
		m.collector.Stop()
		m.broker.Stop()

		if err := m.journal.Snapshot(); err != nil {
			errs = append(errs, err)
		}
		if err := m.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close journal: %w", err))
		}
		m.health.Update(metrics.ComponentJournal, false, "closed")

		if err := m.factory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event logs: %w", err))
		}
		if err := m.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
	})
	return errors.Join(errs...)
}
