package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cuemby/mailroom/pkg/log"
	"github.com/cuemby/mailroom/pkg/metrics"
	"github.com/cuemby/mailroom/pkg/registry"
	"github.com/cuemby/mailroom/pkg/target"
	"github.com/cuemby/mailroom/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultWorkers         = 10
	DefaultMaxAttempts     = 5
	DefaultMaxTaskDuration = time.Hour
	DefaultWakeInterval    = 5 * time.Second
	DefaultAttemptTimeout  = 30 * time.Second
)

// Scheduler hands out push work. *registry.Registry implements it.
type Scheduler interface {
	WaitPending(ctx context.Context, timeout time.Duration) []types.RegistrationID
	NextDelivery(id types.RegistrationID) (*registry.Delivery, error)
	ResolveDelivery(d *registry.Delivery, class target.Class) error
	FinishTask(id types.RegistrationID, result registry.TaskResult)
	Closed() bool
}

// Config holds delivery engine configuration
type Config struct {
	// Workers bounds the number of concurrent delivery tasks
	Workers int

	// MaxAttempts is the number of consecutive transient failures on one
	// event after which the task is abandoned
	MaxAttempts int

	// MaxTaskDuration is how long a task may run before it is abandoned
	MaxTaskDuration time.Duration

	// WakeInterval bounds how long the scheduler sleeps without new work
	WakeInterval time.Duration

	// AttemptTimeout bounds a single call to a target
	AttemptTimeout time.Duration

	Backoff Backoff
}

// DefaultConfig returns a Config with default values
func DefaultConfig() Config {
	return Config{
		Workers:         DefaultWorkers,
		MaxAttempts:     DefaultMaxAttempts,
		MaxTaskDuration: DefaultMaxTaskDuration,
		WakeInterval:    DefaultWakeInterval,
		AttemptTimeout:  DefaultAttemptTimeout,
		Backoff:         DefaultBackoff(),
	}
}

// Engine pushes events of push-enabled registrations to their targets.
// A single scheduler goroutine takes pending registrations and runs one
// task per registration on a bounded worker pool.
type Engine struct {
	cfg    Config
	sched  Scheduler
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

// NewEngine creates a delivery engine
func NewEngine(sched Scheduler, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MaxTaskDuration <= 0 {
		cfg.MaxTaskDuration = def.MaxTaskDuration
	}
	if cfg.WakeInterval <= 0 {
		cfg.WakeInterval = def.WakeInterval
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:    cfg,
		sched:  sched,
		sem:    semaphore.NewWeighted(int64(cfg.Workers)),
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		logger: log.WithComponent("delivery"),
	}
}

// Start begins the scheduler loop
func (e *Engine) Start() {
	e.logger.Info().
		Int("workers", e.cfg.Workers).
		Int("max_attempts", e.cfg.MaxAttempts).
		Dur("max_task_duration", e.cfg.MaxTaskDuration).
		Msg("Delivery engine started")
	go e.run()
}

// Stop cancels running tasks and waits for them to return their
// registrations to the scheduler
func (e *Engine) Stop() {
	e.once.Do(func() {
		e.cancel()
		<-e.doneCh
		e.logger.Info().Msg("Delivery engine stopped")
	})
}

// run is the main scheduler loop
func (e *Engine) run() {
	defer close(e.doneCh)
	defer e.wg.Wait()

	for e.ctx.Err() == nil && !e.sched.Closed() {
		ids := e.sched.WaitPending(e.ctx, e.cfg.WakeInterval)
		for i, id := range ids {
			if err := e.sem.Acquire(e.ctx, 1); err != nil {
				// Hand back what was taken but never started
				for _, rest := range ids[i:] {
					e.sched.FinishTask(rest, registry.TaskResult{})
				}
				return
			}

			e.wg.Add(1)
			metrics.DeliveryTasksActive.Inc()
			go func(id types.RegistrationID) {
				defer e.wg.Done()
				defer e.sem.Release(1)
				defer metrics.DeliveryTasksActive.Dec()
				e.sched.FinishTask(id, e.runTask(id))
			}(id)
		}
	}
}

// runTask delivers the events of one registration in order until its log
// is empty, it leaves push mode, or the task is abandoned
func (e *Engine) runTask(id types.RegistrationID) registry.TaskResult {
	logger := log.WithRegistrationID(e.logger, id.String())
	deadline := time.Now().Add(e.cfg.MaxTaskDuration)

	var (
		head     types.EventID
		attempts int
	)
	for {
		if e.ctx.Err() != nil {
			return registry.TaskResult{}
		}

		d, err := e.sched.NextDelivery(id)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to read next event")
			return registry.TaskResult{}
		}
		if d == nil {
			return registry.TaskResult{}
		}
		if d.Event.ID() != head {
			head = d.Event.ID()
			attempts = 0
		}

		class, deliverErr := e.attempt(d)
		if err := e.sched.ResolveDelivery(d, class); err != nil {
			if !errors.Is(err, registry.ErrStaleDelivery) {
				logger.Error().Err(err).Str("event", head.String()).Msg("Failed to resolve delivery")
			}
			return registry.TaskResult{}
		}

		switch class {
		case target.Delivered, target.Benign, target.Rejected:
			attempts = 0
			continue
		case target.Fatal:
			return registry.TaskResult{}
		}

		attempts++
		if e.ctx.Err() != nil {
			return registry.TaskResult{}
		}

		delay := e.cfg.Backoff.Duration(attempts - 1)
		if attempts >= e.cfg.MaxAttempts || time.Now().Add(delay).After(deadline) {
			logger.Warn().
				Err(deliverErr).
				Str("event", head.String()).
				Int("attempts", attempts).
				Msg("Abandoning delivery task")
			return registry.TaskResult{
				Abandoned: true,
				Head:      head,
				Reason:    errorReason(deliverErr),
			}
		}

		logger.Debug().
			Err(deliverErr).
			Str("event", head.String()).
			Int("attempt", attempts).
			Dur("backoff", delay).
			Msg("Delivery failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-e.ctx.Done():
			timer.Stop()
			return registry.TaskResult{}
		}
	}
}

// attempt invokes the target once, outside any registry lock
func (e *Engine) attempt(d *registry.Delivery) (target.Class, error) {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.AttemptTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	err := d.Target.Deliver(ctx, d.Event)
	timer.ObserveDuration(metrics.DeliveryLatency)

	class := target.Classify(err)
	metrics.DeliveryAttempts.WithLabelValues(class.String()).Inc()
	return class, err
}

func errorReason(err error) string {
	if err == nil {
		return "delivery abandoned"
	}
	return err.Error()
}
