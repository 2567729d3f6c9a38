package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/mailroom/pkg/config"
	"github.com/cuemby/mailroom/pkg/eventlog"
	"github.com/cuemby/mailroom/pkg/metrics"
	"github.com/cuemby/mailroom/pkg/registry"
	"github.com/cuemby/mailroom/pkg/target"
	"github.com/cuemby/mailroom/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sink struct {
	mu  sync.Mutex
	got []uint64
}

func (s *sink) Deliver(ctx context.Context, ev *types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, ev.SeqID)
	return nil
}

func (s *sink) received() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.got...)
}

func testConfig(t *testing.T, dataDir string) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.DataDir = dataDir
	cfg.EventLog.ChunkCapacity = 2
	cfg.Delivery.WakeInterval = 50 * time.Millisecond
	cfg.Delivery.InitialBackoff = time.Millisecond
	cfg.Delivery.MaxBackoff = 10 * time.Millisecond
	return cfg
}

func startManager(t *testing.T, cfg *config.Config, opts ...Option) *Manager {
	t.Helper()
	opts = append(opts, WithHealthChecker(metrics.NewHealthChecker(metrics.ComponentJournal, metrics.ComponentDelivery)))

	m, err := NewManager(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, m.Start())
	return m
}

func notify(t *testing.T, reg *registry.Registry, id types.RegistrationID, seqs ...uint64) {
	t.Helper()
	for _, seq := range seqs {
		require.NoError(t, reg.Notify(id, &types.Event{Source: "orders", SeqID: seq, Type: "created"}))
	}
}

// TestRestartRecoversDirectory tests that registrations, modes and undelivered
// events survive a restart
func TestRestartRecoversDirectory(t *testing.T) {
	dataDir := t.TempDir()
	cfg := testConfig(t, dataDir)

	m := startManager(t, cfg)
	reg := m.Registry()

	held, err := reg.Register(time.Hour)
	require.NoError(t, err)
	notify(t, reg, held.RegistrationID, 1, 2, 3, 4, 5)

	pulled, err := reg.Register(time.Hour)
	require.NoError(t, err)
	token, _, err := reg.PullSnapshot(pulled.RegistrationID, 10)
	require.NoError(t, err)

	canceled, err := reg.Register(time.Hour)
	require.NoError(t, err)
	require.NoError(t, reg.Cancel(canceled.RegistrationID))

	assert.Equal(t, metrics.StatusReady, m.Health().Readiness().Status)
	require.NoError(t, m.Shutdown())

	s := &sink{}
	resolver := target.NewStaticResolver()
	resolver.Register("mem://sink", s)

	m = startManager(t, cfg, WithResolver(resolver))
	defer m.Shutdown()
	reg = m.Registry()

	info, err := reg.Get(held.RegistrationID)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryDisabled, info.Mode)
	assert.Equal(t, 5, info.Pending)
	assert.WithinDuration(t, held.Expiration, info.Expiration, time.Millisecond)

	info, err = reg.Get(pulled.RegistrationID)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryPull, info.Mode)
	_, err = reg.PullBatch(context.Background(), pulled.RegistrationID, token, eventlog.Cursor{}, 10, 0)
	assert.ErrorIs(t, err, registry.ErrInvalidIterator, "tokens do not survive a restart")

	_, err = reg.Get(canceled.RegistrationID)
	assert.ErrorIs(t, err, registry.ErrUnknownLease)

	require.NoError(t, reg.EnableDelivery(held.RegistrationID, types.TargetSpec{URL: "mem://sink"}))
	assert.Eventually(t, func() bool { return len(s.received()) == 5 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, s.received())
}

// TestRestartResumesPushDelivery tests that a push registration with a
// backlog is scheduled again on start
func TestRestartResumesPushDelivery(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.Registry.DeadLetterAfter = 0

	down := target.NewStaticResolver()
	down.Register("mem://sink", target.Func(func(ctx context.Context, ev *types.Event) error {
		return context.DeadlineExceeded
	}))

	m := startManager(t, cfg, WithResolver(down))
	reg := m.Registry()
	l, err := reg.Register(time.Hour)
	require.NoError(t, err)
	require.NoError(t, reg.EnableDelivery(l.RegistrationID, types.TargetSpec{URL: "mem://sink"}))
	notify(t, reg, l.RegistrationID, 1, 2)
	require.NoError(t, m.Shutdown())

	s := &sink{}
	up := target.NewStaticResolver()
	up.Register("mem://sink", s)

	m = startManager(t, cfg, WithResolver(up))
	defer m.Shutdown()

	assert.Eventually(t, func() bool { return len(s.received()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{1, 2}, s.received())
}

func TestMemoryLogsLoseEventsOnRestart(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.EventLog.Durable = false

	m := startManager(t, cfg)
	l, err := m.Registry().Register(time.Hour)
	require.NoError(t, err)
	notify(t, m.Registry(), l.RegistrationID, 1)
	require.NoError(t, m.Shutdown())

	m = startManager(t, cfg)
	defer m.Shutdown()

	info, err := m.Registry().Get(l.RegistrationID)
	require.NoError(t, err, "the registration itself is journaled")
	assert.Equal(t, 0, info.Pending)
}

func TestShutdownIsIdempotent(t *testing.T) {
	m := startManager(t, testConfig(t, t.TempDir()))
	require.NoError(t, m.Shutdown())
	assert.NoError(t, m.Shutdown())

	_, err := m.Registry().Register(time.Minute)
	assert.ErrorIs(t, err, registry.ErrClosed)
}
