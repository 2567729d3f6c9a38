package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/mailroom/pkg/log"
	"github.com/cuemby/mailroom/pkg/metrics"
	"github.com/cuemby/mailroom/pkg/storage"
	"github.com/cuemby/mailroom/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

const (
	// DefaultQueueSize is the number of records buffered ahead of the writer
	DefaultQueueSize = 1024

	// DefaultApplyTimeout bounds a single raft apply
	DefaultApplyTimeout = 5 * time.Second

	// DefaultSnapshotRetain is the number of snapshots kept on disk
	DefaultSnapshotRetain = 2

	localID = "mailroom"
)

// ErrClosed is returned by operations on a closed journal
var ErrClosed = errors.New("journal: closed")

// Config holds journal configuration
type Config struct {
	// Dir holds the raft log, stable store and snapshots
	Dir            string
	QueueSize      int
	ApplyTimeout   time.Duration
	SnapshotRetain int
}

type item struct {
	rec  Record
	done chan error
}

// Journal durably records directory operations. It runs a single-voter
// Raft node: records are applied to the FSM, which materializes them into
// the store, and snapshots compact the log. Appends are asynchronous and
// applied in submission order.
type Journal struct {
	raft        *raft.Raft
	fsm         *FSM
	store       storage.Store
	logStore    *raftboltdb.BoltStore
	stableStore *raftboltdb.BoltStore
	cfg         Config

	queue  chan item
	stopCh chan struct{}
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	logger zerolog.Logger
}

// Open opens or creates the journal under cfg.Dir. On return the FSM has
// replayed the latest snapshot and every committed record.
func Open(cfg Config, store storage.Store) (*Journal, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = DefaultApplyTimeout
	}
	if cfg.SnapshotRetain <= 0 {
		cfg.SnapshotRetain = DefaultSnapshotRetain
	}
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %v", err)
	}

	logger := log.WithComponent("journal")
	raftOutput := log.Writer("raft")

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(localID)
	config.LogOutput = raftOutput
	config.LogLevel = "WARN"

	// A single voter only needs to win its own election
	config.HeartbeatTimeout = 100 * time.Millisecond
	config.ElectionTimeout = 100 * time.Millisecond
	config.LeaderLeaseTimeout = 50 * time.Millisecond
	config.CommitTimeout = 10 * time.Millisecond

	// Snapshots are taken by the checkpointer
	config.SnapshotThreshold = 1 << 62
	config.SnapshotInterval = 24 * time.Hour

	addr, transport := raft.NewInmemTransport(raft.ServerAddress(localID))

	// Create snapshot store
	snapshotStore, err := raft.NewFileSnapshotStore(cfg.Dir, cfg.SnapshotRetain, raftOutput)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %v", err)
	}

	// Create log store and stable store using BoltDB
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.Dir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create log store: %v", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.Dir, "raft-stable.db"))
	if err != nil {
		logStore.Close()
		return nil, fmt.Errorf("failed to create stable store: %v", err)
	}

	existing, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
	if err != nil {
		logStore.Close()
		stableStore.Close()
		return nil, fmt.Errorf("failed to inspect journal state: %v", err)
	}

	fsm := NewFSM(store)
	r, err := raft.NewRaft(config, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		logStore.Close()
		stableStore.Close()
		return nil, fmt.Errorf("failed to create raft: %v", err)
	}

	j := &Journal{
		raft:        r,
		fsm:         fsm,
		store:       store,
		logStore:    logStore,
		stableStore: stableStore,
		cfg:         cfg,
		queue:       make(chan item, cfg.QueueSize),
		stopCh:      make(chan struct{}),
		logger:      logger,
	}

	if !existing {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      config.LocalID,
					Address: addr,
				},
			},
		}
		if err := r.BootstrapCluster(configuration).Error(); err != nil {
			j.shutdownRaft()
			return nil, fmt.Errorf("failed to bootstrap journal: %v", err)
		}
	}

	if err := j.waitReady(10 * time.Second); err != nil {
		j.shutdownRaft()
		return nil, err
	}

	j.wg.Add(1)
	go j.run()

	logger.Info().
		Bool("recovered", existing).
		Uint64("applied_index", r.AppliedIndex()).
		Msg("Journal opened")
	return j, nil
}

// waitReady waits for leadership and for every committed record to be
// applied to the FSM
func (j *Journal) waitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for j.raft.State() != raft.Leader {
		if time.Now().After(deadline) {
			return fmt.Errorf("journal did not become ready within %s", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := j.raft.Barrier(time.Until(deadline)).Error(); err != nil {
		return fmt.Errorf("failed to replay journal: %v", err)
	}
	metrics.RaftAppliedIndex.Set(float64(j.raft.AppliedIndex()))
	return nil
}

// Append queues a record for durable application. It returns once the
// record is queued; failures are logged by the writer.
func (j *Journal) Append(rec Record) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		j.logger.Warn().Str("op", string(rec.Op)).Msg("Dropping record appended after close")
		return
	}
	j.queue <- item{rec: rec}
}

// Sync waits until every record appended before the call has been applied
func (j *Journal) Sync(ctx context.Context) error {
	done := make(chan error, 1)

	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return ErrClosed
	}
	j.queue <- item{done: done}
	j.mu.RUnlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot applies every queued record and compacts the raft log into a
// snapshot of the registration directory
func (j *Journal) Snapshot() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.ApplyTimeout)
	defer cancel()
	if err := j.Sync(ctx); err != nil {
		return fmt.Errorf("failed to flush journal: %w", err)
	}

	err := j.raft.Snapshot().Error()
	if errors.Is(err, raft.ErrNothingNewToSnapshot) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to snapshot journal: %w", err)
	}

	metrics.JournalSnapshots.Inc()
	j.logger.Debug().Uint64("applied_index", j.raft.AppliedIndex()).Msg("Journal snapshot taken")
	return nil
}

// Registrations returns the recovered registration records
func (j *Journal) Registrations() ([]*types.RegistrationRecord, error) {
	return j.store.ListRegistrations()
}

// Stats returns raft statistics
func (j *Journal) Stats() map[string]interface{} {
	return map[string]interface{}{
		"state":          j.raft.State().String(),
		"last_log_index": j.raft.LastIndex(),
		"applied_index":  j.raft.AppliedIndex(),
		"queued":         len(j.queue),
	}
}

// Close applies the records still queued and shuts the journal down
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.stopCh)
	j.mu.Unlock()

	j.wg.Wait()
	return j.shutdownRaft()
}

func (j *Journal) run() {
	defer j.wg.Done()

	for {
		select {
		case it := <-j.queue:
			j.handle(it)
		case <-j.stopCh:
			// Drain what was queued before close
			for {
				select {
				case it := <-j.queue:
					j.handle(it)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) handle(it item) {
	if it.done != nil {
		it.done <- nil
		return
	}
	if err := j.apply(it.rec); err != nil {
		j.logger.Error().Err(err).Str("op", string(it.rec.Op)).Msg("Failed to apply journal record")
		return
	}
	metrics.JournalRecords.WithLabelValues(string(it.rec.Op)).Inc()
	metrics.RaftAppliedIndex.Set(float64(j.raft.AppliedIndex()))
}

func (j *Journal) apply(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %v", err)
	}

	future := j.raft.Apply(data, j.cfg.ApplyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply record: %v", err)
	}

	// Check if apply returned an error
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) shutdownRaft() error {
	var errs []error
	if err := j.raft.Shutdown().Error(); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown raft: %v", err))
	}
	if err := j.logStore.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close log store: %v", err))
	}
	if err := j.stableStore.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close stable store: %v", err))
	}
	return errors.Join(errs...)
}
