package eventlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/mailroom/pkg/log"
	"github.com/cuemby/mailroom/pkg/streampool"
	"github.com/cuemby/mailroom/pkg/types"
	"github.com/rs/zerolog"
)

// Factory creates and caches the event log of each registration. With an
// empty directory it hands out memory logs.
type Factory struct {
	mu            sync.Mutex
	dir           string
	chunkCapacity int
	pool          *streampool.Pool
	logs          map[types.RegistrationID]EventLog
	logger        zerolog.Logger
}

// NewFactory creates a factory storing durable logs under dir. A nil pool
// gets a pool of streampool.DefaultCapacity handles.
func NewFactory(dir string, pool *streampool.Pool, chunkCapacity int) *Factory {
	if dir != "" && pool == nil {
		pool = streampool.New(streampool.DefaultCapacity)
	}
	return &Factory{
		dir:           dir,
		chunkCapacity: chunkCapacity,
		pool:          pool,
		logs:          make(map[types.RegistrationID]EventLog),
		logger:        log.WithComponent("eventlog"),
	}
}

// Durable reports whether the factory creates durable logs
func (f *Factory) Durable() bool {
	return f.dir != ""
}

// Pool returns the stream pool backing durable logs
func (f *Factory) Pool() *streampool.Pool {
	return f.pool
}

// Get returns the log of a registration, creating and initializing it on
// first use. Persisted state under the registration's directory is
// recovered.
func (f *Factory) Get(id types.RegistrationID) (EventLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if l, ok := f.logs[id]; ok {
		return l, nil
	}

	var l EventLog
	if f.Durable() {
		l = NewDurableLog(filepath.Join(f.dir, id.String()), f.pool, f.chunkCapacity)
	} else {
		l = NewMemoryLog()
	}
	if err := l.Init(); err != nil {
		return nil, fmt.Errorf("failed to open event log for %s: %w", id, err)
	}
	f.logs[id] = l
	return l, nil
}

// Destroy deletes the log of a registration and forgets it
func (f *Factory) Destroy(id types.RegistrationID) error {
	f.mu.Lock()
	l, ok := f.logs[id]
	delete(f.logs, id)
	f.mu.Unlock()

	if ok {
		return l.Delete()
	}
	if f.Durable() {
		dir := filepath.Join(f.dir, id.String())
		f.pool.Forget(dir)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove log directory %s: %w", dir, err)
		}
	}
	return nil
}

// Prune removes the log directories of registrations not in keep
func (f *Factory) Prune(keep map[types.RegistrationID]bool) error {
	f.mu.Lock()
	for id, l := range f.logs {
		if !keep[id] {
			l.Delete()
			delete(f.logs, id)
		}
	}
	f.mu.Unlock()

	if !f.Durable() {
		return nil
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to list log directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := types.ParseRegistrationID(e.Name())
		if err == nil && keep[id] {
			continue
		}
		path := filepath.Join(f.dir, e.Name())
		f.pool.Forget(path)
		if err := os.RemoveAll(path); err != nil {
			f.logger.Warn().Err(err).Str("dir", path).Msg("Failed to remove orphaned log")
			continue
		}
		f.logger.Info().Str("dir", path).Msg("Removed orphaned log")
	}
	return nil
}

// Close closes every cached log and the stream pool
func (f *Factory) Close() error {
	f.mu.Lock()
	for id, l := range f.logs {
		l.Close()
		delete(f.logs, id)
	}
	f.mu.Unlock()

	if f.pool == nil {
		return nil
	}
	return f.pool.Close()
}
