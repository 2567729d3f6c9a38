package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/mailroom/pkg/storage"
	"github.com/cuemby/mailroom/pkg/types"
	"github.com/hashicorp/raft"
)

// FSM implements the Raft Finite State Machine for the registration directory.
// It materializes journal records into the store and handles snapshots.
type FSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewFSM creates a new FSM instance
func NewFSM(store storage.Store) *FSM {
	return &FSM{
		store: store,
	}
}

// Apply applies a Raft log entry to the FSM
// This is called by Raft when a log entry is committed
func (f *FSM) Apply(log *raft.Log) interface{} {
	var rec Record
	if err := json.Unmarshal(log.Data, &rec); err != nil {
		return fmt.Errorf("failed to unmarshal record: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.apply(rec)
}

func (f *FSM) apply(rec Record) error {
	switch rec.Op {
	case OpRegister:
		var reg types.RegistrationRecord
		if err := json.Unmarshal(rec.Data, &reg); err != nil {
			return err
		}
		return f.store.PutRegistration(&reg)

	case OpRenew:
		var data RenewData
		if err := json.Unmarshal(rec.Data, &data); err != nil {
			return err
		}
		return f.update(data.ID, func(reg *types.RegistrationRecord) {
			reg.Expiration = data.Expiration
		})

	case OpCancel:
		var data CancelData
		if err := json.Unmarshal(rec.Data, &data); err != nil {
			return err
		}
		return f.store.DeleteRegistration(data.ID)

	case OpSetMode:
		var data SetModeData
		if err := json.Unmarshal(rec.Data, &data); err != nil {
			return err
		}
		return f.update(data.ID, func(reg *types.RegistrationRecord) {
			reg.Mode = data.Mode
			reg.Target = data.Target
			if data.Mode != types.DeliveryDisabled {
				reg.Blacklist = nil
			}
		})

	case OpUnknownEvent:
		var data UnknownEventData
		if err := json.Unmarshal(rec.Data, &data); err != nil {
			return err
		}
		return f.update(data.ID, func(reg *types.RegistrationRecord) {
			if !reg.Blacklisted(data.Event) {
				reg.Blacklist = append(reg.Blacklist, data.Event)
			}
		})

	default:
		return fmt.Errorf("unknown record op: %s", rec.Op)
	}
}

// update applies fn to a stored registration. Records for registrations
// that no longer exist are ignored: a later cancel has already won.
func (f *FSM) update(id types.RegistrationID, fn func(*types.RegistrationRecord)) error {
	reg, err := f.store.GetRegistration(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	fn(reg)
	return f.store.PutRegistration(reg)
}

// Snapshot creates a point-in-time snapshot of the FSM
// This is called by Raft to compact the log
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	regs, err := f.store.ListRegistrations()
	if err != nil {
		return nil, fmt.Errorf("failed to list registrations: %v", err)
	}

	return &Snapshot{Registrations: regs}, nil
}

// Restore restores the FSM from a snapshot
// This is called when the journal is reopened
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot Snapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.store.ReplaceRegistrations(snapshot.Registrations); err != nil {
		return fmt.Errorf("failed to restore registrations: %v", err)
	}
	return nil
}

// Snapshot represents a point-in-time snapshot of the registration directory
type Snapshot struct {
	Registrations []*types.RegistrationRecord `json:"registrations"`
}

// Persist writes the snapshot to the given SnapshotSink
func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		if _, err := sink.Write(data); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
		return err
	}
	return nil
}

// Release is called when the snapshot is no longer needed
func (s *Snapshot) Release() {}
