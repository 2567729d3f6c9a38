package storage

import (
	"errors"

	"github.com/cuemby/mailroom/pkg/types"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("storage: not found")

// Store defines the interface for mailbox state storage
// This is implemented by BoltDB-backed storage
type Store interface {
	// Registrations
	PutRegistration(rec *types.RegistrationRecord) error
	GetRegistration(id types.RegistrationID) (*types.RegistrationRecord, error)
	ListRegistrations() ([]*types.RegistrationRecord, error)
	DeleteRegistration(id types.RegistrationID) error
	ReplaceRegistrations(recs []*types.RegistrationRecord) error

	// Dead letters
	AddDeadLetter(dl *types.DeadLetter) error
	ListDeadLetters(id types.RegistrationID) ([]*types.DeadLetter, error)
	CountDeadLetters() (int, error)

	// Utility
	Close() error
}
