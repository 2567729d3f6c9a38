package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RegistrationID identifies a registration and names its event log directory
type RegistrationID = uuid.UUID

// NewRegistrationID generates a random registration id
func NewRegistrationID() RegistrationID {
	return uuid.New()
}

// ParseRegistrationID parses the canonical string form of a registration id
func ParseRegistrationID(s string) (RegistrationID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid registration id %q: %w", s, err)
	}
	return id, nil
}

// EventID is the identity of a logical event instance
type EventID struct {
	Source string `json:"source"`
	SeqID  uint64 `json:"seq_id"`
}

func (id EventID) String() string {
	return fmt.Sprintf("%s#%d", id.Source, id.SeqID)
}

// Event is a single notification held by a mailbox on behalf of a registration
type Event struct {
	Source     string            `json:"source"`
	SeqID      uint64            `json:"seq_id"`
	Type       string            `json:"type,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Payload    []byte            `json:"payload,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// ID returns the event identity
func (e *Event) ID() EventID {
	return EventID{Source: e.Source, SeqID: e.SeqID}
}

// DeliveryMode is the delivery state of a registration
type DeliveryMode string

const (
	DeliveryDisabled DeliveryMode = "disabled"
	DeliveryPush     DeliveryMode = "push"
	DeliveryPull     DeliveryMode = "pull"
)

// TargetSpec describes where push deliveries for a registration go.
// It is resolved to a live target by a target.Resolver.
type TargetSpec struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// IsZero reports whether the spec names no target
func (s TargetSpec) IsZero() bool {
	return s.URL == ""
}

// Lease is the grant returned to a client on registration
type Lease struct {
	RegistrationID RegistrationID `json:"registration_id"`
	Expiration     time.Time      `json:"expiration"`
}

// Remaining returns the lease duration left at now
func (l Lease) Remaining(now time.Time) time.Duration {
	return l.Expiration.Sub(now)
}

// RegistrationInfo is a read-only view of a registration
type RegistrationInfo struct {
	ID          RegistrationID `json:"id"`
	Expiration  time.Time      `json:"expiration"`
	Mode        DeliveryMode   `json:"mode"`
	Target      TargetSpec     `json:"target,omitempty"`
	Blacklisted int            `json:"blacklisted"`
	Pending     int            `json:"pending_events"`
	Scheduled   bool           `json:"scheduled"`
}

// DeadLetter is an event that was removed from a registration's log after
// repeated delivery abandonment
type DeadLetter struct {
	RegistrationID RegistrationID `json:"registration_id"`
	Event          *Event         `json:"event"`
	Reason         string         `json:"reason"`
	Abandoned      int            `json:"abandoned"`
	CreatedAt      time.Time      `json:"created_at"`
}

// RegistrationRecord is the persisted state of a registration. Event
// payloads are not part of it; they live in the registration's event log.
type RegistrationRecord struct {
	ID         RegistrationID `json:"id"`
	Expiration time.Time      `json:"expiration"`
	Mode       DeliveryMode   `json:"mode"`
	Target     TargetSpec     `json:"target,omitempty"`
	Blacklist  []EventID      `json:"blacklist,omitempty"`
}

// Blacklisted reports whether id is in the record's blacklist
func (r *RegistrationRecord) Blacklisted(id EventID) bool {
	for _, b := range r.Blacklist {
		if b == id {
			return true
		}
	}
	return false
}
