package api

import (
	"time"

	"github.com/cuemby/mailroom/pkg/eventlog"
	"github.com/cuemby/mailroom/pkg/types"
)

type Empty struct{}

type RegisterRequest struct {
	// DurationMs is the requested lease; zero asks for the default
	DurationMs int64 `json:"duration_ms"`
}

type RegisterResponse struct {
	RegistrationID string    `json:"registration_id"`
	Expiration     time.Time `json:"expiration"`
}

type RenewRequest struct {
	RegistrationID string `json:"registration_id"`
	ExtensionMs    int64  `json:"extension_ms"`
}

type RenewResponse struct {
	GrantedMs int64 `json:"granted_ms"`
}

type RegistrationRequest struct {
	RegistrationID string `json:"registration_id"`
}

type EnableDeliveryRequest struct {
	RegistrationID string           `json:"registration_id"`
	Target         types.TargetSpec `json:"target"`
}

type NotifyRequest struct {
	RegistrationID string       `json:"registration_id"`
	Event          *types.Event `json:"event"`
}

// PulledEvent is an event returned by a pull call. Cursor acknowledges the
// event and everything before it when passed back as LastCursor.
type PulledEvent struct {
	Event  *types.Event `json:"event"`
	Cursor string       `json:"cursor"`
}

type PullSnapshotRequest struct {
	RegistrationID string `json:"registration_id"`
	Max            int    `json:"max,omitempty"`
}

type PullSnapshotResponse struct {
	Token  string        `json:"token"`
	Events []PulledEvent `json:"events"`
}

type PullBatchRequest struct {
	RegistrationID string `json:"registration_id"`
	Token          string `json:"token"`
	LastCursor     string `json:"last_cursor,omitempty"`
	Max            int    `json:"max,omitempty"`
	TimeoutMs      int64  `json:"timeout_ms,omitempty"`
}

type PullBatchResponse struct {
	Events []PulledEvent `json:"events"`
}

type ListRegistrationsResponse struct {
	Registrations []types.RegistrationInfo `json:"registrations"`
}

type ListDeadLettersResponse struct {
	DeadLetters []*types.DeadLetter `json:"dead_letters"`
}

func pulledEvents(entries []eventlog.Entry) []PulledEvent {
	out := make([]PulledEvent, 0, len(entries))
	for _, e := range entries {
		out = append(out, PulledEvent{Event: e.Event, Cursor: e.Cursor.String()})
	}
	return out
}
