package journal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/mailroom/pkg/types"
)

// Op names a state-changing directory operation
type Op string

const (
	OpRegister     Op = "register"
	OpRenew        Op = "renew"
	OpCancel       Op = "cancel"
	OpSetMode      Op = "set_mode"
	OpUnknownEvent Op = "unknown_event"
)

// Record is one journal entry. Every record carries absolute values so that
// applying it twice has the same effect as applying it once.
type Record struct {
	Op   Op              `json:"op"`
	Data json.RawMessage `json:"data"`
}

// RenewData is the payload of a renew record
type RenewData struct {
	ID         types.RegistrationID `json:"id"`
	Expiration time.Time            `json:"expiration"`
}

// CancelData is the payload of a cancel record
type CancelData struct {
	ID     types.RegistrationID `json:"id"`
	Reason string               `json:"reason,omitempty"`
}

// SetModeData is the payload of a set_mode record. Entering push or pull
// mode clears the blacklist.
type SetModeData struct {
	ID     types.RegistrationID `json:"id"`
	Mode   types.DeliveryMode   `json:"mode"`
	Target types.TargetSpec     `json:"target,omitempty"`
}

// UnknownEventData is the payload of an unknown_event record
type UnknownEventData struct {
	ID    types.RegistrationID `json:"id"`
	Event types.EventID        `json:"event"`
}

// NewRecord builds a record with v marshaled as its payload
func NewRecord(op Op, v interface{}) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal %s record: %w", op, err)
	}
	return Record{Op: op, Data: data}, nil
}

// RegisterRecord records a new registration
func RegisterRecord(rec *types.RegistrationRecord) (Record, error) {
	return NewRecord(OpRegister, rec)
}

// RenewRecord records a lease renewal
func RenewRecord(id types.RegistrationID, expiration time.Time) (Record, error) {
	return NewRecord(OpRenew, RenewData{ID: id, Expiration: expiration})
}

// CancelRecord records the removal of a registration
func CancelRecord(id types.RegistrationID, reason string) (Record, error) {
	return NewRecord(OpCancel, CancelData{ID: id, Reason: reason})
}

// SetModeRecord records a delivery mode change
func SetModeRecord(id types.RegistrationID, mode types.DeliveryMode, target types.TargetSpec) (Record, error) {
	return NewRecord(OpSetMode, SetModeData{ID: id, Mode: mode, Target: target})
}

// UnknownEventRecord records a blacklisted event identity
func UnknownEventRecord(id types.RegistrationID, ev types.EventID) (Record, error) {
	return NewRecord(OpUnknownEvent, UnknownEventData{ID: id, Event: ev})
}
