package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/mailroom/pkg/types"
)

var (
	// ErrLogIO wraps I/O failures on a durable log. The log has already
	// skipped past the failing position when this is returned.
	ErrLogIO = errors.New("eventlog: i/o failure")

	// ErrInvariant reports an internal inconsistency, such as a control
	// block whose read position is past its write position.
	ErrInvariant = errors.New("eventlog: invariant violation")

	// ErrNoCurrent is returned by Remove when Next has not returned an event
	ErrNoCurrent = errors.New("eventlog: no current event")

	// ErrClosed is returned by operations on a closed or deleted log
	ErrClosed = errors.New("eventlog: closed")

	// ErrInvalidCursor is returned for malformed cursor tokens or cursors
	// beyond the end of the log
	ErrInvalidCursor = errors.New("eventlog: invalid cursor")
)

// EventLog is the ordered, per-registration sequence of undelivered events.
//
// Two cursor protocols share the same sequence: Next/Remove consume events
// destructively one at a time (push delivery), ReadAhead/MoveAhead read
// batches without consuming and later commit up to a cursor (pull
// delivery). A log may switch between them at any point.
type EventLog interface {
	// Init prepares the log for use, recovering persisted state if any
	Init() error

	// Add appends an event
	Add(ev *types.Event) error

	// Next returns the oldest undelivered event, or nil if the log is
	// empty. It returns the same event until Remove is called.
	Next() (*types.Event, error)

	// Remove commits the event last returned by Next
	Remove() error

	// IsEmpty reports whether every appended event has been consumed
	IsEmpty() bool

	// Len returns the number of undelivered events
	Len() int

	// ReadAhead returns up to max undelivered events with a resumption
	// cursor for each, without consuming them
	ReadAhead(max int) ([]Entry, error)

	// MoveAhead consumes every event up to and including the one the
	// cursor was issued for. Cursors at or behind the read position are
	// ignored; cursors that do not land on an entry boundary are rejected
	// with ErrInvalidCursor.
	MoveAhead(c Cursor) error

	// Close releases resources held by the log
	Close() error

	// Delete closes the log and removes its persisted state
	Delete() error
}

// Entry is one event returned by ReadAhead
type Entry struct {
	Event  *types.Event
	Cursor Cursor
}

// Cursor is an opaque resumption point: the number of events consumed once
// the entry it belongs to is committed, and the byte offset of the next
// entry within its chunk (durable logs only).
type Cursor struct {
	Count  uint64
	Offset uint64
}

// IsZero reports whether c is the zero cursor
func (c Cursor) IsZero() bool {
	return c.Count == 0 && c.Offset == 0
}

// String renders the cursor as a client token
func (c Cursor) String() string {
	return strconv.FormatUint(c.Count, 10) + "." + strconv.FormatUint(c.Offset, 10)
}

// ParseCursor parses a token produced by Cursor.String. The empty string
// parses as the zero cursor.
func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	countStr, offsetStr, ok := strings.Cut(s, ".")
	if !ok {
		return Cursor{}, fmt.Errorf("%w: %q", ErrInvalidCursor, s)
	}
	count, err := strconv.ParseUint(countStr, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %q", ErrInvalidCursor, s)
	}
	offset, err := strconv.ParseUint(offsetStr, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %q", ErrInvalidCursor, s)
	}
	return Cursor{Count: count, Offset: offset}, nil
}

// DecodeError reports an entry whose payload could not be decoded. Such
// entries are skipped rather than blocking the log.
type DecodeError struct {
	Count uint64
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("eventlog: undecodable entry %d: %v", e.Count, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func encodeEvent(ev *types.Event) ([]byte, error) {
	return json.Marshal(ev)
}

func decodeEvent(data []byte) (*types.Event, error) {
	var ev types.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
