package eventlog

import (
	"fmt"
	"sync"

	"github.com/cuemby/mailroom/pkg/metrics"
	"github.com/cuemby/mailroom/pkg/types"
)

type memEntry struct {
	seq  uint64
	data []byte
}

// MemoryLog is a volatile EventLog. Entries carry a monotonically
// increasing sequence number that serves as the pull cursor.
type MemoryLog struct {
	mu      sync.Mutex
	entries []memEntry
	nextSeq uint64
	current *types.Event
	closed  bool
	dropped uint64
}

// NewMemoryLog creates an empty in-memory log
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Init() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = false
	return nil
}

func (l *MemoryLog) Add(ev *types.Event) error {
	data, err := encodeEvent(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", ev.ID(), err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	l.entries = append(l.entries, memEntry{seq: l.nextSeq, data: data})
	l.nextSeq++
	return nil
}

func (l *MemoryLog) Next() (*types.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	if l.current != nil {
		return l.current, nil
	}
	for len(l.entries) > 0 {
		ev, err := decodeEvent(l.entries[0].data)
		if err != nil {
			l.entries = l.entries[1:]
			l.dropped++
			metrics.EventsDropped.WithLabelValues("decode").Inc()
			continue
		}
		l.current = ev
		return ev, nil
	}
	return nil, nil
}

func (l *MemoryLog) Remove() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if l.current == nil || len(l.entries) == 0 {
		return ErrNoCurrent
	}
	l.entries = l.entries[1:]
	l.current = nil
	return nil
}

func (l *MemoryLog) IsEmpty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries) == 0
}

func (l *MemoryLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *MemoryLog) ReadAhead(max int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	var out []Entry
	for _, e := range l.entries {
		if len(out) >= max {
			break
		}
		ev, err := decodeEvent(e.data)
		if err != nil {
			continue
		}
		out = append(out, Entry{Event: ev, Cursor: Cursor{Count: e.seq + 1}})
	}
	return out, nil
}

func (l *MemoryLog) MoveAhead(c Cursor) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if c.Count > l.nextSeq {
		return fmt.Errorf("%w: %s beyond end of log", ErrInvalidCursor, c)
	}
	i := 0
	for i < len(l.entries) && l.entries[i].seq < c.Count {
		i++
	}
	if i > 0 {
		l.entries = l.entries[i:]
		l.current = nil
	}
	return nil
}

func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *MemoryLog) Delete() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.entries = nil
	l.current = nil
	return nil
}

// Dropped returns the number of undecodable entries skipped so far
func (l *MemoryLog) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
