package streampool

import (
	"container/list"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cuemby/mailroom/pkg/log"
	"github.com/cuemby/mailroom/pkg/logstream"
	"github.com/rs/zerolog"
)

// DefaultCapacity is the default number of concurrently open handles
const DefaultCapacity = 10

var (
	// ErrInconsistentOffset is returned when a cached write handle is not at
	// the requested offset. The stale handle has been evicted; the caller
	// should acquire again to get a fresh one.
	ErrInconsistentOffset = errors.New("streampool: handle offset mismatch")

	// ErrPoolClosed is returned by Acquire after Close
	ErrPoolClosed = errors.New("streampool: pool closed")

	// ErrNotHeld is returned when releasing a handle that is not in use
	ErrNotHeld = errors.New("streampool: handle not held")
)

// Role is the purpose a stream is opened for
type Role int

const (
	RoleControl Role = iota
	RoleRead
	RoleWrite
)

func (r Role) String() string {
	switch r {
	case RoleControl:
		return "control"
	case RoleRead:
		return "read"
	case RoleWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Key identifies a pooled stream
type Key struct {
	Path string
	Role Role
}

type handleState int

const (
	stateInUse handleState = iota
	stateFree
	stateEvicted
)

// Handle is a pooled open stream. Exactly one of Writer, Reader or Control
// is set, according to the key's role.
type Handle struct {
	key     Key
	state   handleState
	elem    *list.Element
	writer  *logstream.Writer
	reader  *logstream.Reader
	control *logstream.ControlFile
}

// Key returns the handle key
func (h *Handle) Key() Key { return h.key }

// Writer returns the write stream of a RoleWrite handle
func (h *Handle) Writer() *logstream.Writer { return h.writer }

// Reader returns the read stream of a RoleRead handle
func (h *Handle) Reader() *logstream.Reader { return h.reader }

// Control returns the control file of a RoleControl handle
func (h *Handle) Control() *logstream.ControlFile { return h.control }

func (h *Handle) close() error {
	switch {
	case h.writer != nil:
		return h.writer.Close()
	case h.reader != nil:
		return h.reader.Close()
	case h.control != nil:
		return h.control.Close()
	}
	return nil
}

// Stats is a point-in-time view of pool occupancy
type Stats struct {
	Capacity int
	Open     int
	InUse    int
	Free     int
}

// Pool bounds the number of open log streams. Free handles are kept in
// least-recently-released order and evicted when a new stream needs a slot.
type Pool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity int
	handles  map[Key]*Handle
	free     *list.List // front is least recently released
	closed   bool
	logger   zerolog.Logger
	openFn   func(key Key, offset int64) (*Handle, error)
}

// New creates a pool holding at most capacity open handles
func New(capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	p := &Pool{
		capacity: capacity,
		handles:  make(map[Key]*Handle),
		free:     list.New(),
		logger:   log.WithComponent("streampool"),
		openFn:   open,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Acquire returns an exclusive handle for (path, role) positioned at offset.
// It blocks while the same key is held by another caller, or while the pool
// is full and every handle is in use.
func (p *Pool) Acquire(path string, role Role, offset int64) (*Handle, error) {
	key := Key{Path: path, Role: role}

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			return nil, ErrPoolClosed
		}

		if h, ok := p.handles[key]; ok {
			if h.state == stateInUse {
				p.cond.Wait()
				continue
			}
			p.take(h)
			if err := p.position(h, offset); err != nil {
				p.evictLocked(h)
				return nil, err
			}
			return h, nil
		}

		if len(p.handles) >= p.capacity {
			victim := p.free.Front()
			if victim == nil {
				p.cond.Wait()
				continue
			}
			p.evictLocked(victim.Value.(*Handle))
		}

		h, err := p.openFn(key, offset)
		if err != nil {
			return nil, err
		}
		h.state = stateInUse
		p.handles[key] = h
		return h, nil
	}
}

// Release returns a handle to the pool for reuse
func (p *Pool) Release(h *Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h.state != stateInUse {
		return ErrNotHeld
	}
	if p.closed {
		return p.evictLocked(h)
	}
	h.state = stateFree
	h.elem = p.free.PushBack(h)
	p.cond.Broadcast()
	return nil
}

// Evict closes a handle and forgets it. Used after I/O errors so that a
// corrupted stream is never handed out again.
func (p *Pool) Evict(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evictLocked(h)
}

// Forget closes every free handle whose path lies under dir. Handles still
// in use are left alone; callers forget a directory only after releasing.
func (p *Pool) Forget(dir string) {
	prefix := filepath.Clean(dir) + string(filepath.Separator)

	p.mu.Lock()
	defer p.mu.Unlock()

	for key, h := range p.handles {
		if h.state == stateFree && strings.HasPrefix(key.Path, prefix) {
			p.evictLocked(h)
		}
	}
}

// ForgetPath closes the free handles of every role for one file
func (p *Pool) ForgetPath(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, role := range []Role{RoleControl, RoleRead, RoleWrite} {
		if h, ok := p.handles[Key{Path: path, Role: role}]; ok && h.state == stateFree {
			p.evictLocked(h)
		}
	}
}

// Stats returns the current pool occupancy
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Capacity: p.capacity,
		Open:     len(p.handles),
		InUse:    len(p.handles) - p.free.Len(),
		Free:     p.free.Len(),
	}
}

// Close closes all free handles and fails future acquires. Handles still in
// use are closed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for e := p.free.Front(); e != nil; e = p.free.Front() {
		h := e.Value.(*Handle)
		if err := p.evictLocked(h); err != nil {
			errs = append(errs, err)
		}
	}
	p.cond.Broadcast()
	return errors.Join(errs...)
}

func (p *Pool) take(h *Handle) {
	if h.elem != nil {
		p.free.Remove(h.elem)
		h.elem = nil
	}
	h.state = stateInUse
}

// position moves a reused handle to offset. Write handles are never moved.
func (p *Pool) position(h *Handle, offset int64) error {
	switch h.key.Role {
	case RoleWrite:
		if cur := h.writer.Offset(); cur != offset {
			p.logger.Warn().
				Str("path", h.key.Path).
				Int64("handle_offset", cur).
				Int64("requested_offset", offset).
				Msg("Write handle out of position")
			return ErrInconsistentOffset
		}
	case RoleRead:
		if h.reader.Offset() != offset {
			return h.reader.Reset(offset)
		}
	}
	return nil
}

func (p *Pool) evictLocked(h *Handle) error {
	if h.state == stateEvicted {
		return nil
	}
	if h.elem != nil {
		p.free.Remove(h.elem)
		h.elem = nil
	}
	if cur, ok := p.handles[h.key]; ok && cur == h {
		delete(p.handles, h.key)
	}
	h.state = stateEvicted
	p.cond.Broadcast()

	if err := h.close(); err != nil {
		p.logger.Debug().Err(err).Str("path", h.key.Path).Msg("Failed to close evicted handle")
		return err
	}
	return nil
}

func open(key Key, offset int64) (*Handle, error) {
	h := &Handle{key: key}
	var err error
	switch key.Role {
	case RoleWrite:
		h.writer, err = logstream.OpenWriter(key.Path, offset)
	case RoleRead:
		h.reader, err = logstream.OpenReader(key.Path, offset)
	case RoleControl:
		h.control, err = logstream.OpenControlFile(key.Path)
	default:
		err = fmt.Errorf("streampool: unknown role %d", key.Role)
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}
