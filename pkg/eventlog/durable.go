package eventlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cuemby/mailroom/pkg/log"
	"github.com/cuemby/mailroom/pkg/logstream"
	"github.com/cuemby/mailroom/pkg/metrics"
	"github.com/cuemby/mailroom/pkg/streampool"
	"github.com/cuemby/mailroom/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// DefaultChunkCapacity is the number of entries stored per chunk file
	DefaultChunkCapacity = 10

	controlFileName = "log.ctl"
	chunkSuffix     = ".log"
)

// DurableLog is an EventLog persisted under a directory as a sequence of
// chunk files plus a control file holding the read and write positions.
//
// Entry i lives in chunk i/capacity. The control block is rewritten after
// every append and every commit, so a restart resumes at the last
// persisted positions; bytes past the persisted write offset are discarded.
type DurableLog struct {
	mu       sync.Mutex
	dir      string
	capacity uint64
	pool     *streampool.Pool
	logger   zerolog.Logger

	cb         logstream.ControlBlock
	current    *types.Event
	currentEnd Cursor
	ready      bool
	closed     bool
}

// NewDurableLog creates a log rooted at dir. Init must be called before use.
func NewDurableLog(dir string, pool *streampool.Pool, chunkCapacity int) *DurableLog {
	if chunkCapacity <= 0 {
		chunkCapacity = DefaultChunkCapacity
	}
	return &DurableLog{
		dir:      dir,
		capacity: uint64(chunkCapacity),
		pool:     pool,
		logger:   log.WithComponent("eventlog").With().Str("dir", dir).Logger(),
	}
}

// Dir returns the directory holding the log
func (l *DurableLog) Dir() string {
	return l.dir
}

func (l *DurableLog) Init() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0700); err != nil {
		return fmt.Errorf("%w: failed to create log directory: %v", ErrLogIO, err)
	}

	h, err := l.pool.Acquire(l.controlPath(), streampool.RoleControl, 0)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLogIO, err)
	}
	cb, err := h.Control().Read()
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		cb = logstream.ControlBlock{}
		if err := h.Control().Write(cb); err != nil {
			l.pool.Evict(h)
			return fmt.Errorf("%w: %v", ErrLogIO, err)
		}
	case errors.Is(err, logstream.ErrShortControlBlock):
		l.pool.Evict(h)
		return fmt.Errorf("%w: %v", ErrInvariant, err)
	default:
		l.pool.Evict(h)
		return fmt.Errorf("%w: %v", ErrLogIO, err)
	}
	l.pool.Release(h)

	if cb.ReadCount > cb.WriteCount {
		return fmt.Errorf("%w: read count %d beyond write count %d", ErrInvariant, cb.ReadCount, cb.WriteCount)
	}
	if cb.ReadCount/l.capacity == cb.WriteCount/l.capacity && cb.ReadOffset > cb.WriteOffset {
		return fmt.Errorf("%w: read offset %d beyond write offset %d", ErrInvariant, cb.ReadOffset, cb.WriteOffset)
	}

	l.cb = cb
	l.current = nil
	l.ready = true
	l.closed = false
	l.pruneChunks()

	l.logger.Debug().
		Uint64("write_count", cb.WriteCount).
		Uint64("read_count", cb.ReadCount).
		Msg("Event log opened")
	return nil
}

func (l *DurableLog) Add(ev *types.Event) error {
	data, err := encodeEvent(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", ev.ID(), err)
	}
	if len(data) > logstream.MaxFrameSize {
		return fmt.Errorf("event %s: %w", ev.ID(), logstream.ErrFrameTooLarge)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkOpen(); err != nil {
		return err
	}

	path := l.chunkPath(l.cb.WriteCount / l.capacity)
	offset := int64(l.cb.WriteOffset)

	h, err := l.pool.Acquire(path, streampool.RoleWrite, offset)
	if errors.Is(err, streampool.ErrInconsistentOffset) {
		h, err = l.pool.Acquire(path, streampool.RoleWrite, offset)
	}
	if err != nil {
		return l.writeFailed(err)
	}

	n, err := logstream.WriteFrame(h.Writer(), data)
	if err == nil {
		err = h.Writer().Sync()
	}
	if err != nil {
		l.pool.Evict(h)
		return l.writeFailed(err)
	}

	l.cb.WriteCount++
	l.cb.WriteOffset += uint64(n)
	if l.cb.WriteCount%l.capacity == 0 {
		l.cb.WriteOffset = 0
		l.pool.Evict(h)
	} else {
		l.pool.Release(h)
	}

	if err := l.persist(); err != nil {
		return err
	}
	metrics.EventsAppended.Inc()
	return nil
}

// writeFailed abandons the rest of the current chunk so that the next
// append starts on a fresh file.
func (l *DurableLog) writeFailed(cause error) error {
	skipped := (l.cb.WriteCount/l.capacity+1)*l.capacity - l.cb.WriteCount
	l.cb.WriteCount += skipped
	l.cb.WriteOffset = 0

	l.logger.Error().
		Err(cause).
		Uint64("write_count", l.cb.WriteCount).
		Msg("Append failed, moving to next chunk")

	if err := l.persist(); err != nil {
		return err
	}
	return fmt.Errorf("%w: %v", ErrLogIO, cause)
}

func (l *DurableLog) Next() (*types.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkOpen(); err != nil {
		return nil, err
	}
	if l.current != nil {
		return l.current, nil
	}

	for l.cb.ReadCount < l.cb.WriteCount {
		ev, end, err := l.readAt(l.cb.ReadCount, l.cb.ReadOffset)
		if err != nil {
			if err := l.skip(err, end); err != nil {
				return nil, err
			}
			continue
		}
		l.current = ev
		l.currentEnd = end
		return ev, nil
	}
	return nil, nil
}

func (l *DurableLog) Remove() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkOpen(); err != nil {
		return err
	}
	if l.current == nil {
		return ErrNoCurrent
	}
	end := l.currentEnd
	l.current = nil
	return l.advance(end)
}

func (l *DurableLog) IsEmpty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cb.ReadCount == l.cb.WriteCount
}

// Len returns the number of entries between the read and write positions.
// Entries abandoned by a failed append are counted until read past.
func (l *DurableLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.cb.WriteCount - l.cb.ReadCount)
}

func (l *DurableLog) ReadAhead(max int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkOpen(); err != nil {
		return nil, err
	}

	var out []Entry
	pos := Cursor{Count: l.cb.ReadCount, Offset: l.cb.ReadOffset}
	for len(out) < max && pos.Count < l.cb.WriteCount {
		ev, end, err := l.readAt(pos.Count, pos.Offset)
		if err != nil {
			if len(out) > 0 {
				// Undecodable entries are consumed along with the next
				// good cursor. Unreadable chunks wait until they reach
				// the head of the log.
				if !isDecodeError(err) {
					break
				}
				pos = end
				continue
			}
			if err := l.skip(err, end); err != nil {
				return nil, err
			}
			pos = Cursor{Count: l.cb.ReadCount, Offset: l.cb.ReadOffset}
			continue
		}
		out = append(out, Entry{Event: ev, Cursor: end})
		pos = end
	}
	return out, nil
}

func (l *DurableLog) MoveAhead(c Cursor) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkOpen(); err != nil {
		return err
	}
	if c.Count <= l.cb.ReadCount {
		return nil
	}
	if c.Count > l.cb.WriteCount {
		return fmt.Errorf("%w: %s beyond end of log", ErrInvalidCursor, c)
	}
	if c.Count/l.capacity == l.cb.WriteCount/l.capacity && c.Offset > l.cb.WriteOffset {
		return fmt.Errorf("%w: %s beyond write offset", ErrInvalidCursor, c)
	}
	if err := l.checkBoundary(c); err != nil {
		return err
	}
	l.current = nil
	return l.advance(c)
}

// checkBoundary verifies that c lands on an entry boundary by walking the
// frames of its chunk from the read position (or the chunk start) up to
// c.Count. Chunk boundaries always carry a zero offset.
func (l *DurableLog) checkBoundary(c Cursor) error {
	if c.Count%l.capacity == 0 {
		if c.Offset != 0 {
			return fmt.Errorf("%w: %s is not an entry boundary", ErrInvalidCursor, c)
		}
		return nil
	}

	pos := Cursor{Count: c.Count / l.capacity * l.capacity}
	if l.cb.ReadCount > pos.Count {
		pos = Cursor{Count: l.cb.ReadCount, Offset: l.cb.ReadOffset}
	}
	for pos.Count < c.Count {
		_, end, err := l.readFrame(pos.Count, pos.Offset)
		if err != nil {
			return fmt.Errorf("%w: failed to verify cursor %s: %v", ErrLogIO, c, err)
		}
		pos = end
	}
	if pos.Offset != c.Offset {
		return fmt.Errorf("%w: %s is not an entry boundary", ErrInvalidCursor, c)
	}
	return nil
}

func (l *DurableLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	l.current = nil
	l.pool.Forget(l.dir)
	return nil
}

func (l *DurableLog) Delete() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	l.current = nil
	l.pool.Forget(l.dir)
	if err := os.RemoveAll(l.dir); err != nil {
		return fmt.Errorf("failed to remove log directory %s: %w", l.dir, err)
	}
	return nil
}

// Positions returns the persisted control block
func (l *DurableLog) Positions() logstream.ControlBlock {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cb
}

func (l *DurableLog) checkOpen() error {
	if l.closed {
		return ErrClosed
	}
	if !l.ready {
		return fmt.Errorf("%w: log not initialized", ErrInvariant)
	}
	return nil
}

// readAt reads the entry at position (count, offset). On a decode failure
// the returned cursor points past the entry so it can be skipped.
func (l *DurableLog) readAt(count, offset uint64) (*types.Event, Cursor, error) {
	data, end, err := l.readFrame(count, offset)
	if err != nil {
		return nil, Cursor{}, err
	}
	ev, err := decodeEvent(data)
	if err != nil {
		return nil, end, &DecodeError{Count: count, Err: err}
	}
	return ev, end, nil
}

// readFrame reads the raw frame at position (count, offset) and returns the
// cursor just past it.
func (l *DurableLog) readFrame(count, offset uint64) ([]byte, Cursor, error) {
	path := l.chunkPath(count / l.capacity)
	h, err := l.pool.Acquire(path, streampool.RoleRead, int64(offset))
	if err != nil {
		return nil, Cursor{}, err
	}
	data, err := logstream.ReadFrame(h.Reader())
	if err != nil {
		l.pool.Evict(h)
		return nil, Cursor{}, err
	}
	l.pool.Release(h)

	end := l.normalize(Cursor{Count: count + 1, Offset: offset + uint64(logstream.FrameSize(len(data)))})
	return data, end, nil
}

// skip commits past the entry at the read position after a failed read.
// Undecodable entries are skipped one at a time; unreadable chunks are
// abandoned up to the next chunk boundary.
func (l *DurableLog) skip(cause error, end Cursor) error {
	if isDecodeError(cause) {
		l.logger.Warn().Err(cause).Msg("Skipping undecodable entry")
		metrics.EventsDropped.WithLabelValues("decode").Inc()
		return l.advance(end)
	}

	next := Cursor{Count: (l.cb.ReadCount/l.capacity + 1) * l.capacity}
	if next.Count > l.cb.WriteCount {
		next = Cursor{Count: l.cb.WriteCount, Offset: l.cb.WriteOffset}
	}
	dropped := next.Count - l.cb.ReadCount

	l.logger.Error().
		Err(cause).
		Uint64("read_count", l.cb.ReadCount).
		Uint64("dropped", dropped).
		Msg("Chunk unreadable, skipping")
	metrics.EventsDropped.WithLabelValues("io").Add(float64(dropped))

	return l.advance(next)
}

// advance moves the read position to c, persists it, and deletes every
// chunk that is now fully consumed.
func (l *DurableLog) advance(c Cursor) error {
	c = l.normalize(c)
	firstChunk := l.cb.ReadCount / l.capacity

	l.cb.ReadCount = c.Count
	l.cb.ReadOffset = c.Offset
	if err := l.persist(); err != nil {
		return err
	}

	for chunk := firstChunk; chunk < l.cb.ReadCount/l.capacity; chunk++ {
		l.removeChunk(chunk)
	}
	return nil
}

func (l *DurableLog) normalize(c Cursor) Cursor {
	if c.Count%l.capacity == 0 {
		c.Offset = 0
	}
	return c
}

func (l *DurableLog) persist() error {
	h, err := l.pool.Acquire(l.controlPath(), streampool.RoleControl, 0)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLogIO, err)
	}
	if err := h.Control().Write(l.cb); err != nil {
		l.pool.Evict(h)
		return fmt.Errorf("%w: %v", ErrLogIO, err)
	}
	l.pool.Release(h)
	return nil
}

func (l *DurableLog) removeChunk(chunk uint64) {
	path := l.chunkPath(chunk)
	l.pool.ForgetPath(path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		l.logger.Warn().Err(err).Str("chunk", path).Msg("Failed to remove consumed chunk")
	}
}

// pruneChunks removes chunk files left behind by a crash between a commit
// and the deletion of the consumed chunk
func (l *DurableLog) pruneChunks() {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return
	}
	first := l.cb.ReadCount / l.capacity
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, chunkSuffix) {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(name, chunkSuffix), 10, 64)
		if err != nil || n >= first {
			continue
		}
		l.removeChunk(n)
	}
}

func (l *DurableLog) chunkPath(chunk uint64) string {
	return filepath.Join(l.dir, strconv.FormatUint(chunk, 10)+chunkSuffix)
}

func (l *DurableLog) controlPath() string {
	return filepath.Join(l.dir, controlFileName)
}

func isDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
