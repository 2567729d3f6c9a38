package logstream

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	// DefaultBufferSize is the buffer size of readers and writers
	DefaultBufferSize = 8 * 1024

	// MaxFrameSize bounds a single length-delimited entry
	MaxFrameSize = 16 * 1024 * 1024

	frameHeaderSize = 4
)

// ErrFrameTooLarge is returned when a frame header announces more than MaxFrameSize bytes
var ErrFrameTooLarge = errors.New("logstream: frame too large")

// Writer is a buffered file writer that tracks the cumulative byte offset
// of everything written through it, independent of the OS file position.
type Writer struct {
	file   *os.File
	buf    *bufio.Writer
	offset int64
}

// OpenWriter opens path for appending at offset. Anything in the file past
// offset is truncated: only bytes covered by a persisted offset are trusted.
func OpenWriter(path string, offset int64) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s for writing: %w", path, err)
	}
	if err := f.Truncate(offset); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to truncate %s to %d: %w", path, offset, err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to seek %s to %d: %w", path, offset, err)
	}
	return &Writer{
		file:   f,
		buf:    bufio.NewWriterSize(f, DefaultBufferSize),
		offset: offset,
	}, nil
}

// Write buffers p and advances the offset by the bytes accepted
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.buf.Write(p)
	w.offset += int64(n)
	return n, err
}

// Flush pushes buffered bytes to the OS
func (w *Writer) Flush() error {
	return w.buf.Flush()
}

// Sync flushes and forces the file contents to the storage device
func (w *Writer) Sync() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Offset returns the cumulative offset including buffered bytes
func (w *Writer) Offset() int64 {
	return w.offset
}

// Close flushes and closes the underlying file
func (w *Writer) Close() error {
	flushErr := w.buf.Flush()
	closeErr := w.file.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// Reader is a buffered file reader that tracks its cumulative byte offset
type Reader struct {
	file   *os.File
	buf    *bufio.Reader
	offset int64
}

// OpenReader opens path for reading starting at offset
func OpenReader(path string, offset int64) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s for reading: %w", path, err)
	}
	r := &Reader{file: f, buf: bufio.NewReaderSize(f, DefaultBufferSize)}
	if err := r.Reset(offset); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// Read reads into p and advances the offset
func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.buf.Read(p)
	r.offset += int64(n)
	return n, err
}

// Reset repositions the reader at offset and discards buffered data
func (r *Reader) Reset(offset int64) error {
	if offset == r.offset && r.buf.Buffered() > 0 {
		return nil
	}
	if _, err := r.file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to %d: %w", offset, err)
	}
	r.buf.Reset(r.file)
	r.offset = offset
	return nil
}

// Offset returns the offset of the next unread byte
func (r *Reader) Offset() int64 {
	return r.offset
}

// Close closes the underlying file
func (r *Reader) Close() error {
	return r.file.Close()
}

// WriteFrame writes payload prefixed with its 4-byte big-endian length and
// returns the number of bytes written.
func WriteFrame(w io.Writer, payload []byte) (int, error) {
	if len(payload) > MaxFrameSize {
		return 0, ErrFrameTooLarge
	}
	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	n, err := w.Write(hdr[:])
	if err != nil {
		return n, err
	}
	m, err := w.Write(payload)
	return n + m, err
}

// ReadFrame reads one length-delimited frame. io.EOF is returned only when
// no byte of the frame was available; a partial frame yields
// io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// FrameSize returns the on-disk size of a frame carrying n payload bytes
func FrameSize(n int) int64 {
	return int64(frameHeaderSize + n)
}
