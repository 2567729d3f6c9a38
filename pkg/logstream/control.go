package logstream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ControlBlockSize is the on-disk size of a control block: four big-endian uint64
const ControlBlockSize = 32

// ErrShortControlBlock is returned when a control file holds fewer than ControlBlockSize bytes
var ErrShortControlBlock = errors.New("logstream: short control block")

// ControlBlock holds the counters that anchor recovery of a durable log
type ControlBlock struct {
	WriteCount  uint64
	ReadCount   uint64
	WriteOffset uint64
	ReadOffset  uint64
}

// MarshalBinary encodes the block in write-count, read-count, write-offset,
// read-offset order
func (cb ControlBlock) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ControlBlockSize)
	binary.BigEndian.PutUint64(buf[0:8], cb.WriteCount)
	binary.BigEndian.PutUint64(buf[8:16], cb.ReadCount)
	binary.BigEndian.PutUint64(buf[16:24], cb.WriteOffset)
	binary.BigEndian.PutUint64(buf[24:32], cb.ReadOffset)
	return buf, nil
}

// UnmarshalBinary decodes a block produced by MarshalBinary
func (cb *ControlBlock) UnmarshalBinary(data []byte) error {
	if len(data) < ControlBlockSize {
		return ErrShortControlBlock
	}
	cb.WriteCount = binary.BigEndian.Uint64(data[0:8])
	cb.ReadCount = binary.BigEndian.Uint64(data[8:16])
	cb.WriteOffset = binary.BigEndian.Uint64(data[16:24])
	cb.ReadOffset = binary.BigEndian.Uint64(data[24:32])
	return nil
}

// ControlFile reads and rewrites a fixed-size control block in place
type ControlFile struct {
	file *os.File
}

// OpenControlFile opens or creates the control file at path
func OpenControlFile(path string) (*ControlFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open control file %s: %w", path, err)
	}
	return &ControlFile{file: f}, nil
}

// Read loads the control block. A freshly created (empty) file yields
// ErrShortControlBlock wrapped with io.EOF.
func (c *ControlFile) Read() (ControlBlock, error) {
	var cb ControlBlock
	buf := make([]byte, ControlBlockSize)
	n, err := c.file.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return cb, fmt.Errorf("failed to read control block: %w", err)
	}
	if n == 0 {
		return cb, fmt.Errorf("%w: %w", ErrShortControlBlock, io.EOF)
	}
	if err := cb.UnmarshalBinary(buf[:n]); err != nil {
		return cb, err
	}
	return cb, nil
}

// Write stores cb at the start of the file and syncs it to the device
func (c *ControlFile) Write(cb ControlBlock) error {
	buf, _ := cb.MarshalBinary()
	if _, err := c.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek control file: %w", err)
	}
	if _, err := c.file.Write(buf); err != nil {
		return fmt.Errorf("failed to write control block: %w", err)
	}
	if err := c.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync control block: %w", err)
	}
	return nil
}

// Close closes the control file
func (c *ControlFile) Close() error {
	return c.file.Close()
}
