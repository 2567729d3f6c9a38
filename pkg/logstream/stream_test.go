package logstream

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWriterReaderOffsets tests offset tracking across writes and reads
func TestWriterReaderOffsets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.log")

	w, err := OpenWriter(path, 0)
	require.NoError(t, err)

	n1, err := WriteFrame(w, []byte("hello"))
	require.NoError(t, err)
	n2, err := WriteFrame(w, []byte("world!"))
	require.NoError(t, err)
	require.NoError(t, w.Sync())

	assert.Equal(t, FrameSize(5), int64(n1))
	assert.Equal(t, FrameSize(6), int64(n2))
	assert.Equal(t, int64(n1+n2), w.Offset())
	require.NoError(t, w.Close())

	r, err := OpenReader(path, 0)
	require.NoError(t, err)
	defer r.Close()

	p, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(p))
	assert.Equal(t, int64(n1), r.Offset())

	p, err = ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "world!", string(p))

	_, err = ReadFrame(r)
	assert.ErrorIs(t, err, io.EOF)

	// Reposition to the second frame
	require.NoError(t, r.Reset(int64(n1)))
	p, err = ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "world!", string(p))
}

// TestOpenWriterTruncatesTail tests that bytes past the trusted offset are discarded
func TestOpenWriterTruncatesTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.log")

	w, err := OpenWriter(path, 0)
	require.NoError(t, err)
	n, err := WriteFrame(w, []byte("kept"))
	require.NoError(t, err)
	_, err = w.Write([]byte{0, 0, 0, 9, 'p', 'a'}) // torn frame
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w, err = OpenWriter(path, int64(n))
	require.NoError(t, err)
	_, err = WriteFrame(w, []byte("next"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	r := bytes.NewReader(data)
	p, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "kept", string(p))
	p, err = ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "next", string(p))
}

// TestReadFramePartial tests that a truncated frame is reported distinctly from EOF
func TestReadFramePartial(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{name: "empty", data: nil, wantErr: io.EOF},
		{name: "partial header", data: []byte{0, 0}, wantErr: io.ErrUnexpectedEOF},
		{name: "partial payload", data: []byte{0, 0, 0, 4, 'a'}, wantErr: io.ErrUnexpectedEOF},
		{name: "oversized", data: []byte{0xff, 0xff, 0xff, 0xff}, wantErr: ErrFrameTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.data))
			assert.True(t, errors.Is(err, tt.wantErr), "got %v, want %v", err, tt.wantErr)
		})
	}
}

// TestControlFileRoundTrip tests writing and reading back a control block
func TestControlFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.ctl")

	cf, err := OpenControlFile(path)
	require.NoError(t, err)

	_, err = cf.Read()
	assert.ErrorIs(t, err, ErrShortControlBlock)

	want := ControlBlock{WriteCount: 42, ReadCount: 17, WriteOffset: 1 << 40, ReadOffset: 99}
	require.NoError(t, cf.Write(want))

	got, err := cf.Read()
	require.NoError(t, err)
	assert.Equal(t, want, got)
	require.NoError(t, cf.Close())

	// Reopen without a clean shutdown of anything else
	cf, err = OpenControlFile(path)
	require.NoError(t, err)
	defer cf.Close()

	got, err = cf.Read()
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.LessOrEqual(t, got.ReadCount, got.WriteCount)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(ControlBlockSize), info.Size())
}

// TestControlBlockLayout tests the big-endian field order on disk
func TestControlBlockLayout(t *testing.T) {
	buf, err := ControlBlock{WriteCount: 1, ReadCount: 2, WriteOffset: 3, ReadOffset: 4}.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, buf, ControlBlockSize)

	assert.Equal(t, byte(1), buf[7])
	assert.Equal(t, byte(2), buf[15])
	assert.Equal(t, byte(3), buf[23])
	assert.Equal(t, byte(4), buf[31])
}
