package eventlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/mailroom/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMemoryLogProtocols tests Next/Remove and ReadAhead/MoveAhead on the same sequence
func TestMemoryLogProtocols(t *testing.T) {
	l := NewMemoryLog()
	require.NoError(t, l.Init())

	assert.ErrorIs(t, l.Remove(), ErrNoCurrent)

	for i := uint64(0); i < 6; i++ {
		require.NoError(t, l.Add(testEvent(i)))
	}

	ev, err := l.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), ev.SeqID)
	require.NoError(t, l.Remove())

	batch, err := l.ReadAhead(3)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, uint64(1), batch[0].Event.SeqID)
	assert.Equal(t, 5, l.Len())

	require.NoError(t, l.MoveAhead(batch[2].Cursor))
	assert.Equal(t, 2, l.Len())
	require.NoError(t, l.MoveAhead(batch[0].Cursor))
	assert.Equal(t, 2, l.Len())

	ev, err = l.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), ev.SeqID)

	assert.ErrorIs(t, l.MoveAhead(Cursor{Count: 99}), ErrInvalidCursor)

	require.NoError(t, l.Delete())
	assert.ErrorIs(t, l.Add(testEvent(7)), ErrClosed)
}

// TestMemoryLogSkipsUndecodable tests that a corrupt entry is dropped and
// the log keeps serving the entries behind it
func TestMemoryLogSkipsUndecodable(t *testing.T) {
	l := NewMemoryLog()
	require.NoError(t, l.Init())

	require.NoError(t, l.Add(testEvent(1)))
	l.entries = append([]memEntry{{seq: 99, data: []byte("{not json")}}, l.entries...)

	batch, err := l.ReadAhead(10)
	require.NoError(t, err)
	require.Len(t, batch, 1, "ReadAhead skips entries it cannot decode")

	ev, err := l.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.SeqID)
	assert.Equal(t, uint64(1), l.Dropped())
	assert.Equal(t, 1, l.Len())
}

// TestParseCursor tests the client token form of cursors
func TestParseCursor(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		want    Cursor
		wantErr bool
	}{
		{name: "empty token", token: "", want: Cursor{}},
		{name: "count and offset", token: "12.345", want: Cursor{Count: 12, Offset: 345}},
		{name: "missing separator", token: "12", wantErr: true},
		{name: "negative count", token: "-1.0", wantErr: true},
		{name: "garbage offset", token: "3.x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCursor(tt.token)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCursor)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			if tt.token != "" {
				assert.Equal(t, tt.token, got.String())
			}
		})
	}
}

// TestFactoryPrune tests removal of logs whose registrations no longer exist
func TestFactoryPrune(t *testing.T) {
	f := NewFactory(t.TempDir(), nil, 10)
	defer f.Close()
	require.True(t, f.Durable())

	keep := types.NewRegistrationID()
	drop := types.NewRegistrationID()

	for _, id := range []types.RegistrationID{keep, drop} {
		l, err := f.Get(id)
		require.NoError(t, err)
		require.NoError(t, l.Add(testEvent(1)))
	}

	cached, err := f.Get(keep)
	require.NoError(t, err)

	require.NoError(t, f.Prune(map[types.RegistrationID]bool{keep: true}))

	l, err := f.Get(keep)
	require.NoError(t, err)
	assert.Same(t, cached, l)
	assert.Equal(t, 1, l.Len())

	_, err = os.Stat(filepath.Join(f.dir, drop.String()))
	assert.True(t, os.IsNotExist(err))

	l, err = f.Get(drop)
	require.NoError(t, err)
	assert.True(t, l.IsEmpty(), "pruned log should start empty")
	require.NoError(t, f.Destroy(drop))
}

// TestFactoryMemory tests that a factory without a directory hands out memory logs
func TestFactoryMemory(t *testing.T) {
	f := NewFactory("", nil, 0)
	assert.False(t, f.Durable())

	l, err := f.Get(types.NewRegistrationID())
	require.NoError(t, err)
	_, ok := l.(*MemoryLog)
	assert.True(t, ok)
}
