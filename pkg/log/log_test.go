package log

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  zerolog.Level
	}{
		{DebugLevel, zerolog.DebugLevel},
		{InfoLevel, zerolog.InfoLevel},
		{WarnLevel, zerolog.WarnLevel},
		{ErrorLevel, zerolog.ErrorLevel},
		{"verbose", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.level))
		})
	}
}

func TestInitJSON(t *testing.T) {
	var buf bytes.Buffer
	closer := Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})
	defer closer.Close()
	defer Init(Config{Level: InfoLevel, Output: os.Stdout})

	logger := WithRegistrationID(WithComponent("registry"), "reg-1")
	logger.Info().Msg("Registration created")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "registry", line["component"])
	assert.Equal(t, "reg-1", line["registration_id"])
	assert.Equal(t, "Registration created", line["message"])
}

func TestInitRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailroom.log")
	closer := Init(Config{Level: InfoLevel, File: path, MaxSizeMB: 1})
	defer Init(Config{Level: InfoLevel, Output: os.Stdout})

	logger := WithComponent("main")
	logger.Info().Msg("Mailroom is running")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"Mailroom is running"`)
}

func TestWriterTrimsNewlines(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})
	defer Init(Config{Level: InfoLevel, Output: os.Stdout})

	w := Writer("raft")
	n, err := w.Write([]byte("[INFO]  raft: entering leader state\n"))
	require.NoError(t, err)
	assert.Equal(t, 36, n)

	_, err = w.Write([]byte("\n"))
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line), "only one line should be written")
	assert.Equal(t, "[INFO]  raft: entering leader state", line["message"])
	assert.Equal(t, "debug", line["level"])
}
