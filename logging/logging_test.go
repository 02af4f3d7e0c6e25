package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingWriter_RotatesPastMaxSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "importer.log")

	w, err := NewRotatingWriter(path, 16)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write([]byte(strings.Repeat("a", 20)))
	require.NoError(t, err)
	_, err = w.Write([]byte("b"))
	require.NoError(t, err)

	backup, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Len(t, backup, 20)

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "b", string(current))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("loud"))
}

func TestNew_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")

	logger, closer, err := New(Options{Env: "production", Level: "info", File: path})
	require.NoError(t, err)

	cl := Component(logger, "chunk")
	cl.Info().Str("run_id", "r1").Msg("chunk done")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"chunk"`)
	assert.Contains(t, string(data), `"run_id":"r1"`)
}
