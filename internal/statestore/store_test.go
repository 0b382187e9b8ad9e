package statestore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dreamwindow/pkg/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), logging.NewLogger())
	require.NoError(t, err)
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	blob := []byte{0x00, 0x01, 0xff, 0xfe, 0x42}
	require.NoError(t, s.Save(blob))

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(blob, loaded))
}

func TestLoadWithoutSave(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load()
	assert.ErrorIs(t, err, ErrNoState)

	_, err = s.Info()
	assert.ErrorIs(t, err, ErrNoState)
}

func TestSaveOverwrites(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save([]byte("first")))
	require.NoError(t, s.Save([]byte("second")))

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), loaded)
}

func TestInfoMetadata(t *testing.T) {
	s := newTestStore(t)
	saved := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return saved }

	require.NoError(t, s.Save(make([]byte, 1024)))

	s.now = func() time.Time { return saved.Add(90 * time.Second) }
	meta, err := s.Info()
	require.NoError(t, err)
	assert.Equal(t, saved.Unix(), meta.SavedAt)
	assert.Equal(t, "2025-06-01T12:00:00Z", meta.SavedAtISO)
	assert.Equal(t, int64(1024), meta.SizeBytes)
	assert.InDelta(t, 90.0, meta.AgeSeconds, 0.01)
}

func TestClear(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save([]byte("state")))
	require.NoError(t, s.Clear())

	_, err := s.Load()
	assert.ErrorIs(t, err, ErrNoState)

	// Clearing an empty store is fine.
	require.NoError(t, s.Clear())
}

func TestNoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, logging.NewLogger())
	require.NoError(t, err)
	require.NoError(t, s.Save([]byte("state")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
	if _, err := os.Stat(filepath.Join(dir, "gpu_state.bin")); errors.Is(err, os.ErrNotExist) {
		t.Fatalf("blob file missing")
	}
}
