// Package statestore persists the GPU's opaque state snapshot to disk with
// a JSON metadata sidecar. Writes are atomic: a partially written blob can
// never be loaded as the current state.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dreamwindow/pkg/logging"
)

const (
	blobFile = "gpu_state.bin"
	metaFile = "gpu_state.json"
)

// ErrNoState indicates no snapshot has been saved.
var ErrNoState = errors.New("no saved state")

// Metadata describes the current snapshot.
type Metadata struct {
	SavedAt    int64   `json:"saved_at"`
	SavedAtISO string  `json:"saved_at_iso"`
	SizeBytes  int64   `json:"size_bytes"`
	AgeSeconds float64 `json:"age_seconds,omitempty"`
}

// Store owns one state blob plus its metadata sidecar. All file operations
// are serialized; callers that must not block run Save on their own
// goroutine.
type Store struct {
	mu sync.Mutex

	dir      string
	blobPath string
	metaPath string
	logger   logging.Logger

	now func() time.Time
}

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string, logger logging.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	return &Store{
		dir:      dir,
		blobPath: filepath.Join(dir, blobFile),
		metaPath: filepath.Join(dir, metaFile),
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Save atomically replaces the current snapshot: write to a temp file, then
// rename over the blob path, then update the metadata sidecar.
func (s *Store) Save(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeAtomic(s.blobPath, data); err != nil {
		return fmt.Errorf("failed to save state blob: %w", err)
	}

	now := s.now()
	meta := Metadata{
		SavedAt:    now.Unix(),
		SavedAtISO: now.UTC().Format(time.RFC3339),
		SizeBytes:  int64(len(data)),
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal state metadata: %w", err)
	}
	if err := writeAtomic(s.metaPath, metaJSON); err != nil {
		return fmt.Errorf("failed to save state metadata: %w", err)
	}

	if s.logger != nil {
		s.logger.WithField("size_bytes", len(data)).Info("GPU state saved")
	}
	return nil
}

// Load returns the saved blob, or ErrNoState if none exists.
func (s *Store) Load() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.blobPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoState
		}
		return nil, fmt.Errorf("failed to load state blob: %w", err)
	}
	return data, nil
}

// Info returns the snapshot metadata with its age filled in, or ErrNoState.
func (s *Store) Info() (Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Metadata{}, ErrNoState
		}
		return Metadata{}, fmt.Errorf("failed to read state metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse state metadata: %w", err)
	}
	meta.AgeSeconds = s.now().Sub(time.Unix(meta.SavedAt, 0)).Seconds()
	return meta, nil
}

// Clear removes the blob and its sidecar. Missing files are not an error.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, path := range []string{s.blobPath, s.metaPath} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

// writeAtomic writes data to path via a temp file and rename.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
