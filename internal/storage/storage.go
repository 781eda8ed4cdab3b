// Package storage persists notebook snapshots. Each notebook id owns
// exactly one value under the fixed key ydoc.snapshot.v1.
package storage

import (
	"context"
	"errors"
	"sync"
)

// SnapshotKey is the single per-notebook storage key.
const SnapshotKey = "ydoc.snapshot.v1"

// MaxSnapshotSize bounds a persisted update. Writes above the ceiling are
// refused so a document never silently stops persisting.
const MaxSnapshotSize = 2 << 20

// ErrSnapshotTooLarge is returned when a snapshot exceeds MaxSnapshotSize.
var ErrSnapshotTooLarge = errors.New("storage: snapshot exceeds size limit")

// SnapshotStore loads and saves the opaque CRDT snapshot for a notebook.
// Load returns (nil, nil) when no snapshot exists.
type SnapshotStore interface {
	Load(ctx context.Context, notebookID string) ([]byte, error)
	Save(ctx context.Context, notebookID string, snapshot []byte) error
}

// MemoryStore keeps snapshots in process memory. Used by tests and by the
// binary when SNAPSHOT_BACKEND=memory.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string][]byte)}
}

// Load implements SnapshotStore.
func (s *MemoryStore) Load(_ context.Context, notebookID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, ok := s.snapshots[notebookID]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(snapshot))
	copy(out, snapshot)
	return out, nil
}

// Save implements SnapshotStore.
func (s *MemoryStore) Save(_ context.Context, notebookID string, snapshot []byte) error {
	if len(snapshot) > MaxSnapshotSize {
		return ErrSnapshotTooLarge
	}
	stored := make([]byte, len(snapshot))
	copy(stored, snapshot)
	s.mu.Lock()
	s.snapshots[notebookID] = stored
	s.mu.Unlock()
	return nil
}
