package relay

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// PendingRecordName names the single durable record holding the queue.
const PendingRecordName = "pendingNotes"

// SnapshotStore persists the whole pending queue as one record.
type SnapshotStore interface {
	Load() ([]Note, error)
	Save(notes []Note) error
	Close() error
}

type pendingSnapshot struct {
	PendingNotes []Note `json:"pendingNotes"`
}

type FileSnapshotStore struct {
	path string
	mu   sync.Mutex
}

func NewFileSnapshotStore(path string) (*FileSnapshotStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &FileSnapshotStore{path: path}, nil
}

func (s *FileSnapshotStore) Load() ([]Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot pendingSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return snapshot.PendingNotes, nil
}

func (s *FileSnapshotStore) Save(notes []Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := pendingSnapshot{
		PendingNotes: append([]Note{}, notes...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileSnapshotStore) Close() error {
	return nil
}

type InMemorySnapshotStore struct {
	mu    sync.Mutex
	saved []Note
	saves int
}

func NewInMemorySnapshotStore() *InMemorySnapshotStore {
	return &InMemorySnapshotStore{}
}

func (s *InMemorySnapshotStore) Load() ([]Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Note(nil), s.saved...), nil
}

func (s *InMemorySnapshotStore) Save(notes []Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append([]Note(nil), notes...)
	s.saves++
	return nil
}

// Saves reports how many snapshots have been written.
func (s *InMemorySnapshotStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *InMemorySnapshotStore) Close() error {
	return nil
}
