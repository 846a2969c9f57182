package relay

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
)

func TestPendingQueueReplacesDuplicateIdentifiers(t *testing.T) {
	queue, err := NewPendingQueue(NewInMemorySnapshotStore(), 0)
	if err != nil {
		t.Fatalf("new pending queue failed: %v", err)
	}
	mustEnqueue(t, queue, Note{ID: "n1", Title: "first"})
	mustEnqueue(t, queue, Note{ID: "n2", Title: "second"})
	mustEnqueue(t, queue, Note{ID: "n1", Title: "first, edited"})

	all := queue.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 pending notes, got %d (%+v)", len(all), all)
	}
	if all[0].ID != "n2" || all[1].ID != "n1" {
		t.Fatalf("expected re-queued n1 to move to the end, got %+v", all)
	}
	if all[1].Title != "first, edited" {
		t.Fatalf("expected last write to win, got %q", all[1].Title)
	}
}

func TestPendingQueueDequeueIsIdempotent(t *testing.T) {
	store := NewInMemorySnapshotStore()
	queue, err := NewPendingQueue(store, 0)
	if err != nil {
		t.Fatalf("new pending queue failed: %v", err)
	}
	mustEnqueue(t, queue, Note{ID: "n1"})

	removed, err := queue.Dequeue("n1")
	if err != nil || !removed {
		t.Fatalf("expected first dequeue to remove n1, got removed=%v err=%v", removed, err)
	}
	saves := store.Saves()
	removed, err = queue.Dequeue("n1")
	if err != nil || removed {
		t.Fatalf("expected second dequeue to be a no-op, got removed=%v err=%v", removed, err)
	}
	if store.Saves() != saves {
		t.Fatalf("expected no-op dequeue not to write a snapshot")
	}
	if queue.Depth() != 0 {
		t.Fatalf("expected empty queue, got depth %d", queue.Depth())
	}
}

func TestPendingQueueSettleKeepsNewerVersion(t *testing.T) {
	queue, err := NewPendingQueue(NewInMemorySnapshotStore(), 0)
	if err != nil {
		t.Fatalf("new pending queue failed: %v", err)
	}
	original := Note{ID: "n1", Title: "v1"}
	mustEnqueue(t, queue, original)
	mustEnqueue(t, queue, Note{ID: "n1", Title: "v2"})

	settled, err := queue.Settle(original)
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if settled {
		t.Fatalf("expected stale version not to settle the newer entry")
	}
	current, ok := queue.Get("n1")
	if !ok || current.Title != "v2" {
		t.Fatalf("expected v2 to stay pending, got %+v (ok=%v)", current, ok)
	}
	if settled, _ := queue.Settle(current); !settled {
		t.Fatalf("expected current version to settle")
	}
}

func TestPendingQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.json")
	store, err := NewFileSnapshotStore(path)
	if err != nil {
		t.Fatalf("new file store failed: %v", err)
	}
	queue, err := NewPendingQueue(store, 0)
	if err != nil {
		t.Fatalf("new pending queue failed: %v", err)
	}
	mustEnqueue(t, queue, Note{ID: "n1", Title: "Groceries"})
	mustEnqueue(t, queue, Note{ID: "n2", Title: "Errands"})
	if _, err := queue.Dequeue("n1"); err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}

	reopenedStore, err := NewFileSnapshotStore(path)
	if err != nil {
		t.Fatalf("reopen file store failed: %v", err)
	}
	reopened, err := NewPendingQueue(reopenedStore, 0)
	if err != nil {
		t.Fatalf("reopen pending queue failed: %v", err)
	}
	all := reopened.All()
	if len(all) != 1 || all[0].ID != "n2" || all[0].Title != "Errands" {
		t.Fatalf("expected only n2 after reopen, got %+v", all)
	}
}

func TestPendingQueueLoadCollapsesStoredDuplicates(t *testing.T) {
	store := NewInMemorySnapshotStore()
	if err := store.Save([]Note{{ID: "a", Title: "old"}, {ID: "b"}, {ID: "a", Title: "new"}, {ID: ""}}); err != nil {
		t.Fatalf("seed store failed: %v", err)
	}
	queue, err := NewPendingQueue(store, 0)
	if err != nil {
		t.Fatalf("new pending queue failed: %v", err)
	}
	all := queue.All()
	if len(all) != 2 || all[0].ID != "b" || all[1].Title != "new" {
		t.Fatalf("expected [b, a(new)], got %+v", all)
	}
}

func TestPendingQueueCapacity(t *testing.T) {
	queue, err := NewPendingQueue(NewInMemorySnapshotStore(), 1)
	if err != nil {
		t.Fatalf("new pending queue failed: %v", err)
	}
	mustEnqueue(t, queue, Note{ID: "n1"})
	if err := queue.Enqueue(Note{ID: "n2"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if err := queue.Enqueue(Note{ID: "n1", Title: "replacement"}); err != nil {
		t.Fatalf("expected replacing an existing id to succeed at capacity, got %v", err)
	}
}

func TestPendingQueueRejectsEmptyIdentifier(t *testing.T) {
	queue, err := NewPendingQueue(NewInMemorySnapshotStore(), 0)
	if err != nil {
		t.Fatalf("new pending queue failed: %v", err)
	}
	if err := queue.Enqueue(Note{ID: "  "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestPendingQueueRetriesPersistenceOnNextMutation(t *testing.T) {
	store := &flakySnapshotStore{failSaves: 1}
	queue, err := NewPendingQueue(store, 0)
	if err != nil {
		t.Fatalf("new pending queue failed: %v", err)
	}
	err = queue.Enqueue(Note{ID: "n1"})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if !queue.Dirty() {
		t.Fatalf("expected queue to be dirty after failed save")
	}
	if _, ok := queue.Get("n1"); !ok {
		t.Fatalf("expected n1 to be retained in memory")
	}

	mustEnqueue(t, queue, Note{ID: "n2"})
	if queue.Dirty() {
		t.Fatalf("expected queue to be clean after successful save")
	}
	saved := store.lastSaved()
	if len(saved) != 2 || saved[0].ID != "n1" || saved[1].ID != "n2" {
		t.Fatalf("expected retried snapshot to include n1 and n2, got %+v", saved)
	}
}

func mustEnqueue(t *testing.T, queue *PendingQueue, note Note) {
	t.Helper()
	if err := queue.Enqueue(note); err != nil {
		t.Fatalf("enqueue %s failed: %v", note.ID, err)
	}
}

type flakySnapshotStore struct {
	mu        sync.Mutex
	failSaves int
	saved     []Note
}

func (s *flakySnapshotStore) Load() ([]Note, error) {
	return nil, nil
}

func (s *flakySnapshotStore) Save(notes []Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves > 0 {
		s.failSaves--
		return errors.New("disk full")
	}
	s.saved = append([]Note(nil), notes...)
	return nil
}

func (s *flakySnapshotStore) Close() error {
	return nil
}

func (s *flakySnapshotStore) lastSaved() []Note {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Note(nil), s.saved...)
}
