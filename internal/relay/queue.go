package relay

import (
	"fmt"
	"strings"
	"sync"
)

const DefaultPendingCapacity = 1024

// PendingQueue is the ordered, identifier-keyed list of notes awaiting
// delivery. The in-memory copy is authoritative; every mutation writes the
// full snapshot to the store. A failed write leaves the queue dirty and the
// next mutation retries it.
type PendingQueue struct {
	store    SnapshotStore
	capacity int

	mu    sync.Mutex
	items []Note
	dirty bool
}

func NewPendingQueue(store SnapshotStore, capacity int) (*PendingQueue, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = DefaultPendingCapacity
	}
	q := &PendingQueue{
		store:    store,
		capacity: capacity,
		items:    []Note{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *PendingQueue) load() error {
	loaded, err := q.store.Load()
	if err != nil {
		return fmt.Errorf("load pending notes: %w", err)
	}
	// Last write wins if a stored record carries duplicate identifiers.
	last := make(map[string]int, len(loaded))
	for i, note := range loaded {
		last[note.ID] = i
	}
	for i, note := range loaded {
		if strings.TrimSpace(note.ID) == "" || last[note.ID] != i {
			continue
		}
		q.items = append(q.items, note)
	}
	return nil
}

// Enqueue replaces any entry with the same identifier and appends note.
// An ErrPersistence error means the note is held in memory only.
func (q *PendingQueue) Enqueue(note Note) error {
	if strings.TrimSpace(note.ID) == "" {
		return ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(note.ID)
	if idx < 0 && len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	if idx >= 0 {
		q.items = append(q.items[:idx], q.items[idx+1:]...)
	}
	q.items = append(q.items, note)
	return q.persistLocked()
}

// Dequeue removes the entry for noteID. Removing an absent identifier is a
// no-op and reports false.
func (q *PendingQueue) Dequeue(noteID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(noteID)
	if idx < 0 {
		return false, nil
	}
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	return true, q.persistLocked()
}

// Settle removes the entry for note.ID only if it is still exactly note. A
// newer save for the same identifier that landed meanwhile stays pending.
func (q *PendingQueue) Settle(note Note) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(note.ID)
	if idx < 0 || q.items[idx] != note {
		return false, nil
	}
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	return true, q.persistLocked()
}

// All returns a copy of the queue in insertion order.
func (q *PendingQueue) All() []Note {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Note(nil), q.items...)
}

func (q *PendingQueue) Get(noteID string) (Note, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(noteID)
	if idx < 0 {
		return Note{}, false
	}
	return q.items[idx], true
}

func (q *PendingQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *PendingQueue) Capacity() int {
	return q.capacity
}

// Dirty reports whether the in-memory queue is ahead of durable storage.
func (q *PendingQueue) Dirty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dirty
}

// Close makes a last attempt to persist a dirty queue and closes the store.
func (q *PendingQueue) Close() error {
	q.mu.Lock()
	var persistErr error
	if q.dirty {
		persistErr = q.persistLocked()
	}
	q.mu.Unlock()
	if err := q.store.Close(); err != nil {
		return err
	}
	return persistErr
}

func (q *PendingQueue) indexLocked(noteID string) int {
	for i, item := range q.items {
		if item.ID == noteID {
			return i
		}
	}
	return -1
}

func (q *PendingQueue) persistLocked() error {
	if err := q.store.Save(append([]Note(nil), q.items...)); err != nil {
		q.dirty = true
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	q.dirty = false
	return nil
}
