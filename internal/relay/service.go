package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type ServiceOptions struct {
	Locator         *TabLocator
	Queue           *PendingQueue
	Transport       Transport
	DeliveryTimeout time.Duration
	Logger          Logger
	Now             func() time.Time
	// OnPendingChange is called with the queue depth after every change to
	// the pending queue.
	OnPendingChange func(depth int)
}

type SaveResult struct {
	Success bool `json:"success"`
}

type AppOpenResult struct {
	IsOpen bool `json:"isOpen"`
}

type FlushReport struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Remaining int `json:"remaining"`
}

type StatusReport struct {
	AppOpen            bool   `json:"appOpen"`
	TabID              *TabID `json:"tabId,omitempty"`
	AppOrigin          string `json:"appOrigin"`
	Pending            int    `json:"pending"`
	PendingCapacity    int    `json:"pendingCapacity"`
	PersistencePending bool   `json:"persistencePending"`
}

// Service owns the relay state: the tab locator, the pending queue and the
// deliverer. Every save ends either delivered or pending.
type Service struct {
	locator   *TabLocator
	queue     *PendingQueue
	deliverer *Deliverer
	logger    Logger
	onPending func(depth int)
	now       func() time.Time

	flushMu sync.Mutex
	notes   noteLocks

	mu      sync.Mutex
	closed  bool
	flushes sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Locator == nil || opts.Queue == nil {
		return nil, ErrInvalidInput
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		locator:   opts.Locator,
		queue:     opts.Queue,
		deliverer: NewDeliverer(opts.Transport, opts.DeliveryTimeout, opts.Logger),
		logger:    opts.Logger,
		onPending: opts.OnPendingChange,
		now:       opts.Now,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// HandleSaveRequest delivers note to the application tab if one is known and
// queues it otherwise. An error is returned only when the note could not be
// held at all (invalid or the queue is full); persistence failures are logged
// and the note stays pending in memory.
//
// Cancelling ctx does not abort a delivery already waiting for its
// acknowledgment; the wait is bounded by the delivery timeout and by Shutdown.
func (s *Service) HandleSaveRequest(ctx context.Context, note Note) (SaveResult, error) {
	note, err := NormalizeNote(note, s.now())
	if err != nil {
		return SaveResult{Success: false}, err
	}
	unlock := s.notes.lock(note.ID)
	defer unlock()
	ref := s.locator.Ref()
	if ref.Known {
		if s.deliverer.Deliver(s.ctx, ref, note) == Delivered {
			s.dropStale(note.ID)
			return SaveResult{Success: true}, nil
		}
	}
	if err := s.enqueue(note); err != nil {
		return SaveResult{Success: false}, err
	}
	return SaveResult{Success: false}, nil
}

// HandleRuntimeMessage answers a runtime message from an extension surface.
func (s *Service) HandleRuntimeMessage(ctx context.Context, msg RuntimeMessage) (any, error) {
	switch msg.Action {
	case ActionSaveNoteToApp:
		if msg.Note == nil {
			return SaveResult{Success: false}, ErrInvalidInput
		}
		return s.HandleSaveRequest(ctx, *msg.Note)
	case ActionCheckAppOpen:
		return AppOpenResult{IsOpen: s.locator.Ref().Known}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, msg.Action)
	}
}

// TabUpdated feeds a tab navigation event to the locator. A transition from
// no application tab to a known one schedules a flush.
func (s *Service) TabUpdated(tab TabID, status, url string) bool {
	if !s.locator.OnNavigationComplete(tab, status, url) {
		return false
	}
	logf(s.logger, "application tab %d opened", tab)
	s.scheduleFlush()
	return true
}

func (s *Service) TabClosed(tab TabID) bool {
	if !s.locator.OnTabClosed(tab) {
		return false
	}
	logf(s.logger, "application tab %d closed", tab)
	return true
}

// AppConnected schedules a flush when a listener registers for the held
// application tab and notes are waiting.
func (s *Service) AppConnected(tab TabID) {
	ref := s.locator.Ref()
	if !ref.Known || ref.ID != tab || s.queue.Depth() == 0 {
		return
	}
	s.scheduleFlush()
}

// FlushPending attempts one delivery per note pending at call time. Delivered
// notes are removed; the rest wait for the next flush. Passes never overlap,
// and entries replaced or removed by a save since the snapshot are skipped.
func (s *Service) FlushPending(ctx context.Context) FlushReport {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	snapshot := s.queue.All()
	report := FlushReport{}
	for _, note := range snapshot {
		if ctx.Err() != nil {
			break
		}
		s.flushOne(ctx, note, &report)
	}
	report.Remaining = s.queue.Depth()
	if report.Delivered > 0 {
		s.notifyPending()
	}
	if report.Attempted > 0 {
		logf(s.logger, "flush delivered %d of %d pending notes", report.Delivered, report.Attempted)
	}
	return report
}

func (s *Service) flushOne(ctx context.Context, note Note, report *FlushReport) {
	unlock := s.notes.lock(note.ID)
	defer unlock()
	if current, ok := s.queue.Get(note.ID); !ok || current != note {
		return
	}
	report.Attempted++
	if s.deliverer.Deliver(ctx, s.locator.Ref(), note) != Delivered {
		return
	}
	report.Delivered++
	if _, err := s.queue.Settle(note); err != nil {
		logf(s.logger, "warning: pending queue not persisted after delivering %s: %v", note.ID, err)
	}
}

func (s *Service) Pending() []Note {
	return s.queue.All()
}

func (s *Service) Status() StatusReport {
	ref := s.locator.Ref()
	status := StatusReport{
		AppOpen:            ref.Known,
		AppOrigin:          s.locator.Origin(),
		Pending:            s.queue.Depth(),
		PendingCapacity:    s.queue.Capacity(),
		PersistencePending: s.queue.Dirty(),
	}
	if ref.Known {
		tab := ref.ID
		status.TabID = &tab
	}
	return status
}

// WaitForFlushes blocks until every scheduled flush has finished.
func (s *Service) WaitForFlushes() {
	s.flushes.Wait()
}

// Shutdown stops scheduling flushes, waits for running ones and closes the
// pending queue. Entries interrupted mid-flush stay pending.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.flushes.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		<-done
	}
	s.cancel()
	return s.queue.Close()
}

func (s *Service) scheduleFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.flushes.Add(1)
	go func() {
		defer s.flushes.Done()
		s.FlushPending(s.ctx)
	}()
}

func (s *Service) enqueue(note Note) error {
	err := s.queue.Enqueue(note)
	switch {
	case err == nil:
	case errors.Is(err, ErrPersistence):
		logf(s.logger, "warning: note %s held in memory only: %v", note.ID, err)
	default:
		logf(s.logger, "note %s could not be queued: %v", note.ID, err)
		return err
	}
	s.notifyPending()
	return nil
}

// dropStale removes an older pending copy of a note that was just delivered.
func (s *Service) dropStale(noteID string) {
	removed, err := s.queue.Dequeue(noteID)
	if err != nil {
		logf(s.logger, "warning: pending queue not persisted after delivering %s: %v", noteID, err)
	}
	if removed {
		s.notifyPending()
	}
}

func (s *Service) notifyPending() {
	if s.onPending != nil {
		s.onPending(s.queue.Depth())
	}
}

// noteLocks serializes delivery per note id so a save and a flush never send
// two versions of the same note at once.
type noteLocks struct {
	mu   sync.Mutex
	byID map[string]*noteLock
}

type noteLock struct {
	mu   sync.Mutex
	refs int
}

func (l *noteLocks) lock(id string) func() {
	l.mu.Lock()
	if l.byID == nil {
		l.byID = make(map[string]*noteLock)
	}
	entry, ok := l.byID[id]
	if !ok {
		entry = &noteLock{}
		l.byID[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.byID, id)
		}
		l.mu.Unlock()
	}
}
