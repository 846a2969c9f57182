package spool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/agentworkforce/stickyrelay/internal/relay"
)

const (
	DefaultDebounce = 50 * time.Millisecond
	RejectedSuffix  = ".rejected"
)

// Submitter accepts a captured note. relay.Service satisfies it.
type Submitter interface {
	HandleSaveRequest(ctx context.Context, note relay.Note) (relay.SaveResult, error)
}

type Options struct {
	Dir       string
	Submitter Submitter
	Debounce  time.Duration
	Logger    relay.Logger
}

// Spool turns JSON files dropped into a directory into save requests. A file
// is removed once the relay has delivered or durably queued its note.
type Spool struct {
	opts Options

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func New(opts Options) (*Spool, error) {
	if strings.TrimSpace(opts.Dir) == "" || opts.Submitter == nil {
		return nil, relay.ErrInvalidInput
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	return &Spool{opts: opts, timers: map[string]*time.Timer{}}, nil
}

// Run sweeps files already in the directory and then watches it until ctx is
// done.
func (s *Spool) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("create spool dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(s.opts.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.opts.Dir, err)
	}

	if _, err := s.Sweep(ctx); err != nil {
		s.logf("spool sweep failed: %v", err)
	}

	ready := make(chan string, 16)
	defer s.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("watcher events channel closed")
			}
			if !isCapture(event.Name) || !(event.Has(fsnotify.Create) || event.Has(fsnotify.Write)) {
				continue
			}
			s.schedule(ctx, event.Name, ready)
		case err, ok := <-watcher.Errors:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("watcher errors channel closed")
			}
			s.logf("spool watcher error: %v", err)
		case path := <-ready:
			if err := s.Process(ctx, path); err != nil {
				s.logf("spool capture %s not submitted: %v", filepath.Base(path), err)
			}
		}
	}
}

// Sweep processes every capture currently in the directory, oldest name
// first, and returns how many were submitted.
func (s *Spool) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		return 0, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() && isCapture(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	submitted := 0
	for _, name := range names {
		if ctx.Err() != nil {
			return submitted, ctx.Err()
		}
		if err := s.Process(ctx, filepath.Join(s.opts.Dir, name)); err != nil {
			s.logf("spool capture %s not submitted: %v", name, err)
			continue
		}
		submitted++
	}
	return submitted, nil
}

// Process submits one capture file. Files that do not hold a valid note are
// renamed with the rejected suffix; files whose submission fails are left in
// place for the next sweep.
func (s *Spool) Process(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 || truncated(raw) {
		// Still being written; a later write event brings it back.
		return nil
	}
	note, err := relay.DecodeNote(raw)
	if err != nil {
		if renameErr := os.Rename(path, path+RejectedSuffix); renameErr != nil {
			s.logf("spool capture %s could not be set aside: %v", filepath.Base(path), renameErr)
		}
		return err
	}
	if strings.TrimSpace(note.ID) == "" {
		note.ID = uuid.NewString()
	}
	if note.Origin == "" {
		note.Origin = relay.OriginExtension
	}
	result, err := s.opts.Submitter.HandleSaveRequest(ctx, note)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if result.Success {
		s.logf("spool capture %s delivered as note %s", filepath.Base(path), note.ID)
	} else {
		s.logf("spool capture %s queued as note %s", filepath.Base(path), note.ID)
	}
	return nil
}

// truncated reports whether raw ends in the middle of a JSON value.
func truncated(raw []byte) bool {
	var value any
	err := json.NewDecoder(bytes.NewReader(raw)).Decode(&value)
	return errors.Is(err, io.ErrUnexpectedEOF)
}

func (s *Spool) schedule(ctx context.Context, path string, ready chan<- string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[path]; ok {
		timer.Stop()
	}
	s.timers[path] = time.AfterFunc(s.opts.Debounce, func() {
		s.mu.Lock()
		delete(s.timers, path)
		s.mu.Unlock()
		select {
		case ready <- path:
		case <-ctx.Done():
		}
	})
}

func (s *Spool) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, timer := range s.timers {
		timer.Stop()
		delete(s.timers, path)
	}
}

func (s *Spool) logf(format string, args ...any) {
	if s.opts.Logger == nil {
		return
	}
	s.opts.Logger.Printf(format, args...)
}

func isCapture(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, ".json") && !strings.HasPrefix(base, ".")
}
