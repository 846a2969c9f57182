package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agentworkforce/stickyrelay/internal/relay"
)

// Inbox is the application's local note store: one JSON file per note id.
// Saving the same id again replaces the file.
type Inbox struct {
	dir    string
	logger relay.Logger
}

func New(dir string, logger relay.Logger) (*Inbox, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("%w: inbox directory is required", relay.ErrInvalidInput)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Inbox{dir: dir, logger: logger}, nil
}

func (i *Inbox) Dir() string {
	return i.dir
}

// Store writes note to the inbox. It satisfies bridge.NoteHandler.
func (i *Inbox) Store(ctx context.Context, note relay.Note) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := i.pathFor(note.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(note, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return err
	}
	if i.logger != nil {
		i.logger.Printf("stored note %s (%q)", note.ID, note.Title)
	}
	return nil
}

// Get returns the stored note with id, or false if there is none.
func (i *Inbox) Get(id string) (relay.Note, bool, error) {
	path, err := i.pathFor(id)
	if err != nil {
		return relay.Note{}, false, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return relay.Note{}, false, nil
	}
	if err != nil {
		return relay.Note{}, false, err
	}
	var note relay.Note
	if err := json.Unmarshal(data, &note); err != nil {
		return relay.Note{}, false, err
	}
	return note, true, nil
}

// List returns every stored note ordered by creation time, then id.
func (i *Inbox) List() ([]relay.Note, error) {
	entries, err := os.ReadDir(i.dir)
	if err != nil {
		return nil, err
	}
	notes := make([]relay.Note, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(i.dir, name))
		if err != nil {
			return nil, err
		}
		var note relay.Note
		if err := json.Unmarshal(data, &note); err != nil {
			if i.logger != nil {
				i.logger.Printf("skipping unreadable inbox file %s: %v", name, err)
			}
			continue
		}
		notes = append(notes, note)
	}
	sort.Slice(notes, func(a, b int) bool {
		if notes[a].Created != notes[b].Created {
			return notes[a].Created < notes[b].Created
		}
		return notes[a].ID < notes[b].ID
	})
	return notes, nil
}

func (i *Inbox) pathFor(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: note id is required", relay.ErrInvalidInput)
	}
	// Escaping keeps ids like "../x" inside the inbox.
	name := url.PathEscape(id)
	if strings.HasPrefix(name, ".") {
		name = "%2E" + name[1:]
	}
	return filepath.Join(i.dir, name+".json"), nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
