package relay

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrQueueFull      = errors.New("queue full")
	ErrPersistence    = errors.New("persistence failed")
	ErrUnknownAction  = errors.New("unknown action")
	ErrNoListener     = errors.New("no listener registered")
)

const (
	DefaultNoteTitle = "New Note"
	MaxTitleRunes    = 50
)

type Origin string

const (
	OriginApp       Origin = "app"
	OriginExtension Origin = "extension"
)

// Note is the unit exchanged between the capture surfaces, the pending queue
// and the application context. Field names are part of the wire contract.
type Note struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Created string `json:"created"`
	Origin  Origin `json:"origin,omitempty"`
}

// NormalizeNote applies the defaults every note carries once it enters the
// relay. It does not invent identifiers.
func NormalizeNote(n Note, now time.Time) (Note, error) {
	n.ID = strings.TrimSpace(n.ID)
	if n.ID == "" {
		return Note{}, ErrInvalidInput
	}
	n.Title = normalizeTitle(n.Title)
	if strings.TrimSpace(n.Created) == "" {
		n.Created = now.UTC().Format(time.RFC3339)
	}
	switch n.Origin {
	case OriginApp, OriginExtension:
	default:
		n.Origin = OriginExtension
	}
	return n, nil
}

func normalizeTitle(title string) string {
	title = strings.TrimSpace(norm.NFC.String(title))
	if title == "" {
		return DefaultNoteTitle
	}
	if utf8.RuneCountInString(title) <= MaxTitleRunes {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:MaxTitleRunes]))
}
