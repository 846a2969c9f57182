package relay

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestNormalizeNoteDefaults(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	note, err := NormalizeNote(Note{ID: " n1 ", Title: "   "}, now)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if note.ID != "n1" {
		t.Fatalf("expected trimmed id, got %q", note.ID)
	}
	if note.Title != DefaultNoteTitle {
		t.Fatalf("expected placeholder title, got %q", note.Title)
	}
	if note.Created != "2026-10-17T10:00:00Z" {
		t.Fatalf("expected UTC creation time, got %q", note.Created)
	}
	if note.Origin != OriginExtension {
		t.Fatalf("expected extension origin, got %q", note.Origin)
	}
}

func TestNormalizeNoteKeepsProvidedFields(t *testing.T) {
	in := Note{ID: "n2", Title: "Work Tasks", Content: "Finish report", Created: "2026-01-01T00:00:00Z", Origin: OriginApp}
	note, err := NormalizeNote(in, time.Now())
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if note != in {
		t.Fatalf("expected note unchanged, got %+v", note)
	}
}

func TestNormalizeNoteTitleNormalization(t *testing.T) {
	// "e" followed by a combining acute accent composes to a single rune.
	note, err := NormalizeNote(Note{ID: "n3", Title: "Cafe\u0301"}, time.Now())
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if note.Title != "Caf\u00e9" {
		t.Fatalf("expected NFC title, got %q", note.Title)
	}

	long := strings.Repeat("ab", 40)
	note, err = NormalizeNote(Note{ID: "n4", Title: long}, time.Now())
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if utf8.RuneCountInString(note.Title) != MaxTitleRunes {
		t.Fatalf("expected title capped at %d runes, got %d", MaxTitleRunes, utf8.RuneCountInString(note.Title))
	}
}

func TestNormalizeNoteRequiresIdentifier(t *testing.T) {
	if _, err := NormalizeNote(Note{Title: "x"}, time.Now()); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
