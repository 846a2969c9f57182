package relay

import (
	"fmt"
	"strings"
	"sync"
)

type TabID int

// TabRef is a possibly-empty reference to the application tab.
type TabRef struct {
	ID    TabID
	Known bool
}

const NavigationComplete = "complete"

type MatchMode string

const (
	MatchPrefix MatchMode = "prefix"
	MatchExact  MatchMode = "exact"
)

func ParseMatchMode(raw string) (MatchMode, error) {
	switch MatchMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", MatchPrefix:
		return MatchPrefix, nil
	case MatchExact:
		return MatchExact, nil
	default:
		return "", fmt.Errorf("%w: match mode %q", ErrInvalidInput, raw)
	}
}

// TabLocator holds the single reference to the application's open tab.
type TabLocator struct {
	origin string
	mode   MatchMode

	mu    sync.Mutex
	tab   TabID
	known bool
}

func NewTabLocator(origin string, mode MatchMode) *TabLocator {
	if mode == "" {
		mode = MatchPrefix
	}
	return &TabLocator{
		origin: strings.TrimSpace(origin),
		mode:   mode,
	}
}

func (l *TabLocator) Origin() string {
	return l.origin
}

func (l *TabLocator) Matches(url string) bool {
	if l.origin == "" {
		return false
	}
	url = strings.TrimSpace(url)
	if l.mode == MatchExact {
		return url == l.origin
	}
	return strings.HasPrefix(url, l.origin)
}

// OnNavigationComplete records tabID as the application tab when url matches
// the configured origin. It reports true only for a none -> known transition.
func (l *TabLocator) OnNavigationComplete(tabID TabID, status, url string) bool {
	if status != NavigationComplete || !l.Matches(url) {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	wasKnown := l.known
	l.tab = tabID
	l.known = true
	return !wasKnown
}

// OnTabClosed clears the reference if tabID is the application tab.
func (l *TabLocator) OnTabClosed(tabID TabID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.known || l.tab != tabID {
		return false
	}
	l.tab = 0
	l.known = false
	return true
}

func (l *TabLocator) Current() (TabID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tab, l.known
}

func (l *TabLocator) Ref() TabRef {
	tab, known := l.Current()
	return TabRef{ID: tab, Known: known}
}
