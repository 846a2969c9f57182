package relay

import "testing"

func TestTabLocatorPrefixMatchAndTransitions(t *testing.T) {
	locator := NewTabLocator("http://127.0.0.1:3000/index.html", MatchPrefix)

	if locator.OnNavigationComplete(7, "loading", "http://127.0.0.1:3000/index.html") {
		t.Fatalf("expected loading status to be ignored")
	}
	if _, ok := locator.Current(); ok {
		t.Fatalf("expected no tab before navigation completes")
	}
	if !locator.OnNavigationComplete(7, NavigationComplete, "http://127.0.0.1:3000/index.html#folder-1") {
		t.Fatalf("expected none -> known transition")
	}
	if locator.OnNavigationComplete(7, NavigationComplete, "http://127.0.0.1:3000/index.html") {
		t.Fatalf("expected re-navigation of same tab not to report a transition")
	}
	tab, ok := locator.Current()
	if !ok || tab != 7 {
		t.Fatalf("expected tab 7, got %d (ok=%v)", tab, ok)
	}

	if locator.OnTabClosed(8) {
		t.Fatalf("expected closing unrelated tab to be a no-op")
	}
	if tab, ok := locator.Current(); !ok || tab != 7 {
		t.Fatalf("expected tab 7 to remain, got %d (ok=%v)", tab, ok)
	}
	if !locator.OnTabClosed(7) {
		t.Fatalf("expected closing app tab to clear the reference")
	}
	if _, ok := locator.Current(); ok {
		t.Fatalf("expected no tab after close")
	}
}

func TestTabLocatorIgnoresForeignOrigins(t *testing.T) {
	locator := NewTabLocator("http://127.0.0.1:3000/index.html", MatchPrefix)
	if locator.OnNavigationComplete(3, NavigationComplete, "https://example.com/?next=http://127.0.0.1:3000/index.html") {
		t.Fatalf("expected foreign url not to match")
	}
	if _, ok := locator.Current(); ok {
		t.Fatalf("expected no tab held")
	}
}

func TestTabLocatorExactMatch(t *testing.T) {
	locator := NewTabLocator("http://127.0.0.1:3000/index.html", MatchExact)
	if locator.OnNavigationComplete(1, NavigationComplete, "http://127.0.0.1:3000/index.html?x=1") {
		t.Fatalf("expected exact mode to reject query suffix")
	}
	if !locator.OnNavigationComplete(1, NavigationComplete, "http://127.0.0.1:3000/index.html") {
		t.Fatalf("expected exact url to match")
	}
}

func TestTabLocatorReplacesTabWithoutTransition(t *testing.T) {
	locator := NewTabLocator("http://app.local/", MatchPrefix)
	locator.OnNavigationComplete(1, NavigationComplete, "http://app.local/")
	if locator.OnNavigationComplete(2, NavigationComplete, "http://app.local/") {
		t.Fatalf("expected known -> known not to be reported as a transition")
	}
	if tab, _ := locator.Current(); tab != 2 {
		t.Fatalf("expected latest tab 2, got %d", tab)
	}
	if locator.OnTabClosed(1) {
		t.Fatalf("expected stale tab close to be ignored")
	}
}

func TestParseMatchMode(t *testing.T) {
	if mode, err := ParseMatchMode(""); err != nil || mode != MatchPrefix {
		t.Fatalf("expected prefix default, got %q (%v)", mode, err)
	}
	if mode, err := ParseMatchMode(" EXACT "); err != nil || mode != MatchExact {
		t.Fatalf("expected exact, got %q (%v)", mode, err)
	}
	if _, err := ParseMatchMode("contains"); err == nil {
		t.Fatalf("expected error for unsupported mode")
	}
}
