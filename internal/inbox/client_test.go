package inbox

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/stickyrelay/internal/httpapi"
	"github.com/agentworkforce/stickyrelay/internal/relay"
)

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/status" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"appOpen":true,"tabId":7,"appOrigin":"http://127.0.0.1:3000/index.html","pending":2,"pendingCapacity":1024}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", "", server.Client())
	status, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if !status.AppOpen || status.TabID == nil || *status.TabID != 7 || status.Pending != 2 {
		t.Fatalf("unexpected status %+v", status)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientDoesNotRetryTabEvents(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"code":"unavailable","message":"try later"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", "", server.Client())
	_, err := client.TabRemoved(context.Background(), 3)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusServiceUnavailable || httpErr.Code != "unavailable" {
		t.Fatalf("unexpected error %+v", httpErr)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientSignsTabEvents(t *testing.T) {
	fixed := time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tabs/updated" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		timestamp := r.Header.Get(httpapi.TabEventTimestampHeader)
		if timestamp != fixed.Format(time.RFC3339) {
			t.Errorf("unexpected timestamp %q", timestamp)
		}
		if got := r.Header.Get(httpapi.TabEventSignatureHeader); got != httpapi.SignTabEvent("tab-secret", timestamp, body) {
			t.Errorf("signature does not match body %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"appTabChanged":true,"appOpen":true}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", "tab-secret", server.Client())
	client.now = func() time.Time { return fixed }
	result, err := client.TabUpdated(context.Background(), 7, "http://127.0.0.1:3000/index.html")
	if err != nil {
		t.Fatalf("tab updated failed: %v", err)
	}
	if !result.AppTabChanged || !result.AppOpen {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestHTTPClientPending(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"pendingNotes":[{"id":"n1","title":"Queued"}]}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", "", server.Client())
	notes, err := client.Pending(context.Background())
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if len(notes) != 1 || notes[0] != (relay.Note{ID: "n1", Title: "Queued"}) {
		t.Fatalf("unexpected pending notes %+v", notes)
	}
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	client := NewHTTPClient("", "", "", nil)
	if got := client.retryDelay(1, "1"); got != time.Second {
		t.Fatalf("expected 1s from Retry-After, got %s", got)
	}
	if got := client.retryDelay(1, "30"); got != 2*time.Second {
		t.Fatalf("expected Retry-After clamped to 2s, got %s", got)
	}
	if got := client.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("expected 400ms backoff, got %s", got)
	}
	if client.BaseURL() != "http://127.0.0.1:8080" {
		t.Fatalf("unexpected default base url %q", client.BaseURL())
	}
}
