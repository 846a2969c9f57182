package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/stickyrelay/internal/bridge"
	"github.com/agentworkforce/stickyrelay/internal/relay"
)

type ServerConfig struct {
	Token           string
	TabEventSecret  string
	TabEventMaxSkew time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	service     *relay.Service
	hub         http.Handler
	cfg         ServerConfig
	rateLimiter *rateLimiter
	replayMu    sync.Mutex
	replaySeen  map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type tabUpdatedRequest struct {
	TabID  *int   `json:"tabId"`
	Status string `json:"status"`
	URL    string `json:"url"`
}

type tabRemovedRequest struct {
	TabID *int `json:"tabId"`
}

type tabEventResponse struct {
	AppTabChanged bool `json:"appTabChanged"`
	AppOpen       bool `json:"appOpen"`
}

func NewServer(service *relay.Service, hub *bridge.Hub) *Server {
	return NewServerWithConfig(service, hub, ServerConfig{})
}

func NewServerWithConfig(service *relay.Service, hub *bridge.Hub, cfg ServerConfig) *Server {
	if cfg.TabEventMaxSkew <= 0 {
		cfg.TabEventMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		service:     service,
		cfg:         cfg,
		rateLimiter: limiter,
		replaySeen:  map[string]time.Time{},
	}
	if hub != nil {
		s.hub = hub
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID != "" {
		w.Header().Set("X-Correlation-Id", correlationID)
	}

	switch {
	case r.URL.Path == "/v1/tabs/updated" && r.Method == http.MethodPost:
		s.handleTabUpdated(w, r, correlationID)
		return
	case r.URL.Path == "/v1/tabs/removed" && r.Method == http.MethodPost:
		s.handleTabRemoved(w, r, correlationID)
		return
	}

	var route string
	switch {
	case r.URL.Path == "/v1/runtime/messages" && r.Method == http.MethodPost:
		route = "runtime_message"
	case r.URL.Path == "/v1/pending" && r.Method == http.MethodGet:
		route = "pending"
	case r.URL.Path == "/v1/status" && r.Method == http.MethodGet:
		route = "status"
	case r.URL.Path == bridge.ConnectPath && r.Method == http.MethodGet:
		route = "app_connect"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if authErr := authorizeToken(r, s.cfg.Token); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}

	switch route {
	case "runtime_message":
		if !s.allow(w, r, correlationID) {
			return
		}
		s.handleRuntimeMessage(w, r, correlationID)
	case "pending":
		writeJSON(w, http.StatusOK, map[string]any{relay.PendingRecordName: s.service.Pending()})
	case "status":
		writeJSON(w, http.StatusOK, s.service.Status())
	case "app_connect":
		if s.hub == nil {
			writeError(w, http.StatusServiceUnavailable, "bridge_unavailable", "application bridge is not configured", correlationID)
			return
		}
		s.hub.ServeHTTP(w, r)
	}
}

func (s *Server) handleRuntimeMessage(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	msg, err := relay.DecodeRuntimeMessage(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_message", err.Error(), correlationID)
		return
	}
	reply, err := s.service.HandleRuntimeMessage(r.Context(), msg)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, reply)
	case errors.Is(err, relay.ErrUnknownAction):
		// Not addressed to the relay.
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, relay.ErrQueueFull):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"success":       false,
			"code":          "queue_full",
			"message":       "pending queue is full",
			"correlationId": correlationID,
		})
	case errors.Is(err, relay.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_message", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (s *Server) handleTabUpdated(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readTabEventBody(w, r, correlationID)
	if !ok {
		return
	}
	var req tabUpdatedRequest
	if err := json.Unmarshal(body, &req); err != nil || req.TabID == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "tabId, status and url are required", correlationID)
		return
	}
	changed := s.service.TabUpdated(relay.TabID(*req.TabID), req.Status, req.URL)
	writeJSON(w, http.StatusOK, tabEventResponse{
		AppTabChanged: changed,
		AppOpen:       s.service.Status().AppOpen,
	})
}

func (s *Server) handleTabRemoved(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readTabEventBody(w, r, correlationID)
	if !ok {
		return
	}
	var req tabRemovedRequest
	if err := json.Unmarshal(body, &req); err != nil || req.TabID == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "tabId is required", correlationID)
		return
	}
	changed := s.service.TabClosed(relay.TabID(*req.TabID))
	writeJSON(w, http.StatusOK, tabEventResponse{
		AppTabChanged: changed,
		AppOpen:       s.service.Status().AppOpen,
	})
}

// readTabEventBody authenticates a tab lifecycle event. With a tab event
// secret configured the body must be HMAC-signed and fresh; otherwise the
// bearer token applies.
func (s *Server) readTabEventBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	if s.cfg.TabEventSecret == "" {
		if authErr := authorizeToken(r, s.cfg.Token); authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return nil, false
		}
		return s.readRequestBody(w, r, correlationID)
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return nil, false
	}
	now := time.Now().UTC()
	timestamp := r.Header.Get(TabEventTimestampHeader)
	signature := r.Header.Get(TabEventSignatureHeader)
	if authErr := verifyTabEventHMAC(s.cfg.TabEventSecret, timestamp, signature, body, now, s.cfg.TabEventMaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return nil, false
	}
	if !s.markReplaySeen(timestamp, signature, now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "tab event replay detected", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, correlationID string) bool {
	if s.rateLimiter == nil {
		return true
	}
	if s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
		return true
	}
	retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
	return false
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) markReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.TabEventMaxSkew
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	for replayKey, expiresAt := range s.replaySeen {
		if !now.Before(expiresAt) {
			delete(s.replaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.replaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.replaySeen[key] = now.Add(window)
	return true
}
