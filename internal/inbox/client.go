package inbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/stickyrelay/internal/httpapi"
	"github.com/agentworkforce/stickyrelay/internal/relay"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type TabEventResult struct {
	AppTabChanged bool `json:"appTabChanged"`
	AppOpen       bool `json:"appOpen"`
}

// HTTPClient talks to the relay's HTTP surface on behalf of an application
// tab: it reports the tab's lifecycle and reads relay state.
type HTTPClient struct {
	baseURL        string
	token          string
	tabEventSecret string
	httpClient     *http.Client
	maxRetries     int
	baseDelay      time.Duration
	maxDelay       time.Duration
	now            func() time.Time
}

func NewHTTPClient(baseURL, token, tabEventSecret string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:        baseURL,
		token:          strings.TrimSpace(token),
		tabEventSecret: tabEventSecret,
		httpClient:     httpClient,
		maxRetries:     3,
		baseDelay:      100 * time.Millisecond,
		maxDelay:       2 * time.Second,
		now:            time.Now,
	}
}

func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// TabUpdated reports a finished navigation of tab to url.
func (c *HTTPClient) TabUpdated(ctx context.Context, tab relay.TabID, url string) (TabEventResult, error) {
	var out TabEventResult
	err := c.postTabEvent(ctx, "/v1/tabs/updated", map[string]any{
		"tabId":  int(tab),
		"status": relay.NavigationComplete,
		"url":    url,
	}, &out)
	return out, err
}

func (c *HTTPClient) TabRemoved(ctx context.Context, tab relay.TabID) (TabEventResult, error) {
	var out TabEventResult
	err := c.postTabEvent(ctx, "/v1/tabs/removed", map[string]any{"tabId": int(tab)}, &out)
	return out, err
}

func (c *HTTPClient) Status(ctx context.Context) (relay.StatusReport, error) {
	var out relay.StatusReport
	err := c.doJSON(ctx, http.MethodGet, "/v1/status", nil, nil, &out)
	return out, err
}

func (c *HTTPClient) Pending(ctx context.Context) ([]relay.Note, error) {
	var out struct {
		PendingNotes []relay.Note `json:"pendingNotes"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/pending", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.PendingNotes, nil
}

func (c *HTTPClient) postTabEvent(ctx context.Context, requestPath string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	var headers map[string]string
	if c.tabEventSecret != "" {
		timestamp := c.now().UTC().Format(time.RFC3339)
		headers = map[string]string{
			httpapi.TabEventTimestampHeader: timestamp,
			httpapi.TabEventSignatureHeader: httpapi.SignTabEvent(c.tabEventSecret, timestamp, payload),
		}
	}
	return c.doJSON(ctx, http.MethodPost, requestPath, headers, payload, out)
}

func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	bodyBytes []byte,
	out any,
) error {
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		// Signed tab events carry a one-time signature, so only reads retry on
		// a server answer.
		retryable := resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)
		if retryable && method == http.MethodGet && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return fmt.Sprintf("inbox_%d", time.Now().UnixNano())
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
