package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

const (
	TabEventTimestampHeader = "X-Relay-Timestamp"
	TabEventSignatureHeader = "X-Relay-Signature"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeToken checks a static bearer token. An empty configured token
// disables the check. Browser websocket upgrades cannot set headers, so the
// token may also arrive as the token query parameter.
func authorizeToken(r *http.Request, token string) *authError {
	if token == "" {
		return nil
	}
	presented := ""
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		presented = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	} else if query := r.URL.Query().Get("token"); query != "" {
		presented = strings.TrimSpace(query)
	}
	if presented == "" {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "bearer token mismatch"}
	}
	return nil
}

// SignTabEvent returns the hex HMAC-SHA256 of timestamp + "\n" + body, sent
// in TabEventSignatureHeader alongside TabEventTimestampHeader.
func SignTabEvent(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyTabEventHMAC(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || signature == "" {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing tab event signature headers"}
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid tab event timestamp"}
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "tab event outside replay window"}
	}
	expectedHex := SignTabEvent(secret, timestamp, body)
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expectedHex)) {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "tab event signature mismatch"}
	}
	return nil
}
