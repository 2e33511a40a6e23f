// Package webhook posts the outcome of sync sessions to a configured URL.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/marcus/rowsync/internal/models"
)

// dispatchTimeout bounds one POST.
const dispatchTimeout = 10 * time.Second

// Payload is the webhook POST body for one session.
type Payload struct {
	Database  string         `json:"database"`
	Timestamp string         `json:"timestamp"`
	Session   SessionPayload `json:"session"`
}

// SessionPayload summarizes a finished session.
type SessionPayload struct {
	Scope           string `json:"scope"`
	SessionID       string `json:"session_id,omitempty"`
	Stage           string `json:"stage"`
	Uploaded        int    `json:"uploaded"`
	Downloaded      int    `json:"downloaded"`
	Conflicts       int    `json:"conflicts"`
	RemoteTimestamp int64  `json:"remote_timestamp"`
	DurationMs      int64  `json:"duration_ms"`
	Error           string `json:"error,omitempty"`
}

// BuildPayload converts a session outcome into a webhook payload. res may be
// nil when the session never started.
func BuildPayload(database, scope string, res *models.SyncResult, err error) Payload {
	p := Payload{
		Database:  database,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Session:   SessionPayload{Scope: scope, Stage: string(models.StageFailed)},
	}
	if res != nil {
		p.Session = SessionPayload{
			Scope:           scope,
			SessionID:       res.SessionID,
			Stage:           string(res.Stage),
			Uploaded:        res.Uploaded,
			Downloaded:      res.Downloaded,
			Conflicts:       res.Conflicts(),
			RemoteTimestamp: res.RemoteTimestamp,
			DurationMs:      res.Duration.Milliseconds(),
		}
	}
	if err != nil {
		p.Session.Error = err.Error()
	}
	return p
}

// Sign returns the hex HMAC-SHA256 of "<unix timestamp>.<body>".
func Sign(secret, unixTS string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(unixTS))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Dispatch performs a synchronous HTTP POST to the webhook URL.
// Returns nil on success (2xx status).
func Dispatch(ctx context.Context, url, secret string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}

	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "rowsync-webhook/1")

	unixTS := fmt.Sprintf("%d", time.Now().Unix())
	req.Header.Set("X-Rowsync-Timestamp", unixTS)
	if secret != "" {
		req.Header.Set("X-Rowsync-Signature", "sha256="+Sign(secret, unixTS, body))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "POST %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Newf("POST %s: status %d", url, resp.StatusCode)
	}
	return nil
}
