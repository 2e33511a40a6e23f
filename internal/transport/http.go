package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"github.com/marcus/rowsync/internal/syncerr"
)

// Sentinel errors for HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
)

// SyncPath is the route prefix of the sync endpoint; the scope name follows.
const SyncPath = "/v1/sync/"

// HTTPTransport sends envelopes to a rowsync server.
type HTTPTransport struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
	// Limiter, when set, paces outgoing requests.
	Limiter *rate.Limiter
}

// NewHTTP creates an HTTP transport.
func NewHTTP(baseURL, apiKey string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// apiError is the error body the server writes for non-protocol failures.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

type errorBody struct {
	Error apiError `json:"error"`
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// Health checks that the server is reachable.
func (t *HTTPTransport) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := t.doRequest(ctx, http.MethodGet, "/healthz", nil, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) Send(ctx context.Context, env *Envelope) (*Envelope, error) {
	var resp Envelope
	path := SyncPath + url.PathEscape(env.ScopeName)
	if err := t.doRequest(ctx, http.MethodPost, path, env, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) doRequest(ctx context.Context, method, path string, body, result any, auth bool) error {
	if t.Limiter != nil {
		if err := t.Limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.BaseURL+path, bodyReader)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth && t.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.APIKey)
	}

	resp, err := t.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &syncerr.TransientConnectionError{Attempts: 1, Err: errors.Wrap(err, "http request")}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &syncerr.TransientConnectionError{Attempts: 1, Err: errors.Wrap(err, "read response")}
	}

	if resp.StatusCode >= 400 {
		var eb errorBody
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &eb) == nil && eb.Error.Code != "" {
			msg = eb.Error.Message
		}
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return errors.Wrap(ErrUnauthorized, msg)
		case resp.StatusCode == http.StatusForbidden:
			return errors.Wrap(ErrForbidden, msg)
		case resp.StatusCode == http.StatusNotFound:
			return errors.Wrap(ErrNotFound, msg)
		case resp.StatusCode == http.StatusTooManyRequests:
			return errors.WithHint(errors.Wrap(ErrRateLimited, msg), "wait a moment and sync again")
		case resp.StatusCode >= 500:
			return &syncerr.TransientConnectionError{Attempts: 1, Err: errors.Newf("HTTP %d: %s", resp.StatusCode, msg)}
		case eb.Error.Code != "":
			return &eb.Error
		}
		return errors.Newf("HTTP %d: %s", resp.StatusCode, msg)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return errors.Wrap(err, "unmarshal response")
		}
	}
	return nil
}
