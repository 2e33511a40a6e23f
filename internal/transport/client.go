package transport

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/marcus/rowsync/internal/syncerr"
)

// Client is the local side's typed view of one session over a Transport.
type Client struct {
	t         Transport
	scope     string
	sessionID string
}

// NewClient binds a transport to one session of scope.
func NewClient(t Transport, scope, sessionID string) *Client {
	return &Client{t: t, scope: scope, sessionID: sessionID}
}

func (c *Client) SessionID() string { return c.sessionID }

// EnsureScope opens the session on the remote.
func (c *Client) EnsureScope(ctx context.Context, req *EnsureScopeRequest) (*EnsureScopeResponse, error) {
	var resp EnsureScopeResponse
	if err := c.call(ctx, StepEnsureScope, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadPart sends one part of the local changes.
func (c *Client) UploadPart(ctx context.Context, req *UploadPartRequest) (*UploadPartResponse, error) {
	var resp UploadPartResponse
	if err := c.call(ctx, StepUploadPart, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetChanges fetches one part of the remote changes.
func (c *Client) GetChanges(ctx context.Context, index int) (*GetChangesResponse, error) {
	var resp GetChangesResponse
	if err := c.call(ctx, StepGetChanges, &GetChangesRequest{Index: index}, &resp); err != nil {
		return nil, err
	}
	if resp.Part == nil {
		return nil, errors.Newf("remote returned no part %d", index)
	}
	return &resp, nil
}

// EndSession tells the remote the session is over so it can drop its state.
func (c *Client) EndSession(ctx context.Context, req *EndSessionRequest) (*EndSessionResponse, error) {
	var resp EndSessionResponse
	if err := c.call(ctx, StepEndSession, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) call(ctx context.Context, step Step, req, resp any) error {
	payload, err := encodePayload(req)
	if err != nil {
		return err
	}
	out, err := c.t.Send(ctx, &Envelope{
		SessionID: c.sessionID,
		ScopeName: c.scope,
		Step:      step,
		Payload:   payload,
	})
	if err != nil {
		return errors.Wrapf(err, "%s", step)
	}
	if out.Error != nil {
		return syncerr.FromWire(c.scope, out.Error)
	}
	if out.SessionID != c.sessionID {
		return errors.Newf("%s: response for session %q, want %q", step, out.SessionID, c.sessionID)
	}
	return decodePayload(out.Payload, resp)
}
