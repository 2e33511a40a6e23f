// Package transport carries session steps between a local participant and a
// remote one. Every step is a request Envelope answered by a response
// Envelope; the session id flows through unchanged.
package transport

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"

	"github.com/marcus/rowsync/internal/batch"
	"github.com/marcus/rowsync/internal/models"
	"github.com/marcus/rowsync/internal/schema"
	"github.com/marcus/rowsync/internal/syncerr"
)

// Step names one protocol message.
type Step string

const (
	StepEnsureScope Step = "ensure_scope"
	StepUploadPart  Step = "upload_part"
	StepGetChanges  Step = "get_changes"
	StepEndSession  Step = "end_session"
)

// Envelope is the unit exchanged on the wire.
type Envelope struct {
	SessionID string             `json:"session_id"`
	ScopeName string             `json:"scope_name"`
	Step      Step               `json:"step"`
	Payload   json.RawMessage    `json:"payload,omitempty"`
	Error     *syncerr.WireError `json:"error,omitempty"`
}

// Transport delivers a request envelope and returns the peer's response.
// A non-nil error means the exchange itself failed; protocol errors travel
// in Envelope.Error.
type Transport interface {
	Send(ctx context.Context, env *Envelope) (*Envelope, error)
}

// EnsureScopeRequest opens a session.
type EnsureScopeRequest struct {
	ClientID        string         `json:"client_id"`
	SchemaHash      string         `json:"schema_hash"`
	ProtocolVersion string         `json:"protocol_version"`
	Schema          *schema.Schema `json:"schema,omitempty"`
}

// EnsureScopeResponse describes the remote scope.
type EnsureScopeResponse struct {
	RemoteID        string         `json:"remote_id"`
	SchemaHash      string         `json:"schema_hash"`
	ProtocolVersion string         `json:"protocol_version"`
	Schema          *schema.Schema `json:"schema,omitempty"`
}

// UploadPartRequest carries one part of the client's changes. Since is the
// remote watermark the client stored after its last session.
type UploadPartRequest struct {
	ClientID string      `json:"client_id"`
	Since    int64       `json:"since"`
	Part     *batch.Part `json:"part"`
}

// UploadPartResponse acknowledges a part. Once the last part arrived the
// remote applied the upload and reports the outgoing batch in Applied.
type UploadPartResponse struct {
	Received int           `json:"received"`
	Applied  *ApplySummary `json:"applied,omitempty"`
}

// ApplySummary is the remote's result of applying an upload.
type ApplySummary struct {
	Stats           models.ApplyStats `json:"stats"`
	RemoteTimestamp int64             `json:"remote_timestamp"`
	Parts           int               `json:"parts"`
	Rows            int               `json:"rows"`
}

// GetChangesRequest asks for one part of the remote's changes.
type GetChangesRequest struct {
	Index int `json:"index"`
}

// GetChangesResponse carries one part of the remote's changes.
type GetChangesResponse struct {
	Part            *batch.Part `json:"part"`
	RemoteTimestamp int64       `json:"remote_timestamp"`
}

// EndSessionRequest closes a session. Err is set when the client failed.
type EndSessionRequest struct {
	Committed bool   `json:"committed"`
	Err       string `json:"error,omitempty"`
}

// EndSessionResponse acknowledges the end of a session.
type EndSessionResponse struct {
	Closed bool `json:"closed"`
}

func encodePayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}
	return data, nil
}

// decodePayload keeps numbers as json.Number so row values survive without
// float rounding until the schema coerces them.
func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("empty payload")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "decode payload")
	}
	return nil
}
