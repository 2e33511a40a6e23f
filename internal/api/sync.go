package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/marcus/rowsync/internal/syncerr"
	"github.com/marcus/rowsync/internal/transport"
)

// handleSync handles POST /v1/sync/{scope}. The body is one request
// envelope; protocol failures are reported inside the response envelope
// with status 200, so only malformed requests get an HTTP error.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	scope := r.PathValue("scope")

	var env transport.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid envelope: "+err.Error())
		return
	}
	if env.ScopeName != "" && env.ScopeName != scope {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "envelope scope does not match the url")
		return
	}
	if env.SessionID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "missing session id")
		return
	}
	env.ScopeName = scope

	resp := s.handler.Handle(r.Context(), &env)
	s.record(&env, resp)
	writeJSON(w, http.StatusOK, resp)
}

// record updates the sync metrics for one answered step.
func (s *Server) record(req, resp *transport.Envelope) {
	if resp.Error != nil {
		s.metrics.RecordProtocolError()
		return
	}
	switch req.Step {
	case transport.StepEnsureScope:
		s.metrics.RecordSession()
	case transport.StepUploadPart:
		s.metrics.RecordPartReceived()
		var up transport.UploadPartResponse
		if json.Unmarshal(resp.Payload, &up) == nil && up.Applied != nil {
			s.metrics.RecordRowsApplied(up.Applied.Stats.Applied)
		}
	case transport.StepGetChanges:
		s.metrics.RecordPartServed()
	}
}

// ScopeResponse describes one served scope.
type ScopeResponse struct {
	Name       string `json:"name"`
	SchemaHash string `json:"schema_hash"`
	Tables     int    `json:"tables"`
}

// handleListScopes handles GET /v1/scopes.
func (s *Server) handleListScopes(w http.ResponseWriter, r *http.Request) {
	out := make([]ScopeResponse, 0, len(s.pool.schemas))
	for _, name := range s.pool.Scopes() {
		sch := s.pool.schemas[name]
		out = append(out, ScopeResponse{Name: name, SchemaHash: sch.Hash(), Tables: len(sch.Tables)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"scopes": out})
}

// HistoryEntry is one client's last session against a scope.
type HistoryEntry struct {
	ClientID          string     `json:"client_id"`
	LastSyncTimestamp int64      `json:"last_sync_timestamp"`
	LastSync          *time.Time `json:"last_sync,omitempty"`
	DurationMs        int64      `json:"duration_ms"`
}

// handleHistory handles GET /v1/scopes/{scope}/history.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	scope := r.PathValue("scope")
	remote, err := s.pool.Remote(r.Context(), scope)
	if err != nil {
		if errors.Is(err, syncerr.ErrScopeNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "scope not found")
			return
		}
		logFor(r.Context()).Error("open scope", "scope", scope, "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to open scope")
		return
	}

	hist, err := remote.History(r.Context())
	if err != nil {
		logFor(r.Context()).Error("scope history", "scope", scope, "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to read history")
		return
	}
	out := make([]HistoryEntry, 0, len(hist))
	for _, h := range hist {
		out = append(out, HistoryEntry{
			ClientID:          h.ClientID,
			LastSyncTimestamp: h.LastSyncTimestamp,
			LastSync:          h.LastSync,
			DurationMs:        h.LastSyncDuration.Milliseconds(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"scope": scope, "clients": out})
}
