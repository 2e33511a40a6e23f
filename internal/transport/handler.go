package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/marcus/rowsync/internal/batch"
	"github.com/marcus/rowsync/internal/models"
	"github.com/marcus/rowsync/internal/orchestrator"
	"github.com/marcus/rowsync/internal/syncerr"
	"github.com/marcus/rowsync/internal/version"
)

// DefaultSessionTTL is how long an idle session is kept.
const DefaultSessionTTL = 30 * time.Minute

// Remotes resolves the orchestrator serving a scope.
type Remotes interface {
	Remote(ctx context.Context, scope string) (*orchestrator.Remote, error)
}

// RemoteMap serves a fixed set of scopes.
type RemoteMap map[string]*orchestrator.Remote

func (m RemoteMap) Remote(_ context.Context, scope string) (*orchestrator.Remote, error) {
	r, ok := m[scope]
	if !ok {
		return nil, errors.Wrapf(syncerr.ErrScopeNotFound, "scope %s", scope)
	}
	return r, nil
}

// session is the remote-side state of one sync session.
type session struct {
	mu       sync.Mutex
	scope    string
	clientID string
	remote   *orchestrator.Remote
	in       *batch.Info
	out      *orchestrator.RemoteChanges
	started  time.Time
	touched  time.Time
}

func (s *session) close() {
	if s.in != nil {
		s.in.Close()
	}
	s.out.Close()
}

// Handler is the remote end of the protocol. It keeps per-session incoming
// and outgoing batches between steps and expires idle sessions.
type Handler struct {
	remotes  Remotes
	spoolDir string
	ttl      time.Duration
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// NewHandler builds a handler. spoolDir holds incoming batches on disk;
// empty keeps them in memory.
func NewHandler(remotes Remotes, spoolDir string, ttl time.Duration) *Handler {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Handler{
		remotes:  remotes,
		spoolDir: spoolDir,
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// Len returns the number of open sessions.
func (h *Handler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Expire closes sessions idle for longer than the TTL and returns how many
// were removed.
func (h *Handler) Expire() int {
	cutoff := h.now().Add(-h.ttl)
	var stale []*session

	h.mu.Lock()
	for id, s := range h.sessions {
		if s.touched.Before(cutoff) {
			stale = append(stale, s)
			delete(h.sessions, id)
		}
	}
	h.mu.Unlock()

	for _, s := range stale {
		s.mu.Lock()
		s.close()
		s.mu.Unlock()
	}
	return len(stale)
}

// Close drops every session.
func (h *Handler) Close() {
	h.mu.Lock()
	all := h.sessions
	h.sessions = make(map[string]*session)
	h.mu.Unlock()
	for _, s := range all {
		s.mu.Lock()
		s.close()
		s.mu.Unlock()
	}
}

// Handle answers one request envelope. Failures are reported in the
// response's Error field.
func (h *Handler) Handle(ctx context.Context, env *Envelope) *Envelope {
	resp := &Envelope{SessionID: env.SessionID, ScopeName: env.ScopeName, Step: env.Step}

	payload, err := h.dispatch(ctx, env)
	if err == nil {
		resp.Payload, err = encodePayload(payload)
	}
	if err != nil {
		if !syncerr.IsCancelled(err) {
			slog.Warn("sync step failed", "session", env.SessionID, "scope", env.ScopeName, "step", string(env.Step), "err", err)
		}
		resp.Error = syncerr.ToWire(err)
		resp.Payload = nil
	}
	return resp
}

// Send lets the handler serve as an in-process Transport.
func (h *Handler) Send(ctx context.Context, env *Envelope) (*Envelope, error) {
	return h.Handle(ctx, env), nil
}

func (h *Handler) dispatch(ctx context.Context, env *Envelope) (any, error) {
	if env.SessionID == "" {
		return nil, errors.New("missing session id")
	}
	switch env.Step {
	case StepEnsureScope:
		var req EnsureScopeRequest
		if err := decodePayload(env.Payload, &req); err != nil {
			return nil, err
		}
		return h.ensureScope(ctx, env, &req)
	case StepUploadPart:
		var req UploadPartRequest
		if err := decodePayload(env.Payload, &req); err != nil {
			return nil, err
		}
		return h.uploadPart(ctx, env, &req)
	case StepGetChanges:
		var req GetChangesRequest
		if err := decodePayload(env.Payload, &req); err != nil {
			return nil, err
		}
		return h.getChanges(env, &req)
	case StepEndSession:
		var req EndSessionRequest
		if err := decodePayload(env.Payload, &req); err != nil {
			return nil, err
		}
		return h.endSession(env, &req), nil
	}
	return nil, errors.Newf("unknown step %q", env.Step)
}

func (h *Handler) syncContext(env *Envelope, clientID string, stage models.Stage) models.SyncContext {
	return models.SyncContext{SessionID: env.SessionID, ScopeName: env.ScopeName, ClientScopeID: clientID, Stage: stage}
}

func (h *Handler) ensureScope(ctx context.Context, env *Envelope, req *EnsureScopeRequest) (*EnsureScopeResponse, error) {
	remote, err := h.remotes.Remote(ctx, env.ScopeName)
	if err != nil {
		return nil, err
	}
	ours := remote.Schema()
	if req.Schema != nil && req.Schema.Hash() != ours.Hash() {
		return nil, syncerr.NewSchemaMismatch(env.ScopeName, req.Schema.Diff(ours))
	}

	sc := h.syncContext(env, req.ClientID, models.StageSchemaNegotiated)
	scope, err := remote.EnsureScope(ctx, sc, req.SchemaHash, req.ProtocolVersion)
	if err != nil {
		return nil, err
	}

	in, err := remote.NewBatch(h.spoolDir)
	if err != nil {
		return nil, err
	}
	now := h.now()
	s := &session{
		scope:    env.ScopeName,
		clientID: req.ClientID,
		remote:   remote,
		in:       in,
		started:  now,
		touched:  now,
	}

	h.mu.Lock()
	old := h.sessions[env.SessionID]
	h.sessions[env.SessionID] = s
	h.mu.Unlock()
	if old != nil {
		old.mu.Lock()
		old.close()
		old.mu.Unlock()
	}

	slog.Info("sync session opened", "session", env.SessionID, "scope", env.ScopeName, "client", req.ClientID)
	return &EnsureScopeResponse{
		RemoteID:        scope.ID,
		SchemaHash:      scope.SchemaHash,
		ProtocolVersion: version.Protocol,
		Schema:          ours,
	}, nil
}

// lookup returns the locked session for env. The caller unlocks it.
func (h *Handler) lookup(env *Envelope) (*session, error) {
	h.mu.Lock()
	s, ok := h.sessions[env.SessionID]
	h.mu.Unlock()
	if !ok {
		return nil, errors.WithHint(errors.Wrapf(syncerr.ErrSessionNotFound, "session %s", env.SessionID),
			"the session expired or was never opened; run the sync again")
	}
	s.mu.Lock()
	if s.scope != env.ScopeName {
		s.mu.Unlock()
		return nil, errors.Newf("session %s belongs to scope %s", env.SessionID, s.scope)
	}
	s.touched = h.now()
	return s, nil
}

func (h *Handler) uploadPart(ctx context.Context, env *Envelope, req *UploadPartRequest) (*UploadPartResponse, error) {
	if req.Part == nil {
		return nil, errors.New("upload without a part")
	}
	s, err := h.lookup(env)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	if err := s.in.AddPart(req.Part.Tables, req.Part.Index, req.Part.IsLast); err != nil {
		return nil, err
	}
	resp := &UploadPartResponse{Received: s.in.Len()}
	if !req.Part.IsLast {
		return resp, nil
	}

	sc := h.syncContext(env, s.clientID, models.StageRemoteChangesApplied)
	out, err := s.remote.ApplyThenGetChanges(ctx, sc, s.clientID, s.in, req.Since, s.started)
	if err != nil {
		return nil, err
	}
	s.out = out
	resp.Applied = &ApplySummary{
		Stats:           out.Stats,
		RemoteTimestamp: out.Timestamp,
		Parts:           out.Batch.Len(),
		Rows:            out.Batch.RowCount(),
	}
	return resp, nil
}

func (h *Handler) getChanges(env *Envelope, req *GetChangesRequest) (*GetChangesResponse, error) {
	s, err := h.lookup(env)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	if s.out == nil {
		return nil, errors.New("changes requested before the upload completed")
	}
	part, err := s.out.Batch.LoadPart(req.Index)
	if err != nil {
		return nil, err
	}
	// Parts are never served twice, so they can go as soon as they are read.
	if err := s.out.Batch.Release(); err != nil {
		slog.Warn("release outgoing part", "session", env.SessionID, "err", err)
	}
	return &GetChangesResponse{Part: part, RemoteTimestamp: s.out.Timestamp}, nil
}

func (h *Handler) endSession(env *Envelope, req *EndSessionRequest) *EndSessionResponse {
	h.mu.Lock()
	s, ok := h.sessions[env.SessionID]
	delete(h.sessions, env.SessionID)
	h.mu.Unlock()
	if !ok {
		return &EndSessionResponse{Closed: false}
	}

	s.mu.Lock()
	s.close()
	s.mu.Unlock()
	slog.Info("sync session closed", "session", env.SessionID, "scope", env.ScopeName,
		"committed", req.Committed, "client_error", req.Err, "duration", h.now().Sub(s.started))
	return &EndSessionResponse{Closed: true}
}
