// Package agent drives one sync session between a local orchestrator and a
// remote participant reached through a transport.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/marcus/rowsync/internal/batch"
	"github.com/marcus/rowsync/internal/events"
	"github.com/marcus/rowsync/internal/models"
	"github.com/marcus/rowsync/internal/orchestrator"
	"github.com/marcus/rowsync/internal/syncerr"
	"github.com/marcus/rowsync/internal/transport"
	"github.com/marcus/rowsync/internal/version"
)

// endSessionTimeout bounds the courtesy end_session call after a session.
const endSessionTimeout = 5 * time.Second

// Agent runs sync sessions for one scope. Sessions of one Agent must not
// overlap; agents of different scopes are independent.
type Agent struct {
	local     *orchestrator.Local
	transport transport.Transport
	spoolDir  string
	log       *slog.Logger
}

// New creates an agent. spoolDir holds downloaded parts on disk; empty keeps
// them in memory.
func New(local *orchestrator.Local, t transport.Transport, spoolDir string) *Agent {
	return &Agent{
		local:     local,
		transport: t,
		spoolDir:  spoolDir,
		log:       slog.Default().With("scope", local.ScopeName()),
	}
}

// Events returns the registry session events are raised on. It is shared
// with the local orchestrator.
func (a *Agent) Events() *events.Registry { return a.local.Events() }

// session is the mutable state of one Synchronize call.
type session struct {
	sc     models.SyncContext
	client *transport.Client
	result *models.SyncResult

	remoteID string
	up       *orchestrator.LocalChanges
	down     *batch.Info
	applied  *transport.ApplySummary
	// opened is set once the remote holds state for the session.
	opened bool
	// remoteCommitted is set once the remote persisted its side.
	remoteCommitted bool
}

func (s *session) close() {
	s.up.Close()
	if s.down != nil {
		s.down.Close()
	}
}

// Synchronize runs one full session. The returned result is never nil; its
// Stage is Committed on success and Failed or Cancelled otherwise.
func (a *Agent) Synchronize(ctx context.Context) (*models.SyncResult, error) {
	started := time.Now()
	s := &session{
		sc: models.SyncContext{
			SessionID: uuid.NewString(),
			ScopeName: a.local.ScopeName(),
			Stage:     models.StageIdle,
		},
	}
	s.client = transport.NewClient(a.transport, s.sc.ScopeName, s.sc.SessionID)
	s.result = &models.SyncResult{
		SessionID: s.sc.SessionID,
		ScopeName: s.sc.ScopeName,
		Stage:     models.StageIdle,
		StartedAt: started,
	}
	defer s.close()

	err := a.run(ctx, s, started)
	if err != nil {
		if s.remoteCommitted {
			err = syncerr.NewPartialSync(s.sc.ScopeName, s.applied.RemoteTimestamp, err)
		}
		final := models.StageFailed
		if syncerr.IsCancelled(err) {
			final = models.StageCancelled
		}
		// The session already failed; a handler cannot cancel it further.
		_ = a.transition(ctx, s, final)
	}

	a.endSession(ctx, s, err)

	s.result.CompletedAt = time.Now()
	s.result.Duration = s.result.CompletedAt.Sub(started)
	_ = a.Events().Dispatch(ctx, &events.SessionEndArgs{
		Base:   events.NewBase(s.sc, models.RoleLocal),
		Result: s.result,
		Err:    err,
	})

	if err != nil {
		a.log.Warn("sync failed", "session", s.sc.SessionID, "stage", string(s.result.Stage), "err", err)
		return s.result, err
	}
	a.log.Info("sync committed", "session", s.sc.SessionID,
		"uploaded", s.result.Uploaded, "downloaded", s.result.Downloaded,
		"conflicts", s.result.Conflicts(), "duration", s.result.Duration)
	return s.result, nil
}

func (a *Agent) run(ctx context.Context, s *session, started time.Time) error {
	if err := a.Events().Dispatch(ctx, &events.SessionBeginArgs{Base: events.NewBase(s.sc, models.RoleLocal)}); err != nil {
		return err
	}

	if err := a.negotiate(ctx, s); err != nil {
		return err
	}
	if err := a.transition(ctx, s, models.StageSchemaNegotiated); err != nil {
		return err
	}

	up, err := a.local.GetChanges(ctx, s.sc, s.remoteID)
	if err != nil {
		return err
	}
	s.up = up
	s.result.Uploaded = up.Batch.RowCount()
	if err := a.transition(ctx, s, models.StageLocalChangesSelected); err != nil {
		return err
	}

	if err := a.upload(ctx, s); err != nil {
		return err
	}
	s.result.RemoteApplied = s.applied.Stats
	s.result.RemoteTimestamp = s.applied.RemoteTimestamp
	for _, stage := range []models.Stage{models.StageChangesExchanged, models.StageRemoteChangesApplied} {
		if err := a.transition(ctx, s, stage); err != nil {
			return err
		}
	}

	if err := a.download(ctx, s); err != nil {
		return err
	}
	s.result.Downloaded = s.down.RowCount()
	if err := a.transition(ctx, s, models.StageRemoteChangesSelected); err != nil {
		return err
	}

	stats, scope, err := a.local.ApplyChanges(ctx, s.sc, s.down, s.remoteID, up.Snapshot, s.applied.RemoteTimestamp, started)
	if err != nil {
		return err
	}
	s.result.LocalApplied = stats
	s.result.LocalTimestamp = scope.LastSyncTimestamp

	// The local transaction is committed: the session can no longer be cancelled.
	_ = a.transition(ctx, s, models.StageLocalChangesApplied)
	_ = a.transition(ctx, s, models.StageCommitted)
	return nil
}

// negotiate ensures both scopes exist and agree on schema and protocol.
func (a *Agent) negotiate(ctx context.Context, s *session) error {
	scope, err := a.local.EnsureScope(ctx, s.sc)
	if err != nil {
		return err
	}
	s.sc.ClientScopeID = scope.ID

	ours := a.local.Schema()
	resp, err := s.client.EnsureScope(ctx, &transport.EnsureScopeRequest{
		ClientID:        scope.ID,
		SchemaHash:      ours.Hash(),
		ProtocolVersion: version.Protocol,
		Schema:          ours,
	})
	if err != nil {
		return err
	}
	s.opened = true
	if err := version.Compatible(version.Protocol, resp.ProtocolVersion); err != nil {
		return syncerr.NewSchemaMismatch(s.sc.ScopeName, []string{err.Error()})
	}
	if resp.SchemaHash != ours.Hash() {
		diff := []string{"remote schema hash " + resp.SchemaHash + " differs from " + ours.Hash()}
		if resp.Schema != nil {
			diff = ours.Diff(resp.Schema)
		}
		return syncerr.NewSchemaMismatch(s.sc.ScopeName, diff)
	}
	if resp.RemoteID == "" {
		return errors.New("remote did not report its participant id")
	}
	s.remoteID = resp.RemoteID
	return nil
}

// upload sends every local part in order; the remote applies them once the
// last part arrived.
func (a *Agent) upload(ctx context.Context, s *session) error {
	n := s.up.Batch.Len()
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		part, err := s.up.Batch.LoadPart(i)
		if err != nil {
			return err
		}
		resp, err := s.client.UploadPart(ctx, &transport.UploadPartRequest{
			ClientID: s.sc.ClientScopeID,
			Since:    s.up.Scope.LastRemoteTimestamp,
			Part:     part,
		})
		if err != nil {
			return errors.Wrapf(err, "upload part %d", i)
		}
		if part.IsLast {
			if resp.Applied == nil {
				return errors.New("remote acknowledged the last part without applying it")
			}
			s.applied = resp.Applied
			s.remoteCommitted = true
		}
		if err := a.Events().Dispatch(ctx, &events.PartUploadedArgs{
			Base:  events.NewBase(s.sc, models.RoleLocal),
			Index: i,
			Count: n,
			Rows:  part.RowCount(),
		}); err != nil {
			return err
		}
	}
	if s.applied == nil {
		return errors.New("local selection has no last part")
	}
	// Uploaded parts are never needed again.
	if err := s.up.Batch.Release(); err != nil {
		a.log.Warn("release uploaded parts", "session", s.sc.SessionID, "err", err)
	}
	return nil
}

// download fetches the remote's changes into a local batch.
func (a *Agent) download(ctx context.Context, s *session) error {
	in, err := a.local.NewBatch(a.spoolDir)
	if err != nil {
		return err
	}
	s.down = in
	for i := 0; i < s.applied.Parts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := s.client.GetChanges(ctx, i)
		if err != nil {
			return errors.Wrapf(err, "download part %d", i)
		}
		if resp.Part.Index != i {
			return errors.Newf("remote sent part %d, want %d", resp.Part.Index, i)
		}
		if err := in.AddPart(resp.Part.Tables, i, resp.Part.IsLast); err != nil {
			return err
		}
		if err := a.Events().Dispatch(ctx, &events.PartDownloadedArgs{
			Base:  events.NewBase(s.sc, models.RoleLocal),
			Index: i,
			Count: s.applied.Parts,
			Rows:  resp.Part.RowCount(),
		}); err != nil {
			return err
		}
	}
	if !in.Complete() {
		return errors.Newf("remote changes ended after %d parts without a last part", in.Len())
	}
	return nil
}

// transition moves the session to stage and raises StageChanged.
func (a *Agent) transition(ctx context.Context, s *session, to models.Stage) error {
	from := s.sc.Stage
	s.sc.Stage = to
	s.result.Stage = to
	a.log.Debug("stage changed", "session", s.sc.SessionID, "from", string(from), "to", string(to))
	return a.Events().Dispatch(ctx, &events.StageChangedArgs{
		Base: events.NewBase(s.sc, models.RoleLocal),
		From: from,
		To:   to,
	})
}

// endSession releases the remote's session state. Failures only get logged:
// the remote expires abandoned sessions on its own.
func (a *Agent) endSession(ctx context.Context, s *session, sessionErr error) {
	if !s.opened {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), endSessionTimeout)
	defer cancel()

	req := &transport.EndSessionRequest{Committed: sessionErr == nil}
	if sessionErr != nil {
		req.Err = sessionErr.Error()
	}
	if _, err := s.client.EndSession(ctx, req); err != nil {
		a.log.Debug("end session", "session", s.sc.SessionID, "err", err)
	}
}
