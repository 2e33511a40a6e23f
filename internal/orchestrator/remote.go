package orchestrator

import (
	"context"
	"time"

	"github.com/marcus/rowsync/internal/adapter"
	"github.com/marcus/rowsync/internal/batch"
	"github.com/marcus/rowsync/internal/models"
	"github.com/marcus/rowsync/internal/schema"
	"github.com/marcus/rowsync/internal/syncerr"
	"github.com/marcus/rowsync/internal/version"
)

// Remote is the orchestrator of the central participant. One Remote serves
// every client of its scope; sessions are independent.
type Remote struct {
	*Base
}

// NewRemote builds the orchestrator for the remote participant of scope.
func NewRemote(a adapter.Adapter, scope string, s *schema.Schema, opts Options) (*Remote, error) {
	b, err := newBase(a, scope, s, models.RoleRemote, opts)
	if err != nil {
		return nil, err
	}
	return &Remote{Base: b}, nil
}

// EnsureScope returns the remote scope record, provisioning it on first use,
// after checking that a client with clientHash and clientVersion can sync.
func (r *Remote) EnsureScope(ctx context.Context, sc models.SyncContext, clientHash, clientVersion string) (*models.ScopeInfo, error) {
	if err := version.Compatible(version.Protocol, clientVersion); err != nil {
		return nil, syncerr.NewSchemaMismatch(r.scope, []string{err.Error()})
	}
	if clientHash != r.schema.Hash() {
		return nil, syncerr.NewSchemaMismatch(r.scope,
			[]string{"client schema hash " + clientHash + " differs from " + r.schema.Hash()})
	}

	var scope *models.ScopeInfo
	err := r.runInTransaction(ctx, sc, nil, func(ctx context.Context, tx adapter.Tx) error {
		s, err := tx.ReadScope(ctx, r.scope)
		if err != nil {
			return err
		}
		if s != nil {
			scope = s
			return r.checkSchema(s)
		}
		r.log.Info("provisioning scope on first sync", "session", sc.SessionID)
		scope, err = r.provision(ctx, tx, sc, models.ProvisionRemoteDefault, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return scope, nil
}

// RemoteChanges is the remote's answer to an upload.
type RemoteChanges struct {
	Batch *batch.Info
	// Timestamp is the remote watermark the client stores once it committed.
	Timestamp int64
	Stats     models.ApplyStats
}

// Close discards the outgoing batch.
func (c *RemoteChanges) Close() error {
	if c == nil || c.Batch == nil {
		return nil
	}
	return c.Batch.Close()
}

// ApplyThenGetChanges applies the client's uploaded batch and selects the
// changes the client has not seen, in one transaction. since is the remote
// watermark the client last stored; it bounds both the conflict window and
// the selection.
func (r *Remote) ApplyThenGetChanges(ctx context.Context, sc models.SyncContext, clientID string, in *batch.Info, since int64, started time.Time) (*RemoteChanges, error) {
	var out *RemoteChanges
	err := r.runInTransaction(ctx, sc, []*batch.Info{in}, func(ctx context.Context, tx adapter.Tx) error {
		out.Close()
		out = nil

		scope, err := r.readScope(ctx, tx)
		if err != nil {
			return err
		}
		stats, err := r.applyChanges(ctx, tx, sc, in, clientID, since)
		if err != nil {
			return err
		}
		info, err := r.selectChanges(ctx, tx, sc, since, clientID)
		if err != nil {
			return err
		}
		out = &RemoteChanges{Batch: info, Stats: stats}

		ts, err := tx.CurrentTimestamp(ctx)
		if err != nil {
			return err
		}
		out.Timestamp = ts

		now := time.Now().UTC()
		if err := tx.WriteScopeHistory(ctx, &models.ScopeHistory{
			ScopeName:         r.scope,
			ClientID:          clientID,
			LastSyncTimestamp: ts,
			LastSync:          &now,
			LastSyncDuration:  now.Sub(started),
		}); err != nil {
			return err
		}
		scope.LastSyncTimestamp = ts
		scope.LastSync = &now
		return tx.WriteScope(ctx, scope)
	})
	if err != nil {
		out.Close()
		return nil, err
	}
	r.log.Debug("remote changes selected", "session", sc.SessionID, "client", clientID,
		"rows", out.Batch.RowCount(), "parts", out.Batch.Len(), "since", since, "timestamp", out.Timestamp)
	return out, nil
}

// History lists the last session of every client of the scope.
func (r *Remote) History(ctx context.Context) ([]models.ScopeHistory, error) {
	tx, err := r.adapter.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return tx.ListScopeHistory(ctx, r.scope)
}
