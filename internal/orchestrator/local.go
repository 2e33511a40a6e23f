package orchestrator

import (
	"context"
	"time"

	"github.com/marcus/rowsync/internal/adapter"
	"github.com/marcus/rowsync/internal/batch"
	"github.com/marcus/rowsync/internal/models"
	"github.com/marcus/rowsync/internal/schema"
)

// Local is the orchestrator of a replica.
type Local struct {
	*Base
}

// NewLocal builds the orchestrator for the local participant of scope.
func NewLocal(a adapter.Adapter, scope string, s *schema.Schema, opts Options) (*Local, error) {
	b, err := newBase(a, scope, s, models.RoleLocal, opts)
	if err != nil {
		return nil, err
	}
	return &Local{Base: b}, nil
}

// EnsureScope returns the local scope record, provisioning the scope on
// first use. A stored schema that differs from the configured one is a
// SchemaMismatchError.
func (l *Local) EnsureScope(ctx context.Context, sc models.SyncContext) (*models.ScopeInfo, error) {
	var scope *models.ScopeInfo
	err := l.runInTransaction(ctx, sc, nil, func(ctx context.Context, tx adapter.Tx) error {
		s, err := tx.ReadScope(ctx, l.scope)
		if err != nil {
			return err
		}
		if s != nil {
			scope = s
			return l.checkSchema(s)
		}
		l.log.Info("provisioning scope on first sync", "session", sc.SessionID)
		scope, err = l.provision(ctx, tx, sc, models.ProvisionLocalDefault, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return scope, nil
}

// LocalChanges is a selection of local changes ready for upload.
type LocalChanges struct {
	Batch *batch.Info
	// Snapshot is the local timestamp at selection time. It becomes the new
	// local watermark once the session commits.
	Snapshot int64
	Scope    *models.ScopeInfo
}

// Close discards the selection's batch.
func (c *LocalChanges) Close() error {
	if c == nil || c.Batch == nil {
		return nil
	}
	return c.Batch.Close()
}

// GetChanges selects every local change after the local watermark that was
// not written by remoteID.
func (l *Local) GetChanges(ctx context.Context, sc models.SyncContext, remoteID string) (*LocalChanges, error) {
	var out *LocalChanges
	err := l.runInTransaction(ctx, sc, nil, func(ctx context.Context, tx adapter.Tx) error {
		out.Close()
		out = nil

		scope, err := l.readScope(ctx, tx)
		if err != nil {
			return err
		}
		snapshot, err := tx.CurrentTimestamp(ctx)
		if err != nil {
			return err
		}
		info, err := l.selectChanges(ctx, tx, sc, scope.LastSyncTimestamp, remoteID)
		if err != nil {
			return err
		}
		out = &LocalChanges{Batch: info, Snapshot: snapshot, Scope: scope}
		return nil
	})
	if err != nil {
		out.Close()
		return nil, err
	}
	l.log.Debug("local changes selected", "session", sc.SessionID,
		"rows", out.Batch.RowCount(), "parts", out.Batch.Len(), "since", out.Scope.LastSyncTimestamp, "snapshot", out.Snapshot)
	return out, nil
}

// ApplyChanges applies the remote's changes and advances both watermarks in
// the same transaction. snapshot is the Snapshot of this session's
// selection; remoteTS is the remote's new timestamp.
func (l *Local) ApplyChanges(ctx context.Context, sc models.SyncContext, in *batch.Info, remoteID string, snapshot, remoteTS int64, started time.Time) (models.ApplyStats, *models.ScopeInfo, error) {
	var (
		stats models.ApplyStats
		scope *models.ScopeInfo
	)
	err := l.runInTransaction(ctx, sc, []*batch.Info{in}, func(ctx context.Context, tx adapter.Tx) error {
		s, err := l.readScope(ctx, tx)
		if err != nil {
			return err
		}
		if stats, err = l.applyChanges(ctx, tx, sc, in, remoteID, snapshot); err != nil {
			return err
		}

		if snapshot > s.LastSyncTimestamp {
			s.LastSyncTimestamp = snapshot
		}
		s.LastRemoteTimestamp = remoteTS
		now := time.Now().UTC()
		s.LastSync = &now
		s.LastSyncDuration = now.Sub(started)
		if err := tx.WriteScope(ctx, s); err != nil {
			return err
		}
		scope = s
		return nil
	})
	if err != nil {
		return stats, nil, err
	}
	return stats, scope, nil
}
