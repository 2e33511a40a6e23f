// Package adapter is the capability contract between orchestrators and a
// storage engine. Implementations own all SQL and DDL; the sync core only
// sees rows, timestamps and scope records.
package adapter

import (
	"context"
	"iter"

	"github.com/marcus/rowsync/internal/models"
	"github.com/marcus/rowsync/internal/schema"
)

// Adapter opens transactions against one participant's store.
type Adapter interface {
	// Begin starts a transaction. Every Tx must end with Commit or Rollback.
	Begin(ctx context.Context) (Tx, error)
	// IsTransient reports whether err is worth retrying the whole
	// transaction for (busy database, dropped connection).
	IsTransient(err error) bool
	// Close releases the underlying store.
	Close() error
}

// Tx is one transaction. A Tx is not safe for concurrent use.
type Tx interface {
	// EnsureTable creates the base table when it does not exist yet. It
	// never alters an existing table.
	EnsureTable(ctx context.Context, t *schema.Table) (bool, error)
	// EnsureTrackingInfrastructure creates tracking structures for the table
	// and records rows that predate them. With overwrite it drops and
	// recreates them. It reports whether anything was created.
	EnsureTrackingInfrastructure(ctx context.Context, t *schema.Table, overwrite bool) (bool, error)
	// DropTrackingInfrastructure removes tracking structures only, never the
	// base table or its rows.
	DropTrackingInfrastructure(ctx context.Context, t *schema.Table) (bool, error)
	// EnsureScopeInfrastructure creates scope bookkeeping; withHistory adds
	// the remote-side per-client history.
	EnsureScopeInfrastructure(ctx context.Context, withHistory bool) error
	// DropScopeInfrastructure removes scope bookkeeping once no scope is
	// recorded anymore. It reports whether anything was dropped.
	DropScopeInfrastructure(ctx context.Context) (bool, error)

	// SelectChanges yields rows whose tracking timestamp is greater than
	// since and whose last writer is not excludeWriter, in primary key
	// order. Tombstones carry key values only. The sequence can be iterated
	// again from the start.
	SelectChanges(ctx context.Context, t *schema.Table, since int64, excludeWriter string) iter.Seq2[models.Row, error]
	// SelectRow returns the stored state and tracking metadata for a key.
	SelectRow(ctx context.Context, t *schema.Table, key []any) (models.TrackedRow, error)

	// ApplyUpsert writes row when the stored row was not changed after since,
	// was last written by sender, has no tracking, or force is set. It
	// reports false when nothing was written. An empty sender attributes the
	// write to this participant.
	ApplyUpsert(ctx context.Context, t *schema.Table, row models.Row, sender string, since int64, force bool) (bool, error)
	// ApplyDelete is the delete counterpart of ApplyUpsert; row carries the key.
	ApplyDelete(ctx context.Context, t *schema.Table, row models.Row, sender string, since int64, force bool) (bool, error)

	// ReadScope returns nil when the scope does not exist.
	ReadScope(ctx context.Context, name string) (*models.ScopeInfo, error)
	// WriteScope inserts or replaces the scope record.
	WriteScope(ctx context.Context, s *models.ScopeInfo) error
	// DeleteScope removes the scope record and its client history.
	DeleteScope(ctx context.Context, name string) error
	// ReadScopeHistory returns nil when the client never synced the scope.
	ReadScopeHistory(ctx context.Context, scope, clientID string) (*models.ScopeHistory, error)
	WriteScopeHistory(ctx context.Context, h *models.ScopeHistory) error
	ListScopeHistory(ctx context.Context, scope string) ([]models.ScopeHistory, error)

	// CurrentTimestamp returns the highest tracking timestamp handed out.
	CurrentTimestamp(ctx context.Context) (int64, error)

	Commit() error
	Rollback() error
}
