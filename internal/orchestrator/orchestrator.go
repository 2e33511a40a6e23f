// Package orchestrator drives one participant's side of a sync session:
// provisioning, change selection into batches and transactional apply with
// conflict resolution. Local and Remote share the machinery in Base and
// differ only in which watermarks they read and write.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"

	"github.com/marcus/rowsync/internal/adapter"
	"github.com/marcus/rowsync/internal/batch"
	"github.com/marcus/rowsync/internal/conflict"
	"github.com/marcus/rowsync/internal/events"
	"github.com/marcus/rowsync/internal/models"
	"github.com/marcus/rowsync/internal/schema"
	"github.com/marcus/rowsync/internal/syncerr"
)

// Base holds what both participant roles share.
type Base struct {
	adapter  adapter.Adapter
	schema   *schema.Schema
	scope    string
	role     models.Role
	opts     Options
	resolver *conflict.Resolver
	events   *events.Registry
	order    []*schema.Table
	log      *slog.Logger
}

func newBase(a adapter.Adapter, scope string, s *schema.Schema, role models.Role, opts Options) (*Base, error) {
	if a == nil {
		return nil, errors.New("nil adapter")
	}
	if scope == "" {
		return nil, errors.New("empty scope name")
	}
	if err := s.Validate(); err != nil {
		return nil, errors.Wrapf(err, "scope %s", scope)
	}
	sorted, err := s.DependencyOrder()
	if err != nil {
		return nil, errors.Wrapf(err, "scope %s", scope)
	}
	order := make([]*schema.Table, len(sorted))
	for i := range sorted {
		order[i], _ = s.Table(sorted[i].Name)
	}
	opts = opts.withDefaults()
	resolver, err := conflict.NewResolver(opts.Policy, opts.Merge)
	if err != nil {
		return nil, err
	}
	return &Base{
		adapter:  a,
		schema:   s,
		scope:    scope,
		role:     role,
		opts:     opts,
		resolver: resolver,
		events:   events.NewRegistry(),
		order:    order,
		log:      slog.Default().With("role", string(role), "scope", scope),
	}, nil
}

// Events returns the registry handlers subscribe to.
func (b *Base) Events() *events.Registry { return b.events }

// Schema returns the scope's schema.
func (b *Base) Schema() *schema.Schema { return b.schema }

// ScopeName returns the scope this orchestrator serves.
func (b *Base) ScopeName() string { return b.scope }

// Role returns the participant role.
func (b *Base) Role() models.Role { return b.role }

// Adapter returns the backend this orchestrator writes to.
func (b *Base) Adapter() adapter.Adapter { return b.adapter }

// Policy returns the configured conflict policy.
func (b *Base) Policy() conflict.Policy { return b.resolver.Policy() }

// NewBatch creates an empty batch spooled and sealed the way the options
// say. Batches received from a peer use it too.
func (b *Base) NewBatch(spoolDir string) (*batch.Info, error) {
	info, err := batch.NewInfo(spoolDir)
	if err != nil {
		return nil, err
	}
	if err := info.SetKey(b.opts.SpoolKey); err != nil {
		info.Close()
		return nil, err
	}
	return info, nil
}

func (b *Base) base(sc models.SyncContext) events.Base {
	return events.NewBase(sc, b.role)
}

// dispatch raises an event; a handler cancelling it surfaces as ErrCancelled.
func (b *Base) dispatch(ctx context.Context, args events.Args) error {
	return b.events.Dispatch(ctx, args)
}

// runInTransaction runs fn in a fresh transaction, committing on success.
// Transient failures retry the whole transaction with exponential backoff;
// batches in rewind are made loadable again before each retry and released
// after the commit.
func (b *Base) runInTransaction(ctx context.Context, sc models.SyncContext, rewind []*batch.Info, fn func(ctx context.Context, tx adapter.Tx) error) error {
	attempts := 0
	cancelled := false

	op := func() error {
		if cancelled {
			return backoff.Permanent(errors.Wrap(syncerr.ErrCancelled, "cancelled by reconnect handler"))
		}
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		err := b.once(ctx, sc, fn)
		if err == nil {
			return nil
		}
		for _, in := range rewind {
			in.Rewind()
		}
		if b.adapter.IsTransient(err) && !syncerr.IsCancelled(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, wait time.Duration) {
		b.log.Warn("transient failure, retrying transaction",
			"session", sc.SessionID, "attempt", attempts, "wait", wait, "err", err)
		args := &events.ReconnectArgs{Base: b.base(sc), Attempt: attempts, Wait: wait, Err: err}
		if derr := b.dispatch(ctx, args); derr != nil {
			cancelled = true
		}
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = b.opts.RetryInterval
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(b.opts.MaxRetries)), ctx)

	err := backoff.RetryNotify(op, policy, notify)
	if err == nil {
		for _, in := range rewind {
			if rerr := in.Release(); rerr != nil {
				b.log.Warn("release batch", "session", sc.SessionID, "err", rerr)
			}
		}
		return nil
	}
	if b.adapter.IsTransient(err) && !syncerr.IsCancelled(err) {
		return errors.WithHint(&syncerr.TransientConnectionError{Attempts: attempts, Err: err},
			"check that the database is reachable and not locked by another process")
	}
	return err
}

// once runs a single transaction attempt. The transaction is released on
// every path.
func (b *Base) once(ctx context.Context, sc models.SyncContext, fn func(ctx context.Context, tx adapter.Tx) error) (err error) {
	if err := b.dispatch(ctx, &events.ConnectionOpenArgs{Base: b.base(sc)}); err != nil {
		return err
	}
	defer func() {
		// Close notifications cannot cancel a transaction that already ended.
		_ = b.dispatch(ctx, &events.ConnectionCloseArgs{Base: b.base(sc)})
	}()

	tx, err := b.adapter.Begin(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			if rerr := tx.Rollback(); rerr != nil {
				b.log.Warn("rollback", "session", sc.SessionID, "err", rerr)
			}
		}
	}()

	if err := b.dispatch(ctx, &events.TransactionOpenArgs{Base: b.base(sc)}); err != nil {
		return err
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return b.dispatch(ctx, &events.TransactionCommitArgs{Base: b.base(sc)})
}

// readScope loads the scope record inside tx or fails with ErrScopeNotFound.
func (b *Base) readScope(ctx context.Context, tx adapter.Tx) (*models.ScopeInfo, error) {
	s, err := tx.ReadScope(ctx, b.scope)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errors.WithHint(errors.Wrapf(syncerr.ErrScopeNotFound, "scope %s", b.scope),
			"provision the scope first")
	}
	return s, nil
}

// Scope returns the stored scope record, or nil when not provisioned.
func (b *Base) Scope(ctx context.Context) (*models.ScopeInfo, error) {
	tx, err := b.adapter.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return tx.ReadScope(ctx, b.scope)
}

// outgoing reports whether this participant sends changes of t to its peer.
func (b *Base) outgoing(t *schema.Table) bool {
	if b.role == models.RoleLocal {
		return t.Direction.Uploads()
	}
	return t.Direction.Downloads()
}

// selectChanges enumerates changes after since that were not written by
// exclude into a new batch, tables in dependency order. The caller owns the
// returned batch and must Close it.
func (b *Base) selectChanges(ctx context.Context, tx adapter.Tx, sc models.SyncContext, since int64, exclude string) (*batch.Info, error) {
	info, err := b.NewBatch(b.opts.SpoolDir)
	if err != nil {
		return nil, err
	}
	builder := batch.NewBuilder(info, b.opts.Budget)

	for _, t := range b.order {
		if !b.outgoing(t) {
			continue
		}
		if err := ctx.Err(); err != nil {
			info.Close()
			return nil, err
		}
		n := 0
		for row, err := range tx.SelectChanges(ctx, t, since, exclude) {
			if err != nil {
				info.Close()
				return nil, err
			}
			if err := builder.Add(t.Name, row); err != nil {
				info.Close()
				return nil, err
			}
			n++
		}
		if n > 0 {
			b.log.Debug("changes selected", "session", sc.SessionID, "table", t.Name, "rows", n)
		}
	}
	if err := builder.Finish(); err != nil {
		info.Close()
		return nil, err
	}
	return info, nil
}

// applyChanges applies every part of in, in order, attributing writes to
// sender and treating stored changes after since as conflicting.
func (b *Base) applyChanges(ctx context.Context, tx adapter.Tx, sc models.SyncContext, in *batch.Info, sender string, since int64) (models.ApplyStats, error) {
	var stats models.ApplyStats
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		part, err := in.LoadPart(i)
		if err != nil {
			return stats, err
		}
		for _, tc := range part.Tables {
			t, ok := b.schema.Table(tc.Table)
			if !ok {
				return stats, &syncerr.ApplyError{Table: tc.Table, Err: errors.Newf("table %s is not part of scope %s", tc.Table, b.scope)}
			}
			ts := stats.Table(t.Name)
			for _, row := range tc.Rows {
				outcome, err := b.applyRow(ctx, tx, sc, t, row, sender, since)
				if err != nil {
					return stats, err
				}
				switch outcome {
				case applied:
					stats.Applied++
					ts.Applied++
				case skipped:
					stats.Skipped++
					ts.Skipped++
				case conflicted:
					stats.Conflicts++
					ts.Conflicts++
				}
			}
		}
		if part.IsLast {
			break
		}
	}
	b.log.Debug("changes applied", "session", sc.SessionID, "sender", sender,
		"applied", stats.Applied, "skipped", stats.Skipped, "conflicts", stats.Conflicts)
	return stats, nil
}

// applyError reports a failed write of row to t, keyed for the wire.
func applyError(t *schema.Table, row models.Row, err error) error {
	e := &syncerr.ApplyError{Table: t.Name, Row: row, Err: err}
	if len(row.Values) == len(t.Columns) {
		e.Key = row.Key(t.PrimaryKeyIndexes())
	}
	return e
}

type outcome int

const (
	applied outcome = iota
	skipped
	conflicted
)

func write(ctx context.Context, tx adapter.Tx, t *schema.Table, row models.Row, sender string, since int64, force bool) (bool, error) {
	if row.Tombstone {
		return tx.ApplyDelete(ctx, t, row, sender, since, force)
	}
	return tx.ApplyUpsert(ctx, t, row, sender, since, force)
}

func (b *Base) applyRow(ctx context.Context, tx adapter.Tx, sc models.SyncContext, t *schema.Table, row models.Row, sender string, since int64) (outcome, error) {
	vals, err := t.CoerceValues(row.Values)
	if err != nil {
		return 0, applyError(t, row, err)
	}
	row = models.Row{Values: vals, Tombstone: row.Tombstone}

	ok, err := write(ctx, tx, t, row, sender, since, false)
	if err != nil {
		return 0, applyError(t, row, err)
	}
	if ok {
		return applied, nil
	}

	pk := t.PrimaryKeyIndexes()
	stored, err := tx.SelectRow(ctx, t, row.Key(pk))
	if err != nil {
		return 0, applyError(t, row, err)
	}
	if stored.Exists && stored.Row.SameState(row, pk) {
		return skipped, nil
	}

	c := &models.Conflict{
		Table:    t.Name,
		Type:     models.ClassifyConflict(stored, row),
		Local:    stored,
		Remote:   row,
		SenderID: sender,
	}
	if err := b.resolveConflict(ctx, tx, sc, t, c, since); err != nil {
		return 0, err
	}
	return conflicted, nil
}

// resolveConflict picks a resolution, lets handlers override it and applies
// the outcome.
func (b *Base) resolveConflict(ctx context.Context, tx adapter.Tx, sc models.SyncContext, t *schema.Table, c *models.Conflict, since int64) error {
	if err := b.resolver.Resolve(ctx, b.role, c); err != nil {
		return applyError(t, c.Remote, err)
	}
	if err := b.dispatch(ctx, &events.ConflictArgs{Base: b.base(sc), Conflict: c}); err != nil {
		return err
	}
	if err := conflict.Validate(t, c); err != nil {
		return applyError(t, c.Remote, err)
	}

	b.log.Debug("conflict resolved", "session", sc.SessionID, "table", t.Name,
		"type", string(c.Type), "resolution", string(c.Resolution), "row", c.Remote.String())

	switch c.Resolution {
	case models.ApplyIncoming:
		if _, err := write(ctx, tx, t, c.Remote, c.SenderID, since, true); err != nil {
			return applyError(t, c.Remote, err)
		}
	case models.KeepExisting:
	case models.MergeRow:
		final, err := t.CoerceValues(c.FinalRow.Values)
		if err != nil {
			return applyError(t, c.Remote, &syncerr.ConflictUnresolvedError{Table: t.Name, Err: err})
		}
		// Attributed to this participant so the merge flows back to the sender.
		merged := models.Row{Values: final, Tombstone: c.FinalRow.Tombstone}
		if _, err := write(ctx, tx, t, merged, "", since, true); err != nil {
			return applyError(t, merged, err)
		}
	case models.Rollback:
		return applyError(t, c.Remote, syncerr.ErrConflictRollback)
	}
	return nil
}
