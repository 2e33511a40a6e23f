package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/marcus/rowsync/internal/models"
)

const scopeInfoDDL = `
CREATE TABLE IF NOT EXISTS rowsync_scope_info (
	name TEXT PRIMARY KEY,
	id TEXT NOT NULL,
	schema_hash TEXT NOT NULL,
	schema TEXT NOT NULL DEFAULT '',
	last_sync_timestamp INTEGER NOT NULL DEFAULT 0,
	last_remote_timestamp INTEGER NOT NULL DEFAULT 0,
	last_sync TEXT,
	last_sync_duration INTEGER NOT NULL DEFAULT 0,
	protocol_version TEXT NOT NULL DEFAULT ''
)`

const scopeHistoryDDL = `
CREATE TABLE IF NOT EXISTS rowsync_scope_history (
	scope_name TEXT NOT NULL,
	client_id TEXT NOT NULL,
	last_sync_timestamp INTEGER NOT NULL DEFAULT 0,
	last_sync TEXT,
	last_sync_duration INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (scope_name, client_id)
)`

// EnsureScopeInfrastructure creates the scope tables.
func (t *tx) EnsureScopeInfrastructure(ctx context.Context, withHistory bool) error {
	if _, err := t.tx.ExecContext(ctx, scopeInfoDDL); err != nil {
		return errors.Wrap(err, "create rowsync_scope_info")
	}
	if !withHistory {
		return nil
	}
	if _, err := t.tx.ExecContext(ctx, scopeHistoryDDL); err != nil {
		return errors.Wrap(err, "create rowsync_scope_history")
	}
	return nil
}

// DropScopeInfrastructure drops the scope tables when they are empty.
func (t *tx) DropScopeInfrastructure(ctx context.Context) (bool, error) {
	ok, err := t.objectExists(ctx, "table", "rowsync_scope_info")
	if err != nil || !ok {
		return false, err
	}
	var n int
	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM rowsync_scope_info`).Scan(&n); err != nil {
		return false, errors.Wrap(err, "count scopes")
	}
	if n > 0 {
		return false, nil
	}
	for _, name := range []string{"rowsync_scope_info", "rowsync_scope_history"} {
		if _, err := t.tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+name); err != nil {
			return false, errors.Wrapf(err, "drop %s", name)
		}
	}
	return true, nil
}

// ReadScope returns nil when the scope or its table does not exist.
func (t *tx) ReadScope(ctx context.Context, name string) (*models.ScopeInfo, error) {
	ok, err := t.objectExists(ctx, "table", "rowsync_scope_info")
	if err != nil || !ok {
		return nil, err
	}

	var (
		s        models.ScopeInfo
		lastSync sql.NullString
		dur      int64
	)
	err = t.tx.QueryRowContext(ctx, `
		SELECT name, id, schema_hash, schema, last_sync_timestamp, last_remote_timestamp,
		       last_sync, last_sync_duration, protocol_version
		FROM rowsync_scope_info WHERE name = ?`, name).Scan(
		&s.Name, &s.ID, &s.SchemaHash, &s.Schema, &s.LastSyncTimestamp, &s.LastRemoteTimestamp,
		&lastSync, &dur, &s.ProtocolVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read scope %s", name)
	}
	s.LastSync = parseTime(lastSync)
	s.LastSyncDuration = time.Duration(dur)
	return &s, nil
}

// WriteScope inserts or replaces the scope record.
func (t *tx) WriteScope(ctx context.Context, s *models.ScopeInfo) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO rowsync_scope_info
			(name, id, schema_hash, schema, last_sync_timestamp, last_remote_timestamp,
			 last_sync, last_sync_duration, protocol_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Name, s.ID, s.SchemaHash, s.Schema, s.LastSyncTimestamp, s.LastRemoteTimestamp,
		formatTime(s.LastSync), int64(s.LastSyncDuration), s.ProtocolVersion)
	if err != nil {
		return errors.Wrapf(err, "write scope %s", s.Name)
	}
	return nil
}

// DeleteScope removes the scope record and any client history.
func (t *tx) DeleteScope(ctx context.Context, name string) error {
	if ok, err := t.objectExists(ctx, "table", "rowsync_scope_info"); err != nil {
		return err
	} else if ok {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM rowsync_scope_info WHERE name = ?`, name); err != nil {
			return errors.Wrapf(err, "delete scope %s", name)
		}
	}
	if ok, err := t.objectExists(ctx, "table", "rowsync_scope_history"); err != nil {
		return err
	} else if ok {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM rowsync_scope_history WHERE scope_name = ?`, name); err != nil {
			return errors.Wrapf(err, "delete history of %s", name)
		}
	}
	return nil
}

// ReadScopeHistory returns nil when the client never synced the scope.
func (t *tx) ReadScopeHistory(ctx context.Context, scope, clientID string) (*models.ScopeHistory, error) {
	var (
		h        models.ScopeHistory
		lastSync sql.NullString
		dur      int64
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT scope_name, client_id, last_sync_timestamp, last_sync, last_sync_duration
		FROM rowsync_scope_history WHERE scope_name = ? AND client_id = ?`, scope, clientID).Scan(
		&h.ScopeName, &h.ClientID, &h.LastSyncTimestamp, &lastSync, &dur)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read history of %s for %s", scope, clientID)
	}
	h.LastSync = parseTime(lastSync)
	h.LastSyncDuration = time.Duration(dur)
	return &h, nil
}

func (t *tx) WriteScopeHistory(ctx context.Context, h *models.ScopeHistory) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO rowsync_scope_history
			(scope_name, client_id, last_sync_timestamp, last_sync, last_sync_duration)
		VALUES (?, ?, ?, ?, ?)`,
		h.ScopeName, h.ClientID, h.LastSyncTimestamp, formatTime(h.LastSync), int64(h.LastSyncDuration))
	if err != nil {
		return errors.Wrapf(err, "write history of %s for %s", h.ScopeName, h.ClientID)
	}
	return nil
}

func (t *tx) ListScopeHistory(ctx context.Context, scope string) ([]models.ScopeHistory, error) {
	ok, err := t.objectExists(ctx, "table", "rowsync_scope_history")
	if err != nil || !ok {
		return nil, err
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT scope_name, client_id, last_sync_timestamp, last_sync, last_sync_duration
		FROM rowsync_scope_history WHERE scope_name = ? ORDER BY client_id`, scope)
	if err != nil {
		return nil, errors.Wrapf(err, "list history of %s", scope)
	}
	defer rows.Close()

	var out []models.ScopeHistory
	for rows.Next() {
		var (
			h        models.ScopeHistory
			lastSync sql.NullString
			dur      int64
		)
		if err := rows.Scan(&h.ScopeName, &h.ClientID, &h.LastSyncTimestamp, &lastSync, &dur); err != nil {
			return nil, errors.Wrap(err, "scan history")
		}
		h.LastSync = parseTime(lastSync)
		h.LastSyncDuration = time.Duration(dur)
		out = append(out, h)
	}
	return out, rows.Err()
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
