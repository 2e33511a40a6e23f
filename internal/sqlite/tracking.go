package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/marcus/rowsync/internal/schema"
)

const nowExpr = `strftime('%Y-%m-%dT%H:%M:%fZ','now')`

func trackingName(t *schema.Table) string { return t.Name + "_tracking" }

func triggerName(t *schema.Table, op string) string {
	return fmt.Sprintf("%s_rowsync_%s", t.Name, op)
}

func sqlType(dt schema.DataType) string {
	switch dt {
	case schema.TypeInteger, schema.TypeBoolean:
		return "INTEGER"
	case schema.TypeReal:
		return "REAL"
	case schema.TypeBlob:
		return "BLOB"
	default:
		return "TEXT"
	}
}

func quotedList(names []string, prefix string) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = prefix + quote(n)
	}
	return strings.Join(parts, ", ")
}

// keyMatch renders `l."a" = r."a" AND ...` over the primary key.
func keyMatch(t *schema.Table, l, r string) string {
	parts := make([]string, len(t.PrimaryKey))
	for i, pk := range t.PrimaryKey {
		parts[i] = fmt.Sprintf("%s.%s = %s.%s", l, quote(pk), r, quote(pk))
	}
	return strings.Join(parts, " AND ")
}

// keyWhere renders `"a" = ? AND ...` over the primary key.
func keyWhere(t *schema.Table) string {
	parts := make([]string, len(t.PrimaryKey))
	for i, pk := range t.PrimaryKey {
		parts[i] = quote(pk) + " = ?"
	}
	return strings.Join(parts, " AND ")
}

func (t *tx) objectExists(ctx context.Context, kind, name string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?`, kind, name).Scan(&n)
	if err != nil {
		return false, errors.Wrapf(err, "look up %s %s", kind, name)
	}
	return n > 0, nil
}

// EnsureTable creates the base table from its schema when missing.
func (t *tx) EnsureTable(ctx context.Context, tbl *schema.Table) (bool, error) {
	exists, err := t.objectExists(ctx, "table", tbl.Name)
	if err != nil || exists {
		return false, err
	}

	defs := make([]string, 0, len(tbl.Columns)+len(tbl.Relations)+1)
	for _, c := range tbl.Columns {
		def := quote(c.Name) + " " + sqlType(c.Type)
		if !c.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", quotedList(tbl.PrimaryKey, "")))
	for _, r := range tbl.Relations {
		defs = append(defs, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)",
			quotedList(r.Columns, ""), quote(r.ParentTable), quotedList(r.ParentColumns, "")))
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)", quote(tbl.Name), strings.Join(defs, ",\n\t"))
	if _, err := t.tx.ExecContext(ctx, ddl); err != nil {
		return false, errors.Wrapf(err, "create table %s", tbl.Name)
	}
	slog.Debug("base table created", "table", tbl.Name)
	return true, nil
}

// EnsureTrackingInfrastructure creates the tracking table, its index and the
// insert/update/delete triggers, then records pre-existing rows.
func (t *tx) EnsureTrackingInfrastructure(ctx context.Context, tbl *schema.Table, overwrite bool) (bool, error) {
	base, err := t.objectExists(ctx, "table", tbl.Name)
	if err != nil {
		return false, err
	}
	if !base {
		return false, errors.Newf("base table %s does not exist", tbl.Name)
	}

	exists, err := t.objectExists(ctx, "table", trackingName(tbl))
	if err != nil {
		return false, err
	}
	if exists && overwrite {
		if _, err := t.DropTrackingInfrastructure(ctx, tbl); err != nil {
			return false, err
		}
		exists = false
	}

	if !exists {
		if _, err := t.tx.ExecContext(ctx, trackingDDL(tbl)); err != nil {
			return false, errors.Wrapf(err, "create tracking for %s", tbl.Name)
		}
	}
	// Triggers are recreated idempotently so a half-provisioned table heals.
	for _, ddl := range triggerDDL(tbl) {
		if _, err := t.tx.ExecContext(ctx, ddl); err != nil {
			return false, errors.Wrapf(err, "create triggers for %s", tbl.Name)
		}
	}
	if exists {
		return false, nil
	}

	n, err := t.backfill(ctx, tbl)
	if err != nil {
		return false, err
	}
	slog.Debug("tracking created", "table", tbl.Name, "backfilled", n)
	return true, nil
}

// DropTrackingInfrastructure drops the triggers and tracking table.
func (t *tx) DropTrackingInfrastructure(ctx context.Context, tbl *schema.Table) (bool, error) {
	exists, err := t.objectExists(ctx, "table", trackingName(tbl))
	if err != nil {
		return false, err
	}
	for _, op := range []string{"insert", "update", "delete"} {
		if _, err := t.tx.ExecContext(ctx, "DROP TRIGGER IF EXISTS "+quote(triggerName(tbl, op))); err != nil {
			return false, errors.Wrapf(err, "drop %s trigger on %s", op, tbl.Name)
		}
	}
	if _, err := t.tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quote(trackingName(tbl))); err != nil {
		return false, errors.Wrapf(err, "drop tracking for %s", tbl.Name)
	}
	return exists, nil
}

func trackingDDL(tbl *schema.Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n", quote(trackingName(tbl)))
	for _, c := range tbl.KeyColumns() {
		fmt.Fprintf(&b, "\t%s %s NOT NULL,\n", quote(c.Name), sqlType(c.Type))
	}
	b.WriteString("\tupdate_scope_id TEXT,\n")
	b.WriteString("\tsync_row_is_tombstone INTEGER NOT NULL DEFAULT 0,\n")
	b.WriteString("\ttimestamp INTEGER NOT NULL,\n")
	b.WriteString("\tlast_change_datetime TEXT NOT NULL,\n")
	fmt.Fprintf(&b, "\tPRIMARY KEY (%s)\n);\n", quotedList(tbl.PrimaryKey, ""))
	fmt.Fprintf(&b, "CREATE INDEX %s ON %s (timestamp);",
		quote(trackingName(tbl)+"_timestamp"), quote(trackingName(tbl)))
	return b.String()
}

// triggerDDL stamps every application write with a fresh timestamp and
// clears the writer, marking the row as changed by this participant. The
// UPDATE then INSERT OR IGNORE pair behaves the same whatever conflict
// clause the triggering statement carries.
func triggerDDL(tbl *schema.Table) []string {
	trk := quote(trackingName(tbl))
	keys := quotedList(tbl.PrimaryKey, "")
	body := func(ref string, tombstone int) string {
		newKeys := quotedList(tbl.PrimaryKey, ref+".")
		match := make([]string, len(tbl.PrimaryKey))
		for i, pk := range tbl.PrimaryKey {
			match[i] = fmt.Sprintf("%s = %s.%s", quote(pk), ref, quote(pk))
		}
		return fmt.Sprintf(`
	UPDATE rowsync_timestamp SET value = value + 1 WHERE id = 1;
	UPDATE %[1]s SET update_scope_id = NULL, sync_row_is_tombstone = %[2]d,
		timestamp = (SELECT value FROM rowsync_timestamp WHERE id = 1),
		last_change_datetime = %[3]s
	WHERE %[4]s;
	INSERT OR IGNORE INTO %[1]s (%[5]s, update_scope_id, sync_row_is_tombstone, timestamp, last_change_datetime)
	VALUES (%[6]s, NULL, %[2]d, (SELECT value FROM rowsync_timestamp WHERE id = 1), %[3]s);`,
			trk, tombstone, nowExpr, strings.Join(match, " AND "), keys, newKeys)
	}

	return []string{
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS %s AFTER INSERT ON %s\nBEGIN%s\nEND",
			quote(triggerName(tbl, "insert")), quote(tbl.Name), body("new", 0)),
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS %s AFTER UPDATE ON %s\nBEGIN%s\nEND",
			quote(triggerName(tbl, "update")), quote(tbl.Name), body("new", 0)),
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS %s AFTER DELETE ON %s\nBEGIN%s\nEND",
			quote(triggerName(tbl, "delete")), quote(tbl.Name), body("old", 1)),
	}
}

// backfill records rows that existed before tracking was created. They all
// share one timestamp.
func (t *tx) backfill(ctx context.Context, tbl *schema.Table) (int64, error) {
	var n int64
	if err := t.tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quote(tbl.Name)).Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "count %s", tbl.Name)
	}
	if n == 0 {
		return 0, nil
	}
	ts, err := t.nextTimestamp(ctx)
	if err != nil {
		return 0, err
	}
	q := fmt.Sprintf(`INSERT INTO %[1]s (%[2]s, update_scope_id, sync_row_is_tombstone, timestamp, last_change_datetime)
SELECT %[3]s, NULL, 0, ?, ? FROM %[4]s b
WHERE NOT EXISTS (SELECT 1 FROM %[1]s t WHERE %[5]s)`,
		quote(trackingName(tbl)), quotedList(tbl.PrimaryKey, ""), quotedList(tbl.PrimaryKey, "b."),
		quote(tbl.Name), keyMatch(tbl, "t", "b"))
	res, err := t.tx.ExecContext(ctx, q, ts, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, errors.Wrapf(err, "backfill tracking for %s", tbl.Name)
	}
	n, _ = res.RowsAffected()
	return n, nil
}
