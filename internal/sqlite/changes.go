package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/marcus/rowsync/internal/models"
	"github.com/marcus/rowsync/internal/schema"
)

// tracking is one row of a tracking table.
type tracking struct {
	found     bool
	timestamp int64
	writer    string
	tombstone bool
}

// SelectChanges joins tracking to the base table so deleted rows still
// surface, carrying only their key.
func (t *tx) SelectChanges(ctx context.Context, tbl *schema.Table, since int64, excludeWriter string) iter.Seq2[models.Row, error] {
	cols := make([]string, len(tbl.Columns))
	for i, c := range tbl.Columns {
		if tbl.IsPrimaryKey(c.Name) {
			cols[i] = "t." + quote(c.Name)
		} else {
			cols[i] = "b." + quote(c.Name)
		}
	}
	q := fmt.Sprintf(`SELECT %s, t.sync_row_is_tombstone, b.%s IS NOT NULL
FROM %s t LEFT JOIN %s b ON %s
WHERE t.timestamp > ? AND (t.update_scope_id IS NULL OR t.update_scope_id <> ?)
ORDER BY %s`,
		strings.Join(cols, ", "), quote(tbl.PrimaryKey[0]),
		quote(trackingName(tbl)), quote(tbl.Name), keyMatch(tbl, "b", "t"),
		quotedList(tbl.PrimaryKey, "t."))

	return func(yield func(models.Row, error) bool) {
		rows, err := t.tx.QueryContext(ctx, q, since, excludeWriter)
		if err != nil {
			yield(models.Row{}, errors.Wrapf(err, "select changes from %s", tbl.Name))
			return
		}
		defer rows.Close()

		pk := tbl.PrimaryKeyIndexes()
		for rows.Next() {
			vals := make([]any, len(tbl.Columns))
			var tombstone, present bool
			dest := make([]any, 0, len(vals)+2)
			for i := range vals {
				dest = append(dest, &vals[i])
			}
			dest = append(dest, &tombstone, &present)
			if err := rows.Scan(dest...); err != nil {
				yield(models.Row{}, errors.Wrapf(err, "scan change from %s", tbl.Name))
				return
			}

			row := models.Row{Tombstone: tombstone || !present}
			if row.Tombstone {
				row.Values = keyOnly(vals, pk)
			} else {
				row.Values = vals
			}
			if row.Values, err = tbl.CoerceValues(row.Values); err != nil {
				yield(models.Row{}, err)
				return
			}
			if !yield(row, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(models.Row{}, errors.Wrapf(err, "select changes from %s", tbl.Name))
		}
	}
}

func keyOnly(vals []any, pk []int) []any {
	out := make([]any, len(vals))
	for _, i := range pk {
		out[i] = vals[i]
	}
	return out
}

// SelectRow loads the stored state of a key.
func (t *tx) SelectRow(ctx context.Context, tbl *schema.Table, key []any) (models.TrackedRow, error) {
	trk, err := t.readTracking(ctx, tbl, key)
	if err != nil {
		return models.TrackedRow{}, err
	}
	vals, found, err := t.readBase(ctx, tbl, key)
	if err != nil {
		return models.TrackedRow{}, err
	}

	tr := models.TrackedRow{
		Timestamp: trk.timestamp,
		WriterID:  trk.writer,
		Exists:    found || trk.found,
	}
	if found {
		tr.Values = vals
		return tr, nil
	}
	tr.Tombstone = trk.found
	tr.Values = make([]any, len(tbl.Columns))
	for i, p := range tbl.PrimaryKeyIndexes() {
		tr.Values[p] = key[i]
	}
	return tr, nil
}

func (t *tx) readTracking(ctx context.Context, tbl *schema.Table, key []any) (tracking, error) {
	var (
		trk    tracking
		writer sql.NullString
	)
	q := fmt.Sprintf(`SELECT timestamp, update_scope_id, sync_row_is_tombstone FROM %s WHERE %s`,
		quote(trackingName(tbl)), keyWhere(tbl))
	err := t.tx.QueryRowContext(ctx, q, key...).Scan(&trk.timestamp, &writer, &trk.tombstone)
	if err == sql.ErrNoRows {
		return trk, nil
	}
	if err != nil {
		return trk, errors.Wrapf(err, "read tracking of %s", tbl.Name)
	}
	trk.found = true
	trk.writer = writer.String
	return trk, nil
}

func (t *tx) readBase(ctx context.Context, tbl *schema.Table, key []any) ([]any, bool, error) {
	names := make([]string, len(tbl.Columns))
	for i, c := range tbl.Columns {
		names[i] = c.Name
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s`, quotedList(names, ""), quote(tbl.Name), keyWhere(tbl))

	vals := make([]any, len(tbl.Columns))
	ptrs := make([]any, len(vals))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	err := t.tx.QueryRowContext(ctx, q, key...).Scan(ptrs...)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "read %s", tbl.Name)
	}
	vals, err = tbl.CoerceValues(vals)
	if err != nil {
		return nil, false, err
	}
	return vals, true, nil
}

// writable is the optimistic write condition: the stored row is untouched
// since the sender's watermark, was last written by the sender, has never
// been tracked, or the caller forces the write.
func writable(trk tracking, sender string, since int64, force bool) bool {
	return force || !trk.found || trk.timestamp <= since || trk.writer == sender
}

// ApplyUpsert inserts or updates the row under the optimistic write
// condition, then stamps tracking with the sender.
func (t *tx) ApplyUpsert(ctx context.Context, tbl *schema.Table, row models.Row, sender string, since int64, force bool) (bool, error) {
	key := row.Key(tbl.PrimaryKeyIndexes())
	trk, err := t.readTracking(ctx, tbl, key)
	if err != nil {
		return false, err
	}
	if !writable(trk, sender, since, force) {
		return false, nil
	}

	current, found, err := t.readBase(ctx, tbl, key)
	if err != nil {
		return false, err
	}
	if found && trk.found && trk.writer == sender && models.ValuesEqual(current, row.Values) {
		// Re-delivery of a row this sender already wrote.
		return false, nil
	}

	if found {
		if err := t.update(ctx, tbl, row, key); err != nil {
			return false, err
		}
	} else {
		if err := t.insert(ctx, tbl, row); err != nil {
			return false, err
		}
	}
	if err := t.writeTracking(ctx, tbl, key, sender, false); err != nil {
		return false, err
	}
	slog.Debug("row upserted", "table", tbl.Name, "key", key, "sender", sender, "force", force)
	return true, nil
}

// ApplyDelete removes the row under the optimistic write condition and
// leaves a tombstone in tracking, even when the row never existed here.
func (t *tx) ApplyDelete(ctx context.Context, tbl *schema.Table, row models.Row, sender string, since int64, force bool) (bool, error) {
	key := row.Key(tbl.PrimaryKeyIndexes())
	trk, err := t.readTracking(ctx, tbl, key)
	if err != nil {
		return false, err
	}
	if !writable(trk, sender, since, force) {
		return false, nil
	}
	if trk.found && trk.tombstone && trk.writer == sender {
		return false, nil
	}

	q := fmt.Sprintf(`DELETE FROM %s WHERE %s`, quote(tbl.Name), keyWhere(tbl))
	if _, err := t.tx.ExecContext(ctx, q, key...); err != nil {
		return false, errors.Wrapf(err, "delete from %s", tbl.Name)
	}
	if err := t.writeTracking(ctx, tbl, key, sender, true); err != nil {
		return false, err
	}
	slog.Debug("row deleted", "table", tbl.Name, "key", key, "sender", sender, "force", force)
	return true, nil
}

func (t *tx) insert(ctx context.Context, tbl *schema.Table, row models.Row) error {
	names := make([]string, len(tbl.Columns))
	ph := make([]string, len(tbl.Columns))
	for i, c := range tbl.Columns {
		names[i] = c.Name
		ph[i] = "?"
	}
	q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, quote(tbl.Name), quotedList(names, ""), strings.Join(ph, ", "))
	if _, err := t.tx.ExecContext(ctx, q, row.Values...); err != nil {
		return errors.Wrapf(err, "insert into %s", tbl.Name)
	}
	return nil
}

func (t *tx) update(ctx context.Context, tbl *schema.Table, row models.Row, key []any) error {
	var (
		sets []string
		args []any
	)
	for i, c := range tbl.Columns {
		if tbl.IsPrimaryKey(c.Name) {
			continue
		}
		sets = append(sets, quote(c.Name)+" = ?")
		args = append(args, row.Values[i])
	}
	if len(sets) == 0 {
		// Key-only table: nothing to change, tracking still records the write.
		return nil
	}
	q := fmt.Sprintf(`UPDATE %s SET %s WHERE %s`, quote(tbl.Name), strings.Join(sets, ", "), keyWhere(tbl))
	if _, err := t.tx.ExecContext(ctx, q, append(args, key...)...); err != nil {
		return errors.Wrapf(err, "update %s", tbl.Name)
	}
	return nil
}

// writeTracking stamps a key with a fresh timestamp and its writer. An empty
// sender is stored as NULL, meaning this participant.
func (t *tx) writeTracking(ctx context.Context, tbl *schema.Table, key []any, sender string, tombstone bool) error {
	ts, err := t.nextTimestamp(ctx)
	if err != nil {
		return err
	}
	var writer any
	if sender != "" {
		writer = sender
	}
	q := fmt.Sprintf(`INSERT INTO %[1]s (%[2]s, update_scope_id, sync_row_is_tombstone, timestamp, last_change_datetime)
VALUES (%[3]s, ?, ?, ?, ?)
ON CONFLICT (%[2]s) DO UPDATE SET
	update_scope_id = excluded.update_scope_id,
	sync_row_is_tombstone = excluded.sync_row_is_tombstone,
	timestamp = excluded.timestamp,
	last_change_datetime = excluded.last_change_datetime`,
		quote(trackingName(tbl)), quotedList(tbl.PrimaryKey, ""), strings.TrimSuffix(strings.Repeat("?, ", len(key)), ", "))
	args := append(append([]any{}, key...), writer, tombstone, ts, time.Now().UTC().Format(time.RFC3339Nano))
	if _, err := t.tx.ExecContext(ctx, q, args...); err != nil {
		return errors.Wrapf(err, "write tracking of %s", tbl.Name)
	}
	return nil
}
