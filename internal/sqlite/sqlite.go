// Package sqlite implements the backend adapter for SQLite databases.
//
// Change tracking uses a side table per synchronized table, maintained by
// triggers, and a single monotonic counter that stamps every change.
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"github.com/marcus/rowsync/internal/adapter"
)

// MetaSchemaVersion is the version of the adapter's own bookkeeping tables.
const MetaSchemaVersion = 1

// Migration upgrades the bookkeeping tables.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations are applied in order to databases below their version.
var Migrations = []Migration{
	{
		Version:     1,
		Description: "timestamp counter",
		SQL: `
CREATE TABLE IF NOT EXISTS rowsync_timestamp (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	value INTEGER NOT NULL
);
INSERT OR IGNORE INTO rowsync_timestamp (id, value) VALUES (1, 0);`,
	},
}

// Adapter is a SQLite participant store.
type Adapter struct {
	db   *sql.DB
	path string
}

var _ adapter.Adapter = (*Adapter)(nil)

// Open opens (creating if needed) the database at dbPath with the pure Go
// driver and prepares the bookkeeping tables.
func Open(dbPath string) (*Adapter, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, errors.Wrap(err, "create db dir")
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enable WAL mode")
	}
	db.Exec("PRAGMA synchronous=NORMAL")

	a, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	a.path = dbPath
	return a, nil
}

// New wraps an open handle. Any registered SQLite driver works.
func New(db *sql.DB) (*Adapter, error) {
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, errors.Wrap(err, "set busy timeout")
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, errors.Wrap(err, "enable foreign keys")
	}

	a := &Adapter{db: db}
	if _, err := a.RunMigrations(); err != nil {
		return nil, errors.Wrap(err, "run migrations")
	}
	return a, nil
}

// DB returns the underlying handle, for application writes.
func (a *Adapter) DB() *sql.DB { return a.db }

// Path returns the database file path, empty for wrapped handles.
func (a *Adapter) Path() string { return a.path }

// Ping checks the database connection is alive.
func (a *Adapter) Ping() error { return a.db.Ping() }

// Close checkpoints the WAL and closes the database.
func (a *Adapter) Close() error {
	a.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return a.db.Close()
}

// RunMigrations applies pending bookkeeping migrations and returns how many ran.
func (a *Adapter) RunMigrations() (int, error) {
	if _, err := a.db.Exec(`CREATE TABLE IF NOT EXISTS rowsync_schema_info (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return 0, errors.Wrap(err, "create rowsync_schema_info")
	}

	current := a.schemaVersion()
	if current >= MetaSchemaVersion {
		return 0, nil
	}

	ran := 0
	for _, m := range Migrations {
		if m.Version <= current {
			continue
		}
		if _, err := a.db.Exec(m.SQL); err != nil {
			return ran, errors.Wrapf(err, "migration %d (%s)", m.Version, m.Description)
		}
		if err := a.setSchemaVersion(m.Version); err != nil {
			return ran, errors.Wrapf(err, "set version %d", m.Version)
		}
		ran++
	}
	return ran, nil
}

func (a *Adapter) schemaVersion() int {
	var version string
	if err := a.db.QueryRow("SELECT value FROM rowsync_schema_info WHERE key = 'version'").Scan(&version); err != nil {
		return 0
	}
	var v int
	fmt.Sscanf(version, "%d", &v)
	return v
}

func (a *Adapter) setSchemaVersion(version int) error {
	_, err := a.db.Exec(`INSERT OR REPLACE INTO rowsync_schema_info (key, value) VALUES ('version', ?)`,
		fmt.Sprintf("%d", version))
	return err
}

// Begin starts a transaction with foreign key checks deferred to commit, so
// rows of one batch may arrive in any order within a table.
func (a *Adapter) Begin(ctx context.Context) (adapter.Tx, error) {
	sqlTx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction")
	}
	if _, err := sqlTx.ExecContext(ctx, "PRAGMA defer_foreign_keys=ON"); err != nil {
		sqlTx.Rollback()
		return nil, errors.Wrap(err, "defer foreign keys")
	}
	return &tx{tx: sqlTx}, nil
}

// transientMessages are driver messages for conditions that clear up on retry.
var transientMessages = []string{
	"database is locked",
	"database table is locked",
	"sqlite_busy",
	"connection reset",
	"broken pipe",
	"bad connection",
}

// IsTransient reports whether err is a busy/locked database or a dropped connection.
func (a *Adapter) IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// tx implements adapter.Tx over a *sql.Tx.
type tx struct {
	tx *sql.Tx
}

func (t *tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

func (t *tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return errors.Wrap(err, "rollback")
	}
	return nil
}

// CurrentTimestamp returns the last value handed out by the change counter.
func (t *tx) CurrentTimestamp(ctx context.Context) (int64, error) {
	var ts int64
	if err := t.tx.QueryRowContext(ctx, `SELECT value FROM rowsync_timestamp WHERE id = 1`).Scan(&ts); err != nil {
		return 0, errors.Wrap(err, "read timestamp")
	}
	return ts, nil
}

// nextTimestamp advances the change counter and returns the new value.
func (t *tx) nextTimestamp(ctx context.Context) (int64, error) {
	if _, err := t.tx.ExecContext(ctx, `UPDATE rowsync_timestamp SET value = value + 1 WHERE id = 1`); err != nil {
		return 0, errors.Wrap(err, "advance timestamp")
	}
	return t.CurrentTimestamp(ctx)
}

func quote(name string) string {
	return `"` + name + `"`
}
