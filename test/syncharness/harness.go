// Package syncharness runs several local participants against one remote
// participant in-process. Every client owns its own in-memory SQLite
// database and reaches the shared remote through a transport.Loopback, so
// sessions go through the same envelopes a network peer would send.
package syncharness

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/marcus/rowsync/internal/agent"
	"github.com/marcus/rowsync/internal/events"
	"github.com/marcus/rowsync/internal/models"
	"github.com/marcus/rowsync/internal/orchestrator"
	"github.com/marcus/rowsync/internal/schema"
	"github.com/marcus/rowsync/internal/sqlite"
	"github.com/marcus/rowsync/internal/transport"
)

// ScopeName is the scope every participant of a harness syncs.
const ScopeName = "main"

// Config controls harness setup options.
type Config struct {
	NumClients int // 2 or 3 (alice, bob, optionally carol)
	Schema     func() *schema.Schema

	LocalOptions  orchestrator.Options
	RemoteOptions orchestrator.Options

	// Unprovisioned leaves provisioning to each participant's first session.
	Unprovisioned bool
}

// DefaultConfig returns a two-client Config over the given schema.
func DefaultConfig(s func() *schema.Schema) Config {
	return Config{NumClients: 2, Schema: s}
}

// Client is one local participant.
type Client struct {
	Name  string
	DB    *sqlite.Adapter
	Local *orchestrator.Local
	Agent *agent.Agent
}

// ConflictRecord is one raised conflict event.
type ConflictRecord struct {
	Role     models.Role
	Table    string
	Key      []any
	Resolved models.Resolution
}

// Harness manages the remote participant and its clients.
type Harness struct {
	RemoteDB *sqlite.Adapter
	Remote   *orchestrator.Remote
	Handler  *transport.Handler
	Link     *transport.Loopback

	schema  *schema.Schema
	clients map[string]*Client
	names   []string

	mu        sync.Mutex
	conflicts []ConflictRecord

	t *testing.T
}

// clientNames returns the client names for the configured number of clients.
func clientNames(n int) []string {
	names := []string{"alice", "bob"}
	if n >= 3 {
		names = append(names, "carol")
	}
	return names
}

// Setup creates the remote, the clients and the loopback link between them.
// Every participant is provisioned before Setup returns unless
// cfg.Unprovisioned is set, so tests can write rows before the first sync.
func Setup(t *testing.T, cfg Config) *Harness {
	t.Helper()
	if cfg.NumClients < 2 {
		cfg.NumClients = 2
	}
	if cfg.Schema == nil {
		t.Fatal("harness needs a schema")
	}

	h := &Harness{
		schema:  cfg.Schema(),
		clients: make(map[string]*Client),
		t:       t,
	}

	h.RemoteDB = memAdapter(t)
	remote, err := orchestrator.NewRemote(h.RemoteDB, ScopeName, cfg.Schema(), cfg.RemoteOptions)
	if err != nil {
		t.Fatalf("new remote: %v", err)
	}
	h.Remote = remote
	h.watchConflicts(remote.Events())
	if !cfg.Unprovisioned {
		if _, err := remote.Provision(context.Background(), models.ProvisionRemoteDefault, false); err != nil {
			t.Fatalf("provision remote: %v", err)
		}
	}

	h.Handler = transport.NewHandler(transport.RemoteMap{ScopeName: remote}, t.TempDir(), time.Minute)
	t.Cleanup(h.Handler.Close)
	h.Link = &transport.Loopback{Handler: h.Handler}

	for _, name := range clientNames(cfg.NumClients) {
		db := memAdapter(t)
		local, err := orchestrator.NewLocal(db, ScopeName, cfg.Schema(), cfg.LocalOptions)
		if err != nil {
			t.Fatalf("new local %s: %v", name, err)
		}
		h.watchConflicts(local.Events())
		if !cfg.Unprovisioned {
			if _, err := local.Provision(context.Background(), models.ProvisionLocalDefault, false); err != nil {
				t.Fatalf("provision %s: %v", name, err)
			}
		}
		h.clients[name] = &Client{
			Name:  name,
			DB:    db,
			Local: local,
			Agent: agent.New(local, h.Link, t.TempDir()),
		}
		h.names = append(h.names, name)
	}
	return h
}

func memAdapter(t *testing.T) *sqlite.Adapter {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	a, err := sqlite.New(db)
	if err != nil {
		t.Fatalf("sqlite adapter: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func (h *Harness) watchConflicts(r *events.Registry) {
	events.On(r, func(ctx context.Context, e *events.ConflictArgs) {
		var key []any
		if tbl, ok := h.schema.Table(e.Conflict.Table); ok {
			key = e.Conflict.Remote.Key(tbl.PrimaryKeyIndexes())
		}
		h.mu.Lock()
		h.conflicts = append(h.conflicts, ConflictRecord{
			Role:     e.Role,
			Table:    e.Conflict.Table,
			Key:      key,
			Resolved: e.Conflict.Resolution,
		})
		h.mu.Unlock()
	})
}

// Client returns the named client.
func (h *Harness) Client(name string) *Client {
	h.t.Helper()
	c, ok := h.clients[name]
	if !ok {
		h.t.Fatalf("unknown client %q", name)
	}
	return c
}

// Names returns the client names in setup order.
func (h *Harness) Names() []string { return h.names }

// Exec runs a statement against a client's database.
func (h *Harness) Exec(name, query string, args ...any) {
	h.t.Helper()
	if _, err := h.Client(name).DB.DB().Exec(query, args...); err != nil {
		h.t.Fatalf("%s: exec %q: %v", name, query, err)
	}
}

// ExecRemote runs a statement against the remote database.
func (h *Harness) ExecRemote(query string, args ...any) {
	h.t.Helper()
	if _, err := h.RemoteDB.DB().Exec(query, args...); err != nil {
		h.t.Fatalf("remote: exec %q: %v", query, err)
	}
}

// Sync runs one session for the named client and fails the test on error.
func (h *Harness) Sync(name string) *models.SyncResult {
	h.t.Helper()
	res, err := h.TrySync(name)
	if err != nil {
		h.t.Fatalf("%s: sync: %v", name, err)
	}
	if res.Stage != models.StageCommitted {
		h.t.Fatalf("%s: sync ended in stage %s", name, res.Stage)
	}
	return res
}

// TrySync runs one session for the named client and returns its outcome.
func (h *Harness) TrySync(name string) (*models.SyncResult, error) {
	return h.Client(name).Agent.Synchronize(context.Background())
}

// SyncAll syncs every client once, in setup order.
func (h *Harness) SyncAll() {
	h.t.Helper()
	for _, name := range h.names {
		h.Sync(name)
	}
}

// Converge runs two rounds of SyncAll. After the first round the remote
// holds every change; the second carries it to the clients that synced
// before the last writer.
func (h *Harness) Converge() {
	h.t.Helper()
	h.SyncAll()
	h.SyncAll()
}

// Conflicts returns the conflict events raised so far.
func (h *Harness) Conflicts() []ConflictRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ConflictRecord(nil), h.conflicts...)
}

// ResetConflicts forgets the recorded conflict events.
func (h *Harness) ResetConflicts() {
	h.mu.Lock()
	h.conflicts = nil
	h.mu.Unlock()
}

// Rows returns the current (non-deleted) rows of a client's table ordered by
// primary key, each rendered as a string.
func (h *Harness) Rows(name, table string) []string {
	h.t.Helper()
	return h.dump(h.Client(name).DB, table)
}

// RemoteRows returns the current rows of the remote's table.
func (h *Harness) RemoteRows(table string) []string {
	h.t.Helper()
	return h.dump(h.RemoteDB, table)
}

func (h *Harness) dump(a *sqlite.Adapter, table string) []string {
	h.t.Helper()
	tbl, ok := h.schema.Table(table)
	if !ok {
		h.t.Fatalf("table %q not in schema", table)
	}
	cols := make([]string, len(tbl.Columns))
	for i, c := range tbl.Columns {
		cols[i] = fmt.Sprintf("%q", c.Name)
	}
	order := make([]string, len(tbl.PrimaryKey))
	for i, pk := range tbl.PrimaryKey {
		order[i] = fmt.Sprintf("%q", pk)
	}
	q := fmt.Sprintf("SELECT %s FROM %q ORDER BY %s", strings.Join(cols, ", "), table, strings.Join(order, ", "))

	rows, err := a.DB().Query(q)
	if err != nil {
		h.t.Fatalf("query %s: %v", table, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		vals := make([]any, len(cols))
		dest := make([]any, len(cols))
		for i := range vals {
			dest[i] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			h.t.Fatalf("scan %s: %v", table, err)
		}
		parts := make([]string, len(vals))
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			parts[i] = fmt.Sprint(v)
		}
		out = append(out, "("+strings.Join(parts, ",")+")")
	}
	if err := rows.Err(); err != nil {
		h.t.Fatalf("rows %s: %v", table, err)
	}
	return out
}

// Tombstone reports whether a client's tracking metadata marks the row with
// the given single-column key as deleted. found is false when no metadata
// exists.
func (h *Harness) Tombstone(name, table string, key any) (tombstone, found bool) {
	h.t.Helper()
	tbl, ok := h.schema.Table(table)
	if !ok || len(tbl.PrimaryKey) != 1 {
		h.t.Fatalf("table %q needs a single-column key", table)
	}
	q := fmt.Sprintf("SELECT sync_row_is_tombstone FROM %q WHERE %q = ?", table+"_tracking", tbl.PrimaryKey[0])
	var v int
	err := h.Client(name).DB.DB().QueryRow(q, key).Scan(&v)
	if err == sql.ErrNoRows {
		return false, false
	}
	if err != nil {
		h.t.Fatalf("%s: read tracking %s: %v", name, table, err)
	}
	return v != 0, true
}

// AssertConverged fails the test unless every client and the remote hold
// the same current rows for each table of the schema.
func (h *Harness) AssertConverged() {
	h.t.Helper()
	for _, tbl := range h.schema.Tables {
		want := h.RemoteRows(tbl.Name)
		for _, name := range h.names {
			got := h.Rows(name, tbl.Name)
			if !equalRows(got, want) {
				h.t.Fatalf("%s diverged on %s:\n  got  %v\n  want %v", name, tbl.Name, got, want)
			}
		}
	}
}

func equalRows(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	a = append([]string(nil), a...)
	b = append([]string(nil), b...)
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
