package cmd

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus/rowsync/internal/config"
	"github.com/marcus/rowsync/internal/filelock"
	"github.com/marcus/rowsync/internal/models"
	"github.com/marcus/rowsync/internal/orchestrator"
	"github.com/marcus/rowsync/internal/output"
	"github.com/marcus/rowsync/internal/schema"
	"github.com/marcus/rowsync/internal/sqlite"
	"github.com/marcus/rowsync/internal/syncerr"
	"github.com/marcus/rowsync/internal/transport"
	"github.com/marcus/rowsync/internal/webhook"
)

func tableSchema(scope, table string) *schema.Schema {
	return &schema.Schema{
		Name: scope,
		Tables: []schema.Table{{
			Name: table,
			Columns: []schema.Column{
				{Name: "id", Type: schema.TypeInteger},
				{Name: "v", Type: schema.TypeText, Nullable: true},
			},
			PrimaryKey: []string{"id"},
		}},
	}
}

func memAdapter(t *testing.T) *sqlite.Adapter {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	a, err := sqlite.New(db)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

// useConfig installs a default configuration for the test.
func useConfig(t *testing.T) {
	t.Helper()
	old := cfg
	cfg = config.Default()
	cfg.Database = filepath.Join(t.TempDir(), "local.db")
	cfg.LockTimeout = 200 * time.Millisecond
	cfg.Retry.Max = 0
	t.Cleanup(func() { cfg = old })
}

func TestSyncAllScopes(t *testing.T) {
	useConfig(t)
	schemas := []*schema.Schema{tableSchema("alpha", "a"), tableSchema("beta", "b")}

	local := memAdapter(t)
	remotes := transport.RemoteMap{}
	var locals []*orchestrator.Local
	for _, s := range schemas {
		l, err := orchestrator.NewLocal(local, s.Name, s, orchestrator.Options{})
		require.NoError(t, err)
		locals = append(locals, l)
		r, err := orchestrator.NewRemote(memAdapter(t), s.Name, s, orchestrator.Options{})
		require.NoError(t, err)
		remotes[s.Name] = r
	}
	h := transport.NewHandler(remotes, "", time.Minute)
	t.Cleanup(h.Close)

	results, err := syncAll(context.Background(), locals, &transport.Loopback{Handler: h}, 1)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for i, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, schemas[i].Name, r.ScopeName)
		assert.Equal(t, models.StageCommitted, r.Stage)
	}

	_, err = local.DB().Exec(`INSERT INTO a (id, v) VALUES (1, 'x')`)
	require.NoError(t, err)
	results, err = syncAll(context.Background(), locals, &transport.Loopback{Handler: h}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, results[0].Uploaded)
	assert.Equal(t, 0, results[1].Uploaded)
}

func TestSyncAllKeepsGoingAfterFailure(t *testing.T) {
	useConfig(t)
	good := tableSchema("good", "g")
	bad := tableSchema("bad", "b")

	local := memAdapter(t)
	lg, err := orchestrator.NewLocal(local, good.Name, good, orchestrator.Options{})
	require.NoError(t, err)
	lb, err := orchestrator.NewLocal(local, bad.Name, bad, orchestrator.Options{})
	require.NoError(t, err)
	rg, err := orchestrator.NewRemote(memAdapter(t), good.Name, good, orchestrator.Options{})
	require.NoError(t, err)

	// "bad" is not served by the remote.
	h := transport.NewHandler(transport.RemoteMap{good.Name: rg}, "", time.Minute)
	t.Cleanup(h.Close)

	results, err := syncAll(context.Background(), []*orchestrator.Local{lb, lg}, &transport.Loopback{Handler: h}, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrScopeNotFound)
	assert.Equal(t, models.StageFailed, results[0].Stage)
	assert.Equal(t, models.StageCommitted, results[1].Stage)
}

func TestSyncScopeWaitsForLock(t *testing.T) {
	useConfig(t)
	s := tableSchema("alpha", "a")
	l, err := orchestrator.NewLocal(memAdapter(t), s.Name, s, orchestrator.Options{})
	require.NoError(t, err)

	held, err := filelock.Acquire(context.Background(), filelock.PathFor(cfg.Database, s.Name), time.Second)
	require.NoError(t, err)
	defer held.Release()

	_, err = syncScope(context.Background(), l, &transport.Loopback{})
	assert.ErrorIs(t, err, filelock.ErrTimeout)
	assert.Equal(t, exitLocked, exitCode(err))
}

func TestSyncScopeNotifiesWebhook(t *testing.T) {
	useConfig(t)
	got := make(chan webhook.Payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhook.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err == nil {
			got <- p
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	cfg.Webhook.URL = srv.URL

	s := tableSchema("alpha", "a")
	l, err := orchestrator.NewLocal(memAdapter(t), s.Name, s, orchestrator.Options{})
	require.NoError(t, err)
	r, err := orchestrator.NewRemote(memAdapter(t), s.Name, s, orchestrator.Options{})
	require.NoError(t, err)
	h := transport.NewHandler(transport.RemoteMap{s.Name: r}, "", time.Minute)
	t.Cleanup(h.Close)

	res, err := syncScope(context.Background(), l, &transport.Loopback{Handler: h})
	require.NoError(t, err)

	select {
	case p := <-got:
		assert.Equal(t, "alpha", p.Session.Scope)
		assert.Equal(t, res.SessionID, p.Session.SessionID)
		assert.Equal(t, string(models.StageCommitted), p.Session.Stage)
	default:
		t.Fatal("webhook was not called")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
		exit int
	}{
		{"mismatch", syncerr.NewSchemaMismatch("s", []string{"x"}), output.ErrCodeSchemaMismatch, exitSchemaMismatch},
		{"partial", syncerr.NewPartialSync("s", 9, errors.New("boom")), output.ErrCodePartialSync, exitPartialSync},
		{"transient", errors.Wrap(&syncerr.TransientConnectionError{Attempts: 3, Err: errors.New("refused")}, "sync"), output.ErrCodeUnreachable, exitUnreachable},
		{"rate limited", errors.Wrap(transport.ErrRateLimited, "slow down"), output.ErrCodeUnreachable, exitUnreachable},
		{"other", errors.New("boom"), output.ErrCodeSyncFailed, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, exit := classify(tt.err)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.exit, exit)
		})
	}
}

func TestConfigInitWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rowsync.yaml")

	rootCmd.SetArgs([]string{"config", "init", path})
	require.NoError(t, rootCmd.Execute())
	_, err := os.Stat(path)
	require.NoError(t, err)

	got, err := config.Load(config.New(), path)
	require.NoError(t, err)
	assert.Equal(t, config.Default().Database, got.Database)

	rootCmd.SetArgs([]string{"config", "init", path})
	assert.Error(t, rootCmd.Execute(), "existing file is not overwritten without --force")
}

func writeSchema(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schema.yaml")
	doc := `name: alpha
tables:
  - name: a
    columns:
      - {name: id, type: integer}
      - {name: v, type: text, nullable: true}
    primary_key: [id]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func scopeOf(t *testing.T) *models.ScopeInfo {
	t.Helper()
	ws, err := openWorkspace()
	require.NoError(t, err)
	defer ws.Close()
	require.Len(t, ws.locals, 1)
	scope, err := ws.locals[0].Scope(context.Background())
	require.NoError(t, err)
	return scope
}

func TestProvisionStatusDeprovision(t *testing.T) {
	useConfig(t)
	cfg.Schema = writeSchema(t)

	assert.Nil(t, scopeOf(t))

	provisionCmd.SetContext(context.Background())
	require.NoError(t, provisionCmd.RunE(provisionCmd, nil))
	scope := scopeOf(t)
	require.NotNil(t, scope)
	assert.Equal(t, "alpha", scope.Name)

	statusCmd.SetContext(context.Background())
	require.NoError(t, statusCmd.RunE(statusCmd, nil))

	deprovisionCmd.SetContext(context.Background())
	require.NoError(t, deprovisionCmd.RunE(deprovisionCmd, nil))
	assert.Nil(t, scopeOf(t))

	db, err := sql.Open("sqlite3", cfg.Database)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'a'`).Scan(&n))
	assert.Equal(t, 1, n, "application tables survive deprovision")
}

func TestSyncEveryKeepsRunningAfterFailures(t *testing.T) {
	useConfig(t)
	good := tableSchema("good", "g")
	bad := tableSchema("bad", "b")

	local := memAdapter(t)
	lg, err := orchestrator.NewLocal(local, good.Name, good, orchestrator.Options{})
	require.NoError(t, err)
	lb, err := orchestrator.NewLocal(local, bad.Name, bad, orchestrator.Options{})
	require.NoError(t, err)
	rg, err := orchestrator.NewRemote(memAdapter(t), good.Name, good, orchestrator.Options{})
	require.NoError(t, err)
	h := transport.NewHandler(transport.RemoteMap{good.Name: rg}, "", time.Minute)
	t.Cleanup(h.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rounds [][]*models.SyncResult
	report := func(results []*models.SyncResult) {
		rounds = append(rounds, results)
		switch len(rounds) {
		case 1:
			_, err := local.DB().Exec(`INSERT INTO g (id, v) VALUES (1, 'x')`)
			require.NoError(t, err)
		case 3:
			cancel()
		}
	}

	err = syncEvery(ctx, []*orchestrator.Local{lb, lg}, &transport.Loopback{Handler: h}, 2, 10*time.Millisecond, report)
	require.NoError(t, err)
	require.Len(t, rounds, 3)
	for _, results := range rounds {
		assert.Equal(t, models.StageFailed, results[0].Stage, "the unserved scope fails every round")
		assert.Equal(t, models.StageCommitted, results[1].Stage)
	}
	assert.Equal(t, 1, rounds[1][1].Uploaded)
	assert.Equal(t, 0, rounds[2][1].Uploaded)
}

func TestSyncRejectsShortInterval(t *testing.T) {
	useConfig(t)
	require.NoError(t, syncCmd.Flags().Set("every", "10ms"))
	t.Cleanup(func() { syncCmd.Flags().Set("every", "0s") })

	err := syncCmd.RunE(syncCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--every")
}
