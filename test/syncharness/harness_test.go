package syncharness

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus/rowsync/internal/agent"
	"github.com/marcus/rowsync/internal/models"
	"github.com/marcus/rowsync/internal/orchestrator"
	"github.com/marcus/rowsync/internal/schema"
	"github.com/marcus/rowsync/internal/syncerr"
)

func TestSetupProvisionsParticipants(t *testing.T) {
	h := Setup(t, DefaultConfig(itemSchema))
	for _, name := range h.Names() {
		scope, err := h.Client(name).Local.Scope(context.Background())
		require.NoError(t, err)
		require.NotNil(t, scope, name)
		assert.Equal(t, itemSchema().Hash(), scope.SchemaHash, name)
	}
	scope, err := h.Remote.Scope(context.Background())
	require.NoError(t, err)
	require.NotNil(t, scope)

	h.Exec("alice", `INSERT INTO item (id, name, qty) VALUES (1, 'a', 1)`)
	tomb, found := h.Tombstone("alice", "item", 1)
	assert.True(t, found, "writes before the first sync are tracked")
	assert.False(t, tomb)
}

// Without provisioning up front, the first session provisions both sides.
func TestFirstSessionProvisions(t *testing.T) {
	cfg := DefaultConfig(itemSchema)
	cfg.Unprovisioned = true
	h := Setup(t, cfg)

	scope, err := h.Remote.Scope(context.Background())
	require.NoError(t, err)
	assert.Nil(t, scope)

	h.SyncAll()
	h.Exec("alice", `INSERT INTO item (id, name, qty) VALUES (1, 'a', 1)`)
	h.Converge()
	h.AssertConverged()
	assert.Equal(t, []string{"(1,a,1)"}, h.Rows("bob", "item"))
}

func TestTwoClientsNoConflict(t *testing.T) {
	h := Setup(t, DefaultConfig(itemSchema))
	h.Exec("alice", `INSERT INTO item (id, name, qty) VALUES (1, 'a', 1)`)
	h.Exec("bob", `INSERT INTO item (id, name, qty) VALUES (2, 'b', 2)`)
	h.Converge()

	h.AssertConverged()
	assert.Equal(t, []string{"(1,a,1)", "(2,b,2)"}, h.Rows("alice", "item"))
	assert.Empty(t, h.Conflicts())
}

// Both clients create the same key; the first to reach the remote keeps it.
func TestInsertSameKeyConflict(t *testing.T) {
	h := Setup(t, DefaultConfig(itemSchema))
	h.SyncAll()
	h.Exec("alice", `INSERT INTO item (id, name, qty) VALUES (5, 'alice', 1)`)
	h.Exec("bob", `INSERT INTO item (id, name, qty) VALUES (5, 'bob', 2)`)

	h.Sync("alice")
	res := h.Sync("bob")
	assert.Equal(t, 1, res.Conflicts())
	assert.Equal(t, []string{"(5,alice,1)"}, h.Rows("bob", "item"))

	raised := conflictsFor(h, 5)
	require.Len(t, raised, 1)
	assert.Equal(t, models.RoleRemote, raised[0].Role)

	h.Converge()
	h.AssertConverged()
}

// An update that reached the remote first survives a later delete from a
// client that never saw it.
func TestDeleteLosesToEarlierUpdate(t *testing.T) {
	h := Setup(t, DefaultConfig(itemSchema))
	h.Exec("alice", `INSERT INTO item (id, name, qty) VALUES (1, 'a', 5)`)
	h.Converge()

	h.Exec("alice", `DELETE FROM item WHERE id = 1`)
	h.Exec("bob", `UPDATE item SET qty = 8 WHERE id = 1`)
	h.Sync("bob")
	res := h.Sync("alice")

	assert.Equal(t, 1, res.Conflicts())
	assert.Equal(t, []string{"(1,a,8)"}, h.Rows("alice", "item"), "row is restored from the remote")

	h.Converge()
	h.AssertConverged()
}

func TestInterleavedSync(t *testing.T) {
	cfg := DefaultConfig(itemSchema)
	cfg.NumClients = 3
	h := Setup(t, cfg)
	h.SyncAll()

	h.Exec("alice", `INSERT INTO item (id, name, qty) VALUES (1, 'a', 1)`)
	h.Sync("alice")
	h.Exec("bob", `INSERT INTO item (id, name, qty) VALUES (2, 'b', 2)`)
	h.Sync("carol")
	h.Exec("carol", `UPDATE item SET qty = 10 WHERE id = 1`)
	h.Sync("bob")
	h.Sync("carol")
	h.Sync("alice")
	h.Exec("alice", `DELETE FROM item WHERE id = 2`)
	h.Sync("alice")

	h.Converge()
	h.AssertConverged()
	assert.Equal(t, []string{"(1,a,10)"}, h.RemoteRows("item"))
	assert.Empty(t, h.Conflicts())
}

// Sessions of different clients run concurrently against the same remote.
func TestConcurrentPush(t *testing.T) {
	cfg := DefaultConfig(itemSchema)
	cfg.NumClients = 3
	h := Setup(t, cfg)
	h.SyncAll()

	for i, name := range h.Names() {
		for j := 0; j < 20; j++ {
			h.Exec(name, `INSERT INTO item (id, name, qty) VALUES (?, ?, ?)`, i*100+j, name, j)
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, len(h.Names()))
	for i, name := range h.Names() {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			_, errs[i] = h.TrySync(name)
		}(i, name)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, h.Names()[i])
	}

	assert.Len(t, h.RemoteRows("item"), 60)
	h.Converge()
	h.AssertConverged()
	assert.Empty(t, h.Conflicts())
}

// A client with a different schema fails before any rows move.
func TestSchemaMismatch(t *testing.T) {
	h := Setup(t, DefaultConfig(itemSchema))
	h.Exec("alice", `INSERT INTO item (id, name, qty) VALUES (1, 'a', 1)`)
	h.Sync("alice")

	other := itemSchema()
	other.Tables[0].Columns = append(other.Tables[0].Columns, schema.Column{Name: "sku", Type: schema.TypeText, Nullable: true})
	local, err := orchestrator.NewLocal(memAdapter(t), ScopeName, other, orchestrator.Options{})
	require.NoError(t, err)

	res, err := agent.New(local, h.Link, "").Synchronize(context.Background())
	var mismatch *syncerr.SchemaMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.NotEmpty(t, mismatch.Diff)
	assert.Equal(t, models.StageFailed, res.Stage)

	assert.Equal(t, []string{"(1,a,1)"}, h.RemoteRows("item"))
}
