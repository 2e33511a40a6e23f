package syncharness

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus/rowsync/internal/batch"
	"github.com/marcus/rowsync/internal/conflict"
	"github.com/marcus/rowsync/internal/crypto"
	"github.com/marcus/rowsync/internal/orchestrator"
	"github.com/marcus/rowsync/internal/schema"
	"github.com/marcus/rowsync/internal/syncerr"
	"github.com/marcus/rowsync/internal/transport"
)

func orderSchema() *schema.Schema {
	return &schema.Schema{
		Name: "orders",
		Tables: []schema.Table{
			{
				Name: "order_line",
				Columns: []schema.Column{
					{Name: "id", Type: schema.TypeInteger},
					{Name: "order_id", Type: schema.TypeInteger},
					{Name: "sku", Type: schema.TypeText, Nullable: true},
				},
				PrimaryKey: []string{"id"},
				Relations:  []schema.Relation{{Columns: []string{"order_id"}, ParentTable: "orders", ParentColumns: []string{"id"}}},
			},
			{
				Name:       "orders",
				Columns:    []schema.Column{{Name: "id", Type: schema.TypeInteger}, {Name: "note", Type: schema.TypeText, Nullable: true}},
				PrimaryKey: []string{"id"},
			},
		},
	}
}

func TestIdempotentSessions(t *testing.T) {
	h := Setup(t, DefaultConfig(itemSchema))
	h.Exec("alice", `INSERT INTO item (id, name, qty) VALUES (1, 'a', 5)`)
	h.Exec("bob", `INSERT INTO item (id, name, qty) VALUES (2, 'b', 6)`)
	h.Converge()
	h.AssertConverged()
	before := h.RemoteRows("item")

	for _, name := range h.Names() {
		res := h.Sync(name)
		assert.Zero(t, res.Uploaded, name)
		assert.Zero(t, res.Downloaded, name)
		assert.Zero(t, res.Conflicts(), name)
	}
	assert.Equal(t, before, h.RemoteRows("item"))
	h.AssertConverged()
}

// Random edits on overlapping keys from three clients settle to identical
// tables once everyone has synced twice.
func TestConvergence(t *testing.T) {
	for _, policy := range []conflict.Policy{conflict.RemoteWins, conflict.LocalWins} {
		t.Run(string(policy), func(t *testing.T) {
			cfg := DefaultConfig(itemSchema)
			cfg.NumClients = 3
			cfg.LocalOptions = orchestrator.Options{Policy: policy}
			cfg.RemoteOptions = orchestrator.Options{Policy: policy}
			h := Setup(t, cfg)

			rng := rand.New(rand.NewSource(7))
			for round := 0; round < 4; round++ {
				for _, name := range h.Names() {
					for op := 0; op < 6; op++ {
						id := rng.Intn(8) + 1
						switch rng.Intn(3) {
						case 0:
							h.Exec(name, `DELETE FROM item WHERE id = ?`, id)
						default:
							h.Exec(name, `INSERT INTO item (id, name, qty) VALUES (?, ?, ?)
								ON CONFLICT(id) DO UPDATE SET name = excluded.name, qty = excluded.qty`,
								id, fmt.Sprintf("%s-%d", name, round), rng.Intn(100))
						}
					}
					h.Sync(name)
				}
			}
			h.Converge()
			h.AssertConverged()
		})
	}
}

func TestWatermarksNeverMoveBackwards(t *testing.T) {
	h := Setup(t, DefaultConfig(itemSchema))
	last := map[string][2]int64{}
	for i := 0; i < 5; i++ {
		h.Exec("alice", `INSERT INTO item (id, name, qty) VALUES (?, 'a', ?)`, i+1, i)
		if i%2 == 1 {
			h.Exec("bob", `DELETE FROM item WHERE id = ?`, i)
		}
		for _, name := range h.Names() {
			res := h.Sync(name)
			prev := last[name]
			assert.GreaterOrEqual(t, res.LocalTimestamp, prev[0], "%s local watermark", name)
			assert.GreaterOrEqual(t, res.RemoteTimestamp, prev[1], "%s remote watermark", name)
			last[name] = [2]int64{res.LocalTimestamp, res.RemoteTimestamp}
		}
	}
	h.AssertConverged()
}

// Parents leave before their children even when every part holds one row.
func TestForeignKeyParentsFirst(t *testing.T) {
	cfg := DefaultConfig(orderSchema)
	cfg.LocalOptions = orchestrator.Options{Budget: batch.Budget{MaxRows: 1}}
	cfg.RemoteOptions = orchestrator.Options{Budget: batch.Budget{MaxRows: 1}}
	h := Setup(t, cfg)
	h.SyncAll()

	var tables []string
	h.Link.Intercept = func(env *transport.Envelope) error {
		if env.Step != transport.StepUploadPart {
			return nil
		}
		var req transport.UploadPartRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return err
		}
		for _, tc := range req.Part.Tables {
			tables = append(tables, tc.Table)
		}
		return nil
	}

	h.Exec("alice", `INSERT INTO orders (id, note) VALUES (1, 'first')`)
	h.Exec("alice", `INSERT INTO order_line (id, order_id, sku) VALUES (10, 1, 'x'), (11, 1, 'y')`)
	res := h.Sync("alice")
	assert.Equal(t, 3, res.RemoteApplied.Applied)
	assert.Equal(t, []string{"orders", "order_line", "order_line"}, tables)

	res = h.Sync("bob")
	assert.Equal(t, 3, res.LocalApplied.Applied)
	assert.Equal(t, 1, res.LocalApplied.Table("orders").Applied)
	assert.Equal(t, 2, res.LocalApplied.Table("order_line").Applied)
	h.AssertConverged()
}

// Tombstones replay parents first too; foreign keys are checked at commit.
func TestForeignKeyDeletesConverge(t *testing.T) {
	h := Setup(t, DefaultConfig(orderSchema))
	h.Exec("alice", `INSERT INTO orders (id, note) VALUES (1, 'first'), (2, 'second')`)
	h.Exec("alice", `INSERT INTO order_line (id, order_id, sku) VALUES (10, 1, 'x'), (11, 1, 'y'), (12, 2, 'z')`)
	h.Converge()
	require.Len(t, h.Rows("bob", "order_line"), 3)

	h.Exec("alice", `DELETE FROM order_line WHERE order_id = 1`)
	h.Exec("alice", `DELETE FROM orders WHERE id = 1`)
	h.Sync("alice")
	res := h.Sync("bob")

	assert.Equal(t, 3, res.LocalApplied.Applied)
	assert.Equal(t, []string{"(2,second)"}, h.Rows("bob", "orders"))
	assert.Equal(t, []string{"(12,2,z)"}, h.Rows("bob", "order_line"))
	tomb, found := h.Tombstone("bob", "orders", 1)
	assert.True(t, found)
	assert.True(t, tomb)
	h.AssertConverged()
}

// A session that fails after the remote committed leaves the client's
// watermarks alone; the retry re-sends the rows and converges without
// conflicts.
func TestPartialSyncResumeConverges(t *testing.T) {
	h := Setup(t, DefaultConfig(itemSchema))
	h.SyncAll()

	h.Exec("alice", `INSERT INTO item (id, name, qty) VALUES (1, 'a', 5)`)
	h.Sync("alice")
	h.Exec("bob", `INSERT INTO item (id, name, qty) VALUES (2, 'b', 6)`)

	h.Link.Intercept = func(env *transport.Envelope) error {
		if env.Step == transport.StepGetChanges {
			return errors.New("connection reset")
		}
		return nil
	}
	_, err := h.TrySync("bob")
	var partial *syncerr.PartialSyncError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []string{"(1,a,5)", "(2,b,6)"}, h.RemoteRows("item"))
	assert.Equal(t, []string{"(2,b,6)"}, h.Rows("bob", "item"))

	h.Link.Intercept = nil
	res := h.Sync("bob")
	assert.Zero(t, res.Conflicts())
	assert.Equal(t, 1, res.RemoteApplied.Skipped)

	h.Converge()
	h.AssertConverged()
	assert.Empty(t, h.Conflicts())
}

// A delete racing an update resolves by policy on every participant.
func TestDeleteUpdateConflict(t *testing.T) {
	h := Setup(t, DefaultConfig(itemSchema))
	h.Exec("alice", `INSERT INTO item (id, name, qty) VALUES (1, 'a', 5)`)
	h.Converge()

	h.Exec("alice", `DELETE FROM item WHERE id = 1`)
	h.Sync("alice")
	h.Exec("bob", `UPDATE item SET qty = 7 WHERE id = 1`)
	res := h.Sync("bob")

	assert.Equal(t, 1, res.Conflicts())
	assert.Empty(t, h.Rows("bob", "item"), "the remote's delete wins")
	tomb, found := h.Tombstone("bob", "item", 1)
	assert.True(t, found)
	assert.True(t, tomb)

	h.Converge()
	h.AssertConverged()
}

// Spooled parts sealed on every hop still converge.
func TestEncryptedSpool(t *testing.T) {
	localKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	remoteKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	cfg := DefaultConfig(itemSchema)
	cfg.LocalOptions = orchestrator.Options{Budget: batch.Budget{MaxRows: 4}, SpoolDir: t.TempDir(), SpoolKey: localKey}
	cfg.RemoteOptions = orchestrator.Options{Budget: batch.Budget{MaxRows: 4}, SpoolDir: t.TempDir(), SpoolKey: remoteKey}
	h := Setup(t, cfg)

	for i := 1; i <= 10; i++ {
		h.Exec("alice", `INSERT INTO item (id, name, qty) VALUES (?, 'a', ?)`, i, i)
		h.Exec("bob", `INSERT INTO item (id, name, qty) VALUES (?, 'b', ?)`, 100+i, i)
	}
	h.Converge()
	h.AssertConverged()
	assert.Len(t, h.RemoteRows("item"), 20)
}
