package events

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/marcus/rowsync/internal/models"
	"github.com/marcus/rowsync/internal/syncerr"
)

func testContext() models.SyncContext {
	return models.SyncContext{SessionID: "s1", ScopeName: "shop", Stage: models.StageRemoteChangesApplied}
}

func TestDispatch_RegistrationOrder(t *testing.T) {
	r := NewRegistry()
	var calls []string
	On(r, func(ctx context.Context, a *SessionBeginArgs) { calls = append(calls, "first") })
	On(r, func(ctx context.Context, a *SessionBeginArgs) { calls = append(calls, "second") })
	On(r, func(ctx context.Context, a *SessionEndArgs) { calls = append(calls, "end") })

	args := &SessionBeginArgs{Base: NewBase(testContext(), models.RoleLocal)}
	if err := r.Dispatch(context.Background(), args); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(calls) != 2 || calls[0] != "first" || calls[1] != "second" {
		t.Fatalf("calls: got %v, want [first second]", calls)
	}
}

func TestRemove(t *testing.T) {
	r := NewRegistry()
	count := 0
	h := On(r, func(ctx context.Context, a *ReconnectArgs) { count++ })
	if got := r.Len(KindReconnect); got != 1 {
		t.Fatalf("len: got %d, want 1", got)
	}
	if !r.Remove(h) {
		t.Fatal("remove should report true for a registered handle")
	}
	if r.Remove(h) {
		t.Fatal("second remove should report false")
	}
	r.Dispatch(context.Background(), &ReconnectArgs{Base: NewBase(testContext(), models.RoleRemote)})
	if count != 0 {
		t.Fatalf("removed handler called %d times", count)
	}
}

func TestDispatch_CancelStopsChain(t *testing.T) {
	r := NewRegistry()
	reached := false
	On(r, func(ctx context.Context, a *TransactionOpenArgs) { a.Cancel() })
	On(r, func(ctx context.Context, a *TransactionOpenArgs) { reached = true })

	err := r.Dispatch(context.Background(), &TransactionOpenArgs{Base: NewBase(testContext(), models.RoleLocal)})
	if !errors.Is(err, syncerr.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if reached {
		t.Fatal("handler after cancellation should not run")
	}
}

func TestDispatch_ConflictOverride(t *testing.T) {
	r := NewRegistry()
	merged := models.Row{Values: []any{int64(1), "merged", int64(12)}}
	On(r, func(ctx context.Context, a *ConflictArgs) {
		if a.Context().SessionID != "s1" {
			t.Errorf("session: got %q, want s1", a.Context().SessionID)
		}
		a.Conflict.Resolution = models.MergeRow
		a.Conflict.FinalRow = &merged
	})

	c := &models.Conflict{Table: "item", Resolution: models.KeepExisting}
	if err := r.Dispatch(context.Background(), &ConflictArgs{Base: NewBase(testContext(), models.RoleRemote), Conflict: c}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if c.Resolution != models.MergeRow || c.FinalRow == nil {
		t.Fatalf("override not applied: %+v", c)
	}
}

func TestNilRegistry(t *testing.T) {
	var r *Registry
	if err := r.Dispatch(context.Background(), &SessionEndArgs{}); err != nil {
		t.Fatalf("nil registry dispatch: %v", err)
	}
	if r.Len(KindSessionEnd) != 0 {
		t.Fatal("nil registry should have no handlers")
	}
}
