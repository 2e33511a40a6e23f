// Package syncerr defines the error taxonomy of a sync session.
//
// Every typed error unwraps to its cause, so callers can test with errors.As
// for the kind and errors.Is for the underlying driver or context error.
package syncerr

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/marcus/rowsync/internal/models"
)

// Sentinel errors.
var (
	ErrCancelled        = errors.New("sync cancelled")
	ErrConflictRollback = errors.New("conflict resolution requested rollback")
	ErrScopeNotFound    = errors.New("scope not found")
	ErrSessionNotFound  = errors.New("session not found")
)

// SchemaMismatchError means the participants disagree on the synchronized
// structure. The session aborts before any write.
type SchemaMismatchError struct {
	Scope string
	Diff  []string
}

func (e *SchemaMismatchError) Error() string {
	if len(e.Diff) == 0 {
		return fmt.Sprintf("scope %s: schema mismatch", e.Scope)
	}
	return fmt.Sprintf("scope %s: schema mismatch: %s", e.Scope, strings.Join(e.Diff, "; "))
}

// NewSchemaMismatch builds a SchemaMismatchError with a recovery hint.
func NewSchemaMismatch(scope string, diff []string) error {
	return errors.WithHint(&SchemaMismatchError{Scope: scope, Diff: diff},
		"deprovision and provision the scope again on the outdated participant")
}

// ProvisioningError is fatal for a provision call; its transaction was rolled back.
type ProvisioningError struct {
	Scope string
	Table string
	Err   error
}

func (e *ProvisioningError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("provision scope %s, table %s: %v", e.Scope, e.Table, e.Err)
	}
	return fmt.Sprintf("provision scope %s: %v", e.Scope, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// ApplyError aborts the current batch transaction. It identifies the
// offending table and row.
type ApplyError struct {
	Table string
	Row   models.Row
	// Key holds the primary key values of Row. It survives the wire when
	// Row does not.
	Key []any
	Err error
}

func (e *ApplyError) Error() string {
	switch {
	case len(e.Row.Values) > 0:
		return fmt.Sprintf("apply %s row %s: %v", e.Table, e.Row, e.Err)
	case len(e.Key) > 0:
		return fmt.Sprintf("apply %s key %v: %v", e.Table, e.Key, e.Err)
	}
	return fmt.Sprintf("apply %s: %v", e.Table, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// TransientConnectionError is returned once bounded retries are exhausted.
type TransientConnectionError struct {
	Attempts int
	Err      error
}

func (e *TransientConnectionError) Error() string {
	return fmt.Sprintf("transient connection error after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientConnectionError) Unwrap() error { return e.Err }

// ConflictUnresolvedError means a merge callback failed or produced an
// invalid row. It always reaches callers wrapped in an ApplyError.
type ConflictUnresolvedError struct {
	Table string
	Err   error
}

func (e *ConflictUnresolvedError) Error() string {
	return fmt.Sprintf("conflict on %s unresolved: %v", e.Table, e.Err)
}

func (e *ConflictUnresolvedError) Unwrap() error { return e.Err }

// PartialSyncError means the remote committed its side of the session but the
// local commit failed. RemoteTimestamp is the remote watermark that was
// handed out; resuming from the old local watermark is safe.
type PartialSyncError struct {
	Scope           string
	RemoteTimestamp int64
	Err             error
}

func (e *PartialSyncError) Error() string {
	return fmt.Sprintf("scope %s: remote committed at %d but local commit failed: %v", e.Scope, e.RemoteTimestamp, e.Err)
}

func (e *PartialSyncError) Unwrap() error { return e.Err }

// NewPartialSync builds a PartialSyncError with a recovery hint.
func NewPartialSync(scope string, remoteTS int64, err error) error {
	return errors.WithHint(&PartialSyncError{Scope: scope, RemoteTimestamp: remoteTS, Err: err},
		"run the sync again; already applied rows are skipped")
}

// IsCancelled reports whether err stems from cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
