package syncerr

import (
	"github.com/cockroachdb/errors"
)

// Wire error codes.
const (
	CodeSchemaMismatch     = "schema_mismatch"
	CodeProvisioning       = "provisioning"
	CodeApply              = "apply"
	CodeTransient          = "transient"
	CodeConflictUnresolved = "conflict_unresolved"
	CodePartialSync        = "partial_sync"
	CodeCancelled          = "cancelled"
	CodeScopeNotFound      = "scope_not_found"
	CodeSessionNotFound    = "session_not_found"
	CodeBadRequest         = "bad_request"
	CodeInternal           = "internal"
)

// WireError is the serialized form of a session error.
type WireError struct {
	Code            string   `json:"code"`
	Message         string   `json:"message"`
	Table           string   `json:"table,omitempty"`
	Key             []any    `json:"key,omitempty"`
	Diff            []string `json:"diff,omitempty"`
	RemoteTimestamp int64    `json:"remote_timestamp,omitempty"`
}

func (e *WireError) Error() string {
	return e.Code + ": " + e.Message
}

// ToWire classifies err for transmission to the peer.
func ToWire(err error) *WireError {
	w := &WireError{Code: CodeInternal, Message: err.Error()}
	var (
		mismatch   *SchemaMismatchError
		prov       *ProvisioningError
		unresolved *ConflictUnresolvedError
		apply      *ApplyError
		transient  *TransientConnectionError
		partial    *PartialSyncError
	)
	switch {
	case errors.As(err, &mismatch):
		w.Code = CodeSchemaMismatch
		w.Diff = mismatch.Diff
	case errors.As(err, &prov):
		w.Code = CodeProvisioning
		w.Table = prov.Table
	case errors.As(err, &unresolved):
		w.Code = CodeConflictUnresolved
		w.Table = unresolved.Table
	case errors.As(err, &apply):
		w.Code = CodeApply
		w.Table = apply.Table
	case errors.As(err, &transient):
		w.Code = CodeTransient
	case errors.As(err, &partial):
		w.Code = CodePartialSync
		w.RemoteTimestamp = partial.RemoteTimestamp
	case IsCancelled(err):
		w.Code = CodeCancelled
	case errors.Is(err, ErrScopeNotFound):
		w.Code = CodeScopeNotFound
	case errors.Is(err, ErrSessionNotFound):
		w.Code = CodeSessionNotFound
	}
	if errors.As(err, &apply) {
		w.Key = apply.Key
	}
	return w
}

// FromWire rebuilds a typed error from its serialized form. The remote
// message is kept as the cause; sentinels stay reachable through Unwrap.
func FromWire(scope string, w *WireError) error {
	cause := errors.Newf("remote: %s", w.Message)
	switch w.Code {
	case CodeSchemaMismatch:
		return NewSchemaMismatch(scope, w.Diff)
	case CodeProvisioning:
		return &ProvisioningError{Scope: scope, Table: w.Table, Err: cause}
	case CodeConflictUnresolved:
		return &ApplyError{Table: w.Table, Key: w.Key, Err: &ConflictUnresolvedError{Table: w.Table, Err: cause}}
	case CodeApply:
		return &ApplyError{Table: w.Table, Key: w.Key, Err: cause}
	case CodeTransient:
		return &TransientConnectionError{Err: cause}
	case CodePartialSync:
		return NewPartialSync(scope, w.RemoteTimestamp, cause)
	case CodeCancelled:
		return errors.Wrapf(ErrCancelled, "remote: %s", w.Message)
	case CodeScopeNotFound:
		return errors.Wrapf(ErrScopeNotFound, "remote: %s", w.Message)
	case CodeSessionNotFound:
		return errors.Wrapf(ErrSessionNotFound, "remote: %s", w.Message)
	}
	return w
}
