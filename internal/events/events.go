// Package events is a typed publish/subscribe registry for session lifecycle
// notifications. Each orchestrator owns its own Registry.
package events

import (
	"time"

	"github.com/marcus/rowsync/internal/models"
)

// Kind tags an event type.
type Kind string

const (
	KindSessionBegin        Kind = "session_begin"
	KindSessionEnd          Kind = "session_end"
	KindStageChanged        Kind = "stage_changed"
	KindConnectionOpen      Kind = "connection_open"
	KindConnectionClose     Kind = "connection_close"
	KindTransactionOpen     Kind = "transaction_open"
	KindTransactionCommit   Kind = "transaction_commit"
	KindReconnect           Kind = "reconnect"
	KindProvisionTableStart Kind = "provision_table_start"
	KindProvisionTableEnd   Kind = "provision_table_end"
	KindConflict            Kind = "conflict"
	KindPartUploaded        Kind = "part_uploaded"
	KindPartDownloaded      Kind = "part_downloaded"
)

// Args is implemented by every event payload. Handlers may call Cancel to
// abort the step that raised the event.
type Args interface {
	Kind() Kind
	Context() models.SyncContext
	Cancel()
	Cancelled() bool
}

// Base carries the fields shared by all events.
type Base struct {
	SyncContext models.SyncContext
	Role        models.Role
	cancelled   bool
}

func (b *Base) Context() models.SyncContext { return b.SyncContext }
func (b *Base) Cancel()                     { b.cancelled = true }
func (b *Base) Cancelled() bool             { return b.cancelled }

// NewBase builds the shared part of an event.
func NewBase(sc models.SyncContext, role models.Role) Base {
	return Base{SyncContext: sc, Role: role}
}

type SessionBeginArgs struct {
	Base
}

type SessionEndArgs struct {
	Base
	Result *models.SyncResult
	Err    error
}

type StageChangedArgs struct {
	Base
	From models.Stage
	To   models.Stage
}

type ConnectionOpenArgs struct {
	Base
}

type ConnectionCloseArgs struct {
	Base
}

type TransactionOpenArgs struct {
	Base
}

type TransactionCommitArgs struct {
	Base
}

// ReconnectArgs is raised before each retry of a transaction that failed
// with a transient error.
type ReconnectArgs struct {
	Base
	Attempt int
	Wait    time.Duration
	Err     error
}

type ProvisionTableStartArgs struct {
	Base
	Table string
	Flags models.ProvisionFlags
}

type ProvisionTableEndArgs struct {
	Base
	Table   string
	Created bool
}

// ConflictArgs is raised once per conflicting row, after the resolver picked
// a resolution and before it is applied. Handlers may change
// Conflict.Resolution and set Conflict.FinalRow.
type ConflictArgs struct {
	Base
	Conflict *models.Conflict
}

// PartUploadedArgs is raised after the remote acknowledged one batch part.
// Index counts from 0 up to Count-1.
type PartUploadedArgs struct {
	Base
	Index int
	Count int
	Rows  int
}

// PartDownloadedArgs is raised after one remote batch part was received.
type PartDownloadedArgs struct {
	Base
	Index int
	Count int
	Rows  int
}

func (*SessionBeginArgs) Kind() Kind        { return KindSessionBegin }
func (*SessionEndArgs) Kind() Kind          { return KindSessionEnd }
func (*StageChangedArgs) Kind() Kind        { return KindStageChanged }
func (*ConnectionOpenArgs) Kind() Kind      { return KindConnectionOpen }
func (*ConnectionCloseArgs) Kind() Kind     { return KindConnectionClose }
func (*TransactionOpenArgs) Kind() Kind     { return KindTransactionOpen }
func (*TransactionCommitArgs) Kind() Kind   { return KindTransactionCommit }
func (*ReconnectArgs) Kind() Kind           { return KindReconnect }
func (*ProvisionTableStartArgs) Kind() Kind { return KindProvisionTableStart }
func (*ProvisionTableEndArgs) Kind() Kind   { return KindProvisionTableEnd }
func (*ConflictArgs) Kind() Kind            { return KindConflict }
func (*PartUploadedArgs) Kind() Kind        { return KindPartUploaded }
func (*PartDownloadedArgs) Kind() Kind      { return KindPartDownloaded }
