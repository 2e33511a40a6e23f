package models

import (
	"fmt"
	"time"
)

// Stage is the protocol step a session is in.
type Stage string

const (
	StageIdle                  Stage = "idle"
	StageSchemaNegotiated      Stage = "schema_negotiated"
	StageLocalChangesSelected  Stage = "changes_selected_local"
	StageChangesExchanged      Stage = "changes_exchanged"
	StageRemoteChangesApplied  Stage = "changes_applied_remote"
	StageRemoteChangesSelected Stage = "changes_selected_remote"
	StageLocalChangesApplied   Stage = "changes_applied_local"
	StageCommitted             Stage = "committed"
	StageFailed                Stage = "failed"
	StageCancelled             Stage = "cancelled"

	StageProvisioning   Stage = "provisioning"
	StageDeprovisioning Stage = "deprovisioning"
)

// Terminal reports whether no further transition can happen.
func (s Stage) Terminal() bool {
	return s == StageCommitted || s == StageFailed || s == StageCancelled
}

// Role identifies which half of a session a participant plays.
type Role string

const (
	RoleLocal  Role = "local"
	RoleRemote Role = "remote"
)

// SyncContext correlates every operation and event of one session.
// It is passed by value and never persisted.
type SyncContext struct {
	SessionID     string `json:"session_id"`
	ScopeName     string `json:"scope_name"`
	ClientScopeID string `json:"client_scope_id,omitempty"`
	Stage         Stage  `json:"stage"`
}

func (sc SyncContext) String() string {
	return fmt.Sprintf("%s/%s@%s", sc.ScopeName, sc.SessionID, sc.Stage)
}

// ScopeInfo is a participant's bookkeeping for one sync scope.
type ScopeInfo struct {
	Name       string
	ID         string // participant identity, a UUID
	SchemaHash string
	Schema     string // JSON copy of the provisioned schema
	// LastSyncTimestamp is this participant's watermark: every local change
	// at or below it has been handed to the peer.
	LastSyncTimestamp int64
	// LastRemoteTimestamp is the peer's watermark as of the last session.
	// Only local participants track it.
	LastRemoteTimestamp int64
	LastSync            *time.Time
	LastSyncDuration    time.Duration
	ProtocolVersion     string
}

// ScopeHistory is the remote participant's record of a client's last session.
type ScopeHistory struct {
	ScopeName         string
	ClientID          string
	LastSyncTimestamp int64
	LastSync          *time.Time
	LastSyncDuration  time.Duration
}

// ProvisionFlags selects which sync scaffolding to create or drop.
type ProvisionFlags int

const (
	// ProvisionTable creates missing base tables. Deprovisioning ignores it:
	// application tables are never dropped.
	ProvisionTable ProvisionFlags = 1 << iota
	ProvisionTracking
	ProvisionScope
	// ProvisionScopeHistory is only valid on the remote participant.
	ProvisionScopeHistory

	ProvisionLocalDefault  = ProvisionTable | ProvisionTracking | ProvisionScope
	ProvisionRemoteDefault = ProvisionTable | ProvisionTracking | ProvisionScope | ProvisionScopeHistory
)

// Has reports whether all bits of f2 are set.
func (f ProvisionFlags) Has(f2 ProvisionFlags) bool {
	return f&f2 == f2
}

// TableStats counts apply outcomes for a single table.
type TableStats struct {
	Applied   int `json:"applied"`
	Skipped   int `json:"skipped"`
	Conflicts int `json:"conflicts"`
}

// ApplyStats summarizes one apply pass.
type ApplyStats struct {
	Applied   int                    `json:"applied"`
	Skipped   int                    `json:"skipped"`
	Conflicts int                    `json:"conflicts"`
	Tables    map[string]*TableStats `json:"tables,omitempty"`
}

// Table returns the stats bucket for a table, creating it when needed.
func (s *ApplyStats) Table(name string) *TableStats {
	if s.Tables == nil {
		s.Tables = make(map[string]*TableStats)
	}
	ts, ok := s.Tables[name]
	if !ok {
		ts = &TableStats{}
		s.Tables[name] = ts
	}
	return ts
}

// SyncResult is the outcome of one session.
type SyncResult struct {
	SessionID       string        `json:"session_id"`
	ScopeName       string        `json:"scope_name"`
	Stage           Stage         `json:"stage"`
	Uploaded        int           `json:"uploaded"`
	Downloaded      int           `json:"downloaded"`
	RemoteApplied   ApplyStats    `json:"remote_applied"`
	LocalApplied    ApplyStats    `json:"local_applied"`
	LocalTimestamp  int64         `json:"local_timestamp"`
	RemoteTimestamp int64         `json:"remote_timestamp"`
	StartedAt       time.Time     `json:"started_at"`
	CompletedAt     time.Time     `json:"completed_at"`
	Duration        time.Duration `json:"duration"`
}

// Conflicts returns the total number of conflicts resolved on both sides.
func (r *SyncResult) Conflicts() int {
	return r.RemoteApplied.Conflicts + r.LocalApplied.Conflicts
}
