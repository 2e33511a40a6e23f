package models

// ConflictType classifies a conflict by the incoming and stored row states.
type ConflictType string

const (
	RemoteExistsLocalExists       ConflictType = "remote_exists_local_exists"
	RemoteExistsLocalIsDeleted    ConflictType = "remote_exists_local_is_deleted"
	RemoteIsDeletedLocalExists    ConflictType = "remote_is_deleted_local_exists"
	RemoteIsDeletedLocalIsDeleted ConflictType = "remote_is_deleted_local_is_deleted"
	RemoteExistsLocalNotExists    ConflictType = "remote_exists_local_not_exists"
)

// Resolution is the outcome chosen for a conflicting row. Names are relative
// to the participant applying the row: the incoming row came from the peer,
// the existing row is the one stored by the applier.
type Resolution string

const (
	// ApplyIncoming re-applies the incoming row with force-write.
	ApplyIncoming Resolution = "apply_incoming"
	// KeepExisting discards the incoming row.
	KeepExisting Resolution = "keep_existing"
	// MergeRow force-writes the caller-supplied FinalRow.
	MergeRow Resolution = "merge_row"
	// Rollback aborts the whole batch transaction.
	Rollback Resolution = "rollback"
)

// Conflict pairs the stored row with an incoming candidate for the same key.
type Conflict struct {
	Table      string
	Type       ConflictType
	Local      TrackedRow
	Remote     Row
	SenderID   string
	Resolution Resolution
	// FinalRow is the synthesized row for MergeRow.
	FinalRow *Row
}

// ClassifyConflict derives the conflict type from the incoming and stored rows.
func ClassifyConflict(local TrackedRow, remote Row) ConflictType {
	switch {
	case !local.Exists && !remote.Tombstone:
		return RemoteExistsLocalNotExists
	case remote.Tombstone && local.Tombstone:
		return RemoteIsDeletedLocalIsDeleted
	case remote.Tombstone:
		return RemoteIsDeletedLocalExists
	case local.Tombstone:
		return RemoteExistsLocalIsDeleted
	default:
		return RemoteExistsLocalExists
	}
}
