package domain

import (
	"time"

	"github.com/synccore/synccore/internal/ids"
)

// FieldChange is one field's before/after pair within an AuditLogEntry.
// Values are pre-formatted strings rather than typed, since the audit log
// exists to be read, not to be round-tripped back into a patch.
type FieldChange struct {
	Field string `json:"field"`
	Old   string `json:"old"`
	New   string `json:"new"`
}

// AuditLogEntryType tags what kind of mutation an AuditLogEntry records.
type AuditLogEntryType string

const (
	AuditThreadUpdate AuditLogEntryType = "thread_update"
	AuditRoleUpdate   AuditLogEntryType = "role_update"
)

// AuditLogEntry records one moderation-visible mutation. Per the batching
// decision spec.md leaves open, a single mutation (even one touching several
// fields) produces exactly one entry carrying a list of FieldChanges, not
// one entry per field.
type AuditLogEntry struct {
	ID        ids.AuditLogEntryID
	RoomID    ids.RoomID
	UserID    ids.UserID
	SessionID *ids.SessionID
	Reason    *string
	Type      AuditLogEntryType
	ThreadID  *ids.ThreadID
	RoleID    *ids.RoleID
	Changes   []FieldChange
	CreatedAt time.Time
}
