// Package ids defines the time-ordered 128-bit identifiers every entity in
// the sync core carries. IDs are totally ordered by creation time and double
// as pagination cursors, so a plain opaque string (the teacher's
// RoomIdType/ClientIdType pattern) isn't enough — the high-order timestamp
// portion has to sort correctly.
package ids

import (
	"crypto/rand"
	"database/sql/driver"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// ID is a time-ordered 128-bit identifier, totally ordered by creation time
// with ties broken by the random suffix ULID embeds.
type ID struct {
	u ulid.ULID
}

// Min and Max are sentinel bounds for cursor-based pagination.
var (
	Min = ID{u: ulid.ULID{}}
	Max = ID{u: func() ulid.ULID {
		var u ulid.ULID
		for i := range u {
			u[i] = 0xff
		}
		return u
	}()}
)

// New generates a fresh ID using the current wall-clock time as the
// timestamp component and crypto/rand for the random suffix, so concurrent
// callers never collide.
func New() ID {
	t := ulid.Now()
	return ID{u: ulid.MustNew(t, rand.Reader)}
}

// NewAtMillis generates an ID with an explicit millisecond timestamp. Used by
// tests and by any caller that needs IDs ordered against an injected clock
// rather than wall-clock time.
func NewAtMillis(ms uint64) ID {
	return ID{u: ulid.MustNew(ms, rand.Reader)}
}

// Parse decodes a canonical 26-character ULID string into an ID.
func Parse(s string) (ID, error) {
	u, err := ulid.ParseStrict(s)
	if err != nil {
		return ID{}, fmt.Errorf("ids: invalid id %q: %w", s, err)
	}
	return ID{u: u}, nil
}

// MustParse is Parse but panics on error; for use with compile-time constant
// IDs (e.g. the fixed system principal).
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) String() string { return id.u.String() }

// IsZero reports whether id is the uninitialized zero value.
func (id ID) IsZero() bool { return id.u == (ulid.ULID{}) }

// Compare returns -1, 0, or 1 as id sorts before, equal to, or after other.
func (id ID) Compare(other ID) int { return id.u.Compare(other.u) }

// Before reports whether id sorts strictly before other.
func (id ID) Before(other ID) bool { return id.Compare(other) < 0 }

// Time returns the creation timestamp encoded in the id's high-order bits.
func (id ID) Time() uint64 { return id.u.Time() }

func (id ID) MarshalText() ([]byte, error) { return id.u.MarshalText() }

func (id *ID) UnmarshalText(b []byte) error { return id.u.UnmarshalText(b) }

// Value implements driver.Valuer for storage layers that persist IDs as text.
func (id ID) Value() (driver.Value, error) { return id.String(), nil }

// Scan implements sql.Scanner.
func (id *ID) Scan(src any) error {
	switch v := src.(type) {
	case string:
		parsed, err := Parse(v)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	case []byte:
		parsed, err := Parse(string(v))
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	default:
		return fmt.Errorf("ids: cannot scan %T into ID", src)
	}
}

// Typed ID wrappers. Go has no newtype-over-struct distinction the way the
// teacher's string aliases (RoomIdType, ClientIdType) do, so these are
// genuinely distinct types to keep a RoomID from being passed where a
// ChannelID is expected.

type RoomID struct{ ID }
type ChannelID struct{ ID }
type ThreadID struct{ ID }
type UserID struct{ ID }
type RoleID struct{ ID }
type MessageID struct{ ID }
type SessionID struct{ ID }
type ConnID struct{ ID }
type AuditLogEntryID struct{ ID }

func NewRoomID() RoomID                   { return RoomID{New()} }
func NewChannelID() ChannelID             { return ChannelID{New()} }
func NewThreadID() ThreadID               { return ThreadID{New()} }
func NewUserID() UserID                   { return UserID{New()} }
func NewRoleID() RoleID                   { return RoleID{New()} }
func NewMessageID() MessageID             { return MessageID{New()} }
func NewSessionID() SessionID             { return SessionID{New()} }
func NewConnID() ConnID                   { return ConnID{New()} }
func NewAuditLogEntryID() AuditLogEntryID { return AuditLogEntryID{New()} }

// SystemUserID is the fixed system principal used for server-scope
// permission evaluation and system-generated messages.
var SystemUserID = UserID{MustParse("00000000000000000000000000")}
