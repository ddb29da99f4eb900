// Package domain holds the shared data-model types every component
// (permission calculator, cache, sync engine, presence, member lists, thread
// orchestrator, dispatcher) reads or writes: principals, scopes, rooms,
// channels, roles, members, sessions, and the sync event envelope. Keeping
// these in one package avoids the cache and permission packages importing
// each other just to share a Role or Member struct.
package domain

import (
	"time"

	"github.com/synccore/synccore/internal/ids"
)

// PrincipalKind distinguishes the three ways a session can be identified.
type PrincipalKind int

const (
	PrincipalAnonymous PrincipalKind = iota
	PrincipalUser
	PrincipalSystem
)

// Principal identifies who is making a request: nobody, a specific user, or
// the system itself (used for system-generated messages and server-scope
// bootstrapping).
type Principal struct {
	Kind   PrincipalKind
	UserID ids.UserID
}

func AnonymousPrincipal() Principal { return Principal{Kind: PrincipalAnonymous} }

func UserPrincipal(userID ids.UserID) Principal {
	return Principal{Kind: PrincipalUser, UserID: userID}
}

func SystemPrincipal() Principal {
	return Principal{Kind: PrincipalSystem, UserID: ids.SystemUserID}
}

func (p Principal) IsUser() bool { return p.Kind == PrincipalUser }

// ScopeKind is the unit of permission evaluation.
type ScopeKind int

const (
	ScopeServer ScopeKind = iota
	ScopeRoom
	ScopeChannel
	ScopeThread
	ScopeDM
	ScopeUser
)

// Scope identifies what a permission check is being evaluated against.
type Scope struct {
	Kind      ScopeKind
	RoomID    ids.RoomID
	ChannelID ids.ChannelID
	ThreadID  ids.ThreadID
	UserID    ids.UserID
}

func ServerScope() Scope { return Scope{Kind: ScopeServer} }

func RoomScope(roomID ids.RoomID) Scope { return Scope{Kind: ScopeRoom, RoomID: roomID} }

func ChannelScope(roomID ids.RoomID, channelID ids.ChannelID) Scope {
	return Scope{Kind: ScopeChannel, RoomID: roomID, ChannelID: channelID}
}

func ThreadScope(roomID ids.RoomID, channelID ids.ChannelID, threadID ids.ThreadID) Scope {
	return Scope{Kind: ScopeThread, RoomID: roomID, ChannelID: channelID, ThreadID: threadID}
}

func DMScope(channelID ids.ChannelID) Scope { return Scope{Kind: ScopeDM, ChannelID: channelID} }

func UserScope(userID ids.UserID) Scope { return Scope{Kind: ScopeUser, UserID: userID} }

// OverwriteSubjectKind distinguishes a role-targeted from a user-targeted
// permission overwrite.
type OverwriteSubjectKind int

const (
	OverwriteRole OverwriteSubjectKind = iota
	OverwriteUser
)

// PermissionOverwrite is attached to a channel; allow and deny are disjoint
// bitsets, enforced at write time by the cache/thread mutation layer.
type PermissionOverwrite struct {
	SubjectID   string
	SubjectKind OverwriteSubjectKind
	Allow       PermissionBits
	Deny        PermissionBits
}

// Role is a room-scoped, ordered, permission-carrying group. Position is a
// total order within the room with ties broken by ID; the default
// "@everyone" role always exists with position 0.
type Role struct {
	ID                ids.RoleID
	RoomID            ids.RoomID
	Name              string
	Position          int
	Permissions       PermissionBits
	IsSelfApplicable  bool
	IsMentionable     bool
	IsHoisted         bool
	MemberCount       int
}

// IsEveryone reports whether this is the default per-room role.
func (r Role) IsEveryone() bool { return r.Position == 0 }

// ChannelType enumerates the channel variants a Channel can be. Threads are
// channels whose type is one of the thread variants with a non-nil parent.
type ChannelType int

const (
	ChannelChat ChannelType = iota
	ChannelForum
	ChannelVoice
	ChannelCategory
	ChannelDM
	ChannelGDM
	ChannelThreadChat
	ChannelThreadForum
	ChannelThreadVoice
)

func (t ChannelType) IsThread() bool {
	switch t {
	case ChannelThreadChat, ChannelThreadForum, ChannelThreadVoice:
		return true
	default:
		return false
	}
}

// Channel is a room sub-resource; a Channel whose Type IsThread() and whose
// ParentID is set is what the rest of the system calls a thread.
type Channel struct {
	ID            ids.ChannelID
	RoomID        ids.RoomID
	Type          ChannelType
	ParentID      *ids.ChannelID
	CreatorID     *ids.UserID
	Name          string
	Description   string
	Topic         string
	NSFW          bool
	Locked        bool
	ArchivedAt    *time.Time
	DeletedAt     *time.Time
	Slowmode      *time.Duration
	TagsAvailable []string
	Overwrites    []PermissionOverwrite
}

func (c Channel) IsThread() bool { return c.Type.IsThread() && c.ParentID != nil }

// Membership is the join-state of a member or thread member record.
type Membership int

const (
	MembershipJoin Membership = iota
	MembershipLeave
	MembershipBan
)

// Member is a room-level membership record.
type Member struct {
	UserID             ids.UserID
	RoomID             ids.RoomID
	Membership         Membership
	JoinedAt           time.Time
	OverrideName       *string
	OverrideDescription *string
	Roles              map[ids.RoleID]struct{}
	TimeoutUntil       *time.Time
}

// IsTimedOut reports whether the member is currently timed out as of now.
func (m Member) IsTimedOut(now time.Time) bool {
	return m.TimeoutUntil != nil && m.TimeoutUntil.After(now)
}

// ThreadMember is a thread-level membership record; thread bans are
// independent of room-level bans.
type ThreadMember struct {
	UserID     ids.UserID
	ThreadID   ids.ThreadID
	Membership Membership
	JoinedAt   time.Time
}

// Room is the top-level container members, channels, and roles belong to.
type Room struct {
	ID          ids.RoomID
	VersionID   string
	OwnerID     *ids.UserID
	Name        string
	Description string
	Icon        *string
	Public      bool
	ArchivedAt  *time.Time
	MemberCount int
	OnlineCount int
}

// SessionStatus is the Unauthorized -> Authorized -> Sudo state machine a
// session's principal moves through as it authenticates and, optionally,
// elevates.
type SessionStatus int

const (
	SessionUnauthorized SessionStatus = iota
	SessionAuthorized
	SessionSudo
)

// Session is the server-side session record keyed by a hashed token.
type Session struct {
	ID          ids.SessionID
	TokenHash   string
	Principal   Principal
	Status      SessionStatus
	SudoUntil   *time.Time
	ExpiresAt   *time.Time
	LastSeenAt  time.Time
	Name        *string
}
