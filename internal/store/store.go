// Package store defines the DataStore capability the cache's load protocol
// and the mutation orchestrators consume, plus an in-memory implementation
// used by tests and single-process/dev deployments. Persistent storage
// schema and a real database driver are out of scope for the core — this
// package's job is the narrow read/write surface the core needs, not a
// general-purpose ORM.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/synccore/synccore/internal/apierr"
	"github.com/synccore/synccore/internal/domain"
	"github.com/synccore/synccore/internal/ids"
)

// DataStore is the minimum persistence surface the core needs. All
// operations return apierr-tagged errors (NotFound, Conflict, Internal).
type DataStore interface {
	RoomGet(ctx context.Context, roomID ids.RoomID) (domain.Room, error)
	RoomMemberListAll(ctx context.Context, roomID ids.RoomID) ([]domain.Member, error)
	RoomIDsForUser(ctx context.Context, userID ids.UserID) ([]ids.RoomID, error)
	RoleList(ctx context.Context, roomID ids.RoomID) ([]domain.Role, error)
	ChannelList(ctx context.Context, roomID ids.RoomID) ([]domain.Channel, error)
	ChannelGet(ctx context.Context, roomID ids.RoomID, channelID ids.ChannelID) (domain.Channel, error)
	ThreadAllActiveRoom(ctx context.Context, roomID ids.RoomID) ([]domain.Channel, error)
	ThreadMemberListAll(ctx context.Context, threadID ids.ThreadID) ([]domain.ThreadMember, error)
	SessionGetByToken(ctx context.Context, tokenHash string) (domain.Session, error)
	SessionSetLastSeen(ctx context.Context, sessionID ids.SessionID) error

	RoomPut(ctx context.Context, room domain.Room) error
	MemberPut(ctx context.Context, member domain.Member) error
	RolePut(ctx context.Context, role domain.Role) error
	RoleDelete(ctx context.Context, roomID ids.RoomID, roleID ids.RoleID) error
	ChannelPut(ctx context.Context, channel domain.Channel) error
	ChannelDelete(ctx context.Context, roomID ids.RoomID, channelID ids.ChannelID) error
	SessionPut(ctx context.Context, session domain.Session) error
	MessageCreate(ctx context.Context, message domain.Message) (domain.Message, error)
	AuditLogAppend(ctx context.Context, entry domain.AuditLogEntry) error
}

// Memory is an in-memory DataStore, safe for concurrent use. It exists for
// tests and for single-process deployments that don't need durability across
// restarts — every real deployment supplies its own DataStore backed by
// whatever persistent storage it runs (Non-goal: that schema/driver).
type Memory struct {
	mu       sync.RWMutex
	rooms    map[ids.RoomID]domain.Room
	members  map[ids.RoomID]map[ids.UserID]domain.Member
	roles    map[ids.RoomID]map[ids.RoleID]domain.Role
	channels map[ids.RoomID]map[ids.ChannelID]domain.Channel
	threadMembers map[ids.ThreadID]map[ids.UserID]domain.ThreadMember
	sessionsByToken map[string]domain.Session
	messages map[ids.ThreadID]map[ids.MessageID]domain.Message
	auditLog []domain.AuditLogEntry
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		rooms:           map[ids.RoomID]domain.Room{},
		members:         map[ids.RoomID]map[ids.UserID]domain.Member{},
		roles:           map[ids.RoomID]map[ids.RoleID]domain.Role{},
		channels:        map[ids.RoomID]map[ids.ChannelID]domain.Channel{},
		threadMembers:   map[ids.ThreadID]map[ids.UserID]domain.ThreadMember{},
		sessionsByToken: map[string]domain.Session{},
		messages:        map[ids.ThreadID]map[ids.MessageID]domain.Message{},
	}
}

func (m *Memory) RoomGet(_ context.Context, roomID ids.RoomID) (domain.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return domain.Room{}, apierr.NotFound("room")
	}
	return r, nil
}

func (m *Memory) RoomMemberListAll(_ context.Context, roomID ids.RoomID) ([]domain.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Member, 0, len(m.members[roomID]))
	for _, mem := range m.members[roomID] {
		out = append(out, mem)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID.Before(out[j].UserID.ID) })
	return out, nil
}

// RoomIDsForUser scans every room's membership for one where userID holds an
// active (non-left, non-banned) Member row. The in-memory store's members map
// is room-keyed, not user-keyed, so this is a linear scan; a real DataStore
// backs this with a membership table index instead.
func (m *Memory) RoomIDsForUser(_ context.Context, userID ids.UserID) ([]ids.RoomID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ids.RoomID
	for roomID, members := range m.members {
		if mem, ok := members[userID]; ok && mem.Membership == domain.MembershipJoin {
			out = append(out, roomID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j].ID) })
	return out, nil
}

func (m *Memory) RoleList(_ context.Context, roomID ids.RoomID) ([]domain.Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Role, 0, len(m.roles[roomID]))
	for _, r := range m.roles[roomID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *Memory) ChannelList(_ context.Context, roomID ids.RoomID) ([]domain.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Channel, 0)
	for _, c := range m.channels[roomID] {
		if !c.IsThread() {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) ChannelGet(_ context.Context, roomID ids.RoomID, channelID ids.ChannelID) (domain.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.channels[roomID][channelID]
	if !ok {
		return domain.Channel{}, apierr.NotFound("channel")
	}
	return c, nil
}

func (m *Memory) ThreadAllActiveRoom(_ context.Context, roomID ids.RoomID) ([]domain.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Channel, 0)
	for _, c := range m.channels[roomID] {
		if c.IsThread() && c.ArchivedAt == nil {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) ThreadMemberListAll(_ context.Context, threadID ids.ThreadID) ([]domain.ThreadMember, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.ThreadMember, 0, len(m.threadMembers[threadID]))
	for _, tm := range m.threadMembers[threadID] {
		out = append(out, tm)
	}
	return out, nil
}

func (m *Memory) SessionGetByToken(_ context.Context, tokenHash string) (domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessionsByToken[tokenHash]
	if !ok {
		return domain.Session{}, apierr.NotFound("session")
	}
	return s, nil
}

func (m *Memory) SessionSetLastSeen(_ context.Context, sessionID ids.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for token, s := range m.sessionsByToken {
		if s.ID == sessionID {
			// The interface carries no timestamp, so the in-memory store
			// stamps last_seen_at with its own wall clock.
			s.LastSeenAt = time.Now()
			m.sessionsByToken[token] = s
		}
	}
	return nil
}

func (m *Memory) RoomPut(_ context.Context, room domain.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[room.ID] = room
	return nil
}

func (m *Memory) MemberPut(_ context.Context, member domain.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[member.RoomID] == nil {
		m.members[member.RoomID] = map[ids.UserID]domain.Member{}
	}
	m.members[member.RoomID][member.UserID] = member
	return nil
}

func (m *Memory) RolePut(_ context.Context, role domain.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roles[role.RoomID] == nil {
		m.roles[role.RoomID] = map[ids.RoleID]domain.Role{}
	}
	m.roles[role.RoomID][role.ID] = role
	return nil
}

func (m *Memory) RoleDelete(_ context.Context, roomID ids.RoomID, roleID ids.RoleID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.roles[roomID], roleID)
	for userID, mem := range m.members[roomID] {
		if _, has := mem.Roles[roleID]; has {
			delete(mem.Roles, roleID)
			m.members[roomID][userID] = mem
		}
	}
	return nil
}

func (m *Memory) ChannelPut(_ context.Context, channel domain.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channels[channel.RoomID] == nil {
		m.channels[channel.RoomID] = map[ids.ChannelID]domain.Channel{}
	}
	m.channels[channel.RoomID][channel.ID] = channel
	return nil
}

func (m *Memory) ChannelDelete(_ context.Context, roomID ids.RoomID, channelID ids.ChannelID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels[roomID], channelID)
	return nil
}

func (m *Memory) SessionPut(_ context.Context, session domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionsByToken[session.TokenHash] = session
	return nil
}

func (m *Memory) MessageCreate(_ context.Context, message domain.Message) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if message.ID.IsZero() {
		message.ID = ids.NewMessageID()
	}
	if m.messages[message.ThreadID] == nil {
		m.messages[message.ThreadID] = map[ids.MessageID]domain.Message{}
	}
	m.messages[message.ThreadID][message.ID] = message
	return message, nil
}

func (m *Memory) AuditLogAppend(_ context.Context, entry domain.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID.IsZero() {
		entry.ID = ids.NewAuditLogEntryID()
	}
	m.auditLog = append(m.auditLog, entry)
	return nil
}

// AuditLog returns every entry appended so far, oldest first. Test-only
// accessor; no real DataStore is expected to expose an unbounded full scan.
func (m *Memory) AuditLog() []domain.AuditLogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.AuditLogEntry, len(m.auditLog))
	copy(out, m.auditLog)
	return out
}
