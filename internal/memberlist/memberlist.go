// Package memberlist maintains, per (scope, visibility) key, an ordered
// projection of a room/channel/thread's visible members split into
// role/online/offline groups, and computes incremental Insert/Delete/Update
// deltas as membership, roles, and presence change. Each key is
// deduplicated across subscribers: many connections watching the same
// channel's member list share one computed projection.
package memberlist

import (
	"sort"
	"sync"

	"github.com/synccore/synccore/internal/apierr"
	"github.com/synccore/synccore/internal/cache"
	"github.com/synccore/synccore/internal/clock"
	"github.com/synccore/synccore/internal/domain"
	"github.com/synccore/synccore/internal/ids"
	"github.com/synccore/synccore/internal/permission"
	"github.com/synccore/synccore/internal/presence"
)

// Key identifies one member-list projection. Only Room, Channel, and Thread
// scopes are supported — DM membership isn't backed by a per-room cache
// entry and has no modeled member store, so it's out of scope here.
type Key = domain.Scope

// GroupKind distinguishes a hoisted-role group from the catch-all online and
// offline groups.
type GroupKind int

const (
	GroupRole GroupKind = iota
	GroupOnline
	GroupOffline
)

// GroupID names one group within a projection. RoleID is only meaningful
// when Kind is GroupRole.
type GroupID struct {
	Kind   GroupKind
	RoleID ids.RoleID
}

// Entry is one member's row within a group.
type Entry struct {
	UserID      ids.UserID
	DisplayName string
}

// Group is one ordered section of a projection; empty groups are never kept
// in a Snapshot.
type Group struct {
	ID      GroupID
	Entries []Entry
}

// OpKind tags the kind of incremental change an Op represents.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
	OpUpdate OpKind = "update"
	OpSync   OpKind = "sync"
)

// Op is one incremental change to a projection, addressed by group and
// index within that group. A Sync op ignores Index and carries the full
// snapshot in Groups instead.
type Op struct {
	Kind    OpKind
	GroupID GroupID
	Index   int
	Entry   *Entry
	Groups  []Group // only set on OpSync
}

// PresenceSource is the narrow presence surface a projection needs.
// *presence.Tracker satisfies this directly.
type PresenceSource interface {
	Get(userID ids.UserID) presence.Status
}

// Accessor is the cache surface a projection needs to enumerate members,
// roles, and thread membership. *cache.Cache satisfies this directly.
type Accessor interface {
	permission.Accessor
	Members(roomID ids.RoomID) ([]domain.Member, bool)
	Roles(roomID ids.RoomID) ([]domain.Role, bool)
	ThreadMembers(roomID ids.RoomID, threadID ids.ThreadID) ([]domain.ThreadMember, bool)
}

// ErrUnsupportedScope is returned for any Key whose Kind isn't Room, Channel,
// or Thread.
var ErrUnsupportedScope = apierr.New(apierr.KindBadRequest, "member list projection does not support this scope")

// List is one key's live projection: its accessors plus the last-computed
// group snapshot, used as the diff baseline for the next recompute.
type List struct {
	key      Key
	acc      Accessor
	presence PresenceSource
	clock    clock.Clock

	mu     sync.Mutex
	groups []Group
}

// Manager owns one List per distinct Key, computed lazily on first
// subscription and kept up to date as events arrive.
type Manager struct {
	acc      Accessor
	presence PresenceSource
	clock    clock.Clock

	mu    sync.Mutex
	lists map[Key]*List
}

// New constructs a Manager backed by acc (typically a *cache.Cache) and a
// presence source (typically a *presence.Tracker). c may be nil to use the
// real clock.
func New(acc Accessor, presence PresenceSource, c clock.Clock) *Manager {
	if c == nil {
		c = clock.Real{}
	}
	return &Manager{acc: acc, presence: presence, clock: c, lists: map[Key]*List{}}
}

func (m *Manager) listFor(key Key) *List {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lists[key]
	if !ok {
		l = &List{key: key, acc: m.acc, presence: m.presence, clock: m.clock}
		m.lists[key] = l
	}
	return l
}

// Subscribe returns the current full snapshot for key, computing it on
// first use. Use this to seed a new subscriber before it starts receiving
// incremental Ops.
func (m *Manager) Subscribe(key Key) ([]Group, error) {
	if !supportedScope(key.Kind) {
		return nil, ErrUnsupportedScope
	}
	l := m.listFor(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	groups, err := l.rebuild()
	if err != nil {
		return nil, err
	}
	l.groups = groups
	return groups, nil
}

// Unsubscribe drops a key's projection once no connection cares about it
// anymore, so memory doesn't grow with every channel ever viewed.
func (m *Manager) Unsubscribe(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lists, key)
}

func supportedScope(kind domain.ScopeKind) bool {
	switch kind {
	case domain.ScopeRoom, domain.ScopeChannel, domain.ScopeThread:
		return true
	default:
		return false
	}
}

// keysForRoom returns every currently-tracked key scoped to roomID.
func (m *Manager) keysForRoom(roomID ids.RoomID) []Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Key
	for k := range m.lists {
		if k.RoomID == roomID {
			out = append(out, k)
		}
	}
	return out
}

// keysContainingUser returns every currently-tracked key whose last snapshot
// included userID — used to route PresenceUpdate events, which carry no
// room/channel routing hint of their own.
func (m *Manager) keysContainingUser(userID ids.UserID) []Key {
	m.mu.Lock()
	var candidates []*List
	var keys []Key
	for k, l := range m.lists {
		candidates = append(candidates, l)
		keys = append(keys, k)
	}
	m.mu.Unlock()

	var out []Key
	for i, l := range candidates {
		l.mu.Lock()
		has := false
		for _, g := range l.groups {
			for _, e := range g.Entries {
				if e.UserID == userID {
					has = true
					break
				}
			}
			if has {
				break
			}
		}
		l.mu.Unlock()
		if has {
			out = append(out, keys[i])
		}
	}
	return out
}

// Update pairs a key with the Ops its projection produced.
type Update struct {
	Key Key
	Ops []Op
}

// HandleEvent recomputes every tracked projection the event could affect and
// returns the resulting deltas. Only tracked (subscribed) keys are
// recomputed — an event for a room nobody is watching the member list of is
// free.
func (m *Manager) HandleEvent(event domain.SyncEvent) []Update {
	var keys []Key
	switch event.Type {
	case domain.EventUpsertMember, domain.EventRoleUpdate, domain.EventRoleDelete,
		domain.EventRoleReorder, domain.EventUpsertChannel, domain.EventUpsertThread:
		if event.RoomID != nil {
			keys = m.keysForRoom(*event.RoomID)
		}
	case domain.EventPresenceUpdate:
		if event.UserID != nil {
			keys = m.keysContainingUser(*event.UserID)
		}
	default:
		return nil
	}

	var updates []Update
	for _, key := range keys {
		l := m.listFor(key)
		l.mu.Lock()
		newGroups, err := l.rebuild()
		if err != nil {
			l.mu.Unlock()
			continue
		}
		ops := diffGroups(l.groups, newGroups)
		l.groups = newGroups
		l.mu.Unlock()
		if len(ops) > 0 {
			updates = append(updates, Update{Key: key, Ops: ops})
		}
	}
	return updates
}

// rebuild recomputes the list's groups from scratch against the current
// cache/presence state. Caller must hold l.mu.
func (l *List) rebuild() ([]Group, error) {
	members, err := l.membersInScope()
	if err != nil {
		return nil, err
	}

	roles, ok := l.acc.Roles(l.key.RoomID)
	if !ok {
		return nil, apierr.NotFound("room")
	}

	byGroup := map[GroupID][]Entry{}
	for _, member := range members {
		online := l.presence == nil || l.presence.Get(member.UserID) != presence.StatusOffline
		groupID := GroupID{Kind: GroupOffline}
		if online {
			groupID = GroupID{Kind: GroupOnline}
			if memberRoles, ok := l.acc.MemberRoles(l.key.RoomID, member.UserID); ok {
				// Ascending position order; the member's highest-position
				// hoisted role determines their group, so scan from the end.
				for i := len(memberRoles) - 1; i >= 0; i-- {
					if memberRoles[i].IsHoisted {
						groupID = GroupID{Kind: GroupRole, RoleID: memberRoles[i].ID}
						break
					}
				}
			}
		}
		byGroup[groupID] = append(byGroup[groupID], Entry{
			UserID:      member.UserID,
			DisplayName: cache.DisplayName(member),
		})
	}

	return assembleGroups(byGroup, roles), nil
}

// membersInScope resolves the active member set per §4.8: joined thread
// members for a thread scope, else room members who can view the channel
// (or all joined room members, for a whole-room scope).
func (l *List) membersInScope() ([]domain.Member, error) {
	switch l.key.Kind {
	case domain.ScopeThread:
		threadMembers, ok := l.acc.ThreadMembers(l.key.RoomID, l.key.ThreadID)
		if !ok {
			return nil, apierr.NotFound("thread")
		}
		out := make([]domain.Member, 0, len(threadMembers))
		for _, tm := range threadMembers {
			member, ok := l.acc.Member(l.key.RoomID, tm.UserID)
			if !ok {
				continue
			}
			out = append(out, member)
		}
		return out, nil

	case domain.ScopeRoom:
		members, ok := l.acc.Members(l.key.RoomID)
		if !ok {
			return nil, apierr.NotFound("room")
		}
		return filterJoined(members), nil

	case domain.ScopeChannel:
		members, ok := l.acc.Members(l.key.RoomID)
		if !ok {
			return nil, apierr.NotFound("room")
		}
		members = filterJoined(members)
		out := make([]domain.Member, 0, len(members))
		for _, member := range members {
			result, err := permission.Evaluate(l.acc, domain.UserPrincipal(member.UserID), l.key, l.clock.Now())
			if err != nil {
				continue
			}
			if result.Bits.Has(domain.ViewChannel) {
				out = append(out, member)
			}
		}
		return out, nil

	default:
		return nil, ErrUnsupportedScope
	}
}

func filterJoined(members []domain.Member) []domain.Member {
	out := make([]domain.Member, 0, len(members))
	for _, m := range members {
		if m.Membership == domain.MembershipJoin {
			out = append(out, m)
		}
	}
	return out
}

// assembleGroups orders computed groups: hoisted-role groups in ascending
// role position, then Online, then Offline, each internally sorted by
// display name and with empty groups omitted.
func assembleGroups(byGroup map[GroupID][]Entry, roles []domain.Role) []Group {
	var out []Group
	for _, role := range roles {
		if !role.IsHoisted {
			continue
		}
		gid := GroupID{Kind: GroupRole, RoleID: role.ID}
		entries, ok := byGroup[gid]
		if !ok || len(entries) == 0 {
			continue
		}
		sortEntries(entries)
		out = append(out, Group{ID: gid, Entries: entries})
	}
	if entries := byGroup[GroupID{Kind: GroupOnline}]; len(entries) > 0 {
		sortEntries(entries)
		out = append(out, Group{ID: GroupID{Kind: GroupOnline}, Entries: entries})
	}
	if entries := byGroup[GroupID{Kind: GroupOffline}]; len(entries) > 0 {
		sortEntries(entries)
		out = append(out, Group{ID: GroupID{Kind: GroupOffline}, Entries: entries})
	}
	return out
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].DisplayName < entries[j].DisplayName })
}

// diffGroups compares the previous and freshly-rebuilt group snapshots and
// produces the minimal Insert/Delete/Update ops to bring a subscriber from
// old to new. A per-user comparison: same group+slot is a no-op, a display
// name change in place is an Update, appearing/disappearing/moving groups is
// a Delete from the old slot plus an Insert at the new one.
func diffGroups(oldGroups, newGroups []Group) []Op {
	type placement struct {
		group GroupID
		index int
		entry Entry
	}
	oldByUser := map[ids.UserID]placement{}
	for _, g := range oldGroups {
		for i, e := range g.Entries {
			oldByUser[e.UserID] = placement{group: g.ID, index: i, entry: e}
		}
	}
	newByUser := map[ids.UserID]placement{}
	for _, g := range newGroups {
		for i, e := range g.Entries {
			newByUser[e.UserID] = placement{group: g.ID, index: i, entry: e}
		}
	}

	var ops []Op
	for userID, oldP := range oldByUser {
		newP, stillPresent := newByUser[userID]
		if !stillPresent {
			ops = append(ops, Op{Kind: OpDelete, GroupID: oldP.group, Index: oldP.index})
			continue
		}
		if newP.group != oldP.group {
			ops = append(ops, Op{Kind: OpDelete, GroupID: oldP.group, Index: oldP.index})
			entry := newP.entry
			ops = append(ops, Op{Kind: OpInsert, GroupID: newP.group, Index: newP.index, Entry: &entry})
		} else if newP.entry.DisplayName != oldP.entry.DisplayName {
			entry := newP.entry
			ops = append(ops, Op{Kind: OpUpdate, GroupID: newP.group, Index: newP.index, Entry: &entry})
		}
	}
	for userID, newP := range newByUser {
		if _, existed := oldByUser[userID]; !existed {
			entry := newP.entry
			ops = append(ops, Op{Kind: OpInsert, GroupID: newP.group, Index: newP.index, Entry: &entry})
		}
	}
	return ops
}
