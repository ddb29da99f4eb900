// Package cache implements the in-memory authoritative read replica every
// permission check and sync fan-out decision consults: a per-room coherent
// snapshot (members, roles, channels, threads) behind a read-write guard,
// bounded by an LRU so the cache never grows past the room count the
// deployment configured.
package cache

import (
	"context"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/synccore/synccore/internal/apierr"
	"github.com/synccore/synccore/internal/domain"
	"github.com/synccore/synccore/internal/ids"
	"github.com/synccore/synccore/internal/store"
	"github.com/synccore/synccore/internal/v1/logging"
	"github.com/synccore/synccore/internal/v1/metrics"
)

// CachedRoom is one room's coherent snapshot: metadata plus its members,
// roles, channels, and active threads, all guarded by one lock so a reader
// never observes a half-applied mutation.
type CachedRoom struct {
	mu            sync.RWMutex
	room          domain.Room
	members       map[ids.UserID]domain.Member
	roles         map[ids.RoleID]domain.Role
	channels      map[ids.ChannelID]domain.Channel // includes threads
	threadMembers map[ids.ThreadID]map[ids.UserID]domain.ThreadMember
}

// Cache is the per-room LRU-bounded cache plus a global quarantine set (the
// one piece of permission-modifier state that isn't room-scoped).
type Cache struct {
	store    store.DataStore
	maxRooms int

	mu       sync.Mutex // guards lru and loadLocks map membership
	lru      *lru.Cache[ids.RoomID, *CachedRoom]
	loadLocks map[ids.RoomID]*sync.Mutex

	quarantineMu sync.RWMutex
	quarantined  map[ids.UserID]struct{}
}

// New constructs a Cache backed by store, evicting least-recently-used rooms
// once more than maxRooms are cached.
func New(dataStore store.DataStore, maxRooms int) *Cache {
	if maxRooms <= 0 {
		maxRooms = 100
	}
	l, _ := lru.NewWithEvict[ids.RoomID, *CachedRoom](maxRooms, func(roomID ids.RoomID, _ *CachedRoom) {
		metrics.ActiveRooms.Dec()
	})
	return &Cache{
		store:       dataStore,
		maxRooms:    maxRooms,
		lru:         l,
		loadLocks:   map[ids.RoomID]*sync.Mutex{},
		quarantined: map[ids.UserID]struct{}{},
	}
}

// loadLock returns the per-room mutex used to make concurrent misses for the
// same room coalesce into a single load rather than stampeding the store.
func (c *Cache) loadLock(roomID ids.RoomID) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.loadLocks[roomID]
	if !ok {
		l = &sync.Mutex{}
		c.loadLocks[roomID] = l
	}
	return l
}

// getOrLoad returns the cached room, materializing it from the store on a
// miss per the load protocol: room row, all members, all roles, all
// non-thread channels, all active threads, all thread members — one
// coherent snapshot inserted atomically.
func (c *Cache) getOrLoad(ctx context.Context, roomID ids.RoomID) (*CachedRoom, error) {
	c.mu.Lock()
	if cr, ok := c.lru.Get(roomID); ok {
		c.mu.Unlock()
		return cr, nil
	}
	c.mu.Unlock()

	lock := c.loadLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	// Re-check: another goroutine may have completed the load while we
	// waited for the per-room lock.
	c.mu.Lock()
	if cr, ok := c.lru.Get(roomID); ok {
		c.mu.Unlock()
		return cr, nil
	}
	c.mu.Unlock()

	cr, err := c.load(ctx, roomID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.lru.Add(roomID, cr)
	c.mu.Unlock()
	metrics.ActiveRooms.Inc()
	return cr, nil
}

func (c *Cache) load(ctx context.Context, roomID ids.RoomID) (*CachedRoom, error) {
	room, err := c.store.RoomGet(ctx, roomID)
	if err != nil {
		return nil, err
	}
	members, err := c.store.RoomMemberListAll(ctx, roomID)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	roles, err := c.store.RoleList(ctx, roomID)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	channels, err := c.store.ChannelList(ctx, roomID)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	threads, err := c.store.ThreadAllActiveRoom(ctx, roomID)
	if err != nil {
		return nil, apierr.Internal(err)
	}

	cr := &CachedRoom{
		room:          room,
		members:       make(map[ids.UserID]domain.Member, len(members)),
		roles:         make(map[ids.RoleID]domain.Role, len(roles)),
		channels:      make(map[ids.ChannelID]domain.Channel, len(channels)+len(threads)),
		threadMembers: make(map[ids.ThreadID]map[ids.UserID]domain.ThreadMember, len(threads)),
	}
	for _, m := range members {
		cr.members[m.UserID] = m
	}
	for _, r := range roles {
		cr.roles[r.ID] = r
	}
	for _, ch := range channels {
		cr.channels[ch.ID] = ch
	}
	for _, th := range threads {
		cr.channels[th.ID] = th
		threadID := ids.ThreadID{ID: th.ID.ID}
		tms, err := c.store.ThreadMemberListAll(ctx, threadID)
		if err != nil {
			return nil, apierr.Internal(err)
		}
		set := make(map[ids.UserID]domain.ThreadMember, len(tms))
		for _, tm := range tms {
			if tm.Membership == domain.MembershipJoin {
				set[tm.UserID] = tm
			}
		}
		cr.threadMembers[threadID] = set
	}
	return cr, nil
}

// Evict drops a room's cached entry, forcing the next access to re-load it
// from storage. Used for mutations not representable as an in-place update
// (channel deletion, role reorder).
func (c *Cache) Evict(roomID ids.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(roomID)
}

// LoadedRoomIDs returns every room currently cached, without touching
// storage. Used by cross-room visibility checks (e.g. "does the principal
// share a room with this user") that must stay within the rooms already
// resident rather than loading more just to answer one check.
func (c *Cache) LoadedRoomIDs() []ids.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

// --- permission.Accessor implementation ---

func (c *Cache) Room(roomID ids.RoomID) (domain.Room, bool) {
	cr, err := c.getOrLoad(context.Background(), roomID)
	if err != nil {
		return domain.Room{}, false
	}
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return cr.room, true
}

func (c *Cache) Member(roomID ids.RoomID, userID ids.UserID) (domain.Member, bool) {
	cr, err := c.getOrLoad(context.Background(), roomID)
	if err != nil {
		return domain.Member{}, false
	}
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	m, ok := cr.members[userID]
	return m, ok
}

func (c *Cache) EveryoneRole(roomID ids.RoomID) (domain.Role, bool) {
	cr, err := c.getOrLoad(context.Background(), roomID)
	if err != nil {
		return domain.Role{}, false
	}
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	for _, r := range cr.roles {
		if r.IsEveryone() {
			return r, true
		}
	}
	return domain.Role{}, false
}

func (c *Cache) MemberRoles(roomID ids.RoomID, userID ids.UserID) ([]domain.Role, bool) {
	cr, err := c.getOrLoad(context.Background(), roomID)
	if err != nil {
		return nil, false
	}
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	member, ok := cr.members[userID]
	if !ok {
		return nil, false
	}
	roles := make([]domain.Role, 0, len(member.Roles))
	for roleID := range member.Roles {
		if r, ok := cr.roles[roleID]; ok {
			roles = append(roles, r)
		}
	}
	sort.Slice(roles, func(i, j int) bool {
		if roles[i].Position != roles[j].Position {
			return roles[i].Position < roles[j].Position
		}
		return roles[i].ID.Before(roles[j].ID.ID)
	})
	return roles, true
}

func (c *Cache) Channel(roomID ids.RoomID, channelID ids.ChannelID) (domain.Channel, bool) {
	cr, err := c.getOrLoad(context.Background(), roomID)
	if err != nil {
		return domain.Channel{}, false
	}
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	ch, ok := cr.channels[channelID]
	return ch, ok
}

// AncestorChain returns channelID's ancestor chain in ancestor-first order:
// thread -> parent channel -> category becomes category, channel, thread.
func (c *Cache) AncestorChain(roomID ids.RoomID, channelID ids.ChannelID) ([]domain.Channel, bool) {
	cr, err := c.getOrLoad(context.Background(), roomID)
	if err != nil {
		return nil, false
	}
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	var chain []domain.Channel
	cur, ok := cr.channels[channelID]
	if !ok {
		return nil, false
	}
	for {
		chain = append(chain, cur)
		if cur.ParentID == nil {
			break
		}
		parent, ok := cr.channels[*cur.ParentID]
		if !ok {
			break
		}
		cur = parent
	}
	// reverse into ancestor-first order
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, true
}

// Members returns every room-level membership record, for components (the
// member-list projection) that need to enumerate the whole room rather than
// look up one user.
func (c *Cache) Members(roomID ids.RoomID) ([]domain.Member, bool) {
	cr, err := c.getOrLoad(context.Background(), roomID)
	if err != nil {
		return nil, false
	}
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	out := make([]domain.Member, 0, len(cr.members))
	for _, m := range cr.members {
		out = append(out, m)
	}
	return out, true
}

// Roles returns every role in the room, sorted by ascending position.
func (c *Cache) Roles(roomID ids.RoomID) ([]domain.Role, bool) {
	cr, err := c.getOrLoad(context.Background(), roomID)
	if err != nil {
		return nil, false
	}
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	out := make([]domain.Role, 0, len(cr.roles))
	for _, r := range cr.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID.Before(out[j].ID.ID)
	})
	return out, true
}

// ThreadMembers returns the joined thread_member records for threadID.
func (c *Cache) ThreadMembers(roomID ids.RoomID, threadID ids.ThreadID) ([]domain.ThreadMember, bool) {
	cr, err := c.getOrLoad(context.Background(), roomID)
	if err != nil {
		return nil, false
	}
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	set, ok := cr.threadMembers[threadID]
	if !ok {
		return nil, false
	}
	out := make([]domain.ThreadMember, 0, len(set))
	for _, tm := range set {
		out = append(out, tm)
	}
	return out, true
}

func (c *Cache) IsQuarantined(userID ids.UserID) bool {
	c.quarantineMu.RLock()
	defer c.quarantineMu.RUnlock()
	_, ok := c.quarantined[userID]
	return ok
}

// SetQuarantined marks or clears a user's automod quarantine flag.
func (c *Cache) SetQuarantined(userID ids.UserID, quarantined bool) {
	c.quarantineMu.Lock()
	defer c.quarantineMu.Unlock()
	if quarantined {
		c.quarantined[userID] = struct{}{}
	} else {
		delete(c.quarantined, userID)
	}
}

// --- In-place mutation helpers used by Apply ---

// Apply updates the cache for a SyncEvent before other subscribers run, per
// the invalidation contract. Mutations representable as an in-place update
// patch the relevant map entry; everything else evicts the whole room so the
// next read re-materializes it.
func (c *Cache) Apply(ctx context.Context, event domain.SyncEvent) {
	if event.RoomID == nil {
		return
	}
	cr, err := c.getOrLoad(ctx, *event.RoomID)
	if err != nil {
		return
	}

	switch event.Type {
	case domain.EventUpsertRoom:
		if room, ok := event.Data.(domain.Room); ok {
			cr.mu.Lock()
			cr.room = room
			cr.mu.Unlock()
		}
	case domain.EventUpsertMember:
		switch data := event.Data.(type) {
		case domain.Member:
			cr.mu.Lock()
			cr.members[data.UserID] = data
			cr.mu.Unlock()
		case domain.ThreadMember:
			cr.mu.Lock()
			if cr.threadMembers[data.ThreadID] == nil {
				cr.threadMembers[data.ThreadID] = map[ids.UserID]domain.ThreadMember{}
			}
			if data.Membership == domain.MembershipJoin {
				cr.threadMembers[data.ThreadID][data.UserID] = data
			} else {
				delete(cr.threadMembers[data.ThreadID], data.UserID)
			}
			cr.mu.Unlock()
		}
	case domain.EventUpsertChannel, domain.EventUpsertThread:
		if channel, ok := event.Data.(domain.Channel); ok {
			cr.mu.Lock()
			cr.channels[channel.ID] = channel
			cr.mu.Unlock()
		}
	case domain.EventRoleUpdate:
		if role, ok := event.Data.(domain.Role); ok {
			cr.mu.Lock()
			cr.roles[role.ID] = role
			cr.mu.Unlock()
		}
	case domain.EventRoleDelete:
		if roleID, ok := event.Data.(ids.RoleID); ok {
			cr.mu.Lock()
			delete(cr.roles, roleID)
			for userID, m := range cr.members {
				if _, has := m.Roles[roleID]; has {
					delete(m.Roles, roleID)
					cr.members[userID] = m
				}
			}
			cr.mu.Unlock()
		} else {
			c.Evict(*event.RoomID)
		}
	default:
		// Role reorder, channel deletion, and anything else not cleanly
		// representable as a single map write: evict and let the next
		// reader re-load a coherent snapshot.
		c.Evict(*event.RoomID)
		logging.Info(ctx, "cache: evicted room on non-incremental event")
	}
}

// SortOverwrites normalizes ch.Overwrites into (subject_kind, position)
// order, where role position is looked up from roles. Called by the thread
// mutation orchestrator after writing a new overwrite list, matching the
// cache invariant that overwrite lists are kept sorted.
func SortOverwrites(overwrites []domain.PermissionOverwrite, roles map[ids.RoleID]domain.Role) []domain.PermissionOverwrite {
	position := func(ow domain.PermissionOverwrite) int {
		if ow.SubjectKind != domain.OverwriteRole {
			return 1 << 30
		}
		id, err := ids.Parse(ow.SubjectID)
		if err != nil {
			return 1 << 30
		}
		if r, ok := roles[ids.RoleID{ID: id}]; ok {
			return r.Position
		}
		return 1 << 30
	}
	out := make([]domain.PermissionOverwrite, len(overwrites))
	copy(out, overwrites)
	sort.SliceStable(out, func(i, j int) bool {
		ki, kj := out[i].SubjectKind, out[j].SubjectKind
		if ki != kj {
			return ki < kj
		}
		return position(out[i]) < position(out[j])
	})
	return out
}

// DisplayName resolves a member's display name for sort purposes: the
// lower-cased override name if set, else the lower-cased user id string. No
// user-profile name is consulted.
func DisplayName(member domain.Member) string {
	if member.OverrideName != nil && *member.OverrideName != "" {
		return strings.ToLower(*member.OverrideName)
	}
	return strings.ToLower(member.UserID.String())
}
