package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synccore/synccore/internal/domain"
	"github.com/synccore/synccore/internal/ids"
	"github.com/synccore/synccore/internal/store"
)

func seedRoom(t *testing.T, s *store.Memory, roomID ids.RoomID, userID ids.UserID) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.RoomPut(ctx, domain.Room{ID: roomID, Name: "general"}))
	everyoneID := ids.NewRoleID()
	require.NoError(t, s.RolePut(ctx, domain.Role{ID: everyoneID, RoomID: roomID, Position: 0}))
	require.NoError(t, s.MemberPut(ctx, domain.Member{
		UserID: userID, RoomID: roomID, Membership: domain.MembershipJoin,
		Roles: map[ids.RoleID]struct{}{},
	}))
}

func TestCacheLoadsOnMiss(t *testing.T) {
	s := store.NewMemory()
	roomID := ids.NewRoomID()
	userID := ids.NewUserID()
	seedRoom(t, s, roomID, userID)

	c := New(s, 10)
	room, ok := c.Room(roomID)
	require.True(t, ok)
	assert.Equal(t, "general", room.Name)

	_, ok = c.Member(roomID, userID)
	assert.True(t, ok)
}

func TestCacheMissingRoomReturnsFalse(t *testing.T) {
	c := New(store.NewMemory(), 10)
	_, ok := c.Room(ids.NewRoomID())
	assert.False(t, ok)
}

func TestEveryoneRoleIsPositionZero(t *testing.T) {
	s := store.NewMemory()
	roomID := ids.NewRoomID()
	userID := ids.NewUserID()
	seedRoom(t, s, roomID, userID)

	c := New(s, 10)
	role, ok := c.EveryoneRole(roomID)
	require.True(t, ok)
	assert.Equal(t, 0, role.Position)
}

func TestMemberRolesSortedByPosition(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	roomID := ids.NewRoomID()
	userID := ids.NewUserID()
	seedRoom(t, s, roomID, userID)

	r1 := ids.NewRoleID()
	r2 := ids.NewRoleID()
	require.NoError(t, s.RolePut(ctx, domain.Role{ID: r1, RoomID: roomID, Position: 2}))
	require.NoError(t, s.RolePut(ctx, domain.Role{ID: r2, RoomID: roomID, Position: 1}))
	require.NoError(t, s.MemberPut(ctx, domain.Member{
		UserID: userID, RoomID: roomID, Membership: domain.MembershipJoin,
		Roles: map[ids.RoleID]struct{}{r1: {}, r2: {}},
	}))

	c := New(s, 10)
	roles, ok := c.MemberRoles(roomID, userID)
	require.True(t, ok)
	require.Len(t, roles, 2)
	assert.Equal(t, r2, roles[0].ID)
	assert.Equal(t, r1, roles[1].ID)
}

func TestAncestorChainIsTopmostFirst(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	roomID := ids.NewRoomID()
	userID := ids.NewUserID()
	seedRoom(t, s, roomID, userID)

	category := ids.NewChannelID()
	channel := ids.NewChannelID()
	thread := ids.NewChannelID()
	require.NoError(t, s.ChannelPut(ctx, domain.Channel{ID: category, RoomID: roomID, Type: domain.ChannelCategory}))
	require.NoError(t, s.ChannelPut(ctx, domain.Channel{ID: channel, RoomID: roomID, Type: domain.ChannelChat, ParentID: &category}))
	require.NoError(t, s.ChannelPut(ctx, domain.Channel{ID: thread, RoomID: roomID, Type: domain.ChannelThreadChat, ParentID: &channel}))

	c := New(s, 10)
	chain, ok := c.AncestorChain(roomID, thread)
	require.True(t, ok)
	require.Len(t, chain, 3)
	assert.Equal(t, category, chain[0].ID)
	assert.Equal(t, channel, chain[1].ID)
	assert.Equal(t, thread, chain[2].ID)
}

func TestApplyUpsertMemberPatchesInPlace(t *testing.T) {
	s := store.NewMemory()
	roomID := ids.NewRoomID()
	userID := ids.NewUserID()
	seedRoom(t, s, roomID, userID)

	c := New(s, 10)
	_, ok := c.Room(roomID) // force load
	require.True(t, ok)

	updated := domain.Member{UserID: userID, RoomID: roomID, Membership: domain.MembershipJoin, OverrideName: strPtr("new-name")}
	c.Apply(context.Background(), domain.RoomEvent(domain.EventUpsertMember, roomID, updated))

	member, ok := c.Member(roomID, userID)
	require.True(t, ok)
	require.NotNil(t, member.OverrideName)
	assert.Equal(t, "new-name", *member.OverrideName)
}

func TestApplyRoleDeleteRemovesFromMembers(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	roomID := ids.NewRoomID()
	userID := ids.NewUserID()
	seedRoom(t, s, roomID, userID)
	roleID := ids.NewRoleID()
	require.NoError(t, s.RolePut(ctx, domain.Role{ID: roleID, RoomID: roomID, Position: 1}))
	require.NoError(t, s.MemberPut(ctx, domain.Member{
		UserID: userID, RoomID: roomID, Membership: domain.MembershipJoin,
		Roles: map[ids.RoleID]struct{}{roleID: {}},
	}))

	c := New(s, 10)
	_, ok := c.Room(roomID)
	require.True(t, ok)

	c.Apply(context.Background(), domain.RoomEvent(domain.EventRoleDelete, roomID, roleID))

	roles, ok := c.MemberRoles(roomID, userID)
	require.True(t, ok)
	assert.Empty(t, roles)
}

func TestEvictForcesReload(t *testing.T) {
	s := store.NewMemory()
	roomID := ids.NewRoomID()
	userID := ids.NewUserID()
	seedRoom(t, s, roomID, userID)

	c := New(s, 10)
	_, ok := c.Room(roomID)
	require.True(t, ok)

	require.NoError(t, s.RoomPut(context.Background(), domain.Room{ID: roomID, Name: "renamed"}))
	c.Evict(roomID)

	room, ok := c.Room(roomID)
	require.True(t, ok)
	assert.Equal(t, "renamed", room.Name)
}

func TestLRUEvictsOldestRoomBeyondCap(t *testing.T) {
	s := store.NewMemory()
	c := New(s, 2)

	var roomIDs []ids.RoomID
	for i := 0; i < 3; i++ {
		roomID := ids.NewRoomID()
		roomIDs = append(roomIDs, roomID)
		seedRoom(t, s, roomID, ids.NewUserID())
		_, ok := c.Room(roomID)
		require.True(t, ok)
	}

	c.mu.Lock()
	count := c.lru.Len()
	c.mu.Unlock()
	assert.Equal(t, 2, count)
}

func TestQuarantineFlag(t *testing.T) {
	c := New(store.NewMemory(), 10)
	userID := ids.NewUserID()
	assert.False(t, c.IsQuarantined(userID))
	c.SetQuarantined(userID, true)
	assert.True(t, c.IsQuarantined(userID))
	c.SetQuarantined(userID, false)
	assert.False(t, c.IsQuarantined(userID))
}

func TestMembersAndRolesEnumerateAll(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	roomID := ids.NewRoomID()
	userID := ids.NewUserID()
	seedRoom(t, s, roomID, userID)
	r1 := ids.NewRoleID()
	require.NoError(t, s.RolePut(ctx, domain.Role{ID: r1, RoomID: roomID, Position: 3}))

	c := New(s, 10)
	members, ok := c.Members(roomID)
	require.True(t, ok)
	assert.Len(t, members, 1)

	roles, ok := c.Roles(roomID)
	require.True(t, ok)
	require.Len(t, roles, 2)
	assert.Equal(t, 0, roles[0].Position)
	assert.Equal(t, 3, roles[1].Position)
}

func TestThreadMembersLoadAndApplyUpsert(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	roomID := ids.NewRoomID()
	ownerUserID := ids.NewUserID()
	seedRoom(t, s, roomID, ownerUserID)

	parent := ids.NewChannelID()
	threadChannel := ids.NewChannelID()
	require.NoError(t, s.ChannelPut(ctx, domain.Channel{ID: parent, RoomID: roomID, Type: domain.ChannelChat}))
	require.NoError(t, s.ChannelPut(ctx, domain.Channel{ID: threadChannel, RoomID: roomID, Type: domain.ChannelThreadChat, ParentID: &parent}))
	threadID := ids.ThreadID{ID: threadChannel.ID}

	c := New(s, 10)
	_, ok := c.Room(roomID) // force load
	require.True(t, ok)

	tms, ok := c.ThreadMembers(roomID, threadID)
	require.True(t, ok)
	assert.Empty(t, tms)

	joiner := ids.NewUserID()
	c.Apply(ctx, domain.RoomEvent(domain.EventUpsertMember, roomID, domain.ThreadMember{
		UserID: joiner, ThreadID: threadID, Membership: domain.MembershipJoin,
	}))
	tms, ok = c.ThreadMembers(roomID, threadID)
	require.True(t, ok)
	require.Len(t, tms, 1)
	assert.Equal(t, joiner, tms[0].UserID)

	c.Apply(ctx, domain.RoomEvent(domain.EventUpsertMember, roomID, domain.ThreadMember{
		UserID: joiner, ThreadID: threadID, Membership: domain.MembershipLeave,
	}))
	tms, ok = c.ThreadMembers(roomID, threadID)
	require.True(t, ok)
	assert.Empty(t, tms)
}

func strPtr(s string) *string { return &s }
