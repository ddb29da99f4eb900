package thread

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synccore/synccore/internal/apierr"
	"github.com/synccore/synccore/internal/cache"
	"github.com/synccore/synccore/internal/clock"
	"github.com/synccore/synccore/internal/dispatch"
	"github.com/synccore/synccore/internal/domain"
	"github.com/synccore/synccore/internal/ids"
	"github.com/synccore/synccore/internal/store"
	"github.com/synccore/synccore/internal/v1/bus"
)

type fixture struct {
	s        *store.Memory
	c        *cache.Cache
	reg      *bus.Registry
	orch     *Orchestrator
	fake     *clock.Fake
	roomID   ids.RoomID
	parentID ids.ChannelID
	threadID ids.ThreadID
	everyone ids.RoleID
}

func newFixture(t *testing.T, everyonePerms domain.PermissionBits) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemory()
	fake := clock.NewFake(time.Unix(1000, 0))
	c := cache.New(s, 10)
	reg := bus.NewRegistry(nil)
	d := dispatch.New(reg, c, nil)
	orch := New(c, s, d, fake)

	roomID := ids.NewRoomID()
	require.NoError(t, s.RoomPut(ctx, domain.Room{ID: roomID, Name: "general", Public: true}))
	everyone := ids.NewRoleID()
	require.NoError(t, s.RolePut(ctx, domain.Role{ID: everyone, RoomID: roomID, Position: 0, Permissions: everyonePerms}))

	parentID := ids.NewChannelID()
	require.NoError(t, s.ChannelPut(ctx, domain.Channel{ID: parentID, RoomID: roomID, Type: domain.ChannelChat}))

	return &fixture{s: s, c: c, reg: reg, orch: orch, fake: fake, roomID: roomID, parentID: parentID, everyone: everyone}
}

func (f *fixture) putThread(t *testing.T, ch domain.Channel) ids.ThreadID {
	t.Helper()
	ch.RoomID = f.roomID
	ch.ParentID = &f.parentID
	if ch.ID.IsZero() {
		ch.ID = ids.NewChannelID()
	}
	require.NoError(t, f.s.ChannelPut(context.Background(), ch))
	return ids.ThreadID{ID: ch.ID.ID}
}

func (f *fixture) addMember(t *testing.T, userID ids.UserID) {
	t.Helper()
	require.NoError(t, f.s.MemberPut(context.Background(), domain.Member{
		UserID: userID, RoomID: f.roomID, Membership: domain.MembershipJoin,
		Roles: map[ids.RoleID]struct{}{f.everyone: {}},
	}))
}

func TestUpdateRenamesThreadAuditsAndBroadcasts(t *testing.T) {
	f := newFixture(t, domain.BitsOf(domain.ViewChannel, domain.ThreadEdit))
	ctx := context.Background()
	userID := ids.NewUserID()
	f.addMember(t, userID)
	threadID := f.putThread(t, domain.Channel{Type: domain.ChannelThreadChat, Name: "old-name"})

	roomSub := f.reg.Topic(bus.Scope{Kind: "room", ID: f.roomID.String()}).Subscribe(ctx)
	threadSub := f.reg.Topic(bus.Scope{Kind: "thread", ID: threadID.String()}).Subscribe(ctx)

	newName := "new-name"
	updated, err := f.orch.Update(ctx, domain.UserPrincipal(userID), f.roomID, threadID, Patch{Name: &newName}, nil)
	require.NoError(t, err)
	assert.Equal(t, "new-name", updated.Name)

	audit := f.s.AuditLog()
	require.Len(t, audit, 1)
	assert.Equal(t, domain.AuditThreadUpdate, audit[0].Type)
	var sawNameChange bool
	for _, c := range audit[0].Changes {
		if c.Field == "name" {
			sawNameChange = true
			assert.Equal(t, "old-name", c.Old)
			assert.Equal(t, "new-name", c.New)
		}
	}
	assert.True(t, sawNameChange)

	// Thread scope should see the upsert_thread and the rename system
	// message; room scope should see the final upsert_thread.
	var sawThreadUpdate, sawRenameMessage bool
	for i := 0; i < 2; i++ {
		evt := <-threadSub.C
		switch evt.Type {
		case string(domain.EventUpsertThread):
			sawThreadUpdate = true
		case string(domain.EventUpsertMessage):
			sawRenameMessage = true
		}
	}
	assert.True(t, sawThreadUpdate)
	assert.True(t, sawRenameMessage)

	roomEvt := <-roomSub.C
	assert.Equal(t, string(domain.EventUpsertThread), roomEvt.Type)
}

func TestUpdateNoopReturnsNotModified(t *testing.T) {
	f := newFixture(t, domain.BitsOf(domain.ViewChannel, domain.ThreadEdit))
	ctx := context.Background()
	userID := ids.NewUserID()
	f.addMember(t, userID)
	threadID := f.putThread(t, domain.Channel{Type: domain.ChannelThreadChat, Name: "same-name"})

	sameName := "same-name"
	_, err := f.orch.Update(ctx, domain.UserPrincipal(userID), f.roomID, threadID, Patch{Name: &sameName}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.New(apierr.KindNotModified, ""))
}

func TestUpdateArchivedThreadReturnsConflict(t *testing.T) {
	f := newFixture(t, domain.BitsOf(domain.ViewChannel, domain.ThreadEdit))
	ctx := context.Background()
	userID := ids.NewUserID()
	f.addMember(t, userID)
	archivedAt := f.fake.Now()
	threadID := f.putThread(t, domain.Channel{Type: domain.ChannelThreadChat, Name: "x", ArchivedAt: &archivedAt})

	newName := "y"
	_, err := f.orch.Update(ctx, domain.UserPrincipal(userID), f.roomID, threadID, Patch{Name: &newName}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.New(apierr.KindConflict, ""))
}

func TestUpdateLockedThreadRequiresThreadLockPermission(t *testing.T) {
	f := newFixture(t, domain.BitsOf(domain.ViewChannel, domain.ThreadEdit))
	ctx := context.Background()
	userID := ids.NewUserID()
	f.addMember(t, userID)
	threadID := f.putThread(t, domain.Channel{Type: domain.ChannelThreadChat, Name: "x", Locked: true})

	newName := "y"
	_, err := f.orch.Update(ctx, domain.UserPrincipal(userID), f.roomID, threadID, Patch{Name: &newName}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.New(apierr.KindMissingPermissions, ""))
}

func TestUpdateDeniedWithoutThreadEditPermission(t *testing.T) {
	f := newFixture(t, domain.BitsOf(domain.ViewChannel))
	ctx := context.Background()
	userID := ids.NewUserID()
	f.addMember(t, userID)
	threadID := f.putThread(t, domain.Channel{Type: domain.ChannelThreadChat, Name: "x"})

	newName := "y"
	_, err := f.orch.Update(ctx, domain.UserPrincipal(userID), f.roomID, threadID, Patch{Name: &newName}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.New(apierr.KindMissingPermissions, ""))
}

func TestUpdateOverwritesRequiresChannelManagePermission(t *testing.T) {
	f := newFixture(t, domain.BitsOf(domain.ViewChannel, domain.ThreadEdit))
	ctx := context.Background()
	userID := ids.NewUserID()
	f.addMember(t, userID)
	threadID := f.putThread(t, domain.Channel{Type: domain.ChannelThreadChat, Name: "x"})

	overwrites := []domain.PermissionOverwrite{
		{SubjectID: userID.String(), SubjectKind: domain.OverwriteUser, Deny: domain.BitsOf(domain.MessageCreate)},
	}
	_, err := f.orch.Update(ctx, domain.UserPrincipal(userID), f.roomID, threadID, Patch{Overwrites: &overwrites}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.New(apierr.KindMissingPermissions, ""))
}

func TestUpdateOverwritesRejectsIntersectingAllowDeny(t *testing.T) {
	f := newFixture(t, domain.BitsOf(domain.ViewChannel, domain.ThreadEdit, domain.ChannelManage))
	ctx := context.Background()
	userID := ids.NewUserID()
	f.addMember(t, userID)
	threadID := f.putThread(t, domain.Channel{Type: domain.ChannelThreadChat, Name: "x"})

	overwrites := []domain.PermissionOverwrite{
		{
			SubjectID:   userID.String(),
			SubjectKind: domain.OverwriteUser,
			Allow:       domain.BitsOf(domain.MessageCreate),
			Deny:        domain.BitsOf(domain.MessageCreate),
		},
	}
	_, err := f.orch.Update(ctx, domain.UserPrincipal(userID), f.roomID, threadID, Patch{Overwrites: &overwrites}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.New(apierr.KindBadRequest, ""))
}

func TestUpdateOverwritesPersistsSortedList(t *testing.T) {
	f := newFixture(t, domain.BitsOf(domain.ViewChannel, domain.ThreadEdit, domain.ChannelManage))
	ctx := context.Background()
	userID := ids.NewUserID()
	f.addMember(t, userID)
	threadID := f.putThread(t, domain.Channel{Type: domain.ChannelThreadChat, Name: "x"})

	highRole := ids.NewRoleID()
	require.NoError(t, f.s.RolePut(ctx, domain.Role{ID: highRole, RoomID: f.roomID, Position: 5}))

	// Submitted out of position order: the high-position role first, the
	// @everyone role (position 0) second.
	overwrites := []domain.PermissionOverwrite{
		{SubjectID: highRole.String(), SubjectKind: domain.OverwriteRole, Deny: domain.BitsOf(domain.MessageCreate)},
		{SubjectID: f.everyone.String(), SubjectKind: domain.OverwriteRole, Deny: domain.BitsOf(domain.ReactionAdd)},
	}
	updated, err := f.orch.Update(ctx, domain.UserPrincipal(userID), f.roomID, threadID, Patch{Overwrites: &overwrites}, nil)
	require.NoError(t, err)
	require.Len(t, updated.Overwrites, 2)
	assert.Equal(t, f.everyone.String(), updated.Overwrites[0].SubjectID)
	assert.Equal(t, highRole.String(), updated.Overwrites[1].SubjectID)
}

func TestUpdateCreatorBonusGrantsEditWithoutRolePermission(t *testing.T) {
	f := newFixture(t, domain.BitsOf(domain.ViewChannel))
	ctx := context.Background()
	userID := ids.NewUserID()
	f.addMember(t, userID)
	threadID := f.putThread(t, domain.Channel{Type: domain.ChannelThreadChat, Name: "x", CreatorID: &userID})

	newName := "y"
	updated, err := f.orch.Update(ctx, domain.UserPrincipal(userID), f.roomID, threadID, Patch{Name: &newName}, nil)
	require.NoError(t, err)
	assert.Equal(t, "y", updated.Name)
}
