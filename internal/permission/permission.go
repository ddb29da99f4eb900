// Package permission implements the permission calculator: given a
// principal and a scope, compute the bitset of permissions that principal
// holds, walking membership, roles, channel overwrites, admin implication,
// and timeout/quarantine/lock modifier masks in the contractual order.
package permission

import (
	"time"

	"github.com/synccore/synccore/internal/apierr"
	"github.com/synccore/synccore/internal/domain"
	"github.com/synccore/synccore/internal/ids"
)

// AdminImplied is the fixed set of permissions Admin grants, covering
// essentially every room/channel/thread/role/member-manage permission.
// Admin itself and the narrow server-only permissions are deliberately
// excluded — server scope is evaluated separately via ensure_server.
var AdminImplied = domain.BitsOf(
	domain.RoomManage, domain.RoomArchive,
	domain.ChannelManage, domain.ChannelArchive,
	domain.ThreadCreateChat, domain.ThreadCreateForum, domain.ThreadCreateVoice,
	domain.ThreadEdit, domain.ThreadArchive, domain.ThreadRemove, domain.ThreadLock,
	domain.ThreadManage, domain.ThreadPublish, domain.ThreadForward,
	domain.MessageCreate, domain.MessageAttachments, domain.MessageEmbeds,
	domain.MessageDelete, domain.MessageRemove, domain.MessagePin,
	domain.MessageMassMention, domain.MessageMove,
	domain.ReactionAdd, domain.ReactionPurge,
	domain.RoleApply, domain.RoleManage,
	domain.MemberKick, domain.MemberBan, domain.MemberTimeout,
	domain.MemberNickname, domain.MemberNicknameManage, domain.MemberBridge,
	domain.VoiceConnect, domain.VoiceSpeak, domain.VoiceVideo, domain.VoicePriority,
	domain.VoiceMute, domain.VoiceDeafen, domain.VoiceDisconnect, domain.VoiceMove,
	domain.InviteCreate, domain.InviteManage,
	domain.EmojiManage, domain.EmojiUseExternal,
	domain.TagApply, domain.TagManage,
	domain.WebhookManage, domain.IntegrationsManage,
	domain.CalendarEventCreate, domain.CalendarEventManage,
	domain.ViewChannel, domain.ViewAuditLog,
	domain.BypassSlowmode,
)

// lurkerBits is the narrow set granted to non-members of a public room.
var lurkerBits = domain.BitsOf(domain.ViewChannel, domain.ViewAuditLog)

// quarantinedBits is the narrow set granted to automod-quarantined principals.
var quarantinedBits = domain.BitsOf(domain.ViewChannel, domain.ViewAuditLog, domain.MemberNickname)

// timedOutBits is the narrow set granted to timed-out members.
var timedOutBits = domain.BitsOf(domain.ViewChannel, domain.ViewAuditLog)

// Accessor is the cache's read surface the calculator needs. All lookups are
// expected to be O(1) map reads against an already-loaded CachedRoom; a miss
// here means the room/member/channel genuinely doesn't exist or isn't
// cached, which callers above the calculator resolve to NotFound.
type Accessor interface {
	Room(roomID ids.RoomID) (domain.Room, bool)
	Member(roomID ids.RoomID, userID ids.UserID) (domain.Member, bool)
	EveryoneRole(roomID ids.RoomID) (domain.Role, bool)
	// MemberRoles returns the roles assigned to userID in roomID, sorted by
	// ascending position.
	MemberRoles(roomID ids.RoomID, userID ids.UserID) ([]domain.Role, bool)
	Channel(roomID ids.RoomID, channelID ids.ChannelID) (domain.Channel, bool)
	// AncestorChain returns channelID's ancestor chain in ancestor-first
	// order (topmost category/parent first, channelID itself last).
	AncestorChain(roomID ids.RoomID, channelID ids.ChannelID) ([]domain.Channel, bool)
	IsQuarantined(userID ids.UserID) bool
}

// Result is the outcome of an evaluation: the computed bitset plus the two
// flags that are tracked alongside it rather than folded into the bitset.
type Result struct {
	Bits            domain.PermissionBits
	IsLurker        bool
	IsChannelLocked bool
}

// Ensure fails with MissingPermissions unless perm is set, except that a
// failed ViewChannel check is surfaced as NotFound to avoid leaking the
// existence of hidden resources.
func (r Result) Ensure(perm domain.Permission) error {
	if r.Bits.Has(perm) {
		return nil
	}
	if perm == domain.ViewChannel {
		return apierr.NotFound("channel")
	}
	return apierr.MissingPermissions(perm.String())
}

// EnsureServer is Ensure's server-scope counterpart, tagging the error as a
// server-permission failure so clients can tell the two apart.
func (r Result) EnsureServer(perm domain.Permission) error {
	if r.Bits.Has(perm) {
		return nil
	}
	if perm == domain.ViewChannel {
		return apierr.NotFound("channel")
	}
	return apierr.MissingPermissionsServer(perm.String())
}

// EnsureAll ensures every permission in perms, stopping at the first miss.
func (r Result) EnsureAll(perms ...domain.Permission) error {
	for _, p := range perms {
		if err := r.Ensure(p); err != nil {
			return err
		}
	}
	return nil
}

// CanBypassSlowmode mirrors the channel-manage/thread-manage/timeout/
// bypass-slowmode permission union that lets a member post through slowmode.
func (r Result) CanBypassSlowmode() bool {
	return r.Bits.Has(domain.ChannelManage) || r.Bits.Has(domain.ThreadManage) ||
		r.Bits.Has(domain.MemberTimeout) || r.Bits.Has(domain.BypassSlowmode)
}

// CanUseLockedThreads reports whether the principal can bypass this scope's
// channel/thread lock.
func (r Result) CanUseLockedThreads() bool {
	return r.Bits.Has(domain.ThreadManage) || r.Bits.Has(domain.ChannelManage) || r.Bits.Has(domain.ThreadLock)
}

// EnsureUnlocked fails unless the scope is unlocked or the principal can
// bypass the lock; callers check this explicitly since is_channel_locked is
// tracked alongside the bitset, not removed from it.
func (r Result) EnsureUnlocked() error {
	if !r.IsChannelLocked {
		return nil
	}
	if r.CanUseLockedThreads() {
		return nil
	}
	return apierr.New(apierr.KindBadRequest, "channel is locked")
}

// NoVisibility is returned by Evaluate when the principal cannot see the
// room at all: not a member, and the room isn't public.
var NoVisibility = apierr.NotFound("room")

// Evaluate computes the permission Result for principal at scope, per the
// eight-step algorithm: membership gate, owner short-circuit, everyone role,
// member roles, channel overwrites, admin implication, modifier masks.
func Evaluate(acc Accessor, principal domain.Principal, scope domain.Scope, now time.Time) (Result, error) {
	if scope.Kind == domain.ScopeServer {
		return evaluateServer(acc, principal)
	}

	room, ok := acc.Room(scope.RoomID)
	if !ok {
		return Result{}, apierr.NotFound("room")
	}

	var member domain.Member
	isMember := false
	if principal.IsUser() {
		member, isMember = acc.Member(scope.RoomID, principal.UserID)
		if isMember && member.Membership != domain.MembershipJoin {
			isMember = false
		}
	}

	result := Result{}

	// Step 1: membership gate.
	if !isMember {
		if !room.Public {
			return Result{}, NoVisibility
		}
		result.Bits = lurkerBits
		result.IsLurker = true
		return result, nil
	}

	bits := domain.PermissionBits{}
	everyone, hasEveryone := acc.EveryoneRole(scope.RoomID)

	// Step 2: owner short-circuit.
	isOwner := room.OwnerID != nil && principal.IsUser() && *room.OwnerID == principal.UserID
	if isOwner {
		bits.Union(AdminImplied)
		bits.Add(domain.Admin)
	} else {
		// Step 3: everyone role.
		if hasEveryone {
			bits.Union(everyone.Permissions)
		}

		// Step 4: member roles, ascending position order.
		roles, _ := acc.MemberRoles(scope.RoomID, principal.UserID)
		for _, role := range roles {
			bits.Union(role.Permissions)
		}
	}

	// Step 5: channel overwrites. The owner short-circuit (step 2) skips
	// steps 3-6, so overwrites never apply to the room owner; the step 7
	// modifier masks still do.
	// ThreadScope.ChannelID names the thread's parent channel, not the thread
	// itself, so the chain must be walked from the thread's own leaf ID to
	// pick up the thread's own overwrites and Locked state.
	leafLocked := false
	if !isOwner && (scope.Kind == domain.ScopeChannel || scope.Kind == domain.ScopeThread) {
		leaf := scope.ChannelID
		if scope.Kind == domain.ScopeThread {
			leaf = ids.ChannelID{ID: scope.ThreadID.ID}
		}
		chain, ok := acc.AncestorChain(scope.RoomID, leaf)
		if !ok {
			return Result{}, apierr.NotFound("channel")
		}
		memberRoleSet := map[ids.RoleID]domain.Role{}
		roles, _ := acc.MemberRoles(scope.RoomID, principal.UserID)
		for _, r := range roles {
			memberRoleSet[r.ID] = r
		}
		// The @everyone role is never among a member's explicitly assigned
		// roles, but an @everyone channel overwrite's SubjectID still names
		// it, so it must be in the set applyChannelOverwrites matches against.
		if hasEveryone {
			memberRoleSet[everyone.ID] = everyone
		}
		for i, ch := range chain {
			applyChannelOverwrites(&bits, ch, principal, memberRoleSet)
			if i == len(chain)-1 {
				leafLocked = ch.Locked
			}
		}
	}

	// Step 6: admin implication, after overwrites, since Admin may have come
	// from a role or an allow overwrite.
	if !isOwner {
		if bits.Has(domain.Admin) {
			bits.Union(AdminImplied)
		}
		if bits.Has(domain.CalendarEventManage) {
			bits.Add(domain.CalendarEventCreate)
		}
	}

	// Step 7: modifier masks, applied last, in order.
	if member.IsTimedOut(now) {
		bits.ApplyMaskTo(timedOutBits)
	} else if principal.IsUser() && acc.IsQuarantined(principal.UserID) {
		bits.ApplyMaskTo(quarantinedBits)
	}

	// The channel-locked flag is recorded (not masked into the bitset) only
	// when the scope's own channel/thread is locked and the principal lacks
	// a lock-bypass permission; callers enforce it via Result.EnsureUnlocked.
	isChannelLocked := leafLocked &&
		!bits.Has(domain.ThreadManage) && !bits.Has(domain.ChannelManage) && !bits.Has(domain.ThreadLock)

	result.Bits = bits
	result.IsChannelLocked = isChannelLocked
	return result, nil
}

func evaluateServer(acc Accessor, principal domain.Principal) (Result, error) {
	// Server scope is evaluated against the same room-member machinery, by
	// convention against a dedicated "server room" whose owner is the fixed
	// system principal; callers pass domain.ServerScope() and the cache is
	// expected to have a well-known server-room row for this to resolve
	// against. Anonymous principals get no server permissions.
	if !principal.IsUser() {
		return Result{}, nil
	}
	room, ok := acc.Room(ids.RoomID{})
	if !ok {
		return Result{}, nil
	}
	member, isMember := acc.Member(room.ID, principal.UserID)
	if !isMember || member.Membership != domain.MembershipJoin {
		return Result{}, nil
	}

	bits := domain.PermissionBits{}
	if everyone, ok := acc.EveryoneRole(room.ID); ok {
		bits.Union(everyone.Permissions)
	}
	roles, _ := acc.MemberRoles(room.ID, principal.UserID)
	for _, role := range roles {
		bits.Union(role.Permissions)
	}
	if bits.Has(domain.Admin) {
		bits.Union(AdminImplied)
		bits.Add(domain.ServerOversee)
		bits.Add(domain.ServerMetrics)
		bits.Add(domain.ServerReports)
	}
	return Result{Bits: bits}, nil
}

// applyChannelOverwrites applies one channel/ancestor's overwrite set to
// bits, in the mandated order: everyone overwrite (deny then allow), each
// role overwrite in position order (all denies first across roles, then all
// allows), then the user-specific overwrite (deny then allow).
func applyChannelOverwrites(bits *domain.PermissionBits, ch domain.Channel, principal domain.Principal, memberRoles map[ids.RoleID]domain.Role) {
	var everyoneOverwrite *domain.PermissionOverwrite
	var roleOverwrites []domain.PermissionOverwrite
	var userOverwrite *domain.PermissionOverwrite

	for i := range ch.Overwrites {
		ow := ch.Overwrites[i]
		if ow.SubjectKind == domain.OverwriteUser {
			if principal.IsUser() && ow.SubjectID == principal.UserID.String() {
				userOverwrite = &ow
			}
			continue
		}
		// Role overwrite: everyone role carries position 0 and is handled
		// separately from other role overwrites. memberRoles always carries
		// the room's @everyone role (see Evaluate), even though it's never
		// one of the member's explicitly assigned roles, so this lookup can
		// still match an @everyone overwrite's SubjectID.
		if role, has := memberRoles[ids.RoleID{ID: mustParseID(ow.SubjectID)}]; has {
			if role.IsEveryone() {
				everyoneOverwrite = &ow
			} else {
				roleOverwrites = append(roleOverwrites, ow)
			}
		}
	}

	sortOverwritesByRolePosition(roleOverwrites, memberRoles)

	if everyoneOverwrite != nil {
		bits.ApplyDeny(everyoneOverwrite.Deny)
		bits.ApplyAllow(everyoneOverwrite.Allow)
	}

	for _, ow := range roleOverwrites {
		bits.ApplyDeny(ow.Deny)
	}
	for _, ow := range roleOverwrites {
		bits.ApplyAllow(ow.Allow)
	}

	if userOverwrite != nil {
		bits.ApplyDeny(userOverwrite.Deny)
		bits.ApplyAllow(userOverwrite.Allow)
	}
}

func sortOverwritesByRolePosition(overwrites []domain.PermissionOverwrite, memberRoles map[ids.RoleID]domain.Role) {
	position := func(ow domain.PermissionOverwrite) int {
		id := mustParseID(ow.SubjectID)
		if r, ok := memberRoles[ids.RoleID{ID: id}]; ok {
			return r.Position
		}
		return 0
	}
	// insertion sort: overwrite lists are tiny (bounded by a member's role count)
	for i := 1; i < len(overwrites); i++ {
		for j := i; j > 0 && position(overwrites[j]) < position(overwrites[j-1]); j-- {
			overwrites[j], overwrites[j-1] = overwrites[j-1], overwrites[j]
		}
	}
}

func mustParseID(s string) ids.ID {
	id, err := ids.Parse(s)
	if err != nil {
		return ids.ID{}
	}
	return id
}

