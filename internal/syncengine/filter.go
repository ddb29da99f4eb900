package syncengine

import (
	"time"

	"github.com/synccore/synccore/internal/cache"
	"github.com/synccore/synccore/internal/domain"
	"github.com/synccore/synccore/internal/ids"
	"github.com/synccore/synccore/internal/permission"
)

// visible applies the event-class visibility table: given the session's
// principal, decide whether evt should reach this connection. A permission
// evaluation error (room/channel/thread no longer resolves) is treated as
// invisible, never surfaced to the caller, per the silent-drop propagation
// policy.
func visible(c *cache.Cache, principal domain.Principal, sess domain.Session, evt domain.SyncEvent, now time.Time) bool {
	switch evt.Type {
	case domain.EventUpsertRoom, domain.EventUpsertMember,
		domain.EventRoleUpdate, domain.EventRoleDelete, domain.EventRoleReorder:
		if evt.RoomID == nil {
			return false
		}
		return hasView(c, principal, domain.RoomScope(*evt.RoomID), now)

	case domain.EventUpsertChannel:
		if evt.RoomID == nil || evt.ChannelID == nil {
			return false
		}
		return hasView(c, principal, domain.ChannelScope(*evt.RoomID, *evt.ChannelID), now)

	case domain.EventUpsertThread, domain.EventUpsertMessage,
		domain.EventDeleteMessage, domain.EventDeleteMessageVer, domain.EventVoiceState:
		if evt.RoomID == nil || evt.ChannelID == nil || evt.ThreadID == nil {
			return false
		}
		return hasView(c, principal, domain.ThreadScope(*evt.RoomID, *evt.ChannelID, *evt.ThreadID), now)

	case domain.EventUpsertUser:
		if evt.UserID == nil {
			return false
		}
		return principal.IsUser() && (*evt.UserID == principal.UserID || sharesAnyRoom(c, principal.UserID, *evt.UserID))

	case domain.EventUpsertSession, domain.EventDeleteSession:
		return evt.SessionID != nil && *evt.SessionID == sess.ID

	case domain.EventPresenceUpdate, domain.EventTyping:
		if evt.ThreadID != nil && evt.RoomID != nil && evt.ChannelID != nil {
			return hasView(c, principal, domain.ThreadScope(*evt.RoomID, *evt.ChannelID, *evt.ThreadID), now)
		}
		return evt.UserID != nil && principal.IsUser() && (*evt.UserID == principal.UserID || sharesAnyRoom(c, principal.UserID, *evt.UserID))

	default:
		// Ping/Ready/Error are synthesized directly by the connection and
		// never reach the generic filter. Member-list deltas and any other
		// event class are dropped here; they are not forwarded to clients.
		return false
	}
}

func hasView(c *cache.Cache, principal domain.Principal, scope domain.Scope, now time.Time) bool {
	result, err := permission.Evaluate(c, principal, scope, now)
	if err != nil {
		return false
	}
	return result.Ensure(domain.ViewChannel) == nil
}

// sharesAnyRoom reports whether a and b are both active members of some room
// the cache already has loaded for a (loading further rooms just to check
// visibility would defeat the "must not block on external I/O" constraint on
// the sync engine's hot path).
func sharesAnyRoom(c *cache.Cache, a, b ids.UserID) bool {
	for _, roomID := range c.LoadedRoomIDs() {
		if _, ok := c.Member(roomID, a); !ok {
			continue
		}
		if _, ok := c.Member(roomID, b); ok {
			return true
		}
	}
	return false
}
