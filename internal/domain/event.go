package domain

import "github.com/synccore/synccore/internal/ids"

// EventType tags a SyncEvent's payload kind. The bus and sync engine route
// and filter purely on this plus the routing hints below — never on the
// untyped Data payload.
type EventType string

const (
	EventUpsertRoom          EventType = "upsert_room"
	EventUpsertChannel       EventType = "upsert_channel"
	EventUpsertThread        EventType = "upsert_thread"
	EventUpsertMessage       EventType = "upsert_message"
	EventDeleteMessage       EventType = "delete_message"
	EventDeleteMessageVer    EventType = "delete_message_version"
	EventUpsertMember        EventType = "upsert_member"
	EventUpsertUser          EventType = "upsert_user"
	EventRoleUpdate          EventType = "role_update"
	EventRoleDelete          EventType = "role_delete"
	EventRoleReorder         EventType = "role_reorder"
	EventUpsertSession       EventType = "upsert_session"
	EventDeleteSession       EventType = "delete_session"
	EventPresenceUpdate      EventType = "presence_update"
	EventVoiceState          EventType = "voice_state"
	EventTyping              EventType = "typing"
	EventMemberListUpdate    EventType = "member_list_update"
	EventPing                EventType = "ping"
	EventReady               EventType = "ready"
	EventReconnect           EventType = "reconnect"
	EventError               EventType = "error"
)

// SyncEvent is the tagged union of state-change messages that flow over the
// bus. RoomID/ChannelID/ThreadID/UserID are routing hints: enough
// information to decide visibility without touching storage. Data carries
// the type-specific payload serialized to the client as-is.
type SyncEvent struct {
	Type      EventType
	Seq       uint64
	RoomID    *ids.RoomID
	ChannelID *ids.ChannelID
	ThreadID  *ids.ThreadID
	UserID    *ids.UserID
	SessionID *ids.SessionID
	Data      any
}

func roomPtr(id ids.RoomID) *ids.RoomID       { return &id }
func channelPtr(id ids.ChannelID) *ids.ChannelID { return &id }
func threadPtr(id ids.ThreadID) *ids.ThreadID { return &id }
func userPtr(id ids.UserID) *ids.UserID       { return &id }

// RoomEvent builds a SyncEvent routed by room id.
func RoomEvent(t EventType, roomID ids.RoomID, data any) SyncEvent {
	return SyncEvent{Type: t, RoomID: roomPtr(roomID), Data: data}
}

// ChannelEvent builds a SyncEvent routed by room+channel id.
func ChannelEvent(t EventType, roomID ids.RoomID, channelID ids.ChannelID, data any) SyncEvent {
	return SyncEvent{Type: t, RoomID: roomPtr(roomID), ChannelID: channelPtr(channelID), Data: data}
}

// ThreadEvent builds a SyncEvent routed by room+channel+thread id.
func ThreadEvent(t EventType, roomID ids.RoomID, channelID ids.ChannelID, threadID ids.ThreadID, data any) SyncEvent {
	return SyncEvent{
		Type: t, RoomID: roomPtr(roomID), ChannelID: channelPtr(channelID),
		ThreadID: threadPtr(threadID), Data: data,
	}
}

// UserEvent builds a SyncEvent routed by user id (presence, typing, profile).
func UserEvent(t EventType, userID ids.UserID, data any) SyncEvent {
	return SyncEvent{Type: t, UserID: userPtr(userID), Data: data}
}

// SessionEvent builds a SyncEvent routed to a single session (Ready, Error,
// session upsert/delete).
func SessionEvent(t EventType, sessionID ids.SessionID, data any) SyncEvent {
	return SyncEvent{Type: t, SessionID: &sessionID, Data: data}
}
