// Package dispatch is the single funnel every mutation path uses to reach
// subscribers: it applies the event to the cache, recomputes any member-list
// projections it touches, and publishes it on the shared bus, in that order,
// so no subscriber ever observes an event before the state it describes is
// already visible through the cache.
package dispatch

import (
	"context"

	"github.com/synccore/synccore/internal/cache"
	"github.com/synccore/synccore/internal/domain"
	"github.com/synccore/synccore/internal/ids"
	"github.com/synccore/synccore/internal/memberlist"
	"github.com/synccore/synccore/internal/v1/bus"
)

// Dispatcher wraps a bus.Registry with the three publish operations the rest
// of the core calls into: broadcast, broadcast_room, broadcast_thread. All
// three ultimately publish through the same Registry; the room/thread
// variants additionally attach a scope the sync engine can pre-filter on
// before it spends a permission check.
type Dispatcher struct {
	registry   *bus.Registry
	cache      *cache.Cache
	memberList *memberlist.Manager
}

// New builds a Dispatcher. memberList may be nil if member-list projections
// aren't wired up (e.g. in tests that only care about raw fan-out).
func New(registry *bus.Registry, c *cache.Cache, memberList *memberlist.Manager) *Dispatcher {
	return &Dispatcher{registry: registry, cache: c, memberList: memberList}
}

func globalScope() bus.Scope                  { return bus.Scope{Kind: "global"} }
func roomScope(id ids.RoomID) bus.Scope       { return bus.Scope{Kind: "room", ID: id.String()} }
func channelScope(id ids.ChannelID) bus.Scope { return bus.Scope{Kind: "channel", ID: id.String()} }
func threadScope(id ids.ThreadID) bus.Scope   { return bus.Scope{Kind: "thread", ID: id.String()} }
func userScope(id ids.UserID) bus.Scope       { return bus.Scope{Kind: "user", ID: id.String()} }

// Broadcast publishes an event with no room affinity: presence, session, and
// profile events any connected session may need regardless of which rooms
// it belongs to.
func (d *Dispatcher) Broadcast(ctx context.Context, event domain.SyncEvent) domain.SyncEvent {
	d.invalidate(ctx, event)
	d.fanMemberListUpdates(ctx, event)
	scope := globalScope()
	if event.UserID != nil {
		scope = userScope(*event.UserID)
	}
	return d.publish(ctx, scope, event)
}

// BroadcastRoom publishes event under roomID's scope, after applying it to
// the cache and recomputing any member-list deltas it produces.
func (d *Dispatcher) BroadcastRoom(ctx context.Context, roomID ids.RoomID, event domain.SyncEvent) domain.SyncEvent {
	d.invalidate(ctx, event)
	d.fanMemberListUpdates(ctx, event)
	return d.publish(ctx, roomScope(roomID), event)
}

// BroadcastThread publishes event under threadID's own scope only; room-scope
// subscribers do not receive it unless the caller also calls BroadcastRoom.
func (d *Dispatcher) BroadcastThread(ctx context.Context, threadID ids.ThreadID, event domain.SyncEvent) domain.SyncEvent {
	d.invalidate(ctx, event)
	d.fanMemberListUpdates(ctx, event)
	return d.publish(ctx, threadScope(threadID), event)
}

// PublishUser satisfies presence.Publisher: presence transitions have no
// request context to thread through, so they publish on a background one.
func (d *Dispatcher) PublishUser(event domain.SyncEvent) {
	d.Broadcast(context.Background(), event)
}

func (d *Dispatcher) publish(ctx context.Context, scope bus.Scope, event domain.SyncEvent) domain.SyncEvent {
	evt := d.registry.Publish(ctx, scope, string(event.Type), event)
	event.Seq = evt.Seq
	return event
}

// invalidate applies the event to the cache. cache.Apply is a no-op for
// events with no RoomID, so this is safe to call unconditionally.
func (d *Dispatcher) invalidate(ctx context.Context, event domain.SyncEvent) {
	if d.cache == nil {
		return
	}
	d.cache.Apply(ctx, event)
}

// fanMemberListUpdates recomputes every member-list projection the event
// could affect and republishes each as its own MemberListUpdate event,
// scoped to the same key the projection is keyed on, so anything consuming
// the bus downstream (a future per-connection syncer) gets the delta
// without having to recompute it itself.
func (d *Dispatcher) fanMemberListUpdates(ctx context.Context, event domain.SyncEvent) {
	if d.memberList == nil {
		return
	}
	for _, update := range d.memberList.HandleEvent(event) {
		scope := scopeForKey(update.Key)
		d.registry.Publish(ctx, scope, string(domain.EventMemberListUpdate), memberListDelta{
			Key: update.Key,
			Ops: update.Ops,
		})
	}
}

// memberListDelta is the payload carried by a republished MemberListUpdate
// event: the scope it applies to plus the ordered ops to apply.
type memberListDelta struct {
	Key memberlist.Key
	Ops []memberlist.Op
}

func scopeForKey(key memberlist.Key) bus.Scope {
	switch key.Kind {
	case domain.ScopeRoom:
		return roomScope(key.RoomID)
	case domain.ScopeChannel:
		return channelScope(key.ChannelID)
	case domain.ScopeThread:
		return threadScope(key.ThreadID)
	default:
		return globalScope()
	}
}
