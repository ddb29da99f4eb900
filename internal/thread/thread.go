// Package thread implements the thread mutation orchestrator: the
// read-modify-write path every thread edit (rename, re-describe, lock,
// archive) goes through. It is the one place permission checks, diff
// detection, cache invalidation, audit logging, and broadcast fan-out are
// wired together in the order the rest of the core depends on.
package thread

import (
	"context"
	"time"

	"github.com/synccore/synccore/internal/apierr"
	"github.com/synccore/synccore/internal/cache"
	"github.com/synccore/synccore/internal/clock"
	"github.com/synccore/synccore/internal/dispatch"
	"github.com/synccore/synccore/internal/domain"
	"github.com/synccore/synccore/internal/ids"
	"github.com/synccore/synccore/internal/permission"
	"github.com/synccore/synccore/internal/store"
	"github.com/synccore/synccore/internal/v1/logging"
)

// Patch is the set of optional field changes a thread update carries. A nil
// field means "leave as-is"; only non-nil fields are compared and applied.
type Patch struct {
	Name        *string
	Description *string
	NSFW        *bool
	Locked      *bool
	Archived    *bool
	Overwrites  *[]domain.PermissionOverwrite
}

// Changes reports whether applying p to old would modify anything, the Go
// equivalent of thread.rs's patch.changes(&thread_old) shortcut.
func (p Patch) Changes(old domain.Channel) bool {
	if p.Name != nil && *p.Name != old.Name {
		return true
	}
	if p.Description != nil && *p.Description != old.Description {
		return true
	}
	if p.NSFW != nil && *p.NSFW != old.NSFW {
		return true
	}
	if p.Locked != nil && *p.Locked != old.Locked {
		return true
	}
	if p.Archived != nil && *p.Archived != (old.ArchivedAt != nil) {
		return true
	}
	if p.Overwrites != nil && !overwritesEqual(*p.Overwrites, old.Overwrites) {
		return true
	}
	return false
}

// overwritesEqual compares two overwrite lists regardless of order, since a
// caller submitting an unsorted list that's semantically identical to the
// stored (sorted) one shouldn't register as a change.
func overwritesEqual(a, b []domain.PermissionOverwrite) bool {
	if len(a) != len(b) {
		return false
	}
	type key struct {
		kind domain.OverwriteSubjectKind
		id   string
	}
	index := func(list []domain.PermissionOverwrite) map[key]domain.PermissionOverwrite {
		m := make(map[key]domain.PermissionOverwrite, len(list))
		for _, ow := range list {
			m[key{ow.SubjectKind, ow.SubjectID}] = ow
		}
		return m
	}
	am, bm := index(a), index(b)
	if len(am) != len(bm) {
		return false
	}
	for k, av := range am {
		bv, ok := bm[k]
		if !ok || av.Allow != bv.Allow || av.Deny != bv.Deny {
			return false
		}
	}
	return true
}

func (p Patch) apply(old domain.Channel, now time.Time) domain.Channel {
	next := old
	if p.Name != nil {
		next.Name = *p.Name
	}
	if p.Description != nil {
		next.Description = *p.Description
	}
	if p.NSFW != nil {
		next.NSFW = *p.NSFW
	}
	if p.Locked != nil {
		next.Locked = *p.Locked
	}
	if p.Archived != nil {
		if *p.Archived {
			if next.ArchivedAt == nil {
				t := now
				next.ArchivedAt = &t
			}
		} else {
			next.ArchivedAt = nil
		}
	}
	return next
}

// Orchestrator owns the update path for threads (channels whose type
// IsThread()). Reads go through the cache; writes go through the store;
// fan-out goes through the dispatcher, which also re-invalidates the cache
// it just wrote through.
type Orchestrator struct {
	cache      *cache.Cache
	store      store.DataStore
	dispatcher *dispatch.Dispatcher
	clock      clock.Clock
}

// New builds an Orchestrator.
func New(c *cache.Cache, s store.DataStore, d *dispatch.Dispatcher, clk clock.Clock) *Orchestrator {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Orchestrator{cache: c, store: s, dispatcher: d, clock: clk}
}

// Update applies patch to threadID on behalf of principal, following the
// permission check -> guard conditions -> diff -> write -> invalidate ->
// audit -> rename notice -> broadcast ordering.
func (o *Orchestrator) Update(ctx context.Context, principal domain.Principal, roomID ids.RoomID, threadID ids.ThreadID, patch Patch, reason *string) (domain.Channel, error) {
	channelID := ids.ChannelID{ID: threadID.ID}
	old, ok := o.cache.Channel(roomID, channelID)
	if !ok || old.ParentID == nil {
		return domain.Channel{}, apierr.NotFound("thread")
	}
	parentID := *old.ParentID

	now := o.clock.Now()
	scope := domain.ThreadScope(roomID, parentID, threadID)
	perms, err := permission.Evaluate(o.cache, principal, scope, now)
	if err != nil {
		return domain.Channel{}, err
	}
	if err := perms.Ensure(domain.ViewChannel); err != nil {
		return domain.Channel{}, err
	}

	if old.ArchivedAt != nil {
		return domain.Channel{}, apierr.New(apierr.KindConflict, "thread is archived")
	}
	if old.DeletedAt != nil {
		return domain.Channel{}, apierr.New(apierr.KindConflict, "thread is removed")
	}
	if old.Locked {
		if err := perms.Ensure(domain.ThreadLock); err != nil {
			return domain.Channel{}, err
		}
	}
	if principal.IsUser() && old.CreatorID != nil && *old.CreatorID == principal.UserID {
		perms.Bits.Add(domain.ThreadEdit)
	}
	if err := perms.Ensure(domain.ThreadEdit); err != nil {
		return domain.Channel{}, err
	}
	if patch.Overwrites != nil {
		if err := perms.Ensure(domain.ChannelManage); err != nil {
			return domain.Channel{}, err
		}
	}

	if !patch.Changes(old) {
		return domain.Channel{}, apierr.New(apierr.KindNotModified, "thread unchanged")
	}

	updated := patch.apply(old, now)
	if patch.Overwrites != nil {
		sorted, err := o.validateAndSortOverwrites(roomID, *patch.Overwrites)
		if err != nil {
			return domain.Channel{}, err
		}
		updated.Overwrites = sorted
	}
	if err := o.store.ChannelPut(ctx, updated); err != nil {
		return domain.Channel{}, apierr.Internal(err)
	}

	fresh, err := o.store.ChannelGet(ctx, roomID, channelID)
	if err != nil {
		fresh = updated
	}

	// Invalidate-then-refetch: BroadcastThread applies fresh to the cache
	// before anything else observes it, per the dispatcher's invalidation
	// contract.
	o.dispatcher.BroadcastThread(ctx, threadID, domain.ThreadEvent(domain.EventUpsertThread, roomID, parentID, threadID, fresh))

	if principal.IsUser() {
		if changes := diffFields(old, fresh); len(changes) > 0 {
			entry := domain.AuditLogEntry{
				RoomID: roomID, UserID: principal.UserID, Reason: reason,
				Type: domain.AuditThreadUpdate, ThreadID: &threadID,
				Changes: changes, CreatedAt: now,
			}
			if err := o.store.AuditLogAppend(ctx, entry); err != nil {
				logging.Info(ctx, "thread: failed to append audit log entry")
			}
		}

		if old.Name != fresh.Name {
			msg, err := o.store.MessageCreate(ctx, domain.Message{
				ThreadID: threadID, AuthorID: principal.UserID, Type: domain.MessageThreadRename,
				System:    domain.ThreadRename{NameOld: old.Name, NameNew: fresh.Name},
				CreatedAt: now,
			})
			if err == nil {
				o.dispatcher.BroadcastThread(ctx, threadID, domain.ThreadEvent(domain.EventUpsertMessage, roomID, parentID, threadID, msg))
			}
		}
	}

	o.dispatcher.BroadcastRoom(ctx, roomID, domain.ThreadEvent(domain.EventUpsertThread, roomID, parentID, threadID, fresh))

	return fresh, nil
}

// validateAndSortOverwrites enforces spec's allow∩deny=∅ invariant on every
// overwrite and returns the list normalized into (subject_kind, position)
// order, per the cache's overwrite-ordering contract.
func (o *Orchestrator) validateAndSortOverwrites(roomID ids.RoomID, overwrites []domain.PermissionOverwrite) ([]domain.PermissionOverwrite, error) {
	for _, ow := range overwrites {
		if ow.Allow.Intersects(ow.Deny) {
			return nil, apierr.New(apierr.KindBadRequest, "overwrite allow and deny sets must not intersect")
		}
	}
	roleList, _ := o.cache.Roles(roomID)
	roles := make(map[ids.RoleID]domain.Role, len(roleList))
	for _, r := range roleList {
		roles[r.ID] = r
	}
	return cache.SortOverwrites(overwrites, roles), nil
}

// diffFields builds the name/description/nsfw change list thread.rs's
// Changes builder records; locked/archived transitions aren't part of the
// audit diff there and aren't here either.
func diffFields(old, next domain.Channel) []domain.FieldChange {
	var out []domain.FieldChange
	if old.Name != next.Name {
		out = append(out, domain.FieldChange{Field: "name", Old: old.Name, New: next.Name})
	}
	if old.Description != next.Description {
		out = append(out, domain.FieldChange{Field: "description", Old: old.Description, New: next.Description})
	}
	if old.NSFW != next.NSFW {
		out = append(out, domain.FieldChange{Field: "nsfw", Old: boolStr(old.NSFW), New: boolStr(next.NSFW)})
	}
	return out
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
