// Package presence tracks each user's online/away/busy/offline status with
// expiration timers: ping() refreshes a short TTL tied to the sync
// heartbeat cadence, manual overrides get a longer TTL, and a fired timer
// publishes PresenceUpdate{offline} unless the user already looked offline.
package presence

import (
	"sync"
	"time"

	"github.com/synccore/synccore/internal/clock"
	"github.com/synccore/synccore/internal/domain"
	"github.com/synccore/synccore/internal/ids"
	"github.com/synccore/synccore/internal/v1/metrics"
)

// Status is a user's presence state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// PingExpire is how long a ping-kept presence stays non-offline without a
// fresh ping, tied to the sync engine's 30s heartbeat cadence.
const PingExpire = 40 * time.Second

// ManualExpire is how long a manual status override (away/busy) lasts
// without being refreshed.
const ManualExpire = 5 * time.Minute

// Publisher is the narrow bus surface presence needs: publishing a
// PresenceUpdate event for a user.
type Publisher interface {
	PublishUser(event domain.SyncEvent)
}

type entry struct {
	status     Status
	generation uint64 // bumped on every set(); a pending expiry checks its own generation before firing
}

// Tracker holds user_id -> {status, generation}. Each set() call spawns a
// fresh goroutine that waits out the TTL on the clock and then expires the
// entry, but only if no later set() call has bumped the generation in the
// meantime — the idiomatic generation-counter debounce, which (unlike
// resetting a shared timer) works uniformly with both the real clock and a
// manually-advanced fake one.
type Tracker struct {
	clock     clock.Clock
	publisher Publisher

	mu      sync.Mutex
	entries map[ids.UserID]*entry
}

// New constructs a Tracker. publisher may be nil in tests that don't care
// about emitted events.
func New(c clock.Clock, publisher Publisher) *Tracker {
	if c == nil {
		c = clock.Real{}
	}
	return &Tracker{clock: c, publisher: publisher, entries: map[ids.UserID]*entry{}}
}

// SetPublisher attaches (or replaces) the Tracker's event publisher after
// construction. This exists for the production wiring order: the dispatcher
// that ends up implementing Publisher itself depends on a member-list
// manager that depends on this Tracker, so the Tracker must be constructible
// before its publisher exists.
func (t *Tracker) SetPublisher(p Publisher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publisher = p
}

// Ping refreshes userID's presence to Online with PingExpire, publishing a
// PresenceUpdate only if the status changed from its previous value.
func (t *Tracker) Ping(userID ids.UserID) {
	t.set(userID, StatusOnline, PingExpire)
}

// SetManual applies a manual status override (away/busy/offline) with
// ManualExpire.
func (t *Tracker) SetManual(userID ids.UserID, status Status) {
	t.set(userID, status, ManualExpire)
}

func (t *Tracker) set(userID ids.UserID, status Status, ttl time.Duration) {
	t.mu.Lock()
	e, ok := t.entries[userID]
	if !ok {
		e = &entry{}
		t.entries[userID] = e
	}
	changed := !ok || e.status != status
	e.status = status
	e.generation++
	gen := e.generation
	t.mu.Unlock()

	if changed {
		t.publish(userID, status)
		metrics.PresenceOnlineUsers.Set(float64(t.onlineCount()))
	}

	expireAt := t.clock.After(ttl)
	go func() {
		<-expireAt
		t.expire(userID, gen)
	}()
}

// expire transitions userID to Offline, unless a later set() call has
// already bumped the generation (meaning this expiry is stale).
func (t *Tracker) expire(userID ids.UserID, gen uint64) {
	t.mu.Lock()
	e, ok := t.entries[userID]
	if !ok || e.generation != gen {
		t.mu.Unlock()
		return
	}
	wasOffline := e.status == StatusOffline
	e.status = StatusOffline
	t.mu.Unlock()

	if !wasOffline {
		t.publish(userID, StatusOffline)
		metrics.PresenceOnlineUsers.Set(float64(t.onlineCount()))
	}
}

func (t *Tracker) publish(userID ids.UserID, status Status) {
	t.mu.Lock()
	p := t.publisher
	t.mu.Unlock()
	if p == nil {
		return
	}
	p.PublishUser(domain.UserEvent(domain.EventPresenceUpdate, userID, PresenceUpdate{
		UserID: userID,
		Status: string(status),
	}))
}

// Get returns userID's current status, defaulting to Offline if untracked.
func (t *Tracker) Get(userID ids.UserID) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[userID]
	if !ok {
		return StatusOffline
	}
	return e.status
}

func (t *Tracker) onlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.status != StatusOffline {
			n++
		}
	}
	return n
}

// PresenceUpdate is the SyncEvent payload for EventPresenceUpdate.
type PresenceUpdate struct {
	UserID ids.UserID `json:"user_id"`
	Status string     `json:"status"`
}
