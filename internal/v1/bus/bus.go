// Package bus implements the room/thread event fan-out described by the sync
// engine: a bounded, sequence-numbered broadcast per scope with a cross-pod
// relay layered on top via Redis Pub/Sub (see redis.go).
package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/synccore/synccore/internal/v1/metrics"
)

// Scope identifies a fan-out domain: a room, a single thread, or a direct
// per-user channel. Subscribers attach to exactly one scope at a time but a
// connection typically holds many subscriptions (one per room it can see).
type Scope struct {
	Kind string // "room", "thread", "user"
	ID   string
}

// Event is one unit of fan-out: an application-level payload plus the
// monotonically increasing sequence number assigned by the scope's Topic.
type Event struct {
	Scope   Scope
	Seq     uint64
	Type    string
	Payload any
}

// defaultSubscriberBuffer bounds how many events a slow subscriber can queue
// before it is kicked and told to resume from its last acked sequence.
const defaultSubscriberBuffer = 256

// Subscription is a single consumer's view of a Topic.
type Subscription struct {
	C      <-chan Event
	cancel func()
}

// Close detaches the subscription from its topic.
func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

type subscriber struct {
	ch     chan Event
	closed atomic.Bool
}

// Topic is one scope's ordered event stream. Publish assigns the next
// sequence number and fans out to every live subscriber without blocking the
// publisher: a subscriber that can't keep up is dropped and must resume.
type Topic struct {
	mu          sync.RWMutex
	seq         uint64
	subscribers map[*subscriber]struct{}
	bufferSize  int
}

// NewTopic creates an empty Topic. bufferSize <= 0 uses the default.
func NewTopic(bufferSize int) *Topic {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	return &Topic{
		subscribers: make(map[*subscriber]struct{}),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a new subscriber and returns a handle to its channel.
// The channel is closed when the subscription falls too far behind (lag) or
// Close is called; the caller must treat a closed channel as "must resume".
func (t *Topic) Subscribe(ctx context.Context) *Subscription {
	sub := &subscriber{ch: make(chan Event, t.bufferSize)}

	t.mu.Lock()
	t.subscribers[sub] = struct{}{}
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, ok := t.subscribers[sub]; ok {
			delete(t.subscribers, sub)
			if sub.closed.CompareAndSwap(false, true) {
				close(sub.ch)
			}
		}
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return &Subscription{C: sub.ch, cancel: cancel}
}

// Publish assigns the next sequence number to the event and fans it out.
// Subscribers whose buffer is full are dropped (lagged) rather than blocking
// the publisher, per the sync engine's backpressure design.
func (t *Topic) Publish(scope Scope, eventType string, payload any) Event {
	seq := atomic.AddUint64(&t.seq, 1)
	evt := Event{Scope: scope, Seq: seq, Type: eventType, Payload: payload}

	t.mu.RLock()
	defer t.mu.RUnlock()

	for sub := range t.subscribers {
		select {
		case sub.ch <- evt:
			metrics.SyncEventsTotal.WithLabelValues(eventType, "delivered").Inc()
		default:
			metrics.SyncEventsTotal.WithLabelValues(eventType, "lagged").Inc()
			if sub.closed.CompareAndSwap(false, true) {
				close(sub.ch)
				delete(t.subscribers, sub)
			}
		}
	}
	return evt
}

// Head returns the most recently assigned sequence number for this topic.
func (t *Topic) Head() uint64 {
	return atomic.LoadUint64(&t.seq)
}

// SubscriberCount reports how many live subscribers the topic currently has.
func (t *Topic) SubscriberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscribers)
}

// Registry owns one Topic per Scope, created lazily and kept alive as long
// as at least one subscriber references it.
type Registry struct {
	mu     sync.Mutex
	topics map[Scope]*Topic

	// relay, when set, mirrors every Publish onto the cross-pod bus so other
	// server processes subscribed to the same scope observe the event too.
	relay *RedisRelay
}

// NewRegistry creates an empty Registry. relay may be nil for single-process
// deployments.
func NewRegistry(relay *RedisRelay) *Registry {
	return &Registry{
		topics: make(map[Scope]*Topic),
		relay:  relay,
	}
}

// Topic returns (creating if necessary) the Topic for scope.
func (r *Registry) Topic(scope Scope) *Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.topics[scope]
	if !ok {
		t = NewTopic(defaultSubscriberBuffer)
		r.topics[scope] = t
		if r.relay != nil {
			r.relay.Attach(scope, t)
		}
	}
	return t
}

// Publish publishes to a scope's topic, creating it if necessary, and relays
// the event to other pods if a RedisRelay is configured.
func (r *Registry) Publish(ctx context.Context, scope Scope, eventType string, payload any) Event {
	topic := r.Topic(scope)
	evt := topic.Publish(scope, eventType, payload)
	if r.relay != nil {
		r.relay.Publish(ctx, evt)
	}
	return evt
}

// Evict drops a scope's topic once it has no subscribers and isn't needed
// locally anymore, so idle rooms don't leak memory.
func (r *Registry) Evict(scope Scope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.topics[scope]; ok && t.SubscriberCount() == 0 {
		delete(r.topics, scope)
	}
}
