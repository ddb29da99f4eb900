package thread

import (
	"sync"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/synccore/synccore/internal/clock"
	"github.com/synccore/synccore/internal/ids"
)

// typingTTL mirrors ServiceThreads.typing's 10-second moka time_to_live.
const typingTTL = 10 * time.Second

// typingKey identifies one user's typing indicator within one thread.
type typingKey struct {
	ThreadID ids.ThreadID
	UserID   ids.UserID
}

// TypingEntry is one active typing indicator and when it expires.
type TypingEntry struct {
	ThreadID ids.ThreadID
	UserID   ids.UserID
	Until    time.Time
}

// Typing tracks "is typing" indicators with a fixed TTL per entry: a client
// re-sends the indicator periodically while composing, and an entry with no
// refresh within typingTTL simply ages out of the underlying LRU.
type Typing struct {
	mu    sync.Mutex
	lru   *expirable.LRU[typingKey, time.Time]
	clock clock.Clock
}

// NewTyping builds a Typing tracker. clk may be nil to use the real clock.
func NewTyping(clk clock.Clock) *Typing {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Typing{
		lru:   expirable.NewLRU[typingKey, time.Time](100_000, nil, typingTTL),
		clock: clk,
	}
}

// Set records that userID is typing in threadID, resetting its TTL.
func (t *Typing) Set(threadID ids.ThreadID, userID ids.UserID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lru.Add(typingKey{ThreadID: threadID, UserID: userID}, t.clock.Now().Add(typingTTL))
}

// List returns every indicator the LRU hasn't expired yet, thread.rs's
// typing_list(). The LRU's own TTL already evicts lazily on access; this
// additionally filters anything that expired since its last touch but
// hasn't been evicted yet.
func (t *Typing) List() []TypingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	keys := t.lru.Keys()
	out := make([]TypingEntry, 0, len(keys))
	for _, k := range keys {
		until, ok := t.lru.Peek(k)
		if !ok || until.Before(now) {
			continue
		}
		out = append(out, TypingEntry{ThreadID: k.ThreadID, UserID: k.UserID, Until: until})
	}
	return out
}
