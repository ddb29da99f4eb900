package syncengine

import (
	"sync"
	"time"

	"github.com/synccore/synccore/internal/clock"
	"github.com/synccore/synccore/internal/domain"
	"github.com/synccore/synccore/internal/ids"
)

// resumeBufferSize bounds how many already-delivered events a suspended
// connection retains for replay; it mirrors the bus's own per-subscriber
// buffer size since a resume can never usefully reach further back than the
// bus itself would have retained before lagging the subscriber out.
const resumeBufferSize = 256

// resumeGrace is how long a disconnected connection's replay buffer survives
// before eviction, giving a client time to reconnect and resume before its
// tail is gone for good.
const resumeGrace = 60 * time.Second

// bufferedEvent is one delivered-to-client frame kept for possible replay.
type bufferedEvent struct {
	Seq  uint64
	Data any
	Type frameType
}

// suspended is one connection's resumable state, held by the registry while
// its transport is disconnected (or briefly, while still attached, so a
// resume attempt against an in-progress connection id still has something to
// consult).
type suspended struct {
	connID    ids.ConnID
	sessionID ids.SessionID
	userID    ids.UserID
	mu        sync.Mutex
	buf       []bufferedEvent // ring, oldest first after trim
	oldest    uint64          // not maintained; replayAfter reads buf[0].Seq directly
}

func newSuspended(connID ids.ConnID, sess domain.Session) *suspended {
	return &suspended{connID: connID, sessionID: sess.ID, userID: sess.Principal.UserID}
}

func (s *suspended) record(seq uint64, t frameType, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, bufferedEvent{Seq: seq, Data: data, Type: t})
	if len(s.buf) > resumeBufferSize {
		s.buf = s.buf[len(s.buf)-resumeBufferSize:]
	}
}

// replayAfter returns every buffered frame with Seq > after, and whether the
// buffer's retained tail actually covers that point (false means some events
// between after and the oldest retained seq were already dropped, so the
// resume must fail).
func (s *suspended) replayAfter(after uint64) ([]bufferedEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return nil, true // nothing delivered yet on this conn; any after is vacuously satisfiable
	}
	if s.buf[0].Seq > after+1 {
		return nil, false
	}
	var out []bufferedEvent
	for _, e := range s.buf {
		if e.Seq > after {
			out = append(out, e)
		}
	}
	return out, true
}

// resumeRegistry holds suspended connections keyed by conn id across
// disconnects, evicting each resumeGrace seconds after it's released.
type resumeRegistry struct {
	clock clock.Clock

	mu    sync.Mutex
	conns map[ids.ConnID]*suspended
}

func newResumeRegistry(clk clock.Clock) *resumeRegistry {
	return &resumeRegistry{clock: clk, conns: map[ids.ConnID]*suspended{}}
}

// Attach registers a newly (re)activated connection's resumable state,
// cancelling any pending eviction for it.
func (r *resumeRegistry) Attach(s *suspended) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[s.connID] = s
}

// Lookup returns the suspended state for connID without removing it, so the
// caller can validate a resume request before committing to reusing it.
func (r *resumeRegistry) Lookup(connID ids.ConnID) (*suspended, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.conns[connID]
	return s, ok
}

// Release schedules connID's suspended state for eviction after resumeGrace,
// called when a connection's transport drops. A resume that arrives before
// the grace period elapses still finds it via Lookup/Attach.
func (r *resumeRegistry) Release(connID ids.ConnID) {
	go func() {
		<-r.clock.After(resumeGrace)
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.conns, connID)
	}()
}
