// Package syncengine implements the per-connection sync actor: handshake and
// resume, heartbeat, event-class visibility filtering, backpressure, and
// cancellation. One Engine is shared process-wide; Serve runs one
// connection's full Init -> AwaitHello -> Active -> AwaitPong -> Closed
// lifecycle and returns when the transport closes.
package syncengine

import (
	"context"
	"time"

	"github.com/synccore/synccore/internal/cache"
	"github.com/synccore/synccore/internal/clock"
	"github.com/synccore/synccore/internal/domain"
	"github.com/synccore/synccore/internal/ids"
	"github.com/synccore/synccore/internal/presence"
	"github.com/synccore/synccore/internal/session"
	"github.com/synccore/synccore/internal/store"
	"github.com/synccore/synccore/internal/v1/bus"
	"github.com/synccore/synccore/internal/v1/logging"
	"github.com/synccore/synccore/internal/v1/metrics"
)

// State is one position in the connection's lifecycle state machine.
type State int

const (
	StateAwaitHello State = iota
	StateActive
	StateAwaitPong
	StateClosed
)

var (
	// HeartbeatInterval is how long the server waits for inactivity before
	// sending a Ping. Overridable at process startup from config's
	// HEARTBEAT_INTERVAL before any connection is served.
	HeartbeatInterval = 30 * time.Second
	// PongTimeout is how long the server waits for a Pong after a Ping
	// before closing the transport outright. Overridable from CLOSE_TIMEOUT.
	PongTimeout = 10 * time.Second
)

// OutboxSize is the bounded per-session outbound queue depth; a full queue
// transitions the session to Closed with Reconnect{can_resume:false}. Fixed
// at the value spec.md names, not environment-tunable.
const OutboxSize = 100

// Transport is the minimal duplex frame transport a Conn drives, the JSON
// analogue of the teacher's wsConnection interface (ReadMessage/WriteMessage
// /Close/SetWriteDeadline) generalized from binary protobuf frames to text
// JSON frames.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

const writeWait = 10 * time.Second

// limiter is the narrow rate-limiting surface handleHello needs; satisfied
// by *ratelimit.RateLimiter in production and left nil in tests that don't
// care about throttling.
type limiter interface {
	CheckHello(ctx context.Context, principalID string) error
}

// Engine holds the process-wide dependencies every connection's Conn needs:
// session lookup, the permission-backing cache, the event bus, presence, and
// the resumable-connection registry. Construct one per process and call
// Serve once per accepted transport.
type Engine struct {
	sessions *session.Store
	cache    *cache.Cache
	registry *bus.Registry
	presence *presence.Tracker
	store    store.DataStore
	clock    clock.Clock
	resumes  *resumeRegistry
	limiter  limiter
}

// New builds an Engine. clk may be nil to use the real clock.
func New(sessions *session.Store, c *cache.Cache, reg *bus.Registry, pres *presence.Tracker, st store.DataStore, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Engine{
		sessions: sessions,
		cache:    c,
		registry: reg,
		presence: pres,
		store:    st,
		clock:    clk,
		resumes:  newResumeRegistry(clk),
	}
}

// WithRateLimiter attaches the per-principal Hello rate limit. Optional:
// an Engine with no limiter never throttles Hello.
func (e *Engine) WithRateLimiter(rl limiter) *Engine {
	e.limiter = rl
	return e
}

// Serve runs one connection's full lifecycle against t, blocking until the
// transport closes, the heartbeat dies, or ctx is cancelled.
func (e *Engine) Serve(ctx context.Context, t Transport) {
	c := &conn{engine: e, transport: t}
	c.run(ctx)
}

// conn is one active connection's mutable state, private to a single Serve
// call; nothing here is safe to share across goroutines except via the
// channels wired up in run.
type conn struct {
	engine    *Engine
	transport Transport

	state     State
	connID    ids.ConnID
	sess      domain.Session
	principal domain.Principal
	outSeq    uint64
	subs      []*bus.Subscription
	resumable *suspended
	counted   bool // true once metrics.IncConnection has been called, so cleanup knows to Dec
}

func (c *conn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.state = StateAwaitHello

	inbox := make(chan inboundFrame)
	readErr := make(chan error, 1)
	go c.readLoop(inbox, readErr)

	events := make(chan bus.Event, OutboxSize)
	outbox := make(chan outboundFrame, OutboxSize)
	writeErr := make(chan error, 1)
	go c.writeLoop(outbox, writeErr)

	defer func() {
		close(outbox)
		for _, s := range c.subs {
			s.Close()
		}
		if c.resumable != nil {
			c.engine.resumes.Release(c.connID)
		}
		c.transport.Close()
		if c.counted {
			metrics.DecConnection()
		}
	}()

	hb := c.engine.clock.NewTimer(HeartbeatInterval)
	defer hb.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-readErr:
			if err != nil {
				logging.Info(ctx, "syncengine: transport read ended")
			}
			return

		case err := <-writeErr:
			if err != nil {
				logging.Info(ctx, "syncengine: transport write failed")
			}
			return

		case frame := <-inbox:
			if !c.handleInbound(ctx, frame, outbox, events, hb) {
				return
			}

		case evt := <-events:
			if c.state != StateActive && c.state != StateAwaitPong {
				continue
			}
			if !c.deliver(evt, outbox) {
				return
			}

		case <-hb.C():
			if !c.handleHeartbeat(outbox, hb) {
				return
			}
		}
	}
}

func (c *conn) readLoop(inbox chan<- inboundFrame, errc chan<- error) {
	for {
		raw, err := c.transport.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		frame, err := decodeInbound(raw)
		if err != nil {
			continue // malformed frame: ignore rather than tear down the transport
		}
		inbox <- frame
	}
}

func (c *conn) writeLoop(outbox <-chan outboundFrame, errc chan<- error) {
	for f := range outbox {
		data, err := encodeOutbound(f)
		if err != nil {
			continue
		}
		c.transport.SetWriteDeadline(c.engine.clock.Now().Add(writeWait))
		if err := c.transport.WriteMessage(data); err != nil {
			errc <- err
			return
		}
	}
}

// handleInbound processes one client frame, returning false if the
// connection should close.
func (c *conn) handleInbound(ctx context.Context, frame inboundFrame, outbox chan<- outboundFrame, events chan bus.Event, hb clock.Timer) bool {
	switch frame.Type {
	case frameHello:
		return c.handleHello(ctx, frame, outbox, events, hb)
	case framePong:
		if c.state == StateAwaitPong {
			c.state = StateActive
		}
		hb.Reset(HeartbeatInterval)
		return true
	default:
		return true
	}
}

func (c *conn) handleHello(ctx context.Context, frame inboundFrame, outbox chan<- outboundFrame, events chan bus.Event, hb clock.Timer) bool {
	if c.state != StateAwaitHello {
		return true // Hello mid-stream is a no-op, not an error
	}

	sess, err := c.engine.sessions.Lookup(ctx, frame.Token)
	if err != nil {
		outbox <- outboundFrame{Type: frameError, Data: errorPayload{Kind: "missing_auth", Message: "invalid token"}}
		return false
	}
	if c.engine.limiter != nil {
		if err := c.engine.limiter.CheckHello(ctx, sess.Principal.UserID.String()); err != nil {
			outbox <- outboundFrame{Type: frameError, Data: errorPayload{Kind: "rate_limited", Message: "too many hellos"}}
			return false
		}
	}
	c.sess = sess
	c.principal = sess.Principal

	if frame.Resume != nil {
		return c.resumeOrReject(*frame.Resume, outbox, events, hb)
	}

	c.connID = ids.NewConnID()
	c.resumable = newSuspended(c.connID, sess)
	c.engine.resumes.Attach(c.resumable)

	if err := c.subscribe(ctx, events); err != nil {
		outbox <- outboundFrame{Type: frameError, Data: errorPayload{Kind: "internal", Message: "failed to join rooms"}}
		return false
	}

	outbox <- outboundFrame{Type: frameReady, Data: readyPayload{UserID: c.principal.UserID, SessionID: sess.ID, Conn: c.connID}}
	c.state = StateActive
	hb.Reset(HeartbeatInterval)
	metrics.IncConnection()
	c.counted = true
	if c.principal.IsUser() && c.engine.presence != nil {
		c.engine.presence.Ping(c.principal.UserID)
	}
	return true
}

func (c *conn) resumeOrReject(token resumeToken, outbox chan<- outboundFrame, events chan bus.Event, hb clock.Timer) bool {
	prior, ok := c.engine.resumes.Lookup(token.Conn)
	valid := ok && prior.sessionID == c.sess.ID
	var replay []bufferedEvent
	if valid {
		replay, valid = prior.replayAfter(token.Seq)
	}
	if !valid {
		outbox <- outboundFrame{Type: frameReconnect, Data: reconnectPayload{CanResume: false}}
		return false
	}

	c.connID = token.Conn
	c.resumable = prior
	c.engine.resumes.Attach(prior)
	if err := c.subscribe(context.Background(), events); err != nil {
		outbox <- outboundFrame{Type: frameReconnect, Data: reconnectPayload{CanResume: false}}
		return false
	}

	c.outSeq = token.Seq
	for _, e := range replay {
		seq := e.Seq
		outbox <- outboundFrame{Type: e.Type, Seq: &seq, Data: e.Data}
		c.outSeq = seq
	}
	c.state = StateActive
	hb.Reset(HeartbeatInterval)
	metrics.IncConnection()
	c.counted = true
	return true
}

// subscribe joins the bus scopes this principal's sessions needs: one per
// room it's a member of, plus its own user scope for presence/profile/typing
// events that carry no room affinity.
func (c *conn) subscribe(ctx context.Context, events chan bus.Event) error {
	if !c.principal.IsUser() {
		return nil
	}
	roomIDs, err := c.engine.store.RoomIDsForUser(ctx, c.principal.UserID)
	if err != nil {
		return err
	}
	scopes := make([]bus.Scope, 0, len(roomIDs)+1)
	for _, roomID := range roomIDs {
		scopes = append(scopes, bus.Scope{Kind: "room", ID: roomID.String()})
	}
	scopes = append(scopes, bus.Scope{Kind: "user", ID: c.principal.UserID.String()})

	for _, scope := range scopes {
		sub := c.engine.registry.Topic(scope).Subscribe(ctx)
		c.subs = append(c.subs, sub)
		go forward(sub, events)
	}
	return nil
}

// forward copies one subscription's events into the connection's fan-in
// channel until the subscription is closed (normal Close, or a lag-induced
// server-side close). Many of these run concurrently, one per joined scope,
// feeding a single channel the run loop multiplexes over.
func forward(sub *bus.Subscription, events chan<- bus.Event) {
	for evt := range sub.C {
		events <- evt
	}
}

// deliver applies the visibility filter and forwards evt to the client,
// returning false if the outbound queue is full — the caller must then tear
// the connection down (backpressure overflow closes the session).
func (c *conn) deliver(evt bus.Event, outbox chan<- outboundFrame) bool {
	syncEvt, ok := evt.Payload.(domain.SyncEvent)
	if !ok {
		return true
	}
	if !visible(c.engine.cache, c.principal, c.sess, syncEvt, c.engine.clock.Now()) {
		return true
	}

	seq := c.outSeq + 1
	frame := outboundFrame{Type: frameSync, Seq: &seq, Data: syncEvt}

	select {
	case outbox <- frame:
		c.outSeq = seq
		if c.resumable != nil {
			c.resumable.record(seq, frameSync, syncEvt)
		}
		return true
	default:
		// Backpressure: outbound queue is full. Best-effort notify, then the
		// caller tears the connection down.
		select {
		case outbox <- outboundFrame{Type: frameReconnect, Data: reconnectPayload{CanResume: false}}:
		default:
		}
		return false
	}
}

func (c *conn) handleHeartbeat(outbox chan<- outboundFrame, hb clock.Timer) bool {
	switch c.state {
	case StateActive:
		c.state = StateAwaitPong
		outbox <- outboundFrame{Type: framePing}
		hb.Reset(PongTimeout)
		return true
	case StateAwaitPong:
		// Missed Pong: close without emitting Reconnect, per spec.
		return false
	default:
		return true
	}
}
