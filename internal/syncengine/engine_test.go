package syncengine

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/synccore/synccore/internal/cache"
	"github.com/synccore/synccore/internal/clock"
	"github.com/synccore/synccore/internal/domain"
	"github.com/synccore/synccore/internal/ids"
	"github.com/synccore/synccore/internal/presence"
	"github.com/synccore/synccore/internal/session"
	"github.com/synccore/synccore/internal/store"
	"github.com/synccore/synccore/internal/v1/bus"
)

// fakeTransport is an in-memory Transport driven directly by a test: send
// pushes a client frame in, recv pulls the next server frame out.
type fakeTransport struct {
	in        chan []byte
	out       chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case b := <-f.in:
		return b, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) WriteMessage(b []byte) error {
	select {
	case f.out <- b:
		return nil
	case <-f.closed:
		return io.ErrClosedPipe
	}
}

func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) send(t *testing.T, frame inboundFrame) {
	t.Helper()
	raw, err := json.Marshal(frame)
	require.NoError(t, err)
	f.in <- raw
}

func (f *fakeTransport) recv(t *testing.T) outboundFrame {
	t.Helper()
	select {
	case raw := <-f.out:
		var frame outboundFrame
		require.NoError(t, json.Unmarshal(raw, &frame))
		return frame
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return outboundFrame{}
	}
}

func (f *fakeTransport) expectNone(t *testing.T) {
	t.Helper()
	select {
	case raw := <-f.out:
		t.Fatalf("expected no frame, got %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

type harness struct {
	t         *testing.T
	s         *store.Memory
	c         *cache.Cache
	reg       *bus.Registry
	sessions  *session.Store
	presence  *presence.Tracker
	clk       *clock.Fake
	engine    *Engine
	userID    ids.UserID
	roomID    ids.RoomID
	sess      domain.Session
	token     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemory()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	c := cache.New(s, 10)
	reg := bus.NewRegistry(nil)
	sessions := session.New(s, clk)
	pres := presence.New(clk, nil)

	userID := ids.NewUserID()
	roomID := ids.NewRoomID()
	require.NoError(t, s.RoomPut(ctx, domain.Room{ID: roomID, Name: "general", Public: true}))
	everyone := ids.NewRoleID()
	require.NoError(t, s.RolePut(ctx, domain.Role{
		ID: everyone, RoomID: roomID, Position: 0,
		Permissions: domain.BitsOf(domain.ViewChannel),
	}))
	require.NoError(t, s.MemberPut(ctx, domain.Member{
		UserID: userID, RoomID: roomID, Membership: domain.MembershipJoin, JoinedAt: clk.Now(),
	}))

	const token = "test-token"
	sess, err := sessions.Create(ctx, session.HashToken(token), nil)
	require.NoError(t, err)
	sess, err = sessions.Authorize(ctx, sess, userID)
	require.NoError(t, err)

	e := New(sessions, c, reg, pres, s, clk)

	return &harness{
		t: t, s: s, c: c, reg: reg, sessions: sessions, presence: pres, clk: clk,
		engine: e, userID: userID, roomID: roomID, sess: sess, token: token,
	}
}

func (h *harness) serve() *fakeTransport {
	tr := newFakeTransport()
	go h.engine.Serve(context.Background(), tr)
	return tr
}

func TestHandshakeFreshHelloEmitsReady(t *testing.T) {
	h := newHarness(t)
	tr := h.serve()

	tr.send(t, inboundFrame{Type: frameHello, Token: h.token})

	frame := tr.recv(t)
	require.Equal(t, frameReady, frame.Type)
	require.Nil(t, frame.Seq)
}

func TestHandshakeInvalidTokenErrorsAndCloses(t *testing.T) {
	h := newHarness(t)
	tr := h.serve()

	tr.send(t, inboundFrame{Type: frameHello, Token: "not-a-real-token"})

	frame := tr.recv(t)
	require.Equal(t, frameError, frame.Type)

	select {
	case <-tr.closed:
	case <-time.After(time.Second):
		t.Fatal("expected transport to close after failed handshake")
	}
}

func TestHeartbeatPingPongCycleRepeats(t *testing.T) {
	h := newHarness(t)
	tr := h.serve()
	tr.send(t, inboundFrame{Type: frameHello, Token: h.token})
	tr.recv(t) // Ready

	h.clk.Advance(HeartbeatInterval)
	ping := tr.recv(t)
	require.Equal(t, framePing, ping.Type)

	tr.send(t, inboundFrame{Type: framePong})

	h.clk.Advance(HeartbeatInterval)
	ping2 := tr.recv(t)
	require.Equal(t, framePing, ping2.Type)
}

func TestMissingPongClosesWithoutReconnect(t *testing.T) {
	h := newHarness(t)
	tr := h.serve()
	tr.send(t, inboundFrame{Type: frameHello, Token: h.token})
	tr.recv(t) // Ready

	h.clk.Advance(HeartbeatInterval)
	ping := tr.recv(t)
	require.Equal(t, framePing, ping.Type)

	// No Pong sent. Once PongTimeout elapses the connection closes directly.
	h.clk.Advance(PongTimeout)

	select {
	case <-tr.closed:
	case <-time.After(time.Second):
		t.Fatal("expected transport to close after missed pong")
	}
	tr.expectNone(t) // S6: no Reconnect frame on a missed-pong close
}

func TestRoomEventVisibleToMember(t *testing.T) {
	h := newHarness(t)
	tr := h.serve()
	tr.send(t, inboundFrame{Type: frameHello, Token: h.token})
	ready := tr.recv(t)
	require.Equal(t, frameReady, ready.Type)

	chanID := ids.NewChannelID()
	ctx := context.Background()
	require.NoError(t, h.s.ChannelPut(ctx, domain.Channel{ID: chanID, RoomID: h.roomID, Type: domain.ChannelChat}))

	evt := domain.ChannelEvent(domain.EventUpsertChannel, h.roomID, chanID, map[string]string{"name": "general"})
	h.reg.Publish(ctx, bus.Scope{Kind: "room", ID: h.roomID.String()}, string(domain.EventUpsertChannel), evt)

	frame := tr.recv(t)
	require.Equal(t, frameSync, frame.Type)
	require.NotNil(t, frame.Seq)
	require.EqualValues(t, 1, *frame.Seq)
}

func TestEventInvisibleToNonMemberIsDropped(t *testing.T) {
	h := newHarness(t)
	tr := h.serve()
	tr.send(t, inboundFrame{Type: frameHello, Token: h.token})
	tr.recv(t) // Ready

	otherRoom := ids.NewRoomID()
	ctx := context.Background()
	require.NoError(t, h.s.RoomPut(ctx, domain.Room{ID: otherRoom, Name: "other", Public: false}))

	evt := domain.RoomEvent(domain.EventUpsertRoom, otherRoom, map[string]string{"name": "other"})
	h.reg.Publish(ctx, bus.Scope{Kind: "room", ID: otherRoom.String()}, string(domain.EventUpsertRoom), evt)

	tr.expectNone(t)
}

func TestResumeReplaysEventsAfterProvidedSeq(t *testing.T) {
	h := newHarness(t)
	tr := h.serve()
	tr.send(t, inboundFrame{Type: frameHello, Token: h.token})
	ready := tr.recv(t)
	var readyData readyPayload
	readyBytes, _ := json.Marshal(ready.Data)
	require.NoError(t, json.Unmarshal(readyBytes, &readyData))

	ctx := context.Background()
	chanID := ids.NewChannelID()
	require.NoError(t, h.s.ChannelPut(ctx, domain.Channel{ID: chanID, RoomID: h.roomID, Type: domain.ChannelChat}))

	evt1 := domain.ChannelEvent(domain.EventUpsertChannel, h.roomID, chanID, "first")
	h.reg.Publish(ctx, bus.Scope{Kind: "room", ID: h.roomID.String()}, string(domain.EventUpsertChannel), evt1)
	first := tr.recv(t)
	require.EqualValues(t, 1, *first.Seq)

	evt2 := domain.ChannelEvent(domain.EventUpsertChannel, h.roomID, chanID, "second")
	h.reg.Publish(ctx, bus.Scope{Kind: "room", ID: h.roomID.String()}, string(domain.EventUpsertChannel), evt2)
	second := tr.recv(t)
	require.EqualValues(t, 2, *second.Seq)

	// Drop the transport and reconnect, resuming from seq 1: only the second
	// event should replay.
	tr.Close()
	time.Sleep(20 * time.Millisecond)

	tr2 := h.serve()
	tr2.send(t, inboundFrame{Type: frameHello, Token: h.token, Resume: &resumeToken{Conn: readyData.Conn, Seq: 1}})

	replayed := tr2.recv(t)
	require.Equal(t, frameSync, replayed.Type)
	require.EqualValues(t, 2, *replayed.Seq)
	tr2.expectNone(t) // no Ready on a successful resume
}

func TestResumeWithUnknownConnIDRejectsAndCloses(t *testing.T) {
	h := newHarness(t)
	tr := h.serve()
	tr.send(t, inboundFrame{Type: frameHello, Token: h.token, Resume: &resumeToken{Conn: ids.NewConnID(), Seq: 0}})

	frame := tr.recv(t)
	require.Equal(t, frameReconnect, frame.Type)
	var payload reconnectPayload
	payloadBytes, _ := json.Marshal(frame.Data)
	require.NoError(t, json.Unmarshal(payloadBytes, &payload))
	require.False(t, payload.CanResume)

	select {
	case <-tr.closed:
	case <-time.After(time.Second):
		t.Fatal("expected transport to close after rejected resume")
	}
}
