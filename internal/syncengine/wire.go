package syncengine

import (
	"encoding/json"

	"github.com/synccore/synccore/internal/ids"
)

// frameType tags the client<->server JSON envelope's payload kind, the Go
// side of spec's MessageEnvelope{payload, seq} tagged union.
type frameType string

const (
	frameHello     frameType = "hello"
	framePong      frameType = "pong"
	framePing      frameType = "ping"
	frameReady     frameType = "ready"
	frameReconnect frameType = "reconnect"
	frameError     frameType = "error"
	frameSync      frameType = "sync"
)

// resumeToken is the client-presented (connection, last-seen-seq) pair a
// Hello carries to resume a prior stream instead of starting fresh.
type resumeToken struct {
	Conn ids.ConnID `json:"conn"`
	Seq  uint64     `json:"seq"`
}

// inboundFrame is the client->server envelope: Hello{token, resume?} or Pong{}.
type inboundFrame struct {
	Type   frameType    `json:"type"`
	Token  string       `json:"token,omitempty"`
	Resume *resumeToken `json:"resume,omitempty"`
}

// outboundFrame is the server->client envelope. Seq is populated on Sync
// frames (live and replayed) only; Ping, Ready, Error and Reconnect frames
// carry no Seq.
type outboundFrame struct {
	Type frameType `json:"type"`
	Seq  *uint64   `json:"seq,omitempty"`
	Data any       `json:"data,omitempty"`
}

func decodeInbound(raw []byte) (inboundFrame, error) {
	var f inboundFrame
	err := json.Unmarshal(raw, &f)
	return f, err
}

func encodeOutbound(f outboundFrame) ([]byte, error) {
	return json.Marshal(f)
}

// readyPayload is the Ready frame's data: enough for the client to know which
// connection id to present on a future resume. The core doesn't own a user
// profile resource (that's an external collaborator per spec's scope
// boundary), so this carries ids only, not a full user object.
type readyPayload struct {
	UserID    ids.UserID    `json:"user_id"`
	SessionID ids.SessionID `json:"session_id"`
	Conn      ids.ConnID    `json:"conn"`
}

// reconnectPayload tells the client whether its next Hello may resume.
type reconnectPayload struct {
	CanResume bool `json:"can_resume"`
}

// errorPayload carries a client-facing apierr taxonomy kind and message.
type errorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
