package domain

import (
	"time"

	"github.com/synccore/synccore/internal/ids"
)

// MessageType distinguishes a regular user message from the system messages
// the thread orchestrator synthesizes (e.g. a rename notice).
type MessageType string

const (
	MessageDefault     MessageType = "default"
	MessageThreadRename MessageType = "thread_rename"
)

// ThreadRename is the payload for a MessageThreadRename system message.
type ThreadRename struct {
	NameOld string `json:"name_old"`
	NameNew string `json:"name_new"`
}

// Message is a single post within a thread. Body storage/formatting is out
// of scope for the sync core; this carries just enough to route and render
// a system notice, not a full content model.
type Message struct {
	ID        ids.MessageID
	ThreadID  ids.ThreadID
	AuthorID  ids.UserID
	Type      MessageType
	Content   string
	System    any // typed payload for non-default message types, e.g. ThreadRename
	CreatedAt time.Time
	EditedAt  *time.Time
}
