package chat

import (
	"errors"
	"fmt"
	"time"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// Message is one entry of a transcript. Messages are never edited after
// they are appended.
type Message struct {
	ID        string    `json:"id"`
	Sender    Sender    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a chat thread. SessionID is the backend's conversation id and
// stays nil until a reply carries one.
type Session struct {
	ID        string    `json:"id"`
	SessionID *string   `json:"sessionId,omitempty"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Session) clone() Session {
	c := *s
	c.Messages = make([]Message, len(s.Messages))
	copy(c.Messages, s.Messages)
	if s.SessionID != nil {
		sid := *s.SessionID
		c.SessionID = &sid
	}
	return c
}

// Mode selects which backend operation a send uses.
type Mode string

const (
	ModeRAG  Mode = "rag"
	ModeChat Mode = "chat"
)

// ParseMode converts a stored or user-supplied string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeRAG, ModeChat:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown chat mode %q (want %q or %q)", s, ModeRAG, ModeChat)
}

// State is the per-session exchange state.
type State int

const (
	StateIdle State = iota
	StateAwaitingReply
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingReply:
		return "awaitingReply"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Turn is the outcome of an accepted send. Err is the gateway failure, if
// any; in that case Reply carries the error text already appended to the
// transcript.
type Turn struct {
	SessionID string
	User      Message
	Reply     Message
	Err       error
}

var (
	ErrEmptyMessage    = errors.New("message is empty")
	ErrAwaitingReply   = errors.New("a reply is already pending for this chat")
	ErrNoActiveSession = errors.New("no active chat")
	ErrSessionNotFound = errors.New("chat not found")
)
