package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/docchat/internal/gateway"
	"github.com/kalambet/docchat/internal/storage"
)

const errorReplyFormat = "Sorry, something went wrong: %v"

// Gateway is the slice of the backend client the chat model uses.
type Gateway interface {
	RAGChat(ctx context.Context, req gateway.RAGRequest) (gateway.Reply, error)
	Chat(ctx context.Context, req gateway.ChatRequest) (gateway.Reply, error)
}

// DocumentSource provides the ids of documents active for RAG turns.
type DocumentSource interface {
	ActiveIDs() []string
}

// Model owns the chat sessions. Sessions are addressed by their stable id;
// replies are routed to the session they were sent from, whatever is active
// when they arrive.
type Model struct {
	store storage.KeyValue
	gw    Gateway
	docs  DocumentSource
	now   func() time.Time
	newID func() string

	mu          sync.Mutex
	sessions    []*Session
	activeID    string
	mode        Mode
	sidebarOpen bool
	inflight    map[string]struct{}
	draft       string
}

// New returns a Model with no sessions. Most callers want Load.
func New(store storage.KeyValue, gw Gateway, docs DocumentSource) *Model {
	return &Model{
		store:       store,
		gw:          gw,
		docs:        docs,
		now:         time.Now,
		newID:       newID,
		mode:        ModeRAG,
		sidebarOpen: true,
		inflight:    make(map[string]struct{}),
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Load restores a Model from store and guarantees at least one session.
// Unreadable values are logged and replaced by defaults.
func Load(store storage.KeyValue, gw Gateway, docs DocumentSource) *Model {
	m := New(store, gw, docs)
	m.restore()
	return m
}

func (m *Model) restore() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sessions []*Session
	if err := storage.GetJSON(m.store, storage.KeyChatSessions, &sessions); err != nil {
		logReadFailure(storage.KeyChatSessions, err)
		sessions = nil
	}
	seen := make(map[string]struct{}, len(sessions))
	for _, s := range sessions {
		if s == nil || s.ID == "" {
			continue
		}
		if _, dup := seen[s.ID]; dup {
			continue
		}
		seen[s.ID] = struct{}{}
		if s.Messages == nil {
			s.Messages = []Message{}
		}
		m.sessions = append(m.sessions, s)
	}

	if id, err := m.store.Get(storage.KeyActiveChatID); err == nil && m.find(id) != nil {
		m.activeID = id
	} else if len(m.sessions) > 0 {
		m.activeID = m.sessions[0].ID
		m.persistActive()
	}

	if raw, err := m.store.Get(storage.KeyChatMode); err == nil {
		if mode, perr := ParseMode(raw); perr == nil {
			m.mode = mode
		} else {
			slog.Warn("ignoring stored chat mode", "value", raw, "error", perr)
		}
	}

	if raw, err := m.store.Get(storage.KeyChatSidebarOpen); err == nil {
		m.sidebarOpen = raw == "true"
	}

	if len(m.sessions) == 0 {
		m.createSession()
	}
}

func logReadFailure(key string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	slog.Warn("ignoring unreadable stored value", "key", key, "error", err)
}

// CreateSession starts a new chat at the head of the list and activates it.
func (m *Model) CreateSession() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createSession().clone()
}

func (m *Model) createSession() *Session {
	s := &Session{
		ID:        m.newID(),
		Title:     fmt.Sprintf("Chat %d", len(m.sessions)+1),
		Messages:  []Message{},
		CreatedAt: m.now(),
	}
	m.sessions = append([]*Session{s}, m.sessions...)
	m.activeID = s.ID
	m.persistSessions()
	m.persistActive()
	return s
}

// DeleteSession removes a chat. Deleting the only chat creates a fresh one
// instead, so the list is never empty. When the active chat is removed the
// first remaining chat becomes active.
func (m *Model) DeleteSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if len(m.sessions) <= 1 {
		m.createSession()
		return nil
	}

	m.sessions = append(m.sessions[:i], m.sessions[i+1:]...)
	m.persistSessions()
	if m.activeID == id {
		m.activeID = m.sessions[0].ID
		m.persistActive()
	}
	return nil
}

// ClearAllSessions drops every chat and starts exactly one fresh chat.
func (m *Model) ClearAllSessions() Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions = nil
	m.activeID = ""
	for _, key := range []string{storage.KeyChatSessions, storage.KeyActiveChatID} {
		if err := m.store.Remove(key); err != nil {
			slog.Warn("removing chat state", "key", key, "error", err)
		}
	}
	return m.createSession().clone()
}

// SetActive switches the active chat.
func (m *Model) SetActive(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.find(id) == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if m.activeID != id {
		m.activeID = id
		m.persistActive()
	}
	return nil
}

// Active returns a copy of the active chat.
func (m *Model) Active() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s := m.find(m.activeID); s != nil {
		return s.clone(), true
	}
	return Session{}, false
}

// ActiveID returns the id of the active chat.
func (m *Model) ActiveID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

// Session returns a copy of the chat with the given id.
func (m *Model) Session(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s := m.find(id); s != nil {
		return s.clone(), true
	}
	return Session{}, false
}

// Sessions returns copies of all chats, newest first.
func (m *Model) Sessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Session, len(m.sessions))
	for i, s := range m.sessions {
		out[i] = s.clone()
	}
	return out
}

// State reports whether the chat is waiting for a reply.
func (m *Model) State(id string) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.inflight[id]; ok {
		return StateAwaitingReply
	}
	return StateIdle
}

// Mode returns the current chat mode.
func (m *Model) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// SetMode changes the chat mode used by subsequent sends.
func (m *Model) SetMode(mode Mode) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mode = mode
	if err := m.store.Set(storage.KeyChatMode, string(mode)); err != nil {
		slog.Warn("persisting chat mode", "error", err)
	}
	return nil
}

// SidebarOpen returns the layout preference for the chat list.
func (m *Model) SidebarOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sidebarOpen
}

// SetSidebarOpen stores the layout preference for the chat list.
func (m *Model) SetSidebarOpen(open bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sidebarOpen = open
	if err := m.store.Set(storage.KeyChatSidebarOpen, strconv.FormatBool(open)); err != nil {
		slog.Warn("persisting sidebar flag", "error", err)
	}
}

// SetDraft replaces the input buffer.
func (m *Model) SetDraft(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.draft = text
}

// Draft returns the input buffer.
func (m *Model) Draft() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draft
}

// SendDraft sends the input buffer. The buffer is cleared before the
// backend is called, so the next message can be typed while waiting.
func (m *Model) SendDraft(ctx context.Context) (Turn, error) {
	return m.send(ctx, "", true)
}

// Send sends text on the active chat and blocks until the exchange ends.
// It returns ErrEmptyMessage, ErrAwaitingReply or ErrNoActiveSession without
// touching state or the backend. A backend failure is not returned as an
// error: it ends up as a bot message and in Turn.Err.
func (m *Model) Send(ctx context.Context, text string) (Turn, error) {
	return m.send(ctx, text, false)
}

func (m *Model) send(ctx context.Context, text string, fromDraft bool) (Turn, error) {
	m.mu.Lock()
	if fromDraft {
		text = m.draft
	}
	text = strings.TrimSpace(text)
	if text == "" {
		m.mu.Unlock()
		return Turn{}, ErrEmptyMessage
	}
	sess := m.find(m.activeID)
	if sess == nil {
		m.mu.Unlock()
		return Turn{}, ErrNoActiveSession
	}
	if _, busy := m.inflight[sess.ID]; busy {
		m.mu.Unlock()
		return Turn{}, ErrAwaitingReply
	}

	turn := Turn{SessionID: sess.ID, User: m.newMessage(SenderUser, text)}
	sess.Messages = append(sess.Messages, turn.User)
	m.inflight[sess.ID] = struct{}{}
	if fromDraft {
		m.draft = ""
	}

	var remoteID *string
	if sess.SessionID != nil {
		sid := *sess.SessionID
		remoteID = &sid
	}
	mode := m.mode
	var fileIDs []string
	if mode == ModeRAG && m.docs != nil {
		fileIDs = m.docs.ActiveIDs()
	}
	m.persistSessions()
	m.mu.Unlock()

	var (
		reply gateway.Reply
		err   error
	)
	if mode == ModeRAG {
		reply, err = m.gw.RAGChat(ctx, gateway.RAGRequest{Message: text, SessionID: remoteID, FileIDs: fileIDs})
	} else {
		reply, err = m.gw.Chat(ctx, gateway.ChatRequest{Message: text, SessionID: remoteID})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, turn.SessionID)

	if err != nil {
		turn.Err = err
		turn.Reply = m.newMessage(SenderBot, fmt.Sprintf(errorReplyFormat, err))
		slog.Debug("chat turn failed", "session", turn.SessionID, "mode", mode, "error", err)
	} else {
		turn.Reply = m.newMessage(SenderBot, reply.Message)
	}

	target := m.find(turn.SessionID)
	if target == nil {
		slog.Info("dropping reply for deleted chat", "session", turn.SessionID)
		return turn, nil
	}
	target.Messages = append(target.Messages, turn.Reply)
	if err == nil && reply.SessionID != "" {
		sid := reply.SessionID
		target.SessionID = &sid
	}
	m.persistSessions()
	return turn, nil
}

func (m *Model) newMessage(sender Sender, content string) Message {
	return Message{
		ID:        m.newID(),
		Sender:    sender,
		Content:   content,
		Timestamp: m.now(),
	}
}

func (m *Model) find(id string) *Session {
	if i := m.indexOf(id); i >= 0 {
		return m.sessions[i]
	}
	return nil
}

func (m *Model) indexOf(id string) int {
	if id == "" {
		return -1
	}
	for i, s := range m.sessions {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// persistSessions and persistActive mirror state into the store. Failures
// are logged and do not roll back the in-memory change. Callers hold m.mu.
func (m *Model) persistSessions() {
	sessions := m.sessions
	if sessions == nil {
		sessions = []*Session{}
	}
	if err := storage.SetJSON(m.store, storage.KeyChatSessions, sessions); err != nil {
		slog.Warn("persisting chat sessions", "error", err)
	}
}

func (m *Model) persistActive() {
	if err := m.store.Set(storage.KeyActiveChatID, m.activeID); err != nil {
		slog.Warn("persisting active chat", "error", err)
	}
}
