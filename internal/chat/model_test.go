package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/docchat/internal/gateway"
	"github.com/kalambet/docchat/internal/storage"
)

const (
	docA      = "0b3f8f2e-6a1d-4c55-9a7e-2f1f3b2c1a01"
	docB      = "7d52c0a4-91f3-4e1b-8d4c-5e6f7a8b9c02"
	remoteSID = "5a1e9c3b-0d2f-4b6a-8c7e-9f0a1b2c3d04"
)

// --- mocks ---

type mockGateway struct {
	mu       sync.Mutex
	ragCalls []gateway.RAGRequest
	chatCall []gateway.ChatRequest
	reply    gateway.Reply
	err      error
	// block, when set, holds calls until it is closed.
	block   chan struct{}
	started chan struct{}
}

func (g *mockGateway) RAGChat(ctx context.Context, req gateway.RAGRequest) (gateway.Reply, error) {
	g.mu.Lock()
	g.ragCalls = append(g.ragCalls, req)
	g.mu.Unlock()
	return g.wait(ctx)
}

func (g *mockGateway) Chat(ctx context.Context, req gateway.ChatRequest) (gateway.Reply, error) {
	g.mu.Lock()
	g.chatCall = append(g.chatCall, req)
	g.mu.Unlock()
	return g.wait(ctx)
}

func (g *mockGateway) wait(ctx context.Context) (gateway.Reply, error) {
	if g.started != nil {
		g.started <- struct{}{}
	}
	if g.block != nil {
		select {
		case <-g.block:
		case <-ctx.Done():
			return gateway.Reply{}, ctx.Err()
		}
	}
	return g.reply, g.err
}

func (g *mockGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.ragCalls) + len(g.chatCall)
}

type staticDocs []string

func (d staticDocs) ActiveIDs() []string { return append([]string(nil), d...) }

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestModel(t *testing.T, gw Gateway, docs DocumentSource) (*Model, *storage.Store) {
	t.Helper()
	store := openTestStore(t)
	return Load(store, gw, docs), store
}

func activeMessages(t *testing.T, m *Model) []Message {
	t.Helper()
	s, ok := m.Active()
	if !ok {
		t.Fatal("no active session")
	}
	return s.Messages
}

// --- tests ---

func TestLoad_CreatesFirstSession(t *testing.T) {
	m, _ := newTestModel(t, &mockGateway{}, nil)

	sessions := m.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	if sessions[0].Title != "Chat 1" {
		t.Errorf("title = %q, want Chat 1", sessions[0].Title)
	}
	if m.ActiveID() != sessions[0].ID {
		t.Error("first session not active")
	}
	if m.Mode() != ModeRAG {
		t.Errorf("mode = %q, want rag", m.Mode())
	}
	if !m.SidebarOpen() {
		t.Error("sidebar should default to open")
	}
}

func TestCreateSession_HeadAndActive(t *testing.T) {
	m, _ := newTestModel(t, &mockGateway{}, nil)
	first := m.ActiveID()

	s := m.CreateSession()

	sessions := m.Sessions()
	if len(sessions) != 2 || sessions[0].ID != s.ID || sessions[1].ID != first {
		t.Fatalf("order = %v", sessions)
	}
	if s.Title != "Chat 2" {
		t.Errorf("title = %q, want Chat 2", s.Title)
	}
	if m.ActiveID() != s.ID {
		t.Error("new session not active")
	}
}

func TestDeleteSession_LastCreatesInstead(t *testing.T) {
	m, _ := newTestModel(t, &mockGateway{}, nil)
	only := m.ActiveID()

	if err := m.DeleteSession(only); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	sessions := m.Sessions()
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2 (original kept, new created)", len(sessions))
	}
	if _, ok := m.Session(only); !ok {
		t.Error("last session was deleted")
	}
	if m.ActiveID() == only {
		t.Error("fresh session not activated")
	}
}

func TestDeleteSession_ActiveFallsBackToFirst(t *testing.T) {
	m, _ := newTestModel(t, &mockGateway{}, nil)
	s1 := m.ActiveID()
	s2 := m.CreateSession().ID
	s3 := m.CreateSession().ID // list: s3, s2, s1

	if err := m.SetActive(s2); err != nil {
		t.Fatal(err)
	}
	if err := m.DeleteSession(s2); err != nil {
		t.Fatal(err)
	}
	if m.ActiveID() != s3 {
		t.Errorf("active = %s, want first remaining %s", m.ActiveID(), s3)
	}

	// Deleting a non-active session leaves the pointer alone.
	if err := m.DeleteSession(s1); err != nil {
		t.Fatal(err)
	}
	if m.ActiveID() != s3 {
		t.Errorf("active changed to %s", m.ActiveID())
	}
	if len(m.Sessions()) != 1 {
		t.Errorf("sessions = %d, want 1", len(m.Sessions()))
	}
}

func TestDeleteSession_Unknown(t *testing.T) {
	m, _ := newTestModel(t, &mockGateway{}, nil)
	if err := m.DeleteSession("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("error = %v, want ErrSessionNotFound", err)
	}
}

func TestDeleteSession_NeverEmpty(t *testing.T) {
	m, _ := newTestModel(t, &mockGateway{}, nil)
	for i := 0; i < 5; i++ {
		m.CreateSession()
	}
	for i := 0; i < 20; i++ {
		if err := m.DeleteSession(m.Sessions()[0].ID); err != nil {
			t.Fatal(err)
		}
		if len(m.Sessions()) == 0 {
			t.Fatal("session list became empty")
		}
		if _, ok := m.Active(); !ok {
			t.Fatal("no active session after delete")
		}
	}
}

func TestClearAllSessions(t *testing.T) {
	m, store := newTestModel(t, &mockGateway{}, nil)
	m.CreateSession()
	m.CreateSession()

	fresh := m.ClearAllSessions()

	sessions := m.Sessions()
	if len(sessions) != 1 || sessions[0].ID != fresh.ID {
		t.Fatalf("sessions = %+v", sessions)
	}
	if fresh.Title != "Chat 1" {
		t.Errorf("title = %q, want Chat 1", fresh.Title)
	}
	if m.ActiveID() != fresh.ID {
		t.Error("fresh session not active")
	}

	reloaded := Load(store, &mockGateway{}, nil)
	if got := reloaded.Sessions(); len(got) != 1 || got[0].ID != fresh.ID {
		t.Errorf("persisted sessions = %+v", got)
	}
}

func TestSend_EmptyIsNoop(t *testing.T) {
	gw := &mockGateway{}
	m, _ := newTestModel(t, gw, nil)

	for _, text := range []string{"", "   ", "\n\t"} {
		if _, err := m.Send(context.Background(), text); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("Send(%q) error = %v, want ErrEmptyMessage", text, err)
		}
	}
	if len(activeMessages(t, m)) != 0 {
		t.Error("messages appended for empty input")
	}
	if gw.calls() != 0 {
		t.Error("gateway called for empty input")
	}
}

func TestSend_Success(t *testing.T) {
	gw := &mockGateway{reply: gateway.Reply{Message: "hi there", SessionID: remoteSID}}
	m, _ := newTestModel(t, gw, staticDocs{})

	turn, err := m.Send(context.Background(), "  hello  ")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if turn.Err != nil {
		t.Fatalf("turn.Err = %v", turn.Err)
	}

	msgs := activeMessages(t, m)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Sender != SenderUser || msgs[0].Content != "hello" {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[1].Sender != SenderBot || msgs[1].Content != "hi there" {
		t.Errorf("bot message = %+v", msgs[1])
	}
	if msgs[0].ID == msgs[1].ID {
		t.Error("message ids collide")
	}

	s, _ := m.Active()
	if s.SessionID == nil || *s.SessionID != remoteSID {
		t.Errorf("SessionID = %v, want %s", s.SessionID, remoteSID)
	}
	if m.State(s.ID) != StateIdle {
		t.Errorf("state = %v, want idle", m.State(s.ID))
	}
}

func TestSend_KeepsSessionIDWhenReplyHasNone(t *testing.T) {
	gw := &mockGateway{reply: gateway.Reply{Message: "one", SessionID: remoteSID}}
	m, _ := newTestModel(t, gw, staticDocs{})

	if _, err := m.Send(context.Background(), "first"); err != nil {
		t.Fatal(err)
	}
	gw.reply = gateway.Reply{Message: "two"}
	if _, err := m.Send(context.Background(), "second"); err != nil {
		t.Fatal(err)
	}

	s, _ := m.Active()
	if s.SessionID == nil || *s.SessionID != remoteSID {
		t.Errorf("SessionID = %v, want unchanged %s", s.SessionID, remoteSID)
	}
	if len(gw.ragCalls) != 2 {
		t.Fatalf("rag calls = %d", len(gw.ragCalls))
	}
	if gw.ragCalls[0].SessionID != nil {
		t.Error("first turn should start a new conversation")
	}
	if gw.ragCalls[1].SessionID == nil || *gw.ragCalls[1].SessionID != remoteSID {
		t.Error("second turn did not reuse the conversation id")
	}
}

func TestSend_GatewayFailure(t *testing.T) {
	gw := &mockGateway{err: &gateway.RequestError{Status: 502, Detail: "upstream down"}}
	m, _ := newTestModel(t, gw, staticDocs{})

	turn, err := m.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	var re *gateway.RequestError
	if !errors.As(turn.Err, &re) || re.Status != 502 {
		t.Errorf("turn.Err = %v", turn.Err)
	}

	msgs := activeMessages(t, m)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[1].Sender != SenderBot || !strings.Contains(msgs[1].Content, "upstream down") {
		t.Errorf("error message = %+v", msgs[1])
	}
	s, _ := m.Active()
	if s.SessionID != nil {
		t.Error("SessionID set on failure")
	}
	if m.State(s.ID) != StateIdle {
		t.Error("not idle after failure")
	}
}

func TestSend_RAGPassesActiveDocuments(t *testing.T) {
	gw := &mockGateway{reply: gateway.Reply{Message: "ok"}}
	m, _ := newTestModel(t, gw, staticDocs{docA, docB})

	if _, err := m.Send(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	if len(gw.ragCalls) != 1 || len(gw.chatCall) != 0 {
		t.Fatalf("rag=%d chat=%d", len(gw.ragCalls), len(gw.chatCall))
	}
	req := gw.ragCalls[0]
	if len(req.FileIDs) != 2 || req.FileIDs[0] != docA || req.FileIDs[1] != docB {
		t.Errorf("FileIDs = %v, want [%s %s]", req.FileIDs, docA, docB)
	}
	if req.SessionID != nil {
		t.Errorf("SessionID = %v, want nil", *req.SessionID)
	}
	if req.Message != "hello" {
		t.Errorf("Message = %q", req.Message)
	}
}

func TestSend_ChatMode(t *testing.T) {
	gw := &mockGateway{reply: gateway.Reply{Message: "ok"}}
	m, _ := newTestModel(t, gw, staticDocs{docA})

	if err := m.SetMode(ModeChat); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Send(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	if len(gw.chatCall) != 1 || len(gw.ragCalls) != 0 {
		t.Fatalf("rag=%d chat=%d", len(gw.ragCalls), len(gw.chatCall))
	}
}

func TestSetMode_Invalid(t *testing.T) {
	m, _ := newTestModel(t, &mockGateway{}, nil)
	if err := m.SetMode("search"); err == nil {
		t.Error("expected error for unknown mode")
	}
	if m.Mode() != ModeRAG {
		t.Errorf("mode changed to %q", m.Mode())
	}
}

func TestSend_RejectsWhileAwaitingReply(t *testing.T) {
	gw := &mockGateway{
		reply:   gateway.Reply{Message: "done"},
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	m, _ := newTestModel(t, gw, staticDocs{})
	id := m.ActiveID()

	done := make(chan error, 1)
	go func() {
		_, err := m.Send(context.Background(), "first")
		done <- err
	}()
	<-gw.started

	if m.State(id) != StateAwaitingReply {
		t.Errorf("state = %v, want awaitingReply", m.State(id))
	}
	if _, err := m.Send(context.Background(), "second"); !errors.Is(err, ErrAwaitingReply) {
		t.Errorf("second Send error = %v, want ErrAwaitingReply", err)
	}

	close(gw.block)
	if err := <-done; err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if n := len(activeMessages(t, m)); n != 2 {
		t.Errorf("messages = %d, want 2", n)
	}
}

// TestSend_ReplyRoutedToOriginSession switches chats while a reply is
// pending and checks the reply lands in the chat it was sent from.
func TestSend_ReplyRoutedToOriginSession(t *testing.T) {
	gw := &mockGateway{
		reply:   gateway.Reply{Message: "late", SessionID: remoteSID},
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	m, _ := newTestModel(t, gw, staticDocs{})
	origin := m.ActiveID()

	done := make(chan Turn, 1)
	go func() {
		turn, _ := m.Send(context.Background(), "question")
		done <- turn
	}()
	<-gw.started

	other := m.CreateSession().ID
	close(gw.block)
	turn := <-done

	if turn.SessionID != origin {
		t.Errorf("turn.SessionID = %s, want %s", turn.SessionID, origin)
	}
	o, _ := m.Session(origin)
	if len(o.Messages) != 2 || o.Messages[1].Content != "late" {
		t.Errorf("origin messages = %+v", o.Messages)
	}
	if o.SessionID == nil || *o.SessionID != remoteSID {
		t.Error("origin did not get the conversation id")
	}
	n, _ := m.Session(other)
	if len(n.Messages) != 0 || n.SessionID != nil {
		t.Errorf("active chat was patched: %+v", n)
	}
}

func TestSend_ConcurrentSessions(t *testing.T) {
	gw := &mockGateway{
		reply:   gateway.Reply{Message: "ok"},
		block:   make(chan struct{}),
		started: make(chan struct{}, 2),
	}
	m, _ := newTestModel(t, gw, staticDocs{})
	first := m.ActiveID()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); m.Send(context.Background(), "one") }()
	<-gw.started

	second := m.CreateSession().ID
	go func() { defer wg.Done(); m.Send(context.Background(), "two") }()
	<-gw.started

	if m.State(first) != StateAwaitingReply || m.State(second) != StateAwaitingReply {
		t.Error("both sessions should be awaiting replies")
	}
	close(gw.block)
	wg.Wait()

	for _, id := range []string{first, second} {
		s, _ := m.Session(id)
		if len(s.Messages) != 2 {
			t.Errorf("session %s messages = %d, want 2", id, len(s.Messages))
		}
	}
}

func TestSend_ReplyForDeletedSessionDropped(t *testing.T) {
	gw := &mockGateway{
		reply:   gateway.Reply{Message: "late"},
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	m, _ := newTestModel(t, gw, staticDocs{})
	origin := m.ActiveID()
	m.CreateSession()
	if err := m.SetActive(origin); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		m.Send(context.Background(), "q")
		close(done)
	}()
	<-gw.started
	if err := m.DeleteSession(origin); err != nil {
		t.Fatal(err)
	}
	close(gw.block)
	<-done

	if _, ok := m.Session(origin); ok {
		t.Error("deleted session resurrected")
	}
	for _, s := range m.Sessions() {
		if len(s.Messages) != 0 {
			t.Errorf("reply leaked into %s", s.ID)
		}
	}
}

func TestSendDraft_ClearsBeforeCall(t *testing.T) {
	gw := &mockGateway{
		reply:   gateway.Reply{Message: "ok"},
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	m, _ := newTestModel(t, gw, staticDocs{})
	m.SetDraft("typed text")

	done := make(chan struct{})
	go func() {
		m.SendDraft(context.Background())
		close(done)
	}()
	<-gw.started
	if d := m.Draft(); d != "" {
		t.Errorf("draft = %q while waiting, want empty", d)
	}
	m.SetDraft("next")
	close(gw.block)
	<-done

	if d := m.Draft(); d != "next" {
		t.Errorf("draft = %q, want next", d)
	}
	if msgs := activeMessages(t, m); msgs[0].Content != "typed text" {
		t.Errorf("sent %q", msgs[0].Content)
	}
}

func TestSend_OrderingIsCallOrder(t *testing.T) {
	gw := &mockGateway{reply: gateway.Reply{Message: "r"}}
	m, _ := newTestModel(t, gw, staticDocs{})
	fixed := time.Unix(1700000000, 0)
	m.now = func() time.Time { return fixed }

	for _, text := range []string{"a", "b", "c"} {
		if _, err := m.Send(context.Background(), text); err != nil {
			t.Fatal(err)
		}
	}
	msgs := activeMessages(t, m)
	want := []string{"a", "r", "b", "r", "c", "r"}
	if len(msgs) != len(want) {
		t.Fatalf("messages = %d", len(msgs))
	}
	for i, w := range want {
		if msgs[i].Content != w {
			t.Errorf("msgs[%d] = %q, want %q", i, msgs[i].Content, w)
		}
	}
}

func TestPersistRoundTrip(t *testing.T) {
	gw := &mockGateway{reply: gateway.Reply{Message: "answer", SessionID: remoteSID}}
	m, store := newTestModel(t, gw, staticDocs{})

	m.Send(context.Background(), "q1")
	second := m.CreateSession().ID
	m.Send(context.Background(), "q2")
	m.Send(context.Background(), "q3")
	if err := m.SetMode(ModeChat); err != nil {
		t.Fatal(err)
	}
	m.SetSidebarOpen(false)

	before := m.Sessions()
	reloaded := Load(store, gw, staticDocs{})
	after := reloaded.Sessions()

	if len(after) != len(before) {
		t.Fatalf("sessions = %d, want %d", len(after), len(before))
	}
	for i := range before {
		b, a := before[i], after[i]
		if a.ID != b.ID || a.Title != b.Title || len(a.Messages) != len(b.Messages) {
			t.Fatalf("session %d mismatch: %+v vs %+v", i, a, b)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			t.Errorf("CreatedAt %v != %v", a.CreatedAt, b.CreatedAt)
		}
		for j := range b.Messages {
			if a.Messages[j].ID != b.Messages[j].ID || a.Messages[j].Content != b.Messages[j].Content {
				t.Errorf("message %d/%d mismatch", i, j)
			}
			if !a.Messages[j].Timestamp.Equal(b.Messages[j].Timestamp) {
				t.Errorf("timestamp %d/%d: %v != %v", i, j, a.Messages[j].Timestamp, b.Messages[j].Timestamp)
			}
		}
	}
	if reloaded.ActiveID() != second {
		t.Errorf("active = %s, want %s", reloaded.ActiveID(), second)
	}
	if reloaded.Mode() != ModeChat {
		t.Errorf("mode = %q", reloaded.Mode())
	}
	if reloaded.SidebarOpen() {
		t.Error("sidebar flag not restored")
	}
}

func TestLoad_CorruptSessions(t *testing.T) {
	store := openTestStore(t)
	if err := store.Set(storage.KeyChatSessions, "[{oops"); err != nil {
		t.Fatal(err)
	}
	if err := store.Set(storage.KeyChatMode, "bogus"); err != nil {
		t.Fatal(err)
	}

	m := Load(store, &mockGateway{}, nil)
	if len(m.Sessions()) != 1 {
		t.Errorf("sessions = %d, want a single fresh one", len(m.Sessions()))
	}
	if m.Mode() != ModeRAG {
		t.Errorf("mode = %q, want default rag", m.Mode())
	}
}

func TestLoad_UnknownActiveFallsBackToFirst(t *testing.T) {
	store := openTestStore(t)
	sessions := []Session{
		{ID: "s2", Title: "Chat 2", Messages: []Message{}},
		{ID: "s1", Title: "Chat 1", Messages: []Message{}},
	}
	if err := storage.SetJSON(store, storage.KeyChatSessions, sessions); err != nil {
		t.Fatal(err)
	}
	if err := store.Set(storage.KeyActiveChatID, "gone"); err != nil {
		t.Fatal(err)
	}

	m := Load(store, &mockGateway{}, nil)
	if m.ActiveID() != "s2" {
		t.Errorf("active = %q, want s2", m.ActiveID())
	}
}

func TestLoad_DropsDuplicateSessionIDs(t *testing.T) {
	store := openTestStore(t)
	sessions := []Session{
		{ID: "s1", Title: "Chat 1", Messages: []Message{{Sender: SenderUser, Content: "first"}}},
		{ID: "s2", Title: "Chat 2", Messages: []Message{}},
		{ID: "s1", Title: "Chat 1 copy", Messages: []Message{}},
	}
	if err := storage.SetJSON(store, storage.KeyChatSessions, sessions); err != nil {
		t.Fatal(err)
	}

	m := Load(store, &mockGateway{}, nil)
	got := m.Sessions()
	if len(got) != 2 {
		t.Fatalf("sessions = %d, want 2", len(got))
	}
	if got[0].ID != "s1" || got[0].Title != "Chat 1" || len(got[0].Messages) != 1 {
		t.Errorf("first session = %+v, want the first s1 entry", got[0])
	}
	if got[1].ID != "s2" {
		t.Errorf("second session = %q, want s2", got[1].ID)
	}

	if err := m.DeleteSession("s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	for _, s := range m.Sessions() {
		if s.ID == "s1" {
			t.Error("s1 still present after delete")
		}
	}
}

func TestSetActive_Unknown(t *testing.T) {
	m, _ := newTestModel(t, &mockGateway{}, nil)
	if err := m.SetActive("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("error = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionsAreCopies(t *testing.T) {
	gw := &mockGateway{reply: gateway.Reply{Message: "r", SessionID: remoteSID}}
	m, _ := newTestModel(t, gw, staticDocs{})
	m.Send(context.Background(), "q")

	s := m.Sessions()[0]
	s.Messages[0].Content = "tampered"
	*s.SessionID = "tampered"

	fresh, _ := m.Active()
	if fresh.Messages[0].Content != "q" || *fresh.SessionID != remoteSID {
		t.Error("caller mutation leaked into the model")
	}
}
