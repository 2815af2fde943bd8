package hojo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testSession(t *testing.T, baseURL string, tr Transport) *Session {
	t.Helper()
	s, err := NewSession(SessionConfig{
		Token:     "tok",
		UserID:    "u1",
		Username:  "alice",
		BaseURL:   baseURL,
		Transport: tr,
		Conn:      quietConfig(tr),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSessionRequiresIdentity(t *testing.T) {
	if _, err := NewSession(SessionConfig{Token: "tok"}); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("got %v, want ErrNoIdentity", err)
	}
}

// ============================================================================
// Sending
// ============================================================================

func TestSendMessageReconciles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(envelope(t, Message{
			ID:             "srv-1",
			ConversationID: "c1",
			SenderID:       "u1",
			Content:        "hello",
			CreatedAt:      5000,
		}))
	}))
	defer srv.Close()

	s := testSession(t, srv.URL, &fakeTransport{failDial: true})

	msg, err := s.SendMessage(context.Background(), "c1", "hello", "", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID != "srv-1" {
		t.Fatalf("message id = %q", msg.ID)
	}

	// The optimistic entry was replaced, not duplicated.
	assertIDs(t, s.Messages("c1"), "srv-1")
	if s.Messages("c1")[0].IsLocal() {
		t.Fatal("confirmed message still local")
	}
}

func TestSendMessageRollsBackOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Result{
			OK:    false,
			Error: &APIError{Code: "FORBIDDEN", Message: "nope"},
		})
	}))
	defer srv.Close()

	s := testSession(t, srv.URL, &fakeTransport{failDial: true})

	if _, err := s.SendMessage(context.Background(), "c1", "hello", "", ""); err == nil {
		t.Fatal("expected error")
	}
	if got := s.Messages("c1"); len(got) != 0 {
		t.Fatalf("optimistic entry survived failed send: %v", messageIDs(got))
	}
}

func TestSendMessageFansOutOnSocket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(envelope(t, Message{
			ID: "srv-1", ConversationID: "c1", SenderID: "u1", Content: "hello", CreatedAt: 5000,
		}))
	}))
	defer srv.Close()

	tr := &fakeTransport{}
	s := testSession(t, srv.URL, tr)

	if err := s.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatalf("open conversation: %v", err)
	}
	if _, err := s.SendMessage(context.Background(), "c1", "hello", "", ""); err != nil {
		t.Fatalf("send: %v", err)
	}

	var echoed bool
	for _, ev := range tr.lastConn().writes() {
		if ev.Type == EventNewMessage && ev.Message != nil && ev.Message.ID == "srv-1" {
			echoed = true
		}
	}
	if !echoed {
		t.Fatal("confirmed message not echoed on the conversation socket")
	}
}

// ============================================================================
// Event routing
// ============================================================================

func TestIngestRoutesEvents(t *testing.T) {
	s := testSession(t, "http://unused.test", &fakeTransport{failDial: true})

	t.Run("new_message", func(t *testing.T) {
		s.Ingest(&Event{
			Type:           EventNewMessage,
			ConversationID: "c1",
			UserID:         "u2",
			Message: &Message{
				ID: "m1", ConversationID: "c1", SenderID: "u2",
				SenderName: "bob", Content: "hi", CreatedAt: 100,
			},
		})
		assertIDs(t, s.Messages("c1"), "m1")
		if got := s.Unread("c1"); got != 1 {
			t.Fatalf("unread = %d, want 1", got)
		}
		items := s.Notifications().Notifications()
		if len(items) != 1 || items[0].Type != NotifyMessage {
			t.Fatalf("notifications = %+v", items)
		}
	})

	t.Run("typing_update", func(t *testing.T) {
		s.Ingest(&Event{Type: EventTypingUpdate, ConversationID: "c1", UserID: "u2", Username: "bob", IsTyping: true})
		users := s.TypingUsers("c1")
		if len(users) != 1 || users[0].UserID != "u2" {
			t.Fatalf("typing users = %+v", users)
		}
	})

	t.Run("user_presence", func(t *testing.T) {
		s.Ingest(&Event{Type: EventUserPresence, UserID: "u2", Username: "bob", IsOnline: true})
		if !s.Presence().IsOnline("u2") {
			t.Fatal("presence not tracked")
		}
		s.Ingest(&Event{Type: EventUserPresence, UserID: "u2", IsOnline: false})
		if s.Presence().IsOnline("u2") {
			t.Fatal("offline event ignored")
		}
	})

	t.Run("message_read", func(t *testing.T) {
		s.Ingest(&Event{Type: EventMessageRead, ConversationID: "c1", MessageID: "m1", UserID: "u3"})
		m := s.Messages("c1")[0]
		if len(m.ReadBy) != 1 || m.ReadBy[0] != "u3" {
			t.Fatalf("readBy = %v", m.ReadBy)
		}
	})

	t.Run("message_reaction", func(t *testing.T) {
		s.Ingest(&Event{Type: EventMessageReact, ConversationID: "c1", MessageID: "m1", UserID: "u3", Emoji: "👍"})
		m := s.Messages("c1")[0]
		if len(m.Reactions) != 1 || m.Reactions[0].Emoji != "👍" {
			t.Fatalf("reactions = %+v", m.Reactions)
		}
	})

	t.Run("follow", func(t *testing.T) {
		s.Ingest(&Event{Type: EventFollow, UserID: "u4", Username: "carol", Timestamp: 200})
		var found bool
		for _, n := range s.Notifications().Notifications() {
			if n.Type == NotifyFollow {
				found = true
			}
		}
		if !found {
			t.Fatal("follow event produced no notification")
		}
	})
}

func TestOwnEchoDoesNotNotify(t *testing.T) {
	s := testSession(t, "http://unused.test", &fakeTransport{failDial: true})

	s.Ingest(&Event{
		Type:           EventNewMessage,
		ConversationID: "c1",
		UserID:         "u1",
		Message: &Message{
			ID: "m1", ConversationID: "c1", SenderID: "u1", Content: "mine", CreatedAt: 100,
		},
	})
	if got := s.Unread("c1"); got != 0 {
		t.Fatalf("own message counted as unread: %d", got)
	}
	if items := s.Notifications().Notifications(); len(items) != 0 {
		t.Fatalf("own message produced notifications: %+v", items)
	}
}

// ============================================================================
// Conversation lifecycle
// ============================================================================

func TestOpenConversationMarksActive(t *testing.T) {
	tr := &fakeTransport{}
	s := testSession(t, "http://unused.test", tr)

	if err := s.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if !s.Connected(ConversationScope("c1")) {
		t.Fatal("conversation socket not open")
	}

	// Messages arriving for the viewed conversation never count unread.
	s.Ingest(&Event{
		Type:           EventNewMessage,
		ConversationID: "c1",
		UserID:         "u2",
		Message:        &Message{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "x", CreatedAt: 1},
	})
	if got := s.Unread("c1"); got != 0 {
		t.Fatalf("unread = %d while conversation in view, want 0", got)
	}

	s.CloseConversation("c1")
	if s.Connected(ConversationScope("c1")) {
		t.Fatal("socket survived close")
	}

	s.Ingest(&Event{
		Type:           EventNewMessage,
		ConversationID: "c1",
		UserID:         "u2",
		Message:        &Message{ID: "m2", ConversationID: "c1", SenderID: "u2", Content: "y", CreatedAt: 2},
	})
	if got := s.Unread("c1"); got != 1 {
		t.Fatalf("unread = %d after leaving view, want 1", got)
	}
}

func TestGlobalDisconnectResetsPresence(t *testing.T) {
	tr := &fakeTransport{}
	s := testSession(t, "http://unused.test", tr)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	s.Ingest(&Event{Type: EventUserPresence, UserID: "u2", IsOnline: true})
	if !s.Presence().IsOnline("u2") {
		t.Fatal("presence not tracked")
	}

	s.Close()
	if s.Presence().IsOnline("u2") {
		t.Fatal("presence survived global disconnect")
	}
}
