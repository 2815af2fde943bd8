package hojo

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// ============================================================================
// Session
// ============================================================================

// SessionConfig carries the identity and endpoints for one user's
// realtime session.
type SessionConfig struct {
	Token    string
	UserID   string
	Username string
	Role     string

	// BaseURL overrides DefaultBaseURL when set.
	BaseURL string

	// Transport overrides the websocket transport, mainly for tests.
	Transport Transport

	// Conn overrides reconnect and heartbeat timings. Identity and URL
	// fields are filled in by the session.
	Conn ConnConfig

	// NotificationOptions configure alerting side effects.
	NotificationOptions []NotificationOption
}

// Session is the top-level coordinator for one signed-in user. It owns
// the REST client, the connection registry, the message log, and the
// typing, presence, and notification state, and routes every inbound
// event to the component that consumes it.
type Session struct {
	cfg      SessionConfig
	client   *Client
	registry *Registry
	log      *MessageLog
	typing   *TypingCoordinator
	presence *PresenceTracker
	notify   *NotificationCenter
	poller   *Poller

	mu     sync.Mutex
	closed bool
	open   map[string]bool
}

// NewSession wires a session from its config. Nothing connects until
// Connect or OpenConversation is called.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.UserID == "" {
		return nil, ErrNoIdentity
	}

	var clientOpts []ClientOption
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, WithBaseURL(cfg.BaseURL))
	}
	client := NewClient(cfg.Token, clientOpts...)

	conn := cfg.Conn
	conn.UserID = cfg.UserID
	conn.Username = cfg.Username
	conn.Role = cfg.Role
	conn.Transport = cfg.Transport

	registry := NewRegistry(RegistryConfig{
		Conn: conn,
		URLFor: func(scope Scope) string {
			return client.SocketURL(scope, cfg.UserID)
		},
	}, newDispatcher())

	s := &Session{
		cfg:      cfg,
		client:   client,
		registry: registry,
		log:      NewMessageLog(cfg.UserID),
		typing:   NewTypingCoordinator(registry, cfg.UserID, cfg.Username),
		presence: NewPresenceTracker(),
		notify:   NewNotificationCenter(client.Notifications, cfg.UserID, cfg.NotificationOptions...),
		open:     make(map[string]bool),
	}
	s.poller = NewPoller(client.Messages, s.log)

	disp := registry.Dispatcher()
	disp.OnAny(s.route)
	disp.OnDisconnected(func(scope Scope, code int, reason string) {
		// Presence is replayed by the server after the shared socket
		// reconnects, so the stale set is dropped here.
		if scope.IsGlobal() {
			s.presence.Reset()
		}
	})
	return s, nil
}

// route fans one inbound event out to the component that owns its
// state. Dispatch is synchronous, so components observe events in wire
// order.
func (s *Session) route(ev *Event) {
	switch ev.Type {
	case EventNewMessage:
		if ev.Message != nil {
			s.log.ApplyRemote(*ev.Message)
			if n, ok := notificationFromEvent(ev, s.cfg.UserID); ok {
				s.notify.Deliver(n)
			}
		}
	case EventTypingUpdate:
		s.typing.HandleEvent(ev)
	case EventUserPresence:
		s.presence.HandleEvent(ev)
	case EventMessageRead:
		s.log.ApplyRead(ev.ConversationID, ev.MessageID, ev.UserID)
	case EventMessageReact:
		s.log.ApplyReaction(ev.ConversationID, ev.MessageID, ev.Emoji, ev.UserID)
	case EventFollow:
		if n, ok := notificationFromEvent(ev, s.cfg.UserID); ok {
			s.notify.Deliver(n)
		}
	}
}

// Connect opens the shared session-wide socket.
func (s *Session) Connect(ctx context.Context) error {
	_, err := s.registry.Acquire(ctx, GlobalScope())
	return err
}

// Connected reports whether a live socket covers the scope.
func (s *Session) Connected(scope Scope) bool {
	return s.registry.Connected(scope)
}

// OpenConversation brings a conversation into view: it acquires a
// realtime connection for it, marks it active so inbound messages stop
// counting as unread, resets its unread counter, and starts the polling
// fallback that covers socket outages.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrRegistryClosed
	}
	already := s.open[conversationID]
	s.open[conversationID] = true
	s.mu.Unlock()

	s.log.SetActive(conversationID)
	s.log.MarkRead(conversationID)

	scope := ConversationScope(conversationID)
	if !already {
		s.poller.Start(conversationID, func() bool {
			return s.registry.Connected(scope)
		})
	}
	if _, err := s.registry.Acquire(ctx, scope); err != nil {
		return errors.Wrapf(err, "open conversation %s", conversationID)
	}
	return nil
}

// CloseConversation takes a conversation out of view, flushing any
// pending typing signal and releasing its connection.
func (s *Session) CloseConversation(conversationID string) {
	s.mu.Lock()
	wasOpen := s.open[conversationID]
	delete(s.open, conversationID)
	s.mu.Unlock()
	if !wasOpen {
		return
	}

	s.typing.StopTyping(conversationID)
	s.poller.Stop(conversationID)
	s.registry.Release(ConversationScope(conversationID))
	if s.log.Active() == conversationID {
		s.log.SetActive("")
	}
}

// SendMessage inserts the message optimistically, persists it over
// REST, reconciles the server copy into the log, and fans the result
// out on the conversation socket. On a failed send the optimistic entry
// is rolled back and the error returned.
func (s *Session) SendMessage(ctx context.Context, conversationID, content, msgType, replyToID string) (*Message, error) {
	tempID := s.log.ApplyOptimistic(Message{
		ConversationID: conversationID,
		SenderName:     s.cfg.Username,
		Content:        content,
		Type:           msgType,
		ReplyToID:      replyToID,
	})

	msg, err := s.client.Messages.SendMessage(ctx, conversationID, content, msgType, replyToID)
	if err != nil {
		s.log.RemoveLocal(conversationID, tempID)
		return nil, errors.Wrap(err, "send message")
	}
	s.log.ApplyConfirmed(*msg)

	if !s.registry.Send(ConversationScope(conversationID), &Event{
		Type:           EventNewMessage,
		ConversationID: conversationID,
		UserID:         s.cfg.UserID,
		Username:       s.cfg.Username,
		Message:        msg,
	}) {
		jww.DEBUG.Printf("message %s not echoed, no open connection", msg.ID)
	}
	return msg, nil
}

// LoadOlder pages backward in a conversation's history. It returns the
// number of messages added.
func (s *Session) LoadOlder(ctx context.Context, conversationID string, limit int) (int, error) {
	return s.log.LoadOlder(ctx, s.client.Messages, conversationID, limit)
}

// EditMessage persists an edit and applies it locally.
func (s *Session) EditMessage(ctx context.Context, conversationID, messageID, content string) error {
	msg, err := s.client.Messages.Edit(ctx, conversationID, messageID, content)
	if err != nil {
		return errors.Wrap(err, "edit message")
	}
	s.log.ApplyEdit(conversationID, messageID, msg.Content, msg.EditedAt)
	return nil
}

// DeleteMessage persists a deletion and applies it locally.
func (s *Session) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	if err := s.client.Messages.Delete(ctx, conversationID, messageID); err != nil {
		return errors.Wrap(err, "delete message")
	}
	s.log.ApplyDelete(conversationID, messageID, time.Now().UnixMilli())
	return nil
}

// ReactToMessage persists a reaction and applies it locally.
func (s *Session) ReactToMessage(ctx context.Context, conversationID, messageID, emoji string) error {
	r, err := s.client.Messages.ReactToMessage(ctx, messageID, emoji)
	if err != nil {
		return errors.Wrap(err, "react to message")
	}
	s.log.ApplyReaction(conversationID, messageID, r.Emoji, s.cfg.UserID)
	return nil
}

// MarkMessageAsRead sends a read receipt for one message. With no open
// socket the receipt queues and replays once a connection opens.
func (s *Session) MarkMessageAsRead(conversationID, messageID string) {
	s.registry.MarkMessageAsRead(ConversationScope(conversationID), messageID)
}

// MarkConversationRead resets the conversation's unread counter locally
// and server-side.
func (s *Session) MarkConversationRead(ctx context.Context, conversationID string) error {
	s.log.MarkRead(conversationID)
	if err := s.client.Conversations.MarkAsRead(ctx, conversationID); err != nil {
		return errors.Wrap(err, "mark conversation read")
	}
	return nil
}

// StartTyping signals the local user is composing in a conversation.
func (s *Session) StartTyping(conversationID string) { s.typing.StartTyping(conversationID) }

// StopTyping clears the local typing state for a conversation.
func (s *Session) StopTyping(conversationID string) { s.typing.StopTyping(conversationID) }

// Ingest feeds an externally delivered event, such as one received by a
// webhook, through the same routing as socket events.
func (s *Session) Ingest(ev *Event) {
	s.registry.Dispatcher().dispatch(ev)
}

// Client returns the underlying REST client.
func (s *Session) Client() *Client { return s.client }

// Messages returns a conversation's reconciled message sequence.
func (s *Session) Messages(conversationID string) []Message { return s.log.Messages(conversationID) }

// Unread returns a conversation's unread counter.
func (s *Session) Unread(conversationID string) int { return s.log.Unread(conversationID) }

// TypingUsers returns the peers typing in a conversation.
func (s *Session) TypingUsers(conversationID string) []TypingUser {
	return s.typing.TypingUsers(conversationID)
}

// OnPollError registers a callback fired each time the polling
// fallback for a conversation fails. The state is retryable; polling
// continues on its usual interval.
func (s *Session) OnPollError(fn func(conversationID string, err error)) {
	s.poller.OnError(fn)
}

// PollError returns the current polling failure for a conversation, or
// nil when the fallback is healthy.
func (s *Session) PollError(conversationID string) error {
	return s.poller.LastError(conversationID)
}

// Presence returns the presence tracker.
func (s *Session) Presence() *PresenceTracker { return s.presence }

// Notifications returns the notification center.
func (s *Session) Notifications() *NotificationCenter { return s.notify }

// On registers a handler for one inbound event type.
func (s *Session) On(eventType string, h EventHandler) {
	s.registry.Dispatcher().On(eventType, h)
}

// OnConnected registers a handler fired when a scope's socket opens.
func (s *Session) OnConnected(h func(scope Scope)) {
	s.registry.Dispatcher().OnConnected(h)
}

// OnDisconnected registers a handler fired when a scope's socket closes.
func (s *Session) OnDisconnected(h func(scope Scope, code int, reason string)) {
	s.registry.Dispatcher().OnDisconnected(h)
}

// OnReconnecting registers a handler fired before each reconnect
// attempt.
func (s *Session) OnReconnecting(h func(scope Scope, attempt int, delay time.Duration)) {
	s.registry.Dispatcher().OnReconnecting(h)
}

// Close tears the session down: typing state is flushed, pollers stop,
// and every socket closes cleanly. The session cannot be reused.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.typing.Close()
	s.poller.Close()
	s.registry.Close()
	return nil
}

// notificationFromEvent projects an inbound event onto a notification
// record. Events originated by the local user never notify.
func notificationFromEvent(ev *Event, localUserID string) (Notification, bool) {
	if ev.UserID == localUserID {
		return Notification{}, false
	}
	switch ev.Type {
	case EventNewMessage:
		if ev.Message == nil || ev.Message.SenderID == localUserID {
			return Notification{}, false
		}
		return Notification{
			ID:        "msg-" + ev.Message.ID,
			UserID:    localUserID,
			Type:      NotifyMessage,
			Title:     ev.Message.SenderName,
			Body:      ev.Message.Content,
			CreatedAt: ev.Message.CreatedAt,
		}, true
	case EventFollow:
		return Notification{
			ID:        "follow-" + ev.UserID,
			UserID:    localUserID,
			Type:      NotifyFollow,
			Title:     ev.Username,
			Body:      ev.Username + " started following you",
			CreatedAt: ev.Timestamp,
		}, true
	}
	return Notification{}, false
}
