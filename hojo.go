// Package hojo provides the Go SDK for the Hojo platform's real-time
// messaging layer.
//
// The package owns the realtime connections (global and per-conversation),
// reconciles optimistic, confirmed, and peer-delivered messages into one
// ordered sequence per conversation, tracks typing and presence state, and
// dispatches notifications. Rendering layers consume read-only snapshots.
//
// Example:
//
//	client := hojo.NewClient(token)
//
//	session := hojo.NewSession(client, hojo.SessionConfig{
//		UserID:   "user-123",
//		Username: "ada",
//	})
//	if err := session.Connect(ctx); err != nil { ... }
//	defer session.Close()
//
//	session.SendMessage(ctx, "conv-1", "hello", hojo.MessageText, "")
package hojo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the hosted platform endpoint.
	DefaultBaseURL = "https://hojo.media"

	// DefaultTimeout bounds every REST request.
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client for the platform's data services. Realtime
// traffic goes through Session / Registry; the Client covers the
// persistence paths (conversations, message history and sends,
// notifications).
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client

	Conversations *ConversationsClient
	Messages      *MessagesClient
	Notifications *NotificationsClient
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the platform endpoint.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a platform client. token is the session bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Conversations = &ConversationsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Notifications = &NotificationsClient{c: c}
	return c
}

// SetToken replaces the bearer token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured platform endpoint.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SocketURL returns the realtime endpoint for a scope. An empty
// conversationID yields the global notifications socket.
func (c *Client) SocketURL(scope Scope, userID string) string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if scope.ConversationID == "" {
		return base + "/ws/notifications?userId=" + url.QueryEscape(userID)
	}
	return base + "/ws/conversations/" + url.PathEscape(scope.ConversationID) +
		"?userId=" + url.QueryEscape(userID)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Result](data)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// resultErr turns a non-OK envelope into an error.
func resultErr(r *Result, op string) error {
	if r.Error != nil {
		return r.Error
	}
	return fmt.Errorf("%s failed", op)
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationsClient handles conversation listing and read state.
type ConversationsClient struct{ c *Client }

// List fetches the caller's conversations.
func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	res, err := cv.c.do(ctx, "GET", "/api/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "list conversations")
	}
	var convos []Conversation
	if err := res.Decode(&convos); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}
	return convos, nil
}

// Get fetches a single conversation.
func (cv *ConversationsClient) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	res, err := cv.c.do(ctx, "GET", "/api/conversations/"+conversationID, nil, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "get conversation")
	}
	var convo Conversation
	if err := res.Decode(&convo); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}
	return &convo, nil
}

// MarkAsRead resets the conversation's unread counter server-side.
func (cv *ConversationsClient) MarkAsRead(ctx context.Context, conversationID string) error {
	res, err := cv.c.do(ctx, "POST", "/api/conversations/"+conversationID+"/read", nil, nil)
	if err != nil {
		return err
	}
	if !res.OK {
		return resultErr(res, "mark conversation read")
	}
	return nil
}

// ============================================================================
// Messages
// ============================================================================

// MessageStore is the persistence surface the realtime core consumes. The
// REST MessagesClient implements it; tests substitute fakes.
type MessageStore interface {
	FetchMessages(ctx context.Context, conversationID string, limit int, before int64) ([]Message, error)
	SendMessage(ctx context.Context, conversationID, content, msgType, replyToID string) (*Message, error)
	ReactToMessage(ctx context.Context, messageID, emoji string) (*Reaction, error)
}

// MessagesClient handles message history, sends, and reactions.
type MessagesClient struct{ c *Client }

var _ MessageStore = (*MessagesClient)(nil)

// FetchMessages returns up to limit messages of a conversation. A non-zero
// before cursor (epoch ms) restricts the page to strictly older messages.
func (m *MessagesClient) FetchMessages(ctx context.Context, conversationID string, limit int, before int64) ([]Message, error) {
	query := map[string]string{}
	if limit > 0 {
		query["limit"] = fmt.Sprintf("%d", limit)
	}
	if before > 0 {
		query["before"] = fmt.Sprintf("%d", before)
	}
	if len(query) == 0 {
		query = nil
	}
	res, err := m.c.do(ctx, "GET", "/api/messages/"+conversationID, nil, query)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "fetch messages")
	}
	var msgs []Message
	if err := res.Decode(&msgs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return msgs, nil
}

// SendMessage persists a message and returns the server record. This is
// the primary persistence path; the socket new_message send is a
// best-effort live fan-out layered on top.
func (m *MessagesClient) SendMessage(ctx context.Context, conversationID, content, msgType, replyToID string) (*Message, error) {
	if msgType == "" {
		msgType = MessageText
	}
	payload := map[string]any{"content": content, "type": msgType}
	if replyToID != "" {
		payload["replyToId"] = replyToID
	}
	res, err := m.c.do(ctx, "POST", "/api/messages/"+conversationID, payload, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "send message")
	}
	var msg Message
	if err := res.Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &msg, nil
}

// ReactToMessage adds an emoji reaction.
func (m *MessagesClient) ReactToMessage(ctx context.Context, messageID, emoji string) (*Reaction, error) {
	res, err := m.c.do(ctx, "POST", "/api/messages/reactions/"+messageID,
		map[string]string{"emoji": emoji}, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "react to message")
	}
	var reaction Reaction
	if err := res.Decode(&reaction); err != nil {
		return nil, fmt.Errorf("failed to decode reaction: %w", err)
	}
	return &reaction, nil
}

// Edit replaces a message's content.
func (m *MessagesClient) Edit(ctx context.Context, conversationID, messageID, content string) (*Message, error) {
	res, err := m.c.do(ctx, "PATCH", "/api/messages/"+conversationID+"/"+messageID,
		map[string]string{"content": content}, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "edit message")
	}
	var msg Message
	if err := res.Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &msg, nil
}

// Delete removes a message.
func (m *MessagesClient) Delete(ctx context.Context, conversationID, messageID string) error {
	res, err := m.c.do(ctx, "DELETE", "/api/messages/"+conversationID+"/"+messageID, nil, nil)
	if err != nil {
		return err
	}
	if !res.OK {
		return resultErr(res, "delete message")
	}
	return nil
}

// ============================================================================
// Notifications
// ============================================================================

// NotificationStore is the remote mirror for notification records. All
// mirror calls are best-effort; callers never roll back local state when
// one fails.
type NotificationStore interface {
	FetchNotifications(ctx context.Context, userID string) ([]Notification, error)
	CreateNotification(ctx context.Context, n *Notification) (*Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context, userID string) error
	DeleteNotification(ctx context.Context, id string) error
	ClearNotifications(ctx context.Context, userID string) error
}

// NotificationsClient handles notification persistence.
type NotificationsClient struct{ c *Client }

var _ NotificationStore = (*NotificationsClient)(nil)

// FetchNotifications returns the stored notifications for a user,
// newest first.
func (n *NotificationsClient) FetchNotifications(ctx context.Context, userID string) ([]Notification, error) {
	res, err := n.c.do(ctx, "GET", "/api/notifications", nil,
		map[string]string{"userId": userID})
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "fetch notifications")
	}
	var items []Notification
	if err := res.Decode(&items); err != nil {
		return nil, fmt.Errorf("failed to decode notifications: %w", err)
	}
	return items, nil
}

// CreateNotification persists a notification record.
func (n *NotificationsClient) CreateNotification(ctx context.Context, record *Notification) (*Notification, error) {
	res, err := n.c.do(ctx, "POST", "/api/notifications", record, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "create notification")
	}
	var created Notification
	if err := res.Decode(&created); err != nil {
		return nil, fmt.Errorf("failed to decode notification: %w", err)
	}
	return &created, nil
}

// MarkNotificationRead flags one notification as read.
func (n *NotificationsClient) MarkNotificationRead(ctx context.Context, id string) error {
	res, err := n.c.do(ctx, "POST", "/api/notifications/"+id+"/read", nil, nil)
	if err != nil {
		return err
	}
	if !res.OK {
		return resultErr(res, "mark notification read")
	}
	return nil
}

// MarkAllNotificationsRead flags every notification of a user as read.
func (n *NotificationsClient) MarkAllNotificationsRead(ctx context.Context, userID string) error {
	res, err := n.c.do(ctx, "POST", "/api/notifications/read-all", nil,
		map[string]string{"userId": userID})
	if err != nil {
		return err
	}
	if !res.OK {
		return resultErr(res, "mark all notifications read")
	}
	return nil
}

// DeleteNotification removes one notification.
func (n *NotificationsClient) DeleteNotification(ctx context.Context, id string) error {
	res, err := n.c.do(ctx, "DELETE", "/api/notifications/"+id, nil, nil)
	if err != nil {
		return err
	}
	if !res.OK {
		return resultErr(res, "delete notification")
	}
	return nil
}

// ClearNotifications removes every notification of a user.
func (n *NotificationsClient) ClearNotifications(ctx context.Context, userID string) error {
	res, err := n.c.do(ctx, "DELETE", "/api/notifications", nil,
		map[string]string{"userId": userID})
	if err != nil {
		return err
	}
	if !res.OK {
		return resultErr(res, "clear notifications")
	}
	return nil
}
