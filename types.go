package hojo

import (
	"encoding/json"
	"strings"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Message Types
// ============================================================================

// Message content types.
const (
	MessageText   = "text"
	MessageImage  = "image"
	MessageFile   = "file"
	MessageSystem = "system"
)

// Reaction is a single emoji reaction on a message.
type Reaction struct {
	Emoji  string `json:"emoji"`
	UserID string `json:"userId"`
}

// Message is one message in a conversation. Timestamps are epoch
// milliseconds. A message whose ID carries the "local-" prefix is an
// optimistic local entry awaiting server confirmation.
type Message struct {
	ID             string     `json:"id"`
	ClientID       string     `json:"clientId,omitempty"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	SenderName     string     `json:"senderName,omitempty"`
	Content        string     `json:"content"`
	Type           string     `json:"type"`
	ReplyToID      string     `json:"replyToId,omitempty"`
	Reactions      []Reaction `json:"reactions,omitempty"`
	ReadBy         []string   `json:"readBy,omitempty"`
	CreatedAt      int64      `json:"createdAt"`
	EditedAt       int64      `json:"editedAt,omitempty"`
	DeletedAt      int64      `json:"deletedAt,omitempty"`
}

// IsLocal reports whether the message is an unconfirmed optimistic entry.
func (m *Message) IsLocal() bool {
	return strings.HasPrefix(m.ID, "local-")
}

// ============================================================================
// Conversation Types
// ============================================================================

// Conversation kinds.
const (
	ConversationDirect = "direct"
	ConversationGroup  = "group"
)

// Participant is a member of a conversation.
type Participant struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

// Conversation is one direct or group conversation.
type Conversation struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	Title        string        `json:"title,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
	LastMessage  *Message      `json:"lastMessage,omitempty"`
	UnreadCount  int           `json:"unreadCount"`
	CreatedAt    int64         `json:"createdAt,omitempty"`
	UpdatedAt    int64         `json:"updatedAt,omitempty"`
}

// TypingUser is a peer currently typing in a conversation. LastSignal is
// the epoch-millisecond time of the most recent typing signal.
type TypingUser struct {
	UserID     string `json:"userId"`
	Username   string `json:"username"`
	LastSignal int64  `json:"lastSignal"`
}

// ============================================================================
// Notification Types
// ============================================================================

// NotificationType is the closed set of notification kinds.
type NotificationType string

const (
	NotifyMessage     NotificationType = "message"
	NotifyFollow      NotificationType = "follow"
	NotifyUnfollow    NotificationType = "unfollow"
	NotifyLike        NotificationType = "like"
	NotifyUnlike      NotificationType = "unlike"
	NotifyComment     NotificationType = "comment"
	NotifyMention     NotificationType = "mention"
	NotifySystem      NotificationType = "system"
	NotifySecurity    NotificationType = "security"
	NotifyAchievement NotificationType = "achievement"
)

// NotificationTypes lists every recognized notification type.
var NotificationTypes = []NotificationType{
	NotifyMessage, NotifyFollow, NotifyUnfollow, NotifyLike, NotifyUnlike,
	NotifyComment, NotifyMention, NotifySystem, NotifySecurity,
	NotifyAchievement,
}

// Notification is one user-facing notification record.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title,omitempty"`
	Body      string           `json:"body,omitempty"`
	Data      map[string]any   `json:"data,omitempty"`
	Read      bool             `json:"read"`
	CreatedAt int64            `json:"createdAt"`
}

// ============================================================================
// Realtime Event Envelope
// ============================================================================

// Event types carried over the realtime connection.
const (
	EventAuth         = "auth"
	EventPing         = "ping"
	EventPong         = "pong"
	EventNewMessage   = "new_message"
	EventTypingUpdate = "typing_update"
	EventUserPresence = "user_presence"
	EventMessageRead  = "message_read"
	EventMessageReact = "message_reaction"
	EventFollow       = "follow"
	EventGuestRequest = "guest_request_update"
	EventRoomState    = "room_state"
)

// Event is the wire envelope for all realtime traffic, discriminated by
// Type. Timestamp is epoch milliseconds; the remaining fields are
// populated per type.
type Event struct {
	Type           string         `json:"type"`
	Timestamp      int64          `json:"timestamp,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	UserID         string         `json:"userId,omitempty"`
	Username       string         `json:"username,omitempty"`
	Role           string         `json:"role,omitempty"`
	IsTyping       bool           `json:"isTyping,omitempty"`
	IsOnline       bool           `json:"isOnline,omitempty"`
	MessageID      string         `json:"messageId,omitempty"`
	Emoji          string         `json:"emoji,omitempty"`
	Message        *Message       `json:"message,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}
