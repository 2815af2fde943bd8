package hojo

import (
	"context"
	"errors"
	"fmt"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Scope
// ============================================================================

// Scope identifies which connection a consumer wants: the process-wide
// global socket (zero value) or a conversation-scoped one.
type Scope struct {
	ConversationID string
}

// GlobalScope addresses the shared process-wide connection.
func GlobalScope() Scope { return Scope{} }

// ConversationScope addresses a per-conversation connection.
func ConversationScope(conversationID string) Scope {
	return Scope{ConversationID: conversationID}
}

// IsGlobal reports whether the scope is the shared global connection.
func (s Scope) IsGlobal() bool { return s.ConversationID == "" }

func (s Scope) String() string {
	if s.IsGlobal() {
		return "global"
	}
	return "conversation:" + s.ConversationID
}

// ============================================================================
// Transport abstraction
// ============================================================================

// Close codes mirrored from RFC 6455. Closes with CloseNormal or
// CloseGoingAway are clean; anything else triggers the reconnect path.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
)

// CloseError is the read-side error carrying the peer's close code.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed (%d): %s", e.Code, e.Reason)
}

// Clean reports whether the close was intentional on either side.
func (e *CloseError) Clean() bool {
	return e.Code == CloseNormal || e.Code == CloseGoingAway
}

// closeCodeOf extracts a close code from a read error, or -1.
func closeCodeOf(err error) int {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return -1
}

// Conn is one duplex realtime connection carrying Event frames.
type Conn interface {
	// ReadEvent blocks for the next inbound event. On peer close it
	// returns a *CloseError so the owner can tell clean from unclean.
	ReadEvent(ctx context.Context) (*Event, error)

	// WriteEvent transmits one event.
	WriteEvent(ctx context.Context, ev *Event) error

	// Close performs a close handshake with the given code.
	Close(code int, reason string) error
}

// Transport dials realtime connections. The production transport speaks
// WebSocket; tests inject fakes so the connection state machine can be
// driven deterministically.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// ============================================================================
// WebSocket transport
// ============================================================================

// WSTransport is the production Transport over nhooyr.io/websocket.
type WSTransport struct {
	// Opts are passed through to the dialer, e.g. to set an HTTP client.
	Opts *websocket.DialOptions
}

// NewWSTransport creates the default WebSocket transport.
func NewWSTransport() *WSTransport { return &WSTransport{} }

// Dial opens a WebSocket connection to url.
func (t *WSTransport) Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, t.Opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &wsConn{conn: c}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadEvent(ctx context.Context) (*Event, error) {
	var ev Event
	if err := wsjson.Read(ctx, c.conn, &ev); err != nil {
		if code := websocket.CloseStatus(err); code != -1 {
			return nil, &CloseError{Code: int(code), Reason: err.Error()}
		}
		return nil, err
	}
	return &ev, nil
}

func (c *wsConn) WriteEvent(ctx context.Context, ev *Event) error {
	return wsjson.Write(ctx, c.conn, ev)
}

func (c *wsConn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}
