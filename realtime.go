package hojo

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// ============================================================================
// Connection state
// ============================================================================

// ConnState is the connection lifecycle state.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
)

// Connection timing defaults. Reconnect delay is
// min(ReconnectBase * 2^attempt, ReconnectMax); the multiplier is fixed
// at 2 and applied uniformly.
const (
	DefaultReconnectBase     = 1 * time.Second
	DefaultReconnectMax      = 30 * time.Second
	DefaultOpenTimeout       = 10 * time.Second
	DefaultHeartbeatInterval = 25 * time.Second

	// maxPendingReads bounds the offline read-receipt queue; the oldest
	// entry is dropped when the bound is hit.
	maxPendingReads = 256

	writeTimeout = 10 * time.Second
)

// ErrNoIdentity is returned when a connection is requested before the
// session identity has resolved. This is usually transient; the caller
// retries once identity is available.
var ErrNoIdentity = errors.New("no user id for realtime connection")

// ConnConfig configures one realtime connection.
type ConnConfig struct {
	URL      string
	UserID   string
	Username string
	Role     string

	Transport Transport

	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	OpenTimeout       time.Duration
	HeartbeatInterval time.Duration
}

func (c *ConnConfig) defaults() {
	if c.Transport == nil {
		c.Transport = NewWSTransport()
	}
	if c.ReconnectBase == 0 {
		c.ReconnectBase = DefaultReconnectBase
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = DefaultReconnectMax
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
}

// pendingRead is a queued mark-as-read operation awaiting a connection.
type pendingRead struct {
	MessageID string
	QueuedAt  int64
}

// ============================================================================
// Connection
// ============================================================================

// Connection owns one realtime connection: dialing, the auth handshake,
// heartbeat, reconnection with capped exponential backoff, and the
// pending read-receipt queue. All transport callbacks check a closed
// flag first, because teardown can race with in-flight socket callbacks.
type Connection struct {
	scope Scope
	cfg   ConnConfig
	disp  *dispatcher

	mu         sync.Mutex
	state      ConnState
	conn       Conn
	closed     bool
	connecting bool
	attempt    int
	gen        int
	pending    []pendingRead
	readCancel context.CancelFunc

	reconnect timer
	heartbeat timer

	now func() time.Time
}

func newConnection(scope Scope, cfg ConnConfig, disp *dispatcher) *Connection {
	cfg.defaults()
	return &Connection{
		scope: scope,
		cfg:   cfg,
		disp:  disp,
		state: StateDisconnected,
		now:   time.Now,
	}
}

// Scope returns the scope this connection serves.
func (c *Connection) Scope() Scope { return c.scope }

// State returns the current lifecycle state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the connection is open.
func (c *Connection) Connected() bool {
	return c.State() == StateConnected
}

// PendingReads returns the number of queued read receipts.
func (c *Connection) PendingReads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) nowMillis() int64 {
	return c.now().UnixMilli()
}

// Connect establishes the connection. It is idempotent while an attempt
// is in flight or the connection is open. The open timeout covers the
// dial and the auth handshake; on timeout the attempt is abandoned and
// the reconnect path takes over.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if c.connecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if c.cfg.UserID == "" {
		c.mu.Unlock()
		// Typically a render-before-auth-resolved state; decline, do not
		// start the reconnect loop.
		jww.INFO.Printf("realtime %s: declining connect, identity not resolved", c.scope)
		return ErrNoIdentity
	}
	c.connecting = true
	c.state = StateConnecting
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.OpenTimeout)
	defer cancel()

	conn, err := c.cfg.Transport.Dial(dialCtx, c.cfg.URL)
	if err != nil {
		c.connectFailed(errors.Wrap(err, "dial"))
		return err
	}

	// Servers authorize the session from this first frame rather than
	// per-message tokens.
	auth := &Event{
		Type:      EventAuth,
		UserID:    c.cfg.UserID,
		Username:  c.cfg.Username,
		Role:      c.cfg.Role,
		Timestamp: c.nowMillis(),
	}
	if err := conn.WriteEvent(dialCtx, auth); err != nil {
		_ = conn.Close(CloseGoingAway, "auth handshake failed")
		c.connectFailed(errors.Wrap(err, "auth handshake"))
		return err
	}

	if err := c.drainPending(dialCtx, conn); err != nil {
		_ = conn.Close(CloseGoingAway, "pending drain failed")
		c.connectFailed(errors.Wrap(err, "pending drain"))
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close(CloseNormal, "client disconnect")
		return nil
	}
	c.conn = conn
	c.state = StateConnected
	c.connecting = false
	c.attempt = 0
	c.gen++
	gen := c.gen
	readCtx, readCancel := context.WithCancel(context.Background())
	c.readCancel = readCancel
	c.mu.Unlock()

	jww.INFO.Printf("realtime %s: connected", c.scope)

	go c.readLoop(readCtx, conn, gen)
	c.armHeartbeat(gen)
	c.disp.emitConnected(c.scope)
	return nil
}

// drainPending replays queued read receipts FIFO. It runs after the auth
// handshake and before the connection is handed to application logic, so
// receipts queued while offline are never reordered behind new traffic.
func (c *Connection) drainPending(ctx context.Context, conn Conn) error {
	c.mu.Lock()
	queue := c.pending
	c.pending = nil
	c.mu.Unlock()

	for i, op := range queue {
		ev := &Event{
			Type:      EventMessageRead,
			MessageID: op.MessageID,
			UserID:    c.cfg.UserID,
			Timestamp: c.nowMillis(),
		}
		if err := conn.WriteEvent(ctx, ev); err != nil {
			// Unsent receipts go back to the front, still FIFO.
			c.mu.Lock()
			c.pending = append(append([]pendingRead{}, queue[i:]...), c.pending...)
			c.mu.Unlock()
			return err
		}
	}
	if len(queue) > 0 {
		jww.INFO.Printf("realtime %s: replayed %d pending read receipts", c.scope, len(queue))
	}
	return nil
}

func (c *Connection) connectFailed(err error) {
	c.mu.Lock()
	c.connecting = false
	c.state = StateDisconnected
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	jww.WARN.Printf("realtime %s: connect failed: %v", c.scope, err)
	c.scheduleReconnect()
}

func (c *Connection) scheduleReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	n := c.attempt
	c.attempt++
	c.mu.Unlock()

	delay := backoffDelay(c.cfg.ReconnectBase, c.cfg.ReconnectMax, n)
	c.disp.emitReconnecting(c.scope, n+1, delay)
	jww.INFO.Printf("realtime %s: reconnect attempt %d in %s", c.scope, n+1, delay)

	c.reconnect.Arm(delay, func() {
		if c.isClosed() {
			return
		}
		_ = c.Connect(context.Background())
	})
}

// backoffDelay computes min(base * 2^attempt, max).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt > 30 {
		return max
	}
	d := base << uint(attempt)
	if d > max || d <= 0 {
		return max
	}
	return d
}

func (c *Connection) readLoop(ctx context.Context, conn Conn, gen int) {
	for {
		ev, err := conn.ReadEvent(ctx)
		if err != nil {
			c.handleReadError(err, gen)
			return
		}
		if c.isClosed() {
			return
		}
		if ev.Type == EventPong {
			jww.TRACE.Printf("realtime %s: pong", c.scope)
			continue
		}
		c.disp.dispatch(ev)
	}
}

func (c *Connection) handleReadError(err error, gen int) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.heartbeat.Cancel()

	code := closeCodeOf(err)
	c.disp.emitDisconnected(c.scope, code, err.Error())

	if code == CloseNormal || code == CloseGoingAway {
		jww.INFO.Printf("realtime %s: closed cleanly (%d)", c.scope, code)
		return
	}
	jww.WARN.Printf("realtime %s: connection lost: %v", c.scope, err)
	c.scheduleReconnect()
}

func (c *Connection) armHeartbeat(gen int) {
	c.heartbeat.Arm(c.cfg.HeartbeatInterval, func() {
		c.mu.Lock()
		stale := c.closed || gen != c.gen || c.state != StateConnected
		c.mu.Unlock()
		if stale {
			return
		}
		// Keeps intermediary proxies from killing idle connections; the
		// pong needs no handling beyond a trace log.
		if c.Send(&Event{Type: EventPing}) {
			c.armHeartbeat(gen)
		}
	})
}

// Send transmits an event if the connection is open. It reports success
// and never queues: the only operation with offline queueing semantics
// is MarkMessageAsRead.
func (c *Connection) Send(ev *Event) bool {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed || conn == nil {
		return false
	}

	if ev.Timestamp == 0 {
		ev.Timestamp = c.nowMillis()
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.WriteEvent(ctx, ev); err != nil {
		jww.WARN.Printf("realtime %s: send %q failed: %v", c.scope, ev.Type, err)
		return false
	}
	return true
}

// MarkMessageAsRead sends a read receipt, queueing it when no connection
// is open. Queued receipts are replayed FIFO on the next successful
// open; queueing also triggers a connection attempt if none is in
// flight.
func (c *Connection) MarkMessageAsRead(messageID string) {
	ev := &Event{
		Type:      EventMessageRead,
		MessageID: messageID,
		UserID:    c.cfg.UserID,
		Timestamp: c.nowMillis(),
	}
	if c.Send(ev) {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if len(c.pending) >= maxPendingReads {
		dropped := c.pending[0]
		c.pending = c.pending[1:]
		jww.WARN.Printf("realtime %s: pending read queue full, dropping receipt for %s",
			c.scope, dropped.MessageID)
	}
	c.pending = append(c.pending, pendingRead{MessageID: messageID, QueuedAt: c.nowMillis()})
	needConnect := !c.connecting && c.state != StateConnected
	c.mu.Unlock()

	if needConnect {
		go func() { _ = c.Connect(context.Background()) }()
	}
}

// Close tears the connection down: no callback fired after Close mutates
// shared state, the socket is closed with a clean code so the peer does
// not expect a reconnect, and all timers are cancelled.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	cancel := c.readCancel
	c.readCancel = nil
	c.mu.Unlock()

	c.reconnect.Cancel()
	c.heartbeat.Cancel()
	if cancel != nil {
		cancel()
	}

	var err error
	if conn != nil {
		err = conn.Close(CloseNormal, "client disconnect")
	}
	c.disp.emitDisconnected(c.scope, CloseNormal, "client disconnect")
	return err
}
