package hojo

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// ErrRegistryClosed is returned by Acquire after the registry was torn
// down.
var ErrRegistryClosed = errors.New("connection registry closed")

// RegistryConfig configures the connection registry.
type RegistryConfig struct {
	// Conn carries identity, transport, and timing settings applied to
	// every connection the registry creates. URL is ignored; URLFor
	// builds the per-scope endpoint.
	Conn ConnConfig

	// URLFor maps a scope to its connect target. The registry treats the
	// result as opaque.
	URLFor func(Scope) string
}

// Registry hands out realtime connections per scope. There is one shared
// global connection for the whole session; a conversation-scoped
// requester reuses it whenever it is open, and only gets a dedicated
// socket when no shared one is available. Consumers never close the
// shared connection; only Close does.
type Registry struct {
	cfg  RegistryConfig
	disp *dispatcher

	mu      sync.Mutex
	global  *Connection
	perConv map[string]*Connection
	refs    map[string]int
	closed  bool
}

// NewRegistry creates a connection registry. All connections share one
// dispatcher, so consumers observe a single fanned-out event stream no
// matter which socket delivered a frame.
func NewRegistry(cfg RegistryConfig, disp *dispatcher) *Registry {
	if disp == nil {
		disp = newDispatcher()
	}
	return &Registry{
		cfg:     cfg,
		disp:    disp,
		perConv: make(map[string]*Connection),
		refs:    make(map[string]int),
	}
}

// Dispatcher exposes the shared event stream for handler registration.
func (r *Registry) Dispatcher() *dispatcher { return r.disp }

func (r *Registry) newConn(scope Scope) *Connection {
	cfg := r.cfg.Conn
	cfg.URL = r.cfg.URLFor(scope)
	return newConnection(scope, cfg, r.disp)
}

// Acquire returns the connection serving scope, connecting it if needed.
// A conversation scope reuses the open global connection instead of
// opening a second socket; repeated acquires of the same dedicated scope
// are reference-counted.
func (r *Registry) Acquire(ctx context.Context, scope Scope) (*Connection, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}

	if scope.IsGlobal() {
		if r.global == nil {
			r.global = r.newConn(GlobalScope())
		}
		conn := r.global
		r.mu.Unlock()
		if err := conn.Connect(ctx); err != nil {
			return nil, err
		}
		return conn, nil
	}

	// Reuse rule: an open shared connection serves every conversation
	// view; N open views must not mean N sockets.
	if r.global != nil && r.global.Connected() {
		conn := r.global
		r.mu.Unlock()
		jww.DEBUG.Printf("realtime %s: reusing global connection", scope)
		return conn, nil
	}

	conn, ok := r.perConv[scope.ConversationID]
	if !ok {
		conn = r.newConn(scope)
		r.perConv[scope.ConversationID] = conn
	}
	r.refs[scope.ConversationID]++
	r.mu.Unlock()

	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

// connFor returns the connection currently serving scope, or nil.
func (r *Registry) connFor(scope Scope) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !scope.IsGlobal() {
		if conn, ok := r.perConv[scope.ConversationID]; ok {
			return conn
		}
	}
	return r.global
}

// Send routes an event to the connection serving scope. It reports
// success; there is no queueing (read receipts go through
// MarkMessageAsRead).
func (r *Registry) Send(scope Scope, ev *Event) bool {
	conn := r.connFor(scope)
	if conn == nil {
		return false
	}
	return conn.Send(ev)
}

// Connected reports whether a live connection serves scope.
func (r *Registry) Connected(scope Scope) bool {
	conn := r.connFor(scope)
	return conn != nil && conn.Connected()
}

// MarkMessageAsRead routes a read receipt to the connection serving
// scope, creating the global connection lazily so the receipt can be
// queued and replayed even when nothing is connected yet.
func (r *Registry) MarkMessageAsRead(scope Scope, messageID string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	conn := r.global
	if !scope.IsGlobal() {
		if dedicated, ok := r.perConv[scope.ConversationID]; ok {
			conn = dedicated
		}
	}
	if conn == nil {
		r.global = r.newConn(GlobalScope())
		conn = r.global
	}
	r.mu.Unlock()

	conn.MarkMessageAsRead(messageID)
}

// Release drops a consumer's claim on a conversation scope, closing the
// dedicated socket once the last claim is gone. Releasing a scope served
// by the shared global connection is a no-op: consumers may not close
// the shared socket.
func (r *Registry) Release(scope Scope) {
	if scope.IsGlobal() {
		return
	}

	r.mu.Lock()
	conn, ok := r.perConv[scope.ConversationID]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.refs[scope.ConversationID]--
	if r.refs[scope.ConversationID] > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.perConv, scope.ConversationID)
	delete(r.refs, scope.ConversationID)
	r.mu.Unlock()

	_ = conn.Close()
}

// Close tears down every connection, the shared global one included.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	global := r.global
	r.global = nil
	conns := make([]*Connection, 0, len(r.perConv))
	for _, c := range r.perConv {
		conns = append(conns, c)
	}
	r.perConv = make(map[string]*Connection)
	r.refs = make(map[string]int)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	if global != nil {
		_ = global.Close()
	}
}
