package hojo

import (
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"
)

// EventHandler consumes one inbound realtime event.
type EventHandler func(ev *Event)

// dispatcher fans inbound events out to registered handlers. Dispatch is
// synchronous and in arrival order: the message reconciler's ordering
// guarantees depend on events reaching every consumer in the order the
// connection delivered them.
type dispatcher struct {
	mu             sync.RWMutex
	all            []EventHandler
	byType         map[string][]EventHandler
	onConnected    []func(scope Scope)
	onDisconnected []func(scope Scope, code int, reason string)
	onReconnecting []func(scope Scope, attempt int, delay time.Duration)
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		byType: make(map[string][]EventHandler),
	}
}

// On registers a handler for one event type.
func (d *dispatcher) On(eventType string, h EventHandler) {
	d.mu.Lock()
	d.byType[eventType] = append(d.byType[eventType], h)
	d.mu.Unlock()
}

// OnAny registers a handler for every event type.
func (d *dispatcher) OnAny(h EventHandler) {
	d.mu.Lock()
	d.all = append(d.all, h)
	d.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (d *dispatcher) OnConnected(h func(scope Scope)) {
	d.mu.Lock()
	d.onConnected = append(d.onConnected, h)
	d.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (d *dispatcher) OnDisconnected(h func(scope Scope, code int, reason string)) {
	d.mu.Lock()
	d.onDisconnected = append(d.onDisconnected, h)
	d.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (d *dispatcher) OnReconnecting(h func(scope Scope, attempt int, delay time.Duration)) {
	d.mu.Lock()
	d.onReconnecting = append(d.onReconnecting, h)
	d.mu.Unlock()
}

func (d *dispatcher) dispatch(ev *Event) {
	d.mu.RLock()
	all := d.all
	typed := d.byType[ev.Type]
	d.mu.RUnlock()

	for _, h := range all {
		safeDispatch(h, ev)
	}
	for _, h := range typed {
		safeDispatch(h, ev)
	}
}

// safeDispatch swallows panics in user callbacks; a broken handler must
// not take down the read loop.
func safeDispatch(h EventHandler, ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			jww.ERROR.Printf("event handler panic on %q: %v", ev.Type, r)
		}
	}()
	h(ev)
}

func (d *dispatcher) emitConnected(scope Scope) {
	d.mu.RLock()
	handlers := append([]func(Scope){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(scope)
	}
}

func (d *dispatcher) emitDisconnected(scope Scope, code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(Scope, int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(scope, code, reason)
	}
}

func (d *dispatcher) emitReconnecting(scope Scope, attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(Scope, int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(scope, attempt, delay)
	}
}
