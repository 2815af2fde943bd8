package hojo

import (
	"sync"
	"time"
)

// timer owns exactly one logical timer (reconnect, heartbeat, typing
// expiry, poll) with explicit arm/cancel semantics, so that cancellation
// on teardown is auditable instead of hiding in closure-captured handles.
type timer struct {
	mu sync.Mutex
	t  *time.Timer
}

// Arm schedules fn after d, cancelling any previously armed callback.
func (tm *timer) Arm(d time.Duration, fn func()) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.t != nil {
		tm.t.Stop()
	}
	tm.t = time.AfterFunc(d, fn)
}

// Cancel stops the pending callback, if any. A callback already running
// is not interrupted; owners guard with their own closed flag.
func (tm *timer) Cancel() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.t != nil {
		tm.t.Stop()
		tm.t = nil
	}
}
