package hojo

import (
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"
)

// ============================================================================
// Typing Coordinator
// ============================================================================

const (
	// DefaultTypingExpiry is how long a peer stays in the typing set
	// after their last typing signal.
	DefaultTypingExpiry = 3 * time.Second

	// DefaultTypingSweepInterval is how often stale typing entries are
	// evicted.
	DefaultTypingSweepInterval = 1 * time.Second
)

// TypingEmitter sends a typing signal for one conversation. Registry
// satisfies it.
type TypingEmitter interface {
	Send(scope Scope, ev *Event) bool
}

// TypingCoordinator tracks which peers are typing in each conversation
// and debounces the local user's outbound typing signals.
//
// A peer expires from the typing set after DefaultTypingExpiry without
// a fresh signal; a background sweep enforces the expiry even when no
// further events arrive. The local user never appears in the set.
type TypingCoordinator struct {
	emitter  TypingEmitter
	userID   string
	username string
	expiry   time.Duration

	mu      sync.Mutex
	peers   map[string]map[string]TypingUser // conversation id -> user id -> entry
	sending map[string]*typingOut            // conversation id -> local outbound state
	done    chan struct{}
	closed  bool

	now func() time.Time
}

type typingOut struct {
	active bool
	idle   timer
}

// NewTypingCoordinator starts the coordinator and its sweep loop.
func NewTypingCoordinator(emitter TypingEmitter, userID, username string) *TypingCoordinator {
	tc := &TypingCoordinator{
		emitter:  emitter,
		userID:   userID,
		username: username,
		expiry:   DefaultTypingExpiry,
		peers:    make(map[string]map[string]TypingUser),
		sending:  make(map[string]*typingOut),
		done:     make(chan struct{}),
		now:      time.Now,
	}
	go tc.sweepLoop(DefaultTypingSweepInterval)
	return tc
}

// HandleEvent ingests a typing_update event. Signals about the local
// user are ignored.
func (tc *TypingCoordinator) HandleEvent(ev *Event) {
	if ev.Type != EventTypingUpdate || ev.UserID == "" || ev.UserID == tc.userID {
		return
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if ev.IsTyping {
		set, ok := tc.peers[ev.ConversationID]
		if !ok {
			set = make(map[string]TypingUser)
			tc.peers[ev.ConversationID] = set
		}
		set[ev.UserID] = TypingUser{
			UserID:     ev.UserID,
			Username:   ev.Username,
			LastSignal: tc.now().UnixMilli(),
		}
	} else if set, ok := tc.peers[ev.ConversationID]; ok {
		delete(set, ev.UserID)
	}
}

// TypingUsers returns the peers currently typing in a conversation.
// Entries past the expiry window are excluded even if the sweep has not
// run yet.
func (tc *TypingCoordinator) TypingUsers(conversationID string) []TypingUser {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	set := tc.peers[conversationID]
	if len(set) == 0 {
		return nil
	}
	cutoff := tc.now().Add(-tc.expiry).UnixMilli()
	out := make([]TypingUser, 0, len(set))
	for _, u := range set {
		if u.LastSignal > cutoff {
			out = append(out, u)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// StartTyping signals that the local user is composing in the given
// conversation. The first call sends a typing=true event; repeated
// calls while already typing only rewind the inactivity timer, so the
// wire sees exactly one start per burst. After DefaultTypingExpiry
// without another call, a typing=false event is sent automatically.
func (tc *TypingCoordinator) StartTyping(conversationID string) {
	tc.mu.Lock()
	if tc.closed {
		tc.mu.Unlock()
		return
	}
	out, ok := tc.sending[conversationID]
	if !ok {
		out = &typingOut{}
		tc.sending[conversationID] = out
	}
	first := !out.active
	out.active = true
	out.idle.Arm(tc.expiry, func() { tc.StopTyping(conversationID) })
	tc.mu.Unlock()

	if first {
		tc.emit(conversationID, true)
	}
}

// StopTyping clears the local typing state and signals typing=false.
// Calling it while not typing is a no-op.
func (tc *TypingCoordinator) StopTyping(conversationID string) {
	tc.mu.Lock()
	out, ok := tc.sending[conversationID]
	if !ok || !out.active {
		tc.mu.Unlock()
		return
	}
	out.active = false
	out.idle.Cancel()
	tc.mu.Unlock()

	tc.emit(conversationID, false)
}

func (tc *TypingCoordinator) emit(conversationID string, typing bool) {
	ok := tc.emitter.Send(ConversationScope(conversationID), &Event{
		Type:           EventTypingUpdate,
		ConversationID: conversationID,
		UserID:         tc.userID,
		Username:       tc.username,
		IsTyping:       typing,
	})
	if !ok {
		jww.DEBUG.Printf("typing signal dropped, no open connection for %s", conversationID)
	}
}

func (tc *TypingCoordinator) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-tc.done:
			return
		case <-ticker.C:
			tc.sweep()
		}
	}
}

func (tc *TypingCoordinator) sweep() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	cutoff := tc.now().Add(-tc.expiry).UnixMilli()
	for convID, set := range tc.peers {
		for id, u := range set {
			if u.LastSignal <= cutoff {
				delete(set, id)
			}
		}
		if len(set) == 0 {
			delete(tc.peers, convID)
		}
	}
}

// Close stops the sweep loop and flushes a typing=false signal for any
// conversation the local user was still composing in.
func (tc *TypingCoordinator) Close() {
	tc.mu.Lock()
	if tc.closed {
		tc.mu.Unlock()
		return
	}
	tc.closed = true
	close(tc.done)
	var flush []string
	for convID, out := range tc.sending {
		if out.active {
			out.active = false
			out.idle.Cancel()
			flush = append(flush, convID)
		}
	}
	tc.mu.Unlock()

	for _, convID := range flush {
		tc.emit(convID, false)
	}
}
