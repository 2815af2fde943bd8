package hojo

import (
	"sync"
	"time"
)

// ============================================================================
// Presence Tracker
// ============================================================================

// PresenceTracker maintains the set of online users from user_presence
// events. It is a passive projection of the event stream: it never
// sends anything.
type PresenceTracker struct {
	mu     sync.RWMutex
	online map[string]PresenceEntry

	now func() time.Time
}

// PresenceEntry records one online user and when their presence was
// last reported.
type PresenceEntry struct {
	UserID   string
	Username string
	LastSeen int64
}

// NewPresenceTracker creates an empty tracker.
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		online: make(map[string]PresenceEntry),
		now:    time.Now,
	}
}

// HandleEvent ingests a user_presence event, adding or removing the
// user from the online set.
func (p *PresenceTracker) HandleEvent(ev *Event) {
	if ev.Type != EventUserPresence || ev.UserID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.IsOnline {
		p.online[ev.UserID] = PresenceEntry{
			UserID:   ev.UserID,
			Username: ev.Username,
			LastSeen: p.now().UnixMilli(),
		}
	} else {
		delete(p.online, ev.UserID)
	}
}

// IsOnline reports whether a user is currently online.
func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[userID]
	return ok
}

// Online returns a snapshot of every online user.
func (p *PresenceTracker) Online() []PresenceEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PresenceEntry, 0, len(p.online))
	for _, e := range p.online {
		out = append(out, e)
	}
	return out
}

// Reset drops all presence state, typically on disconnect when the
// server will replay presence after reconnecting.
func (p *PresenceTracker) Reset() {
	p.mu.Lock()
	p.online = make(map[string]PresenceEntry)
	p.mu.Unlock()
}
