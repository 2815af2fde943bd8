package hojo

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Message Log
// ============================================================================

// MessageLog merges optimistic, server-confirmed, and peer-delivered
// copies of messages into one ordered, id-deduplicated sequence per
// conversation, and keeps the unread counters that depend on which
// conversation is actively viewed.
//
// Ordering: creation timestamp ascending, ties broken by arrival order.
// Duplicate ids never appear; a confirmed or peer copy of an optimistic
// message replaces the local entry instead of duplicating it.
type MessageLog struct {
	localUserID string

	mu     sync.RWMutex
	convs  map[string]*convLog
	unread map[string]int
	active string
	seq    int64

	now func() time.Time
}

type logEntry struct {
	msg Message
	seq int64
}

type convLog struct {
	entries []logEntry
}

// NewMessageLog creates a log for the given local user. The local user
// id drives unread counting and optimistic-send matching.
func NewMessageLog(localUserID string) *MessageLog {
	return &MessageLog{
		localUserID: localUserID,
		convs:       make(map[string]*convLog),
		unread:      make(map[string]int),
		now:         time.Now,
	}
}

// SetActive records the conversation currently being viewed. Messages
// arriving for the active conversation never increment its unread
// counter. An empty id means no conversation is in view.
func (l *MessageLog) SetActive(conversationID string) {
	l.mu.Lock()
	l.active = conversationID
	l.mu.Unlock()
}

// Active returns the actively viewed conversation id.
func (l *MessageLog) Active() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

func (l *MessageLog) conv(conversationID string) *convLog {
	c, ok := l.convs[conversationID]
	if !ok {
		c = &convLog{}
		l.convs[conversationID] = c
	}
	return c
}

func (c *convLog) find(id string) int {
	for i := range c.entries {
		if c.entries[i].msg.ID == id {
			return i
		}
	}
	return -1
}

// sortEntries restores timestamp order after an insert or replace.
// The sort is stable over the arrival sequence number, so equal
// timestamps keep arrival order.
func (c *convLog) sortEntries() {
	sort.SliceStable(c.entries, func(i, j int) bool {
		if c.entries[i].msg.CreatedAt != c.entries[j].msg.CreatedAt {
			return c.entries[i].msg.CreatedAt < c.entries[j].msg.CreatedAt
		}
		return c.entries[i].seq < c.entries[j].seq
	})
}

// ApplyOptimistic inserts a locally-originated message immediately,
// before the server has confirmed it. Missing identity fields are filled
// in: a "local-" temporary id, a client id, the local sender, and the
// current timestamp. The temporary id is returned so the caller can roll
// the entry back if the send fails.
func (l *MessageLog) ApplyOptimistic(msg Message) string {
	if msg.ClientID == "" {
		msg.ClientID = generateUUID()
	}
	if msg.ID == "" {
		msg.ID = "local-" + msg.ClientID
	}
	if msg.SenderID == "" {
		msg.SenderID = l.localUserID
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = l.now().UnixMilli()
	}
	if msg.Type == "" {
		msg.Type = MessageText
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.conv(msg.ConversationID)
	l.seq++
	c.entries = append(c.entries, logEntry{msg: msg, seq: l.seq})
	c.sortEntries()
	return msg.ID
}

// ApplyConfirmed merges the server's copy of a message the local user
// sent. A matching optimistic entry is replaced in place; an already
// known id is skipped; otherwise the message is appended in timestamp
// order.
func (l *MessageLog) ApplyConfirmed(msg Message) {
	l.merge(msg, false)
}

// ApplyRemote merges a socket-delivered message. The dedup logic is the
// same as ApplyConfirmed, which guards against double-insertion when
// both the REST response and the socket echo arrive for one message; a
// peer message that is genuinely new additionally counts toward the
// conversation's unread counter.
func (l *MessageLog) ApplyRemote(msg Message) {
	l.merge(msg, true)
}

func (l *MessageLog) merge(msg Message, countUnread bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.conv(msg.ConversationID)

	// Idempotent on id.
	if i := c.find(msg.ID); i >= 0 {
		return
	}

	// Replace a matching optimistic entry in place: first by client id,
	// else by sender and content, oldest first. The second match covers
	// the socket echo racing ahead of the REST response.
	replaced := false
	for i := range c.entries {
		e := &c.entries[i]
		if !e.msg.IsLocal() {
			continue
		}
		if (msg.ClientID != "" && e.msg.ClientID == msg.ClientID) ||
			(e.msg.SenderID == msg.SenderID && e.msg.Content == msg.Content) {
			e.msg = msg
			replaced = true
			break
		}
	}
	if !replaced {
		l.seq++
		c.entries = append(c.entries, logEntry{msg: msg, seq: l.seq})
	}
	c.sortEntries()

	if countUnread && !replaced && msg.SenderID != l.localUserID &&
		msg.ConversationID != l.active {
		l.unread[msg.ConversationID]++
	}
}

// RemoveLocal removes one optimistic entry by its temporary id. Callers
// use it to roll back a failed send; there is no automatic rollback
// timer.
func (l *MessageLog) RemoveLocal(conversationID, tempID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.convs[conversationID]
	if !ok {
		return false
	}
	i := c.find(tempID)
	if i < 0 || !c.entries[i].msg.IsLocal() {
		return false
	}
	c.entries = append(c.entries[:i], c.entries[i+1:]...)
	return true
}

// Messages returns the conversation's ordered sequence.
func (l *MessageLog) Messages(conversationID string) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]Message, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.msg
	}
	return out
}

// OldestTimestamp returns the creation timestamp of the oldest held
// message, or 0 when the conversation is empty.
func (l *MessageLog) OldestTimestamp(conversationID string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.convs[conversationID]
	if !ok || len(c.entries) == 0 {
		return 0
	}
	return c.entries[0].msg.CreatedAt
}

// LatestTimestamp returns the creation timestamp of the newest held
// message, or 0 when the conversation is empty.
func (l *MessageLog) LatestTimestamp(conversationID string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.convs[conversationID]
	if !ok || len(c.entries) == 0 {
		return 0
	}
	return c.entries[len(c.entries)-1].msg.CreatedAt
}

// LoadOlder fetches and merges messages strictly older than the oldest
// currently held one, for backward pagination. Ids already held are
// never duplicated. It returns the number of messages added.
func (l *MessageLog) LoadOlder(ctx context.Context, store MessageStore, conversationID string, limit int) (int, error) {
	before := l.OldestTimestamp(conversationID)
	msgs, err := store.FetchMessages(ctx, conversationID, limit, before)
	if err != nil {
		return 0, fmt.Errorf("load older messages: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.conv(conversationID)
	added := 0
	for _, m := range msgs {
		if before > 0 && m.CreatedAt >= before {
			continue
		}
		if c.find(m.ID) >= 0 {
			continue
		}
		l.seq++
		c.entries = append(c.entries, logEntry{msg: m, seq: l.seq})
		added++
	}
	if added > 0 {
		c.sortEntries()
	}
	return added, nil
}

// ============================================================================
// Per-message mutations from inbound events
// ============================================================================

// ApplyReaction records an emoji reaction delivered by a
// message_reaction event. Multiplicity per user is unconstrained.
func (l *MessageLog) ApplyReaction(conversationID, messageID, emoji, userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.convs[conversationID]
	if !ok {
		return
	}
	if i := c.find(messageID); i >= 0 {
		c.entries[i].msg.Reactions = append(c.entries[i].msg.Reactions,
			Reaction{Emoji: emoji, UserID: userID})
	}
}

// ApplyRead records a reader id delivered by a message_read event.
func (l *MessageLog) ApplyRead(conversationID, messageID, userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.convs[conversationID]
	if !ok {
		return
	}
	i := c.find(messageID)
	if i < 0 {
		return
	}
	for _, id := range c.entries[i].msg.ReadBy {
		if id == userID {
			return
		}
	}
	c.entries[i].msg.ReadBy = append(c.entries[i].msg.ReadBy, userID)
}

// ApplyEdit replaces a message's content in place.
func (l *MessageLog) ApplyEdit(conversationID, messageID, content string, editedAt int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.convs[conversationID]
	if !ok {
		return
	}
	if i := c.find(messageID); i >= 0 {
		c.entries[i].msg.Content = content
		c.entries[i].msg.EditedAt = editedAt
	}
}

// ApplyDelete marks a message deleted without disturbing the sequence.
func (l *MessageLog) ApplyDelete(conversationID, messageID string, deletedAt int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.convs[conversationID]
	if !ok {
		return
	}
	if i := c.find(messageID); i >= 0 {
		c.entries[i].msg.DeletedAt = deletedAt
	}
}

// ============================================================================
// Unread counters
// ============================================================================

// Unread returns the conversation's unread counter.
func (l *MessageLog) Unread(conversationID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.unread[conversationID]
}

// MarkRead resets the conversation's unread counter to zero.
func (l *MessageLog) MarkRead(conversationID string) {
	l.mu.Lock()
	delete(l.unread, conversationID)
	l.mu.Unlock()
}

// ============================================================================
// Helpers
// ============================================================================

func generateUUID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	b[6] = (b[6] & 0x0f) | 0x40 // Version 4
	b[8] = (b[8] & 0x3f) | 0x80 // Variant 10
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
