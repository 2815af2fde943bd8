package hojo

import (
	"context"
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"
)

// ============================================================================
// Polling Fallback
// ============================================================================

// DefaultPollInterval is how often the fallback poller checks for new
// messages while the realtime connection is down.
const DefaultPollInterval = 3 * time.Second

const defaultPollLimit = 50

// Poller periodically fetches recent messages for one conversation and
// merges them into the message log. It only polls while the realtime
// connection is down; each tick where the connection is up is skipped.
// Merging goes through the log's dedup, so a message delivered both by
// a poll and by the socket appears once.
type Poller struct {
	store    MessageStore
	log      *MessageLog
	interval time.Duration
	limit    int

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	errs    map[string]error
	onError func(conversationID string, err error)
}

// NewPoller creates a poller backed by store, merging into log.
func NewPoller(store MessageStore, log *MessageLog) *Poller {
	return &Poller{
		store:    store,
		log:      log,
		interval: DefaultPollInterval,
		limit:    defaultPollLimit,
		cancels:  make(map[string]context.CancelFunc),
		errs:     make(map[string]error),
	}
}

// OnError registers a callback fired each time a poll fails. The
// failure is retryable; the poller keeps ticking and the callback fires
// again on the next failed attempt.
func (p *Poller) OnError(fn func(conversationID string, err error)) {
	p.mu.Lock()
	p.onError = fn
	p.mu.Unlock()
}

// LastError returns the most recent poll failure for the conversation,
// or nil. It clears on the next successful poll, so a non-nil result
// means the fallback path is currently failing too.
func (p *Poller) LastError(conversationID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errs[conversationID]
}

// Start begins polling the conversation. connected reports whether a
// live connection currently covers it; ticks where it returns true are
// skipped. Starting an already polled conversation is a no-op.
func (p *Poller) Start(conversationID string, connected func() bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.cancels[conversationID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancels[conversationID] = cancel
	go p.loop(ctx, conversationID, connected)
}

// Stop ends polling for the conversation.
func (p *Poller) Stop(conversationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.cancels[conversationID]; ok {
		cancel()
		delete(p.cancels, conversationID)
		delete(p.errs, conversationID)
	}
}

// Close ends polling for every conversation.
func (p *Poller) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, cancel := range p.cancels {
		cancel()
		delete(p.cancels, id)
		delete(p.errs, id)
	}
}

func (p *Poller) loop(ctx context.Context, conversationID string, connected func() bool) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if connected != nil && connected() {
				continue
			}
			p.pollOnce(ctx, conversationID)
		}
	}
}

// pollOnce fetches the newest page and merges it. Held ids are dropped
// by the log, so only genuinely new messages land.
func (p *Poller) pollOnce(ctx context.Context, conversationID string) {
	fctx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()
	msgs, err := p.store.FetchMessages(fctx, conversationID, p.limit, 0)
	p.mu.Lock()
	if err != nil {
		p.errs[conversationID] = err
		fn := p.onError
		p.mu.Unlock()
		jww.WARN.Printf("poll %s: %v", conversationID, err)
		if fn != nil {
			fn(conversationID, err)
		}
		return
	}
	delete(p.errs, conversationID)
	p.mu.Unlock()
	latest := p.log.LatestTimestamp(conversationID)
	for _, m := range msgs {
		if latest > 0 && m.CreatedAt < latest {
			continue
		}
		p.log.ApplyRemote(m)
	}
}
