package hojo

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPollOnceMergesNewMessages(t *testing.T) {
	l := NewMessageLog("u1")
	l.ApplyRemote(Message{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "a", CreatedAt: 100})

	store := &fakeMessageStore{
		fetch: func(conversationID string, limit int, before int64) ([]Message, error) {
			return []Message{
				{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "a", CreatedAt: 100},
				{ID: "m2", ConversationID: "c1", SenderID: "u2", Content: "b", CreatedAt: 200},
			}, nil
		},
	}

	p := NewPoller(store, l)
	p.pollOnce(context.Background(), "c1")

	assertIDs(t, l.Messages("c1"), "m1", "m2")
	if got := l.Unread("c1"); got != 1 {
		t.Fatalf("unread = %d, want 1 (only the new message counts)", got)
	}
}

func TestPollFailureSurfacesRetryableError(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	store := &fakeMessageStore{
		fetch: func(string, int, int64) ([]Message, error) {
			if fail.Load() {
				return nil, errors.New("server unreachable")
			}
			return nil, nil
		},
	}

	p := NewPoller(store, NewMessageLog("u1"))
	var notified int32
	p.OnError(func(conversationID string, err error) {
		if conversationID != "c1" || err == nil {
			t.Errorf("error callback got (%q, %v)", conversationID, err)
		}
		atomic.AddInt32(&notified, 1)
	})

	p.pollOnce(context.Background(), "c1")
	if p.LastError("c1") == nil {
		t.Fatal("failed poll left no error state")
	}
	if atomic.LoadInt32(&notified) != 1 {
		t.Fatalf("error callbacks = %d, want 1", notified)
	}

	// Each failed attempt fires again; the state stays retryable.
	p.pollOnce(context.Background(), "c1")
	if atomic.LoadInt32(&notified) != 2 {
		t.Fatalf("error callbacks = %d, want 2", notified)
	}

	// A successful poll clears the error state.
	fail.Store(false)
	p.pollOnce(context.Background(), "c1")
	if err := p.LastError("c1"); err != nil {
		t.Fatalf("error state survived a successful poll: %v", err)
	}
}

func TestPollErrorsAreScopedPerConversation(t *testing.T) {
	store := &fakeMessageStore{
		fetch: func(conversationID string, limit int, before int64) ([]Message, error) {
			if conversationID == "c1" {
				return nil, errors.New("server unreachable")
			}
			return nil, nil
		},
	}

	p := NewPoller(store, NewMessageLog("u1"))
	p.pollOnce(context.Background(), "c1")
	p.pollOnce(context.Background(), "c2")

	if p.LastError("c1") == nil {
		t.Fatal("failing conversation has no error state")
	}
	if err := p.LastError("c2"); err != nil {
		t.Fatalf("healthy conversation carries an error: %v", err)
	}
}

func TestPollStopClearsErrorState(t *testing.T) {
	store := &fakeMessageStore{
		fetch: func(string, int, int64) ([]Message, error) {
			return nil, errors.New("server unreachable")
		},
	}

	p := NewPoller(store, NewMessageLog("u1"))
	p.interval = time.Hour
	p.Start("c1", func() bool { return false })
	p.pollOnce(context.Background(), "c1")
	p.Stop("c1")

	if err := p.LastError("c1"); err != nil {
		t.Fatalf("error state survived stop: %v", err)
	}
}

func TestPollSkipsWhileConnected(t *testing.T) {
	var fetches int32
	store := &fakeMessageStore{
		fetch: func(string, int, int64) ([]Message, error) {
			atomic.AddInt32(&fetches, 1)
			return nil, nil
		},
	}

	p := NewPoller(store, NewMessageLog("u1"))
	p.interval = 5 * time.Millisecond
	p.Start("c1", func() bool { return true })
	defer p.Close()

	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&fetches); n != 0 {
		t.Fatalf("polled %d times while connected, want 0", n)
	}
}

func TestPollRunsWhileDisconnected(t *testing.T) {
	var fetches int32
	store := &fakeMessageStore{
		fetch: func(string, int, int64) ([]Message, error) {
			atomic.AddInt32(&fetches, 1)
			return nil, nil
		},
	}

	p := NewPoller(store, NewMessageLog("u1"))
	p.interval = 5 * time.Millisecond
	p.Start("c1", func() bool { return false })
	defer p.Close()

	deadline := time.After(time.Second)
	for atomic.LoadInt32(&fetches) < 2 {
		select {
		case <-deadline:
			t.Fatalf("polled %d times, want at least 2", atomic.LoadInt32(&fetches))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPollStopEndsLoop(t *testing.T) {
	var fetches int32
	store := &fakeMessageStore{
		fetch: func(string, int, int64) ([]Message, error) {
			atomic.AddInt32(&fetches, 1)
			return nil, nil
		},
	}

	p := NewPoller(store, NewMessageLog("u1"))
	p.interval = 5 * time.Millisecond
	p.Start("c1", func() bool { return false })
	p.Stop("c1")

	time.Sleep(20 * time.Millisecond)
	settled := atomic.LoadInt32(&fetches)
	time.Sleep(30 * time.Millisecond)
	if got := atomic.LoadInt32(&fetches); got != settled {
		t.Fatalf("poller still running after stop: %d -> %d", settled, got)
	}
}

func TestStartIsIdempotentPerConversation(t *testing.T) {
	var fetches int32
	store := &fakeMessageStore{
		fetch: func(string, int, int64) ([]Message, error) {
			atomic.AddInt32(&fetches, 1)
			return nil, nil
		},
	}

	p := NewPoller(store, NewMessageLog("u1"))
	p.interval = time.Hour
	p.Start("c1", func() bool { return false })
	p.Start("c1", func() bool { return false })

	p.mu.Lock()
	loops := len(p.cancels)
	p.mu.Unlock()
	if loops != 1 {
		t.Fatalf("loops = %d, want 1", loops)
	}
	p.Close()
}
