package hojo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeNotificationStore struct {
	mu    sync.Mutex
	items []Notification
	err   error
	calls chan string
}

func newFakeNotificationStore() *fakeNotificationStore {
	return &fakeNotificationStore{calls: make(chan string, 16)}
}

func (s *fakeNotificationStore) record(op string) error {
	s.calls <- op
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeNotificationStore) FetchNotifications(ctx context.Context, userID string) ([]Notification, error) {
	if err := s.record("fetch"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items, nil
}

func (s *fakeNotificationStore) CreateNotification(ctx context.Context, n *Notification) (*Notification, error) {
	return n, s.record("create")
}

func (s *fakeNotificationStore) MarkNotificationRead(ctx context.Context, id string) error {
	return s.record("read:" + id)
}

func (s *fakeNotificationStore) MarkAllNotificationsRead(ctx context.Context, userID string) error {
	return s.record("read-all")
}

func (s *fakeNotificationStore) DeleteNotification(ctx context.Context, id string) error {
	return s.record("delete:" + id)
}

func (s *fakeNotificationStore) ClearNotifications(ctx context.Context, userID string) error {
	return s.record("clear")
}

// waitFor blocks until the store observes op, skipping unrelated
// mirror calls; the mirrors run in goroutines so their order is not
// deterministic.
func (s *fakeNotificationStore) waitFor(t *testing.T, op string) {
	t.Helper()
	deadline := time.After(time.Second)
	var seen []string
	for {
		select {
		case got := <-s.calls:
			if got == op {
				return
			}
			seen = append(seen, got)
		case <-deadline:
			t.Fatalf("mirror call %q never happened, saw %v", op, seen)
		}
	}
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (a *fakeAlerter) Alert(title, body string) {
	a.mu.Lock()
	a.alerts = append(a.alerts, title)
	a.mu.Unlock()
}

func (a *fakeAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

type fakeSound struct {
	mu    sync.Mutex
	plays int
}

func (s *fakeSound) Play() {
	s.mu.Lock()
	s.plays++
	s.mu.Unlock()
}

func (s *fakeSound) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plays
}

type fixedFocus bool

func (f fixedFocus) Focused() bool { return bool(f) }

// ============================================================================
// Gating
// ============================================================================

func TestDeliverGatesDisabledTypes(t *testing.T) {
	nc := NewNotificationCenter(nil, "u1")
	settings := DefaultNotificationSettings()
	settings.Enabled[NotifyLike] = false
	nc.UpdateSettings(settings)

	if nc.Deliver(Notification{ID: "n1", Type: NotifyLike}) {
		t.Fatal("disabled type delivered")
	}
	if nc.Deliver(Notification{ID: "n2", Type: NotifyMessage}) != true {
		t.Fatal("enabled type rejected")
	}

	items := nc.Notifications()
	if len(items) != 1 || items[0].ID != "n2" {
		t.Fatalf("collection = %+v, want only n2", items)
	}
}

func TestDeliverDefaultGate(t *testing.T) {
	nc := NewNotificationCenter(nil, "u1")
	settings := DefaultNotificationSettings()
	settings.EnabledByDefault = false
	settings.Enabled[NotifyMention] = true
	nc.UpdateSettings(settings)

	if nc.Deliver(Notification{ID: "n1", Type: NotifySystem}) {
		t.Fatal("default-off type delivered")
	}
	if !nc.Deliver(Notification{ID: "n2", Type: NotifyMention}) {
		t.Fatal("explicitly enabled type rejected")
	}
}

func TestDeliverDedupsAndOrdersNewestFirst(t *testing.T) {
	nc := NewNotificationCenter(nil, "u1")

	nc.Deliver(Notification{ID: "n1", Type: NotifyMessage})
	nc.Deliver(Notification{ID: "n2", Type: NotifyFollow})
	if nc.Deliver(Notification{ID: "n1", Type: NotifyMessage}) {
		t.Fatal("duplicate id delivered")
	}

	items := nc.Notifications()
	if len(items) != 2 || items[0].ID != "n2" || items[1].ID != "n1" {
		t.Fatalf("collection = %+v, want n2 then n1", items)
	}
	if got := nc.UnreadCount(); got != 2 {
		t.Fatalf("unread = %d, want 2", got)
	}
}

// ============================================================================
// Side effects
// ============================================================================

func TestDeliverSideEffects(t *testing.T) {
	t.Run("sound_and_alert_when_unfocused", func(t *testing.T) {
		alert := &fakeAlerter{}
		sound := &fakeSound{}
		nc := NewNotificationCenter(nil, "u1",
			WithAlerter(alert), WithSoundPlayer(sound), WithFocusReporter(fixedFocus(false)))

		nc.Deliver(Notification{ID: "n1", Type: NotifyMessage, Title: "bob"})
		if sound.count() != 1 {
			t.Fatalf("sound plays = %d, want 1", sound.count())
		}
		if alert.count() != 1 {
			t.Fatalf("alerts = %d, want 1", alert.count())
		}
	})

	t.Run("alert_suppressed_when_focused", func(t *testing.T) {
		alert := &fakeAlerter{}
		sound := &fakeSound{}
		nc := NewNotificationCenter(nil, "u1",
			WithAlerter(alert), WithSoundPlayer(sound), WithFocusReporter(fixedFocus(true)))

		nc.Deliver(Notification{ID: "n1", Type: NotifyMessage})
		if alert.count() != 0 {
			t.Fatalf("alerts = %d while focused, want 0", alert.count())
		}
		if sound.count() != 1 {
			t.Fatalf("sound plays = %d, want 1", sound.count())
		}
	})

	t.Run("channels_disabled_in_settings", func(t *testing.T) {
		alert := &fakeAlerter{}
		sound := &fakeSound{}
		nc := NewNotificationCenter(nil, "u1",
			WithAlerter(alert), WithSoundPlayer(sound), WithFocusReporter(fixedFocus(false)))
		settings := DefaultNotificationSettings()
		settings.Sound = false
		settings.ExternalAlerts = false
		nc.UpdateSettings(settings)

		nc.Deliver(Notification{ID: "n1", Type: NotifyMessage})
		if sound.count() != 0 || alert.count() != 0 {
			t.Fatalf("side effects fired despite disabled channels: sound=%d alerts=%d",
				sound.count(), alert.count())
		}
	})
}

// ============================================================================
// Local mutations and server mirroring
// ============================================================================

func TestDeliverMirrorsCreate(t *testing.T) {
	store := newFakeNotificationStore()
	nc := NewNotificationCenter(store, "u1")

	if !nc.Deliver(Notification{ID: "n1", Type: NotifyMessage}) {
		t.Fatal("delivery rejected")
	}
	store.waitFor(t, "create")
}

func TestRejectedDeliveryDoesNotMirror(t *testing.T) {
	store := newFakeNotificationStore()
	nc := NewNotificationCenter(store, "u1")
	settings := DefaultNotificationSettings()
	settings.Enabled[NotifyLike] = false
	nc.UpdateSettings(settings)

	nc.Deliver(Notification{ID: "n1", Type: NotifyLike})
	nc.Deliver(Notification{ID: "n2", Type: NotifyMessage})
	nc.Deliver(Notification{ID: "n2", Type: NotifyMessage})

	// Exactly one create: the gated type and the duplicate id never
	// reach the store.
	store.waitFor(t, "create")
	select {
	case got := <-store.calls:
		t.Fatalf("unexpected mirror call %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMarkAsReadMirrors(t *testing.T) {
	store := newFakeNotificationStore()
	nc := NewNotificationCenter(store, "u1")
	nc.Deliver(Notification{ID: "n1", Type: NotifyMessage})

	nc.MarkAsRead("n1")

	if nc.UnreadCount() != 0 {
		t.Fatal("local read flag not set")
	}
	store.waitFor(t, "read:n1")
}

func TestMarkAllAsReadMirrors(t *testing.T) {
	store := newFakeNotificationStore()
	nc := NewNotificationCenter(store, "u1")
	nc.Deliver(Notification{ID: "n1", Type: NotifyMessage})
	nc.Deliver(Notification{ID: "n2", Type: NotifyFollow})

	nc.MarkAllAsRead()

	if nc.UnreadCount() != 0 {
		t.Fatal("local read flags not set")
	}
	store.waitFor(t, "read-all")
}

func TestRemoveMirrors(t *testing.T) {
	store := newFakeNotificationStore()
	nc := NewNotificationCenter(store, "u1")
	nc.Deliver(Notification{ID: "n1", Type: NotifyMessage})

	nc.Remove("n1")

	if len(nc.Notifications()) != 0 {
		t.Fatal("notification not removed locally")
	}
	store.waitFor(t, "delete:n1")
}

func TestClearAllMirrors(t *testing.T) {
	store := newFakeNotificationStore()
	nc := NewNotificationCenter(store, "u1")
	nc.Deliver(Notification{ID: "n1", Type: NotifyMessage})

	nc.ClearAll()

	if len(nc.Notifications()) != 0 {
		t.Fatal("collection not cleared locally")
	}
	store.waitFor(t, "clear")
}

func TestMirrorFailureKeepsLocalState(t *testing.T) {
	store := newFakeNotificationStore()
	store.err = errors.New("server down")
	nc := NewNotificationCenter(store, "u1")
	nc.Deliver(Notification{ID: "n1", Type: NotifyMessage})

	nc.MarkAsRead("n1")
	store.waitFor(t, "read:n1")

	// Local mutation is authoritative; the failed mirror never rolls it
	// back.
	if nc.UnreadCount() != 0 {
		t.Fatal("mirror failure rolled back local state")
	}
}

func TestRefreshReplacesCollection(t *testing.T) {
	store := newFakeNotificationStore()
	store.items = []Notification{
		{ID: "s1", Type: NotifyMessage, Read: true},
		{ID: "s2", Type: NotifyFollow},
	}
	nc := NewNotificationCenter(store, "u1")
	nc.Deliver(Notification{ID: "local", Type: NotifyMessage})

	if err := nc.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	store.waitFor(t, "fetch")

	items := nc.Notifications()
	if len(items) != 2 || items[0].ID != "s1" {
		t.Fatalf("collection = %+v, want server copy", items)
	}
	if got := nc.UnreadCount(); got != 1 {
		t.Fatalf("unread = %d, want 1", got)
	}
}

func TestOnChangeFires(t *testing.T) {
	nc := NewNotificationCenter(nil, "u1")
	changes := 0
	nc.OnChange(func() { changes++ })

	nc.Deliver(Notification{ID: "n1", Type: NotifyMessage})
	nc.MarkAsRead("n1")
	nc.Remove("n1")

	if changes != 3 {
		t.Fatalf("change callbacks = %d, want 3", changes)
	}
}
