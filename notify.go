package hojo

import (
	"context"
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"
)

// ============================================================================
// Notification Center
// ============================================================================

// Alerter raises a user-visible notification outside the application,
// such as a desktop or browser alert. Implementations decide how to
// render it.
type Alerter interface {
	Alert(title, body string)
}

// SoundPlayer plays the notification sound.
type SoundPlayer interface {
	Play()
}

// FocusReporter reports whether the application currently has the
// user's attention. When focused, external alerts are suppressed.
type FocusReporter interface {
	Focused() bool
}

// NotificationSettings gates delivery per notification type plus the
// two side-effect channels. Types absent from Enabled fall back to
// EnabledByDefault.
type NotificationSettings struct {
	Enabled          map[NotificationType]bool
	EnabledByDefault bool
	Sound            bool
	ExternalAlerts   bool
}

// DefaultNotificationSettings enables every type and both side-effect
// channels.
func DefaultNotificationSettings() NotificationSettings {
	return NotificationSettings{
		Enabled:          make(map[NotificationType]bool),
		EnabledByDefault: true,
		Sound:            true,
		ExternalAlerts:   true,
	}
}

func (s NotificationSettings) allows(t NotificationType) bool {
	if on, ok := s.Enabled[t]; ok {
		return on
	}
	return s.EnabledByDefault
}

// NotificationCenter holds the local newest-first notification
// collection, applies per-type gating, and triggers sound and external
// alerts. Local mutations apply immediately; the server copy is
// mirrored best-effort in the background and a mirror failure is
// logged, never rolled back.
type NotificationCenter struct {
	store  NotificationStore
	userID string
	alert  Alerter
	sound  SoundPlayer
	focus  FocusReporter
	mirror time.Duration

	mu       sync.Mutex
	items    []Notification
	settings NotificationSettings
	onChange []func()
}

// NotificationOption configures a NotificationCenter.
type NotificationOption func(*NotificationCenter)

// WithAlerter sets the external alert sink.
func WithAlerter(a Alerter) NotificationOption {
	return func(nc *NotificationCenter) { nc.alert = a }
}

// WithSoundPlayer sets the notification sound sink.
func WithSoundPlayer(s SoundPlayer) NotificationOption {
	return func(nc *NotificationCenter) { nc.sound = s }
}

// WithFocusReporter sets the focus probe used to suppress external
// alerts while the application is in the foreground.
func WithFocusReporter(f FocusReporter) NotificationOption {
	return func(nc *NotificationCenter) { nc.focus = f }
}

// NewNotificationCenter creates a center for one user, mirroring
// mutations to store. A nil store disables mirroring.
func NewNotificationCenter(store NotificationStore, userID string, opts ...NotificationOption) *NotificationCenter {
	nc := &NotificationCenter{
		store:    store,
		userID:   userID,
		mirror:   10 * time.Second,
		settings: DefaultNotificationSettings(),
	}
	for _, opt := range opts {
		opt(nc)
	}
	return nc
}

// UpdateSettings replaces the gating settings.
func (nc *NotificationCenter) UpdateSettings(s NotificationSettings) {
	nc.mu.Lock()
	nc.settings = s
	nc.mu.Unlock()
}

// Settings returns the current gating settings.
func (nc *NotificationCenter) Settings() NotificationSettings {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.settings
}

// OnChange registers a callback invoked after the collection changes.
func (nc *NotificationCenter) OnChange(fn func()) {
	nc.mu.Lock()
	nc.onChange = append(nc.onChange, fn)
	nc.mu.Unlock()
}

func (nc *NotificationCenter) changed() {
	nc.mu.Lock()
	fns := make([]func(), len(nc.onChange))
	copy(fns, nc.onChange)
	nc.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Deliver applies gating to an incoming notification and, when the
// type is enabled, prepends it to the collection, fires the enabled
// side effects, and mirrors the record to the server in the background.
// Duplicate ids are dropped. It reports whether the notification was
// accepted.
func (nc *NotificationCenter) Deliver(n Notification) bool {
	nc.mu.Lock()
	if !nc.settings.allows(n.Type) {
		nc.mu.Unlock()
		jww.DEBUG.Printf("notification %s suppressed, type %s disabled", n.ID, n.Type)
		return false
	}
	for _, held := range nc.items {
		if held.ID == n.ID {
			nc.mu.Unlock()
			return false
		}
	}
	nc.items = append([]Notification{n}, nc.items...)
	playSound := nc.settings.Sound && nc.sound != nil
	raiseAlert := nc.settings.ExternalAlerts && nc.alert != nil &&
		(nc.focus == nil || !nc.focus.Focused())
	nc.mu.Unlock()

	if playSound {
		nc.sound.Play()
	}
	if raiseAlert {
		nc.alert.Alert(n.Title, n.Body)
	}
	nc.changed()
	nc.mirrorAsync("create notification", func(ctx context.Context) error {
		_, err := nc.store.CreateNotification(ctx, &n)
		return err
	})
	return true
}

// Notifications returns the newest-first collection.
func (nc *NotificationCenter) Notifications() []Notification {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	out := make([]Notification, len(nc.items))
	copy(out, nc.items)
	return out
}

// UnreadCount returns the number of unread notifications held.
func (nc *NotificationCenter) UnreadCount() int {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	n := 0
	for _, item := range nc.items {
		if !item.Read {
			n++
		}
	}
	return n
}

// Refresh replaces the collection with the server's copy.
func (nc *NotificationCenter) Refresh(ctx context.Context) error {
	if nc.store == nil {
		return nil
	}
	items, err := nc.store.FetchNotifications(ctx, nc.userID)
	if err != nil {
		return err
	}
	nc.mu.Lock()
	nc.items = items
	nc.mu.Unlock()
	nc.changed()
	return nil
}

// MarkAsRead marks one notification read locally and mirrors the change
// to the server in the background.
func (nc *NotificationCenter) MarkAsRead(id string) {
	nc.mu.Lock()
	for i := range nc.items {
		if nc.items[i].ID == id {
			nc.items[i].Read = true
			break
		}
	}
	nc.mu.Unlock()
	nc.changed()
	nc.mirrorAsync("mark notification read", func(ctx context.Context) error {
		return nc.store.MarkNotificationRead(ctx, id)
	})
}

// MarkAllAsRead marks every held notification read and mirrors the
// change.
func (nc *NotificationCenter) MarkAllAsRead() {
	nc.mu.Lock()
	for i := range nc.items {
		nc.items[i].Read = true
	}
	nc.mu.Unlock()
	nc.changed()
	nc.mirrorAsync("mark all notifications read", func(ctx context.Context) error {
		return nc.store.MarkAllNotificationsRead(ctx, nc.userID)
	})
}

// Remove deletes one notification locally and mirrors the deletion.
func (nc *NotificationCenter) Remove(id string) {
	nc.mu.Lock()
	for i := range nc.items {
		if nc.items[i].ID == id {
			nc.items = append(nc.items[:i], nc.items[i+1:]...)
			break
		}
	}
	nc.mu.Unlock()
	nc.changed()
	nc.mirrorAsync("delete notification", func(ctx context.Context) error {
		return nc.store.DeleteNotification(ctx, id)
	})
}

// ClearAll empties the collection and mirrors the clear.
func (nc *NotificationCenter) ClearAll() {
	nc.mu.Lock()
	nc.items = nil
	nc.mu.Unlock()
	nc.changed()
	nc.mirrorAsync("clear notifications", func(ctx context.Context) error {
		return nc.store.ClearNotifications(ctx, nc.userID)
	})
}

// mirrorAsync pushes a local mutation to the server without blocking
// the caller. The local state is authoritative for the UI; a failed
// mirror is only logged.
func (nc *NotificationCenter) mirrorAsync(op string, fn func(ctx context.Context) error) {
	if nc.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), nc.mirror)
		defer cancel()
		if err := fn(ctx); err != nil {
			jww.ERROR.Printf("%s: server mirror failed: %v", op, err)
		}
	}()
}
