// Package notifications delivers chat progress to UI subscribers and
// operational alerts to ops channels. Delivery is best effort.
package notifications

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/metrics"
)

type NotificationType string

const (
	NotificationChunkReceived    NotificationType = "chunk_received"
	NotificationUsageUpdated     NotificationType = "usage_updated"
	NotificationToolCallStarted  NotificationType = "tool_call_started"
	NotificationToolCallFinished NotificationType = "tool_call_finished"
	NotificationStreamCompleted  NotificationType = "stream_completed"
	NotificationStreamFailed     NotificationType = "stream_failed"
	NotificationStreamCancelled  NotificationType = "stream_cancelled"
	NotificationKeyRateLimited   NotificationType = "key_rate_limited"
	NotificationKeyPoolExhausted NotificationType = "key_pool_exhausted"
	NotificationProviderDown     NotificationType = "provider_down"
	NotificationProviderUp       NotificationType = "provider_up"
)

// OpsAlerts are the types worth paging someone about.
var OpsAlerts = []NotificationType{
	NotificationKeyPoolExhausted,
	NotificationProviderDown,
	NotificationProviderUp,
}

type Notification struct {
	Type      NotificationType `json:"type"`
	SessionID string           `json:"session_id,omitempty"`
	TenantID  string           `json:"tenant_id,omitempty"`
	Provider  string           `json:"provider,omitempty"`
	Message   string           `json:"message,omitempty"`
	Data      map[string]any   `json:"data,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Send(context.Context, Notification) error { return nil }

// Multi fans a notification out to every notifier and keeps going on failure.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, notification Notification) error {
	var first error
	for _, n := range m {
		if err := n.Send(ctx, notification); err != nil {
			slog.Warn("notification delivery failed", "type", notification.Type, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

type filtered struct {
	next  Notifier
	types map[NotificationType]bool
}

// Filter forwards only the given notification types.
func Filter(next Notifier, types ...NotificationType) Notifier {
	f := &filtered{next: next, types: make(map[NotificationType]bool, len(types))}
	for _, t := range types {
		f.types[t] = true
	}
	return f
}

func (f *filtered) Send(ctx context.Context, notification Notification) error {
	if !f.types[notification.Type] {
		return nil
	}
	return f.next.Send(ctx, notification)
}

// Async decouples callers from delivery latency. Send never blocks: when the
// queue is full the notification is dropped and a warning is logged.
type Async struct {
	next    Notifier
	queue   chan Notification
	timeout time.Duration
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
}

func NewAsync(next Notifier, queueSize int) *Async {
	if queueSize <= 0 {
		queueSize = 1024
	}
	a := &Async{
		next:    next,
		queue:   make(chan Notification, queueSize),
		timeout: 5 * time.Second,
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Async) Send(_ context.Context, notification Notification) error {
	if notification.Timestamp.IsZero() {
		notification.Timestamp = time.Now().UTC()
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil
	}

	select {
	case a.queue <- notification:
	default:
		metrics.RecordNotificationDropped(string(notification.Type))
		slog.Warn("notification queue full, dropping", "type", notification.Type, "session_id", notification.SessionID)
	}
	return nil
}

func (a *Async) run() {
	defer a.wg.Done()
	for n := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Send(ctx, n); err != nil {
			slog.Warn("notification delivery failed", "type", n.Type, "session_id", n.SessionID, "error", err)
		}
		cancel()
	}
}

// Close stops accepting notifications and waits for the queue to drain.
func (a *Async) Close() {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
	})
	a.wg.Wait()
}

type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
	handlers      []func(Notification)
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) Send(_ context.Context, notification Notification) error {
	n.mu.Lock()
	n.notifications = append(n.notifications, notification)
	handlers := append([]func(Notification){}, n.handlers...)
	n.mu.Unlock()

	for _, handler := range handlers {
		handler(notification)
	}
	return nil
}

func (n *InMemoryNotifier) OnNotification(handler func(Notification)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, handler)
}

func (n *InMemoryNotifier) GetNotifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	result := make([]Notification, len(n.notifications))
	copy(result, n.notifications)
	return result
}

// OfType returns the recorded notifications of one type, in send order.
func (n *InMemoryNotifier) OfType(t NotificationType) []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Notification
	for _, notification := range n.notifications {
		if notification.Type == t {
			out = append(out, notification)
		}
	}
	return out
}

func (n *InMemoryNotifier) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = nil
}
