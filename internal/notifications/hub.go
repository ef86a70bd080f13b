package notifications

import (
	"context"
	"sync"
)

// Hub fans session notifications out to local subscribers. It stands in for
// RedisPublisher when the gateway runs as a single instance.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Notification]struct{}
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{subs: make(map[string]map[chan Notification]struct{}), buffer: buffer}
}

// Send never blocks; a subscriber that falls behind loses notifications.
func (h *Hub) Send(_ context.Context, notification Notification) error {
	if notification.SessionID == "" {
		return nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[notification.SessionID] {
		select {
		case ch <- notification:
		default:
		}
	}
	return nil
}

// Subscribe streams the notifications of one session until ctx is done.
func (h *Hub) Subscribe(ctx context.Context, sessionID string) (<-chan Notification, error) {
	ch := make(chan Notification, h.buffer)

	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[chan Notification]struct{})
	}
	h.subs[sessionID][ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs[sessionID], ch)
		if len(h.subs[sessionID]) == 0 {
			delete(h.subs, sessionID)
		}
		close(ch)
		h.mu.Unlock()
	}()
	return ch, nil
}
