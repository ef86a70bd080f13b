package notifications

import (
	"context"
	"testing"
	"time"
)

func TestHub_DeliversToSessionSubscribers(t *testing.T) {
	h := NewHub(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, _ := h.Subscribe(ctx, "sess-a")
	b, _ := h.Subscribe(ctx, "sess-b")

	h.Send(ctx, Notification{Type: NotificationChunkReceived, SessionID: "sess-a", Message: "hi"})

	select {
	case n := <-a:
		if n.Message != "hi" {
			t.Errorf("received %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}

	select {
	case n := <-b:
		t.Errorf("sess-b received %+v", n)
	default:
	}
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := h.Subscribe(ctx, "sess")
	for i := 0; i < 10; i++ {
		h.Send(ctx, Notification{Type: NotificationChunkReceived, SessionID: "sess"})
	}
	if len(ch) != 1 {
		t.Errorf("buffered = %d, want 1", len(ch))
	}
}

func TestHub_UnsubscribeOnCancel(t *testing.T) {
	h := NewHub(1)
	ctx, cancel := context.WithCancel(context.Background())

	ch, _ := h.Subscribe(ctx, "sess")
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.subs) != 0 {
		t.Errorf("subscribers left: %d", len(h.subs))
	}
}
