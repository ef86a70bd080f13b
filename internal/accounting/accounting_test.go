package accounting

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/cost"
	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/notifications"
)

func newTestAccountant() (*Accountant, *notifications.InMemoryNotifier) {
	n := notifications.NewInMemoryNotifier()
	a := New(NewMemoryStore(), cost.NewCalculator(), n)
	a.now = func() time.Time { return time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC) }
	return a, n
}

func TestAccountant_AddDelta(t *testing.T) {
	a, n := newTestAccountant()
	ctx := context.Background()

	if _, err := a.AddDelta(ctx, "s1", 10, 5, 0.01); err != nil {
		t.Fatalf("AddDelta() error = %v", err)
	}
	u, err := a.AddDelta(ctx, "s1", 3, 2, 0.02)
	if err != nil {
		t.Fatalf("AddDelta() error = %v", err)
	}

	if u.InputTokens != 13 || u.OutputTokens != 7 {
		t.Errorf("usage = %+v, want 13/7", u)
	}
	if math.Abs(u.CostUSD-0.03) > 1e-9 {
		t.Errorf("cost = %f, want 0.03", u.CostUSD)
	}

	updates := n.OfType(notifications.NotificationUsageUpdated)
	if len(updates) != 2 {
		t.Fatalf("usage_updated notifications = %d, want 2", len(updates))
	}
	if updates[1].Data["input_tokens"] != int64(13) {
		t.Errorf("notification data = %+v", updates[1].Data)
	}
}

func TestAccountant_RejectsNegative(t *testing.T) {
	a, n := newTestAccountant()
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"negative input", func() error { _, err := a.AddDelta(ctx, "s1", -1, 0, 0); return err }},
		{"negative output", func() error { _, err := a.AddDelta(ctx, "s1", 0, -1, 0); return err }},
		{"negative cost", func() error { _, err := a.AddDelta(ctx, "s1", 0, 0, -0.5); return err }},
		{"negative absolute", func() error { _, err := a.SetAbsolute(ctx, "s1", -4, 0, 0); return err }},
		{"negative call usage", func() error {
			_, err := a.RecordCall(ctx, "s1", domain.Model{ID: "gpt-4o"}, domain.Usage{InputTokens: -2}, false)
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn()
			if !errors.Is(err, ErrNegativeUsage) || !errors.Is(err, domain.ErrInvalidRequest) {
				t.Errorf("error = %v, want ErrNegativeUsage", err)
			}
		})
	}

	u, _ := a.Get(ctx, "s1")
	if u.InputTokens != 0 || u.OutputTokens != 0 || u.CostUSD != 0 {
		t.Errorf("rejected updates changed totals: %+v", u)
	}
	if len(n.GetNotifications()) != 0 {
		t.Errorf("rejected updates published %d notifications", len(n.GetNotifications()))
	}
}

func TestAccountant_SetAbsolute(t *testing.T) {
	a, _ := newTestAccountant()
	ctx := context.Background()

	a.AddDelta(ctx, "s1", 100, 100, 1)
	u, err := a.SetAbsolute(ctx, "s1", 40, 20, 0.5)
	if err != nil {
		t.Fatalf("SetAbsolute() error = %v", err)
	}
	if u.InputTokens != 40 || u.OutputTokens != 20 || u.CostUSD != 0.5 {
		t.Errorf("usage = %+v, want 40/20/0.5", u)
	}

	u, _ = a.AddDelta(ctx, "s1", 1, 1, 0)
	if u.InputTokens != 41 || u.OutputTokens != 21 {
		t.Errorf("delta after absolute = %+v, want 41/21", u)
	}
}

func TestAccountant_RecordCall(t *testing.T) {
	a, n := newTestAccountant()
	ctx := context.Background()
	model := domain.Model{ID: "gpt-4o", Provider: "openai"}

	u, err := a.RecordCall(ctx, "s1", model, domain.Usage{InputTokens: 1000, OutputTokens: 500}, true)
	if err != nil {
		t.Fatalf("RecordCall() error = %v", err)
	}
	if u.InputTokens != 1000 || u.OutputTokens != 500 {
		t.Errorf("usage = %+v", u)
	}
	if math.Abs(u.CostUSD-0.0075) > 1e-9 {
		t.Errorf("cost = %f, want 0.0075", u.CostUSD)
	}

	updates := n.OfType(notifications.NotificationUsageUpdated)
	if len(updates) != 1 || updates[0].Data["estimated"] != true {
		t.Errorf("notifications = %+v, want one estimated update", updates)
	}
}

func TestAccountant_GetUnknownSession(t *testing.T) {
	a, _ := newTestAccountant()

	u, err := a.Get(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if u.SessionID != "nobody" || u.InputTokens != 0 {
		t.Errorf("Get() = %+v, want zero usage", u)
	}
}

func TestAccountant_NotificationFailureDoesNotFailUpdate(t *testing.T) {
	a := New(NewMemoryStore(), nil, failingNotifier{})

	u, err := a.AddDelta(context.Background(), "s1", 1, 1, 0)
	if err != nil {
		t.Fatalf("AddDelta() error = %v", err)
	}
	if u.InputTokens != 1 {
		t.Errorf("usage = %+v", u)
	}
}

type failingNotifier struct{}

func (failingNotifier) Send(context.Context, notifications.Notification) error {
	return errors.New("redis down")
}

func TestMemoryStore_ConcurrentAddDelta(t *testing.T) {
	a := New(NewMemoryStore(), nil, nil)
	ctx := context.Background()

	const workers = 50
	const perWorker = 40

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := a.AddDelta(ctx, "hot", 1, 2, 0); err != nil {
					t.Errorf("AddDelta() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	u, _ := a.Get(ctx, "hot")
	if u.InputTokens != workers*perWorker || u.OutputTokens != 2*workers*perWorker {
		t.Errorf("usage = %+v, want %d/%d", u, workers*perWorker, 2*workers*perWorker)
	}
}
