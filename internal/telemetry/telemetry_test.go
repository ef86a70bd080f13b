package telemetry

import (
	"context"
	"errors"
	"testing"
)

func TestInit_NoEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "chat-gateway-test", "test", "")
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestStartSpan_Attributes(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "turn")
	defer span.End()

	AddTurnAttributes(span, "tenant-1", "sess-1", "openai", "gpt-4o")
	AddAttemptAttributes(span, "openai", "openai-1", 2)
	AddTokenAttributes(span, 10, 5)
	AddCostAttribute(span, 0.01)
	AddToolAttributes(span, "current_time", 1)
	AddErrorAttribute(span, errors.New("boom"))

	// The global no-op provider never assigns trace ids.
	if id := GetTraceID(ctx); id != "" {
		t.Errorf("GetTraceID() = %q, want empty with no-op provider", id)
	}
}
