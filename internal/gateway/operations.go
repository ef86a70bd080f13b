package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Operation is one in-flight turn.
type Operation struct {
	ID        string
	SessionID string
	StartedAt time.Time
	cancel    context.CancelFunc
}

// OperationManager tracks one cancellable operation per chat session.
type OperationManager struct {
	mu  sync.Mutex
	ops map[string]*Operation
}

func NewOperationManager() *OperationManager {
	return &OperationManager{ops: make(map[string]*Operation)}
}

// Register derives a cancellable context for a new operation on sessionID.
// A previous registration for the session is no longer tracked, but it is
// not cancelled either.
func (m *OperationManager) Register(ctx context.Context, sessionID string) (context.Context, *Operation) {
	ctx, cancel := context.WithCancel(ctx)
	op := &Operation{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		StartedAt: time.Now(),
		cancel:    cancel,
	}

	m.mu.Lock()
	m.ops[sessionID] = op
	m.mu.Unlock()
	return ctx, op
}

// Cancel stops the operation currently tracked for sessionID. It reports
// whether there was one.
func (m *OperationManager) Cancel(sessionID string) bool {
	m.mu.Lock()
	op, ok := m.ops[sessionID]
	if ok {
		delete(m.ops, sessionID)
	}
	m.mu.Unlock()

	if ok {
		op.cancel()
	}
	return ok
}

// Done clears the tracking of operationID unless a newer operation has
// replaced it. It reports whether the session is left without a tracked
// operation.
func (m *OperationManager) Done(sessionID, operationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[sessionID]
	if !ok {
		return true
	}
	if op.ID != operationID {
		return false
	}
	delete(m.ops, sessionID)
	return true
}

func (m *OperationManager) Current(sessionID string) (Operation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[sessionID]
	if !ok {
		return Operation{}, false
	}
	return *op, true
}

func (m *OperationManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops)
}

func (m *OperationManager) CancelAll() {
	m.mu.Lock()
	ops := m.ops
	m.ops = make(map[string]*Operation)
	m.mu.Unlock()

	for _, op := range ops {
		op.cancel()
	}
}
