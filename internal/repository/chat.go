package repository

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/google/uuid"
)

// ChatRepository persists sessions and their message history. The gateway
// touches it only at turn start and when a turn completes or fails.
type ChatRepository interface {
	CreateSession(ctx context.Context, session *domain.ChatSession) error
	GetSession(ctx context.Context, id string) (*domain.ChatSession, error)
	// History returns the last limit messages oldest first; limit <= 0 returns all.
	History(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)
	AppendMessage(ctx context.Context, sessionID string, msg domain.Message) (domain.Message, error)
}

type InMemoryChatRepository struct {
	mu       sync.RWMutex
	sessions map[string]*domain.ChatSession
	messages map[string][]domain.Message
}

func NewInMemoryChatRepository() *InMemoryChatRepository {
	return &InMemoryChatRepository{
		sessions: make(map[string]*domain.ChatSession),
		messages: make(map[string][]domain.Message),
	}
}

func (r *InMemoryChatRepository) CreateSession(ctx context.Context, session *domain.ChatSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	r.sessions[session.ID] = session
	return nil
}

func (r *InMemoryChatRepository) GetSession(ctx context.Context, id string) (*domain.ChatSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return s, nil
}

func (r *InMemoryChatRepository) History(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.sessions[sessionID]; !ok {
		return nil, domain.ErrSessionNotFound
	}

	msgs := r.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (r *InMemoryChatRepository) AppendMessage(ctx context.Context, sessionID string, msg domain.Message) (domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; !ok {
		return domain.Message{}, domain.ErrSessionNotFound
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	r.messages[sessionID] = append(r.messages[sessionID], msg)
	return msg, nil
}
