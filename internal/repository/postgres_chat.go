package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

type PostgresChatRepository struct {
	db *sql.DB
}

func NewPostgresChatRepository(db *sql.DB) *PostgresChatRepository {
	return &PostgresChatRepository{db: db}
}

func (r *PostgresChatRepository) CreateSession(ctx context.Context, session *domain.ChatSession) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}

	params, err := json.Marshal(session.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	query := `
		INSERT INTO chat_sessions (id, tenant_id, user_id, model_id, params, system_prompt, plugins, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.db.ExecContext(ctx, query,
		session.ID,
		session.TenantID,
		session.UserID,
		session.ModelID,
		params,
		session.System,
		pq.Array(session.Plugins),
		session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert chat session: %w", err)
	}
	return nil
}

func (r *PostgresChatRepository) GetSession(ctx context.Context, id string) (*domain.ChatSession, error) {
	query := `
		SELECT id, tenant_id, user_id, model_id, params, system_prompt, plugins, created_at
		FROM chat_sessions
		WHERE id = $1
	`

	var s domain.ChatSession
	var params []byte
	var plugins pq.StringArray
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&s.ID,
		&s.TenantID,
		&s.UserID,
		&s.ModelID,
		&params,
		&s.System,
		&plugins,
		&s.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query chat session: %w", err)
	}

	if len(params) > 0 {
		if err := json.Unmarshal(params, &s.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	s.Plugins = []string(plugins)
	return &s, nil
}

func (r *PostgresChatRepository) History(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	if _, err := r.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	// Newest first so LIMIT keeps the tail; reversed below.
	query := `
		SELECT id, body, created_at
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY seq DESC
	`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chat messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var id string
		var body []byte
		var createdAt time.Time
		if err := rows.Scan(&id, &body, &createdAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}

		var msg domain.Message
		if err := json.Unmarshal(body, &msg); err != nil {
			return nil, fmt.Errorf("decode chat message %s: %w", id, err)
		}
		msg.ID = id
		msg.CreatedAt = createdAt
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (r *PostgresChatRepository) AppendMessage(ctx context.Context, sessionID string, msg domain.Message) (domain.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return domain.Message{}, fmt.Errorf("marshal message: %w", err)
	}

	query := `
		INSERT INTO chat_messages (id, session_id, role, status, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = r.db.ExecContext(ctx, query,
		msg.ID,
		sessionID,
		string(msg.Role),
		string(msg.Status),
		body,
		msg.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "foreign_key_violation" {
		return domain.Message{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Message{}, fmt.Errorf("insert chat message: %w", err)
	}
	return msg, nil
}
