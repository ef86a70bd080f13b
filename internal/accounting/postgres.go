package accounting

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

// PostgresStore keeps totals in chat_token_usage. Each update is a single
// upsert, so concurrent writers on any instance never lose increments.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) AddDelta(ctx context.Context, sessionID string, in, out int64, costUSD float64, at time.Time) (domain.ChatTokenUsage, error) {
	query := `
		INSERT INTO chat_token_usage (session_id, input_tokens, output_tokens, cost_usd, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET
			input_tokens  = chat_token_usage.input_tokens + EXCLUDED.input_tokens,
			output_tokens = chat_token_usage.output_tokens + EXCLUDED.output_tokens,
			cost_usd      = chat_token_usage.cost_usd + EXCLUDED.cost_usd,
			updated_at    = EXCLUDED.updated_at
		RETURNING session_id, input_tokens, output_tokens, cost_usd, updated_at
	`
	return s.upsert(ctx, query, sessionID, in, out, costUSD, at)
}

func (s *PostgresStore) SetAbsolute(ctx context.Context, sessionID string, in, out int64, costUSD float64, at time.Time) (domain.ChatTokenUsage, error) {
	query := `
		INSERT INTO chat_token_usage (session_id, input_tokens, output_tokens, cost_usd, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET
			input_tokens  = EXCLUDED.input_tokens,
			output_tokens = EXCLUDED.output_tokens,
			cost_usd      = EXCLUDED.cost_usd,
			updated_at    = EXCLUDED.updated_at
		RETURNING session_id, input_tokens, output_tokens, cost_usd, updated_at
	`
	return s.upsert(ctx, query, sessionID, in, out, costUSD, at)
}

func (s *PostgresStore) upsert(ctx context.Context, query, sessionID string, in, out int64, costUSD float64, at time.Time) (domain.ChatTokenUsage, error) {
	var u domain.ChatTokenUsage
	err := s.db.QueryRowContext(ctx, query, sessionID, in, out, costUSD, at).Scan(
		&u.SessionID,
		&u.InputTokens,
		&u.OutputTokens,
		&u.CostUSD,
		&u.UpdatedAt,
	)
	if err != nil {
		return domain.ChatTokenUsage{}, fmt.Errorf("upsert token usage: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) Get(ctx context.Context, sessionID string) (domain.ChatTokenUsage, error) {
	query := `
		SELECT session_id, input_tokens, output_tokens, cost_usd, updated_at
		FROM chat_token_usage
		WHERE session_id = $1
	`

	var u domain.ChatTokenUsage
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&u.SessionID,
		&u.InputTokens,
		&u.OutputTokens,
		&u.CostUSD,
		&u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ChatTokenUsage{SessionID: sessionID}, nil
	}
	if err != nil {
		return domain.ChatTokenUsage{}, fmt.Errorf("query token usage: %w", err)
	}
	return u, nil
}
