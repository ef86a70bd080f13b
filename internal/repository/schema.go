package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema creates every table the Postgres stores use. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	api_key_hash   TEXT NOT NULL UNIQUE,
	rate_limit_rpm INTEGER NOT NULL DEFAULT 60,
	allowed_models TEXT[] NOT NULL DEFAULT '{}',
	enabled        BOOLEAN NOT NULL DEFAULT true,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS chat_sessions (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	user_id       TEXT NOT NULL DEFAULT '',
	model_id      TEXT NOT NULL,
	params        JSONB,
	system_prompt TEXT NOT NULL DEFAULT '',
	plugins       TEXT[] NOT NULL DEFAULT '{}',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS chat_messages (
	seq        BIGSERIAL PRIMARY KEY,
	id         TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
	role       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT '',
	body       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS chat_messages_session_seq ON chat_messages (session_id, seq);

CREATE TABLE IF NOT EXISTS chat_token_usage (
	session_id    TEXT PRIMARY KEY,
	input_tokens  BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
