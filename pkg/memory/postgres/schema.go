// Package postgres provides a PostgreSQL-backed [memory.SessionStore].
//
// Agent state lives in one row per session in agent_state; the context map is
// a JSONB column merged in place by a single upsert statement, so concurrent
// writers for the same session never observe a half-applied patch. Turns are
// appended to conversation_turns. When an embeddings provider is configured
// each turn's content is also stored as a pgvector embedding.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, postgres.WithEmbeddings(provider))
//	if err != nil { … }
//	defer store.Close()
//
//	state, _ := store.GetState(ctx, "session-1")
package postgres

import (
	"context"
	"fmt"
)

const ddlAgentState = `
CREATE TABLE IF NOT EXISTS agent_state (
    session_id      TEXT         PRIMARY KEY,
    step            INTEGER      NOT NULL DEFAULT 0 CHECK (step >= 0),
    last_question   TEXT         NOT NULL DEFAULT '',
    awaiting_reply  BOOLEAN      NOT NULL DEFAULT false,
    context         JSONB        NOT NULL DEFAULT '{}',
    updated_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlConversationTurns = `
CREATE TABLE IF NOT EXISTS conversation_turns (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    role        TEXT         NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
    content     TEXT         NOT NULL,
    metadata    JSONB        NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_conversation_turns_session_id
    ON conversation_turns (session_id, id DESC);
`

// ddlEmbeddings returns the DDL adding the embedding column. The vector
// dimension is baked into the column type at schema creation time.
func ddlEmbeddings(dimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

ALTER TABLE conversation_turns
    ADD COLUMN IF NOT EXISTS embedding vector(%d);

CREATE INDEX IF NOT EXISTS idx_conversation_turns_embedding
    ON conversation_turns USING hnsw (embedding vector_cosine_ops);
`, dimensions)
}

// Migrate creates the tables used by the store. It is idempotent and safe to
// call on every start.
//
// embeddingDimensions > 0 additionally installs the pgvector extension and the
// embedding column. Changing the dimension after the first migration requires
// a manual schema change.
func Migrate(ctx context.Context, db DB, embeddingDimensions int) error {
	statements := []string{ddlAgentState, ddlConversationTurns}
	if embeddingDimensions > 0 {
		statements = append(statements, ddlEmbeddings(embeddingDimensions))
	}
	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
