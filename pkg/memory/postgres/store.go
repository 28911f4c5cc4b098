package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/sentinel/pkg/memory"
	"github.com/MrWong99/sentinel/pkg/provider/embeddings"
)

// Compile-time interface checks.
var (
	_ memory.SessionStore  = (*Store)(nil)
	_ memory.HistoryReader = (*Store)(nil)
	_ memory.Pinger        = (*Store)(nil)
)

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Option configures a [Store].
type Option func(*Store)

// WithEmbeddings makes [Store.AppendTurn] embed each turn's content with p.
// The provider's dimension must match the migrated embedding column.
func WithEmbeddings(p embeddings.Provider) Option {
	return func(s *Store) { s.embedder = p }
}

// Store is a PostgreSQL [memory.SessionStore]. All methods are safe for
// concurrent use.
type Store struct {
	db       DB
	pool     *pgxpool.Pool
	embedder embeddings.Provider
}

// New wraps an existing connection or pool. The caller is responsible for
// running [Migrate] first.
func New(db DB, opts ...Option) *Store {
	s := &Store{db: db}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewStore creates a connection pool to the database at dsn, registers
// pgvector types on every connection, and runs [Migrate].
func NewStore(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	s := New(pool, opts...)
	s.pool = pool

	dims := 0
	if s.embedder != nil {
		dims = s.embedder.Dimensions()
	}
	if err := Migrate(ctx, pool, dims); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: %w", err)
	}
	return s, nil
}

// Close releases the connection pool, if the store owns one.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping implements [memory.Pinger].
func (s *Store) Ping(ctx context.Context) error {
	if s.pool != nil {
		return s.pool.Ping(ctx)
	}
	_, err := s.db.Exec(ctx, "SELECT 1")
	return err
}

const stateColumns = `session_id, step, last_question, awaiting_reply, context, updated_at`

// GetState implements [memory.SessionStore].
func (s *Store) GetState(ctx context.Context, sessionID string) (memory.Session, error) {
	if sessionID == "" {
		return memory.Session{}, memory.WrapErr("get state", sessionID, memory.ErrEmptySessionID)
	}
	row := s.db.QueryRow(ctx, `SELECT `+stateColumns+` FROM agent_state WHERE session_id = $1`, sessionID)
	st, err := scanState(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return memory.NewSession(sessionID), nil
	}
	if err != nil {
		return memory.Session{}, memory.WrapErr("get state", sessionID, err)
	}
	return st, nil
}

// UpdateState implements [memory.SessionStore]. The patch is applied by one
// INSERT … ON CONFLICT statement; the context patch is merged with the JSONB
// concatenation operator, so keys in the patch overwrite stored keys.
func (s *Store) UpdateState(ctx context.Context, sessionID string, patch memory.StatePatch) (memory.Session, error) {
	if sessionID == "" {
		return memory.Session{}, memory.WrapErr("update state", sessionID, memory.ErrEmptySessionID)
	}

	const q = `
		INSERT INTO agent_state AS a (session_id, step, last_question, awaiting_reply, context, updated_at)
		VALUES ($1, COALESCE($2::int, 0), COALESCE($3::text, ''), COALESCE($4::bool, false),
		        COALESCE($5::jsonb, '{}'::jsonb), now())
		ON CONFLICT (session_id) DO UPDATE SET
		    step           = COALESCE($2::int, a.step),
		    last_question  = COALESCE($3::text, a.last_question),
		    awaiting_reply = COALESCE($4::bool, a.awaiting_reply),
		    context        = a.context || COALESCE($5::jsonb, '{}'::jsonb),
		    updated_at     = now()
		RETURNING ` + stateColumns

	var ctxPatch any
	if len(patch.Context) > 0 {
		b, err := json.Marshal(patch.Context)
		if err != nil {
			return memory.Session{}, memory.WrapErr("update state", sessionID, fmt.Errorf("marshal context: %w", err))
		}
		ctxPatch = string(b)
	}

	row := s.db.QueryRow(ctx, q, sessionID, patch.Step, patch.LastQuestion, patch.AwaitingReply, ctxPatch)
	st, err := scanState(row)
	if err != nil {
		return memory.Session{}, memory.WrapErr("update state", sessionID, err)
	}
	return st, nil
}

// AppendTurn implements [memory.SessionStore]. Embedding failures are logged
// and the turn is stored without an embedding.
func (s *Store) AppendTurn(ctx context.Context, sessionID string, turn memory.Turn) (int64, error) {
	if sessionID == "" {
		return 0, memory.WrapErr("append turn", sessionID, memory.ErrEmptySessionID)
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	meta := turn.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return 0, memory.WrapErr("append turn", sessionID, fmt.Errorf("marshal metadata: %w", err))
	}

	var id int64
	if vec := s.embed(ctx, sessionID, turn.Content); vec != nil {
		const q = `
			INSERT INTO conversation_turns (session_id, timestamp, role, content, metadata, embedding)
			VALUES ($1, $2, $3, $4, $5::jsonb, $6)
			RETURNING id`
		err = s.db.QueryRow(ctx, q, sessionID, turn.Timestamp, string(turn.Role), turn.Content, string(metaJSON), *vec).Scan(&id)
	} else {
		const q = `
			INSERT INTO conversation_turns (session_id, timestamp, role, content, metadata)
			VALUES ($1, $2, $3, $4, $5::jsonb)
			RETURNING id`
		err = s.db.QueryRow(ctx, q, sessionID, turn.Timestamp, string(turn.Role), turn.Content, string(metaJSON)).Scan(&id)
	}
	if err != nil {
		return 0, memory.WrapErr("append turn", sessionID, err)
	}
	return id, nil
}

func (s *Store) embed(ctx context.Context, sessionID, content string) *pgvector.Vector {
	if s.embedder == nil || content == "" {
		return nil
	}
	v, err := s.embedder.Embed(ctx, content)
	if err != nil {
		slog.Warn("postgres store: embed turn failed", "session_id", sessionID, "err", err)
		return nil
	}
	vec := pgvector.NewVector(v)
	return &vec
}

const turnColumns = `id, session_id, timestamp, role, content, metadata`

// RecentTurns implements [memory.SessionStore].
func (s *Store) RecentTurns(ctx context.Context, sessionID string, limit int) ([]memory.Turn, error) {
	if sessionID == "" {
		return nil, memory.WrapErr("recent turns", sessionID, memory.ErrEmptySessionID)
	}
	if limit <= 0 {
		return []memory.Turn{}, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+turnColumns+` FROM conversation_turns WHERE session_id = $1 ORDER BY id DESC LIMIT $2`,
		sessionID, limit)
	if err != nil {
		return nil, memory.WrapErr("recent turns", sessionID, err)
	}
	turns, err := collectTurns(rows)
	return turns, memory.WrapErr("recent turns", sessionID, err)
}

// LatestTurns implements [memory.HistoryReader].
func (s *Store) LatestTurns(ctx context.Context, limit int) ([]memory.Turn, error) {
	if limit <= 0 {
		return []memory.Turn{}, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+turnColumns+` FROM conversation_turns ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, memory.WrapErr("latest turns", "", err)
	}
	turns, err := collectTurns(rows)
	return turns, memory.WrapErr("latest turns", "", err)
}

// SimilarTurns returns at most limit turns of sessionID ordered by cosine
// distance to the embedding of text. It requires an embeddings provider.
func (s *Store) SimilarTurns(ctx context.Context, sessionID, text string, limit int) ([]memory.Turn, error) {
	if s.embedder == nil {
		return nil, memory.WrapErr("similar turns", sessionID, errors.New("no embeddings provider configured"))
	}
	v, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, memory.WrapErr("similar turns", sessionID, fmt.Errorf("embed query: %w", err))
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+turnColumns+` FROM conversation_turns
		 WHERE session_id = $1 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $2 LIMIT $3`,
		sessionID, pgvector.NewVector(v), limit)
	if err != nil {
		return nil, memory.WrapErr("similar turns", sessionID, err)
	}
	turns, err := collectTurns(rows)
	return turns, memory.WrapErr("similar turns", sessionID, err)
}

func scanState(row pgx.Row) (memory.Session, error) {
	var (
		st     memory.Session
		rawCtx []byte
	)
	if err := row.Scan(&st.ID, &st.Step, &st.LastQuestion, &st.AwaitingReply, &rawCtx, &st.UpdatedAt); err != nil {
		return memory.Session{}, err
	}
	st.Context = map[string]any{}
	if len(rawCtx) > 0 {
		if err := json.Unmarshal(rawCtx, &st.Context); err != nil {
			return memory.Session{}, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	return st, nil
}

// collectTurns scans pgx rows into a slice of turns.
func collectTurns(rows pgx.Rows) ([]memory.Turn, error) {
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Turn, error) {
		var (
			t    memory.Turn
			role string
			meta []byte
		)
		if err := row.Scan(&t.ID, &t.SessionID, &t.Timestamp, &role, &t.Content, &meta); err != nil {
			return memory.Turn{}, err
		}
		t.Role = memory.Role(role)
		if len(meta) > 0 && string(meta) != "{}" {
			if err := json.Unmarshal(meta, &t.Metadata); err != nil {
				return memory.Turn{}, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan rows: %w", err)
	}
	if turns == nil {
		turns = []memory.Turn{}
	}
	return turns, nil
}
