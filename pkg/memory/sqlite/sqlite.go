// Package sqlite provides a SQLite-backed [memory.SessionStore] for
// single-host deployments. It is the default backend of the sentinel CLI.
//
// Every state update runs inside a BEGIN IMMEDIATE transaction, which takes
// the database write lock before reading, so concurrent processes sharing the
// same file cannot interleave a read-modify-write of one session.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/MrWong99/sentinel/pkg/memory"
	"github.com/MrWong99/sentinel/pkg/provider/embeddings"
)

// Compile-time interface checks.
var (
	_ memory.SessionStore  = (*Store)(nil)
	_ memory.HistoryReader = (*Store)(nil)
	_ memory.Pinger        = (*Store)(nil)
)

// DefaultPath returns ~/.sentinel/sentinel_memory.db, or a path relative to
// the working directory when the home directory cannot be determined.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".sentinel", "sentinel_memory.db")
	}
	return filepath.Join(home, ".sentinel", "sentinel_memory.db")
}

// Option configures a [Store].
type Option func(*Store)

// WithEmbeddings makes [Store.AppendTurn] store an embedding of each turn's
// content in the embedding column.
func WithEmbeddings(p embeddings.Provider) Option {
	return func(s *Store) { s.embedder = p }
}

// Store is a SQLite [memory.SessionStore].
type Store struct {
	db       *sqlx.DB
	path     string
	embedder embeddings.Provider
}

// Open opens or creates the database at path and applies pending migrations.
// An empty path selects [DefaultPath].
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite store: create directory: %w", err)
	}

	dsn := path + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=10000&_txlock=immediate"
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: ping: %w", err)
	}

	s := &Store{db: db, path: path}
	for _, o := range opts {
		o(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping implements [memory.Pinger].
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

type stateRow struct {
	SessionID     string    `db:"session_id"`
	Step          int       `db:"current_step"`
	LastQuestion  string    `db:"last_question"`
	AwaitingReply bool      `db:"awaiting_reply"`
	ContextJSON   string    `db:"context_json"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r stateRow) session() (memory.Session, error) {
	st := memory.Session{
		ID:            r.SessionID,
		Step:          r.Step,
		LastQuestion:  r.LastQuestion,
		AwaitingReply: r.AwaitingReply,
		Context:       map[string]any{},
		UpdatedAt:     r.UpdatedAt,
	}
	if r.ContextJSON != "" {
		if err := json.Unmarshal([]byte(r.ContextJSON), &st.Context); err != nil {
			return memory.Session{}, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	return st, nil
}

const selectState = `
	SELECT session_id, current_step, last_question, awaiting_reply, context_json, updated_at
	FROM agent_state WHERE session_id = ?`

// GetState implements [memory.SessionStore].
func (s *Store) GetState(ctx context.Context, sessionID string) (memory.Session, error) {
	if sessionID == "" {
		return memory.Session{}, memory.WrapErr("get state", sessionID, memory.ErrEmptySessionID)
	}
	var row stateRow
	err := s.db.GetContext(ctx, &row, selectState, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return memory.NewSession(sessionID), nil
	}
	if err != nil {
		return memory.Session{}, memory.WrapErr("get state", sessionID, err)
	}
	st, err := row.session()
	return st, memory.WrapErr("get state", sessionID, err)
}

// UpdateState implements [memory.SessionStore].
func (s *Store) UpdateState(ctx context.Context, sessionID string, patch memory.StatePatch) (memory.Session, error) {
	if sessionID == "" {
		return memory.Session{}, memory.WrapErr("update state", sessionID, memory.ErrEmptySessionID)
	}
	st, err := s.updateState(ctx, sessionID, patch)
	return st, memory.WrapErr("update state", sessionID, err)
}

func (s *Store) updateState(ctx context.Context, sessionID string, patch memory.StatePatch) (memory.Session, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return memory.Session{}, err
	}
	defer tx.Rollback()

	current := memory.NewSession(sessionID)
	var row stateRow
	switch err := tx.GetContext(ctx, &row, selectState, sessionID); {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return memory.Session{}, err
	default:
		if current, err = row.session(); err != nil {
			return memory.Session{}, err
		}
	}

	next := patch.Apply(current)
	next.UpdatedAt = time.Now().UTC()
	ctxJSON, err := json.Marshal(next.Context)
	if err != nil {
		return memory.Session{}, fmt.Errorf("marshal context: %w", err)
	}

	const upsert = `
		INSERT INTO agent_state (session_id, current_step, last_question, awaiting_reply, context_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
		    current_step   = excluded.current_step,
		    last_question  = excluded.last_question,
		    awaiting_reply = excluded.awaiting_reply,
		    context_json   = excluded.context_json,
		    updated_at     = excluded.updated_at`
	if _, err := tx.ExecContext(ctx, upsert,
		sessionID, next.Step, next.LastQuestion, next.AwaitingReply, string(ctxJSON), next.UpdatedAt,
	); err != nil {
		return memory.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return memory.Session{}, err
	}
	return next, nil
}

// AppendTurn implements [memory.SessionStore].
func (s *Store) AppendTurn(ctx context.Context, sessionID string, turn memory.Turn) (int64, error) {
	if sessionID == "" {
		return 0, memory.WrapErr("append turn", sessionID, memory.ErrEmptySessionID)
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	var meta any
	if len(turn.Metadata) > 0 {
		b, err := json.Marshal(turn.Metadata)
		if err != nil {
			return 0, memory.WrapErr("append turn", sessionID, fmt.Errorf("marshal metadata: %w", err))
		}
		meta = string(b)
	}

	var emb any
	if b := s.embed(ctx, sessionID, turn.Content); b != nil {
		emb = b
	}

	const q = `
		INSERT INTO conversations (session_id, timestamp, role, content, embedding, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q, sessionID, turn.Timestamp, string(turn.Role), turn.Content, emb, meta)
	if err != nil {
		return 0, memory.WrapErr("append turn", sessionID, err)
	}
	id, err := res.LastInsertId()
	return id, memory.WrapErr("append turn", sessionID, err)
}

// embed returns the little-endian float32 encoding of content's embedding, or
// nil when no provider is configured or embedding fails.
func (s *Store) embed(ctx context.Context, sessionID, content string) []byte {
	if s.embedder == nil || content == "" {
		return nil
	}
	v, err := s.embedder.Embed(ctx, content)
	if err != nil {
		slog.Warn("sqlite store: embed turn failed", "session_id", sessionID, "err", err)
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

type turnRow struct {
	ID        int64          `db:"id"`
	SessionID string         `db:"session_id"`
	Timestamp time.Time      `db:"timestamp"`
	Role      string         `db:"role"`
	Content   string         `db:"content"`
	Metadata  sql.NullString `db:"metadata"`
}

const selectTurns = `SELECT id, session_id, timestamp, role, content, metadata FROM conversations`

// RecentTurns implements [memory.SessionStore].
func (s *Store) RecentTurns(ctx context.Context, sessionID string, limit int) ([]memory.Turn, error) {
	if sessionID == "" {
		return nil, memory.WrapErr("recent turns", sessionID, memory.ErrEmptySessionID)
	}
	if limit <= 0 {
		return []memory.Turn{}, nil
	}
	var rows []turnRow
	if err := s.db.SelectContext(ctx, &rows,
		selectTurns+` WHERE session_id = ? ORDER BY id DESC LIMIT ?`, sessionID, limit); err != nil {
		return nil, memory.WrapErr("recent turns", sessionID, err)
	}
	turns, err := toTurns(rows)
	return turns, memory.WrapErr("recent turns", sessionID, err)
}

// LatestTurns implements [memory.HistoryReader].
func (s *Store) LatestTurns(ctx context.Context, limit int) ([]memory.Turn, error) {
	if limit <= 0 {
		return []memory.Turn{}, nil
	}
	var rows []turnRow
	if err := s.db.SelectContext(ctx, &rows, selectTurns+` ORDER BY id DESC LIMIT ?`, limit); err != nil {
		return nil, memory.WrapErr("latest turns", "", err)
	}
	turns, err := toTurns(rows)
	return turns, memory.WrapErr("latest turns", "", err)
}

func toTurns(rows []turnRow) ([]memory.Turn, error) {
	out := make([]memory.Turn, 0, len(rows))
	for _, r := range rows {
		t := memory.Turn{
			ID:        r.ID,
			SessionID: r.SessionID,
			Timestamp: r.Timestamp,
			Role:      memory.Role(r.Role),
			Content:   r.Content,
		}
		if r.Metadata.Valid && r.Metadata.String != "" {
			if err := json.Unmarshal([]byte(r.Metadata.String), &t.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata of turn %d: %w", r.ID, err)
			}
		}
		out = append(out, t)
	}
	return out, nil
}
