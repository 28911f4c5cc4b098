// Package memstore provides an in-process implementation of
// [memory.SessionStore]. State is lost when the process exits; it is intended
// for tests, demos, and single-process deployments that do not need
// durability.
package memstore

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/sentinel/pkg/memory"
)

// Compile-time interface checks.
var (
	_ memory.SessionStore  = (*Store)(nil)
	_ memory.HistoryReader = (*Store)(nil)
)

// Store is a thread-safe, in-memory [memory.SessionStore].
//
// Each session has its own lock, so writes to one session never wait on
// another. The zero value is ready to use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*record

	lastID atomic.Int64

	// now is overridable in tests.
	now func() time.Time
}

type record struct {
	mu      sync.Mutex
	state   memory.Session
	written bool
	turns   []memory.Turn
}

// New returns an initialised [Store].
func New() *Store {
	return &Store{sessions: make(map[string]*record)}
}

// lookup returns the record for id, creating it when create is true.
func (s *Store) lookup(id string, create bool) *record {
	s.mu.RLock()
	r, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok || !create {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		s.sessions = make(map[string]*record)
	}
	if r, ok = s.sessions[id]; !ok {
		r = &record{state: memory.NewSession(id)}
		s.sessions[id] = r
	}
	return r
}

func (s *Store) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

// GetState implements [memory.SessionStore].
func (s *Store) GetState(_ context.Context, sessionID string) (memory.Session, error) {
	if sessionID == "" {
		return memory.Session{}, memory.WrapErr("get state", sessionID, memory.ErrEmptySessionID)
	}
	r := s.lookup(sessionID, false)
	if r == nil {
		return memory.NewSession(sessionID), nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.written {
		return memory.NewSession(sessionID), nil
	}
	return r.state.Clone(), nil
}

// UpdateState implements [memory.SessionStore].
func (s *Store) UpdateState(_ context.Context, sessionID string, patch memory.StatePatch) (memory.Session, error) {
	if sessionID == "" {
		return memory.Session{}, memory.WrapErr("update state", sessionID, memory.ErrEmptySessionID)
	}
	r := s.lookup(sessionID, true)
	r.mu.Lock()
	defer r.mu.Unlock()

	next := patch.Apply(r.state)
	next.ID = sessionID
	next.UpdatedAt = s.clock()
	r.state = next
	r.written = true
	return next.Clone(), nil
}

// AppendTurn implements [memory.SessionStore].
func (s *Store) AppendTurn(_ context.Context, sessionID string, turn memory.Turn) (int64, error) {
	if sessionID == "" {
		return 0, memory.WrapErr("append turn", sessionID, memory.ErrEmptySessionID)
	}
	r := s.lookup(sessionID, true)
	r.mu.Lock()
	defer r.mu.Unlock()

	turn.ID = s.lastID.Add(1)
	turn.SessionID = sessionID
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.clock()
	}
	turn.Metadata = maps.Clone(turn.Metadata)
	r.turns = append(r.turns, turn)
	return turn.ID, nil
}

// RecentTurns implements [memory.SessionStore].
func (s *Store) RecentTurns(_ context.Context, sessionID string, limit int) ([]memory.Turn, error) {
	if sessionID == "" {
		return nil, memory.WrapErr("recent turns", sessionID, memory.ErrEmptySessionID)
	}
	out := []memory.Turn{}
	r := s.lookup(sessionID, false)
	if r == nil || limit <= 0 {
		return out, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.turns) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, copyTurn(r.turns[i]))
	}
	return out, nil
}

// LatestTurns implements [memory.HistoryReader].
func (s *Store) LatestTurns(_ context.Context, limit int) ([]memory.Turn, error) {
	out := []memory.Turn{}
	if limit <= 0 {
		return out, nil
	}

	s.mu.RLock()
	records := slices.Collect(maps.Values(s.sessions))
	s.mu.RUnlock()

	for _, r := range records {
		r.mu.Lock()
		for _, t := range r.turns {
			out = append(out, copyTurn(t))
		}
		r.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b memory.Turn) int { return cmp.Compare(b.ID, a.ID) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyTurn(t memory.Turn) memory.Turn {
	t.Metadata = maps.Clone(t.Metadata)
	return t
}
