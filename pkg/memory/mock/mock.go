// Package mock provides a test double for [memory.SessionStore].
//
// The mock records every method call for assertion in tests and keeps real
// state in an embedded in-memory store, so it behaves like a working backend
// until one of the exported *Err fields is set. It is safe for concurrent use.
//
// Typical usage:
//
//	store := mock.New()
//	store.UpdateStateErr = errors.New("disk full")
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("AppendTurn"); got != 1 {
//	    t.Errorf("expected 1 AppendTurn call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/sentinel/pkg/memory"
	"github.com/MrWong99/sentinel/pkg/memory/memstore"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

var (
	_ memory.SessionStore  = (*SessionStore)(nil)
	_ memory.HistoryReader = (*SessionStore)(nil)
	_ memory.Pinger        = (*SessionStore)(nil)
)

// SessionStore is a configurable test double for [memory.SessionStore].
// Non-nil *Err fields are wrapped in a [*memory.StoreError] and returned
// without touching the underlying state.
type SessionStore struct {
	mu    sync.Mutex
	calls []Call
	inner *memstore.Store

	// GetStateErr is returned by [SessionStore.GetState] when non-nil.
	GetStateErr error

	// UpdateStateErr is returned by [SessionStore.UpdateState] when non-nil.
	UpdateStateErr error

	// AppendTurnErr is returned by [SessionStore.AppendTurn] when non-nil.
	AppendTurnErr error

	// RecentTurnsErr is returned by [SessionStore.RecentTurns] when non-nil.
	RecentTurnsErr error

	// PingErr is returned by [SessionStore.Ping] when non-nil.
	PingErr error
}

// New returns a ready-to-use mock store.
func New() *SessionStore {
	return &SessionStore{inner: memstore.New()}
}

func (m *SessionStore) record(method string, args ...any) *memstore.Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: method, Args: args})
	if m.inner == nil {
		m.inner = memstore.New()
	}
	return m.inner
}

func (m *SessionStore) injected(field *error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *field
}

// Calls returns a copy of all recorded method invocations.
func (m *SessionStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *SessionStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering stored state or
// configured errors.
func (m *SessionStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// GetState implements [memory.SessionStore].
func (m *SessionStore) GetState(ctx context.Context, sessionID string) (memory.Session, error) {
	inner := m.record("GetState", sessionID)
	if err := m.injected(&m.GetStateErr); err != nil {
		return memory.Session{}, memory.WrapErr("get state", sessionID, err)
	}
	return inner.GetState(ctx, sessionID)
}

// UpdateState implements [memory.SessionStore].
func (m *SessionStore) UpdateState(ctx context.Context, sessionID string, patch memory.StatePatch) (memory.Session, error) {
	inner := m.record("UpdateState", sessionID, patch)
	if err := m.injected(&m.UpdateStateErr); err != nil {
		return memory.Session{}, memory.WrapErr("update state", sessionID, err)
	}
	return inner.UpdateState(ctx, sessionID, patch)
}

// AppendTurn implements [memory.SessionStore].
func (m *SessionStore) AppendTurn(ctx context.Context, sessionID string, turn memory.Turn) (int64, error) {
	inner := m.record("AppendTurn", sessionID, turn)
	if err := m.injected(&m.AppendTurnErr); err != nil {
		return 0, memory.WrapErr("append turn", sessionID, err)
	}
	return inner.AppendTurn(ctx, sessionID, turn)
}

// RecentTurns implements [memory.SessionStore].
func (m *SessionStore) RecentTurns(ctx context.Context, sessionID string, limit int) ([]memory.Turn, error) {
	inner := m.record("RecentTurns", sessionID, limit)
	if err := m.injected(&m.RecentTurnsErr); err != nil {
		return nil, memory.WrapErr("recent turns", sessionID, err)
	}
	return inner.RecentTurns(ctx, sessionID, limit)
}

// LatestTurns implements [memory.HistoryReader].
func (m *SessionStore) LatestTurns(ctx context.Context, limit int) ([]memory.Turn, error) {
	inner := m.record("LatestTurns", limit)
	if err := m.injected(&m.RecentTurnsErr); err != nil {
		return nil, memory.WrapErr("latest turns", "", err)
	}
	return inner.LatestTurns(ctx, limit)
}

// Ping implements [memory.Pinger].
func (m *SessionStore) Ping(context.Context) error {
	m.record("Ping")
	return m.injected(&m.PingErr)
}

// SetErr sets one of the injected errors under the mock's lock. method is the
// interface method name, e.g. "UpdateState".
func (m *SessionStore) SetErr(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch method {
	case "GetState":
		m.GetStateErr = err
	case "UpdateState":
		m.UpdateStateErr = err
	case "AppendTurn":
		m.AppendTurnErr = err
	case "RecentTurns", "LatestTurns":
		m.RecentTurnsErr = err
	case "Ping":
		m.PingErr = err
	}
}
