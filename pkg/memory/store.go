// Package memory defines the durable session layer used by the safety
// conversation.
//
// A session has two parts:
//
//   - Agent state ([Session]): a single mutable record per session id holding
//     the current step, the last question asked, whether a reply is awaited,
//     and a free-form context map.
//   - Turn log ([Turn]): an append-only history of utterances (questions,
//     replies, system notes) in that session.
//
// Storage backends live in sub-packages (memstore, sqlite, postgres) and all
// satisfy [SessionStore]. Every implementation must be safe for concurrent use
// and must serialise writes for the same session id while letting different
// session ids proceed independently.
package memory

import (
	"context"
	"maps"
	"time"
)

// Role identifies who produced a [Turn].
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// IsValid reports whether r is one of the known roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// MetaQuestionID is the [Turn.Metadata] key naming the catalog question a turn
// asks or answers.
const MetaQuestionID = "question_id"

// Session is the agent state of one safety conversation.
//
// The zero value (Step 0, no question, not awaiting, empty context) is what
// [SessionStore.GetState] returns for a session that has never been written.
type Session struct {
	// ID is the session identifier.
	ID string `json:"session_id"`

	// Step is the index into the question catalog of the next unanswered
	// question. 0 means the conversation has not started.
	Step int `json:"step"`

	// LastQuestion is the prompt text of the most recently asked question.
	LastQuestion string `json:"last_question"`

	// AwaitingReply is true while a question has been asked and no reply has
	// been recorded for it.
	AwaitingReply bool `json:"awaiting_reply"`

	// Context accumulates facts about the conversation, such as the text of
	// the previous reply. Values must be JSON-encodable.
	Context map[string]any `json:"context"`

	// UpdatedAt is the time of the last state write. Zero for a session that
	// has never been written.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession returns the zero-state for sessionID.
func NewSession(sessionID string) Session {
	return Session{ID: sessionID, Context: map[string]any{}}
}

// Clone returns a copy of s whose Context map can be modified independently.
func (s Session) Clone() Session {
	out := s
	out.Context = make(map[string]any, len(s.Context))
	maps.Copy(out.Context, s.Context)
	return out
}

// Exists reports whether the session has ever been persisted.
func (s Session) Exists() bool { return !s.UpdatedAt.IsZero() }

// StatePatch is a partial update of a [Session]. Nil fields are left
// unchanged. Context is merged key by key into the existing context; a key in
// the patch overwrites the stored value for that key only.
type StatePatch struct {
	Step          *int
	LastQuestion  *string
	AwaitingReply *bool
	Context       map[string]any
}

// IsEmpty reports whether the patch changes nothing.
func (p StatePatch) IsEmpty() bool {
	return p.Step == nil && p.LastQuestion == nil && p.AwaitingReply == nil && len(p.Context) == 0
}

// Apply returns s with the patch applied. s itself is not modified.
func (p StatePatch) Apply(s Session) Session {
	out := s.Clone()
	if p.Step != nil {
		out.Step = *p.Step
	}
	if p.LastQuestion != nil {
		out.LastQuestion = *p.LastQuestion
	}
	if p.AwaitingReply != nil {
		out.AwaitingReply = *p.AwaitingReply
	}
	maps.Copy(out.Context, p.Context)
	return out
}

// Turn is one persisted utterance. Turns are immutable once written.
type Turn struct {
	// ID is assigned by the store on append and increases monotonically
	// within that store.
	ID int64 `json:"id"`

	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`

	// Metadata carries optional structured data, e.g. [MetaQuestionID].
	Metadata map[string]any `json:"metadata,omitempty"`
}

// QuestionID returns the question id recorded in the turn's metadata, or "".
func (t Turn) QuestionID() string {
	id, _ := t.Metadata[MetaQuestionID].(string)
	return id
}

// SessionStore is the durable per-session record of agent state and turns.
//
// Implementations wrap every persistence failure in a [*StoreError] and never
// retry internally.
type SessionStore interface {
	// GetState returns the state of sessionID, or the zero-state from
	// [NewSession] when it does not exist. Reading never creates a record.
	GetState(ctx context.Context, sessionID string) (Session, error)

	// UpdateState applies patch to sessionID atomically, inserting the record
	// if it does not exist, and returns the resulting state.
	UpdateState(ctx context.Context, sessionID string, patch StatePatch) (Session, error)

	// AppendTurn appends turn to the log of sessionID and returns its id.
	// turn.SessionID and turn.ID are ignored; a zero Timestamp is replaced by
	// the current time.
	AppendTurn(ctx context.Context, sessionID string, turn Turn) (int64, error)

	// RecentTurns returns at most limit turns of sessionID, most recent first.
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error)
}

// HistoryReader is implemented by stores that can list turns across all
// sessions.
type HistoryReader interface {
	// LatestTurns returns at most limit turns across every session, most
	// recent first.
	LatestTurns(ctx context.Context, limit int) ([]Turn, error)
}

// Pinger is implemented by stores whose backing connection can be checked.
type Pinger interface {
	Ping(ctx context.Context) error
}
