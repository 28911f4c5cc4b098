// Package conversation implements the safety-questioning state machine that
// runs after presence is confirmed.
//
// An [Engine] walks a fixed [Catalog] of questions for one session at a time.
// Each call to [Engine.Execute] loads the session from a
// [memory.SessionStore], records a pending reply if one was given, skips
// conditional questions whose trigger does not match, and either asks the next
// question or reports completion. Every transition is persisted before the
// response is returned; a failed write yields an error and no response that
// pretends otherwise.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/sentinel/internal/observe"
	"github.com/MrWong99/sentinel/pkg/memory"
)

// Context keys written by the engine.
const (
	// ContextLastReply holds the text of the most recent accepted reply.
	ContextLastReply = "last_reply"

	// ContextAnswerPrefix prefixes the per-question answer keys, e.g.
	// "answer_task_identification".
	ContextAnswerPrefix = "answer_"
)

// DefaultHistoryLimit is the number of turns handed to the [Summariser].
const DefaultHistoryLimit = 10

// DefaultDuplicateWindow is how long after an ask a reply without a
// question id that repeats the previous reply is taken as a resend of it.
const DefaultDuplicateWindow = 2 * time.Second

// ErrStaleReply classifies a reply that names a question other than the
// pending one. It never reaches a caller: the engine re-asks instead.
var ErrStaleReply = errors.New("conversation: stale reply")

// Engine is the conversation state machine. It is safe for concurrent use;
// calls for the same session id are serialised, calls for different ids run
// in parallel.
type Engine struct {
	store        memory.SessionStore
	catalog      Catalog
	trigger      TriggerRule
	summariser   Summariser
	historyLimit int
	metrics      *observe.Metrics
	newID        func() string
	dupWindow    time.Duration
	now          func() time.Time

	locks sessionLocks
}

// Option configures an [Engine].
type Option func(*Engine)

// WithCatalog replaces [DefaultCatalog].
func WithCatalog(c Catalog) Option {
	return func(e *Engine) { e.catalog = c }
}

// WithTriggerWords replaces [DefaultTriggerWords].
func WithTriggerWords(words ...string) Option {
	return func(e *Engine) { e.trigger = NewTriggerRule(words...) }
}

// WithSummariser replaces the default [CountSummariser].
func WithSummariser(s Summariser) Option {
	return func(e *Engine) { e.summariser = s }
}

// WithHistoryLimit sets how many recent turns feed the summary.
func WithHistoryLimit(n int) Option {
	return func(e *Engine) { e.historyLimit = n }
}

// WithMetrics records engine metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithIDGenerator replaces the generator used for requests that start a
// conversation without a session id.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// WithDuplicateWindow replaces [DefaultDuplicateWindow]. Zero disables
// duplicate detection for replies without a question id.
func WithDuplicateWindow(d time.Duration) Option {
	return func(e *Engine) { e.dupWindow = d }
}

// New creates an [Engine] over store.
func New(store memory.SessionStore, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("conversation: store must not be nil")
	}
	e := &Engine{
		store:        store,
		catalog:      DefaultCatalog(),
		trigger:      NewTriggerRule(DefaultTriggerWords...),
		summariser:   CountSummariser{},
		historyLimit: DefaultHistoryLimit,
		newID:        func() string { return "session-" + uuid.NewString() },
		dupWindow:    DefaultDuplicateWindow,
		now:          time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if err := e.catalog.Validate(); err != nil {
		return nil, err
	}
	if e.historyLimit <= 0 {
		e.historyLimit = DefaultHistoryLimit
	}
	if e.summariser == nil {
		e.summariser = CountSummariser{}
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e, nil
}

// Catalog returns the engine's question catalog.
func (e *Engine) Catalog() Catalog { return e.catalog }

// Store returns the engine's session store.
func (e *Engine) Store() memory.SessionStore { return e.store }

// Handle runs [Engine.Execute] and maps any error to an error response.
func (e *Engine) Handle(ctx context.Context, req Request) Response {
	resp, err := e.Execute(ctx, req)
	if err != nil {
		out := ErrorResponse(err)
		out.SessionID = req.SessionID
		return out
	}
	return resp
}

// Execute advances the conversation of req.SessionID by one call.
//
// The returned error is a [*ProtocolError] for malformed requests and a
// [*memory.StoreError] when persistence fails. In both cases the session is
// left at its last committed state.
func (e *Engine) Execute(ctx context.Context, req Request) (resp Response, err error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "conversation.execute",
		trace.WithAttributes(attribute.Bool("trigger", req.TriggerConversation)))
	defer func() {
		action := resp.Action
		if err != nil {
			action = ActionError
		}
		span.SetAttributes(
			observe.AttrSessionID.String(resp.SessionID),
			observe.AttrAction.String(string(action)),
		)
		observe.EndSpan(span, err)
		e.metrics.RecordAction(ctx, string(action), time.Since(start).Seconds())
	}()

	input, hasInput := req.Input()
	id := req.SessionID
	switch {
	case id != "":
	case hasInput:
		return Response{}, protocolErr("session_id is required with user_input")
	case req.TriggerConversation:
		id = e.newID()
	default:
		return Response{}, protocolErr("session_id is required")
	}

	unlock := e.locks.lock(id)
	defer unlock()

	log := observe.Logger(ctx).With(slog.String("session_id", id))

	s, err := e.store.GetState(ctx, id)
	if err != nil {
		return Response{}, e.storeFailed(ctx, log, err)
	}

	if !req.TriggerConversation && s.Step == 0 {
		return Response{Action: ActionIdle, SessionID: id, Message: IdleMessage}, nil
	}

	if s.AwaitingReply && hasInput && s.Step > 0 && s.Step <= len(e.catalog) {
		pending := e.catalog[s.Step-1]
		if req.QuestionID != "" && req.QuestionID != pending.ID {
			e.metrics.StaleReplies.Add(ctx, 1)
			log.Debug("dropping stale reply",
				slog.String("question_id", req.QuestionID),
				slog.String("pending", pending.ID),
				slog.Any("err", ErrStaleReply))
			return e.askResponse(id, s.Step-1), nil
		}
		if req.QuestionID == "" && e.repeatsLastReply(s, input) {
			e.metrics.StaleReplies.Add(ctx, 1)
			log.Debug("dropping repeated reply", slog.String("pending", pending.ID))
			return e.askResponse(id, s.Step-1), nil
		}
		if s, err = e.recordReply(ctx, id, pending, input); err != nil {
			return Response{}, e.storeFailed(ctx, log, err)
		}
		log.Debug("reply recorded", slog.String("question_id", pending.ID))
	}

	// Each pass either returns or advances Step, so the loop runs at most
	// len(catalog)+1 times.
	for {
		if s.Step >= len(e.catalog) {
			return e.complete(ctx, log, id)
		}
		q := e.catalog[s.Step]
		if q.Type == Conditional && !e.trigger.Match(lastReply(s)) {
			next, notAwaiting := s.Step+1, false
			s, err = e.store.UpdateState(ctx, id, memory.StatePatch{Step: &next, AwaitingReply: &notAwaiting})
			if err != nil {
				return Response{}, e.storeFailed(ctx, log, err)
			}
			log.Debug("conditional question skipped", slog.String("question_id", q.ID))
			continue
		}
		return e.ask(ctx, log, id, s.Step)
	}
}

// recordReply appends the user turn answering q and clears the awaiting flag.
func (e *Engine) recordReply(ctx context.Context, id string, q Question, input string) (memory.Session, error) {
	if _, err := e.store.AppendTurn(ctx, id, memory.Turn{
		Role:     memory.RoleUser,
		Content:  input,
		Metadata: map[string]any{memory.MetaQuestionID: q.ID},
	}); err != nil {
		return memory.Session{}, err
	}
	notAwaiting := false
	return e.store.UpdateState(ctx, id, memory.StatePatch{
		AwaitingReply: &notAwaiting,
		Context: map[string]any{
			ContextLastReply:           input,
			ContextAnswerPrefix + q.ID: input,
		},
	})
}

// ask persists catalog[idx] as asked and returns the ask response.
func (e *Engine) ask(ctx context.Context, log *slog.Logger, id string, idx int) (Response, error) {
	q := e.catalog[idx]
	if _, err := e.store.AppendTurn(ctx, id, memory.Turn{
		Role:     memory.RoleAssistant,
		Content:  q.Prompt,
		Metadata: map[string]any{memory.MetaQuestionID: q.ID},
	}); err != nil {
		return Response{}, e.storeFailed(ctx, log, err)
	}
	next, awaiting := idx+1, true
	if _, err := e.store.UpdateState(ctx, id, memory.StatePatch{
		Step:          &next,
		LastQuestion:  &q.Prompt,
		AwaitingReply: &awaiting,
	}); err != nil {
		return Response{}, e.storeFailed(ctx, log, err)
	}
	log.Info("question asked", slog.String("question_id", q.ID), slog.Int("step", next))
	return e.askResponse(id, idx), nil
}

func (e *Engine) askResponse(id string, idx int) Response {
	q := e.catalog[idx]
	return Response{
		Action:       ActionAsk,
		SessionID:    id,
		Question:     q.Prompt,
		QuestionID:   q.ID,
		QuestionType: q.Type,
		Required:     q.Required,
		Step:         idx + 1,
		TotalSteps:   len(e.catalog),
	}
}

// complete builds the terminal response. It never writes state.
func (e *Engine) complete(ctx context.Context, log *slog.Logger, id string) (Response, error) {
	turns, err := e.store.RecentTurns(ctx, id, e.historyLimit)
	if err != nil {
		return Response{}, e.storeFailed(ctx, log, err)
	}
	summary, err := e.summariser.Summarise(ctx, id, turns)
	if err != nil {
		log.Warn("summariser failed, using count summary", slog.Any("err", err))
		summary = CountSummary(len(turns))
	}
	log.Info("conversation complete", slog.Int("turns", len(turns)))
	return Response{
		Action:    ActionComplete,
		SessionID: id,
		Summary:   summary,
		Message:   CompleteMessage,
	}, nil
}

func (e *Engine) storeFailed(ctx context.Context, log *slog.Logger, err error) error {
	op := "unknown"
	var se *memory.StoreError
	if errors.As(err, &se) {
		op = se.Op
	}
	e.metrics.RecordStoreError(ctx, op)
	log.Error("session store failed", slog.String("op", op), slog.Any("err", err))
	return err
}

// repeatsLastReply reports whether an uncorrelated reply is a resend of the
// reply that led to the pending ask: same text, arriving within the duplicate
// window of that ask. Callers that may legitimately repeat an answer quickly
// send question_id.
func (e *Engine) repeatsLastReply(s memory.Session, input string) bool {
	if e.dupWindow <= 0 || input != lastReply(s) {
		return false
	}
	return e.now().Sub(s.UpdatedAt) < e.dupWindow
}

func lastReply(s memory.Session) string {
	v, _ := s.Context[ContextLastReply].(string)
	return v
}
