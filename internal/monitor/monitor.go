// Package monitor connects the detection pipeline to the safety conversation.
//
// A [Monitor] keeps one [detect.Pipeline] per camera stream. When a stream's
// debounced presence is confirmed and no conversation is running for it, the
// monitor opens a new episode session and asks the first question. Replies
// for the stream are routed to that session until the conversation
// completes. Frames and conversation responses are published on a [Hub].
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/sentinel/internal/conversation"
	"github.com/MrWong99/sentinel/internal/detect"
	"github.com/MrWong99/sentinel/internal/observe"
)

// ErrEmptyStream is returned for calls without a stream id.
var ErrEmptyStream = errors.New("monitor: stream id must not be empty")

// Config holds the detection settings of a [Monitor].
type Config struct {
	// Threshold is the per-frame confidence a frame must exceed.
	Threshold float64

	// Consecutive is the debounce window length.
	Consecutive int

	// PersonClass is the detector class index of a person.
	PersonClass int

	// Layout is the default layout of wire frames that do not name one.
	Layout string

	// ResetOnConfirm clears a stream's window once a confirmation has been
	// consumed, so a person standing in view confirms once per episode
	// instead of on every frame.
	ResetOnConfirm bool

	// EpisodeTimeout releases a stream's conversation that has had no state
	// change for this long, so the next confirmation starts a new episode.
	// Zero keeps an unanswered episode until it completes.
	EpisodeTimeout time.Duration
}

// DefaultEpisodeTimeout is the EpisodeTimeout of [DefaultConfig].
const DefaultEpisodeTimeout = 10 * time.Minute

// DefaultConfig returns the standard detection settings.
func DefaultConfig() Config {
	return Config{
		Threshold:      detect.DefaultThreshold,
		Consecutive:    detect.DefaultConsecutive,
		PersonClass:    detect.PersonClass,
		Layout:         detect.LayoutTensor,
		ResetOnConfirm: true,
		EpisodeTimeout: DefaultEpisodeTimeout,
	}
}

// FrameResult is the outcome of one frame as returned to capture clients.
type FrameResult struct {
	Stream     string  `json:"stream"`
	Confidence float64 `json:"confidence"`

	// PersonPresent reports whether this single frame exceeded the threshold.
	PersonPresent bool `json:"person_present"`

	// Confirmed reports debounced presence.
	Confirmed bool `json:"confirmed"`

	// TriggerConversation is true when this frame started a conversation.
	TriggerConversation bool `json:"trigger_conversation"`

	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`

	// Conversation is the first response of a conversation started by this
	// frame.
	Conversation *conversation.Response `json:"conversation,omitempty"`
}

type stream struct {
	pipeline *detect.Pipeline

	// mu guards the conversation fields and serialises engine calls of the
	// stream.
	mu       sync.Mutex
	session  string
	question string
}

// Monitor routes frames and replies of many streams. It is safe for
// concurrent use.
type Monitor struct {
	engine  *conversation.Engine
	hub     *Hub
	metrics *observe.Metrics
	cfg     Config

	threshold atomic.Uint64
	active    atomic.Int64

	mu      sync.Mutex
	streams map[string]*stream

	newSession func(stream string) string
	now        func() time.Time
}

// Option configures a [Monitor].
type Option func(*Monitor)

// WithHub publishes events on h instead of a private hub.
func WithHub(h *Hub) Option {
	return func(m *Monitor) { m.hub = h }
}

// WithMetrics records metrics on met instead of [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Monitor) { m.metrics = met }
}

// WithSessionIDs replaces the episode session id generator.
func WithSessionIDs(fn func(stream string) string) Option {
	return func(m *Monitor) { m.newSession = fn }
}

// New creates a [Monitor] that drives engine.
func New(engine *conversation.Engine, cfg Config, opts ...Option) (*Monitor, error) {
	if engine == nil {
		return nil, errors.New("monitor: engine must not be nil")
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 || math.IsNaN(cfg.Threshold) {
		return nil, fmt.Errorf("monitor: threshold %v outside [0, 1]", cfg.Threshold)
	}
	if cfg.Layout == "" {
		cfg.Layout = detect.LayoutTensor
	}
	if cfg.EpisodeTimeout < 0 {
		return nil, fmt.Errorf("monitor: negative episode timeout %v", cfg.EpisodeTimeout)
	}
	if _, err := detect.ParseLayout(cfg.Layout); err != nil {
		return nil, err
	}
	m := &Monitor{
		engine:  engine,
		cfg:     cfg,
		streams: make(map[string]*stream),
		newSession: func(stream string) string {
			return stream + "-" + uuid.NewString()
		},
		now: time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.hub == nil {
		m.hub = NewHub(DefaultSubscriberBuffer, m.metrics)
	}
	m.threshold.Store(math.Float64bits(cfg.Threshold))
	return m, nil
}

// Hub returns the monitor's event hub.
func (m *Monitor) Hub() *Hub { return m.hub }

// Threshold returns the current confidence threshold.
func (m *Monitor) Threshold() float64 {
	return math.Float64frombits(m.threshold.Load())
}

// SetThreshold changes the threshold for subsequent frames of every stream.
func (m *Monitor) SetThreshold(t float64) error {
	if t < 0 || t > 1 || math.IsNaN(t) {
		return fmt.Errorf("monitor: threshold %v outside [0, 1]", t)
	}
	old := math.Float64frombits(m.threshold.Swap(math.Float64bits(t)))
	if old != t {
		slog.Info("detection threshold changed", "old", old, "new", t)
	}
	return nil
}

func (m *Monitor) stream(id string) *stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	if !ok {
		s = &stream{pipeline: detect.NewPipeline(m.cfg.PersonClass, m.cfg.Consecutive)}
		m.streams[id] = s
	}
	return s
}

// ProcessFrame runs one decoded frame of streamID through its pipeline.
func (m *Monitor) ProcessFrame(ctx context.Context, streamID string, out detect.Output) (FrameResult, error) {
	if streamID == "" {
		return FrameResult{}, ErrEmptyStream
	}
	s := m.stream(streamID)
	thr := m.Threshold()
	return m.handleResult(ctx, streamID, s, layoutOf(out), thr, s.pipeline.ProcessFrame(ctx, out, thr))
}

// ProcessWireFrame runs one wire frame of streamID through its pipeline.
func (m *Monitor) ProcessWireFrame(ctx context.Context, streamID string, f detect.Frame) (FrameResult, error) {
	return m.processWire(ctx, streamID, f, m.Threshold())
}

// ProcessWireFrameAt is [Monitor.ProcessWireFrame] with a threshold that
// applies to this frame only.
func (m *Monitor) ProcessWireFrameAt(ctx context.Context, streamID string, f detect.Frame, threshold float64) (FrameResult, error) {
	if threshold < 0 || threshold > 1 || math.IsNaN(threshold) {
		return FrameResult{}, fmt.Errorf("monitor: threshold %v outside [0, 1]", threshold)
	}
	return m.processWire(ctx, streamID, f, threshold)
}

func (m *Monitor) processWire(ctx context.Context, streamID string, f detect.Frame, thr float64) (FrameResult, error) {
	if streamID == "" {
		return FrameResult{}, ErrEmptyStream
	}
	s := m.stream(streamID)
	layout := f.Layout
	if layout == "" {
		layout = m.cfg.Layout
	}
	return m.handleResult(ctx, streamID, s, layout, thr, s.pipeline.ProcessWireFrame(ctx, f, m.cfg.Layout, thr))
}

// handleResult records the frame, starts a conversation on confirmed
// presence, and publishes the outcome. The returned error is non-nil only
// when starting the conversation failed.
func (m *Monitor) handleResult(ctx context.Context, streamID string, s *stream, layout string, thr float64, r detect.Result) (FrameResult, error) {
	m.metrics.RecordFrame(ctx, streamID, layout, r.Confidence, r.Confirmed, r.Err != nil)

	res := FrameResult{
		Stream:        streamID,
		Confidence:    r.Confidence,
		PersonPresent: r.Confidence > thr,
		Confirmed:     r.Confirmed,
		Timestamp:     m.now(),
	}
	if r.Err != nil {
		res.Error = r.Err.Error()
	}

	var err error
	if r.Confirmed {
		if m.cfg.ResetOnConfirm {
			s.pipeline.Reset()
		}
		var resp *conversation.Response
		resp, err = m.startConversation(ctx, streamID, s)
		if resp != nil {
			res.TriggerConversation = true
			res.Conversation = resp
		}
	}

	m.hub.Publish(Event{Type: EventFrame, Stream: streamID, Time: res.Timestamp, Frame: &res})
	return res, err
}

// startConversation opens an episode session for the stream unless one is
// still running. It returns nil, nil when a conversation is in progress.
func (m *Monitor) startConversation(ctx context.Context, streamID string, s *stream) (_ *conversation.Response, err error) {
	ctx, span := observe.StartSpan(ctx, "monitor.start_conversation",
		trace.WithAttributes(observe.AttrStream.String(streamID)))
	defer func() { observe.EndSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != "" && m.episodeRunning(ctx, streamID, s) {
		return nil, nil
	}

	id := m.newSession(streamID)
	span.SetAttributes(observe.AttrSessionID.String(id))
	log := observe.Logger(ctx).With("stream", streamID, "session_id", id)
	resp, err := m.engine.Execute(ctx, conversation.Request{SessionID: id, TriggerConversation: true})
	if err != nil {
		log.Error("could not start conversation", "err", err)
		out := conversation.ErrorResponse(err)
		out.SessionID = id
		m.publish(streamID, out)
		return &out, err
	}

	log.Info("presence confirmed, conversation started")
	if resp.Action == conversation.ActionAsk {
		s.session, s.question = id, resp.QuestionID
		m.active.Add(1)
		m.metrics.ActiveConversations.Add(ctx, 1)
	}
	m.publish(streamID, resp)
	return &resp, nil
}

// episodeRunning re-reads the stream's episode from the store. An episode
// that completed through another transport, or that went unanswered past
// EpisodeTimeout, is released. s.mu must be held.
func (m *Monitor) episodeRunning(ctx context.Context, streamID string, s *stream) bool {
	log := observe.Logger(ctx).With("stream", streamID, "session_id", s.session)
	st, err := m.engine.Store().GetState(ctx, s.session)
	if err != nil {
		log.Warn("could not check running conversation", "err", err)
		return true
	}
	catalog := m.engine.Catalog()
	switch {
	case !st.Exists(), st.Step >= len(catalog) && !st.AwaitingReply:
		log.Info("conversation finished elsewhere, releasing stream")
	case m.cfg.EpisodeTimeout > 0 && m.now().Sub(st.UpdatedAt) >= m.cfg.EpisodeTimeout:
		log.Info("conversation unanswered, releasing stream", "idle", m.now().Sub(st.UpdatedAt))
	default:
		if st.AwaitingReply && st.Step > 0 && st.Step <= len(catalog) {
			s.question = catalog[st.Step-1].ID
		}
		return true
	}
	m.release(ctx, s)
	return false
}

func (m *Monitor) release(ctx context.Context, s *stream) {
	s.session, s.question = "", ""
	m.active.Add(-1)
	m.metrics.ActiveConversations.Add(ctx, -1)
}

// Reply forwards text to the stream's running conversation, naming the
// pending question so a late duplicate cannot answer the next one. Without
// a running conversation it returns an idle response.
func (m *Monitor) Reply(ctx context.Context, streamID, text string) (conversation.Response, error) {
	if streamID == "" {
		return conversation.Response{}, ErrEmptyStream
	}
	s := m.stream(streamID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == "" {
		return conversation.Response{Action: conversation.ActionIdle, Message: conversation.IdleMessage}, nil
	}

	resp, err := m.engine.Execute(ctx, conversation.Reply(s.session, s.question, text))
	if err != nil {
		out := conversation.ErrorResponse(err)
		out.SessionID = s.session
		m.publish(streamID, out)
		return conversation.Response{}, err
	}
	switch resp.Action {
	case conversation.ActionAsk:
		s.question = resp.QuestionID
	case conversation.ActionComplete, conversation.ActionIdle:
		m.release(ctx, s)
	}
	m.publish(streamID, resp)
	return resp, nil
}

// Active returns the running session and pending question of streamID.
func (m *Monitor) Active(streamID string) (sessionID, questionID string, ok bool) {
	m.mu.Lock()
	s, exists := m.streams[streamID]
	m.mu.Unlock()
	if !exists {
		return "", "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session, s.question, s.session != ""
}

// ActiveConversations returns the number of streams with a running
// conversation.
func (m *Monitor) ActiveConversations() int { return int(m.active.Load()) }

// StreamStatus describes one stream.
type StreamStatus struct {
	Stream     string `json:"stream"`
	Window     string `json:"window"`
	SessionID  string `json:"session_id,omitempty"`
	QuestionID string `json:"question_id,omitempty"`
}

// Streams returns the status of every known stream, sorted by id.
func (m *Monitor) Streams() []StreamStatus {
	m.mu.Lock()
	ids := make([]string, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)

	out := make([]StreamStatus, 0, len(ids))
	for _, id := range ids {
		s := m.stream(id)
		s.mu.Lock()
		out = append(out, StreamStatus{
			Stream:     id,
			Window:     s.pipeline.State().String(),
			SessionID:  s.session,
			QuestionID: s.question,
		})
		s.mu.Unlock()
	}
	return out
}

func (m *Monitor) publish(streamID string, resp conversation.Response) {
	m.hub.Publish(Event{Type: EventConversation, Stream: streamID, Time: m.now(), Conversation: &resp})
}

func layoutOf(out detect.Output) string {
	if out == nil {
		return "none"
	}
	return out.Layout()
}
