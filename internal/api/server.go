// Package api is the HTTP transport of Sentinel.
//
// Routes:
//
//	POST /v1/conversation              one engine call (request/response JSON)
//	POST /v1/streams/{stream}/frames   one detection frame of a camera stream
//	POST /v1/streams/{stream}/reply    a reply to the stream's running conversation
//	GET  /v1/streams                   per-stream window and conversation status
//	GET  /v1/sessions/{id}             session state
//	GET  /v1/sessions/{id}/turns       recent turns of a session
//	GET  /v1/turns                     recent turns across sessions
//	POST /v1/ask                       free-form question to the LLM
//	GET  /v1/detection/threshold       current confidence threshold
//	PUT  /v1/detection/threshold       change the confidence threshold
//	GET  /v1/events                    websocket feed of monitor events
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/MrWong99/sentinel/internal/conversation"
	"github.com/MrWong99/sentinel/internal/detect"
	"github.com/MrWong99/sentinel/internal/monitor"
	"github.com/MrWong99/sentinel/internal/observe"
	"github.com/MrWong99/sentinel/pkg/memory"
)

// Limits on request parameters.
const (
	DefaultTurnLimit = 20
	MaxTurnLimit     = 500

	// maxBodyBytes bounds request bodies; raw tensors of a 640px model are
	// a few MB of JSON.
	maxBodyBytes = 32 << 20
)

// Server holds the handlers' dependencies.
type Server struct {
	engine  *conversation.Engine
	monitor *monitor.Monitor
	chat    *conversation.Chat
}

// Option configures a [Server].
type Option func(*Server)

// WithChat enables POST /v1/ask.
func WithChat(c *conversation.Chat) Option {
	return func(s *Server) { s.chat = c }
}

// New creates a [Server].
func New(engine *conversation.Engine, mon *monitor.Monitor, opts ...Option) *Server {
	s := &Server{engine: engine, monitor: mon}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/conversation", s.handleConversation)
	mux.HandleFunc("POST /v1/streams/{stream}/frames", s.handleFrame)
	mux.HandleFunc("POST /v1/streams/{stream}/reply", s.handleReply)
	mux.HandleFunc("GET /v1/streams", s.handleStreams)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSession)
	mux.HandleFunc("GET /v1/sessions/{id}/turns", s.handleSessionTurns)
	mux.HandleFunc("GET /v1/turns", s.handleLatestTurns)
	mux.HandleFunc("POST /v1/ask", s.handleAsk)
	mux.HandleFunc("GET /v1/detection/threshold", s.handleGetThreshold)
	mux.HandleFunc("PUT /v1/detection/threshold", s.handleSetThreshold)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
}

// Handler returns a mux with the API routes wrapped in [observe.Middleware].
func (s *Server) Handler(m *observe.Metrics) http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return observe.Middleware(m)(mux)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	var req conversation.Request
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := s.engine.Execute(r.Context(), req)
	if err != nil {
		out := conversation.ErrorResponse(err)
		out.SessionID = req.SessionID
		writeJSON(w, statusOf(err), out)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type frameRequest struct {
	detect.Frame

	// Threshold overrides the monitor's threshold for this frame only.
	Threshold *float64 `json:"threshold,omitempty"`
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	var req frameRequest
	if !decodeBody(w, r, &req) {
		return
	}
	stream := r.PathValue("stream")

	var (
		res monitor.FrameResult
		err error
	)
	if req.Threshold != nil {
		res, err = s.monitor.ProcessWireFrameAt(r.Context(), stream, req.Frame, *req.Threshold)
	} else {
		res, err = s.monitor.ProcessWireFrame(r.Context(), stream, req.Frame)
	}
	if res.Error != "" {
		observe.Logger(r.Context()).Warn("frame could not be decoded", "stream", stream, "err", res.Error)
	}
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case res.Timestamp.IsZero():
		// Rejected before processing.
		writeError(w, http.StatusBadRequest, err)
	default:
		// Processed, but the conversation could not be started. The result
		// carries the error response.
		writeJSON(w, statusOf(err), res)
	}
}

type replyRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	var req replyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	stream := r.PathValue("stream")
	resp, err := s.monitor.Reply(r.Context(), stream, req.Text)
	if err != nil {
		out := conversation.ErrorResponse(err)
		if id, _, ok := s.monitor.Active(stream); ok {
			out.SessionID = id
		}
		writeJSON(w, statusOf(err), out)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStreams(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"threshold":            s.monitor.Threshold(),
		"active_conversations": s.monitor.ActiveConversations(),
		"streams":              s.monitor.Streams(),
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := s.engine.Store().GetState(r.Context(), id)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	if !st.Exists() {
		writeError(w, http.StatusNotFound, fmt.Errorf("session %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSessionTurns(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	turns, err := s.engine.Store().RecentTurns(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, turnsOrEmpty(turns))
}

func (s *Server) handleLatestTurns(w http.ResponseWriter, r *http.Request) {
	hr, ok := s.engine.Store().(memory.HistoryReader)
	if !ok {
		writeError(w, http.StatusNotImplemented, errors.New("store cannot list turns across sessions"))
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	turns, err := hr.LatestTurns(r.Context(), limit)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, turnsOrEmpty(turns))
}

type askRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Prompt    string `json:"prompt"`
}

type askResponse struct {
	Answer string `json:"answer"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		writeError(w, http.StatusNotImplemented, errors.New("no llm provider configured"))
		return
	}
	var req askRequest
	if !decodeBody(w, r, &req) {
		return
	}
	answer, err := s.chat.Ask(r.Context(), req.SessionID, req.Prompt)
	if err != nil {
		status := statusOf(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, askResponse{Answer: answer})
}

type thresholdBody struct {
	Threshold float64 `json:"threshold"`
}

func (s *Server) handleGetThreshold(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, thresholdBody{Threshold: s.monitor.Threshold()})
}

func (s *Server) handleSetThreshold(w http.ResponseWriter, r *http.Request) {
	var req thresholdBody
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.monitor.SetThreshold(req.Threshold); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, thresholdBody{Threshold: s.monitor.Threshold()})
}

// statusOf maps an error to an HTTP status.
func statusOf(err error) int {
	switch {
	case conversation.IsProtocolError(err), errors.Is(err, monitor.ErrEmptyStream):
		return http.StatusBadRequest
	case memory.IsStoreError(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func limitParam(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return DefaultTurnLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("limit must be a positive integer, got %q", v)
	}
	return min(n, MaxTurnLimit), nil
}

func turnsOrEmpty(t []memory.Turn) []memory.Turn {
	if t == nil {
		return []memory.Turn{}
	}
	return t
}

// decodeBody decodes the JSON body into v. On failure it writes a 400 and
// returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty request body")
		}
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: encode response", "err", err)
	}
}
