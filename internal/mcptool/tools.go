// Package mcptool exposes Sentinel to agent hosts as an MCP server.
//
// Tools returned by [NewTools]:
//   - "conversation_execute" runs one conversation engine call.
//   - "process_frame"        feeds one detection frame of a stream.
//   - "stream_reply"         answers the pending question of a stream.
//   - "session_state"        reads the state of a session.
//   - "history"              lists recent turns of a session or of all sessions.
//   - "monitor_status"       reports the threshold and every stream's state.
//   - "ask"                  free-form question to the LLM (only with a chat).
//
// All handlers are safe for concurrent use.
package mcptool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/sentinel/internal/conversation"
	"github.com/MrWong99/sentinel/internal/detect"
	"github.com/MrWong99/sentinel/internal/monitor"
	"github.com/MrWong99/sentinel/pkg/memory"
)

// Tool is one MCP tool: its JSON Schema input description and the handler
// invoked with the raw JSON arguments. The handler's result is encoded as
// JSON text content.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     func(ctx context.Context, args json.RawMessage) (any, error)
}

// Deps are the components the tools operate on. Chat is optional.
type Deps struct {
	Engine  *conversation.Engine
	Monitor *monitor.Monitor
	Chat    *conversation.Chat
}

// History limits.
const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

func object(required []string, props map[string]any) map[string]any {
	if required == nil {
		required = []string{}
	}
	return map[string]any{"type": "object", "properties": props, "required": required}
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

// decode unmarshals args into v. Empty args decode as {}.
func decode(tool string, args json.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("mcptool: %s: failed to parse arguments: %w", tool, err)
	}
	return nil
}

// NewTools constructs the tool set wired to deps. Engine and Monitor must
// be non-nil.
func NewTools(deps Deps) []Tool {
	tools := []Tool{
		{
			Name:        "conversation_execute",
			Description: "Run one step of the safety conversation. Start a conversation with trigger_conversation, then send each reply as user_input with the question_id of the question it answers. Returns an idle, ask, complete or error action.",
			InputSchema: object(nil, map[string]any{
				"session_id":           prop("string", "Session to act on. Generated when starting without one."),
				"user_input":           prop("string", "Reply to the pending question."),
				"trigger_conversation": prop("boolean", "Start the conversation at the first question."),
				"question_id":          prop("string", "Question the reply answers. A reply to a question that is no longer pending is ignored."),
			}),
			Handler: executeHandler(deps.Engine),
		},
		{
			Name:        "process_frame",
			Description: "Feed one detection frame of a camera stream. Confirmed presence starts a safety conversation for the stream. Frames use layout \"parsed\" (detections) or \"tensor\" (shape and data).",
			InputSchema: object([]string{"stream"}, map[string]any{
				"stream": prop("string", "Camera stream id."),
				"layout": prop("string", "parsed or tensor; defaults to the configured layout."),
				"detections": map[string]any{
					"type":        "array",
					"description": "Parsed detections.",
					"items": object([]string{"class_id", "confidence"}, map[string]any{
						"class_id":   prop("integer", "Class index; 0 is person."),
						"confidence": prop("number", "Score in [0, 1]."),
					}),
				},
				"shape":         map[string]any{"type": "array", "items": map[string]any{"type": "integer"}, "description": "Tensor shape (candidates, features) with an optional leading batch of 1."},
				"data":          map[string]any{"type": "array", "items": map[string]any{"type": "number"}, "description": "Row-major tensor values."},
				"feature_major": prop("boolean", "Tensor is (features, candidates)."),
				"threshold":     prop("number", "Confidence threshold for this frame only."),
			}),
			Handler: frameHandler(deps.Monitor),
		},
		{
			Name:        "stream_reply",
			Description: "Answer the pending safety question of a camera stream.",
			InputSchema: object([]string{"stream", "text"}, map[string]any{
				"stream": prop("string", "Camera stream id."),
				"text":   prop("string", "The reply."),
			}),
			Handler: replyHandler(deps.Monitor),
		},
		{
			Name:        "session_state",
			Description: "Read the step, pending question and context of a session.",
			InputSchema: object([]string{"session_id"}, map[string]any{
				"session_id": prop("string", "Session id."),
			}),
			Handler: stateHandler(deps.Engine.Store()),
		},
		{
			Name:        "history",
			Description: "List recent conversation turns, most recent first, of one session or of all sessions.",
			InputSchema: object(nil, map[string]any{
				"session_id": prop("string", "Restrict to this session. Omit for all sessions."),
				"limit":      prop("integer", fmt.Sprintf("Maximum turns (default %d, max %d).", defaultHistoryLimit, maxHistoryLimit)),
			}),
			Handler: historyHandler(deps.Engine.Store()),
		},
		{
			Name:        "monitor_status",
			Description: "Report the detection threshold, the number of running conversations and the state of every stream.",
			InputSchema: object(nil, map[string]any{}),
			Handler:     statusHandler(deps.Monitor),
		},
	}
	if deps.Chat != nil {
		tools = append(tools, Tool{
			Name:        "ask",
			Description: "Ask the safety assistant a free-form question, optionally in the context of a session's recent turns.",
			InputSchema: object([]string{"prompt"}, map[string]any{
				"prompt":     prop("string", "The question."),
				"session_id": prop("string", "Session whose history is given as context."),
			}),
			Handler: askHandler(deps.Chat),
		})
	}
	return tools
}

func executeHandler(e *conversation.Engine) func(context.Context, json.RawMessage) (any, error) {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var req conversation.Request
		if err := decode("conversation_execute", args, &req); err != nil {
			return nil, err
		}
		return e.Execute(ctx, req)
	}
}

type frameArgs struct {
	detect.Frame

	Stream    string   `json:"stream"`
	Threshold *float64 `json:"threshold,omitempty"`
}

func frameHandler(m *monitor.Monitor) func(context.Context, json.RawMessage) (any, error) {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var a frameArgs
		if err := decode("process_frame", args, &a); err != nil {
			return nil, err
		}
		var (
			res monitor.FrameResult
			err error
		)
		if a.Threshold != nil {
			res, err = m.ProcessWireFrameAt(ctx, a.Stream, a.Frame, *a.Threshold)
		} else {
			res, err = m.ProcessWireFrame(ctx, a.Stream, a.Frame)
		}
		if err != nil && res.Timestamp.IsZero() {
			return nil, fmt.Errorf("mcptool: process_frame: %w", err)
		}
		// A conversation start failure is carried in res.Conversation.
		return res, nil
	}
}

type replyArgs struct {
	Stream string `json:"stream"`
	Text   string `json:"text"`
}

func replyHandler(m *monitor.Monitor) func(context.Context, json.RawMessage) (any, error) {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var a replyArgs
		if err := decode("stream_reply", args, &a); err != nil {
			return nil, err
		}
		return m.Reply(ctx, a.Stream, a.Text)
	}
}

type sessionArgs struct {
	SessionID string `json:"session_id"`
	Limit     int    `json:"limit,omitempty"`
}

func stateHandler(store memory.SessionStore) func(context.Context, json.RawMessage) (any, error) {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var a sessionArgs
		if err := decode("session_state", args, &a); err != nil {
			return nil, err
		}
		if a.SessionID == "" {
			return nil, errors.New("mcptool: session_state: session_id must not be empty")
		}
		st, err := store.GetState(ctx, a.SessionID)
		if err != nil {
			return nil, fmt.Errorf("mcptool: session_state: %w", err)
		}
		if !st.Exists() {
			return nil, fmt.Errorf("mcptool: session_state: session %q not found", a.SessionID)
		}
		return st, nil
	}
}

func historyHandler(store memory.SessionStore) func(context.Context, json.RawMessage) (any, error) {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var a sessionArgs
		if err := decode("history", args, &a); err != nil {
			return nil, err
		}
		limit := a.Limit
		if limit <= 0 {
			limit = defaultHistoryLimit
		}
		limit = min(limit, maxHistoryLimit)

		var (
			turns []memory.Turn
			err   error
		)
		if a.SessionID != "" {
			turns, err = store.RecentTurns(ctx, a.SessionID, limit)
		} else if hr, ok := store.(memory.HistoryReader); ok {
			turns, err = hr.LatestTurns(ctx, limit)
		} else {
			return nil, errors.New("mcptool: history: session_id is required with this store")
		}
		if err != nil {
			return nil, fmt.Errorf("mcptool: history: %w", err)
		}
		if turns == nil {
			turns = []memory.Turn{}
		}
		return turns, nil
	}
}

type statusResult struct {
	Threshold           float64                `json:"threshold"`
	ActiveConversations int                    `json:"active_conversations"`
	Streams             []monitor.StreamStatus `json:"streams"`
}

func statusHandler(m *monitor.Monitor) func(context.Context, json.RawMessage) (any, error) {
	return func(context.Context, json.RawMessage) (any, error) {
		return statusResult{
			Threshold:           m.Threshold(),
			ActiveConversations: m.ActiveConversations(),
			Streams:             m.Streams(),
		}, nil
	}
}

type askArgs struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id,omitempty"`
}

func askHandler(c *conversation.Chat) func(context.Context, json.RawMessage) (any, error) {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var a askArgs
		if err := decode("ask", args, &a); err != nil {
			return nil, err
		}
		answer, err := c.Ask(ctx, a.SessionID, a.Prompt)
		if err != nil {
			return nil, fmt.Errorf("mcptool: ask: %w", err)
		}
		return map[string]string{"answer": answer}, nil
	}
}
