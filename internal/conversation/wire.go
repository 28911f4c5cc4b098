package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Action is the kind of [Response].
type Action string

const (
	ActionIdle     Action = "idle"
	ActionAsk      Action = "ask"
	ActionComplete Action = "complete"
	ActionError    Action = "error"
)

// Messages returned to the transport.
const (
	IdleMessage     = "No conversation active"
	CompleteMessage = "Conversation completed. Returning to monitoring."
)

// Request is one call into the engine, as sent by a transport.
type Request struct {
	SessionID string `json:"session_id"`

	// UserInput is the reply to the pending question, if any. A nil or blank
	// input is treated as absent.
	UserInput *string `json:"user_input,omitempty"`

	// TriggerConversation starts a conversation on a session at step 0.
	TriggerConversation bool `json:"trigger_conversation,omitempty"`

	// QuestionID optionally names the question UserInput answers. A reply
	// naming a question other than the pending one is stale and is not
	// recorded.
	QuestionID string `json:"question_id,omitempty"`
}

// Input returns the trimmed user input and whether it is present.
func (r Request) Input() (string, bool) {
	if r.UserInput == nil {
		return "", false
	}
	s := strings.TrimSpace(*r.UserInput)
	return s, s != ""
}

// Reply builds a request carrying a reply to questionID.
func Reply(sessionID, questionID, text string) Request {
	return Request{SessionID: sessionID, UserInput: &text, QuestionID: questionID}
}

// Response is the engine's answer. Which fields are set depends on Action.
type Response struct {
	Action    Action `json:"action"`
	SessionID string `json:"session_id,omitempty"`

	// idle, complete
	Message string `json:"message,omitempty"`

	// ask
	Question     string       `json:"question,omitempty"`
	QuestionID   string       `json:"question_id,omitempty"`
	QuestionType QuestionType `json:"question_type,omitempty"`
	Required     bool         `json:"required,omitempty"`
	Step         int          `json:"step,omitempty"`
	TotalSteps   int          `json:"total_steps,omitempty"`

	// complete
	Summary string `json:"summary,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

// MarshalJSON emits exactly the fields of r's action, so that for example an
// ask with Required false still carries "required":false.
func (r Response) MarshalJSON() ([]byte, error) {
	switch r.Action {
	case ActionIdle:
		return json.Marshal(struct {
			Action    Action `json:"action"`
			SessionID string `json:"session_id"`
			Message   string `json:"message"`
		}{r.Action, r.SessionID, r.Message})
	case ActionAsk:
		return json.Marshal(struct {
			Action       Action       `json:"action"`
			SessionID    string       `json:"session_id"`
			Question     string       `json:"question"`
			QuestionID   string       `json:"question_id"`
			QuestionType QuestionType `json:"question_type"`
			Required     bool         `json:"required"`
			Step         int          `json:"step"`
			TotalSteps   int          `json:"total_steps"`
		}{r.Action, r.SessionID, r.Question, r.QuestionID, r.QuestionType, r.Required, r.Step, r.TotalSteps})
	case ActionComplete:
		return json.Marshal(struct {
			Action    Action `json:"action"`
			SessionID string `json:"session_id"`
			Summary   string `json:"summary"`
			Message   string `json:"message"`
		}{r.Action, r.SessionID, r.Summary, r.Message})
	case ActionError:
		return json.Marshal(struct {
			Action    Action `json:"action"`
			SessionID string `json:"session_id,omitempty"`
			Error     string `json:"error"`
		}{r.Action, r.SessionID, r.Error})
	}
	type plain Response
	return json.Marshal(plain(r))
}

// ErrorResponse maps err to an error response.
func ErrorResponse(err error) Response {
	return Response{Action: ActionError, Error: err.Error()}
}

// ProtocolError reports a malformed request. No state was read or written.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "conversation: bad request: " + e.Reason }

func protocolErr(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// IsProtocolError reports whether err is or wraps a [*ProtocolError].
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
