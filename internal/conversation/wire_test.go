package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestResponse_MarshalJSON(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		resp Response
		want string
	}{
		{
			name: "idle",
			resp: Response{Action: ActionIdle, SessionID: "s", Message: IdleMessage},
			want: `{"action":"idle","session_id":"s","message":"No conversation active"}`,
		},
		{
			name: "ask keeps required false",
			resp: Response{Action: ActionAsk, SessionID: "s", Question: "Q?", QuestionID: "q", QuestionType: Conditional, Step: 3, TotalSteps: 3},
			want: `{"action":"ask","session_id":"s","question":"Q?","question_id":"q","question_type":"conditional","required":false,"step":3,"total_steps":3}`,
		},
		{
			name: "complete",
			resp: Response{Action: ActionComplete, SessionID: "s", Summary: CountSummary(4), Message: CompleteMessage},
			want: `{"action":"complete","session_id":"s","summary":"Completed safety check with 4 interactions","message":"Conversation completed. Returning to monitoring."}`,
		},
		{
			name: "error without session",
			resp: ErrorResponse(errors.New("boom")),
			want: `{"action":"error","error":"boom"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := json.Marshal(tt.resp)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got  %s\nwant %s", got, tt.want)
			}
		})
	}
}

func TestRequest_Input(t *testing.T) {
	t.Parallel()
	s := func(v string) *string { return &v }
	tests := []struct {
		in     *string
		want   string
		wantOK bool
	}{
		{nil, "", false},
		{s(""), "", false},
		{s("  \n"), "", false},
		{s("  yes "), "yes", true},
	}
	for _, tt := range tests {
		got, ok := Request{UserInput: tt.in}.Input()
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("Input() = %q, %v, want %q, %v", got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestRequest_Unmarshal(t *testing.T) {
	t.Parallel()
	var req Request
	raw := `{"session_id":"s","user_input":"yes","trigger_conversation":false,"question_id":"q"}`
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if in, ok := req.Input(); !ok || in != "yes" || req.QuestionID != "q" || req.SessionID != "s" {
		t.Errorf("req = %+v", req)
	}
}

func TestIsProtocolError(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("wrapped: %w", protocolErr("missing %s", "session_id"))
	if !IsProtocolError(err) {
		t.Error("IsProtocolError(wrapped) = false")
	}
	if IsProtocolError(errors.New("other")) {
		t.Error("IsProtocolError(other) = true")
	}
	if got := err.Error(); got != "wrapped: conversation: bad request: missing session_id" {
		t.Errorf("Error() = %q", got)
	}
}

func TestCatalog_Validate(t *testing.T) {
	t.Parallel()
	if err := DefaultCatalog().Validate(); err != nil {
		t.Fatalf("default catalog invalid: %v", err)
	}
	bad := Catalog{
		{ID: "a", Prompt: "A?", Type: OpenEnded},
		{ID: "a", Prompt: "", Type: "weird"},
		{ID: " ", Prompt: "C?", Type: Boolean},
	}
	err := bad.Validate()
	if err == nil {
		t.Fatal("Validate accepted a bad catalog")
	}
	for _, want := range []string{`duplicate id "a"`, "prompt must not be empty", `unknown type "weird"`, "question 2: id must not be empty"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
	if DefaultCatalog().Index("safety_confirmation") != 1 || DefaultCatalog().Index("nope") != -1 {
		t.Error("Index returned wrong positions")
	}
}

func TestTriggerRule(t *testing.T) {
	t.Parallel()
	r := NewTriggerRule(" Maintenance ", "", "tool")
	tests := []struct {
		reply string
		want  bool
	}{
		{"routine MAINTENANCE", true},
		{"need toolbox", true},
		{"welding", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := r.Match(tt.reply); got != tt.want {
			t.Errorf("Match(%q) = %v, want %v", tt.reply, got, tt.want)
		}
	}
	if len(r.Words()) != 2 {
		t.Errorf("Words() = %v", r.Words())
	}
	if NewTriggerRule().Match("maintenance") {
		t.Error("empty rule should never match")
	}
}
