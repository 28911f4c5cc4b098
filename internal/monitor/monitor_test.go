package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/sentinel/internal/conversation"
	"github.com/MrWong99/sentinel/internal/detect"
	"github.com/MrWong99/sentinel/internal/observe"
	"github.com/MrWong99/sentinel/pkg/memory/mock"
)

var (
	person = detect.ParsedDetections{{ClassID: 0, Confidence: 0.95}}
	empty  = detect.ParsedDetections{}
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newTestMonitor(t *testing.T, cfg Config) (*Monitor, *mock.SessionStore) {
	t.Helper()
	met := testMetrics(t)
	store := mock.New()
	eng, err := conversation.New(store, conversation.WithMetrics(met))
	if err != nil {
		t.Fatalf("conversation.New: %v", err)
	}
	var mu sync.Mutex
	n := 0
	m, err := New(eng, cfg,
		WithMetrics(met),
		WithSessionIDs(func(stream string) string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("%s-%d", stream, n)
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, store
}

func feed(t *testing.T, m *Monitor, stream string, frames ...detect.Output) []FrameResult {
	t.Helper()
	out := make([]FrameResult, len(frames))
	for i, f := range frames {
		r, err := m.ProcessFrame(context.Background(), stream, f)
		if err != nil {
			t.Fatalf("ProcessFrame %d: %v", i, err)
		}
		out[i] = r
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	eng, err := conversation.New(mock.New(), conversation.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(nil, DefaultConfig()); err == nil {
		t.Error("nil engine accepted")
	}
	bad := DefaultConfig()
	bad.Threshold = 1.5
	if _, err := New(eng, bad); err == nil {
		t.Error("threshold 1.5 accepted")
	}
	bad = DefaultConfig()
	bad.Layout = "yolo"
	if _, err := New(eng, bad); err == nil {
		t.Error("unknown layout accepted")
	}
	bad = DefaultConfig()
	bad.EpisodeTimeout = -time.Second
	if _, err := New(eng, bad); err == nil {
		t.Error("negative episode timeout accepted")
	}
}

func TestMonitor_ConfirmationStartsOneConversation(t *testing.T) {
	t.Parallel()
	m, _ := newTestMonitor(t, DefaultConfig())

	res := feed(t, m, "cam", person, person, person)
	if res[0].Confirmed || res[1].Confirmed || !res[2].Confirmed {
		t.Fatalf("confirmed = %v %v %v, want F F T", res[0].Confirmed, res[1].Confirmed, res[2].Confirmed)
	}
	if !res[0].PersonPresent {
		t.Error("single high frame should report person_present")
	}
	third := res[2]
	if !third.TriggerConversation || third.Conversation == nil || third.Conversation.Action != conversation.ActionAsk {
		t.Fatalf("third frame = %+v, want conversation start", third)
	}
	if third.Conversation.SessionID != "cam-1" {
		t.Errorf("session = %q, want cam-1", third.Conversation.SessionID)
	}

	// Edge-triggered: the window was reset, and a running conversation is
	// never restarted.
	res = feed(t, m, "cam", person, person, person)
	if res[0].Confirmed || res[1].Confirmed {
		t.Error("window not reset after confirmation")
	}
	if res[2].TriggerConversation {
		t.Error("second confirmation restarted a running conversation")
	}
	if m.ActiveConversations() != 1 {
		t.Errorf("active conversations = %d, want 1", m.ActiveConversations())
	}
}

func TestMonitor_EpisodeRelease(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		// between runs after the first episode started.
		between     func(t *testing.T, m *Monitor)
		wantRestart bool
		wantPending string
	}{
		{
			name: "completed through the engine",
			between: func(t *testing.T, m *Monitor) {
				for _, r := range []conversation.Request{
					conversation.Reply("cam-1", "task_identification", "welding"),
					conversation.Reply("cam-1", "safety_confirmation", "yes"),
				} {
					if _, err := m.engine.Execute(context.Background(), r); err != nil {
						t.Fatal(err)
					}
				}
			},
			wantRestart: true,
		},
		{
			name: "unanswered past the timeout",
			between: func(_ *testing.T, m *Monitor) {
				m.now = func() time.Time { return time.Now().Add(DefaultEpisodeTimeout) }
			},
			wantRestart: true,
		},
		{
			name: "answered elsewhere but still running",
			between: func(t *testing.T, m *Monitor) {
				if _, err := m.engine.Execute(context.Background(), conversation.Reply("cam-1", "task_identification", "welding")); err != nil {
					t.Fatal(err)
				}
			},
			wantPending: "safety_confirmation",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, _ := newTestMonitor(t, DefaultConfig())
			if res := feed(t, m, "cam", person, person, person); !res[2].TriggerConversation {
				t.Fatal("first confirmation did not start a conversation")
			}
			tt.between(t, m)

			third := feed(t, m, "cam", person, person, person)[2]
			if third.TriggerConversation != tt.wantRestart {
				t.Fatalf("trigger_conversation = %v, want %v", third.TriggerConversation, tt.wantRestart)
			}
			session, question, ok := m.Active("cam")
			if !ok || m.ActiveConversations() != 1 {
				t.Fatalf("active = %v, count %d, want one running conversation", ok, m.ActiveConversations())
			}
			if tt.wantRestart && session != "cam-2" {
				t.Errorf("session = %q, want cam-2", session)
			}
			if tt.wantPending != "" && question != tt.wantPending {
				t.Errorf("pending question = %q, want %q", question, tt.wantPending)
			}
		})
	}
}

func TestMonitor_LevelTriggeredWithoutReset(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.ResetOnConfirm = false
	m, _ := newTestMonitor(t, cfg)

	res := feed(t, m, "cam", person, person, person, person, empty)
	want := []bool{false, false, true, true, false}
	for i := range want {
		if res[i].Confirmed != want[i] {
			t.Errorf("frame %d confirmed = %v, want %v", i, res[i].Confirmed, want[i])
		}
	}
}

func TestMonitor_ReplyWalksConversation(t *testing.T) {
	t.Parallel()
	m, store := newTestMonitor(t, DefaultConfig())
	ctx := context.Background()

	resp, err := m.Reply(ctx, "cam", "hello")
	if err != nil || resp.Action != conversation.ActionIdle {
		t.Fatalf("reply without conversation = %+v, %v; want idle", resp, err)
	}

	feed(t, m, "cam", person, person, person)
	session, question, ok := m.Active("cam")
	if !ok || session != "cam-1" || question != "task_identification" {
		t.Fatalf("Active = %q %q %v", session, question, ok)
	}

	resp, err = m.Reply(ctx, "cam", "welding")
	if err != nil || resp.QuestionID != "safety_confirmation" {
		t.Fatalf("first reply = %+v, %v", resp, err)
	}
	resp, err = m.Reply(ctx, "cam", "yes")
	if err != nil || resp.Action != conversation.ActionComplete {
		t.Fatalf("second reply = %+v, %v; want complete", resp, err)
	}
	if _, _, ok := m.Active("cam"); ok {
		t.Error("conversation still active after completion")
	}
	if m.ActiveConversations() != 0 {
		t.Errorf("active = %d, want 0", m.ActiveConversations())
	}

	s, _ := store.GetState(ctx, "cam-1")
	if s.Step != 3 {
		t.Errorf("session step = %d, want 3", s.Step)
	}

	// The next presence episode gets a new session.
	res := feed(t, m, "cam", person, person, person)
	if res[2].Conversation == nil || res[2].Conversation.SessionID != "cam-2" {
		t.Errorf("second episode = %+v", res[2].Conversation)
	}
}

func TestMonitor_StreamsAreIndependent(t *testing.T) {
	t.Parallel()
	m, _ := newTestMonitor(t, DefaultConfig())

	feed(t, m, "a", person, person)
	res := feed(t, m, "b", person)
	if res[0].Confirmed {
		t.Fatal("stream b confirmed on its first frame")
	}
	res = feed(t, m, "a", person)
	if !res[0].Confirmed {
		t.Fatal("stream a lost its window to stream b")
	}
	st := m.Streams()
	if len(st) != 2 || st[0].Stream != "a" || st[0].SessionID == "" || st[1].SessionID != "" {
		t.Errorf("Streams() = %+v", st)
	}
}

func TestMonitor_MalformedWireFrame(t *testing.T) {
	t.Parallel()
	m, _ := newTestMonitor(t, DefaultConfig())
	r, err := m.ProcessWireFrame(context.Background(), "cam", detect.Frame{Layout: detect.LayoutTensor, Shape: []int{1}})
	if err != nil {
		t.Fatalf("ProcessWireFrame: %v", err)
	}
	if r.Error == "" || r.Confidence != 0 || r.Confirmed {
		t.Errorf("result = %+v, want zero-confidence frame with error", r)
	}
}

func TestMonitor_EmptyStream(t *testing.T) {
	t.Parallel()
	m, _ := newTestMonitor(t, DefaultConfig())
	if _, err := m.ProcessFrame(context.Background(), "", person); !errors.Is(err, ErrEmptyStream) {
		t.Errorf("ProcessFrame err = %v", err)
	}
	if _, err := m.Reply(context.Background(), "", "x"); !errors.Is(err, ErrEmptyStream) {
		t.Errorf("Reply err = %v", err)
	}
}

func TestMonitor_SetThreshold(t *testing.T) {
	t.Parallel()
	m, _ := newTestMonitor(t, DefaultConfig())
	if err := m.SetThreshold(2); err == nil {
		t.Error("threshold 2 accepted")
	}
	if err := m.SetThreshold(0.99); err != nil {
		t.Fatalf("SetThreshold: %v", err)
	}
	res := feed(t, m, "cam", person, person, person)
	if res[2].Confirmed || res[2].PersonPresent {
		t.Errorf("0.95 confirmed above threshold 0.99: %+v", res[2])
	}
}

func TestMonitor_StartFailureIsReported(t *testing.T) {
	t.Parallel()
	m, store := newTestMonitor(t, DefaultConfig())
	store.SetErr("AppendTurn", errors.New("disk full"))

	var last FrameResult
	var err error
	for range 3 {
		last, err = m.ProcessFrame(context.Background(), "cam", person)
	}
	if err == nil {
		t.Fatal("expected start failure")
	}
	if last.Conversation == nil || last.Conversation.Action != conversation.ActionError {
		t.Errorf("result = %+v, want error conversation", last)
	}
	if _, _, ok := m.Active("cam"); ok {
		t.Error("failed start left an active conversation")
	}
}

func TestMonitor_PublishesEvents(t *testing.T) {
	t.Parallel()
	m, _ := newTestMonitor(t, DefaultConfig())
	sub := m.Hub().Subscribe()
	defer sub.Close()

	feed(t, m, "cam", person, person, person)

	var frames, convs int
	for range 4 {
		e := <-sub.C
		switch e.Type {
		case EventFrame:
			frames++
		case EventConversation:
			convs++
			if e.Conversation.Action != conversation.ActionAsk {
				t.Errorf("conversation event = %+v", e.Conversation)
			}
		}
	}
	if frames != 3 || convs != 1 {
		t.Errorf("frames = %d, conversations = %d, want 3 and 1", frames, convs)
	}
}

func TestMonitor_ProcessWireFrameAt(t *testing.T) {
	t.Parallel()
	m, _ := newTestMonitor(t, DefaultConfig())
	ctx := context.Background()
	f := detect.Frame{Layout: detect.LayoutParsed, Detections: []detect.Detection{{ClassID: 0, Confidence: 0.6}}}

	r, err := m.ProcessWireFrameAt(ctx, "cam", f, 0.5)
	if err != nil || !r.PersonPresent {
		t.Fatalf("override 0.5: %+v, %v", r, err)
	}
	r, err = m.ProcessWireFrame(ctx, "cam", f)
	if err != nil || r.PersonPresent {
		t.Errorf("default threshold still applies: %+v, %v", r, err)
	}
	if m.Threshold() != detect.DefaultThreshold {
		t.Errorf("override leaked into monitor threshold: %v", m.Threshold())
	}
	if _, err := m.ProcessWireFrameAt(ctx, "cam", f, -1); err == nil {
		t.Error("threshold -1 accepted")
	}
}
