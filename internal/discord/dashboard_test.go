package discord

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/sentinel/internal/conversation"
	"github.com/MrWong99/sentinel/internal/discord/mock"
	"github.com/MrWong99/sentinel/internal/monitor"
)

func TestBuildEmbed(t *testing.T) {
	t.Parallel()

	idle := &fakeController{threshold: 0.85}
	embed := buildEmbed(idle, Snapshot{Frames: 10, DecodeErrors: 1, Started: 2, Completed: 1}, 90*time.Second, false)
	if embed.Title != "Sentinel" || embed.Color != embedColorGreen {
		t.Errorf("embed = %q color %x", embed.Title, embed.Color)
	}
	fields := map[string]string{}
	for _, f := range embed.Fields {
		fields[f.Name] = f.Value
	}
	want := map[string]string{
		"Threshold":     "0.85",
		"Uptime":        "1m 30s",
		"Frames":        "10 (1 undecodable)",
		"Safety checks": "2 started, 1 completed",
	}
	for name, v := range want {
		if fields[name] != v {
			t.Errorf("field %s = %q, want %q", name, fields[name], v)
		}
	}
	if _, ok := fields["Reply latency"]; ok {
		t.Error("latency field shown without samples")
	}
	if _, ok := fields["Streams"]; ok {
		t.Error("streams field shown without streams")
	}

	final := buildEmbed(idle, Snapshot{}, time.Minute, true)
	if final.Color != embedColorRed || final.Footer.Text != "Offline" {
		t.Errorf("final embed = %+v", final)
	}
}

func TestFormatStreams(t *testing.T) {
	t.Parallel()
	got := formatStreams([]monitor.StreamStatus{
		{Stream: "cam", Window: "confirmed", QuestionID: "safety_confirmation"},
		{Stream: "dock", Window: "empty"},
	})
	want := "```\ncam  confirmed  awaiting safety_confirmation\ndock  empty\n```"
	if got != want {
		t.Errorf("formatStreams() = %q, want %q", got, want)
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   time.Duration
		want string
	}{
		{5 * time.Second, "5s"},
		{2*time.Minute + 3*time.Second, "2m 3s"},
		{time.Hour + 1500*time.Millisecond, "1h 0m 1s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.in); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDashboard_Run(t *testing.T) {
	t.Parallel()
	ch := &mock.Channel{}
	d := NewDashboard(DashboardConfig{
		Sender:    ch,
		ChannelID: "chan",
		Interval:  5 * time.Millisecond,
		Source:    &fakeController{threshold: 0.5},
		Stats:     NewStats(0),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	waitFor(t, func() bool {
		_, _, edits := ch.Snapshot()
		return len(edits) >= 2
	})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	_, embeds, edits := ch.Snapshot()
	if len(embeds) != 1 {
		t.Errorf("created %d embeds, want 1 edited in place", len(embeds))
	}
	if last := edits[len(edits)-1]; last.Color != embedColorRed {
		t.Errorf("final edit color = %x, want red", last.Color)
	}
}

func TestDashboard_CreateFailureRetries(t *testing.T) {
	t.Parallel()
	ch := &mock.Channel{Err: errors.New("missing permissions")}
	d := NewDashboard(DashboardConfig{Sender: ch, ChannelID: "chan", Source: &fakeController{}})

	d.update(false)
	d.update(false)
	d.update(true)

	_, embeds, edits := ch.Snapshot()
	if len(embeds) != 2 || len(edits) != 0 {
		t.Errorf("embeds = %d, edits = %d; want a create attempt per live update and no final edit", len(embeds), len(edits))
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	st := NewStats(4)
	ask := conversation.Response{Action: conversation.ActionAsk}
	for _, ev := range []monitor.Event{
		{Type: monitor.EventFrame, Frame: &monitor.FrameResult{}},
		{Type: monitor.EventFrame, Frame: &monitor.FrameResult{Error: "bad shape"}},
		{Type: monitor.EventFrame, Frame: &monitor.FrameResult{Confirmed: true, TriggerConversation: true, Conversation: &ask}},
		{Type: monitor.EventConversation, Conversation: &conversation.Response{Action: conversation.ActionError}},
		{Type: monitor.EventConversation, Conversation: &conversation.Response{Action: conversation.ActionComplete}},
		{Type: monitor.EventFrame},
	} {
		st.Observe(ev)
	}
	for _, ms := range []int{50, 10, 40, 20, 30} {
		st.RecordReply(time.Duration(ms) * time.Millisecond)
	}

	snap := st.Snapshot()
	if snap.Frames != 3 || snap.DecodeErrors != 1 || snap.Confirmations != 1 || snap.Started != 1 || snap.Completed != 1 || snap.Errors != 1 {
		t.Errorf("counters = %+v", snap)
	}
	// The window holds the last four samples: 10, 40, 20, 30.
	if snap.Replies.P50 != 20*time.Millisecond || snap.Replies.P95 != 40*time.Millisecond {
		t.Errorf("percentiles = %+v", snap.Replies)
	}
}
