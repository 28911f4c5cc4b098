package conversation

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/sentinel/pkg/memory"
	"github.com/MrWong99/sentinel/pkg/memory/mock"
	"github.com/MrWong99/sentinel/pkg/provider/llm"
	llmmock "github.com/MrWong99/sentinel/pkg/provider/llm/mock"
)

func TestChat_UsesSessionHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := mock.New()
	for _, turn := range []memory.Turn{
		{Role: memory.RoleAssistant, Content: "What task are you performing?"},
		{Role: memory.RoleUser, Content: "welding"},
		{Role: memory.RoleSystem, Content: "internal note"},
	} {
		if _, err := store.AppendTurn(ctx, "s", turn); err != nil {
			t.Fatal(err)
		}
	}
	p := &llmmock.Provider{Responses: []string{"Wear a face shield."}}
	chat, err := NewChat(llm.NewAsker(p), store, 0)
	if err != nil {
		t.Fatal(err)
	}

	got, err := chat.Ask(ctx, "s", "  what PPE do I need?  ")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if got != "Wear a face shield." {
		t.Errorf("answer = %q", got)
	}
	msgs := p.Requests[0].Messages
	if len(msgs) != 3 {
		t.Fatalf("messages = %+v, want 2 history turns and the prompt", msgs)
	}
	if msgs[0].Content != "What task are you performing?" || msgs[1].Content != "welding" || msgs[2].Content != "what PPE do I need?" {
		t.Errorf("messages out of order: %+v", msgs)
	}
	if n := store.CallCount("AppendTurn") + store.CallCount("UpdateState"); n != 3 {
		t.Errorf("chat wrote to the store: %d writes", n-3)
	}
}

func TestChat_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if _, err := NewChat(nil, nil, 0); err == nil {
		t.Error("NewChat(nil) should fail")
	}

	store := mock.New()
	boom := errors.New("offline")
	chat, _ := NewChat(llm.NewAsker(&llmmock.Provider{Err: boom}), store, 5)

	if _, err := chat.Ask(ctx, "", " "); !IsProtocolError(err) {
		t.Errorf("blank prompt: err = %v, want ProtocolError", err)
	}
	if _, err := chat.Ask(ctx, "", "hi"); !errors.Is(err, boom) {
		t.Errorf("llm failure: err = %v, want %v", err, boom)
	}
	store.SetErr("RecentTurns", errors.New("io"))
	if _, err := chat.Ask(ctx, "s", "hi"); err == nil {
		t.Error("store failure should surface")
	}
}

func TestChat_AskStream(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{Responses: []string{"Lock out the breaker first."}}
	chat, err := NewChat(llm.NewAsker(p), nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	var parts []string
	got, err := chat.AskStream(context.Background(), "s", "panel work?", func(s string) { parts = append(parts, s) })
	if err != nil {
		t.Fatalf("AskStream: %v", err)
	}
	if got != "Lock out the breaker first." || len(parts) != 5 {
		t.Errorf("AskStream = %q in parts %q", got, parts)
	}
	if len(p.Requests[0].Messages) != 1 {
		t.Errorf("history sent without a store: %+v", p.Requests[0].Messages)
	}
}
