package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/sentinel/pkg/memory"
)

func ptr[T any](v T) *T { return &v }

func TestGetState_MissingReturnsZeroState(t *testing.T) {
	t.Parallel()
	s := New()

	got, err := s.GetState(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if got.ID != "s1" || got.Step != 0 || got.AwaitingReply || got.LastQuestion != "" {
		t.Errorf("GetState = %+v, want zero state", got)
	}
	if got.Exists() {
		t.Error("zero state should not report Exists")
	}
	if got.Context == nil {
		t.Error("zero state context should be non-nil")
	}
}

func TestUpdateState_PartialPatchAndContextMerge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	if _, err := s.UpdateState(ctx, "s1", memory.StatePatch{
		Step:          ptr(1),
		LastQuestion:  ptr("Q1"),
		AwaitingReply: ptr(true),
		Context:       map[string]any{"a": "1", "b": "2"},
	}); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	got, err := s.UpdateState(ctx, "s1", memory.StatePatch{
		AwaitingReply: ptr(false),
		Context:       map[string]any{"b": "3", "c": "4"},
	})
	if err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	if got.Step != 1 || got.LastQuestion != "Q1" || got.AwaitingReply {
		t.Errorf("state = %+v, want step 1, Q1, not awaiting", got)
	}
	want := map[string]any{"a": "1", "b": "3", "c": "4"}
	for k, v := range want {
		if got.Context[k] != v {
			t.Errorf("context[%q] = %v, want %v", k, got.Context[k], v)
		}
	}
	if !got.Exists() {
		t.Error("written state should report Exists")
	}
}

func TestGetState_ReturnsCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	if _, err := s.UpdateState(ctx, "s1", memory.StatePatch{Context: map[string]any{"k": "v"}}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetState(ctx, "s1")
	got.Context["k"] = "mutated"

	again, _ := s.GetState(ctx, "s1")
	if again.Context["k"] != "v" {
		t.Errorf("stored context mutated through returned copy: %v", again.Context["k"])
	}
}

func TestAppendTurn_MonotonicIDsAndRecentOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	var ids []int64
	for _, c := range []string{"one", "two", "three"} {
		id, err := s.AppendTurn(ctx, "s1", memory.Turn{Role: memory.RoleUser, Content: c})
		if err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}
		ids = append(ids, id)
	}
	other, _ := s.AppendTurn(ctx, "s2", memory.Turn{Role: memory.RoleUser, Content: "x"})

	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids not increasing: %v", ids)
		}
	}
	if other <= ids[2] {
		t.Errorf("ids are not store-scoped: %d after %d", other, ids[2])
	}

	turns, err := s.RecentTurns(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(turns) != 2 || turns[0].Content != "three" || turns[1].Content != "two" {
		t.Errorf("RecentTurns = %+v, want [three two]", turns)
	}
	if turns[0].SessionID != "s1" || turns[0].Timestamp.IsZero() {
		t.Errorf("turn not stamped: %+v", turns[0])
	}

	// Appending turns does not create agent state.
	st, _ := s.GetState(ctx, "s1")
	if st.Exists() {
		t.Error("AppendTurn should not write agent state")
	}
}

func TestLatestTurns_AcrossSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	_, _ = s.AppendTurn(ctx, "a", memory.Turn{Role: memory.RoleUser, Content: "1"})
	_, _ = s.AppendTurn(ctx, "b", memory.Turn{Role: memory.RoleUser, Content: "2"})
	_, _ = s.AppendTurn(ctx, "a", memory.Turn{Role: memory.RoleUser, Content: "3"})

	got, err := s.LatestTurns(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Content != "3" || got[1].Content != "2" {
		t.Errorf("LatestTurns = %+v, want [3 2]", got)
	}
}

func TestEmptySessionID(t *testing.T) {
	t.Parallel()
	s := New()

	_, err := s.GetState(context.Background(), "")
	if !memory.IsStoreError(err) || !errors.Is(err, memory.ErrEmptySessionID) {
		t.Errorf("GetState(\"\") err = %v, want StoreError wrapping ErrEmptySessionID", err)
	}
}

func TestConcurrentUpdates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := string(rune('a' + i%5))
			_, _ = s.UpdateState(ctx, "s1", memory.StatePatch{Context: map[string]any{key: i}})
			_, _ = s.AppendTurn(ctx, "s1", memory.Turn{Role: memory.RoleUser, Content: key})
		}()
	}
	wg.Wait()

	turns, _ := s.RecentTurns(ctx, "s1", 100)
	if len(turns) != 50 {
		t.Errorf("got %d turns, want 50", len(turns))
	}
	st, _ := s.GetState(ctx, "s1")
	if len(st.Context) != 5 {
		t.Errorf("context has %d keys, want 5", len(st.Context))
	}
}
