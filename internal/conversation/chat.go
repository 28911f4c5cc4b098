package conversation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/MrWong99/sentinel/pkg/memory"
	"github.com/MrWong99/sentinel/pkg/provider/llm"
)

// Chat answers free-form questions outside the question catalog, giving the
// model the recent turns of a session as history. It never writes to the
// store.
type Chat struct {
	asker llm.Asker
	store memory.SessionStore
	limit int
}

// NewChat creates a [Chat]. limit is the number of recent turns passed as
// history; zero or less selects [DefaultHistoryLimit].
func NewChat(asker llm.Asker, store memory.SessionStore, limit int) (*Chat, error) {
	if asker == nil {
		return nil, errors.New("conversation: chat needs an llm")
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Chat{asker: asker, store: store, limit: limit}, nil
}

// Ask sends prompt to the model. With a session id and a store the session's
// recent turns precede the prompt, oldest first.
func (c *Chat) Ask(ctx context.Context, sessionID, prompt string) (string, error) {
	return c.AskStream(ctx, sessionID, prompt, nil)
}

// AskStream is [Chat.Ask] with onText receiving the answer as it is
// generated. Askers that cannot stream deliver the whole answer in one call.
func (c *Chat) AskStream(ctx context.Context, sessionID, prompt string, onText func(string)) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", protocolErr("prompt must not be empty")
	}
	var history []llm.Message
	if sessionID != "" && c.store != nil {
		turns, err := c.store.RecentTurns(ctx, sessionID, c.limit)
		if err != nil {
			return "", err
		}
		history = historyOf(turns)
	}

	var (
		answer string
		err    error
	)
	sa, streams := c.asker.(llm.StreamAsker)
	switch {
	case onText != nil && streams:
		answer, err = sa.AskStream(ctx, prompt, history, onText)
	default:
		answer, err = c.asker.Ask(ctx, prompt, history)
		if err == nil && onText != nil {
			onText(answer)
		}
	}
	if err != nil {
		return "", fmt.Errorf("conversation: chat: %w", err)
	}
	return answer, nil
}

// historyOf converts most-recent-first turns to chronological messages.
// System turns are dropped; the asker supplies its own system prompt.
func historyOf(turns []memory.Turn) []llm.Message {
	out := make([]llm.Message, 0, len(turns))
	for _, t := range slices.Backward(turns) {
		switch t.Role {
		case memory.RoleUser:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: t.Content})
		case memory.RoleAssistant:
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: t.Content})
		}
	}
	return out
}
