package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// SystemPrompt is the default persona given to the model.
const SystemPrompt = "You are Sentinel, a safety monitoring assistant. Ask clear questions and record responses."

// Asker is the opaque ask(prompt, history) -> text collaborator.
type Asker interface {
	// Ask sends prompt after history (oldest first) and returns the reply.
	Ask(ctx context.Context, prompt string, history []Message) (string, error)
}

// StreamAsker is an [Asker] that can also deliver the reply incrementally.
type StreamAsker interface {
	Asker

	// AskStream is Ask with onText called for every fragment as it arrives.
	AskStream(ctx context.Context, prompt string, history []Message, onText func(string)) (string, error)
}

// AskerOption configures the [Asker] returned by [NewAsker].
type AskerOption func(*providerAsker)

// WithSystemPrompt replaces [SystemPrompt].
func WithSystemPrompt(s string) AskerOption {
	return func(a *providerAsker) { a.system = s }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) AskerOption {
	return func(a *providerAsker) { a.temperature = t }
}

type providerAsker struct {
	p           Provider
	system      string
	temperature float64
}

// NewAsker adapts p to a [StreamAsker].
func NewAsker(p Provider, opts ...AskerOption) StreamAsker {
	a := &providerAsker{p: p, system: SystemPrompt, temperature: 0.7}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *providerAsker) request(prompt string, history []Message) (CompletionRequest, error) {
	if strings.TrimSpace(prompt) == "" {
		return CompletionRequest{}, errors.New("llm: empty prompt")
	}
	msgs := make([]Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, Message{Role: RoleUser, Content: prompt})
	return CompletionRequest{SystemPrompt: a.system, Messages: msgs, Temperature: a.temperature}, nil
}

func (a *providerAsker) Ask(ctx context.Context, prompt string, history []Message) (string, error) {
	req, err := a.request(prompt, history)
	if err != nil {
		return "", err
	}
	resp, err := a.p.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("llm: ask %s: %w", a.p.Model(), err)
	}
	return strings.TrimSpace(resp.Content), nil
}

func (a *providerAsker) AskStream(ctx context.Context, prompt string, history []Message, onText func(string)) (string, error) {
	req, err := a.request(prompt, history)
	if err != nil {
		return "", err
	}
	ch, err := a.p.StreamCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("llm: ask %s: %w", a.p.Model(), err)
	}
	text, err := Collect(ch, onText)
	if err != nil {
		return "", fmt.Errorf("llm: ask %s: %w", a.p.Model(), err)
	}
	return strings.TrimSpace(text), nil
}

// Collect drains a stream from [Provider.StreamCompletion], calling onText
// for every text fragment, and returns the full text. A chunk with
// FinishReason "error" ends the stream with that error.
func Collect(ch <-chan Chunk, onText func(string)) (string, error) {
	var sb strings.Builder
	for c := range ch {
		if c.FinishReason == "error" {
			return sb.String(), fmt.Errorf("llm: stream: %s", c.Text)
		}
		if c.Text != "" {
			sb.WriteString(c.Text)
			if onText != nil {
				onText(c.Text)
			}
		}
	}
	return sb.String(), nil
}
