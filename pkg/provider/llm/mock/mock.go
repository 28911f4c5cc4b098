// Package mock provides a test double for [llm.Provider].
//
// Example:
//
//	p := &mock.Provider{Responses: []string{"Completed safety check."}}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/sentinel/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Provider is a scripted [llm.Provider]. Complete returns Responses in order,
// repeating the last one once the list is exhausted. Safe for concurrent use.
type Provider struct {
	mu sync.Mutex

	// Responses are the completion texts returned in order.
	Responses []string

	// Err, if non-nil, is returned by Complete and StreamCompletion.
	Err error

	// ModelName is returned by Model. Defaults to "mock".
	ModelName string

	// Requests records every request passed to Complete or StreamCompletion.
	Requests []llm.CompletionRequest
}

func (p *Provider) next(req llm.CompletionRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.Requests)
	p.Requests = append(p.Requests, req)
	if p.Err != nil {
		return "", p.Err
	}
	if len(p.Responses) == 0 {
		return "", nil
	}
	return p.Responses[min(n, len(p.Responses)-1)], nil
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	text, err := p.next(req)
	if err != nil {
		return nil, err
	}
	return &llm.CompletionResponse{Content: text}, nil
}

// StreamCompletion implements [llm.Provider]. The next response is emitted as
// one chunk per word-sized fragment followed by a "stop" chunk.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	text, err := p.next(req)
	if err != nil {
		return nil, err
	}
	ch := make(chan llm.Chunk, len(text)+1)
	go func() {
		defer close(ch)
		start := 0
		for i := range len(text) {
			if text[i] == ' ' || i == len(text)-1 {
				select {
				case ch <- llm.Chunk{Text: text[start : i+1]}:
				case <-ctx.Done():
					return
				}
				start = i + 1
			}
		}
		ch <- llm.Chunk{FinishReason: "stop"}
	}()
	return ch, nil
}

// Model implements [llm.Provider].
func (p *Provider) Model() string {
	if p.ModelName == "" {
		return "mock"
	}
	return p.ModelName
}

// CallCount returns the number of recorded requests.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}
