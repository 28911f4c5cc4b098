package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/sentinel/internal/observe"
	"github.com/MrWong99/sentinel/internal/resilience"
	"github.com/MrWong99/sentinel/pkg/memory"
	"github.com/MrWong99/sentinel/pkg/provider/llm"
)

// summaryPrompt asks the model for a report of a finished safety check.
const summaryPrompt = `Summarise the following safety check between the monitoring assistant and a worker.
State the task being performed, whether safety protocols were confirmed, and whether tool access was requested.
Answer in at most three sentences.`

// Summariser turns the most recent turns of a finished conversation into the
// summary of a complete response.
type Summariser interface {
	// Summarise receives turns most recent first.
	Summarise(ctx context.Context, sessionID string, turns []memory.Turn) (string, error)
}

// CountSummariser reports how many turns were considered.
type CountSummariser struct{}

// Summarise implements [Summariser].
func (CountSummariser) Summarise(_ context.Context, _ string, turns []memory.Turn) (string, error) {
	return CountSummary(len(turns)), nil
}

// CountSummary is the summary text for n interactions.
func CountSummary(n int) string {
	return fmt.Sprintf("Completed safety check with %d interactions", n)
}

// LLMSummariser asks a language model to summarise the conversation. Any
// failure, including an open breaker, falls back to the count summary, so
// Summarise never fails.
type LLMSummariser struct {
	asker   llm.Asker
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
	timeout time.Duration
}

// LLMSummariserOption configures an [LLMSummariser].
type LLMSummariserOption func(*LLMSummariser)

// WithSummaryBreaker replaces the default breaker.
func WithSummaryBreaker(cb *resilience.CircuitBreaker) LLMSummariserOption {
	return func(s *LLMSummariser) { s.breaker = cb }
}

// WithSummaryTimeout bounds each model call. Default: 20s.
func WithSummaryTimeout(d time.Duration) LLMSummariserOption {
	return func(s *LLMSummariser) { s.timeout = d }
}

// WithSummaryMetrics records model latency on m.
func WithSummaryMetrics(m *observe.Metrics) LLMSummariserOption {
	return func(s *LLMSummariser) { s.metrics = m }
}

// NewLLMSummariser returns an [LLMSummariser] backed by asker.
func NewLLMSummariser(asker llm.Asker, opts ...LLMSummariserOption) *LLMSummariser {
	s := &LLMSummariser{
		asker:   asker,
		timeout: 20 * time.Second,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "summariser",
			MaxFailures:  3,
			ResetTimeout: time.Minute,
		}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Summarise implements [Summariser].
func (s *LLMSummariser) Summarise(ctx context.Context, sessionID string, turns []memory.Turn) (string, error) {
	if len(turns) == 0 {
		return CountSummary(0), nil
	}

	var sb strings.Builder
	for _, t := range slices.Backward(turns) {
		fmt.Fprintf(&sb, "[%s]: %s\n", t.Role, t.Content)
	}

	var summary string
	start := time.Now()
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		var err error
		summary, err = s.asker.Ask(ctx, summaryPrompt+"\n\n"+sb.String(), nil)
		if err == nil && strings.TrimSpace(summary) == "" {
			err = fmt.Errorf("conversation: empty summary")
		}
		return err
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("kind", "summary"), observe.Attr("status", status)))
	if err != nil {
		observe.Logger(ctx).Warn("llm summary failed, using count summary",
			slog.String("session_id", sessionID), slog.Any("err", err))
		return CountSummary(len(turns)), nil
	}
	return strings.TrimSpace(summary), nil
}
