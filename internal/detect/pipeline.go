package detect

import (
	"context"
	"sync"

	"github.com/MrWong99/sentinel/internal/observe"
)

// DefaultThreshold is the default presence confidence threshold.
const DefaultThreshold = 0.85

// Result is the outcome of one processed frame.
type Result struct {
	// Confidence is the decoded presence confidence, 0 when decoding failed.
	Confidence float64 `json:"confidence"`

	// Confirmed reports debounced presence after this frame.
	Confirmed bool `json:"confirmed"`

	// Err is the decode failure for this frame, if any. The frame still
	// counts as a zero-confidence frame.
	Err error `json:"-"`
}

// Pipeline decodes frames of one stream and debounces the result. It owns
// its [Filter]; one Pipeline must be created per stream.
//
// ProcessFrame and Reset serialise on an internal lock so that a Pipeline may
// be shared by the goroutines feeding a single stream.
type Pipeline struct {
	mu      sync.Mutex
	decoder Decoder
	filter  *Filter
}

// NewPipeline returns a pipeline that decodes personClass and debounces over
// a window of consecutive frames.
func NewPipeline(personClass, consecutive int) *Pipeline {
	return &Pipeline{
		decoder: Decoder{PersonClass: personClass},
		filter:  NewFilter(consecutive),
	}
}

// ProcessFrame decodes out and feeds the confidence to the filter. A decode
// failure is logged and treated as confidence 0; it never aborts the stream.
func (p *Pipeline) ProcessFrame(ctx context.Context, out Output, threshold float64) Result {
	conf, err := p.decoder.Decode(out)
	return p.update(ctx, conf, err, threshold)
}

// ProcessWireFrame converts f with [Frame.Output] and processes the result.
// A frame that cannot be converted counts as a malformed frame.
func (p *Pipeline) ProcessWireFrame(ctx context.Context, f Frame, defaultLayout string, threshold float64) Result {
	out, err := f.Output(defaultLayout)
	if err != nil {
		return p.update(ctx, 0, err, threshold)
	}
	return p.ProcessFrame(ctx, out, threshold)
}

func (p *Pipeline) update(ctx context.Context, conf float64, err error, threshold float64) Result {
	if err != nil {
		conf = 0
		observe.Logger(ctx).Warn("detect: dropping malformed frame", "err", err)
	}

	p.mu.Lock()
	confirmed := p.filter.Update(conf, threshold)
	p.mu.Unlock()

	return Result{Confidence: conf, Confirmed: confirmed, Err: err}
}

// Reset clears the debounce window.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filter.Reset()
}

// State returns the debounce window state.
func (p *Pipeline) State() FilterState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filter.State()
}
