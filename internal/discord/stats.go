package discord

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/sentinel/internal/conversation"
	"github.com/MrWong99/sentinel/internal/monitor"
)

// Stats counts monitor events and reply latencies of one stream for the
// dashboard. Reply latencies are kept in a bounded ring buffer from which
// percentiles are computed on demand.
//
// Thread-safe for concurrent use.
type Stats struct {
	mu sync.Mutex

	replies latencyBuffer

	frames        int64
	decodeErrors  int64
	confirmations int64
	started       int64
	completed     int64
	errors        int64
}

// NewStats creates a Stats retaining at most windowSize latency samples.
func NewStats(windowSize int) *Stats {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &Stats{replies: newLatencyBuffer(windowSize)}
}

// RecordReply records the round trip of one reply through the engine.
func (st *Stats) RecordReply(d time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.replies.add(d)
}

// Observe updates the counters from a hub event.
func (st *Stats) Observe(ev monitor.Event) {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch ev.Type {
	case monitor.EventFrame:
		if ev.Frame == nil {
			return
		}
		st.frames++
		if ev.Frame.Error != "" {
			st.decodeErrors++
		}
		if ev.Frame.Confirmed {
			st.confirmations++
		}
		if ev.Frame.TriggerConversation && ev.Frame.Conversation != nil && ev.Frame.Conversation.Action == conversation.ActionAsk {
			st.started++
		}
	case monitor.EventConversation:
		if ev.Conversation == nil {
			return
		}
		switch ev.Conversation.Action {
		case conversation.ActionComplete:
			st.completed++
		case conversation.ActionError:
			st.errors++
		}
	}
}

// LatencyPercentiles holds p50 and p95 values.
type LatencyPercentiles struct {
	P50 time.Duration
	P95 time.Duration
}

// Snapshot is a point-in-time view of [Stats].
type Snapshot struct {
	Replies       LatencyPercentiles
	Frames        int64
	DecodeErrors  int64
	Confirmations int64
	Started       int64
	Completed     int64
	Errors        int64
}

// Snapshot returns the current counters.
func (st *Stats) Snapshot() Snapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	return Snapshot{
		Replies:       st.replies.percentiles(),
		Frames:        st.frames,
		DecodeErrors:  st.decodeErrors,
		Confirmations: st.confirmations,
		Started:       st.started,
		Completed:     st.completed,
		Errors:        st.errors,
	}
}

// latencyBuffer is a bounded ring buffer of duration samples.
type latencyBuffer struct {
	data []time.Duration
	pos  int
	full bool
}

func newLatencyBuffer(size int) latencyBuffer {
	return latencyBuffer{data: make([]time.Duration, size)}
}

func (lb *latencyBuffer) add(d time.Duration) {
	lb.data[lb.pos] = d
	lb.pos++
	if lb.pos == len(lb.data) {
		lb.pos = 0
		lb.full = true
	}
}

func (lb *latencyBuffer) percentiles() LatencyPercentiles {
	n := lb.pos
	if lb.full {
		n = len(lb.data)
	}
	if n == 0 {
		return LatencyPercentiles{}
	}
	sorted := slices.Clone(lb.data[:n])
	slices.Sort(sorted)
	return LatencyPercentiles{
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
	}
}

// percentile returns the nearest-rank value at p (0.0-1.0) of sorted.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	return sorted[max(0, min(idx, len(sorted)-1))]
}
