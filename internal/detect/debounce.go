package detect

// DefaultConsecutive is the default debounce window size.
const DefaultConsecutive = 3

// FilterState describes the contents of a [Filter]'s window.
type FilterState int

const (
	// Filling means the window holds fewer than its capacity of frames.
	Filling FilterState = iota
	// FullUnanimous means the window is full and every frame was above
	// threshold. It is the only state reported as confirmed.
	FullUnanimous
	// FullMixed means the window is full and at least one frame was not above
	// threshold.
	FullMixed
)

func (s FilterState) String() string {
	switch s {
	case Filling:
		return "filling"
	case FullUnanimous:
		return "full-unanimous"
	case FullMixed:
		return "full-mixed"
	}
	return "unknown"
}

// Filter is a temporal debounce over per-frame confidences. It keeps the last
// N above-threshold flags in a ring and confirms presence only when all N are
// set.
//
// Filter never resets itself. A caller wanting one trigger per presence
// episode calls [Filter.Reset] after consuming a confirmation; a caller that
// does not will see every further above-threshold frame confirmed.
//
// A Filter is not safe for concurrent use.
type Filter struct {
	ring  []bool
	next  int // index the next flag is written to
	count int // number of valid flags, at most len(ring)
	highs int // number of true flags among the valid ones
}

// NewFilter returns a filter with a window of consecutive frames. Values
// below 1 select [DefaultConsecutive].
func NewFilter(consecutive int) *Filter {
	if consecutive < 1 {
		consecutive = DefaultConsecutive
	}
	return &Filter{ring: make([]bool, consecutive)}
}

// Capacity returns the window size.
func (f *Filter) Capacity() int { return len(f.ring) }

// Len returns the number of frames currently in the window.
func (f *Filter) Len() int { return f.count }

// Update pushes whether confidence is strictly above threshold, evicting the
// oldest frame when the window is full, and reports whether presence is now
// confirmed.
func (f *Filter) Update(confidence, threshold float64) bool {
	high := confidence > threshold
	if f.count == len(f.ring) {
		if f.ring[f.next] {
			f.highs--
		}
	} else {
		f.count++
	}
	f.ring[f.next] = high
	if high {
		f.highs++
	}
	f.next = (f.next + 1) % len(f.ring)
	return f.Confirmed()
}

// Confirmed reports whether the window is full and every frame in it was
// above threshold.
func (f *Filter) Confirmed() bool { return f.State() == FullUnanimous }

// State returns the current window state.
func (f *Filter) State() FilterState {
	switch {
	case f.count < len(f.ring):
		return Filling
	case f.highs == f.count:
		return FullUnanimous
	default:
		return FullMixed
	}
}

// Reset empties the window.
func (f *Filter) Reset() {
	clear(f.ring)
	f.next, f.count, f.highs = 0, 0, 0
}
