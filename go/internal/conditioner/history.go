package conditioner

import (
	"github.com/mcdev12/tiltrelay/go/internal/profile"
	"github.com/mcdev12/tiltrelay/go/internal/telemetry"
)

// History is a bounded FIFO of the last valid readings of one axis group.
type History struct {
	buf   [profile.MaxSmoothingWindow]telemetry.Triple
	size  int
	start int
	n     int
}

// NewHistory returns a history holding at most size entries, clamped to
// [1, profile.MaxSmoothingWindow].
func NewHistory(size int) *History {
	if size < 1 {
		size = 1
	}
	if size > profile.MaxSmoothingWindow {
		size = profile.MaxSmoothingWindow
	}
	return &History{size: size}
}

// Push appends t, evicting the oldest entry when full.
func (h *History) Push(t telemetry.Triple) {
	if h.n < h.size {
		h.buf[(h.start+h.n)%h.size] = t
		h.n++
		return
	}
	h.buf[h.start] = t
	h.start = (h.start + 1) % h.size
}

// Len returns the number of buffered entries.
func (h *History) Len() int { return h.n }

// Cap returns the configured bound.
func (h *History) Cap() int { return h.size }

// Values returns the buffered entries, oldest first.
func (h *History) Values() []telemetry.Triple {
	out := make([]telemetry.Triple, h.n)
	for i := 0; i < h.n; i++ {
		out[i] = h.buf[(h.start+i)%h.size]
	}
	return out
}

// Mean returns the component-wise arithmetic mean; false when empty.
func (h *History) Mean() (telemetry.Triple, bool) {
	return Mean(h.Values())
}

// Reset drops every entry.
func (h *History) Reset() {
	h.start, h.n = 0, 0
}
