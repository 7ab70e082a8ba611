package dispatch

import (
	"sync"
	"time"
)

const DefaultLatencyWindow = 1000

// LatencyWindow is a fixed-size ring of the most recent processing times.
type LatencyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
}

func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = DefaultLatencyWindow
	}
	return &LatencyWindow{samples: make([]time.Duration, size)}
}

func (w *LatencyWindow) Record(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.next] = d
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
}

// Mean returns the mean of the retained samples and whether any exist.
func (w *LatencyWindow) Mean() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := w.next
	if w.full {
		n = len(w.samples)
	}
	if n == 0 {
		return 0, false
	}
	var total time.Duration
	for _, d := range w.samples[:n] {
		total += d
	}
	return total / time.Duration(n), true
}

func (w *LatencyWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.full {
		return len(w.samples)
	}
	return w.next
}
