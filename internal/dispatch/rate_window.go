package dispatch

import "sync"

// rateWindow tracks the soft-block fraction over the last N page outcomes.
// Shared by every worker of a controller so a site-wide clampdown is seen
// no matter which target trips it.
type rateWindow struct {
	mu    sync.Mutex
	buf   []bool
	idx   int
	count int
	soft  int
	limit float64
}

func newRateWindow(size int, limit float64) *rateWindow {
	return &rateWindow{
		buf:   make([]bool, size),
		limit: limit,
	}
}

// Observe records one page outcome.
func (w *rateWindow) Observe(softBlocked bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count == len(w.buf) {
		if w.buf[w.idx] {
			w.soft--
		}
	} else {
		w.count++
	}
	w.buf[w.idx] = softBlocked
	if softBlocked {
		w.soft++
	}
	w.idx = (w.idx + 1) % len(w.buf)
}

// Exceeded reports whether the window is full and over the limit.
func (w *rateWindow) Exceeded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count < len(w.buf) {
		return false
	}
	return float64(w.soft)/float64(w.count) > w.limit
}

// Rate returns the current soft-block fraction.
func (w *rateWindow) Rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count == 0 {
		return 0
	}
	return float64(w.soft) / float64(w.count)
}
