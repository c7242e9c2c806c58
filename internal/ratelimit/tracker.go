// Package ratelimit tracks per-source usage windows from upstream rate-limit
// metadata, so the orchestrator can skip a source pre-emptively instead of
// burning a request that is guaranteed to be throttled.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jonathan/postpulse/internal/post"
	"github.com/jonathan/postpulse/internal/source"
)

// Window is the last observed rate state for one source: the declared limit,
// the remaining count and when the window resets. Advisory, derived entirely
// from the upstream's own response metadata.
type Window struct {
	Limit     int
	Remaining int
	Reset     time.Time
	// Attempts counts real network attempts since process start, regardless
	// of whether the response carried rate headers.
	Attempts int
	// ObservedAt is when the last header data arrived; zero means no rate
	// data has ever been observed for this source.
	ObservedAt time.Time
}

// Tracker holds one Window per source. Safe for concurrent use; all
// read-modify-writes are serialized under one mutex, matching the access
// pattern (a handful of sources, not per-request keys).
type Tracker struct {
	mu      sync.Mutex
	windows map[post.Source]*Window
	now     func() time.Time
}

// NewTracker creates an empty tracker. With no observed data every source is
// attemptable (optimistic default).
func NewTracker() *Tracker {
	return &Tracker{
		windows: make(map[post.Source]*Window),
		now:     time.Now,
	}
}

// CanAttempt reports whether a source is currently usable. It returns false
// only when the last observed remaining count is zero and the reset time has
// not passed. This guard is pre-emptive and distinct from the circuit
// breaker, which reacts to failures after the fact.
func (t *Tracker) CanAttempt(src post.Source) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.windows[src]
	if !ok || w.ObservedAt.IsZero() {
		return true
	}
	if w.Remaining > 0 {
		return true
	}
	return !t.now().Before(w.Reset)
}

// RecordAttempt notes that a real network call was made to a source. Called
// for every attempt, whether or not the response carried rate headers.
func (t *Tracker) RecordAttempt(src post.Source) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.window(src).Attempts++
}

// Record updates a source's window from parsed response headers.
func (t *Tracker) Record(src post.Source, info source.RateInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.window(src)
	w.Limit = info.Limit
	w.Remaining = info.Remaining
	w.Reset = info.Reset
	w.ObservedAt = t.now()
}

// Snapshot returns a copy of a source's window for health reporting. The
// second return is false when no data has been observed yet.
func (t *Tracker) Snapshot(src post.Source) (Window, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.windows[src]
	if !ok {
		return Window{}, false
	}
	return *w, !w.ObservedAt.IsZero()
}

// window returns the mutable entry for src, creating it if needed.
// Callers must hold t.mu.
func (t *Tracker) window(src post.Source) *Window {
	w, ok := t.windows[src]
	if !ok {
		w = &Window{}
		t.windows[src] = w
	}
	return w
}
