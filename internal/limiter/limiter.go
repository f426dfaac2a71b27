// Package limiter implements per-user sliding-window admission control.
// A user may make at most Limit requests in any trailing Window; the
// Limit+1-th attempt inside the window is rejected with the number of
// seconds until the oldest counted request falls out of the window.
package limiter

import (
	"math"
	"sync"
	"time"
)

// Decision is the outcome of one admission check. ResetSeconds is the
// time until the oldest counted request ages out of the window, whether
// the check was admitted or rejected.
type Decision struct {
	Allowed      bool `json:"allowed"`
	Remaining    int  `json:"remaining"`
	ResetSeconds int  `json:"reset_seconds"`
}

type window struct {
	timestamps []time.Time
}

// SlidingWindow tracks request timestamps per user. Rejection is a normal
// outcome, not an error; state is process-local and resets on restart.
type SlidingWindow struct {
	mu      sync.Mutex
	users   map[string]*window
	limit   int
	windowD time.Duration

	now func() time.Time
}

// New creates a sliding-window limiter allowing limit requests per windowD.
func New(limit int, windowD time.Duration) *SlidingWindow {
	if limit <= 0 {
		limit = 10
	}
	if windowD <= 0 {
		windowD = time.Hour
	}
	return &SlidingWindow{
		users:   make(map[string]*window),
		limit:   limit,
		windowD: windowD,
		now:     time.Now,
	}
}

// SetLimits replaces the limit and window. In-flight windows keep their
// recorded timestamps; the new bounds apply from the next check.
func (l *SlidingWindow) SetLimits(limit int, windowD time.Duration) {
	if limit <= 0 || windowD <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit = limit
	l.windowD = windowD
}

// evict drops timestamps older than the window. Caller holds l.mu.
func (l *SlidingWindow) evict(w *window, now time.Time) {
	cutoff := now.Add(-l.windowD)
	i := 0
	for i < len(w.timestamps) && !w.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.timestamps = append(w.timestamps[:0:0], w.timestamps[i:]...)
	}
}

// TryAcquire records and admits the request if the user is under quota.
// A rejected request is not recorded and does not extend the window.
func (l *SlidingWindow) TryAcquire(userID string) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.users[userID]
	if !ok {
		w = &window{}
		l.users[userID] = w
	}
	l.evict(w, now)

	if len(w.timestamps) >= l.limit {
		oldest := w.timestamps[0]
		reset := oldest.Add(l.windowD).Sub(now)
		return Decision{
			Allowed:      false,
			Remaining:    0,
			ResetSeconds: int(math.Ceil(reset.Seconds())),
		}
	}

	w.timestamps = append(w.timestamps, now)
	reset := w.timestamps[0].Add(l.windowD).Sub(now)
	return Decision{
		Allowed:      true,
		Remaining:    l.limit - len(w.timestamps),
		ResetSeconds: int(math.Ceil(reset.Seconds())),
	}
}

// Peek reports the user's quota without consuming a slot.
func (l *SlidingWindow) Peek(userID string) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.users[userID]
	if !ok {
		return Decision{Allowed: true, Remaining: l.limit}
	}
	l.evict(w, now)

	remaining := l.limit - len(w.timestamps)
	if remaining <= 0 {
		reset := w.timestamps[0].Add(l.windowD).Sub(now)
		return Decision{Allowed: false, ResetSeconds: int(math.Ceil(reset.Seconds()))}
	}
	return Decision{Allowed: true, Remaining: remaining}
}

// CleanupStale removes users whose windows are empty, bounding memory use
// over long uptimes. Returns the number of users removed.
func (l *SlidingWindow) CleanupStale() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, w := range l.users {
		l.evict(w, now)
		if len(w.timestamps) == 0 {
			delete(l.users, id)
			removed++
		}
	}
	return removed
}

// Stats returns counters for observability.
func (l *SlidingWindow) Stats() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	inWindow := 0
	for _, w := range l.users {
		inWindow += len(w.timestamps)
	}
	return map[string]int{
		"users":       len(l.users),
		"in_window":   inWindow,
		"limit":       l.limit,
		"window_secs": int(l.windowD.Seconds()),
	}
}
