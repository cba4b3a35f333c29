// ABOUTME: Fixed-window per-user admission control for the Dispatcher.
// ABOUTME: State is best-effort and local to a single dispatcher instance; no cross-replica consistency.

package ratelimit

import (
	"sync"
	"time"
)

const evictionInterval = 5 * time.Minute

type window struct {
	start time.Time
	count int
}

// Limiter is a fixed-window counter keyed per user.
type Limiter struct {
	mu       sync.Mutex
	windows  map[string]*window
	maxJobs  int
	windowMs time.Duration
	stop     chan struct{}
}

// New creates a Limiter and starts its background eviction loop. The
// anonymous bucket (userID == "") is rate-limited exactly like any
// other user, which prevents unauthenticated traffic from bypassing
// admission control entirely.
func New(maxJobs int, windowMs time.Duration) *Limiter {
	l := &Limiter{
		windows:  make(map[string]*window),
		maxJobs:  maxJobs,
		windowMs: windowMs,
		stop:     make(chan struct{}),
	}
	l.startEviction()
	return l
}

// Admit atomically increments the window counter for userID if the
// current window has not expired and is under capacity; starts a new
// window if the prior one expired; otherwise rejects.
func (l *Limiter) Admit(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.windows[userID]
	if !ok || now.Sub(w.start) >= l.windowMs {
		l.windows[userID] = &window{start: now, count: 1}
		return true
	}
	if w.count >= l.maxJobs {
		return false
	}
	w.count++
	return true
}

// Close stops the background eviction loop.
func (l *Limiter) Close() {
	close(l.stop)
}

func (l *Limiter) startEviction() {
	go func() {
		ticker := time.NewTicker(evictionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.evictExpired()
			case <-l.stop:
				return
			}
		}
	}()
}

func (l *Limiter) evictExpired() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for userID, w := range l.windows {
		if now.Sub(w.start) >= l.windowMs {
			delete(l.windows, userID)
		}
	}
}
