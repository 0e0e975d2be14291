package server

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// FixedWindowLimiter counts requests per client key in fixed wall-clock
// windows. Once the count for the current window exceeds the limit, further
// requests are rejected until the window rolls over.
type FixedWindowLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu      sync.Mutex
	clients map[string]*windowCount
	sweepAt time.Time
}

type windowCount struct {
	windowStart time.Time
	count       int
}

func NewFixedWindowLimiter(window time.Duration, limit int) *FixedWindowLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if limit <= 0 {
		limit = 60
	}
	return &FixedWindowLimiter{
		window:  window,
		limit:   limit,
		now:     time.Now,
		clients: make(map[string]*windowCount),
	}
}

// Allow records one request for key and reports whether it is within the
// current window's budget.
func (l *FixedWindowLimiter) Allow(key string) bool {
	now := l.now()
	start := now.Truncate(l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	// Drop stale entries occasionally so one-off clients don't accumulate.
	if now.After(l.sweepAt) {
		for k, wc := range l.clients {
			if wc.windowStart.Before(start) {
				delete(l.clients, k)
			}
		}
		l.sweepAt = now.Add(l.window)
	}

	wc := l.clients[key]
	if wc == nil || wc.windowStart.Before(start) {
		l.clients[key] = &windowCount{windowStart: start, count: 1}
		return true
	}
	wc.count++
	return wc.count <= l.limit
}

// Clients reports how many distinct client keys currently hold a window.
func (l *FixedWindowLimiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Middleware applies the limiter keyed by client IP.
func (l *FixedWindowLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientIP(r)) {
			httpError(w, http.StatusTooManyRequests, "rate_limit_error", "too many requests, retry later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
