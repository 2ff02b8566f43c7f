package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

type limiter struct {
	mu          sync.Mutex
	m           map[string]limitEntry
	perMinute   int
	lastCleanup time.Time
}

type limitEntry struct {
	count int
	start time.Time
}

func newLimiter(perMinute int) *limiter {
	return &limiter{m: make(map[string]limitEntry), perMinute: perMinute}
}

// allow counts one hit for key and reports whether it is still under the
// per-minute budget. Stale windows are swept every couple of minutes so the
// map does not grow without bound.
func (l *limiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if now.Sub(l.lastCleanup) >= 2*time.Minute {
		l.lastCleanup = now
		cutoff := now.Add(-2 * time.Minute)
		for k, e := range l.m {
			if e.start.Before(cutoff) {
				delete(l.m, k)
			}
		}
	}
	e := l.m[key]
	if now.Sub(e.start) > time.Minute {
		e = limitEntry{count: 1, start: now}
	} else {
		e.count++
	}
	l.m[key] = e
	return e.count <= l.perMinute
}

func tooManyRequests(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"error":"rate limit exceeded"}`))
}

// RateLimitByIP limits N requests per minute per client IP. Use for public routes (no auth).
func RateLimitByIP(requestsPerMinute int) func(next http.Handler) http.Handler {
	l := newLimiter(requestsPerMinute)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := r.RemoteAddr
			if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
				ip = strings.TrimSpace(strings.Split(fwd, ",")[0])
			}
			if !l.allow("ip:" + ip) {
				tooManyRequests(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit limits N requests per minute per user (by UserID from ctx).
func RateLimit(requestsPerMinute int) func(next http.Handler) http.Handler {
	l := newLimiter(requestsPerMinute)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := UserID(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			if !l.allow(id.String()) {
				tooManyRequests(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
